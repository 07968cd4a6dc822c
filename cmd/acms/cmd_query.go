package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"acms/internal/types"
)

var (
	intentFlag     string
	budgetFlag     int
	complianceFlag bool

	outcomeKindFlag string
	ratingFlag      int
	editDistFlag    float64
	completedFlag   bool
)

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Assemble a context bundle for a query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireUser(); err != nil {
			return err
		}
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := withDeadline(cmd.Context())
		defer cancel()

		bundle, err := a.adapter.Query(ctx, userID, args[0], topicFlag, intentFlag, budgetFlag, complianceFlag)
		if err != nil {
			return err
		}

		fmt.Printf("query id: %s  intent: %s  tokens: %d  cache: %t  partial: %t\n",
			bundle.QueryID, bundle.Intent, bundle.TotalTokens, bundle.CacheHit, bundle.Partial)
		fmt.Printf("retrieval: %s  summarization: %s\n\n",
			bundle.RetrievalDuration.Round(time.Millisecond),
			bundle.SummarizationDuration.Round(time.Millisecond))
		if bundle.Summary != "" {
			fmt.Println(bundle.Summary)
			fmt.Println()
		}
		for _, item := range bundle.Items {
			fmt.Printf("  %s [%s %.3f] %s\n", item.ID, item.Tier, item.Relevance, item.Excerpt)
		}
		return nil
	},
}

var outcomeCmd = &cobra.Command{
	Use:   "outcome <query-id>",
	Short: "Record feedback for a prior query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireUser(); err != nil {
			return err
		}
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.close()

		ev := types.OutcomeEvent{
			QueryID:      args[0],
			Kind:         types.OutcomeKind(outcomeKindFlag),
			Rating:       ratingFlag,
			EditDistance: editDistFlag,
			Completed:    completedFlag,
			Timestamp:    time.Now().UTC(),
		}
		if err := a.adapter.RecordOutcome(userID, ev); err != nil {
			return err
		}
		fmt.Println("recorded", outcomeKindFlag, "for", args[0])
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export [output-file]",
	Short: "Export memories as a bundle sealed to the user's public key",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireUser(); err != nil {
			return err
		}
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.close()

		handle, err := a.adapter.ExportMemory(userID, topicFlag)
		if err != nil {
			return err
		}
		if len(args) == 0 {
			fmt.Println("export handle:", handle)
			return nil
		}

		sealed, err := a.adapter.DownloadExport(userID, handle)
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[0], sealed, 0o600); err != nil {
			return err
		}
		fmt.Printf("wrote %d sealed bytes to %s\n", len(sealed), args[0])
		return nil
	},
}

var eraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Irreversibly erase memories and destroy their keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireUser(); err != nil {
			return err
		}
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.close()

		handle, err := a.adapter.DeleteAllMemory(userID, topicFlag)
		if err != nil {
			return err
		}

		// Poll until the background erasure completes.
		for {
			status, err := a.adapter.DeletionStatusFor(handle)
			if err != nil {
				return err
			}
			if status.Done {
				if status.Failed {
					return fmt.Errorf("erasure failed, see logs")
				}
				fmt.Printf("erased %d items\n", status.ItemsRemoved)
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}
	},
}

var consentCmd = &cobra.Command{
	Use:   "consent <topic> <kind>",
	Short: "Grant consent to keep a PII kind in long-term memory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireUser(); err != nil {
			return err
		}
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.adapter.GrantConsent(userID, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("consent recorded for %s/%s\n", args[0], args[1])
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Run maintenance jobs",
}

var jobsRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full maintenance pass now (recompute, evaluate, consolidate)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.close()

		if userID != "" {
			return a.scheduler.RunUserPass(cmd.Context(), userID)
		}
		return a.scheduler.RunNightly(cmd.Context())
	},
}

var jobsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Erase archived items past their retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.close()
		return a.scheduler.PurgeArchives(cmd.Context())
	},
}

var jobsRotateCmd = &cobra.Command{
	Use:   "rotate-keys",
	Short: "Advance topic key versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.close()
		return a.scheduler.RotateKeys(cmd.Context())
	},
}

func init() {
	queryCmd.Flags().StringVarP(&topicFlag, "topic", "t", "", "topic id")
	queryCmd.Flags().StringVar(&intentFlag, "intent", "", "intent override (classified when empty)")
	queryCmd.Flags().IntVar(&budgetFlag, "budget", 0, "token budget (100-5000, 0 = default)")
	queryCmd.Flags().BoolVar(&complianceFlag, "compliance", false, "restrict retrieval to the given topic")
	queryCmd.Flags().DurationVar(&deadlineFlag, "deadline", 0, "end-to-end deadline (0 = none)")

	outcomeCmd.Flags().StringVar(&outcomeKindFlag, "kind", "thumbs_up", "thumbs_up|thumbs_down|rating|edit_distance|completed")
	outcomeCmd.Flags().IntVar(&ratingFlag, "rating", 0, "rating 1-5 (kind=rating)")
	outcomeCmd.Flags().Float64Var(&editDistFlag, "edit-distance", 0, "edit distance 0-1 (kind=edit_distance)")
	outcomeCmd.Flags().BoolVar(&completedFlag, "completed", false, "completion flag (kind=completed)")

	exportCmd.Flags().StringVarP(&topicFlag, "topic", "t", "", "limit export to one topic")
	eraseCmd.Flags().StringVarP(&topicFlag, "topic", "t", "", "limit erasure to one topic")

	jobsCmd.AddCommand(jobsRunCmd, jobsPurgeCmd, jobsRotateCmd)
	rootCmd.AddCommand(queryCmd, outcomeCmd, exportCmd, eraseCmd, consentCmd, jobsCmd)
}
