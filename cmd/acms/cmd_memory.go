package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"acms/internal/config"
	"acms/internal/types"
)

var (
	topicFlag    string
	tierFlag     string
	offsetFlag   int
	limitFlag    int
	pinFlag      bool
	deadlineFlag time.Duration
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("config already exists at %s", configPath)
		}
		cfg := config.DefaultConfig()
		if err := cfg.Save(configPath); err != nil {
			return err
		}
		fmt.Println("wrote", configPath)
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <email>",
	Short: "Register a user",
	Long: `Register a user. The printed private key unlocks export bundles and is
shown exactly once; it is never stored.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		credential := os.Getenv("ACMS_CREDENTIAL")
		if credential == "" {
			return fmt.Errorf("set ACMS_CREDENTIAL to the account credential")
		}
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.close()

		reg, err := a.adapter.RegisterUser(args[0], credential)
		if err != nil {
			return err
		}
		fmt.Println("user id:    ", reg.UserID)
		fmt.Println("private key:", reg.PrivateKey)
		return nil
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [text]",
	Short: "Ingest a text artifact into a topic",
	Long:  "Ingest a text artifact. Reads stdin when no argument is given.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireUser(); err != nil {
			return err
		}
		text, err := argOrStdin(args)
		if err != nil {
			return err
		}
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.adapter.Ingest(cmd.Context(), userID, topicFlag, text)
		if err != nil {
			return err
		}
		fmt.Printf("ingested %s (tier=%s score=%.3f)\n", res.ItemID, res.Tier, res.Score)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <item-id>",
	Short: "Fetch and decrypt one memory item",
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

		record, err := a.adapter.GetMemory(userID, args[0])
		if err != nil {
			return err
		}
		return printJSON(record)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List memory items",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireUser(); err != nil {
			return err
		}
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.close()

		page, err := a.adapter.ListMemories(userID, topicFlag, types.Tier(tierFlag), offsetFlag, limitFlag)
		if err != nil {
			return err
		}
		for _, item := range page.Items {
			fmt.Printf("%s  %-6s %.3f  %-20s %s\n",
				item.ID, item.Tier, item.Score, item.Topic,
				item.LastUsed.Format(time.RFC3339))
		}
		fmt.Printf("total: %d\n", page.Total)
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <item-id> [text]",
	Short: "Replace an item's text",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireUser(); err != nil {
			return err
		}
		text, err := argOrStdin(args[1:])
		if err != nil {
			return err
		}
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.close()

		record, err := a.adapter.EditMemory(cmd.Context(), userID, args[0], text)
		if err != nil {
			return err
		}
		return printJSON(record)
	},
}

var pinCmd = &cobra.Command{
	Use:   "pin <item-id>",
	Short: "Pin or unpin an item (pinned items never demote)",
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

		record, err := a.adapter.PinMemory(userID, args[0], pinFlag)
		if err != nil {
			return err
		}
		fmt.Printf("%s pinned=%t\n", record.ID, record.Pinned)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <item-id>",
	Short: "Erase one memory item",
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

		if err := a.adapter.DeleteMemory(userID, args[0]); err != nil {
			return err
		}
		fmt.Println("deleted", args[0])
		return nil
	},
}

func argOrStdin(args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("no input text")
	}
	return text, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// withDeadline derives the command context with the --deadline flag applied.
func withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadlineFlag <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, deadlineFlag)
}

func init() {
	ingestCmd.Flags().StringVarP(&topicFlag, "topic", "t", "", "topic id")
	_ = ingestCmd.MarkFlagRequired("topic")
	listCmd.Flags().StringVarP(&topicFlag, "topic", "t", "", "topic filter")
	listCmd.Flags().StringVar(&tierFlag, "tier", "", "tier filter (short|mid|long)")
	listCmd.Flags().IntVar(&offsetFlag, "offset", 0, "page offset")
	listCmd.Flags().IntVar(&limitFlag, "limit", 50, "page size (max 200)")
	pinCmd.Flags().BoolVar(&pinFlag, "pinned", true, "pin state to set")

	rootCmd.AddCommand(initCmd, registerCmd, ingestCmd, getCmd, listCmd, editCmd, pinCmd, deleteCmd)
}
