// acms is the local front end over the ACMS boundary adapter: ingest,
// query, list, export, erase, and maintenance jobs against the local
// encrypted store.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"acms/internal/adapter"
	"acms/internal/config"
	"acms/internal/crs"
	"acms/internal/crypto"
	"acms/internal/embedding"
	"acms/internal/logging"
	"acms/internal/outcome"
	"acms/internal/policy"
	"acms/internal/rehydrate"
	"acms/internal/scheduler"
	"acms/internal/store"
	"acms/internal/tier"
)

var (
	configPath string
	userID     string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "acms",
	Short: "ACMS - Adaptive Context Memory System",
	Long: `ACMS is a local-first, per-user memory engine for AI assistants.

It ingests text artifacts, encrypts and indexes them, continuously scores
their long-term value, moves them through a three-tier retention hierarchy,
and assembles token-bounded context bundles for an external LLM.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// app bundles the wired subsystems for command handlers.
type app struct {
	cfg       *config.Config
	store     *store.LocalStore
	adapter   *adapter.Adapter
	scheduler *scheduler.Scheduler
}

// bootstrap loads config and wires the full stack.
func bootstrap() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.DebugMode = true
	}
	if err := logging.Initialize(cfg.DataDir, cfg.Logging.DebugMode); err != nil {
		return nil, err
	}

	backend, err := crypto.NewBackend(cfg.Crypto.Backend, cfg.Crypto.KeyDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize crypto backend: %w", err)
	}
	keys := crypto.NewKeyManager(backend, cfg.GetKeyCacheTTL())

	st, err := store.NewLocalStore(filepath.Join(cfg.DataDir, "acms.db"), keys)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	embedder, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		return nil, err
	}
	summarizer, err := embedding.NewSummarizer(cfg.Embedding)
	if err != nil {
		return nil, err
	}

	crsEngine := crs.NewEngine(st, cfg.CRS)
	pol := policy.NewEngine(st)
	reh := rehydrate.NewRehydrator(st, pol, embedder, summarizer, cfg)
	out := outcome.NewLogger(st, reh.InvalidateUser)
	tiers := tier.NewManager(st, pol, embedder, summarizer)
	sched := scheduler.New(st, crsEngine, tiers, pol, cfg, reh.InvalidateUser)
	adpt := adapter.New(st, embedder, crsEngine, pol, reh, out, cfg)

	return &app{cfg: cfg, store: st, adapter: adpt, scheduler: sched}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		logging.Get(logging.CategoryBoot).Warnw("failed to close store", "error", err)
	}
}

// requireUser enforces the --user flag for user-scoped commands.
func requireUser() error {
	if userID == "" {
		return fmt.Errorf("--user is required")
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "acms.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "user id for user-scoped commands")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
