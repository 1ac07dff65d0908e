package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string
	timeout    time.Duration

	// Logger
	logger *zap.Logger
)

// newRootCmd builds the command tree. Each call returns fresh flag state.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rentreclaim",
		Short: "Recover rent deposits from operator-sponsored Solana accounts",
		Long: `rentreclaim finds accounts whose rent deposit was paid by the operator key,
decides which of them can be closed, and returns their lamports to the treasury.

Only token accounts whose close authority is the operator can be reclaimed.
System-owned addresses are tracked but never closed.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config := zap.NewProductionConfig()
			if verbose {
				config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			var err error
			logger, err = config.Build()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			if workspace == "" {
				workspace, err = os.Getwd()
				if err != nil {
					return fmt.Errorf("failed to resolve workspace: %w", err)
				}
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output and debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <workspace>/.reclaim/config.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "Timeout for one-shot commands")

	rootCmd.AddCommand(
		newInitCmd(),
		newScanCmd(),
		newReclaimCmd(),
		newAutoCmd(),
		newStatsCmd(),
		newListCmd(),
		newHistoryCmd(),
		newDailySummaryCmd(),
		newCheckpointsCmd(),
		newResetCmd(),
		newTreasuryCmd(),
		newTUICmd(),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
