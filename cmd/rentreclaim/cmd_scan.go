package main

import (
	"fmt"
	"io"
	"time"

	"rentreclaim/internal/logging"
	"rentreclaim/internal/solana"
	"rentreclaim/internal/store"
	"rentreclaim/internal/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newScanCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Discover sponsored accounts and evaluate eligibility",
		Long: `Walks the operator's transaction history from the ledger head back to the
last checkpoint, records every account the operator funded, then re-evaluates
all tracked accounts. Nothing is closed.

With --verbose every newly discovered account is printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum transactions to inspect this run (default: scan.max_transactions)")
	return cmd
}

func runScan(cmd *cobra.Command, limit int) error {
	ctx, cancel := commandContext()
	defer cancel()
	out := cmd.OutOrStdout()

	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	var onDiscovered func(*types.SponsoredAccount)
	if verbose {
		onDiscovered = func(acc *types.SponsoredAccount) {
			fmt.Fprintf(out, "  + %s %-10s %s\n", acc.Pubkey, acc.Type, solana.FormatSOL(acc.BalanceLamports))
		}
	}

	fmt.Fprintf(out, "Scanning history of %s\n", a.operator)
	res, scanErr := a.scanner(onDiscovered).WithLimit(limit).Scan(ctx)
	if res != nil {
		fmt.Fprintf(out, "Pages: %d  Signatures: %d  Discovered: %d\n", res.Pages, res.Signatures, len(res.Discovered))
		if res.FailedTxs > 0 || res.ParseErrors > 0 || res.Unavailable > 0 {
			fmt.Fprintf(out, "Skipped: %d failed, %d unparsable, %d unavailable\n", res.FailedTxs, res.ParseErrors, res.Unavailable)
		}
		switch {
		case res.Capped:
			fmt.Fprintln(out, "Transaction limit reached; the next scan resumes where this one stopped")
		case res.NothingToDo:
			fmt.Fprintln(out, "No new activity since the last checkpoint")
		}
	}
	if scanErr != nil {
		if types.IsKind(scanErr, types.KindPersistence) {
			return scanErr
		}
		logger.Warn("Scan incomplete", zap.Error(scanErr))
		fmt.Fprintf(out, "Scan incomplete, evaluating stored accounts: %v\n", scanErr)
	}

	pass, err := a.evaluator().Pass(ctx, a.store, a.cfg.Policy())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Evaluated: %d (lookup failures: %d)\n", pass.Evaluated, pass.Failed)

	eligible, err := a.store.ListAccounts(ctx, store.AccountFilter{Statuses: []types.Status{types.StatusEligible}})
	if err != nil {
		return err
	}
	printEligible(out, eligible)
	return nil
}

func printEligible(out io.Writer, accounts []*types.SponsoredAccount) {
	if len(accounts) == 0 {
		fmt.Fprintln(out, "No accounts eligible for reclaim")
		return
	}
	var total uint64
	fmt.Fprintf(out, "\n%d eligible account(s):\n", len(accounts))
	for _, acc := range accounts {
		total += acc.BalanceLamports
		fmt.Fprintf(out, "  %s  %s\n", acc.Pubkey, solana.FormatSOL(acc.BalanceLamports))
	}
	fmt.Fprintf(out, "Reclaimable: %s\n", solana.FormatSOL(total))
}

func newCheckpointsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints",
		Short: "Show the scan checkpoint and any unfinished pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()

			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			cp, err := a.store.GetCheckpoint(ctx)
			if err != nil {
				return err
			}
			printCheckpoint(cmd.OutOrStdout(), cp)
			return nil
		},
	}
}

func printCheckpoint(out io.Writer, cp types.ScanCheckpoint) {
	if cp.IsEmpty() {
		fmt.Fprintln(out, "No scan recorded yet; the next scan reads full history")
		return
	}
	fmt.Fprintf(out, "Last signature: %s\n", orDash(cp.LastSignature))
	fmt.Fprintf(out, "Last slot:      %d\n", cp.LastSlot)
	if !cp.UpdatedAt.IsZero() {
		fmt.Fprintf(out, "Updated:        %s\n", cp.UpdatedAt.Format(time.RFC3339))
	}
	if cp.HasPending() {
		fmt.Fprintln(out, "Unfinished pass:")
		fmt.Fprintf(out, "  head:   %s (slot %d)\n", cp.PendingHeadSignature, cp.PendingHeadSlot)
		fmt.Fprintf(out, "  cursor: %s\n", orDash(cp.PendingCursor))
	}
}

func newResetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear the scan checkpoint so the next scan reads full history",
		Long: `Clears the checkpoint, including any unfinished pass. Tracked accounts and
the operation log are kept; accounts found again are not duplicated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()
			out := cmd.OutOrStdout()

			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			if !yes && !confirm(cmd.InOrStdin(), out, "Reset the scan checkpoint and rescan full history?") {
				fmt.Fprintln(out, "Cancelled")
				return nil
			}
			cp, err := a.store.GetCheckpoint(ctx)
			if err != nil {
				return err
			}
			if err := a.store.ResetCheckpoint(ctx); err != nil {
				return err
			}
			logging.Audit().CheckpointReset(cp.LastSignature)
			logger.Info("Checkpoint reset", zap.String("last_signature", cp.LastSignature))
			fmt.Fprintln(out, "Checkpoint cleared")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
