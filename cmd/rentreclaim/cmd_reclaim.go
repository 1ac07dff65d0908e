package main

import (
	"errors"
	"fmt"

	"rentreclaim/internal/solana"
	"rentreclaim/internal/store"
	"rentreclaim/internal/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newReclaimCmd() *cobra.Command {
	var yes, dryRun bool
	cmd := &cobra.Command{
		Use:   "reclaim <pubkey>",
		Short: "Reclaim the rent deposit of one tracked account",
		Long: `Re-validates the account against the ledger and, if it is still eligible,
closes it with the treasury as destination. The account must have been found
by a previous scan.

A real close asks for confirmation unless --yes is given. With --dry-run the
close is only simulated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReclaim(cmd, args[0], yes, dryRun)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Simulate without sending")
	return cmd
}

func runReclaim(cmd *cobra.Command, pubkey string, yes, dryRun bool) error {
	ctx, cancel := commandContext()
	defer cancel()
	out := cmd.OutOrStdout()

	if _, err := solana.ParsePublicKey(pubkey); err != nil {
		return types.ConfigurationError("reclaim", err)
	}

	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	acc, err := a.store.GetAccount(ctx, pubkey)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("account %s is not tracked; run 'rentreclaim scan' first", pubkey)
	}
	if err != nil {
		return err
	}
	if acc.Status.IsTerminal() {
		fmt.Fprintf(out, "%s is already %s\n", pubkey, acc.StatusLabel())
		return nil
	}

	p := a.cfg.Policy()
	if dryRun {
		p = p.WithDryRun(true)
	}

	as, err := a.evaluator().Assess(ctx, acc, p)
	if err != nil {
		return err
	}
	if !as.Verdict.Eligible() {
		if _, err := a.store.ApplyEvaluations(ctx, []*types.SponsoredAccount{as.Account}); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s is not eligible: %s\n", pubkey, as.Verdict)
		return nil
	}

	kp, err := a.signer()
	if err != nil {
		return err
	}
	if !p.DryRun && !yes {
		q := fmt.Sprintf("Close %s and send %s to %s?", pubkey, solana.FormatSOL(as.Live.Info.Lamports), a.treasury)
		if !confirm(cmd.InOrStdin(), out, q) {
			fmt.Fprintln(out, "Cancelled")
			return nil
		}
	}

	exec, err := a.executor(kp)
	if err != nil {
		return err
	}
	op, err := exec.Reclaim(ctx, acc, p)
	if err != nil {
		return err
	}
	logger.Info("Reclaim finished", zap.String("account", pubkey), zap.String("outcome", string(op.Outcome)))

	switch op.Outcome {
	case types.OutcomeSuccess:
		fmt.Fprintf(out, "Reclaimed %s from %s\nSignature: %s\n", solana.FormatSOL(op.Lamports), pubkey, op.Signature)
	case types.OutcomeSimulated:
		fmt.Fprintf(out, "Dry run: closing %s would recover %s\n", pubkey, solana.FormatSOL(op.Lamports))
	default:
		return fmt.Errorf("reclaim of %s failed after %d attempt(s): %s", pubkey, op.Attempts, op.Reason)
	}
	return nil
}
