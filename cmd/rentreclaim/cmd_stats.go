package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"rentreclaim/cmd/rentreclaim/ui"
	"rentreclaim/internal/notify"
	"rentreclaim/internal/orchestrator"
	"rentreclaim/internal/solana"
	"rentreclaim/internal/store"
	"rentreclaim/internal/types"

	"github.com/spf13/cobra"
)

const (
	formatTable    = "table"
	formatJSON     = "json"
	formatMarkdown = "markdown"
)

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatsCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show account counts, reclaimed totals, and the checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()
			out := cmd.OutOrStdout()

			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.store.Stats(ctx)
			if err != nil {
				return err
			}

			switch format {
			case formatJSON:
				return writeJSON(out, st)
			case formatMarkdown:
				passive, err := a.store.ListPassiveReclaims(ctx, 10)
				if err != nil {
					return err
				}
				styles := ui.DefaultStyles()
				rendered, err := ui.RenderMarkdown(ui.StatsMarkdown(st, passive), 100, ui.MarkdownStyle(out, styles.Theme.IsDark))
				if err != nil {
					return err
				}
				fmt.Fprint(out, rendered)
				return nil
			case formatTable:
				fmt.Fprint(out, ui.StatsTable(ui.DefaultStyles(), st))
				fmt.Fprintln(out)
				printCheckpoint(out, st.Checkpoint)
				return nil
			}
			return fmt.Errorf("unknown format %q (valid: table, json, markdown)", format)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", formatTable, "Output format: table, json, markdown")
	return cmd
}

type accountJSON struct {
	Pubkey             string    `json:"pubkey"`
	Type               string    `json:"type"`
	ProgramID          string    `json:"program_id,omitempty"`
	Status             string    `json:"status"`
	Reason             string    `json:"reason,omitempty"`
	RentLamports       uint64    `json:"rent_lamports"`
	TokenAmount        uint64    `json:"token_amount,omitempty"`
	Mint               string    `json:"mint,omitempty"`
	Owner              string    `json:"owner,omitempty"`
	CloseAuthority     string    `json:"close_authority,omitempty"`
	DiscoverySignature string    `json:"discovery_signature"`
	DiscoverySlot      uint64    `json:"discovery_slot"`
	DiscoveredAt       time.Time `json:"discovered_at"`
	LastActivityAt     time.Time `json:"last_activity_at"`
}

func toAccountJSON(a *types.SponsoredAccount) accountJSON {
	return accountJSON{
		Pubkey:             a.Pubkey,
		Type:               string(a.Type.Kind),
		ProgramID:          a.Type.ProgramID,
		Status:             string(a.Status),
		Reason:             a.StatusReason,
		RentLamports:       a.BalanceLamports,
		TokenAmount:        a.TokenAmount,
		Mint:               a.Mint,
		Owner:              a.Owner,
		CloseAuthority:     a.CloseAuthority,
		DiscoverySignature: a.DiscoverySignature,
		DiscoverySlot:      a.DiscoverySlot,
		DiscoveredAt:       a.DiscoveredAt,
		LastActivityAt:     a.LastActivityAt,
	}
}

func newListCmd() *cobra.Command {
	var status, kind, format string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked accounts, oldest discovered first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()
			out := cmd.OutOrStdout()

			f := store.AccountFilter{Limit: limit}
			if status != "" && status != "all" {
				st, err := types.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Statuses = []types.Status{st}
			}
			if kind != "" && kind != "all" {
				k, err := types.ParseAccountKind(kind)
				if err != nil {
					return err
				}
				f.Kind = k
			}

			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			accounts, err := a.store.ListAccounts(ctx, f)
			if err != nil {
				return err
			}
			switch format {
			case formatJSON:
				rows := make([]accountJSON, 0, len(accounts))
				for _, acc := range accounts {
					rows = append(rows, toAccountJSON(acc))
				}
				return writeJSON(out, rows)
			case formatTable:
				fmt.Fprint(out, ui.AccountsTable(ui.DefaultStyles(), accounts))
				return nil
			}
			return fmt.Errorf("unknown format %q (valid: table, json)", format)
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "all", "Filter by status: active, eligible, ineligible, reclaimed, closed_externally, all")
	cmd.Flags().StringVarP(&kind, "type", "t", "all", "Filter by type: token, system, other, all")
	cmd.Flags().StringVarP(&format, "format", "f", formatTable, "Output format: table, json")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum rows (0 = all)")
	return cmd
}

func newTreasuryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "treasury",
		Short: "Check the treasury balance for passive reclaims",
		Long: `Compares the treasury balance with the last snapshot. An increase not
explained by this tool's own reclaims is attributed to accounts that were
closed by someone else.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()
			out := cmd.OutOrStdout()

			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.monitor().Check(ctx, a.cfg.Policy())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Treasury %s: %s\n", a.treasury, solana.FormatSOL(res.Balance))
			if res.Previous == nil {
				fmt.Fprintln(out, "First snapshot recorded")
				return nil
			}
			fmt.Fprintf(out, "Change since %s: %+d lamports (own reclaims: %s)\n",
				res.Previous.TakenAt.Local().Format(time.DateTime), res.Increase(), solana.FormatSOL(res.Explained))
			if len(res.Detections) == 0 {
				fmt.Fprintln(out, "No passive reclaims detected")
				return nil
			}
			for _, d := range res.Detections {
				fmt.Fprintf(out, "Passive reclaim of %s (%s confidence)\n", solana.FormatSOL(d.AmountLamports), d.Confidence)
				if d.Explanation != "" {
					fmt.Fprintf(out, "  %s\n", d.Explanation)
				}
				for _, c := range d.Candidates {
					fmt.Fprintf(out, "  %s\n", c)
				}
			}
			return nil
		},
	}
}

func newTUICmd() *cobra.Command {
	var refresh time.Duration
	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Open the interactive dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.Close()
			return ui.Run(a.store, refresh)
		},
	}
	cmd.Flags().DurationVar(&refresh, "refresh", 30*time.Second, "Reload interval (0 disables)")
	return cmd
}

type operationJSON struct {
	ID          string    `json:"id"`
	Account     string    `json:"account"`
	AttemptedAt time.Time `json:"attempted_at"`
	Outcome     string    `json:"outcome"`
	Signature   string    `json:"signature,omitempty"`
	Lamports    uint64    `json:"lamports"`
	Reason      string    `json:"reason,omitempty"`
	Attempts    int       `json:"attempts"`
}

func newHistoryCmd() *cobra.Command {
	var account, outcome, format string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded reclaim attempts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()
			out := cmd.OutOrStdout()

			f := store.OperationFilter{AccountPubkey: account, Limit: limit}
			switch o := types.OutcomeKind(outcome); o {
			case "", "all":
			case types.OutcomeSuccess, types.OutcomeFailed, types.OutcomeSimulated:
				f.Outcome = o
			default:
				return fmt.Errorf("unknown outcome %q (valid: success, failed, simulated, all)", outcome)
			}

			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			ops, err := a.store.ListOperations(ctx, f)
			if err != nil {
				return err
			}
			switch format {
			case formatJSON:
				rows := make([]operationJSON, 0, len(ops))
				for _, op := range ops {
					rows = append(rows, operationJSON{
						ID:          op.ID,
						Account:     op.AccountPubkey,
						AttemptedAt: op.AttemptedAt,
						Outcome:     string(op.Outcome),
						Signature:   op.Signature,
						Lamports:    op.Lamports,
						Reason:      op.Reason,
						Attempts:    op.Attempts,
					})
				}
				return writeJSON(out, rows)
			case formatTable:
				fmt.Fprint(out, ui.OperationsTable(ui.DefaultStyles(), ops))
				return nil
			}
			return fmt.Errorf("unknown format %q (valid: table, json)", format)
		},
	}
	cmd.Flags().StringVarP(&account, "account", "a", "", "Only attempts for this account")
	cmd.Flags().StringVarP(&outcome, "outcome", "o", "all", "Filter by outcome: success, failed, simulated, all")
	cmd.Flags().StringVarP(&format, "format", "f", formatTable, "Output format: table, json")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum rows (0 = all)")
	return cmd
}

func newDailySummaryCmd() *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "daily-summary",
		Short: "Total the last day's reclaims and send them as an alert",
		Long: `Totals the successful reclaims recorded in the window (24h by default),
prints the summary, and sends it to the configured Telegram chats. Meant to
be run once a day from cron.`,
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

			since := time.Now().Add(-window)
			ops, err := a.store.ListOperations(ctx, store.OperationFilter{Since: since, Outcome: types.OutcomeSuccess})
			if err != nil {
				return err
			}
			d := orchestrator.NewDailySummary(since, ops)
			fmt.Fprintf(out, "Reclaims since %s: %d (%s)\n", since.Local().Format(time.DateTime), d.Operations, solana.FormatSOL(d.Lamports))

			n, err := a.notifier()
			if err != nil {
				return types.ConfigurationError("notifications", err)
			}
			if _, ok := n.(notify.Nop); ok {
				fmt.Fprintln(out, "Notifications disabled, nothing sent")
				return nil
			}
			if err := n.Send(ctx, d.Message()); err != nil {
				return fmt.Errorf("send daily summary: %w", err)
			}
			fmt.Fprintln(out, "Summary sent")
			return nil
		},
	}
	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "Reporting window")
	return cmd
}
