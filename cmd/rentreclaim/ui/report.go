package ui

import (
	"fmt"
	"strings"
	"time"

	"rentreclaim/internal/solana"
	"rentreclaim/internal/store"
	"rentreclaim/internal/types"
)

// StatsMarkdown renders stats and recent passive reclaims as markdown.
func StatsMarkdown(st *store.Stats, passive []types.PassiveReclaim) string {
	var b strings.Builder
	b.WriteString("# Rent reclaim statistics\n\n")

	b.WriteString("| Status | Accounts |\n|---|---:|\n")
	for _, s := range types.AllStatuses {
		fmt.Fprintf(&b, "| %s | %d |\n", s, st.ByStatus[s])
	}
	fmt.Fprintf(&b, "| **total** | **%d** |\n\n", st.Total)

	b.WriteString("| Type | Accounts |\n|---|---:|\n")
	for _, k := range []types.AccountKind{types.KindTokenAccount, types.KindSystemOwned, types.KindOther} {
		fmt.Fprintf(&b, "| %s | %d |\n", k, st.ByType[k])
	}
	b.WriteString("\n## Rent\n\n")
	fmt.Fprintf(&b, "- Locked in tracked accounts: **%s**\n", solana.FormatSOL(st.LockedLamports))
	fmt.Fprintf(&b, "- Eligible now: **%s**\n", solana.FormatSOL(st.EligibleLamports))
	fmt.Fprintf(&b, "- Reclaimed: **%s** in %d close(s), average %s\n",
		solana.FormatSOL(st.ReclaimedLamports), st.ReclaimedCount, solana.FormatSOL(st.AverageReclaimed()))
	fmt.Fprintf(&b, "- Simulated: %d, failed attempts: %d\n", st.SimulatedCount, st.FailedCount)
	fmt.Fprintf(&b, "- Passive reclaims: %d (%s)\n", st.PassiveCount, solana.FormatSOL(st.PassiveLamports))

	if len(passive) > 0 {
		b.WriteString("\n## Recent passive reclaims\n\n")
		for _, p := range passive {
			fmt.Fprintf(&b, "- %s %s, %s confidence", p.DetectedAt.Local().Format(time.DateTime), solana.FormatSOL(p.AmountLamports), p.Confidence)
			if len(p.Candidates) > 0 {
				fmt.Fprintf(&b, ": `%s`", strings.Join(p.Candidates, "`, `"))
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\n## Checkpoint\n\n")
	cp := st.Checkpoint
	if cp.IsEmpty() {
		b.WriteString("No scan recorded yet.\n")
	} else {
		fmt.Fprintf(&b, "- Last signature: `%s` (slot %d)\n", cp.LastSignature, cp.LastSlot)
		if cp.HasPending() {
			fmt.Fprintf(&b, "- Unfinished pass from `%s`\n", cp.PendingHeadSignature)
		}
	}
	return b.String()
}

// StatsTable renders stats as plain tables.
func StatsTable(styles Styles, st *store.Stats) string {
	status := NewSimpleTable("Accounts by status", "Status", "Count")
	for _, s := range types.AllStatuses {
		status.AddRow(styles.Status(s, string(s)), fmt.Sprint(st.ByStatus[s]))
	}
	status.AddRow("total", fmt.Sprint(st.Total))

	kinds := NewSimpleTable("Accounts by type", "Type", "Count")
	for _, k := range []types.AccountKind{types.KindTokenAccount, types.KindSystemOwned, types.KindOther} {
		kinds.AddRow(string(k), fmt.Sprint(st.ByType[k]))
	}

	rent := NewSimpleTable("Rent", "", "")
	rent.AddRow("Locked", solana.FormatSOL(st.LockedLamports))
	rent.AddRow("Eligible", solana.FormatSOL(st.EligibleLamports))
	rent.AddRow("Reclaimed", fmt.Sprintf("%s (%d)", solana.FormatSOL(st.ReclaimedLamports), st.ReclaimedCount))
	rent.AddRow("Average reclaim", solana.FormatSOL(st.AverageReclaimed()))
	rent.AddRow("Simulated", fmt.Sprint(st.SimulatedCount))
	rent.AddRow("Failed attempts", fmt.Sprint(st.FailedCount))
	rent.AddRow("Passive reclaims", fmt.Sprintf("%s (%d)", solana.FormatSOL(st.PassiveLamports), st.PassiveCount))

	return status.View(styles) + "\n" + kinds.View(styles) + "\n" + rent.View(styles)
}

// AccountsTable renders accounts oldest first.
func AccountsTable(styles Styles, accounts []*types.SponsoredAccount) string {
	t := NewSimpleTable(fmt.Sprintf("Accounts (%d)", len(accounts)), "Pubkey", "Type", "Status", "Rent", "Discovered")
	for _, a := range accounts {
		t.AddRow(a.Pubkey, a.Type.String(), styles.Status(a.Status, a.StatusLabel()),
			solana.FormatSOL(a.BalanceLamports), a.DiscoveredAt.Local().Format(time.DateTime))
	}
	return t.View(styles)
}

// OperationsTable renders reclaim attempts.
func OperationsTable(styles Styles, ops []types.ReclaimOperation) string {
	t := NewSimpleTable(fmt.Sprintf("Operations (%d)", len(ops)), "Time", "Account", "Outcome", "Lamports", "Detail")
	for _, op := range ops {
		detail := op.Signature
		if op.Outcome == types.OutcomeFailed {
			detail = op.Reason
		}
		t.AddRow(op.AttemptedAt.Local().Format(time.DateTime), Truncate(op.AccountPubkey, 16),
			styles.Outcome(op.Outcome), fmt.Sprint(op.Lamports), detail)
	}
	return t.View(styles)
}

// Truncate shortens s to n runes with a trailing ellipsis.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n || n < 4 {
		return s
	}
	return string(r[:n-3]) + "..."
}
