package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"rentreclaim/internal/eligibility"
	"rentreclaim/internal/reclaim"
	"rentreclaim/internal/scanner"
	"rentreclaim/internal/solana"
	"rentreclaim/internal/store"
	"rentreclaim/internal/treasury"
	"rentreclaim/internal/types"
)

// Summary is the outcome of one cycle. Step results are nil when the step
// did not run.
type Summary struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	DryRun     bool

	Scan       *scanner.Result
	ScanErr    error
	Evaluation *eligibility.PassResult
	Reclaim    *reclaim.BatchResult
	Reconciled *reclaim.ReconcileResult
	Treasury   *treasury.CheckResult
	Stats      *store.Stats
	Err        error
}

// Duration is the wall time of the cycle.
func (s *Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Discovered is the number of accounts stored by this cycle's scan.
func (s *Summary) Discovered() int {
	if s.Scan == nil {
		return 0
	}
	return len(s.Scan.Discovered)
}

// ReclaimedLamports is the total recovered by Success operations, late
// confirmations included.
func (s *Summary) ReclaimedLamports() uint64 {
	var total uint64
	if s.Reclaim != nil {
		total += s.Reclaim.Lamports
	}
	for _, op := range s.confirmed() {
		total += op.Lamports
	}
	return total
}

func (s *Summary) confirmed() []*types.ReclaimOperation {
	if s.Reconciled == nil {
		return nil
	}
	return s.Reconciled.Confirmed
}

// Eligible is the number of accounts the evaluation pass found Eligible.
func (s *Summary) Eligible() int {
	if s.Evaluation == nil {
		return 0
	}
	return s.Evaluation.ByStatus[types.StatusEligible]
}

// StatusCounts returns the store's counts by status, or nil.
func (s *Summary) StatusCounts() map[types.Status]int {
	if s.Stats == nil {
		return nil
	}
	return s.Stats.ByStatus
}

func (s *Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "discovered=%d", s.Discovered())
	if s.Evaluation != nil {
		fmt.Fprintf(&b, " evaluated=%d eligible=%d", s.Evaluation.Evaluated, s.Evaluation.ByStatus[types.StatusEligible])
	}
	if r := s.Reclaim; r != nil {
		if s.DryRun {
			fmt.Fprintf(&b, " simulated=%d would_recover=%s", r.Simulated, solana.FormatSOL(r.SimulatedLamports))
		} else {
			fmt.Fprintf(&b, " reclaimed=%d recovered=%s", r.Succeeded, solana.FormatSOL(r.Lamports))
		}
		if r.Failed > 0 {
			fmt.Fprintf(&b, " failed=%d", r.Failed)
		}
	}
	if n := len(s.confirmed()); n > 0 {
		fmt.Fprintf(&b, " confirmed_late=%d", n)
	}
	if s.ScanErr != nil {
		b.WriteString(" scan=incomplete")
	}
	fmt.Fprintf(&b, " duration=%s", s.Duration().Round(time.Millisecond))
	return b.String()
}

// Message renders the summary alert.
func (s *Summary) Message() string {
	var b strings.Builder
	b.WriteString("*Rent reclaim cycle complete*\n")
	if s.DryRun {
		b.WriteString("_dry run_\n")
	}
	fmt.Fprintf(&b, "Discovered: %d\n", s.Discovered())
	if r := s.Reclaim; r != nil {
		fmt.Fprintf(&b, "Reclaimed: %d (%s)\n", r.Succeeded, solana.FormatSOL(r.Lamports))
		if r.Failed > 0 {
			fmt.Fprintf(&b, "Failed: %d\n", r.Failed)
		}
	}
	if n := len(s.confirmed()); n > 0 {
		fmt.Fprintf(&b, "Confirmed late: %d\n", n)
	}
	if counts := s.StatusCounts(); counts != nil {
		for _, st := range types.AllStatuses {
			fmt.Fprintf(&b, "%s: %d\n", st, counts[st])
		}
	}
	fmt.Fprintf(&b, "Duration: %s", s.Duration().Round(time.Second))
	return b.String()
}

// FailureMessage renders the failure alert.
func (s *Summary) FailureMessage() string {
	return fmt.Sprintf("*Rent reclaim cycle failed*\nCycle: `%s`\nError: %v", s.ID, s.Err)
}

// PassiveMessage renders passive reclaim detections.
func PassiveMessage(detections []types.PassiveReclaim) string {
	var b strings.Builder
	b.WriteString("*Passive reclaim detected*\n")
	for _, d := range detections {
		fmt.Fprintf(&b, "%s (%s confidence)\n", solana.FormatSOL(d.AmountLamports), d.Confidence)
		for _, c := range d.Candidates {
			fmt.Fprintf(&b, "  `%s`\n", c)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// ScanMessage renders the scan-complete alert.
func (s *Summary) ScanMessage() string {
	var b strings.Builder
	b.WriteString("*Scan complete*\n")
	fmt.Fprintf(&b, "New accounts: %d\n", s.Discovered())
	if s.Stats != nil {
		fmt.Fprintf(&b, "Tracked accounts: %d\n", s.Stats.Total)
	}
	fmt.Fprintf(&b, "Eligible for reclaim: %d", s.Eligible())
	return b.String()
}

// ReclaimFailedMessage renders the alert for one account that could not be
// closed.
func ReclaimFailedMessage(op *types.ReclaimOperation) string {
	msg := fmt.Sprintf("*Reclaim failed*\nAccount: `%s`\nAttempts: %d\nError: %s",
		shortKey(op.AccountPubkey), op.Attempts, op.Reason)
	if op.Signature != "" {
		msg += fmt.Sprintf("\nLast submission: `%s`", op.Signature)
	}
	return msg
}

// HighValueMessage renders the alert for one reclaim at or above threshold.
func HighValueMessage(op *types.ReclaimOperation, threshold uint64) string {
	return fmt.Sprintf("*High-value reclaim*\nAccount: `%s`\nAmount: *%s*\nThreshold: %s",
		shortKey(op.AccountPubkey), solana.FormatSOL(op.Lamports), solana.FormatSOL(threshold))
}

// DailySummary totals the Success operations of one reporting window.
type DailySummary struct {
	Since      time.Time
	Operations int
	Lamports   uint64
}

// NewDailySummary folds ops, which must already be limited to the window.
func NewDailySummary(since time.Time, ops []types.ReclaimOperation) DailySummary {
	d := DailySummary{Since: since}
	for _, op := range ops {
		if op.Outcome != types.OutcomeSuccess {
			continue
		}
		d.Operations++
		d.Lamports += op.Lamports
	}
	return d
}

// Message renders the daily summary alert.
func (d DailySummary) Message() string {
	return fmt.Sprintf("*Daily summary*\nReclaims: %d\nTotal reclaimed: *%s*\n_Since %s_",
		d.Operations, solana.FormatSOL(d.Lamports), d.Since.UTC().Format(time.RFC3339))
}

// shortKey abbreviates a base58 address for chat messages.
func shortKey(pubkey string) string {
	if len(pubkey) <= 16 {
		return pubkey
	}
	return pubkey[:8] + "..." + pubkey[len(pubkey)-8:]
}
