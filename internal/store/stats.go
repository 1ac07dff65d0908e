package store

import (
	"context"

	"rentreclaim/internal/types"
)

// Stats is an aggregate snapshot for the CLI, dashboard, and status server.
type Stats struct {
	Total             int                       `json:"total_accounts"`
	ByStatus          map[types.Status]int      `json:"by_status"`
	ByType            map[types.AccountKind]int `json:"by_type"`
	LockedLamports    uint64                    `json:"locked_lamports"`
	EligibleLamports  uint64                    `json:"eligible_lamports"`
	ReclaimedCount    int                       `json:"reclaimed_count"`
	ReclaimedLamports uint64                    `json:"reclaimed_lamports"`
	SimulatedCount    int                       `json:"simulated_count"`
	FailedCount       int                       `json:"failed_count"`
	PassiveCount      int                       `json:"passive_reclaims"`
	PassiveLamports   uint64                    `json:"passive_lamports"`
	Checkpoint        types.ScanCheckpoint      `json:"checkpoint"`
}

// AverageReclaimed is the mean lamports per successful reclaim.
func (s Stats) AverageReclaimed() uint64 {
	if s.ReclaimedCount == 0 {
		return 0
	}
	return s.ReclaimedLamports / uint64(s.ReclaimedCount)
}

// Stats computes counts by status and type plus reclaim totals.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	cp, err := s.GetCheckpoint(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &Stats{
		ByStatus:   make(map[types.Status]int),
		ByType:     make(map[types.AccountKind]int),
		Checkpoint: cp,
	}
	for _, status := range types.AllStatuses {
		st.ByStatus[status] = 0
	}

	var byStatus []struct {
		Status   string `db:"status"`
		Kind     string `db:"account_kind"`
		Count    int    `db:"n"`
		Lamports int64  `db:"lamports"`
	}
	if err := s.db.SelectContext(ctx, &byStatus, `SELECT status, account_kind, COUNT(*) AS n,
			COALESCE(SUM(balance_lamports), 0) AS lamports
		FROM accounts GROUP BY status, account_kind`); err != nil {
		return nil, types.PersistenceError("stats", err)
	}
	for _, r := range byStatus {
		status := types.Status(r.Status)
		st.Total += r.Count
		st.ByStatus[status] += r.Count
		st.ByType[types.AccountKind(r.Kind)] += r.Count
		if !status.IsTerminal() {
			st.LockedLamports += uint64(r.Lamports)
		}
		if status == types.StatusEligible {
			st.EligibleLamports += uint64(r.Lamports)
		}
	}

	var ops []struct {
		Outcome  string `db:"outcome"`
		Count    int    `db:"n"`
		Lamports int64  `db:"lamports"`
	}
	if err := s.db.SelectContext(ctx, &ops, `SELECT outcome, COUNT(*) AS n,
			COALESCE(SUM(lamports), 0) AS lamports
		FROM reclaim_operations GROUP BY outcome`); err != nil {
		return nil, types.PersistenceError("stats", err)
	}
	for _, r := range ops {
		switch types.OutcomeKind(r.Outcome) {
		case types.OutcomeSuccess:
			st.ReclaimedCount = r.Count
			st.ReclaimedLamports = uint64(r.Lamports)
		case types.OutcomeSimulated:
			st.SimulatedCount = r.Count
		case types.OutcomeFailed:
			st.FailedCount = r.Count
		}
	}

	var passive struct {
		Count    int   `db:"n"`
		Lamports int64 `db:"lamports"`
	}
	if err := s.db.GetContext(ctx, &passive, `SELECT COUNT(*) AS n,
			COALESCE(SUM(amount_lamports), 0) AS lamports FROM passive_reclaims`); err != nil {
		return nil, types.PersistenceError("stats", err)
	}
	st.PassiveCount = passive.Count
	st.PassiveLamports = uint64(passive.Lamports)
	return st, nil
}
