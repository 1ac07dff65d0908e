package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"rentreclaim/internal/types"

	"github.com/jmoiron/sqlx"
)

type snapshotRow struct {
	ID              int64 `db:"id"`
	BalanceLamports int64 `db:"balance_lamports"`
	TakenAt         int64 `db:"taken_at"`
}

type passiveRow struct {
	ID             int64  `db:"id"`
	DetectedAt     int64  `db:"detected_at"`
	AmountLamports int64  `db:"amount_lamports"`
	Confidence     string `db:"confidence"`
	Candidates     string `db:"candidates"`
	Explanation    string `db:"explanation"`
}

// LatestSnapshot returns the most recent treasury snapshot, or nil.
func (s *Store) LatestSnapshot(ctx context.Context) (*types.TreasurySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var row snapshotRow
	err := s.db.GetContext(ctx, &row, `SELECT id, balance_lamports, taken_at
		FROM treasury_snapshots ORDER BY id DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.PersistenceError("latest snapshot", err)
	}
	return &types.TreasurySnapshot{
		ID:              row.ID,
		BalanceLamports: uint64(row.BalanceLamports),
		TakenAt:         fromMillis(row.TakenAt),
	}, nil
}

// RecordTreasuryCheck stores a new snapshot together with any detections.
func (s *Store) RecordTreasuryCheck(ctx context.Context, snap types.TreasurySnapshot, detections []types.PassiveReclaim) error {
	return s.withTx(ctx, "record treasury check", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO treasury_snapshots (balance_lamports, taken_at) VALUES (?, ?)`,
			int64(snap.BalanceLamports), toMillis(snap.TakenAt)); err != nil {
			return fmt.Errorf("failed to insert snapshot: %w", err)
		}
		for _, d := range detections {
			candidates, err := json.Marshal(d.Candidates)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO passive_reclaims
					(detected_at, amount_lamports, confidence, candidates, explanation)
				VALUES (?, ?, ?, ?, ?)`,
				toMillis(d.DetectedAt), int64(d.AmountLamports), string(d.Confidence),
				string(candidates), d.Explanation); err != nil {
				return fmt.Errorf("failed to insert passive reclaim: %w", err)
			}
		}
		return nil
	})
}

// ListPassiveReclaims returns detections, newest first.
func (s *Store) ListPassiveReclaims(ctx context.Context, limit int) ([]types.PassiveReclaim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, detected_at, amount_lamports, confidence, candidates, explanation
		FROM passive_reclaims ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	var rows []passiveRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, types.PersistenceError("list passive reclaims", err)
	}

	out := make([]types.PassiveReclaim, 0, len(rows))
	for _, r := range rows {
		p := types.PassiveReclaim{
			ID:             r.ID,
			DetectedAt:     fromMillis(r.DetectedAt),
			AmountLamports: uint64(r.AmountLamports),
			Confidence:     types.Confidence(r.Confidence),
			Explanation:    r.Explanation,
		}
		if err := json.Unmarshal([]byte(r.Candidates), &p.Candidates); err != nil {
			return nil, types.PersistenceError("list passive reclaims", fmt.Errorf("candidates of %d: %w", r.ID, err))
		}
		out = append(out, p)
	}
	return out, nil
}
