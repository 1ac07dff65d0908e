package store

import (
	"context"
	"fmt"

	"rentreclaim/internal/logging"
	"rentreclaim/internal/types"

	"github.com/jmoiron/sqlx"
)

type checkpointRow struct {
	LastSignature        string `db:"last_signature"`
	LastSlot             int64  `db:"last_slot"`
	PendingHeadSignature string `db:"pending_head_signature"`
	PendingHeadSlot      int64  `db:"pending_head_slot"`
	PendingCursor        string `db:"pending_cursor"`
	UpdatedAt            int64  `db:"updated_at"`
}

const selectCheckpointSQL = `SELECT last_signature, last_slot, pending_head_signature,
	pending_head_slot, pending_cursor, updated_at FROM scan_checkpoint WHERE id = 1`

func (r checkpointRow) toCheckpoint() types.ScanCheckpoint {
	return types.ScanCheckpoint{
		LastSignature:        r.LastSignature,
		LastSlot:             uint64(r.LastSlot),
		PendingHeadSignature: r.PendingHeadSignature,
		PendingHeadSlot:      uint64(r.PendingHeadSlot),
		PendingCursor:        r.PendingCursor,
		UpdatedAt:            fromMillis(r.UpdatedAt),
	}
}

// GetCheckpoint returns the scan checkpoint singleton.
func (s *Store) GetCheckpoint(ctx context.Context) (types.ScanCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var row checkpointRow
	if err := s.db.GetContext(ctx, &row, selectCheckpointSQL); err != nil {
		return types.ScanCheckpoint{}, types.PersistenceError("get checkpoint", err)
	}
	return row.toCheckpoint(), nil
}

// ResetCheckpoint clears the cursor for a full rescan. Accounts are kept;
// this is the only way the checkpoint moves backward.
func (s *Store) ResetCheckpoint(ctx context.Context) error {
	err := s.withTx(ctx, "reset checkpoint", func(tx *sqlx.Tx) error {
		return writeCheckpoint(ctx, tx, types.ScanCheckpoint{UpdatedAt: s.now()})
	})
	if err != nil {
		return err
	}
	logging.Store("Scan checkpoint reset")
	return nil
}

func writeCheckpoint(ctx context.Context, tx *sqlx.Tx, cp types.ScanCheckpoint) error {
	_, err := tx.ExecContext(ctx, `UPDATE scan_checkpoint SET
			last_signature = ?, last_slot = ?,
			pending_head_signature = ?, pending_head_slot = ?, pending_cursor = ?,
			updated_at = ?
		WHERE id = 1`,
		cp.LastSignature, int64(cp.LastSlot),
		cp.PendingHeadSignature, int64(cp.PendingHeadSlot), cp.PendingCursor,
		toMillis(cp.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}
