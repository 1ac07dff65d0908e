package store

import (
	"context"
	"fmt"
	"time"

	"rentreclaim/internal/logging"
	"rentreclaim/internal/types"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type operationRow struct {
	ID            string `db:"id"`
	AccountPubkey string `db:"account_pubkey"`
	AttemptedAt   int64  `db:"attempted_at"`
	Outcome       string `db:"outcome"`
	Signature     string `db:"signature"`
	Lamports      int64  `db:"lamports"`
	Reason        string `db:"reason"`
	Attempts      int    `db:"attempts"`
}

func (r operationRow) toOperation() types.ReclaimOperation {
	return types.ReclaimOperation{
		ID:            r.ID,
		AccountPubkey: r.AccountPubkey,
		AttemptedAt:   fromMillis(r.AttemptedAt),
		Outcome:       types.OutcomeKind(r.Outcome),
		Signature:     r.Signature,
		Lamports:      uint64(r.Lamports),
		Reason:        r.Reason,
		Attempts:      r.Attempts,
	}
}

// RecordAttempt appends one reclaim operation. When refreshed is non-nil its
// evaluation state is written in the same transaction. A Success outcome
// moves the account to Reclaimed; an account that is already terminal
// rejects a second Success.
func (s *Store) RecordAttempt(ctx context.Context, op *types.ReclaimOperation, refreshed *types.SponsoredAccount) error {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.AttemptedAt.IsZero() {
		op.AttemptedAt = s.now()
	}
	if op.Attempts == 0 {
		op.Attempts = 1
	}

	err := s.withTx(ctx, "record attempt", func(tx *sqlx.Tx) error {
		now := s.now()
		if refreshed != nil && op.Outcome != types.OutcomeSuccess {
			if _, err := applyEvaluations(ctx, tx, []*types.SponsoredAccount{refreshed}, now); err != nil {
				return err
			}
		}

		if op.Outcome == types.OutcomeSuccess {
			res, err := tx.ExecContext(ctx, `UPDATE accounts SET
					status = ?, status_reason = '', balance_lamports = 0, token_amount = 0, updated_at = ?
				WHERE pubkey = ? AND status NOT IN ('reclaimed', 'closed_externally')`,
				string(types.StatusReclaimed), toMillis(now), op.AccountPubkey)
			if err != nil {
				return fmt.Errorf("failed to mark reclaimed: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("account %s is missing or already terminal", op.AccountPubkey)
			}
		}

		_, err := tx.NamedExecContext(ctx, `INSERT INTO reclaim_operations
				(id, account_pubkey, attempted_at, outcome, signature, lamports, reason, attempts)
			VALUES (:id, :account_pubkey, :attempted_at, :outcome, :signature, :lamports, :reason, :attempts)`,
			operationRow{
				ID:            op.ID,
				AccountPubkey: op.AccountPubkey,
				AttemptedAt:   toMillis(op.AttemptedAt),
				Outcome:       string(op.Outcome),
				Signature:     op.Signature,
				Lamports:      int64(op.Lamports),
				Reason:        op.Reason,
				Attempts:      op.Attempts,
			})
		if err != nil {
			return fmt.Errorf("failed to append operation: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	logging.StoreDebug("Recorded %s for %s", op, op.AccountPubkey)
	return nil
}

// ListUnconfirmed returns, per account not yet Reclaimed, the newest
// operation when it is a Failed attempt that submitted a transaction. Those
// submissions may still have landed after the executor stopped waiting.
func (s *Store) ListUnconfirmed(ctx context.Context) ([]types.ReclaimOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []operationRow
	err := s.db.SelectContext(ctx, &rows, `SELECT o.id, o.account_pubkey, o.attempted_at, o.outcome,
			o.signature, o.lamports, o.reason, o.attempts
		FROM reclaim_operations o
		JOIN accounts a ON a.pubkey = o.account_pubkey
		WHERE o.outcome = 'failed' AND o.signature != '' AND a.status != 'reclaimed'
			AND o.rowid = (SELECT rowid FROM reclaim_operations
				WHERE account_pubkey = o.account_pubkey
				ORDER BY attempted_at DESC, rowid DESC LIMIT 1)
		ORDER BY o.attempted_at, o.rowid`)
	if err != nil {
		return nil, types.PersistenceError("list unconfirmed", err)
	}
	out := make([]types.ReclaimOperation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toOperation())
	}
	return out, nil
}

// ConfirmLanded records that the submission of failed did land. It appends a
// Success operation carrying failed's signature and moves the account to
// Reclaimed, also out of ClosedExternally, since the close was ours.
func (s *Store) ConfirmLanded(ctx context.Context, failed types.ReclaimOperation) (*types.ReclaimOperation, error) {
	if failed.Signature == "" {
		return nil, types.PersistenceError("confirm landed", fmt.Errorf("operation %s has no signature", failed.ID))
	}
	op := &types.ReclaimOperation{
		ID:            uuid.NewString(),
		AccountPubkey: failed.AccountPubkey,
		AttemptedAt:   s.now(),
		Outcome:       types.OutcomeSuccess,
		Signature:     failed.Signature,
		Lamports:      failed.Lamports,
		Attempts:      failed.Attempts,
	}

	err := s.withTx(ctx, "confirm landed", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE accounts SET
				status = ?, status_reason = '', balance_lamports = 0, token_amount = 0, updated_at = ?
			WHERE pubkey = ? AND status != 'reclaimed'`,
			string(types.StatusReclaimed), toMillis(op.AttemptedAt), op.AccountPubkey)
		if err != nil {
			return fmt.Errorf("failed to mark reclaimed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("account %s is missing or already reclaimed", op.AccountPubkey)
		}
		_, err = tx.NamedExecContext(ctx, `INSERT INTO reclaim_operations
				(id, account_pubkey, attempted_at, outcome, signature, lamports, reason, attempts)
			VALUES (:id, :account_pubkey, :attempted_at, :outcome, :signature, :lamports, :reason, :attempts)`,
			operationRow{
				ID:            op.ID,
				AccountPubkey: op.AccountPubkey,
				AttemptedAt:   toMillis(op.AttemptedAt),
				Outcome:       string(op.Outcome),
				Signature:     op.Signature,
				Lamports:      int64(op.Lamports),
				Attempts:      op.Attempts,
			})
		if err != nil {
			return fmt.Errorf("failed to append operation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.StoreDebug("Late landing of %s confirmed for %s", op.Signature, op.AccountPubkey)
	return op, nil
}

// OperationFilter narrows ListOperations.
type OperationFilter struct {
	AccountPubkey string
	Outcome       types.OutcomeKind
	Since         time.Time
	Limit         int
}

// ListOperations returns operations, newest first.
func (s *Store) ListOperations(ctx context.Context, f OperationFilter) ([]types.ReclaimOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, account_pubkey, attempted_at, outcome, signature, lamports, reason, attempts
		FROM reclaim_operations WHERE 1 = 1`
	var args []interface{}
	if f.AccountPubkey != "" {
		query += " AND account_pubkey = ?"
		args = append(args, f.AccountPubkey)
	}
	if f.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, string(f.Outcome))
	}
	if !f.Since.IsZero() {
		query += " AND attempted_at >= ?"
		args = append(args, toMillis(f.Since))
	}
	query += " ORDER BY attempted_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	var rows []operationRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, types.PersistenceError("list operations", err)
	}
	out := make([]types.ReclaimOperation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toOperation())
	}
	return out, nil
}

// SuccessLamportsSince sums lamports recovered by our own closes since t.
func (s *Store) SuccessLamportsSince(ctx context.Context, t time.Time) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	err := s.db.GetContext(ctx, &total, `SELECT COALESCE(SUM(lamports), 0) FROM reclaim_operations
		WHERE outcome = 'success' AND attempted_at >= ?`, toMillis(t))
	if err != nil {
		return 0, types.PersistenceError("sum reclaimed lamports", err)
	}
	return uint64(total), nil
}
