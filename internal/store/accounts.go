package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"rentreclaim/internal/logging"
	"rentreclaim/internal/types"

	"github.com/jmoiron/sqlx"
)

// =============================================================================
// ROW MAPPING
// =============================================================================

type accountRow struct {
	Pubkey                string `db:"pubkey"`
	Kind                  string `db:"account_kind"`
	ProgramID             string `db:"program_id"`
	DiscoverySignature    string `db:"discovery_signature"`
	DiscoverySlot         int64  `db:"discovery_slot"`
	DiscoveredAt          int64  `db:"discovered_at"`
	LastActivityAt        int64  `db:"last_activity_at"`
	BalanceLamports       int64  `db:"balance_lamports"`
	DataSize              int64  `db:"data_size"`
	TokenAmount           int64  `db:"token_amount"`
	Mint                  string `db:"mint"`
	Owner                 string `db:"owner"`
	CloseAuthority        string `db:"close_authority"`
	CloseAuthorityMatches bool   `db:"close_authority_matches"`
	Frozen                bool   `db:"frozen"`
	Status                string `db:"status"`
	StatusReason          string `db:"status_reason"`
	EvaluatedAt           int64  `db:"evaluated_at"`
	UpdatedAt             int64  `db:"updated_at"`
}

const accountColumns = `pubkey, account_kind, program_id, discovery_signature, discovery_slot,
	discovered_at, last_activity_at, balance_lamports, data_size, token_amount, mint, owner,
	close_authority, close_authority_matches, frozen, status, status_reason, evaluated_at, updated_at`

func rowFromAccount(a *types.SponsoredAccount) accountRow {
	return accountRow{
		Pubkey:                a.Pubkey,
		Kind:                  string(a.Type.Kind),
		ProgramID:             a.Type.ProgramID,
		DiscoverySignature:    a.DiscoverySignature,
		DiscoverySlot:         int64(a.DiscoverySlot),
		DiscoveredAt:          toMillis(a.DiscoveredAt),
		LastActivityAt:        toMillis(a.LastActivityAt),
		BalanceLamports:       int64(a.BalanceLamports),
		DataSize:              int64(a.DataSize),
		TokenAmount:           int64(a.TokenAmount),
		Mint:                  a.Mint,
		Owner:                 a.Owner,
		CloseAuthority:        a.CloseAuthority,
		CloseAuthorityMatches: a.CloseAuthorityMatchesOperator,
		Frozen:                a.Frozen,
		Status:                string(a.Status),
		StatusReason:          a.StatusReason,
		EvaluatedAt:           toMillis(a.EvaluatedAt),
		UpdatedAt:             toMillis(a.UpdatedAt),
	}
}

func (r accountRow) toAccount() *types.SponsoredAccount {
	return &types.SponsoredAccount{
		Pubkey:                        r.Pubkey,
		Type:                          types.AccountType{Kind: types.AccountKind(r.Kind), ProgramID: r.ProgramID},
		DiscoverySignature:            r.DiscoverySignature,
		DiscoverySlot:                 uint64(r.DiscoverySlot),
		DiscoveredAt:                  fromMillis(r.DiscoveredAt),
		LastActivityAt:                fromMillis(r.LastActivityAt),
		BalanceLamports:               uint64(r.BalanceLamports),
		DataSize:                      uint64(r.DataSize),
		TokenAmount:                   uint64(r.TokenAmount),
		Mint:                          r.Mint,
		Owner:                         r.Owner,
		CloseAuthority:                r.CloseAuthority,
		CloseAuthorityMatchesOperator: r.CloseAuthorityMatches,
		Frozen:                        r.Frozen,
		Status:                        types.Status(r.Status),
		StatusReason:                  r.StatusReason,
		EvaluatedAt:                   fromMillis(r.EvaluatedAt),
		UpdatedAt:                     fromMillis(r.UpdatedAt),
	}
}

// =============================================================================
// SCAN COMMITS
// =============================================================================

// CommitScanPage inserts newly discovered accounts and writes the checkpoint
// in one transaction. Accounts already present are left untouched, so a
// replayed page records nothing twice. It returns the accounts inserted.
func (s *Store) CommitScanPage(ctx context.Context, accounts []*types.SponsoredAccount, cp types.ScanCheckpoint) ([]*types.SponsoredAccount, error) {
	timer := logging.StartTimer(logging.CategoryStore, "CommitScanPage")
	defer timer.Stop()

	var inserted []*types.SponsoredAccount
	err := s.withTx(ctx, "commit scan page", func(tx *sqlx.Tx) error {
		var current checkpointRow
		if err := tx.GetContext(ctx, &current, selectCheckpointSQL); err != nil {
			return fmt.Errorf("failed to read checkpoint: %w", err)
		}
		if cp.LastSlot < uint64(current.LastSlot) {
			return fmt.Errorf("checkpoint would move backward: slot %d < %d", cp.LastSlot, current.LastSlot)
		}

		now := s.now()
		for _, a := range accounts {
			row := rowFromAccount(a)
			if row.Status == "" {
				row.Status = string(types.StatusActive)
			}
			if row.UpdatedAt == 0 {
				row.UpdatedAt = toMillis(now)
			}
			res, err := tx.NamedExecContext(ctx, `INSERT OR IGNORE INTO accounts (`+accountColumns+`)
				VALUES (:pubkey, :account_kind, :program_id, :discovery_signature, :discovery_slot,
					:discovered_at, :last_activity_at, :balance_lamports, :data_size, :token_amount,
					:mint, :owner, :close_authority, :close_authority_matches, :frozen, :status,
					:status_reason, :evaluated_at, :updated_at)`, row)
			if err != nil {
				return fmt.Errorf("failed to insert account %s: %w", a.Pubkey, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted = append(inserted, a)
			}
		}

		cp.UpdatedAt = now
		return writeCheckpoint(ctx, tx, cp)
	})
	if err != nil {
		return nil, err
	}
	logging.StoreDebug("Committed scan page: %d/%d new accounts, cursor=%q", len(inserted), len(accounts), cp.PendingCursor)
	return inserted, nil
}

// =============================================================================
// READS
// =============================================================================

// AccountFilter narrows ListAccounts. Zero values match everything.
type AccountFilter struct {
	Statuses     []types.Status
	Kind         types.AccountKind
	UpdatedSince time.Time
	Limit        int
}

// GetAccount returns one account or ErrNotFound.
func (s *Store) GetAccount(ctx context.Context, pubkey string) (*types.SponsoredAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var row accountRow
	err := s.db.GetContext(ctx, &row, `SELECT `+accountColumns+` FROM accounts WHERE pubkey = ?`, pubkey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, types.PersistenceError("get account", err)
	}
	return row.toAccount(), nil
}

// ListAccounts returns matching accounts, oldest discovered first.
func (s *Store) ListAccounts(ctx context.Context, f AccountFilter) ([]*types.SponsoredAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []interface{}
	if len(f.Statuses) > 0 {
		query, inArgs, err := sqlx.In("status IN (?)", f.Statuses)
		if err != nil {
			return nil, types.PersistenceError("list accounts", err)
		}
		where = append(where, query)
		args = append(args, inArgs...)
	}
	if f.Kind != "" {
		where = append(where, "account_kind = ?")
		args = append(args, string(f.Kind))
	}
	if !f.UpdatedSince.IsZero() {
		where = append(where, "updated_at >= ?")
		args = append(args, toMillis(f.UpdatedSince))
	}

	query := `SELECT ` + accountColumns + ` FROM accounts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY discovered_at ASC, pubkey ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, types.PersistenceError("list accounts", err)
	}
	out := make([]*types.SponsoredAccount, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toAccount())
	}
	return out, nil
}

// ListNonTerminal returns every account that evaluation may still change.
func (s *Store) ListNonTerminal(ctx context.Context) ([]*types.SponsoredAccount, error) {
	return s.ListAccounts(ctx, AccountFilter{Statuses: []types.Status{
		types.StatusActive, types.StatusEligible, types.StatusIneligible,
	}})
}

// =============================================================================
// EVALUATION
// =============================================================================

const updateEvaluationSQL = `UPDATE accounts SET
		last_activity_at = :last_activity_at,
		balance_lamports = :balance_lamports,
		token_amount = :token_amount,
		mint = :mint,
		owner = :owner,
		close_authority = :close_authority,
		close_authority_matches = :close_authority_matches,
		frozen = :frozen,
		status = :status,
		status_reason = :status_reason,
		evaluated_at = :evaluated_at,
		updated_at = :updated_at
	WHERE pubkey = :pubkey AND status NOT IN ('reclaimed', 'closed_externally')`

// ApplyEvaluations writes one evaluation pass atomically. Terminal accounts
// are never modified; the number of rows changed is returned.
func (s *Store) ApplyEvaluations(ctx context.Context, accounts []*types.SponsoredAccount) (int, error) {
	if len(accounts) == 0 {
		return 0, nil
	}
	timer := logging.StartTimer(logging.CategoryStore, "ApplyEvaluations")
	defer timer.Stop()

	updated := 0
	err := s.withTx(ctx, "apply evaluations", func(tx *sqlx.Tx) error {
		n, err := applyEvaluations(ctx, tx, accounts, s.now())
		updated = n
		return err
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

func applyEvaluations(ctx context.Context, tx *sqlx.Tx, accounts []*types.SponsoredAccount, now time.Time) (int, error) {
	updated := 0
	for _, a := range accounts {
		row := rowFromAccount(a)
		row.UpdatedAt = toMillis(now)
		if row.EvaluatedAt == 0 {
			row.EvaluatedAt = row.UpdatedAt
		}
		res, err := tx.NamedExecContext(ctx, updateEvaluationSQL, row)
		if err != nil {
			return updated, fmt.Errorf("failed to update account %s: %w", a.Pubkey, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			updated++
		}
	}
	return updated, nil
}
