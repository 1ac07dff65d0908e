// Package treasury detects rent that reached the treasury without passing
// through the executor, for example accounts their owners closed with the
// treasury as destination.
package treasury

import (
	"context"
	"fmt"
	"sort"
	"time"

	"rentreclaim/internal/config"
	"rentreclaim/internal/eligibility"
	"rentreclaim/internal/logging"
	"rentreclaim/internal/solana"
	"rentreclaim/internal/store"
	"rentreclaim/internal/types"
)

// Chain reads the treasury balance.
type Chain interface {
	GetBalance(ctx context.Context, pubkey solana.PublicKey) (uint64, error)
}

// Assessor re-evaluates a tracked account against the ledger. The
// eligibility Evaluator is the only implementation outside tests.
type Assessor interface {
	Assess(ctx context.Context, a *types.SponsoredAccount, p config.Policy) (*eligibility.Assessment, error)
}

// Store holds snapshots, detections, and the accounts to attribute to.
type Store interface {
	LatestSnapshot(ctx context.Context) (*types.TreasurySnapshot, error)
	SuccessLamportsSince(ctx context.Context, t time.Time) (uint64, error)
	ListAccounts(ctx context.Context, f store.AccountFilter) ([]*types.SponsoredAccount, error)
	ApplyEvaluations(ctx context.Context, accounts []*types.SponsoredAccount) (int, error)
	ListPassiveReclaims(ctx context.Context, limit int) ([]types.PassiveReclaim, error)
	RecordTreasuryCheck(ctx context.Context, snap types.TreasurySnapshot, detections []types.PassiveReclaim) error
}

// Monitor compares treasury balances between checks.
type Monitor struct {
	chain    Chain
	store    Store
	assess   Assessor
	treasury solana.PublicKey
	window   time.Duration
	now      func() time.Time
}

// NewMonitor creates a Monitor. window bounds how long ago a closed account
// may have been noticed to still be a candidate. Without an Assessor the
// monitor only attributes to accounts already known to be closed.
func NewMonitor(chain Chain, s Store, assess Assessor, treasury solana.PublicKey, window time.Duration) *Monitor {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Monitor{
		chain:    chain,
		store:    s,
		assess:   assess,
		treasury: treasury,
		window:   window,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// CheckResult describes one treasury check.
type CheckResult struct {
	Balance    uint64
	Previous   *types.TreasurySnapshot // nil on the first check
	Explained  uint64                  // lamports from our own closes since Previous
	Detections []types.PassiveReclaim
}

// Increase is the raw balance change since the previous snapshot.
func (r *CheckResult) Increase() int64 {
	if r.Previous == nil {
		return 0
	}
	return int64(r.Balance) - int64(r.Previous.BalanceLamports)
}

// Check reads the treasury balance, attributes any unexplained increase, and
// stores the new snapshot with its detections in one commit. p decides the
// verdicts of accounts re-evaluated while attributing.
func (m *Monitor) Check(ctx context.Context, p config.Policy) (*CheckResult, error) {
	timer := logging.StartTimer(logging.CategoryTreasury, "Check")
	defer timer.Stop()
	log := logging.Get(logging.CategoryTreasury)

	balance, err := m.chain.GetBalance(ctx, m.treasury)
	if err != nil {
		return nil, fmt.Errorf("read treasury balance: %w", err)
	}
	prev, err := m.store.LatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	now := m.now()
	res := &CheckResult{Balance: balance, Previous: prev}
	snap := types.TreasurySnapshot{BalanceLamports: balance, TakenAt: now}

	if prev == nil {
		log.Infof("First treasury snapshot: %s", solana.FormatSOL(balance))
		return res, m.store.RecordTreasuryCheck(ctx, snap, nil)
	}
	if balance <= prev.BalanceLamports {
		log.Debugf("Treasury balance unchanged or decreased: %d -> %d", prev.BalanceLamports, balance)
		return res, m.store.RecordTreasuryCheck(ctx, snap, nil)
	}

	increase := balance - prev.BalanceLamports
	explained, err := m.store.SuccessLamportsSince(ctx, prev.TakenAt)
	if err != nil {
		return nil, err
	}
	res.Explained = explained
	if increase <= explained+Tolerance {
		log.Debugf("Treasury increase of %d lamports explained by own reclaims (%d)", increase, explained)
		return res, m.store.RecordTreasuryCheck(ctx, snap, nil)
	}

	unexplained := increase - explained
	log.Infof("Unexplained treasury increase: %s", solana.FormatSOL(unexplained))

	closed, err := m.recentlyClosed(ctx, now)
	if err != nil {
		return nil, err
	}
	attr := Attribute(unexplained, closed)
	if attr.Confidence != types.ConfidenceHigh && m.assess != nil {
		found, err := m.refresh(ctx, unexplained, p)
		if err != nil {
			return nil, err
		}
		if len(found) > 0 {
			attr = Attribute(unexplained, append(found, closed...))
		}
	}

	d := types.PassiveReclaim{
		DetectedAt:     now,
		AmountLamports: unexplained,
		Confidence:     attr.Confidence,
		Candidates:     attr.Candidates,
		Explanation:    attr.Explanation,
	}
	res.Detections = []types.PassiveReclaim{d}
	log.Infof("Passive reclaim: %s", d)
	if err := m.store.RecordTreasuryCheck(ctx, snap, res.Detections); err != nil {
		return res, err
	}
	logging.AuditFor(logging.CategoryTreasury).PassiveReclaim(d.AmountLamports, string(d.Confidence), d.Candidates)
	return res, nil
}

// recentlyClosed lists externally closed accounts noticed within the window
// and not yet named by an earlier detection, most recent first.
func (m *Monitor) recentlyClosed(ctx context.Context, now time.Time) ([]*types.SponsoredAccount, error) {
	accounts, err := m.store.ListAccounts(ctx, store.AccountFilter{
		Statuses:     []types.Status{types.StatusClosedExternally},
		UpdatedSince: now.Add(-m.window),
	})
	if err != nil {
		return nil, err
	}
	previous, err := m.store.ListPassiveReclaims(ctx, 0)
	if err != nil {
		return nil, err
	}
	attributed := make(map[string]bool)
	for _, p := range previous {
		for _, c := range p.Candidates {
			attributed[c] = true
		}
	}

	out := accounts[:0]
	for _, a := range accounts {
		if !attributed[a.Pubkey] {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// refresh re-evaluates non-terminal accounts whose balance is close to
// amount and commits the verdicts. Those found gone from the ledger are
// returned; an account that still exists keeps an open status whatever its
// balance.
func (m *Monitor) refresh(ctx context.Context, amount uint64, p config.Policy) ([]*types.SponsoredAccount, error) {
	log := logging.Get(logging.CategoryTreasury)
	open, err := m.store.ListAccounts(ctx, store.AccountFilter{Statuses: []types.Status{
		types.StatusActive, types.StatusEligible, types.StatusIneligible,
	}})
	if err != nil {
		return nil, err
	}

	var updates, gone []*types.SponsoredAccount
	for _, a := range open {
		if !within(a.BalanceLamports, amount) {
			continue
		}
		as, err := m.assess.Assess(ctx, a, p)
		if err != nil {
			log.Warnf("Re-evaluation of %s failed: %v", a.Pubkey, err)
			continue
		}
		updates = append(updates, as.Account)
		if as.Verdict.Status == types.StatusClosedExternally {
			gone = append(gone, as.Account)
		}
	}

	if len(updates) > 0 {
		if _, err := m.store.ApplyEvaluations(ctx, updates); err != nil {
			return nil, err
		}
	}
	if len(gone) > 0 {
		log.Infof("Found %d account(s) closed on-chain while attributing", len(gone))
	}
	return gone, nil
}
