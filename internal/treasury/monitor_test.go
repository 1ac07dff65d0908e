package treasury

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"rentreclaim/internal/config"
	"rentreclaim/internal/eligibility"
	"rentreclaim/internal/solana"
	"rentreclaim/internal/solana/solanatest"
	"rentreclaim/internal/store"
	"rentreclaim/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rent = solana.TokenAccountRentLamports

type fixture struct {
	ledger   *solanatest.Ledger
	store    *store.Store
	treasury solana.PublicKey
	operator solana.PublicKey
	monitor  *Monitor
	policy   config.Policy
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "reclaim.db"), store.DriverCGO)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	kp, err := solana.NewKeypair()
	require.NoError(t, err)
	operator, err := solana.NewKeypair()
	require.NoError(t, err)
	l := solanatest.NewLedger()
	l.SetBalance(kp.PublicKey(), 10*solana.LamportsPerSOL)
	return &fixture{
		ledger:   l,
		store:    s,
		treasury: kp.PublicKey(),
		operator: operator.PublicKey(),
		monitor:  NewMonitor(l, s, eligibility.New(l, operator.PublicKey()), kp.PublicKey(), time.Hour),
		policy:   config.NewPolicy(config.PolicyOptions{MinInactive: 30 * time.Minute}),
	}
}

func (f *fixture) addAccount(t *testing.T, status types.Status) *types.SponsoredAccount {
	t.Helper()
	kp, err := solana.NewKeypair()
	require.NoError(t, err)
	a := &types.SponsoredAccount{
		Pubkey:             kp.PublicKey().String(),
		Type:               types.TokenAccount(),
		DiscoverySignature: "sig-" + kp.PublicKey().String(),
		DiscoveredAt:       time.Now().Add(-time.Hour).UTC(),
		BalanceLamports:    rent,
		Status:             status,
	}
	_, err = f.store.CommitScanPage(context.Background(), []*types.SponsoredAccount{a}, types.ScanCheckpoint{})
	require.NoError(t, err)
	return a
}

func (f *fixture) check(t *testing.T) *CheckResult {
	t.Helper()
	res, err := f.monitor.Check(context.Background(), f.policy)
	require.NoError(t, err)
	return res
}

func TestCheck_FirstSnapshot(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res := f.check(t)
	assert.Nil(t, res.Previous)
	assert.Empty(t, res.Detections)

	snap, err := f.store.LatestSnapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, uint64(10*solana.LamportsPerSOL), snap.BalanceLamports)
}

func TestCheck_OwnReclaimsAreExplained(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.check(t)

	a := f.addAccount(t, types.StatusEligible)
	require.NoError(t, f.store.RecordAttempt(ctx, &types.ReclaimOperation{
		AccountPubkey: a.Pubkey,
		Outcome:       types.OutcomeSuccess,
		Signature:     "sig",
		Lamports:      rent,
	}, nil))
	f.ledger.Credit(f.treasury, rent)

	res := f.check(t)
	assert.Equal(t, int64(rent), res.Increase())
	assert.Equal(t, rent, res.Explained)
	assert.Empty(t, res.Detections)
}

func TestCheck_AttributesExternalClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.check(t)

	closed := f.addAccount(t, types.StatusClosedExternally)
	f.ledger.Credit(f.treasury, rent)

	res := f.check(t)
	require.Len(t, res.Detections, 1)
	d := res.Detections[0]
	assert.Equal(t, types.ConfidenceHigh, d.Confidence)
	assert.Equal(t, []string{closed.Pubkey}, d.Candidates)
	assert.Equal(t, rent, d.AmountLamports)

	// The same account is not attributed twice.
	f.ledger.Credit(f.treasury, rent)
	res = f.check(t)
	require.Len(t, res.Detections, 1)
	assert.Equal(t, types.ConfidenceUnknown, res.Detections[0].Confidence)

	stored, err := f.store.ListPassiveReclaims(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestCheck_ReevaluatesOpenAccounts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.check(t)

	a := f.addAccount(t, types.StatusIneligible)
	// Never created on the ledger, so re-evaluation finds it gone.
	f.ledger.Credit(f.treasury, rent)

	res := f.check(t)
	require.Len(t, res.Detections, 1)
	assert.Equal(t, types.ConfidenceHigh, res.Detections[0].Confidence)
	assert.Equal(t, []string{a.Pubkey}, res.Detections[0].Candidates)

	got, err := f.store.GetAccount(ctx, a.Pubkey)
	require.NoError(t, err)
	assert.Equal(t, types.StatusClosedExternally, got.Status)
}

func TestCheck_EmptyButExistingAccountStaysOpen(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.check(t)

	a := f.addAccount(t, types.StatusEligible)
	pk := solana.MustPublicKey(a.Pubkey)
	f.ledger.SetTokenAccount(pk, solana.TokenProgramID, solana.TokenAccountState{
		Mint: f.treasury, Owner: f.operator, State: solana.TokenStateInitialized,
	}, 0)
	f.ledger.Credit(f.treasury, rent)

	res := f.check(t)
	require.Len(t, res.Detections, 1)
	assert.Equal(t, types.ConfidenceUnknown, res.Detections[0].Confidence)
	assert.Empty(t, res.Detections[0].Candidates)

	got, err := f.store.GetAccount(ctx, a.Pubkey)
	require.NoError(t, err)
	assert.NotEqual(t, types.StatusClosedExternally, got.Status)
	assert.Zero(t, got.BalanceLamports, "refreshed from the ledger")
}

func TestCheck_BlacklistOutranksClosed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.check(t)

	a := f.addAccount(t, types.StatusIneligible)
	f.policy = config.NewPolicy(config.PolicyOptions{Blacklist: []string{a.Pubkey}})
	f.ledger.Credit(f.treasury, rent)

	res := f.check(t)
	require.Len(t, res.Detections, 1)
	assert.Equal(t, types.ConfidenceUnknown, res.Detections[0].Confidence)

	got, err := f.store.GetAccount(ctx, a.Pubkey)
	require.NoError(t, err)
	assert.Equal(t, "ineligible(blacklisted)", got.StatusLabel())
}

func TestCheck_DecreaseIsRecordedSilently(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.check(t)

	f.ledger.SetBalance(f.treasury, solana.LamportsPerSOL)
	res := f.check(t)
	assert.Empty(t, res.Detections)
	assert.Less(t, res.Increase(), int64(0))

	snap, err := f.store.LatestSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(solana.LamportsPerSOL), snap.BalanceLamports)
}
