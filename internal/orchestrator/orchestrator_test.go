package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"rentreclaim/internal/config"
	"rentreclaim/internal/eligibility"
	"rentreclaim/internal/reclaim"
	"rentreclaim/internal/scanner"
	"rentreclaim/internal/solana"
	"rentreclaim/internal/solana/solanatest"
	"rentreclaim/internal/store"
	"rentreclaim/internal/treasury"
	"rentreclaim/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rent = solana.TokenAccountRentLamports

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingNotifier) Send(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, text)
	return nil
}

func (r *recordingNotifier) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

type world struct {
	ledger   *solanatest.Ledger
	store    *store.Store
	operator *solana.Keypair
	treasury solana.PublicKey
	notifier *recordingNotifier
	accounts []solana.PublicKey
}

func newWorld(t *testing.T) *world {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "reclaim.db"), store.DriverCGO)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	operator, err := solana.NewKeypair()
	require.NoError(t, err)
	treasury, err := solana.NewKeypair()
	require.NoError(t, err)

	l := solanatest.NewLedger()
	l.SetBalance(operator.PublicKey(), 5*solana.LamportsPerSOL)
	l.SetBalance(treasury.PublicKey(), solana.LamportsPerSOL)
	return &world{
		ledger:   l,
		store:    s,
		operator: operator,
		treasury: treasury.PublicKey(),
		notifier: &recordingNotifier{},
	}
}

// fund creates n associated token accounts paid for by the operator, which
// also owns them and so holds the close authority.
func (w *world) fund(t *testing.T, n int) {
	t.Helper()
	mint, err := solana.NewKeypair()
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		kp, err := solana.NewKeypair()
		require.NoError(t, err)
		ata := kp.PublicKey()
		op := w.operator.PublicKey()
		w.ledger.AddTransaction(op, solanatest.Tx(op, map[solana.PublicKey]uint64{ata: rent},
			solanatest.CreateATA(op, ata, op, mint.PublicKey())))
		w.ledger.SetTokenAccount(ata, solana.TokenProgramID, solana.TokenAccountState{
			Mint: mint.PublicKey(), Owner: op, State: solana.TokenStateInitialized,
		}, rent)
		w.accounts = append(w.accounts, ata)
	}
}

// deposit gives account a token balance.
func (w *world) deposit(pk solana.PublicKey, amount uint64) {
	info := w.ledger.Account(pk)
	state, _ := solana.DecodeTokenAccount(info.Data)
	state.Amount = amount
	w.ledger.SetTokenAccount(pk, info.Owner, *state, info.Lamports)
}

func (w *world) orchestrator(t *testing.T, p config.Policy) *Orchestrator {
	t.Helper()
	op := w.operator.PublicKey()
	exec, err := reclaim.New(w.ledger, w.store, reclaim.Options{
		Signer:       w.operator,
		Treasury:     w.treasury,
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)

	o, err := New(Options{
		Scanner:        scanner.New(w.ledger, w.store, scanner.Options{Operator: op}),
		Evaluator:      eligibility.New(w.ledger, op),
		Executor:       exec,
		Monitor:        treasury.NewMonitor(w.ledger, w.store, eligibility.New(w.ledger, op), w.treasury, time.Hour),
		Store:          w.store,
		Policy:         StaticPolicy(p),
		Notifier:       w.notifier,
		AlertThreshold: 1,
	})
	require.NoError(t, err)
	return o
}

func inactive(dryRun bool) config.Policy {
	return config.NewPolicy(config.PolicyOptions{
		MinInactive:    30 * time.Minute,
		BatchSize:      2,
		DryRun:         dryRun,
		ConfirmTimeout: time.Second,
	})
}

func TestRunCycle_EndToEnd(t *testing.T) {
	t.Parallel()
	w := newWorld(t)
	ctx := context.Background()
	w.fund(t, 5)
	w.deposit(w.accounts[2], 1_000)
	before := w.ledger.Account(w.treasury).Lamports

	sum, err := w.orchestrator(t, inactive(false)).RunCycle(ctx)
	require.NoError(t, err)
	require.NoError(t, sum.ScanErr)

	assert.Equal(t, 5, sum.Discovered())
	assert.Equal(t, 4, sum.Evaluation.ByStatus[types.StatusEligible])
	assert.Equal(t, 1, sum.Evaluation.ByStatus[types.StatusIneligible])
	require.NotNil(t, sum.Reclaim)
	assert.Equal(t, 4, sum.Reclaim.Succeeded)
	assert.Equal(t, 2, sum.Reclaim.Batches)
	assert.Equal(t, 4*rent, sum.ReclaimedLamports())

	assert.Equal(t, before+4*rent, w.ledger.Account(w.treasury).Lamports)
	for i, pk := range w.accounts {
		a, err := w.store.GetAccount(ctx, pk.String())
		require.NoError(t, err)
		if i == 2 {
			assert.NotNil(t, w.ledger.Account(pk))
			assert.Equal(t, "ineligible(non-zero balance)", a.StatusLabel())
			continue
		}
		assert.Nil(t, w.ledger.Account(pk), "closed on-chain")
		assert.Equal(t, types.StatusReclaimed, a.Status)

		ops, err := w.store.ListOperations(ctx, store.OperationFilter{AccountPubkey: pk.String()})
		require.NoError(t, err)
		require.Len(t, ops, 1)
		assert.Equal(t, types.OutcomeSuccess, ops[0].Outcome)
	}

	assert.Equal(t, 4, sum.Stats.ByStatus[types.StatusReclaimed])
	assert.Equal(t, 4*rent, sum.Stats.ReclaimedLamports)
	require.NotNil(t, sum.Treasury)
	assert.Empty(t, sum.Treasury.Detections, "first snapshot")

	// One high-value alert per close, then the scan and cycle summaries.
	msgs := w.notifier.all()
	require.Len(t, msgs, 6)
	for _, m := range msgs[:4] {
		assert.True(t, strings.HasPrefix(m, "*High-value reclaim*"), m)
	}
	assert.Contains(t, msgs[4], "New accounts: 5")
	assert.Contains(t, msgs[4], "Eligible for reclaim: 4")
	assert.Contains(t, msgs[5], "Reclaimed: 4")

	// A second cycle finds nothing new and reclaims nothing.
	again, err := w.orchestrator(t, inactive(false)).RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Discovered())
	assert.Nil(t, again.Reclaim)
	assert.Equal(t, 1, again.Evaluation.Evaluated)
}

func TestRunCycle_DryRun(t *testing.T) {
	t.Parallel()
	w := newWorld(t)
	ctx := context.Background()
	w.fund(t, 3)
	before := w.ledger.Account(w.treasury).Lamports

	sum, err := w.orchestrator(t, inactive(true)).RunCycle(ctx)
	require.NoError(t, err)
	assert.True(t, sum.DryRun)
	assert.Equal(t, 3, sum.Reclaim.Simulated)
	assert.Equal(t, 3*rent, sum.Reclaim.SimulatedLamports)
	assert.Zero(t, sum.ReclaimedLamports())

	assert.Equal(t, before, w.ledger.Account(w.treasury).Lamports)
	assert.Empty(t, w.ledger.Sent())
	for _, pk := range w.accounts {
		assert.NotNil(t, w.ledger.Account(pk))
	}
	ops, err := w.store.ListOperations(ctx, store.OperationFilter{Outcome: types.OutcomeSuccess})
	require.NoError(t, err)
	assert.Empty(t, ops)
	msgs := w.notifier.all()
	require.Len(t, msgs, 1, "nothing reclaimed, only the scan alert")
	assert.Contains(t, msgs[0], "*Scan complete*")
}

func TestRunCycle_ScanFailureContinues(t *testing.T) {
	t.Parallel()
	w := newWorld(t)
	ctx := context.Background()
	w.fund(t, 1)
	w.ledger.FailNext("getSignaturesForAddress", 1)

	o := w.orchestrator(t, inactive(false))
	sum, err := o.RunCycle(ctx)
	require.NoError(t, err)
	assert.Error(t, sum.ScanErr)
	assert.Contains(t, sum.String(), "scan=incomplete")

	// The next cycle picks the account up.
	sum, err = o.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Discovered())
	assert.Equal(t, 1, sum.Reclaim.Succeeded)
}

type failingEvaluator struct{}

func (failingEvaluator) Pass(context.Context, eligibility.Store, config.Policy) (*eligibility.PassResult, error) {
	return nil, types.PersistenceError("apply evaluations", errors.New("database is locked"))
}

func TestRunCycle_PersistenceFailureEndsCycle(t *testing.T) {
	t.Parallel()
	w := newWorld(t)
	var observed *Summary

	o, err := New(Options{
		Scanner:   scanner.New(w.ledger, w.store, scanner.Options{Operator: w.operator.PublicKey()}),
		Evaluator: failingEvaluator{},
		Store:     w.store,
		Policy:    StaticPolicy(inactive(false)),
		Notifier:  w.notifier,
		OnCycle:   func(s *Summary) { observed = s },
	})
	require.NoError(t, err)

	sum, err := o.RunCycle(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindPersistence))
	assert.Same(t, sum, observed)
	assert.Nil(t, sum.Stats)

	msgs := w.notifier.all()
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasPrefix(msgs[0], "*Rent reclaim cycle failed*"))
	assert.Contains(t, msgs[0], "database is locked")
}

func TestRunCycle_PassiveReclaimAlert(t *testing.T) {
	t.Parallel()
	w := newWorld(t)
	ctx := context.Background()
	w.fund(t, 1)
	w.deposit(w.accounts[0], 5)

	o := w.orchestrator(t, inactive(false))
	_, err := o.RunCycle(ctx)
	require.NoError(t, err)

	// The owner drains and closes the account, sending the rent to the treasury.
	w.ledger.RemoveAccount(w.accounts[0])
	w.ledger.Credit(w.treasury, rent)

	sum, err := o.RunCycle(ctx)
	require.NoError(t, err)
	require.Len(t, sum.Treasury.Detections, 1)
	assert.Equal(t, types.ConfidenceHigh, sum.Treasury.Detections[0].Confidence)

	msgs := w.notifier.all()
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[len(msgs)-1], "Passive reclaim detected")
	assert.Contains(t, msgs[len(msgs)-1], w.accounts[0].String())
}

func TestNew_RequiresCoreComponents(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindConfiguration))
}

func TestAlert_PerAccountMessages(t *testing.T) {
	t.Parallel()
	n := &recordingNotifier{}
	o := &Orchestrator{opts: Options{Notifier: n, AlertThreshold: rent}}

	sum := &Summary{
		Reclaim: &reclaim.BatchResult{Succeeded: 2, Failed: 1, Lamports: 4*rent - 1, Operations: []*types.ReclaimOperation{
			{AccountPubkey: "Small1111111111111111111111111111111111111", Outcome: types.OutcomeSuccess, Lamports: rent - 1},
			{AccountPubkey: "Big11111111111111111111111111111111111111111", Outcome: types.OutcomeSuccess, Lamports: 3 * rent},
			{AccountPubkey: "Broken111111111111111111111111111111111111", Outcome: types.OutcomeFailed, Reason: "node is behind", Attempts: 3, Signature: "5igX"},
			{AccountPubkey: "Sim11111111111111111111111111111111111111111", Outcome: types.OutcomeSimulated, Lamports: 5 * rent},
		}},
		Reconciled: &reclaim.ReconcileResult{Confirmed: []*types.ReclaimOperation{
			{AccountPubkey: "Late1111111111111111111111111111111111111111", Outcome: types.OutcomeSuccess, Lamports: rent},
		}},
	}
	o.alert(context.Background(), sum)

	msgs := n.all()
	require.Len(t, msgs, 4)
	assert.Contains(t, msgs[0], "*High-value reclaim*")
	assert.Contains(t, msgs[0], "Big11111...11111111")
	assert.Contains(t, msgs[1], "*Reclaim failed*")
	assert.Contains(t, msgs[1], "Attempts: 3")
	assert.Contains(t, msgs[1], "node is behind")
	assert.Contains(t, msgs[1], "Last submission: `5igX`")
	assert.Contains(t, msgs[2], "Late1111...11111111")
	assert.Contains(t, msgs[3], "Reclaimed: 2")
	assert.Contains(t, msgs[3], "Confirmed late: 1")
	assert.Equal(t, 5*rent-1, sum.ReclaimedLamports())
}

func TestAlert_FailedCycleSkipsSummaries(t *testing.T) {
	t.Parallel()
	n := &recordingNotifier{}
	o := &Orchestrator{opts: Options{Notifier: n, AlertThreshold: 1}}

	o.alert(context.Background(), &Summary{
		ID:   "c1",
		Scan: &scanner.Result{},
		Reclaim: &reclaim.BatchResult{Operations: []*types.ReclaimOperation{
			{AccountPubkey: "A", Outcome: types.OutcomeFailed, Reason: "boom", Attempts: 1},
		}},
		Err: errors.New("record attempt: disk full"),
	})

	msgs := n.all()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0], "*Reclaim failed*")
	assert.NotContains(t, msgs[0], "Last submission")
	assert.Contains(t, msgs[1], "*Rent reclaim cycle failed*")
}

func TestDailySummary(t *testing.T) {
	t.Parallel()
	since := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	d := NewDailySummary(since, []types.ReclaimOperation{
		{Outcome: types.OutcomeSuccess, Lamports: rent},
		{Outcome: types.OutcomeFailed, Lamports: rent},
		{Outcome: types.OutcomeSimulated, Lamports: rent},
		{Outcome: types.OutcomeSuccess, Lamports: 2 * rent},
	})
	assert.Equal(t, 2, d.Operations)
	assert.Equal(t, 3*rent, d.Lamports)

	msg := d.Message()
	assert.Contains(t, msg, "*Daily summary*")
	assert.Contains(t, msg, "Reclaims: 2")
	assert.Contains(t, msg, solana.FormatSOL(3*rent))
	assert.Contains(t, msg, "2024-03-01T12:00:00Z")
}
