package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"rentreclaim/internal/config"
	"rentreclaim/internal/eligibility"
	"rentreclaim/internal/scanner"
	"rentreclaim/internal/solana"
	"rentreclaim/internal/store"
	"rentreclaim/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubScanner struct{ calls atomic.Int32 }

func (s *stubScanner) Scan(context.Context) (*scanner.Result, error) {
	s.calls.Add(1)
	return &scanner.Result{NothingToDo: true, Complete: true}, nil
}

type stubEvaluator struct{}

func (stubEvaluator) Pass(context.Context, eligibility.Store, config.Policy) (*eligibility.PassResult, error) {
	return &eligibility.PassResult{ByStatus: map[types.Status]int{}}, nil
}

type stubStore struct{}

func (stubStore) ListNonTerminal(context.Context) ([]*types.SponsoredAccount, error) { return nil, nil }
func (stubStore) ApplyEvaluations(context.Context, []*types.SponsoredAccount) (int, error) {
	return 0, nil
}
func (stubStore) ListAccounts(context.Context, store.AccountFilter) ([]*types.SponsoredAccount, error) {
	return nil, nil
}
func (stubStore) Stats(context.Context) (*store.Stats, error) { return &store.Stats{}, nil }

func TestRun_StopsBetweenCycles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc := &stubScanner{}
	var cycles atomic.Int32
	o, err := New(Options{
		Scanner:   sc,
		Evaluator: &stubEvaluator{},
		Store:     stubStore{},
		Policy:    StaticPolicy(config.NewPolicy(config.PolicyOptions{})),
		OnCycle: func(*Summary) {
			if cycles.Add(1) == 3 {
				cancel()
			}
		},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- o.Run(ctx, Every(time.Millisecond)) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduling loop did not stop")
	}
	assert.Equal(t, int32(3), cycles.Load())
	assert.Equal(t, int32(3), sc.calls.Load())
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sc := &stubScanner{}
	o, err := New(Options{
		Scanner:   sc,
		Evaluator: &stubEvaluator{},
		Store:     stubStore{},
		Policy:    StaticPolicy(config.NewPolicy(config.PolicyOptions{})),
	})
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx, Every(time.Hour)))
	assert.Zero(t, sc.calls.Load())
}

func TestParseCron(t *testing.T) {
	t.Parallel()

	sched, err := ParseCron("*/15 * * * *")
	require.NoError(t, err)
	from := time.Date(2024, 1, 1, 10, 7, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 15, 0, 0, time.UTC), sched.Next(from))

	sched, err = ParseCron("@hourly")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC), sched.Next(from))

	_, err = ParseCron("every tuesday")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindConfiguration))
}

func TestEvery(t *testing.T) {
	t.Parallel()
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, from.Add(90*time.Second), Every(90*time.Second).Next(from))
}

type changeFlag struct{ changed atomic.Bool }

func (f *changeFlag) Changed() bool { return f.changed.Swap(false) }

func TestWatchedPolicy_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, config.WorkspaceDir, "config.yaml")
	t.Setenv("RENTRECLAIM_DRY_RUN", "")

	op, err := solana.NewKeypair()
	require.NoError(t, err)
	tr, err := solana.NewKeypair()
	require.NoError(t, err)
	cfg := config.DefaultConfig()
	cfg.Operator.Pubkey = op.PublicKey().String()
	cfg.Treasury.Pubkey = tr.PublicKey().String()
	require.NoError(t, cfg.Save(path))

	changes := &changeFlag{}
	policy := WatchedPolicy(cfg, path, changes, false)

	p, err := policy()
	require.NoError(t, err)
	assert.Equal(t, 10, p.BatchSize)

	cfg.Reclaim.BatchSize = 25
	require.NoError(t, cfg.Save(path))
	p, err = policy()
	require.NoError(t, err)
	assert.Equal(t, 10, p.BatchSize, "no change reported yet")

	changes.changed.Store(true)
	p, err = policy()
	require.NoError(t, err)
	assert.Equal(t, 25, p.BatchSize)

	// An invalid edit keeps the last good policy.
	require.NoError(t, os.WriteFile(path, []byte("reclaim:\n  batch_size: 0\n"), 0644))
	changes.changed.Store(true)
	p, err = policy()
	require.NoError(t, err)
	assert.Equal(t, 25, p.BatchSize)

	forced := WatchedPolicy(cfg, path, nil, true)
	p, err = forced()
	require.NoError(t, err)
	assert.True(t, p.DryRun)
}

func TestSummary_Rendering(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sum := &Summary{
		ID:         "c1",
		StartedAt:  start,
		FinishedAt: start.Add(3 * time.Second),
		Stats:      &store.Stats{ByStatus: map[types.Status]int{types.StatusReclaimed: 2}},
	}
	assert.Equal(t, "discovered=0 duration=3s", sum.String())
	assert.Contains(t, sum.Message(), "reclaimed: 2")
	assert.Contains(t, sum.Message(), "Duration: 3s")

	msg := PassiveMessage([]types.PassiveReclaim{{
		AmountLamports: rent, Confidence: types.ConfidenceHigh, Candidates: []string{"Acct"},
	}})
	assert.Contains(t, msg, "0.002039280 SOL (high confidence)")
	assert.Contains(t, msg, "`Acct`")
}
