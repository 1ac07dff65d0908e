// Package orchestrator drives scan, evaluate, reclaim, and treasury checks as
// one cycle, once or on a schedule.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rentreclaim/internal/config"
	"rentreclaim/internal/eligibility"
	"rentreclaim/internal/logging"
	"rentreclaim/internal/metrics"
	"rentreclaim/internal/notify"
	"rentreclaim/internal/reclaim"
	"rentreclaim/internal/scanner"
	"rentreclaim/internal/store"
	"rentreclaim/internal/treasury"
	"rentreclaim/internal/types"

	"github.com/google/uuid"
)

// Scanner discovers new accounts.
type Scanner interface {
	Scan(ctx context.Context) (*scanner.Result, error)
}

// Evaluator runs the evaluation pass.
type Evaluator interface {
	Pass(ctx context.Context, s eligibility.Store, p config.Policy) (*eligibility.PassResult, error)
}

// Executor reclaims eligible accounts in batches and settles submissions
// that landed after an earlier cycle gave up on them.
type Executor interface {
	Run(ctx context.Context, accounts []*types.SponsoredAccount, p config.Policy) (*reclaim.BatchResult, error)
	Reconcile(ctx context.Context) (*reclaim.ReconcileResult, error)
}

// Monitor checks the treasury for passive reclaims.
type Monitor interface {
	Check(ctx context.Context, p config.Policy) (*treasury.CheckResult, error)
}

// Store is what a cycle reads besides the components' own access.
type Store interface {
	eligibility.Store
	ListAccounts(ctx context.Context, f store.AccountFilter) ([]*types.SponsoredAccount, error)
	Stats(ctx context.Context) (*store.Stats, error)
}

// PolicyFunc returns the policy snapshot for the next cycle.
type PolicyFunc func() (config.Policy, error)

// StaticPolicy always returns p.
func StaticPolicy(p config.Policy) PolicyFunc {
	return func() (config.Policy, error) { return p, nil }
}

// Options wires an Orchestrator. Executor, Monitor, and Notifier are optional.
type Options struct {
	Scanner   Scanner
	Evaluator Evaluator
	Executor  Executor
	Monitor   Monitor
	Store     Store
	Policy    PolicyFunc
	Notifier  notify.Notifier
	// AlertThreshold is the reclaimed amount that triggers a summary alert,
	// and the single-account amount that triggers a high-value alert.
	AlertThreshold uint64
	// OnCycle observes every finished cycle, failed ones included.
	OnCycle func(*Summary)
}

// Orchestrator runs cycles.
type Orchestrator struct {
	opts Options
}

// New validates the wiring.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Scanner == nil:
		return nil, types.ConfigurationError("orchestrator", errors.New("scanner is required"))
	case opts.Evaluator == nil:
		return nil, types.ConfigurationError("orchestrator", errors.New("evaluator is required"))
	case opts.Store == nil:
		return nil, types.ConfigurationError("orchestrator", errors.New("store is required"))
	case opts.Policy == nil:
		return nil, types.ConfigurationError("orchestrator", errors.New("policy source is required"))
	}
	return &Orchestrator{opts: opts}, nil
}

// RunCycle performs scan, evaluation, reclaim, and the treasury check. Scan
// RPC failures are reported and the cycle continues with what is stored;
// persistence failures end the cycle. Only reclaim batches observe ctx
// cancellation, so a stop request never interrupts a started batch.
func (o *Orchestrator) RunCycle(ctx context.Context) (*Summary, error) {
	sum := &Summary{ID: uuid.NewString(), StartedAt: time.Now().UTC()}
	log := logging.Get(logging.CategoryOrchestrator)
	log.Infof("Cycle %s started", sum.ID)
	audit := logging.AuditFor(logging.CategoryOrchestrator)

	err := o.cycle(ctx, sum)
	sum.FinishedAt = time.Now().UTC()
	sum.Err = err
	metrics.RecordCycle(err, sum.Duration())

	var errMsg string
	if err != nil {
		errMsg = err.Error()
	}
	audit.CycleComplete(sum.String(), sum.ReclaimedLamports(), sum.Duration().Milliseconds(), errMsg)

	o.alert(context.WithoutCancel(ctx), sum)
	if err != nil {
		log.Errorf("Cycle %s failed after %s: %v", sum.ID, sum.Duration().Round(time.Millisecond), err)
	} else {
		log.Infof("Cycle %s finished: %s", sum.ID, sum)
	}
	if o.opts.OnCycle != nil {
		o.opts.OnCycle(sum)
	}
	return sum, err
}

// alert sends the notifications for a finished cycle: one per failed or
// high-value reclaim, then the cycle failure, or the scan, summary, and
// passive reclaim alerts of a successful cycle.
func (o *Orchestrator) alert(ctx context.Context, sum *Summary) {
	n := o.opts.Notifier
	if n == nil {
		return
	}

	if r := sum.Reclaim; r != nil {
		for _, op := range r.Operations {
			switch {
			case op.Outcome == types.OutcomeFailed:
				notify.Deliver(ctx, n, ReclaimFailedMessage(op))
			case op.Outcome == types.OutcomeSuccess && o.highValue(op):
				notify.Deliver(ctx, n, HighValueMessage(op, o.opts.AlertThreshold))
			}
		}
	}
	for _, op := range sum.confirmed() {
		if o.highValue(op) {
			notify.Deliver(ctx, n, HighValueMessage(op, o.opts.AlertThreshold))
		}
	}

	if sum.Err != nil {
		notify.Deliver(ctx, n, sum.FailureMessage())
		return
	}
	if sum.Scan != nil && sum.ScanErr == nil && (sum.Discovered() > 0 || sum.Eligible() > 0) {
		notify.Deliver(ctx, n, sum.ScanMessage())
	}
	if o.opts.AlertThreshold > 0 && sum.ReclaimedLamports() >= o.opts.AlertThreshold {
		notify.Deliver(ctx, n, sum.Message())
	}
	if sum.Treasury != nil && len(sum.Treasury.Detections) > 0 {
		notify.Deliver(ctx, n, PassiveMessage(sum.Treasury.Detections))
	}
}

func (o *Orchestrator) highValue(op *types.ReclaimOperation) bool {
	return o.opts.AlertThreshold > 0 && op.Lamports >= o.opts.AlertThreshold
}

func (o *Orchestrator) cycle(ctx context.Context, sum *Summary) error {
	p, err := o.opts.Policy()
	if err != nil {
		return err
	}
	sum.DryRun = p.DryRun
	logging.AuditFor(logging.CategoryOrchestrator).CycleStart(p.DryRun)

	// Steps other than reclaim run to completion once started.
	stepCtx := context.WithoutCancel(ctx)

	scan, err := o.opts.Scanner.Scan(stepCtx)
	sum.Scan = scan
	if err != nil {
		if types.IsKind(err, types.KindPersistence) {
			return fmt.Errorf("scan: %w", err)
		}
		sum.ScanErr = err
		logging.Get(logging.CategoryOrchestrator).Warnf("Scan incomplete, resuming next cycle: %v", err)
	}

	// Settle earlier submissions first so the pass does not mistake our own
	// late-landing close for an external one.
	if o.opts.Executor != nil && !p.DryRun {
		rec, err := o.opts.Executor.Reconcile(stepCtx)
		sum.Reconciled = rec
		if err != nil {
			if types.IsKind(err, types.KindPersistence) {
				return fmt.Errorf("reconcile: %w", err)
			}
			logging.Get(logging.CategoryOrchestrator).Warnf("Reconcile skipped: %v", err)
		}
	}

	pass, err := o.opts.Evaluator.Pass(stepCtx, o.opts.Store, p)
	sum.Evaluation = pass
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}

	if o.opts.Executor != nil {
		eligible, err := o.opts.Store.ListAccounts(stepCtx, store.AccountFilter{
			Statuses: []types.Status{types.StatusEligible},
		})
		if err != nil {
			return fmt.Errorf("list eligible: %w", err)
		}
		if len(eligible) > 0 {
			res, err := o.opts.Executor.Run(ctx, eligible, p)
			sum.Reclaim = res
			if err != nil {
				return fmt.Errorf("reclaim: %w", err)
			}
		}
	}

	if o.opts.Monitor != nil {
		res, err := o.opts.Monitor.Check(stepCtx, p)
		if err != nil {
			if types.IsKind(err, types.KindPersistence) {
				return fmt.Errorf("treasury: %w", err)
			}
			logging.Get(logging.CategoryOrchestrator).Warnf("Treasury check skipped: %v", err)
		}
		sum.Treasury = res
	}

	stats, err := o.opts.Store.Stats(stepCtx)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	sum.Stats = stats
	return nil
}
