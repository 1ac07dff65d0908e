package reclaim

import (
	"context"

	"rentreclaim/internal/config"
	"rentreclaim/internal/logging"
	"rentreclaim/internal/types"
)

// BatchResult summarizes a Run.
type BatchResult struct {
	Batches           int
	Attempted         int
	Succeeded         int
	Simulated         int
	Failed            int
	Lamports          uint64 // recovered by Success operations
	SimulatedLamports uint64
	Stopped           bool // cancellation observed between batches
	Operations        []*types.ReclaimOperation
}

// Run reclaims accounts in batches of p.BatchSize. Accounts inside a batch
// are processed one at a time and one failure never aborts the batch.
// Cancellation is honored only between batches: a started batch always
// records an outcome for every account in it. A store failure ends the run.
func (e *Executor) Run(ctx context.Context, accounts []*types.SponsoredAccount, p config.Policy) (*BatchResult, error) {
	res := &BatchResult{}
	size := p.BatchSize
	if size <= 0 {
		size = 1
	}

	for start := 0; start < len(accounts); start += size {
		if start > 0 {
			if err := sleep(ctx, p.BatchDelay); err != nil {
				res.Stopped = true
				break
			}
		}
		if ctx.Err() != nil {
			res.Stopped = true
			break
		}

		end := start + size
		if end > len(accounts) {
			end = len(accounts)
		}
		res.Batches++
		logging.Reclaim("Batch %d: %d account(s)", res.Batches, end-start)

		batchCtx := context.WithoutCancel(ctx)
		for _, a := range accounts[start:end] {
			op, err := e.Reclaim(batchCtx, a, p)
			if err != nil {
				return res, err
			}
			res.add(op)
		}
	}

	if res.Stopped {
		logging.Reclaim("Stopped after %d batch(es); %d account(s) left for the next cycle",
			res.Batches, len(accounts)-res.Attempted)
	}
	return res, nil
}

func (r *BatchResult) add(op *types.ReclaimOperation) {
	r.Attempted++
	r.Operations = append(r.Operations, op)
	switch op.Outcome {
	case types.OutcomeSuccess:
		r.Succeeded++
		r.Lamports += op.Lamports
	case types.OutcomeSimulated:
		r.Simulated++
		r.SimulatedLamports += op.Lamports
	default:
		r.Failed++
	}
}
