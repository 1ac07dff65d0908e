package eligibility

import (
	"context"
	"fmt"
	"time"

	"rentreclaim/internal/config"
	"rentreclaim/internal/logging"
	"rentreclaim/internal/metrics"
	"rentreclaim/internal/solana"
	"rentreclaim/internal/types"
)

// Chain is the ledger surface needed to refresh an account.
type Chain interface {
	GetAccountInfo(ctx context.Context, pubkey solana.PublicKey) (*solana.AccountInfo, error)
	GetSignaturesForAddress(ctx context.Context, address solana.PublicKey, opts solana.SignaturesOptions) ([]solana.SignatureInfo, error)
}

// Store is read by the pass and receives its verdicts in one commit.
type Store interface {
	ListNonTerminal(ctx context.Context) ([]*types.SponsoredAccount, error)
	ApplyEvaluations(ctx context.Context, accounts []*types.SponsoredAccount) (int, error)
}

// Evaluator fetches live state and applies Evaluate.
type Evaluator struct {
	chain    Chain
	operator solana.PublicKey
	now      func() time.Time
}

// New creates an Evaluator for operator.
func New(chain Chain, operator solana.PublicKey) *Evaluator {
	return &Evaluator{
		chain:    chain,
		operator: operator,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (e *Evaluator) SetClock(now func() time.Time) {
	e.now = now
}

// Fetch reads the account and its newest signature.
func (e *Evaluator) Fetch(ctx context.Context, a *types.SponsoredAccount) (ChainState, error) {
	pk, err := solana.ParsePublicKey(a.Pubkey)
	if err != nil {
		return ChainState{}, types.ParseError("fetch "+a.Pubkey, err)
	}

	info, err := e.chain.GetAccountInfo(ctx, pk)
	if err != nil {
		return ChainState{}, err
	}
	live := ChainState{Exists: info != nil, Info: info}
	if info == nil {
		return live, nil
	}

	if solana.IsTokenProgram(info.Owner) {
		state, err := solana.DecodeTokenAccount(info.Data)
		if err != nil {
			logging.Get(logging.CategoryEligibility).Warnf("Undecodable token account %s: %v", a.Pubkey, err)
		} else {
			live.Token = state
		}
	}

	sigs, err := e.chain.GetSignaturesForAddress(ctx, pk, solana.SignaturesOptions{Limit: 1})
	if err != nil {
		return ChainState{}, err
	}
	if len(sigs) > 0 {
		live.LastActivity = sigs[0].Time()
	}
	return live, nil
}

// Assessment is one refreshed account with its verdict and the chain state
// it was decided on.
type Assessment struct {
	Account *types.SponsoredAccount
	Verdict types.Verdict
	Live    ChainState
}

// Assess returns a refreshed copy of a with its new verdict applied. Listed
// accounts are decided without touching the chain.
func (e *Evaluator) Assess(ctx context.Context, a *types.SponsoredAccount, p config.Policy) (*Assessment, error) {
	now := e.now()
	if p.Listed(a.Pubkey) {
		out := *a
		v := Evaluate(&out, p, ChainState{Exists: true}, now)
		Apply(&out, v, now)
		return &Assessment{Account: &out, Verdict: v}, nil
	}

	live, err := e.Fetch(ctx, a)
	if err != nil {
		return nil, err
	}
	out := Refresh(a, live, e.operator)
	v := Evaluate(out, p, live, now)
	Apply(out, v, now)
	return &Assessment{Account: out, Verdict: v, Live: live}, nil
}

// PassResult summarizes one evaluation pass.
type PassResult struct {
	Evaluated int
	Updated   int
	Failed    int
	ByStatus  map[types.Status]int
}

// Pass re-evaluates every non-terminal account, oldest first, and commits all
// verdicts together. Accounts whose lookup fails keep their stored state and
// are retried next cycle.
func (e *Evaluator) Pass(ctx context.Context, store Store, p config.Policy) (*PassResult, error) {
	timer := logging.StartTimer(logging.CategoryEligibility, "Pass")
	defer timer.Stop()

	accounts, err := store.ListNonTerminal(ctx)
	if err != nil {
		return nil, err
	}

	res := &PassResult{ByStatus: make(map[types.Status]int)}
	updates := make([]*types.SponsoredAccount, 0, len(accounts))
	for _, a := range accounts {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		as, err := e.Assess(ctx, a, p)
		if err != nil {
			res.Failed++
			logging.Get(logging.CategoryEligibility).Warnf("Evaluation of %s failed: %v", a.Pubkey, err)
			continue
		}
		v := as.Verdict
		res.Evaluated++
		res.ByStatus[v.Status]++
		metrics.RecordVerdict(string(v.Status))
		updates = append(updates, as.Account)

		if v.Status != a.Status || v.Reason != a.StatusReason {
			logging.Get(logging.CategoryEligibility).Infof("%s: %s -> %s", a.Pubkey, a.StatusLabel(), v)
		}
	}

	n, err := store.ApplyEvaluations(ctx, updates)
	if err != nil {
		return res, fmt.Errorf("commit evaluation pass: %w", err)
	}
	res.Updated = n
	return res, nil
}
