// Package reclaim closes eligible token accounts and sends their rent to the
// treasury. Every call to Reclaim appends exactly one ReclaimOperation.
package reclaim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rentreclaim/internal/config"
	"rentreclaim/internal/eligibility"
	"rentreclaim/internal/logging"
	"rentreclaim/internal/metrics"
	"rentreclaim/internal/solana"
	"rentreclaim/internal/types"
)

// Chain is the ledger surface used for re-validation, submission, and
// confirmation.
type Chain interface {
	eligibility.Chain
	GetLatestBlockhash(ctx context.Context) (*solana.Blockhash, error)
	SimulateTransaction(ctx context.Context, tx *solana.Transaction) (*solana.SimulationResult, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (string, error)
	GetSignatureStatuses(ctx context.Context, signatures []string) ([]*solana.SignatureStatus, error)
}

// Store records attempts. A Success attempt must move the account to
// Reclaimed in the same commit.
type Store interface {
	RecordAttempt(ctx context.Context, op *types.ReclaimOperation, refreshed *types.SponsoredAccount) error
}

// PendingStore lists and settles Failed operations whose submission may have
// landed late. Stores that implement it enable Reconcile.
type PendingStore interface {
	ListUnconfirmed(ctx context.Context) ([]types.ReclaimOperation, error)
	ConfirmLanded(ctx context.Context, failed types.ReclaimOperation) (*types.ReclaimOperation, error)
}

// Options configures an Executor.
type Options struct {
	Signer       *solana.Keypair
	Treasury     solana.PublicKey
	Commitment   string        // default "confirmed"
	PollInterval time.Duration // default 500ms
	Backoff      *solana.RetryConfig
}

// Executor re-validates, builds, and submits close_account transactions.
type Executor struct {
	chain        Chain
	store        Store
	pending      PendingStore
	eval         *eligibility.Evaluator
	signer       *solana.Keypair
	treasury     solana.PublicKey
	commitment   string
	pollInterval time.Duration
	backoff      solana.RetryConfig
}

// New creates an Executor. The signer is both fee payer and close authority.
func New(chain Chain, store Store, opts Options) (*Executor, error) {
	if opts.Signer == nil {
		return nil, types.ConfigurationError("reclaim", errors.New("operator keypair is required"))
	}
	e := &Executor{
		chain:        chain,
		store:        store,
		eval:         eligibility.New(chain, opts.Signer.PublicKey()),
		signer:       opts.Signer,
		treasury:     opts.Treasury,
		commitment:   opts.Commitment,
		pollInterval: opts.PollInterval,
		backoff:      solana.DefaultRetryConfig(),
	}
	if ps, ok := store.(PendingStore); ok {
		e.pending = ps
	}
	if e.commitment == "" {
		e.commitment = "confirmed"
	}
	if e.pollInterval <= 0 {
		e.pollInterval = 500 * time.Millisecond
	}
	if opts.Backoff != nil {
		e.backoff = *opts.Backoff
	}
	return e, nil
}

// SetClock replaces the time source used for re-evaluation.
func (e *Executor) SetClock(now func() time.Time) {
	e.eval.SetClock(now)
}

// attempt carries state across the tries of one Reclaim call.
type attempt struct {
	account  *types.SponsoredAccount // latest refreshed copy
	lamports uint64                  // balance at build time
	sent     []string                // every signature submitted so far
}

// Reclaim closes a, or simulates the close in dry-run mode. Transient failures
// are retried up to p.MaxAttempts; the attempts are folded into the single
// recorded operation. The returned error is non-nil only when the operation
// could not be recorded.
func (e *Executor) Reclaim(ctx context.Context, a *types.SponsoredAccount, p config.Policy) (*types.ReclaimOperation, error) {
	timer := logging.StartTimer(logging.CategoryReclaim, "Reclaim "+a.Pubkey)
	defer timer.Stop()

	op := &types.ReclaimOperation{AccountPubkey: a.Pubkey}
	st := &attempt{}

	for n := 1; ; n++ {
		op.Attempts = n
		sig, err := e.try(ctx, a, p, st)
		if err == nil {
			if p.DryRun {
				op.Outcome = types.OutcomeSimulated
			} else {
				op.Outcome = types.OutcomeSuccess
				op.Signature = sig
			}
			op.Lamports = st.lamports
			break
		}

		if !types.IsRetryable(err) || n >= p.MaxAttempts {
			e.giveUp(ctx, op, st, reason(err))
			break
		}
		logging.Get(logging.CategoryReclaim).Warnf("Attempt %d for %s failed, retrying: %v", n, a.Pubkey, err)
		if err := sleep(ctx, e.backoff.Delay(n)); err != nil {
			e.giveUp(ctx, op, st, "cancelled: "+err.Error())
			break
		}
	}

	// The outcome must be recorded even when the caller gave up waiting.
	if err := e.store.RecordAttempt(context.WithoutCancel(ctx), op, st.account); err != nil {
		logging.ReclaimError("Failed to record %s for %s: %v", op, a.Pubkey, err)
		return op, err
	}
	metrics.RecordReclaim(string(op.Outcome), op.Lamports)
	logging.AuditFor(logging.CategoryReclaim).Reclaim(a.Pubkey, string(op.Outcome), op.Signature, op.Lamports, op.Attempts, op.Reason)

	switch op.Outcome {
	case types.OutcomeFailed:
		logging.ReclaimError("%s: %s after %d attempt(s)", a.Pubkey, op, op.Attempts)
	default:
		logging.Reclaim("%s: %s (%s)", a.Pubkey, op, solana.FormatSOL(op.Lamports))
	}
	return op, nil
}

// giveUp settles op once no further attempt will be made. A submission that
// landed while we were waiting still counts as Success. Otherwise the op is
// Failed and keeps the last submitted signature so Reconcile can pick it up.
func (e *Executor) giveUp(ctx context.Context, op *types.ReclaimOperation, st *attempt, why string) {
	if len(st.sent) > 0 {
		sig, err := e.landed(context.WithoutCancel(ctx), st.sent)
		if err == nil && sig != "" {
			op.Outcome = types.OutcomeSuccess
			op.Signature = sig
			op.Lamports = st.lamports
			return
		}
		op.Signature = st.sent[len(st.sent)-1]
		op.Lamports = st.lamports
	}
	op.Outcome = types.OutcomeFailed
	op.Reason = why
}

// try runs one attempt and returns the landed signature.
func (e *Executor) try(ctx context.Context, a *types.SponsoredAccount, p config.Policy, st *attempt) (string, error) {
	// A previous submission may have landed even though we never saw the ack.
	if len(st.sent) > 0 {
		sig, err := e.landed(ctx, st.sent)
		if err != nil || sig != "" {
			return sig, err
		}
	}

	as, err := e.eval.Assess(ctx, a, p)
	if err != nil {
		return "", err
	}
	st.account = as.Account
	if !as.Verdict.Eligible() {
		return "", types.NotEligibleError("no longer eligible: " + as.Verdict.String())
	}

	pk, err := solana.ParsePublicKey(a.Pubkey)
	if err != nil {
		return "", types.ParseError("reclaim", err)
	}
	tx, err := e.build(ctx, pk, as.Live.Info.Owner)
	if err != nil {
		return "", err
	}
	st.lamports = as.Live.Info.Lamports

	if p.DryRun {
		return "", e.simulate(ctx, tx)
	}

	sig := tx.Signature().String()
	st.sent = append(st.sent, sig)
	if _, err := e.chain.SendTransaction(ctx, tx); err != nil {
		if !types.IsRetryable(err) {
			// The rejection may be caused by an earlier submission landing.
			if landed, lerr := e.landed(ctx, st.sent); lerr == nil && landed != "" {
				return landed, nil
			}
		}
		return "", err
	}
	return sig, e.confirm(ctx, sig, p.ConfirmTimeout)
}

// ReconcileResult summarizes a Reconcile pass.
type ReconcileResult struct {
	Checked   int
	Confirmed []*types.ReclaimOperation
}

// Reconcile looks up the signatures of Failed operations that submitted a
// transaction. Any that landed after the executor gave up are recorded as
// Success, so the account ends Reclaimed rather than ClosedExternally.
func (e *Executor) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	res := &ReconcileResult{}
	if e.pending == nil {
		return res, nil
	}
	ops, err := e.pending.ListUnconfirmed(ctx)
	if err != nil {
		return res, err
	}

	for start := 0; start < len(ops); start += maxStatusBatch {
		end := start + maxStatusBatch
		if end > len(ops) {
			end = len(ops)
		}
		chunk := ops[start:end]
		sigs := make([]string, len(chunk))
		for i, op := range chunk {
			sigs[i] = op.Signature
		}
		statuses, err := e.chain.GetSignatureStatuses(ctx, sigs)
		if err != nil {
			return res, err
		}
		res.Checked += len(chunk)

		for i, s := range statuses {
			if i >= len(chunk) || s == nil || s.Failed() || !s.Reached(e.commitment) {
				continue
			}
			op, err := e.pending.ConfirmLanded(ctx, chunk[i])
			if err != nil {
				return res, err
			}
			res.Confirmed = append(res.Confirmed, op)
			metrics.RecordReclaim(string(op.Outcome), op.Lamports)
			logging.AuditFor(logging.CategoryReclaim).Reclaim(op.AccountPubkey, string(op.Outcome), op.Signature, op.Lamports, op.Attempts, "")
			logging.Reclaim("%s: earlier submission %s landed (%s)", op.AccountPubkey, op.Signature, solana.FormatSOL(op.Lamports))
		}
	}
	return res, nil
}

// maxStatusBatch is the getSignatureStatuses limit per request.
const maxStatusBatch = 256

// build creates and signs a close_account for the program that owns pk.
func (e *Executor) build(ctx context.Context, pk, program solana.PublicKey) (*solana.Transaction, error) {
	bh, err := e.chain.GetLatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}
	ix, err := solana.NewCloseAccountInstruction(program, pk, e.treasury, e.signer.PublicKey())
	if err != nil {
		return nil, err
	}
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, bh.Hash, e.signer.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("build close_account: %w", err)
	}
	if err := tx.Sign(e.signer); err != nil {
		return nil, fmt.Errorf("sign close_account: %w", err)
	}
	return tx, nil
}

func (e *Executor) simulate(ctx context.Context, tx *solana.Transaction) error {
	sim, err := e.chain.SimulateTransaction(ctx, tx)
	if err != nil {
		return err
	}
	if sim.Failed() {
		return fmt.Errorf("simulation rejected: %s", string(sim.Err))
	}
	return nil
}

// confirm polls until sig reaches the commitment, fails, or timeout passes.
// A timeout is retryable: the next attempt first checks whether sig landed.
func (e *Executor) confirm(ctx context.Context, sig string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		statuses, err := e.chain.GetSignatureStatuses(ctx, []string{sig})
		if err != nil {
			logging.Get(logging.CategoryReclaim).Debugf("Status lookup for %s failed: %v", sig, err)
		} else if len(statuses) > 0 && statuses[0] != nil {
			s := statuses[0]
			if s.Failed() {
				return fmt.Errorf("transaction %s failed on-chain: %s", sig, string(s.Err))
			}
			if s.Reached(e.commitment) {
				return nil
			}
		}

		if !time.Now().Before(deadline) {
			return types.RPCError("confirm", fmt.Errorf("transaction %s not confirmed after %s", sig, timeout), true)
		}
		if err := sleep(ctx, e.pollInterval); err != nil {
			return types.RPCError("confirm", err, false)
		}
	}
}

// landed returns the first of sigs that reached the commitment.
func (e *Executor) landed(ctx context.Context, sigs []string) (string, error) {
	statuses, err := e.chain.GetSignatureStatuses(ctx, sigs)
	if err != nil {
		return "", err
	}
	for i, s := range statuses {
		if s == nil || i >= len(sigs) {
			continue
		}
		if s.Failed() {
			continue
		}
		if s.Reached(e.commitment) {
			return sigs[i], nil
		}
	}
	return "", nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// reason renders err for the operation log. Not-eligible errors carry their
// reason without the operation prefix.
func reason(err error) string {
	var te *types.Error
	if errors.As(err, &te) && te.Kind == types.KindNotEligible && te.Err != nil {
		return te.Err.Error()
	}
	return err.Error()
}
