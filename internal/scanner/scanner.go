// Package scanner pages backward through the operator's transaction history,
// detects account creations it funded, and advances the scan checkpoint one
// atomic page at a time.
package scanner

import (
	"context"
	"fmt"

	"rentreclaim/internal/logging"
	"rentreclaim/internal/metrics"
	"rentreclaim/internal/solana"
	"rentreclaim/internal/types"
)

// DefaultMaxTransactions caps one invocation; the rest resumes next cycle.
const DefaultMaxTransactions = 5000

// Chain is the ledger surface the scanner reads.
type Chain interface {
	GetSignaturesForAddress(ctx context.Context, address solana.PublicKey, opts solana.SignaturesOptions) ([]solana.SignatureInfo, error)
	GetTransaction(ctx context.Context, signature string) (*solana.ParsedTransaction, error)
	GetMinimumBalanceForRentExemption(ctx context.Context, size uint64) (uint64, error)
}

// Store persists pages and the checkpoint.
type Store interface {
	GetCheckpoint(ctx context.Context) (types.ScanCheckpoint, error)
	CommitScanPage(ctx context.Context, accounts []*types.SponsoredAccount, cp types.ScanCheckpoint) ([]*types.SponsoredAccount, error)
}

// Options configures a Scanner.
type Options struct {
	Operator        solana.PublicKey
	PageSize        int
	MaxTransactions int
	// OnDiscovered is called for every newly stored account (verbose output).
	OnDiscovered func(*types.SponsoredAccount)
}

// Scanner discovers sponsored accounts.
type Scanner struct {
	chain    Chain
	store    Store
	operator solana.PublicKey
	pageSize int
	maxTx    int
	notify   func(*types.SponsoredAccount)
	rentMin  map[uint64]uint64
}

// Result summarizes one Scan invocation.
type Result struct {
	Pages       int
	Signatures  int
	FailedTxs   int
	Unavailable int
	ParseErrors int
	Discovered  []*types.SponsoredAccount
	Complete    bool // caught up with the ledger head
	Capped      bool // stopped at MaxTransactions
	NothingToDo bool
	Checkpoint  types.ScanCheckpoint
}

// New creates a Scanner.
func New(chain Chain, store Store, opts Options) *Scanner {
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > solana.MaxSignaturesPage {
		pageSize = solana.MaxSignaturesPage
	}
	maxTx := opts.MaxTransactions
	if maxTx <= 0 {
		maxTx = DefaultMaxTransactions
	}
	return &Scanner{
		chain:    chain,
		store:    store,
		operator: opts.Operator,
		pageSize: pageSize,
		maxTx:    maxTx,
		notify:   opts.OnDiscovered,
		rentMin:  make(map[uint64]uint64),
	}
}

// WithLimit returns a copy of the scanner with a different transaction cap.
func (s *Scanner) WithLimit(maxTx int) *Scanner {
	cp := *s
	if maxTx > 0 {
		cp.maxTx = maxTx
	}
	return &cp
}

// Scan runs one pass. A pass starts at the ledger head and walks back to the
// last recorded signature; each page commits its accounts and the pending
// cursor together, and the final page promotes the pending head. On error,
// every page committed before it is kept and the pass resumes next time.
func (s *Scanner) Scan(ctx context.Context) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryScanner, "Scan")
	defer timer.Stop()

	cp, err := s.store.GetCheckpoint(ctx)
	if err != nil {
		return nil, err
	}
	res := &Result{Checkpoint: cp}
	operator := s.operator.String()

	before := ""
	if cp.HasPending() {
		before = cp.PendingCursor
		logging.Scanner("Resuming scan pass from %s (head %s)", before, cp.PendingHeadSignature)
	}

	budget := s.maxTx
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		page, err := s.chain.GetSignaturesForAddress(ctx, s.operator, solana.SignaturesOptions{
			Limit:  s.pageSize,
			Before: before,
			Until:  cp.LastSignature,
		})
		if err != nil {
			return res, fmt.Errorf("fetch signatures before %q: %w", before, err)
		}

		if len(page) == 0 {
			if !cp.HasPending() {
				res.NothingToDo = true
				res.Complete = true
				return res, nil
			}
			next := promote(cp)
			if _, err := s.store.CommitScanPage(ctx, nil, next); err != nil {
				return res, err
			}
			res.Checkpoint = next
			res.Complete = true
			return res, nil
		}

		if !cp.HasPending() {
			cp.PendingHeadSignature = page[0].Signature
			cp.PendingHeadSlot = page[0].Slot
		}

		exhausted := len(page) < s.pageSize
		if len(page) > budget {
			page = page[:budget]
			exhausted = false
			res.Capped = true
		}
		budget -= len(page)

		accounts, err := s.processPage(ctx, page, operator, res)
		if err != nil {
			return res, err
		}

		oldest := page[len(page)-1].Signature
		next := cp
		next.PendingCursor = oldest
		if exhausted {
			next = promote(cp)
		}

		inserted, err := s.store.CommitScanPage(ctx, accounts, next)
		if err != nil {
			return res, err
		}
		cp = next
		res.Checkpoint = next
		res.Pages++
		for _, a := range inserted {
			metrics.RecordDiscovered(string(a.Type.Kind))
			if s.notify != nil {
				s.notify(a)
			}
		}
		res.Discovered = append(res.Discovered, inserted...)

		logging.Scanner("Page %d: %d signatures, %d new accounts, cursor=%s", res.Pages, len(page), len(inserted), oldest)

		if exhausted {
			res.Complete = true
			return res, nil
		}
		if budget <= 0 {
			res.Capped = true
			logging.Scanner("Transaction cap of %d reached; pass resumes from %s", s.maxTx, oldest)
			return res, nil
		}
		before = oldest
	}
}

// promote finishes a pass: the pending head becomes the last signature.
func promote(cp types.ScanCheckpoint) types.ScanCheckpoint {
	next := types.ScanCheckpoint{LastSignature: cp.LastSignature, LastSlot: cp.LastSlot}
	if cp.PendingHeadSignature != "" {
		next.LastSignature = cp.PendingHeadSignature
		next.LastSlot = cp.PendingHeadSlot
	}
	return next
}

// processPage inspects a newest-first page from oldest to newest.
func (s *Scanner) processPage(ctx context.Context, page []solana.SignatureInfo, operator string, res *Result) ([]*types.SponsoredAccount, error) {
	seen := make(map[string]bool)
	var out []*types.SponsoredAccount

	for i := len(page) - 1; i >= 0; i-- {
		sig := page[i]
		res.Signatures++
		if sig.Failed() {
			res.FailedTxs++
			continue
		}

		tx, err := s.chain.GetTransaction(ctx, sig.Signature)
		if err != nil {
			return nil, fmt.Errorf("fetch transaction %s: %w", sig.Signature, err)
		}
		if tx == nil {
			res.Unavailable++
			logging.ScannerWarn("Transaction %s not available from provider; skipping", sig.Signature)
			continue
		}
		if tx.Failed {
			res.FailedTxs++
			continue
		}
		if tx.BlockTime == nil {
			tx.BlockTime = sig.BlockTime
		}

		found, skipped := Detect(tx, operator)
		for _, perr := range skipped {
			res.ParseErrors++
			logging.ScannerWarn("Skipping instruction: %v", perr)
		}
		for _, c := range found {
			if seen[c.Pubkey] {
				continue
			}
			seen[c.Pubkey] = true
			out = append(out, s.toAccount(ctx, tx, c))
		}
	}
	return out, nil
}

func (s *Scanner) toAccount(ctx context.Context, tx *solana.ParsedTransaction, c Creation) *types.SponsoredAccount {
	at := tx.Time()
	acc := &types.SponsoredAccount{
		Pubkey:             c.Pubkey,
		Type:               c.Type,
		DiscoverySignature: tx.Signature,
		DiscoverySlot:      tx.Slot,
		DiscoveredAt:       at,
		LastActivityAt:     at,
		DataSize:           c.DataSize,
		Mint:               c.Mint,
		Owner:              c.Owner,
		Status:             types.StatusActive,
	}
	acc.BalanceLamports = s.rentLamports(ctx, tx, c)
	return acc
}

// rentLamports prefers the post balance, then the instruction amount, then
// the provider's rent-exempt minimum, then the standard token account rent.
func (s *Scanner) rentLamports(ctx context.Context, tx *solana.ParsedTransaction, c Creation) uint64 {
	if bal, ok := tx.PostBalance(c.Pubkey); ok && bal > 0 {
		return bal
	}
	if c.Lamports > 0 {
		return c.Lamports
	}

	size := c.DataSize
	if c.Type.Kind == types.KindTokenAccount && size == 0 {
		size = solana.TokenAccountSize
	}
	if size > 0 {
		if v, ok := s.rentMin[size]; ok {
			return v
		}
		v, err := s.chain.GetMinimumBalanceForRentExemption(ctx, size)
		if err == nil && v > 0 {
			s.rentMin[size] = v
			return v
		}
		if err != nil {
			logging.ScannerWarn("Rent minimum for %d bytes unavailable: %v", size, err)
		}
	}
	if c.Type.Kind == types.KindTokenAccount {
		return solana.TokenAccountRentLamports
	}
	return 0
}
