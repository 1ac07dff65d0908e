// Package solanatest provides an in-memory ledger that answers the RPC
// methods rentreclaim uses, for end-to-end tests without a cluster.
package solanatest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"rentreclaim/internal/solana"
	"rentreclaim/internal/types"

	"github.com/mr-tron/base58"
)

// Ledger is a thread-safe fake cluster. The zero value is not usable; call
// NewLedger.
type Ledger struct {
	mu sync.Mutex

	slot       uint64
	accounts   map[solana.PublicKey]*solana.AccountInfo
	history    map[solana.PublicKey][]solana.SignatureInfo // oldest first
	txs        map[string]*solana.ParsedTransaction
	statuses   map[string]*solana.SignatureStatus
	blockhash  uint64
	rentMin    uint64
	commitment string

	failures   map[string]int
	dropSends  int
	lostAcks   int
	hidden     bool
	calls      map[string]int
	sent       []*solana.Transaction
	sigCounter uint64
}

// NewLedger returns an empty ledger at slot 1000.
func NewLedger() *Ledger {
	return &Ledger{
		slot:       1000,
		accounts:   make(map[solana.PublicKey]*solana.AccountInfo),
		history:    make(map[solana.PublicKey][]solana.SignatureInfo),
		txs:        make(map[string]*solana.ParsedTransaction),
		statuses:   make(map[string]*solana.SignatureStatus),
		rentMin:    solana.TokenAccountRentLamports,
		commitment: "finalized",
		failures:   make(map[string]int),
		calls:      make(map[string]int),
	}
}

// =============================================================================
// Setup
// =============================================================================

// SetAccount stores or replaces an account.
func (l *Ledger) SetAccount(pubkey solana.PublicKey, info solana.AccountInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := info
	cp.Data = append([]byte(nil), info.Data...)
	if cp.Space == 0 {
		cp.Space = uint64(len(cp.Data))
	}
	l.accounts[pubkey] = &cp
}

// SetTokenAccount stores an SPL token account owned by program.
func (l *Ledger) SetTokenAccount(pubkey, program solana.PublicKey, state solana.TokenAccountState, lamports uint64) {
	data, err := solana.EncodeTokenAccount(&state)
	if err != nil {
		panic(err)
	}
	l.SetAccount(pubkey, solana.AccountInfo{
		Lamports: lamports,
		Owner:    program,
		Data:     data,
	})
}

// SetBalance stores a plain system account with the given lamports.
func (l *Ledger) SetBalance(pubkey solana.PublicKey, lamports uint64) {
	l.SetAccount(pubkey, solana.AccountInfo{Lamports: lamports, Owner: solana.SystemProgramID})
}

// RemoveAccount deletes an account, as an external close would.
func (l *Ledger) RemoveAccount(pubkey solana.PublicKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.accounts, pubkey)
}

// Credit adds lamports to an account, creating a system account if needed.
func (l *Ledger) Credit(pubkey solana.PublicKey, lamports uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.creditLocked(pubkey, lamports)
}

func (l *Ledger) creditLocked(pubkey solana.PublicKey, lamports uint64) {
	acc, ok := l.accounts[pubkey]
	if !ok {
		acc = &solana.AccountInfo{Owner: solana.SystemProgramID}
		l.accounts[pubkey] = acc
	}
	acc.Lamports += lamports
}

// Account returns a copy of an account, or nil.
func (l *Ledger) Account(pubkey solana.PublicKey) *solana.AccountInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[pubkey]
	if !ok {
		return nil
	}
	cp := *acc
	return &cp
}

// AddTransaction records tx in address's history at the next slot and
// returns its signature. A missing signature is generated.
func (l *Ledger) AddTransaction(address solana.PublicKey, tx solana.ParsedTransaction) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.slot++
	if tx.Slot == 0 {
		tx.Slot = l.slot
	}
	if tx.Signature == "" {
		tx.Signature = l.nextSignatureLocked()
	}
	stored := tx
	l.txs[tx.Signature] = &stored

	var errRaw json.RawMessage
	if tx.Failed {
		errRaw = json.RawMessage(`{"InstructionError":[0,"Custom"]}`)
	}
	l.history[address] = append(l.history[address], solana.SignatureInfo{
		Signature:          tx.Signature,
		Slot:               tx.Slot,
		Err:                errRaw,
		BlockTime:          tx.BlockTime,
		ConfirmationStatus: "finalized",
	})
	return tx.Signature
}

// ForgetTransaction makes getTransaction return null for signature while it
// stays in the address history.
func (l *Ledger) ForgetTransaction(signature string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.txs, signature)
}

// SetRentMinimum overrides the getMinimumBalanceForRentExemption answer.
func (l *Ledger) SetRentMinimum(lamports uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rentMin = lamports
}

// SetCommitment sets the confirmation status reported for sent transactions.
func (l *Ledger) SetCommitment(c string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commitment = c
}

// FailNext makes the next n calls of method fail with a retryable error.
func (l *Ledger) FailNext(method string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[method] += n
}

// DropSends makes the next n sends return a signature without landing.
func (l *Ledger) DropSends(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropSends += n
}

// LoseAcks makes the next n sends land but report a retryable error.
func (l *Ledger) LoseAcks(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lostAcks += n
}

// HideStatuses makes getSignatureStatuses report every signature as unknown,
// as a lagging node would, until called again with false.
func (l *Ledger) HideStatuses(hide bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hidden = hide
}

// Calls returns how often method was invoked.
func (l *Ledger) Calls(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[method]
}

// Sent returns every transaction submitted through SendTransaction.
func (l *Ledger) Sent() []*solana.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*solana.Transaction(nil), l.sent...)
}

func (l *Ledger) nextSignatureLocked() string {
	l.sigCounter++
	sum := sha256.Sum256(binary.LittleEndian.AppendUint64([]byte("sig"), l.sigCounter))
	return base58.Encode(append(sum[:], sum[:]...))
}

// enter counts a call and consumes an injected failure.
func (l *Ledger) enter(ctx context.Context, method string) error {
	if err := ctx.Err(); err != nil {
		return types.RPCError(method, err, false)
	}
	l.calls[method]++
	if l.failures[method] > 0 {
		l.failures[method]--
		return types.RPCError(method, &solana.RPCError{Code: -32005, Message: "node is behind"}, true)
	}
	return nil
}

// =============================================================================
// RPC surface
// =============================================================================

// GetSignaturesForAddress pages address history newest first.
func (l *Ledger) GetSignaturesForAddress(ctx context.Context, address solana.PublicKey, opts solana.SignaturesOptions) ([]solana.SignatureInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(ctx, "getSignaturesForAddress"); err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 || limit > solana.MaxSignaturesPage {
		limit = solana.MaxSignaturesPage
	}

	hist := l.history[address]
	start := len(hist) - 1
	if opts.Before != "" {
		start = -1
		for i := len(hist) - 1; i >= 0; i-- {
			if hist[i].Signature == opts.Before {
				start = i - 1
				break
			}
		}
	}

	var out []solana.SignatureInfo
	for i := start; i >= 0 && len(out) < limit; i-- {
		if opts.Until != "" && hist[i].Signature == opts.Until {
			break
		}
		out = append(out, hist[i])
	}
	return out, nil
}

// GetTransaction returns a recorded transaction or nil.
func (l *Ledger) GetTransaction(ctx context.Context, signature string) (*solana.ParsedTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(ctx, "getTransaction"); err != nil {
		return nil, err
	}
	tx, ok := l.txs[signature]
	if !ok {
		return nil, nil
	}
	cp := *tx
	return &cp, nil
}

// GetMinimumBalanceForRentExemption answers with the configured minimum.
func (l *Ledger) GetMinimumBalanceForRentExemption(ctx context.Context, size uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(ctx, "getMinimumBalanceForRentExemption"); err != nil {
		return 0, err
	}
	return l.rentMin, nil
}

// GetAccountInfo returns a copy of the account or nil.
func (l *Ledger) GetAccountInfo(ctx context.Context, pubkey solana.PublicKey) (*solana.AccountInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(ctx, "getAccountInfo"); err != nil {
		return nil, err
	}
	acc, ok := l.accounts[pubkey]
	if !ok {
		return nil, nil
	}
	cp := *acc
	cp.Data = append([]byte(nil), acc.Data...)
	return &cp, nil
}

// GetBalance returns the lamports of pubkey, zero if missing.
func (l *Ledger) GetBalance(ctx context.Context, pubkey solana.PublicKey) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(ctx, "getBalance"); err != nil {
		return 0, err
	}
	if acc, ok := l.accounts[pubkey]; ok {
		return acc.Lamports, nil
	}
	return 0, nil
}

// GetLatestBlockhash returns a fresh deterministic blockhash.
func (l *Ledger) GetLatestBlockhash(ctx context.Context) (*solana.Blockhash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(ctx, "getLatestBlockhash"); err != nil {
		return nil, err
	}
	l.blockhash++
	sum := sha256.Sum256(binary.LittleEndian.AppendUint64([]byte("blockhash"), l.blockhash))
	return &solana.Blockhash{Hash: solana.PublicKey(sum), LastValidBlockHeight: l.slot + 150}, nil
}

// SimulateTransaction checks tx against current state without applying it.
func (l *Ledger) SimulateTransaction(ctx context.Context, tx *solana.Transaction) (*solana.SimulationResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(ctx, "simulateTransaction"); err != nil {
		return nil, err
	}
	if _, err := l.check(tx); err != nil {
		raw, _ := json.Marshal(err.Error())
		return &solana.SimulationResult{Err: raw, Logs: []string{err.Error()}}, nil
	}
	return &solana.SimulationResult{Logs: []string{"Program log: Instruction: CloseAccount"}, UnitsConsumed: 2900}, nil
}

// SendTransaction applies tx after the same checks as preflight.
func (l *Ledger) SendTransaction(ctx context.Context, tx *solana.Transaction) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(ctx, "sendTransaction"); err != nil {
		return "", err
	}
	l.sent = append(l.sent, tx)

	sig := tx.Signature().String()
	if _, landed := l.statuses[sig]; landed {
		return sig, nil
	}

	closes, err := l.check(tx)
	if err != nil {
		return "", types.RPCError("sendTransaction", &solana.RPCError{
			Code:    -32002,
			Message: "Transaction simulation failed: " + err.Error(),
		}, false)
	}

	if l.dropSends > 0 {
		l.dropSends--
		return sig, nil
	}

	for _, c := range closes {
		acc := l.accounts[c.account]
		l.creditLocked(c.destination, acc.Lamports)
		delete(l.accounts, c.account)
	}
	l.slot++
	l.statuses[sig] = &solana.SignatureStatus{Slot: l.slot, ConfirmationStatus: l.commitment}

	if l.lostAcks > 0 {
		l.lostAcks--
		return "", types.RPCError("sendTransaction", errors.New("connection reset by peer"), true)
	}
	return sig, nil
}

// GetSignatureStatuses reports landed signatures; unknown ones are nil.
func (l *Ledger) GetSignatureStatuses(ctx context.Context, signatures []string) ([]*solana.SignatureStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(ctx, "getSignatureStatuses"); err != nil {
		return nil, err
	}
	out := make([]*solana.SignatureStatus, len(signatures))
	if l.hidden {
		return out, nil
	}
	for i, s := range signatures {
		if st, ok := l.statuses[s]; ok {
			cp := *st
			out[i] = &cp
		}
	}
	return out, nil
}

type closeEffect struct {
	account     solana.PublicKey
	destination solana.PublicKey
}

// check validates signatures and every close_account instruction in tx.
func (l *Ledger) check(tx *solana.Transaction) ([]closeEffect, error) {
	if !tx.VerifySignatures() {
		return nil, errors.New("signature verification failed")
	}
	msg := tx.Message
	var closes []closeEffect
	for _, ix := range msg.Instructions {
		program := msg.AccountKeys[ix.ProgramIDIndex]
		if !solana.IsCloseAccount(program, ix.Data) {
			return nil, fmt.Errorf("unsupported instruction for program %s", program)
		}
		if len(ix.Accounts) < 3 {
			return nil, errors.New("close_account: not enough account keys")
		}
		account := msg.AccountKeys[ix.Accounts[0]]
		destination := msg.AccountKeys[ix.Accounts[1]]
		authority := msg.AccountKeys[ix.Accounts[2]]

		acc, ok := l.accounts[account]
		if !ok {
			return nil, errors.New("AccountNotFound")
		}
		if acc.Owner != program {
			return nil, errors.New("IncorrectProgramId")
		}
		state, err := solana.DecodeTokenAccount(acc.Data)
		if err != nil {
			return nil, fmt.Errorf("InvalidAccountData: %w", err)
		}
		if state.Amount != 0 && !state.IsNative {
			return nil, errors.New("NonNativeHasBalance")
		}
		if state.Frozen() {
			return nil, errors.New("AccountFrozen")
		}
		if state.EffectiveCloseAuthority() != authority || !msg.IsSigner(authority) {
			return nil, errors.New("OwnerMismatch")
		}
		closes = append(closes, closeEffect{account: account, destination: destination})
	}
	return closes, nil
}

// =============================================================================
// Transaction builders
// =============================================================================

// Parsed builds a jsonParsed instruction.
func Parsed(programID solana.PublicKey, program, typ string, info map[string]interface{}) solana.ParsedInstruction {
	raw, _ := json.Marshal(info)
	return solana.ParsedInstruction{
		ProgramID: programID.String(),
		Program:   program,
		Type:      typ,
		Info:      raw,
		Parsed:    true,
	}
}

// CreateAccount is a system createAccount funded by source.
func CreateAccount(source, account, owner solana.PublicKey, lamports, space uint64) solana.ParsedInstruction {
	return Parsed(solana.SystemProgramID, "system", "createAccount", map[string]interface{}{
		"source":     source.String(),
		"newAccount": account.String(),
		"lamports":   lamports,
		"space":      space,
		"owner":      owner.String(),
	})
}

// CreateATA is an associated token account create paid by source.
func CreateATA(source, account, wallet, mint solana.PublicKey) solana.ParsedInstruction {
	return Parsed(solana.AssociatedTokenProgramID, "spl-associated-token-account", "create", map[string]interface{}{
		"source":        source.String(),
		"account":       account.String(),
		"wallet":        wallet.String(),
		"mint":          mint.String(),
		"systemProgram": solana.SystemProgramID.String(),
		"tokenProgram":  solana.TokenProgramID.String(),
	})
}

// InitializeAccount is an spl-token initializeAccount3.
func InitializeAccount(program, account, mint, owner solana.PublicKey) solana.ParsedInstruction {
	return Parsed(program, "spl-token", "initializeAccount3", map[string]interface{}{
		"account": account.String(),
		"mint":    mint.String(),
		"owner":   owner.String(),
	})
}

// Tx builds a successful transaction paid by feePayer. Every account named
// in balances is listed after the fee payer with its post balance.
func Tx(feePayer solana.PublicKey, balances map[solana.PublicKey]uint64, ixs ...solana.ParsedInstruction) solana.ParsedTransaction {
	bt := time.Now().Add(-time.Hour).Unix()
	tx := solana.ParsedTransaction{
		BlockTime:    &bt,
		Fee:          5000,
		AccountKeys:  []string{feePayer.String()},
		PostBalances: []uint64{0},
		Instructions: ixs,
	}
	for pk, lamports := range balances {
		tx.AccountKeys = append(tx.AccountKeys, pk.String())
		tx.PostBalances = append(tx.PostBalances, lamports)
	}
	return tx
}
