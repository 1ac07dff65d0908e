package solana

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// =============================================================================
// JSON-RPC ENVELOPE
// =============================================================================

// RPCRequest is a JSON-RPC 2.0 request.
type RPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// RPCResponse is a JSON-RPC 2.0 response.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Provider error codes that are worth retrying.
const (
	codeBlockNotAvailable = -32004
	codeNodeUnhealthy     = -32005
	codeInternalError     = -32603
)

func (e *RPCError) retryable() bool {
	switch e.Code {
	case codeBlockNotAvailable, codeNodeUnhealthy, codeInternalError:
		return true
	}
	return false
}

// =============================================================================
// RESULT TYPES
// =============================================================================

// SignatureInfo is one entry from getSignaturesForAddress.
type SignatureInfo struct {
	Signature          string          `json:"signature"`
	Slot               uint64          `json:"slot"`
	Err                json.RawMessage `json:"err"`
	Memo               *string         `json:"memo"`
	BlockTime          *int64          `json:"blockTime"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// Failed reports whether the transaction failed on-chain.
func (s SignatureInfo) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// Time returns the block time or a slot-based estimate.
func (s SignatureInfo) Time() time.Time {
	return BlockTimeOrEstimate(s.BlockTime, s.Slot)
}

// SignaturesOptions pages getSignaturesForAddress.
type SignaturesOptions struct {
	Limit  int
	Before string
	Until  string
}

// AccountInfo is the decoded value of getAccountInfo.
type AccountInfo struct {
	Lamports   uint64
	Owner      PublicKey
	Data       []byte
	Executable bool
	Space      uint64
}

// ParsedInstruction is one instruction from a jsonParsed transaction. Parsed
// instructions carry Program/Type/Info; unparsed ones carry Accounts/Data.
type ParsedInstruction struct {
	ProgramID   string
	Program     string
	Type        string
	Info        json.RawMessage
	Accounts    []string
	Data        string
	StackHeight int
	Parsed      bool
}

// InfoString reads a string field from the parsed info object.
func (ix ParsedInstruction) InfoString(path string) string {
	if len(ix.Info) == 0 {
		return ""
	}
	return gjson.GetBytes(ix.Info, path).String()
}

// InfoUint reads an integer field from the parsed info object. Token amounts
// are sometimes encoded as strings, which gjson converts.
func (ix ParsedInstruction) InfoUint(path string) uint64 {
	if len(ix.Info) == 0 {
		return 0
	}
	return gjson.GetBytes(ix.Info, path).Uint()
}

// HasInfo reports whether the info object contains path.
func (ix ParsedInstruction) HasInfo(path string) bool {
	if len(ix.Info) == 0 {
		return false
	}
	return gjson.GetBytes(ix.Info, path).Exists()
}

// ParsedTransaction is the subset of getTransaction (jsonParsed) the scanner
// consumes.
type ParsedTransaction struct {
	Signature    string
	Slot         uint64
	BlockTime    *int64
	Failed       bool
	Fee          uint64
	AccountKeys  []string
	PostBalances []uint64
	Instructions []ParsedInstruction
}

// FeePayer is the first account key.
func (t *ParsedTransaction) FeePayer() string {
	if len(t.AccountKeys) == 0 {
		return ""
	}
	return t.AccountKeys[0]
}

// PostBalance returns the post-transaction balance of pubkey, if listed.
func (t *ParsedTransaction) PostBalance(pubkey string) (uint64, bool) {
	for i, k := range t.AccountKeys {
		if k == pubkey && i < len(t.PostBalances) {
			return t.PostBalances[i], true
		}
	}
	return 0, false
}

// Time returns the block time or a slot-based estimate.
func (t *ParsedTransaction) Time() time.Time {
	return BlockTimeOrEstimate(t.BlockTime, t.Slot)
}

// Blockhash is a recent blockhash with its expiry height.
type Blockhash struct {
	Hash                 PublicKey
	LastValidBlockHeight uint64
}

// SignatureStatus is one entry from getSignatureStatuses.
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// Failed reports whether the transaction landed with an error.
func (s *SignatureStatus) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// Reached reports whether the status satisfies the commitment level.
func (s *SignatureStatus) Reached(commitment string) bool {
	rank := map[string]int{"processed": 1, "confirmed": 2, "finalized": 3}
	want := rank[commitment]
	if want == 0 {
		want = rank["confirmed"]
	}
	return rank[s.ConfirmationStatus] >= want
}

// SimulationResult is the value of simulateTransaction.
type SimulationResult struct {
	Err           json.RawMessage `json:"err"`
	Logs          []string        `json:"logs"`
	UnitsConsumed uint64          `json:"unitsConsumed"`
}

// Failed reports whether the simulation rejected the transaction.
func (s *SimulationResult) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// parseTransaction converts a jsonParsed getTransaction result.
func parseTransaction(signature string, raw json.RawMessage) (*ParsedTransaction, error) {
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, fmt.Errorf("unexpected transaction payload")
	}

	tx := &ParsedTransaction{
		Signature: signature,
		Slot:      root.Get("slot").Uint(),
		Fee:       root.Get("meta.fee").Uint(),
	}
	if bt := root.Get("blockTime"); bt.Exists() && bt.Type == gjson.Number {
		v := bt.Int()
		tx.BlockTime = &v
	}
	if e := root.Get("meta.err"); e.Exists() && e.Type != gjson.Null {
		tx.Failed = true
	}
	if sig := root.Get("transaction.signatures.0"); sig.Exists() && tx.Signature == "" {
		tx.Signature = sig.String()
	}

	for _, k := range root.Get("transaction.message.accountKeys").Array() {
		if k.IsObject() {
			tx.AccountKeys = append(tx.AccountKeys, k.Get("pubkey").String())
		} else {
			tx.AccountKeys = append(tx.AccountKeys, k.String())
		}
	}
	for _, b := range root.Get("meta.postBalances").Array() {
		tx.PostBalances = append(tx.PostBalances, b.Uint())
	}

	for _, ix := range root.Get("transaction.message.instructions").Array() {
		tx.Instructions = append(tx.Instructions, parseInstruction(ix))
	}
	return tx, nil
}

func parseInstruction(ix gjson.Result) ParsedInstruction {
	out := ParsedInstruction{
		ProgramID:   ix.Get("programId").String(),
		Program:     ix.Get("program").String(),
		StackHeight: int(ix.Get("stackHeight").Int()),
	}
	parsed := ix.Get("parsed")
	switch {
	case parsed.IsObject():
		out.Parsed = true
		out.Type = parsed.Get("type").String()
		if info := parsed.Get("info"); info.Exists() {
			out.Info = json.RawMessage(info.Raw)
		}
	case parsed.Exists():
		// Some programs (memo) parse to a bare string.
		out.Parsed = true
		out.Type = parsed.String()
	default:
		for _, a := range ix.Get("accounts").Array() {
			out.Accounts = append(out.Accounts, a.String())
		}
		out.Data = ix.Get("data").String()
	}
	return out
}
