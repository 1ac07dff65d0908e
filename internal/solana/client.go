package solana

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"rentreclaim/internal/logging"
	"rentreclaim/internal/metrics"
	"rentreclaim/internal/types"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// MaxSignaturesPage is the provider page limit for getSignaturesForAddress.
const MaxSignaturesPage = 1000

// Client is a rate-limited JSON-RPC client. All ledger traffic of a process
// goes through one Client so the limiter bounds total provider load.
type Client struct {
	rpcURL     string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      RetryConfig
	timeout    time.Duration
	commitment string
	nextID     atomic.Int64
}

// Config holds client configuration.
type Config struct {
	RPCURL            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
	Commitment        string
	HTTPClient        *http.Client
	Retry             *RetryConfig
}

// NewClient creates a new RPC client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, types.ConfigurationError("rpc client", errors.New("RPC URL required"))
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	retry := DefaultRetryConfig()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	if cfg.MaxRetries > 0 {
		retry.MaxAttempts = cfg.MaxRetries
	}

	commitment := cfg.Commitment
	if commitment == "" {
		commitment = "confirmed"
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		rpcURL:     cfg.RPCURL,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		retry:      retry,
		timeout:    timeout,
		commitment: commitment,
	}, nil
}

// Commitment returns the commitment level used for reads and confirmations.
func (c *Client) Commitment() string {
	return c.commitment
}

// =============================================================================
// Core RPC Methods
// =============================================================================

// Call makes a JSON-RPC call, waiting on the shared limiter and retrying
// transient failures with bounded exponential backoff.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	var result json.RawMessage
	err := Retry(ctx, c.retry, func(attempt int) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return types.RPCError(method, err, false)
		}
		start := time.Now()
		r, err := c.do(ctx, method, params)
		metrics.RecordRPC(method, err, time.Since(start))
		if err != nil {
			if types.IsRetryable(err) && attempt < c.retry.MaxAttempts {
				logging.RPCWarn("%s attempt %d/%d failed: %v", method, attempt, c.retry.MaxAttempts, err)
			}
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !types.IsKind(err, types.KindRPC) {
			return nil, types.RPCError(method, ctxErr, false)
		}
		return nil, err
	}
	return result, nil
}

func (c *Client) do(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		ID:      int(c.nextID.Add(1)),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, types.RPCError(method, fmt.Errorf("marshal request: %w", err), false)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, types.RPCError(method, fmt.Errorf("create request: %w", err), false)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// A parent cancellation is final; a per-request timeout is not.
		return nil, types.RPCError(method, fmt.Errorf("execute request: %w", err), ctx.Err() == nil)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.RPCError(method, fmt.Errorf("read response: %w", err), true)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, types.RPCError(method, fmt.Errorf("provider returned %s", resp.Status), true)
	case resp.StatusCode != http.StatusOK:
		return nil, types.RPCError(method, fmt.Errorf("provider returned %s: %s", resp.Status, truncate(respBody, 200)), false)
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, types.RPCError(method, fmt.Errorf("unmarshal response: %w", err), false)
	}

	if rpcResp.Error != nil {
		return nil, types.RPCError(method, rpcResp.Error, rpcResp.Error.retryable())
	}

	return rpcResp.Result, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// =============================================================================
// Ledger Reads
// =============================================================================

// GetSignaturesForAddress returns one page of signatures, newest first.
func (c *Client) GetSignaturesForAddress(ctx context.Context, address PublicKey, opts SignaturesOptions) ([]SignatureInfo, error) {
	limit := opts.Limit
	if limit <= 0 || limit > MaxSignaturesPage {
		limit = MaxSignaturesPage
	}
	cfg := map[string]interface{}{
		"limit":      limit,
		"commitment": c.commitment,
	}
	if opts.Before != "" {
		cfg["before"] = opts.Before
	}
	if opts.Until != "" {
		cfg["until"] = opts.Until
	}

	result, err := c.Call(ctx, "getSignaturesForAddress", []interface{}{address.String(), cfg})
	if err != nil {
		return nil, err
	}

	var sigs []SignatureInfo
	if err := json.Unmarshal(result, &sigs); err != nil {
		return nil, types.ParseError("getSignaturesForAddress", err)
	}
	return sigs, nil
}

// GetTransaction returns a jsonParsed transaction, or nil if the provider
// does not have it.
func (c *Client) GetTransaction(ctx context.Context, signature string) (*ParsedTransaction, error) {
	result, err := c.Call(ctx, "getTransaction", []interface{}{
		signature,
		map[string]interface{}{
			"encoding":                       "jsonParsed",
			"maxSupportedTransactionVersion": 0,
			"commitment":                     c.commitment,
		},
	})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}
	tx, err := parseTransaction(signature, result)
	if err != nil {
		return nil, types.ParseError("getTransaction", err)
	}
	return tx, nil
}

// GetAccountInfo returns the account, or nil if it does not exist.
func (c *Client) GetAccountInfo(ctx context.Context, pubkey PublicKey) (*AccountInfo, error) {
	result, err := c.Call(ctx, "getAccountInfo", []interface{}{
		pubkey.String(),
		map[string]interface{}{
			"encoding":   "base64",
			"commitment": c.commitment,
		},
	})
	if err != nil {
		return nil, err
	}

	value := gjson.GetBytes(result, "value")
	if !value.Exists() || value.Type == gjson.Null {
		return nil, nil
	}

	owner, err := ParsePublicKey(value.Get("owner").String())
	if err != nil {
		return nil, types.ParseError("getAccountInfo", fmt.Errorf("owner: %w", err))
	}
	data, err := base64.StdEncoding.DecodeString(value.Get("data.0").String())
	if err != nil {
		return nil, types.ParseError("getAccountInfo", fmt.Errorf("data: %w", err))
	}

	info := &AccountInfo{
		Lamports:   value.Get("lamports").Uint(),
		Owner:      owner,
		Data:       data,
		Executable: value.Get("executable").Bool(),
		Space:      value.Get("space").Uint(),
	}
	if info.Space == 0 {
		info.Space = uint64(len(data))
	}
	return info, nil
}

// GetBalance returns an account balance in lamports.
func (c *Client) GetBalance(ctx context.Context, pubkey PublicKey) (uint64, error) {
	result, err := c.Call(ctx, "getBalance", []interface{}{
		pubkey.String(),
		map[string]interface{}{"commitment": c.commitment},
	})
	if err != nil {
		return 0, err
	}
	return gjson.GetBytes(result, "value").Uint(), nil
}

// GetMinimumBalanceForRentExemption returns the rent-exempt minimum for size bytes.
func (c *Client) GetMinimumBalanceForRentExemption(ctx context.Context, size uint64) (uint64, error) {
	result, err := c.Call(ctx, "getMinimumBalanceForRentExemption", []interface{}{size})
	if err != nil {
		return 0, err
	}
	var lamports uint64
	if err := json.Unmarshal(result, &lamports); err != nil {
		return 0, types.ParseError("getMinimumBalanceForRentExemption", err)
	}
	return lamports, nil
}

// GetLatestBlockhash returns a recent blockhash for transaction building.
func (c *Client) GetLatestBlockhash(ctx context.Context) (*Blockhash, error) {
	result, err := c.Call(ctx, "getLatestBlockhash", []interface{}{
		map[string]interface{}{"commitment": c.commitment},
	})
	if err != nil {
		return nil, err
	}
	hash, err := ParsePublicKey(gjson.GetBytes(result, "value.blockhash").String())
	if err != nil {
		return nil, types.ParseError("getLatestBlockhash", err)
	}
	return &Blockhash{
		Hash:                 hash,
		LastValidBlockHeight: gjson.GetBytes(result, "value.lastValidBlockHeight").Uint(),
	}, nil
}

// GetSignatureStatuses returns one status per signature; nil entries are unknown.
func (c *Client) GetSignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error) {
	result, err := c.Call(ctx, "getSignatureStatuses", []interface{}{
		signatures,
		map[string]interface{}{"searchTransactionHistory": true},
	})
	if err != nil {
		return nil, err
	}
	var out []*SignatureStatus
	if err := json.Unmarshal([]byte(gjson.GetBytes(result, "value").Raw), &out); err != nil {
		return nil, types.ParseError("getSignatureStatuses", err)
	}
	return out, nil
}

// =============================================================================
// Transaction Submission
// =============================================================================

// SimulateTransaction runs a signed transaction without broadcasting it.
func (c *Client) SimulateTransaction(ctx context.Context, tx *Transaction) (*SimulationResult, error) {
	encoded, err := tx.Base64()
	if err != nil {
		return nil, types.ParseError("simulateTransaction", err)
	}
	result, err := c.Call(ctx, "simulateTransaction", []interface{}{
		encoded,
		map[string]interface{}{
			"encoding":   "base64",
			"sigVerify":  true,
			"commitment": c.commitment,
		},
	})
	if err != nil {
		return nil, err
	}
	var sim SimulationResult
	if err := json.Unmarshal([]byte(gjson.GetBytes(result, "value").Raw), &sim); err != nil {
		return nil, types.ParseError("simulateTransaction", err)
	}
	return &sim, nil
}

// SendTransaction broadcasts a signed transaction with preflight checks and
// returns its signature.
func (c *Client) SendTransaction(ctx context.Context, tx *Transaction) (string, error) {
	encoded, err := tx.Base64()
	if err != nil {
		return "", types.ParseError("sendTransaction", err)
	}
	result, err := c.Call(ctx, "sendTransaction", []interface{}{
		encoded,
		map[string]interface{}{
			"encoding":            "base64",
			"skipPreflight":       false,
			"preflightCommitment": c.commitment,
		},
	})
	if err != nil {
		return "", err
	}
	var sig string
	if err := json.Unmarshal(result, &sig); err != nil {
		return "", types.ParseError("sendTransaction", err)
	}
	return sig, nil
}
