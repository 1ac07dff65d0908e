package solana

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"rentreclaim/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// rpcHandler answers JSON-RPC requests by method name.
type rpcHandler func(method string, params gjson.Result) (result interface{}, rpcErr *RPCError, status int)

func newTestServer(t *testing.T, h rpcHandler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		req := gjson.ParseBytes(body)
		result, rpcErr, status := h(req.Get("method").String(), req.Get("params"))
		if status != 0 && status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.Get("id").Int()}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func fastRetry() *RetryConfig {
	return &RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffMultiplier: 2}
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(Config{RPCURL: url, Timeout: 2 * time.Second, Retry: fastRetry()})
	require.NoError(t, err)
	return c
}

func TestNewClient_RequiresURL(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindConfiguration))
}

func TestClient_GetSignaturesForAddress(t *testing.T) {
	t.Parallel()

	var seen gjson.Result
	srv := newTestServer(t, func(method string, params gjson.Result) (interface{}, *RPCError, int) {
		assert.Equal(t, "getSignaturesForAddress", method)
		seen = params
		return []map[string]interface{}{
			{"signature": "sig2", "slot": 20, "err": nil, "blockTime": 1_700_000_020},
			{"signature": "sig1", "slot": 10, "err": map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}},
		}, nil, 0
	})

	c := newTestClient(t, srv.URL)
	sigs, err := c.GetSignaturesForAddress(context.Background(), TokenProgramID, SignaturesOptions{Limit: 5000, Before: "b", Until: "u"})
	require.NoError(t, err)

	assert.Equal(t, TokenProgramID.String(), seen.Get("0").String())
	assert.Equal(t, int64(MaxSignaturesPage), seen.Get("1.limit").Int())
	assert.Equal(t, "b", seen.Get("1.before").String())
	assert.Equal(t, "u", seen.Get("1.until").String())

	require.Len(t, sigs, 2)
	assert.False(t, sigs[0].Failed())
	assert.Equal(t, int64(1_700_000_020), sigs[0].Time().Unix())
	assert.True(t, sigs[1].Failed())
}

func TestClient_GetTransaction(t *testing.T) {
	t.Parallel()

	raw := `{
		"slot": 99,
		"blockTime": null,
		"meta": {"err": null, "fee": 5000, "postBalances": [1000, 2039280, 1]},
		"transaction": {
			"signatures": ["sigA"],
			"message": {
				"accountKeys": [
					{"pubkey": "Op1", "signer": true, "writable": true},
					{"pubkey": "Acct1", "signer": false, "writable": true},
					{"pubkey": "ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL", "signer": false, "writable": false}
				],
				"instructions": [
					{"program": "spl-associated-token-account", "programId": "ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL",
					 "parsed": {"type": "create", "info": {"account": "Acct1", "source": "Op1", "mint": "M1"}}, "stackHeight": null},
					{"programId": "Memo1", "accounts": ["Op1"], "data": "3Bxs"}
				]
			}
		}
	}`
	srv := newTestServer(t, func(method string, params gjson.Result) (interface{}, *RPCError, int) {
		if params.Get("0").String() == "missing" {
			return nil, nil, 0
		}
		assert.Equal(t, "jsonParsed", params.Get("1.encoding").String())
		assert.Equal(t, int64(0), params.Get("1.maxSupportedTransactionVersion").Int())
		return json.RawMessage(raw), nil, 0
	})
	c := newTestClient(t, srv.URL)

	tx, err := c.GetTransaction(context.Background(), "sigA")
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, uint64(99), tx.Slot)
	assert.Nil(t, tx.BlockTime)
	assert.False(t, tx.Failed)
	assert.Equal(t, "Op1", tx.FeePayer())
	bal, ok := tx.PostBalance("Acct1")
	assert.True(t, ok)
	assert.Equal(t, uint64(2039280), bal)
	assert.Equal(t, EstimateBlockTime(99), tx.Time())

	require.Len(t, tx.Instructions, 2)
	create := tx.Instructions[0]
	assert.True(t, create.Parsed)
	assert.Equal(t, "create", create.Type)
	assert.Equal(t, "Acct1", create.InfoString("account"))
	assert.True(t, create.HasInfo("mint"))
	assert.False(t, tx.Instructions[1].Parsed)
	assert.Equal(t, []string{"Op1"}, tx.Instructions[1].Accounts)

	missing, err := c.GetTransaction(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestClient_GetAccountInfo(t *testing.T) {
	t.Parallel()

	state := &TokenAccountState{Mint: testKey(1), Owner: testKey(2), State: TokenStateInitialized}
	data, err := EncodeTokenAccount(state)
	require.NoError(t, err)

	srv := newTestServer(t, func(method string, params gjson.Result) (interface{}, *RPCError, int) {
		if params.Get("0").String() == testKey(5).String() {
			return map[string]interface{}{"context": map[string]int{"slot": 1}, "value": nil}, nil, 0
		}
		return map[string]interface{}{
			"context": map[string]int{"slot": 1},
			"value": map[string]interface{}{
				"lamports":   2039280,
				"owner":      TokenProgramID.String(),
				"data":       []string{base64.StdEncoding.EncodeToString(data), "base64"},
				"executable": false,
				"space":      165,
			},
		}, nil, 0
	})
	c := newTestClient(t, srv.URL)

	info, err := c.GetAccountInfo(context.Background(), testKey(3))
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, uint64(2039280), info.Lamports)
	assert.Equal(t, TokenProgramID, info.Owner)
	assert.Equal(t, data, info.Data)
	assert.Equal(t, uint64(165), info.Space)

	gone, err := c.GetAccountInfo(context.Background(), testKey(5))
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestClient_SendAndConfirmMethods(t *testing.T) {
	t.Parallel()

	operator, err := NewKeypair()
	require.NoError(t, err)
	tx := closeTx(t, operator)
	require.NoError(t, tx.Sign(operator))

	srv := newTestServer(t, func(method string, params gjson.Result) (interface{}, *RPCError, int) {
		switch method {
		case "getLatestBlockhash":
			return map[string]interface{}{"value": map[string]interface{}{"blockhash": testKey(8).String(), "lastValidBlockHeight": 300}}, nil, 0
		case "simulateTransaction":
			decoded, err := DecodeTransactionBase64(params.Get("0").String())
			if assert.NoError(t, err) {
				assert.True(t, decoded.VerifySignatures())
			}
			return map[string]interface{}{"value": map[string]interface{}{"err": nil, "logs": []string{"ok"}, "unitsConsumed": 2900}}, nil, 0
		case "sendTransaction":
			return tx.Signature().String(), nil, 0
		case "getSignatureStatuses":
			return map[string]interface{}{"value": []interface{}{
				map[string]interface{}{"slot": 5, "confirmations": nil, "err": nil, "confirmationStatus": "finalized"},
				nil,
			}}, nil, 0
		case "getBalance":
			return map[string]interface{}{"value": 12345}, nil, 0
		case "getMinimumBalanceForRentExemption":
			return 2039280, nil, 0
		}
		return nil, &RPCError{Code: -32601, Message: "method not found"}, 0
	})
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	bh, err := c.GetLatestBlockhash(ctx)
	require.NoError(t, err)
	assert.Equal(t, testKey(8), bh.Hash)
	assert.Equal(t, uint64(300), bh.LastValidBlockHeight)

	sim, err := c.SimulateTransaction(ctx, tx)
	require.NoError(t, err)
	assert.False(t, sim.Failed())
	assert.Equal(t, uint64(2900), sim.UnitsConsumed)

	sig, err := c.SendTransaction(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, tx.Signature().String(), sig)

	statuses, err := c.GetSignatureStatuses(ctx, []string{sig, "unknown"})
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	require.NotNil(t, statuses[0])
	assert.True(t, statuses[0].Reached("confirmed"))
	assert.True(t, statuses[0].Reached("finalized"))
	assert.Nil(t, statuses[1])

	bal, err := c.GetBalance(ctx, testKey(4))
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), bal)

	rent, err := c.GetMinimumBalanceForRentExemption(ctx, TokenAccountSize)
	require.NoError(t, err)
	assert.Equal(t, TokenAccountRentLamports, rent)
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := newTestServer(t, func(method string, params gjson.Result) (interface{}, *RPCError, int) {
		if calls.Add(1) < 3 {
			return nil, nil, http.StatusTooManyRequests
		}
		return map[string]interface{}{"value": 7}, nil, 0
	})
	c := newTestClient(t, srv.URL)

	bal, err := c.GetBalance(context.Background(), testKey(4))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), bal)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := newTestServer(t, func(method string, params gjson.Result) (interface{}, *RPCError, int) {
		calls.Add(1)
		return nil, &RPCError{Code: -32005, Message: "node is unhealthy"}, 0
	})
	c := newTestClient(t, srv.URL)

	_, err := c.GetBalance(context.Background(), testKey(4))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindRPC))
	assert.True(t, types.IsRetryable(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := newTestServer(t, func(method string, params gjson.Result) (interface{}, *RPCError, int) {
		calls.Add(1)
		return nil, &RPCError{Code: -32602, Message: "invalid params"}, 0
	})
	c := newTestClient(t, srv.URL)

	_, err := c.GetBalance(context.Background(), testKey(4))
	require.Error(t, err)
	assert.False(t, types.IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, err.Error(), "invalid params")
}

func TestClient_HonorsCancellation(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(method string, params gjson.Result) (interface{}, *RPCError, int) {
		return nil, nil, http.StatusServiceUnavailable
	})
	c, err := NewClient(Config{RPCURL: srv.URL, Retry: &RetryConfig{MaxAttempts: 10, InitialBackoff: time.Second, BackoffMultiplier: 1}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = c.GetBalance(ctx, testKey(4))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestRetryConfig_Delay(t *testing.T) {
	t.Parallel()

	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, BackoffMultiplier: 2}
	assert.Equal(t, 100*time.Millisecond, cfg.Delay(1))
	assert.Equal(t, 200*time.Millisecond, cfg.Delay(2))
	assert.Equal(t, 300*time.Millisecond, cfg.Delay(3))
	assert.Equal(t, 300*time.Millisecond, cfg.Delay(10))

	cfg.Jitter = 0.5
	for i := 0; i < 20; i++ {
		d := cfg.Delay(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}
