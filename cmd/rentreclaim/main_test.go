package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"rentreclaim/internal/config"
	"rentreclaim/internal/solana"
	"rentreclaim/internal/solana/solanatest"
	"rentreclaim/internal/store"
	"rentreclaim/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rent = solana.TokenAccountRentLamports

type cliEnv struct {
	dir      string
	ledger   *solanatest.Ledger
	operator *solana.Keypair
	treasury solana.PublicKey
	accounts []solana.PublicKey
}

// newCLIEnv writes a workspace config for a generated operator and points
// every command at an in-memory ledger.
func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	for _, k := range []string{
		"RENTRECLAIM_RPC_URL", "RENTRECLAIM_OPERATOR_PUBKEY", "RENTRECLAIM_OPERATOR_KEYPAIR",
		"RENTRECLAIM_TREASURY_PUBKEY", "RENTRECLAIM_DB", "RENTRECLAIM_TELEGRAM_TOKEN", "RENTRECLAIM_DRY_RUN",
	} {
		t.Setenv(k, "")
	}

	dir := t.TempDir()
	operator, err := solana.NewKeypair()
	require.NoError(t, err)
	tr, err := solana.NewKeypair()
	require.NoError(t, err)
	require.NoError(t, operator.Save(filepath.Join(dir, "operator.json")))

	cfg := config.DefaultConfig()
	cfg.Operator.Pubkey = operator.PublicKey().String()
	cfg.Operator.KeypairPath = "operator.json"
	cfg.Treasury.Pubkey = tr.PublicKey().String()
	cfg.Reclaim.MinInactive = "30m"
	cfg.Reclaim.BatchDelay = "1ms"
	cfg.Reclaim.ConfirmTimeout = "2s"
	require.NoError(t, cfg.Save(config.DefaultPath(dir)))

	l := solanatest.NewLedger()
	l.SetBalance(operator.PublicKey(), 5*solana.LamportsPerSOL)
	l.SetBalance(tr.PublicKey(), solana.LamportsPerSOL)

	orig := dialLedger
	dialLedger = func(*config.Config) (ledger, error) { return l, nil }
	t.Cleanup(func() { dialLedger = orig })

	return &cliEnv{dir: dir, ledger: l, operator: operator, treasury: tr.PublicKey()}
}

func (e *cliEnv) fund(t *testing.T, n int) {
	t.Helper()
	mint, err := solana.NewKeypair()
	require.NoError(t, err)
	op := e.operator.PublicKey()
	for i := 0; i < n; i++ {
		kp, err := solana.NewKeypair()
		require.NoError(t, err)
		ata := kp.PublicKey()
		e.ledger.AddTransaction(op, solanatest.Tx(op, map[solana.PublicKey]uint64{ata: rent},
			solanatest.CreateATA(op, ata, op, mint.PublicKey())))
		e.ledger.SetTokenAccount(ata, solana.TokenProgramID, solana.TokenAccountState{
			Mint: mint.PublicKey(), Owner: op, State: solana.TokenStateInitialized,
		}, rent)
		e.accounts = append(e.accounts, ata)
	}
}

// run executes the CLI with stdin input and returns combined output.
func (e *cliEnv) run(t *testing.T, input string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(append([]string{"-w", e.dir}, args...))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(input))
	err := cmd.Execute()
	return out.String(), err
}

func (e *cliEnv) openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(e.dir, config.WorkspaceDir, "reclaim.db"), store.DriverCGO)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInit_GeneratesKeypairAndConfig(t *testing.T) {
	t.Setenv("RENTRECLAIM_OPERATOR_PUBKEY", "")
	dir := t.TempDir()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs([]string{"-w", dir, "init", "--generate-keypair"})
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())

	cfg, err := config.Load(config.DefaultPath(dir))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, cfg.Operator.Pubkey, cfg.Treasury.Pubkey)

	kp, err := solana.LoadKeypair(config.ResolvePath(dir, cfg.Operator.KeypairPath))
	require.NoError(t, err)
	assert.Equal(t, cfg.Operator.Pubkey, kp.PublicKey().String())
	assert.Contains(t, out.String(), "Next: rentreclaim scan")

	// A second init refuses to overwrite.
	cmd = newRootCmd()
	cmd.SetArgs([]string{"-w", dir, "init", "--generate-keypair"})
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err = cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestInit_RequiresOperator(t *testing.T) {
	t.Setenv("RENTRECLAIM_OPERATOR_PUBKEY", "")
	cmd := newRootCmd()
	cmd.SetArgs([]string{"-w", t.TempDir(), "init"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	require.Error(t, cmd.Execute())
}

func TestScan_DiscoversAndEvaluates(t *testing.T) {
	e := newCLIEnv(t)
	e.fund(t, 3)

	out, err := e.run(t, "", "scan", "--verbose")
	require.NoError(t, err)
	assert.Contains(t, out, "Discovered: 3")
	assert.Contains(t, out, "3 eligible account(s)")
	for _, pk := range e.accounts {
		assert.Contains(t, out, "+ "+pk.String())
	}

	out, err = e.run(t, "", "scan")
	require.NoError(t, err)
	assert.Contains(t, out, "No new activity since the last checkpoint")
}

func TestList_FiltersAndJSON(t *testing.T) {
	e := newCLIEnv(t)
	e.fund(t, 2)
	_, err := e.run(t, "", "scan")
	require.NoError(t, err)

	out, err := e.run(t, "", "list", "--status", "eligible", "--format", "json")
	require.NoError(t, err)
	var rows []accountJSON
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "token", rows[0].Type)
	assert.Equal(t, rent, rows[0].RentLamports)

	out, err = e.run(t, "", "list", "--status", "reclaimed")
	require.NoError(t, err)
	assert.Contains(t, out, "(none)")

	_, err = e.run(t, "", "list", "--status", "bogus")
	require.Error(t, err)
}

func TestReclaim_ConfirmsBeforeClosing(t *testing.T) {
	e := newCLIEnv(t)
	e.fund(t, 1)
	_, err := e.run(t, "", "scan")
	require.NoError(t, err)
	pk := e.accounts[0].String()

	out, err := e.run(t, "n\n", "reclaim", pk)
	require.NoError(t, err)
	assert.Contains(t, out, "Cancelled")
	assert.NotNil(t, e.ledger.Account(e.accounts[0]))

	out, err = e.run(t, "", "reclaim", pk, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "would recover 0.002039280 SOL")
	assert.NotNil(t, e.ledger.Account(e.accounts[0]))

	before := e.ledger.Account(e.treasury).Lamports
	out, err = e.run(t, "y\n", "reclaim", pk)
	require.NoError(t, err)
	assert.Contains(t, out, "Reclaimed 0.002039280 SOL")
	assert.Nil(t, e.ledger.Account(e.accounts[0]))
	assert.Equal(t, before+rent, e.ledger.Account(e.treasury).Lamports)

	acc, err := e.openStore(t).GetAccount(context.Background(), pk)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReclaimed, acc.Status)

	out, err = e.run(t, "", "reclaim", pk, "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "already reclaimed")

	out, err = e.run(t, "", "history", "--format", "json")
	require.NoError(t, err)
	var ops []operationJSON
	require.NoError(t, json.Unmarshal([]byte(out), &ops))
	require.Len(t, ops, 2)
	assert.Equal(t, "success", ops[0].Outcome)
	assert.Equal(t, "simulated", ops[1].Outcome)
	assert.Equal(t, rent, ops[1].Lamports)

	out, err = e.run(t, "", "history", "--outcome", "success")
	require.NoError(t, err)
	assert.Contains(t, out, "Operations (1)")
}

func TestReclaim_NotEligible(t *testing.T) {
	e := newCLIEnv(t)
	e.fund(t, 1)
	_, err := e.run(t, "", "scan")
	require.NoError(t, err)

	info := e.ledger.Account(e.accounts[0])
	state, err := solana.DecodeTokenAccount(info.Data)
	require.NoError(t, err)
	state.Amount = 42
	e.ledger.SetTokenAccount(e.accounts[0], info.Owner, *state, info.Lamports)

	out, err := e.run(t, "", "reclaim", e.accounts[0].String(), "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "not eligible: ineligible(non-zero balance)")
	assert.Empty(t, e.ledger.Sent())
}

func TestReclaim_UntrackedAccount(t *testing.T) {
	e := newCLIEnv(t)
	kp, err := solana.NewKeypair()
	require.NoError(t, err)
	_, err = e.run(t, "", "reclaim", kp.PublicKey().String(), "--yes")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not tracked")
}

func TestAuto_OnceReclaimsEverything(t *testing.T) {
	e := newCLIEnv(t)
	e.fund(t, 3)
	before := e.ledger.Account(e.treasury).Lamports

	out, err := e.run(t, "", "auto", "--once")
	require.NoError(t, err)
	assert.Contains(t, out, "reclaimed=3")
	assert.Equal(t, before+3*rent, e.ledger.Account(e.treasury).Lamports)

	out, err = e.run(t, "", "stats", "--format", "json")
	require.NoError(t, err)
	var st store.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 3, st.ByStatus[types.StatusReclaimed])
	assert.Equal(t, 3*rent, st.ReclaimedLamports)
}

func TestDailySummary_TotalsAndSends(t *testing.T) {
	e := newCLIEnv(t)
	e.fund(t, 2)
	_, err := e.run(t, "", "auto", "--once")
	require.NoError(t, err)

	out, err := e.run(t, "", "daily-summary")
	require.NoError(t, err)
	assert.Contains(t, out, ": 2 (")
	assert.Contains(t, out, "Notifications disabled")

	texts := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		texts <- r.FormValue("text")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`))
	}))
	t.Cleanup(srv.Close)

	path := config.DefaultPath(e.dir)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	cfg.Notifications.Telegram.Enabled = true
	cfg.Notifications.Telegram.BotToken = "1:x"
	cfg.Notifications.Telegram.ChatIDs = []int64{42}
	cfg.Notifications.Telegram.APIBaseURL = srv.URL
	require.NoError(t, cfg.Save(path))

	out, err = e.run(t, "", "daily-summary")
	require.NoError(t, err)
	assert.Contains(t, out, "Summary sent")
	require.Len(t, texts, 1)
	msg := <-texts
	assert.Contains(t, msg, "*Daily summary*")
	assert.Contains(t, msg, "Reclaims: 2")
	assert.Contains(t, msg, solana.FormatSOL(2*rent))

	// Nothing in a window that ends before the reclaims.
	out, err = e.run(t, "", "daily-summary", "--window", "1ns")
	require.NoError(t, err)
	assert.Contains(t, out, ": 0 (")
}

func TestAuto_FlagValidation(t *testing.T) {
	e := newCLIEnv(t)
	_, err := e.run(t, "", "auto", "--interval", "10", "--schedule", "@hourly")
	require.Error(t, err)

	_, err = e.run(t, "", "auto", "--schedule", "not a cron")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindConfiguration))
}

func TestStats_Formats(t *testing.T) {
	e := newCLIEnv(t)
	e.fund(t, 1)
	_, err := e.run(t, "", "scan")
	require.NoError(t, err)

	out, err := e.run(t, "", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Accounts by status")
	assert.Contains(t, out, "Last signature")

	out, err = e.run(t, "", "stats", "--format", "markdown")
	require.NoError(t, err)
	assert.Contains(t, out, "Rent reclaim statistics")

	_, err = e.run(t, "", "stats", "--format", "xml")
	require.Error(t, err)
}

func TestCheckpointsAndReset(t *testing.T) {
	e := newCLIEnv(t)
	out, err := e.run(t, "", "checkpoints")
	require.NoError(t, err)
	assert.Contains(t, out, "No scan recorded yet")

	e.fund(t, 1)
	_, err = e.run(t, "", "scan")
	require.NoError(t, err)
	out, err = e.run(t, "", "checkpoints")
	require.NoError(t, err)
	assert.Contains(t, out, "Last signature:")

	out, err = e.run(t, "no\n", "reset")
	require.NoError(t, err)
	assert.Contains(t, out, "Cancelled")

	out, err = e.run(t, "", "reset", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Checkpoint cleared")

	cp, err := e.openStore(t).GetCheckpoint(context.Background())
	require.NoError(t, err)
	assert.True(t, cp.IsEmpty())
}

func TestTreasury_FirstSnapshot(t *testing.T) {
	e := newCLIEnv(t)
	out, err := e.run(t, "", "treasury")
	require.NoError(t, err)
	assert.Contains(t, out, "First snapshot recorded")

	out, err = e.run(t, "", "treasury")
	require.NoError(t, err)
	assert.Contains(t, out, "Change since")
}

func TestMissingConfigIsConfigurationError(t *testing.T) {
	t.Setenv("RENTRECLAIM_OPERATOR_PUBKEY", "")
	t.Setenv("RENTRECLAIM_TREASURY_PUBKEY", "")
	cmd := newRootCmd()
	cmd.SetArgs([]string{"-w", t.TempDir(), "stats"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindConfiguration))
}
