package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"rentreclaim/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testOperator = "Vote111111111111111111111111111111111111111"
	testTreasury = "Stake11111111111111111111111111111111111111"
	testListed   = "SysvarRent111111111111111111111111111111111"
)

func clearEnv(t *testing.T) {
	for _, key := range []string{
		"RENTRECLAIM_RPC_URL",
		"RENTRECLAIM_OPERATOR_PUBKEY",
		"RENTRECLAIM_OPERATOR_KEYPAIR",
		"RENTRECLAIM_TREASURY_PUBKEY",
		"RENTRECLAIM_DB",
		"RENTRECLAIM_TELEGRAM_TOKEN",
		"RENTRECLAIM_DRY_RUN",
	} {
		// Setenv registers the restore; Unsetenv leaves the key absent so
		// godotenv is free to fill it.
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Operator.Pubkey = testOperator
	cfg.Treasury.Pubkey = testTreasury
	return cfg
}

// =============================================================================
// UNIFIED CONFIG TESTS
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Reclaim.BatchSize != 10 {
		t.Errorf("expected BatchSize=10, got %d", cfg.Reclaim.BatchSize)
	}
	if cfg.Scan.PageSize != 1000 {
		t.Errorf("expected PageSize=1000, got %d", cfg.Scan.PageSize)
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("expected Driver=sqlite3, got %s", cfg.Database.Driver)
	}
	if cfg.Reclaim.DryRun {
		t.Error("expected dry run off by default")
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	clearEnv(t)

	tmpDir := t.TempDir()
	path := DefaultPath(tmpDir)

	cfg := validConfig()
	cfg.Reclaim.Whitelist = []string{testListed}
	cfg.Reclaim.BatchSize = 4

	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, testOperator, loaded.Operator.Pubkey)
	assert.Equal(t, testTreasury, loaded.Treasury.Pubkey)
	assert.Equal(t, 4, loaded.Reclaim.BatchSize)
	assert.Equal(t, []string{testListed}, loaded.Reclaim.Whitelist)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), WorkspaceDir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().RPC.URL, cfg.RPC.URL)
}

func TestLoad_InvalidYAML(t *testing.T) {
	clearEnv(t)

	path := DefaultPath(t.TempDir())
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("rpc: [unclosed"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindConfiguration))
}

func TestConfig_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("RENTRECLAIM_RPC_URL", "http://localhost:8899")
	t.Setenv("RENTRECLAIM_OPERATOR_PUBKEY", testOperator)
	t.Setenv("RENTRECLAIM_DRY_RUN", "true")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "http://localhost:8899", cfg.RPC.URL)
	assert.Equal(t, testOperator, cfg.Operator.Pubkey)
	assert.True(t, cfg.Reclaim.DryRun)
}

func TestLoad_DotEnvFile(t *testing.T) {
	clearEnv(t)
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, ".env"), []byte("RENTRECLAIM_TREASURY_PUBKEY="+testTreasury+"\n"), 0644))

	cfg, err := Load(DefaultPath(ws))
	require.NoError(t, err)
	assert.Equal(t, testTreasury, cfg.Treasury.Pubkey)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing operator", func(c *Config) { c.Operator.Pubkey = "" }, true},
		{"bad operator encoding", func(c *Config) { c.Operator.Pubkey = "not-base58-0OIl" }, true},
		{"missing treasury", func(c *Config) { c.Treasury.Pubkey = "" }, true},
		{"bad rpc url", func(c *Config) { c.RPC.URL = "localhost" }, true},
		{"zero batch", func(c *Config) { c.Reclaim.BatchSize = 0 }, true},
		{"page too large", func(c *Config) { c.Scan.PageSize = 5000 }, true},
		{"bad duration", func(c *Config) { c.Reclaim.BatchDelay = "soon" }, true},
		{"bad whitelist entry", func(c *Config) { c.Reclaim.Whitelist = []string{"xyz"} }, true},
		{"unknown driver", func(c *Config) { c.Database.Driver = "postgres" }, true},
		{"telegram without chats", func(c *Config) {
			c.Notifications.Telegram.Enabled = true
			c.Notifications.Telegram.BotToken = "token"
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, types.IsKind(err, types.KindConfiguration))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateSigner(t *testing.T) {
	cfg := validConfig()
	assert.Error(t, cfg.ValidateSigner())
	cfg.Operator.KeypairPath = "id.json"
	assert.NoError(t, cfg.ValidateSigner())
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, filepath.Join("/ws", "a.db"), ResolvePath("/ws", "a.db"))
	assert.Equal(t, "/abs/a.db", ResolvePath("/ws", "/abs/a.db"))
	assert.Equal(t, "", ResolvePath("/ws", ""))
}

// =============================================================================
// POLICY TESTS
// =============================================================================

func TestConfig_Policy(t *testing.T) {
	cfg := validConfig()
	cfg.Reclaim.Whitelist = []string{testListed}
	cfg.Reclaim.Blacklist = []string{testOperator}
	cfg.Reclaim.MinInactive = "48h"
	cfg.Reclaim.BatchDelay = "500ms"

	p := cfg.Policy()
	assert.True(t, p.IsWhitelisted(testListed))
	assert.False(t, p.IsWhitelisted(testOperator))
	assert.True(t, p.IsBlacklisted(testOperator))
	assert.True(t, p.Listed(testListed))
	assert.Equal(t, 48*time.Hour, p.MinInactive)
	assert.Equal(t, 500*time.Millisecond, p.BatchDelay)
	assert.Equal(t, 10, p.BatchSize)
}

func TestPolicy_SnapshotIsolation(t *testing.T) {
	cfg := validConfig()
	cfg.Reclaim.Whitelist = []string{testListed}
	p := cfg.Policy()

	cfg.Reclaim.Whitelist[0] = testTreasury
	cfg.Reclaim.Whitelist = append(cfg.Reclaim.Whitelist, testOperator)

	assert.True(t, p.IsWhitelisted(testListed), "snapshot must not observe later edits")
	assert.False(t, p.IsWhitelisted(testOperator))
}

func TestNewPolicy_Defaults(t *testing.T) {
	p := NewPolicy(PolicyOptions{})
	assert.Equal(t, 10, p.BatchSize)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 60*time.Second, p.ConfirmTimeout)
	assert.True(t, p.WithDryRun(true).DryRun)
	assert.False(t, p.DryRun)
}
