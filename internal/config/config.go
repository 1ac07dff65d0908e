package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"rentreclaim/internal/solana"
	"rentreclaim/internal/types"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// WorkspaceDir is the per-workspace state directory.
const WorkspaceDir = ".reclaim"

// Config holds all rentreclaim configuration.
type Config struct {
	// Network label (mainnet, devnet, testnet, localnet)
	Network string `yaml:"network"`

	RPC           RPCConfig           `yaml:"rpc"`
	Operator      OperatorConfig      `yaml:"operator"`
	Treasury      TreasuryConfig      `yaml:"treasury"`
	Scan          ScanConfig          `yaml:"scan"`
	Reclaim       ReclaimConfig       `yaml:"reclaim"`
	Database      DatabaseConfig      `yaml:"database"`
	Logging       LoggingConfig       `yaml:"logging"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// RPCConfig configures the ledger RPC provider.
type RPCConfig struct {
	URL               string  `yaml:"url"`
	Timeout           string  `yaml:"timeout"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	MaxRetries        int     `yaml:"max_retries"`
	Commitment        string  `yaml:"commitment"` // processed, confirmed, finalized
}

// OperatorConfig identifies the fee payer whose sponsorships are scanned.
type OperatorConfig struct {
	Pubkey      string `yaml:"pubkey"`
	KeypairPath string `yaml:"keypair_path"`
}

// TreasuryConfig identifies where reclaimed rent goes.
type TreasuryConfig struct {
	Pubkey            string `yaml:"pubkey"`
	MonitorPassive    bool   `yaml:"monitor_passive"`
	AttributionWindow string `yaml:"attribution_window"`
}

// ScanConfig bounds one scanner invocation.
type ScanConfig struct {
	MaxTransactions int `yaml:"max_transactions"`
	PageSize        int `yaml:"page_size"`
}

// ReclaimConfig is the raw form of the per-cycle Policy.
type ReclaimConfig struct {
	BatchSize      int      `yaml:"batch_size"`
	BatchDelay     string   `yaml:"batch_delay"`
	MinInactive    string   `yaml:"min_inactive"`
	DryRun         bool     `yaml:"dry_run"`
	MaxAttempts    int      `yaml:"max_attempts"`
	ConfirmTimeout string   `yaml:"confirm_timeout"`
	Whitelist      []string `yaml:"whitelist"`
	Blacklist      []string `yaml:"blacklist"`
}

// DatabaseConfig configures the account store.
type DatabaseConfig struct {
	Path   string `yaml:"path"`
	Driver string `yaml:"driver"` // sqlite3 (cgo) or sqlite (pure Go)
}

// NotificationsConfig configures alerting.
type NotificationsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig configures the Telegram bot used for alerts.
type TelegramConfig struct {
	Enabled           bool    `yaml:"enabled"`
	BotToken          string  `yaml:"bot_token"`
	ChatIDs           []int64 `yaml:"chat_ids"`
	AlertThresholdSOL float64 `yaml:"alert_threshold_sol"`
	APIBaseURL        string  `yaml:"api_base_url"`
}

// MetricsConfig configures the status server.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Network: "devnet",

		RPC: RPCConfig{
			URL:               "https://api.devnet.solana.com",
			Timeout:           "30s",
			RequestsPerSecond: 5,
			Burst:             5,
			MaxRetries:        5,
			Commitment:        "confirmed",
		},

		Treasury: TreasuryConfig{
			MonitorPassive:    true,
			AttributionWindow: "24h",
		},

		Scan: ScanConfig{
			MaxTransactions: 5000,
			PageSize:        1000,
		},

		Reclaim: ReclaimConfig{
			BatchSize:      10,
			BatchDelay:     "2s",
			MinInactive:    "720h",
			DryRun:         false,
			MaxAttempts:    3,
			ConfirmTimeout: "60s",
		},

		Database: DatabaseConfig{
			Path:   filepath.Join(WorkspaceDir, "reclaim.db"),
			Driver: "sqlite3",
		},

		Logging: LoggingConfig{
			Level:     "info",
			Format:    "json",
			DebugMode: false,
		},

		Notifications: NotificationsConfig{
			Telegram: TelegramConfig{
				AlertThresholdSOL: 0.1,
				APIBaseURL:        "https://api.telegram.org",
			},
		},
	}
}

// DefaultPath returns the config file location inside a workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, WorkspaceDir, "config.yaml")
}

// Load loads configuration from a YAML file. A missing file yields defaults.
// A .env file next to the workspace directory is loaded before env overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, types.ConfigurationError("load config", fmt.Errorf("failed to read config: %w", err))
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, types.ConfigurationError("load config", fmt.Errorf("failed to parse config: %w", err))
		}
	}

	envFile := filepath.Join(filepath.Dir(filepath.Dir(path)), ".env")
	if _, statErr := os.Stat(envFile); statErr == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, types.ConfigurationError("load config", fmt.Errorf("failed to load %s: %w", envFile, err))
		}
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies RENTRECLAIM_* environment variables.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RENTRECLAIM_RPC_URL"); v != "" {
		c.RPC.URL = v
	}
	if v := os.Getenv("RENTRECLAIM_OPERATOR_PUBKEY"); v != "" {
		c.Operator.Pubkey = v
	}
	if v := os.Getenv("RENTRECLAIM_OPERATOR_KEYPAIR"); v != "" {
		c.Operator.KeypairPath = v
	}
	if v := os.Getenv("RENTRECLAIM_TREASURY_PUBKEY"); v != "" {
		c.Treasury.Pubkey = v
	}
	if v := os.Getenv("RENTRECLAIM_DB"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("RENTRECLAIM_TELEGRAM_TOKEN"); v != "" {
		c.Notifications.Telegram.BotToken = v
	}
	if v := os.Getenv("RENTRECLAIM_DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Reclaim.DryRun = b
		}
	}
}

// ResolvePath makes a relative path absolute against the workspace.
func ResolvePath(workspace, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return filepath.Join(workspace, p)
}

// =============================================================================
// DURATION HELPERS
// =============================================================================

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetRPCTimeout returns the per-request timeout.
func (c *Config) GetRPCTimeout() time.Duration {
	return parseDuration(c.RPC.Timeout, 30*time.Second)
}

// GetConfirmTimeout returns how long a submission may wait for confirmation.
func (c *Config) GetConfirmTimeout() time.Duration {
	return parseDuration(c.Reclaim.ConfirmTimeout, 60*time.Second)
}

// GetAttributionWindow returns the passive reclaim lookback window.
func (c *Config) GetAttributionWindow() time.Duration {
	return parseDuration(c.Treasury.AttributionWindow, 24*time.Hour)
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	if c.RPC.URL == "" {
		return types.ConfigurationError("validate", fmt.Errorf("rpc.url is required"))
	}
	if u, err := url.Parse(c.RPC.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return types.ConfigurationError("validate", fmt.Errorf("rpc.url %q is not a valid URL", c.RPC.URL))
	}
	if c.Operator.Pubkey == "" {
		return types.ConfigurationError("validate", fmt.Errorf("operator.pubkey is required"))
	}
	if _, err := solana.ParsePublicKey(c.Operator.Pubkey); err != nil {
		return types.ConfigurationError("validate", fmt.Errorf("invalid operator pubkey: %w", err))
	}
	if c.Treasury.Pubkey == "" {
		return types.ConfigurationError("validate", fmt.Errorf("treasury.pubkey is required"))
	}
	if _, err := solana.ParsePublicKey(c.Treasury.Pubkey); err != nil {
		return types.ConfigurationError("validate", fmt.Errorf("invalid treasury pubkey: %w", err))
	}
	for _, list := range [][]string{c.Reclaim.Whitelist, c.Reclaim.Blacklist} {
		for _, pk := range list {
			if _, err := solana.ParsePublicKey(pk); err != nil {
				return types.ConfigurationError("validate", fmt.Errorf("invalid policy entry %q: %w", pk, err))
			}
		}
	}
	if c.Reclaim.BatchSize <= 0 {
		return types.ConfigurationError("validate", fmt.Errorf("reclaim.batch_size must be positive, got %d", c.Reclaim.BatchSize))
	}
	if c.Scan.PageSize <= 0 || c.Scan.PageSize > 1000 {
		return types.ConfigurationError("validate", fmt.Errorf("scan.page_size must be between 1 and 1000, got %d", c.Scan.PageSize))
	}
	for name, value := range map[string]string{
		"rpc.timeout":                 c.RPC.Timeout,
		"reclaim.batch_delay":         c.Reclaim.BatchDelay,
		"reclaim.min_inactive":        c.Reclaim.MinInactive,
		"reclaim.confirm_timeout":     c.Reclaim.ConfirmTimeout,
		"treasury.attribution_window": c.Treasury.AttributionWindow,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return types.ConfigurationError("validate", fmt.Errorf("%s: %w", name, err))
		}
	}
	switch c.Database.Driver {
	case "", "sqlite3", "sqlite":
	default:
		return types.ConfigurationError("validate", fmt.Errorf("unsupported database.driver %q (valid: sqlite3, sqlite)", c.Database.Driver))
	}
	if t := c.Notifications.Telegram; t.Enabled && (t.BotToken == "" || len(t.ChatIDs) == 0) {
		return types.ConfigurationError("validate", fmt.Errorf("telegram notifications need bot_token and chat_ids"))
	}
	return nil
}

// ValidateSigner additionally checks that a keypair is configured, which
// only commands that submit transactions require.
func (c *Config) ValidateSigner() error {
	if c.Operator.KeypairPath == "" {
		return types.ConfigurationError("validate", fmt.Errorf("operator.keypair_path is required for reclaim"))
	}
	return nil
}
