package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"rentreclaim/internal/config"
	"rentreclaim/internal/eligibility"
	"rentreclaim/internal/logging"
	"rentreclaim/internal/notify"
	"rentreclaim/internal/orchestrator"
	"rentreclaim/internal/reclaim"
	"rentreclaim/internal/scanner"
	"rentreclaim/internal/solana"
	"rentreclaim/internal/store"
	"rentreclaim/internal/treasury"
	"rentreclaim/internal/types"

	"go.uber.org/zap"
)

// ledger is everything the commands read from or submit to the chain.
type ledger interface {
	scanner.Chain
	reclaim.Chain
	treasury.Chain
}

// dialLedger connects to the configured RPC endpoint. Tests replace it.
var dialLedger = func(cfg *config.Config) (ledger, error) {
	return solana.NewClient(solana.Config{
		RPCURL:            cfg.RPC.URL,
		Timeout:           cfg.GetRPCTimeout(),
		RequestsPerSecond: cfg.RPC.RequestsPerSecond,
		Burst:             cfg.RPC.Burst,
		MaxRetries:        cfg.RPC.MaxRetries,
		Commitment:        cfg.RPC.Commitment,
	})
}

// app holds the components shared by the commands.
type app struct {
	cfg      *config.Config
	cfgPath  string
	store    *store.Store
	chain    ledger
	operator solana.PublicKey
	treasury solana.PublicKey
}

func resolveConfigPath() string {
	if configPath != "" {
		return config.ResolvePath(workspace, configPath)
	}
	return config.DefaultPath(workspace)
}

// loadConfig loads and validates the config and initializes file logging.
func loadConfig() (*config.Config, string, error) {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, fmt.Errorf("%w (run 'rentreclaim init' or edit %s)", err, path)
	}
	if err := logging.Initialize(workspace, logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		DebugMode:  cfg.Logging.DebugMode,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		logger.Warn("File logging disabled", zap.Error(err))
	} else if err := logging.InitAudit(); err != nil {
		logger.Warn("Audit log disabled", zap.Error(err))
	}
	return cfg, path, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	path := config.ResolvePath(workspace, cfg.Database.Path)
	s, err := store.Open(path, cfg.Database.Driver)
	if err != nil {
		return nil, err
	}
	logger.Debug("Store opened", zap.String("path", path), zap.String("driver", cfg.Database.Driver))
	return s, nil
}

// newApp loads config, opens the store and, when withChain is set, connects
// to the ledger.
func newApp(withChain bool) (*app, error) {
	cfg, path, err := loadConfig()
	if err != nil {
		return nil, err
	}
	operator, err := solana.ParsePublicKey(cfg.Operator.Pubkey)
	if err != nil {
		return nil, types.ConfigurationError("operator", err)
	}
	tr, err := solana.ParsePublicKey(cfg.Treasury.Pubkey)
	if err != nil {
		return nil, types.ConfigurationError("treasury", err)
	}

	s, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, cfgPath: path, store: s, operator: operator, treasury: tr}
	if withChain {
		a.chain, err = dialLedger(cfg)
		if err != nil {
			s.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		logger.Warn("Failed to close store", zap.Error(err))
	}
	logging.CloseAll()
}

// signer loads the operator keypair and checks it matches operator.pubkey.
func (a *app) signer() (*solana.Keypair, error) {
	if err := a.cfg.ValidateSigner(); err != nil {
		return nil, err
	}
	kp, err := solana.LoadKeypair(config.ResolvePath(workspace, a.cfg.Operator.KeypairPath))
	if err != nil {
		return nil, types.ConfigurationError("operator keypair", err)
	}
	if !kp.PublicKey().Equals(a.operator) {
		return nil, types.ConfigurationError("operator keypair",
			fmt.Errorf("keypair %s does not match operator.pubkey %s", kp.PublicKey(), a.operator))
	}
	return kp, nil
}

func (a *app) scanner(onDiscovered func(*types.SponsoredAccount)) *scanner.Scanner {
	return scanner.New(a.chain, a.store, scanner.Options{
		Operator:        a.operator,
		PageSize:        a.cfg.Scan.PageSize,
		MaxTransactions: a.cfg.Scan.MaxTransactions,
		OnDiscovered:    onDiscovered,
	})
}

func (a *app) evaluator() *eligibility.Evaluator {
	return eligibility.New(a.chain, a.operator)
}

func (a *app) executor(kp *solana.Keypair) (*reclaim.Executor, error) {
	return reclaim.New(a.chain, a.store, reclaim.Options{
		Signer:     kp,
		Treasury:   a.treasury,
		Commitment: a.cfg.RPC.Commitment,
	})
}

func (a *app) monitor() *treasury.Monitor {
	return treasury.NewMonitor(a.chain, a.store, a.evaluator(), a.treasury, a.cfg.GetAttributionWindow())
}

func (a *app) notifier() (notify.Notifier, error) {
	t := a.cfg.Notifications.Telegram
	if !t.Enabled {
		return notify.Nop{}, nil
	}
	return notify.NewTelegram(notify.TelegramConfig{
		BotToken:   t.BotToken,
		ChatIDs:    t.ChatIDs,
		APIBaseURL: t.APIBaseURL,
	})
}

// orchestrator wires a full cycle.
func (a *app) orchestrator(policy orchestrator.PolicyFunc, kp *solana.Keypair, onCycle func(*orchestrator.Summary)) (*orchestrator.Orchestrator, error) {
	exec, err := a.executor(kp)
	if err != nil {
		return nil, err
	}
	n, err := a.notifier()
	if err != nil {
		return nil, types.ConfigurationError("notifications", err)
	}
	opts := orchestrator.Options{
		Scanner:        a.scanner(nil),
		Evaluator:      a.evaluator(),
		Executor:       exec,
		Store:          a.store,
		Policy:         policy,
		Notifier:       n,
		AlertThreshold: solana.SOLToLamports(a.cfg.Notifications.Telegram.AlertThresholdSOL),
		OnCycle:        onCycle,
	}
	if a.cfg.Treasury.MonitorPassive {
		opts.Monitor = a.monitor()
	}
	return orchestrator.New(opts)
}

// commandContext bounds one-shot commands by --timeout.
func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// confirm asks a yes/no question on in. Anything but y/yes is a no.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	line, _ := bufio.NewReader(in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
