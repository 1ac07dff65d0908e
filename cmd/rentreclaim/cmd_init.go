package main

import (
	"fmt"
	"os"
	"path/filepath"

	"rentreclaim/internal/config"
	"rentreclaim/internal/solana"
	"rentreclaim/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type initOptions struct {
	rpcURL      string
	operator    string
	keypairPath string
	treasury    string
	generate    bool
	force       bool
}

func newInitCmd() *cobra.Command {
	opts := &initOptions{}
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace config and database",
		Long: `Creates <workspace>/.reclaim/ with a config file and an empty account store.

The operator key is taken from --keypair (its public key is read from the file),
from --operator, or generated with --generate-keypair. The treasury defaults to
the operator address.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.rpcURL, "rpc-url", "", "Ledger RPC endpoint")
	cmd.Flags().StringVar(&opts.operator, "operator", "", "Operator (fee payer) public key")
	cmd.Flags().StringVar(&opts.keypairPath, "keypair", "", "Operator keypair file")
	cmd.Flags().StringVar(&opts.treasury, "treasury", "", "Treasury public key (default: operator)")
	cmd.Flags().BoolVar(&opts.generate, "generate-keypair", false, "Generate a new operator keypair in the workspace")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Overwrite an existing config")
	cmd.MarkFlagsMutuallyExclusive("keypair", "generate-keypair")
	return cmd
}

func runInit(cmd *cobra.Command, opts *initOptions) error {
	out := cmd.OutOrStdout()
	path := resolveConfigPath()

	cfg := config.DefaultConfig()
	if _, err := os.Stat(path); err == nil {
		if !opts.force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	if opts.rpcURL != "" {
		cfg.RPC.URL = opts.rpcURL
	}
	cfg.Operator.Pubkey = opts.operator

	switch {
	case opts.generate:
		kp, err := solana.NewKeypair()
		if err != nil {
			return err
		}
		rel := filepath.Join(config.WorkspaceDir, "operator.json")
		abs := config.ResolvePath(workspace, rel)
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return fmt.Errorf("failed to create workspace directory: %w", err)
		}
		if err := kp.Save(abs); err != nil {
			return fmt.Errorf("failed to save keypair: %w", err)
		}
		cfg.Operator.KeypairPath = rel
		cfg.Operator.Pubkey = kp.PublicKey().String()
		fmt.Fprintf(out, "Generated operator keypair %s\n", abs)
	case opts.keypairPath != "":
		kp, err := solana.LoadKeypair(config.ResolvePath(workspace, opts.keypairPath))
		if err != nil {
			return err
		}
		if opts.operator != "" && opts.operator != kp.PublicKey().String() {
			return fmt.Errorf("--operator %s does not match keypair %s", opts.operator, kp.PublicKey())
		}
		cfg.Operator.KeypairPath = opts.keypairPath
		cfg.Operator.Pubkey = kp.PublicKey().String()
	}
	if cfg.Operator.Pubkey == "" {
		return fmt.Errorf("an operator is required: pass --operator, --keypair, or --generate-keypair")
	}

	cfg.Treasury.Pubkey = opts.treasury
	if cfg.Treasury.Pubkey == "" {
		cfg.Treasury.Pubkey = cfg.Operator.Pubkey
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Save(path); err != nil {
		return err
	}
	logger.Info("Config written", zap.String("path", path))

	s, err := store.Open(config.ResolvePath(workspace, cfg.Database.Path), cfg.Database.Driver)
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Fprintf(out, "Config:   %s\n", path)
	fmt.Fprintf(out, "Database: %s\n", s.Path())
	fmt.Fprintf(out, "Operator: %s\n", cfg.Operator.Pubkey)
	fmt.Fprintf(out, "Treasury: %s\n", cfg.Treasury.Pubkey)
	fmt.Fprintln(out, "\nNext: rentreclaim scan")
	return nil
}
