// Package cmd defines the CLI commands of the frontier executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/gh-frontier/internal/config"
	"github.com/JakeFAU/gh-frontier/internal/logging"
)

type rootOptions struct {
	cfgFile string
}

// load reads configuration and builds the process logger.
func (o *rootOptions) load() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "frontier",
		Short: "Continuously crawls GitHub profiles outward from seed users.",
		Long: `frontier keeps a persistent frontier of GitHub logins, refreshes the
stalest profile on every tick and pushes each user's followers one level
deeper. Repositories and keyword searches can be queued to discover new roots.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "path to a YAML config file (env FRONTIER_* overrides)")

	cmd.AddCommand(
		newRunCmd(opts),
		newEnqueueQueryCmd(opts),
		newEnqueueRepoCmd(opts),
		newSeedCmd(opts),
	)
	return cmd
}

// Execute runs the root command until it finishes or the process is signaled.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
