package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/gh-frontier/internal/app"
	"github.com/JakeFAU/gh-frontier/internal/crawler"
	"github.com/JakeFAU/gh-frontier/internal/dispatcher"
)

// withDispatcher opens the configured store for one command and hands a
// dispatcher without running services to fn.
func withDispatcher(ctx context.Context, opts *rootOptions, fn func(*dispatcher.Dispatcher) error) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := app.OpenStore(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(dispatcher.New(store, nil, cfg.Frontier.SeedDepth, logger.Named("dispatcher")))
}

func newEnqueueQueryCmd(opts *rootOptions) *cobra.Command {
	var (
		kind  string
		pages int
	)
	cmd := &cobra.Command{
		Use:   "enqueue-query QUERY",
		Short: "Queues a keyword search for the query expansion services",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDispatcher(cmd.Context(), opts, func(d *dispatcher.Dispatcher) error {
				saved, err := d.EnqueueQuery(cmd.Context(), crawler.QueryQueueEntry{
					Kind:  crawler.QueryKind(kind),
					Query: args[0],
					Pages: pages,
				})
				if err != nil {
					return err
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(saved)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "type", string(crawler.QueryKindRepos), "query kind: repos or users")
	cmd.Flags().IntVar(&pages, "pages", 1, "number of result pages to expand")
	return cmd
}

func newEnqueueRepoCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue-repo OWNER/NAME",
		Short: "Queues a repository whose stargazers become new roots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDispatcher(cmd.Context(), opts, func(d *dispatcher.Dispatcher) error {
				name, err := d.EnqueueRepo(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), name)
				return err
			})
		},
	}
}

func newSeedCmd(opts *rootOptions) *cobra.Command {
	var depth int
	cmd := &cobra.Command{
		Use:   "seed LOGIN",
		Short: "Adds a root login to the frontier with the highest priority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDispatcher(cmd.Context(), opts, func(d *dispatcher.Dispatcher) error {
				seed, err := d.Seed(cmd.Context(), args[0], depth)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s depth=%d\n", seed.Login, seed.Depth)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&depth, "depth", -1, "depth budget; negative uses frontier.seed_depth")
	return cmd
}
