package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/tether/internal/config"
	"github.com/yairfalse/tether/internal/filter"
	"github.com/yairfalse/tether/internal/selection"
	"github.com/yairfalse/tether/pkg/resource"
	"github.com/yairfalse/tether/policy"
	"github.com/yairfalse/tether/storage"
)

func newServersCmd(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Manage assigned servers",
	}
	cmd.AddCommand(
		newServersAssignCmd(global),
		newServersRemoveCmd(global),
		newServersListCmd(global),
	)
	return cmd
}

// withStore loads the config and runs fn with the opened store. The store
// locks its file only per operation, so this works while a daemon runs.
func withStore(global *globalOptions, fn func(*config.Config, *storage.Store) error) error {
	cfg, err := global.load()
	if err != nil {
		return err
	}
	store, err := storage.Open(cfg.Store.Dir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()
	return fn(cfg, store)
}

func newServersAssignCmd(global *globalOptions) *cobra.Command {
	var r resource.Resource

	cmd := &cobra.Command{
		Use:   "assign KEY ENDPOINT",
		Short: "Assign a server to this client",
		Example: `  tether servers assign m-1 https://m-1.example.com --token abc --variant gpu
  tether servers assign m-2 https://m-2.example.com --labels team=ml,tier=spot`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r.Key, r.Endpoint = args[0], args[1]
			if r.AssignedAt.IsZero() {
				r.AssignedAt = time.Now().UTC()
			}
			return withStore(global, func(_ *config.Config, store *storage.Store) error {
				rev, err := store.Assign(r)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "assigned %s (revision %d)\n", r.Key, rev)
				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&r.Label, "label", "", "Human-readable name")
	flags.StringVar(&r.Token, "token", "", "Jupyter API token")
	flags.StringVar(&r.Variant, "variant", "default", "Server variant: default, gpu, tpu")
	flags.StringVar(&r.Accelerator, "accelerator", "", "Accelerator type, e.g. T4")
	flags.StringToStringVar(&r.Labels, "labels", nil, "Labels used by filters (key=value,...)")
	return cmd
}

func newServersRemoveCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove KEY",
		Short: "Remove an assigned server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(global, func(_ *config.Config, store *storage.Store) error {
				rev, err := store.Remove(args[0])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %s (revision %d)\n", args[0], rev)
				return nil
			})
		},
	}
}

func newServersListCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List assigned servers and their eligibility",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(global, func(cfg *config.Config, store *storage.Store) error {
				ctx := cmd.Context()
				if ctx == nil {
					ctx = context.Background()
				}
				engine := policy.NewEngine()
				if cfg.Selection.PolicyDir != "" {
					if err := engine.LoadDir(ctx, cfg.Selection.PolicyDir); err != nil {
						return fmt.Errorf("load policies: %w", err)
					}
				}
				provider := selection.New(store,
					selection.WithFilter(filter.New(cfg.Selection.ExcludeVariants, cfg.Selection.IncludeLabels, cfg.Selection.ExcludeLabels)),
					selection.WithEvaluator(engine),
				)
				candidates, err := provider.Candidates(ctx)
				if err != nil {
					return err
				}
				printCandidates(cmd.OutOrStdout(), candidates)
				return nil
			})
		},
	}
}

func printCandidates(out io.Writer, candidates []selection.Candidate) {
	if len(candidates) == 0 {
		_, _ = fmt.Fprintln(out, "no servers assigned")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KEY\tLABEL\tVARIANT\tASSIGNED\tELIGIBLE\tPRIORITY\tREASON")
	for _, c := range candidates {
		eligible := "yes"
		reason := c.Decision.Reason
		switch {
		case c.Filtered:
			eligible, reason = "no", "filtered"
		case !c.Decision.Eligible:
			eligible = "no"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			c.Server.Key,
			c.Server.Label,
			c.Server.Variant,
			c.Server.AssignedAt.Format(time.RFC3339),
			eligible,
			c.Decision.Priority,
			reason,
		)
	}
	_ = w.Flush()
}
