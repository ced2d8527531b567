package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/tether/internal/daemon"
)

func newDaemonCmd(global *globalOptions) *cobra.Command {
	var (
		metricsAddr string
		interval    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the connection daemon",
		Long: `Run tether in daemon mode.

The daemon polls the server store, keeps one connection to the preferred
eligible server and exports its state.

Features:
- Prometheus metrics on /metrics
- Health checks on /health, /-/healthy, /-/ready
- Connection journal with retention cleanup
- Graceful shutdown on SIGTERM/SIGINT`,
		Example: `  tether daemon                          # Run with defaults
  tether daemon --interval 2s            # Poll the store every 2 seconds
  tether daemon --metrics-addr :9000     # Custom metrics address
  tether daemon -c /etc/tether.toml      # Use a config file`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := global.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Metrics.Addr = metricsAddr
			}
			if cmd.Flags().Changed("interval") {
				cfg.Scheduler.Interval = interval
			}

			d, err := daemon.NewDaemon(cfg, daemon.WithLogger(log.Logger))
			if err != nil {
				return fmt.Errorf("failed to create daemon: %w", err)
			}
			defer func() { _ = d.Close() }()

			log.Info().
				Str("store", cfg.Store.Dir).
				Str("addr", d.Addr().String()).
				Dur("interval", cfg.Scheduler.Interval).
				Msg("tether daemon starting")

			if err := d.Start(context.Background()); err != nil {
				return fmt.Errorf("daemon error: %w", err)
			}
			log.Info().Msg("daemon stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9464", "Metrics and health HTTP address")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "Store poll interval")
	return cmd
}
