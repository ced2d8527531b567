package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/tether/internal/config"
	"github.com/yairfalse/tether/internal/telemetry"
)

var version = "0.1.0"

// globalOptions are the flags shared by every command.
type globalOptions struct {
	configPath string
	dataDir    string
	logLevel   string
	console    bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "tether",
		Short: "Keep a notebook client bound to its assigned server",
		Long: `Tether - assigned server connection manager

Tether watches the servers assigned to this client, picks the preferred
one and keeps exactly one connection to it. When the assignment changes,
the session expires or a newer server appears, the old connection is torn
down before the new one is opened.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate(`Tether {{.Version}}
`)

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Config file (.toml, .yaml or .yml)")
	flags.StringVar(&opts.dataDir, "data-dir", "", "Directory holding the server store (overrides store.dir)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	flags.BoolVar(&opts.console, "console", false, "Human-readable log output")

	cmd.AddCommand(
		newDaemonCmd(opts),
		newServersCmd(opts),
		newSessionCmd(opts),
		newHistoryCmd(opts),
	)
	return cmd
}

// load reads the config file, applies flag overrides and sets up logging.
func (o *globalOptions) load() (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}
	if o.dataDir != "" {
		cfg.Store.Dir = o.dataDir
		if o.configPath == "" {
			cfg.Journal.Dir = filepath.Join(o.dataDir, "journal")
		}
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.console {
		cfg.Log.Console = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log.Logger = telemetry.NewLogger(cfg.OTEL.ServiceName, cfg.Log.Level, cfg.Log.Console)
	return cfg, nil
}

// Execute runs the root command
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
