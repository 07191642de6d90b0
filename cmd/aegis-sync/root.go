package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aegisshield/realtime-sync/internal/config"
	"github.com/aegisshield/realtime-sync/internal/logging"
	"github.com/aegisshield/realtime-sync/internal/metrics"
)

// app carries what every subcommand needs once the root has run
type app struct {
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "aegis-sync",
		Short: "AegisShield real-time sync relay, agent and audit tooling",
		Long: `aegis-sync runs the real-time synchronisation relay that keeps admin
dashboards, client portals and mobile apps consistent, the sync agent
that connects to it, and the tooling to verify tamper-evident audit
batches.`,
		Version:           fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildTime),
		PersistentPreRunE: a.setup,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to configuration file")

	root.AddCommand(
		newServeCmd(a),
		newAgentCmd(a),
		newAuditCmd(a),
		newTokenCmd(a),
	)
	return root
}

// setup loads and validates configuration and initializes the logger
func (a *app) setup(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(logging.Options{
		Environment: cfg.Environment,
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	a.cfg = cfg
	a.logger = logger.With(zap.String("version", Version))
	return nil
}

func (a *app) metrics() *metrics.Collector {
	if !a.cfg.Metrics.Enabled {
		return nil
	}
	return metrics.NewCollector(a.cfg.Metrics.Namespace)
}
