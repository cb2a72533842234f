package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/BartekS5/possync/internal/config"
	"github.com/BartekS5/possync/internal/connector"
	"github.com/BartekS5/possync/internal/metrics"
	"github.com/BartekS5/possync/pkg/logger"
)

// app holds what every command needs once flags are parsed.
type app struct {
	configFile string
	logLevel   string

	cfg     *config.Config
	log     *logger.Logger
	metrics *metrics.Metrics

	// transport replaces the source HTTP transport in tests.
	transport http.RoundTripper
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{})
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "possync",
		Short: "possync - incremental POS to warehouse sync connector",
		Long: `possync extracts entities from a POS REST API and answers the warehouse
sync protocol (test, schema, sync) on stdout, over HTTP, or against a local sink.
Configuration comes from .env, environment variables and an optional YAML file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				a.log.Close()
			}
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(
		NewProtocolCmd(a, "test", "Check credentials and read one record"),
		NewProtocolCmd(a, "schema", "Infer destination tables from sample records"),
		NewProtocolCmd(a, "sync", "Extract changes since the request state"),
		NewServeCmd(a),
		NewRunCmd(a),
		NewEntitiesCmd(a),
	)
	return rootCmd
}

func (a *app) init() error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.cfg = cfg
	a.log = log
	a.metrics = metrics.New()
	return nil
}

func (a *app) connector() (*connector.Connector, error) {
	return connector.FromConfig(a.cfg, connector.Options{
		Metrics:   a.metrics,
		Logger:    a.log,
		Transport: a.transport,
	})
}
