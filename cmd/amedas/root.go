package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"amedas-climate/internal/config"
	"amedas-climate/pkg/logging"
	"amedas-climate/pkg/metrics"
)

// cli carries what every sub-command needs once the root has run.
type cli struct {
	configPath string
	cfg        *config.Config
	logger     *logging.StructuredLogger
	registry   *prometheus.Registry
	metrics    *metrics.Collector
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           serviceName,
		Short:         "AMeDAS archive acquisition and climate anomaly service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.init(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "config file (default: config.yaml in . or /etc/amedas)")
	flags.String("preset", config.PresetRecent, "acquisition preset: recent, daily, quick, force, backfill or one from --presets-file")
	flags.String("presets-file", "", "YAML file with additional presets")
	flags.String("data-dir", "", "archive root directory")
	flags.String("climatology-dir", "", "baseline directory")
	flags.String("result-dir", "", "anomaly result directory")
	flags.String("stations-file", "", "station catalog CSV")
	flags.StringSlice("stations", nil, "restrict to these station ids")
	flags.String("mode", "", "target mode: recent or backfill")
	flags.Duration("budget", 0, "wall-clock budget of an acquisition run")
	flags.Duration("freshness-window", 0, "records downloaded within this window are skipped")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("log-format", "", "log format: json or text")

	root.AddCommand(
		c.acquireCmd(),
		c.climatologyCmd(),
		c.anomalyCmd(),
		c.serveCmd(),
		c.migrateCmd(),
		c.inspectCmd(),
		c.configCmd(),
	)
	return root
}

func (c *cli) init(cmd *cobra.Command) error {
	cfg, err := config.Load(c.configPath, cmd.Flags())
	if err != nil {
		return err
	}
	c.cfg = cfg

	c.logger = logging.NewStructuredLogger(serviceName, version, logging.ParseLevel(cfg.Logging.Level))
	c.logger.SetFormat(cfg.Logging.Format)
	c.logger.SetOutput(os.Stderr)

	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.metrics = metrics.NewCollector("amedas", c.registry)
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func printDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}

func printErrors(errs []string) {
	if len(errs) == 0 {
		return
	}
	fmt.Printf("\nErrors (%d):\n", len(errs))
	for i, msg := range errs {
		if i == 10 {
			fmt.Printf("  ... and %d more errors\n", len(errs)-10)
			break
		}
		fmt.Printf("  - %s\n", msg)
	}
}
