package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"amedas-climate/internal/archive"
	"amedas-climate/internal/models"
	"amedas-climate/internal/parser"
	"amedas-climate/internal/repository"
	"amedas-climate/internal/services"
	"amedas-climate/pkg/database"
	"amedas-climate/pkg/logging"
)

func banner(title string) {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println(title)
	fmt.Println(strings.Repeat("=", 80))
}

func (c *cli) acquireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "acquire",
		Short: "Fetch stale or missing archive records within the run budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := c.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			c.logStart(ctx, "acquisition")

			summary, err := a.acquisition.Run(ctx, c.cfg.Acquisition.Stations)
			if summary != nil {
				banner("ACQUISITION " + string(summary.State))
				fmt.Printf("Run ID:           %s\n", summary.RunID)
				fmt.Printf("Stations:         %d/%d\n", summary.StationsVisited, summary.StationsTotal)
				fmt.Printf("Skipped:          %d\n", summary.Skipped)
				fmt.Printf("Acquired:         %d\n", summary.Acquired)
				fmt.Printf("Failed:           %d\n", summary.Failed)
				fmt.Printf("Bytes Written:    %d\n", summary.BytesWritten)
				fmt.Printf("Duration:         %s\n", printDuration(summary.Duration()))
				printErrors(summary.Errors)
			}
			return err
		},
	}
}

func (c *cli) climatologyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "climatology",
		Short: "Build the per-station monthly baselines from the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := c.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			c.logStart(ctx, "climatology build")

			result, err := a.climatology.BuildAll(ctx, c.cfg.Acquisition.Stations)
			if result != nil {
				printClimatology(result)
			}
			return err
		},
	}
}

func printClimatology(result *services.ClimatologyResult) {
	banner("CLIMATOLOGY COMPLETE")
	fmt.Printf("Stations:         %d\n", result.Stations)
	fmt.Printf("Baselines Built:  %d\n", result.Built)
	fmt.Printf("Mirrored:         %d\n", result.Mirrored)
	fmt.Printf("Duration:         %s\n", printDuration(result.Duration))
	printErrors(result.Errors)
}

func (c *cli) anomalyCmd() *cobra.Command {
	var opts services.AnomalyOptions

	cmd := &cobra.Command{
		Use:   "anomaly",
		Short: "Compute and export monthly anomalies against the baselines",
		Long: "Without flags the recent months are computed. --year and --month select one month,\n" +
			"optionally restricted with --from-day/--to-day. --rebuild recomputes every baseline and\n" +
			"then every month since the rebuild start.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := c.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			c.logStart(ctx, "anomaly computation")

			opts.StationIDs = c.cfg.Acquisition.Stations
			result, err := a.anomaly.Run(ctx, opts)
			if result == nil {
				return err
			}

			if result.Baselines != nil {
				printClimatology(result.Baselines)
			}
			banner("ANOMALY COMPLETE")
			for _, t := range result.Targets {
				fmt.Printf("%s  results=%-5d excluded=%-5d %s\n", t.Target, t.Results, t.Excluded, t.CSV)
			}
			fmt.Printf("Duration:         %s\n", printDuration(result.Duration))
			printErrors(result.Errors)
			return err
		},
	}

	cmd.Flags().IntVar(&opts.Year, "year", 0, "target year")
	cmd.Flags().IntVar(&opts.Month, "month", 0, "target month")
	cmd.Flags().IntVar(&opts.FromDay, "from-day", 0, "first day of the target month to include")
	cmd.Flags().IntVar(&opts.ToDay, "to-day", 0, "last day of the target month to include")
	cmd.Flags().BoolVar(&opts.Rebuild, "rebuild", false, "rebuild baselines and recompute all months")
	cmd.MarkFlagsRequiredTogether("year", "month")
	cmd.MarkFlagsMutuallyExclusive("rebuild", "year")
	return cmd
}

func (c *cli) migrateCmd() *cobra.Command {
	var direction string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or drop the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !c.cfg.DatabaseEnabled() {
				return errors.New("no database configured; set database.driver")
			}
			ctx := cmd.Context()

			db, err := database.Open(c.cfg.DBConfig(), c.logger, c.metrics)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.Close()

			if err := repository.Migrate(ctx, db, direction, c.logger); err != nil {
				return err
			}
			fmt.Printf("Migration %s completed on %s\n", direction, db.Driver())
			return nil
		},
	}

	cmd.Flags().StringVar(&direction, "direction", repository.DirectionUp, "migration direction: up or down")
	return cmd
}

func (c *cli) inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>",
		Short: "Parse one archive record and print a summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := args[0]

			data, err := archive.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}

			p := parser.New(c.cfg.ParserSettings(), c.logger, c.metrics)
			table := p.Parse(ctx, path, data)
			if key, err := archive.KeyFromPath(path); err == nil {
				table.StationID = key.StationID
			}

			banner("ARCHIVE RECORD " + path)
			if ts, err := archive.ParseDownloadTime(data, c.cfg.Location()); err == nil {
				fmt.Printf("Downloaded:       %s\n", ts.Format("2006-01-02 15:04:05 MST"))
			} else {
				fmt.Printf("Downloaded:       unknown (%v)\n", err)
			}
			fmt.Printf("Table:            %s\n", table)
			fmt.Printf("Rows Read:        %d\n", table.Stats.Rows)
			fmt.Printf("Arity Dropped:    %d\n", table.Stats.ArityDropped)
			fmt.Printf("Bad Timestamps:   %d\n", table.Stats.TimestampDropped)

			vars := make([]string, 0, len(table.Values))
			for v := range table.Values {
				vars = append(vars, string(v))
			}
			sort.Strings(vars)

			fmt.Println()
			fmt.Printf("%-16s %8s %10s\n", "variable", "valid", "mean")
			for _, name := range vars {
				v := models.Variable(name)
				valid := 0
				for _, x := range table.Values[v] {
					if x != nil {
						valid++
					}
				}
				mean := "-"
				if m := table.Mean(v); m != nil {
					mean = fmt.Sprintf("%.2f", *m)
				}
				fmt.Printf("%-16s %8d %10s\n", name, valid, mean)
			}
			return nil
		},
	}
}

func (c *cli) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.cfg.YAML()
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}
}

// logStart records the start of a long running command.
func (c *cli) logStart(ctx context.Context, command string) {
	c.logger.Info(ctx, "[STARTUP] Starting "+command, logging.Fields{
		"version": version,
		"preset":  c.cfg.Preset,
		"archive": c.cfg.Paths.Archive,
	})
}
