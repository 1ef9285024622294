package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"amedas-climate/internal/handlers"
	"amedas-climate/internal/scheduler"
	"amedas-climate/internal/services"
	"amedas-climate/pkg/logging"
)

const shutdownTimeout = 30 * time.Second

func (c *cli) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and optionally run the pipeline on a schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := c.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			c.logStart(ctx, "API server")

			return c.serve(ctx, a)
		},
	}
	cmd.Flags().Int("port", 8080, "HTTP listen port")
	return cmd
}

func (c *cli) serve(ctx context.Context, a *app) error {
	cfg := c.cfg

	router := mux.NewRouter()
	handlers.NewClimateHandler(a.anomaly, a.climatology, a.repo, c.logger, c.metrics).RegisterRoutes(router)
	router.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c.logger.Info(gctx, "[SERVER_START] HTTP server listening", logging.Fields{
			"address": server.Addr,
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		c.logger.Info(ctx, "[SHUTDOWN] Shutting down server...", logging.Fields{})

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			c.logger.Error(ctx, "[SHUTDOWN_ERROR] Server forced to shutdown", logging.Fields{}, err)
			return err
		}
		return nil
	})

	if cfg.Schedule.Enabled {
		sched := scheduler.New(scheduler.Config{
			Interval: cfg.Schedule.Interval,
			Cron:     cfg.Schedule.Cron,
			Location: cfg.Location(),
		}, pipelineJobs(a, cfg.Acquisition.Stations), c.logger)

		g.Go(func() error {
			if err := sched.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			sched.Stop()
			return nil
		})
	}

	err := g.Wait()
	c.logger.Info(ctx, "[SHUTDOWN_COMPLETE] Server stopped", logging.Fields{})
	return err
}

// pipelineJobs is one scheduled cycle: acquire, then compute recent anomalies.
func pipelineJobs(a *app, stations []string) []scheduler.Job {
	return []scheduler.Job{
		{
			Name: "acquire",
			Run: func(ctx context.Context) error {
				_, err := a.acquisition.Run(ctx, stations)
				return err
			},
		},
		{
			Name: "anomaly",
			Run: func(ctx context.Context) error {
				_, err := a.anomaly.Run(ctx, services.AnomalyOptions{StationIDs: stations})
				return err
			},
		},
	}
}
