package main

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"

	"amedas-climate/internal/acquisition"
	"amedas-climate/internal/archive"
	"amedas-climate/internal/climate"
	"amedas-climate/internal/export"
	"amedas-climate/internal/jma"
	"amedas-climate/internal/models"
	"amedas-climate/internal/notify"
	"amedas-climate/internal/parser"
	"amedas-climate/internal/repository"
	"amedas-climate/internal/services"
	"amedas-climate/internal/stations"
	"amedas-climate/pkg/database"
	"amedas-climate/pkg/logging"
)

// app is the wired set of components behind the sub-commands.
type app struct {
	archive     *archive.Store
	parser      *parser.Parser
	baselines   *climate.BaselineStore
	repo        repository.ClimateRepository
	acquisition *services.AcquisitionService
	climatology *services.ClimatologyService
	anomaly     *services.AnomalyService

	db    *database.DB
	redis *redis.Client
}

// newApp wires the pipeline from the loaded configuration. The database and
// the event stream are only opened when configured.
func (c *cli) newApp(ctx context.Context) (*app, error) {
	cfg := c.cfg
	clock := clockwork.NewRealClock()
	vars := cfg.Variables()

	a := &app{
		archive:   archive.NewStore(cfg.Paths.Archive, cfg.Location()),
		parser:    parser.New(cfg.ParserSettings(), c.logger, c.metrics),
		baselines: climate.NewBaselineStore(cfg.Paths.Climatology, vars),
	}

	if cfg.DatabaseEnabled() {
		db, err := database.Open(cfg.DBConfig(), c.logger, c.metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.db = db
		a.repo = repository.NewClimateRepository(db, c.logger, c.metrics)
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			c.logger.Warn(ctx, "[STARTUP_REDIS] Event stream unreachable; events may be lost", logging.Fields{
				"addr":  cfg.Redis.Addr,
				"error": err.Error(),
			})
		}
		notifier = notify.NewRedisNotifier(a.redis, cfg.Redis.Stream, cfg.Redis.MaxLen, clock, c.logger)
	}

	catalog := stations.NewCatalog(c.logger)
	client := jma.NewClient(cfg.ClientConfig(), c.logger)
	scheduler := acquisition.NewScheduler(cfg.AcquisitionPolicies(), client, a.archive, clock, c.logger)

	builder := climate.NewBuilder(a.archive, a.parser, cfg.Climate.BaselineStartYear, cfg.Climate.BaselineEndYear, vars, c.logger, c.metrics)
	engine := climate.NewEngine(a.baselines, a.archive, a.parser, vars, c.logger, c.metrics)
	exporter := export.NewExporter(cfg.Paths.Results, c.logger)

	a.acquisition = services.NewAcquisitionService(catalog, cfg.Paths.Stations, scheduler, a.repo, notifier, c.logger, c.metrics)
	a.climatology = services.NewClimatologyService(catalog, cfg.Paths.Stations, builder, a.baselines, a.repo, c.logger, c.metrics)
	a.anomaly = services.NewAnomalyService(catalog, cfg.Paths.Stations, engine, exporter, a.climatology, a.repo, notifier, clock,
		services.AnomalySettings{
			RecentCutoffDay: cfg.Climate.RecentCutoffDay,
			RebuildFrom:     models.YearMonth{Year: cfg.Climate.RebuildFromYear, Month: 1},
			Location:        cfg.Location(),
		}, c.logger, c.metrics)

	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
