package repository

import (
	"context"
	"fmt"

	"amedas-climate/pkg/database"
	"amedas-climate/pkg/logging"
)

// Migration directions.
const (
	DirectionUp   = "up"
	DirectionDown = "down"
)

type dialectTypes struct {
	float     string
	timestamp string
	text      string
}

func typesFor(driver string) (dialectTypes, error) {
	switch driver {
	case database.DriverPostgres:
		return dialectTypes{float: "DOUBLE PRECISION", timestamp: "TIMESTAMPTZ", text: "TEXT"}, nil
	case database.DriverMySQL:
		return dialectTypes{float: "DOUBLE", timestamp: "DATETIME(6)", text: "TEXT"}, nil
	default:
		return dialectTypes{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// SchemaStatements returns the DDL for driver in execution order.
func SchemaStatements(driver, direction string) ([]string, error) {
	t, err := typesFor(driver)
	if err != nil {
		return nil, err
	}

	switch direction {
	case DirectionUp:
		return []string{
			`CREATE TABLE IF NOT EXISTS stations (
				station_id VARCHAR(16) NOT NULL PRIMARY KEY,
				name VARCHAR(128) NOT NULL,
				latitude ` + t.float + ` NOT NULL,
				longitude ` + t.float + ` NOT NULL,
				prefecture VARCHAR(64) NOT NULL DEFAULT '',
				updated_at ` + t.timestamp + ` NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS climatology_baselines (
				station_id VARCHAR(16) NOT NULL,
				month INTEGER NOT NULL,
				variable VARCHAR(32) NOT NULL,
				value ` + t.float + ` NULL,
				start_year INTEGER NOT NULL,
				end_year INTEGER NOT NULL,
				updated_at ` + t.timestamp + ` NOT NULL,
				PRIMARY KEY (station_id, month, variable)
			)`,
			`CREATE TABLE IF NOT EXISTS anomaly_results (
				year INTEGER NOT NULL,
				month INTEGER NOT NULL,
				station_id VARCHAR(16) NOT NULL,
				variable VARCHAR(32) NOT NULL,
				current_value ` + t.float + ` NOT NULL,
				baseline_value ` + t.float + ` NOT NULL,
				anomaly ` + t.float + ` NOT NULL,
				period_start ` + t.timestamp + ` NOT NULL,
				period_end ` + t.timestamp + ` NOT NULL,
				computed_at ` + t.timestamp + ` NOT NULL,
				PRIMARY KEY (year, month, station_id, variable)
			)`,
			`CREATE TABLE IF NOT EXISTS acquisition_runs (
				run_id VARCHAR(36) NOT NULL PRIMARY KEY,
				state VARCHAR(32) NOT NULL,
				started_at ` + t.timestamp + ` NOT NULL,
				finished_at ` + t.timestamp + ` NOT NULL,
				stations_total INTEGER NOT NULL,
				stations_visited INTEGER NOT NULL,
				skipped INTEGER NOT NULL,
				acquired INTEGER NOT NULL,
				failed INTEGER NOT NULL,
				bytes_written BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS acquisition_failures (
				run_id VARCHAR(36) NOT NULL,
				station_id VARCHAR(16) NOT NULL,
				year INTEGER NOT NULL,
				month INTEGER NOT NULL,
				attempts INTEGER NOT NULL,
				error ` + t.text + ` NOT NULL,
				PRIMARY KEY (run_id, station_id, year, month)
			)`,
		}, nil
	case DirectionDown:
		return []string{
			`DROP TABLE IF EXISTS acquisition_failures`,
			`DROP TABLE IF EXISTS acquisition_runs`,
			`DROP TABLE IF EXISTS anomaly_results`,
			`DROP TABLE IF EXISTS climatology_baselines`,
			`DROP TABLE IF EXISTS stations`,
		}, nil
	default:
		return nil, fmt.Errorf("unknown migration direction %q", direction)
	}
}

// Migrate applies the schema in direction.
func Migrate(ctx context.Context, db *database.DB, direction string, logger *logging.StructuredLogger) error {
	statements, err := SchemaStatements(db.Driver(), direction)
	if err != nil {
		return err
	}

	logger.Info(ctx, "[MIGRATE_START] Running migration", logging.Fields{
		"driver":     db.Driver(),
		"direction":  direction,
		"statements": len(statements),
	})

	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, "migrate", stmt); err != nil {
			return fmt.Errorf("migration statement %d failed: %w", i+1, err)
		}
	}

	logger.Info(ctx, "[MIGRATE_COMPLETE] Migration completed", logging.Fields{
		"direction": direction,
	})
	return nil
}
