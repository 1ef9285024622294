package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"amedas-climate/internal/acquisition"
	"amedas-climate/internal/models"
	"amedas-climate/pkg/database"
	"amedas-climate/pkg/logging"
	"amedas-climate/pkg/metrics"
)

// ClimateRepository mirrors stations, baselines, anomaly results and
// acquisition runs into a SQL database.
type ClimateRepository interface {
	// Station operations
	UpsertStations(ctx context.Context, stations []models.Station) error

	// Baseline operations
	UpsertBaseline(ctx context.Context, baseline *models.Baseline) error
	GetBaseline(ctx context.Context, stationID models.StationID) (*models.Baseline, error)

	// Anomaly operations
	ReplaceAnomalies(ctx context.Context, report *models.AnomalyReport) error
	GetAnomalies(ctx context.Context, filter AnomalyFilter) ([]*AnomalyRow, int, error)

	// Acquisition run operations
	RecordRun(ctx context.Context, summary *acquisition.RunSummary) error
	ListRuns(ctx context.Context, limit int) ([]*RunRow, error)

	// Utility operations
	HealthCheck(ctx context.Context) error
}

// AnomalyFilter defines filters for querying anomaly rows
type AnomalyFilter struct {
	Year      *int
	Month     *int
	StationID *string
	Variable  *string
	Limit     int
	Offset    int
}

// AnomalyRow is one (station, variable) result of a target month.
type AnomalyRow struct {
	Year          int       `db:"year" json:"year"`
	Month         int       `db:"month" json:"month"`
	StationID     string    `db:"station_id" json:"station_id"`
	Variable      string    `db:"variable" json:"variable"`
	CurrentValue  float64   `db:"current_value" json:"current"`
	BaselineValue float64   `db:"baseline_value" json:"baseline"`
	Anomaly       float64   `db:"anomaly" json:"anomaly"`
	PeriodStart   time.Time `db:"period_start" json:"period_start"`
	PeriodEnd     time.Time `db:"period_end" json:"period_end"`
	ComputedAt    time.Time `db:"computed_at" json:"computed_at"`
}

// RunRow is a persisted acquisition run summary.
type RunRow struct {
	RunID           string    `db:"run_id" json:"run_id"`
	State           string    `db:"state" json:"state"`
	StartedAt       time.Time `db:"started_at" json:"started_at"`
	FinishedAt      time.Time `db:"finished_at" json:"finished_at"`
	StationsTotal   int       `db:"stations_total" json:"stations_total"`
	StationsVisited int       `db:"stations_visited" json:"stations_visited"`
	Skipped         int       `db:"skipped" json:"skipped"`
	Acquired        int       `db:"acquired" json:"acquired"`
	Failed          int       `db:"failed" json:"failed"`
	BytesWritten    int64     `db:"bytes_written" json:"bytes_written"`
}

type baselineRow struct {
	StationID string          `db:"station_id"`
	Month     int             `db:"month"`
	Variable  string          `db:"variable"`
	Value     sql.NullFloat64 `db:"value"`
	StartYear int             `db:"start_year"`
	EndYear   int             `db:"end_year"`
}

// climateRepository implements ClimateRepository
type climateRepository struct {
	db      *database.DB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewClimateRepository creates a new climate repository
func NewClimateRepository(db *database.DB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) ClimateRepository {
	return &climateRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// UpsertStations creates or updates catalog stations in one transaction
func (r *climateRepository) UpsertStations(ctx context.Context, stations []models.Station) error {
	if len(stations) == 0 {
		return nil
	}

	query, err := upsertSQL(r.db.Driver(), "stations",
		[]string{"station_id", "name", "latitude", "longitude", "prefecture", "updated_at"},
		[]string{"station_id"})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	err = r.inTx(ctx, query, func(exec func(args ...interface{}) error) error {
		for _, st := range stations {
			if err := exec(string(st.ID), st.Name, st.Latitude, st.Longitude, st.Prefecture, now); err != nil {
				return fmt.Errorf("failed to upsert station %s: %w", st.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Debug(ctx, "[REPO_UPSERT_STATIONS] Stations upserted", logging.Fields{
		"count": len(stations),
	})
	return nil
}

// UpsertBaseline creates or updates every (month, variable) of a baseline
func (r *climateRepository) UpsertBaseline(ctx context.Context, baseline *models.Baseline) error {
	query, err := upsertSQL(r.db.Driver(), "climatology_baselines",
		[]string{"station_id", "month", "variable", "value", "start_year", "end_year", "updated_at"},
		[]string{"station_id", "month", "variable"})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	return r.inTx(ctx, query, func(exec func(args ...interface{}) error) error {
		for _, month := range baseline.SortedMonths() {
			for v, value := range baseline.Months[month] {
				var nv sql.NullFloat64
				if value != nil {
					nv = sql.NullFloat64{Float64: *value, Valid: true}
				}
				if err := exec(string(baseline.StationID), month, string(v), nv, baseline.StartYear, baseline.EndYear, now); err != nil {
					return fmt.Errorf("failed to upsert baseline %s month %d: %w", baseline.StationID, month, err)
				}
			}
		}
		return nil
	})
}

// GetBaseline retrieves the baseline of a station
func (r *climateRepository) GetBaseline(ctx context.Context, stationID models.StationID) (*models.Baseline, error) {
	query := r.db.Rebind(`
		SELECT station_id, month, variable, value, start_year, end_year
		FROM climatology_baselines
		WHERE station_id = ?
		ORDER BY month, variable
	`)

	var rows []baselineRow
	if err := r.db.SelectContext(ctx, "get_baseline", &rows, query, string(stationID)); err != nil {
		return nil, fmt.Errorf("failed to get baseline: %w", err)
	}
	if len(rows) == 0 {
		return nil, &NotFoundError{Resource: "climatology_baseline", ID: string(stationID)}
	}

	b := models.NewBaseline(stationID, rows[0].StartYear, rows[0].EndYear)
	for _, row := range rows {
		var value *float64
		if row.Value.Valid {
			value = models.Float(row.Value.Float64)
		}
		b.Set(row.Month, models.Variable(row.Variable), value)
	}
	return b, nil
}

// ReplaceAnomalies stores the results of a report, replacing whatever was
// stored for the same month
func (r *climateRepository) ReplaceAnomalies(ctx context.Context, report *models.AnomalyReport) error {
	timer := time.Now()
	defer func() {
		r.logger.Debug(ctx, "[REPO_REPLACE_ANOMALIES] Anomaly results stored", logging.Fields{
			"target":      report.Target.YearMonth.String(),
			"results":     len(report.Results),
			"duration_ms": time.Since(timer).Milliseconds(),
		})
	}()

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	del := r.db.Rebind(`DELETE FROM anomaly_results WHERE year = ? AND month = ?`)
	if _, err := tx.ExecContext(ctx, del, report.Target.Year, report.Target.Month); err != nil {
		return fmt.Errorf("failed to clear anomaly results: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, r.db.Rebind(`
		INSERT INTO anomaly_results (
			year, month, station_id, variable,
			current_value, baseline_value, anomaly,
			period_start, period_end, computed_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, res := range report.Results {
		for _, v := range report.Variables {
			_, err := stmt.ExecContext(ctx,
				report.Target.Year, report.Target.Month, string(res.Station.ID), string(v),
				res.Current[v], res.Baseline[v], res.Anomaly[v],
				report.Target.Start.UTC(), report.Target.End.UTC(), now,
			)
			if err != nil {
				return fmt.Errorf("failed to insert anomaly for %s: %w", res.Station.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetAnomalies retrieves anomaly rows with filtering and pagination
func (r *climateRepository) GetAnomalies(ctx context.Context, filter AnomalyFilter) ([]*AnomalyRow, int, error) {
	where, args := anomalyWhere(filter)

	countQuery := r.db.Rebind("SELECT COUNT(*) FROM anomaly_results" + where)
	var totalCount int
	if err := r.db.GetContext(ctx, "count_anomalies", &totalCount, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count anomalies: %w", err)
	}

	query := `
		SELECT year, month, station_id, variable,
		       current_value, baseline_value, anomaly,
		       period_start, period_end, computed_at
		FROM anomaly_results` + where +
		" ORDER BY year DESC, month DESC, station_id, variable LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	var rows []*AnomalyRow
	if err := r.db.SelectContext(ctx, "get_anomalies", &rows, r.db.Rebind(query), args...); err != nil {
		return nil, 0, fmt.Errorf("failed to get anomalies: %w", err)
	}
	return rows, totalCount, nil
}

// RecordRun stores a run summary and its failed keys
func (r *climateRepository) RecordRun(ctx context.Context, summary *acquisition.RunSummary) error {
	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO acquisition_runs (
			run_id, state, started_at, finished_at,
			stations_total, stations_visited, skipped, acquired, failed, bytes_written
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		summary.RunID, string(summary.State), summary.StartedAt.UTC(), summary.FinishedAt.UTC(),
		summary.StationsTotal, summary.StationsVisited, summary.Skipped, summary.Acquired, summary.Failed,
		summary.BytesWritten,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	if len(summary.FailedKeys) > 0 {
		stmt, err := tx.PrepareContext(ctx, r.db.Rebind(`
			INSERT INTO acquisition_failures (run_id, station_id, year, month, attempts, error)
			VALUES (?, ?, ?, ?, ?, ?)
		`))
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, fk := range summary.FailedKeys {
			if _, err := stmt.ExecContext(ctx, summary.RunID, fk.Station, fk.Year, fk.Month, fk.Attempts, fk.Error); err != nil {
				return fmt.Errorf("failed to insert failed key %s: %w", fk.Key, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first
func (r *climateRepository) ListRuns(ctx context.Context, limit int) ([]*RunRow, error) {
	query := r.db.Rebind(`
		SELECT run_id, state, started_at, finished_at,
		       stations_total, stations_visited, skipped, acquired, failed, bytes_written
		FROM acquisition_runs
		ORDER BY started_at DESC
		LIMIT ?
	`)

	var runs []*RunRow
	if err := r.db.SelectContext(ctx, "list_runs", &runs, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// HealthCheck performs a repository health check
func (r *climateRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// inTx prepares query inside a transaction and hands fn an executor for it.
func (r *climateRepository) inTx(ctx context.Context, query string, fn func(exec func(args ...interface{}) error) error) error {
	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, r.db.Rebind(query))
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	err = fn(func(args ...interface{}) error {
		_, err := stmt.ExecContext(ctx, args...)
		return err
	})
	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordDBError("exec")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// upsertSQL builds an insert-or-update statement with '?' placeholders.
func upsertSQL(driver, table string, columns, keys []string) (string, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), placeholders)

	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}

	var sets []string
	switch driver {
	case database.DriverPostgres:
		for _, c := range columns {
			if !isKey[c] {
				sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
			}
		}
		return fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s", insert, strings.Join(keys, ", "), strings.Join(sets, ", ")), nil
	case database.DriverMySQL:
		for _, c := range columns {
			if !isKey[c] {
				sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", c, c))
			}
		}
		return fmt.Sprintf("%s ON DUPLICATE KEY UPDATE %s", insert, strings.Join(sets, ", ")), nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

func anomalyWhere(filter AnomalyFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if filter.Year != nil {
		conds = append(conds, "year = ?")
		args = append(args, *filter.Year)
	}
	if filter.Month != nil {
		conds = append(conds, "month = ?")
		args = append(args, *filter.Month)
	}
	if filter.StationID != nil {
		conds = append(conds, "station_id = ?")
		args = append(args, *filter.StationID)
	}
	if filter.Variable != nil {
		conds = append(conds, "variable = ?")
		args = append(args, *filter.Variable)
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// NotFoundError represents a resource not found error
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// IsTransient returns false
func (e *NotFoundError) IsTransient() bool {
	return false
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
