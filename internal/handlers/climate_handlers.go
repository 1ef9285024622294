package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"amedas-climate/internal/climate"
	"amedas-climate/internal/export"
	"amedas-climate/internal/models"
	"amedas-climate/internal/repository"
	"amedas-climate/pkg/logging"
	"amedas-climate/pkg/metrics"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
	maxOffset    = math.MaxInt32
)

// AnomalyReader returns the exported records of a month.
type AnomalyReader interface {
	GetResults(ctx context.Context, ym models.YearMonth) ([]json.RawMessage, error)
}

// BaselineReader returns the baseline of a station.
type BaselineReader interface {
	GetBaseline(ctx context.Context, id models.StationID) (*models.Baseline, error)
}

// ClimateHandler handles the climate API endpoints
type ClimateHandler struct {
	anomalies AnomalyReader
	baselines BaselineReader
	repo      repository.ClimateRepository
	logger    *logging.StructuredLogger
	metrics   *metrics.Collector
}

// NewClimateHandler creates a new climate handler. repo may be nil, in which
// case the database backed routes are not registered.
func NewClimateHandler(
	anomalies AnomalyReader,
	baselines BaselineReader,
	repo repository.ClimateRepository,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *ClimateHandler {
	return &ClimateHandler{
		anomalies: anomalies,
		baselines: baselines,
		repo:      repo,
		logger:    logger,
		metrics:   metricsCollector,
	}
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// PaginatedResponse represents a paginated API response
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	TotalPages int         `json:"total_pages"`
}

// BaselineResponse is the API view of a station baseline
type BaselineResponse struct {
	StationID string                               `json:"station_id"`
	StartYear int                                  `json:"start_year"`
	EndYear   int                                  `json:"end_year"`
	Months    map[int]map[models.Variable]*float64 `json:"months"`
}

// GetAnomalies handles GET /api/anomalies/{year}/{month}
func (h *ClimateHandler) GetAnomalies(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/anomalies/{year}/{month}"
	ctx := r.Context()
	defer h.observe(endpoint, time.Now())

	vars := mux.Vars(r)
	year, yerr := strconv.Atoi(vars["year"])
	month, merr := strconv.Atoi(vars["month"])
	if yerr != nil || merr != nil {
		h.sendError(w, endpoint, r.Method, "year and month must be integers", http.StatusBadRequest)
		return
	}
	page, limit, offset := pagination(r)

	records, err := h.anomalies.GetResults(ctx, models.YearMonth{Year: year, Month: month})
	if err != nil {
		var verr *models.ValidationError
		switch {
		case errors.As(err, &verr):
			h.sendError(w, endpoint, r.Method, verr.Error(), http.StatusBadRequest)
		case errors.Is(err, export.ErrResultNotFound):
			h.sendError(w, endpoint, r.Method, "no anomaly results for this month", http.StatusNotFound)
		default:
			h.logger.Error(ctx, "[API_GET_ANOMALIES_ERROR] Failed to read anomaly results", logging.Fields{
				"year":  year,
				"month": month,
			}, err)
			h.metrics.RecordAPIError("internal_error", endpoint)
			h.sendError(w, endpoint, r.Method, "failed to retrieve anomaly results", http.StatusInternalServerError)
		}
		return
	}

	total := len(records)
	lo := min(offset, total)
	hi := min(lo+limit, total)

	h.metrics.RecordAPIRequest(endpoint, r.Method, "200")
	h.sendJSON(w, PaginatedResponse{
		Data:       records[lo:hi],
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
	}, http.StatusOK)
}

// QueryAnomalies handles GET /api/anomalies from the database mirror
func (h *ClimateHandler) QueryAnomalies(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/anomalies"
	ctx := r.Context()
	defer h.observe(endpoint, time.Now())

	page, limit, offset := pagination(r)
	filter := repository.AnomalyFilter{Limit: limit, Offset: offset}

	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  **int
	}{{"year", &filter.Year}, {"month", &filter.Month}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.sendError(w, endpoint, r.Method, "invalid "+p.name+", expected integer", http.StatusBadRequest)
			return
		}
		*p.dst = &n
	}
	if s := q.Get("station_id"); s != "" {
		filter.StationID = &s
	}
	if v := q.Get("variable"); v != "" {
		if !models.KnownVariable(models.Variable(v)) {
			h.sendError(w, endpoint, r.Method, "unknown variable "+v, http.StatusBadRequest)
			return
		}
		filter.Variable = &v
	}

	rows, total, err := h.repo.GetAnomalies(ctx, filter)
	if err != nil {
		h.logger.Error(ctx, "[API_QUERY_ANOMALIES_ERROR] Failed to query anomalies", logging.Fields{
			"filter": filter,
		}, err)
		h.metrics.RecordAPIError("internal_error", endpoint)
		h.sendError(w, endpoint, r.Method, "failed to retrieve anomalies", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest(endpoint, r.Method, "200")
	h.sendJSON(w, PaginatedResponse{
		Data:       rows,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
	}, http.StatusOK)
}

// GetBaseline handles GET /api/baselines/{station_id}
func (h *ClimateHandler) GetBaseline(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/baselines/{station_id}"
	ctx := r.Context()
	defer h.observe(endpoint, time.Now())

	id := models.StationID(mux.Vars(r)["station_id"])
	baseline, err := h.baselines.GetBaseline(ctx, id)
	if err != nil {
		var verr *models.ValidationError
		switch {
		case errors.As(err, &verr):
			h.sendError(w, endpoint, r.Method, verr.Error(), http.StatusBadRequest)
		case errors.Is(err, climate.ErrBaselineNotFound):
			h.sendError(w, endpoint, r.Method, "no baseline for station "+string(id), http.StatusNotFound)
		default:
			h.logger.Error(ctx, "[API_GET_BASELINE_ERROR] Failed to load baseline", logging.Fields{
				"station_id": string(id),
			}, err)
			h.metrics.RecordAPIError("internal_error", endpoint)
			h.sendError(w, endpoint, r.Method, "failed to retrieve baseline", http.StatusInternalServerError)
		}
		return
	}

	h.metrics.RecordAPIRequest(endpoint, r.Method, "200")
	h.sendJSON(w, BaselineResponse{
		StationID: string(baseline.StationID),
		StartYear: baseline.StartYear,
		EndYear:   baseline.EndYear,
		Months:    baseline.Months,
	}, http.StatusOK)
}

// ListRuns handles GET /api/runs
func (h *ClimateHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/runs"
	ctx := r.Context()
	defer h.observe(endpoint, time.Now())

	_, limit, _ := pagination(r)
	runs, err := h.repo.ListRuns(ctx, limit)
	if err != nil {
		h.logger.Error(ctx, "[API_LIST_RUNS_ERROR] Failed to list runs", logging.Fields{
			"limit": limit,
		}, err)
		h.metrics.RecordAPIError("internal_error", endpoint)
		h.sendError(w, endpoint, r.Method, "failed to retrieve runs", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest(endpoint, r.Method, "200")
	h.sendJSON(w, runs, http.StatusOK)
}

// HealthCheck handles GET /health
func (h *ClimateHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK

	if h.repo != nil {
		if err := h.repo.HealthCheck(ctx); err != nil {
			h.logger.Warn(ctx, "[HEALTH_CHECK] Database unhealthy", logging.Fields{
				"error": err.Error(),
			})
			status["status"] = "degraded"
			status["database"] = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			status["database"] = "ok"
		}
	}

	h.logger.Debug(ctx, "[HEALTH_CHECK] Health check requested", logging.Fields{})
	h.sendJSON(w, status, code)
}

// RegisterRoutes registers all climate API routes
func (h *ClimateHandler) RegisterRoutes(router *mux.Router) {
	router.Use(requestID)
	router.HandleFunc("/api/anomalies/{year:[0-9]+}/{month:[0-9]+}", h.GetAnomalies).Methods("GET")
	router.HandleFunc("/api/baselines/{station_id}", h.GetBaseline).Methods("GET")
	if h.repo != nil {
		router.HandleFunc("/api/anomalies", h.QueryAnomalies).Methods("GET")
		router.HandleFunc("/api/runs", h.ListRuns).Methods("GET")
	}
	router.HandleFunc(specPath, OpenAPISpec).Methods("GET")
	router.HandleFunc("/api/docs", h.SwaggerUI).Methods("GET")
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
}

func (h *ClimateHandler) observe(endpoint string, start time.Time) {
	h.metrics.APIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// sendJSON sends a JSON response
func (h *ClimateHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// sendError sends an error response
func (h *ClimateHandler) sendError(w http.ResponseWriter, endpoint, method, message string, statusCode int) {
	h.metrics.RecordAPIRequest(endpoint, method, strconv.Itoa(statusCode))

	h.sendJSON(w, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}, statusCode)
}

// pagination reads page and limit, falling back to the defaults on bad input.
// The offset saturates at maxOffset so huge pages land past the end.
func pagination(r *http.Request) (page, limit, offset int) {
	page, limit = 1, defaultLimit
	if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && p > 0 {
		page = p
	}
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= maxLimit {
		limit = l
	}
	if page-1 > maxOffset/limit {
		return page, limit, maxOffset
	}
	return page, limit, (page - 1) * limit
}

// requestID tags each request context with an id, reusing X-Request-ID.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}
