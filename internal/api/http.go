package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/miradorstack/mirador-vitals/internal/cache"
	"github.com/miradorstack/mirador-vitals/internal/engine"
	"github.com/miradorstack/mirador-vitals/internal/models"
	"github.com/miradorstack/mirador-vitals/internal/patterns"
	"github.com/miradorstack/mirador-vitals/internal/repo"
	"github.com/miradorstack/mirador-vitals/internal/store"
	"github.com/miradorstack/mirador-vitals/internal/utils"
)

const maxBodyBytes = 4 << 20

// Journal is the incident history the HTTP surface reads and extends.
type Journal interface {
	RecordPeriod(ctx context.Context, p models.IncidentPeriod) error
	ListPeriods(ctx context.Context, q store.Query) ([]models.IncidentPeriod, error)
	ListBudgetEvents(ctx context.Context, q store.Query) ([]models.BudgetEvent, error)
}

// SnapshotReader serves cached per-metric snapshots.
type SnapshotReader interface {
	Get(ctx context.Context, metric string) (repo.Snapshot, error)
}

// HTTPOptions wires the REST surface.
type HTTPOptions struct {
	Engine        *engine.Engine
	Journal       Journal
	Snapshots     SnapshotReader
	Logger        *slog.Logger
	Health        healthcheck.Handler
	Gatherer      prometheus.Gatherer
	Miner         *patterns.Miner
	CORSOrigins   []string
	StreamBacklog int
}

type httpAPI struct {
	engine    *engine.Engine
	journal   Journal
	snapshots SnapshotReader
	miner     *patterns.Miner
	logger    *slog.Logger
	backlog   int
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// NewRouter builds the REST, websocket, health and metrics routes.
func NewRouter(opts HTTPOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Miner == nil {
		opts.Miner = patterns.NewMiner(logger, nil)
	}
	h := &httpAPI{
		engine:    opts.Engine,
		journal:   opts.Journal,
		snapshots: opts.Snapshots,
		miner:     opts.Miner,
		logger:    logger,
		backlog:   opts.StreamBacklog,
	}

	router := mux.NewRouter()

	health := opts.Health
	if health == nil {
		health = healthcheck.NewHandler()
	}
	router.Handle("/live", health).Methods(http.MethodGet)
	router.Handle("/ready", health).Methods(http.MethodGet)

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.HandleFunc("/samples", h.ingest).Methods(http.MethodPost)
	apiRouter.HandleFunc("/stats", h.stats).Methods(http.MethodGet)
	apiRouter.HandleFunc("/metrics", h.listMetrics).Methods(http.MethodGet)
	apiRouter.HandleFunc("/metrics/{metric}", h.registerMetric).Methods(http.MethodPut)
	apiRouter.HandleFunc("/metrics/{metric}", h.unregisterMetric).Methods(http.MethodDelete)
	apiRouter.HandleFunc("/metrics/{metric}/latest", h.latest).Methods(http.MethodGet)
	apiRouter.HandleFunc("/metrics/{metric}/window", h.window).Methods(http.MethodGet)
	apiRouter.HandleFunc("/metrics/{metric}/percentile", h.percentile).Methods(http.MethodGet)
	apiRouter.HandleFunc("/metrics/{metric}/summary", h.summary).Methods(http.MethodGet)
	apiRouter.HandleFunc("/metrics/{metric}/incidents", h.incidents).Methods(http.MethodGet)
	apiRouter.HandleFunc("/metrics/{metric}/budgets", h.budgetStatus).Methods(http.MethodGet)
	apiRouter.HandleFunc("/metrics/{metric}/budgets", h.setBudgets).Methods(http.MethodPut)
	apiRouter.HandleFunc("/metrics/{metric}/snapshot", h.snapshot).Methods(http.MethodGet)
	apiRouter.HandleFunc("/journal/incidents", h.journalIncidents).Methods(http.MethodGet)
	apiRouter.HandleFunc("/journal/budget-events", h.journalBudgetEvents).Methods(http.MethodGet)
	apiRouter.HandleFunc("/journal/patterns", h.journalPatterns).Methods(http.MethodGet)
	apiRouter.HandleFunc("/stream/{metric}", h.stream).Methods(http.MethodGet)

	router.Use(h.recoveryMiddleware)

	c := cors.New(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(router)
}

func (h *httpAPI) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("http handler panic", slog.String("path", r.URL.Path), slog.Any("panic", rec))
				writeError(w, CodeInternal, fmt.Errorf("internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code string, err error) {
	writeJSON(w, HTTPStatus(code), errorBody{Error: err.Error(), Code: code})
}

func (h *httpAPI) fail(w http.ResponseWriter, err error) {
	writeError(w, ErrorCode(err), err)
}

func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", utils.ErrInvalidArgument, err)
	}
	return data, nil
}

type ingestResponse struct {
	Accepted int                    `json:"accepted"`
	Rejected int                    `json:"rejected"`
	Outcomes []models.IngestOutcome `json:"outcomes"`
	Errors   []errorBody            `json:"errors,omitempty"`
}

// ingest accepts one sample or a batch. A single rejected sample fails the
// request with its mapped status; a batch reports per-sample errors.
func (h *httpAPI) ingest(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	samples, err := SamplesFromJSON(data)
	if err != nil {
		h.fail(w, err)
		return
	}
	if len(samples) == 1 {
		outcome, err := h.engine.Ingest(samples[0])
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, outcome)
		return
	}

	resp := ingestResponse{Outcomes: make([]models.IngestOutcome, 0, len(samples))}
	for _, s := range samples {
		outcome, err := h.engine.Ingest(s)
		if err != nil {
			resp.Rejected++
			resp.Errors = append(resp.Errors, errorBody{Error: err.Error(), Code: ErrorCode(err)})
			continue
		}
		resp.Accepted++
		resp.Outcomes = append(resp.Outcomes, outcome)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *httpAPI) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"counters": h.engine.Stats(),
		"ingestLatency": map[string]string{
			"p50": h.engine.IngestLatency(0.5).String(),
			"p99": h.engine.IngestLatency(0.99).String(),
		},
	})
}

func (h *httpAPI) listMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"metrics": h.engine.Metrics()})
}

func (h *httpAPI) registerMetric(w http.ResponseWriter, r *http.Request) {
	metric := mux.Vars(r)["metric"]
	data, err := readBody(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	var cfg engine.MetricConfig
	if len(data) > 0 {
		if err := json.Unmarshal(data, &cfg); err != nil {
			h.fail(w, fmt.Errorf("%w: decode metric config: %v", utils.ErrInvalidArgument, err))
			return
		}
	}
	if err := h.engine.RegisterMetric(metric, cfg); err != nil {
		h.fail(w, err)
		return
	}
	applied, _ := h.engine.MetricConfigOf(metric)
	writeJSON(w, http.StatusCreated, map[string]any{"metric": metric, "config": applied})
}

func (h *httpAPI) unregisterMetric(w http.ResponseWriter, r *http.Request) {
	metric := mux.Vars(r)["metric"]
	closed, err := h.engine.UnregisterMetric(metric)
	if err != nil {
		h.fail(w, err)
		return
	}
	if closed != nil && h.journal != nil {
		if err := h.journal.RecordPeriod(r.Context(), closed.Period); err != nil {
			h.logger.Warn("journal closed period failed", slog.String("metric", metric), slog.Any("error", err))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"metric": metric, "closed": closed})
}

func (h *httpAPI) latest(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.Latest(mux.Vars(r)["metric"])
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *httpAPI) window(w http.ResponseWriter, r *http.Request) {
	metric := mux.Vars(r)["metric"]
	req := WindowRequest{Metric: metric, Duration: r.URL.Query().Get("duration")}
	if ms := r.URL.Query().Get("durationMs"); ms != "" {
		v, err := strconv.ParseInt(ms, 10, 64)
		if err != nil {
			h.fail(w, fmt.Errorf("%w: durationMs %q", utils.ErrInvalidArgument, ms))
			return
		}
		req.DurationMs = v
	}
	d, err := req.Window()
	if err != nil {
		h.fail(w, err)
		return
	}
	samples, err := h.engine.Window(metric, d)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metric": metric, "samples": samples})
}

func (h *httpAPI) percentile(w http.ResponseWriter, r *http.Request) {
	metric := mux.Vars(r)["metric"]
	raw := r.URL.Query().Get("p")
	p, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		h.fail(w, fmt.Errorf("%w: p %q is not a number", utils.ErrInvalidArgument, raw))
		return
	}
	v, err := h.engine.Percentile(metric, p)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PercentileResponse{Metric: metric, P: p, Value: v})
}

func (h *httpAPI) summary(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.Summary(mux.Vars(r)["metric"])
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *httpAPI) incidents(w http.ResponseWriter, r *http.Request) {
	metric := mux.Vars(r)["metric"]
	periods, err := h.engine.IncidentPeriods(metric)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metric": metric, "periods": periods})
}

func (h *httpAPI) budgetStatus(w http.ResponseWriter, r *http.Request) {
	metric := mux.Vars(r)["metric"]
	statuses, err := h.engine.BudgetStatus(metric)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metric": metric, "statuses": statuses})
}

func (h *httpAPI) setBudgets(w http.ResponseWriter, r *http.Request) {
	metric := mux.Vars(r)["metric"]
	data, err := readBody(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	var budgets []models.Budget
	if err := json.Unmarshal(data, &budgets); err != nil {
		h.fail(w, fmt.Errorf("%w: decode budgets: %v", utils.ErrInvalidArgument, err))
		return
	}
	for i := range budgets {
		if budgets[i].Metric == "" {
			budgets[i].Metric = metric
		}
	}
	stored, err := h.engine.SetBudgets(metric, budgets)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metric": metric, "budgets": stored})
}

func (h *httpAPI) snapshot(w http.ResponseWriter, r *http.Request) {
	metric := mux.Vars(r)["metric"]
	if h.snapshots == nil {
		writeError(w, CodeUnavailable, fmt.Errorf("snapshot cache not configured"))
		return
	}
	snap, err := h.snapshots.Get(r.Context(), metric)
	if errors.Is(err, cache.ErrCacheMiss) {
		writeError(w, CodeNoData, fmt.Errorf("no snapshot cached for %s", metric))
		return
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func journalQuery(r *http.Request) (store.Query, error) {
	values := r.URL.Query()
	q := store.Query{Metric: values.Get("metric")}
	for key, dst := range map[string]*int64{"from": &q.From, "to": &q.To} {
		raw := values.Get(key)
		if raw == "" {
			continue
		}
		ms, err := utils.ParseTimestamp(raw)
		if err != nil {
			return store.Query{}, fmt.Errorf("%w: %s: %v", utils.ErrInvalidArgument, key, err)
		}
		*dst = ms
	}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return store.Query{}, fmt.Errorf("%w: limit %q", utils.ErrInvalidArgument, raw)
		}
		q.Limit = limit
	}
	return q, nil
}

func (h *httpAPI) journalIncidents(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, CodeUnavailable, fmt.Errorf("journal not configured"))
		return
	}
	q, err := journalQuery(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	periods, err := h.journal.ListPeriods(r.Context(), q)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"periods": periods})
}

func (h *httpAPI) journalBudgetEvents(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, CodeUnavailable, fmt.Errorf("journal not configured"))
		return
	}
	q, err := journalQuery(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	events, err := h.journal.ListBudgetEvents(r.Context(), q)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// journalPatterns mines the journaled history matching the query.
func (h *httpAPI) journalPatterns(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, CodeUnavailable, fmt.Errorf("journal not configured"))
		return
	}
	q, err := journalQuery(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	// Leaders need every metric's periods, so the metric filter applies after mining.
	metric := q.Metric
	q.Metric = ""
	periods, err := h.journal.ListPeriods(r.Context(), q)
	if err != nil {
		h.fail(w, err)
		return
	}
	events, err := h.journal.ListBudgetEvents(r.Context(), q)
	if err != nil {
		h.fail(w, err)
		return
	}
	mined := h.miner.Mine(periods, events)
	out := make([]models.RegressionPattern, 0, len(mined))
	for _, p := range mined {
		if metric == "" || p.Metric == metric {
			out = append(out, p)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"patterns": out})
}

// HTTPServer runs the REST surface.
type HTTPServer struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewHTTPServer binds handler to addr.
func NewHTTPServer(addr string, handler http.Handler, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Start serves until Shutdown; a clean shutdown returns nil.
func (s *HTTPServer) Start() error {
	s.logger.Info("http server listening", slog.String("address", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains open requests until ctx expires. Hijacked websocket
// connections are not tracked by net/http and close with their subscriptions.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
