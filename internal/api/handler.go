package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/achscore/internal/bus"
	"github.com/opensource-finance/achscore/internal/domain"
	"github.com/opensource-finance/achscore/internal/report"
	"github.com/opensource-finance/achscore/internal/repository"
	"github.com/opensource-finance/achscore/internal/rules"
	"github.com/opensource-finance/achscore/internal/scoring"
	"github.com/opensource-finance/achscore/internal/store"
	"github.com/opensource-finance/achscore/internal/worker"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	eventBus domain.EventBus
	engine   *scoring.Engine
	compiler *rules.Compiler
	scoring  domain.ScoringConfig
	rules    domain.RulesConfig
	maxBody  int64
	version  string
}

// NewHandler creates a new API handler. repo, cache and eventBus are optional.
func NewHandler(cfg *domain.Config, repo domain.Repository, cache domain.Cache, eventBus domain.EventBus, engine *scoring.Engine, compiler *rules.Compiler, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		eventBus: eventBus,
		engine:   engine,
		compiler: compiler,
		scoring:  cfg.Scoring,
		rules:    cfg.Rules,
		maxBody:  cfg.Server.MaxBodyBytes,
		version:  version,
	}
}

// ScoreResponse is the response for POST /score.
type ScoreResponse struct {
	Run *domain.Run `json:"run"`
	*domain.ScoreResult
}

// AsyncScoreResponse is the response for POST /score/async.
type AsyncScoreResponse struct {
	RunID        string `json:"run_id"`
	Status       string `json:"status"`
	Transactions int    `json:"transactions"`
}

// Score handles POST /score: the batch in the body is scored synchronously.
// CSV bodies (text/csv) and JSON array or NDJSON bodies are accepted.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	s, err := h.readStore(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.engine.Score(ctx, s)
	if err != nil {
		slog.Error("scoring failed",
			"tenant_id", tenantID,
			"transactions", s.Len(),
			"error", err,
		)
		writeError(w, err)
		return
	}
	if res.Metadata.TraceID == "" {
		res.Metadata.TraceID = GetTraceID(ctx)
	}

	run := domain.NewRun(tenantID, res, h.scoring.HighRiskThreshold)
	h.persist(ctx, tenantID, run, res)

	writeJSON(w, http.StatusOK, ScoreResponse{Run: run, ScoreResult: res})
}

// persist stores and announces a completed synchronous run. Failures are
// logged; the caller already has the result.
func (h *Handler) persist(ctx context.Context, tenantID string, run *domain.Run, res *domain.ScoreResult) {
	if h.repo != nil {
		if err := h.repo.SaveRun(ctx, tenantID, run, res); err != nil {
			slog.Error("failed to save run", "run_id", run.ID, "error", err)
		}
	}

	if h.cache != nil {
		if err := h.cache.SetRun(ctx, tenantID, run, h.scoring.RunCacheTTL); err != nil {
			slog.Warn("failed to cache run", "run_id", run.ID, "error", err)
		}
	}

	if h.eventBus != nil && len(res.Alerts) > 0 {
		event := worker.AlertEvent{RunID: run.ID, TenantID: tenantID, Alerts: res.Alerts}
		if err := bus.PublishJSON(ctx, h.eventBus, tenantID, domain.TopicAlert, event); err != nil {
			slog.Error("failed to publish alerts", "run_id", run.ID, "error", err)
		}
	}
}

// ScoreAsync handles POST /score/async. The batch is validated against the
// current rule set, then handed to the worker over the event bus.
func (h *Handler) ScoreAsync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.eventBus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}

	s, err := h.readStore(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := scoring.CheckSchema(h.engine.Registry(), s); err != nil {
		writeError(w, err)
		return
	}

	batch := worker.BatchMessage{
		RunID:        uuid.New().String(),
		TenantID:     tenantID,
		TraceID:      GetTraceID(ctx),
		Transactions: s.Transactions(),
		Fields:       s.Fields(),
	}
	if err := bus.PublishJSON(ctx, h.eventBus, tenantID, domain.TopicBatchSubmitted, batch); err != nil {
		slog.Error("failed to submit batch", "run_id", batch.RunID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to submit batch",
		})
		return
	}

	slog.Info("batch submitted",
		"run_id", batch.RunID,
		"tenant_id", tenantID,
		"transactions", s.Len(),
	)
	writeJSON(w, http.StatusAccepted, AsyncScoreResponse{
		RunID:        batch.RunID,
		Status:       "accepted",
		Transactions: s.Len(),
	})
}

// readStore parses the request body into a transaction store.
func (h *Handler) readStore(w http.ResponseWriter, r *http.Request) (*store.Store, error) {
	var body io.Reader = r.Body
	if h.maxBody > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}

	mediaType := ""
	if ct := r.Header.Get("Content-Type"); ct != "" {
		parsed, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return nil, store.ErrUnsupportedFormat
		}
		mediaType = parsed
	}

	switch mediaType {
	case "text/csv":
		return store.ReadCSV(body)
	case "", "application/json", "application/x-ndjson", "application/jsonl":
		return store.ReadJSON(body)
	default:
		return nil, store.ErrUnsupportedFormat
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check event bus health
	if h.eventBus != nil {
		if err := h.eventBus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"version":        h.version,
		"engine_version": scoring.EngineVersion,
		"rules":          h.engine.Registry().Len(),
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRuns handles GET /runs, newest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	ctx := r.Context()

	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	runs, err := h.repo.ListRuns(ctx, GetTenantID(ctx), limit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRun handles GET /runs/{id}. Cached summaries are served first.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.loadRun(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) loadRun(r *http.Request) (*domain.Run, error) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	runID := chi.URLParam(r, "id")

	if h.cache != nil {
		run, err := h.cache.GetRun(ctx, tenantID, runID)
		if err != nil {
			slog.Warn("run cache lookup failed", "run_id", runID, "error", err)
		}
		if run != nil {
			return run, nil
		}
	}

	if h.repo == nil {
		return nil, errRepoUnavailable
	}
	run, err := h.repo.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}

	if h.cache != nil {
		if err := h.cache.SetRun(ctx, tenantID, run, h.scoring.RunCacheTTL); err != nil {
			slog.Warn("failed to cache run", "run_id", runID, "error", err)
		}
	}
	return run, nil
}

// ListRunTransactions handles GET /runs/{id}/transactions. Query parameters
// min_score, funding_speed and return_code (comma separated; "none" selects
// transactions without a return) filter the table.
func (h *Handler) ListRunTransactions(w http.ResponseWriter, r *http.Request) {
	scored, ok := h.scoredTransactions(w, r)
	if !ok {
		return
	}

	filter, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	matched := filter.Apply(scored)
	if matched == nil {
		matched = []domain.ScoredTransaction{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"scored_transactions": matched,
		"count":               len(matched),
		"total":               len(scored),
	})
}

// ListRunAlerts handles GET /runs/{id}/alerts?transaction_id=&rule=.
func (h *Handler) ListRunAlerts(w http.ResponseWriter, r *http.Request) {
	run, err := h.loadRun(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !h.requireRepo(w) {
		return
	}
	ctx := r.Context()

	q := domain.AlertQuery{
		TransactionID: r.URL.Query().Get("transaction_id"),
		RuleName:      r.URL.Query().Get("rule"),
	}
	alerts, err := h.repo.ListAlerts(ctx, GetTenantID(ctx), run.ID, q)
	if err != nil {
		writeError(w, err)
		return
	}
	if alerts == nil {
		alerts = []domain.Alert{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// ReportResponse is the analyst view of one run.
type ReportResponse struct {
	RunID             string               `json:"run_id"`
	Summary           report.Summary       `json:"summary"`
	ScoreDistribution []report.Count       `json:"score_distribution"`
	ReturnCodes       []report.Count       `json:"return_codes"`
	RuleHits          []report.Count       `json:"rule_hits"`
	TopUsers          []report.UserRisk    `json:"top_users"`
	SharedDevices     []report.DeviceUsage `json:"shared_devices"`
}

// RunReport handles GET /runs/{id}/report. Query parameters: threshold
// (defaults to scoring.high_risk_threshold), top (default 10) and min_users
// (defaults to the shared device rule's threshold).
func (h *Handler) RunReport(w http.ResponseWriter, r *http.Request) {
	scored, ok := h.scoredTransactions(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	runID := chi.URLParam(r, "id")

	threshold, err := queryInt(r, "threshold", h.scoring.HighRiskThreshold)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	top, err := queryInt(r, "top", 10)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	defaultMinUsers := h.rules.SharedDevice.MinUsers
	if defaultMinUsers <= 0 {
		defaultMinUsers = domain.DefaultRulesConfig().SharedDevice.MinUsers
	}
	minUsers, err := queryInt(r, "min_users", defaultMinUsers)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	alerts, err := h.repo.ListAlerts(ctx, GetTenantID(ctx), runID, domain.AlertQuery{})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ReportResponse{
		RunID:             runID,
		Summary:           report.Summarize(scored, threshold),
		ScoreDistribution: report.ScoreDistribution(scored),
		ReturnCodes:       report.ReturnCodeDistribution(scored),
		RuleHits:          report.RuleHitCounts(alerts),
		TopUsers:          report.TopUsers(scored, top),
		SharedDevices:     report.SharedDevices(scored, minUsers, top),
	})
}

// scoredTransactions loads the scored table of the run named in the URL,
// answering 404 for unknown runs.
func (h *Handler) scoredTransactions(w http.ResponseWriter, r *http.Request) ([]domain.ScoredTransaction, bool) {
	if !h.requireRepo(w) {
		return nil, false
	}
	run, err := h.loadRun(r)
	if err != nil {
		writeError(w, err)
		return nil, false
	}

	ctx := r.Context()
	scored, err := h.repo.ListScoredTransactions(ctx, GetTenantID(ctx), run.ID)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return scored, true
}

func (h *Handler) requireRepo(w http.ResponseWriter) bool {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return false
	}
	return true
}

func parseFilter(r *http.Request) (report.Filter, error) {
	var f report.Filter
	q := r.URL.Query()

	minScore, err := queryInt(r, "min_score", 0)
	if err != nil {
		return f, err
	}
	f.MinScore = minScore

	for _, speed := range splitList(q.Get("funding_speed")) {
		f.FundingSpeeds = append(f.FundingSpeeds, domain.FundingSpeed(strings.ToLower(speed)))
	}
	for _, code := range splitList(q.Get("return_code")) {
		if strings.EqualFold(code, report.NoReturn) {
			f.ReturnCodes = append(f.ReturnCodes, report.NoReturn)
			continue
		}
		f.ReturnCodes = append(f.ReturnCodes, strings.ToUpper(code))
	}
	return f, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var errRepoUnavailable = errors.New("repository not available")

// ErrorResponse is the body of every error answer.
type ErrorResponse struct {
	Error      string   `json:"error"`
	Rule       string   `json:"rule,omitempty"`
	Violations []string `json:"violations,omitempty"`
}

// writeError maps domain and repository errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var (
		maxBytes *http.MaxBytesError
		ruleErr  *domain.RuleError
	)

	switch {
	case errors.As(err, &maxBytes):
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "request body too large"})
	case errors.Is(err, store.ErrUnsupportedFormat):
		writeJSON(w, http.StatusUnsupportedMediaType, ErrorResponse{Error: err.Error()})
	case errors.Is(err, store.ErrMalformedInput):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrSchema), errors.Is(err, domain.ErrInvariant):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:      err.Error(),
			Violations: violations(err),
		})
	case errors.As(err, &ruleErr):
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: "rule evaluation failed: " + ruleErr.Err.Error(),
			Rule:  ruleErr.Rule,
		})
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "not found"})
	case errors.Is(err, repository.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, errRepoUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "request canceled"})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}

// violations flattens the schema and invariant errors in an error tree.
func violations(err error) []string {
	var out []string
	var walk func(error)
	walk = func(e error) {
		switch v := e.(type) {
		case *domain.SchemaError:
			out = append(out, v.Error())
			return
		case *domain.InvariantError:
			out = append(out, v.Error())
			return
		case interface{ Unwrap() []error }:
			for _, inner := range v.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			if inner := v.Unwrap(); inner != nil {
				walk(inner)
			}
		}
	}
	walk(err)
	return out
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
