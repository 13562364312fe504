// Package worker scores transaction batches submitted on the event bus.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/achscore/internal/bus"
	"github.com/opensource-finance/achscore/internal/domain"
	"github.com/opensource-finance/achscore/internal/scoring"
	"github.com/opensource-finance/achscore/internal/store"
)

// Worker scores batches asynchronously from the EventBus.
type Worker struct {
	bus    domain.EventBus
	repo   domain.Repository
	cache  domain.Cache
	engine *scoring.Engine
	sink   domain.AlertSink
	opts   Options

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Options holds run summary settings shared with the synchronous API path.
type Options struct {
	HighRiskThreshold int
	RunCacheTTL       time.Duration
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all tenants)
	TenantIDs []string
}

// BatchMessage is the payload of domain.TopicBatchSubmitted.
type BatchMessage struct {
	RunID        string               `json:"run_id"`
	TenantID     string               `json:"tenant_id"`
	TraceID      string               `json:"trace_id,omitempty"`
	Transactions []domain.Transaction `json:"transactions"`
	// Fields lists the fields the source provided; empty means all.
	Fields []string `json:"fields,omitempty"`
}

// RunFailedEvent is the payload of domain.TopicRunFailed.
type RunFailedEvent struct {
	RunID    string `json:"run_id"`
	TenantID string `json:"tenant_id"`
	TraceID  string `json:"trace_id,omitempty"`
	Error    string `json:"error"`
}

// AlertEvent is the payload of domain.TopicAlert: the alert trail of one run.
type AlertEvent struct {
	RunID    string         `json:"run_id"`
	TenantID string         `json:"tenant_id"`
	Alerts   []domain.Alert `json:"alerts"`
}

// NewWorker creates a new async worker. repo, cache and sink are optional.
func NewWorker(eventBus domain.EventBus, repo domain.Repository, cache domain.Cache, engine *scoring.Engine, sink domain.AlertSink, opts Options) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    eventBus,
		repo:   repo,
		cache:  cache,
		engine: engine,
		sink:   sink,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing batches for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes batches of every tenant.
func (w *Worker) startGlobalWorker() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.AllTenants, domain.TopicBatchSubmitted, w.handleMessage)
	if err != nil {
		return err
	}
	w.track(sub)

	slog.Info("global worker started",
		"topic", domain.TopicBatchSubmitted,
	)
	return nil
}

// startTenantWorker starts a worker for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicBatchSubmitted, func(ctx context.Context, msg *domain.Message) error {
		return w.processBatch(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.track(sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicBatchSubmitted,
	)

	return nil
}

func (w *Worker) track(sub domain.Subscription) {
	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()
}

// handleMessage handles messages from the global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processBatch(ctx, msg.TenantID, msg)
}

// processBatch scores one submitted batch, persists the run and announces
// the outcome.
func (w *Worker) processBatch(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var batch BatchMessage
	if err := bus.Decode(msg, &batch); err != nil {
		slog.Error("failed to parse batch message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// The bus envelope is authoritative for the tenant
	if batch.TenantID != "" && batch.TenantID != tenantID {
		slog.Warn("batch tenant does not match envelope, using envelope",
			"message_id", msg.ID,
			"tenant_id", tenantID,
			"batch_tenant_id", batch.TenantID,
		)
	}

	traceID := batch.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("processing batch",
		"run_id", batch.RunID,
		"tenant_id", tenantID,
		"trace_id", traceID,
		"transactions", len(batch.Transactions),
	)

	res, err := w.score(ctx, &batch)
	if err != nil {
		w.fail(ctx, tenantID, batch.RunID, traceID, err)
		return err
	}
	if batch.RunID != "" {
		res.RunID = batch.RunID
	}
	res.Metadata.TraceID = traceID

	run := domain.NewRun(tenantID, res, w.opts.HighRiskThreshold)

	if w.repo != nil {
		if err := w.repo.SaveRun(ctx, tenantID, run, res); err != nil {
			w.fail(ctx, tenantID, res.RunID, traceID, err)
			return err
		}
	}

	if w.cache != nil {
		if err := w.cache.SetRun(ctx, tenantID, run, w.opts.RunCacheTTL); err != nil {
			slog.Warn("failed to cache run",
				"run_id", run.ID,
				"error", err,
			)
		}
	}

	if err := bus.PublishJSON(ctx, w.bus, tenantID, domain.TopicRunCompleted, run); err != nil {
		slog.Error("failed to publish run completion",
			"run_id", run.ID,
			"error", err,
		)
	}

	if len(res.Alerts) > 0 {
		event := AlertEvent{RunID: run.ID, TenantID: tenantID, Alerts: res.Alerts}
		if err := bus.PublishJSON(ctx, w.bus, tenantID, domain.TopicAlert, event); err != nil {
			slog.Error("failed to publish alerts",
				"run_id", run.ID,
				"error", err,
			)
		}
		if w.sink != nil {
			if err := w.sink.SendAlerts(ctx, tenantID, run.ID, res.Alerts); err != nil {
				slog.Error("failed to export alerts",
					"run_id", run.ID,
					"alerts", len(res.Alerts),
					"error", err,
				)
			}
		}
	}

	slog.Info("batch scored",
		"run_id", run.ID,
		"tenant_id", tenantID,
		"transactions", run.TransactionCount,
		"alerts", run.AlertCount,
		"high_risk", run.HighRiskCount,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

func (w *Worker) score(ctx context.Context, batch *BatchMessage) (*domain.ScoreResult, error) {
	var (
		s   *store.Store
		err error
	)
	if len(batch.Fields) == 0 {
		s, err = store.New(batch.Transactions)
	} else {
		s, err = store.NewWithFields(batch.Transactions, batch.Fields)
	}
	if err != nil {
		return nil, err
	}
	return w.engine.Score(ctx, s)
}

func (w *Worker) fail(ctx context.Context, tenantID, runID, traceID string, cause error) {
	slog.Error("batch scoring failed",
		"run_id", runID,
		"tenant_id", tenantID,
		"trace_id", traceID,
		"error", cause,
	)

	event := RunFailedEvent{
		RunID:    runID,
		TenantID: tenantID,
		TraceID:  traceID,
		Error:    cause.Error(),
	}
	if err := bus.PublishJSON(ctx, w.bus, tenantID, domain.TopicRunFailed, event); err != nil {
		slog.Error("failed to publish run failure",
			"run_id", runID,
			"error", err,
		)
	}
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
