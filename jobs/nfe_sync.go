package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-recon/internal/jobs"
	"github.com/odyssey-erp/odyssey-recon/internal/nfe"
)

// InvoiceSyncer executes one synchronization run.
type InvoiceSyncer interface {
	Run(ctx context.Context, req nfe.SyncRequest) (nfe.SyncSummary, error)
}

// NFeSyncJob runs the fiscal API synchronizer from the queue.
type NFeSyncJob struct {
	Syncer       InvoiceSyncer
	Destinations []string
	LookbackDays int
	Logger       *slog.Logger
	Metrics      *jobmetrics.Metrics
	clock        func() time.Time
}

// NewNFeSyncJob wires the synchronization handler.
func NewNFeSyncJob(syncer InvoiceSyncer, destinations []string, lookbackDays int, logger *slog.Logger, metrics *jobmetrics.Metrics) *NFeSyncJob {
	return &NFeSyncJob{
		Syncer:       syncer,
		Destinations: destinations,
		LookbackDays: lookbackDays,
		Logger:       logger,
		Metrics:      metrics,
		clock:        time.Now,
	}
}

// WithClock overrides the clock used to resolve the default window.
func (j *NFeSyncJob) WithClock(clock func() time.Time) *NFeSyncJob {
	j.clock = clock
	return j
}

// Handle processes TaskNFeSync tasks.
func (j *NFeSyncJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Syncer == nil {
		return errors.New("nfe sync: handler not configured")
	}
	var payload NFeSyncPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	req, err := j.request(payload)
	if err != nil {
		j.logger().Error("invalid nfe sync payload", slog.Any("error", err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskNFeSync)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(
		slog.String("from", req.From.Format(dateLayout)),
		slog.String("to", req.To.Format(dateLayout)),
		slog.Int("companies", len(req.CNPJs)),
	)
	summary, err := j.Syncer.Run(ctx, req)

	m := j.metrics()
	m.AddInvoices("stored", summary.Stored)
	m.AddInvoices("skipped", summary.Skipped)
	m.AddInvoices("malformed", summary.Malformed)

	if err != nil {
		resultErr = err
		logger.Error("nfe sync failed", slog.Any("error", err))
		return resultErr
	}
	if summary.Companies > 0 && summary.Busy == summary.Companies {
		tracker.Skip()
	}
	logger.Info("completed nfe sync",
		slog.Int("stored", summary.Stored),
		slog.Int("skipped", summary.Skipped),
		slog.Int("malformed", summary.Malformed),
		slog.Int("failed", summary.Failed),
		slog.Int("busy", summary.Busy),
	)
	return resultErr
}

func (j *NFeSyncJob) request(p NFeSyncPayload) (nfe.SyncRequest, error) {
	lookback := j.LookbackDays
	if lookback <= 0 {
		lookback = 7
	}
	now := j.now()
	req := nfe.SyncRequest{
		From:  now.AddDate(0, 0, -lookback),
		To:    now,
		CNPJs: p.CNPJs,
	}
	if p.From != "" {
		from, err := parseDate(p.From)
		if err != nil {
			return req, err
		}
		req.From = from
	}
	if p.To != "" {
		to, err := parseDate(p.To)
		if err != nil {
			return req, err
		}
		req.To = to
	}
	if len(req.CNPJs) == 0 {
		req.CNPJs = j.Destinations
	}
	if len(req.CNPJs) == 0 {
		return req, errors.New("nfe sync: no destination cnpj configured")
	}
	return req, nil
}

func (j *NFeSyncJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskNFeSync))
	}
	return slog.Default().With(slog.String("job", TaskNFeSync))
}

func (j *NFeSyncJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *NFeSyncJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now()
}
