package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-recon/internal/estimates"
	jobmetrics "github.com/odyssey-erp/odyssey-recon/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// EstimatesRunner executes one persistor run.
type EstimatesRunner interface {
	Run(ctx context.Context, opts estimates.Options) (estimates.RunSummary, error)
}

// MatchEstimatesJob runs the estimate persistor from the queue.
type MatchEstimatesJob struct {
	Runner   EstimatesRunner
	Defaults estimates.Options
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewMatchEstimatesJob wires the persistor handler.
func NewMatchEstimatesJob(runner EstimatesRunner, defaults estimates.Options, logger *slog.Logger, metrics *jobmetrics.Metrics) *MatchEstimatesJob {
	return &MatchEstimatesJob{
		Runner:   runner,
		Defaults: defaults,
		Logger:   logger,
		Metrics:  metrics,
		clock:    time.Now,
	}
}

// Handle processes TaskMatchEstimates tasks.
func (j *MatchEstimatesJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Runner == nil {
		return errors.New("match estimates: handler not configured")
	}
	var payload MatchEstimatesPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	opts := j.options(payload)

	start := j.now()
	tracker := j.metrics().Track(TaskMatchEstimates)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(
		slog.Int("days", opts.Days),
		slog.Float64("min_score", opts.MinScore),
		slog.Bool("clean_only", opts.CleanOnly),
	)

	summary, err := j.Runner.Run(ctx, opts)
	if err != nil {
		if errors.Is(err, estimates.ErrInvalidRequest) {
			resultErr = fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		} else {
			resultErr = err
		}
		logger.Error("match estimates failed", slog.String("run_id", summary.RunID), slog.Any("error", err))
		return resultErr
	}
	if summary.Locked {
		tracker.Skip()
		logger.Info("match estimates skipped, lock held elsewhere")
		return resultErr
	}

	m := j.metrics()
	m.AddEstimates("inserted", summary.Inserted)
	m.AddEstimates("updated", summary.Updated)
	m.AddEstimates("unchanged", summary.Unchanged)
	m.AddEstimates("cleaned", int(summary.Cleaned))

	logger.Info("completed match estimates",
		slog.String("run_id", summary.RunID),
		slog.Int("orders_matched", summary.OrdersMatched),
		slog.Int("orders_failed", summary.OrdersFailed),
		slog.Bool("interrupted", summary.Interrupted),
		slog.Duration("duration", j.now().Sub(start)),
	)
	return resultErr
}

func (j *MatchEstimatesJob) options(p MatchEstimatesPayload) estimates.Options {
	opts := j.Defaults
	if opts.Days <= 0 {
		opts.Days = estimates.DefaultDays
	}
	if opts.MinScore <= 0 {
		opts.MinScore = estimates.DefaultMinScore
	}
	if p.Days != 0 {
		opts.Days = p.Days
	}
	if p.MinScore != 0 {
		opts.MinScore = p.MinScore
	}
	opts.CleanOnly = opts.CleanOnly || p.CleanOnly
	return opts
}

func (j *MatchEstimatesJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskMatchEstimates))
	}
	return slog.Default().With(slog.String("job", TaskMatchEstimates))
}

func (j *MatchEstimatesJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *MatchEstimatesJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now()
}
