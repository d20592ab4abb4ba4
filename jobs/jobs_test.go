package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-recon/internal/estimates"
	jobmetrics "github.com/odyssey-erp/odyssey-recon/internal/jobs"
	"github.com/odyssey-erp/odyssey-recon/internal/nfe"
)

type stubRunner struct {
	got     []estimates.Options
	summary estimates.RunSummary
	err     error
}

func (s *stubRunner) Run(_ context.Context, opts estimates.Options) (estimates.RunSummary, error) {
	s.got = append(s.got, opts)
	return s.summary, s.err
}

type stubSyncer struct {
	got     []nfe.SyncRequest
	summary nfe.SyncSummary
	err     error
}

func (s *stubSyncer) Run(_ context.Context, req nfe.SyncRequest) (nfe.SyncSummary, error) {
	s.got = append(s.got, req)
	return s.summary, s.err
}

func TestMatchEstimatesAppliesPayloadOverDefaults(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(registry)
	runner := &stubRunner{summary: estimates.RunSummary{RunID: "r1", Inserted: 4, Updated: 1, Cleaned: 2}}
	job := NewMatchEstimatesJob(runner, estimates.DefaultOptions(), nil, metrics)

	task, err := NewMatchEstimatesTask(MatchEstimatesPayload{Days: 30, CleanOnly: true})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Equal(t, []estimates.Options{{Days: 30, MinScore: estimates.DefaultMinScore, CleanOnly: true}}, runner.got)

	require.Equal(t, map[string]float64{"inserted": 4, "updated": 1, "cleaned": 2},
		counterValues(t, registry, "odyssey_recon_estimates_total", "outcome"))
	require.Equal(t, map[string]float64{"success": 1},
		counterValues(t, registry, "odyssey_jobs_total", "status"))
}

func counterValues(t *testing.T, registry *prometheus.Registry, name, label string) map[string]float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	out := make(map[string]float64)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if pair.GetName() == label {
					out[pair.GetValue()] += metric.GetCounter().GetValue()
				}
			}
		}
	}
	return out
}

func TestMatchEstimatesErrors(t *testing.T) {
	runner := &stubRunner{}
	job := NewMatchEstimatesJob(runner, estimates.DefaultOptions(), nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	err := job.Handle(context.Background(), asynq.NewTask(TaskMatchEstimates, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Empty(t, runner.got)

	runner.err = fmt.Errorf("%w: days", estimates.ErrInvalidRequest)
	err = job.Handle(context.Background(), asynq.NewTask(TaskMatchEstimates, nil))
	require.ErrorIs(t, err, asynq.SkipRetry)

	runner.err = errors.New("database gone")
	err = job.Handle(context.Background(), asynq.NewTask(TaskMatchEstimates, nil))
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestNFeSyncResolvesDefaultWindow(t *testing.T) {
	syncer := &stubSyncer{summary: nfe.SyncSummary{Stored: 2}}
	now := time.Date(2024, 3, 20, 9, 0, 0, 0, time.Local)
	job := NewNFeSyncJob(syncer, []string{"99888777000166"}, 5, nil, jobmetrics.NewMetrics(prometheus.NewRegistry())).
		WithClock(func() time.Time { return now })

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskNFeSync, nil)))
	require.Len(t, syncer.got, 1)
	require.Equal(t, now.AddDate(0, 0, -5), syncer.got[0].From)
	require.Equal(t, now, syncer.got[0].To)
	require.Equal(t, []string{"99888777000166"}, syncer.got[0].CNPJs)

	task, err := NewNFeSyncTask(NFeSyncPayload{From: "2024-01-01", To: "2024-01-31", CNPJs: []string{"55444333000122"}})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local), syncer.got[1].From)
	require.Equal(t, []string{"55444333000122"}, syncer.got[1].CNPJs)
}

func TestNFeSyncRejectsBadPayloads(t *testing.T) {
	syncer := &stubSyncer{}
	job := NewNFeSyncJob(syncer, nil, 7, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewNFeSyncTask(NFeSyncPayload{From: "01/02/2024", CNPJs: []string{"55444333000122"}})
	require.NoError(t, err)
	require.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)

	require.ErrorIs(t, job.Handle(context.Background(), asynq.NewTask(TaskNFeSync, nil)), asynq.SkipRetry)
	require.Empty(t, syncer.got)
}

func TestNewTask(t *testing.T) {
	for _, taskType := range TaskTypes() {
		task, err := NewTask(taskType)
		require.NoError(t, err)
		require.Equal(t, taskType, task.Type())
		require.True(t, json.Valid(task.Payload()))
	}
	_, err := NewTask("mail:send")
	require.Error(t, err)
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func TestHealthEndpoint(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(stubInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 3, Failed: 1}}, nil).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health QueueHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Equal(t, QueueHealth{Queue: QueueDefault, Pending: 3, Failed: 1}, health)

	r = chi.NewRouter()
	NewHandler(stubInspector{err: errors.New("redis down")}, nil).MountRoutes(r)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMatchEstimatesLockedRunIsSkipped(t *testing.T) {
	registry := prometheus.NewRegistry()
	runner := &stubRunner{summary: estimates.RunSummary{Locked: true}}
	job := NewMatchEstimatesJob(runner, estimates.DefaultOptions(), nil, jobmetrics.NewMetrics(registry))

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskMatchEstimates, nil)))
	require.Equal(t, map[string]float64{"skipped": 1},
		counterValues(t, registry, "odyssey_jobs_total", "status"))
	require.Empty(t, counterValues(t, registry, "odyssey_recon_estimates_total", "outcome"))
}
