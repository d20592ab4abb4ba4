package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskMatchEstimates runs the estimate persistor.
	TaskMatchEstimates = "recon:match_estimates"
	// TaskNFeSync pulls invoices from the fiscal API.
	TaskNFeSync = "nfe:sync"

	matchUniqueTTL = 6 * time.Hour
	syncUniqueTTL  = time.Hour
	dateLayout     = "2006-01-02"
)

// TaskTypes lists the task types the worker serves.
func TaskTypes() []string {
	return []string{TaskMatchEstimates, TaskNFeSync}
}

// MatchEstimatesPayload carries the persistor options. Zero values fall back
// to the configured defaults.
type MatchEstimatesPayload struct {
	Days      int     `json:"days,omitempty"`
	MinScore  float64 `json:"min_score,omitempty"`
	CleanOnly bool    `json:"clean_only,omitempty"`
}

// NewMatchEstimatesTask builds a persistor task.
func NewMatchEstimatesTask(payload MatchEstimatesPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskMatchEstimates, body,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(2),
		asynq.Unique(matchUniqueTTL),
	), nil
}

// NFeSyncPayload carries the synchronization window as yyyy-mm-dd dates.
// An empty window means the configured lookback ending today; no CNPJs means
// every configured destination.
type NFeSyncPayload struct {
	From  string   `json:"from,omitempty"`
	To    string   `json:"to,omitempty"`
	CNPJs []string `json:"cnpjs,omitempty"`
}

// NewNFeSyncTask builds a synchronization task.
func NewNFeSyncTask(payload NFeSyncPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNFeSync, body,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(3),
		asynq.Unique(syncUniqueTTL),
	), nil
}

// NewTask builds a task of the given type with default options, the way
// manual triggers and cron entries do.
func NewTask(taskType string) (*asynq.Task, error) {
	switch taskType {
	case TaskMatchEstimates:
		return NewMatchEstimatesTask(MatchEstimatesPayload{})
	case TaskNFeSync:
		return NewNFeSyncTask(NFeSyncPayload{})
	default:
		return nil, fmt.Errorf("jobs: unknown task type %q", taskType)
	}
}

func parseDate(value string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, value, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("jobs: date %q: %w", value, err)
	}
	return t, nil
}
