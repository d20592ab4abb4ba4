package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-recon/jobs"
)

// Enqueuer submits prepared tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task) (*asynq.TaskInfo, error)
	Close() error
}

// Inspector is the part of *asynq.Inspector the jobs commands read.
type Inspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListScheduledTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	Close() error
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    Enqueuer
	inspector Inspector
}

// NewJobsCLI initialises the CLI helpers against the queue's Redis.
func NewJobsCLI(opts asynq.RedisClientOpt) *JobsCLI {
	return &JobsCLI{client: jobs.NewClient(opts), inspector: asynq.NewInspector(opts)}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// Trigger enqueues a supported job by name with its default payload.
func (c *JobsCLI) Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	task, err := jobs.NewTask(name)
	if err != nil {
		return nil, fmt.Errorf("jobs cli: %w", err)
	}
	return c.client.Enqueue(ctx, task)
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Failed    int    `json:"failed"`
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Failed = info.Failed
	}
	return stats, nil
}

// ListScheduled returns scheduled task infos for observability.
func (c *JobsCLI) ListScheduled(ctx context.Context, size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListScheduledTasks(jobs.QueueDefault, asynq.PageSize(size), asynq.Page(1))
}

// JobsOptions configures the jobs command.
type JobsOptions struct {
	IO
	Args []string
}

// JobsCommand dispatches "trigger <task>", "inspect" and "scheduled".
func (c *JobsCLI) JobsCommand(ctx context.Context, opts JobsOptions) int {
	opts.IO = opts.IO.withDefaults()

	fs := newFlagSet("jobs", opts.Stderr)
	fs.BoolVar(&opts.JSONOutput, "json", opts.JSONOutput, "print results as JSON")
	if err := fs.Parse(opts.Args); err != nil {
		return exitUsage
	}
	args := fs.Args()
	if len(args) == 0 {
		fmt.Fprintln(opts.Stderr, "jobs: expected trigger <task>, inspect or scheduled")
		return exitUsage
	}

	switch args[0] {
	case "trigger":
		if len(args) != 2 {
			fmt.Fprintf(opts.Stderr, "jobs trigger: expected one of %v\n", jobs.TaskTypes())
			return exitUsage
		}
		info, err := c.Trigger(ctx, args[1])
		if err != nil {
			fmt.Fprintf(opts.Stderr, "jobs trigger: %v\n", err)
			return exitFailure
		}
		type enqueued struct {
			ID    string `json:"id"`
			Type  string `json:"type"`
			Queue string `json:"queue"`
		}
		out := enqueued{ID: info.ID, Type: info.Type, Queue: info.Queue}
		if err := writeSummary(opts.IO, out, []field{{"id", out.ID}, {"type", out.Type}, {"queue", out.Queue}}); err != nil {
			fmt.Fprintf(opts.Stderr, "jobs trigger: %v\n", err)
			return exitFailure
		}
	case "inspect":
		stats, err := c.InspectQueue(ctx)
		if err != nil {
			fmt.Fprintf(opts.Stderr, "jobs inspect: %v\n", err)
			return exitFailure
		}
		if err := writeSummary(opts.IO, stats, []field{
			{"queue", stats.Queue},
			{"pending", stats.Pending},
			{"active", stats.Active},
			{"scheduled", stats.Scheduled},
			{"retry", stats.Retry},
			{"failed", stats.Failed},
		}); err != nil {
			fmt.Fprintf(opts.Stderr, "jobs inspect: %v\n", err)
			return exitFailure
		}
	case "scheduled":
		tasks, err := c.ListScheduled(ctx, 20)
		if err != nil {
			fmt.Fprintf(opts.Stderr, "jobs scheduled: %v\n", err)
			return exitFailure
		}
		fields := make([]field, 0, len(tasks))
		for _, t := range tasks {
			fields = append(fields, field{t.ID, t.Type + " @ " + t.NextProcessAt.Format("2006-01-02 15:04")})
		}
		if err := writeSummary(opts.IO, tasks, fields); err != nil {
			fmt.Fprintf(opts.Stderr, "jobs scheduled: %v\n", err)
			return exitFailure
		}
	default:
		fmt.Fprintf(opts.Stderr, "jobs: unknown subcommand %q\n", args[0])
		return exitUsage
	}
	return exitOK
}
