package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-recon/internal/erp"
	"github.com/odyssey-erp/odyssey-recon/internal/estimates"
	"github.com/odyssey-erp/odyssey-recon/internal/nfe"
	"github.com/odyssey-erp/odyssey-recon/jobs"
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

func TestMatchCommandParsesFlags(t *testing.T) {
	runner := &stubRunner{summary: estimates.RunSummary{RunID: "run-1", Inserted: 3, Cleaned: 1}}
	cli, err := NewEstimatesCLI(runner)
	require.NoError(t, err)

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	code := cli.MatchCommand(context.Background(), MatchOptions{
		IO:   IO{Stdout: stdout, Stderr: stderr},
		Args: []string{"--days", "30", "--min-score", "85", "--clean-only", "--json"},
	})
	require.Equal(t, 0, code, stderr.String())
	require.Equal(t, []estimates.Options{{Days: 30, MinScore: 85, CleanOnly: true}}, runner.got)

	var summary estimates.RunSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.Equal(t, runner.summary, summary)
}

func TestMatchCommandDefaultsAndText(t *testing.T) {
	runner := &stubRunner{summary: estimates.RunSummary{RunID: "run-2", OrdersMatched: 4}}
	cli, err := NewEstimatesCLI(runner)
	require.NoError(t, err)

	stdout := new(bytes.Buffer)
	code := cli.MatchCommand(context.Background(), MatchOptions{IO: IO{Stdout: stdout, Stderr: io.Discard}})
	require.Equal(t, 0, code)
	require.Equal(t, []estimates.Options{estimates.DefaultOptions()}, runner.got)
	require.Contains(t, stdout.String(), "orders matched")
	require.Contains(t, stdout.String(), "run-2")
}

func TestMatchCommandExitCodes(t *testing.T) {
	cases := []struct {
		name    string
		args    []string
		summary estimates.RunSummary
		err     error
		want    int
	}{
		{name: "unknown flag", args: []string{"--verbose"}, want: 2},
		{name: "invalid options", err: fmt.Errorf("%w: days", estimates.ErrInvalidRequest), want: 2},
		{name: "fatal", err: errors.New("connection refused"), want: 1},
		{name: "locked", summary: estimates.RunSummary{Locked: true}, want: 0},
		{name: "interrupted", summary: estimates.RunSummary{Interrupted: true}, want: 130},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cli, err := NewEstimatesCLI(&stubRunner{summary: tc.summary, err: tc.err})
			require.NoError(t, err)
			code := cli.MatchCommand(context.Background(), MatchOptions{
				IO:   IO{Stdout: io.Discard, Stderr: io.Discard},
				Args: tc.args,
			})
			require.Equal(t, tc.want, code)
		})
	}
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

func TestSyncCommandWindow(t *testing.T) {
	syncer := &stubSyncer{summary: nfe.SyncSummary{Companies: 1, Stored: 5}}
	cli, err := NewNFeCLI(syncer)
	require.NoError(t, err)
	now := time.Date(2024, 5, 10, 8, 0, 0, 0, time.Local)

	stdout := new(bytes.Buffer)
	code := cli.SyncCommand(context.Background(), SyncOptions{
		IO:           IO{Stdout: stdout, Stderr: io.Discard},
		Destinations: []string{"11222333000144"},
		LookbackDays: 3,
		Now:          func() time.Time { return now },
	})
	require.Equal(t, 0, code)
	require.Equal(t, nfe.SyncRequest{From: now.AddDate(0, 0, -3), To: now, CNPJs: []string{"11222333000144"}}, syncer.got[0])
	require.Contains(t, stdout.String(), "stored")

	code = cli.SyncCommand(context.Background(), SyncOptions{
		IO:   IO{Stdout: io.Discard, Stderr: io.Discard},
		Args: []string{"--from", "2024-04-01", "--to", "2024-04-30", "--cnpj", "11222333000144, 55444333000122"},
		Now:  func() time.Time { return now },
	})
	require.Equal(t, 0, code)
	require.Equal(t, time.Date(2024, 4, 1, 0, 0, 0, 0, time.Local), syncer.got[1].From)
	require.Equal(t, time.Date(2024, 4, 30, 0, 0, 0, 0, time.Local), syncer.got[1].To)
	require.Equal(t, []string{"11222333000144", "55444333000122"}, syncer.got[1].CNPJs)
}

func TestSyncCommandErrors(t *testing.T) {
	syncer := &stubSyncer{}
	cli, err := NewNFeCLI(syncer)
	require.NoError(t, err)

	stderr := new(bytes.Buffer)
	code := cli.SyncCommand(context.Background(), SyncOptions{IO: IO{Stdout: io.Discard, Stderr: stderr}})
	require.Equal(t, 2, code)
	require.Contains(t, stderr.String(), "NFE_DEST_CNPJS")

	code = cli.SyncCommand(context.Background(), SyncOptions{
		IO:           IO{Stdout: io.Discard, Stderr: io.Discard},
		Args:         []string{"--from", "01/04/2024"},
		Destinations: []string{"11222333000144"},
	})
	require.Equal(t, 2, code)
	require.Empty(t, syncer.got)

	syncer.err = errors.New("store down")
	code = cli.SyncCommand(context.Background(), SyncOptions{
		IO:           IO{Stdout: io.Discard, Stderr: io.Discard},
		Destinations: []string{"11222333000144"},
	})
	require.Equal(t, 1, code)
}

type stubIngester struct {
	body    string
	summary erp.Summary
	err     error
}

func (s *stubIngester) Ingest(_ context.Context, r io.Reader) (erp.Summary, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return erp.Summary{}, err
	}
	s.body = string(data)
	return s.summary, s.err
}

func TestIngestCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.xml")
	require.NoError(t, os.WriteFile(path, []byte("<TPED_COMPRA/>"), 0o600))

	ingester := &stubIngester{summary: erp.Summary{Decoded: 2, Ingested: 2, Relinked: 1}}
	cli, err := NewERPCLI(ingester)
	require.NoError(t, err)

	stdout := new(bytes.Buffer)
	code := cli.IngestCommand(context.Background(), IngestOptions{
		IO:   IO{Stdout: stdout, Stderr: io.Discard},
		Args: []string{"--json", path},
	})
	require.Equal(t, 0, code)
	require.Equal(t, "<TPED_COMPRA/>", ingester.body)
	var summary erp.Summary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.Equal(t, ingester.summary, summary)

	code = cli.IngestCommand(context.Background(), IngestOptions{
		IO:    IO{Stdout: io.Discard, Stderr: io.Discard},
		Args:  []string{"-"},
		Stdin: strings.NewReader("<from-stdin/>"),
	})
	require.Equal(t, 0, code)
	require.Equal(t, "<from-stdin/>", ingester.body)
}

func TestIngestCommandFailures(t *testing.T) {
	ingester := &stubIngester{summary: erp.Summary{Decoded: 2, Ingested: 1, Failed: 1}}
	cli, err := NewERPCLI(ingester)
	require.NoError(t, err)
	quiet := IO{Stdout: io.Discard, Stderr: io.Discard}

	require.Equal(t, 2, cli.IngestCommand(context.Background(), IngestOptions{IO: quiet}))
	require.Equal(t, 1, cli.IngestCommand(context.Background(), IngestOptions{IO: quiet, Args: []string{filepath.Join(t.TempDir(), "missing.xml")}}))
	require.Equal(t, 1, cli.IngestCommand(context.Background(), IngestOptions{IO: quiet, Args: []string{"-"}, Stdin: strings.NewReader("")}))
}

type stubQueue struct {
	enqueued []*asynq.Task
	info     *asynq.QueueInfo
	closed   int
}

func (s *stubQueue) Enqueue(_ context.Context, task *asynq.Task) (*asynq.TaskInfo, error) {
	s.enqueued = append(s.enqueued, task)
	return &asynq.TaskInfo{ID: "task-1", Type: task.Type(), Queue: jobs.QueueDefault}, nil
}

func (s *stubQueue) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return s.info, nil
}

func (s *stubQueue) ListScheduledTasks(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return nil, nil
}

func (s *stubQueue) Close() error {
	s.closed++
	return nil
}

func TestJobsCommand(t *testing.T) {
	queue := &stubQueue{info: &asynq.QueueInfo{Queue: jobs.QueueDefault, Pending: 2, Retry: 1}}
	cli := &JobsCLI{client: queue, inspector: queue}

	stdout := new(bytes.Buffer)
	code := cli.JobsCommand(context.Background(), JobsOptions{
		IO:   IO{Stdout: stdout, Stderr: io.Discard},
		Args: []string{"--json", "trigger", jobs.TaskMatchEstimates},
	})
	require.Equal(t, 0, code)
	require.Len(t, queue.enqueued, 1)
	require.Equal(t, jobs.TaskMatchEstimates, queue.enqueued[0].Type())
	require.Contains(t, stdout.String(), `"id": "task-1"`)

	stdout.Reset()
	code = cli.JobsCommand(context.Background(), JobsOptions{IO: IO{Stdout: stdout, Stderr: io.Discard, JSONOutput: true}, Args: []string{"inspect"}})
	require.Equal(t, 0, code)
	var stats QueueStats
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &stats))
	require.Equal(t, QueueStats{Queue: jobs.QueueDefault, Pending: 2, Retry: 1}, stats)

	quiet := IO{Stdout: io.Discard, Stderr: io.Discard}
	require.Equal(t, 1, cli.JobsCommand(context.Background(), JobsOptions{IO: quiet, Args: []string{"trigger", "mail:send"}}))
	require.Equal(t, 2, cli.JobsCommand(context.Background(), JobsOptions{IO: quiet, Args: []string{"purge"}}))
	require.Equal(t, 2, cli.JobsCommand(context.Background(), JobsOptions{IO: quiet}))

	require.NoError(t, cli.Close())
	require.Equal(t, 2, queue.closed)
}
