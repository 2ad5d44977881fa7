package batch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gammadia/towerlaunch/dataset"
	"github.com/gammadia/towerlaunch/launchfile"
	"github.com/gammadia/towerlaunch/monitor"
	"github.com/gammadia/towerlaunch/tower"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Fake Tower ---

type fakeTower struct {
	mu       sync.Mutex
	launches []tower.LaunchInfo
	options  []tower.LaunchOptions
	// final status by run name, SUCCEEDED when missing
	final map[string]tower.Status
	// launch error by run name
	failLaunch map[string]error
	reuse      map[string]bool
	delay      time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	polls       atomic.Int32
}

func newFakeTower() *fakeTower {
	return &fakeTower{final: map[string]tower.Status{}, failLaunch: map[string]error{}, reuse: map[string]bool{}}
}

func (f *fakeTower) LaunchWorkflow(_ context.Context, info tower.LaunchInfo, options tower.LaunchOptions) (*tower.LaunchResult, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		current := f.maxInFlight.Load()
		if n <= current || f.maxInFlight.CompareAndSwap(current, n) {
			break
		}
	}
	time.Sleep(f.delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failLaunch[info.RunName]; err != nil {
		return nil, err
	}
	f.launches = append(f.launches, info)
	f.options = append(f.options, options)
	return &tower.LaunchResult{WorkflowID: "wf-" + info.RunName, Reused: f.reuse[info.RunName]}, nil
}

func (f *fakeTower) GetWorkflow(_ context.Context, id string) (*tower.WorkflowDetails, error) {
	return &tower.WorkflowDetails{Workflow: tower.Workflow{ID: id, RunName: strings.TrimPrefix(id, "wf-"), Status: tower.StatusRunning}}, nil
}

func (f *fakeTower) GetWorkflowStatus(_ context.Context, id string) (tower.Status, bool, error) {
	f.polls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.final[strings.TrimPrefix(id, "wf-")]
	if !ok {
		status = tower.StatusSucceeded
	}
	return status, status.IsDone(), nil
}

func (f *fakeTower) runNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return lo.Map(f.launches, func(info tower.LaunchInfo, _ int) string { return info.RunName })
}

// --- Fake ledger ---

type fakeLedger struct {
	mu       sync.Mutex
	launches []string
	statuses map[string][]tower.Status
}

func (l *fakeLedger) RecordLaunch(_ context.Context, batchID, dataset, stage, runID, runName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches = append(l.launches, strings.Join([]string{batchID, dataset, stage, runID, runName}, "/"))
	return nil
}

func (l *fakeLedger) RecordStatus(_ context.Context, runID string, status tower.Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.statuses == nil {
		l.statuses = map[string][]tower.Status{}
	}
	l.statuses[runID] = append(l.statuses[runID], status)
	return nil
}

// --- Helpers ---

var datasets = []dataset.Dataset{
	{ID: "ds1", StartingStep: "mapping", Samplesheet: "s3://bucket/ds1.csv", ParentID: "syn1"},
	{ID: "ds2", StartingStep: "variant_calling", Samplesheet: "s3://bucket/ds2.csv", ParentID: "syn2"},
	{ID: "ds3", StartingStep: "mapping", Samplesheet: "s3://bucket/ds3.csv", ParentID: "syn3"},
}

func newTestRunner(fake *fakeTower, stages ...string) *Runner {
	return &Runner{
		Launcher: fake,
		Monitor: &monitor.Monitor{
			Client:    fake,
			Interval:  time.Minute,
			MaxErrors: 3,
			Sleep:     func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
		},
		Stages: lo.Map(stages, func(name string, _ int) Stage {
			return Stage{Name: name, Template: lo.Must(launchfile.Read(name))}
		}),
		BatchID: "batch-1",
	}
}

// --- Tests ---

func TestRun_AllSucceed(t *testing.T) {
	fake := newFakeTower()
	ledger := &fakeLedger{}
	runner := newTestRunner(fake, "sarek", "synindex")
	runner.Ledger = ledger

	results := runner.Run(context.Background(), datasets)
	require.Len(t, results, 3)

	for i, result := range results {
		assert.Equal(t, datasets[i].ID, result.Dataset.ID, "results follow dataset order")
		assert.True(t, result.Succeeded())
		require.Len(t, result.Stages, 2)
		assert.Equal(t, StageResult{Stage: "sarek", RunID: "wf-sarek_" + result.Dataset.ID, RunName: "sarek_" + result.Dataset.ID, Status: tower.StatusSucceeded}, result.Stages[0])
		assert.Equal(t, tower.StatusSucceeded, result.Stages[1].Status)
		assert.Equal(t, "synindex_"+result.Dataset.ID, result.Stages[1].RunName)
	}

	assert.ElementsMatch(t, []string{"sarek_ds1", "sarek_ds2", "sarek_ds3", "synindex_ds1", "synindex_ds2", "synindex_ds3"}, fake.runNames())
	for _, options := range fake.options {
		assert.Equal(t, tower.LaunchOptions{ComputeEnv: "spot"}, options)
	}

	assert.Len(t, ledger.launches, 6)
	assert.Contains(t, ledger.launches, "batch-1/ds2/synindex/wf-synindex_ds2/synindex_ds2")
	assert.Equal(t, []tower.Status{tower.StatusRunning, tower.StatusSucceeded}, ledger.statuses["wf-sarek_ds1"])

	summary := Summarize(results)
	assert.Equal(t, Summary{Datasets: 3, Succeeded: 3, Statuses: map[tower.Status]int{tower.StatusSucceeded: 6}}, summary)
}

func TestRun_FailedStageSkipsTheRestOfItsChainOnly(t *testing.T) {
	fake := newFakeTower()
	fake.final["sarek_ds2"] = tower.StatusFailed
	runner := newTestRunner(fake, "sarek", "synindex")

	results := runner.Run(context.Background(), datasets)

	assert.True(t, results[0].Succeeded())
	assert.True(t, results[2].Succeeded())

	failed := results[1]
	assert.False(t, failed.Succeeded())
	assert.EqualError(t, failed.Err, "sarek: run 'wf-sarek_ds2' ended with status FAILED")
	assert.Equal(t, tower.StatusFailed, failed.Stages[0].Status)
	assert.Equal(t, StageResult{Stage: "synindex", Skipped: true}, failed.Stages[1])

	last, ok := failed.LastRun()
	require.True(t, ok)
	assert.Equal(t, "sarek", last.Stage)

	assert.NotContains(t, fake.runNames(), "synindex_ds2")

	summary := Summarize(results)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, map[tower.Status]int{tower.StatusSucceeded: 4, tower.StatusFailed: 1}, summary.Statuses)
}

func TestRun_LaunchErrorIsCollected(t *testing.T) {
	fake := newFakeTower()
	fake.failLaunch["sarek_ds1"] = &tower.APIError{StatusCode: 400, Message: "Invalid compute env"}
	runner := newTestRunner(fake, "sarek")

	results := runner.Run(context.Background(), datasets)

	require.Error(t, results[0].Err)
	assert.Contains(t, results[0].Err.Error(), "sarek: Tower API error: HTTP 400: Invalid compute env")
	var apiErr *tower.APIError
	assert.True(t, errors.As(results[0].Err, &apiErr))

	assert.True(t, results[1].Succeeded())
	assert.True(t, results[2].Succeeded())
}

func TestRun_RenderErrorIsCollected(t *testing.T) {
	fake := newFakeTower()
	runner := newTestRunner(fake, "sarek", "synindex")

	broken := []dataset.Dataset{{ID: "ds1", StartingStep: "mapping", Samplesheet: "s3://bucket/ds1.csv"}}
	results := runner.Run(context.Background(), broken)

	assert.True(t, results[0].Stages[0].Status.IsSuccess())
	require.Error(t, results[0].Err)
	assert.Contains(t, results[0].Err.Error(), "synindex: render 'synindex'")
	assert.Contains(t, results[0].Err.Error(), "has no parent_id")
}

func TestRun_Async(t *testing.T) {
	fake := newFakeTower()
	runner := newTestRunner(fake, "sarek", "synindex")
	runner.Async = true

	results := runner.Run(context.Background(), datasets)

	for _, result := range results {
		assert.True(t, result.Succeeded())
		assert.Equal(t, tower.StatusSubmitted, result.Stages[0].Status)
		assert.True(t, result.Stages[1].Skipped)
	}
	assert.ElementsMatch(t, []string{"sarek_ds1", "sarek_ds2", "sarek_ds3"}, fake.runNames())
	assert.Equal(t, int32(0), fake.polls.Load(), "runs are not monitored in async mode")
}

func TestRun_Options(t *testing.T) {
	fake := newFakeTower()
	fake.reuse["sarek_ds1"] = true
	runner := newTestRunner(fake, "sarek")
	runner.ComputeEnv = "on-demand"
	runner.IgnorePreviousRuns = true
	runner.ReadOptions = launchfile.ReadOptions{Params: map[string]string{"bucket": "s3://other"}}

	results := runner.Run(context.Background(), datasets[:1])

	assert.True(t, results[0].Stages[0].Reused)
	require.Len(t, fake.launches, 1)
	assert.Equal(t, tower.LaunchOptions{ComputeEnv: "on-demand", IgnorePreviousRuns: true}, fake.options[0])
	assert.Equal(t, "s3://other/outputs/sarek_ds1/", fake.launches[0].Params["outdir"])
}

func TestRun_MaxParallel(t *testing.T) {
	fake := newFakeTower()
	fake.delay = 20 * time.Millisecond
	runner := newTestRunner(fake, "sarek")
	runner.MaxParallel = 1

	runner.Run(context.Background(), datasets)

	assert.Len(t, fake.runNames(), 3)
	assert.Equal(t, int32(1), fake.maxInFlight.Load())
}

func TestRun_Unbounded(t *testing.T) {
	fake := newFakeTower()
	fake.delay = 50 * time.Millisecond
	runner := newTestRunner(fake, "sarek")

	runner.Run(context.Background(), datasets)

	assert.Greater(t, fake.maxInFlight.Load(), int32(1))
}

func TestRun_Cancelled(t *testing.T) {
	fake := newFakeTower()
	runner := newTestRunner(fake, "sarek", "synindex")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := runner.Run(ctx, datasets)

	for _, result := range results {
		assert.ErrorIs(t, result.Err, context.Canceled)
		assert.True(t, result.Stages[1].Skipped)
	}
	assert.Empty(t, fake.runNames())
}

func TestSubscribe(t *testing.T) {
	fake := newFakeTower()
	runner := newTestRunner(fake, "sarek", "synindex")
	fake.final["sarek_ds1"] = tower.StatusCancelled

	events, unsubscribe := runner.Subscribe()
	defer unsubscribe()

	var collected []Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range events {
			collected = append(collected, event)
		}
	}()

	runner.Run(context.Background(), datasets[:1])
	<-done

	require.NotEmpty(t, collected)
	assert.Equal(t, EventChainStarted{Dataset: "ds1"}, collected[0])
	assert.Equal(t, EventRunLaunched{Dataset: "ds1", Stage: "sarek", Run: "wf-sarek_ds1", RunName: "sarek_ds1"}, collected[1])
	assert.Equal(t, EventRunStatus{Dataset: "ds1", Stage: "sarek", Run: "wf-sarek_ds1", Status: tower.StatusRunning}, collected[2])
	assert.Contains(t, collected, EventRunCompleted{Dataset: "ds1", Stage: "sarek", Run: "wf-sarek_ds1", RunName: "sarek_ds1", Status: tower.StatusCancelled})
	assert.Contains(t, collected, EventStageSkipped{Dataset: "ds1", Stage: "synindex", Reason: "previous stage did not succeed"})

	chainCompleted, ok := collected[len(collected)-2].(EventChainCompleted)
	require.True(t, ok)
	assert.False(t, chainCompleted.Succeeded)

	batchCompleted, ok := collected[len(collected)-1].(EventBatchCompleted)
	require.True(t, ok)
	assert.Equal(t, 1, batchCompleted.Summary.Failed)
}

func TestSubscribe_AfterRun(t *testing.T) {
	runner := newTestRunner(newFakeTower(), "sarek")
	runner.Run(context.Background(), nil)

	events, unsubscribe := runner.Subscribe()
	defer unsubscribe()
	_, open := <-events
	assert.False(t, open)
}

func TestUnsubscribe_DoesNotBlockTheRun(t *testing.T) {
	runner := newTestRunner(newFakeTower(), "sarek")

	_, unsubscribe := runner.Subscribe()
	unsubscribe()

	finished := make(chan struct{})
	go func() {
		runner.Run(context.Background(), datasets)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("run blocked on an unsubscribed channel")
	}
}
