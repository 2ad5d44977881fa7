package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gammadia/towerlaunch/monitor"
	"github.com/gammadia/towerlaunch/tower"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedTower answers status checks per run from a script; the last entry repeats forever.
type scriptedTower struct {
	mu       sync.Mutex
	scripts  map[string][]tower.Status
	calls    map[string]int
	failWith error
}

func (s *scriptedTower) GetWorkflow(_ context.Context, id string) (*tower.WorkflowDetails, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	return &tower.WorkflowDetails{Workflow: tower.Workflow{ID: id, RunName: "sarek_" + id, Status: tower.StatusSubmitted}}, nil
}

func (s *scriptedTower) GetWorkflowStatus(_ context.Context, id string) (tower.Status, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	script := s.scripts[id]
	status := script[min(s.calls[id], len(script)-1)]
	s.calls[id]++
	return status, status.IsDone(), nil
}

func newTestWatch(client monitor.StatusGetter) (*monitor.Monitor, *watchRenderer) {
	m := monitor.New(client)
	m.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	renderer := &watchRenderer{
		verbose:   true,
		started:   testNow,
		termWidth: func() int { return 120 },
		now:       func() time.Time { return testNow },
	}
	return m, renderer
}

func submittedRuns(ids ...string) []*watchedRun {
	runs := make([]*watchedRun, 0, len(ids))
	for _, id := range ids {
		runs = append(runs, &watchedRun{ID: id, Name: "sarek_" + id, Status: tower.StatusSubmitted})
	}
	return runs
}

func TestWatchRuns_AllSucceed(t *testing.T) {
	fake := &scriptedTower{
		scripts: map[string][]tower.Status{
			"a": {tower.StatusRunning, tower.StatusSucceeded},
			"b": {tower.StatusSucceeded},
		},
		calls: map[string]int{},
	}
	m, renderer := newTestWatch(fake)
	runs := submittedRuns("a", "b")
	var out bytes.Buffer

	err := watchRuns(context.Background(), m, runs, renderer, &out)
	require.NoError(t, err)

	assert.Equal(t, tower.StatusSucceeded, runs[0].Status)
	assert.Equal(t, tower.StatusSucceeded, runs[1].Status)
	assert.NotNil(t, runs[0].Start)
	assert.NotNil(t, runs[0].Complete)

	assert.Contains(t, out.String(), "sarek_a is RUNNING")
	assert.Contains(t, out.String(), "sarek_a is SUCCEEDED")
	assert.Contains(t, out.String(), "sarek_b is SUCCEEDED")
	assert.Contains(t, out.String(), "Watching runs (📝 2, 2 done, 🏁")
}

func TestWatchRuns_ReportsFailures(t *testing.T) {
	fake := &scriptedTower{
		scripts: map[string][]tower.Status{
			"a": {tower.StatusSucceeded},
			"b": {tower.StatusRunning, tower.StatusFailed},
			"c": {tower.StatusCancelled},
		},
		calls: map[string]int{},
	}
	m, renderer := newTestWatch(fake)
	runs := submittedRuns("a", "b", "c")
	var out bytes.Buffer

	err := watchRuns(context.Background(), m, runs, renderer, &out)
	require.EqualError(t, err, "2 of 3 runs did not succeed")
	assert.Contains(t, out.String(), "💥 sarek_b (📝 1)")
	assert.Contains(t, out.String(), "🛑 sarek_c (📝 1)")
}

func TestWatchRuns_MonitorError(t *testing.T) {
	fake := &scriptedTower{failWith: &tower.APIError{StatusCode: http.StatusNotFound}, calls: map[string]int{}}
	m, renderer := newTestWatch(fake)
	var out bytes.Buffer

	err := watchRuns(context.Background(), m, submittedRuns("a"), renderer, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run 'a'")
	var apiErr *tower.APIError
	assert.True(t, errors.As(err, &apiErr))
}

func TestWatchRuns_Cancelled(t *testing.T) {
	fake := &scriptedTower{
		scripts: map[string][]tower.Status{"a": {tower.StatusRunning}},
		calls:   map[string]int{},
	}
	m, renderer := newTestWatch(fake)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := watchRuns(ctx, m, submittedRuns("a"), renderer, &bytes.Buffer{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewWatchedRun(t *testing.T) {
	submit := testNow.Add(-time.Hour)
	start := testNow.Add(-30 * time.Minute)
	run := newWatchedRun(&tower.WorkflowDetails{Workflow: tower.Workflow{
		ID: "wf-1", RunName: "sarek_ds1", Status: tower.StatusRunning, Submit: &submit, Start: &start,
	}})

	assert.Equal(t, &watchedRun{ID: "wf-1", Name: "sarek_ds1", Status: tower.StatusRunning, Submit: submit, Start: &start}, run)
	assert.True(t, newWatchedRun(&tower.WorkflowDetails{}).Submit.IsZero())
}
