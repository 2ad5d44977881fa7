package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gammadia/towerlaunch/log"
	"github.com/gammadia/towerlaunch/tower"
)

const (
	DefaultInterval  = 5 * time.Minute
	DefaultMaxErrors = 5
)

type StatusGetter interface {
	GetWorkflow(ctx context.Context, id string) (*tower.WorkflowDetails, error)
	GetWorkflowStatus(ctx context.Context, id string) (tower.Status, bool, error)
}

// Monitor polls a run until Tower reports it done.
type Monitor struct {
	Client StatusGetter
	// Delay between two status checks
	Interval time.Duration
	// Number of consecutive failed checks after which Wait gives up
	MaxErrors int
	// Waits for d or until ctx is done; replaced in tests
	Sleep func(ctx context.Context, d time.Duration) error
	// Called synchronously for every event of the run, may be nil
	Notify func(Event)
}

func New(client StatusGetter) *Monitor {
	return &Monitor{
		Client:    client,
		Interval:  DefaultInterval,
		MaxErrors: DefaultMaxErrors,
		Sleep:     SleepContext,
	}
}

// Wait blocks until the run is done and returns its final status.
//
// Failed checks are retried on the next tick as long as the error is retryable and fewer than
// MaxErrors checks failed in a row. Cancelling ctx stops the loop and returns ctx.Err().
func (m *Monitor) Wait(ctx context.Context, runID string) (tower.Status, error) {
	logger := log.With("run", runID)

	workflow, err := m.describe(ctx, runID)
	if err != nil {
		return tower.StatusUnknown, err
	}
	logger = logger.With("runName", workflow.RunName)
	logger.Info("Starting to monitor workflow")

	previous := workflow.Status
	m.notify(EventStatusChanged{Run: runID, RunName: workflow.RunName, Status: previous})
	if previous.IsDone() {
		return m.complete(logger, runID, workflow.RunName, previous), nil
	}

	failures := 0
	for {
		logger.Info("Workflow not done yet", "status", previous, "next_check", m.interval())
		if err := m.sleep(ctx, m.interval()); err != nil {
			return tower.StatusUnknown, err
		}

		status, done, err := m.Client.GetWorkflowStatus(ctx, runID)
		if err != nil {
			if ctx.Err() != nil {
				return tower.StatusUnknown, ctx.Err()
			}
			failures++
			m.notify(EventPollFailed{Run: runID, Err: err, Consecutive: failures})
			if !tower.IsRetryable(err) || failures >= m.maxErrors() {
				return tower.StatusUnknown, fmt.Errorf("monitor run '%s': %w", runID, err)
			}
			logger.Warn("Failed to check workflow status", "error", err, "failures", failures)
			continue
		}
		failures = 0

		m.notify(EventPolled{Run: runID, Status: status})
		if status != previous {
			m.notify(EventStatusChanged{Run: runID, RunName: workflow.RunName, Status: status})
			previous = status
		}
		if done {
			return m.complete(logger, runID, workflow.RunName, status), nil
		}
	}
}

// describe fetches the run once before polling; transient errors are retried the same way as status checks.
func (m *Monitor) describe(ctx context.Context, runID string) (*tower.WorkflowDetails, error) {
	for failures := 1; ; failures++ {
		workflow, err := m.Client.GetWorkflow(ctx, runID)
		if err == nil {
			return workflow, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		m.notify(EventPollFailed{Run: runID, Err: err, Consecutive: failures})
		if !tower.IsRetryable(err) || failures >= m.maxErrors() {
			return nil, fmt.Errorf("monitor run '%s': %w", runID, err)
		}
		if err := m.sleep(ctx, m.interval()); err != nil {
			return nil, err
		}
	}
}

func (m *Monitor) complete(logger *slog.Logger, runID string, runName string, status tower.Status) tower.Status {
	logger.Info("Workflow done", "status", status)
	m.notify(EventCompleted{Run: runID, RunName: runName, Status: status})
	return status
}

func (m *Monitor) notify(event Event) {
	if m.Notify != nil {
		m.Notify(event)
	}
}

func (m *Monitor) interval() time.Duration {
	if m.Interval <= 0 {
		return DefaultInterval
	}
	return m.Interval
}

func (m *Monitor) maxErrors() int {
	if m.MaxErrors <= 0 {
		return DefaultMaxErrors
	}
	return m.MaxErrors
}

func (m *Monitor) sleep(ctx context.Context, d time.Duration) error {
	if m.Sleep == nil {
		return SleepContext(ctx, d)
	}
	return m.Sleep(ctx, d)
}

// SleepContext waits for d, or returns ctx.Err() if ctx is done first.
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
