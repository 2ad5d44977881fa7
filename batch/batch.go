package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gammadia/towerlaunch/dataset"
	"github.com/gammadia/towerlaunch/launchfile"
	"github.com/gammadia/towerlaunch/log"
	"github.com/gammadia/towerlaunch/monitor"
	"github.com/gammadia/towerlaunch/tower"
	"github.com/samber/lo"
)

// DefaultComputeEnv is used when neither the command line nor the template names a compute environment.
const DefaultComputeEnv = "spot"

type Launcher interface {
	LaunchWorkflow(ctx context.Context, info tower.LaunchInfo, options tower.LaunchOptions) (*tower.LaunchResult, error)
}

// Ledger keeps track of launched runs, e.g. in the local state database.
type Ledger interface {
	RecordLaunch(ctx context.Context, batchID string, dataset string, stage string, runID string, runName string) error
	RecordStatus(ctx context.Context, runID string, status tower.Status) error
}

// Stage is one pipeline launch in the chain run for every dataset.
type Stage struct {
	Name     string
	Template *launchfile.Template
}

// Runner runs the chain of stages for every dataset of a batch, concurrently.
// A Runner is meant to be used for a single Run.
type Runner struct {
	Launcher Launcher
	Monitor  *monitor.Monitor
	Stages   []Stage

	// Template parameters given on the command line
	ReadOptions launchfile.ReadOptions
	// Compute environment filter overriding the templates' one
	ComputeEnv string
	// Maximum number of chains running at the same time, 0 for no limit
	MaxParallel int
	// Launch even when a run with the same name exists
	IgnorePreviousRuns bool
	// Launch the first stage of every chain without waiting for the runs
	Async bool

	BatchID string
	Ledger  Ledger

	mu          sync.Mutex
	subscribers []*subscriber
	closed      bool
}

type StageResult struct {
	Stage   string
	RunID   string
	RunName string
	Status  tower.Status
	Reused  bool
	Skipped bool
	Err     error
}

type Result struct {
	Dataset dataset.Dataset
	Stages  []StageResult
	Err     error
}

func (r Result) Succeeded() bool {
	return r.Err == nil
}

// LastRun returns the last stage that was not skipped.
func (r Result) LastRun() (StageResult, bool) {
	for i := len(r.Stages) - 1; i >= 0; i-- {
		if !r.Stages[i].Skipped {
			return r.Stages[i], true
		}
	}
	return StageResult{}, false
}

type Summary struct {
	Datasets  int
	Succeeded int
	Failed    int
	// Runs by final (or, in async mode, initial) status
	Statuses map[tower.Status]int
}

func Summarize(results []Result) Summary {
	summary := Summary{Datasets: len(results), Statuses: map[tower.Status]int{}}
	for _, result := range results {
		if result.Succeeded() {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
		for _, stage := range result.Stages {
			if stage.RunID != "" && stage.Status != "" {
				summary.Statuses[stage.Status]++
			}
		}
	}
	return summary
}

// Run runs the chains and returns their results in the order of datasets. A failing chain does not stop the others.
func (r *Runner) Run(ctx context.Context, datasets []dataset.Dataset) []Result {
	results := make([]Result, len(datasets))

	var sem chan struct{}
	if r.MaxParallel > 0 {
		sem = make(chan struct{}, r.MaxParallel)
	}

	var wg sync.WaitGroup
	for i, d := range datasets {
		wg.Add(1)
		go func(i int, d dataset.Dataset) {
			defer wg.Done()
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					// runChain fails fast on a cancelled context
				}
			}
			results[i] = r.runChain(ctx, d)
		}(i, d)
	}
	wg.Wait()

	r.publish(EventBatchCompleted{Summary: Summarize(results)})
	r.close()
	return results
}

func (r *Runner) runChain(ctx context.Context, d dataset.Dataset) Result {
	logger := log.With("dataset", d.ID)
	result := Result{Dataset: d}
	r.publish(EventChainStarted{Dataset: d.ID})

	var errs []error
	for i, stage := range r.Stages {
		if len(errs) > 0 {
			result.Stages = append(result.Stages, r.skip(d, stage, "previous stage did not succeed"))
			continue
		}
		if r.Async && i > 0 {
			result.Stages = append(result.Stages, r.skip(d, stage, "not launched in async mode"))
			continue
		}

		sr := r.runStage(ctx, d, stage)
		result.Stages = append(result.Stages, sr)

		switch {
		case sr.Err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", stage.Name, sr.Err))
			r.publish(EventStageFailed{Dataset: d.ID, Stage: stage.Name, Err: sr.Err})
			logger.Warn("Stage failed", "stage", stage.Name, "error", sr.Err)
		case !r.Async && !sr.Status.IsSuccess():
			errs = append(errs, fmt.Errorf("%s: run '%s' ended with status %s", stage.Name, sr.RunID, sr.Status))
			logger.Warn("Stage did not succeed", "stage", stage.Name, "run", sr.RunID, "status", sr.Status)
		}
	}

	result.Err = errors.Join(errs...)
	r.publish(EventChainCompleted{Dataset: d.ID, Succeeded: result.Succeeded(), Err: result.Err})
	return result
}

func (r *Runner) runStage(ctx context.Context, d dataset.Dataset, stage Stage) StageResult {
	sr := StageResult{Stage: stage.Name}
	if sr.Err = ctx.Err(); sr.Err != nil {
		return sr
	}

	launch, err := stage.Template.Render(d, r.ReadOptions)
	if err != nil {
		sr.Err = fmt.Errorf("render '%s': %w", stage.Template.Name, err)
		return sr
	}
	sr.RunName = launch.RunName

	computeEnv, _ := lo.Coalesce(r.ComputeEnv, launch.ComputeEnv, DefaultComputeEnv)
	launched, err := r.Launcher.LaunchWorkflow(ctx, launch.LaunchInfo, tower.LaunchOptions{
		ComputeEnv:         computeEnv,
		IgnorePreviousRuns: r.IgnorePreviousRuns,
	})
	if err != nil {
		sr.Err = err
		return sr
	}
	sr.RunID = launched.WorkflowID
	sr.Reused = launched.Reused

	r.publish(EventRunLaunched{Dataset: d.ID, Stage: stage.Name, Run: sr.RunID, RunName: sr.RunName, Reused: sr.Reused})
	r.recordLaunch(ctx, d.ID, stage.Name, sr)

	if r.Async {
		sr.Status = tower.StatusSubmitted
		return sr
	}

	m := *r.Monitor
	m.Notify = func(event monitor.Event) { r.forward(ctx, d.ID, stage.Name, event) }
	sr.Status, sr.Err = m.Wait(ctx, sr.RunID)
	return sr
}

func (r *Runner) skip(d dataset.Dataset, stage Stage, reason string) StageResult {
	r.publish(EventStageSkipped{Dataset: d.ID, Stage: stage.Name, Reason: reason})
	return StageResult{Stage: stage.Name, Skipped: true}
}

// forward republishes monitor events with the dataset and stage they belong to.
func (r *Runner) forward(ctx context.Context, datasetID string, stage string, event monitor.Event) {
	switch event := event.(type) {
	case monitor.EventStatusChanged:
		r.recordStatus(ctx, event.Run, event.Status)
		r.publish(EventRunStatus{Dataset: datasetID, Stage: stage, Run: event.Run, Status: event.Status})
	case monitor.EventPolled:
		r.publish(EventRunPolled{Dataset: datasetID, Stage: stage, Run: event.Run, Status: event.Status})
	case monitor.EventPollFailed:
		r.publish(EventRunPollFailed{Dataset: datasetID, Stage: stage, Run: event.Run, Err: event.Err})
	case monitor.EventCompleted:
		r.publish(EventRunCompleted{Dataset: datasetID, Stage: stage, Run: event.Run, RunName: event.RunName, Status: event.Status})
	}
}

// Ledger failures are logged, they never fail a chain.

func (r *Runner) recordLaunch(ctx context.Context, datasetID string, stage string, sr StageResult) {
	if r.Ledger == nil {
		return
	}
	if err := r.Ledger.RecordLaunch(context.WithoutCancel(ctx), r.BatchID, datasetID, stage, sr.RunID, sr.RunName); err != nil {
		log.Warn("Failed to record launch", "run", sr.RunID, "error", err)
	}
}

func (r *Runner) recordStatus(ctx context.Context, runID string, status tower.Status) {
	if r.Ledger == nil {
		return
	}
	if err := r.Ledger.RecordStatus(context.WithoutCancel(ctx), runID, status); err != nil {
		log.Warn("Failed to record status", "run", runID, "error", err)
	}
}
