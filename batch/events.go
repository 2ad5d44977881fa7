package batch

import "github.com/gammadia/towerlaunch/tower"

type Event interface{}

// Chains

type EventChainStarted struct {
	Dataset string
}

type EventChainCompleted struct {
	Dataset   string
	Succeeded bool
	Err       error
}

type EventBatchCompleted struct {
	Summary Summary
}

// Stages

type EventStageSkipped struct {
	Dataset string
	Stage   string
	Reason  string
}

type EventStageFailed struct {
	Dataset string
	Stage   string
	Err     error
}

// Runs

type EventRunLaunched struct {
	Dataset string
	Stage   string
	Run     string
	RunName string
	Reused  bool
}

type EventRunStatus struct {
	Dataset string
	Stage   string
	Run     string
	Status  tower.Status
}

type EventRunPolled struct {
	Dataset string
	Stage   string
	Run     string
	Status  tower.Status
}

type EventRunPollFailed struct {
	Dataset string
	Stage   string
	Run     string
	Err     error
}

type EventRunCompleted struct {
	Dataset string
	Stage   string
	Run     string
	RunName string
	Status  tower.Status
}
