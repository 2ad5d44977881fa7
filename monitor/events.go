package monitor

import "github.com/gammadia/towerlaunch/tower"

type Event interface{}

// EventStatusChanged is emitted with the initial status of the run, then on every change.
type EventStatusChanged struct {
	Run     string
	RunName string
	Status  tower.Status
}

type EventPolled struct {
	Run    string
	Status tower.Status
}

type EventPollFailed struct {
	Run         string
	Err         error
	Consecutive int
}

type EventCompleted struct {
	Run     string
	RunName string
	Status  tower.Status
}
