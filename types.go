package vigil

import (
	"github.com/i2y/vigil/internal/instance"
	"github.com/i2y/vigil/internal/pqueue"
)

// Status is the lifecycle status of an instance.
type Status = instance.Status

const (
	StatusQueued     = instance.StatusQueued
	StatusRunning    = instance.StatusRunning
	StatusErrored    = instance.StatusErrored
	StatusTerminated = instance.StatusTerminated
	StatusComplete   = instance.StatusComplete
)

// ParseStatus parses the text form of a Status.
func ParseStatus(s string) (Status, error) {
	return instance.ParseStatus(s)
}

// Log event kinds written by the engine.
const (
	LogWorkflowQueued     = instance.LogWorkflowQueued
	LogWorkflowStart      = instance.LogWorkflowStart
	LogWorkflowSuccess    = instance.LogWorkflowSuccess
	LogWorkflowFailure    = instance.LogWorkflowFailure
	LogWorkflowTerminated = instance.LogWorkflowTerminated
)

type (
	// Instance is the engine of one workflow instance.
	Instance = instance.Engine

	// StepContext is handed to a running step.
	StepContext = instance.StepContext

	// StepRunner runs the step of a workflow version.
	StepRunner = instance.StepRunner

	// StepFunc adapts a function to StepRunner.
	StepFunc = instance.StepFunc

	// RunnerSet maps entrypoints to runners. The "" key is the default.
	RunnerSet = instance.RunnerSet

	InitRequest = instance.InitRequest
	InitResult  = instance.InitResult
	Workflow    = instance.Workflow
	Version     = instance.Version
	LogEntry    = instance.LogEntry
	Metadata    = instance.Metadata

	// EntryType identifies the owner of a scheduled wake-up.
	EntryType = pqueue.EntryType

	// ScheduledEntry is a due wake-up handed to a WakeupHandler.
	ScheduledEntry = pqueue.Entry

	// WakeupHandler handles due wake-ups of one entry type.
	WakeupHandler = instance.WakeupHandler
)

// FirstUserEntryType is the smallest entry type available to collaborators.
const FirstUserEntryType = pqueue.FirstUserEntryType
