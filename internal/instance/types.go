package instance

import (
	"context"
	"encoding/json"
	"time"

	"github.com/i2y/vigil/internal/storage"
)

// Log event kinds written by the engine. Collaborator kinds are opaque.
const (
	LogWorkflowQueued     = "WORKFLOW_QUEUED"
	LogWorkflowStart      = "WORKFLOW_START"
	LogWorkflowSuccess    = "WORKFLOW_SUCCESS"
	LogWorkflowFailure    = "WORKFLOW_FAILURE"
	LogWorkflowTerminated = "WORKFLOW_TERMINATED"
)

// MetadataKey is the singleton slot holding the instance metadata.
const MetadataKey = "INSTANCE_METADATA"

// Termination reasons.
const (
	ReasonUserTerminated = "terminated by user"
	ReasonGraceExpired   = "grace period expired"
)

// LogEntry is one instance log entry.
type LogEntry = storage.LogEntry

// Workflow describes a workflow definition.
type Workflow struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Version describes an immutable workflow version. Entrypoint selects the
// step runner within the workflow's RunnerSet.
type Version struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflowId,omitempty"`
	Entrypoint string `json:"entrypoint,omitempty"`
}

// Metadata is written once at first activation and never changes.
type Metadata struct {
	AccountID string          `json:"accountId"`
	Workflow  Workflow        `json:"workflow"`
	Version   Version         `json:"version"`
	Instance  string          `json:"instance"`
	Event     json.RawMessage `json:"event"`
}

// InitRequest triggers an instance.
type InitRequest struct {
	AccountID string
	Workflow  Workflow
	Version   Version
	Event     json.RawMessage
}

// InitResult is returned by Init.
type InitResult struct {
	ID string `json:"id"`
}

// StepRunner executes the user step of a workflow version.
type StepRunner interface {
	Run(sc *StepContext, event json.RawMessage) (any, error)
}

// StepFunc adapts a function to StepRunner.
type StepFunc func(sc *StepContext, event json.RawMessage) (any, error)

// Run calls f.
func (f StepFunc) Run(sc *StepContext, event json.RawMessage) (any, error) {
	return f(sc, event)
}

// RunnerSet maps a version entrypoint to its runner. The "" key is the
// fallback.
type RunnerSet map[string]StepRunner

// Resolve returns the runner for entrypoint, falling back to the default.
func (rs RunnerSet) Resolve(entrypoint string) (StepRunner, bool) {
	if r, ok := rs[entrypoint]; ok && r != nil {
		return r, true
	}
	r, ok := rs[""]
	return r, ok && r != nil
}

// RunnerLookup returns the runners registered for a workflow.
type RunnerLookup func(workflowID string) (RunnerSet, bool)

// Transition describes a committed status change.
type Transition struct {
	InstanceID string
	AccountID  string
	WorkflowID string
	VersionID  string
	From       Status
	To         Status
	At         time.Time
	Data       map[string]any
}

// TransitionRecorder is called inside the transaction of every status change.
// An error rolls the change back.
type TransitionRecorder interface {
	RecordTransition(ctx context.Context, t Transition) error
}
