package instance

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrInstanceNotFound is returned when the instance does not exist or
	// belongs to another account.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInvalidTransition is returned when a status change violates the
	// lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrLeaseLost is the cancellation cause of a run whose lease was taken
	// over or expired.
	ErrLeaseLost = errors.New("instance lease lost")

	// ErrWorkflowNotRegistered is returned when no step runner serves the
	// instance's workflow version.
	ErrWorkflowNotRegistered = errors.New("workflow not registered")
)

// StepError is the normalized failure of a step run, persisted in the
// WORKFLOW_FAILURE log entry.
type StepError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// AbortedError is the cancellation cause of an aborted run.
type AbortedError struct {
	Reason string
}

func (e *AbortedError) Error() string {
	return "instance aborted: " + e.Reason
}

type namedError interface {
	Name() string
}

// normalizeError converts a step error into its persisted form. The name is
// the Name() of the first error in the chain that has one, otherwise the
// type of the innermost error.
func normalizeError(err error) *StepError {
	var se *StepError
	if errors.As(err, &se) && se.Name != "" {
		return se
	}

	name := ""
	var named namedError
	if errors.As(err, &named) {
		name = named.Name()
	}
	if name == "" {
		name = typeName(innermost(err))
	}
	return &StepError{Name: name, Message: err.Error(), Err: err}
}

func innermost(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

func typeName(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() != "" {
		return t.Name()
	}
	return t.String()
}

func panicError(p any) *StepError {
	if err, ok := p.(error); ok {
		return &StepError{Name: "panic", Message: err.Error(), Err: err}
	}
	return &StepError{Name: "panic", Message: fmt.Sprint(p)}
}
