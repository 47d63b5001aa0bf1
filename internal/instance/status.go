package instance

import "fmt"

// Status is the lifecycle state of an instance.
type Status int

const (
	StatusQueued Status = iota
	StatusRunning
	StatusErrored
	StatusTerminated
	StatusComplete
)

var statusNames = [...]string{
	StatusQueued:     "queued",
	StatusRunning:    "running",
	StatusErrored:    "errored",
	StatusTerminated: "terminated",
	StatusComplete:   "complete",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus parses the text form of a status.
func ParseStatus(text string) (Status, error) {
	for i, name := range statusNames {
		if name == text {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown instance status %q", text)
}

// IsTerminal reports whether s can never change again.
func (s Status) IsTerminal() bool {
	return s == StatusErrored || s == StatusTerminated || s == StatusComplete
}

// CanTransitionTo reports whether s may move to next.
// Queued -> Running -> {Complete, Errored, Terminated}; Queued -> Terminated.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusRunning || next == StatusTerminated
	case StatusRunning:
		return next == StatusComplete || next == StatusErrored || next == StatusTerminated
	default:
		return false
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(statusNames) {
		return nil, fmt.Errorf("invalid instance status %d", int(s))
	}
	return []byte(statusNames[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func statusStrings(statuses ...Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = st.String()
	}
	return out
}
