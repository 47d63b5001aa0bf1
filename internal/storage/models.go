package storage

import (
	"encoding/json"
	"time"
)

// Queue actions stored in priority_queue.action.
const (
	ActionDelete = 0
	ActionAdd    = 1
)

// InstanceRecord is the persisted row of a workflow instance.
type InstanceRecord struct {
	InstanceID     string
	AccountID      string
	WorkflowID     string
	VersionID      string
	Status         string
	LeaseOwner     string
	LeaseToken     int64
	LeaseExpiresAt *time.Time
	StartedAt      *time.Time
	EndedAt        *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StatusUpdate describes a conditional status write.
type StatusUpdate struct {
	InstanceID string
	Status     string

	// From restricts the write to rows whose current status is listed.
	// Empty means any status.
	From []string

	// LeaseToken, when non-zero, fences the write on the current lease token.
	LeaseToken int64

	MarkStarted bool
	MarkEnded   bool
}

// Lease is a held instance lease. Token increases on every acquisition.
type Lease struct {
	InstanceID string
	Owner      string
	Token      int64
	ExpiresAt  time.Time
}

// LogEntry is one append-only instance log row.
type LogEntry struct {
	ID         int64           `json:"id"`
	InstanceID string          `json:"instance_id"`
	Event      string          `json:"event"`
	Group      string          `json:"group,omitempty"`
	Target     string          `json:"target,omitempty"`
	Metadata   json.RawMessage `json:"metadata"`
	CreatedAt  time.Time       `json:"created_at"`
}

// QueueEntry is one priority_queue row.
type QueueEntry struct {
	ID              int64
	InstanceID      string
	TargetTimestamp time.Time
	Action          int
	EntryType       int
	Hash            string
}

// OutboxEvent is an event waiting in the transactional outbox.
type OutboxEvent struct {
	EventID     string
	EventType   string
	EventSource string
	Subject     string
	EventData   []byte
	ContentType string
	Status      string
	RetryCount  int
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// Outbox statuses.
const (
	OutboxPending   = "pending"
	OutboxPublished = "published"
	OutboxFailed    = "failed"
)

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
