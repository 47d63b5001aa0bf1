// Package outbox publishes instance status transitions as CloudEvents
// through a transactional outbox.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/i2y/vigil/internal/instance"
	"github.com/i2y/vigil/internal/storage"
)

// EventTypePrefix prefixes the CloudEvents type of every transition event.
const EventTypePrefix = "vigil.instance."

// DefaultSource is the CloudEvents source used when none is configured.
const DefaultSource = "vigil"

// TransitionData is the payload of a transition event.
type TransitionData struct {
	InstanceID string          `json:"instanceId"`
	AccountID  string          `json:"accountId"`
	WorkflowID string          `json:"workflowId"`
	VersionID  string          `json:"versionId"`
	From       instance.Status `json:"from"`
	To         instance.Status `json:"to"`
	At         time.Time       `json:"at"`
	Data       map[string]any  `json:"data,omitempty"`
}

// Publisher writes a transition event into the outbox inside the
// transaction of the status change, so the event exists iff the change
// committed.
type Publisher struct {
	store  storage.OutboxManager
	source string
	newID  func() string
}

// NewPublisher creates a publisher. An empty source means DefaultSource.
func NewPublisher(store storage.OutboxManager, source string) *Publisher {
	if source == "" {
		source = DefaultSource
	}
	return &Publisher{
		store:  store,
		source: source,
		newID:  uuid.NewString,
	}
}

// RecordTransition implements instance.TransitionRecorder.
func (p *Publisher) RecordTransition(ctx context.Context, t instance.Transition) error {
	data, err := json.Marshal(TransitionData{
		InstanceID: t.InstanceID,
		AccountID:  t.AccountID,
		WorkflowID: t.WorkflowID,
		VersionID:  t.VersionID,
		From:       t.From,
		To:         t.To,
		At:         t.At,
		Data:       t.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to encode transition of %s: %w", t.InstanceID, err)
	}
	return p.store.AddOutboxEvent(ctx, &storage.OutboxEvent{
		EventID:     p.newID(),
		EventType:   EventTypePrefix + t.To.String(),
		EventSource: p.source,
		Subject:     t.InstanceID,
		EventData:   data,
		ContentType: "application/json",
		CreatedAt:   t.At,
	})
}
