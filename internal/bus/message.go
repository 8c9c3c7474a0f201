// Package bus delivers membership events to the external message bus.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/thriftcircle/groups/internal/models"
)

// Message is one outbound record. Key is the group ID so one group's events
// share a partition or stream ordering.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Publisher sends messages to a bus. Publish returns only after the bus has
// acknowledged the message or the context ends.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Envelope is the JSON body of every membership event message.
type Envelope struct {
	EventID    uuid.UUID         `json:"event_id"`
	GroupID    uuid.UUID         `json:"group_id"`
	SubjectID  *string           `json:"subject_id,omitempty"`
	ActorID    *string           `json:"actor_id,omitempty"`
	Kind       models.EventKind  `json:"event_kind"`
	OccurredAt time.Time         `json:"occurred_at"`
	Seq        int64             `json:"seq,omitempty"`
	Role       models.MemberRole `json:"role,omitempty"`
	Name       string            `json:"name,omitempty"`
	CreatorID  string            `json:"creator_id,omitempty"`
}

// NewEnvelope copies the event fields into a message body.
func NewEnvelope(e *models.MembershipEvent) Envelope {
	return Envelope{
		EventID:    e.ID,
		GroupID:    e.GroupID,
		SubjectID:  e.SubjectID,
		ActorID:    e.ActorID,
		Kind:       e.Kind,
		OccurredAt: e.OccurredAt.UTC(),
	}
}

// Encode marshals the envelope.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// WithSeq stamps the event log sequence number into a staged payload. The
// payload is written before the store assigns seq, so the publisher adds it.
func WithSeq(payload []byte, seq int64) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	env.Seq = seq
	return env.Encode()
}
