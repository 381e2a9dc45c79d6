package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the bridge.
const (
	TypeActivityReceived     = "activity.received"
	TypeFollowAccepted       = "follow.accepted"
	TypeAcceptDelivered      = "accept.delivered"
	TypeAcceptDeliveryFailed = "accept.delivery_failed"
)

// AggregateActivity is the aggregate name of every bridge event; the
// aggregate id is the activity id (or the sender address when it has none).
const AggregateActivity = "activity"

type Envelope struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Aggregate   string          `json:"aggregate"`
	AggregateID string          `json:"aggregate_id"`
	RequestID   string          `json:"request_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// New builds an envelope with a fresh event id.
func New(eventType, aggregateID string, payload any, now time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: encode payload: %w", err)
	}
	return Envelope{
		EventID:     uuid.NewString(),
		EventType:   eventType,
		OccurredAt:  now.UTC(),
		Aggregate:   AggregateActivity,
		AggregateID: aggregateID,
		Payload:     raw,
	}, nil
}
