package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Validation status tags attached to processed-topic envelopes.
const (
	ValidationOK      = "ok"
	ValidationFlagged = "flagged"
)

// Envelope wraps a canonical event for the outbound processed topic,
// consumed by downstream audit/replay consumers.
type Envelope struct {
	ID               uuid.UUID       `json:"id"`
	CorrelationID    uuid.UUID       `json:"correlation_id"`
	EventType        string          `json:"event_type"`
	Version          string          `json:"version"`
	Zone             string          `json:"zone"`
	ValidationStatus string          `json:"validation_status"`
	Timestamp        time.Time       `json:"timestamp"`
	Payload          json.RawMessage `json:"payload"`
}

// NewEnvelope builds a processed-topic envelope for an accepted event.
func NewEnvelope(ev PriceEvent) (*Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	status := ValidationOK
	if len(ev.Flags) > 0 {
		status = ValidationFlagged
	}
	return &Envelope{
		ID:               uuid.New(),
		CorrelationID:    uuid.New(),
		EventType:        "price.processed",
		Version:          "1.0.0",
		Zone:             ev.Zone,
		ValidationStatus: status,
		Timestamp:        time.Now().UTC(),
		Payload:          payload,
	}, nil
}
