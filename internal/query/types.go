package query

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// EventRecord is one committed event-log row.
type EventRecord struct {
	EventID   uuid.UUID       `json:"event_id"`
	Venue     string          `json:"venue"`
	Sequence  int64           `json:"sequence"`
	EventType string          `json:"event_type"`
	Trader    *uuid.UUID      `json:"trader,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventPage is a bounded slice of the event log. AsOfSequence is the
// highest committed sequence for the queried venue at read time; a caller
// that has seen sequence N can resume with after_seq=N.
type EventPage struct {
	Events       []EventRecord `json:"events"`
	AsOfSequence int64         `json:"as_of_sequence"`
}
