package wal

import "encoding/json"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	// EventPositionsUpdate journals one applied ShardPositionsUpdate
	EventPositionsUpdate EventType = "POSITIONS_UPDATE"
)

// Event represents a WAL event record, one JSON object per line
type Event struct {
	Seq       uint64          `json:"seq"`       // Event sequence number (monotonically increasing until Rotate)
	Type      EventType       `json:"type"`      // Event type
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Payload   json.RawMessage `json:"payload"`   // Event body, decoded by the handler
	Checksum  uint32          `json:"checksum"`  // CRC32 checksum
}

// Decode unmarshals the payload into v
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state.
// A handler error aborts the replay.
type EventHandler func(event Event) error
