package transport

import (
	"encoding/json"
	"fmt"
)

// Encode renders an event as the JSON envelope used by the NATS and
// WebSocket transports.
func Encode(ev Event) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", ev.Kind, err)
	}
	return data, nil
}

// Decode parses and validates a JSON envelope.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, fmt.Errorf("%w: %q", err, ev.Kind)
	}
	return ev, nil
}
