package types

import "time"

// Event represents a typed event emitted after a ledger mutation commits. The
// subject identifies the milestone or alert the event is about so subscribers
// can filter without decoding attributes.
type Event struct {
	Type       string            `json:"type"`
	Subject    string            `json:"subject,omitempty"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  time.Time         `json:"timestamp"`
}

// NewEvent returns an event with an initialised attribute map.
func NewEvent(eventType, subject string, at time.Time) *Event {
	return &Event{
		Type:       eventType,
		Subject:    subject,
		Attributes: make(map[string]string),
		Timestamp:  at.UTC(),
	}
}

// Clone returns a deep copy so subscribers cannot mutate a shared payload.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Attributes = make(map[string]string, len(e.Attributes))
	for k, v := range e.Attributes {
		clone.Attributes[k] = v
	}
	return &clone
}
