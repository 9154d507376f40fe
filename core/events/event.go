package events

import "givechain/core/types"

// Event represents a structured state change emitted by the engine.
type Event interface {
	EventType() string
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. websocket
// streams, metrics).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Wrap adapts a canonical payload to the Event interface.
func Wrap(evt *types.Event) Event { return wrapped{evt: evt} }

type wrapped struct {
	evt *types.Event
}

func (w wrapped) EventType() string {
	if w.evt == nil {
		return ""
	}
	return w.evt.Type
}

func (w wrapped) Event() *types.Event { return w.evt }

// Multi fans a single event out to several emitters in order.
type Multi []Emitter

// Emit implements the Emitter interface.
func (m Multi) Emit(evt Event) {
	for _, emitter := range m {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}
