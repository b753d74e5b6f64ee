package events

import "sync"

// Payload is the canonical wire form of an event: a type plus flat string
// attributes. Journals and webhooks consume payloads rather than typed events.
type Payload struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Event represents a structured state change emitted by a state machine.
type Event interface {
	EventType() string
	Payload() Payload
}

// Emitter broadcasts events to downstream subscribers (journals, webhooks).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// EmitterFunc adapts a plain function to the Emitter interface.
type EmitterFunc func(Event)

// Emit implements the Emitter interface.
func (f EmitterFunc) Emit(evt Event) {
	if f == nil {
		return
	}
	f(evt)
}

// MultiEmitter fans a single event out to every non-nil emitter in order.
type MultiEmitter []Emitter

// Emit implements the Emitter interface.
func (m MultiEmitter) Emit(evt Event) {
	for _, emitter := range m {
		if emitter == nil {
			continue
		}
		emitter.Emit(evt)
	}
}

// Recorder keeps every emitted event in memory. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	if evt == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// Events returns a snapshot copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the event types in emission order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.EventType())
	}
	return out
}

// Reset discards every recorded event.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Buffer holds events until Flush forwards them to the next emitter. After
// Flush events pass straight through; after Discard they are dropped.
type Buffer struct {
	mu      sync.Mutex
	next    Emitter
	held    []Event
	flushed bool
	dropped bool
}

// NewBuffer returns a buffer in front of next.
func NewBuffer(next Emitter) *Buffer {
	return &Buffer{next: next}
}

// Emit implements the Emitter interface.
func (b *Buffer) Emit(evt Event) {
	if evt == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.dropped:
	case b.flushed:
		if b.next != nil {
			b.next.Emit(evt)
		}
	default:
		b.held = append(b.held, evt)
	}
}

// Flush forwards held events in order and opens the buffer.
func (b *Buffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped || b.flushed {
		return
	}
	b.flushed = true
	for _, evt := range b.held {
		if b.next != nil {
			b.next.Emit(evt)
		}
	}
	b.held = nil
}

// Discard drops held events and every later one.
func (b *Buffer) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushed {
		return
	}
	b.dropped = true
	b.held = nil
}
