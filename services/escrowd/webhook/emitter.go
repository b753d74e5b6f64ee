package webhook

import (
	"sync/atomic"
	"time"

	"milestonescrow/core/events"
)

// Emitter forwards agreement events onto the webhook queue.
type Emitter struct {
	queue *Queue
	seq   atomic.Int64
	nowFn func() time.Time
}

// NewEmitter wraps queue as an events.Emitter.
func NewEmitter(queue *Queue) *Emitter {
	return &Emitter{queue: queue, nowFn: time.Now}
}

// Emit enqueues evt. Nil events are ignored.
func (e *Emitter) Emit(evt events.Event) {
	if e == nil || e.queue == nil || evt == nil {
		return
	}
	payload := evt.Payload()
	attrs := make(map[string]string, len(payload.Attributes))
	for k, v := range payload.Attributes {
		attrs[k] = v
	}
	e.queue.Enqueue(Event{
		Sequence:    e.seq.Add(1),
		Type:        evt.EventType(),
		AgreementID: attrs["id"],
		Attributes:  attrs,
		CreatedAt:   e.nowFn(),
	})
}
