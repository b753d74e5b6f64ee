package webhook

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Event represents a queued webhook notification.
type Event struct {
	Sequence    int64
	Type        string
	AgreementID string
	Attributes  map[string]string
	CreatedAt   time.Time
}

// Task is a unit of work for the worker. A task without a subscription is
// expanded into one task per matching subscription.
type Task struct {
	Event        Event
	Subscription *Subscription
	Attempt      int
	NotBefore    time.Time
}

const (
	defaultQueueCapacity = 1024
	defaultQueueTTL      = 15 * time.Minute
	// idleWait bounds how long Dequeue sleeps without a wake-up.
	idleWait = 250 * time.Millisecond
)

// QueueOption adjusts the behaviour of the queue.
type QueueOption func(*Queue)

// WithCapacity sets the maximum number of pending tasks.
func WithCapacity(capacity int) QueueOption {
	return func(q *Queue) {
		if capacity > 0 {
			q.capacity = capacity
		}
	}
}

// WithTTL configures how long a task stays deliverable after it was queued.
func WithTTL(ttl time.Duration) QueueOption {
	return func(q *Queue) {
		if ttl > 0 {
			q.ttl = ttl
		}
	}
}

func withClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

type pending struct {
	task     Task
	queuedAt time.Time
	arrival  uint64
}

// timeline orders pending tasks by due time, then arrival.
type timeline []*pending

func (t timeline) Len() int { return len(t) }

func (t timeline) Less(i, j int) bool {
	if !t[i].task.NotBefore.Equal(t[j].task.NotBefore) {
		return t[i].task.NotBefore.Before(t[j].task.NotBefore)
	}
	return t[i].arrival < t[j].arrival
}

func (t timeline) Swap(i, j int) { t[i], t[j] = t[j], t[i] }

func (t *timeline) Push(x any) { *t = append(*t, x.(*pending)) }

func (t *timeline) Pop() any {
	old := *t
	last := old[len(old)-1]
	old[len(old)-1] = nil
	*t = old[:len(old)-1]
	return last
}

// Queue holds webhook tasks until they are due. A task scheduled for later
// never holds back one that is due now. When full, the task that has waited
// longest is dropped.
type Queue struct {
	mu       sync.Mutex
	due      timeline
	arrivals uint64
	capacity int
	ttl      time.Duration
	now      func() time.Time
	wake     chan struct{}
	drops    *dropCounter
}

// NewQueue constructs a bounded queue.
func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{
		capacity: defaultQueueCapacity,
		ttl:      defaultQueueTTL,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		drops:    sharedDropCounter(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue schedules evt for immediate fan-out.
func (q *Queue) Enqueue(evt Event) {
	q.schedule(Task{Event: evt})
}

func (q *Queue) schedule(task Task) {
	now := q.now()
	q.mu.Lock()
	q.expireLocked(now)
	if len(q.due) >= q.capacity {
		q.removeLongestWaitingLocked()
		q.drops.add("overflow", 1)
	}
	q.arrivals++
	heap.Push(&q.due, &pending{task: task, queuedAt: now, arrival: q.arrivals})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len reports the number of pending tasks that have not expired.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.expireLocked(q.now())
	return len(q.due)
}

// Dequeue blocks until a task is due and returns it. It returns false once
// ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (Task, bool) {
	for {
		now := q.now()
		wait := idleWait
		q.mu.Lock()
		q.expireLocked(now)
		if len(q.due) > 0 {
			delay := q.due[0].task.NotBefore.Sub(now)
			if delay <= 0 {
				next := heap.Pop(&q.due).(*pending)
				q.mu.Unlock()
				return next.task, true
			}
			if delay < wait {
				wait = delay
			}
		}
		q.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Task{}, false
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *Queue) removeLongestWaitingLocked() {
	if len(q.due) == 0 {
		return
	}
	oldest := 0
	for i, p := range q.due {
		if p.arrival < q.due[oldest].arrival {
			oldest = i
		}
	}
	heap.Remove(&q.due, oldest)
}

func (q *Queue) expireLocked(now time.Time) {
	if q.ttl <= 0 || len(q.due) == 0 {
		return
	}
	kept := q.due[:0]
	for _, p := range q.due {
		if now.Sub(p.queuedAt) <= q.ttl {
			kept = append(kept, p)
		}
	}
	expired := len(q.due) - len(kept)
	if expired == 0 {
		return
	}
	for i := len(kept); i < len(q.due); i++ {
		q.due[i] = nil
	}
	q.due = kept
	heap.Init(&q.due)
	q.drops.add("ttl", expired)
}

var (
	dropCounterOnce sync.Once
	dropCounterInst *dropCounter
)

type dropCounter struct {
	counter metric.Int64Counter
}

func sharedDropCounter() *dropCounter {
	dropCounterOnce.Do(func() {
		const scope = "milestonescrow/escrowd/webhook"
		counter, err := otel.GetMeterProvider().Meter(scope).Int64Counter("escrow.webhooks.dropped")
		if err != nil {
			counter, _ = noop.NewMeterProvider().Meter(scope).Int64Counter("escrow.webhooks.dropped")
		}
		dropCounterInst = &dropCounter{counter: counter}
	})
	return dropCounterInst
}

func (d *dropCounter) add(reason string, count int) {
	if d == nil || d.counter == nil || count <= 0 {
		return
	}
	d.counter.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}
