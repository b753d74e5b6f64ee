package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"milestonescrow/observability"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Escrow-Signature"

const maxAttempts = 5

// Subscription is a configured webhook endpoint.
type Subscription struct {
	ID        int
	URL       string
	Secret    string
	Events    []string
	RateLimit int
}

// Matches reports whether the subscription wants eventType. An empty event
// list subscribes to everything.
func (s Subscription) Matches(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, candidate := range s.Events {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || candidate == eventType {
			return true
		}
	}
	return false
}

// WorkerOption customises a Worker.
type WorkerOption func(*Worker)

// WithHTTPClient overrides the client used for deliveries.
func WithHTTPClient(client *http.Client) WorkerOption {
	return func(w *Worker) {
		if client != nil {
			w.client = client
		}
	}
}

// WithBackoffBase sets the delay before the first retry. Later retries double
// it up to five minutes.
func WithBackoffBase(base time.Duration) WorkerOption {
	return func(w *Worker) {
		if base > 0 {
			w.backoffBase = base
		}
	}
}

// WithLogger sets the worker logger.
func WithLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// Worker delivers queued events to external subscribers.
type Worker struct {
	queue       *Queue
	subs        []Subscription
	client      *http.Client
	nowFn       func() time.Time
	backoffBase time.Duration
	logger      *slog.Logger

	rateMu   sync.Mutex
	limiters map[int]*rate.Limiter
}

// NewWorker constructs a worker for the supplied subscriptions.
func NewWorker(queue *Queue, subs []Subscription, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:       queue,
		subs:        append([]Subscription(nil), subs...),
		client:      &http.Client{Timeout: 10 * time.Second},
		nowFn:       time.Now,
		backoffBase: time.Second,
		logger:      slog.Default(),
		limiters:    make(map[int]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run processes tasks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Subscription == nil {
			w.expandTask(task)
			continue
		}
		w.handleDelivery(ctx, task)
	}
}

func (w *Worker) expandTask(task Task) {
	for i := range w.subs {
		sub := w.subs[i]
		if !sub.Matches(task.Event.Type) {
			continue
		}
		w.queue.schedule(Task{Event: task.Event, Subscription: &sub})
	}
}

func (w *Worker) handleDelivery(ctx context.Context, task Task) {
	sub := task.Subscription
	now := w.nowFn()
	if delay := w.reserve(sub, now); delay > 0 {
		observability.Deliveries().RecordDelivery("rate_limited")
		task.NotBefore = now.Add(delay)
		w.queue.schedule(task)
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"type":        task.Event.Type,
		"sequence":    task.Event.Sequence,
		"agreementId": task.Event.AgreementID,
		"attributes":  task.Event.Attributes,
		"timestamp":   task.Event.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		observability.Deliveries().RecordDelivery("error")
		w.logger.Error("encode webhook payload", slog.Any("error", err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		observability.Deliveries().RecordDelivery("error")
		w.logger.Error("build webhook request", slog.String("url", sub.URL), slog.Any("error", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(sub.Secret, payload))

	resp, err := w.client.Do(req)
	if err != nil {
		w.retryLater(task, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.retryLater(task, resp.Status)
		return
	}
	observability.Deliveries().RecordDelivery("success")
	w.logger.Debug("webhook delivered",
		slog.String("url", sub.URL),
		slog.String("type", task.Event.Type),
		slog.Int64("sequence", task.Event.Sequence))
}

func (w *Worker) retryLater(task Task, reason string) {
	attempt := task.Attempt + 1
	if attempt >= maxAttempts {
		observability.Deliveries().RecordDelivery("failed")
		w.logger.Warn("webhook delivery abandoned",
			slog.String("url", task.Subscription.URL),
			slog.String("type", task.Event.Type),
			slog.Int("attempts", attempt),
			slog.String("reason", reason))
		return
	}
	observability.Deliveries().RecordDelivery("retry")
	task.Attempt = attempt
	task.NotBefore = w.nowFn().Add(w.backoffDuration(attempt))
	w.queue.schedule(task)
}

func (w *Worker) backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := w.backoffBase * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

// reserve takes a token from the subscription's per-minute budget and returns
// how long the delivery must wait when none is available.
func (w *Worker) reserve(sub *Subscription, now time.Time) time.Duration {
	limit := sub.RateLimit
	if limit <= 0 {
		limit = 60
	}
	w.rateMu.Lock()
	limiter, ok := w.limiters[sub.ID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(limit)), limit)
		w.limiters[sub.ID] = limiter
	}
	w.rateMu.Unlock()
	reservation := limiter.ReserveN(now, 1)
	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.CancelAt(now)
	}
	return delay
}

// Sign returns the hex-encoded HMAC-SHA256 of payload under secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches payload under secret.
func Verify(secret string, payload []byte, signature string) bool {
	expected, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}
