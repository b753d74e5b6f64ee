package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"milestonescrow/native/escrow"
)

type capturedRequest struct {
	body      []byte
	signature string
}

func TestWorkerDeliversSignedPayload(t *testing.T) {
	var mu sync.Mutex
	var captured []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		captured = append(captured, capturedRequest{body: body, signature: r.Header.Get(SignatureHeader)})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	queue := NewQueue()
	worker := NewWorker(queue, []Subscription{
		{ID: 1, URL: srv.URL, Secret: "hook-secret", Events: []string{escrow.EventTypeAgreementStatusChanged}},
		{ID: 2, URL: srv.URL + "/ignored", Secret: "other", Events: []string{escrow.EventTypeAgreementFundsRevoked}},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	emitter := NewEmitter(queue)
	emitter.Emit(escrow.StatusChangedEvent{AgreementID: "a-1", Client: "c", Freelancer: "f", Status: escrow.StatusActive})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(captured) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	req := captured[0]
	mu.Unlock()
	require.True(t, Verify("hook-secret", req.body, req.signature))
	require.False(t, Verify("wrong", req.body, req.signature))

	var body map[string]any
	require.NoError(t, json.Unmarshal(req.body, &body))
	require.Equal(t, escrow.EventTypeAgreementStatusChanged, body["type"])
	require.Equal(t, "a-1", body["agreementId"])
	require.Equal(t, "active", body["attributes"].(map[string]any)["status"])
}

func TestWorkerRetriesWithBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	queue := NewQueue()
	worker := NewWorker(queue, []Subscription{{ID: 1, URL: srv.URL, Secret: "s"}}, WithBackoffBase(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	queue.Enqueue(Event{Sequence: 1, Type: escrow.EventTypeAgreementCreated})
	require.Eventually(t, func() bool { return calls.Load() == 3 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(3), calls.Load())
}

func TestWorkerGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	queue := NewQueue()
	worker := NewWorker(queue, []Subscription{{ID: 1, URL: srv.URL}}, WithBackoffBase(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	queue.Enqueue(Event{Sequence: 1, Type: escrow.EventTypeAgreementCreated})
	require.Eventually(t, func() bool { return calls.Load() == maxAttempts }, 3*time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, int32(maxAttempts), calls.Load())
}

func TestBackoffDurationCaps(t *testing.T) {
	worker := NewWorker(NewQueue(), nil)
	require.Equal(t, time.Second, worker.backoffDuration(1))
	require.Equal(t, 4*time.Second, worker.backoffDuration(3))
	require.Equal(t, 5*time.Minute, worker.backoffDuration(20))
}

func TestSubscriptionMatches(t *testing.T) {
	require.True(t, Subscription{}.Matches("anything"))
	require.True(t, Subscription{Events: []string{"*"}}.Matches("agreement.created"))
	require.False(t, Subscription{Events: []string{"agreement.created"}}.Matches("agreement.status_changed"))
}

func TestEmitterAssignsSequences(t *testing.T) {
	queue := NewQueue()
	emitter := NewEmitter(queue)
	emitter.Emit(escrow.CreatedEvent{Snapshot: escrow.Snapshot{ID: "a-1", MilestoneCount: 1}})
	emitter.Emit(nil)
	emitter.Emit(escrow.StatusChangedEvent{AgreementID: "a-1", Status: escrow.StatusCancelled})

	require.Equal(t, 2, queue.Len())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, ok := queue.Dequeue(ctx)
	require.True(t, ok)
	second, ok := queue.Dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, int64(1), first.Event.Sequence)
	require.Equal(t, int64(2), second.Event.Sequence)
	require.Equal(t, "a-1", second.Event.AgreementID)
	require.Nil(t, second.Subscription)
}
