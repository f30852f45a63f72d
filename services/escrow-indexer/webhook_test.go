package main

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
)

type capturedDelivery struct {
	body      []byte
	signature string
	timestamp string
	delivery  string
}

func TestWebhookWorkerDeliversSignedPayload(t *testing.T) {
	store := setupTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan capturedDelivery, 1)
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- capturedDelivery{
			body:      body,
			signature: r.Header.Get(headerSignature),
			timestamp: r.Header.Get(headerTimestamp),
			delivery:  r.Header.Get(headerDeliveryID),
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer endpoint.Close()

	sub := &WebhookSubscription{URL: endpoint.URL, Secret: "hook-secret", Active: true}
	require.NoError(t, store.UpsertWebhook(ctx, sub))

	queue := NewWebhookQueue()
	worker := NewWebhookWorker(store, queue, discardLogger())
	go worker.Run(ctx)
	queue.Enqueue(WebhookEvent{
		Sequence:   7,
		Type:       EventPaymentCompleted,
		OrderID:    "42",
		Attributes: map[string]string{"orderId": "42", "status": "completed"},
		CreatedAt:  time.Unix(1_700_000_000, 0),
	})

	var got capturedDelivery
	select {
	case got = <-received:
	case <-time.After(2 * time.Second):
		t.Fatalf("webhook not delivered")
	}
	require.True(t, VerifySignature("hook-secret", got.timestamp, got.body, got.signature))
	require.False(t, VerifySignature("other-secret", got.timestamp, got.body, got.signature))
	require.NotEmpty(t, got.delivery)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(got.body, &payload))
	require.Equal(t, "42", payload["orderId"])
	require.Equal(t, got.delivery, payload["deliveryId"])

	require.Eventually(t, func() bool {
		attempts, err := store.WebhookAttempts(context.Background(), sub.ID)
		return err == nil && len(attempts) == 1 && attempts[0].Status == "success"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebhookWorkerRetriesThenAbandons(t *testing.T) {
	store := setupTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var hits atomic.Int32
	deliveries := make(map[string]struct{})
	var mu sync.Mutex
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		mu.Lock()
		deliveries[r.Header.Get(headerDeliveryID)] = struct{}{}
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer endpoint.Close()

	sub := &WebhookSubscription{URL: endpoint.URL, Secret: "s", Active: true}
	require.NoError(t, store.UpsertWebhook(ctx, sub))

	queue := NewWebhookQueue()
	worker := NewWebhookWorker(store, queue, discardLogger())
	worker.backoff = func(int) time.Duration { return time.Millisecond }
	go worker.Run(ctx)
	queue.Enqueue(WebhookEvent{Sequence: 1, Type: EventPaymentCreated, OrderID: "1"})

	require.Eventually(t, func() bool {
		attempts, err := store.WebhookAttempts(context.Background(), sub.ID)
		return err == nil && len(attempts) == maxWebhookAttempts
	}, 3*time.Second, 10*time.Millisecond)

	attempts, err := store.WebhookAttempts(context.Background(), sub.ID)
	require.NoError(t, err)
	for i, attempt := range attempts[:maxWebhookAttempts-1] {
		require.Equal(t, "failed", attempt.Status)
		require.Equal(t, i+1, attempt.Attempt)
		require.NotNil(t, attempt.NextAttempt)
	}
	require.Equal(t, "abandoned", attempts[maxWebhookAttempts-1].Status)
	require.Equal(t, int32(maxWebhookAttempts), hits.Load())
	mu.Lock()
	require.Len(t, deliveries, 1, "retries reuse the delivery id")
	mu.Unlock()
}

func TestWebhookWorkerRateLimitsPerSubscription(t *testing.T) {
	store := setupTestStore(t)
	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	queue := NewWebhookQueue(withWebhookClock(clock.Now))
	worker := NewWebhookWorker(store, queue, discardLogger())
	worker.nowFn = clock.Now

	sub := &WebhookSubscription{ID: 9, RateLimit: 1, Active: true}
	limiter := worker.limiter(sub)
	require.True(t, limiter.AllowN(clock.Now(), 1))

	worker.deliver(context.Background(), WebhookTask{Event: WebhookEvent{Sequence: 1}, Subscription: sub, DeliveryID: "d"})
	require.Equal(t, 1, queue.Len(), "throttled delivery is deferred, not dropped")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, ok := queue.Dequeue(ctx); ok {
		t.Fatalf("deferred delivery should not be due yet")
	}
	clock.Advance(time.Minute)
	task, ok := queue.Dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, "d", task.DeliveryID)
}

func TestExponentialBackoffCaps(t *testing.T) {
	require.Equal(t, time.Second, exponentialBackoff(1))
	require.Equal(t, 8*time.Second, exponentialBackoff(4))
	require.Equal(t, maxBackoff, exponentialBackoff(20))
}
