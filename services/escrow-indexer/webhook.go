package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	maxWebhookAttempts = 5
	defaultRatePerMin  = 60
	maxBackoff         = 5 * time.Minute

	headerSignature  = "X-Webhook-Signature"
	headerDeliveryID = "X-Webhook-Delivery"
	headerTimestamp  = "X-Webhook-Timestamp"
)

// WebhookStore is the persistence the worker needs.
type WebhookStore interface {
	ListWebhooksForEvent(ctx context.Context, eventType string) ([]WebhookSubscription, error)
	InsertWebhookAttempt(ctx context.Context, attempt WebhookAttempt) error
}

// WebhookWorker delivers queued events to external subscribers.
type WebhookWorker struct {
	store   WebhookStore
	queue   *WebhookQueue
	client  *http.Client
	logger  *slog.Logger
	nowFn   func() time.Time
	backoff func(attempt int) time.Duration

	limitMu  sync.Mutex
	limiters map[int64]*rate.Limiter
}

func NewWebhookWorker(store WebhookStore, queue *WebhookQueue, logger *slog.Logger) *WebhookWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookWorker{
		store: store,
		queue: queue,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:   logger,
		nowFn:    time.Now,
		backoff:  exponentialBackoff,
		limiters: make(map[int64]*rate.Limiter),
	}
}

// Run processes webhook tasks until the context is cancelled.
func (w *WebhookWorker) Run(ctx context.Context) {
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Subscription == nil {
			w.expand(ctx, task)
			continue
		}
		w.deliver(ctx, task)
	}
}

func (w *WebhookWorker) expand(ctx context.Context, task WebhookTask) {
	subs, err := w.store.ListWebhooksForEvent(ctx, task.Event.Type)
	if err != nil {
		w.logger.Warn("list webhooks failed", slog.Int64("sequence", task.Event.Sequence), slog.Any("error", err))
		return
	}
	for i := range subs {
		sub := subs[i]
		w.queue.push(WebhookTask{
			Event:        task.Event,
			Subscription: &sub,
			DeliveryID:   uuid.NewString(),
		})
	}
}

func (w *WebhookWorker) deliver(ctx context.Context, task WebhookTask) {
	sub := task.Subscription
	if !sub.Active {
		return
	}
	now := w.nowFn()
	reservation := w.limiter(sub).ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		task.NotBefore = now.Add(delay)
		w.queue.push(task)
		return
	}

	payload, err := json.Marshal(webhookBody(task))
	if err != nil {
		w.recordAttempt(ctx, task, "error", err.Error(), now, nil)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		w.recordAttempt(ctx, task, "error", err.Error(), now, nil)
		return
	}
	timestamp := strconv.FormatInt(now.Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerDeliveryID, task.DeliveryID)
	req.Header.Set(headerTimestamp, timestamp)
	req.Header.Set(headerSignature, SignPayload(sub.Secret, timestamp, payload))

	resp, err := w.client.Do(req)
	if err != nil {
		w.retryLater(ctx, task, err.Error())
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.retryLater(ctx, task, resp.Status)
		return
	}
	w.recordAttempt(ctx, task, "success", "", now, nil)
}

func webhookBody(task WebhookTask) map[string]interface{} {
	return map[string]interface{}{
		"deliveryId": task.DeliveryID,
		"type":       task.Event.Type,
		"sequence":   task.Event.Sequence,
		"orderId":    task.Event.OrderID,
		"attributes": task.Event.Attributes,
		"timestamp":  task.Event.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (w *WebhookWorker) retryLater(ctx context.Context, task WebhookTask, errMsg string) {
	now := w.nowFn()
	attempt := task.Attempt + 1
	if attempt >= maxWebhookAttempts {
		w.recordAttempt(ctx, task, "abandoned", errMsg, now, nil)
		w.logger.Warn("webhook delivery abandoned",
			slog.String("delivery", task.DeliveryID),
			slog.Int64("webhook", task.Subscription.ID),
			slog.Int64("sequence", task.Event.Sequence),
			slog.String("error", errMsg))
		return
	}
	next := now.Add(w.backoff(attempt))
	w.recordAttempt(ctx, task, "failed", errMsg, now, &next)
	task.Attempt = attempt
	task.NotBefore = next
	w.queue.push(task)
}

func exponentialBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (w *WebhookWorker) recordAttempt(ctx context.Context, task WebhookTask, status, errMsg string, now time.Time, next *time.Time) {
	err := w.store.InsertWebhookAttempt(ctx, WebhookAttempt{
		DeliveryID:    task.DeliveryID,
		WebhookID:     task.Subscription.ID,
		EventSequence: task.Event.Sequence,
		Attempt:       task.Attempt + 1,
		Status:        status,
		Error:         errMsg,
		NextAttempt:   next,
		CreatedAt:     now,
	})
	if err != nil {
		w.logger.Warn("record webhook attempt failed", slog.String("delivery", task.DeliveryID), slog.Any("error", err))
	}
}

// limiter returns the per-subscription token bucket, sized RateLimit events
// per minute with a burst of the same size.
func (w *WebhookWorker) limiter(sub *WebhookSubscription) *rate.Limiter {
	perMinute := sub.RateLimit
	if perMinute <= 0 {
		perMinute = defaultRatePerMin
	}
	w.limitMu.Lock()
	defer w.limitMu.Unlock()
	limiter, ok := w.limiters[sub.ID]
	if !ok || limiter.Burst() != perMinute {
		limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
		w.limiters[sub.ID] = limiter
	}
	return limiter
}

// SignPayload returns the hex HMAC-SHA256 of "<timestamp>.<payload>".
func SignPayload(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.", timestamp)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by SignPayload in constant time.
func VerifySignature(secret, timestamp string, payload []byte, signature string) bool {
	expected, err := hex.DecodeString(SignPayload(secret, timestamp, payload))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}
