package main

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// WebhookEvent is an indexed event awaiting fan-out to subscribers.
type WebhookEvent struct {
	Sequence   int64
	Type       string
	OrderID    string
	Attributes map[string]string
	CreatedAt  time.Time
}

// WebhookTask is either an unexpanded event (Subscription nil) or a delivery
// to one subscriber.
type WebhookTask struct {
	Event        WebhookEvent
	Subscription *WebhookSubscription
	DeliveryID   string
	Attempt      int
	NotBefore    time.Time
}

type queuedTask struct {
	task       WebhookTask
	enqueuedAt time.Time
}

type WebhookQueueOption func(*webhookQueueConfig)

type webhookQueueConfig struct {
	taskCapacity    int
	historyCapacity int
	ttl             time.Duration
	now             func() time.Time
}

const (
	defaultTaskCapacity    = 1024
	defaultHistoryCapacity = 256
	defaultQueueTTL        = 15 * time.Minute
)

func WithWebhookTaskCapacity(capacity int) WebhookQueueOption {
	return func(cfg *webhookQueueConfig) {
		if capacity > 0 {
			cfg.taskCapacity = capacity
		}
	}
}

func WithWebhookHistoryCapacity(capacity int) WebhookQueueOption {
	return func(cfg *webhookQueueConfig) {
		if capacity > 0 {
			cfg.historyCapacity = capacity
		}
	}
}

// WithWebhookTTL bounds how long a task stays eligible for delivery.
func WithWebhookTTL(ttl time.Duration) WebhookQueueOption {
	return func(cfg *webhookQueueConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

func withWebhookClock(now func() time.Time) WebhookQueueOption {
	return func(cfg *webhookQueueConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// WebhookQueue is a bounded in-memory queue. On overflow the oldest task is
// dropped; the store keeps every event, so dropped notifications can be
// rebuilt from escrow history.
type WebhookQueue struct {
	mu      sync.Mutex
	tasks   ring[queuedTask]
	history ring[WebhookEvent]
	ttl     time.Duration
	now     func() time.Time
	wake    chan struct{}
	dropped metric.Int64Counter
}

func NewWebhookQueue(opts ...WebhookQueueOption) *WebhookQueue {
	cfg := webhookQueueConfig{
		taskCapacity:    defaultTaskCapacity,
		historyCapacity: defaultHistoryCapacity,
		ttl:             defaultQueueTTL,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &WebhookQueue{
		tasks:   newRing[queuedTask](cfg.taskCapacity),
		history: newRing[WebhookEvent](cfg.historyCapacity),
		ttl:     cfg.ttl,
		now:     cfg.now,
		wake:    make(chan struct{}, 1),
		dropped: droppedCounter(),
	}
}

func (q *WebhookQueue) Enqueue(evt WebhookEvent) {
	q.push(WebhookTask{Event: evt})
}

func (q *WebhookQueue) push(task WebhookTask) {
	now := q.now()
	q.mu.Lock()
	q.evictExpiredLocked(now)
	if task.Subscription == nil {
		q.history.push(task.Event)
	}
	if q.tasks.push(queuedTask{task: task, enqueuedAt: now}) {
		q.recordDropped("overflow", 1)
	}
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Events returns the most recent events handed to the queue.
func (q *WebhookQueue) Events() []WebhookEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]WebhookEvent, 0, q.history.len())
	q.history.each(func(evt WebhookEvent) { out = append(out, evt) })
	return out
}

// Len reports the number of pending tasks.
func (q *WebhookQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.len()
}

// Dequeue blocks until a task is due or ctx is done. Tasks whose NotBefore
// lies in the future go back to the tail so they do not hold up others.
func (q *WebhookQueue) Dequeue(ctx context.Context) (WebhookTask, bool) {
	for {
		wait := 50 * time.Millisecond
		now := q.now()
		q.mu.Lock()
		q.evictExpiredLocked(now)
		var (
			found WebhookTask
			ok    bool
		)
		for i, n := 0, q.tasks.len(); i < n; i++ {
			queued, _ := q.tasks.pop()
			if delay := queued.task.NotBefore.Sub(now); delay > 0 {
				q.tasks.push(queued)
				if delay < wait {
					wait = delay
				}
				continue
			}
			found, ok = queued.task, true
			break
		}
		q.mu.Unlock()
		if ok {
			return found, true
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return WebhookTask{}, false
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *WebhookQueue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := 0
	for {
		queued, ok := q.tasks.peek()
		if !ok || now.Sub(queued.enqueuedAt) <= q.ttl {
			break
		}
		q.tasks.pop()
		expired++
	}
	q.recordDropped("ttl", expired)
}

func (q *WebhookQueue) recordDropped(reason string, count int) {
	if q.dropped == nil || count <= 0 {
		return
	}
	q.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}

var (
	droppedOnce sync.Once
	dropped     metric.Int64Counter
)

func droppedCounter() metric.Int64Counter {
	droppedOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("podescrow/escrow-indexer")
		counter, err := meter.Int64Counter("escrow.indexer.webhooks.dropped")
		if err != nil {
			counter, _ = noop.NewMeterProvider().Meter("podescrow/escrow-indexer").Int64Counter("escrow.indexer.webhooks.dropped")
		}
		dropped = counter
	})
	return dropped
}

// ring is a fixed-size FIFO that overwrites the oldest element when full.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return ring[T]{buf: make([]T, capacity)}
}

// push appends v and reports whether an element was overwritten.
func (r *ring[T]) push(v T) bool {
	if r.size == len(r.buf) {
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
	return false
}

func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *ring[T]) peek() (T, bool) {
	if r.size == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

func (r *ring[T]) len() int { return r.size }

func (r *ring[T]) each(fn func(T)) {
	for i := 0; i < r.size; i++ {
		fn(r.buf[(r.head+i)%len(r.buf)])
	}
}
