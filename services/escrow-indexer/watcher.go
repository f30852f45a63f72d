package main

import (
	"context"
	"log/slog"
	"time"
)

// EventStore is the persistence the watcher writes to.
type EventStore interface {
	LastEventSequence(ctx context.Context) (int64, error)
	ApplyEvents(ctx context.Context, events []NodeEvent) ([]NodeEvent, error)
}

// EventWatcher pulls committed events from the node, persists them and
// enqueues webhook notifications.
type EventWatcher struct {
	node         NodeClient
	store        EventStore
	queue        *WebhookQueue
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int
}

func NewEventWatcher(node NodeClient, store EventStore, queue *WebhookQueue, logger *slog.Logger) *EventWatcher {
	if queue == nil {
		queue = NewWebhookQueue()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventWatcher{
		node:         node,
		store:        store,
		queue:        queue,
		logger:       logger,
		pollInterval: 2 * time.Second,
		batchSize:    100,
	}
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// another poll so catching up does not wait on the ticker.
func (w *EventWatcher) Run(ctx context.Context) error {
	after, err := w.store.LastEventSequence(ctx)
	if err != nil {
		return err
	}
	w.logger.Info("event watcher started", slog.Int64("after", after))
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		for {
			next, n := w.poll(ctx, after)
			after = next
			if n < w.batchSize {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// poll fetches one batch after the cursor and returns the new cursor and
// the number of events the node returned.
func (w *EventWatcher) poll(ctx context.Context, after int64) (int64, int) {
	events, err := w.node.FetchEvents(ctx, after, w.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("fetch events failed", slog.Int64("after", after), slog.Any("error", err))
		}
		return after, 0
	}
	if len(events) == 0 {
		return after, 0
	}
	applied, err := w.store.ApplyEvents(ctx, events)
	if err != nil {
		w.logger.Error("persist events failed", slog.Int64("after", after), slog.Any("error", err))
		return after, 0
	}
	for _, evt := range applied {
		w.queue.Enqueue(WebhookEvent{
			Sequence:   evt.Sequence,
			Type:       evt.Type,
			OrderID:    evt.Attributes["orderId"],
			Attributes: evt.Attributes,
			CreatedAt:  time.Unix(evt.Timestamp, 0).UTC(),
		})
		after = evt.Sequence
	}
	return after, len(events)
}
