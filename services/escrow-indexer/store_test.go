package main

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, AutoMigrate(db))
	store := NewStore(db)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createdEvent(seq int64, orderID, value string) NodeEvent {
	return NodeEvent{
		Sequence:  seq,
		Timestamp: 1_700_000_000 + seq,
		Type:      EventPaymentCreated,
		Attributes: map[string]string{
			"orderId": orderID,
			"seller":  "esc1seller",
			"buyer":   "esc1buyer",
			"value":   value,
		},
	}
}

func completedEvent(seq int64, orderID, status string) NodeEvent {
	evt := createdEvent(seq, orderID, "0")
	evt.Type = EventPaymentCompleted
	evt.Attributes["status"] = status
	return evt
}

func TestStoreApplyEventsBuildsProjection(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	applied, err := store.ApplyEvents(ctx, []NodeEvent{
		createdEvent(1, "7", "100"),
		{Sequence: 2, Type: EventRefundApproved, Timestamp: 1_700_000_002, Attributes: map[string]string{"orderId": "7"}},
		completedEvent(3, "7", "refunded"),
		createdEvent(4, "8", "5"),
	})
	require.NoError(t, err)
	require.Len(t, applied, 4)

	payment, err := store.Payment(ctx, "7")
	require.NoError(t, err)
	require.Equal(t, "refunded", payment.Status)
	require.True(t, payment.RefundApproved)
	require.Equal(t, "100", payment.Value)
	require.Equal(t, int64(1), payment.CreatedSeq)
	require.Equal(t, int64(3), payment.UpdatedSeq)

	other, err := store.Payment(ctx, "8")
	require.NoError(t, err)
	require.Equal(t, "pending", other.Status)

	last, err := store.LastEventSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(4), last)

	history, err := store.EventsForOrder(ctx, "7")
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, EventPaymentCompleted, history[2].Type)
}

func TestStoreApplyEventsSkipsReplays(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.ApplyEvents(ctx, []NodeEvent{createdEvent(1, "1", "10"), createdEvent(2, "2", "20")})
	require.NoError(t, err)

	applied, err := store.ApplyEvents(ctx, []NodeEvent{createdEvent(2, "2", "20"), completedEvent(3, "1", "completed")})
	require.NoError(t, err)
	require.Len(t, applied, 1)
	require.Equal(t, int64(3), applied[0].Sequence)

	last, err := store.LastEventSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), last)
}

func TestStorePaymentNotIndexed(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.Payment(context.Background(), "404")
	require.ErrorIs(t, err, ErrPaymentNotIndexed)

	last, err := store.LastEventSequence(context.Background())
	require.NoError(t, err)
	require.Zero(t, last)
}

func TestStorePaymentsByParty(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	_, err := store.ApplyEvents(ctx, []NodeEvent{createdEvent(1, "1", "10"), createdEvent(2, "2", "20")})
	require.NoError(t, err)

	rows, err := store.PaymentsByParty(ctx, "esc1buyer", 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "2", rows[0].OrderID)

	rows, err = store.PaymentsByParty(ctx, "esc1nobody", 10)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestStoreWebhookSubscriptions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	all := &WebhookSubscription{URL: "https://example.test/all", Secret: "a", Active: true}
	completions := &WebhookSubscription{URL: "https://example.test/done", Secret: "b", Events: EventPaymentCompleted, Active: true}
	inactive := &WebhookSubscription{URL: "https://example.test/off", Secret: "c", Active: false}
	for _, sub := range []*WebhookSubscription{all, completions, inactive} {
		require.NoError(t, store.UpsertWebhook(ctx, sub))
	}

	subs, err := store.ListWebhooksForEvent(ctx, EventPaymentCreated)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, all.URL, subs[0].URL)

	subs, err = store.ListWebhooksForEvent(ctx, EventPaymentCompleted)
	require.NoError(t, err)
	require.Len(t, subs, 2)

	// Re-registering the same URL updates in place.
	require.NoError(t, store.UpsertWebhook(ctx, &WebhookSubscription{URL: all.URL, Secret: "rotated", Events: EventRefundApproved, Active: true}))
	subs, err = store.ListWebhooksForEvent(ctx, EventPaymentCreated)
	require.NoError(t, err)
	require.Empty(t, subs)
	subs, err = store.ListWebhooksForEvent(ctx, EventRefundApproved)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "rotated", subs[0].Secret)
}
