package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const eventCursorName = "escrow_events"

// ErrPaymentNotIndexed is returned when the projection has no row for an order.
var ErrPaymentNotIndexed = errors.New("indexer: payment not indexed")

// EventRow is a committed ledger event as seen through escrow_events.
type EventRow struct {
	Sequence   int64     `gorm:"primaryKey;autoIncrement:false" json:"sequence"`
	Type       string    `gorm:"size:64;index" json:"type"`
	OrderID    string    `gorm:"size:80;index" json:"orderId"`
	Digest     string    `gorm:"size:64" json:"digest"`
	Attributes string    `gorm:"type:text" json:"attributes"`
	OccurredAt time.Time `json:"occurredAt"`
	CreatedAt  time.Time `json:"-"`
}

// PaymentRow is the read projection of one escrow payment.
type PaymentRow struct {
	OrderID        string    `gorm:"primaryKey;size:80" json:"orderId"`
	Seller         string    `gorm:"size:64;index" json:"seller"`
	Buyer          string    `gorm:"size:64;index" json:"buyer"`
	Value          string    `gorm:"size:80" json:"value"`
	Status         string    `gorm:"size:16;index" json:"status"`
	RefundApproved bool      `json:"refundApproved"`
	CreatedSeq     int64     `json:"createdSequence"`
	UpdatedSeq     int64     `json:"updatedSequence"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Cursor tracks the last event sequence a consumer has applied.
type Cursor struct {
	Name      string `gorm:"primaryKey;size:64"`
	Sequence  int64
	UpdatedAt time.Time
}

// WebhookSubscription is an external endpoint notified about matching events.
// An empty Events list matches every event type.
type WebhookSubscription struct {
	ID        int64  `gorm:"primaryKey"`
	URL       string `gorm:"size:512;uniqueIndex"`
	Secret    string `gorm:"size:256"`
	Events    string `gorm:"size:512"`
	RateLimit int
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Matches reports whether the subscription wants eventType.
func (s WebhookSubscription) Matches(eventType string) bool {
	if strings.TrimSpace(s.Events) == "" {
		return true
	}
	for _, candidate := range strings.Split(s.Events, ",") {
		if strings.EqualFold(strings.TrimSpace(candidate), eventType) {
			return true
		}
	}
	return false
}

// WebhookAttempt records one delivery attempt.
type WebhookAttempt struct {
	ID            int64  `gorm:"primaryKey"`
	DeliveryID    string `gorm:"size:36;index"`
	WebhookID     int64  `gorm:"index"`
	EventSequence int64  `gorm:"index"`
	Attempt       int
	Status        string `gorm:"size:16"`
	Error         string `gorm:"type:text"`
	NextAttempt   *time.Time
	CreatedAt     time.Time
}

// AutoMigrate performs all schema migrations for the indexer.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&EventRow{},
		&PaymentRow{},
		&Cursor{},
		&WebhookSubscription{},
		&WebhookAttempt{},
	)
}

// Store persists indexed events and their projections.
type Store struct {
	db *gorm.DB
}

// OpenStore connects to the configured database and migrates the schema.
func OpenStore(cfg DatabaseConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	case DriverSQLite, "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, err
	}
	if cfg.Driver != DriverPostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return NewStore(db), nil
}

// NewStore wraps an already migrated connection.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// LastEventSequence returns the cursor position, zero when nothing was indexed.
func (s *Store) LastEventSequence(ctx context.Context) (int64, error) {
	var cursor Cursor
	err := s.db.WithContext(ctx).Where("name = ?", eventCursorName).Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return cursor.Sequence, nil
}

// ApplyEvents stores a batch of events, folds them into the payment
// projection and advances the cursor in a single transaction. Events at or
// below the current cursor are skipped so replays are harmless.
func (s *Store) ApplyEvents(ctx context.Context, events []NodeEvent) ([]NodeEvent, error) {
	var applied []NodeEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cursor Cursor
		err := tx.Where("name = ?", eventCursorName).Take(&cursor).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		last := cursor.Sequence
		for _, evt := range events {
			if evt.Sequence <= last {
				continue
			}
			if err := applyEvent(tx, evt); err != nil {
				return fmt.Errorf("apply event %d: %w", evt.Sequence, err)
			}
			applied = append(applied, evt)
			last = evt.Sequence
		}
		if last == cursor.Sequence {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"sequence", "updated_at"}),
		}).Create(&Cursor{Name: eventCursorName, Sequence: last, UpdatedAt: time.Now().UTC()}).Error
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

func applyEvent(tx *gorm.DB, evt NodeEvent) error {
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return err
	}
	occurred := time.Unix(evt.Timestamp, 0).UTC()
	orderID := evt.Attributes["orderId"]
	row := EventRow{
		Sequence:   evt.Sequence,
		Type:       evt.Type,
		OrderID:    orderID,
		Digest:     evt.Digest,
		Attributes: string(attrs),
		OccurredAt: occurred,
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return err
	}
	if orderID == "" {
		return nil
	}
	switch evt.Type {
	case EventPaymentCreated:
		payment := PaymentRow{
			OrderID:    orderID,
			Seller:     evt.Attributes["seller"],
			Buyer:      evt.Attributes["buyer"],
			Value:      evt.Attributes["value"],
			Status:     "pending",
			CreatedSeq: evt.Sequence,
			UpdatedSeq: evt.Sequence,
			CreatedAt:  occurred,
			UpdatedAt:  occurred,
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&payment).Error
	case EventRefundApproved:
		return tx.Model(&PaymentRow{}).Where("order_id = ?", orderID).Updates(map[string]interface{}{
			"refund_approved": true,
			"updated_seq":     evt.Sequence,
			"updated_at":      occurred,
		}).Error
	case EventPaymentCompleted:
		return tx.Model(&PaymentRow{}).Where("order_id = ?", orderID).Updates(map[string]interface{}{
			"status":      evt.Attributes["status"],
			"updated_seq": evt.Sequence,
			"updated_at":  occurred,
		}).Error
	}
	return nil
}

// Payment returns the projected state of orderID.
func (s *Store) Payment(ctx context.Context, orderID string) (*PaymentRow, error) {
	var row PaymentRow
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotIndexed
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// PaymentsByParty lists payments where addr is seller or buyer, newest first.
func (s *Store) PaymentsByParty(ctx context.Context, addr string, limit int) ([]PaymentRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []PaymentRow
	err := s.db.WithContext(ctx).
		Where("seller = ? OR buyer = ?", addr, addr).
		Order("created_seq DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// EventsForOrder returns the indexed history of orderID in sequence order.
func (s *Store) EventsForOrder(ctx context.Context, orderID string) ([]EventRow, error) {
	var rows []EventRow
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Order("sequence ASC").Find(&rows).Error
	return rows, err
}

// UpsertWebhook creates or refreshes the subscription identified by its URL.
func (s *Store) UpsertWebhook(ctx context.Context, sub *WebhookSubscription) error {
	sub.URL = strings.TrimSpace(sub.URL)
	if sub.URL == "" {
		return errors.New("indexer: webhook url required")
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "url"}},
		DoUpdates: clause.AssignmentColumns([]string{"secret", "events", "rate_limit", "active", "updated_at"}),
	}).Create(sub).Error
}

// ListWebhooksForEvent returns active subscriptions that match eventType.
func (s *Store) ListWebhooksForEvent(ctx context.Context, eventType string) ([]WebhookSubscription, error) {
	var subs []WebhookSubscription
	if err := s.db.WithContext(ctx).Where("active = ?", true).Order("id ASC").Find(&subs).Error; err != nil {
		return nil, err
	}
	matched := subs[:0]
	for _, sub := range subs {
		if sub.Matches(eventType) {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}

func (s *Store) InsertWebhookAttempt(ctx context.Context, attempt WebhookAttempt) error {
	return s.db.WithContext(ctx).Create(&attempt).Error
}

// WebhookAttempts returns the attempts for one subscription in insertion order.
func (s *Store) WebhookAttempts(ctx context.Context, webhookID int64) ([]WebhookAttempt, error) {
	var attempts []WebhookAttempt
	err := s.db.WithContext(ctx).Where("webhook_id = ?", webhookID).Order("id ASC").Find(&attempts).Error
	return attempts, err
}
