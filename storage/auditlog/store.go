package auditlog

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one mutating RPC call as seen by the server.
type Entry struct {
	ID         int64
	OccurredAt time.Time
	RequestID  string
	Principal  string
	Method     string
	OrderID    string
	Status     int
	ErrorCode  int
	Error      string
	DurationMs int64
}

// Store appends RPC audit entries to a SQLite database.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)
	store := &Store{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS rpc_audit (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL,
            request_id TEXT NOT NULL,
            principal TEXT,
            method TEXT NOT NULL,
            order_id TEXT,
            status INTEGER NOT NULL,
            error_code INTEGER NOT NULL DEFAULT 0,
            error TEXT,
            duration_ms INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS rpc_audit_order ON rpc_audit(order_id);`,
		`CREATE INDEX IF NOT EXISTS rpc_audit_principal ON rpc_audit(principal);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Insert(ctx context.Context, entry Entry) error {
	const stmt = `INSERT INTO rpc_audit(occurred_at, request_id, principal, method, order_id, status, error_code, error, duration_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, entry.OccurredAt.UTC(), entry.RequestID, entry.Principal, entry.Method, entry.OrderID, entry.Status, entry.ErrorCode, entry.Error, entry.DurationMs)
	return err
}

// ByOrder returns the audit trail for an order id, oldest first.
func (s *Store) ByOrder(ctx context.Context, orderID string) ([]Entry, error) {
	const query = `SELECT id, occurred_at, request_id, principal, method, order_id, status, error_code, error, duration_ms FROM rpc_audit WHERE order_id = ? ORDER BY id ASC`
	return s.query(ctx, query, orderID)
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT id, occurred_at, request_id, principal, method, order_id, status, error_code, error, duration_ms FROM rpc_audit ORDER BY id DESC LIMIT ?`
	return s.query(ctx, query, limit)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var (
			entry     Entry
			principal sql.NullString
			orderID   sql.NullString
			errText   sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.OccurredAt, &entry.RequestID, &principal, &entry.Method, &orderID, &entry.Status, &entry.ErrorCode, &errText, &entry.DurationMs); err != nil {
			return nil, err
		}
		entry.Principal = principal.String
		entry.OrderID = orderID.String
		entry.Error = errText.String
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
