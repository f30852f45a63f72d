package idempotency

import (
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketResponses = []byte("responses")

	// ErrMismatch is returned when a key is reused with a different request.
	ErrMismatch = errors.New("idempotency: key reused with a different request")
	// ErrInFlight is returned while another request holds the key.
	ErrInFlight = errors.New("idempotency: request with this key is still executing")
)

// pendingLease bounds how long an unresolved reservation blocks its key.
const pendingLease = time.Minute

// Record stores the cached response for a caller's idempotency key.
type Record struct {
	RequestHash string    `json:"requestHash"`
	Pending     bool      `json:"pending,omitempty"`
	StatusCode  int       `json:"statusCode"`
	Body        []byte    `json:"body"`
	StoredAt    time.Time `json:"storedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Store persists responses to mutating RPC calls so a retried request with
// the same key replays the first outcome instead of executing twice.
type Store struct {
	db  *bolt.DB
	ttl time.Duration
}

func Open(path string, ttl time.Duration, options *bolt.Options) (*Store, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResponses)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, ttl: ttl}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func recordKey(principal, key string) []byte {
	return []byte(principal + "\x00" + key)
}

// Reserve claims key for a request about to execute. A completed record for
// the same request is returned for replay. When no live record exists an
// in-flight marker is written in the same transaction, so concurrent
// duplicates observe ErrInFlight until Save or Release resolves the key.
// ErrMismatch is returned when the stored request hash differs.
func (s *Store) Reserve(principal, key, requestHash string, now time.Time) (Record, bool, error) {
	var record Record
	var found bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketResponses)
		id := recordKey(principal, key)
		if raw := bucket.Get(id); raw != nil {
			if err := json.Unmarshal(raw, &record); err != nil {
				return err
			}
			if !now.After(record.ExpiresAt) {
				found = true
				return nil
			}
		}
		record = Record{}
		pending, err := json.Marshal(Record{
			RequestHash: requestHash,
			Pending:     true,
			StoredAt:    now.UTC(),
			ExpiresAt:   now.Add(pendingLease).UTC(),
		})
		if err != nil {
			return err
		}
		return bucket.Put(id, pending)
	})
	if err != nil {
		return Record{}, false, err
	}
	if !found {
		return Record{}, false, nil
	}
	if record.RequestHash != requestHash {
		return Record{}, false, ErrMismatch
	}
	if record.Pending {
		return Record{}, false, ErrInFlight
	}
	return record, true, nil
}

// Release drops an in-flight reservation so the request can be retried.
// Completed records are left untouched.
func (s *Store) Release(principal, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketResponses)
		id := recordKey(principal, key)
		raw := bucket.Get(id)
		if raw == nil {
			return nil
		}
		var record Record
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}
		if !record.Pending {
			return nil
		}
		return bucket.Delete(id)
	})
}

// Save stores the response envelope for key.
func (s *Store) Save(principal, key, requestHash string, status int, body []byte, now time.Time) error {
	record := Record{
		RequestHash: requestHash,
		StatusCode:  status,
		Body:        append([]byte(nil), body...),
		StoredAt:    now.UTC(),
		ExpiresAt:   now.Add(s.ttl).UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResponses).Put(recordKey(principal, key), payload)
	})
}

// Prune deletes every record that expired before now and reports how many
// were removed.
func (s *Store) Prune(now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketResponses)
		var expired [][]byte
		if err := bucket.ForEach(func(k, v []byte) error {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			if now.After(record.ExpiresAt) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}
