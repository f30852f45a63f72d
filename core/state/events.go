package state

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"
	"lukechampine.com/blake3"

	"podescrow/core/types"
)

type storedAttribute struct {
	Key   string
	Value string
}

// storedEvent is the RLP form of a log entry. Attributes are kept as a
// key-sorted list because RLP has no map encoding.
type storedEvent struct {
	Sequence   uint64
	Timestamp  uint64
	Type       string
	Attributes []storedAttribute
	Prev       [32]byte
}

type storedEventRecord struct {
	Event  storedEvent
	Digest [32]byte
}

func newStoredEvent(seq uint64, timestamp int64, evt *types.Event, prev [32]byte) storedEvent {
	keys := make([]string, 0, len(evt.Attributes))
	for k := range evt.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]storedAttribute, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, storedAttribute{Key: k, Value: evt.Attributes[k]})
	}
	return storedEvent{
		Sequence:   seq,
		Timestamp:  uint64(timestamp),
		Type:       evt.Type,
		Attributes: attrs,
		Prev:       prev,
	}
}

func (s storedEvent) digest() ([32]byte, error) {
	encoded, err := rlp.EncodeToBytes(s)
	if err != nil {
		return [32]byte{}, err
	}
	buf := make([]byte, 0, len(s.Prev)+len(encoded))
	buf = append(buf, s.Prev[:]...)
	buf = append(buf, encoded...)
	return blake3.Sum256(buf), nil
}

func (r *storedEventRecord) toRecord() *types.EventRecord {
	attrs := make(map[string]string, len(r.Event.Attributes))
	for _, attr := range r.Event.Attributes {
		attrs[attr.Key] = attr.Value
	}
	return &types.EventRecord{
		Sequence:  r.Event.Sequence,
		Timestamp: int64(r.Event.Timestamp),
		Digest:    r.Digest,
		Event:     &types.Event{Type: r.Event.Type, Attributes: attrs},
	}
}

func eventKey(seq uint64) []byte {
	return prefixedKey(eventPrefix, uint64Bytes(seq))
}

// EventCount returns the number of events in the log. Sequence numbers start
// at one, so the count is also the sequence of the newest event.
func (m *Manager) EventCount() (uint64, error) {
	var count uint64
	if _, err := m.KVGet(eventCountKey, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// EventHead returns the digest of the newest event, or zero for an empty log.
func (m *Manager) EventHead() ([32]byte, error) {
	var head [32]byte
	if _, err := m.KVGet(eventHeadKey, &head); err != nil {
		return [32]byte{}, err
	}
	return head, nil
}

// AppendEvent adds evt to the log, chaining its digest to the previous head.
func (m *Manager) AppendEvent(evt *types.Event, timestamp int64) (*types.EventRecord, error) {
	if evt == nil || evt.Type == "" {
		return nil, fmt.Errorf("state: event type required")
	}
	count, err := m.EventCount()
	if err != nil {
		return nil, err
	}
	head, err := m.EventHead()
	if err != nil {
		return nil, err
	}
	stored := newStoredEvent(count+1, timestamp, evt, head)
	digest, err := stored.digest()
	if err != nil {
		return nil, err
	}
	record := &storedEventRecord{Event: stored, Digest: digest}
	if err := m.KVPut(eventKey(stored.Sequence), record); err != nil {
		return nil, err
	}
	if err := m.KVPut(eventHeadKey, digest); err != nil {
		return nil, err
	}
	if err := m.KVPut(eventCountKey, stored.Sequence); err != nil {
		return nil, err
	}
	return record.toRecord(), nil
}

// EventAt loads the event with the given sequence number.
func (m *Manager) EventAt(seq uint64) (*types.EventRecord, bool, error) {
	if seq == 0 {
		return nil, false, nil
	}
	record := new(storedEventRecord)
	ok, err := m.KVGet(eventKey(seq), record)
	if err != nil || !ok {
		return nil, false, err
	}
	return record.toRecord(), true, nil
}

// Events returns up to limit events with a sequence greater than after.
func (m *Manager) Events(after, limit uint64) ([]*types.EventRecord, error) {
	count, err := m.EventCount()
	if err != nil {
		return nil, err
	}
	out := make([]*types.EventRecord, 0)
	for seq := after + 1; seq <= count && uint64(len(out)) < limit; seq++ {
		record, ok, err := m.EventAt(seq)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("state: event %d missing", seq)
		}
		out = append(out, record)
	}
	return out, nil
}

// VerifyEventChain recomputes every digest in the log and reports the first
// sequence whose stored digest or back-link does not match.
func (m *Manager) VerifyEventChain() error {
	count, err := m.EventCount()
	if err != nil {
		return err
	}
	var prev [32]byte
	for seq := uint64(1); seq <= count; seq++ {
		record := new(storedEventRecord)
		ok, err := m.KVGet(eventKey(seq), record)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("state: event %d missing", seq)
		}
		if record.Event.Prev != prev {
			return fmt.Errorf("state: event %d does not link to its predecessor", seq)
		}
		digest, err := record.Event.digest()
		if err != nil {
			return err
		}
		if digest != record.Digest {
			return fmt.Errorf("state: event %d digest mismatch", seq)
		}
		prev = digest
	}
	head, err := m.EventHead()
	if err != nil {
		return err
	}
	if head != prev {
		return fmt.Errorf("state: event head does not match log")
	}
	return nil
}
