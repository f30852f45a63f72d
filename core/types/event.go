package types

// Event represents a typed event emitted during state transitions.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	attrs := make(map[string]string, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	return &Event{Type: e.Type, Attributes: attrs}
}

// EventRecord is an event committed to the ledger's append-only log. Digest
// chains every record to its predecessor so auditors can detect rewrites.
type EventRecord struct {
	Sequence  uint64   `json:"sequence"`
	Timestamp int64    `json:"timestamp"`
	Digest    [32]byte `json:"-"`
	Event     *Event   `json:"event"`
}
