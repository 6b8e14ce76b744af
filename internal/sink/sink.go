// Package sink defines the downstream broker contract (§6) and provides an
// in-memory fixture used by the §8 property and scenario tests.
package sink

import (
	"context"
	"errors"
	"sync"
)

// ErrTransient marks a sink error the caller should retry with backoff
// (§6, §7: SinkTransient).
var ErrTransient = errors.New("sink: transient error")

// ErrFatal marks a sink error that should tear down the owning session
// without mutating the collector state for the failed record (§6, §7:
// SinkFatal).
var ErrFatal = errors.New("sink: fatal error")

// Sink is the abstract downstream producer: produce(key, value) -> ok |
// transient_error | fatal_error. Implementations must be safe for
// concurrent callers (§5).
type Sink interface {
	Produce(ctx context.Context, key, value []byte) error
}

// Record is one key/value pair captured by MemorySink, in arrival order.
type Record struct {
	Key   []byte
	Value []byte
}

// MemorySink is an in-memory Sink used by tests: the fixture named in §9
// for driving the §8 properties without a live broker.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
	// FailNext, if non-nil, is returned (and cleared) on the next call to
	// Produce, letting tests exercise transient/fatal error handling.
	FailNext error
}

// NewMemorySink constructs an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Produce appends (key, value) to the record log, unless FailNext is set.
func (m *MemorySink) Produce(ctx context.Context, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return err
	}

	k := append([]byte(nil), key...)
	v := append([]byte(nil), value...)
	m.records = append(m.records, Record{Key: k, Value: v})
	return nil
}

// Records returns a copy of every record produced so far, in order.
func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}
