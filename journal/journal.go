// Package journal implements the advisory event journal: every domain
// event the Orchestrator observes, tagged with the Coordination State
// generation in effect when it fired, written to a pluggable Sink for
// post-hoc inspection. Per §6, journal sinks are never authoritative — the
// Orchestrator never reads one back to reconstruct state, and a write
// failure is logged, never fatal to the session.
//
// The default Sink (this package) appends newline-delimited JSON records to
// a local file, matching §6's "session/log/events.jsonl" persisted-state
// layout exactly.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/massgen-ai/coordination-core/hooks"
)

// Record is the durable, serializable shape of one journaled event. Event
// payloads vary by type, so Record carries the discriminant plus a
// pre-marshaled JSON body rather than the original typed hooks.Event.
type Record struct {
	Type       hooks.EventType `json:"type"`
	AgentID    string          `json:"agent_id,omitempty"`
	Generation uint64          `json:"generation"`
	Timestamp  int64           `json:"timestamp_ms"`
	Body       json.RawMessage `json:"body"`
}

// Sink receives journal Records. Implementations should treat Append
// failures as best-effort: the caller (Subscriber, below) logs them and
// continues rather than halting the session.
type Sink interface {
	Append(record Record) error
	Close() error
}

// ToRecord converts a hooks.Event into its journaled Record form.
func ToRecord(event hooks.Event) (Record, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return Record{}, fmt.Errorf("journal: marshal event body: %w", err)
	}
	return Record{
		Type:       event.Type(),
		AgentID:    string(event.AgentID()),
		Generation: event.Generation(),
		Timestamp:  event.Timestamp(),
		Body:       body,
	}, nil
}

// FileSink appends newline-delimited JSON records to a local file.
type FileSink struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// NewFileSink opens (creating if necessary) the journal file at path,
// appending to any existing content.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open log file: %w", err)
	}
	return &FileSink{f: f, enc: json.NewEncoder(f)}, nil
}

// Append writes record as one JSON line.
func (s *FileSink) Append(record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(record); err != nil {
		return fmt.Errorf("journal: append record: %w", err)
	}
	return s.f.Sync()
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// Subscriber adapts a Sink into an hooks.Subscriber that never halts
// delivery: per §6/§9, journal writes are never a critical subscriber, so
// HandleEvent always returns nil regardless of the sink's outcome, logging
// the failure instead.
type Subscriber struct {
	sink   Sink
	onFail func(err error)
}

// NewSubscriber wraps sink as a best-effort hooks.Subscriber. onFail may be
// nil, in which case write failures are silently dropped.
func NewSubscriber(sink Sink, onFail func(err error)) *Subscriber {
	return &Subscriber{sink: sink, onFail: onFail}
}

// HandleEvent implements hooks.Subscriber.
func (s *Subscriber) HandleEvent(_ context.Context, event hooks.Event) error {
	record, err := ToRecord(event)
	if err != nil {
		if s.onFail != nil {
			s.onFail(err)
		}
		return nil
	}
	if err := s.sink.Append(record); err != nil && s.onFail != nil {
		s.onFail(err)
	}
	return nil
}
