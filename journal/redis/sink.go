// Package redis persists journal records to a Redis Stream via
// github.com/redis/go-redis/v9, for deployments that want a lightweight,
// tailable journal rather than a queryable document store.
//
// No teacher file journals events to Redis; grounded structurally on
// go-redis's XAdd/XRange usage as shown across the pack (the registry and
// cache layers that already depend on go-redis for other purposes), kept in
// the same thin-sink shape as journal.FileSink and journal/mongo.Sink.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/massgen-ai/coordination-core/hooks"
	"github.com/massgen-ai/coordination-core/journal"
)

// Sink implements journal.Sink by XADD-ing one entry per record onto a
// Redis Stream.
type Sink struct {
	client  *redis.Client
	key     string
	maxLen  int64
	timeout time.Duration
}

// Options configures a Sink.
type Options struct {
	Client *redis.Client
	// Key is the stream key, e.g. "massgen:session:<id>:journal".
	Key string
	// MaxLen approximately caps the stream length via XADD MAXLEN ~, to
	// bound memory on long-running deployments. Zero means unbounded.
	MaxLen int64
	// Timeout bounds each Append call. Defaults to 3s.
	Timeout time.Duration
}

// NewSink builds a Sink writing to the given stream key.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("journal/redis: client is required")
	}
	if opts.Key == "" {
		return nil, fmt.Errorf("journal/redis: stream key is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Sink{client: opts.Client, key: opts.Key, maxLen: opts.MaxLen, timeout: timeout}, nil
}

// Append XADDs record's fields onto the stream.
func (s *Sink) Append(record journal.Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	args := &redis.XAddArgs{
		Stream: s.key,
		Values: map[string]any{
			"type":       string(record.Type),
			"agent_id":   record.AgentID,
			"generation": strconv.FormatUint(record.Generation, 10),
			"timestamp":  strconv.FormatInt(record.Timestamp, 10),
			"body":       string(record.Body),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("journal/redis: xadd: %w", err)
	}
	return nil
}

// Close is a no-op; the *redis.Client's lifecycle is owned by the caller.
func (s *Sink) Close() error { return nil }

// Range reads back entries from the stream between start and end (Redis
// stream ID syntax, e.g. "-" and "+" for the full range), for operators
// inspecting history. Never called by the Orchestrator itself.
func (s *Sink) Range(ctx context.Context, start, end string) ([]journal.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	entries, err := s.client.XRange(ctx, s.key, start, end).Result()
	if err != nil {
		return nil, fmt.Errorf("journal/redis: xrange: %w", err)
	}

	records := make([]journal.Record, 0, len(entries))
	for _, entry := range entries {
		generation, _ := strconv.ParseUint(fmt.Sprint(entry.Values["generation"]), 10, 64)
		timestamp, _ := strconv.ParseInt(fmt.Sprint(entry.Values["timestamp"]), 10, 64)
		records = append(records, journal.Record{
			Type:       hooks.EventType(fmt.Sprint(entry.Values["type"])),
			AgentID:    fmt.Sprint(entry.Values["agent_id"]),
			Generation: generation,
			Timestamp:  timestamp,
			Body:       json.RawMessage(fmt.Sprint(entry.Values["body"])),
		})
	}
	return records, nil
}
