// Package mongo persists journal records to MongoDB via
// go.mongodb.org/mongo-driver/v2, for deployments that want queryable
// history across sessions rather than a local per-session file.
//
// Grounded on features/session/mongo/clients/mongo.Client: a thin wrapper
// around the driver's *mongo.Collection, with context timeouts applied per
// call and indexes ensured once at construction.
package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/massgen-ai/coordination-core/hooks"
	"github.com/massgen-ai/coordination-core/journal"
)

// Sink implements journal.Sink by inserting one document per record into a
// MongoDB collection.
type Sink struct {
	coll      *mongo.Collection
	sessionID string
	timeout   time.Duration
}

// Options configures a Sink.
type Options struct {
	Client     *mongo.Client
	Database   string
	Collection string
	// SessionID tags every record so a single collection can hold the
	// journal for many sessions.
	SessionID string
	// Timeout bounds each Append call. Defaults to 5s.
	Timeout time.Duration
}

type document struct {
	SessionID  string    `bson:"session_id"`
	Type       string    `bson:"type"`
	AgentID    string    `bson:"agent_id,omitempty"`
	Generation uint64    `bson:"generation"`
	Timestamp  int64     `bson:"timestamp_ms"`
	Body       bson.Raw  `bson:"body"`
	InsertedAt time.Time `bson:"inserted_at"`
}

// NewSink builds a Sink against the given collection, creating a
// session_id+generation index so replay-by-session queries stay cheap.
func NewSink(ctx context.Context, opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("journal/mongo: client is required")
	}
	if opts.SessionID == "" {
		return nil, fmt.Errorf("journal/mongo: session id is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	coll := opts.Client.Database(opts.Database).Collection(opts.Collection)

	idxCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := coll.Indexes().CreateOne(idxCtx, mongo.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "generation", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("journal/mongo: ensure index: %w", err)
	}

	return &Sink{coll: coll, sessionID: opts.SessionID, timeout: timeout}, nil
}

// Append inserts record as a new document, tagged with the Sink's session
// ID. Implements journal.Sink.
func (s *Sink) Append(record journal.Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	doc := document{
		SessionID:  s.sessionID,
		Type:       string(record.Type),
		AgentID:    record.AgentID,
		Generation: record.Generation,
		Timestamp:  record.Timestamp,
		Body:       bson.Raw(record.Body),
		InsertedAt: time.Now(),
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("journal/mongo: insert record: %w", err)
	}
	return nil
}

// Close is a no-op; the *mongo.Client's lifecycle is owned by the caller
// that constructed it, not by the Sink.
func (s *Sink) Close() error { return nil }

// FindBySession returns the journaled records for a session in generation
// order, for operators inspecting history out of band. The Orchestrator
// itself never calls this: per §6 the journal is advisory only.
func (s *Sink) FindBySession(ctx context.Context, sessionID string) ([]journal.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cur, err := s.coll.Find(ctx,
		bson.D{{Key: "session_id", Value: sessionID}},
		options.Find().SetSort(bson.D{{Key: "generation", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("journal/mongo: find by session: %w", err)
	}
	defer cur.Close(ctx)

	var docs []document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("journal/mongo: decode records: %w", err)
	}

	records := make([]journal.Record, len(docs))
	for i, d := range docs {
		records[i] = journal.Record{
			Type:       hooks.EventType(d.Type),
			AgentID:    d.AgentID,
			Generation: d.Generation,
			Timestamp:  d.Timestamp,
			Body:       json.RawMessage(d.Body),
		}
	}
	return records, nil
}
