package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"

	"github.com/forgegate/hub/internal/project"
)

// SpannerEventStore persists the log in Cloud Spanner. Appends are insert
// mutations applied in one commit; AlreadyExists maps to ErrSequenceConflict.
// Load uses a strong read so optimistic concurrency sees its own writes;
// Range and Query tolerate 15 seconds of staleness.
//
// Expected DDL:
//
//	CREATE TABLE ProjectEvents (
//	    AggregateID STRING(MAX) NOT NULL,
//	    Sequence    INT64       NOT NULL,
//	    EventID     STRING(64)  NOT NULL,
//	    EventType   STRING(64)  NOT NULL,
//	    AgentID     STRING(MAX),
//	    Path        STRING(MAX),
//	    OldPath     STRING(MAX),
//	    OccurredAt  TIMESTAMP   NOT NULL,
//	    Data        STRING(MAX) NOT NULL,
//	    Metadata    STRING(MAX) NOT NULL,
//	) PRIMARY KEY (AggregateID, Sequence)
type SpannerEventStore struct {
	client *spanner.Client
	logger *log.Logger
}

var (
	_ EventStore         = (*SpannerEventStore)(nil)
	_ project.EventStore = (*SpannerEventStore)(nil)
)

const spannerStaleness = 15 * time.Second

var spannerReadCols = []string{
	"AggregateID", "Sequence", "EventID", "EventType", "AgentID", "OccurredAt", "Data", "Metadata",
}

var spannerInsertCols = []string{
	"AggregateID", "Sequence", "EventID", "EventType", "AgentID", "Path", "OldPath", "OccurredAt", "Data", "Metadata",
}

// NewSpannerEventStore creates a store backed by the ProjectEvents table.
func NewSpannerEventStore(gcpProject, instance, dbName string) (*SpannerEventStore, error) {
	ctx := context.Background()
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", gcpProject, instance, dbName)

	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create Spanner client: %w", err)
	}

	return &SpannerEventStore{
		client: client,
		logger: log.New(log.Writer(), "[SpannerStore] ", log.LstdFlags),
	}, nil
}

// Append applies the batch as one set of insert mutations.
func (s *SpannerEventStore) Append(ctx context.Context, events ...*project.Event) error {
	if len(events) == 0 {
		return nil
	}
	muts := make([]*spanner.Mutation, 0, len(events))
	for _, e := range events {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode event metadata: %w", err)
		}
		muts = append(muts, spanner.Insert("ProjectEvents", spannerInsertCols,
			[]interface{}{
				e.AggregateID, int64(e.Sequence), e.ID, string(e.Type), e.AgentID,
				e.Path(), e.Data[project.KeyOldPath], e.Timestamp, string(data), string(meta),
			},
		))
	}

	if _, err := s.client.Apply(ctx, muts); err != nil {
		if spanner.ErrCode(err) == codes.AlreadyExists {
			s.logger.Printf("Sequence conflict on aggregate %s", events[0].AggregateID)
			return fmt.Errorf("%w: aggregate %s", ErrSequenceConflict, events[0].AggregateID)
		}
		return fmt.Errorf("failed to apply event mutations: %w", err)
	}
	return nil
}

// Load returns every event for the aggregate in sequence order via a strong
// read over the primary-key prefix.
func (s *SpannerEventStore) Load(ctx context.Context, aggregateID string) ([]*project.Event, error) {
	iter := s.client.Single().Read(ctx, "ProjectEvents",
		spanner.Key{aggregateID}.AsPrefix(), spannerReadCols)
	return collectSpannerEvents(iter)
}

// Range returns the aggregate's events with from < OccurredAt <= to.
func (s *SpannerEventStore) Range(ctx context.Context, aggregateID string, from, to time.Time) ([]*project.Event, error) {
	return s.Query(ctx, Filter{AggregateID: aggregateID, From: from, To: to})
}

// Query builds a SQL statement from the set filter fields and runs it in a
// bounded-staleness read-only transaction.
func (s *SpannerEventStore) Query(ctx context.Context, f Filter) ([]*project.Event, error) {
	var (
		where  []string
		params = map[string]interface{}{}
	)
	if f.AggregateID != "" {
		where = append(where, "AggregateID = @aggregate")
		params["aggregate"] = f.AggregateID
	}
	if !f.From.IsZero() {
		where = append(where, "OccurredAt > @from")
		params["from"] = f.From
	}
	if !f.To.IsZero() {
		where = append(where, "OccurredAt <= @to")
		params["to"] = f.To
	}
	if f.EventType != "" {
		where = append(where, "EventType = @type")
		params["type"] = string(f.EventType)
	}
	if f.AgentID != "" {
		where = append(where, "AgentID = @agent")
		params["agent"] = f.AgentID
	}
	if f.Path != "" {
		where = append(where, "(Path = @path OR OldPath = @path)")
		params["path"] = f.Path
	}

	sql := "SELECT " + strings.Join(spannerReadCols, ", ") + " FROM ProjectEvents"
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY AggregateID, Sequence"
	if f.Limit > 0 {
		sql += " LIMIT @limit"
		params["limit"] = int64(f.Limit)
	}

	roTx := s.client.ReadOnlyTransaction().WithTimestampBound(spanner.MaxStaleness(spannerStaleness))
	defer roTx.Close()

	iter := roTx.Query(ctx, spanner.Statement{SQL: sql, Params: params})
	return collectSpannerEvents(iter)
}

// Close closes the Spanner client.
func (s *SpannerEventStore) Close() error {
	s.client.Close()
	return nil
}

func collectSpannerEvents(iter *spanner.RowIterator) ([]*project.Event, error) {
	defer iter.Stop()

	var out []*project.Event
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate events: %w", err)
		}

		var (
			e    project.Event
			seq  int64
			typ  string
			data string
			meta string
		)
		if err := row.Columns(&e.AggregateID, &seq, &e.ID, &typ, &e.AgentID, &e.Timestamp, &data, &meta); err != nil {
			return nil, fmt.Errorf("failed to decode event row: %w", err)
		}
		e.Sequence = uint64(seq)
		e.Type = project.EventType(typ)
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, fmt.Errorf("failed to decode event data: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode event metadata: %w", err)
		}
		out = append(out, &e)
	}
	return out, nil
}
