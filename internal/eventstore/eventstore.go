// Package eventstore implements the Append and Read Coordinators: the
// components that sit between the HTTP surface and the Storage
// Gateway, owning validation, version assignment, and the mapping of
// storage failures onto the service's error taxonomy.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jules-labs/eventstore/internal/apperr"
	"github.com/jules-labs/eventstore/internal/clock"
	"github.com/jules-labs/eventstore/internal/errcapture"
	"github.com/jules-labs/eventstore/internal/metrics"
	"github.com/jules-labs/eventstore/internal/store"
)

// Direction mirrors store.Direction at the coordinator boundary so
// callers of this package never need to import internal/store directly.
type Direction = store.Direction

const (
	Forward  = store.Forward
	Backward = store.Backward
)

// Event is the coordinator-level view of a persisted event. It is the
// shape the HTTP layer serializes directly.
type Event struct {
	ID           uuid.UUID       `json:"id"`
	StreamID     string          `json:"stream_id"`
	EventType    string          `json:"event_type"`
	Data         json.RawMessage `json:"data"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	PartitionKey string          `json:"partition_key"`
	Archived     bool            `json:"archived"`
}

func fromStoreEvent(e store.Event) Event {
	return Event{
		ID:           e.ID,
		StreamID:     e.StreamID,
		EventType:    e.EventType,
		Data:         json.RawMessage(e.Data),
		Metadata:     json.RawMessage(e.Metadata),
		Version:      e.Version,
		CreatedAt:    e.CreatedAt,
		PartitionKey: e.PartitionKey,
		Archived:     e.Archived,
	}
}

// AppendRequest is the input to Append.
type AppendRequest struct {
	StreamID        string
	EventType       string
	Data            json.RawMessage
	Metadata        json.RawMessage
	ExpectedVersion *int64
}

// Query is the input to ReadStream.
type Query struct {
	FromVersion int64
	Limit       int
	Direction   Direction
}

const defaultReadLimit = 100

// NormalizeQuery applies the Read Coordinator's defaulting and clamping
// rules: from_version defaults to 0, limit defaults to 100 and is
// capped at 1000 with no lower bound (limit=0 yields an empty result,
// negative limits are treated as 0), direction defaults to forward and
// any value other than "backward" is treated as forward.
func NormalizeQuery(fromVersion *int64, limit *int, direction string) Query {
	q := Query{FromVersion: 0, Limit: defaultReadLimit, Direction: Forward}
	if fromVersion != nil {
		q.FromVersion = *fromVersion
	}
	if limit != nil {
		q.Limit = *limit
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}
	if q.Limit < 0 {
		q.Limit = 0
	}
	if direction == "backward" {
		q.Direction = Backward
	}
	return q
}

// Coordinator wires the Gateway to a Clock, metrics sink, and
// error-capture reporter. It implements both the Append and Read
// Coordinators described in the wire contract; they share a Gateway
// and are cheap enough to keep in one type.
type Coordinator struct {
	gateway  store.Gateway
	clock    clock.Clock
	metrics  metrics.Sink
	reporter errcapture.Reporter
	tracer   trace.Tracer
}

// New builds a Coordinator. reporter may be errcapture.Noop{}.
func New(gateway store.Gateway, clk clock.Clock, sink metrics.Sink, reporter errcapture.Reporter) *Coordinator {
	return &Coordinator{
		gateway:  gateway,
		clock:    clk,
		metrics:  sink,
		reporter: reporter,
		tracer:   otel.Tracer("eventstore/eventstore"),
	}
}

func (c *Coordinator) report(ctx context.Context, err *apperr.Error) {
	c.reporter.Report(ctx, string(err.Kind), err.Error())
}

// Append validates and persists a new event, assigning its version
// from the stream's current version. Reading the current version and
// inserting are not atomic: when two appenders race to the same new
// version, the Gateway's (stream_id, version) uniqueness rejects the
// loser and Append returns a Conflict error.
func (c *Coordinator) Append(ctx context.Context, req AppendRequest) (Event, error) {
	ctx, span := c.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(attribute.String("stream.id", req.StreamID)))
	defer span.End()

	c.metrics.Inc("event_store_append_requests_total")
	start := time.Now()
	defer func() {
		c.metrics.Observe("event_store_append_duration_seconds", time.Since(start).Seconds())
	}()

	if !IsValidStreamID(req.StreamID) {
		err := apperr.New(apperr.BadRequest, "invalid stream_id: %q", req.StreamID)
		c.metrics.Inc("event_store_append_errors_total")
		c.report(ctx, err)
		return Event{}, err
	}

	current, err := c.gateway.CurrentVersion(ctx, req.StreamID)
	if err != nil {
		appErr := apperr.Wrap(apperr.Database, err, "read current version for stream %s", req.StreamID)
		c.metrics.Inc("event_store_append_errors_total")
		c.report(ctx, appErr)
		return Event{}, appErr
	}

	if req.ExpectedVersion != nil && *req.ExpectedVersion != current {
		c.metrics.Inc("event_store_append_conflicts_total")
		appErr := apperr.VersionConflict(req.StreamID, *req.ExpectedVersion, current)
		c.report(ctx, appErr)
		return Event{}, appErr
	}

	newVersion := current + 1
	row := store.NewEventRow{
		ID:           uuid.New(),
		StreamID:     req.StreamID,
		EventType:    req.EventType,
		Data:         req.Data,
		Metadata:     req.Metadata,
		Version:      newVersion,
		CreatedAt:    c.clock.Now(),
		PartitionKey: PartitionKey(req.StreamID),
	}

	inserted, err := c.gateway.InsertEvent(ctx, row)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			c.metrics.Inc("event_store_append_conflicts_total")
			appErr := apperr.New(apperr.Conflict, "concurrent append raced for stream %s at version %d", req.StreamID, newVersion)
			c.report(ctx, appErr)
			return Event{}, appErr
		}
		c.metrics.Inc("event_store_append_errors_total")
		appErr := apperr.Wrap(apperr.Database, err, "insert event for stream %s", req.StreamID)
		c.report(ctx, appErr)
		return Event{}, appErr
	}

	c.metrics.Inc("event_store_events_stored_total")
	span.SetAttributes(attribute.Int64("event.version", newVersion))
	return fromStoreEvent(inserted), nil
}

// ReadStream returns the events matching query for streamID. An
// absent stream yields an empty slice, not an error.
func (c *Coordinator) ReadStream(ctx context.Context, streamID string, query Query) ([]Event, error) {
	ctx, span := c.tracer.Start(ctx, "eventstore.read_stream",
		trace.WithAttributes(attribute.String("stream.id", streamID)))
	defer span.End()

	c.metrics.Inc("event_store_read_requests_total")
	start := time.Now()
	defer func() {
		c.metrics.Observe("event_store_read_duration_seconds", time.Since(start).Seconds())
	}()

	events, err := c.gateway.ReadEvents(ctx, streamID, query.FromVersion, query.Limit, query.Direction)
	if err != nil {
		appErr := apperr.Wrap(apperr.Database, err, "read events for stream %s", streamID)
		c.metrics.Inc("event_store_read_errors_total")
		c.report(ctx, appErr)
		return nil, appErr
	}

	out := make([]Event, len(events))
	for i, e := range events {
		out[i] = fromStoreEvent(e)
	}

	c.metrics.IncBy("event_store_events_read_total", float64(len(out)))
	span.SetAttributes(attribute.Int("events.returned", len(out)))
	return out, nil
}
