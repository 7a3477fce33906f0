// Package store is the Storage Gateway: it owns the relational schema
// and is the only package in this service that writes SQL. Every other
// component — the Append/Read Coordinators, the Snapshot Service, the
// Scheduler, the Sweeper — talks to a Gateway, never to *sql.DB
// directly, mirroring the teacher's go-eventstore package where the
// EventStore type is the sole owner of its table's SQL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Direction controls read ordering for ReadEvents.
type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
)

// Event is a single immutable row of the events table.
type Event struct {
	ID           uuid.UUID
	StreamID     string
	EventType    string
	Data         []byte // opaque JSON payload
	Metadata     []byte // opaque JSON payload, may be nil
	Version      int64
	CreatedAt    time.Time
	PartitionKey string
	Archived     bool
}

// NewEventRow is the set of fields the Append Coordinator supplies when
// inserting a new event; ID, Version and CreatedAt are assigned by the
// Gateway's caller (the coordinator owns version-assignment logic, the
// Gateway only persists and enforces uniqueness).
type NewEventRow struct {
	ID           uuid.UUID
	StreamID     string
	EventType    string
	Data         []byte
	Metadata     []byte
	Version      int64
	CreatedAt    time.Time
	PartitionKey string
}

// Snapshot is a single row of the snapshots table. Data is the
// LZ4-compressed byte sequence; internal/snapshot owns compression.
type Snapshot struct {
	ID        uuid.UUID
	StreamID  string
	Version   int64
	Data      []byte
	CreatedAt time.Time
}

// StreamNeed describes a stream whose event count has outrun its last
// snapshot by at least the Scheduler's configured threshold.
type StreamNeed struct {
	StreamID            string
	CurrentVersion      int64
	LastSnapshotVersion int64
}

// ErrConflict is returned by InsertEvent when (stream_id, version)
// already exists — either because a racing appender won, or because
// the caller mis-assigned a version. Callers use errors.Is against
// this sentinel rather than inspecting *pq.Error themselves.
var ErrConflict = errors.New("store: version conflict")

// Gateway is the Storage Gateway contract. Postgres is the production
// implementation; internal/store/storetest provides an in-memory fake
// satisfying the same interface for property and unit tests that do
// not need a live database.
type Gateway interface {
	EnsureSchema(ctx context.Context) error

	CurrentVersion(ctx context.Context, streamID string) (int64, error)
	InsertEvent(ctx context.Context, row NewEventRow) (Event, error)
	ReadEvents(ctx context.Context, streamID string, fromVersion int64, limit int, direction Direction) ([]Event, error)

	ReplaceSnapshot(ctx context.Context, streamID string, version int64, data []byte) (Snapshot, error)
	InsertSnapshotIdempotent(ctx context.Context, streamID string, version int64, data []byte) error
	LatestSnapshot(ctx context.Context, streamID string) ([]byte, bool, error)

	StreamsNeedingSnapshot(ctx context.Context, threshold int64) ([]StreamNeed, error)
	MarkArchived(ctx context.Context, before time.Time) (int64, error)

	CountEvents(ctx context.Context) (int64, error)
	CountStreams(ctx context.Context) (int64, error)
	CountSnapshots(ctx context.Context) (int64, error)
}

const maxLimit = 1000

// clampLimit caps limit at maxLimit with no lower bound: limit <= 0
// yields 0, so a Postgres LIMIT 0 correctly returns no rows.
func clampLimit(limit int) int {
	if limit < 0 {
		return 0
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// Postgres is the production Gateway, backed by database/sql and
// github.com/lib/pq.
type Postgres struct {
	db     *sql.DB
	tracer trace.Tracer
}

// NewPostgres wraps an already-opened connection pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{
		db:     db,
		tracer: otel.Tracer("eventstore/store"),
	}
}

// EnsureSchema creates the events/snapshots tables and their indexes if
// they do not already exist. It is safe to call on every startup.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "store.ensure_schema")
	defer span.End()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id UUID PRIMARY KEY,
			stream_id VARCHAR(255) NOT NULL,
			event_type VARCHAR NOT NULL,
			data JSONB NOT NULL,
			metadata JSONB,
			version BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			partition_key VARCHAR NOT NULL,
			archived BOOLEAN NOT NULL DEFAULT FALSE,
			UNIQUE (stream_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_stream_version ON events(stream_id, version)`,
		`CREATE INDEX IF NOT EXISTS idx_events_partition_key ON events(partition_key)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id UUID PRIMARY KEY,
			stream_id VARCHAR(255) NOT NULL,
			version BIGINT NOT NULL,
			data BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (stream_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_stream_version ON snapshots(stream_id, version DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// CurrentVersion returns MAX(version) for streamID, or 0 if the stream
// has no events.
func (p *Postgres) CurrentVersion(ctx context.Context, streamID string) (int64, error) {
	ctx, span := p.tracer.Start(ctx, "store.current_version",
		trace.WithAttributes(attribute.String("stream.id", streamID)))
	defer span.End()

	var version int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM events WHERE stream_id = $1
	`, streamID).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("current version: %w", err)
	}

	span.SetAttributes(attribute.Int64("current.version", version))
	return version, nil
}

// InsertEvent persists row, returning ErrConflict if (stream_id,
// version) already exists.
func (p *Postgres) InsertEvent(ctx context.Context, row NewEventRow) (Event, error) {
	ctx, span := p.tracer.Start(ctx, "store.insert_event",
		trace.WithAttributes(
			attribute.String("stream.id", row.StreamID),
			attribute.Int64("event.version", row.Version),
		))
	defer span.End()

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO events (id, stream_id, event_type, data, metadata, version, created_at, partition_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		row.ID, row.StreamID, row.EventType, row.Data, row.Metadata, row.Version, row.CreatedAt, row.PartitionKey,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			span.SetAttributes(attribute.Bool("conflict.detected", true))
			return Event{}, ErrConflict
		}
		return Event{}, fmt.Errorf("insert event: %w", err)
	}

	return Event{
		ID:           row.ID,
		StreamID:     row.StreamID,
		EventType:    row.EventType,
		Data:         row.Data,
		Metadata:     row.Metadata,
		Version:      row.Version,
		CreatedAt:    row.CreatedAt,
		PartitionKey: row.PartitionKey,
		Archived:     false,
	}, nil
}

// ReadEvents returns events for streamID with version >= fromVersion,
// ordered per direction, at most clampLimit(limit) rows.
func (p *Postgres) ReadEvents(ctx context.Context, streamID string, fromVersion int64, limit int, direction Direction) ([]Event, error) {
	ctx, span := p.tracer.Start(ctx, "store.read_events",
		trace.WithAttributes(
			attribute.String("stream.id", streamID),
			attribute.Int64("from.version", fromVersion),
		))
	defer span.End()

	limit = clampLimit(limit)
	order := "ASC"
	if direction == Backward {
		order = "DESC"
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, stream_id, event_type, data, metadata, version, created_at, partition_key, archived
		FROM events
		WHERE stream_id = $1 AND version >= $2
		ORDER BY version %s
		LIMIT $3
	`, order), streamID, fromVersion, limit)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.StreamID, &e.EventType, &e.Data, &metadata, &e.Version, &e.CreatedAt, &e.PartitionKey, &e.Archived); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Metadata = metadata
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	span.SetAttributes(attribute.Int("events.returned", len(events)))
	return events, nil
}

// ReplaceSnapshot atomically deletes every snapshot row for streamID and
// inserts the new one, so a concurrent reader never observes a stream
// that previously had a snapshot with none.
func (p *Postgres) ReplaceSnapshot(ctx context.Context, streamID string, version int64, data []byte) (Snapshot, error) {
	ctx, span := p.tracer.Start(ctx, "store.replace_snapshot",
		trace.WithAttributes(attribute.String("stream.id", streamID), attribute.Int64("snapshot.version", version)))
	defer span.End()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE stream_id = $1`, streamID); err != nil {
		return Snapshot{}, fmt.Errorf("delete old snapshots: %w", err)
	}

	id := uuid.New()
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (id, stream_id, version, data, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id, streamID, version, data, now); err != nil {
		return Snapshot{}, fmt.Errorf("insert snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Snapshot{}, fmt.Errorf("commit transaction: %w", err)
	}

	return Snapshot{ID: id, StreamID: streamID, Version: version, Data: data, CreatedAt: now}, nil
}

// InsertSnapshotIdempotent inserts a snapshot row, silently succeeding
// if (stream_id, version) already exists. Used by the Scheduler, which
// is advisory and must tolerate racing with another actor.
func (p *Postgres) InsertSnapshotIdempotent(ctx context.Context, streamID string, version int64, data []byte) error {
	ctx, span := p.tracer.Start(ctx, "store.insert_snapshot_idempotent",
		trace.WithAttributes(attribute.String("stream.id", streamID), attribute.Int64("snapshot.version", version)))
	defer span.End()

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, stream_id, version, data, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (stream_id, version) DO NOTHING
	`, uuid.New(), streamID, version, data)
	if err != nil {
		return fmt.Errorf("insert snapshot idempotent: %w", err)
	}
	return nil
}

// LatestSnapshot returns the compressed data of the greatest-version
// snapshot for streamID, or ok=false if none exists.
func (p *Postgres) LatestSnapshot(ctx context.Context, streamID string) ([]byte, bool, error) {
	ctx, span := p.tracer.Start(ctx, "store.latest_snapshot",
		trace.WithAttributes(attribute.String("stream.id", streamID)))
	defer span.End()

	var data []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT data FROM snapshots WHERE stream_id = $1 ORDER BY version DESC LIMIT 1
	`, streamID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("latest snapshot: %w", err)
	}
	return data, true, nil
}

// StreamsNeedingSnapshot returns every stream whose current version has
// outrun its last snapshot version by at least threshold. A stream
// with no snapshot is treated as last_snapshot_version = 0. Grouping is
// by stream_id alone using MAX(s.version), per the redesign guidance
// that avoids one row per (stream_id, snapshot version) pair.
func (p *Postgres) StreamsNeedingSnapshot(ctx context.Context, threshold int64) ([]StreamNeed, error) {
	ctx, span := p.tracer.Start(ctx, "store.streams_needing_snapshot",
		trace.WithAttributes(attribute.Int64("threshold", threshold)))
	defer span.End()

	rows, err := p.db.QueryContext(ctx, `
		SELECT e.stream_id, MAX(e.version) AS current_version, COALESCE(MAX(s.version), 0) AS last_snapshot_version
		FROM events e
		LEFT JOIN snapshots s ON s.stream_id = e.stream_id
		GROUP BY e.stream_id
		HAVING MAX(e.version) - COALESCE(MAX(s.version), 0) >= $1
	`, threshold)
	if err != nil {
		return nil, fmt.Errorf("streams needing snapshot: %w", err)
	}
	defer rows.Close()

	var out []StreamNeed
	for rows.Next() {
		var n StreamNeed
		if err := rows.Scan(&n.StreamID, &n.CurrentVersion, &n.LastSnapshotVersion); err != nil {
			return nil, fmt.Errorf("scan stream need: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stream needs: %w", err)
	}

	span.SetAttributes(attribute.Int("streams.needing_snapshot", len(out)))
	return out, nil
}

// MarkArchived sets archived = true on every not-yet-archived event
// created before 'before' whose stream has at least one snapshot,
// returning the number of rows affected.
func (p *Postgres) MarkArchived(ctx context.Context, before time.Time) (int64, error) {
	ctx, span := p.tracer.Start(ctx, "store.mark_archived",
		trace.WithAttributes(attribute.String("cutoff", before.Format(time.RFC3339))))
	defer span.End()

	result, err := p.db.ExecContext(ctx, `
		UPDATE events
		SET archived = true
		WHERE created_at < $1
		  AND archived = false
		  AND stream_id IN (SELECT DISTINCT stream_id FROM snapshots)
	`, before)
	if err != nil {
		return 0, fmt.Errorf("mark archived: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	span.SetAttributes(attribute.Int64("events.archived", n))
	return n, nil
}

func (p *Postgres) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (p *Postgres) CountStreams(ctx context.Context) (int64, error) {
	var n int64
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT stream_id) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count streams: %w", err)
	}
	return n, nil
}

func (p *Postgres) CountSnapshots(ctx context.Context) (int64, error) {
	var n int64
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}

var _ Gateway = (*Postgres)(nil)
