// Package snapshot implements the Snapshot Service: on-demand creation
// and retrieval of LZ4-compressed, JSON-encoded materializations of a
// stream at a particular version.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/pierrec/lz4/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jules-labs/eventstore/internal/apperr"
	"github.com/jules-labs/eventstore/internal/errcapture"
	"github.com/jules-labs/eventstore/internal/metrics"
	"github.com/jules-labs/eventstore/internal/store"
)

// maxDecompressedBytes bounds resource use when decompressing a
// snapshot blob of unknown provenance.
const maxDecompressedBytes = 1024 * 1024

// Snapshot is the response shape for snapshot creation: Data holds the
// LZ4-compressed bytes as actually stored, not the decompressed
// original (that is what LoadLatest returns instead).
type Snapshot struct {
	ID        string    `json:"id"`
	StreamID  string    `json:"stream_id"`
	Version   int64     `json:"version"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// Service implements create_snapshot and latest_snapshot.
type Service struct {
	gateway  store.Gateway
	metrics  metrics.Sink
	reporter errcapture.Reporter
	tracer   trace.Tracer
}

// New builds a Service. reporter may be errcapture.Noop{}.
func New(gateway store.Gateway, sink metrics.Sink, reporter errcapture.Reporter) *Service {
	return &Service{
		gateway:  gateway,
		metrics:  sink,
		reporter: reporter,
		tracer:   otel.Tracer("eventstore/snapshot"),
	}
}

func (s *Service) report(ctx context.Context, err *apperr.Error) {
	s.reporter.Report(ctx, string(err.Kind), err.Error())
}

// Compress LZ4-compresses data using the LZ4 frame format.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := lz4.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress LZ4-decompresses data, refusing to produce more than
// maxDecompressedBytes.
func Decompress(data []byte) ([]byte, error) {
	reader := lz4.NewReader(bytes.NewReader(data))
	limited := io.LimitReader(reader, maxDecompressedBytes+1)
	out, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if len(out) > maxDecompressedBytes {
		return nil, fmt.Errorf("decompressed snapshot exceeds %d bytes", maxDecompressedBytes)
	}
	return out, nil
}

// Create compresses dataJSON and replaces the stream's stored
// snapshot with it, keeping only the latest per stream.
func (s *Service) Create(ctx context.Context, streamID string, version int64, dataJSON json.RawMessage) (Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "snapshot.create",
		trace.WithAttributes(attribute.String("stream.id", streamID), attribute.Int64("snapshot.version", version)))
	defer span.End()

	s.metrics.Inc("event_store_snapshot_create_requests_total")
	start := time.Now()
	defer func() {
		s.metrics.Observe("event_store_snapshot_create_duration_seconds", time.Since(start).Seconds())
	}()

	compressed, err := Compress(dataJSON)
	if err != nil {
		appErr := apperr.Wrap(apperr.Internal, err, "compress snapshot for stream %s", streamID)
		s.metrics.Inc("event_store_snapshot_create_errors_total")
		s.report(ctx, appErr)
		return Snapshot{}, appErr
	}

	row, err := s.gateway.ReplaceSnapshot(ctx, streamID, version, compressed)
	if err != nil {
		appErr := apperr.Wrap(apperr.Database, err, "store snapshot for stream %s", streamID)
		s.metrics.Inc("event_store_snapshot_create_errors_total")
		s.report(ctx, appErr)
		return Snapshot{}, appErr
	}

	s.metrics.Inc("event_store_snapshots_created_total")
	return Snapshot{
		ID:        row.ID.String(),
		StreamID:  row.StreamID,
		Version:   row.Version,
		Data:      row.Data,
		CreatedAt: row.CreatedAt,
	}, nil
}

// CreateIdempotent compresses dataJSON and inserts it only if
// (stream_id, version) is not already present, used by the Scheduler.
// A conflict from a racing actor is treated as success.
func (s *Service) CreateIdempotent(ctx context.Context, streamID string, version int64, dataJSON json.RawMessage) error {
	compressed, err := Compress(dataJSON)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "compress snapshot for stream %s", streamID)
	}
	if err := s.gateway.InsertSnapshotIdempotent(ctx, streamID, version, compressed); err != nil {
		return apperr.Wrap(apperr.Database, err, "insert snapshot for stream %s", streamID)
	}
	return nil
}

// LoadLatest returns the decompressed, JSON-decoded data of the
// greatest-version snapshot for streamID, or (nil, false) if none
// exists.
func (s *Service) LoadLatest(ctx context.Context, streamID string) (json.RawMessage, bool, error) {
	ctx, span := s.tracer.Start(ctx, "snapshot.latest",
		trace.WithAttributes(attribute.String("stream.id", streamID)))
	defer span.End()

	s.metrics.Inc("event_store_snapshot_read_requests_total")
	start := time.Now()
	defer func() {
		s.metrics.Observe("event_store_snapshot_read_duration_seconds", time.Since(start).Seconds())
	}()

	blob, ok, err := s.gateway.LatestSnapshot(ctx, streamID)
	if err != nil {
		appErr := apperr.Wrap(apperr.Database, err, "load snapshot for stream %s", streamID)
		s.metrics.Inc("event_store_snapshot_read_errors_total")
		s.report(ctx, appErr)
		return nil, false, appErr
	}
	if !ok {
		return nil, false, nil
	}

	decompressed, err := Decompress(blob)
	if err != nil {
		appErr := apperr.Wrap(apperr.Internal, err, "decompress snapshot for stream %s", streamID)
		s.metrics.Inc("event_store_snapshot_read_errors_total")
		s.report(ctx, appErr)
		return nil, false, appErr
	}

	if !utf8.Valid(decompressed) {
		appErr := apperr.New(apperr.Internal, "snapshot for stream %s is not valid UTF-8", streamID)
		s.metrics.Inc("event_store_snapshot_read_errors_total")
		s.report(ctx, appErr)
		return nil, false, appErr
	}

	var data json.RawMessage
	if err := json.Unmarshal(decompressed, &data); err != nil {
		appErr := apperr.Wrap(apperr.Internal, err, "decode snapshot for stream %s", streamID)
		s.metrics.Inc("event_store_snapshot_read_errors_total")
		s.report(ctx, appErr)
		return nil, false, appErr
	}

	s.metrics.Inc("event_store_snapshots_read_total")
	return data, true, nil
}
