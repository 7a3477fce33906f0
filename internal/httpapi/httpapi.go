// Package httpapi wires the Append/Read Coordinators and the Snapshot
// Service to a chi router, translating the JSON wire contract into
// calls on those collaborators and mapping apperr.Kind onto HTTP
// status codes.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jules-labs/eventstore/internal/apperr"
	"github.com/jules-labs/eventstore/internal/eventstore"
	"github.com/jules-labs/eventstore/internal/metrics"
	"github.com/jules-labs/eventstore/internal/snapshot"
	"github.com/jules-labs/eventstore/internal/store"
)

// ServiceVersion is reported by GET /health.
const ServiceVersion = "1.0.0"

// Server holds the collaborators the HTTP handlers call into.
type Server struct {
	coordinator *eventstore.Coordinator
	snapshots   *snapshot.Service
	gateway     store.Gateway
	metrics     metrics.Sink
	startedAt   time.Time
}

// New builds a Server and its chi router.
func New(coordinator *eventstore.Coordinator, snapshots *snapshot.Service, gateway store.Gateway, sink metrics.Sink) *Server {
	return &Server{
		coordinator: coordinator,
		snapshots:   snapshots,
		gateway:     gateway,
		metrics:     sink,
		startedAt:   time.Now(),
	}
}

// Router builds the chi router exposing every endpoint in the wire
// contract.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/stats", s.handleStats)
	r.Post("/events", s.handleAppendEvent)
	r.Get("/streams/{streamID}/events", s.handleReadStream)
	r.Post("/snapshots", s.handleCreateSnapshot)
	r.Get("/snapshots/{streamID}/latest", s.handleLatestSnapshot)

	return r
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.BadRequest, apperr.Serialization:
		return http.StatusBadRequest
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		appErr = apperr.Wrap(apperr.Internal, err, "unexpected error")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForKind(appErr.Kind))
	json.NewEncoder(w).Encode(errorBody{
		Error:   string(appErr.Kind),
		Message: appErr.Message,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   "eventstore",
		"version":   ServiceVersion,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if ph, ok := s.metrics.(interface{ Handler() http.Handler }); ok {
		ph.Handler().ServeHTTP(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totalEvents, err := s.gateway.CountEvents(ctx)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Database, err, "count events"))
		return
	}
	totalStreams, err := s.gateway.CountStreams(ctx)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Database, err, "count streams"))
		return
	}
	totalSnapshots, err := s.gateway.CountSnapshots(ctx)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Database, err, "count snapshots"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_events":    totalEvents,
		"total_streams":   totalStreams,
		"total_snapshots": totalSnapshots,
		"uptime_seconds":  time.Since(s.startedAt).Seconds(),
	})
}

type appendEventRequest struct {
	StreamID        string          `json:"stream_id"`
	EventType       string          `json:"event_type"`
	Data            json.RawMessage `json:"data"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	ExpectedVersion *int64          `json:"expected_version,omitempty"`
}

func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var req appendEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.Serialization, err, "decode request body"))
		return
	}

	event, err := s.coordinator.Append(r.Context(), eventstore.AppendRequest{
		StreamID:        req.StreamID,
		EventType:       req.EventType,
		Data:            req.Data,
		Metadata:        req.Metadata,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleReadStream(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")

	var fromVersion *int64
	if raw := r.URL.Query().Get("from_version"); raw != "" {
		if v, err := parseInt64(raw); err == nil {
			fromVersion = &v
		}
	}

	var limit *int
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := parseInt(raw); err == nil {
			limit = &v
		}
	}

	direction := r.URL.Query().Get("direction")

	query := eventstore.NormalizeQuery(fromVersion, limit, direction)
	events, err := s.coordinator.ReadStream(r.Context(), streamID, query)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []eventstore.Event{}
	}

	writeJSON(w, http.StatusOK, events)
}

type createSnapshotRequest struct {
	StreamID string          `json:"stream_id"`
	Version  int64           `json:"version"`
	Data     json.RawMessage `json:"data"`
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req createSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.Serialization, err, "decode request body"))
		return
	}

	snap, err := s.snapshots.Create(r.Context(), req.StreamID, req.Version, req.Data)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")

	data, ok, err := s.snapshots.LoadLatest(r.Context(), streamID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	writeJSON(w, http.StatusOK, data)
}
