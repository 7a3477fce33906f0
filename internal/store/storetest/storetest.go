// Package storetest provides an in-memory Gateway for tests that need
// deterministic, fast storage without a live Postgres instance. Its
// locking strategy mirrors the teacher pack's map-based store: a single
// sync.RWMutex guarding two maps, one keyed by stream for events and
// one by stream for its snapshot slice.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jules-labs/eventstore/internal/store"
)

type streamEvents struct {
	events []store.Event
}

type streamSnapshots struct {
	// kept sorted ascending by Version; Postgres.ReplaceSnapshot keeps
	// only the latest, InsertSnapshotIdempotent may add older ones too.
	snapshots []store.Snapshot
}

// Memory is an in-memory Gateway implementation. Zero value is not
// usable; construct with New.
type Memory struct {
	mu        sync.RWMutex
	streams   map[string]*streamEvents
	snapshots map[string]*streamSnapshots
}

// New returns an empty in-memory Gateway.
func New() *Memory {
	return &Memory{
		streams:   make(map[string]*streamEvents),
		snapshots: make(map[string]*streamSnapshots),
	}
}

func (m *Memory) EnsureSchema(ctx context.Context) error {
	return nil
}

func (m *Memory) CurrentVersion(ctx context.Context, streamID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.streams[streamID]
	if !ok || len(s.events) == 0 {
		return 0, nil
	}
	return s.events[len(s.events)-1].Version, nil
}

func (m *Memory) InsertEvent(ctx context.Context, row store.NewEventRow) (store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[row.StreamID]
	if !ok {
		s = &streamEvents{}
		m.streams[row.StreamID] = s
	}

	for _, e := range s.events {
		if e.Version == row.Version {
			return store.Event{}, store.ErrConflict
		}
	}

	event := store.Event{
		ID:           row.ID,
		StreamID:     row.StreamID,
		EventType:    row.EventType,
		Data:         append([]byte(nil), row.Data...),
		Metadata:     append([]byte(nil), row.Metadata...),
		Version:      row.Version,
		CreatedAt:    row.CreatedAt,
		PartitionKey: row.PartitionKey,
	}
	s.events = append(s.events, event)
	sort.Slice(s.events, func(i, j int) bool { return s.events[i].Version < s.events[j].Version })

	return event, nil
}

func (m *Memory) ReadEvents(ctx context.Context, streamID string, fromVersion int64, limit int, direction store.Direction) ([]store.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit < 0 {
		limit = 0
	}
	if limit > 1000 {
		limit = 1000
	}

	s, ok := m.streams[streamID]
	if !ok {
		return nil, nil
	}

	var matched []store.Event
	for _, e := range s.events {
		if e.Version >= fromVersion {
			matched = append(matched, e)
		}
	}

	if direction == store.Backward {
		sort.Slice(matched, func(i, j int) bool { return matched[i].Version > matched[j].Version })
	}

	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *Memory) ReplaceSnapshot(ctx context.Context, streamID string, version int64, data []byte) (store.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := store.Snapshot{
		ID:        uuid.New(),
		StreamID:  streamID,
		Version:   version,
		Data:      append([]byte(nil), data...),
		CreatedAt: time.Now().UTC(),
	}
	m.snapshots[streamID] = &streamSnapshots{snapshots: []store.Snapshot{snap}}
	return snap, nil
}

func (m *Memory) InsertSnapshotIdempotent(ctx context.Context, streamID string, version int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.snapshots[streamID]
	if !ok {
		s = &streamSnapshots{}
		m.snapshots[streamID] = s
	}
	for _, snap := range s.snapshots {
		if snap.Version == version {
			return nil
		}
	}
	s.snapshots = append(s.snapshots, store.Snapshot{
		ID:        uuid.New(),
		StreamID:  streamID,
		Version:   version,
		Data:      append([]byte(nil), data...),
		CreatedAt: time.Now().UTC(),
	})
	sort.Slice(s.snapshots, func(i, j int) bool { return s.snapshots[i].Version < s.snapshots[j].Version })
	return nil
}

func (m *Memory) LatestSnapshot(ctx context.Context, streamID string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.snapshots[streamID]
	if !ok || len(s.snapshots) == 0 {
		return nil, false, nil
	}
	latest := s.snapshots[len(s.snapshots)-1]
	return latest.Data, true, nil
}

func (m *Memory) StreamsNeedingSnapshot(ctx context.Context, threshold int64) ([]store.StreamNeed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []store.StreamNeed
	for streamID, s := range m.streams {
		if len(s.events) == 0 {
			continue
		}
		current := s.events[len(s.events)-1].Version
		var lastSnapshot int64
		if snaps, ok := m.snapshots[streamID]; ok && len(snaps.snapshots) > 0 {
			lastSnapshot = snaps.snapshots[len(snaps.snapshots)-1].Version
		}
		if current-lastSnapshot >= threshold {
			out = append(out, store.StreamNeed{
				StreamID:            streamID,
				CurrentVersion:      current,
				LastSnapshotVersion: lastSnapshot,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out, nil
}

func (m *Memory) MarkArchived(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for streamID, s := range m.streams {
		if _, hasSnapshot := m.snapshots[streamID]; !hasSnapshot {
			continue
		}
		for i := range s.events {
			if !s.events[i].Archived && s.events[i].CreatedAt.Before(before) {
				s.events[i].Archived = true
				n++
			}
		}
	}
	return n, nil
}

func (m *Memory) CountEvents(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, s := range m.streams {
		n += int64(len(s.events))
	}
	return n, nil
}

func (m *Memory) CountStreams(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.streams)), nil
}

func (m *Memory) CountSnapshots(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, s := range m.snapshots {
		n += int64(len(s.snapshots))
	}
	return n, nil
}

var _ store.Gateway = (*Memory)(nil)
