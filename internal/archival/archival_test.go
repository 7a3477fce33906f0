package archival_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jules-labs/eventstore/internal/archival"
	"github.com/jules-labs/eventstore/internal/clock"
	"github.com/jules-labs/eventstore/internal/metrics"
	"github.com/jules-labs/eventstore/internal/store"
	"github.com/jules-labs/eventstore/internal/store/storetest"
)

func TestTickArchivesOnlyStreamsWithSnapshots(t *testing.T) {
	gw := storetest.New()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFixed(now)

	old := now.Add(-200 * 24 * time.Hour)

	_, err := gw.InsertEvent(ctx, store.NewEventRow{
		ID: uuid.New(), StreamID: "has-snapshot", EventType: "T",
		Data: json.RawMessage(`{}`), Version: 1, CreatedAt: old, PartitionKey: "has-snapshot",
	})
	require.NoError(t, err)
	_, err = gw.ReplaceSnapshot(ctx, "has-snapshot", 1, []byte("snap"))
	require.NoError(t, err)

	_, err = gw.InsertEvent(ctx, store.NewEventRow{
		ID: uuid.New(), StreamID: "no-snapshot", EventType: "T",
		Data: json.RawMessage(`{}`), Version: 1, CreatedAt: old, PartitionKey: "no-snapshot",
	})
	require.NoError(t, err)

	sweeper := archival.New(gw, metrics.Noop{}, clk, time.Hour, 90*24*time.Hour)
	sweeper.Tick(ctx)

	withSnapshot, err := gw.ReadEvents(ctx, "has-snapshot", 0, 10, store.Forward)
	require.NoError(t, err)
	require.True(t, withSnapshot[0].Archived)

	withoutSnapshot, err := gw.ReadEvents(ctx, "no-snapshot", 0, 10, store.Forward)
	require.NoError(t, err)
	require.False(t, withoutSnapshot[0].Archived)
}

func TestTickLeavesRecentEventsUnarchived(t *testing.T) {
	gw := storetest.New()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFixed(now)

	_, err := gw.InsertEvent(ctx, store.NewEventRow{
		ID: uuid.New(), StreamID: "s", EventType: "T",
		Data: json.RawMessage(`{}`), Version: 1, CreatedAt: now, PartitionKey: "s",
	})
	require.NoError(t, err)
	_, err = gw.ReplaceSnapshot(ctx, "s", 1, []byte("snap"))
	require.NoError(t, err)

	sweeper := archival.New(gw, metrics.Noop{}, clk, time.Hour, 90*24*time.Hour)
	sweeper.Tick(ctx)

	events, err := gw.ReadEvents(ctx, "s", 0, 10, store.Forward)
	require.NoError(t, err)
	require.False(t, events[0].Archived)
}
