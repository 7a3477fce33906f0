package eventstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/jules-labs/eventstore/internal/apperr"
	"github.com/jules-labs/eventstore/internal/clock"
	"github.com/jules-labs/eventstore/internal/errcapture"
	"github.com/jules-labs/eventstore/internal/eventstore"
	"github.com/jules-labs/eventstore/internal/metrics"
	"github.com/jules-labs/eventstore/internal/store/storetest"
)

func newCoordinator() *eventstore.Coordinator {
	return eventstore.New(storetest.New(), clock.System{}, metrics.Noop{}, errcapture.Noop{})
}

// TestAppendVersionsAreDenseAndOrdered checks that appending N events to
// a fresh stream with no expected_version produces exactly the version
// sequence {1..N}, matching the density invariant.
func TestAppendVersionsAreDenseAndOrdered(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		coord := newCoordinator()
		ctx := context.Background()
		streamID := "proj/" + rapid.StringMatching(`[a-z]{1,12}`).Draw(t, "stream")
		n := rapid.IntRange(1, 20).Draw(t, "n")

		for i := 0; i < n; i++ {
			event, err := coord.Append(ctx, eventstore.AppendRequest{
				StreamID:  streamID,
				EventType: "Tick",
				Data:      json.RawMessage(fmt.Sprintf(`{"i":%d}`, rapid.IntRange(0, 100).Draw(t, "v"))),
			})
			require.NoError(t, err)
			require.Equal(t, int64(i+1), event.Version)
		}

		events, err := coord.ReadStream(ctx, streamID, eventstore.NormalizeQuery(nil, nil, ""))
		require.NoError(t, err)
		require.Len(t, events, n)
		for i, e := range events {
			require.Equal(t, int64(i+1), e.Version)
		}
	})
}

// TestReadDirectionsAreMirrorImages checks that reversing a backward
// read yields the same sequence as a forward read, per the ordering
// invariant.
func TestReadDirectionsAreMirrorImages(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		coord := newCoordinator()
		ctx := context.Background()
		streamID := "proj/" + rapid.StringMatching(`[a-z]{1,12}`).Draw(t, "stream")
		n := rapid.IntRange(1, 15).Draw(t, "n")

		for i := 0; i < n; i++ {
			_, err := coord.Append(ctx, eventstore.AppendRequest{
				StreamID:  streamID,
				EventType: "Tick",
				Data:      json.RawMessage(`{}`),
			})
			require.NoError(t, err)
		}

		forward, err := coord.ReadStream(ctx, streamID, eventstore.Query{Limit: 1000, Direction: eventstore.Forward})
		require.NoError(t, err)
		backward, err := coord.ReadStream(ctx, streamID, eventstore.Query{Limit: 1000, Direction: eventstore.Backward})
		require.NoError(t, err)

		require.Len(t, backward, len(forward))
		for i := range forward {
			require.Equal(t, forward[i].Version, backward[len(backward)-1-i].Version)
		}
	})
}

// TestExpectedVersionMismatchAlwaysConflicts checks that any
// expected_version other than the true current version fails with
// Conflict, never succeeding silently.
func TestExpectedVersionMismatchAlwaysConflicts(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		coord := newCoordinator()
		ctx := context.Background()
		streamID := "proj/" + rapid.StringMatching(`[a-z]{1,12}`).Draw(t, "stream")
		current := rapid.IntRange(0, 10).Draw(t, "current")

		for i := 0; i < current; i++ {
			_, err := coord.Append(ctx, eventstore.AppendRequest{StreamID: streamID, EventType: "T", Data: json.RawMessage(`{}`)})
			require.NoError(t, err)
		}

		wrong := rapid.Int64Range(0, 20).Filter(func(v int64) bool { return v != int64(current) }).Draw(t, "wrong")
		_, err := coord.Append(ctx, eventstore.AppendRequest{
			StreamID: streamID, EventType: "T", Data: json.RawMessage(`{}`),
			ExpectedVersion: &wrong,
		})
		require.ErrorIs(t, err, apperr.ErrConflict)
	})
}

// TestConcurrentAppendsRaceToExactlyOneWinner fans out concurrent
// appends with no expected_version against the same fresh stream.
// Exactly one goroutine must win each contested version and every
// loser must fail with Conflict, never silently succeed or corrupt
// the version sequence.
func TestConcurrentAppendsRaceToExactlyOneWinner(t *testing.T) {
	const workers = 50

	coord := newCoordinator()
	ctx := context.Background()
	streamID := "proj/race-stream"

	start := make(chan struct{})
	var wg sync.WaitGroup
	versions := make([]int64, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			event, err := coord.Append(ctx, eventstore.AppendRequest{
				StreamID:  streamID,
				EventType: "Raced",
				Data:      json.RawMessage(`{}`),
			})
			versions[i] = event.Version
			errs[i] = err
		}(i)
	}
	close(start)
	wg.Wait()

	var successes, conflicts int
	seenVersions := make(map[int64]int)
	for i := 0; i < workers; i++ {
		switch errs[i] {
		case nil:
			successes++
			seenVersions[versions[i]]++
		default:
			var appErr *apperr.Error
			require.True(t, errors.As(errs[i], &appErr), "unexpected error type: %v", errs[i])
			require.Equal(t, apperr.Conflict, appErr.Kind)
			conflicts++
		}
	}

	require.Greater(t, successes, 0, "at least one append must win")
	require.Greater(t, conflicts, 0, "contention must produce at least one Conflict")
	require.Equal(t, successes, len(seenVersions), "every winning version must be distinct")
	for version, count := range seenVersions {
		require.Equal(t, 1, count, "version %d must have exactly one winner", version)
	}

	events, err := coord.ReadStream(ctx, streamID, eventstore.Query{Limit: 1000, Direction: eventstore.Forward})
	require.NoError(t, err)
	require.Len(t, events, successes)
	for i, e := range events {
		require.Equal(t, int64(i+1), e.Version)
	}
}
