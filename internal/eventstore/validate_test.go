package eventstore_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jules-labs/eventstore/internal/clock"
	"github.com/jules-labs/eventstore/internal/errcapture"
	"github.com/jules-labs/eventstore/internal/eventstore"
	"github.com/jules-labs/eventstore/internal/metrics"
	"github.com/jules-labs/eventstore/internal/store/storetest"
)

func TestIsValidStreamID(t *testing.T) {
	cases := []struct {
		name string
		id   string
		want bool
	}{
		{"simple", "proj1/ws/a", true},
		{"alnum and underscores and dashes", "a-_/9", true},
		{"at max length", strings.Repeat("a", 255), true},
		{"over max length", strings.Repeat("a", 256), false},
		{"empty", "", false},
		{"disallowed dollar sign", "proj$1", false},
		{"disallowed space", "proj 1", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, eventstore.IsValidStreamID(tc.id))
		})
	}
}

func TestPartitionKey(t *testing.T) {
	require.Equal(t, "proj1", eventstore.PartitionKey("proj1/ws/a"))
	require.Equal(t, "solo", eventstore.PartitionKey("solo"))
	require.Equal(t, "", eventstore.PartitionKey("/leading"))
}

func TestNormalizeQueryDefaults(t *testing.T) {
	q := eventstore.NormalizeQuery(nil, nil, "")
	require.Equal(t, int64(0), q.FromVersion)
	require.Equal(t, 100, q.Limit)
	require.Equal(t, eventstore.Forward, q.Direction)
}

func TestNormalizeQueryClampsLimit(t *testing.T) {
	zero := 0
	negative := -5
	big := 5000
	require.Equal(t, 0, eventstore.NormalizeQuery(nil, &zero, "").Limit)
	require.Equal(t, 0, eventstore.NormalizeQuery(nil, &negative, "").Limit)
	require.Equal(t, 1000, eventstore.NormalizeQuery(nil, &big, "").Limit)
}

func TestNormalizeQueryZeroLimitYieldsEmptyRead(t *testing.T) {
	ctx := context.Background()
	coord := eventstore.New(storetest.New(), clock.System{}, metrics.Noop{}, errcapture.Noop{})

	_, err := coord.Append(ctx, eventstore.AppendRequest{StreamID: "s", EventType: "T", Data: []byte(`{}`)})
	require.NoError(t, err)

	zero := 0
	events, err := coord.ReadStream(ctx, "s", eventstore.NormalizeQuery(nil, &zero, ""))
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestFromVersionGreaterThanCurrentYieldsEmptyRead(t *testing.T) {
	ctx := context.Background()
	coord := eventstore.New(storetest.New(), clock.System{}, metrics.Noop{}, errcapture.Noop{})

	_, err := coord.Append(ctx, eventstore.AppendRequest{StreamID: "s", EventType: "T", Data: []byte(`{}`)})
	require.NoError(t, err)

	future := int64(100)
	events, err := coord.ReadStream(ctx, "s", eventstore.NormalizeQuery(&future, nil, ""))
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestNormalizeQueryLenientDirection(t *testing.T) {
	require.Equal(t, eventstore.Backward, eventstore.NormalizeQuery(nil, nil, "backward").Direction)
	require.Equal(t, eventstore.Forward, eventstore.NormalizeQuery(nil, nil, "sideways").Direction)
	require.Equal(t, eventstore.Forward, eventstore.NormalizeQuery(nil, nil, "").Direction)
}
