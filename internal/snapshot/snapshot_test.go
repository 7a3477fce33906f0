package snapshot_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/jules-labs/eventstore/internal/errcapture"
	"github.com/jules-labs/eventstore/internal/metrics"
	"github.com/jules-labs/eventstore/internal/snapshot"
	"github.com/jules-labs/eventstore/internal/store/storetest"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(t, "payload")

		compressed, err := snapshot.Compress(data)
		require.NoError(t, err)

		out, err := snapshot.Decompress(compressed)
		require.NoError(t, err)
		require.Equal(t, data, out)
	})
}

func TestDecompressRejectsOversizedPayload(t *testing.T) {
	big := make([]byte, 2*1024*1024)
	compressed, err := snapshot.Compress(big)
	require.NoError(t, err)

	_, err = snapshot.Decompress(compressed)
	require.Error(t, err)
}

func TestCreateAndLoadLatestRoundTrip(t *testing.T) {
	svc := snapshot.New(storetest.New(), metrics.Noop{}, errcapture.Noop{})
	ctx := context.Background()

	payload := json.RawMessage(`{"k":"v"}`)
	_, err := svc.Create(ctx, "s", 3, payload)
	require.NoError(t, err)

	got, ok, err := svc.LoadLatest(ctx, "s")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, string(payload), string(got))
}

func TestLoadLatestReturnsNotOKWhenAbsent(t *testing.T) {
	svc := snapshot.New(storetest.New(), metrics.Noop{}, errcapture.Noop{})
	_, ok, err := svc.LoadLatest(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCreateKeepsOnlyLatestVersion(t *testing.T) {
	gw := storetest.New()
	svc := snapshot.New(gw, metrics.Noop{}, errcapture.Noop{})
	ctx := context.Background()

	for v := int64(1); v <= 3; v++ {
		_, err := svc.Create(ctx, "s", v, json.RawMessage(fmt.Sprintf(`{"v":%d}`, v)))
		require.NoError(t, err)
	}

	got, ok, err := svc.LoadLatest(ctx, "s")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"v":3}`, string(got))

	n, err := gw.CountSnapshots(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
