package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/worldstream/internal/cache"
	"github.com/annel0/worldstream/internal/eventbus"
	"github.com/annel0/worldstream/internal/presenter"
	"github.com/annel0/worldstream/internal/streaming"
	wsync "github.com/annel0/worldstream/internal/sync"
)

type staticSnapshots struct{ snap *presenter.Snapshot }

func (s *staticSnapshots) Snapshot() *presenter.Snapshot { return s.snap }

type staticSync struct{ stats wsync.BatchStats }

func (s *staticSync) BatchStats() wsync.BatchStats { return s.stats }

func TestExporterCollectsSnapshot(t *testing.T) {
	now := time.Unix(2000, 0)
	src := &staticSnapshots{snap: &presenter.Snapshot{
		Version:       3,
		VisibleChunks: []streaming.ChunkID{{X: 0, Z: 0}, {X: 1, Z: 0}},
		Stats: streaming.Stats{
			Loading:              2,
			Active:               5,
			Hibernating:          1,
			LoadQueueDepth:       7,
			Entities:             12,
			SpawnedEntities:      9,
			LastFrameTime:        4 * time.Millisecond,
			LoadsCompleted:       10,
			Unloads:              2,
			EstimatedMemoryBytes: 4096,
		},
		PublishedAt: now.Add(-500 * time.Millisecond),
	}}
	e := NewExporter(WithSnapshots(src))
	e.Collect(now)

	assert.Equal(t, 5.0, testutil.ToFloat64(e.chunks.WithLabelValues("active")))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.chunks.WithLabelValues("loading")))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.visible))
	assert.Equal(t, 7.0, testutil.ToFloat64(e.queueDepth.WithLabelValues("load")))
	assert.Equal(t, 9.0, testutil.ToFloat64(e.entities.WithLabelValues("spawned")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(e.memoryBytes))
	assert.InDelta(t, 0.004, testutil.ToFloat64(e.frameTime.WithLabelValues("last")), 1e-9)
	assert.InDelta(t, 0.5, testutil.ToFloat64(e.snapshotAge), 1e-9)
	assert.Equal(t, 10.0, testutil.ToFloat64(e.lifecycle.WithLabelValues("load")))

	// счётчики растут на дельту, а не на накопленное значение
	src.snap.Stats.LoadsCompleted = 13
	e.Collect(now)
	assert.Equal(t, 13.0, testutil.ToFloat64(e.lifecycle.WithLabelValues("load")))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.lifecycle.WithLabelValues("unload")))
}

func TestExporterCollectsBusCacheAndSync(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.NewMemoryBus(8)
	for i := 0; i < 3; i++ {
		env, err := eventbus.NewEnvelope("test", "chunk.load", 1, i)
		require.NoError(t, err)
		require.NoError(t, bus.Publish(ctx, env))
	}
	require.NoError(t, bus.Close())

	c := cache.NewMemoryCache(0)
	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	_, _ = c.Get(ctx, "k")
	_, _ = c.Get(ctx, "missing")

	syncSrc := &staticSync{stats: wsync.BatchStats{Sent: 4, Coalesced: 2}}
	e := NewExporter(WithBus(bus), WithCache(c), WithSync(syncSrc))
	e.Collect(time.Now())

	assert.Equal(t, 3.0, testutil.ToFloat64(e.busMessages.WithLabelValues("published")))
	assert.Equal(t, 0.5, testutil.ToFloat64(e.cacheHitRatio))
	assert.Equal(t, 4.0, testutil.ToFloat64(e.syncChanges.WithLabelValues("sent")))

	syncSrc.stats.Sent = 6
	e.Collect(time.Now())
	assert.Equal(t, 6.0, testutil.ToFloat64(e.syncChanges.WithLabelValues("sent")))
	assert.Greater(t, testutil.ToFloat64(e.goroutines), 0.0)
}

func TestExporterHandler(t *testing.T) {
	e := NewExporter(WithSnapshots(&staticSnapshots{}))
	e.Collect(time.Now())

	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "worldstream_goroutines")
}

func TestExporterStopWithoutStart(t *testing.T) {
	assert.NoError(t, NewExporter().Stop(context.Background()))
}
