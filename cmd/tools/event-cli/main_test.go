package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/worldstream/internal/eventbus"
	"github.com/annel0/worldstream/internal/presenter"
	"github.com/annel0/worldstream/internal/streaming"
	wsync "github.com/annel0/worldstream/internal/sync"
)

func TestParseStringList(t *testing.T) {
	assert.Nil(t, parseStringList(""))
	assert.Equal(t, []string{"chunk.load", "sync.batch"}, parseStringList(" chunk.load, ,sync.batch "))
}

func TestParseSinceTime(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	zero, err := parseSinceTime("", now)
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	rel, err := parseSinceTime("30m", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-30*time.Minute), rel)

	abs, err := parseSinceTime("2024-04-30T08:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 4, 30, 8, 0, 0, 0, time.UTC), abs)

	_, err = parseSinceTime("yesterday", now)
	assert.Error(t, err)
}

func TestFormatEvent(t *testing.T) {
	ce := streaming.ChunkEvent{
		Type:    streaming.EventLODChange,
		ChunkID: streaming.NewChunkID(2, -1),
		LOD:     1,
		PrevLOD: 0,
	}
	env, err := eventbus.NewEnvelope(presenter.BusSource, presenter.EventTypeFor(ce.Type), 1, ce)
	require.NoError(t, err)

	out := formatEvent(env)
	assert.Contains(t, out, "[chunk.lod-change]")
	assert.Contains(t, out, "Chunk: 2,-1 LOD: 1 (was 0)")

	batch := &eventbus.Envelope{
		Source:    "local",
		EventType: wsync.EventSyncBatch,
		Payload:   []byte{1, 2, 3},
		Metadata:  map[string]string{"changes": "4", "compression": "zstd"},
	}
	assert.Contains(t, formatEvent(batch), "Changes: 4 Compression: zstd Bytes: 3")
}

func TestStatsLinesSorted(t *testing.T) {
	lines := statsLines(map[string]int{"sync.batch": 2, "chunk.load": 5})
	assert.Equal(t, []string{"chunk.load: 5 events", "sync.batch: 2 events"}, lines)
}
