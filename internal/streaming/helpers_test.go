package streaming

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/annel0/worldstream/internal/logging"
	"github.com/annel0/worldstream/internal/vec"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// scenarioConfig конфигурация из эталонного сценария: мир 768, чанк 64
func scenarioConfig() Config {
	cfg := DefaultConfig()
	cfg.ChunkSize = 64
	cfg.WorldSize = 768
	cfg.LoadRadius = 192
	cfg.HibernateRadius = 224
	cfg.UnloadRadius = 256
	cfg.MaxLoadsPerFrame = 4
	cfg.MaxUnloadsPerFrame = 4
	cfg.HibernateGracePeriod = 0
	cfg.HibernationTimeout = time.Minute
	cfg.PredictiveLoading = false
	cfg.FailedLoadCooldown = 0
	return cfg
}

// fakeSpawner фиксирует размещения и ловит повторные
type fakeSpawner struct {
	live     map[string]ChunkID
	spawns   int
	despawns int
	errors   []string
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{live: make(map[string]ChunkID)}
}

func (s *fakeSpawner) SpawnEntity(chunk ChunkID, e *Entity) {
	if owner, ok := s.live[e.ID]; ok {
		s.errors = append(s.errors, fmt.Sprintf("double spawn %s (owner %s, new %s)", e.ID, owner, chunk))
	}
	s.live[e.ID] = chunk
	s.spawns++
}

func (s *fakeSpawner) DespawnEntity(chunk ChunkID, entityID string) {
	owner, ok := s.live[entityID]
	if !ok || owner != chunk {
		s.errors = append(s.errors, fmt.Sprintf("despawn of %s from %s which does not own it", entityID, chunk))
	}
	delete(s.live, entityID)
	s.despawns++
}

// countingLoader считает вызовы загрузки по чанкам
type countingLoader struct {
	mu    sync.Mutex
	calls map[ChunkID]int
	fail  func(ChunkID) error
	gate  chan struct{}
}

func newCountingLoader() *countingLoader {
	return &countingLoader{calls: make(map[ChunkID]int)}
}

func (l *countingLoader) LoadTerrain(ctx context.Context, desc ChunkDescriptor) (*Terrain, error) {
	l.mu.Lock()
	l.calls[desc.ID]++
	fail, gate := l.fail, l.gate
	l.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		if err := fail(desc.ID); err != nil {
			return nil, err
		}
	}
	return &Terrain{Resolution: 2, Heightmap: make([]float32, 4)}, nil
}

func (l *countingLoader) total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		n += c
	}
	return n
}

func (l *countingLoader) count(id ChunkID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[id]
}

func newTestManager(t *testing.T, cfg Config, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard()), WithClock(func() time.Time { return t0 })}, opts...)
	m, err := NewManager(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func at(x, z float64) vec.Vec3Float {
	return vec.Vec3Float{X: x, Z: z}
}

// frame выполняет кадр в момент t0+offset
func frame(m *Manager, pos vec.Vec3Float, offset time.Duration) []ChunkEvent {
	return m.Update(FrameInput{Position: pos, Now: t0.Add(offset)})
}

func eventsOf(events []ChunkEvent, t EventType) []ChunkEvent {
	var out []ChunkEvent
	for _, ev := range events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func hasEvent(events []ChunkEvent, t EventType, id ChunkID) bool {
	for _, ev := range events {
		if ev.Type == t && ev.ChunkID == id {
			return true
		}
	}
	return false
}

// checkManagerInvariants проверяет согласованность таблицы, очередей и индекса сущностей
func checkManagerInvariants(t *testing.T, m *Manager) {
	t.Helper()
	for id, c := range m.chunks {
		require.Equal(t, id, c.ID)
		require.NotEqual(t, StateUnloaded, c.State, "чанк %s в таблице в состоянии unloaded", id)
		if c.State == StateActive || c.State == StateHibernating {
			require.NotNil(t, c.Terrain, "у загруженного чанка %s нет геометрии", id)
		}
		if c.State != StateActive {
			require.Empty(t, c.SpawnedEntityIDs, "неактивный чанк %s держит сущности в сцене", id)
		}
		for sid := range c.SpawnedEntityIDs {
			_, ok := c.Entity(sid)
			require.True(t, ok, "размещённая сущность %s не принадлежит чанку %s", sid, id)
		}
		for _, e := range c.Entities {
			owner, ok := m.entityIndex[e.ID]
			require.True(t, ok)
			require.Equal(t, id, owner)
		}
	}
	for entityID, owner := range m.entityIndex {
		c, ok := m.chunks[owner]
		require.True(t, ok, "сущность %s ссылается на отсутствующий чанк", entityID)
		_, ok = c.Entity(entityID)
		require.True(t, ok)
	}
	for _, id := range m.loadQueue.Items() {
		c, ok := m.chunks[id]
		require.True(t, ok, "в очереди загрузки неотслеживаемый чанк %s", id)
		require.Equal(t, StateLoading, c.State)
	}
}
