package presenter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/worldstream/internal/eventbus"
	"github.com/annel0/worldstream/internal/logging"
	"github.com/annel0/worldstream/internal/streaming"
	"github.com/annel0/worldstream/internal/vec"
)

var t0 = time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)

var east = vec.Vec3Float{X: 1}

func newTestManager(t *testing.T) *streaming.Manager {
	t.Helper()
	cfg := streaming.DefaultConfig()
	cfg.ChunkSize = 64
	cfg.WorldSize = 0
	cfg.LoadRadius = 150
	cfg.HibernateRadius = 200
	cfg.UnloadRadius = 250
	cfg.MaxLoadsPerFrame = 64
	cfg.PredictiveLoading = false
	m, err := streaming.NewManager(cfg,
		streaming.WithLogger(logging.Discard()),
		streaming.WithClock(func() time.Time { return t0 }),
	)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func newTestAdapter(t *testing.T, cfg Config, opts ...Option) (*Adapter, *streaming.Manager) {
	t.Helper()
	m := newTestManager(t)
	a, err := NewAdapter(m, cfg, append([]Option{WithLogger(logging.Discard())}, opts...)...)
	require.NoError(t, err)
	return a, m
}

func TestViewCone(t *testing.T) {
	cone := NewViewCone(vec.Vec3Float{}, east, 90, 500)
	require.NotNil(t, cone)

	tests := []struct {
		name string
		id   streaming.ChunkID
		want bool
	}{
		{"ahead", streaming.ChunkID{X: 2, Z: 0}, true},
		{"behind", streaming.ChunkID{X: -3, Z: 0}, false},
		{"observer inside", streaming.ChunkID{X: 0, Z: 0}, true},
		{"beyond far plane", streaming.ChunkID{X: 20, Z: 0}, false},
		{"to the side", streaming.ChunkID{X: 0, Z: 3}, false},
		{"edge of cone", streaming.ChunkID{X: 3, Z: 3}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cone.IntersectsBounds(tt.id.Bounds(64)))
		})
	}

	assert.Nil(t, NewViewCone(vec.Vec3Float{}, vec.Vec3Float{Y: 1}, 90, 0), "взгляд вертикально вверх")
	wide := NewViewCone(vec.Vec3Float{}, east, 360, 0)
	assert.True(t, wide.IntersectsBounds(streaming.ChunkID{X: -3, Z: 0}.Bounds(64)))
}

func TestVelocityEstimate(t *testing.T) {
	a, _ := newTestAdapter(t, DefaultConfig())

	a.Frame(t0, vec.Vec3Float{}, east)
	assert.Equal(t, vec.Vec3Float{}, a.Velocity(), "первый замер без скорости")

	a.Frame(t0.Add(100*time.Millisecond), vec.Vec3Float{X: 1}, east)
	assert.InDelta(t, 3.0, a.Velocity().X, 1e-9)

	a.Frame(t0.Add(200*time.Millisecond), vec.Vec3Float{X: 2}, east)
	assert.InDelta(t, 5.1, a.Velocity().X, 1e-9)

	// тот же момент времени не меняет оценку
	a.Frame(t0.Add(200*time.Millisecond), vec.Vec3Float{X: 50}, east)
	assert.InDelta(t, 5.1, a.Velocity().X, 1e-9)

	a.Frame(t0.Add(300*time.Millisecond), vec.Vec3Float{X: 5000}, east)
	assert.Equal(t, vec.Vec3Float{}, a.Velocity(), "телепорт сбрасывает оценку")
	assert.Equal(t, uint64(1), a.Teleports())
}

func TestCullingMarksChunksBehind(t *testing.T) {
	a, m := newTestAdapter(t, DefaultConfig())
	a.Frame(t0, vec.Vec3Float{}, east)

	behind := streaming.ChunkID{X: -2, Z: 0}
	require.True(t, m.IsLoaded(behind), "невидимые чанки всё равно загружаются")
	assert.NotContains(t, m.VisibleChunks(), behind)
	assert.Contains(t, m.VisibleChunks(), streaming.ChunkID{X: 1, Z: 0})

	cfg := DefaultConfig()
	cfg.CullingEnabled = false
	b, m2 := newTestAdapter(t, cfg)
	b.Frame(t0, vec.Vec3Float{}, east)
	assert.Equal(t, m2.ActiveChunks(), m2.VisibleChunks())
}

func TestSnapshotThrottle(t *testing.T) {
	a, m := newTestAdapter(t, DefaultConfig())
	assert.Nil(t, a.Snapshot())

	a.Frame(t0, vec.Vec3Float{}, east)
	first := a.Snapshot()
	require.NotNil(t, first)
	assert.Equal(t, uint64(1), first.Version)
	assert.Equal(t, m.ActiveChunks(), first.ActiveChunks)
	assert.Equal(t, len(first.ActiveChunks), first.Stats.Active)

	a.Frame(t0.Add(50*time.Millisecond), vec.Vec3Float{}, east)
	assert.Same(t, first, a.Snapshot(), "интервал не истёк")

	a.Frame(t0.Add(100*time.Millisecond), vec.Vec3Float{}, east)
	second := a.Snapshot()
	assert.Equal(t, uint64(2), second.Version)
	assert.Equal(t, uint64(3), second.Frame)
	assert.Equal(t, uint64(1), first.Version, "опубликованный снимок не меняется")
}

func TestSnapshotConcurrentReaders(t *testing.T) {
	a, _ := newTestAdapter(t, DefaultConfig())
	a.Frame(t0, vec.Vec3Float{}, east)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for {
				select {
				case <-stop:
					return
				default:
				}
				s := a.Snapshot()
				if s.Version < last {
					t.Errorf("версия уменьшилась: %d < %d", s.Version, last)
					return
				}
				last = s.Version
			}
		}()
	}
	for i := 1; i <= 20; i++ {
		a.Frame(t0.Add(time.Duration(i)*100*time.Millisecond), vec.Vec3Float{X: float64(i)}, east)
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, uint64(21), a.Snapshot().Version)
}

type failingSink struct{ calls int }

func (f *failingSink) Consume(context.Context, streaming.ChunkEvent) error {
	f.calls++
	return errors.New("renderer gone")
}

func TestSinks(t *testing.T) {
	loads := map[streaming.ChunkID]bool{}
	renderer := &Renderer{OnLoad: func(ev streaming.ChunkEvent) { loads[ev.ChunkID] = true }}
	failing := &failingSink{}

	bus := eventbus.NewMemoryBus(256)
	var mu sync.Mutex
	var received []*eventbus.Envelope
	_, err := bus.Subscribe(context.Background(), eventbus.Filter{Types: []string{"chunk.load"}}, func(_ context.Context, ev *eventbus.Envelope) {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
	})
	require.NoError(t, err)

	a, m := newTestAdapter(t, DefaultConfig(), WithSinks(renderer, failing, NewBusSink(bus, "")))
	events := a.Frame(t0, vec.Vec3Float{}, east)
	require.NoError(t, bus.Close())

	active := m.ActiveChunks()
	assert.Len(t, loads, len(active))
	assert.Equal(t, len(events), failing.calls, "ошибка sink не прерывает рассылку")

	require.Len(t, received, len(active))
	var ev streaming.ChunkEvent
	require.NoError(t, received[0].Decode(&ev))
	assert.Equal(t, streaming.EventLoad, ev.Type)
	assert.Equal(t, BusSource, received[0].Source)
	assert.Equal(t, ev.ChunkID.String(), received[0].CorrelationID)
	assert.Equal(t, eventbus.PriorityHigh, received[0].Priority)

	assert.Error(t, renderer.Consume(context.Background(), streaming.ChunkEvent{Type: "explode"}))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	for name, mutate := range map[string]func(*Config){
		"zero smoothing":  func(c *Config) { c.Smoothing = 0 },
		"smoothing > 1":   func(c *Config) { c.Smoothing = 1.5 },
		"no max speed":    func(c *Config) { c.MaxSpeed = 0 },
		"bad fov":         func(c *Config) { c.FOVDegrees = 400 },
		"negative far":    func(c *Config) { c.FarDistance = -1 },
		"negative period": func(c *Config) { c.SnapshotInterval = -time.Second },
	} {
		cfg := DefaultConfig()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}

	_, err := NewAdapter(nil, Config{})
	assert.Error(t, err)
}
