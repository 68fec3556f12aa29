// Package streaming решает каждый кадр, какие чанки мира должны быть загружены,
// спать или быть выгружены, исходя из позиции и скорости наблюдателя.
package streaming

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/annel0/worldstream/internal/logging"
	"github.com/annel0/worldstream/internal/pqueue"
	"github.com/annel0/worldstream/internal/vec"
)

// Frustum отсекает невидимые чанки при расчёте приоритета
type Frustum interface {
	IntersectsBounds(b Bounds) bool
}

// FrameInput входные данные одного кадра
type FrameInput struct {
	Position vec.Vec3Float
	Velocity vec.Vec3Float // единиц в секунду
	Frustum  Frustum       // nil - все чанки считаются видимыми
	Now      time.Time     // ноль - берётся часы менеджера
}

// Manager владеет таблицей чанков и очередями загрузки/выгрузки.
// Все методы вызываются из одного потока кадров.
type Manager struct {
	cfg Config

	chunks      map[ChunkID]*Chunk
	loadQueue   *pqueue.Queue[ChunkID]
	unloadQueue []ChunkID
	inFlight    map[ChunkID]struct{}
	required    map[ChunkID]struct{}
	failedUntil map[ChunkID]time.Time

	entityIndex map[string]ChunkID

	subscribed         map[ChunkID]struct{}
	pendingSubscribe   map[ChunkID]struct{}
	pendingUnsubscribe map[ChunkID]struct{}

	terrain    TerrainLoader
	entities   EntityLoader
	spawner    Spawner
	dispatcher Dispatcher
	clock      func() time.Time
	log        *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	frame     uint64
	frameNow  time.Time
	observer  vec.Vec3Float
	velocity  vec.Vec3Float
	predicted vec.Vec3Float
	frustum   Frustum
	events    []ChunkEvent

	frameTimes *frameWindow
	counters   counters
}

type counters struct {
	loadsCompleted uint64
	loadFailures   uint64
	chunksDropped  uint64
	unloads        uint64
}

// Option настраивает менеджер при создании
type Option func(*Manager)

// WithTerrainLoader задаёт загрузчик геометрии
func WithTerrainLoader(l TerrainLoader) Option {
	return func(m *Manager) { m.terrain = l }
}

// WithEntityLoader задаёт загрузчик сохранённых сущностей
func WithEntityLoader(l EntityLoader) Option {
	return func(m *Manager) { m.entities = l }
}

// WithSpawner задаёт исполнителя размещения сущностей в сцене
func WithSpawner(s Spawner) Option {
	return func(m *Manager) { m.spawner = s }
}

// WithDispatcher задаёт диспетчер загрузок (по умолчанию синхронный)
func WithDispatcher(d Dispatcher) Option {
	return func(m *Manager) { m.dispatcher = d }
}

// WithClock подменяет источник времени
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithLogger задаёт логгер
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithContext задаёт родительский контекст для загрузчиков
func WithContext(ctx context.Context) Option {
	return func(m *Manager) { m.ctx = ctx }
}

// NewManager создаёт менеджер стриминга
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:                cfg.Clone(),
		chunks:             make(map[ChunkID]*Chunk),
		loadQueue:          pqueue.New[ChunkID](),
		inFlight:           make(map[ChunkID]struct{}),
		required:           make(map[ChunkID]struct{}),
		failedUntil:        make(map[ChunkID]time.Time),
		entityIndex:        make(map[string]ChunkID),
		subscribed:         make(map[ChunkID]struct{}),
		pendingSubscribe:   make(map[ChunkID]struct{}),
		pendingUnsubscribe: make(map[ChunkID]struct{}),
		clock:              time.Now,
		frameTimes:         newFrameWindow(cfg.StatsWindow),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.terrain == nil {
		m.terrain = flatTerrain{}
	}
	if m.spawner == nil {
		m.spawner = nopSpawner{}
	}
	if m.dispatcher == nil {
		m.dispatcher = NewSyncDispatcher()
	}
	if m.log == nil {
		m.log = logging.GetStreamingLogger()
	}
	parent := m.ctx
	if parent == nil {
		parent = context.Background()
	}
	m.ctx, m.cancel = context.WithCancel(parent)

	m.log.Info("🌍 Менеджер стриминга создан: чанк %.0f, радиусы %.0f/%.0f/%.0f",
		cfg.ChunkSize, cfg.LoadRadius, cfg.HibernateRadius, cfg.UnloadRadius)
	return m, nil
}

// Config возвращает копию текущей конфигурации
func (m *Manager) Config() Config {
	return m.cfg.Clone()
}

// UpdateConfig сливает патч с текущей конфигурацией. Некорректный результат отклоняется.
func (m *Manager) UpdateConfig(patch ConfigPatch) error {
	next := patch.Apply(m.cfg)
	if err := next.Validate(); err != nil {
		return err
	}
	if next.ChunkSize != m.cfg.ChunkSize && len(m.chunks) > 0 {
		return fmt.Errorf("%w: chunk_size cannot change while %d chunks are tracked",
			ErrInvalidConfig, len(m.chunks))
	}
	if next.StatsWindow != m.cfg.StatsWindow {
		m.frameTimes.resize(next.StatsWindow)
	}
	m.cfg = next
	m.log.Debug("⚙️ Конфигурация стриминга обновлена")
	return nil
}

// Close отменяет загрузки и останавливает диспетчер
func (m *Manager) Close() {
	m.cancel()
	m.dispatcher.Close()
	m.log.Info("🛑 Менеджер стриминга остановлен")
}

// Frame номер последнего выполненного кадра
func (m *Manager) Frame() uint64 {
	return m.frame
}

func (m *Manager) now() time.Time {
	if !m.frameNow.IsZero() {
		return m.frameNow
	}
	return m.clock()
}

// Update выполняет один цикл стриминга и возвращает события кадра
func (m *Manager) Update(in FrameInput) []ChunkEvent {
	started := time.Now()

	now := in.Now
	if now.IsZero() {
		now = m.clock()
	}
	m.frameNow = now
	defer func() { m.frameNow = time.Time{} }()

	m.frame++
	m.observer = in.Position
	m.velocity = in.Velocity
	m.frustum = in.Frustum

	m.collectResults()

	predicted, predictive := m.predict(in.Position, in.Velocity)
	m.predicted = predicted
	m.required = m.computeRequired(in.Position, predicted, predictive)

	m.refreshPriorities()
	m.enqueueRequired(now)
	m.applyTransitions(now)
	m.processLoads()
	m.processUnloads()
	m.updateLODs()

	m.frameTimes.add(time.Since(started))

	return m.DrainEvents()
}

// sortedIDs возвращает идентификаторы отслеживаемых чанков в стабильном порядке
func (m *Manager) sortedIDs() []ChunkID {
	ids := make([]ChunkID, 0, len(m.chunks))
	for id := range m.chunks {
		ids = append(ids, id)
	}
	sortChunkIDs(ids)
	return ids
}

func sortChunkIDs(ids []ChunkID) {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].X != ids[j].X {
			return ids[i].X < ids[j].X
		}
		return ids[i].Z < ids[j].Z
	})
}
