// Package presenter связывает менеджер стриминга с внешним циклом кадров:
// оценивает скорость наблюдателя, отсекает невидимое и публикует снимок состояния.
package presenter

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/annel0/worldstream/internal/logging"
	"github.com/annel0/worldstream/internal/streaming"
	"github.com/annel0/worldstream/internal/vec"
)

// Config настройки адаптера
type Config struct {
	Smoothing        float64       `yaml:"smoothing"`         // доля нового замера в сглаженной скорости, (0, 1]
	MaxSpeed         float64       `yaml:"max_speed"`         // выше считается телепортом
	CullingEnabled   bool          `yaml:"culling_enabled"`   // строить конус видимости
	FOVDegrees       float64       `yaml:"fov_degrees"`       // горизонтальный угол обзора
	FarDistance      float64       `yaml:"far_distance"`      // 0 - без ограничения
	SnapshotInterval time.Duration `yaml:"snapshot_interval"` // не чаще одного снимка за интервал
}

// DefaultConfig настройки по умолчанию
func DefaultConfig() Config {
	return Config{
		Smoothing:        0.3,
		MaxSpeed:         200,
		CullingEnabled:   true,
		FOVDegrees:       100,
		SnapshotInterval: 100 * time.Millisecond,
	}
}

// Validate проверяет настройки
func (c Config) Validate() error {
	switch {
	case c.Smoothing <= 0 || c.Smoothing > 1:
		return fmt.Errorf("presenter: smoothing %.2f outside (0, 1]", c.Smoothing)
	case c.MaxSpeed <= 0:
		return fmt.Errorf("presenter: max_speed must be positive")
	case c.CullingEnabled && (c.FOVDegrees <= 0 || c.FOVDegrees > 360):
		return fmt.Errorf("presenter: fov_degrees %.0f outside (0, 360]", c.FOVDegrees)
	case c.FarDistance < 0 || c.SnapshotInterval < 0:
		return fmt.Errorf("presenter: negative far_distance or snapshot_interval")
	}
	return nil
}

// Snapshot опубликованное состояние для читателей из других горутин
type Snapshot struct {
	Version           uint64              `json:"version"`
	Frame             uint64              `json:"frame"`
	Observer          vec.Vec3Float       `json:"observer"`
	Velocity          vec.Vec3Float       `json:"velocity"`
	ActiveChunks      []streaming.ChunkID `json:"active_chunks"`
	VisibleChunks     []streaming.ChunkID `json:"visible_chunks"`
	HibernatingChunks []streaming.ChunkID `json:"hibernating_chunks"`
	Stats             streaming.Stats     `json:"stats"`
	PublishedAt       time.Time           `json:"published_at"`
}

// Adapter вызывается из цикла кадров приложения
type Adapter struct {
	mgr   *streaming.Manager
	cfg   Config
	sinks []EventSink
	log   *logging.Logger
	ctx   context.Context

	hasSample  bool
	lastPos    vec.Vec3Float
	lastSample time.Time
	velocity   vec.Vec3Float
	teleports  uint64

	snapshot    atomic.Pointer[Snapshot]
	version     uint64
	lastPublish time.Time
}

// Option настраивает адаптер
type Option func(*Adapter)

// WithSinks добавляет получателей событий
func WithSinks(sinks ...EventSink) Option {
	return func(a *Adapter) { a.sinks = append(a.sinks, sinks...) }
}

// WithLogger задаёт логгер
func WithLogger(l *logging.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

// WithContext задаёт контекст публикации в sinks
func WithContext(ctx context.Context) Option {
	return func(a *Adapter) { a.ctx = ctx }
}

// NewAdapter создаёт адаптер над менеджером
func NewAdapter(mgr *streaming.Manager, cfg Config, opts ...Option) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Adapter{mgr: mgr, cfg: cfg, ctx: context.Background()}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = logging.GetPresenterLogger()
	}
	return a, nil
}

// AddSink регистрирует получателя событий
func (a *Adapter) AddSink(s EventSink) {
	a.sinks = append(a.sinks, s)
}

// Velocity текущая сглаженная оценка скорости
func (a *Adapter) Velocity() vec.Vec3Float {
	return a.velocity
}

// Teleports число сбросов оценки скорости
func (a *Adapter) Teleports() uint64 {
	return a.teleports
}

// Frame выполняет кадр: оценка скорости, конус видимости, Update, рассылка событий, снимок
func (a *Adapter) Frame(now time.Time, position, facing vec.Vec3Float) []streaming.ChunkEvent {
	a.sample(now, position)

	var frustum streaming.Frustum
	if a.cfg.CullingEnabled {
		far := a.cfg.FarDistance
		if far == 0 {
			far = a.mgr.Config().UnloadRadius
		}
		// интерфейс с nil указателем не должен попасть в менеджер
		if cone := NewViewCone(position, facing, a.cfg.FOVDegrees, far); cone != nil {
			frustum = cone
		}
	}

	events := a.mgr.Update(streaming.FrameInput{
		Position: position,
		Velocity: a.velocity,
		Frustum:  frustum,
		Now:      now,
	})
	a.dispatch(events)

	if a.snapshot.Load() == nil || now.Sub(a.lastPublish) >= a.cfg.SnapshotInterval {
		a.publish(now)
	}
	return events
}

// sample обновляет оценку скорости экспоненциальным сглаживанием
func (a *Adapter) sample(now time.Time, position vec.Vec3Float) {
	if !a.hasSample {
		a.hasSample = true
		a.lastPos, a.lastSample = position, now
		return
	}
	dt := now.Sub(a.lastSample).Seconds()
	if dt <= 0 {
		return
	}
	raw := position.Sub(a.lastPos).Mul(1 / dt)
	a.lastPos, a.lastSample = position, now

	if raw.Length() > a.cfg.MaxSpeed {
		a.teleports++
		a.velocity = vec.Vec3Float{}
		a.log.Debug("Скачок позиции %.1f ед/с, оценка скорости сброшена", raw.Length())
		return
	}
	alpha := a.cfg.Smoothing
	a.velocity = raw.Mul(alpha).Add(a.velocity.Mul(1 - alpha))
}

func (a *Adapter) dispatch(events []streaming.ChunkEvent) {
	for _, sink := range a.sinks {
		for _, ev := range events {
			if err := sink.Consume(a.ctx, ev); err != nil {
				a.log.Warn("Ошибка доставки события %s для %s: %v", ev.Type, ev.ChunkID, err)
			}
		}
	}
}

func (a *Adapter) publish(now time.Time) {
	a.version++
	a.lastPublish = now
	a.snapshot.Store(&Snapshot{
		Version:           a.version,
		Frame:             a.mgr.Frame(),
		Observer:          a.lastPos,
		Velocity:          a.velocity,
		ActiveChunks:      a.mgr.ActiveChunks(),
		VisibleChunks:     a.mgr.VisibleChunks(),
		HibernatingChunks: a.mgr.HibernatingChunks(),
		Stats:             a.mgr.Stats(),
		PublishedAt:       now,
	})
}

// Snapshot последний опубликованный снимок; nil до первого кадра.
// Безопасен для вызова из любых горутин, снимок не изменяется после публикации.
func (a *Adapter) Snapshot() *Snapshot {
	return a.snapshot.Load()
}
