package presenter

import (
	"context"
	"fmt"

	"github.com/annel0/worldstream/internal/eventbus"
	"github.com/annel0/worldstream/internal/streaming"
)

// EventSink получает события жизненного цикла после каждого кадра
type EventSink interface {
	Consume(ctx context.Context, ev streaming.ChunkEvent) error
}

// Renderer адаптирует события к обратным вызовам сцены. Пустые поля пропускаются.
type Renderer struct {
	OnLoad         func(streaming.ChunkEvent)
	OnUnload       func(streaming.ChunkEvent)
	OnLODChange    func(streaming.ChunkEvent)
	OnHibernate    func(streaming.ChunkEvent)
	OnWake         func(streaming.ChunkEvent)
	OnEntityAdd    func(streaming.ChunkEvent)
	OnEntityRemove func(streaming.ChunkEvent)
	OnEntityUpdate func(streaming.ChunkEvent)
}

// Consume реализует EventSink
func (r *Renderer) Consume(_ context.Context, ev streaming.ChunkEvent) error {
	var fn func(streaming.ChunkEvent)
	switch ev.Type {
	case streaming.EventLoad:
		fn = r.OnLoad
	case streaming.EventUnload:
		fn = r.OnUnload
	case streaming.EventLODChange:
		fn = r.OnLODChange
	case streaming.EventHibernate:
		fn = r.OnHibernate
	case streaming.EventWake:
		fn = r.OnWake
	case streaming.EventEntityAdd:
		fn = r.OnEntityAdd
	case streaming.EventEntityRemove:
		fn = r.OnEntityRemove
	case streaming.EventEntityUpdate:
		fn = r.OnEntityUpdate
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	if fn != nil {
		fn(ev)
	}
	return nil
}

// BusSource имя источника событий презентера в шине
const BusSource = "worldstream.presenter"

// BusSink публикует события в шину как chunk.<type>
type BusSink struct {
	bus    eventbus.EventBus
	source string
}

// NewBusSink создаёт sink для шины. Пустой source заменяется BusSource.
func NewBusSink(bus eventbus.EventBus, source string) *BusSink {
	if source == "" {
		source = BusSource
	}
	return &BusSink{bus: bus, source: source}
}

// EventTypeFor возвращает тип события шины для события стриминга
func EventTypeFor(t streaming.EventType) string {
	return "chunk." + string(t)
}

// Consume реализует EventSink
func (s *BusSink) Consume(ctx context.Context, ev streaming.ChunkEvent) error {
	env, err := eventbus.NewEnvelope(s.source, EventTypeFor(ev.Type), busPriority(ev.Type), ev)
	if err != nil {
		return err
	}
	env.Timestamp = ev.Timestamp.UTC()
	env.CorrelationID = ev.ChunkID.String()
	return s.bus.Publish(ctx, env)
}

// события сущностей и смены LOD отбрасываются при переполнении шины
func busPriority(t streaming.EventType) int {
	switch t {
	case streaming.EventEntityAdd, streaming.EventEntityRemove, streaming.EventEntityUpdate, streaming.EventLODChange:
		return 1
	}
	return eventbus.PriorityHigh
}
