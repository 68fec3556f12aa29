package streaming

import "time"

// EventType тип события жизненного цикла
type EventType string

const (
	EventLoad         EventType = "load"
	EventUnload       EventType = "unload"
	EventLODChange    EventType = "lod-change"
	EventHibernate    EventType = "hibernate"
	EventWake         EventType = "wake"
	EventEntityAdd    EventType = "entity-add"
	EventEntityRemove EventType = "entity-remove"
	EventEntityUpdate EventType = "entity-update"
)

// ChunkEvent событие, возвращаемое из Update
type ChunkEvent struct {
	Type      EventType      `json:"type"`
	ChunkID   ChunkID        `json:"chunk_id"`
	Chunk     *ChunkSnapshot `json:"chunk,omitempty"`
	EntityIDs []string       `json:"entity_ids,omitempty"`
	LOD       int            `json:"lod"`
	PrevLOD   int            `json:"prev_lod"`
	Timestamp time.Time      `json:"timestamp"`
}

// emit добавляет событие в буфер текущего кадра.
// События операций над сущностями между кадрами возвращаются следующим Update.
func (m *Manager) emit(ev ChunkEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}
	m.events = append(m.events, ev)
}

func (m *Manager) emitChunk(t EventType, c *Chunk, entityIDs []string) {
	snap := c.Snapshot()
	m.emit(ChunkEvent{
		Type:      t,
		ChunkID:   c.ID,
		Chunk:     &snap,
		EntityIDs: entityIDs,
		LOD:       c.LOD,
		PrevLOD:   c.LOD,
	})
}

// DrainEvents забирает накопленные события без выполнения кадра
func (m *Manager) DrainEvents() []ChunkEvent {
	events := m.events
	m.events = nil
	return events
}
