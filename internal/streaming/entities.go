package streaming

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/annel0/worldstream/internal/vec"
)

var (
	// ErrChunkNotTracked чанка нет в таблице менеджера
	ErrChunkNotTracked = errors.New("streaming: chunk is not tracked")
	// ErrDuplicateEntity сущность уже принадлежит какому-то чанку
	ErrDuplicateEntity = errors.New("streaming: entity already owned")
	// ErrNilEntity передана пустая сущность
	ErrNilEntity = errors.New("streaming: nil entity")
)

// AddEntity добавляет сущность в чанк. Сущность размещается в сцене, только если чанк активен.
func (m *Manager) AddEntity(id ChunkID, e *Entity) error {
	if e == nil {
		return ErrNilEntity
	}
	c, ok := m.chunks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChunkNotTracked, id)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if owner, owned := m.entityIndex[e.ID]; owned {
		return fmt.Errorf("%w: %s in chunk %s", ErrDuplicateEntity, e.ID, owner)
	}
	m.attach(c, e)
	return nil
}

// RemoveEntity удаляет сущность из чанка. Если сущность принадлежит другому чанку, ничего не делает.
func (m *Manager) RemoveEntity(id ChunkID, entityID string) (*Entity, bool) {
	owner, ok := m.entityIndex[entityID]
	if !ok || owner != id {
		m.log.Debug("RemoveEntity: сущность %s не принадлежит чанку %s", entityID, id)
		return nil, false
	}
	c, ok := m.chunks[id]
	if !ok {
		return nil, false
	}
	e := m.detach(c, entityID)
	return e, e != nil
}

// HandoffEntity атомарно переносит сущность между чанками.
// Сущность всё время принадлежит ровно одному чанку.
func (m *Manager) HandoffEntity(entityID string, from, to ChunkID) bool {
	owner, ok := m.entityIndex[entityID]
	if !ok || owner != from {
		m.log.Debug("HandoffEntity: сущность %s не принадлежит чанку %s", entityID, from)
		return false
	}
	if from == to {
		return true
	}
	src, ok := m.chunks[from]
	if !ok {
		return false
	}
	dst, ok := m.chunks[to]
	if !ok {
		m.log.Debug("HandoffEntity: чанк назначения %s не отслеживается", to)
		return false
	}

	e := m.detach(src, entityID)
	if e == nil {
		return false
	}
	m.attach(dst, e)
	return true
}

// UpdateEntity применяет частичное обновление. Если новая позиция вышла за границы
// чанка-владельца с учётом допуска, сущность передаётся чанку по новой позиции.
func (m *Manager) UpdateEntity(entityID string, patch EntityPatch) (*Entity, bool) {
	owner, ok := m.entityIndex[entityID]
	if !ok {
		return nil, false
	}
	c, ok := m.chunks[owner]
	if !ok {
		return nil, false
	}
	e, ok := c.Entity(entityID)
	if !ok {
		return nil, false
	}

	patch.Apply(e)
	e.Dirty = true
	c.Dirty = true
	m.emit(ChunkEvent{Type: EventEntityUpdate, ChunkID: owner, EntityIDs: []string{entityID}, LOD: c.LOD, PrevLOD: c.LOD})

	if patch.Position != nil {
		bounds := owner.Bounds(m.cfg.ChunkSize)
		if !bounds.Contains(e.Position.X, e.Position.Z, m.cfg.EntityBoundsTolerance) {
			target := ChunkIDAt(e.Position.X, e.Position.Z, m.cfg.ChunkSize)
			if !m.HandoffEntity(entityID, owner, target) {
				m.log.Debug("Сущность %s вышла за чанк %s, но %s не отслеживается", entityID, owner, target)
			}
		}
	}
	return e, true
}

// UpsertEntity записывает авторитетное состояние сущности в чанк.
// Сущность из другого чанка сначала передаётся, существующая перезаписывается без автопередачи.
func (m *Manager) UpsertEntity(id ChunkID, e *Entity) error {
	if e == nil || e.ID == "" {
		return ErrNilEntity
	}
	c, ok := m.chunks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChunkNotTracked, id)
	}
	if owner, owned := m.entityIndex[e.ID]; owned && owner != id {
		if !m.HandoffEntity(e.ID, owner, id) {
			return fmt.Errorf("handoff %s from %s to %s failed", e.ID, owner, id)
		}
	}

	if existing, ok := c.Entity(e.ID); ok {
		*existing = *e.Clone()
		existing.Dirty = false
		m.emit(ChunkEvent{Type: EventEntityUpdate, ChunkID: id, EntityIDs: []string{e.ID}, LOD: c.LOD, PrevLOD: c.LOD})
		return nil
	}
	fresh := e.Clone()
	fresh.Dirty = false
	m.attach(c, fresh)
	return nil
}

// GetEntity возвращает сущность и её чанк-владелец
func (m *Manager) GetEntity(entityID string) (*Entity, ChunkID, bool) {
	owner, ok := m.entityIndex[entityID]
	if !ok {
		return nil, ChunkID{}, false
	}
	c, ok := m.chunks[owner]
	if !ok {
		return nil, ChunkID{}, false
	}
	e, ok := c.Entity(entityID)
	return e, owner, ok
}

// EntityOwner возвращает чанк-владелец сущности
func (m *Manager) EntityOwner(entityID string) (ChunkID, bool) {
	owner, ok := m.entityIndex[entityID]
	return owner, ok
}

// EntitiesInRadius возвращает сущности в круге на плоскости XZ, ближние первыми
func (m *Manager) EntitiesInRadius(center vec.Vec3Float, radius float64) []*Entity {
	type hit struct {
		e    *Entity
		dist float64
	}
	var hits []hit

	size := m.cfg.ChunkSize
	margin := radius + m.cfg.EntityBoundsTolerance
	for id, c := range m.chunks {
		b := id.Bounds(size)
		if b.MaxX < center.X-margin || b.MinX > center.X+margin ||
			b.MaxZ < center.Z-margin || b.MinZ > center.Z+margin {
			continue
		}
		for _, e := range c.Entities {
			if d := e.Position.DistanceXZ(center); d <= radius {
				hits = append(hits, hit{e: e, dist: d})
			}
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].dist != hits[j].dist {
			return hits[i].dist < hits[j].dist
		}
		return hits[i].e.ID < hits[j].e.ID
	})
	out := make([]*Entity, len(hits))
	for i, h := range hits {
		out[i] = h.e
	}
	return out
}

// EntitiesByType возвращает сущности заданного типа, упорядоченные по ID
func (m *Manager) EntitiesByType(entityType string) []*Entity {
	var out []*Entity
	for _, c := range m.chunks {
		for _, e := range c.Entities {
			if e.Type == entityType {
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DirtyEntity копия изменённой сущности для отправки на сервер
type DirtyEntity struct {
	ChunkID ChunkID
	Entity  *Entity
}

// DirtyEntities возвращает копии изменённых сущностей и сбрасывает флаги
func (m *Manager) DirtyEntities() []DirtyEntity {
	var out []DirtyEntity
	for _, id := range m.sortedIDs() {
		c := m.chunks[id]
		for _, e := range c.Entities {
			if !e.Dirty {
				continue
			}
			e.Dirty = false
			out = append(out, DirtyEntity{ChunkID: id, Entity: e.Clone()})
		}
		c.Dirty = false
	}
	return out
}

// EntityCount количество отслеживаемых сущностей
func (m *Manager) EntityCount() int {
	return len(m.entityIndex)
}

// attach добавляет сущность в чанк, обновляет индекс и размещает её, если чанк активен
func (m *Manager) attach(c *Chunk, e *Entity) {
	c.Entities = append(c.Entities, e)
	m.entityIndex[e.ID] = c.ID
	c.Dirty = true
	if c.State == StateActive {
		m.spawner.SpawnEntity(c.ID, e)
		c.SpawnedEntityIDs[e.ID] = struct{}{}
	}
	m.emit(ChunkEvent{Type: EventEntityAdd, ChunkID: c.ID, EntityIDs: []string{e.ID}, LOD: c.LOD, PrevLOD: c.LOD})
}

// detach убирает сущность из чанка и индекса
func (m *Manager) detach(c *Chunk, entityID string) *Entity {
	i := c.entityIndex(entityID)
	if i < 0 {
		return nil
	}
	e := c.Entities[i]
	c.Entities = append(c.Entities[:i], c.Entities[i+1:]...)
	delete(m.entityIndex, entityID)
	if c.IsSpawned(entityID) {
		m.spawner.DespawnEntity(c.ID, entityID)
		delete(c.SpawnedEntityIDs, entityID)
	}
	c.Dirty = true
	m.emit(ChunkEvent{Type: EventEntityRemove, ChunkID: c.ID, EntityIDs: []string{entityID}, LOD: c.LOD, PrevLOD: c.LOD})
	return e
}
