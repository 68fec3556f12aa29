// Package storage хранит сохраняемые сущности чанков и отдаёт их менеджеру
// как streaming.EntityLoader.
package storage

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/annel0/worldstream/internal/streaming"
)

// Ошибки хранилища
var (
	ErrEntityNotFound = errors.New("storage: entity not found")
	ErrStoreClosed    = errors.New("storage: store closed")
)

// ChunkStore хранилище сущностей, сгруппированных по чанкам.
// Эфемерные сущности не сохраняются.
type ChunkStore interface {
	streaming.EntityLoader

	// SaveEntities заменяет всё содержимое чанка
	SaveEntities(ctx context.Context, id streaming.ChunkID, entities []*streaming.Entity) error
	// SaveEntity добавляет или заменяет одну сущность
	SaveEntity(ctx context.Context, id streaming.ChunkID, e *streaming.Entity) error
	// PatchEntity применяет частичное обновление. ErrEntityNotFound, если сущности нет.
	PatchEntity(ctx context.Context, id streaming.ChunkID, entityID string, patch streaming.EntityPatch) error
	DeleteEntity(ctx context.Context, id streaming.ChunkID, entityID string) error
	// MoveEntity переносит сущность между чанками одной операцией
	MoveEntity(ctx context.Context, from, to streaming.ChunkID, entityID string) error
	Close() error
}

// chunkRecord сохраняемое содержимое чанка
type chunkRecord struct {
	Chunk     streaming.ChunkID            `json:"chunk"`
	Entities  map[string]*streaming.Entity `json:"entities"`
	UpdatedAt time.Time                    `json:"updated_at"`
}

func newChunkRecord(id streaming.ChunkID) *chunkRecord {
	return &chunkRecord{Chunk: id, Entities: make(map[string]*streaming.Entity)}
}

// put кладёт копию сущности; эфемерные пропускаются
func (r *chunkRecord) put(e *streaming.Entity) bool {
	if e == nil || e.ID == "" || e.Persistence == streaming.PersistenceEphemeral {
		return false
	}
	cp := e.Clone()
	cp.Dirty = false
	r.Entities[e.ID] = cp
	return true
}

// list возвращает копии сущностей, упорядоченные по идентификатору
func (r *chunkRecord) list() []*streaming.Entity {
	out := make([]*streaming.Entity, 0, len(r.Entities))
	for _, e := range r.Entities {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
