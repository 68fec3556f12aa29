package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/annel0/worldstream/internal/streaming"
)

// MemoryStore хранит сущности в памяти процесса. Используется без каталога данных и в тестах.
type MemoryStore struct {
	mu     sync.RWMutex
	chunks map[streaming.ChunkID]*chunkRecord
	closed bool
}

// NewMemoryStore создаёт пустое хранилище
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chunks: make(map[streaming.ChunkID]*chunkRecord)}
}

func (s *MemoryStore) LoadEntities(ctx context.Context, id streaming.ChunkID) ([]*streaming.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	rec, ok := s.chunks[id]
	if !ok {
		return []*streaming.Entity{}, nil
	}
	return rec.list(), nil
}

func (s *MemoryStore) SaveEntities(_ context.Context, id streaming.ChunkID, entities []*streaming.Entity) error {
	rec := newChunkRecord(id)
	for _, e := range entities {
		rec.put(e)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.store(rec)
	return nil
}

func (s *MemoryStore) SaveEntity(_ context.Context, id streaming.ChunkID, e *streaming.Entity) error {
	return s.modify(id, func(rec *chunkRecord) error {
		rec.put(e)
		return nil
	})
}

func (s *MemoryStore) PatchEntity(_ context.Context, id streaming.ChunkID, entityID string, patch streaming.EntityPatch) error {
	return s.modify(id, func(rec *chunkRecord) error {
		e, ok := rec.Entities[entityID]
		if !ok {
			return fmt.Errorf("%w: %s in %s", ErrEntityNotFound, entityID, id)
		}
		patch.Apply(e)
		return nil
	})
}

func (s *MemoryStore) DeleteEntity(_ context.Context, id streaming.ChunkID, entityID string) error {
	return s.modify(id, func(rec *chunkRecord) error {
		delete(rec.Entities, entityID)
		return nil
	})
}

func (s *MemoryStore) MoveEntity(_ context.Context, from, to streaming.ChunkID, entityID string) error {
	if from == to {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	src := s.record(from)
	e, ok := src.Entities[entityID]
	if !ok {
		return fmt.Errorf("%w: %s in %s", ErrEntityNotFound, entityID, from)
	}
	dst := s.record(to)
	delete(src.Entities, entityID)
	dst.Entities[entityID] = e
	s.store(src)
	s.store(dst)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// record возвращает копию записи чанка. Вызывается под mu.
func (s *MemoryStore) record(id streaming.ChunkID) *chunkRecord {
	rec := newChunkRecord(id)
	if cur, ok := s.chunks[id]; ok {
		for k, e := range cur.Entities {
			rec.Entities[k] = e.Clone()
		}
	}
	return rec
}

func (s *MemoryStore) store(rec *chunkRecord) {
	if len(rec.Entities) == 0 {
		delete(s.chunks, rec.Chunk)
		return
	}
	s.chunks[rec.Chunk] = rec
}

// modify работает с копией записи, поэтому ошибка fn не оставляет частичных изменений
func (s *MemoryStore) modify(id streaming.ChunkID, fn func(rec *chunkRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	rec := s.record(id)
	if err := fn(rec); err != nil {
		return err
	}
	s.store(rec)
	return nil
}
