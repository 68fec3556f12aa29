package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/annel0/worldstream/internal/logging"
	"github.com/annel0/worldstream/internal/streaming"
)

// maxTxnRetries число повторов транзакции при конфликте записи
const maxTxnRetries = 5

// BadgerStore хранит записи чанков в BadgerDB под ключами "entities:x:z", значения в JSON.
type BadgerStore struct {
	db      *badger.DB
	dbPath  string
	mutex   sync.RWMutex
	isReady bool
	log     *logging.Logger
}

// NewBadgerStore открывает хранилище в каталоге dataPath/entities
func NewBadgerStore(dataPath string) (*BadgerStore, error) {
	dbPath := filepath.Join(dataPath, "entities")
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Отключаем логирование BadgerDB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть BadgerDB: %w", err)
	}

	log := logging.GetStorageLogger()
	log.Info("💾 Хранилище сущностей открыто: %s", dbPath)
	return &BadgerStore{db: db, dbPath: dbPath, isReady: true, log: log}, nil
}

func entityKey(id streaming.ChunkID) []byte {
	return []byte(fmt.Sprintf("entities:%d:%d", id.X, id.Z))
}

// Close закрывает хранилище
func (s *BadgerStore) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.isReady {
		return nil
	}
	s.isReady = false
	return s.db.Close()
}

// readRecord читает запись чанка внутри транзакции; отсутствие ключа даёт пустую запись
func readRecord(txn *badger.Txn, id streaming.ChunkID) (*chunkRecord, error) {
	item, err := txn.Get(entityKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return newChunkRecord(id), nil
	}
	if err != nil {
		return nil, err
	}

	rec := newChunkRecord(id)
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка десериализации сущностей чанка %s: %w", id, err)
	}
	if rec.Entities == nil {
		rec.Entities = make(map[string]*streaming.Entity)
	}
	return rec, nil
}

func writeRecord(txn *badger.Txn, rec *chunkRecord) error {
	if len(rec.Entities) == 0 {
		return txn.Delete(entityKey(rec.Chunk))
	}
	rec.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ошибка сериализации сущностей: %w", err)
	}
	return txn.Set(entityKey(rec.Chunk), data)
}

// update выполняет read-modify-write транзакцию с повтором при конфликте
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if !s.isReady {
		return ErrStoreClosed
	}
	var err error
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debug("Конфликт транзакции, повтор %d", attempt+1)
	}
	return err
}

// LoadEntities возвращает сохранённые сущности чанка
func (s *BadgerStore) LoadEntities(ctx context.Context, id streaming.ChunkID) ([]*streaming.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if !s.isReady {
		return nil, ErrStoreClosed
	}

	var rec *chunkRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = readRecord(txn, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения сущностей из BadgerDB: %w", err)
	}
	return rec.list(), nil
}

// SaveEntities заменяет содержимое чанка
func (s *BadgerStore) SaveEntities(ctx context.Context, id streaming.ChunkID, entities []*streaming.Entity) error {
	rec := newChunkRecord(id)
	for _, e := range entities {
		rec.put(e)
	}
	err := s.update(ctx, func(txn *badger.Txn) error {
		return writeRecord(txn, rec)
	})
	if err != nil {
		return fmt.Errorf("ошибка сохранения сущностей чанка %s: %w", id, err)
	}
	return nil
}

// SaveEntity добавляет или заменяет одну сущность
func (s *BadgerStore) SaveEntity(ctx context.Context, id streaming.ChunkID, e *streaming.Entity) error {
	return s.modify(ctx, id, func(rec *chunkRecord) error {
		rec.put(e)
		return nil
	})
}

// PatchEntity применяет частичное обновление к сохранённой сущности
func (s *BadgerStore) PatchEntity(ctx context.Context, id streaming.ChunkID, entityID string, patch streaming.EntityPatch) error {
	return s.modify(ctx, id, func(rec *chunkRecord) error {
		e, ok := rec.Entities[entityID]
		if !ok {
			return fmt.Errorf("%w: %s in %s", ErrEntityNotFound, entityID, id)
		}
		patch.Apply(e)
		return nil
	})
}

// DeleteEntity удаляет сущность; отсутствие сущности не ошибка
func (s *BadgerStore) DeleteEntity(ctx context.Context, id streaming.ChunkID, entityID string) error {
	return s.modify(ctx, id, func(rec *chunkRecord) error {
		delete(rec.Entities, entityID)
		return nil
	})
}

// MoveEntity переносит сущность между чанками в одной транзакции
func (s *BadgerStore) MoveEntity(ctx context.Context, from, to streaming.ChunkID, entityID string) error {
	if from == to {
		return nil
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		src, err := readRecord(txn, from)
		if err != nil {
			return err
		}
		e, ok := src.Entities[entityID]
		if !ok {
			return fmt.Errorf("%w: %s in %s", ErrEntityNotFound, entityID, from)
		}
		dst, err := readRecord(txn, to)
		if err != nil {
			return err
		}
		delete(src.Entities, entityID)
		dst.Entities[entityID] = e
		if err := writeRecord(txn, src); err != nil {
			return err
		}
		return writeRecord(txn, dst)
	})
}

func (s *BadgerStore) modify(ctx context.Context, id streaming.ChunkID, fn func(rec *chunkRecord) error) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		rec, err := readRecord(txn, id)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		return writeRecord(txn, rec)
	})
}
