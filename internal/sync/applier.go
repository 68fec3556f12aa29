package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/annel0/worldstream/internal/logging"
	"github.com/annel0/worldstream/internal/protocol"
	"github.com/annel0/worldstream/internal/storage"
	"github.com/annel0/worldstream/internal/streaming"
)

// StoreApplier сохраняет изменения сущностей из пакетов в хранилище.
// Повторы и устаревшие обновления (номер не больше последнего от того же клиента) пропускаются.
type StoreApplier struct {
	store storage.ChunkStore
	log   *logging.Logger

	mu   sync.Mutex
	last map[string]uint64 // источник/сущность -> последний номер
}

func NewStoreApplier(store storage.ChunkStore) *StoreApplier {
	return &StoreApplier{
		store: store,
		log:   logging.GetStorageLogger(),
		last:  make(map[string]uint64),
	}
}

// Handle реализует MessageHandler. Сообщения, кроме entity_update, игнорируются.
func (a *StoreApplier) Handle(ctx context.Context, source string, msg protocol.Message) error {
	req, ok := msg.(*protocol.EntityUpdateRequest)
	if !ok {
		return nil
	}
	chunk, err := streaming.ParseChunkID(req.Chunk)
	if err != nil {
		return err
	}

	key := source + "/" + req.EntityID
	a.mu.Lock()
	if req.Sequence <= a.last[key] {
		a.mu.Unlock()
		a.log.Trace("Устаревшее обновление %s #%d", key, req.Sequence)
		return nil
	}
	a.last[key] = req.Sequence
	a.mu.Unlock()

	err = a.store.PatchEntity(ctx, chunk, req.EntityID, req.Patch)
	if errors.Is(err, storage.ErrEntityNotFound) {
		// сущность создана на клиенте
		e := &streaming.Entity{ID: req.EntityID, Persistence: streaming.PersistenceChunk}
		if req.Immediate {
			e.Persistence = streaming.PersistenceImmediate
		}
		req.Patch.Apply(e)
		err = a.store.SaveEntity(ctx, chunk, e)
	}
	if err != nil {
		return fmt.Errorf("persist %s in %s: %w", req.EntityID, chunk, err)
	}
	return nil
}
