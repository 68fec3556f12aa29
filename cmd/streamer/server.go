package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"

	"github.com/annel0/worldstream/internal/logging"
	"github.com/annel0/worldstream/internal/protocol"
	"github.com/annel0/worldstream/internal/storage"
	"github.com/annel0/worldstream/internal/streaming"
	wsync "github.com/annel0/worldstream/internal/sync"
	"github.com/annel0/worldstream/internal/vec"
)

// entityNamespace пространство имён детерминированных идентификаторов сгенерированных сущностей
var entityNamespace = uuid.MustParse("6f1c3a52-8d0e-4b7a-9c1e-2f4d5b6a7c80")

var propKinds = []string{"tree", "rock", "bush"}

// loopbackServer изображает авторитетный сервер: принимает пакеты синхронизации из шины
// и отвечает кадрами протокола через канал, который читает цикл кадров.
type loopbackServer struct {
	store      storage.ChunkStore
	applier    *wsync.StoreApplier
	serializer *protocol.MessageSerializer
	height     func(x, z float64) float64
	chunkSize  float64
	out        chan []byte
	log        *logging.Logger

	mu         sync.Mutex
	subscribed map[streaming.ChunkID]bool
	seq        map[streaming.ChunkID]uint64
}

func newLoopbackServer(store storage.ChunkStore, serializer *protocol.MessageSerializer, height func(x, z float64) float64, chunkSize float64, buffer int) *loopbackServer {
	return &loopbackServer{
		store:      store,
		applier:    wsync.NewStoreApplier(store),
		serializer: serializer,
		height:     height,
		chunkSize:  chunkSize,
		out:        make(chan []byte, buffer),
		log:        logging.GetNetworkLogger(),
		subscribed: make(map[streaming.ChunkID]bool),
		seq:        make(map[streaming.ChunkID]uint64),
	}
}

// Frames канал исходящих кадров сервера
func (s *loopbackServer) Frames() <-chan []byte { return s.out }

// Handle реализует wsync.MessageHandler
func (s *loopbackServer) Handle(ctx context.Context, source string, msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.SubscribeRequest:
		return s.subscribe(ctx, m)
	case *protocol.UnsubscribeRequest:
		return s.unsubscribe(ctx, m)
	case *protocol.EntityUpdateRequest:
		return s.entityUpdate(ctx, source, m)
	case *protocol.PositionUpdate:
		s.log.Trace("Позиция %s #%d: %.1f,%.1f", source, m.Sequence, m.Position.X, m.Position.Z)
	}
	return nil
}

func (s *loopbackServer) nextSeq(id streaming.ChunkID) uint64 {
	s.seq[id]++
	return s.seq[id]
}

func (s *loopbackServer) subscribe(ctx context.Context, req *protocol.SubscribeRequest) error {
	ids, err := protocol.ParseChunkIDs("chunks", req.Chunks)
	if err != nil {
		return err
	}

	ack := &protocol.SubscribeAck{}
	var payloads []*protocol.ChunkData
	for _, id := range ids {
		entities, err := s.entitiesFor(ctx, id)
		if err != nil {
			ack.Failed = append(ack.Failed, protocol.FailedChunk{Chunk: id.String(), Reason: protocol.CodeInternal})
			s.log.Warn("Не удалось загрузить сущности чанка %s: %v", id, err)
			continue
		}
		s.mu.Lock()
		s.subscribed[id] = true
		seq := s.nextSeq(id)
		s.mu.Unlock()

		ack.Succeeded = append(ack.Succeeded, id.String())
		payloads = append(payloads, &protocol.ChunkData{
			Chunk:    id.String(),
			Entities: entities,
			State:    protocol.ServerChunkActive,
			Sequence: seq,
		})
	}

	if err := s.send(ctx, ack); err != nil {
		return err
	}
	for _, p := range payloads {
		if err := s.send(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *loopbackServer) unsubscribe(ctx context.Context, req *protocol.UnsubscribeRequest) error {
	ids, err := protocol.ParseChunkIDs("chunks", req.Chunks)
	if err != nil {
		return err
	}
	ack := &protocol.UnsubscribeAck{}
	s.mu.Lock()
	for _, id := range ids {
		if !s.subscribed[id] {
			ack.Failed = append(ack.Failed, protocol.FailedChunk{Chunk: id.String(), Reason: protocol.CodeNotSubscribed})
			continue
		}
		delete(s.subscribed, id)
		ack.Succeeded = append(ack.Succeeded, id.String())
	}
	s.mu.Unlock()
	return s.send(ctx, ack)
}

// entityUpdate сохраняет изменение и подтверждает его дельтой подписчику
func (s *loopbackServer) entityUpdate(ctx context.Context, source string, req *protocol.EntityUpdateRequest) error {
	if err := s.applier.Handle(ctx, source, req); err != nil {
		return err
	}
	id, _ := streaming.ParseChunkID(req.Chunk)

	s.mu.Lock()
	if !s.subscribed[id] {
		s.mu.Unlock()
		return nil
	}
	seq := s.nextSeq(id)
	s.mu.Unlock()

	patch := req.Patch
	return s.send(ctx, &protocol.EntityDeltaBatch{
		Chunk:    req.Chunk,
		Sequence: seq,
		Deltas: []protocol.EntityDelta{{
			Op:       protocol.OpUpdate,
			EntityID: req.EntityID,
			Patch:    &patch,
		}},
	})
}

// entitiesFor возвращает сохранённые сущности чанка, при первом обращении заполняя его
func (s *loopbackServer) entitiesFor(ctx context.Context, id streaming.ChunkID) ([]*streaming.Entity, error) {
	entities, err := s.store.LoadEntities(ctx, id)
	if err != nil || len(entities) > 0 {
		return entities, err
	}
	entities = s.generate(id)
	if len(entities) == 0 {
		return entities, nil
	}
	if err := s.store.SaveEntities(ctx, id, entities); err != nil {
		return nil, err
	}
	return entities, nil
}

// generate детерминированно расставляет декорации в чанке
func (s *loopbackServer) generate(id streaming.ChunkID) []*streaming.Entity {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id.String()))
	seed := h.Sum64()

	b := id.Bounds(s.chunkSize)
	count := int(seed % 4)
	out := make([]*streaming.Entity, 0, count)
	for i := 0; i < count; i++ {
		seed = seed*6364136223846793005 + 1442695040888963407
		fx := float64(seed>>40) / float64(1<<24)
		fz := float64((seed>>16)&0xffffff) / float64(1<<24)
		x := b.MinX + fx*(b.MaxX-b.MinX)
		z := b.MinZ + fz*(b.MaxZ-b.MinZ)
		kind := propKinds[int(seed>>8)%len(propKinds)]

		out = append(out, &streaming.Entity{
			ID:          uuid.NewSHA1(entityNamespace, []byte(fmt.Sprintf("%s#%d", id, i))).String(),
			AssetRef:    "props/" + kind,
			Position:    vec.Vec3Float{X: x, Y: s.height(x, z), Z: z},
			Scale:       vec.Vec3Float{X: 1, Y: 1, Z: 1},
			Persistence: streaming.PersistenceChunk,
			Respawnable: kind != "rock",
			Type:        kind,
		})
	}
	return out
}

func (s *loopbackServer) send(ctx context.Context, msg protocol.Message) error {
	frame, err := s.serializer.SerializeMessage(msg)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", msg.Type(), err)
	}
	select {
	case s.out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
