package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/worldstream/internal/logging"
	"github.com/annel0/worldstream/internal/streaming"
	"github.com/annel0/worldstream/internal/vec"
)

var sessionT0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

var (
	origin = streaming.ChunkID{X: 0, Z: 0}
	west   = streaming.ChunkID{X: -1, Z: 0}
)

// newSessionManager менеджер с четырьмя чанками вокруг начала координат
func newSessionManager(t *testing.T) (*streaming.Manager, *Session) {
	t.Helper()
	cfg := streaming.DefaultConfig()
	cfg.ChunkSize = 64
	cfg.WorldSize = 0
	cfg.LoadRadius = 50
	cfg.HibernateRadius = 100
	cfg.UnloadRadius = 150
	cfg.MaxLoadsPerFrame = 8
	cfg.MaxUnloadsPerFrame = 16
	cfg.HibernateGracePeriod = 0
	cfg.PredictiveLoading = false

	now := sessionT0
	m, err := streaming.NewManager(cfg,
		streaming.WithLogger(logging.Discard()),
		streaming.WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)
	t.Cleanup(m.Close)

	m.Update(streaming.FrameInput{Now: sessionT0})
	require.Len(t, m.ActiveChunks(), 4)
	return m, NewSession(m, WithSessionLogger(logging.Discard()))
}

func subscribeAll(t *testing.T, s *Session) {
	t.Helper()
	req, ok := s.PendingSubscribe(vec.Vec3Float{}, sessionT0)
	require.True(t, ok)
	require.NoError(t, s.HandleSubscribeAck(&SubscribeAck{Succeeded: req.Chunks}))
}

func TestSessionSubscribeFlow(t *testing.T) {
	m, s := newSessionManager(t)

	req, ok := s.PendingSubscribe(vec.Vec3Float{X: 1}, sessionT0)
	require.True(t, ok)
	assert.Equal(t, []string{"-1,-1", "-1,0", "0,-1", "0,0"}, req.Chunks)
	assert.Len(t, req.LOD, 4)
	require.NoError(t, req.Validate())

	_, again := s.PendingSubscribe(vec.Vec3Float{}, sessionT0)
	assert.False(t, again, "чанки в ожидании ответа не запрашиваются повторно")

	ack := &SubscribeAck{
		Succeeded: []string{"0,0", "-1,0", "0,-1"},
		Failed:    []FailedChunk{{Chunk: "-1,-1", Reason: CodeRateLimited}},
	}
	require.NoError(t, s.HandleSubscribeAck(ack))
	assert.True(t, m.IsSubscribed(origin))
	assert.False(t, m.IsSubscribed(streaming.ChunkID{X: -1, Z: -1}))

	retry, ok := s.PendingSubscribe(vec.Vec3Float{}, sessionT0)
	require.True(t, ok, "отклонённый чанк запрашивается снова")
	assert.Equal(t, []string{"-1,-1"}, retry.Chunks)

	assert.Error(t, s.HandleSubscribeAck(&SubscribeAck{Succeeded: []string{"bad"}}))
	assert.Equal(t, uint64(2), s.Stats().SubscribeRequests)
}

func TestSessionUnsubscribeFlow(t *testing.T) {
	m, s := newSessionManager(t)
	subscribeAll(t, s)

	_, ok := s.PendingUnsubscribe(sessionT0)
	assert.False(t, ok)

	// уходим далеко: старые чанки засыпают и выгружаются
	far := vec.Vec3Float{X: 2000}
	for i := 1; i <= 5; i++ {
		m.Update(streaming.FrameInput{Position: far, Now: sessionT0.Add(time.Duration(i) * time.Second)})
	}
	require.False(t, m.IsLoaded(origin))

	later := sessionT0.Add(5 * time.Second)
	req, ok := s.PendingUnsubscribe(later)
	require.True(t, ok)
	assert.Equal(t, []string{"-1,-1", "-1,0", "0,-1", "0,0"}, req.Chunks)

	_, again := s.PendingUnsubscribe(later)
	assert.False(t, again)

	require.NoError(t, s.HandleUnsubscribeAck(&UnsubscribeAck{
		Succeeded: []string{"0,0", "-1,0"},
		Failed: []FailedChunk{
			{Chunk: "0,-1", Reason: CodeNotSubscribed},
			{Chunk: "-1,-1", Reason: CodeInternal},
		},
	}))
	assert.False(t, m.IsSubscribed(origin))
	assert.False(t, m.IsSubscribed(streaming.ChunkID{X: 0, Z: -1}), "NOT_SUBSCRIBED считается отпиской")
	assert.True(t, m.IsSubscribed(streaming.ChunkID{X: -1, Z: -1}))

	retry, ok := s.PendingUnsubscribe(later)
	require.True(t, ok)
	assert.Equal(t, []string{"-1,-1"}, retry.Chunks)
}

func TestSessionLostRequestResent(t *testing.T) {
	m, s := newSessionManager(t)

	first, ok := s.PendingSubscribe(vec.Vec3Float{}, sessionT0)
	require.True(t, ok)

	// ответ не пришёл: до таймаута ждём, после него запрашиваем снова
	_, ok = s.PendingSubscribe(vec.Vec3Float{}, sessionT0.Add(DefaultRequestTimeout-time.Millisecond))
	assert.False(t, ok)
	retry, ok := s.PendingSubscribe(vec.Vec3Float{}, sessionT0.Add(DefaultRequestTimeout))
	require.True(t, ok)
	assert.Equal(t, first.Chunks, retry.Chunks)
	assert.Equal(t, uint64(4), s.Stats().RequestsTimedOut)
	assert.Equal(t, uint64(2), s.Stats().SubscribeRequests)

	require.NoError(t, s.HandleSubscribeAck(&SubscribeAck{Succeeded: retry.Chunks}))
	assert.True(t, m.IsSubscribed(origin))
	_, ok = s.PendingSubscribe(vec.Vec3Float{}, sessionT0.Add(time.Hour))
	assert.False(t, ok, "подтверждённые чанки больше не запрашиваются")

	// то же для отписки
	far := vec.Vec3Float{X: 2000}
	for i := 1; i <= 5; i++ {
		m.Update(streaming.FrameInput{Position: far, Now: sessionT0.Add(time.Duration(i) * time.Second)})
	}
	later := sessionT0.Add(10 * time.Second)
	unsub, ok := s.PendingUnsubscribe(later)
	require.True(t, ok)
	_, ok = s.PendingUnsubscribe(later.Add(time.Second))
	assert.False(t, ok)
	again, ok := s.PendingUnsubscribe(later.Add(DefaultRequestTimeout))
	require.True(t, ok)
	assert.Equal(t, unsub.Chunks, again.Chunks)
}

func TestSessionRetrackedChunkRequestedAgain(t *testing.T) {
	m, _ := newSessionManager(t)
	s := NewSession(m, WithSessionLogger(logging.Discard()), WithRequestTimeout(time.Minute))

	_, ok := s.PendingSubscribe(vec.Vec3Float{}, sessionT0)
	require.True(t, ok)

	// чанки выгружаются и возвращаются, пока запрос без ответа
	far := vec.Vec3Float{X: 2000}
	for i := 1; i <= 5; i++ {
		m.Update(streaming.FrameInput{Position: far, Now: sessionT0.Add(time.Duration(i) * time.Second)})
	}
	require.False(t, m.IsLoaded(origin))
	back := sessionT0.Add(6 * time.Second)
	m.Update(streaming.FrameInput{Now: back})
	require.True(t, m.IsLoaded(origin))

	req, ok := s.PendingSubscribe(vec.Vec3Float{}, back)
	require.True(t, ok, "повторно взятый на учёт чанк запрашивается без ожидания таймаута")
	assert.Subset(t, req.Chunks, []string{"-1,-1", "-1,0", "0,-1", "0,0"})
	assert.Zero(t, s.Stats().RequestsTimedOut)
}

func TestSessionSequences(t *testing.T) {
	m, s := newSessionManager(t)

	first := s.NextPositionUpdate(vec.Vec3Float{}, vec.Vec3Float{X: 1}, vec.Vec3Float{}, sessionT0)
	second := s.NextPositionUpdate(vec.Vec3Float{X: 1}, vec.Vec3Float{X: 1}, vec.Vec3Float{}, sessionT0.Add(time.Second))
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, sessionT0.UnixMilli(), first.ClientTime)
	require.NoError(t, second.Validate())

	require.NoError(t, m.AddEntity(origin, &streaming.Entity{ID: "crate", Persistence: streaming.PersistenceChunk}))
	require.NoError(t, m.AddEntity(origin, &streaming.Entity{ID: "spark", Persistence: streaming.PersistenceEphemeral}))
	m.DirtyEntities()

	pos := vec.Vec3Float{X: 5, Z: 5}
	_, ok := m.UpdateEntity("crate", streaming.EntityPatch{Position: &pos})
	require.True(t, ok)
	_, ok = m.UpdateEntity("spark", streaming.EntityPatch{Position: &pos})
	require.True(t, ok)

	updates := s.EntityUpdates()
	require.Len(t, updates, 1, "эфемерные сущности не отправляются")
	assert.Equal(t, "crate", updates[0].EntityID)
	assert.Equal(t, "0,0", updates[0].Chunk)
	assert.Equal(t, uint64(1), updates[0].Sequence)
	assert.Equal(t, pos, *updates[0].Patch.Position)
	require.NoError(t, updates[0].Validate())

	_, ok = m.UpdateEntity("crate", streaming.EntityPatch{Position: &pos})
	require.True(t, ok)
	assert.Equal(t, uint64(2), s.EntityUpdates()[0].Sequence)
	assert.Empty(t, s.EntityUpdates(), "флаги сброшены")
}

func TestSessionMarksImmediateEntityUpdates(t *testing.T) {
	m, s := newSessionManager(t)

	require.NoError(t, m.AddEntity(origin, &streaming.Entity{ID: "crate", Persistence: streaming.PersistenceChunk}))
	require.NoError(t, m.AddEntity(origin, &streaming.Entity{ID: "chest", Persistence: streaming.PersistenceImmediate}))
	pos := vec.Vec3Float{X: 3, Z: 3}
	for _, id := range []string{"crate", "chest"} {
		_, ok := m.UpdateEntity(id, streaming.EntityPatch{Position: &pos})
		require.True(t, ok)
	}

	byID := map[string]EntityUpdateRequest{}
	for _, u := range s.EntityUpdates() {
		byID[u.EntityID] = u
	}
	require.Len(t, byID, 2)
	assert.False(t, byID["crate"].Immediate)
	assert.True(t, byID["chest"].Immediate)
}

func TestApplyChunkData(t *testing.T) {
	m, s := newSessionManager(t)
	subscribeAll(t, s)

	require.NoError(t, m.AddEntity(origin, &streaming.Entity{ID: "stale", Persistence: streaming.PersistenceChunk}))
	require.NoError(t, m.AddEntity(origin, &streaming.Entity{ID: "fx", Persistence: streaming.PersistenceEphemeral}))

	data := &ChunkData{Chunk: "0,0", State: ServerChunkActive, Sequence: 3, Entities: []*streaming.Entity{
		{ID: "npc-1", Type: "npc", Position: vec.Vec3Float{X: 10, Z: 10}, Persistence: streaming.PersistenceChunk},
		{ID: "npc-2", Type: "npc", Position: vec.Vec3Float{X: 20, Z: 20}, Persistence: streaming.PersistenceChunk},
	}}
	applied, err := s.ApplyChunkData(data)
	require.NoError(t, err)
	assert.True(t, applied)

	_, _, ok := m.GetEntity("stale")
	assert.False(t, ok, "сущность, которой нет у сервера, удалена")
	_, _, ok = m.GetEntity("fx")
	assert.True(t, ok, "эфемерная сущность клиента сохраняется")
	assert.Len(t, m.EntitiesByType("npc"), 2)

	c, _ := m.GetChunk(origin)
	assert.Equal(t, sessionT0, c.LastServerSync)
	assert.Empty(t, m.DirtyEntities(), "серверное состояние не помечается изменённым")

	// повтор и устаревший номер отбрасываются
	data.Entities = nil
	applied, err = s.ApplyChunkData(data)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Len(t, m.EntitiesByType("npc"), 2)
	assert.Equal(t, uint64(1), s.Stats().StaleDropped)

	applied, err = s.ApplyChunkData(&ChunkData{Chunk: "9,9", State: ServerChunkActive})
	require.NoError(t, err)
	assert.False(t, applied, "чанк вне таблицы")

	_, err = s.ApplyChunkData(&ChunkData{Chunk: "0,0", State: "nope"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestApplyEntityDeltasIdempotent(t *testing.T) {
	m, s := newSessionManager(t)
	subscribeAll(t, s)

	pos := vec.Vec3Float{X: 12, Z: 3}
	goblin := &streaming.Entity{ID: "goblin", Type: "npc", Position: vec.Vec3Float{X: 5, Z: 5}}
	deltas := []EntityDelta{
		{Op: OpCreate, EntityID: "goblin", Entity: goblin},
		{Op: OpUpdate, EntityID: "goblin", Patch: &streaming.EntityPatch{Position: &pos}},
		{Op: OpDelete, EntityID: "ghost"},
	}

	for _, seq := range []uint64{0, 0} {
		_, err := s.ApplyEntityDeltas(&EntityDeltaBatch{Chunk: "0,0", Sequence: seq, Deltas: deltas})
		require.NoError(t, err)

		e, owner, ok := m.GetEntity("goblin")
		require.True(t, ok)
		assert.Equal(t, origin, owner)
		assert.Equal(t, pos, e.Position)
		assert.False(t, e.Dirty)
		assert.Equal(t, 1, m.EntityCount())
	}

	// передача в соседний чанк, затем повтор той же передачи
	handoff := EntityDelta{Op: OpHandoff, EntityID: "goblin", FromChunk: "0,0", ToChunk: "-1,0"}
	for i := 0; i < 2; i++ {
		_, err := s.ApplyEntityDeltas(&EntityDeltaBatch{Chunk: "0,0", Deltas: []EntityDelta{handoff}})
		require.NoError(t, err)
		owner, ok := m.EntityOwner("goblin")
		require.True(t, ok)
		assert.Equal(t, west, owner)
	}

	// передача в чанк вне окна убирает сущность
	handoff.FromChunk, handoff.ToChunk = "-1,0", "-5,0"
	_, err := s.ApplyEntityDeltas(&EntityDeltaBatch{Chunk: "-1,0", Deltas: []EntityDelta{handoff}})
	require.NoError(t, err)
	_, ok := m.EntityOwner("goblin")
	assert.False(t, ok)

	// удаление отсутствующей сущности ничего не меняет
	applied, err := s.ApplyEntityDeltas(&EntityDeltaBatch{Chunk: "0,0", Deltas: []EntityDelta{{Op: OpDelete, EntityID: "goblin"}}})
	require.NoError(t, err)
	assert.Zero(t, applied)
}

func TestApplyEntityDeltasOrdering(t *testing.T) {
	m, s := newSessionManager(t)

	create := EntityDeltaBatch{Chunk: "0,0", Sequence: 5, Deltas: []EntityDelta{
		{Op: OpCreate, EntityID: "a", Entity: &streaming.Entity{ID: "a"}},
	}}
	n, err := s.ApplyEntityDeltas(&create)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	late := EntityDeltaBatch{Chunk: "0,0", Sequence: 4, Deltas: []EntityDelta{{Op: OpDelete, EntityID: "a"}}}
	n, err = s.ApplyEntityDeltas(&late)
	require.NoError(t, err)
	assert.Zero(t, n, "устаревший пакет отброшен")
	_, ok := m.EntityOwner("a")
	assert.True(t, ok)

	// после отписки нумерация по чанку начинается заново
	s.confirmUnsubscribed(origin)
	n, err = s.ApplyEntityDeltas(&late)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandleServerMessages(t *testing.T) {
	m, s := newSessionManager(t)
	subscribeAll(t, s)
	ms := newTestSerializer(t, DefaultCompressThreshold)

	frames := []Message{
		&ChunkStateNotice{Chunk: "0,0", State: ServerChunkUnavailable, Reason: "maintenance"},
		&PlayerPresence{PlayerID: "p2", Chunk: "0,0", Joined: true},
		&ErrorMessage{Code: CodeNotSubscribed, Chunk: "-1,0", Message: "expired"},
	}
	for _, msg := range frames {
		frame, err := ms.SerializeMessage(msg)
		require.NoError(t, err)
		_, decoded, err := ms.Decode(frame)
		require.NoError(t, err)
		require.NoError(t, s.Handle(decoded))
	}

	assert.False(t, m.IsSubscribed(west), "NOT_SUBSCRIBED снимает подписку")
	assert.Contains(t, m.ChunksNeedingSubscription(), west)
	assert.Equal(t, uint64(1), s.Stats().Errors)

	assert.ErrorIs(t, s.Handle(&PositionUpdate{Sequence: 1, ClientTime: 1}), ErrUnknownMessage)
}

func TestSessionOutbound(t *testing.T) {
	_, s := newSessionManager(t)
	ms := newTestSerializer(t, DefaultCompressThreshold)

	out := s.Outbound(vec.Vec3Float{}, vec.Vec3Float{}, vec.Vec3Float{}, sessionT0)
	require.Len(t, out, 2)
	assert.Equal(t, TypeSubscribe, out[0].Type())
	assert.Equal(t, TypePositionUpdate, out[1].Type())
	for _, msg := range out {
		_, err := ms.SerializeMessage(msg)
		assert.NoError(t, err)
	}
}
