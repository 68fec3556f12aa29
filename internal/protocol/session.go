package protocol

import (
	"fmt"
	"time"

	"github.com/annel0/worldstream/internal/logging"
	"github.com/annel0/worldstream/internal/streaming"
	"github.com/annel0/worldstream/internal/vec"
)

// SessionStats счётчики клиентской сессии
type SessionStats struct {
	SubscribeRequests   uint64
	UnsubscribeRequests uint64
	RequestsTimedOut    uint64
	PositionUpdates     uint64
	EntityUpdates       uint64
	ChunkDataApplied    uint64
	DeltasApplied       uint64
	StaleDropped        uint64
	UntrackedDropped    uint64
	Errors              uint64
}

// DefaultRequestTimeout через сколько запрос без ответа отправляется заново
const DefaultRequestTimeout = 5 * time.Second

// Session клиентская сторона протокола синхронизации поверх менеджера чанков.
// Как и менеджер, вызывается только из потока кадров.
type Session struct {
	mgr *streaming.Manager
	log *logging.Logger

	positionSeq uint64
	entitySeq   uint64

	// последняя принятая серверная последовательность по чанку
	chunkSeq map[streaming.ChunkID]uint64

	// время отправки запросов, ожидающих ответа
	subscribing    map[streaming.ChunkID]time.Time
	unsubscribing  map[streaming.ChunkID]time.Time
	requestTimeout time.Duration

	stats SessionStats
}

// SessionOption настраивает сессию
type SessionOption func(*Session)

// WithSessionLogger задаёт логгер сессии
func WithSessionLogger(l *logging.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

// WithRequestTimeout задаёт время ожидания ответа на подписку и отписку
func WithRequestTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// NewSession создает сессию для менеджера
func NewSession(mgr *streaming.Manager, opts ...SessionOption) *Session {
	s := &Session{
		mgr:            mgr,
		log:            logging.GetNetworkLogger(),
		chunkSeq:       make(map[streaming.ChunkID]uint64),
		subscribing:    make(map[streaming.ChunkID]time.Time),
		unsubscribing:  make(map[streaming.ChunkID]time.Time),
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stats возвращает копию счётчиков
func (s *Session) Stats() SessionStats {
	return s.stats
}

// PendingSubscribe собирает запрос подписки на чанки, которые ещё не запрошены
// или остались без ответа дольше таймаута. Возвращает false, если запрашивать нечего.
func (s *Session) PendingSubscribe(position vec.Vec3Float, now time.Time) (*SubscribeRequest, bool) {
	needed := s.mgr.ChunksNeedingSubscription()
	s.forgetResolved(s.subscribing, needed)

	var ids []streaming.ChunkID
	for _, id := range needed {
		if s.retracked(id) {
			delete(s.subscribing, id)
		}
		if s.waiting(s.subscribing, id, now) {
			continue
		}
		ids = append(ids, id)
		if len(ids) == MaxChunksPerRequest {
			break
		}
	}
	if len(ids) == 0 {
		return nil, false
	}

	req := &SubscribeRequest{
		Chunks:   FormatChunkIDs(ids),
		Position: position,
		LOD:      make(map[string]int, len(ids)),
	}
	for _, id := range ids {
		s.subscribing[id] = now
		if c, ok := s.mgr.GetChunk(id); ok {
			req.LOD[id.String()] = c.LOD
		}
	}
	s.stats.SubscribeRequests++
	return req, true
}

// PendingUnsubscribe собирает запрос отписки от выгруженных чанков
func (s *Session) PendingUnsubscribe(now time.Time) (*UnsubscribeRequest, bool) {
	needed := s.mgr.ChunksNeedingUnsubscription()
	s.forgetResolved(s.unsubscribing, needed)

	var ids []streaming.ChunkID
	for _, id := range needed {
		if s.waiting(s.unsubscribing, id, now) {
			continue
		}
		ids = append(ids, id)
		if len(ids) == MaxChunksPerRequest {
			break
		}
	}
	if len(ids) == 0 {
		return nil, false
	}
	for _, id := range ids {
		s.unsubscribing[id] = now
	}
	s.stats.UnsubscribeRequests++
	return &UnsubscribeRequest{Chunks: FormatChunkIDs(ids)}, true
}

// waiting сообщает, ждёт ли чанк ответа на уже отправленный запрос
func (s *Session) waiting(pending map[streaming.ChunkID]time.Time, id streaming.ChunkID, now time.Time) bool {
	sent, ok := pending[id]
	if !ok {
		return false
	}
	if now.Sub(sent) < s.requestTimeout {
		return true
	}
	s.stats.RequestsTimedOut++
	s.log.Debug("Нет ответа по чанку %s за %v, запрос повторяется", id, s.requestTimeout)
	return false
}

// retracked сообщает, что чанк выгрузили и снова взяли на учёт после отправки запроса
func (s *Session) retracked(id streaming.ChunkID) bool {
	sent, ok := s.subscribing[id]
	if !ok {
		return false
	}
	c, tracked := s.mgr.GetChunk(id)
	return tracked && c.TrackedAt.After(sent)
}

// forgetResolved убирает ожидания чанков, которым запрос больше не нужен
func (s *Session) forgetResolved(pending map[streaming.ChunkID]time.Time, needed []streaming.ChunkID) {
	if len(pending) == 0 {
		return
	}
	still := make(map[streaming.ChunkID]struct{}, len(needed))
	for _, id := range needed {
		still[id] = struct{}{}
	}
	for id := range pending {
		if _, ok := still[id]; !ok {
			delete(pending, id)
		}
	}
}

// NextPositionUpdate строит обновление позиции со следующим номером
func (s *Session) NextPositionUpdate(position, velocity, rotation vec.Vec3Float, clientTime time.Time) PositionUpdate {
	s.positionSeq++
	s.stats.PositionUpdates++
	return PositionUpdate{
		Position:   position,
		Velocity:   velocity,
		Rotation:   rotation,
		ClientTime: clientTime.UnixMilli(),
		Sequence:   s.positionSeq,
	}
}

// EntityUpdates превращает изменённые локально сущности в запросы обновления.
// Эфемерные сущности на сервер не отправляются.
func (s *Session) EntityUpdates() []EntityUpdateRequest {
	dirty := s.mgr.DirtyEntities()
	out := make([]EntityUpdateRequest, 0, len(dirty))
	for _, d := range dirty {
		e := d.Entity
		if e.Persistence == streaming.PersistenceEphemeral {
			continue
		}
		pos, rot, scale := e.Position, e.Rotation, e.Scale
		asset, typ := e.AssetRef, e.Type
		s.entitySeq++
		out = append(out, EntityUpdateRequest{
			Sequence:  s.entitySeq,
			Chunk:     d.ChunkID.String(),
			EntityID:  e.ID,
			Immediate: e.Persistence == streaming.PersistenceImmediate,
			Patch: streaming.EntityPatch{
				AssetRef: &asset,
				Position: &pos,
				Rotation: &rot,
				Scale:    &scale,
				Type:     &typ,
				Metadata: e.Metadata,
			},
		})
	}
	s.stats.EntityUpdates += uint64(len(out))
	return out
}

// HandleSubscribeAck применяет ответ на подписку. Неудавшиеся чанки остаются
// в очереди и будут запрошены снова.
func (s *Session) HandleSubscribeAck(ack *SubscribeAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	ids, _ := ParseChunkIDs("succeeded", ack.Succeeded)
	for _, id := range ids {
		delete(s.subscribing, id)
		s.mgr.MarkSubscribed(id)
	}
	for _, f := range ack.Failed {
		id, _ := streaming.ParseChunkID(f.Chunk)
		delete(s.subscribing, id)
		s.log.Warn("Подписка на чанк %s отклонена: %s", id, f.Reason)
	}
	return nil
}

// HandleUnsubscribeAck применяет ответ на отписку. NOT_SUBSCRIBED считается успехом.
func (s *Session) HandleUnsubscribeAck(ack *UnsubscribeAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	ids, _ := ParseChunkIDs("succeeded", ack.Succeeded)
	for _, id := range ids {
		s.confirmUnsubscribed(id)
	}
	for _, f := range ack.Failed {
		id, _ := streaming.ParseChunkID(f.Chunk)
		if f.Reason == CodeNotSubscribed {
			s.confirmUnsubscribed(id)
			continue
		}
		delete(s.unsubscribing, id)
		s.log.Warn("Отписка от чанка %s не удалась: %s", id, f.Reason)
	}
	return nil
}

func (s *Session) confirmUnsubscribed(id streaming.ChunkID) {
	delete(s.unsubscribing, id)
	delete(s.chunkSeq, id)
	s.mgr.MarkUnsubscribed(id)
}

// accept проверяет, что сообщение по чанку можно применять, и фиксирует номер.
// Нулевой номер означает отсутствие упорядочивания.
func (s *Session) accept(id streaming.ChunkID, seq uint64) bool {
	if _, tracked := s.mgr.GetChunk(id); !tracked {
		s.stats.UntrackedDropped++
		s.log.Debug("Данные для неотслеживаемого чанка %s отброшены", id)
		return false
	}
	if seq == 0 {
		return true
	}
	if last, ok := s.chunkSeq[id]; ok && seq <= last {
		s.stats.StaleDropped++
		s.log.Debug("Устаревшие данные чанка %s: %d <= %d", id, seq, last)
		return false
	}
	s.chunkSeq[id] = seq
	return true
}

// ApplyChunkData записывает полное серверное состояние чанка.
// Локальные неэфемерные сущности, которых нет в снимке, удаляются.
func (s *Session) ApplyChunkData(msg *ChunkData) (bool, error) {
	if err := msg.Validate(); err != nil {
		return false, err
	}
	id, _ := streaming.ParseChunkID(msg.Chunk)
	if !s.accept(id, msg.Sequence) {
		return false, nil
	}

	present := make(map[string]struct{}, len(msg.Entities))
	for _, e := range msg.Entities {
		present[e.ID] = struct{}{}
		if err := s.mgr.UpsertEntity(id, e); err != nil {
			return false, fmt.Errorf("apply chunk data %s: %w", id, err)
		}
	}

	c, _ := s.mgr.GetChunk(id)
	var stale []string
	for _, e := range c.Entities {
		if _, ok := present[e.ID]; ok || e.Persistence == streaming.PersistenceEphemeral {
			continue
		}
		stale = append(stale, e.ID)
	}
	for _, entityID := range stale {
		s.mgr.RemoveEntity(id, entityID)
	}

	s.mgr.MarkServerSync(id)
	s.stats.ChunkDataApplied++
	if msg.State == ServerChunkUnavailable {
		s.log.Warn("Сервер сообщил о недоступности чанка %s", id)
	}
	return true, nil
}

// ApplyEntityDeltas применяет пакет изменений. Повторное применение того же
// пакета ничего не меняет: create существующей сущности становится записью поверх,
// update и delete отсутствующей пропускаются, handoff на текущий чанк ничего не делает.
func (s *Session) ApplyEntityDeltas(batch *EntityDeltaBatch) (int, error) {
	if err := batch.Validate(); err != nil {
		return 0, err
	}
	id, _ := streaming.ParseChunkID(batch.Chunk)
	if !s.accept(id, batch.Sequence) {
		return 0, nil
	}

	applied := 0
	for _, d := range batch.Deltas {
		ok, err := s.applyDelta(id, d)
		if err != nil {
			return applied, fmt.Errorf("apply %s %s: %w", d.Op, d.EntityID, err)
		}
		if ok {
			applied++
		}
	}
	s.mgr.MarkServerSync(id)
	s.stats.DeltasApplied += uint64(applied)
	return applied, nil
}

func (s *Session) applyDelta(chunk streaming.ChunkID, d EntityDelta) (bool, error) {
	switch d.Op {
	case OpCreate:
		return true, s.mgr.UpsertEntity(chunk, d.Entity)

	case OpUpdate:
		e, ok := s.mgr.UpdateEntity(d.EntityID, *d.Patch)
		if !ok {
			s.log.Debug("update: сущность %s не найдена", d.EntityID)
			return false, nil
		}
		// серверное изменение не возвращается на сервер
		e.Dirty = false
		return true, nil

	case OpDelete:
		owner, ok := s.mgr.EntityOwner(d.EntityID)
		if !ok {
			return false, nil
		}
		_, removed := s.mgr.RemoveEntity(owner, d.EntityID)
		return removed, nil

	case OpHandoff:
		to, _ := streaming.ParseChunkID(d.ToChunk)
		owner, owned := s.mgr.EntityOwner(d.EntityID)
		if _, tracked := s.mgr.GetChunk(to); !tracked {
			// сущность ушла за пределы окна загрузки
			if owned {
				_, removed := s.mgr.RemoveEntity(owner, d.EntityID)
				return removed, nil
			}
			return false, nil
		}
		switch {
		case owned && owner == to:
			if d.Entity != nil {
				return true, s.mgr.UpsertEntity(to, d.Entity)
			}
			return false, nil
		case owned:
			if !s.mgr.HandoffEntity(d.EntityID, owner, to) {
				return false, fmt.Errorf("handoff from %s to %s refused", owner, to)
			}
			if d.Entity != nil {
				return true, s.mgr.UpsertEntity(to, d.Entity)
			}
			return true, nil
		case d.Entity != nil:
			return true, s.mgr.UpsertEntity(to, d.Entity)
		}
		return false, nil
	}
	return false, fmt.Errorf("%w: op %q", ErrUnknownMessage, d.Op)
}

// HandleChunkState реагирует на смену состояния чанка на сервере
func (s *Session) HandleChunkState(msg *ChunkStateNotice) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	id, _ := streaming.ParseChunkID(msg.Chunk)
	switch msg.State {
	case ServerChunkUnavailable:
		s.log.Warn("Чанк %s недоступен на сервере: %s", id, msg.Reason)
		delete(s.chunkSeq, id)
	default:
		s.log.Debug("Чанк %s на сервере: %s", id, msg.State)
	}
	return nil
}

// HandleError обрабатывает ошибку сервера. NOT_SUBSCRIBED по чанку снимает
// локальную отметку подписки, чтобы чанк был запрошен снова.
func (s *Session) HandleError(msg *ErrorMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	s.stats.Errors++
	s.log.Warn("Ошибка сервера: %s", msg.Error())

	if msg.Code == CodeNotSubscribed && msg.Chunk != "" {
		id, _ := streaming.ParseChunkID(msg.Chunk)
		if s.mgr.IsSubscribed(id) {
			s.confirmUnsubscribed(id)
		}
	}
	return nil
}

// Handle применяет входящее сообщение сервера
func (s *Session) Handle(msg Message) error {
	switch m := msg.(type) {
	case *SubscribeAck:
		return s.HandleSubscribeAck(m)
	case *UnsubscribeAck:
		return s.HandleUnsubscribeAck(m)
	case *ChunkData:
		_, err := s.ApplyChunkData(m)
		return err
	case *EntityDeltaBatch:
		_, err := s.ApplyEntityDeltas(m)
		return err
	case *ChunkStateNotice:
		return s.HandleChunkState(m)
	case *ErrorMessage:
		return s.HandleError(m)
	case *PlayerPresence:
		s.log.Trace("Игрок %s в чанке %s (joined=%v)", m.PlayerID, m.Chunk, m.Joined)
		return m.Validate()
	}
	return fmt.Errorf("%w: %s is not a server message", ErrUnknownMessage, msg.Type())
}

// Outbound собирает все исходящие сообщения кадра
func (s *Session) Outbound(position, velocity, rotation vec.Vec3Float, now time.Time) []Message {
	var out []Message
	if req, ok := s.PendingUnsubscribe(now); ok {
		out = append(out, req)
	}
	if req, ok := s.PendingSubscribe(position, now); ok {
		out = append(out, req)
	}
	update := s.NextPositionUpdate(position, velocity, rotation, now)
	out = append(out, &update)
	updates := s.EntityUpdates()
	for i := range updates {
		out = append(out, &updates[i])
	}
	return out
}
