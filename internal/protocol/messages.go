package protocol

import (
	"errors"
	"fmt"

	"github.com/annel0/worldstream/internal/streaming"
	"github.com/annel0/worldstream/internal/vec"
)

// MessageType тип сообщения в конверте
type MessageType string

// Клиент → сервер
const (
	TypeSubscribe      MessageType = "subscribe"
	TypeUnsubscribe    MessageType = "unsubscribe"
	TypePositionUpdate MessageType = "position_update"
	TypeEntityInteract MessageType = "entity_interact"
	TypeEntityUpdate   MessageType = "entity_update"
)

// Сервер → клиент
const (
	TypeChunkData      MessageType = "chunk_data"
	TypeEntityDelta    MessageType = "entity_delta"
	TypePlayerPresence MessageType = "player_presence"
	TypeSubscribeAck   MessageType = "subscribe_ack"
	TypeUnsubscribeAck MessageType = "unsubscribe_ack"
	TypeChunkState     MessageType = "chunk_state"
	TypeError          MessageType = "error"
)

// MaxChunksPerRequest ограничение размера списка в одном запросе подписки
const MaxChunksPerRequest = 256

// Message общий интерфейс всех сообщений
type Message interface {
	Type() MessageType
	Validate() error
}

// ---- клиент → сервер ----

// SubscribeRequest запрос подписки на чанки
type SubscribeRequest struct {
	Chunks   []string       `json:"chunks"`
	Position vec.Vec3Float  `json:"position"`
	LOD      map[string]int `json:"lod,omitempty"` // необязательный уровень детализации по чанку
}

func (SubscribeRequest) Type() MessageType { return TypeSubscribe }

func (m SubscribeRequest) Validate() error {
	if err := validateChunkList("chunks", m.Chunks); err != nil {
		return err
	}
	if !m.Position.IsFinite() {
		return invalid(CodeInternal, "position", "not finite")
	}
	for chunk, lod := range m.LOD {
		if !IsValidChunkID(chunk) {
			return invalid(CodeInvalidChunk, "lod", "malformed chunk id %q", chunk)
		}
		if lod < 0 {
			return invalid(CodeInvalidChunk, "lod", "negative level for %s", chunk)
		}
	}
	return nil
}

// UnsubscribeRequest запрос отписки
type UnsubscribeRequest struct {
	Chunks []string `json:"chunks"`
}

func (UnsubscribeRequest) Type() MessageType { return TypeUnsubscribe }

func (m UnsubscribeRequest) Validate() error {
	return validateChunkList("chunks", m.Chunks)
}

// PositionUpdate непрерывное обновление положения наблюдателя
type PositionUpdate struct {
	Position   vec.Vec3Float `json:"position"`
	Velocity   vec.Vec3Float `json:"velocity"`
	Rotation   vec.Vec3Float `json:"rotation"`
	ClientTime int64         `json:"client_time"` // unix ms, для измерения задержки
	Sequence   uint64        `json:"sequence"`
}

func (PositionUpdate) Type() MessageType { return TypePositionUpdate }

func (m PositionUpdate) Validate() error {
	if m.Sequence == 0 {
		return invalid(CodeSequenceOutOfOrder, "sequence", "must start at 1")
	}
	if m.ClientTime <= 0 {
		return invalid(CodeInternal, "client_time", "must be positive")
	}
	if !m.Position.IsFinite() || !m.Velocity.IsFinite() || !m.Rotation.IsFinite() {
		return invalid(CodeInternal, "position", "not finite")
	}
	return nil
}

// EntityInteractRequest запрос взаимодействия с сущностью
type EntityInteractRequest struct {
	EntityID string                 `json:"entity_id"`
	Chunk    string                 `json:"chunk"`
	Action   string                 `json:"action"`
	Params   map[string]interface{} `json:"params,omitempty"`
}

func (EntityInteractRequest) Type() MessageType { return TypeEntityInteract }

func (m EntityInteractRequest) Validate() error {
	if m.EntityID == "" {
		return invalid(CodeEntityNotFound, "entity_id", "empty")
	}
	if !IsValidChunkID(m.Chunk) {
		return invalid(CodeInvalidChunk, "chunk", "malformed chunk id %q", m.Chunk)
	}
	if m.Action == "" {
		return invalid(CodeInternal, "action", "empty")
	}
	return nil
}

// EntityUpdateRequest клиентское изменение сущности
type EntityUpdateRequest struct {
	Sequence  uint64                `json:"sequence"`
	Chunk     string                `json:"chunk"`
	EntityID  string                `json:"entity_id"`
	Patch     streaming.EntityPatch `json:"patch"`
	Immediate bool                  `json:"immediate,omitempty"` // сохранять сразу, а не вместе с чанком
}

func (EntityUpdateRequest) Type() MessageType { return TypeEntityUpdate }

func (m EntityUpdateRequest) Validate() error {
	if m.Sequence == 0 {
		return invalid(CodeSequenceOutOfOrder, "sequence", "must start at 1")
	}
	if !IsValidChunkID(m.Chunk) {
		return invalid(CodeInvalidChunk, "chunk", "malformed chunk id %q", m.Chunk)
	}
	if m.EntityID == "" {
		return invalid(CodeEntityNotFound, "entity_id", "empty")
	}
	if m.Patch.IsEmpty() {
		return invalid(CodeInternal, "patch", "empty")
	}
	return validatePatch("patch", m.Patch)
}

// ---- сервер → клиент ----

// ServerChunkState состояние чанка на сервере
type ServerChunkState string

const (
	ServerChunkLoading     ServerChunkState = "loading"
	ServerChunkActive      ServerChunkState = "active"
	ServerChunkHibernating ServerChunkState = "hibernating"
	ServerChunkUnavailable ServerChunkState = "unavailable"
)

func (s ServerChunkState) IsValid() bool {
	switch s {
	case ServerChunkLoading, ServerChunkActive, ServerChunkHibernating, ServerChunkUnavailable:
		return true
	}
	return false
}

// ChunkData полное содержимое чанка
type ChunkData struct {
	Chunk    string              `json:"chunk"`
	Entities []*streaming.Entity `json:"entities"`
	State    ServerChunkState    `json:"state"`
	Sequence uint64              `json:"sequence"`
}

func (ChunkData) Type() MessageType { return TypeChunkData }

func (m ChunkData) Validate() error {
	if !IsValidChunkID(m.Chunk) {
		return invalid(CodeInvalidChunk, "chunk", "malformed chunk id %q", m.Chunk)
	}
	if !m.State.IsValid() {
		return invalid(CodeInternal, "state", "unknown state %q", m.State)
	}
	seen := make(map[string]struct{}, len(m.Entities))
	for i, e := range m.Entities {
		field := fmt.Sprintf("entities[%d]", i)
		if err := validateEntity(field, e); err != nil {
			return err
		}
		if _, dup := seen[e.ID]; dup {
			return invalid(CodeInternal, field, "duplicate entity %s", e.ID)
		}
		seen[e.ID] = struct{}{}
	}
	return nil
}

// DeltaOp вид изменения сущности
type DeltaOp string

const (
	OpCreate  DeltaOp = "create"
	OpUpdate  DeltaOp = "update"
	OpDelete  DeltaOp = "delete"
	OpHandoff DeltaOp = "handoff"
)

// EntityDelta одно изменение. Несёт достаточно данных для идемпотентного применения.
type EntityDelta struct {
	Op        DeltaOp                `json:"op"`
	EntityID  string                 `json:"entity_id"`
	Entity    *streaming.Entity      `json:"entity,omitempty"` // create, handoff
	Patch     *streaming.EntityPatch `json:"patch,omitempty"`  // update
	FromChunk string                 `json:"from_chunk,omitempty"`
	ToChunk   string                 `json:"to_chunk,omitempty"`
}

// Validate проверяет изменение
func (d EntityDelta) Validate() error {
	if d.EntityID == "" {
		return invalid(CodeEntityNotFound, "entity_id", "empty")
	}
	switch d.Op {
	case OpCreate:
		if d.Entity == nil || d.Entity.ID != d.EntityID {
			return invalid(CodeInternal, "entity", "create requires entity with id %s", d.EntityID)
		}
		return validateEntity("entity", d.Entity)
	case OpUpdate:
		if d.Patch == nil || d.Patch.IsEmpty() {
			return invalid(CodeInternal, "patch", "update requires a patch")
		}
		return validatePatch("patch", *d.Patch)
	case OpDelete:
		return nil
	case OpHandoff:
		if !IsValidChunkID(d.FromChunk) {
			return invalid(CodeInvalidChunk, "from_chunk", "malformed chunk id %q", d.FromChunk)
		}
		if !IsValidChunkID(d.ToChunk) {
			return invalid(CodeInvalidChunk, "to_chunk", "malformed chunk id %q", d.ToChunk)
		}
		if d.FromChunk == d.ToChunk {
			return invalid(CodeInvalidChunk, "to_chunk", "handoff to the same chunk")
		}
		if d.Entity != nil {
			if d.Entity.ID != d.EntityID {
				return invalid(CodeInternal, "entity", "id mismatch")
			}
			return validateEntity("entity", d.Entity)
		}
		return nil
	default:
		return invalid(CodeInternal, "op", "unknown op %q", d.Op)
	}
}

// EntityDeltaBatch пакет изменений сущностей одного чанка
type EntityDeltaBatch struct {
	Chunk    string        `json:"chunk"`
	Sequence uint64        `json:"sequence"`
	Deltas   []EntityDelta `json:"deltas"`
}

func (EntityDeltaBatch) Type() MessageType { return TypeEntityDelta }

func (m EntityDeltaBatch) Validate() error {
	if !IsValidChunkID(m.Chunk) {
		return invalid(CodeInvalidChunk, "chunk", "malformed chunk id %q", m.Chunk)
	}
	for i, d := range m.Deltas {
		if err := d.Validate(); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				verr.Field = fmt.Sprintf("deltas[%d].%s", i, verr.Field)
			}
			return err
		}
	}
	return nil
}

// PlayerPresence появление или уход другого игрока
type PlayerPresence struct {
	PlayerID string        `json:"player_id"`
	Chunk    string        `json:"chunk"`
	Position vec.Vec3Float `json:"position"`
	Joined   bool          `json:"joined"`
}

func (PlayerPresence) Type() MessageType { return TypePlayerPresence }

func (m PlayerPresence) Validate() error {
	if m.PlayerID == "" {
		return invalid(CodeInternal, "player_id", "empty")
	}
	if !IsValidChunkID(m.Chunk) {
		return invalid(CodeInvalidChunk, "chunk", "malformed chunk id %q", m.Chunk)
	}
	if !m.Position.IsFinite() {
		return invalid(CodeInternal, "position", "not finite")
	}
	return nil
}

// FailedChunk чанк, операция над которым не удалась
type FailedChunk struct {
	Chunk  string    `json:"chunk"`
	Reason ErrorCode `json:"reason"`
}

// SubscribeAck ответ на подписку
type SubscribeAck struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []FailedChunk `json:"failed,omitempty"`
}

func (SubscribeAck) Type() MessageType { return TypeSubscribeAck }

func (m SubscribeAck) Validate() error {
	return validateAck(m.Succeeded, m.Failed)
}

// UnsubscribeAck ответ на отписку
type UnsubscribeAck struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []FailedChunk `json:"failed,omitempty"`
}

func (UnsubscribeAck) Type() MessageType { return TypeUnsubscribeAck }

func (m UnsubscribeAck) Validate() error {
	return validateAck(m.Succeeded, m.Failed)
}

// ChunkStateNotice уведомление о смене состояния чанка на сервере
type ChunkStateNotice struct {
	Chunk  string           `json:"chunk"`
	State  ServerChunkState `json:"state"`
	Reason string           `json:"reason,omitempty"`
}

func (ChunkStateNotice) Type() MessageType { return TypeChunkState }

func (m ChunkStateNotice) Validate() error {
	if !IsValidChunkID(m.Chunk) {
		return invalid(CodeInvalidChunk, "chunk", "malformed chunk id %q", m.Chunk)
	}
	if !m.State.IsValid() {
		return invalid(CodeInternal, "state", "unknown state %q", m.State)
	}
	return nil
}

// ErrorMessage структурированная ошибка
type ErrorMessage struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Chunk   string    `json:"chunk,omitempty"`
}

func (ErrorMessage) Type() MessageType { return TypeError }

func (m ErrorMessage) Validate() error {
	if !m.Code.IsValid() {
		return invalid(CodeInternal, "code", "unknown error code %q", m.Code)
	}
	if m.Chunk != "" && !IsValidChunkID(m.Chunk) {
		return invalid(CodeInvalidChunk, "chunk", "malformed chunk id %q", m.Chunk)
	}
	return nil
}

func (m ErrorMessage) Error() string {
	if m.Chunk != "" {
		return fmt.Sprintf("%s (%s): %s", m.Code, m.Chunk, m.Message)
	}
	return fmt.Sprintf("%s: %s", m.Code, m.Message)
}

// ---- общие проверки ----

func validateChunkList(field string, chunks []string) error {
	if len(chunks) == 0 {
		return invalid(CodeInvalidChunk, field, "empty")
	}
	if len(chunks) > MaxChunksPerRequest {
		return invalid(CodeRateLimited, field, "%d chunks exceed limit %d", len(chunks), MaxChunksPerRequest)
	}
	_, err := ParseChunkIDs(field, chunks)
	return err
}

func validateAck(succeeded []string, failed []FailedChunk) error {
	if _, err := ParseChunkIDs("succeeded", succeeded); err != nil {
		return err
	}
	for i, f := range failed {
		field := fmt.Sprintf("failed[%d]", i)
		if !IsValidChunkID(f.Chunk) {
			return invalid(CodeInvalidChunk, field, "malformed chunk id %q", f.Chunk)
		}
		if !f.Reason.IsValid() {
			return invalid(CodeInternal, field, "unknown reason %q", f.Reason)
		}
	}
	return nil
}

func validateEntity(field string, e *streaming.Entity) error {
	if e == nil {
		return invalid(CodeInternal, field, "nil entity")
	}
	if e.ID == "" {
		return invalid(CodeEntityNotFound, field+".id", "empty")
	}
	if !e.Position.IsFinite() || !e.Rotation.IsFinite() || !e.Scale.IsFinite() {
		return invalid(CodeInternal, field+".position", "not finite")
	}
	return nil
}

func validatePatch(field string, p streaming.EntityPatch) error {
	for _, v := range []*vec.Vec3Float{p.Position, p.Rotation, p.Scale} {
		if v != nil && !v.IsFinite() {
			return invalid(CodeInternal, field, "not finite")
		}
	}
	return nil
}
