package streaming

import (
	"fmt"
	"time"

	"github.com/annel0/worldstream/internal/vec"
)

// ChunkState состояние жизненного цикла чанка
type ChunkState uint8

const (
	StateUnloaded ChunkState = iota
	StateLoading
	StateActive
	StateHibernating
	StateUnloading
)

var stateNames = map[ChunkState]string{
	StateUnloaded:    "unloaded",
	StateLoading:     "loading",
	StateActive:      "active",
	StateHibernating: "hibernating",
	StateUnloading:   "unloading",
}

// String возвращает имя состояния
func (s ChunkState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText кодирует состояние строкой
func (s ChunkState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText разбирает состояние из строки
func (s *ChunkState) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("streaming: unknown chunk state %q", string(text))
}

// PersistenceTier определяет, как и когда сохраняется состояние сущности
type PersistenceTier uint8

const (
	PersistenceEphemeral PersistenceTier = iota // не сохраняется
	PersistenceChunk                            // сохраняется вместе с чанком
	PersistenceImmediate                        // сохраняется сразу при изменении
)

var tierNames = map[PersistenceTier]string{
	PersistenceEphemeral: "ephemeral",
	PersistenceChunk:     "chunk",
	PersistenceImmediate: "immediate",
}

func (p PersistenceTier) String() string {
	if name, ok := tierNames[p]; ok {
		return name
	}
	return "unknown"
}

func (p PersistenceTier) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *PersistenceTier) UnmarshalText(text []byte) error {
	for tier, name := range tierNames {
		if name == string(text) {
			*p = tier
			return nil
		}
	}
	return fmt.Errorf("streaming: unknown persistence tier %q", string(text))
}

// ChunkPriority разложение приоритета загрузки. Чем меньше Final, тем раньше загрузка.
type ChunkPriority struct {
	Distance          float64 `json:"distance"`
	VisibilityPenalty float64 `json:"visibility_penalty"`
	VelocityBonus     float64 `json:"velocity_bonus"`
	RetryPenalty      float64 `json:"retry_penalty"`
	Final             float64 `json:"final"`
}

// Terrain геометрия чанка. После установки принадлежит чанку.
type Terrain struct {
	Resolution int       // точек на сторону карты высот
	Heightmap  []float32 // Resolution*Resolution значений
	Vertices   []float32 // xyz тройки
	Normals    []float32 // xyz тройки
	Indices    []uint32
}

// SizeBytes оценивает объём буферов в байтах
func (t *Terrain) SizeBytes() int64 {
	if t == nil {
		return 0
	}
	return int64(len(t.Heightmap)+len(t.Vertices)+len(t.Normals))*4 + int64(len(t.Indices))*4
}

// Entity динамический объект, принадлежащий ровно одному чанку
type Entity struct {
	ID          string                 `json:"id"`
	AssetRef    string                 `json:"asset_ref"`
	Position    vec.Vec3Float          `json:"position"`
	Rotation    vec.Vec3Float          `json:"rotation"`
	Scale       vec.Vec3Float          `json:"scale"`
	Persistence PersistenceTier        `json:"persistence"`
	Respawnable bool                   `json:"respawnable"`
	Type        string                 `json:"type"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Dirty       bool                   `json:"-"`
}

// Clone возвращает копию сущности (метаданные копируются поверхностно)
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// EntityPatch частичное обновление сущности; nil поля не меняются,
// Metadata сливается с существующей (значение nil удаляет ключ).
type EntityPatch struct {
	AssetRef *string                `json:"asset_ref,omitempty"`
	Position *vec.Vec3Float         `json:"position,omitempty"`
	Rotation *vec.Vec3Float         `json:"rotation,omitempty"`
	Scale    *vec.Vec3Float         `json:"scale,omitempty"`
	Type     *string                `json:"type,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// IsEmpty сообщает, что патч ничего не меняет
func (p EntityPatch) IsEmpty() bool {
	return p.AssetRef == nil && p.Position == nil && p.Rotation == nil &&
		p.Scale == nil && p.Type == nil && len(p.Metadata) == 0
}

// Apply применяет патч к сущности
func (p EntityPatch) Apply(e *Entity) {
	if p.AssetRef != nil {
		e.AssetRef = *p.AssetRef
	}
	if p.Position != nil {
		e.Position = *p.Position
	}
	if p.Rotation != nil {
		e.Rotation = *p.Rotation
	}
	if p.Scale != nil {
		e.Scale = *p.Scale
	}
	if p.Type != nil {
		e.Type = *p.Type
	}
	if len(p.Metadata) > 0 {
		if e.Metadata == nil {
			e.Metadata = make(map[string]interface{}, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			if v == nil {
				delete(e.Metadata, k)
				continue
			}
			e.Metadata[k] = v
		}
	}
}

// Chunk запись об одной ячейке сетки. Менеджер хранит не более одного
// экземпляра на идентификатор; вне менеджера структуру не изменять.
type Chunk struct {
	ID       ChunkID
	State    ChunkState
	LOD      int
	Distance float64
	Priority ChunkPriority
	Visible  bool

	Terrain          *Terrain
	Entities         []*Entity
	SpawnedEntityIDs map[string]struct{}

	LastAccessFrame uint64
	HibernatedAt    time.Time // ноль, если чанк не спит
	LoadRetries     int
	Dirty           bool
	LastServerSync  time.Time
	TrackedAt       time.Time // момент постановки на учёт

	beyondHibernateSince time.Time // начало непрерывного пребывания за радиусом спячки
}

func newChunk(id ChunkID) *Chunk {
	return &Chunk{
		ID:               id,
		State:            StateLoading,
		SpawnedEntityIDs: make(map[string]struct{}),
		Visible:          true,
	}
}

// IsSpawned проверяет, размещена ли сущность в живой сцене
func (c *Chunk) IsSpawned(entityID string) bool {
	_, ok := c.SpawnedEntityIDs[entityID]
	return ok
}

// Entity возвращает сущность чанка по идентификатору
func (c *Chunk) Entity(entityID string) (*Entity, bool) {
	if i := c.entityIndex(entityID); i >= 0 {
		return c.Entities[i], true
	}
	return nil, false
}

func (c *Chunk) entityIndex(entityID string) int {
	for i, e := range c.Entities {
		if e.ID == entityID {
			return i
		}
	}
	return -1
}

// ChunkSnapshot копия состояния чанка без буферов геометрии
type ChunkSnapshot struct {
	ID             ChunkID       `json:"id"`
	State          ChunkState    `json:"state"`
	LOD            int           `json:"lod"`
	Distance       float64       `json:"distance"`
	Priority       ChunkPriority `json:"priority"`
	Visible        bool          `json:"visible"`
	HasTerrain     bool          `json:"has_terrain"`
	EntityCount    int           `json:"entity_count"`
	SpawnedCount   int           `json:"spawned_count"`
	LoadRetries    int           `json:"load_retries"`
	Dirty          bool          `json:"dirty"`
	HibernatedAt   time.Time     `json:"hibernated_at,omitempty"`
	LastServerSync time.Time     `json:"last_server_sync,omitempty"`
}

// Snapshot возвращает копию состояния
func (c *Chunk) Snapshot() ChunkSnapshot {
	return ChunkSnapshot{
		ID:             c.ID,
		State:          c.State,
		LOD:            c.LOD,
		Distance:       c.Distance,
		Priority:       c.Priority,
		Visible:        c.Visible,
		HasTerrain:     c.Terrain != nil,
		EntityCount:    len(c.Entities),
		SpawnedCount:   len(c.SpawnedEntityIDs),
		LoadRetries:    c.LoadRetries,
		Dirty:          c.Dirty,
		HibernatedAt:   c.HibernatedAt,
		LastServerSync: c.LastServerSync,
	}
}
