package streaming

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/annel0/worldstream/internal/vec"
)

// ErrInvalidChunkID возвращается при разборе некорректного идентификатора чанка
var ErrInvalidChunkID = errors.New("streaming: invalid chunk id")

// ChunkID идентифицирует ячейку сетки по целым координатам (x, z).
// Сравнение и хеширование идут по координатам, поэтому тип годится как ключ map.
type ChunkID struct {
	X int
	Z int
}

// NewChunkID создаёт идентификатор
func NewChunkID(x, z int) ChunkID {
	return ChunkID{X: x, Z: z}
}

// ChunkIDAt возвращает чанк, содержащий мировую точку (x, z)
func ChunkIDAt(worldX, worldZ, chunkSize float64) ChunkID {
	return ChunkID{
		X: int(math.Floor(worldX / chunkSize)),
		Z: int(math.Floor(worldZ / chunkSize)),
	}
}

// ParseChunkID разбирает каноническую строку "x,z"
func ParseChunkID(s string) (ChunkID, error) {
	xs, zs, ok := strings.Cut(s, ",")
	if !ok {
		return ChunkID{}, fmt.Errorf("%w: %q", ErrInvalidChunkID, s)
	}
	x, err := strconv.Atoi(xs)
	if err != nil {
		return ChunkID{}, fmt.Errorf("%w: %q", ErrInvalidChunkID, s)
	}
	z, err := strconv.Atoi(zs)
	if err != nil {
		return ChunkID{}, fmt.Errorf("%w: %q", ErrInvalidChunkID, s)
	}
	return ChunkID{X: x, Z: z}, nil
}

// ChunkIDFromTuple восстанавливает идентификатор из пары координат
func ChunkIDFromTuple(t [2]int) ChunkID {
	return ChunkID{X: t[0], Z: t[1]}
}

// String возвращает каноническую форму "x,z"
func (id ChunkID) String() string {
	return strconv.Itoa(id.X) + "," + strconv.Itoa(id.Z)
}

// Tuple возвращает координаты парой
func (id ChunkID) Tuple() [2]int {
	return [2]int{id.X, id.Z}
}

// MarshalText кодирует идентификатор канонической строкой (JSON, YAML, ключи map)
func (id ChunkID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText разбирает каноническую строку
func (id *ChunkID) UnmarshalText(text []byte) error {
	parsed, err := ParseChunkID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Center возвращает центр чанка в плоскости XZ
func (id ChunkID) Center(chunkSize float64) vec.Vec2Float {
	return vec.Vec2Float{
		X: (float64(id.X) + 0.5) * chunkSize,
		Y: (float64(id.Z) + 0.5) * chunkSize,
	}
}

// Bounds возвращает границы чанка
func (id ChunkID) Bounds(chunkSize float64) Bounds {
	return Bounds{
		MinX: float64(id.X) * chunkSize,
		MinZ: float64(id.Z) * chunkSize,
		MaxX: float64(id.X+1) * chunkSize,
		MaxZ: float64(id.Z+1) * chunkSize,
	}
}

// Bounds прямоугольник в плоскости XZ
type Bounds struct {
	MinX, MinZ float64
	MaxX, MaxZ float64
}

// Contains проверяет, лежит ли точка внутри границ, расширенных на tolerance
func (b Bounds) Contains(x, z, tolerance float64) bool {
	return x >= b.MinX-tolerance && x < b.MaxX+tolerance &&
		z >= b.MinZ-tolerance && z < b.MaxZ+tolerance
}

// Center возвращает центр прямоугольника
func (b Bounds) Center() vec.Vec2Float {
	return vec.Vec2Float{X: (b.MinX + b.MaxX) / 2, Y: (b.MinZ + b.MaxZ) / 2}
}

// HalfDiagonal возвращает радиус описанной окружности
func (b Bounds) HalfDiagonal() float64 {
	dx := b.MaxX - b.MinX
	dz := b.MaxZ - b.MinZ
	return math.Sqrt(dx*dx+dz*dz) / 2
}
