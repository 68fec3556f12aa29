// Package terrain генерирует геометрию чанков из шума Перлина и кеширует её.
package terrain

import (
	"context"
	"fmt"
	"math"

	"github.com/aquilax/go-perlin"

	"github.com/annel0/worldstream/internal/streaming"
)

// NoiseConfig параметры генератора рельефа
type NoiseConfig struct {
	Seed       int64
	Alpha      float64 // сглаживание шума
	Beta       float64 // частота шума
	Octaves    int32
	Scale      float64 // множитель мировых координат
	Amplitude  float64 // максимальная высота
	Resolution int     // точек на сторону при LOD 0
}

// DefaultNoiseConfig значения, с которыми рельеф выглядит правдоподобно
func DefaultNoiseConfig() NoiseConfig {
	return NoiseConfig{
		Seed:       42,
		Alpha:      2,
		Beta:       2,
		Octaves:    3,
		Scale:      0.01,
		Amplitude:  32,
		Resolution: 17,
	}
}

// NoiseLoader реализует streaming.TerrainLoader. Каждый уровень LOD вдвое
// уменьшает число ячеек на сторону, но не ниже одной.
type NoiseLoader struct {
	cfg   NoiseConfig
	noise *perlin.Perlin
}

// NewNoiseLoader создаёт генератор
func NewNoiseLoader(cfg NoiseConfig) (*NoiseLoader, error) {
	if cfg.Resolution < 2 {
		return nil, fmt.Errorf("terrain: resolution must be at least 2, got %d", cfg.Resolution)
	}
	if cfg.Octaves <= 0 || cfg.Scale <= 0 {
		return nil, fmt.Errorf("terrain: octaves and scale must be positive")
	}
	return &NoiseLoader{
		cfg:   cfg,
		noise: perlin.NewPerlin(cfg.Alpha, cfg.Beta, cfg.Octaves, cfg.Seed),
	}, nil
}

// Seed возвращает зерно генератора
func (l *NoiseLoader) Seed() int64 { return l.cfg.Seed }

// ResolutionFor возвращает число точек на сторону для уровня детализации
func (l *NoiseLoader) ResolutionFor(lod int) int {
	cells := l.cfg.Resolution - 1
	if lod > 0 {
		cells >>= uint(lod)
	}
	if cells < 1 {
		cells = 1
	}
	return cells + 1
}

// Height возвращает высоту рельефа в мировой точке
func (l *NoiseLoader) Height(x, z float64) float64 {
	// сумма октав может выйти за [-1, 1], поэтому значение обрезается
	n := (l.noise.Noise2D(x*l.cfg.Scale, z*l.cfg.Scale) + 1) / 2
	return math.Max(0, math.Min(1, n)) * l.cfg.Amplitude
}

// LoadTerrain строит карту высот, вершины, нормали и индексы треугольников
func (l *NoiseLoader) LoadTerrain(ctx context.Context, desc streaming.ChunkDescriptor) (*streaming.Terrain, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := l.ResolutionFor(desc.LOD)
	b := desc.Bounds
	stepX := (b.MaxX - b.MinX) / float64(res-1)
	stepZ := (b.MaxZ - b.MinZ) / float64(res-1)
	if stepX <= 0 || stepZ <= 0 {
		return nil, fmt.Errorf("terrain: empty bounds for chunk %s", desc.ID)
	}

	t := &streaming.Terrain{
		Resolution: res,
		Heightmap:  make([]float32, res*res),
		Vertices:   make([]float32, 0, res*res*3),
		Normals:    make([]float32, 0, res*res*3),
		Indices:    make([]uint32, 0, (res-1)*(res-1)*6),
	}

	for j := 0; j < res; j++ {
		z := b.MinZ + float64(j)*stepZ
		for i := 0; i < res; i++ {
			x := b.MinX + float64(i)*stepX
			h := l.Height(x, z)
			t.Heightmap[j*res+i] = float32(h)
			t.Vertices = append(t.Vertices, float32(x), float32(h), float32(z))

			// нормаль по центральным разностям; соседние чанки дают совпадающие нормали на шве
			dx := l.Height(x+stepX, z) - l.Height(x-stepX, z)
			dz := l.Height(x, z+stepZ) - l.Height(x, z-stepZ)
			nx, ny, nz := -dx/(2*stepX), 1.0, -dz/(2*stepZ)
			inv := 1 / math.Sqrt(nx*nx+ny*ny+nz*nz)
			t.Normals = append(t.Normals, float32(nx*inv), float32(ny*inv), float32(nz*inv))
		}
		if j%8 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}

	for j := 0; j < res-1; j++ {
		for i := 0; i < res-1; i++ {
			a := uint32(j*res + i)
			c := a + uint32(res)
			t.Indices = append(t.Indices, a, c, a+1, a+1, c, c+1)
		}
	}
	return t, nil
}
