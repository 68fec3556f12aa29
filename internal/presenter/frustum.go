package presenter

import (
	"math"

	"github.com/annel0/worldstream/internal/streaming"
	"github.com/annel0/worldstream/internal/vec"
)

// ViewCone упрощённая пирамида видимости на плоскости XZ: сектор круга.
// Проверка консервативна: чанк описывается окружностью по полудиагонали.
type ViewCone struct {
	Origin  vec.Vec2Float
	Dir     vec.Vec2Float // нормализовано
	HalfFOV float64       // радианы
	Far     float64
}

// NewViewCone строит конус по направлению взгляда. Нулевое направление даёт nil.
func NewViewCone(origin, facing vec.Vec3Float, fovDegrees, far float64) *ViewCone {
	dir := facing.XZ()
	if dir.Length() == 0 || fovDegrees <= 0 {
		return nil
	}
	return &ViewCone{
		Origin:  origin.XZ(),
		Dir:     dir.Normalized(),
		HalfFOV: fovDegrees * math.Pi / 360,
		Far:     far,
	}
}

// IntersectsBounds реализует streaming.Frustum
func (v *ViewCone) IntersectsBounds(b streaming.Bounds) bool {
	r := b.HalfDiagonal()
	offset := b.Center().Sub(v.Origin)
	dist := offset.Length()

	if dist <= r {
		return true
	}
	if v.Far > 0 && dist-r > v.Far {
		return false
	}
	if v.HalfFOV >= math.Pi {
		return true
	}

	angle := offset.AngleTo(v.Dir)
	slack := math.Asin(math.Min(1, r/dist))
	return angle <= v.HalfFOV+slack
}
