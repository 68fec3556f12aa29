package vec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVec3Projection(t *testing.T) {
	v := Vec3Float{X: 3, Y: 100, Z: 4}
	assert.Equal(t, Vec2Float{X: 3, Y: 4}, v.XZ())
	assert.InDelta(t, 5, v.DistanceXZ(Vec3Float{Y: -7}), 1e-12)
	assert.Equal(t, Vec3Float{X: 4, Y: 102, Z: 6}, v.Add(Vec3Float{X: 1, Y: 2, Z: 2}))
	assert.Equal(t, Vec3Float{X: 1.5, Y: 50, Z: 2}, v.Mul(0.5))
}

func TestVec3IsFinite(t *testing.T) {
	assert.True(t, Vec3Float{X: 1}.IsFinite())
	assert.False(t, Vec3Float{Y: math.NaN()}.IsFinite())
	assert.False(t, Vec3Float{Z: math.Inf(-1)}.IsFinite())
}

func TestVec2Geometry(t *testing.T) {
	assert.Equal(t, Vec2Float{}, Vec2Float{}.Normalized())
	n := Vec2Float{X: 0, Y: -9}.Normalized()
	assert.InDelta(t, 1, n.Length(), 1e-12)

	east := Vec2Float{X: 1}
	assert.InDelta(t, 0, east.AngleTo(Vec2Float{X: 5}), 1e-12)
	assert.InDelta(t, math.Pi/2, east.AngleTo(Vec2Float{Y: 2}), 1e-12)
	assert.InDelta(t, math.Pi, east.AngleTo(Vec2Float{X: -1}), 1e-12)
	assert.Equal(t, 0.0, east.AngleTo(Vec2Float{}))

	assert.InDelta(t, 5, Vec2Float{X: 1, Y: 1}.DistanceTo(Vec2Float{X: 4, Y: 5}), 1e-12)
}
