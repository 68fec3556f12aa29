package vec

import "math"

// Vec3Float представляет трехмерный вектор с плавающими координатами.
// Ось Y направлена вверх, в плоскости XZ лежит сетка чанков.
type Vec3Float struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// Add складывает два вектора
func (v Vec3Float) Add(other Vec3Float) Vec3Float {
	return Vec3Float{X: v.X + other.X, Y: v.Y + other.Y, Z: v.Z + other.Z}
}

// Sub вычитает вектор
func (v Vec3Float) Sub(other Vec3Float) Vec3Float {
	return Vec3Float{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// Mul умножает вектор на скаляр
func (v Vec3Float) Mul(scalar float64) Vec3Float {
	return Vec3Float{X: v.X * scalar, Y: v.Y * scalar, Z: v.Z * scalar}
}

// Length возвращает длину вектора
func (v Vec3Float) Length() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// XZ проецирует вектор на горизонтальную плоскость
func (v Vec3Float) XZ() Vec2Float {
	return Vec2Float{X: v.X, Y: v.Z}
}

// DistanceXZ возвращает расстояние между точками в плоскости XZ
func (v Vec3Float) DistanceXZ(other Vec3Float) float64 {
	return v.XZ().DistanceTo(other.XZ())
}

// IsFinite проверяет, что все компоненты конечны (не NaN и не Inf)
func (v Vec3Float) IsFinite() bool {
	for _, c := range [3]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}
