package vec

import "math"

// Vec2Float точка или направление на плоскости XZ мира: Y хранит мировую Z.
type Vec2Float struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

func (v Vec2Float) Sub(o Vec2Float) Vec2Float { return Vec2Float{X: v.X - o.X, Y: v.Y - o.Y} }
func (v Vec2Float) Dot(o Vec2Float) float64   { return v.X*o.X + v.Y*o.Y }
func (v Vec2Float) Length() float64           { return math.Hypot(v.X, v.Y) }

// DistanceTo расстояние между точками плоскости
func (v Vec2Float) DistanceTo(o Vec2Float) float64 {
	return v.Sub(o).Length()
}

// Normalized единичный вектор того же направления; нулевой остаётся нулевым
func (v Vec2Float) Normalized() Vec2Float {
	l := v.Length()
	if l == 0 {
		return Vec2Float{}
	}
	return Vec2Float{X: v.X / l, Y: v.Y / l}
}

// AngleTo угол между направлениями в радианах, [0, π]. С нулевым вектором угол 0.
func (v Vec2Float) AngleTo(o Vec2Float) float64 {
	l := v.Length() * o.Length()
	if l == 0 {
		return 0
	}
	return math.Acos(math.Max(-1, math.Min(1, v.Dot(o)/l)))
}
