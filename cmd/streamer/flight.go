package main

import (
	"math"
	"time"

	"github.com/annel0/worldstream/internal/vec"
)

// flightPath восьмёрка вокруг начала координат с постоянной угловой скоростью
type flightPath struct {
	Radius    float64
	Speed     float64 // примерная скорость, единиц в секунду
	Altitude  float64 // высота над рельефом
	Elevation func(x, z float64) float64
}

// At возвращает позицию наблюдателя и направление взгляда через elapsed от старта
func (f flightPath) At(elapsed time.Duration) (position, facing vec.Vec3Float) {
	w := f.Speed / f.Radius
	t := elapsed.Seconds() * w

	x := f.Radius * math.Sin(t)
	z := f.Radius * math.Sin(2*t) / 2
	y := f.Altitude
	if f.Elevation != nil {
		y += f.Elevation(x, z)
	}

	// производная по t задаёт направление движения
	dx := math.Cos(t)
	dz := math.Cos(2 * t)
	return vec.Vec3Float{X: x, Y: y, Z: z}, vec.Vec3Float{X: dx, Z: dz}
}
