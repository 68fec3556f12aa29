package streaming

import (
	"math"

	"github.com/annel0/worldstream/internal/vec"
)

// predict экстраполирует позицию наблюдателя на VelocityLookahead секунд вперёд
func (m *Manager) predict(pos, vel vec.Vec3Float) (vec.Vec3Float, bool) {
	if !m.cfg.PredictiveLoading || m.cfg.VelocityLookahead <= 0 {
		return pos, false
	}
	if vel.XZ().Length() < m.cfg.MinVelocityForBonus || vel.XZ().Length() == 0 {
		return pos, false
	}
	return pos.Add(vel.Mul(m.cfg.VelocityLookahead)), true
}

// computeRequired строит множество нужных чанков: круг LoadRadius вокруг
// текущей позиции и круг LoadRadius/2 вокруг предсказанной.
func (m *Manager) computeRequired(pos, predicted vec.Vec3Float, predictive bool) map[ChunkID]struct{} {
	required := make(map[ChunkID]struct{})
	m.addDisk(required, pos.XZ(), m.cfg.LoadRadius)
	if predictive {
		m.addDisk(required, predicted.XZ(), m.cfg.LoadRadius/2)
	}
	return required
}

// addDisk добавляет чанки, центры которых лежат в круге радиуса radius
func (m *Manager) addDisk(set map[ChunkID]struct{}, center vec.Vec2Float, radius float64) {
	size := m.cfg.ChunkSize
	minX := int(math.Floor((center.X - radius) / size))
	maxX := int(math.Floor((center.X + radius) / size))
	minZ := int(math.Floor((center.Y - radius) / size))
	maxZ := int(math.Floor((center.Y + radius) / size))

	for x := minX; x <= maxX; x++ {
		for z := minZ; z <= maxZ; z++ {
			id := ChunkID{X: x, Z: z}
			if !m.cfg.inWorld(id) {
				continue
			}
			if id.Center(size).DistanceTo(center) <= radius {
				set[id] = struct{}{}
			}
		}
	}
}

// isRequired сообщает, входит ли чанк в нужное множество текущего кадра
func (m *Manager) isRequired(id ChunkID) bool {
	_, ok := m.required[id]
	return ok
}

// computePriority считает приоритет загрузки: дистанция + штраф невидимости
// + бонус по направлению движения + штраф повторов.
func (m *Manager) computePriority(c *Chunk) ChunkPriority {
	center := c.ID.Center(m.cfg.ChunkSize)
	offset := center.Sub(m.observer.XZ())
	distance := offset.Length()

	p := ChunkPriority{Distance: distance}

	c.Visible = true
	if m.frustum != nil && !m.frustum.IntersectsBounds(c.ID.Bounds(m.cfg.ChunkSize)) {
		c.Visible = false
		p.VisibilityPenalty = m.cfg.VisibilityPenalty
	}

	velXZ := m.velocity.XZ()
	if speed := velXZ.Length(); speed >= m.cfg.MinVelocityForBonus && speed > 0 && distance > 0 {
		p.VelocityBonus = -offset.Normalized().Dot(velXZ.Normalized()) * m.cfg.VelocityBonusScale
	}

	p.RetryPenalty = float64(c.LoadRetries) * m.cfg.RetryPriorityPenalty
	p.Final = p.Distance + p.VisibilityPenalty + p.VelocityBonus + p.RetryPenalty
	return p
}

// refreshPriorities пересчитывает дистанции и приоритеты всех отслеживаемых чанков
func (m *Manager) refreshPriorities() {
	for id, c := range m.chunks {
		c.Priority = m.computePriority(c)
		c.Distance = c.Priority.Distance
		if m.isRequired(id) {
			c.LastAccessFrame = m.frame
		}
		if m.loadQueue.Contains(id) {
			m.loadQueue.UpdatePriority(id, c.Priority.Final)
		}
	}
}
