package streaming

import "github.com/annel0/worldstream/internal/vec"

// GetChunk возвращает запись чанка. Вызывающий код не должен её изменять.
func (m *Manager) GetChunk(id ChunkID) (*Chunk, bool) {
	c, ok := m.chunks[id]
	return c, ok
}

// GetChunkAt возвращает чанк, содержащий мировую точку
func (m *Manager) GetChunkAt(worldX, worldZ float64) (*Chunk, bool) {
	return m.GetChunk(ChunkIDAt(worldX, worldZ, m.cfg.ChunkSize))
}

// ChunksByState возвращает идентификаторы чанков в заданном состоянии
func (m *Manager) ChunksByState(state ChunkState) []ChunkID {
	var ids []ChunkID
	for id, c := range m.chunks {
		if c.State == state {
			ids = append(ids, id)
		}
	}
	sortChunkIDs(ids)
	return ids
}

func (m *Manager) ActiveChunks() []ChunkID {
	return m.ChunksByState(StateActive)
}

func (m *Manager) HibernatingChunks() []ChunkID {
	return m.ChunksByState(StateHibernating)
}

// VisibleChunks активные чанки, прошедшие отсечение пирамидой видимости
func (m *Manager) VisibleChunks() []ChunkID {
	var ids []ChunkID
	for id, c := range m.chunks {
		if c.State == StateActive && c.Visible {
			ids = append(ids, id)
		}
	}
	sortChunkIDs(ids)
	return ids
}

// IsLoaded сообщает, что геометрия чанка в памяти (активен или спит)
func (m *Manager) IsLoaded(id ChunkID) bool {
	c, ok := m.chunks[id]
	return ok && (c.State == StateActive || c.State == StateHibernating)
}

// IsQueued сообщает, ждёт ли чанк в очереди загрузки
func (m *Manager) IsQueued(id ChunkID) bool {
	return m.loadQueue.Contains(id)
}

// IsRequired сообщает, входит ли чанк в нужное множество последнего кадра
func (m *Manager) IsRequired(id ChunkID) bool {
	return m.isRequired(id)
}

// ChunkCount количество записей в таблице
func (m *Manager) ChunkCount() int {
	return len(m.chunks)
}

// Observer возвращает позицию, скорость и предсказанную позицию последнего кадра
func (m *Manager) Observer() (position, velocity, predicted vec.Vec3Float) {
	return m.observer, m.velocity, m.predicted
}
