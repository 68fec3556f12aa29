package streaming

import (
	"time"

	"github.com/google/uuid"
)

// enqueueRequired создаёт записи для новых нужных чанков и ставит их в очередь загрузки
func (m *Manager) enqueueRequired(now time.Time) {
	ids := make([]ChunkID, 0, len(m.required))
	for id := range m.required {
		if _, tracked := m.chunks[id]; !tracked {
			ids = append(ids, id)
		}
	}
	sortChunkIDs(ids)

	for _, id := range ids {
		if until, failed := m.failedUntil[id]; failed {
			if now.Before(until) {
				continue
			}
			delete(m.failedUntil, id)
		}

		c := newChunk(id)
		c.Priority = m.computePriority(c)
		c.Distance = c.Priority.Distance
		c.LOD = m.cfg.lodFor(c.Distance)
		c.LastAccessFrame = m.frame
		c.TrackedAt = now

		m.chunks[id] = c
		m.loadQueue.Enqueue(id, c.Priority.Final)
		m.trackSubscription(id)
	}
}

// applyTransitions применяет переходы состояний с гистерезисом
func (m *Manager) applyTransitions(now time.Time) {
	for _, id := range m.sortedIDs() {
		c := m.chunks[id]
		required := m.isRequired(id)

		switch c.State {
		case StateLoading:
			if _, busy := m.inFlight[id]; !required && !busy {
				// чанк больше не нужен, загрузку не начинали
				m.removeChunk(c)
			}

		case StateActive:
			if required || c.Distance <= m.cfg.HibernateRadius {
				c.beyondHibernateSince = time.Time{}
				continue
			}
			if c.beyondHibernateSince.IsZero() {
				c.beyondHibernateSince = now
			}
			if now.Sub(c.beyondHibernateSince) >= m.cfg.HibernateGracePeriod {
				m.hibernate(c, now)
			}

		case StateHibernating:
			switch {
			case required || c.Distance <= m.cfg.HibernateRadius:
				m.wake(c)
			case c.Distance > m.cfg.UnloadRadius || now.Sub(c.HibernatedAt) > m.cfg.HibernationTimeout:
				c.State = StateUnloading
				m.unloadQueue = append(m.unloadQueue, id)
			}
		}
	}
}

// processLoads отправляет до MaxLoadsPerFrame загрузок и забирает готовые результаты
func (m *Manager) processLoads() {
	budget := m.cfg.MaxLoadsPerFrame
	if capacity := m.dispatcher.Capacity(); capacity > 0 {
		if free := capacity - m.dispatcher.InFlight(); free < budget {
			budget = free
		}
	}

	for budget > 0 {
		id, _, ok := m.loadQueue.Dequeue()
		if !ok {
			break
		}
		c, tracked := m.chunks[id]
		if !tracked || c.State != StateLoading {
			continue
		}
		if _, busy := m.inFlight[id]; busy {
			continue
		}

		m.inFlight[id] = struct{}{}
		m.dispatcher.Dispatch(m.ctx, LoadJob{
			Descriptor: ChunkDescriptor{
				ID:        id,
				ChunkSize: m.cfg.ChunkSize,
				LOD:       c.LOD,
				Bounds:    id.Bounds(m.cfg.ChunkSize),
			},
			Terrain:  m.terrain,
			Entities: m.entities,
		})
		budget--
	}

	m.collectResults()
}

// collectResults применяет завершённые загрузки
func (m *Manager) collectResults() {
	for _, res := range m.dispatcher.Completed() {
		delete(m.inFlight, res.ID)
		c, tracked := m.chunks[res.ID]
		if !tracked || c.State != StateLoading {
			continue
		}
		if res.Err != nil {
			m.handleLoadFailure(c, res.Err)
			continue
		}
		if !m.isRequired(res.ID) && c.Distance > m.cfg.HibernateRadius {
			// наблюдатель ушёл, пока шла загрузка
			m.log.Trace("🗑️ Результат загрузки чанка %s отброшен: чанк больше не нужен", c.ID)
			m.removeChunk(c)
			continue
		}
		m.activate(c, res)
	}
}

func (m *Manager) activate(c *Chunk, res LoadResult) {
	c.Terrain = res.Terrain
	if c.Terrain == nil {
		c.Terrain = &Terrain{}
	}

	for _, e := range res.Entities {
		if e == nil {
			continue
		}
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		// состояние от сервера или другого чанка важнее сохранённого
		if _, owned := m.entityIndex[e.ID]; owned {
			continue
		}
		c.Entities = append(c.Entities, e)
		m.entityIndex[e.ID] = c.ID
	}

	c.State = StateActive
	c.LoadRetries = 0
	c.beyondHibernateSince = time.Time{}
	c.LOD = m.cfg.lodFor(c.Distance)

	spawned := m.spawnPending(c)
	m.counters.loadsCompleted++
	m.emitChunk(EventLoad, c, spawned)
	m.log.Trace("📦 Чанк %s загружен за %v (сущностей: %d)", c.ID, res.Duration, len(c.Entities))
}

func (m *Manager) handleLoadFailure(c *Chunk, err error) {
	m.counters.loadFailures++
	c.LoadRetries++

	if c.LoadRetries > m.cfg.MaxLoadRetries {
		m.log.Warn("⚠️ Чанк %s отброшен после %d неудачных загрузок: %v", c.ID, c.LoadRetries, err)
		m.counters.chunksDropped++
		if m.cfg.FailedLoadCooldown > 0 {
			m.failedUntil[c.ID] = m.now().Add(m.cfg.FailedLoadCooldown)
		}
		m.removeChunk(c)
		return
	}

	c.Priority = m.computePriority(c)
	c.Distance = c.Priority.Distance
	m.loadQueue.Enqueue(c.ID, c.Priority.Final)
	m.log.Debug("🔁 Повтор загрузки чанка %s (%d/%d): %v", c.ID, c.LoadRetries, m.cfg.MaxLoadRetries, err)
}

func (m *Manager) hibernate(c *Chunk, now time.Time) {
	despawned := m.despawnAll(c)
	c.State = StateHibernating
	c.HibernatedAt = now
	c.beyondHibernateSince = time.Time{}
	m.emitChunk(EventHibernate, c, despawned)
}

func (m *Manager) wake(c *Chunk) {
	c.State = StateActive
	c.HibernatedAt = time.Time{}
	c.beyondHibernateSince = time.Time{}
	spawned := m.spawnPending(c)
	m.emitChunk(EventWake, c, spawned)
}

// processUnloads выгружает до MaxUnloadsPerFrame чанков в порядке FIFO
func (m *Manager) processUnloads() {
	budget := m.cfg.MaxUnloadsPerFrame
	for budget > 0 && len(m.unloadQueue) > 0 {
		id := m.unloadQueue[0]
		m.unloadQueue = m.unloadQueue[1:]

		c, tracked := m.chunks[id]
		if !tracked || c.State != StateUnloading {
			continue
		}
		despawned := m.despawnAll(c)
		m.emitChunk(EventUnload, c, despawned)
		m.removeChunk(c)
		m.counters.unloads++
		budget--
	}
	if len(m.unloadQueue) == 0 {
		m.unloadQueue = nil
	}
}

// updateLODs пересчитывает уровни детализации активных чанков
func (m *Manager) updateLODs() {
	for _, id := range m.sortedIDs() {
		c := m.chunks[id]
		if c.State != StateActive {
			continue
		}
		level := m.cfg.lodFor(c.Distance)
		if level == c.LOD {
			continue
		}
		prev := c.LOD
		c.LOD = level
		snap := c.Snapshot()
		m.emit(ChunkEvent{
			Type:    EventLODChange,
			ChunkID: id,
			Chunk:   &snap,
			LOD:     level,
			PrevLOD: prev,
		})
	}
}

// removeChunk убирает запись из таблицы вместе с её сущностями
func (m *Manager) removeChunk(c *Chunk) {
	m.despawnAll(c)
	for _, e := range c.Entities {
		if owner, ok := m.entityIndex[e.ID]; ok && owner == c.ID {
			delete(m.entityIndex, e.ID)
		}
	}
	m.loadQueue.Remove(c.ID)
	delete(m.chunks, c.ID)
	m.releaseSubscription(c.ID)
}

// spawnPending размещает в сцене ещё не размещённые сущности чанка
func (m *Manager) spawnPending(c *Chunk) []string {
	var spawned []string
	for _, e := range c.Entities {
		if c.IsSpawned(e.ID) {
			continue
		}
		m.spawner.SpawnEntity(c.ID, e)
		c.SpawnedEntityIDs[e.ID] = struct{}{}
		spawned = append(spawned, e.ID)
	}
	return spawned
}

// despawnAll убирает из сцены все размещённые сущности чанка
func (m *Manager) despawnAll(c *Chunk) []string {
	var despawned []string
	for _, e := range c.Entities {
		if !c.IsSpawned(e.ID) {
			continue
		}
		m.spawner.DespawnEntity(c.ID, e.ID)
		delete(c.SpawnedEntityIDs, e.ID)
		despawned = append(despawned, e.ID)
	}
	return despawned
}
