package streaming

// trackSubscription отмечает появление чанка в таблице
func (m *Manager) trackSubscription(id ChunkID) {
	delete(m.pendingUnsubscribe, id)
	if _, ok := m.subscribed[id]; !ok {
		m.pendingSubscribe[id] = struct{}{}
	}
}

// releaseSubscription отмечает удаление чанка из таблицы
func (m *Manager) releaseSubscription(id ChunkID) {
	delete(m.pendingSubscribe, id)
	if _, ok := m.subscribed[id]; ok {
		m.pendingUnsubscribe[id] = struct{}{}
	}
}

// ChunksNeedingSubscription возвращает отслеживаемые чанки без подтверждённой подписки
func (m *Manager) ChunksNeedingSubscription() []ChunkID {
	return sortedSet(m.pendingSubscribe)
}

// ChunksNeedingUnsubscription возвращает подписанные чанки, которых больше нет в таблице
func (m *Manager) ChunksNeedingUnsubscription() []ChunkID {
	return sortedSet(m.pendingUnsubscribe)
}

// MarkSubscribed фиксирует подтверждение подписки от сервера
func (m *Manager) MarkSubscribed(id ChunkID) {
	delete(m.pendingSubscribe, id)
	m.subscribed[id] = struct{}{}
	if _, tracked := m.chunks[id]; !tracked {
		// чанк выгрузили, пока ждали подтверждения
		m.pendingUnsubscribe[id] = struct{}{}
	}
}

// MarkUnsubscribed фиксирует подтверждение отписки
func (m *Manager) MarkUnsubscribed(id ChunkID) {
	delete(m.pendingUnsubscribe, id)
	delete(m.subscribed, id)
	if _, tracked := m.chunks[id]; tracked {
		m.pendingSubscribe[id] = struct{}{}
	}
}

// IsSubscribed сообщает, подтверждена ли подписка на чанк
func (m *Manager) IsSubscribed(id ChunkID) bool {
	_, ok := m.subscribed[id]
	return ok
}

// MarkServerSync отмечает время последней синхронизации чанка с сервером
func (m *Manager) MarkServerSync(id ChunkID) bool {
	c, ok := m.chunks[id]
	if !ok {
		return false
	}
	c.LastServerSync = m.now()
	return true
}

func sortedSet(set map[ChunkID]struct{}) []ChunkID {
	ids := make([]ChunkID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sortChunkIDs(ids)
	return ids
}
