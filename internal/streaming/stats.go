package streaming

import "time"

const (
	chunkOverheadBytes  = 512
	entityOverheadBytes = 256
)

// Stats сводка состояния менеджера
type Stats struct {
	Frame uint64 `json:"frame"`

	TotalChunks int `json:"total_chunks"`
	Loading     int `json:"loading"`
	Active      int `json:"active"`
	Hibernating int `json:"hibernating"`
	Unloading   int `json:"unloading"`
	Visible     int `json:"visible"`

	LoadQueueDepth   int `json:"load_queue_depth"`
	UnloadQueueDepth int `json:"unload_queue_depth"`
	InFlightLoads    int `json:"in_flight_loads"`

	Entities        int `json:"entities"`
	SpawnedEntities int `json:"spawned_entities"`

	Subscribed             int `json:"subscribed"`
	PendingSubscriptions   int `json:"pending_subscriptions"`
	PendingUnsubscriptions int `json:"pending_unsubscriptions"`

	EstimatedMemoryBytes int64 `json:"estimated_memory_bytes"`

	AverageFrameTime time.Duration `json:"average_frame_time"`
	LastFrameTime    time.Duration `json:"last_frame_time"`
	MaxFrameTime     time.Duration `json:"max_frame_time"`

	LoadsCompleted uint64 `json:"loads_completed"`
	LoadFailures   uint64 `json:"load_failures"`
	ChunksDropped  uint64 `json:"chunks_dropped"`
	Unloads        uint64 `json:"unloads"`
}

// Stats собирает статистику
func (m *Manager) Stats() Stats {
	s := Stats{
		Frame:                  m.frame,
		TotalChunks:            len(m.chunks),
		LoadQueueDepth:         m.loadQueue.Len(),
		UnloadQueueDepth:       len(m.unloadQueue),
		InFlightLoads:          len(m.inFlight),
		Entities:               len(m.entityIndex),
		Subscribed:             len(m.subscribed),
		PendingSubscriptions:   len(m.pendingSubscribe),
		PendingUnsubscriptions: len(m.pendingUnsubscribe),
		LoadsCompleted:         m.counters.loadsCompleted,
		LoadFailures:           m.counters.loadFailures,
		ChunksDropped:          m.counters.chunksDropped,
		Unloads:                m.counters.unloads,
	}

	for _, c := range m.chunks {
		switch c.State {
		case StateLoading:
			s.Loading++
		case StateActive:
			s.Active++
			if c.Visible {
				s.Visible++
			}
		case StateHibernating:
			s.Hibernating++
		case StateUnloading:
			s.Unloading++
		}
		s.SpawnedEntities += len(c.SpawnedEntityIDs)
		s.EstimatedMemoryBytes += chunkOverheadBytes + c.Terrain.SizeBytes() +
			int64(len(c.Entities))*entityOverheadBytes
	}

	s.AverageFrameTime, s.LastFrameTime, s.MaxFrameTime = m.frameTimes.summary()
	return s
}

// frameWindow кольцевой буфер длительностей последних кадров
type frameWindow struct {
	samples []time.Duration
	next    int
	full    bool
}

func newFrameWindow(size int) *frameWindow {
	if size < 1 {
		size = 1
	}
	return &frameWindow{samples: make([]time.Duration, size)}
}

func (w *frameWindow) add(d time.Duration) {
	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
}

func (w *frameWindow) count() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

func (w *frameWindow) last() time.Duration {
	if w.count() == 0 {
		return 0
	}
	i := w.next - 1
	if i < 0 {
		i = len(w.samples) - 1
	}
	return w.samples[i]
}

// summary возвращает среднее, последнее и максимальное значение окна
func (w *frameWindow) summary() (avg, last, max time.Duration) {
	n := w.count()
	if n == 0 {
		return 0, 0, 0
	}
	var total time.Duration
	for i := 0; i < n; i++ {
		d := w.samples[i]
		total += d
		if d > max {
			max = d
		}
	}
	return total / time.Duration(n), w.last(), max
}

// resize меняет размер окна, сохраняя последние значения
func (w *frameWindow) resize(size int) {
	if size < 1 {
		size = 1
	}
	n := w.count()
	ordered := make([]time.Duration, 0, n)
	start := 0
	if w.full {
		start = w.next
	}
	for i := 0; i < n; i++ {
		ordered = append(ordered, w.samples[(start+i)%len(w.samples)])
	}
	if len(ordered) > size {
		ordered = ordered[len(ordered)-size:]
	}

	w.samples = make([]time.Duration, size)
	copy(w.samples, ordered)
	w.next = len(ordered) % size
	w.full = len(ordered) == size
}
