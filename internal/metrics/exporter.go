// Package metrics публикует состояние стриминга, шины событий и процесса в Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/annel0/worldstream/internal/cache"
	"github.com/annel0/worldstream/internal/eventbus"
	"github.com/annel0/worldstream/internal/logging"
	"github.com/annel0/worldstream/internal/presenter"
	wsync "github.com/annel0/worldstream/internal/sync"
)

const namespace = "worldstream"

// SnapshotSource отдаёт последний опубликованный снимок; nil, если его ещё нет
type SnapshotSource interface {
	Snapshot() *presenter.Snapshot
}

// SyncSource отдаёт счётчики синхронизации
type SyncSource interface {
	BatchStats() wsync.BatchStats
}

// Option настраивает Exporter
type Option func(*Exporter)

func WithSnapshots(src SnapshotSource) Option { return func(e *Exporter) { e.snapshots = src } }
func WithBus(bus eventbus.EventBus) Option    { return func(e *Exporter) { e.bus = bus } }
func WithCache(c cache.CacheRepo) Option      { return func(e *Exporter) { e.cache = c } }
func WithSync(s SyncSource) Option            { return func(e *Exporter) { e.sync = s } }

// WithRegistry регистрирует метрики в указанном реестре вместо собственного
func WithRegistry(r *prometheus.Registry) Option { return func(e *Exporter) { e.registry = r } }

// Exporter периодически переносит статистику компонентов в Gauge/Counter
// и обслуживает HTTP-эндпоинт /metrics.
type Exporter struct {
	registry  *prometheus.Registry
	snapshots SnapshotSource
	bus       eventbus.EventBus
	cache     cache.CacheRepo
	sync      SyncSource
	proc      *process.Process
	log       *logging.Logger

	chunks        *prometheus.GaugeVec
	visible       prometheus.Gauge
	queueDepth    *prometheus.GaugeVec
	inFlight      prometheus.Gauge
	entities      *prometheus.GaugeVec
	memoryBytes   prometheus.Gauge
	frameTime     *prometheus.GaugeVec
	lifecycle     *prometheus.CounterVec
	snapshotAge   prometheus.Gauge
	busMessages   *prometheus.CounterVec
	busInFlight   prometheus.Gauge
	cacheHitRatio prometheus.Gauge
	syncChanges   *prometheus.CounterVec
	rss           prometheus.Gauge
	cpuPercent    prometheus.Gauge
	goroutines    prometheus.Gauge

	mu   sync.Mutex
	prev counters

	server *http.Server
	quit   chan struct{}
	done   chan struct{}
}

// counters прошлые значения накопительных счётчиков; Counter растёт на дельту
type counters struct {
	loads, failures, dropped, unloads uint64
	bus                               eventbus.Stats
	batch                             wsync.BatchStats
}

// NewExporter создаёт экспортер и регистрирует метрики, но не запускает HTTP-сервер.
func NewExporter(opts ...Option) *Exporter {
	e := &Exporter{log: logging.GetComponentLogger("METRICS")}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = prometheus.NewRegistry()
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		e.proc = proc
	} else {
		e.log.Warn("Метрики процесса недоступны: %v", err)
	}

	e.chunks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "chunks",
		Help: "Число отслеживаемых чанков по состояниям.",
	}, []string{"state"})
	e.visible = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "chunks_visible",
		Help: "Активные чанки внутри конуса обзора.",
	})
	e.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "queue_depth",
		Help: "Глубина очередей загрузки и выгрузки.",
	}, []string{"queue"})
	e.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "loads_in_flight",
		Help: "Загрузки, выполняющиеся в диспетчере.",
	})
	e.entities = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "entities",
		Help: "Сущности в чанках и размещённые в сцене.",
	}, []string{"kind"})
	e.memoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "estimated_memory_bytes",
		Help: "Оценка памяти геометрии и сущностей.",
	})
	e.frameTime = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "frame_time_seconds",
		Help: "Длительность Update: средняя, последняя и максимальная.",
	}, []string{"kind"})
	e.lifecycle = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "chunk_operations_total",
		Help: "Завершённые загрузки, ошибки, отброшенные чанки и выгрузки.",
	}, []string{"op"})
	e.snapshotAge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "snapshot_age_seconds",
		Help: "Возраст последнего опубликованного снимка.",
	})
	e.busMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventbus", Name: "messages_total",
		Help: "Сообщения шины: опубликованные, доставленные и отброшенные.",
	}, []string{"result"})
	e.busInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "eventbus", Name: "messages_inflight",
		Help: "Количество сообщений, находящихся в очереди (не доставленных).",
	})
	e.cacheHitRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "terrain_cache_hit_ratio",
		Help: "Доля попаданий в кеш геометрии.",
	})
	e.syncChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "sync_changes_total",
		Help: "Изменения синхронизации: отправленные, слитые и отброшенные.",
	}, []string{"result"})
	e.rss = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "process_rss_bytes",
		Help: "Резидентная память процесса.",
	})
	e.cpuPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "process_cpu_percent",
		Help: "Загрузка CPU процессом в процентах.",
	})
	e.goroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Число горутин.",
	})

	e.registry.MustRegister(
		e.chunks, e.visible, e.queueDepth, e.inFlight, e.entities, e.memoryBytes,
		e.frameTime, e.lifecycle, e.snapshotAge, e.busMessages, e.busInFlight,
		e.cacheHitRatio, e.syncChanges, e.rss, e.cpuPercent, e.goroutines,
	)
	return e
}

// Registry возвращает реестр с метриками экспортера
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// Handler отдаёт метрики в формате Prometheus
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Collect однократно обновляет все метрики
func (e *Exporter) Collect(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.snapshots != nil {
		if snap := e.snapshots.Snapshot(); snap != nil {
			e.collectSnapshot(snap, now)
		}
	}
	if e.bus != nil {
		s := e.bus.Metrics()
		addDelta(e.busMessages.WithLabelValues("published"), s.Published, e.prev.bus.Published)
		addDelta(e.busMessages.WithLabelValues("consumed"), s.Consumed, e.prev.bus.Consumed)
		addDelta(e.busMessages.WithLabelValues("dropped"), s.Dropped, e.prev.bus.Dropped)
		e.busInFlight.Set(float64(s.InFlight))
		e.prev.bus = s
	}
	if e.cache != nil {
		e.cacheHitRatio.Set(e.cache.GetMetrics().HitRatio)
	}
	if e.sync != nil {
		s := e.sync.BatchStats()
		addDelta(e.syncChanges.WithLabelValues("sent"), s.Sent, e.prev.batch.Sent)
		addDelta(e.syncChanges.WithLabelValues("coalesced"), s.Coalesced, e.prev.batch.Coalesced)
		addDelta(e.syncChanges.WithLabelValues("dropped"), s.Dropped, e.prev.batch.Dropped)
		addDelta(e.syncChanges.WithLabelValues("failed"), s.Failed, e.prev.batch.Failed)
		e.prev.batch = s
	}
	e.collectProcess()
}

func (e *Exporter) collectSnapshot(snap *presenter.Snapshot, now time.Time) {
	s := snap.Stats
	e.chunks.WithLabelValues("loading").Set(float64(s.Loading))
	e.chunks.WithLabelValues("active").Set(float64(s.Active))
	e.chunks.WithLabelValues("hibernating").Set(float64(s.Hibernating))
	e.chunks.WithLabelValues("unloading").Set(float64(s.Unloading))
	e.visible.Set(float64(len(snap.VisibleChunks)))
	e.queueDepth.WithLabelValues("load").Set(float64(s.LoadQueueDepth))
	e.queueDepth.WithLabelValues("unload").Set(float64(s.UnloadQueueDepth))
	e.inFlight.Set(float64(s.InFlightLoads))
	e.entities.WithLabelValues("tracked").Set(float64(s.Entities))
	e.entities.WithLabelValues("spawned").Set(float64(s.SpawnedEntities))
	e.memoryBytes.Set(float64(s.EstimatedMemoryBytes))
	e.frameTime.WithLabelValues("avg").Set(s.AverageFrameTime.Seconds())
	e.frameTime.WithLabelValues("last").Set(s.LastFrameTime.Seconds())
	e.frameTime.WithLabelValues("max").Set(s.MaxFrameTime.Seconds())

	addDelta(e.lifecycle.WithLabelValues("load"), s.LoadsCompleted, e.prev.loads)
	addDelta(e.lifecycle.WithLabelValues("failure"), s.LoadFailures, e.prev.failures)
	addDelta(e.lifecycle.WithLabelValues("drop"), s.ChunksDropped, e.prev.dropped)
	addDelta(e.lifecycle.WithLabelValues("unload"), s.Unloads, e.prev.unloads)
	e.prev.loads, e.prev.failures = s.LoadsCompleted, s.LoadFailures
	e.prev.dropped, e.prev.unloads = s.ChunksDropped, s.Unloads

	if !snap.PublishedAt.IsZero() {
		e.snapshotAge.Set(now.Sub(snap.PublishedAt).Seconds())
	}
}

func (e *Exporter) collectProcess() {
	e.goroutines.Set(float64(runtime.NumGoroutine()))
	if e.proc == nil {
		return
	}
	if mem, err := e.proc.MemoryInfo(); err == nil {
		e.rss.Set(float64(mem.RSS))
	}
	if pct, err := e.proc.CPUPercent(); err == nil {
		e.cpuPercent.Set(pct)
	}
}

// addDelta прибавляет к Counter прирост накопительного значения
func addDelta(c prometheus.Counter, cur, prev uint64) {
	if cur > prev {
		c.Add(float64(cur - prev))
	}
}

// StartHTTP запускает HTTP-эндпоинт на addr (например, ":2112") и цикл обновления.
// Метод неблокирующий.
func (e *Exporter) StartHTTP(addr string, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	e.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	e.quit = make(chan struct{})
	e.done = make(chan struct{})

	go func() {
		e.log.Info("📈 Prometheus /metrics доступен по адресу %s", addr)
		if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("Ошибка Prometheus HTTP сервера: %v", err)
		}
	}()
	go e.loop(interval)
}

func (e *Exporter) loop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(e.done)

	for {
		select {
		case now := <-ticker.C:
			e.Collect(now)
		case <-e.quit:
			return
		}
	}
}

// Stop останавливает обновление и HTTP-сервер
func (e *Exporter) Stop(ctx context.Context) error {
	if e.server == nil {
		return nil
	}
	close(e.quit)
	<-e.done
	return e.server.Shutdown(ctx)
}
