package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/annel0/worldstream/internal/cache"
	"github.com/annel0/worldstream/internal/config"
	"github.com/annel0/worldstream/internal/eventbus"
	"github.com/annel0/worldstream/internal/logging"
	"github.com/annel0/worldstream/internal/metrics"
	"github.com/annel0/worldstream/internal/observability"
	"github.com/annel0/worldstream/internal/presenter"
	"github.com/annel0/worldstream/internal/protocol"
	"github.com/annel0/worldstream/internal/storage"
	"github.com/annel0/worldstream/internal/streaming"
	wsync "github.com/annel0/worldstream/internal/sync"
	"github.com/annel0/worldstream/internal/terrain"
	"github.com/annel0/worldstream/internal/vec"
)

// runOptions параметры симуляции из флагов
type runOptions struct {
	Duration  time.Duration
	FPS       int
	Speed     float64
	Radius    float64
	EditEvery time.Duration
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config (default: $WORLDSTREAM_CONFIG)")
		logLevel   = flag.String("log-level", "", "Override log level: trace, debug, info, warn, error")
		duration   = flag.Duration("duration", 0, "Stop after this long (0 = until signal)")
		fps        = flag.Int("fps", 60, "Simulated frames per second")
		speed      = flag.Float64("speed", 40, "Observer speed, units per second")
		radius     = flag.Float64("radius", 600, "Flight path radius")
		editEvery  = flag.Duration("edit-every", 2*time.Second, "Interval between simulated entity edits")
	)
	flag.Parse()

	if err := logging.InitDefaultLogger("streamer"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error("❌ Ошибка загрузки конфигурации: %v", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	opts := runOptions{Duration: *duration, FPS: *fps, Speed: *speed, Radius: *radius, EditEvery: *editEvery}
	if err := run(ctx, cfg, opts); err != nil {
		logging.Error("❌ %v", err)
		os.Exit(1)
	}
	logging.Info("👋 Стример остановлен")
}

func setupLogging(cfg config.LoggingConfig) error {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	lm := logging.GetLoggerManager()
	lm.EnableFileOutput(cfg.FileOutput)
	lm.SetDefaultConsoleLevel(level)
	logging.SetDefaultLevel(level)
	return nil
}

func openBus(cfg config.EventBusConfig) (eventbus.EventBus, error) {
	if cfg.Backend == "jetstream" {
		bus, err := eventbus.NewJetStreamBus(cfg.URL, cfg.Stream, cfg.RetentionDuration())
		if err != nil {
			return nil, fmt.Errorf("шина JetStream: %w", err)
		}
		logging.Info("📨 Шина событий: JetStream %s (stream=%s)", cfg.URL, cfg.Stream)
		return bus, nil
	}
	logging.Info("📨 Шина событий: в памяти (буфер %d)", cfg.BufferSize)
	return eventbus.NewMemoryBus(cfg.BufferSize), nil
}

func openStore(cfg config.StorageConfig) (storage.ChunkStore, error) {
	if cfg.Path == "" {
		logging.Info("💾 Хранилище сущностей в памяти")
		return storage.NewMemoryStore(), nil
	}
	return storage.NewBadgerStore(cfg.Path)
}

func openCache(ctx context.Context, cfg config.CacheConfig) cache.CacheRepo {
	if cfg.RedisAddr != "" {
		repo, err := cache.NewRedisCache(ctx, cache.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: "worldstream:",
			MaxTTL:    cfg.TTL,
		})
		if err == nil {
			return repo
		}
		logging.Warn("⚠️ Redis недоступен, используется кеш в памяти: %v", err)
	}
	return cache.NewMemoryCache(cfg.MaxEntries)
}

// spawnArea описывает чанки ближнего уровня детализации вокруг стартовой точки
func spawnArea(cfg streaming.Config, center vec.Vec3Float) []streaming.ChunkDescriptor {
	radius := cfg.LoadRadius
	if len(cfg.LODDistances) > 0 && cfg.LODDistances[0] < radius {
		radius = cfg.LODDistances[0]
	}
	size := cfg.ChunkSize
	lo := streaming.ChunkIDAt(center.X-radius, center.Z-radius, size)
	hi := streaming.ChunkIDAt(center.X+radius, center.Z+radius, size)

	var out []streaming.ChunkDescriptor
	for x := lo.X; x <= hi.X; x++ {
		for z := lo.Z; z <= hi.Z; z++ {
			id := streaming.NewChunkID(x, z)
			if id.Center(size).DistanceTo(center.XZ()) > radius {
				continue
			}
			out = append(out, streaming.ChunkDescriptor{ID: id, ChunkSize: size, Bounds: id.Bounds(size)})
		}
	}
	return out
}

// run собирает компоненты и крутит цикл кадров до отмены ctx
func run(ctx context.Context, cfg *config.Config, opts runOptions) error {
	if err := setupLogging(cfg.Logging); err != nil {
		return err
	}
	logging.Info("🌍 Запуск стримера мира: chunk=%.0f, load=%.0f, unload=%.0f",
		cfg.Streaming.ChunkSize, cfg.Streaming.LoadRadius, cfg.Streaming.UnloadRadius)

	shutdownTelemetry, err := observability.InitTelemetry(ctx, observability.Options{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("телеметрия: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logging.Warn("Ошибка остановки телеметрии: %v", err)
		}
	}()

	bus, err := openBus(cfg.EventBus)
	if err != nil {
		return err
	}
	defer bus.Close()

	store, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	repo := openCache(ctx, cfg.Cache)
	defer repo.Close()

	noise, err := terrain.NewNoiseLoader(terrain.NoiseConfig{
		Seed:       cfg.Terrain.Seed,
		Alpha:      cfg.Terrain.Alpha,
		Beta:       cfg.Terrain.Beta,
		Octaves:    cfg.Terrain.Octaves,
		Scale:      cfg.Terrain.Scale,
		Amplitude:  cfg.Terrain.Amplitude,
		Resolution: cfg.Terrain.Resolution,
	})
	if err != nil {
		return err
	}
	codec, err := terrain.NewCodec()
	if err != nil {
		return err
	}
	defer codec.Close()
	terrainLoader := terrain.NewCachedLoader(noise, repo, codec, strconv.FormatInt(cfg.Terrain.Seed, 10), cfg.Cache.TTL)

	dispatcher := streaming.NewAsyncDispatcher(cfg.Streaming.MaxConcurrentLoads)
	mgr, err := streaming.NewManager(cfg.Streaming,
		streaming.WithTerrainLoader(terrainLoader),
		streaming.WithEntityLoader(store),
		streaming.WithDispatcher(dispatcher),
		streaming.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	defer mgr.Close()

	var loaded, unloaded int
	renderer := &presenter.Renderer{
		OnLoad:   func(streaming.ChunkEvent) { loaded++ },
		OnUnload: func(streaming.ChunkEvent) { unloaded++ },
	}
	adapter, err := presenter.NewAdapter(mgr, cfg.Presenter,
		presenter.WithSinks(renderer, presenter.NewBusSink(bus, presenter.BusSource)),
		presenter.WithContext(ctx),
	)
	if err != nil {
		return err
	}

	lifecycleLog, err := eventbus.StartLoggingListener(bus, logging.GetPresenterLogger(), eventbus.Filter{
		Types: []string{
			presenter.EventTypeFor(streaming.EventLoad),
			presenter.EventTypeFor(streaming.EventUnload),
			presenter.EventTypeFor(streaming.EventHibernate),
		},
	})
	if err != nil {
		return err
	}
	defer lifecycleLog.Unsubscribe()

	clientSerializer, err := protocol.NewMessageSerializer(protocol.DefaultCompressThreshold)
	if err != nil {
		return err
	}
	defer clientSerializer.Close()
	serverSerializer, err := protocol.NewMessageSerializer(protocol.DefaultCompressThreshold)
	if err != nil {
		return err
	}
	defer serverSerializer.Close()

	server := newLoopbackServer(store, serverSerializer, noise.Height, cfg.Streaming.ChunkSize, 1024)
	session := protocol.NewSession(mgr)

	syncMgr, err := wsync.NewManager(ctx, wsync.Config{
		ClientID:    cfg.Sync.ClientID,
		Bus:         bus,
		Serializer:  clientSerializer,
		BatchSize:   cfg.Sync.BatchSize,
		FlushEvery:  cfg.Sync.FlushInterval,
		Compression: cfg.Sync.Compression,
		Handler:     server.Handle,
		Sources:     []string{cfg.Sync.ClientID},
	})
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := syncMgr.Stop(stopCtx); err != nil {
			logging.Warn("Ошибка остановки синхронизации: %v", err)
		}
	}()

	if cfg.Metrics.Enabled {
		exporter := metrics.NewExporter(
			metrics.WithSnapshots(adapter),
			metrics.WithBus(bus),
			metrics.WithCache(repo),
			metrics.WithSync(syncMgr),
		)
		exporter.StartHTTP(fmt.Sprintf(":%d", cfg.Metrics.GetMetricsPort()), cfg.Metrics.Interval)
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = exporter.Stop(stopCtx)
		}()
	}

	path := flightPath{Radius: opts.Radius, Speed: opts.Speed, Altitude: 2, Elevation: noise.Height}
	startPos, _ := path.At(0)
	if warmed, err := terrainLoader.Warm(ctx, spawnArea(cfg.Streaming, startPos)); err != nil {
		logging.Warn("⚠️ Прогрев кеша геометрии не удался: %v", err)
	} else {
		logging.Info("🔥 Кеш геометрии прогрет: %d чанков", warmed)
	}
	sim := &simulation{
		mgr:      mgr,
		adapter:  adapter,
		session:  session,
		sync:     syncMgr,
		frames:   server.Frames(),
		decoder:  clientSerializer,
		path:     path,
		syncStep: cfg.Sync.FlushInterval,
		editStep: opts.EditEvery,
	}

	fps := opts.FPS
	if fps <= 0 {
		fps = 60
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()
	report := time.NewTicker(5 * time.Second)
	defer report.Stop()

	logging.Info("✅ Стример запущен: %d FPS, скорость %.0f", fps, opts.Speed)
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			stats := mgr.Stats()
			logging.Info("🏁 Кадров %d, загружено %d, выгружено %d, сущностей %d",
				stats.Frame, loaded, unloaded, stats.Entities)
			return nil
		case now := <-ticker.C:
			sim.step(now, now.Sub(start))
		case <-report.C:
			if snap := adapter.Snapshot(); snap != nil {
				logging.Info("📊 Кадр %d: active=%d hibernating=%d queue=%d frame=%v",
					snap.Frame, snap.Stats.Active, snap.Stats.Hibernating,
					snap.Stats.LoadQueueDepth, snap.Stats.AverageFrameTime)
			}
		}
	}
}

// simulation один кадр клиента: наблюдатель, входящие кадры сервера, исходящая синхронизация
type simulation struct {
	mgr     *streaming.Manager
	adapter *presenter.Adapter
	session *protocol.Session
	sync    *wsync.Manager
	frames  <-chan []byte
	decoder *protocol.MessageSerializer
	path    flightPath

	syncStep time.Duration
	editStep time.Duration
	lastSync time.Time
	lastEdit time.Time
}

func (s *simulation) step(now time.Time, elapsed time.Duration) {
	position, facing := s.path.At(elapsed)
	s.adapter.Frame(now, position, facing)
	s.drainServer()

	if s.editStep > 0 && now.Sub(s.lastEdit) >= s.editStep {
		s.lastEdit = now
		s.editNearby(position)
	}
	if now.Sub(s.lastSync) >= s.syncStep {
		s.lastSync = now
		msgs := s.session.Outbound(position, s.adapter.Velocity(), facing, now)
		if err := s.sync.Send(msgs); err != nil {
			logging.Warn("Исходящие сообщения отклонены: %v", err)
		}
	}
}

// drainServer применяет накопившиеся ответы сервера, не блокируя кадр
func (s *simulation) drainServer() {
	for {
		select {
		case frame := <-s.frames:
			_, msg, err := s.decoder.Decode(frame)
			if err == nil {
				err = s.session.Handle(msg)
			}
			if err != nil {
				logging.Warn("Ответ сервера отклонён: %v", err)
			}
		default:
			return
		}
	}
}

// editNearby поворачивает ближайшую сохраняемую сущность, имитируя действие игрока
func (s *simulation) editNearby(position vec.Vec3Float) {
	for _, e := range s.mgr.EntitiesInRadius(position, s.mgr.Config().ChunkSize) {
		if e.Persistence == streaming.PersistenceEphemeral {
			continue
		}
		rot := e.Rotation
		rot.Y += 15
		if _, ok := s.mgr.UpdateEntity(e.ID, streaming.EntityPatch{Rotation: &rot}); ok {
			logging.Debug("✏️ Изменена сущность %s", e.ID)
		}
		return
	}
}
