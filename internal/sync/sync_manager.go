package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/annel0/worldstream/internal/eventbus"
	"github.com/annel0/worldstream/internal/logging"
	"github.com/annel0/worldstream/internal/protocol"
)

// Config настройки синхронизации
type Config struct {
	ClientID    string
	Bus         eventbus.EventBus
	Serializer  *protocol.MessageSerializer
	BatchSize   int
	FlushEvery  time.Duration
	Compression bool
	// Handler получает входящие пакеты; nil отключает потребителя
	Handler MessageHandler
	// Sources ограничивает источники входящих пакетов
	Sources []string
}

// Manager координирует работу всех компонентов синхронизации:
// BatchManager, Producer, Consumer.
type Manager struct {
	bm       *BatchManager
	producer *Producer
	consumer *Consumer
	log      *logging.Logger
}

func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.Bus == nil || cfg.Serializer == nil {
		return nil, fmt.Errorf("sync: bus and serializer are required")
	}
	log := logging.GetSyncLogger()

	var compressor DeltaCompressor
	if cfg.Compression {
		var err error
		if compressor, err = NewZstdCompressor(); err != nil {
			return nil, err
		}
		log.Info("🔄 Синхронизация: используется zstd-компрессия")
	} else {
		compressor = NewPassthroughCompressor()
		log.Info("🔄 Синхронизация: компрессия отключена")
	}

	bm := NewBatchManager(cfg.Bus, cfg.ClientID, cfg.BatchSize, cfg.FlushEvery, compressor)
	m := &Manager{
		bm:       bm,
		producer: NewProducer(cfg.Serializer, bm),
		log:      log,
	}

	if cfg.Handler != nil {
		consumer, err := NewConsumer(ctx, cfg.Bus, compressor, cfg.Serializer, cfg.Handler, cfg.Sources...)
		if err != nil {
			_ = bm.Stop(ctx)
			return nil, err
		}
		m.consumer = consumer
	}

	log.Info("✅ Синхронизация инициализирована: client=%s, batch=%d, flush=%v",
		cfg.ClientID, cfg.BatchSize, cfg.FlushEvery)
	return m, nil
}

// Send ставит исходящие сообщения в очередь
func (m *Manager) Send(msgs []protocol.Message) error {
	return m.producer.Send(msgs)
}

// Flush немедленно отправляет накопленный пакет
func (m *Manager) Flush(ctx context.Context) error {
	return m.bm.Flush(ctx)
}

func (m *Manager) BatchStats() BatchStats {
	return m.bm.Stats()
}

// ConsumerStats возвращает нули, если потребитель не создан
func (m *Manager) ConsumerStats() ConsumerStats {
	if m.consumer == nil {
		return ConsumerStats{}
	}
	return m.consumer.Stats()
}

// Stop отписывает потребителя и отправляет остаток буфера
func (m *Manager) Stop(ctx context.Context) error {
	if m.consumer != nil {
		m.consumer.Stop()
	}
	err := m.bm.Stop(ctx)
	m.log.Info("🔄 Синхронизация остановлена")
	return err
}
