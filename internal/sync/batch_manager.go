// Package sync доставляет исходящие сообщения протокола пакетами через шину событий
// и применяет входящие пакеты к хранилищу сущностей.
package sync

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/annel0/worldstream/internal/eventbus"
	"github.com/annel0/worldstream/internal/logging"
	"github.com/annel0/worldstream/internal/protocol"
)

// EventSyncBatch тип события с пакетом кадров протокола
const EventSyncBatch = "sync.batch"

// Change один сериализованный кадр протокола в очереди на отправку
type Change struct {
	Data      []byte               // кадр MessageSerializer
	Priority  int                  // при переполнении вытесняются низкие
	Timestamp time.Time            // время постановки в очередь
	Kind      protocol.MessageType // тип сообщения
	Key       string               // непустой ключ: новое изменение заменяет старое с тем же ключом
}

// BatchStats счётчики менеджера пакетов
type BatchStats struct {
	Queued    uint64
	Coalesced uint64
	Dropped   uint64
	Batches   uint64
	Sent      uint64
	Failed    uint64
}

// BatchManager накапливает изменения и отправляет их пакетами через EventBus.
type BatchManager struct {
	mu       sync.Mutex
	buf      []Change
	byKey    map[string]int // ключ -> индекс в buf
	capacity int
	stats    BatchStats

	flushEvery time.Duration
	bus        eventbus.EventBus
	source     string // идентификатор клиента
	compressor DeltaCompressor
	log        *logging.Logger

	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// NewBatchManager создаёт менеджер с указанным лимитом буфера и интервалом отправки.
func NewBatchManager(bus eventbus.EventBus, source string, capacity int, flushEvery time.Duration, compressor DeltaCompressor) *BatchManager {
	if compressor == nil {
		compressor = NewPassthroughCompressor()
	}
	if capacity <= 0 {
		capacity = 1
	}
	bm := &BatchManager{
		byKey:      make(map[string]int),
		capacity:   capacity,
		flushEvery: flushEvery,
		bus:        bus,
		source:     source,
		compressor: compressor,
		log:        logging.GetSyncLogger(),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go bm.loop()
	return bm
}

// AddChange добавляет изменение в буфер; при переполнении низкоприоритетные изменения отбрасываются.
func (bm *BatchManager) AddChange(ch Change) {
	if ch.Timestamp.IsZero() {
		ch.Timestamp = time.Now()
	}
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if ch.Key != "" {
		if i, ok := bm.byKey[ch.Key]; ok {
			bm.buf[i] = ch
			bm.stats.Coalesced++
			return
		}
	}

	if len(bm.buf) < bm.capacity {
		bm.put(len(bm.buf), ch, true)
		bm.stats.Queued++
		return
	}

	// ищем самое низкое Priority и заменяем, если новый выше
	lowIdx := -1
	lowPri := ch.Priority
	for i, c := range bm.buf {
		if c.Priority < lowPri {
			lowPri = c.Priority
			lowIdx = i
		}
	}
	bm.stats.Dropped++
	if lowIdx < 0 {
		bm.log.Debug("Буфер синхронизации полон, отброшено %s", ch.Kind)
		return
	}
	if old := bm.buf[lowIdx].Key; old != "" {
		delete(bm.byKey, old)
	}
	bm.put(lowIdx, ch, false)
	bm.stats.Queued++
}

func (bm *BatchManager) put(i int, ch Change, appendNew bool) {
	if appendNew {
		bm.buf = append(bm.buf, ch)
	} else {
		bm.buf[i] = ch
	}
	if ch.Key != "" {
		bm.byKey[ch.Key] = i
	}
}

// Pending возвращает число изменений в буфере
func (bm *BatchManager) Pending() int {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return len(bm.buf)
}

// Stats возвращает копию счётчиков
func (bm *BatchManager) Stats() BatchStats {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.stats
}

func (bm *BatchManager) loop() {
	defer close(bm.done)
	if bm.flushEvery <= 0 {
		<-bm.quit
		return
	}
	ticker := time.NewTicker(bm.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := bm.Flush(ctx); err != nil {
				bm.log.Warn("BatchManager flush error: %v", err)
			}
			cancel()
		case <-bm.quit:
			return
		}
	}
}

// Flush отсылает накопленные изменения единым сообщением.
// При ошибке публикации изменения возвращаются в начало буфера.
func (bm *BatchManager) Flush(ctx context.Context) error {
	bm.mu.Lock()
	if len(bm.buf) == 0 {
		bm.mu.Unlock()
		return nil
	}
	changes := make([]Change, len(bm.buf))
	copy(changes, bm.buf)
	bm.buf = bm.buf[:0]
	bm.byKey = make(map[string]int)
	bm.mu.Unlock()

	payload, err := bm.compressor.Compress(changes)
	if err != nil {
		bm.fail(len(changes))
		return err
	}

	env := &eventbus.Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    bm.source,
		EventType: EventSyncBatch,
		Version:   1,
		Priority:  eventbus.PriorityHigh,
		Payload:   payload,
		Metadata: map[string]string{
			"changes":     strconv.Itoa(len(changes)),
			"compression": bm.compressor.Name(),
		},
	}
	if err := bm.bus.Publish(ctx, env); err != nil {
		bm.requeue(changes)
		return err
	}

	bm.mu.Lock()
	bm.stats.Batches++
	bm.stats.Sent += uint64(len(changes))
	bm.mu.Unlock()
	bm.log.Trace("Отправлен пакет: %d изменений, %d байт", len(changes), len(payload))
	return nil
}

func (bm *BatchManager) fail(n int) {
	bm.mu.Lock()
	bm.stats.Failed += uint64(n)
	bm.mu.Unlock()
}

// requeue возвращает неотправленные изменения; новые изменения с теми же ключами важнее
func (bm *BatchManager) requeue(changes []Change) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	pending := bm.buf
	bm.buf = make([]Change, 0, len(changes)+len(pending))
	bm.byKey = make(map[string]int)
	newer := make(map[string]struct{}, len(pending))
	for _, c := range pending {
		if c.Key != "" {
			newer[c.Key] = struct{}{}
		}
	}
	for _, c := range changes {
		if _, ok := newer[c.Key]; ok && c.Key != "" {
			continue
		}
		if len(bm.buf)+len(pending) >= bm.capacity {
			bm.stats.Failed++
			continue
		}
		bm.put(len(bm.buf), c, true)
	}
	for _, c := range pending {
		bm.put(len(bm.buf), c, true)
	}
}

// Stop завершает работу менеджера и отправляет оставшиеся изменения.
func (bm *BatchManager) Stop(ctx context.Context) error {
	bm.once.Do(func() { close(bm.quit) })
	<-bm.done
	return bm.Flush(ctx)
}
