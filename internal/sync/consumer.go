package sync

import (
	"context"
	"sync/atomic"

	"github.com/annel0/worldstream/internal/eventbus"
	"github.com/annel0/worldstream/internal/logging"
	"github.com/annel0/worldstream/internal/protocol"
)

// MessageHandler обрабатывает одно сообщение из пакета
type MessageHandler func(ctx context.Context, source string, msg protocol.Message) error

// ConsumerStats счётчики потребителя
type ConsumerStats struct {
	Batches  uint64
	Messages uint64
	Rejected uint64
}

// Consumer слушает пакеты sync.batch, разбирает кадры и передаёт сообщения обработчику.
type Consumer struct {
	sub        eventbus.Subscription
	compressor DeltaCompressor
	serializer *protocol.MessageSerializer
	handler    MessageHandler
	log        *logging.Logger

	batches  atomic.Uint64
	messages atomic.Uint64
	rejected atomic.Uint64
}

// NewConsumer подписывается на пакеты. Пустой sources принимает пакеты всех клиентов.
func NewConsumer(ctx context.Context, bus eventbus.EventBus, compressor DeltaCompressor, serializer *protocol.MessageSerializer, handler MessageHandler, sources ...string) (*Consumer, error) {
	if compressor == nil {
		compressor = NewPassthroughCompressor()
	}
	c := &Consumer{
		compressor: compressor,
		serializer: serializer,
		handler:    handler,
		log:        logging.GetSyncLogger(),
	}
	sub, err := bus.Subscribe(ctx, eventbus.Filter{Types: []string{EventSyncBatch}, Sources: sources}, c.handle)
	if err != nil {
		return nil, err
	}
	c.sub = sub
	return c, nil
}

func (c *Consumer) handle(ctx context.Context, ev *eventbus.Envelope) {
	c.batches.Add(1)
	c.log.Debug("Пакет %d байт от %s", len(ev.Payload), ev.Source)

	changes, err := c.compressor.Decompress(ev.Payload)
	if err != nil {
		c.rejected.Add(1)
		c.log.Warn("Не удалось распаковать пакет от %s: %v", ev.Source, err)
		return
	}

	for i, ch := range changes {
		_, msg, err := c.serializer.Decode(ch.Data)
		if err != nil {
			c.rejected.Add(1)
			c.log.Warn("Кадр %d от %s отклонён: %v", i, ev.Source, err)
			continue
		}
		c.messages.Add(1)
		if err := c.handler(ctx, ev.Source, msg); err != nil {
			c.log.Warn("Ошибка применения %s от %s: %v", msg.Type(), ev.Source, err)
		}
	}
}

// Stats возвращает счётчики
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Batches:  c.batches.Load(),
		Messages: c.messages.Load(),
		Rejected: c.rejected.Load(),
	}
}

func (c *Consumer) Stop() { c.sub.Unsubscribe() }
