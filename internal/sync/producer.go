package sync

import (
	"fmt"

	"github.com/annel0/worldstream/internal/protocol"
)

// Приоритеты исходящих сообщений
const (
	priorityPosition     = 3
	priorityInteract     = 6
	priorityEntityUpdate = 7
	priorityImmediate    = 8
	prioritySubscription = 9
)

// Producer сериализует исходящие сообщения сессии и передаёт их BatchManager'у.
type Producer struct {
	serializer *protocol.MessageSerializer
	bm         *BatchManager
}

func NewProducer(serializer *protocol.MessageSerializer, bm *BatchManager) *Producer {
	return &Producer{serializer: serializer, bm: bm}
}

// Send ставит сообщения в очередь. Невалидные сообщения пропускаются, первая ошибка возвращается.
func (p *Producer) Send(msgs []protocol.Message) error {
	var firstErr error
	for _, msg := range msgs {
		frame, err := p.serializer.SerializeMessage(msg)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("serialize %s: %w", msg.Type(), err)
			}
			continue
		}
		priority, key := classify(msg)
		p.bm.AddChange(Change{Data: frame, Priority: priority, Kind: msg.Type(), Key: key})
	}
	return firstErr
}

// classify возвращает приоритет и ключ слияния сообщения.
// Позиция и полное состояние сущности устаревают, поэтому в пакете остаётся последнее.
func classify(msg protocol.Message) (int, string) {
	switch m := msg.(type) {
	case *protocol.PositionUpdate:
		return priorityPosition, "position"
	case *protocol.EntityUpdateRequest:
		if m.Immediate {
			return priorityImmediate, "entity:" + m.EntityID
		}
		return priorityEntityUpdate, "entity:" + m.EntityID
	case *protocol.EntityInteractRequest:
		return priorityInteract, ""
	case *protocol.SubscribeRequest, *protocol.UnsubscribeRequest:
		return prioritySubscription, ""
	}
	return priorityPosition, ""
}
