package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"
)

// Флаги кадра
const (
	frameRaw  byte = 0
	frameZstd byte = 1
)

// DefaultCompressThreshold размер конверта, начиная с которого кадр сжимается
const DefaultCompressThreshold = 1024

// maxFrameSize ограничение на распакованный кадр
const maxFrameSize = 16 << 20

// Номера полей конверта в бинарной раскладке
const (
	fieldType      protowire.Number = 1
	fieldSeq       protowire.Number = 2
	fieldTimestamp protowire.Number = 3
	fieldPayload   protowire.Number = 4
)

var (
	// ErrEmptyFrame пустой кадр
	ErrEmptyFrame = errors.New("protocol: empty frame")
	// ErrUnknownMessage тип сообщения не поддерживается
	ErrUnknownMessage = errors.New("protocol: unknown message type")
)

// Envelope конверт сообщения
type Envelope struct {
	Type      MessageType     `json:"type"`
	Seq       uint64          `json:"seq"`
	Timestamp int64           `json:"timestamp"` // unix ns
	Payload   json.RawMessage `json:"payload"`
}

// MessageSerializer упаковывает сообщения в кадры: байт флага + конверт.
// Полезная нагрузка JSON, конверт в раскладке protobuf, большие кадры сжимаются zstd.
type MessageSerializer struct {
	threshold int
	seq       atomic.Uint64

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewMessageSerializer создает сериализатор. threshold <= 0 отключает сжатие.
func NewMessageSerializer(threshold int) (*MessageSerializer, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("ошибка создания zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxFrameSize))
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("ошибка создания zstd decoder: %w", err)
	}
	return &MessageSerializer{threshold: threshold, encoder: encoder, decoder: decoder}, nil
}

// Close освобождает ресурсы кодеков
func (ms *MessageSerializer) Close() {
	ms.encoder.Close()
	ms.decoder.Close()
}

// SerializeMessage проверяет и упаковывает сообщение
func (ms *MessageSerializer) SerializeMessage(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации полезной нагрузки: %w", err)
	}

	env := &Envelope{
		Type:      msg.Type(),
		Seq:       ms.seq.Add(1),
		Timestamp: time.Now().UnixNano(),
		Payload:   payload,
	}
	body := marshalEnvelope(env)

	if ms.threshold > 0 && len(body) >= ms.threshold {
		frame := make([]byte, 1, len(body)/2+1)
		frame[0] = frameZstd
		return ms.encoder.EncodeAll(body, frame), nil
	}
	frame := make([]byte, 0, len(body)+1)
	frame = append(frame, frameRaw)
	return append(frame, body...), nil
}

// DeserializeMessage разбирает кадр в конверт
func (ms *MessageSerializer) DeserializeMessage(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	body := data[1:]
	switch data[0] {
	case frameRaw:
	case frameZstd:
		decoded, err := ms.decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("ошибка распаковки кадра: %w", err)
		}
		body = decoded
	default:
		return nil, fmt.Errorf("protocol: unknown frame flag %d", data[0])
	}

	env, err := unmarshalEnvelope(body)
	if err != nil {
		return nil, fmt.Errorf("ошибка десериализации сообщения: %w", err)
	}
	return env, nil
}

// DeserializePayload восстанавливает типизированное сообщение и проверяет его
func (ms *MessageSerializer) DeserializePayload(env *Envelope) (Message, error) {
	msg, err := newMessage(env.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("ошибка десериализации полезной нагрузки %s: %w", env.Type, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// Decode разбирает кадр целиком
func (ms *MessageSerializer) Decode(data []byte) (*Envelope, Message, error) {
	env, err := ms.DeserializeMessage(data)
	if err != nil {
		return nil, nil, err
	}
	msg, err := ms.DeserializePayload(env)
	if err != nil {
		return env, nil, err
	}
	return env, msg, nil
}

func newMessage(t MessageType) (Message, error) {
	switch t {
	case TypeSubscribe:
		return &SubscribeRequest{}, nil
	case TypeUnsubscribe:
		return &UnsubscribeRequest{}, nil
	case TypePositionUpdate:
		return &PositionUpdate{}, nil
	case TypeEntityInteract:
		return &EntityInteractRequest{}, nil
	case TypeEntityUpdate:
		return &EntityUpdateRequest{}, nil
	case TypeChunkData:
		return &ChunkData{}, nil
	case TypeEntityDelta:
		return &EntityDeltaBatch{}, nil
	case TypePlayerPresence:
		return &PlayerPresence{}, nil
	case TypeSubscribeAck:
		return &SubscribeAck{}, nil
	case TypeUnsubscribeAck:
		return &UnsubscribeAck{}, nil
	case TypeChunkState:
		return &ChunkStateNotice{}, nil
	case TypeError:
		return &ErrorMessage{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, t)
}

func marshalEnvelope(env *Envelope) []byte {
	b := make([]byte, 0, len(env.Payload)+len(env.Type)+24)
	b = protowire.AppendTag(b, fieldType, protowire.BytesType)
	b = protowire.AppendString(b, string(env.Type))
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, env.Seq)
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(env.Timestamp))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, env.Payload)
	return b
}

func unmarshalEnvelope(b []byte) (*Envelope, error) {
	env := &Envelope{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldType && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			env.Type = MessageType(v)
			b = b[n:]
		case num == fieldSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			env.Seq = v
			b = b[n:]
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			env.Timestamp = int64(v)
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			env.Payload = append(json.RawMessage(nil), v...)
			b = b[n:]
		default:
			// неизвестные поля пропускаются
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrUnknownMessage)
	}
	return env, nil
}
