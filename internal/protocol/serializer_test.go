package protocol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/worldstream/internal/streaming"
	"github.com/annel0/worldstream/internal/vec"
)

func newTestSerializer(t *testing.T, threshold int) *MessageSerializer {
	t.Helper()
	ms, err := NewMessageSerializer(threshold)
	require.NoError(t, err)
	t.Cleanup(ms.Close)
	return ms
}

func TestSerializerRoundTrip(t *testing.T) {
	ms := newTestSerializer(t, DefaultCompressThreshold)

	in := &SubscribeRequest{
		Chunks:   []string{"0,0", "-1,2"},
		Position: vec.Vec3Float{X: 10, Y: 1, Z: -5},
		LOD:      map[string]int{"0,0": 0, "-1,2": 2},
	}
	frame, err := ms.SerializeMessage(in)
	require.NoError(t, err)
	assert.Equal(t, frameRaw, frame[0], "маленький кадр не сжимается")

	env, msg, err := ms.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, TypeSubscribe, env.Type)
	assert.Equal(t, uint64(1), env.Seq)
	assert.NotZero(t, env.Timestamp)
	assert.Equal(t, in, msg)

	frame, err = ms.SerializeMessage(&UnsubscribeRequest{Chunks: []string{"3,3"}})
	require.NoError(t, err)
	env, err = ms.DeserializeMessage(frame)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), env.Seq, "номер конверта растёт")
}

func TestSerializerCompressesLargeFrames(t *testing.T) {
	ms := newTestSerializer(t, 256)

	data := &ChunkData{Chunk: "4,-4", State: ServerChunkActive, Sequence: 9}
	for i := 0; i < 50; i++ {
		data.Entities = append(data.Entities, &streaming.Entity{
			ID:       fmt.Sprintf("tree-%02d", i),
			AssetRef: "props/tree_oak",
			Type:     "tree",
			Position: vec.Vec3Float{X: float64(256 + i), Z: float64(-256 + i)},
			Scale:    vec.Vec3Float{X: 1, Y: 1, Z: 1},
		})
	}
	frame, err := ms.SerializeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, frameZstd, frame[0])

	_, msg, err := ms.Decode(frame)
	require.NoError(t, err)
	got, ok := msg.(*ChunkData)
	require.True(t, ok)
	assert.Len(t, got.Entities, 50)
	assert.Equal(t, "tree-49", got.Entities[49].ID)
	assert.Equal(t, uint64(9), got.Sequence)
}

func TestSerializerRejectsInvalid(t *testing.T) {
	ms := newTestSerializer(t, 0)

	_, err := ms.SerializeMessage(&SubscribeRequest{})
	assert.ErrorIs(t, err, ErrValidation, "некорректное сообщение не отправляется")

	_, err = ms.DeserializeMessage(nil)
	assert.ErrorIs(t, err, ErrEmptyFrame)

	_, err = ms.DeserializeMessage([]byte{7, 1, 2})
	assert.Error(t, err)

	_, err = ms.DeserializeMessage([]byte{frameZstd, 1, 2, 3})
	assert.Error(t, err)

	_, err = ms.DeserializeMessage([]byte{frameRaw, 0x0a, 0x7f})
	assert.Error(t, err, "обрезанное поле")

	// корректный конверт с некорректной нагрузкой
	body := marshalEnvelope(&Envelope{Type: TypeChunkState, Seq: 1, Payload: []byte(`{"chunk":"x","state":"active"}`)})
	_, _, err = ms.Decode(append([]byte{frameRaw}, body...))
	assert.True(t, errors.Is(err, ErrValidation))

	body = marshalEnvelope(&Envelope{Type: "teleport", Seq: 1, Payload: []byte(`{}`)})
	_, _, err = ms.Decode(append([]byte{frameRaw}, body...))
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestEnvelopeSkipsUnknownFields(t *testing.T) {
	env := &Envelope{Type: TypeError, Seq: 3, Timestamp: 42, Payload: []byte(`{"code":"INTERNAL","message":"x"}`)}
	body := marshalEnvelope(env)
	// поле 9 varint добавлено более новой версией
	body = append(body, 0x48, 0x01)

	got, err := unmarshalEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, env.Type, got.Type)
	assert.Equal(t, env.Seq, got.Seq)
	assert.Equal(t, env.Timestamp, got.Timestamp)
	assert.JSONEq(t, string(env.Payload), string(got.Payload))
}
