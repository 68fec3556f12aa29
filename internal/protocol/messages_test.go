package protocol

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/worldstream/internal/streaming"
	"github.com/annel0/worldstream/internal/vec"
)

func TestIsValidChunkID(t *testing.T) {
	for _, ok := range []string{"0,0", "-3,7", "120,-45"} {
		assert.True(t, IsValidChunkID(ok), ok)
	}
	for _, bad := range []string{"", "1", "a,b", "1,2,3", "1.5,2", " 1,2", "01,2", "+1,2"} {
		assert.False(t, IsValidChunkID(bad), "строка %q", bad)
	}
}

func TestParseChunkIDsRejectsWholeList(t *testing.T) {
	ids, err := ParseChunkIDs("chunks", []string{"1,2", "-1,-1"})
	require.NoError(t, err)
	assert.Equal(t, []streaming.ChunkID{{X: 1, Z: 2}, {X: -1, Z: -1}}, ids)
	assert.Equal(t, []string{"1,2", "-1,-1"}, FormatChunkIDs(ids))

	_, err = ParseChunkIDs("chunks", []string{"1,2", "x"})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, CodeInvalidChunk, verr.Code)
	assert.Equal(t, "chunks[1]", verr.Field)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMessageValidation(t *testing.T) {
	name := "rock"
	pos := vec.Vec3Float{X: 1}
	nan := vec.Vec3Float{X: math.NaN()}
	tooMany := make([]string, MaxChunksPerRequest+1)
	for i := range tooMany {
		tooMany[i] = "0,0"
	}

	tests := []struct {
		name string
		msg  Message
		code ErrorCode // пусто - сообщение корректно
	}{
		{"subscribe ok", SubscribeRequest{Chunks: []string{"0,0"}, LOD: map[string]int{"0,0": 1}}, ""},
		{"subscribe empty", SubscribeRequest{}, CodeInvalidChunk},
		{"subscribe bad id", SubscribeRequest{Chunks: []string{"0;0"}}, CodeInvalidChunk},
		{"subscribe too many", SubscribeRequest{Chunks: tooMany}, CodeRateLimited},
		{"subscribe negative lod", SubscribeRequest{Chunks: []string{"0,0"}, LOD: map[string]int{"0,0": -1}}, CodeInvalidChunk},
		{"subscribe nan position", SubscribeRequest{Chunks: []string{"0,0"}, Position: nan}, CodeInternal},
		{"unsubscribe ok", UnsubscribeRequest{Chunks: []string{"1,1"}}, ""},
		{"position ok", PositionUpdate{Sequence: 1, ClientTime: 5}, ""},
		{"position zero seq", PositionUpdate{ClientTime: 5}, CodeSequenceOutOfOrder},
		{"position nan", PositionUpdate{Sequence: 1, ClientTime: 5, Velocity: nan}, CodeInternal},
		{"interact ok", EntityInteractRequest{EntityID: "e", Chunk: "0,0", Action: "open"}, ""},
		{"interact no entity", EntityInteractRequest{Chunk: "0,0", Action: "open"}, CodeEntityNotFound},
		{"update ok", EntityUpdateRequest{Sequence: 1, Chunk: "0,0", EntityID: "e", Patch: streaming.EntityPatch{Position: &pos}}, ""},
		{"update empty patch", EntityUpdateRequest{Sequence: 1, Chunk: "0,0", EntityID: "e"}, CodeInternal},
		{"update nan patch", EntityUpdateRequest{Sequence: 1, Chunk: "0,0", EntityID: "e", Patch: streaming.EntityPatch{Scale: &nan}}, CodeInternal},
		{"chunk data ok", ChunkData{Chunk: "0,0", State: ServerChunkActive, Entities: []*streaming.Entity{{ID: "a"}}}, ""},
		{"chunk data bad state", ChunkData{Chunk: "0,0", State: "gone"}, CodeInternal},
		{"chunk data duplicate", ChunkData{Chunk: "0,0", State: ServerChunkActive, Entities: []*streaming.Entity{{ID: "a"}, {ID: "a"}}}, CodeInternal},
		{"chunk data nil entity", ChunkData{Chunk: "0,0", State: ServerChunkActive, Entities: []*streaming.Entity{nil}}, CodeInternal},
		{"presence ok", PlayerPresence{PlayerID: "p", Chunk: "2,2", Joined: true}, ""},
		{"ack ok", SubscribeAck{Succeeded: []string{"0,0"}, Failed: []FailedChunk{{Chunk: "1,0", Reason: CodeRateLimited}}}, ""},
		{"ack unknown reason", SubscribeAck{Failed: []FailedChunk{{Chunk: "1,0", Reason: "NOPE"}}}, CodeInternal},
		{"unsubscribe ack bad id", UnsubscribeAck{Succeeded: []string{"x"}}, CodeInvalidChunk},
		{"state ok", ChunkStateNotice{Chunk: "0,0", State: ServerChunkHibernating}, ""},
		{"error ok", ErrorMessage{Code: CodeNotSubscribed, Chunk: "0,0"}, ""},
		{"error unknown code", ErrorMessage{Code: "TEAPOT"}, CodeInternal},
		{"delta create ok", EntityDeltaBatch{Chunk: "0,0", Deltas: []EntityDelta{{Op: OpCreate, EntityID: "a", Entity: &streaming.Entity{ID: "a", AssetRef: name}}}}, ""},
		{"delta create mismatched id", EntityDeltaBatch{Chunk: "0,0", Deltas: []EntityDelta{{Op: OpCreate, EntityID: "a", Entity: &streaming.Entity{ID: "b"}}}}, CodeInternal},
		{"delta update without patch", EntityDeltaBatch{Chunk: "0,0", Deltas: []EntityDelta{{Op: OpUpdate, EntityID: "a"}}}, CodeInternal},
		{"delta handoff same chunk", EntityDeltaBatch{Chunk: "0,0", Deltas: []EntityDelta{{Op: OpHandoff, EntityID: "a", FromChunk: "0,0", ToChunk: "0,0"}}}, CodeInvalidChunk},
		{"delta unknown op", EntityDeltaBatch{Chunk: "0,0", Deltas: []EntityDelta{{Op: "teleport", EntityID: "a"}}}, CodeInternal},
		{"delta delete ok", EntityDeltaBatch{Chunk: "0,0", Deltas: []EntityDelta{{Op: OpDelete, EntityID: "a"}}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "ожидалась ошибка проверки, получено %v", err)
			assert.Equal(t, tt.code, verr.Code)
		})
	}
}

func TestDeltaBatchErrorNamesDelta(t *testing.T) {
	batch := EntityDeltaBatch{Chunk: "0,0", Deltas: []EntityDelta{
		{Op: OpDelete, EntityID: "a"},
		{Op: OpUpdate, EntityID: "b"},
	}}
	var verr *ValidationError
	require.True(t, errors.As(batch.Validate(), &verr))
	assert.True(t, strings.HasPrefix(verr.Field, "deltas[1]."), verr.Field)
}

func TestToErrorMessage(t *testing.T) {
	msg := ToErrorMessage(SubscribeRequest{}.Validate())
	assert.Equal(t, CodeInvalidChunk, msg.Code)
	assert.NoError(t, msg.Validate())

	_, err := streaming.ParseChunkID("oops")
	assert.Equal(t, CodeInvalidChunk, ToErrorMessage(err).Code)

	assert.Equal(t, CodeInternal, ToErrorMessage(errors.New("boom")).Code)
	assert.Equal(t, "INTERNAL (1,1): boom", ErrorMessage{Code: CodeInternal, Chunk: "1,1", Message: "boom"}.Error())
}
