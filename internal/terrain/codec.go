package terrain

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"

	"github.com/annel0/worldstream/internal/streaming"
)

// ErrCorruptTerrain возвращается, если закодированная геометрия повреждена
var ErrCorruptTerrain = errors.New("terrain: corrupt encoding")

const codecVersion = 1

// Codec кодирует Terrain в компактный бинарный вид: заголовок из uvarint
// (версия, разрешение, длины буферов), затем float32/uint32 little-endian, всё под zstd.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCodec создаёт кодек. Encoder и decoder безопасны для конкурентного EncodeAll/DecodeAll.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Codec{encoder: enc, decoder: dec}, nil
}

// Close освобождает ресурсы zstd
func (c *Codec) Close() {
	c.encoder.Close()
	c.decoder.Close()
}

// Encode сериализует и сжимает геометрию
func (c *Codec) Encode(t *streaming.Terrain) []byte {
	size := int(t.SizeBytes()) + 5*binary.MaxVarintLen64
	buf := make([]byte, 0, size)
	buf = binary.AppendUvarint(buf, codecVersion)
	buf = binary.AppendUvarint(buf, uint64(t.Resolution))
	buf = binary.AppendUvarint(buf, uint64(len(t.Heightmap)))
	buf = binary.AppendUvarint(buf, uint64(len(t.Vertices)))
	buf = binary.AppendUvarint(buf, uint64(len(t.Normals)))
	buf = binary.AppendUvarint(buf, uint64(len(t.Indices)))
	for _, part := range [][]float32{t.Heightmap, t.Vertices, t.Normals} {
		for _, f := range part {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
		}
	}
	for _, idx := range t.Indices {
		buf = binary.LittleEndian.AppendUint32(buf, idx)
	}
	return c.encoder.EncodeAll(buf, nil)
}

// Decode восстанавливает геометрию
func (c *Codec) Decode(data []byte) (*streaming.Terrain, error) {
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptTerrain, err)
	}
	r := bytes.NewReader(raw)

	var header [6]uint64
	for i := range header {
		if header[i], err = binary.ReadUvarint(r); err != nil {
			return nil, fmt.Errorf("%w: header: %v", ErrCorruptTerrain, err)
		}
	}
	if header[0] != codecVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptTerrain, header[0])
	}
	total := header[2] + header[3] + header[4] + header[5]
	if uint64(r.Len()) != total*4 {
		return nil, fmt.Errorf("%w: payload length %d, want %d", ErrCorruptTerrain, r.Len(), total*4)
	}

	t := &streaming.Terrain{Resolution: int(header[1])}
	if t.Heightmap, err = readFloats(r, header[2]); err != nil {
		return nil, err
	}
	if t.Vertices, err = readFloats(r, header[3]); err != nil {
		return nil, err
	}
	if t.Normals, err = readFloats(r, header[4]); err != nil {
		return nil, err
	}
	t.Indices = make([]uint32, header[5])
	if err := binary.Read(r, binary.LittleEndian, t.Indices); err != nil {
		return nil, fmt.Errorf("%w: indices: %v", ErrCorruptTerrain, err)
	}
	return t, nil
}

func readFloats(r io.Reader, n uint64) ([]float32, error) {
	out := make([]float32, n)
	if err := binary.Read(r, binary.LittleEndian, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptTerrain, err)
	}
	return out, nil
}
