package sync

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// ErrCorruptBatch возвращается, если пакет изменений не разбирается
var ErrCorruptBatch = errors.New("sync: corrupt batch")

// DeltaCompressor кодирует/декодирует изменения (Change) в компактный вид.
type DeltaCompressor interface {
	Compress(changes []Change) ([]byte, error)
	Decompress(payload []byte) ([]Change, error)
	Name() string
}

type passthroughCompressor struct{}

// NewPassthroughCompressor склеивает кадры без сжатия: [uvarint len][data]...
func NewPassthroughCompressor() DeltaCompressor { return passthroughCompressor{} }

func (passthroughCompressor) Name() string { return "none" }

func (passthroughCompressor) Compress(changes []Change) ([]byte, error) {
	size := 0
	for _, c := range changes {
		size += len(c.Data) + binary.MaxVarintLen32
	}
	buf := make([]byte, 0, size)
	for _, c := range changes {
		buf = binary.AppendUvarint(buf, uint64(len(c.Data)))
		buf = append(buf, c.Data...)
	}
	return buf, nil
}

func (passthroughCompressor) Decompress(payload []byte) ([]Change, error) {
	var res []Change
	for i := 0; i < len(payload); {
		n, read := binary.Uvarint(payload[i:])
		if read <= 0 {
			return nil, fmt.Errorf("%w: bad length at offset %d", ErrCorruptBatch, i)
		}
		i += read
		if n > uint64(len(payload)-i) {
			return nil, fmt.Errorf("%w: frame of %d bytes exceeds payload", ErrCorruptBatch, n)
		}
		res = append(res, Change{Data: payload[i : i+int(n)]})
		i += int(n)
	}
	return res, nil
}

// zstdCompressor сжимает склеенные кадры zstd
type zstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstdCompressor создаёт компрессор; encoder и decoder используются конкурентно через *All методы
func NewZstdCompressor() (DeltaCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &zstdCompressor{encoder: enc, decoder: dec}, nil
}

func (z *zstdCompressor) Name() string { return "zstd" }

func (z *zstdCompressor) Compress(changes []Change) ([]byte, error) {
	raw, err := passthroughCompressor{}.Compress(changes)
	if err != nil {
		return nil, err
	}
	return z.encoder.EncodeAll(raw, nil), nil
}

func (z *zstdCompressor) Decompress(payload []byte) ([]Change, error) {
	raw, err := z.decoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBatch, err)
	}
	return passthroughCompressor{}.Decompress(raw)
}
