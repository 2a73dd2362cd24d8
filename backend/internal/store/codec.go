package store

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// CompressionLevel 快照固定使用 zstd 默认档（约等于 zstd level 3），不随负载调整
const CompressionLevel = zstd.SpeedDefault

const maxDecodedSnapshot = 128 << 20

// Codec 压缩/解压快照。EncodeAll / DecodeAll 可并发调用。
type Codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(CompressionLevel), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSnapshot), zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

func (c *Codec) Compress(state []byte) []byte {
	return c.enc.EncodeAll(state, make([]byte, 0, len(state)/3+64))
}

func (c *Codec) Decompress(b []byte) ([]byte, error) {
	return c.dec.DecodeAll(b, nil)
}

func (c *Codec) Close() {
	if err := c.enc.Close(); err != nil {
		zap.S().Warnw("close zstd encoder", "error", err)
	}
	c.dec.Close()
}

// zapWriter 把 gorm 的日志转给全局 zap
type zapWriter struct{}

func (zapWriter) Printf(format string, args ...any) {
	zap.S().Named("gorm").Warnf(format, args...)
}
