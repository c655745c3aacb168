// Package zstd implements the default driver.ChunkCodec using
// zstd-compressed frames.
package zstd

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/syndicate-project/ug/internal/driver"
)

// Codec is a zstd-backed driver.ChunkCodec. The zero value is not
// usable; construct with New.
type Codec struct {
	level zstd.EncoderLevel

	encOnce sync.Once
	enc     *zstd.Encoder
	encErr  error

	decOnce sync.Once
	dec     *zstd.Decoder
	decErr  error
}

var _ driver.ChunkCodec = (*Codec)(nil)

// New creates a Codec at the given compression level (zero value
// SpeedDefault).
func New(level zstd.EncoderLevel) *Codec {
	if level == 0 {
		level = zstd.SpeedDefault
	}
	return &Codec{level: level}
}

func (c *Codec) Name() string { return "zstd" }

func (c *Codec) encoder() (*zstd.Encoder, error) {
	c.encOnce.Do(func() {
		c.enc, c.encErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(c.level))
	})
	return c.enc, c.encErr
}

func (c *Codec) decoder() (*zstd.Decoder, error) {
	c.decOnce.Do(func() {
		c.dec, c.decErr = zstd.NewReader(nil)
	})
	return c.dec, c.decErr
}

func (c *Codec) Serialize(plain []byte) ([]byte, error) {
	enc, err := c.encoder()
	if err != nil {
		return nil, fmt.Errorf("zstd driver: %w", err)
	}
	return enc.EncodeAll(plain, make([]byte, 0, len(plain))), nil
}

func (c *Codec) Deserialize(encoded []byte) ([]byte, error) {
	dec, err := c.decoder()
	if err != nil {
		return nil, fmt.Errorf("zstd driver: %w", err)
	}
	out, err := dec.DecodeAll(encoded, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd driver: decode: %w", err)
	}
	return out, nil
}
