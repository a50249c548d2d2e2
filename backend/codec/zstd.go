// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package codec

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// zstdCodec compresses with the fastest zstd level; spilling happens on the
// allocating goroutine, so throughput matters more than ratio.
type zstdCodec struct {
	once    sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	err     error
}

func (*zstdCodec) Method() Method { return Zstd }

// init creates the shared encoder and decoder used for whole-buffer
// operations. Both are safe for concurrent EncodeAll/DecodeAll calls.
func (c *zstdCodec) init() error {
	c.once.Do(func() {
		c.encoder, c.err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if c.err != nil {
			return
		}
		c.decoder, c.err = zstd.NewReader(nil)
	})
	return c.err
}

func (c *zstdCodec) Compress(src []byte) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	return c.encoder.EncodeAll(src, nil), nil
}

func (c *zstdCodec) Decompress(src []byte, originalLen int) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	res, err := c.decoder.DecodeAll(src, make([]byte, 0, originalLen))
	if err != nil {
		return nil, err
	}
	return checkLength(res, originalLen)
}

func (*zstdCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1),
	)
}

func (*zstdCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	decoder, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return decoder.IOReadCloser(), nil
}
