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
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"
)

// lz4Codec uses the LZ4 frame format for both whole buffers and streams.
// Frames use small blocks so ranged reads near the start of a payload only
// decode a few kilobytes.
type lz4Codec struct{}

func newLz4Writer(w io.Writer) (*lz4.Writer, error) {
	writer := lz4.NewWriter(w)
	if err := writer.Apply(lz4.BlockSizeOption(lz4.Block64Kb)); err != nil {
		return nil, err
	}
	return writer, nil
}

func (lz4Codec) Method() Method { return Lz4 }

func (lz4Codec) Compress(src []byte) ([]byte, error) {
	var out bytes.Buffer
	writer, err := newLz4Writer(&out)
	if err != nil {
		return nil, err
	}
	if _, err := writer.Write(src); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (lz4Codec) Decompress(src []byte, originalLen int) ([]byte, error) {
	res := make([]byte, originalLen)
	reader := lz4.NewReader(bytes.NewReader(src))
	if _, err := io.ReadFull(reader, res); err != nil {
		return nil, err
	}
	// The frame must not hold more data than announced.
	if n, _ := reader.Read(make([]byte, 1)); n != 0 {
		return nil, ErrLengthMismatch
	}
	return res, nil
}

func (lz4Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return newLz4Writer(w)
}

func (lz4Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}
