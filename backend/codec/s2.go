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

	"github.com/klauspost/compress/s2"
)

// s2Codec uses the S2 block format for whole buffers and the S2 stream
// format for spill files.
type s2Codec struct{}

func (s2Codec) Method() Method { return S2 }

func (s2Codec) Compress(src []byte) ([]byte, error) {
	return s2.Encode(nil, src), nil
}

func (s2Codec) Decompress(src []byte, originalLen int) ([]byte, error) {
	res, err := s2.Decode(make([]byte, originalLen), src)
	if err != nil {
		return nil, err
	}
	return checkLength(res, originalLen)
}

func (s2Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return s2.NewWriter(w, s2.WriterConcurrency(1)), nil
}

func (s2Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(s2.NewReader(r)), nil
}
