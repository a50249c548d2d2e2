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
	"errors"
	"fmt"
	"io"
)

// CheckRange verifies that [offset, offset+length) lies within a payload of
// originalLen bytes.
func CheckRange(originalLen, offset, length uint64) error {
	end := offset + length
	if end < offset || end > originalLen {
		return fmt.Errorf("%w: [%d, %d) of %d bytes", ErrRangeOutOfBounds, offset, end, originalLen)
	}
	return nil
}

// DecompressRange fills dst with the bytes [offset, offset+len(dst)) of the
// original payload compressed into in. The stream is decoded sequentially;
// decoded bytes before offset are discarded and decoding stops as soon as
// dst is filled, so at most offset+len(dst) bytes are ever produced.
func DecompressRange(codec Codec, in io.Reader, originalLen, offset uint64, dst []byte) error {
	if err := CheckRange(originalLen, offset, uint64(len(dst))); err != nil {
		return err
	}
	reader, err := codec.NewReader(in)
	if err != nil {
		return err
	}
	defer reader.Close()

	if skipped, err := io.CopyN(io.Discard, reader, int64(offset)); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: skipped %d of %d bytes", ErrShortStream, skipped, offset)
		}
		return err
	}
	if n, err := io.ReadFull(reader, dst); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: read %d of %d bytes", ErrShortStream, n, len(dst))
		}
		return err
	}
	return nil
}
