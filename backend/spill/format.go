// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package spill

import (
	"encoding/binary"
	"fmt"

	"github.com/XinShuoWang/sort/backend/codec"
)

// Spill files are self-describing. Each file starts with a fixed size
// header followed by the payload:
//
//  file    ::= <header> <payload>
//  header  ::= <magic:u32> <version:u16> <method:u16> <original-size:u64> <compressed-size:u64>
//  payload ::= original-size raw bytes                 (method none)
//            | compressed-size bytes of a codec stream (any other method)
//
// All integers are little endian. For compressed payloads the header is
// first written with a compressed size of zero and patched once the stream
// has been completed.

const (
	// MagicNumber identifies spill files.
	MagicNumber = uint32(0x53554C46)
	// FormatVersion is the only version understood by this package.
	FormatVersion = uint16(1)
	// HeaderSize is the encoded size of FileMeta.
	HeaderSize = 24
)

// FileMeta is the header of a spill file.
type FileMeta struct {
	Magic          uint32
	Version        uint16
	Method         codec.Method
	OriginalSize   uint64
	CompressedSize uint64
}

func newFileMeta(method codec.Method, originalSize uint64) FileMeta {
	meta := FileMeta{
		Magic:        MagicNumber,
		Version:      FormatVersion,
		Method:       method,
		OriginalSize: originalSize,
	}
	if method == codec.None {
		meta.CompressedSize = originalSize
	}
	return meta
}

// Encode serializes the header into its on-disk representation.
func (m FileMeta) Encode() [HeaderSize]byte {
	var res [HeaderSize]byte
	binary.LittleEndian.PutUint32(res[0:4], m.Magic)
	binary.LittleEndian.PutUint16(res[4:6], m.Version)
	binary.LittleEndian.PutUint16(res[6:8], uint16(m.Method))
	binary.LittleEndian.PutUint64(res[8:16], m.OriginalSize)
	binary.LittleEndian.PutUint64(res[16:24], m.CompressedSize)
	return res
}

// DecodeFileMeta parses and validates a header. Headers with an unexpected
// magic number or version are reported as ErrCorruptFile.
func DecodeFileMeta(data []byte) (FileMeta, error) {
	if len(data) < HeaderSize {
		return FileMeta{}, fmt.Errorf("%w: header truncated to %d bytes", ErrCorruptFile, len(data))
	}
	meta := FileMeta{
		Magic:          binary.LittleEndian.Uint32(data[0:4]),
		Version:        binary.LittleEndian.Uint16(data[4:6]),
		Method:         codec.Method(binary.LittleEndian.Uint16(data[6:8])),
		OriginalSize:   binary.LittleEndian.Uint64(data[8:16]),
		CompressedSize: binary.LittleEndian.Uint64(data[16:24]),
	}
	if meta.Magic != MagicNumber {
		return FileMeta{}, fmt.Errorf("%w: invalid magic number %#x", ErrCorruptFile, meta.Magic)
	}
	if meta.Version != FormatVersion {
		return FileMeta{}, fmt.Errorf("%w: unsupported version %d", ErrCorruptFile, meta.Version)
	}
	return meta, nil
}
