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
	"fmt"
	"io"
	"strings"

	"github.com/XinShuoWang/sort/common"
)

const (
	ErrUnknownMethod    = common.ConstError("unknown compression method")
	ErrRangeOutOfBounds = common.ConstError("requested range exceeds original size")
	ErrShortStream      = common.ConstError("compressed stream ended before requested range")
	ErrLengthMismatch   = common.ConstError("decompressed length does not match original length")
)

// Method identifies a compression strategy. The numeric values are part of
// the spill file format and must not be changed.
type Method uint16

const (
	None Method = 0
	Zstd Method = 1
	Lz4  Method = 2
	S2   Method = 3
)

var methodNames = map[Method]string{
	None: "none",
	Zstd: "zstd",
	Lz4:  "lz4",
	S2:   "s2",
}

func (m Method) String() string {
	if name, found := methodNames[m]; found {
		return name
	}
	return fmt.Sprintf("method(%d)", uint16(m))
}

// ParseMethod converts a textual method name, as used in configuration
// files, into a Method. Matching is case insensitive.
func ParseMethod(name string) (Method, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return None, nil
	}
	for method, cur := range methodNames {
		if cur == name {
			return method, nil
		}
	}
	return None, fmt.Errorf("%w: %q", ErrUnknownMethod, name)
}

func (m Method) MarshalText() ([]byte, error) {
	if _, found := methodNames[m]; !found {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMethod, uint16(m))
	}
	return []byte(m.String()), nil
}

func (m *Method) UnmarshalText(text []byte) error {
	res, err := ParseMethod(string(text))
	if err != nil {
		return err
	}
	*m = res
	return nil
}

// Codec is a compression strategy applied to spilled payloads. Whole-buffer
// operations and streams must round-trip exactly; streams produced by
// NewWriter are the format used inside spill files.
type Codec interface {
	// Method returns the identifier of this codec.
	Method() Method
	// Compress produces the compressed form of src.
	Compress(src []byte) ([]byte, error)
	// Decompress restores the original data of the given length.
	Decompress(src []byte, originalLen int) ([]byte, error)
	// NewWriter wraps w into a compressing stream. The stream needs to be
	// closed to flush all data to w; w itself is not closed.
	NewWriter(w io.Writer) (io.WriteCloser, error)
	// NewReader wraps r into a decompressing stream.
	NewReader(r io.Reader) (io.ReadCloser, error)
}

var codecs = map[Method]Codec{
	None: identity{},
	Zstd: &zstdCodec{},
	Lz4:  lz4Codec{},
	S2:   s2Codec{},
}

// Lookup provides the codec for the given method.
func Lookup(method Method) (Codec, error) {
	if codec, found := codecs[method]; found {
		return codec, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownMethod, uint16(method))
}

// Methods lists all supported methods.
func Methods() []Method {
	return []Method{None, Zstd, Lz4, S2}
}

func checkLength(data []byte, originalLen int) ([]byte, error) {
	if len(data) != originalLen {
		return nil, fmt.Errorf("%w: wanted %d, got %d", ErrLengthMismatch, originalLen, len(data))
	}
	return data, nil
}

type identity struct{}

func (identity) Method() Method { return None }

func (identity) Compress(src []byte) ([]byte, error) {
	return append([]byte(nil), src...), nil
}

func (identity) Decompress(src []byte, originalLen int) ([]byte, error) {
	return checkLength(append([]byte(nil), src...), originalLen)
}

func (identity) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (identity) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
