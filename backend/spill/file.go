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
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/XinShuoWang/sort/backend/codec"
)

const streamBufferSize = 1 << 16

// countingWriter tracks the number of bytes passed to the wrapped writer.
type countingWriter struct {
	writer  io.Writer
	written uint64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.writer.Write(p)
	w.written += uint64(n)
	return n, err
}

// stagingWriter buffers all data passed to the wrapped writer. Unlike
// bufio.Writer it never hands large inputs through directly: block memory
// must be read in user mode, since faults raised inside a system call are
// not delivered to user-mode-only fault handlers.
type stagingWriter struct {
	writer io.Writer
	buffer []byte
}

func newStagingWriter(w io.Writer) *stagingWriter {
	return &stagingWriter{writer: w, buffer: make([]byte, 0, streamBufferSize)}
}

func (w *stagingWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := min(len(p), cap(w.buffer)-len(w.buffer))
		w.buffer = append(w.buffer, p[:n]...)
		p = p[n:]
		written += n
		if len(w.buffer) == cap(w.buffer) {
			if err := w.Flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

func (w *stagingWriter) Flush() error {
	if len(w.buffer) == 0 {
		return nil
	}
	_, err := w.writer.Write(w.buffer)
	w.buffer = w.buffer[:0]
	return err
}

// writeFile creates a new spill file at path holding data encoded with the
// given codec. The file must not exist yet. On failure the partially
// written file is removed.
func writeFile(path string, c codec.Codec, data []byte) (meta FileMeta, err error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return FileMeta{}, err
	}
	defer func() {
		err = errors.Join(err, file.Close())
		if err != nil {
			err = errors.Join(err, os.Remove(path))
		}
	}()

	meta = newFileMeta(c.Method(), uint64(len(data)))
	header := meta.Encode()
	staged := newStagingWriter(file)
	if _, err := staged.Write(header[:]); err != nil {
		return FileMeta{}, err
	}

	if c.Method() == codec.None {
		if _, err := staged.Write(data); err != nil {
			return FileMeta{}, err
		}
		return meta, staged.Flush()
	}

	counter := &countingWriter{writer: staged}
	stream, err := c.NewWriter(counter)
	if err != nil {
		return FileMeta{}, err
	}
	if _, err := stream.Write(data); err != nil {
		stream.Close()
		return FileMeta{}, err
	}
	if err := stream.Close(); err != nil {
		return FileMeta{}, err
	}
	if err := staged.Flush(); err != nil {
		return FileMeta{}, err
	}

	meta.CompressedSize = counter.written
	header = meta.Encode()
	if _, err := file.WriteAt(header[:], 0); err != nil {
		return FileMeta{}, err
	}
	return meta, nil
}

// readFileMeta reads and validates the header of the given spill file.
func readFileMeta(file io.ReaderAt) (FileMeta, error) {
	var header [HeaderSize]byte
	if n, err := file.ReadAt(header[:], 0); err != nil {
		if errors.Is(err, io.EOF) {
			return FileMeta{}, fmt.Errorf("%w: header truncated to %d bytes", ErrCorruptFile, n)
		}
		return FileMeta{}, err
	}
	return DecodeFileMeta(header[:])
}

// ReadRange fills dst with the original bytes [offset, offset+len(dst)) of
// the payload stored in the spill file at path.
func ReadRange(path string, offset uint64, dst []byte) (err error) {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, file.Close())
	}()

	meta, err := readFileMeta(file)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := codec.CheckRange(meta.OriginalSize, offset, uint64(len(dst))); err != nil {
		return err
	}
	c, err := codec.Lookup(meta.Method)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCorruptFile, path, err)
	}

	if meta.Method == codec.None {
		if _, err := file.ReadAt(dst, int64(HeaderSize+offset)); err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: %s: payload truncated", ErrCorruptFile, path)
			}
			return err
		}
		return nil
	}

	payload := io.NewSectionReader(file, HeaderSize, int64(meta.CompressedSize))
	return codec.DecompressRange(c, bufio.NewReaderSize(payload, streamBufferSize), meta.OriginalSize, offset, dst)
}
