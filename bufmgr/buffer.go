// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package bufmgr

import (
	"runtime"
	"sync/atomic"

	"github.com/XinShuoWang/sort/backend/vmem"
)

// Buffer is a block of memory handed out by a Manager. Its content may be
// spilled at any time while it is not accessed; accesses restore it.
//
// Buffers should be released explicitly. Buffers dropped without release
// are released once they are garbage collected.
type Buffer struct {
	manager  *Manager
	block    *vmem.Block
	released atomic.Bool
	cleanup  runtime.Cleanup
}

func newBuffer(manager *Manager, block *vmem.Block) *Buffer {
	res := &Buffer{manager: manager, block: block}
	res.cleanup = runtime.AddCleanup(res, func(block *vmem.Block) {
		if err := manager.release(block); err != nil {
			manager.log.WithError(err).Warn("failed to release collected buffer")
		}
	}, block)
	return res
}

func (b *Buffer) ID() vmem.BlockID {
	return b.block.ID()
}

// Bytes provides access to the buffer's memory. The slice must not be used
// after the buffer has been released.
func (b *Buffer) Bytes() ([]byte, error) {
	if b.released.Load() {
		return nil, ErrBufferReleased
	}
	return b.block.Bytes()
}

// Address returns the base address of the buffer's memory.
func (b *Buffer) Address() (uintptr, error) {
	if b.released.Load() {
		return 0, ErrBufferReleased
	}
	return b.block.Address()
}

// Size returns the usable size, which is the requested size rounded up to
// the manager's block granularity.
func (b *Buffer) Size() uint64 {
	return b.block.Size()
}

func (b *Buffer) RequestedSize() uint64 {
	return b.block.RequestedSize()
}

// Release refunds the buffer's quota charge, drops its spilled content and
// unmaps its memory. Subsequent calls have no effect.
func (b *Buffer) Release() error {
	if b.released.Swap(true) {
		return nil
	}
	b.cleanup.Stop()
	return b.manager.release(b.block)
}
