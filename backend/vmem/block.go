// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package vmem

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/XinShuoWang/sort/common"
)

// DefaultGranularity is the size unit blocks are rounded up to unless
// configured otherwise.
const DefaultGranularity = 16 << 20

const (
	ErrAllocationFailed = common.ConstError("virtual memory reservation failed")
	ErrInvalidSize      = common.ConstError("invalid block size")
	ErrBlockClosed      = common.ConstError("block has been closed")
)

// BlockID is an opaque identifier issued once per block. Side tables are
// keyed by it instead of the block's address, since addresses are recycled
// by the kernel once a range is unmapped.
type BlockID uint64

// Block is a lazily reserved range of anonymous, private, zero-initialized
// virtual memory. The range is reserved on the first call to Address or
// Bytes and stays at the same address until the block is closed.
//
// Blocks dropped without being closed are unmapped by a GC cleanup.
type Block struct {
	id            BlockID
	requestedSize uint64
	size          uint64

	mutex   sync.Mutex
	mem     []byte
	closed  bool
	cleanup runtime.Cleanup
}

// NewBlock creates a block of at least the given size. The size is rounded
// up to granularity, which needs to be a positive multiple of the OS page
// size. No memory is reserved by this call.
func NewBlock(id BlockID, size uint64, granularity uint64) (*Block, error) {
	pageSize := uint64(PageSize())
	if granularity == 0 || !common.IsAligned(granularity, pageSize) {
		return nil, fmt.Errorf("%w: granularity %d is not a positive multiple of the page size %d", ErrInvalidSize, granularity, pageSize)
	}
	rounded := common.RoundUp(size, granularity)
	if rounded < size {
		return nil, fmt.Errorf("%w: %d bytes overflow when rounded", ErrInvalidSize, size)
	}
	return &Block{
		id:            id,
		requestedSize: size,
		size:          rounded,
	}, nil
}

// ID returns the identifier this block was created with.
func (b *Block) ID() BlockID {
	return b.id
}

// Size returns the rounded size of the block.
func (b *Block) Size() uint64 {
	return b.size
}

// RequestedSize returns the size the block was requested with.
func (b *Block) RequestedSize() uint64 {
	return b.requestedSize
}

// Address returns the base address of the block, reserving the range on
// the first call.
func (b *Block) Address() (uintptr, error) {
	mem, err := b.Bytes()
	if err != nil {
		return 0, err
	}
	if len(mem) == 0 {
		return 0, nil
	}
	return uintptr(unsafe.Pointer(&mem[0])), nil
}

// Bytes provides the block's memory as a byte slice, reserving the range on
// the first call. The slice stays valid until the block is closed.
func (b *Block) Bytes() ([]byte, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return nil, ErrBlockClosed
	}
	if b.mem != nil || b.size == 0 {
		return b.mem, nil
	}
	mem, err := mapAnonymous(b.size)
	if err != nil {
		return nil, fmt.Errorf("%w: %d bytes: %w", ErrAllocationFailed, b.size, err)
	}
	b.mem = mem
	b.cleanup = runtime.AddCleanup(b, func(mem []byte) {
		_ = unmap(mem)
	}, mem)
	return b.mem, nil
}

// IsReserved reports whether the virtual range has been reserved.
func (b *Block) IsReserved() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.mem != nil
}

// Decommit releases the physical pages backing the block while keeping the
// virtual range reserved. The content of the block is undefined afterwards;
// for ranges armed for fault notification the next touch raises a fault.
func (b *Block) Decommit() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return ErrBlockClosed
	}
	if b.mem == nil {
		return nil
	}
	return decommit(b.mem)
}

// Close unmaps the block's range if it was ever reserved. Subsequent calls
// have no effect.
func (b *Block) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.mem == nil {
		return nil
	}
	b.cleanup.Stop()
	mem := b.mem
	b.mem = nil
	return unmap(mem)
}

// GetMemoryFootprint reports the virtual range held by the block.
func (b *Block) GetMemoryFootprint() *common.MemoryFootprint {
	mf := common.NewMemoryFootprint(unsafe.Sizeof(*b))
	if b.IsReserved() {
		mapped := common.NewMemoryFootprint(uintptr(b.size))
		mapped.SetNote("virtual")
		mf.AddChild("mapping", mapped)
	}
	return mf
}
