// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package regions

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/XinShuoWang/sort/backend/vmem"
	"github.com/XinShuoWang/sort/common"
	"github.com/tidwall/btree"
)

const (
	ErrRegionNotFound    = common.ConstError("no registered region contains address")
	ErrOverlappingRegion = common.ConstError("region overlaps a registered region")
	ErrEmptyRegion       = common.ConstError("region must not be empty")
)

// Region is the contiguous address range owned by a single block.
type Region struct {
	Start  uintptr
	Length uint64
	Block  vmem.BlockID
}

// End returns the first address past the region.
func (r Region) End() uintptr {
	return r.Start + uintptr(r.Length)
}

// Contains checks whether the given address falls into the region.
func (r Region) Contains(addr uintptr) bool {
	return r.Start <= addr && addr < r.End()
}

// Index maps addresses to the region containing them. Regions never
// overlap, so ordering them by start address allows to resolve an address
// by locating its closest predecessor.
//
// Index is safe for concurrent use.
type Index struct {
	mutex sync.RWMutex
	tree  *btree.BTreeG[Region]
}

func NewIndex() *Index {
	return &Index{
		tree: btree.NewBTreeGOptions(func(a, b Region) bool {
			return a.Start < b.Start
		}, btree.Options{NoLocks: true}),
	}
}

// Add records a new region. Empty regions and regions overlapping an
// already registered range are rejected.
func (i *Index) Add(region Region) error {
	if region.Length == 0 {
		return ErrEmptyRegion
	}
	i.mutex.Lock()
	defer i.mutex.Unlock()

	if prev, found := i.floor(region.Start); found && prev.End() > region.Start {
		return fmt.Errorf("%w: [%#x, %#x) intersects [%#x, %#x)", ErrOverlappingRegion, region.Start, region.End(), prev.Start, prev.End())
	}
	var conflict *Region
	i.tree.Ascend(Region{Start: region.Start}, func(next Region) bool {
		if next.Start < region.End() {
			conflict = &next
		}
		return false
	})
	if conflict != nil {
		return fmt.Errorf("%w: [%#x, %#x) intersects [%#x, %#x)", ErrOverlappingRegion, region.Start, region.End(), conflict.Start, conflict.End())
	}
	i.tree.Set(region)
	return nil
}

// FindOwner returns the region containing addr.
func (i *Index) FindOwner(addr uintptr) (Region, error) {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	if region, found := i.floor(addr); found && region.Contains(addr) {
		return region, nil
	}
	return Region{}, fmt.Errorf("%w: %#x", ErrRegionNotFound, addr)
}

// Remove deletes the region starting at, or containing, addr. The result
// indicates whether a region was removed.
func (i *Index) Remove(addr uintptr) bool {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	region, found := i.floor(addr)
	if !found || !region.Contains(addr) {
		return false
	}
	_, removed := i.tree.Delete(region)
	return removed
}

// Len returns the number of registered regions.
func (i *Index) Len() int {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.tree.Len()
}

// floor locates the region with the largest start address <= addr.
// The caller must hold the lock.
func (i *Index) floor(addr uintptr) (res Region, found bool) {
	i.tree.Descend(Region{Start: addr}, func(item Region) bool {
		res, found = item, true
		return false
	})
	return
}

func (i *Index) GetMemoryFootprint() *common.MemoryFootprint {
	var region Region
	return common.NewMemoryFootprint(unsafe.Sizeof(*i) + uintptr(i.Len())*unsafe.Sizeof(region))
}
