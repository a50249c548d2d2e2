// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package fault

//go:generate mockgen -source server.go -destination server_mocks.go -package fault

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/XinShuoWang/sort/backend/regions"
	"github.com/XinShuoWang/sort/backend/spill"
	"github.com/XinShuoWang/sort/backend/vmem"
	"github.com/XinShuoWang/sort/common"
	"github.com/sirupsen/logrus"
)

// Recoverer provides the content of blocks whose pages have been released.
type Recoverer interface {
	// HasRecord reports whether content of the block has been persisted.
	HasRecord(id vmem.BlockID) bool
	// Recover fills dst with the persisted bytes of the block starting at
	// offset.
	Recover(id vmem.BlockID, offset uint64, dst []byte) error
}

// server resolves fault events inside the helper process. Each fault is
// mapped to its block, the missing window is read from the block's spill
// file and handed to the kernel, which resumes the faulting thread.
//
// Faults that cannot be served are completed with zero pages so that the
// faulting thread never hangs.
type server struct {
	catalog   *catalog
	recoverer Recoverer
	regions   *regions.Index
	pages     pageOps
	window    uint64
	pageSize  uint64
	log       *logrus.Entry

	// mutex is held while a fault is served.
	mutex     sync.Mutex
	scratch   []byte
	stats     Stats
	lastError error
}

func newServer(pages pageOps, window uint64, log *logrus.Entry) *server {
	catalog := newCatalog()
	return &server{
		catalog:   catalog,
		recoverer: catalog,
		regions:   regions.NewIndex(),
		pages:     pages,
		window:    window,
		pageSize:  uint64(vmem.PageSize()),
		log:       log,
		scratch:   make([]byte, window),
	}
}

// apply executes a control request received from the owning process.
func (s *server) apply(req request) response {
	var res response
	var err error
	switch req.Op {
	case opStats:
		res.Stats, res.Health = s.snapshot()
	case opAddRegion:
		err = s.regions.Add(req.Region)
	case opRemoveRegion:
		if !s.regions.Remove(req.Region.Start) {
			err = fmt.Errorf("%w: %#x", regions.ErrRegionNotFound, req.Region.Start)
		}
	case opPublish:
		s.catalog.publish(req.Block, req.Path)
	case opWithdraw:
		s.catalog.withdraw(req.Block)
	case opRestored:
		res.Restored = s.catalog.restored(req.Block)
	default:
		err = fmt.Errorf("unknown operation %d", req.Op)
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// snapshot returns the fault counters and the message of the last failure.
// Faults in progress are completed first.
func (s *server) snapshot() (Stats, string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.lastError == nil {
		return s.stats, ""
	}
	return s.stats, s.lastError.Error()
}

// handleFault completes the fault raised at addr.
func (s *server) handleFault(addr uintptr) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.stats.Faults++
	page := uintptr(common.RoundDown(uint64(addr), s.pageSize))

	region, err := s.regions.FindOwner(page)
	if err != nil {
		s.fail(fmt.Errorf("fault at %#x: %w", addr, err))
		s.zeroFill(page)
		return
	}
	if !s.recoverer.HasRecord(region.Block) {
		s.log.WithFields(logrus.Fields{"block": region.Block, "address": addr}).Debug("fault in unsaved block")
		s.zeroFill(page)
		return
	}

	offset := uint64(page - region.Start)
	windowStart := common.RoundDown(offset, s.window)
	windowEnd := min(windowStart+s.window, region.Length)
	buffer := s.scratch[:windowEnd-windowStart]
	if err := s.recoverer.Recover(region.Block, windowStart, buffer); err != nil {
		if errors.Is(err, spill.ErrRecordNotFound) {
			// Withdrawn while the fault was pending.
			s.zeroFill(page)
			return
		}
		s.fail(fmt.Errorf("fault at %#x in block %d: %w", addr, region.Block, err))
		s.zeroFill(page)
		return
	}

	err = s.pages.copy(region.Start+uintptr(windowStart), buffer)
	if err == nil {
		s.stats.RestoredBytes += uint64(len(buffer))
		return
	}
	if !errors.Is(err, errPagePresent) {
		s.fail(fmt.Errorf("failed to restore window of block %d: %w", region.Block, err))
		s.zeroFill(page)
		return
	}

	// Parts of the window are present already; restore the faulting page
	// only.
	s.stats.Fallbacks++
	pageOffset := offset - windowStart
	err = s.pages.copy(page, buffer[pageOffset:pageOffset+s.pageSize])
	switch {
	case err == nil:
		s.stats.RestoredBytes += s.pageSize
	case errors.Is(err, errPagePresent):
		s.wake(page)
	default:
		s.fail(fmt.Errorf("failed to restore page of block %d: %w", region.Block, err))
		s.zeroFill(page)
	}
}

// zeroFill completes the fault on the given page with zeros.
func (s *server) zeroFill(page uintptr) {
	err := s.pages.zeroPage(page, s.pageSize)
	if err == nil {
		s.stats.ZeroFills++
		return
	}
	if errors.Is(err, errPagePresent) {
		s.wake(page)
		return
	}
	s.fail(fmt.Errorf("failed to zero page %#x: %w", page, err))
}

func (s *server) wake(page uintptr) {
	if err := s.pages.wake(page, s.pageSize); err != nil {
		s.fail(fmt.Errorf("failed to wake threads waiting on %#x: %w", page, err))
	}
}

func (s *server) fail(err error) {
	s.stats.Errors++
	s.lastError = err
	s.log.WithError(err).Error("failed to serve fault")
}

// catalog knows the spill file holding the content of each evicted block.
type catalog struct {
	// mutex is held for reading while a file is read, so replaced files
	// are not removed under a reader.
	mutex   sync.RWMutex
	sources map[vmem.BlockID]*source
}

type source struct {
	path string
	// restored is set once content has been read from the file.
	restored atomic.Bool
}

func newCatalog() *catalog {
	return &catalog{sources: map[vmem.BlockID]*source{}}
}

func (c *catalog) HasRecord(id vmem.BlockID) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	_, found := c.sources[id]
	return found
}

func (c *catalog) Recover(id vmem.BlockID, offset uint64, dst []byte) error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	src, found := c.sources[id]
	if !found {
		return fmt.Errorf("%w: %d", spill.ErrRecordNotFound, id)
	}
	if err := spill.ReadRange(src.path, offset, dst); err != nil {
		return err
	}
	src.restored.Store(true)
	return nil
}

func (c *catalog) publish(id vmem.BlockID, path string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.sources[id] = &source{path: path}
}

func (c *catalog) withdraw(id vmem.BlockID) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.sources, id)
}

func (c *catalog) restored(id vmem.BlockID) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	src, found := c.sources[id]
	return found && src.restored.Load()
}
