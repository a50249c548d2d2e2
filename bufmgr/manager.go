// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

// Package bufmgr provides page-aligned memory buffers whose content is
// spilled to disk under memory pressure and transparently restored when it
// is touched again.
//
// A Manager charges every buffer against a quota. If an acquisition would
// exceed it, resident buffers are spilled in the order they were acquired.
// Spilled pages are restored by a fault servant on their next access;
// callers never observe the difference except for latency.
//
// The fault servant runs in a helper process started from the running
// executable. Programs using a Manager need to call reexec.Init of
// github.com/moby/sys/reexec first thing in main, and return if it
// reports true:
//
//	func main() {
//		if reexec.Init() {
//			return
//		}
//		...
//	}
package bufmgr

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/XinShuoWang/sort/backend/fault"
	"github.com/XinShuoWang/sort/backend/quota"
	"github.com/XinShuoWang/sort/backend/spill"
	"github.com/XinShuoWang/sort/backend/vmem"
	"github.com/XinShuoWang/sort/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	ErrQuotaExhausted  = common.ConstError("memory quota exhausted")
	ErrInvalidSize     = common.ConstError("invalid buffer size")
	ErrBufferReleased  = common.ConstError("buffer has been released")
	ErrForeignBuffer   = common.ConstError("buffer is owned by a different manager")
	ErrManagerIsClosed = common.ConstError("buffer manager is closed")
)

// Manager hands out buffers charged against a memory quota.
type Manager struct {
	config  Config
	log     *logrus.Entry
	store   *spill.Store
	servant *fault.Servant
	quota   *quota.Controller

	collector  prometheus.Collector
	registerer prometheus.Registerer

	nextID          atomic.Uint64
	closed          atomic.Bool
	acquisitions    atomic.Uint64
	acquireFailures atomic.Uint64
}

// New creates a manager for the given configuration. The manager owns a
// fault servant with its helper process and a spill directory until it is
// closed.
func New(config Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()
	log := config.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	servant, err := fault.NewServant(fault.Config{
		Window: config.FaultWindow,
		Logger: log,
	})
	if err != nil {
		return nil, err
	}
	store, err := spill.NewStore(spill.Config{
		Directory: config.SpillDirectory,
		Method:    config.Compression,
		Logger:    log,
		Publisher: servant,
	})
	if err != nil {
		return nil, errors.Join(err, servant.Stop())
	}

	m := &Manager{
		config:     config,
		log:        log.WithField("component", "bufmgr"),
		store:      store,
		servant:    servant,
		quota:      quota.NewController(config.QuotaBytes, store, log),
		registerer: config.Registerer,
	}
	if m.registerer != nil {
		m.collector = collector{manager: m}
		if err := m.registerer.Register(m.collector); err != nil {
			return nil, errors.Join(err, servant.Stop(), store.Close())
		}
	}
	m.log.WithFields(logrus.Fields{
		"quota":       config.QuotaBytes,
		"compression": config.Compression,
		"granularity": config.BlockGranularity,
	}).Info("buffer manager started")
	return m, nil
}

// AcquireMemory provides a new buffer of at least size bytes. The rounded
// size is charged against the quota, spilling older buffers if necessary.
// If the quota can not be satisfied, ErrQuotaExhausted is returned.
func (m *Manager) AcquireMemory(size uint64) (*Buffer, error) {
	if m.closed.Load() {
		return nil, ErrManagerIsClosed
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: buffers must not be empty", ErrInvalidSize)
	}
	granularity := m.config.BlockGranularity
	rounded := common.RoundUp(size, granularity)
	if rounded < size {
		return nil, fmt.Errorf("%w: %d bytes overflow when rounded", ErrInvalidSize, size)
	}
	if !m.quota.TryAcquire(rounded) {
		m.acquireFailures.Add(1)
		return nil, fmt.Errorf("%w: requested %d bytes, %d of %d bytes in use", ErrQuotaExhausted, rounded, m.quota.Used(), m.quota.Budget())
	}

	block, err := m.newBlock(size)
	if err != nil {
		m.quota.Release(rounded)
		return nil, err
	}
	m.acquisitions.Add(1)
	m.log.WithFields(logrus.Fields{"block": block.ID(), "size": block.Size()}).Debug("acquired buffer")
	return newBuffer(m, block), nil
}

// newBlock creates and reserves a block and makes it known to the fault
// servant and the spill store, in this order. A block must be armed for
// fault notification before it can be picked for eviction.
func (m *Manager) newBlock(size uint64) (*vmem.Block, error) {
	id := vmem.BlockID(m.nextID.Add(1))
	block, err := vmem.NewBlock(id, size, m.config.BlockGranularity)
	if err != nil {
		return nil, err
	}
	addr, err := block.Address()
	if err != nil {
		return nil, err
	}
	if err := m.servant.Register(block); err != nil {
		return nil, errors.Join(err, block.Close())
	}
	if err := m.store.Register(block); err != nil {
		m.servant.Unregister(addr, block.Size())
		return nil, errors.Join(err, block.Close())
	}
	return block, nil
}

// InvalidateMemory spills the buffer's content, unless it has been spilled
// before, and releases its pages. The next access restores the content.
func (m *Manager) InvalidateMemory(buffer *Buffer) error {
	block, err := m.check(buffer)
	if err != nil {
		return err
	}
	charged, err := m.store.Persist(block)
	m.quota.Release(charged)
	if err != nil {
		return err
	}
	m.log.WithField("block", block.ID()).Debug("invalidated buffer")
	return m.servant.Register(block)
}

// InvalidateMemoryWithoutSave releases the buffer's pages without saving
// them. Its content reads as zero afterwards. Only use this for buffers
// whose content is no longer needed.
func (m *Manager) InvalidateMemoryWithoutSave(buffer *Buffer) error {
	block, err := m.check(buffer)
	if err != nil {
		return err
	}
	charged, err := m.store.Discard(block)
	m.quota.Release(charged)
	if err != nil {
		return err
	}
	m.log.WithField("block", block.ID()).Debug("discarded buffer")
	return m.servant.Register(block)
}

// ReleaseMemory gives up the buffer, see Buffer.Release.
func (m *Manager) ReleaseMemory(buffer *Buffer) error {
	if buffer.manager != m {
		return ErrForeignBuffer
	}
	return buffer.Release()
}

func (m *Manager) check(buffer *Buffer) (*vmem.Block, error) {
	if buffer.manager != m {
		return nil, ErrForeignBuffer
	}
	if buffer.released.Load() {
		return nil, ErrBufferReleased
	}
	if m.closed.Load() {
		return nil, ErrManagerIsClosed
	}
	return buffer.block, nil
}

// release hands back all resources associated with the block.
func (m *Manager) release(block *vmem.Block) error {
	if m.closed.Load() {
		return block.Close()
	}
	var errs []error
	charged, err := m.store.Forget(block.ID())
	if err != nil {
		errs = append(errs, err)
	}
	m.quota.Release(charged)
	if addr, err := block.Address(); err == nil {
		m.servant.Unregister(addr, block.Size())
	}
	errs = append(errs, block.Close())
	m.log.WithField("block", block.ID()).Debug("released buffer")
	return errors.Join(errs...)
}

// Used returns the number of bytes charged against the quota.
func (m *Manager) Used() uint64 {
	return m.quota.Used()
}

// Available returns the number of bytes that can be acquired without
// spilling.
func (m *Manager) Available() uint64 {
	return m.quota.Available()
}

// Budget returns the configured quota.
func (m *Manager) Budget() uint64 {
	return m.quota.Budget()
}

func (m *Manager) FaultStats() fault.Stats {
	return m.servant.Stats()
}

func (m *Manager) SpillStats() spill.Stats {
	return m.store.Stats()
}

// Health reports the last failure of the fault servant. A non-nil result
// means that some access observed zero pages instead of spilled content.
func (m *Manager) Health() error {
	return m.servant.Health()
}

func (m *Manager) GetMemoryFootprint() *common.MemoryFootprint {
	mf := common.NewMemoryFootprint(unsafe.Sizeof(*m))
	mf.AddChild("spill", m.store.GetMemoryFootprint())
	mf.AddChild("fault", m.servant.GetMemoryFootprint())
	resident := common.NewMemoryFootprint(uintptr(m.quota.Used()))
	resident.SetNote("charged")
	mf.AddChild("buffers", resident)
	return mf
}

// Close stops the fault servant and removes all spill files. Buffers
// still held keep their address range but lose spilled content. Subsequent
// calls have no effect.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	var errs []error
	if m.collector != nil {
		m.registerer.Unregister(m.collector)
	}
	errs = append(errs, m.servant.Stop())
	errs = append(errs, m.store.Close())
	m.log.Info("buffer manager closed")
	return errors.Join(errs...)
}
