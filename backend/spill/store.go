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

//go:generate mockgen -source store.go -destination store_mocks.go -package spill

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"unsafe"
	"weak"

	"github.com/XinShuoWang/sort/backend/codec"
	"github.com/XinShuoWang/sort/backend/vmem"
	"github.com/XinShuoWang/sort/common"
	"github.com/sirupsen/logrus"
)

const (
	ErrRecordNotFound = common.ConstError("no spill record for block")
	ErrCorruptFile    = common.ConstError("corrupt spill file")
	ErrNotTracked     = common.ConstError("block is not tracked by the spill store")
	ErrStoreClosed    = common.ConstError("spill store is closed")
)

const fileSuffix = ".bin"

// fileCounter numbers spill files. It is shared by all stores of the
// process, so names never repeat even if two stores share a directory.
var fileCounter atomic.Uint64

// Config configures a Store.
type Config struct {
	// Directory receives the spill files. It is created by NewStore, locked
	// for exclusive use and removed, including its content, by Close.
	Directory string
	// Method selects the codec applied to spilled payloads.
	Method codec.Method
	// Logger receives diagnostic output; nil selects the standard logger.
	Logger *logrus.Entry
	// Publisher is informed about every spill file written or dropped;
	// nil disables publishing.
	Publisher Publisher
}

// Publisher makes spill files available to whoever restores the pages of
// evicted blocks.
type Publisher interface {
	// Publish announces that the content of the block is held by the file
	// at path. The file stays in place until it is withdrawn or replaced by
	// a later announcement for the same block.
	Publish(id vmem.BlockID, path string) error
	// Withdraw revokes the announcement for the block. Afterwards the file
	// is no longer read.
	Withdraw(id vmem.BlockID) error
	// Restored reports whether content was read from the block's file since
	// it was published.
	Restored(id vmem.BlockID) (bool, error)
}

type nopPublisher struct{}

func (nopPublisher) Publish(vmem.BlockID, string) error  { return nil }
func (nopPublisher) Withdraw(vmem.BlockID) error         { return nil }
func (nopPublisher) Restored(vmem.BlockID) (bool, error) { return false, nil }

// Stats summarizes the activity of a store.
type Stats struct {
	Tracked        int    // blocks currently in the spill queue
	Records        int    // blocks currently persisted
	FilesWritten   uint64 // spill files created
	BytesWritten   uint64 // bytes written to spill files, headers included
	BytesOnDisk    uint64 // bytes held by live spill files
	Decommits      uint64 // blocks whose pages have been released
	Purged         uint64 // queue entries dropped after their owner let go
	BytesRecovered uint64 // bytes restored through Recover
}

// Store persists the content of evicted blocks and restores arbitrary
// ranges of it. It tracks all registered blocks in a FIFO queue used to pick
// eviction victims.
//
// The store does not own the blocks it tracks. It keeps a weak reference to
// each block together with an explicit state flipped by the owner through
// Forget. Entries whose owner let go are purged on the next eviction pass
// instead of being spilled.
type Store struct {
	directory string
	codec     codec.Codec
	log       *logrus.Entry
	lock      *common.DirectoryLock
	publisher Publisher

	// queueMutex guards queue, entries and released.
	queueMutex sync.Mutex
	queue      []*entry
	entries    map[vmem.BlockID]*entry
	released   int // released entries still in queue

	// recordsMutex guards records. It is never acquired while waiting for
	// queueMutex, so faults raised while spilling can be served.
	recordsMutex sync.RWMutex
	records      map[vmem.BlockID]*record

	closed atomic.Bool

	filesWritten   atomic.Uint64
	bytesWritten   atomic.Uint64
	decommits      atomic.Uint64
	purged         atomic.Uint64
	bytesRecovered atomic.Uint64
}

type entry struct {
	id    vmem.BlockID
	size  uint64
	block weak.Pointer[vmem.Block]
	// released is set once the owner gave up the block.
	released bool
	// charged is set while the block's resident bytes are accounted for by
	// the caller's quota and cleared once they have been handed back.
	charged bool
}

type record struct {
	path string
	meta FileMeta
	// stale is set once content has been recovered from the file through
	// Recover. The restored pages may have been modified since.
	stale atomic.Bool
}

// NewStore creates a store writing to the configured directory.
func NewStore(config Config) (*Store, error) {
	if config.Directory == "" {
		return nil, fmt.Errorf("spill directory must not be empty")
	}
	c, err := codec.Lookup(config.Method)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(config.Directory, 0700); err != nil {
		return nil, fmt.Errorf("failed to create spill directory: %w", err)
	}
	lock, err := common.LockDirectory(config.Directory)
	if err != nil {
		return nil, err
	}
	log := config.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "spill")
	publisher := config.Publisher
	if publisher == nil {
		publisher = nopPublisher{}
	}
	log.WithFields(logrus.Fields{
		"directory": config.Directory,
		"method":    config.Method,
	}).Info("spill store initialized")

	return &Store{
		directory: config.Directory,
		codec:     c,
		log:       log,
		lock:      lock,
		publisher: publisher,
		entries:   map[vmem.BlockID]*entry{},
		records:   map[vmem.BlockID]*record{},
	}, nil
}

// Directory returns the directory holding the spill files.
func (s *Store) Directory() string {
	return s.directory
}

// Method returns the codec method applied to new spill files.
func (s *Store) Method() codec.Method {
	return s.codec.Method()
}

// Register enqueues the block as tracked. Its size is considered charged
// until it is spilled or forgotten. Registering a block twice has no effect.
func (s *Store) Register(block *vmem.Block) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	s.queueMutex.Lock()
	defer s.queueMutex.Unlock()
	if _, found := s.entries[block.ID()]; found {
		return nil
	}
	e := &entry{
		id:      block.ID(),
		size:    block.Size(),
		block:   weak.Make(block),
		charged: true,
	}
	s.entries[e.id] = e
	s.queue = append(s.queue, e)
	return nil
}

// Evict walks the tracked blocks in registration order until target bytes
// have been reclaimed or every block has been visited once. Blocks given up
// by their owner are purged. Other blocks are persisted, unless their
// current content is on disk already, have their pages released and are
// moved to the back of the queue.
//
// The result is the number of charged bytes released by this call; bytes of
// blocks that had already been handed back are not counted again.
func (s *Store) Evict(target uint64) (uint64, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	s.queueMutex.Lock()
	defer s.queueMutex.Unlock()

	var reclaimed uint64
	var errs []error
	for visits := len(s.queue); visits > 0 && reclaimed < target; visits-- {
		e := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]

		block := e.block.Value()
		if e.released || block == nil {
			s.log.WithFields(logrus.Fields{"block": e.id, "size": e.size}).Debug("purging released block")
			if e.charged {
				reclaimed += e.size
				e.charged = false
			}
			if e.released {
				// Forget dropped the entry and its file already.
				s.released--
			} else {
				delete(s.entries, e.id)
				if err := s.removeRecord(e.id); err != nil {
					errs = append(errs, err)
				}
			}
			s.purged.Add(1)
			continue
		}

		s.queue = append(s.queue, e)
		if err := s.spill(block); err != nil {
			errs = append(errs, err)
			break
		}
		if e.charged {
			reclaimed += e.size
			e.charged = false
		}
	}

	s.log.WithFields(logrus.Fields{"target": target, "reclaimed": reclaimed}).Debug("eviction done")
	return reclaimed, errors.Join(errs...)
}

// Persist spills a single tracked block: its content is written unless it
// is on disk already and its pages are released. The result is the
// number of charged bytes handed back by this call.
func (s *Store) Persist(block *vmem.Block) (uint64, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	s.queueMutex.Lock()
	defer s.queueMutex.Unlock()
	e, found := s.entries[block.ID()]
	if !found || e.released {
		return 0, fmt.Errorf("%w: %d", ErrNotTracked, block.ID())
	}
	if err := s.spill(block); err != nil {
		return 0, err
	}
	return e.uncharge(), nil
}

// Discard releases the pages of a tracked block without saving them. Any
// content persisted before is dropped as well, so later reads observe zero
// pages. The result is the number of charged bytes handed back.
func (s *Store) Discard(block *vmem.Block) (uint64, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	s.queueMutex.Lock()
	defer s.queueMutex.Unlock()
	e, found := s.entries[block.ID()]
	if !found || e.released {
		return 0, fmt.Errorf("%w: %d", ErrNotTracked, block.ID())
	}
	if err := s.removeRecord(block.ID()); err != nil {
		return 0, err
	}
	if err := block.Decommit(); err != nil {
		return 0, err
	}
	s.decommits.Add(1)
	return e.uncharge(), nil
}

// Forget marks a block as given up by its owner. Its spill file is removed
// right away. The queue entry is purged by the next eviction pass or once
// released entries make up more than half of the queue. The result is the
// number of bytes still charged for the block, which the caller is expected
// to hand back itself.
func (s *Store) Forget(id vmem.BlockID) (uint64, error) {
	s.queueMutex.Lock()
	e, found := s.entries[id]
	var charged uint64
	if found {
		delete(s.entries, id)
		e.released = true
		charged = e.uncharge()
		s.released++
		if s.released > len(s.queue)/2 {
			s.compact()
		}
	}
	s.queueMutex.Unlock()
	if !found {
		return 0, fmt.Errorf("%w: %d", ErrNotTracked, id)
	}
	return charged, s.removeRecord(id)
}

// compact drops released entries from the queue, keeping the order of the
// others. The caller must hold queueMutex.
func (s *Store) compact() {
	live := s.queue[:0]
	for _, e := range s.queue {
		if !e.released {
			live = append(live, e)
		}
	}
	clear(s.queue[len(live):])
	s.purged.Add(uint64(len(s.queue) - len(live)))
	s.queue = live
	s.released = 0
}

func (e *entry) uncharge() uint64 {
	if !e.charged {
		return 0
	}
	e.charged = false
	return e.size
}

// spill persists the block and releases its pages. A block is written
// only if it has no spill file yet or content has been restored from its
// file since it was written. In the latter case the new file replaces the
// old one, which still serves faults raised while writing. The caller must
// hold queueMutex.
func (s *Store) spill(block *vmem.Block) error {
	s.recordsMutex.RLock()
	previous := s.records[block.ID()]
	s.recordsMutex.RUnlock()

	if s.isOutdated(block.ID(), previous) {
		data, err := block.Bytes()
		if err != nil {
			return err
		}
		path := s.nextFileName()
		meta, err := writeFile(path, s.codec, data)
		if err != nil {
			return fmt.Errorf("failed to spill block %d: %w", block.ID(), err)
		}
		if err := s.publisher.Publish(block.ID(), path); err != nil {
			return errors.Join(
				fmt.Errorf("failed to publish spill file of block %d: %w", block.ID(), err),
				os.Remove(path),
			)
		}
		s.recordsMutex.Lock()
		s.records[block.ID()] = &record{path: path, meta: meta}
		s.recordsMutex.Unlock()
		if previous != nil {
			if err := os.Remove(previous.path); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.log.WithError(err).WithField("file", previous.path).Warn("failed to remove outdated spill file")
			}
		}
		s.filesWritten.Add(1)
		s.bytesWritten.Add(HeaderSize + meta.CompressedSize)
		s.log.WithFields(logrus.Fields{
			"block":      block.ID(),
			"size":       meta.OriginalSize,
			"compressed": meta.CompressedSize,
			"file":       path,
			"rewrite":    previous != nil,
		}).Debug("spilled block")
	}
	if err := block.Decommit(); err != nil {
		return fmt.Errorf("failed to release pages of block %d: %w", block.ID(), err)
	}
	s.decommits.Add(1)
	return nil
}

// isOutdated checks whether the block's content needs to be written to a
// new file before its pages can be released.
func (s *Store) isOutdated(id vmem.BlockID, previous *record) bool {
	if previous == nil || previous.stale.Load() {
		return true
	}
	restored, err := s.publisher.Restored(id)
	if err != nil {
		s.log.WithError(err).WithField("block", id).Warn("failed to query restore state, rewriting block")
		return true
	}
	return restored
}

// Recover reads len(dst) bytes starting at offset of the persisted content
// of the given block into dst.
func (s *Store) Recover(id vmem.BlockID, offset uint64, dst []byte) error {
	s.recordsMutex.RLock()
	rec, found := s.records[id]
	s.recordsMutex.RUnlock()
	if !found {
		return fmt.Errorf("%w: %d", ErrRecordNotFound, id)
	}
	if err := ReadRange(rec.path, offset, dst); err != nil {
		return fmt.Errorf("failed to recover block %d at offset %d: %w", id, offset, err)
	}
	rec.stale.Store(true)
	s.bytesRecovered.Add(uint64(len(dst)))
	return nil
}

// HasRecord checks whether the block's content is persisted.
func (s *Store) HasRecord(id vmem.BlockID) bool {
	s.recordsMutex.RLock()
	defer s.recordsMutex.RUnlock()
	_, found := s.records[id]
	return found
}

// removeRecord drops the block's spill file. The file is withdrawn from
// the publisher before it is deleted.
func (s *Store) removeRecord(id vmem.BlockID) error {
	s.recordsMutex.Lock()
	defer s.recordsMutex.Unlock()
	rec, found := s.records[id]
	if !found {
		return nil
	}
	delete(s.records, id)
	var errs []error
	if err := s.publisher.Withdraw(id); err != nil {
		errs = append(errs, fmt.Errorf("failed to withdraw spill file of block %d: %w", id, err))
	}
	if err := os.Remove(rec.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("failed to remove spill file of block %d: %w", id, err))
	}
	return errors.Join(errs...)
}

func (s *Store) nextFileName() string {
	id := fileCounter.Add(1) - 1
	return filepath.Join(s.directory, strconv.FormatUint(id, 10)+fileSuffix)
}

// Len returns the number of tracked blocks not given up by their owner.
func (s *Store) Len() int {
	s.queueMutex.Lock()
	defer s.queueMutex.Unlock()
	return len(s.queue) - s.released
}

func (s *Store) Stats() Stats {
	tracked := s.Len()

	s.recordsMutex.RLock()
	records := len(s.records)
	var onDisk uint64
	for _, rec := range s.records {
		onDisk += HeaderSize + rec.meta.CompressedSize
	}
	s.recordsMutex.RUnlock()

	return Stats{
		Tracked:        tracked,
		Records:        records,
		FilesWritten:   s.filesWritten.Load(),
		BytesWritten:   s.bytesWritten.Load(),
		BytesOnDisk:    onDisk,
		Decommits:      s.decommits.Load(),
		Purged:         s.purged.Load(),
		BytesRecovered: s.bytesRecovered.Load(),
	}
}

// Close removes the spill directory with all its files. Tracked blocks
// are not touched. Subsequent calls have no effect.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.queueMutex.Lock()
	s.queue = nil
	s.entries = map[vmem.BlockID]*entry{}
	s.released = 0
	s.queueMutex.Unlock()

	s.recordsMutex.Lock()
	s.records = map[vmem.BlockID]*record{}
	s.recordsMutex.Unlock()

	s.log.WithField("directory", s.directory).Info("spill store cleanup")
	return errors.Join(s.lock.Release(), os.RemoveAll(s.directory))
}

func (s *Store) GetMemoryFootprint() *common.MemoryFootprint {
	var e entry
	var r record
	stats := s.Stats()
	mf := common.NewMemoryFootprint(unsafe.Sizeof(*s))
	mf.AddChild("queue", common.NewMemoryFootprint(uintptr(stats.Tracked)*(unsafe.Sizeof(e)+unsafe.Sizeof(&e))))
	mf.AddChild("records", common.NewMemoryFootprint(uintptr(stats.Records)*(unsafe.Sizeof(r)+unsafe.Sizeof(&r))))
	disk := common.NewMemoryFootprint(uintptr(stats.BytesOnDisk))
	disk.SetNote("disk")
	mf.AddChild("files", disk)

	blocks := common.NewMemoryFootprint(0)
	s.queueMutex.Lock()
	for _, e := range s.queue {
		if block := e.block.Value(); block != nil && !e.released {
			blocks.AddChild(strconv.FormatUint(uint64(e.id), 10), block.GetMemoryFootprint())
		}
	}
	s.queueMutex.Unlock()
	mf.AddChild("blocks", blocks)
	return mf
}
