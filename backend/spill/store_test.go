// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

//go:build linux

package spill

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/XinShuoWang/sort/backend/codec"
	"github.com/XinShuoWang/sort/backend/vmem"
	"github.com/XinShuoWang/sort/common"
	"go.uber.org/mock/gomock"
)

func newTestStore(t *testing.T, method codec.Method) *Store {
	t.Helper()
	store, err := NewStore(Config{
		Directory: filepath.Join(t.TempDir(), "spill"),
		Method:    method,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("failed to close store: %v", err)
		}
	})
	return store
}

func newPublishingStore(t *testing.T, publisher Publisher) *Store {
	t.Helper()
	store, err := NewStore(Config{
		Directory: filepath.Join(t.TempDir(), "spill"),
		Method:    codec.Zstd,
		Publisher: publisher,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("failed to close store: %v", err)
		}
	})
	return store
}

// newFilledBlock creates a block of the given size and fills it with a
// pattern derived from seed. The returned slice is a copy of the content.
func newFilledBlock(t *testing.T, id vmem.BlockID, size uint64, seed byte) (*vmem.Block, []byte) {
	t.Helper()
	block, err := vmem.NewBlock(id, size, uint64(vmem.PageSize()))
	if err != nil {
		t.Fatalf("failed to create block: %v", err)
	}
	t.Cleanup(func() { _ = block.Close() })
	data, err := block.Bytes()
	if err != nil {
		t.Fatalf("failed to reserve block: %v", err)
	}
	for i := range data {
		data[i] = seed + byte(i%251) + byte(i/4096)
	}
	return block, bytes.Clone(data)
}

func listSpillFiles(t *testing.T, store *Store) []string {
	t.Helper()
	entries, err := os.ReadDir(store.Directory())
	if err != nil {
		t.Fatalf("failed to list spill directory: %v", err)
	}
	res := []string{}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), fileSuffix) {
			res = append(res, entry.Name())
		}
	}
	return res
}

func TestStore_SpilledBlockCanBeRecovered(t *testing.T) {
	for _, method := range codec.Methods() {
		t.Run(method.String(), func(t *testing.T) {
			store := newTestStore(t, method)
			block, want := newFilledBlock(t, 1, 3*uint64(vmem.PageSize()), 7)

			if err := store.Register(block); err != nil {
				t.Fatalf("failed to register block: %v", err)
			}
			reclaimed, err := store.Evict(block.Size())
			if err != nil {
				t.Fatalf("failed to evict: %v", err)
			}
			if reclaimed != block.Size() {
				t.Errorf("unexpected number of reclaimed bytes, wanted %d, got %d", block.Size(), reclaimed)
			}
			if !store.HasRecord(block.ID()) {
				t.Fatalf("block should have a spill record")
			}

			data, _ := block.Bytes()
			if !bytes.Equal(data, make([]byte, len(data))) {
				t.Errorf("pages of an evicted block should have been released")
			}

			got := make([]byte, len(want))
			if err := store.Recover(block.ID(), 0, got); err != nil {
				t.Fatalf("failed to recover block: %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("recovered content does not match spilled content")
			}
		})
	}
}

func TestStore_EvictionIsIdempotent(t *testing.T) {
	store := newTestStore(t, codec.Zstd)
	block, want := newFilledBlock(t, 1, uint64(vmem.PageSize()), 3)
	if err := store.Register(block); err != nil {
		t.Fatalf("failed to register block: %v", err)
	}

	if _, err := store.Evict(block.Size()); err != nil {
		t.Fatalf("failed to evict: %v", err)
	}
	reclaimed, err := store.Evict(block.Size())
	if err != nil {
		t.Fatalf("failed to evict: %v", err)
	}
	if reclaimed != 0 {
		t.Errorf("second eviction should not reclaim bytes again, got %d", reclaimed)
	}

	if got := listSpillFiles(t, store); len(got) != 1 {
		t.Errorf("expected exactly one spill file, got %v", got)
	}
	if got := store.Stats().FilesWritten; got != 1 {
		t.Errorf("expected one written file, got %d", got)
	}

	got := make([]byte, len(want))
	if err := store.Recover(block.ID(), 0, got); err != nil {
		t.Fatalf("failed to recover block: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("recovered content changed by repeated eviction")
	}
}

func TestStore_RangeOfCompressedBlockCanBeRecovered(t *testing.T) {
	for _, method := range []codec.Method{codec.Zstd, codec.Lz4} {
		t.Run(method.String(), func(t *testing.T) {
			store := newTestStore(t, method)
			block, want := newFilledBlock(t, 1, 10_000, 11)
			if err := store.Register(block); err != nil {
				t.Fatalf("failed to register block: %v", err)
			}
			if _, err := store.Evict(1); err != nil {
				t.Fatalf("failed to evict: %v", err)
			}

			got := make([]byte, 100)
			if err := store.Recover(block.ID(), 2000, got); err != nil {
				t.Fatalf("failed to recover range: %v", err)
			}
			if !bytes.Equal(got, want[2000:2100]) {
				t.Errorf("unexpected range content, wanted %x, got %x", want[2000:2100], got)
			}
		})
	}
}

func TestStore_RecoverWithoutRecordFails(t *testing.T) {
	store := newTestStore(t, codec.None)
	block, _ := newFilledBlock(t, 1, 1, 0)
	if err := store.Register(block); err != nil {
		t.Fatalf("failed to register block: %v", err)
	}
	if err := store.Recover(block.ID(), 0, make([]byte, 1)); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
	if err := store.Recover(42, 0, make([]byte, 1)); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestStore_RecoverBeyondBlockFails(t *testing.T) {
	for _, method := range codec.Methods() {
		t.Run(method.String(), func(t *testing.T) {
			store := newTestStore(t, method)
			block, _ := newFilledBlock(t, 1, uint64(vmem.PageSize()), 0)
			if err := store.Register(block); err != nil {
				t.Fatalf("failed to register block: %v", err)
			}
			if _, err := store.Evict(1); err != nil {
				t.Fatalf("failed to evict: %v", err)
			}
			err := store.Recover(block.ID(), block.Size()-10, make([]byte, 11))
			if !errors.Is(err, codec.ErrRangeOutOfBounds) {
				t.Errorf("expected ErrRangeOutOfBounds, got %v", err)
			}
		})
	}
}

func TestStore_CorruptHeaderIsDetected(t *testing.T) {
	tests := map[string]struct {
		offset int64
		value  []byte
	}{
		"magic":   {offset: 0, value: []byte{0xFF}},
		"version": {offset: 4, value: []byte{0x02, 0x00}},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			store := newTestStore(t, codec.S2)
			block, _ := newFilledBlock(t, 1, uint64(vmem.PageSize()), 0)
			if err := store.Register(block); err != nil {
				t.Fatalf("failed to register block: %v", err)
			}
			if _, err := store.Evict(1); err != nil {
				t.Fatalf("failed to evict: %v", err)
			}

			files := listSpillFiles(t, store)
			if len(files) != 1 {
				t.Fatalf("expected one spill file, got %v", files)
			}
			file, err := os.OpenFile(filepath.Join(store.Directory(), files[0]), os.O_WRONLY, 0)
			if err != nil {
				t.Fatalf("failed to open spill file: %v", err)
			}
			if _, err := file.WriteAt(test.value, test.offset); err != nil {
				t.Fatalf("failed to modify spill file: %v", err)
			}
			if err := file.Close(); err != nil {
				t.Fatalf("failed to close spill file: %v", err)
			}

			if err := store.Recover(block.ID(), 0, make([]byte, 1)); !errors.Is(err, ErrCorruptFile) {
				t.Errorf("expected ErrCorruptFile, got %v", err)
			}
		})
	}
}

func TestStore_EvictionFollowsRegistrationOrder(t *testing.T) {
	store := newTestStore(t, codec.None)
	page := uint64(vmem.PageSize())
	blocks := []*vmem.Block{}
	for i := range 3 {
		block, _ := newFilledBlock(t, vmem.BlockID(i), page, byte(i))
		if err := store.Register(block); err != nil {
			t.Fatalf("failed to register block: %v", err)
		}
		blocks = append(blocks, block)
	}

	for round := range blocks {
		reclaimed, err := store.Evict(page)
		if err != nil {
			t.Fatalf("failed to evict: %v", err)
		}
		if reclaimed != page {
			t.Errorf("round %d: expected %d reclaimed bytes, got %d", round, page, reclaimed)
		}
		for i, block := range blocks {
			if want, got := i <= round, store.HasRecord(block.ID()); want != got {
				t.Errorf("round %d: unexpected record state of block %d, wanted %t, got %t", round, i, want, got)
			}
		}
	}
	if got := store.Len(); got != len(blocks) {
		t.Errorf("live blocks should stay tracked, wanted %d, got %d", len(blocks), got)
	}
}

func TestStore_ForgottenBlocksArePurged(t *testing.T) {
	store := newTestStore(t, codec.None)
	page := uint64(vmem.PageSize())
	spilled, _ := newFilledBlock(t, 1, page, 0)
	resident, _ := newFilledBlock(t, 2, page, 0)
	for _, block := range []*vmem.Block{spilled, resident} {
		if err := store.Register(block); err != nil {
			t.Fatalf("failed to register block: %v", err)
		}
	}
	if _, err := store.Evict(page); err != nil {
		t.Fatalf("failed to evict: %v", err)
	}

	if charged, err := store.Forget(spilled.ID()); err != nil || charged != 0 {
		t.Errorf("forgetting a spilled block should hand back nothing, got %d, %v", charged, err)
	}
	if charged, err := store.Forget(resident.ID()); err != nil || charged != page {
		t.Errorf("forgetting a resident block should hand back its size, got %d, %v", charged, err)
	}
	if store.HasRecord(spilled.ID()) {
		t.Errorf("record of forgotten block should be gone")
	}
	if got := listSpillFiles(t, store); len(got) != 0 {
		t.Errorf("spill file of forgotten block should be removed, got %v", got)
	}

	reclaimed, err := store.Evict(2 * page)
	if err != nil {
		t.Fatalf("failed to evict: %v", err)
	}
	if reclaimed != 0 {
		t.Errorf("purging forgotten blocks should not reclaim charged bytes, got %d", reclaimed)
	}
	if got := store.Len(); got != 0 {
		t.Errorf("forgotten blocks should be purged, %d still tracked", got)
	}
	if got := store.Stats().Purged; got != 2 {
		t.Errorf("unexpected number of purged entries, wanted 2, got %d", got)
	}
	if _, err := store.Forget(spilled.ID()); !errors.Is(err, ErrNotTracked) {
		t.Errorf("expected ErrNotTracked, got %v", err)
	}
}

func TestStore_CollectedBlocksArePurged(t *testing.T) {
	store := newTestStore(t, codec.None)
	page := uint64(vmem.PageSize())
	func() {
		block, err := vmem.NewBlock(1, page, page)
		if err != nil {
			t.Fatalf("failed to create block: %v", err)
		}
		if err := store.Register(block); err != nil {
			t.Fatalf("failed to register block: %v", err)
		}
	}()
	runtime.GC()
	runtime.GC()

	reclaimed, err := store.Evict(page)
	if err != nil {
		t.Fatalf("failed to evict: %v", err)
	}
	if reclaimed != page {
		t.Errorf("collected block should hand back its charge, wanted %d, got %d", page, reclaimed)
	}
	if got := store.Len(); got != 0 {
		t.Errorf("collected block should be purged, %d still tracked", got)
	}
}

func TestStore_DiscardDropsContent(t *testing.T) {
	store := newTestStore(t, codec.None)
	block, _ := newFilledBlock(t, 1, uint64(vmem.PageSize()), 5)
	if err := store.Register(block); err != nil {
		t.Fatalf("failed to register block: %v", err)
	}
	if _, err := store.Persist(block); err != nil {
		t.Fatalf("failed to persist block: %v", err)
	}
	charged, err := store.Discard(block)
	if err != nil {
		t.Fatalf("failed to discard block: %v", err)
	}
	if charged != 0 {
		t.Errorf("charge was handed back by persist already, got %d", charged)
	}
	if store.HasRecord(block.ID()) {
		t.Errorf("discarded block should have no record")
	}
	if got := listSpillFiles(t, store); len(got) != 0 {
		t.Errorf("spill file of discarded block should be removed, got %v", got)
	}
	data, _ := block.Bytes()
	if !bytes.Equal(data, make([]byte, len(data))) {
		t.Errorf("discarded block should read as zero")
	}
}

func TestStore_PersistOfUntrackedBlockFails(t *testing.T) {
	store := newTestStore(t, codec.None)
	block, _ := newFilledBlock(t, 1, 1, 0)
	if _, err := store.Persist(block); !errors.Is(err, ErrNotTracked) {
		t.Errorf("expected ErrNotTracked, got %v", err)
	}
	if _, err := store.Discard(block); !errors.Is(err, ErrNotTracked) {
		t.Errorf("expected ErrNotTracked, got %v", err)
	}
}

func TestStore_CloseRemovesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spill")
	store, err := NewStore(Config{Directory: dir, Method: codec.Lz4})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	for i := range 4 {
		block, _ := newFilledBlock(t, vmem.BlockID(i), 1, 0)
		if err := store.Register(block); err != nil {
			t.Fatalf("failed to register block: %v", err)
		}
	}
	if _, err := store.Evict(1 << 30); err != nil {
		t.Fatalf("failed to evict: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("spill directory should be removed, stat reported %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
	if _, err := store.Evict(1); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
}

func TestStore_FilesAreNamedByCounter(t *testing.T) {
	store := newTestStore(t, codec.None)
	for i := range 3 {
		block, _ := newFilledBlock(t, vmem.BlockID(i), 1, 0)
		if err := store.Register(block); err != nil {
			t.Fatalf("failed to register block: %v", err)
		}
	}
	if _, err := store.Evict(1 << 30); err != nil {
		t.Fatalf("failed to evict: %v", err)
	}
	for _, name := range listSpillFiles(t, store) {
		var n uint64
		if _, err := fmt.Sscanf(name, "%d"+fileSuffix, &n); err != nil {
			t.Errorf("unexpected spill file name %q: %v", name, err)
		}
	}
}

func TestStore_RecoveredBlockIsRewrittenOnNextSpill(t *testing.T) {
	store := newTestStore(t, codec.Zstd)
	block, want := newFilledBlock(t, 1, uint64(vmem.PageSize()), 1)
	if err := store.Register(block); err != nil {
		t.Fatalf("failed to register block: %v", err)
	}
	if _, err := store.Evict(1); err != nil {
		t.Fatalf("failed to evict: %v", err)
	}

	// Restore the content the way a fault does and modify it afterwards.
	data, _ := block.Bytes()
	if err := store.Recover(block.ID(), 0, data); err != nil {
		t.Fatalf("failed to recover block: %v", err)
	}
	if !bytes.Equal(data, want) {
		t.Fatalf("restored content differs")
	}
	data[0]++
	want[0]++

	if _, err := store.Evict(1); err != nil {
		t.Fatalf("failed to evict: %v", err)
	}
	if got := store.Stats().FilesWritten; got != 2 {
		t.Errorf("modified block should be written again, got %d written files", got)
	}
	if got := listSpillFiles(t, store); len(got) != 1 {
		t.Errorf("outdated spill file should be removed, got %v", got)
	}
	got := make([]byte, len(want))
	if err := store.Recover(block.ID(), 0, got); err != nil {
		t.Fatalf("failed to recover block: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("recovered content does not reflect modification")
	}
}

func TestStore_DirectoryIsLockedWhileOpen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spill")
	store, err := NewStore(Config{Directory: dir})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if _, err := NewStore(Config{Directory: dir}); !errors.Is(err, common.ErrDirectoryLocked) {
		t.Errorf("expected ErrDirectoryLocked, got %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
	second, err := NewStore(Config{Directory: dir})
	if err != nil {
		t.Fatalf("directory should be usable after close: %v", err)
	}
	if err := second.Close(); err != nil {
		t.Errorf("failed to close store: %v", err)
	}
}

func TestStore_ForgottenBlocksDoNotAccumulate(t *testing.T) {
	store := newTestStore(t, codec.None)
	page := uint64(vmem.PageSize())
	live, want := newFilledBlock(t, 1, page, 9)
	if err := store.Register(live); err != nil {
		t.Fatalf("failed to register block: %v", err)
	}

	for i := range 1000 {
		block, err := vmem.NewBlock(vmem.BlockID(i+2), page, page)
		if err != nil {
			t.Fatalf("failed to create block: %v", err)
		}
		if err := store.Register(block); err != nil {
			t.Fatalf("failed to register block: %v", err)
		}
		if _, err := store.Forget(block.ID()); err != nil {
			t.Fatalf("failed to forget block: %v", err)
		}
		if err := block.Close(); err != nil {
			t.Fatalf("failed to close block: %v", err)
		}
	}

	if got := store.Len(); got != 1 {
		t.Errorf("only the live block should be tracked, got %d", got)
	}
	store.queueMutex.Lock()
	queued, indexed := len(store.queue), len(store.entries)
	store.queueMutex.Unlock()
	if queued > 3 {
		t.Errorf("released entries should be compacted, queue holds %d entries", queued)
	}
	if indexed != 1 {
		t.Errorf("forgotten blocks should leave the index, got %d entries", indexed)
	}
	if got := store.Stats().Tracked; got != 1 {
		t.Errorf("unexpected number of tracked blocks, wanted 1, got %d", got)
	}

	if reclaimed, err := store.Evict(page); err != nil || reclaimed != page {
		t.Fatalf("live block should still be evictable, got %d, %v", reclaimed, err)
	}
	got := make([]byte, len(want))
	if err := store.Recover(live.ID(), 0, got); err != nil {
		t.Fatalf("failed to recover block: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("recovered content does not match spilled content")
	}
}

func TestStore_ForgettingAndRegisteringAgainKeepsNewRecord(t *testing.T) {
	store := newTestStore(t, codec.None)
	page := uint64(vmem.PageSize())
	other, _ := newFilledBlock(t, 1, page, 0)
	first, _ := newFilledBlock(t, 2, page, 0)
	for _, block := range []*vmem.Block{other, first} {
		if err := store.Register(block); err != nil {
			t.Fatalf("failed to register block: %v", err)
		}
	}
	if _, err := store.Forget(first.ID()); err != nil {
		t.Fatalf("failed to forget block: %v", err)
	}

	// A new block reusing the identifier of the forgotten one.
	second, want := newFilledBlock(t, 2, page, 4)
	if err := store.Register(second); err != nil {
		t.Fatalf("failed to register block: %v", err)
	}
	if _, err := store.Persist(second); err != nil {
		t.Fatalf("failed to persist block: %v", err)
	}
	// Purges the released entry and spills the others.
	if _, err := store.Evict(3 * page); err != nil {
		t.Fatalf("failed to evict: %v", err)
	}
	got := make([]byte, len(want))
	if err := store.Recover(second.ID(), 0, got); err != nil {
		t.Fatalf("record of the new block should survive the purge: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("recovered content does not match spilled content")
	}
}

func TestStore_MemoryFootprintCoversTrackedBlocks(t *testing.T) {
	store := newTestStore(t, codec.None)
	page := uint64(vmem.PageSize())
	kept, _ := newFilledBlock(t, 1, page, 0)
	forgotten, _ := newFilledBlock(t, 2, page, 0)
	for _, block := range []*vmem.Block{kept, forgotten} {
		if err := store.Register(block); err != nil {
			t.Fatalf("failed to register block: %v", err)
		}
	}
	if _, err := store.Forget(forgotten.ID()); err != nil {
		t.Fatalf("failed to forget block: %v", err)
	}

	footprint := store.GetMemoryFootprint().String()
	if !strings.Contains(footprint, "./blocks/1/mapping") {
		t.Errorf("footprint should list the mapping of the tracked block, got\n%s", footprint)
	}
	if strings.Contains(footprint, "./blocks/2") {
		t.Errorf("footprint should not list forgotten blocks, got\n%s", footprint)
	}
}

func TestStore_SpillFilesArePublished(t *testing.T) {
	ctrl := gomock.NewController(t)
	publisher := NewMockPublisher(ctrl)
	store := newPublishingStore(t, publisher)
	block, _ := newFilledBlock(t, 1, uint64(vmem.PageSize()), 5)
	if err := store.Register(block); err != nil {
		t.Fatalf("failed to register block: %v", err)
	}

	var published string
	publisher.EXPECT().Publish(block.ID(), gomock.Any()).DoAndReturn(func(_ vmem.BlockID, path string) error {
		published = path
		return nil
	})
	if _, err := store.Evict(1); err != nil {
		t.Fatalf("failed to evict: %v", err)
	}
	if filepath.Dir(published) != store.Directory() {
		t.Errorf("published file %q is not located in the spill directory", published)
	}
	if _, err := os.Stat(published); err != nil {
		t.Errorf("published file should exist: %v", err)
	}

	// Nothing was restored, the published file remains valid.
	publisher.EXPECT().Restored(block.ID()).Return(false, nil)
	if _, err := store.Persist(block); err != nil {
		t.Fatalf("failed to persist block: %v", err)
	}
	if got := store.Stats().FilesWritten; got != 1 {
		t.Errorf("unrestored block should not be written again, got %d written files", got)
	}

	publisher.EXPECT().Withdraw(block.ID())
	if _, err := store.Discard(block); err != nil {
		t.Fatalf("failed to discard block: %v", err)
	}
	if _, err := os.Stat(published); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("withdrawn file should be removed, got %v", err)
	}
}

func TestStore_RestoredBlockIsRepublished(t *testing.T) {
	ctrl := gomock.NewController(t)
	publisher := NewMockPublisher(ctrl)
	store := newPublishingStore(t, publisher)
	block, _ := newFilledBlock(t, 1, uint64(vmem.PageSize()), 5)
	if err := store.Register(block); err != nil {
		t.Fatalf("failed to register block: %v", err)
	}

	var paths []string
	publisher.EXPECT().Publish(block.ID(), gomock.Any()).Times(3).DoAndReturn(func(_ vmem.BlockID, path string) error {
		paths = append(paths, path)
		return nil
	})
	gomock.InOrder(
		publisher.EXPECT().Restored(block.ID()).Return(true, nil),
		publisher.EXPECT().Restored(block.ID()).Return(false, fmt.Errorf("injected error")),
	)
	for range 3 {
		if _, err := store.Persist(block); err != nil {
			t.Fatalf("failed to persist block: %v", err)
		}
	}

	if got := store.Stats().FilesWritten; got != 3 {
		t.Errorf("restored block should be written again, got %d written files", got)
	}
	if len(paths) != 3 || paths[0] == paths[1] || paths[1] == paths[2] {
		t.Errorf("every rewrite should publish a new file, got %v", paths)
	}
	if got := listSpillFiles(t, store); len(got) != 1 || got[0] != filepath.Base(paths[2]) {
		t.Errorf("only the last published file should remain, got %v", got)
	}

	publisher.EXPECT().Withdraw(block.ID())
	if _, err := store.Forget(block.ID()); err != nil {
		t.Fatalf("failed to forget block: %v", err)
	}
}

func TestStore_FailedPublishKeepsPreviousState(t *testing.T) {
	ctrl := gomock.NewController(t)
	publisher := NewMockPublisher(ctrl)
	store := newPublishingStore(t, publisher)
	block, want := newFilledBlock(t, 1, uint64(vmem.PageSize()), 5)
	if err := store.Register(block); err != nil {
		t.Fatalf("failed to register block: %v", err)
	}

	injected := fmt.Errorf("injected error")
	publisher.EXPECT().Publish(block.ID(), gomock.Any()).Return(injected)
	if _, err := store.Evict(1); !errors.Is(err, injected) {
		t.Errorf("expected publish error, got %v", err)
	}
	if store.HasRecord(block.ID()) {
		t.Errorf("unpublished file should not be recorded")
	}
	if got := listSpillFiles(t, store); len(got) != 0 {
		t.Errorf("unpublished file should be removed, got %v", got)
	}
	data, err := block.Bytes()
	if err != nil {
		t.Fatalf("failed to access block: %v", err)
	}
	if !bytes.Equal(data, want) {
		t.Errorf("pages of a block that could not be published should be kept")
	}
}
