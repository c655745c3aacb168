package writepath

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/syndicate-project/ug/internal/blockcache"
	"github.com/syndicate-project/ug/internal/clock"
	"github.com/syndicate-project/ug/internal/consistency"
	"github.com/syndicate-project/ug/internal/driver/zstd"
	"github.com/syndicate-project/ug/internal/inode"
	"github.com/syndicate-project/ug/internal/manifest"
	"github.com/syndicate-project/ug/internal/msclient"
	"github.com/syndicate-project/ug/internal/readpath"
)

const blockSize = 16

func newTestEngine(t *testing.T) (*Engine, *blockcache.Cache) {
	t.Helper()
	cache := blockcache.New(blockcache.Config{Root: t.TempDir(), HardLimit: 8, SoftLimit: 4})
	t.Cleanup(func() { cache.Close() })
	codec := zstd.New(0)
	readEngine := &readpath.Engine{Cache: cache, Driver: codec, BlockSize: blockSize, MaxConnections: 4}
	return &Engine{
		Read:      readEngine,
		Cache:     cache,
		Driver:    codec,
		Clock:     clock.NewFake(time.Unix(1000, 0)),
		SelfID:    1,
		BlockSize: blockSize,
	}, cache
}

func waitWritten(t *testing.T, c *blockcache.Cache, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Stats().NumBlocksWritten >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d blocks written", want)
}

func newFileInode(coordinator int64) *inode.Inode {
	n := inode.New(1, 1, "f", inode.TypeFile, 0)
	n.CoordinatorID = coordinator
	n.Manifest = manifest.New(1, 1, 1, coordinator)
	return n
}

func TestWriteSingleBlockCoordinatorKeepsLastDirty(t *testing.T) {
	e, _ := newTestEngine(t)
	n := newFileInode(1)

	data := bytes.Repeat([]byte{'x'}, blockSize)
	got, err := e.Write(context.Background(), "/f", n, data, 0)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got != blockSize {
		t.Fatalf("got %d, want %d", got, blockSize)
	}
	if n.Size != blockSize {
		t.Fatalf("Size = %d, want %d", n.Size, blockSize)
	}
	db, ok := n.DirtyBlocks[0]
	if !ok || !db.Dirty {
		t.Fatalf("expected block 0 to remain dirty (last block of write)")
	}
	if _, onDisk := n.Manifest.Block(0); onDisk {
		t.Fatalf("last block should not be committed to the manifest yet")
	}
}

func TestWriteTwoBlocksFlushesAllButLast(t *testing.T) {
	e, cache := newTestEngine(t)
	n := newFileInode(1)

	data := bytes.Repeat([]byte{'y'}, 2*blockSize)
	if _, err := e.Write(context.Background(), "/f", n, data, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitWritten(t, cache, 1)

	if _, ok := n.Manifest.Block(0); !ok {
		t.Fatalf("block 0 should be committed to the manifest")
	}
	if _, dirty := n.DirtyBlocks[0]; dirty {
		t.Fatalf("block 0 should have been cleared from dirty blocks after flush")
	}
	db, ok := n.DirtyBlocks[1]
	if !ok || !db.Dirty {
		t.Fatalf("block 1 (last) should remain dirty")
	}
	if n.Size != 2*blockSize {
		t.Fatalf("Size = %d, want %d", n.Size, 2*blockSize)
	}
	if len(n.ReplacedBlocks) != 0 {
		t.Fatalf("expected no replaced blocks on a fresh write-hole fill, got %v", n.ReplacedBlocks)
	}
}

func TestWriteOverwriteMovesOldBlockToReplaced(t *testing.T) {
	e, cache := newTestEngine(t)
	n := newFileInode(1)

	first := bytes.Repeat([]byte{'a'}, 2*blockSize)
	if _, err := e.Write(context.Background(), "/f", n, first, 0); err != nil {
		t.Fatalf("first write: %v", err)
	}
	waitWritten(t, cache, 1)

	second := bytes.Repeat([]byte{'b'}, 2*blockSize)
	if _, err := e.Write(context.Background(), "/f", n, second, 0); err != nil {
		t.Fatalf("second write: %v", err)
	}
	waitWritten(t, cache, 2)

	if len(n.ReplacedBlocks) != 1 {
		t.Fatalf("expected one replaced block (old block 0), got %d", len(n.ReplacedBlocks))
	}
	if n.ReplacedBlocks[0].BlockID != 0 {
		t.Fatalf("ReplacedBlocks[0].BlockID = %d, want 0", n.ReplacedBlocks[0].BlockID)
	}
}

func TestWriteUnalignedOverlaysExistingContent(t *testing.T) {
	e, cache := newTestEngine(t)
	n := newFileInode(1)

	full := []byte("0123456789abcdef")
	if _, err := e.Write(context.Background(), "/f", n, full, 0); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	// force the block to be flushed & committed so the next write has
	// to download it back for the read-modify-write overlay.
	db := n.DirtyBlocks[0]
	encoded, _ := e.Driver.Serialize(db.Buf)
	key := blockcache.Key{FileID: n.FileID, FileVersion: n.FileVersion, BlockID: 0, BlockVer: db.Version}
	if err := cache.WriteBlockAsync(context.Background(), key, encoded); err != nil {
		t.Fatal(err)
	}
	waitWritten(t, cache, 1)
	n.Manifest.PutBlock(manifest.Block{ID: 0, Version: db.Version, Hash: manifest.SumHash(encoded)}, true)
	delete(n.DirtyBlocks, 0)
	n.Size = blockSize

	overlay := []byte("XY")
	if _, err := e.Write(context.Background(), "/f", n, overlay, 2); err != nil {
		t.Fatalf("overlay write: %v", err)
	}

	merged := n.DirtyBlocks[0]
	if merged == nil {
		t.Fatal("expected block 0 dirty after overlay write")
	}
	want := []byte("01XY456789abcdef")
	if !bytes.Equal(merged.Buf, want) {
		t.Fatalf("merged = %q, want %q", merged.Buf, want)
	}
}

func TestWriteNonCoordinatorDelegates(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Consistency = &consistency.Engine{Clock: e.Clock, SelfID: e.SelfID}
	n := newFileInode(2) // not self (SelfID=1)
	n.RefreshTime = e.Clock.Now()
	n.MaxReadFreshness = time.Minute

	delegateCalled := false
	e.Delegate = func(ctx context.Context, n *inode.Inode, offset int64, touched []PendingBlock) (msclient.Entry, error) {
		delegateCalled = true
		if len(touched) != 1 || !touched[0].Last {
			t.Fatalf("expected a single last-block pending write, got %+v", touched)
		}
		return msclient.Entry{
			FileID: 1, VolumeID: 1, FileVersion: 5, CoordinatorID: 2, Size: blockSize,
		}, nil
	}

	data := bytes.Repeat([]byte{'z'}, blockSize)
	if _, err := e.Write(context.Background(), "/f", n, data, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !delegateCalled {
		t.Fatal("expected Delegate to be invoked for non-coordinator write")
	}
	if n.FileVersion != 5 {
		t.Fatalf("FileVersion = %d, want 5 after delegated write applied", n.FileVersion)
	}
	if _, dirty := n.DirtyBlocks[0]; !dirty {
		t.Fatalf("expected last block kept dirty locally even on the delegate path")
	}
}

func TestWriteNonCoordinatorDelegateFailure(t *testing.T) {
	e, _ := newTestEngine(t)
	n := newFileInode(2)
	// e.Delegate left nil: must surface an error rather than silently
	// acting as coordinator.
	data := bytes.Repeat([]byte{'q'}, blockSize)
	if _, err := e.Write(context.Background(), "/f", n, data, 0); err == nil {
		t.Fatal("expected an error when no delegate is configured")
	}
}
