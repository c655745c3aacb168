package blockcache

import (
	"context"
	"os"
	"testing"
	"time"
)

func waitForWritten(t *testing.T, c *Cache, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Stats().NumBlocksWritten == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d blocks written, have %d", want, c.Stats().NumBlocksWritten)
}

func TestWriteBlockAsyncRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := New(Config{Root: dir, SoftLimit: 8, HardLimit: 16})
	defer c.Close()

	key := Key{FileID: 1, FileVersion: 1, BlockID: 0, BlockVer: 1}
	if err := c.WriteBlockAsync(context.Background(), key, []byte("hello")); err != nil {
		t.Fatalf("WriteBlockAsync: %v", err)
	}
	waitForWritten(t, c, 1)

	got, err := c.Read(key)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("Read = %q, want %q", got, "hello")
	}
}

func TestReadMissReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	c := New(Config{Root: dir, SoftLimit: 8, HardLimit: 16})
	defer c.Close()

	if _, err := c.Read(Key{FileID: 1, FileVersion: 1, BlockID: 9, BlockVer: 1}); err == nil {
		t.Fatal("expected error reading uncached block")
	}
}

// TestHardLimitBoundsInFlight verifies property 3: the cache never
// admits more than HardLimit blocks that are not yet on disk.
func TestHardLimitBoundsInFlight(t *testing.T) {
	dir := t.TempDir()
	const hard = 4
	c := New(Config{Root: dir, SoftLimit: 2, HardLimit: hard})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for i := 0; i < 32; i++ {
		key := Key{FileID: 1, FileVersion: 1, BlockID: int64(i), BlockVer: 1}
		if err := c.WriteBlockAsync(ctx, key, make([]byte, 64)); err != nil {
			t.Fatalf("WriteBlockAsync(%d): %v", i, err)
		}
	}
	waitForWritten(t, c, 2) // trimmed back to SoftLimit eventually

	entries, err := os.ReadDir(VersionDir(dir, 1, 1))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) > hard {
		t.Fatalf("on-disk block count %d exceeds hard limit %d", len(entries), hard)
	}
}

// TestTrimEvictsOldestFirst covers scenario S5: once the soft limit is
// exceeded the writer evicts LRU-oldest blocks first.
func TestTrimEvictsOldestFirst(t *testing.T) {
	dir := t.TempDir()
	c := New(Config{Root: dir, SoftLimit: 1, HardLimit: 8})
	defer c.Close()

	ctx := context.Background()
	first := Key{FileID: 2, FileVersion: 1, BlockID: 0, BlockVer: 1}
	second := Key{FileID: 2, FileVersion: 1, BlockID: 1, BlockVer: 1}

	if err := c.WriteBlockAsync(ctx, first, []byte("a")); err != nil {
		t.Fatal(err)
	}
	waitForWritten(t, c, 1)
	if err := c.WriteBlockAsync(ctx, second, []byte("b")); err != nil {
		t.Fatal(err)
	}
	waitForWritten(t, c, 1)

	if _, err := c.Read(first); err == nil {
		t.Fatal("expected oldest block to have been evicted")
	}
	if _, err := c.Read(second); err != nil {
		t.Fatalf("expected newest block still cached: %v", err)
	}
}

func TestRevertRenamesVersionDir(t *testing.T) {
	dir := t.TempDir()
	c := New(Config{Root: dir, SoftLimit: 8, HardLimit: 8})
	defer c.Close()

	key := Key{FileID: 3, FileVersion: 1, BlockID: 0, BlockVer: 1}
	if err := c.WriteBlockAsync(context.Background(), key, []byte("data")); err != nil {
		t.Fatal(err)
	}
	waitForWritten(t, c, 1)

	if err := c.Revert(3, 1, 2); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	moved := Key{FileID: 3, FileVersion: 2, BlockID: 0, BlockVer: 1}
	if _, err := c.Read(moved); err != nil {
		t.Fatalf("expected block readable at new version: %v", err)
	}
}

func TestEvictBlocksAboveDropsHighIDs(t *testing.T) {
	dir := t.TempDir()
	c := New(Config{Root: dir, SoftLimit: 8, HardLimit: 8})
	defer c.Close()

	low := Key{FileID: 4, FileVersion: 1, BlockID: 0, BlockVer: 1}
	high := Key{FileID: 4, FileVersion: 1, BlockID: 5, BlockVer: 1}
	ctx := context.Background()
	if err := c.WriteBlockAsync(ctx, low, []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteBlockAsync(ctx, high, []byte("b")); err != nil {
		t.Fatal(err)
	}
	waitForWritten(t, c, 2)

	c.EvictBlocksAbove(4, 1, 1)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := c.Read(high); err != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := c.Read(high); err == nil {
		t.Fatal("expected high block id evicted")
	}
	if _, err := c.Read(low); err != nil {
		t.Fatalf("expected low block id preserved: %v", err)
	}
}

func TestCloseDrainsPending(t *testing.T) {
	dir := t.TempDir()
	c := New(Config{Root: dir, SoftLimit: 8, HardLimit: 8})

	key := Key{FileID: 5, FileVersion: 1, BlockID: 0, BlockVer: 1}
	if err := c.WriteBlockAsync(context.Background(), key, []byte("x")); err != nil {
		t.Fatal(err)
	}
	c.Close()

	if _, err := c.Read(key); err != nil {
		t.Fatalf("expected block flushed before Close returned: %v", err)
	}
	if err := c.WriteBlockAsync(context.Background(), key, []byte("y")); err == nil {
		t.Fatal("expected write after Close to fail")
	}
}
