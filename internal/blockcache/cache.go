package blockcache

import (
	"container/list"
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/dustin/go-humanize"
	"github.com/syndicate-project/ug/internal/metrics"
	"github.com/syndicate-project/ug/internal/ugerr"
)

// Config bounds the cache's steady-state size, in blocks.
type Config struct {
	// SoftLimit (S): the writer trims back to this many written
	// blocks whenever it exceeds it.
	SoftLimit int
	// HardLimit (H): the number of unwritten blocks that may be in
	// flight at once; write_block_async blocks producers beyond it.
	HardLimit int
	// Root is the cache's data_root (spec.md §6).
	Root string
}

type completion struct {
	key Key
	err error
}

// Cache is the process-wide asynchronous on-disk block cache of
// spec.md §4.2.
type Cache struct {
	cfg Config

	hardLimit *semaphore.Weighted
	// blocksPending wakes the writer loop: a post (wakeWriter) before
	// any wait (run's select) must never block or panic, which rules
	// out semaphore.Weighted (its Release panics if called before the
	// matching Acquire). A single-slot notify channel coalesces any
	// number of posts between two wakeups into one drain, which is
	// fine since run() always drains everything queued, not just one
	// post's worth.
	blocksPending chan struct{}

	pendingMu  sync.RWMutex
	pendingIdx int // 0 or 1: which of pending[2] is "active"
	pending    [2]map[Key][]byte

	completedMu  sync.RWMutex
	completedIdx int
	completed    [2][]completion

	lruMu  sync.RWMutex
	lru    *list.List
	lruIdx map[Key]*list.Element

	mu               sync.Mutex // guards numBlocksWritten/numAIOWrites
	numBlocksWritten int
	numAIOWrites     int

	writesWG sync.WaitGroup // outstanding writeOne goroutines

	shutdown   chan struct{}
	shutdownWG sync.WaitGroup
	closed     bool
	closeMu    sync.Mutex
}

// New creates a Cache and starts its writer goroutine.
func New(cfg Config) *Cache {
	if cfg.HardLimit <= 0 {
		cfg.HardLimit = 64
	}
	if cfg.SoftLimit <= 0 || cfg.SoftLimit > cfg.HardLimit {
		cfg.SoftLimit = cfg.HardLimit / 2
	}
	c := &Cache{
		cfg:           cfg,
		hardLimit:     semaphore.NewWeighted(int64(cfg.HardLimit)),
		blocksPending: make(chan struct{}, 1),
		lru:           list.New(),
		lruIdx:        make(map[Key]*list.Element),
		shutdown:      make(chan struct{}),
	}
	c.pending[0] = make(map[Key][]byte)
	c.pending[1] = make(map[Key][]byte)
	c.shutdownWG.Add(1)
	go c.run()
	return c
}

// WriteBlockAsync enqueues data for asynchronous write to disk under
// key. It blocks the producer while H unwritten blocks are already in
// flight, per spec.md §4.2 step 2.
func (c *Cache) WriteBlockAsync(ctx context.Context, key Key, data []byte) error {
	c.closeMu.Lock()
	closed := c.closed
	c.closeMu.Unlock()
	if closed {
		return ugerr.New(ugerr.RemoteIO, "block cache is shutting down")
	}

	if err := c.hardLimit.Acquire(ctx, 1); err != nil {
		return ugerr.Wrap(ugerr.Again, "hard limit acquire cancelled", err)
	}

	c.pendingMu.Lock()
	c.pending[c.pendingIdx][key] = data
	c.pendingMu.Unlock()

	// Post blocks_pending: wake the writer.
	c.wakeWriter()
	metrics.BlockCacheBlocksPending.Inc()
	return nil
}

// wakeWriter posts a wakeup to the writer loop without blocking,
// coalescing with any wakeup already queued.
func (c *Cache) wakeWriter() {
	select {
	case c.blocksPending <- struct{}{}:
	default:
	}
}

// Read locates a block on disk and returns its raw (still
// driver-encoded) bytes. A miss returns ugerr.NotFound.
func (c *Cache) Read(key Key) ([]byte, error) {
	data, err := os.ReadFile(key.Path(c.cfg.Root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ugerr.New(ugerr.NotFound, fmt.Sprintf("block %+v not cached", key))
		}
		return nil, ugerr.Wrap(ugerr.RemoteIO, "read cached block", err)
	}
	return data, nil
}

// Stats reports the counters spec.md §8 property 3 checks.
type Stats struct {
	NumBlocksWritten    int
	NumAIOWrites        int
	HardLimitAvailable  int64
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		NumBlocksWritten:   c.numBlocksWritten,
		NumAIOWrites:       c.numAIOWrites,
		HardLimitAvailable: int64(c.cfg.HardLimit) - int64(c.numAIOWrites+c.numBlocksWritten),
	}
}

// Revert renames the whole <fid_hex>/<oldFver> subtree to
// <fid_hex>/<newFver> in constant time per file, per spec.md §4.2
// "Reversion".
func (c *Cache) Revert(fileID, oldVersion, newVersion int64) error {
	oldDir := VersionDir(c.cfg.Root, fileID, oldVersion)
	if _, err := os.Stat(oldDir); os.IsNotExist(err) {
		return nil
	}
	newDir := VersionDir(c.cfg.Root, fileID, newVersion)
	if err := os.MkdirAll(filepathDir(newDir), 0o700); err != nil {
		return ugerr.Wrap(ugerr.RemoteIO, "prepare reversion target", err)
	}
	if err := os.Rename(oldDir, newDir); err != nil {
		return ugerr.Wrap(ugerr.RemoteIO, "revert block cache version", err)
	}
	return nil
}

// EvictBlocksAbove asynchronously drops every cached block of fileID
// at fileVersion with id >= fromBlockID, used by InodeReload's
// "shrinkage" case (spec.md §4.3).
func (c *Cache) EvictBlocksAbove(fileID, fileVersion, fromBlockID int64) {
	dir := VersionDir(c.cfg.Root, fileID, fileVersion)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	go func() {
		for _, e := range entries {
			var bid, bver int64
			if _, err := fmt.Sscanf(e.Name(), "%d.%d", &bid, &bver); err != nil {
				continue
			}
			if bid >= fromBlockID {
				key := Key{FileID: fileID, FileVersion: fileVersion, BlockID: bid, BlockVer: bver}
				_ = os.Remove(key.Path(c.cfg.Root))
				c.removeFromLRU(key)
			}
		}
	}()
}

// Close drains remaining completions and stops the writer goroutine,
// per spec.md §5's shutdown sequence: "cache writer drains all AIO
// completions" before the process tears anything else down.
func (c *Cache) Close() {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	c.closeMu.Unlock()

	close(c.shutdown)
	c.shutdownWG.Wait()
}

func (c *Cache) run() {
	defer c.shutdownWG.Done()
	for {
		select {
		case <-c.shutdown:
			c.drainOnce()
			c.writesWG.Wait()
			c.drainCompletions()
			return
		case <-c.blocksPending:
			c.drainOnce()
			c.drainCompletions()
			c.trimToSoftLimit()
		}
	}
}

// drainOnce swaps the active pending map and issues an async write
// for every queued block, per spec.md §4.2 writer loop step 2.
func (c *Cache) drainOnce() {
	c.pendingMu.Lock()
	idx := c.pendingIdx
	c.pendingIdx = 1 - idx
	batch := c.pending[idx]
	c.pending[idx] = make(map[Key][]byte)
	c.pendingMu.Unlock()

	for key, data := range batch {
		c.mu.Lock()
		c.numAIOWrites++
		c.mu.Unlock()
		c.writesWG.Add(1)
		go c.writeOne(key, data)
	}
}

func (c *Cache) writeOne(key Key, data []byte) {
	defer c.writesWG.Done()
	err := key.EnsureDir(c.cfg.Root)
	if err == nil {
		err = os.WriteFile(key.Path(c.cfg.Root), data, 0o600)
	}

	c.completedMu.Lock()
	c.completed[c.completedIdx] = append(c.completed[c.completedIdx], completion{key: key, err: err})
	c.completedMu.Unlock()

	// Wake the writer loop so it drains this completion even if no
	// further WriteBlockAsync call arrives to do so.
	c.wakeWriter()
}

// drainCompletions swaps the active completed buffer and resolves
// each finished write, per spec.md §4.2 writer loop step 3.
func (c *Cache) drainCompletions() {
	c.completedMu.Lock()
	idx := c.completedIdx
	c.completedIdx = 1 - idx
	batch := c.completed[idx]
	c.completed[idx] = nil
	c.completedMu.Unlock()

	for _, comp := range batch {
		c.mu.Lock()
		c.numAIOWrites--
		c.mu.Unlock()
		metrics.BlockCacheBlocksPending.Dec()

		if comp.err != nil {
			_ = os.Remove(comp.key.Path(c.cfg.Root))
			c.hardLimit.Release(1)
			log.Printf("[blockcache] write %+v failed: %v", comp.key, comp.err)
			continue
		}

		c.lruMu.Lock()
		el := c.lru.PushBack(comp.key)
		c.lruIdx[comp.key] = el
		c.lruMu.Unlock()

		c.mu.Lock()
		c.numBlocksWritten++
		n := c.numBlocksWritten
		c.mu.Unlock()
		metrics.BlockCacheBlocksWritten.Set(float64(n))
	}
}

// trimToSoftLimit pops the LRU head while the cache exceeds its soft
// limit, per spec.md §4.2 writer loop step 4.
func (c *Cache) trimToSoftLimit() {
	for {
		c.mu.Lock()
		over := c.numBlocksWritten > c.cfg.SoftLimit
		c.mu.Unlock()
		if !over {
			return
		}

		c.lruMu.Lock()
		front := c.lru.Front()
		var key Key
		if front != nil {
			key = front.Value.(Key)
			c.lru.Remove(front)
			delete(c.lruIdx, key)
		}
		c.lruMu.Unlock()
		if front == nil {
			return
		}

		if err := os.Remove(key.Path(c.cfg.Root)); err != nil && !os.IsNotExist(err) {
			log.Printf("[blockcache] evict %+v: %v", key, err)
		}
		c.mu.Lock()
		c.numBlocksWritten--
		n := c.numBlocksWritten
		c.mu.Unlock()
		metrics.BlockCacheBlocksWritten.Set(float64(n))
		c.hardLimit.Release(1)
	}
}

func (c *Cache) removeFromLRU(key Key) {
	c.lruMu.Lock()
	defer c.lruMu.Unlock()
	if el, ok := c.lruIdx[key]; ok {
		c.lru.Remove(el)
		delete(c.lruIdx, key)
		c.mu.Lock()
		if c.numBlocksWritten > 0 {
			c.numBlocksWritten--
		}
		c.mu.Unlock()
	}
}

// LRUKeys returns the cache's current LRU order, oldest first, for
// tests (spec.md §8 S5).
func (c *Cache) LRUKeys() []Key {
	c.lruMu.RLock()
	defer c.lruMu.RUnlock()
	out := make([]Key, 0, c.lru.Len())
	for e := c.lru.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(Key))
	}
	return out
}

// HumanSize is a small logging helper wiring go-humanize into the
// cache's write-volume diagnostics.
func HumanSize(n int) string {
	return humanize.Bytes(uint64(n))
}

func filepathDir(p string) string {
	i := len(p) - 1
	for i >= 0 && p[i] != '/' {
		i--
	}
	if i < 0 {
		return "."
	}
	return p[:i]
}
