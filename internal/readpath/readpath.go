// Package readpath implements the read pipeline of spec.md §4.4:
// partition a requested range into unaligned head/tail and aligned
// interior blocks, satisfy write-holes locally, and pull whatever
// isn't already in RAM or on disk from the coordinator/replica set in
// bounded parallel.
package readpath

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/syndicate-project/ug/internal/blockcache"
	"github.com/syndicate-project/ug/internal/consistency"
	"github.com/syndicate-project/ug/internal/driver"
	"github.com/syndicate-project/ug/internal/inode"
	"github.com/syndicate-project/ug/internal/manifest"
	"github.com/syndicate-project/ug/internal/rgclient"
	"github.com/syndicate-project/ug/internal/ugerr"
	"github.com/syndicate-project/ug/internal/wire"
)

// Engine runs reads against an inode's manifest, dirty blocks, disk
// cache, and remote gateways.
type Engine struct {
	Consistency    *consistency.Engine
	Cache          *blockcache.Cache
	Driver         driver.ChunkCodec
	BlockSize      int64
	MaxConnections int
	// Replicas resolves the ordered gateway candidate list for a
	// file: [coordinator] ++ replicas, per spec §4.3/§4.4.
	Replicas func(n *inode.Inode) []*rgclient.Client
}

// blockResult pairs a blockPlan with its resolved plain bytes; data is
// nil for a write-hole, which the caller zero-fills instead of
// copying.
type blockResult struct {
	plan blockPlan
	data []byte
}

// blockPlan describes how one block id's content contributes to the
// caller's buffer.
type blockPlan struct {
	blockID    int64
	aligned    bool
	blockStart int64 // offset within the block of the first wanted byte
	blockEnd   int64 // offset within the block, exclusive, of the last wanted byte
	bufOffset  int64 // offset within the caller's buffer
}

// Read satisfies a read of buf at offset against n, per spec §4.4.
// path is used only to revalidate the inode's attrs; n must already be
// resolved. It returns the number of bytes actually placed into buf;
// the caller zero-pads any short read.
func (e *Engine) Read(ctx context.Context, path string, n *inode.Inode, buf []byte, offset int64) (int, error) {
	if e.Consistency != nil {
		if err := e.Consistency.PathEnsureFresh(ctx, path, n); err != nil {
			return 0, err
		}
		if err := e.Consistency.ManifestEnsureFresh(ctx, n); err != nil {
			return 0, err
		}
	}

	n.RLock()
	size := n.Size
	fileVersion := n.FileVersion
	writeNonce := n.WriteNonce
	fileID := n.FileID
	coordinatorID := n.CoordinatorID
	volumeID := n.VolumeID
	m := n.Manifest
	n.RUnlock()

	if offset >= size {
		return 0, nil
	}

	end := offset + int64(len(buf))
	if end > size {
		end = size
	}
	if end <= offset {
		return 0, nil
	}

	plans := partition(offset, end, e.BlockSize)

	results := make([]blockResult, len(plans))

	var candidates []*rgclient.Client
	var toFetch []int

	for i, p := range plans {
		data, ok, err := e.fromLocal(n, m, fileID, fileVersion, p.blockID)
		if err != nil {
			return 0, err
		}
		if ok {
			results[i] = blockResult{plan: p, data: data}
			continue
		}
		toFetch = append(toFetch, i)
	}

	if len(toFetch) > 0 {
		if candidates == nil {
			candidates = e.candidateList(n)
		}
		if err := e.fetchRemote(ctx, m, fileID, fileVersion, coordinatorID, volumeID, plans, toFetch, candidates, results); err != nil {
			return 0, err
		}
	}

	total := 0
	var lastBlock int64 = -1
	for _, r := range results {
		blockLen := r.plan.blockEnd - r.plan.blockStart
		if r.data == nil {
			// write-hole: zero-fill the region, so a reused buffer
			// carries no stale bytes.
			zeroFill(buf[r.plan.bufOffset : r.plan.bufOffset+blockLen])
		} else {
			copy(buf[r.plan.bufOffset:r.plan.bufOffset+blockLen], r.data[r.plan.blockStart:r.plan.blockEnd])
		}
		total += int(blockLen)
		lastBlock = r.plan.blockID
	}

	if lastBlock >= 0 {
		n.Lock()
		if n.FileVersion == fileVersion && n.WriteNonce == writeNonce {
			n.LastRead = inode.ReadHint{BlockID: lastBlock, Version: fileVersion, EvictOnClose: true}
		}
		n.Unlock()
	}

	return total, nil
}

// partition splits [offset, end) into per-block plans, per spec §4.4
// step 3. If the range's first and last block are the same block, it
// is emitted once as a single unaligned plan (Open Question: no double
// read of a block that is both head and tail).
func partition(offset, end, blockSize int64) []blockPlan {
	if blockSize <= 0 {
		return nil
	}
	firstBlock := offset / blockSize
	lastBlock := (end - 1) / blockSize

	var plans []blockPlan
	bufOffset := int64(0)
	for bid := firstBlock; bid <= lastBlock; bid++ {
		blockBase := bid * blockSize
		start := int64(0)
		if bid == firstBlock {
			start = offset - blockBase
		}
		stop := blockSize
		if bid == lastBlock {
			stop = end - blockBase
		}
		aligned := start == 0 && stop == blockSize
		plans = append(plans, blockPlan{
			blockID:    bid,
			aligned:    aligned,
			blockStart: start,
			blockEnd:   stop,
			bufOffset:  bufOffset,
		})
		bufOffset += stop - start
	}
	return plans
}

func zeroFill(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// fromLocal tries the inode's dirty blocks, then the disk cache, for
// blockID. ok is false (with a nil error) for a write-hole or a block
// that must be fetched remotely.
func (e *Engine) fromLocal(n *inode.Inode, m *manifest.Manifest, fileID, fileVersion, blockID int64) ([]byte, bool, error) {
	n.RLock()
	db, hasDirty := n.DirtyBlocks[blockID]
	n.RUnlock()
	if hasDirty {
		return db.Buf, true, nil
	}

	if m == nil {
		// no manifest at all yet: every block is a write-hole.
		return nil, true, nil
	}
	b, ok := m.Block(blockID)
	if !ok {
		// write-hole
		return nil, true, nil
	}

	key := blockcache.Key{FileID: fileID, FileVersion: fileVersion, BlockID: blockID, BlockVer: b.Version}
	encoded, err := e.Cache.Read(key)
	if err != nil {
		if ugerr.Is(err, ugerr.NotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	plain, err := e.Driver.Deserialize(encoded)
	if err != nil {
		return nil, false, ugerr.Wrap(ugerr.RemoteIO, "deserialize cached block", err)
	}
	return plain, true, nil
}

func (e *Engine) candidateList(n *inode.Inode) []*rgclient.Client {
	if e.Replicas == nil {
		return nil
	}
	return e.Replicas(n)
}

// fetchRemote downloads the blocks named by toFetch (indices into
// plans/results) with a bounded in-flight count, advancing each
// block's own gateway_idx on failure per spec §4.4 step 6.
func (e *Engine) fetchRemote(
	ctx context.Context,
	m *manifest.Manifest,
	fileID, fileVersion, coordinatorID, volumeID int64,
	plans []blockPlan,
	toFetch []int,
	candidates []*rgclient.Client,
	results []blockResult,
) error {
	if len(candidates) == 0 {
		return ugerr.New(ugerr.NoData, "no gateway candidates for remote read")
	}

	limit := e.MaxConnections
	if limit <= 0 || limit > len(toFetch) {
		limit = len(toFetch)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, idx := range toFetch {
		idx := idx
		p := plans[idx]
		g.Go(func() error {
			b, ok := m.Block(p.blockID)
			if !ok {
				// write-hole discovered after local check raced with a
				// concurrent truncate; treat as zero-fill.
				return nil
			}
			req := wire.Request{
				VolumeID:      volumeID,
				FileID:        fileID,
				FileVersion:   fileVersion,
				CoordinatorID: coordinatorID,
				BlockID:       p.blockID,
				BlockVersion:  b.Version,
			}

			var lastErr error
			for gatewayIdx := 0; gatewayIdx < len(candidates); gatewayIdx++ {
				encoded, err := candidates[gatewayIdx].GetBlock(gctx, req)
				if err != nil {
					lastErr = err
					continue
				}
				plain, err := e.Driver.Deserialize(encoded)
				if err != nil {
					return ugerr.Wrap(ugerr.RemoteIO, "deserialize downloaded block", err)
				}
				results[idx].plan = p
				results[idx].data = plain

				if e.Cache != nil {
					key := blockcache.Key{FileID: fileID, FileVersion: fileVersion, BlockID: p.blockID, BlockVer: b.Version}
					_ = e.Cache.WriteBlockAsync(gctx, key, encoded)
				}
				return nil
			}
			if lastErr == nil {
				lastErr = ugerr.New(ugerr.NoData, "no candidates available")
			}
			return ugerr.Wrap(ugerr.NoData, "exhausted gateway candidates for block", lastErr)
		})
	}

	return g.Wait()
}
