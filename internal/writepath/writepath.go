// Package writepath implements the write pipeline of spec.md §4.5:
// read-modify-write of partially-overlapped blocks, zero-copy alias of
// fully-covered blocks, dirty-block bookkeeping, and delegation to the
// coordinator when this gateway isn't one.
package writepath

import (
	"context"

	"github.com/syndicate-project/ug/internal/blockcache"
	"github.com/syndicate-project/ug/internal/clock"
	"github.com/syndicate-project/ug/internal/consistency"
	"github.com/syndicate-project/ug/internal/driver"
	"github.com/syndicate-project/ug/internal/idgen"
	"github.com/syndicate-project/ug/internal/inode"
	"github.com/syndicate-project/ug/internal/manifest"
	"github.com/syndicate-project/ug/internal/msclient"
	"github.com/syndicate-project/ug/internal/readpath"
	"github.com/syndicate-project/ug/internal/ugerr"
)

// Delegator sends a write this gateway isn't the coordinator for to
// the actual coordinator, as a signed WRITE request (spec §4.5, §6),
// and returns the coordinator's resulting md_entry. The concrete
// transport (wire.Request over a peer connection) is supplied by
// internal/gateway at construction time.
type Delegator func(ctx context.Context, n *inode.Inode, offset int64, touched []PendingBlock) (msclient.Entry, error)

// PendingBlock is one block this write touched, ready either to be
// flushed locally (coordinator path) or shipped to the coordinator
// (delegate path).
type PendingBlock struct {
	BlockID int64
	Version int64
	Plain   []byte
	Last    bool // kept dirty-only in RAM, never flushed (spec §4.5 step 5)
}

// Engine runs writes against an inode's manifest and dirty-block map.
type Engine struct {
	Consistency *consistency.Engine
	Read        *readpath.Engine
	Cache       *blockcache.Cache
	Driver      driver.ChunkCodec
	Clock       clock.Clock
	SelfID      int64
	BlockSize   int64
	Delegate    Delegator
}

// Write satisfies a write of buf at offset against n, per spec §4.5.
func (e *Engine) Write(ctx context.Context, path string, n *inode.Inode, buf []byte, offset int64) (int, error) {
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
	isCoord := n.IsCoordinator(e.SelfID)
	n.RUnlock()

	end := offset + int64(len(buf))
	plans := partitionWrite(offset, end, e.BlockSize)
	if len(plans) == 0 {
		return 0, nil
	}

	touched := make([]PendingBlock, len(plans))
	for i, p := range plans {
		plain, err := e.materialize(ctx, n, size, p, buf)
		if err != nil {
			return 0, err
		}
		touched[i] = PendingBlock{
			BlockID: p.blockID,
			Version: idgen.BlockVersion(),
			Plain:   plain,
			Last:    i == len(plans)-1,
		}
	}

	if !isCoord {
		fresh, err := e.delegate(ctx, n, offset, touched)
		if err != nil {
			return 0, err
		}
		// The coordinator owns flush/commit/size for every touched
		// block except the last, which spec §4.5 step 5 keeps as a
		// RAM-only dirty block regardless of who coordinates.
		n.Lock()
		for _, pb := range touched {
			if pb.Last {
				db := manifest.NewShared(pb.BlockID, pb.Version, pb.Plain)
				db.Unshare()
				n.DirtyBlocks[pb.BlockID] = db
			}
		}
		n.Unlock()
		if e.Consistency != nil {
			if err := e.Consistency.InodeReload(ctx, n, fresh); err != nil {
				return 0, err
			}
		}
		return len(buf), nil
	}

	if err := e.commitLocal(ctx, n, touched, end); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (e *Engine) delegate(ctx context.Context, n *inode.Inode, offset int64, touched []PendingBlock) (msclient.Entry, error) {
	if e.Delegate == nil {
		return msclient.Entry{}, ugerr.New(ugerr.RemoteIO, "write: no delegate configured for non-coordinator path")
	}
	return e.Delegate(ctx, n, offset, touched)
}

// ApplyRemoteWrite runs commitLocal against n for a write this gateway
// received as the coordinator-side dispatch of a peer's delegated
// Write call (internal/gateway's inter-UG WRITE handler). end is the
// absolute file offset the write extends to, as in Write's own call.
func (e *Engine) ApplyRemoteWrite(ctx context.Context, n *inode.Inode, touched []PendingBlock, end int64) error {
	return e.commitLocal(ctx, n, touched, end)
}

// commitLocal performs spec §4.5 steps 6-9 for the coordinator path:
// flush all but the last touched block to disk cache, commit each to
// the manifest (moving the superseded block to replaced_blocks),
// update manifest bookkeeping, and grow the inode's size.
func (e *Engine) commitLocal(ctx context.Context, n *inode.Inode, touched []PendingBlock, end int64) error {
	n.Lock()
	defer n.Unlock()

	now := e.Clock.Now()
	for _, pb := range touched {
		db := manifest.NewShared(pb.BlockID, pb.Version, pb.Plain)
		db.Unshare()
		n.DirtyBlocks[pb.BlockID] = db

		if pb.Last {
			continue // kept dirty-only in RAM, per spec §4.5 step 5
		}

		encoded, err := e.Driver.Serialize(pb.Plain)
		if err != nil {
			return ugerr.Wrap(ugerr.RemoteIO, "serialize dirty block", err)
		}
		hash := manifest.SumHash(encoded)

		if old, ok := n.Manifest.Block(pb.BlockID); ok {
			n.ReplacedBlocks = append(n.ReplacedBlocks, inode.ReplacedBlock{
				BlockID: old.ID,
				Version: old.Version,
				Hash:    old.Hash,
				ModTime: n.ManifestMTime,
			})
		}

		key := blockcache.Key{FileID: n.FileID, FileVersion: n.FileVersion, BlockID: pb.BlockID, BlockVer: pb.Version}
		if err := e.Cache.WriteBlockAsync(ctx, key, encoded); err != nil {
			return err
		}

		_ = n.Manifest.PutBlock(manifest.Block{ID: pb.BlockID, Version: pb.Version, Hash: hash, Type: manifest.TypeBlock}, true)
		db.Flushed = true
		db.Hash = hash
		delete(n.DirtyBlocks, pb.BlockID)
	}

	n.MTime = now
	if n.IsCoordinator(e.SelfID) {
		n.ManifestMTime = manifest.ModTime{Sec: now.Unix(), Nsec: int32(now.Nanosecond())}
		n.WriteNonce++
	}

	if end > n.Size {
		n.Size = end
	}
	n.Manifest.Size = n.Size
	n.Dirty = true

	return nil
}

// writeBlockPlan describes one block touched by a write.
type writeBlockPlan struct {
	blockID    int64
	rangeStart int64 // offset within the block where new bytes begin
	rangeEnd   int64 // offset within the block, exclusive, where new bytes end
	bufOffset  int64
	aligned    bool
}

// partitionWrite splits [offset, end) into per-block plans. Unlike
// readpath's partition, end may exceed the inode's current size (a
// write can extend the file), and every plan names both the write's
// own range within the block and whether that range covers the whole
// block.
func partitionWrite(offset, end, blockSize int64) []writeBlockPlan {
	if blockSize <= 0 || end <= offset {
		return nil
	}
	firstBlock := offset / blockSize
	lastBlock := (end - 1) / blockSize

	var plans []writeBlockPlan
	bufOffset := int64(0)
	for bid := firstBlock; bid <= lastBlock; bid++ {
		base := bid * blockSize
		start := int64(0)
		if bid == firstBlock {
			start = offset - base
		}
		stop := blockSize
		if bid == lastBlock {
			stop = end - base
		}
		plans = append(plans, writeBlockPlan{
			blockID:    bid,
			rangeStart: start,
			rangeEnd:   stop,
			bufOffset:  bufOffset,
			aligned:    start == 0 && stop == blockSize,
		})
		bufOffset += stop - start
	}
	return plans
}

// materialize builds the full block-sized plain-text buffer for p:
// a zero-copy alias of buf when the write fully covers the block,
// otherwise a scratch buffer seeded with the block's current content
// (downloaded via readpath if necessary, zero for a write-hole) with
// the new bytes overlaid.
func (e *Engine) materialize(ctx context.Context, n *inode.Inode, size int64, p writeBlockPlan, buf []byte) ([]byte, error) {
	if p.aligned {
		return buf[p.bufOffset : p.bufOffset+(p.rangeEnd-p.rangeStart)], nil
	}

	scratch := make([]byte, e.BlockSize)
	blockBase := p.blockID * e.BlockSize
	if blockBase < size && e.Read != nil {
		if _, err := e.Read.Read(ctx, "", n, scratch, blockBase); err != nil && !ugerr.Is(err, ugerr.NotFound) {
			return nil, err
		}
	}
	copy(scratch[p.rangeStart:p.rangeEnd], buf[p.bufOffset:p.bufOffset+(p.rangeEnd-p.rangeStart)])
	return scratch, nil
}
