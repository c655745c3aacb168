// Package syncctl implements spec.md §4.8: fsync's flush-replicate-
// vacuum handoff under per-inode FIFO ordering, and chcoord's
// capability-gated coordinator transfer.
package syncctl

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syndicate-project/ug/internal/blockcache"
	"github.com/syndicate-project/ug/internal/clock"
	"github.com/syndicate-project/ug/internal/consistency"
	"github.com/syndicate-project/ug/internal/driver"
	"github.com/syndicate-project/ug/internal/inode"
	"github.com/syndicate-project/ug/internal/manifest"
	"github.com/syndicate-project/ug/internal/metrics"
	"github.com/syndicate-project/ug/internal/msclient"
	"github.com/syndicate-project/ug/internal/replication"
	"github.com/syndicate-project/ug/internal/retry"
	"github.com/syndicate-project/ug/internal/ugerr"
	"github.com/syndicate-project/ug/internal/vacuum"
)

// CapCoordinate is the volume capability bit chcoord requires (spec
// §4.8 step 1). The MS's capability bit layout beyond this one flag
// is opaque to the gateway.
const CapCoordinate uint32 = 1 << 2

// Engine drives fsync and chcoord against the shared inode store.
type Engine struct {
	MS          msclient.Client
	Replication *replication.Engine
	Vacuum      *vacuum.Worker
	Consistency *consistency.Engine
	Cache       *blockcache.Cache
	Driver      driver.ChunkCodec
	Clock       clock.Clock
	SelfID      int64
	StageDir    string

	// FlushRetry bounds fsync's block-flush attempts. The zero value
	// falls back to defaultFlushRetry.
	FlushRetry retry.Policy

	mu    sync.Mutex
	turns map[int64]chan struct{}
}

var tokenCounter int64

func nextToken() int64 { return atomic.AddInt64(&tokenCounter, 1) }

func defaultFlushRetry() retry.Policy {
	return retry.Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: 500 * time.Millisecond, MaxAttempts: 5, Jitter: 0.2}
}

// Fsync implements spec §4.8's fsync(fent): flush every dirty block,
// replicate the resulting delta under this inode's FIFO sync queue,
// and hand the just-committed range to the background vacuumer.
func (e *Engine) Fsync(ctx context.Context, path string, n *inode.Inode) error {
	if err := e.acquireTurn(ctx, n); err != nil {
		return err
	}
	defer e.releaseTurn(n)

	flushed, err := e.flushDirtyBlocks(ctx, n)
	if err != nil {
		return err
	}
	if len(flushed) == 0 {
		return nil
	}

	rc, err := e.buildReplicaContext(n, flushed)
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := e.Replication.Replicate(ctx, rc); err != nil {
		return err
	}

	if rc.SentMSUpdate && !rc.IsCoordinator {
		if err := e.Consistency.InodeReload(ctx, n, rc.Entry); err != nil {
			return err
		}
	}

	e.enqueueVacuum(path, n)

	n.Lock()
	n.ReplacedBlocks = nil
	n.Dirty = len(n.DirtyBlocks) > 0
	n.Unlock()

	return nil
}

// acquireTurn appends this caller to n's FIFO sync queue and blocks
// until it is at the head, per spec §5's "at most one fsync replicates
// at a time; the rest wait on per-context semaphores in enqueue order."
func (e *Engine) acquireTurn(ctx context.Context, n *inode.Inode) error {
	token := nextToken()

	n.Lock()
	first := len(n.SyncQueue) == 0
	n.SyncQueue = append(n.SyncQueue, inode.SyncQueueEntry{ID: token})
	var wait chan struct{}
	if !first {
		wait = make(chan struct{})
		e.mu.Lock()
		if e.turns == nil {
			e.turns = make(map[int64]chan struct{})
		}
		e.turns[token] = wait
		e.mu.Unlock()
	}
	n.Unlock()
	metrics.SyncQueueDepth.Inc()

	if wait == nil {
		return nil
	}
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// releaseTurn pops this caller off the front of n's FIFO and wakes
// whichever context is now at the head.
func (e *Engine) releaseTurn(n *inode.Inode) {
	metrics.SyncQueueDepth.Dec()

	n.Lock()
	if len(n.SyncQueue) > 0 {
		n.SyncQueue = n.SyncQueue[1:]
	}
	var nextToken int64
	haveNext := len(n.SyncQueue) > 0
	if haveNext {
		nextToken = n.SyncQueue[0].ID
	}
	n.Unlock()

	if !haveNext {
		return
	}
	e.mu.Lock()
	ch, ok := e.turns[nextToken]
	delete(e.turns, nextToken)
	e.mu.Unlock()
	if ok {
		close(ch)
	}
}

// flushedBlock is one dirty block successfully written to the disk
// cache, ready to be committed to the manifest and replicated.
type flushedBlock struct {
	id      int64
	version int64
	encoded []byte
	hash    manifest.Hash
}

// flushDirtyBlocks flushes every still-unflushed dirty block to disk
// with bounded retry, then commits the flushed set into n's manifest
// (spec §4.8 step 1: "flush every dirty block to disk... extract them
// from the inode").
func (e *Engine) flushDirtyBlocks(ctx context.Context, n *inode.Inode) ([]flushedBlock, error) {
	n.RLock()
	pending := make([]*manifest.DirtyBlock, 0, len(n.DirtyBlocks))
	for _, db := range n.DirtyBlocks {
		pending = append(pending, db)
	}
	n.RUnlock()

	if len(pending) == 0 {
		return nil, nil
	}

	policy := e.FlushRetry
	if policy.BaseDelay == 0 {
		policy = defaultFlushRetry()
	}

	flushed := make([]flushedBlock, 0, len(pending))
	for _, db := range pending {
		encoded, err := e.Driver.Serialize(db.Buf)
		if err != nil {
			return nil, ugerr.Wrap(ugerr.RemoteIO, "fsync: serialize dirty block", err)
		}
		hash := manifest.SumHash(encoded)

		n.RLock()
		key := blockcache.Key{FileID: n.FileID, FileVersion: n.FileVersion, BlockID: db.BlockID, BlockVer: db.Version}
		n.RUnlock()

		err = retry.Do(ctx, policy, func(error) bool { return true }, func(ctx context.Context) error {
			return e.Cache.WriteBlockAsync(ctx, key, encoded)
		})
		if err != nil {
			return nil, ugerr.Wrap(ugerr.RemoteIO, "fsync: flush dirty block", err)
		}

		flushed = append(flushed, flushedBlock{id: db.BlockID, version: db.Version, encoded: encoded, hash: hash})
	}

	now := e.Clock.Now()
	n.Lock()
	for _, fb := range flushed {
		if old, ok := n.Manifest.Block(fb.id); ok {
			n.ReplacedBlocks = append(n.ReplacedBlocks, inode.ReplacedBlock{
				BlockID: old.ID, Version: old.Version, Hash: old.Hash, ModTime: n.ManifestMTime,
			})
		}
		_ = n.Manifest.PutBlock(manifest.Block{ID: fb.id, Version: fb.version, Hash: fb.hash, Type: manifest.TypeBlock}, true)
		if db, ok := n.DirtyBlocks[fb.id]; ok && db.Version == fb.version {
			db.Flushed = true
			db.Hash = fb.hash
			delete(n.DirtyBlocks, fb.id)
		}
	}
	n.MTime = now
	if n.IsCoordinator(e.SelfID) {
		n.ManifestMTime = manifest.ModTime{Sec: now.Unix(), Nsec: int32(now.Nanosecond())}
	}
	n.Manifest.Size = n.Size
	n.Unlock()

	return flushed, nil
}

// buildReplicaContext assembles the write-delta manifest covering just
// the blocks this fsync flushed and hands it to internal/replication's
// Phase A.
func (e *Engine) buildReplicaContext(n *inode.Inode, flushed []flushedBlock) (*replication.ReplicaContext, error) {
	n.RLock()
	delta := manifest.New(n.FileID, n.FileVersion, n.VolumeID, n.CoordinatorID)
	for _, fb := range flushed {
		_ = delta.PutBlock(manifest.Block{ID: fb.id, Version: fb.version, Hash: fb.hash, Type: manifest.TypeBlock}, true)
	}

	isCoord := n.IsCoordinator(e.SelfID)
	entry := msclient.Entry{
		FileID: n.FileID, VolumeID: n.VolumeID, Name: n.Name,
		FileVersion: n.FileVersion, CoordinatorID: n.CoordinatorID,
		ManifestMTime: n.ManifestMTime, Size: n.Size, XattrHash: n.MSXattrHash,
	}

	var manifestEncoded []byte
	var err error
	if isCoord {
		manifestEncoded, err = manifest.Encode(n.Manifest)
	}
	n.RUnlock()
	if err != nil {
		return nil, ugerr.Wrap(ugerr.RemoteIO, "fsync: encode manifest for replication", err)
	}

	return replication.Build(e.Cache, e.StageDir, e.SelfID, entry.FileID, entry.VolumeID, entry.FileVersion, entry.CoordinatorID, entry, delta, isCoord, manifestEncoded, 0)
}

// enqueueVacuum hands the just-replicated range to the background
// vacuumer, per spec §4.8's "push ... into the VacuumContext and hand
// it to the background vacuumer."
func (e *Engine) enqueueVacuum(path string, n *inode.Inode) {
	if e.Vacuum == nil {
		return
	}
	n.RLock()
	req := vacuum.Request{
		Path: path, VolumeID: n.VolumeID, FileID: n.FileID,
		FileVersion: n.FileVersion, ManifestMTime: n.ManifestMTime, Type: vacuum.TypeWrite,
	}
	n.RUnlock()
	e.Vacuum.Enqueue(req)
}

// Chcoord implements spec §4.8's chcoord(P): claim coordinatorship of
// the file at path for this gateway.
func (e *Engine) Chcoord(ctx context.Context, path string, n *inode.Inode) error {
	caps, err := e.MS.GetGatewayCaps(ctx, e.SelfID)
	if err != nil {
		return ugerr.Wrap(ugerr.RemoteIO, "chcoord: fetch gateway caps", err)
	}
	if caps&CapCoordinate == 0 {
		return ugerr.New(ugerr.Forbidden, "chcoord: missing COORDINATE capability")
	}

	if err := e.Consistency.PathEnsureFresh(ctx, path, n); err != nil {
		return err
	}
	if err := e.Consistency.ManifestEnsureFresh(ctx, n); err != nil {
		return err
	}

	n.RLock()
	volumeID, fileID, xattrNonce, expectedHash := n.VolumeID, n.FileID, n.XattrNonce, n.MSXattrHash
	fileVersion, writeNonce := n.FileVersion, n.WriteNonce
	name, size, manifestMTime := n.Name, n.Size, n.ManifestMTime
	n.RUnlock()

	xattrs, err := e.MS.FetchXattrs(ctx, volumeID, fileID, xattrNonce, expectedHash)
	if err != nil {
		return ugerr.Wrap(ugerr.RemoteIO, "chcoord: fetch xattrs", err)
	}
	newHash := sumXattrs(volumeID, fileID, xattrNonce, xattrs)
	if newHash != expectedHash {
		return ugerr.New(ugerr.Again, "chcoord: xattr hash changed mid-operation")
	}

	entry := msclient.Entry{
		FileID: fileID, VolumeID: volumeID, Name: name,
		FileVersion: fileVersion + 1, CoordinatorID: e.SelfID,
		ManifestMTime: manifestMTime, Size: size, XattrHash: newHash,
	}

	fresh, err := e.MS.Coordinate(ctx, entry, newHash)
	if err != nil && !ugerr.Is(err, ugerr.Again) {
		return ugerr.Wrap(ugerr.RemoteIO, "chcoord: ms.coordinate", err)
	}

	if fresh.CoordinatorID != e.SelfID {
		n.Lock()
		n.CoordinatorID = fresh.CoordinatorID
		n.Unlock()
		return ugerr.New(ugerr.Again, "chcoord: ms chose a different winner")
	}
	if err != nil {
		return ugerr.Wrap(ugerr.RemoteIO, "chcoord: ms.coordinate", err)
	}

	n.RLock()
	nonceAdvanced := fresh.WriteNonce != writeNonce
	n.RUnlock()
	if nonceAdvanced {
		n.Lock()
		n.ReadStale = true
		n.Unlock()
		return nil
	}

	return e.Consistency.InodeReload(ctx, n, fresh)
}

// sumXattrs computes the canonical xattr hash of spec §6: SHA-256 over
// volume_id | file_id | xattr_nonce | Σ(len(name)|name|len(val)|val),
// names sorted lexicographically, every length a big-endian uint32 —
// matching the MS-side xattr_hash every chcoord/replication call must
// agree with (spec §4.8 step 3, §3 "xattr_hash").
func sumXattrs(volumeID, fileID, xattrNonce int64, xattrs map[string]string) [32]byte {
	names := make([]string, 0, len(xattrs))
	for k := range xattrs {
		names = append(names, k)
	}
	sort.Strings(names)

	h := sha256.New()
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], uint64(volumeID))
	h.Write(idBuf[:])
	binary.BigEndian.PutUint64(idBuf[:], uint64(fileID))
	h.Write(idBuf[:])
	binary.BigEndian.PutUint64(idBuf[:], uint64(xattrNonce))
	h.Write(idBuf[:])

	var lenBuf [4]byte
	for _, name := range names {
		val := xattrs[name]
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(name)))
		h.Write(lenBuf[:])
		h.Write([]byte(name))
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(val)))
		h.Write(lenBuf[:])
		h.Write([]byte(val))
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
