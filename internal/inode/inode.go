// Package inode implements the per-file metadata record of spec.md
// §3 and the locking/ref-counting discipline of spec.md §5. It is the
// shared store every pipeline (read, write, replication, vacuum,
// consistency, sync) snapshots under and mutates through.
package inode

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/syndicate-project/ug/internal/manifest"
)

// Type distinguishes a file from a directory.
type Type int

const (
	TypeFile Type = iota
	TypeDir
)

// ReadHint remembers a block the read pipeline cached purely to
// satisfy a read (not a write), so the handle can evict it on close
// if it is still non-dirty and at the same version (spec.md §4.2
// "Eviction hint").
type ReadHint struct {
	BlockID      int64
	Version      int64
	EvictOnClose bool
}

// Inode is the per-file or per-directory record of spec.md §3.
type Inode struct {
	mu sync.RWMutex
	// refs counts outstanding snapshots taken across an unlock/relock
	// gap (spec.md §5); the inode cannot be destroyed while refs > 0.
	refs atomic.Int64

	// Identity
	FileID   int64
	VolumeID int64
	Name     string
	Type     Type
	ParentID int64

	// Versioning
	FileVersion int64
	WriteNonce  int64
	XattrNonce  int64
	Generation  int64
	MSNumChildren int64
	MSCapacity    int64

	// Ownership
	Owner         int64
	Mode          uint32
	CoordinatorID int64

	// Timestamps
	CTime               time.Time
	MTime               time.Time
	ManifestMTime       manifest.ModTime
	RefreshTime         time.Time
	ManifestRefreshTime time.Time
	ChildrenRefreshTime time.Time

	// Freshness bounds
	MaxReadFreshness  time.Duration
	MaxWriteFreshness time.Duration

	// Size, mirrored from the manifest per invariant 1.
	Size int64

	// State flags
	ReadStale bool
	Dirty     bool
	Deleting  bool
	Creating  bool
	Renaming  bool
	Vacuuming bool
	Vacuumed  bool

	// Containers
	Manifest       *manifest.Manifest
	ReplacedBlocks []ReplacedBlock
	DirtyBlocks    map[int64]*manifest.DirtyBlock
	SyncQueue      []SyncQueueEntry
	Xattrs         map[string]string
	MSXattrHash    [32]byte

	LastRead ReadHint
}

// ReplacedBlock is a garbage entry: a (bid, version, hash) once
// committed to the manifest and since superseded, pending vacuum
// (spec.md §3 invariant 3 & 4).
type ReplacedBlock struct {
	BlockID int64
	Version int64
	Hash    manifest.Hash
	// ModTime is the manifest modtime that made this block garbage —
	// preserved across writes until a successful fsync clears it
	// (invariant 4).
	ModTime manifest.ModTime
}

// SyncQueueEntry is an opaque token identifying a queued fsync,
// consumed by internal/syncctl; inode only needs to track FIFO order.
type SyncQueueEntry struct {
	ID int64
}

// New creates an inode for a fresh file or directory.
func New(fileID, volumeID int64, name string, typ Type, parentID int64) *Inode {
	return &Inode{
		FileID:      fileID,
		VolumeID:    volumeID,
		Name:        name,
		Type:        typ,
		ParentID:    parentID,
		DirtyBlocks: make(map[int64]*manifest.DirtyBlock),
		Xattrs:      make(map[string]string),
	}
}

// Lock / Unlock / RLock / RUnlock expose the inode's RW-lock directly.
// Spec.md §3's invariants are enforced under Lock; reads that only
// need a consistent snapshot use RLock.
func (n *Inode) Lock()    { n.mu.Lock() }
func (n *Inode) Unlock()  { n.mu.Unlock() }
func (n *Inode) RLock()   { n.mu.RLock() }
func (n *Inode) RUnlock() { n.mu.RUnlock() }

// Ref increments the inode's cross-unlock reference count, keeping it
// alive while a background operation holds a snapshot outside the
// lock (spec.md §5).
func (n *Inode) Ref() { n.refs.Add(1) }

// Unref decrements the reference count. It returns true if the count
// reached zero, meaning the inode is safe to destroy.
func (n *Inode) Unref() bool {
	return n.refs.Add(-1) == 0
}

// RefCount returns the current reference count, for tests and
// destroy-route assertions.
func (n *Inode) RefCount() int64 {
	return n.refs.Load()
}

// IsCoordinator reports whether self is this inode's coordinator.
// Per spec.md §3 invariant 5, only the coordinator may mutate
// Manifest, WriteNonce, ManifestMTime, and Xattrs.
func (n *Inode) IsCoordinator(self int64) bool {
	return n.CoordinatorID == self
}

// CheckInvariants validates the per-inode invariants of spec.md §3
// that are cheap enough to assert outside of fuzzing/property tests.
// It panics via ugerr.Fatal semantics only when called by code paths
// that treat a violation as a BUG condition (see internal/ugerr); most
// callers just use it in tests.
func (n *Inode) CheckInvariants() error {
	if n.Manifest == nil {
		return errNilManifest
	}
	if n.Size != n.Manifest.Size {
		return errSizeMismatch
	}
	for bid, db := range n.DirtyBlocks {
		b, ok := n.Manifest.Block(bid)
		if !ok {
			return errDirtyWithoutManifestEntry
		}
		if db.Flushed && b.Version != db.Version {
			return errDirtyVersionMismatch
		}
	}
	return nil
}
