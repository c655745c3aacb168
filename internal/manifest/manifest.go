// Package manifest implements the per-file block-version map and the
// dirty-block model described in spec.md §3 and §4.1. A Manifest is
// the unit of consistency that the read, write, replication, and
// vacuum pipelines all operate on.
package manifest

import (
	"crypto/sha256"
	"fmt"
)

// BlockType distinguishes a regular content block from the manifest
// chunk itself, which travels through the same control-plane
// descriptor shape (spec.md §4.6).
type BlockType int

const (
	TypeBlock BlockType = iota
	TypeManifest
)

func (t BlockType) String() string {
	if t == TypeManifest {
		return "MANIFEST"
	}
	return "BLOCK"
}

// Hash is a SHA-256 digest over the serialized (driver-encoded) bytes
// of a block, as stored on disk — never the in-RAM plaintext.
type Hash [sha256.Size]byte

// SumHash computes the Hash of b.
func SumHash(b []byte) Hash {
	return sha256.Sum256(b)
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ModTime is the seconds/nanoseconds pair the manifest uses for its
// modtime, matching the on-the-wire granularity of spec.md §3.
type ModTime struct {
	Sec  int64
	Nsec int32
}

func (m ModTime) Before(other ModTime) bool {
	if m.Sec != other.Sec {
		return m.Sec < other.Sec
	}
	return m.Nsec < other.Nsec
}

func (m ModTime) Equal(other ModTime) bool {
	return m.Sec == other.Sec && m.Nsec == other.Nsec
}

func (m ModTime) IsZero() bool {
	return m.Sec == 0 && m.Nsec == 0
}

// Block is one entry of the manifest's block-version map.
type Block struct {
	ID      int64
	Version int64
	Hash    Hash
	Type    BlockType
	Dirty   bool
}

// Manifest is the ordered block-version map for one file at one
// version, plus the metadata spec.md §3 attaches to it.
type Manifest struct {
	FileID        int64
	FileVersion   int64
	VolumeID      int64
	CoordinatorID int64
	Size          int64
	ModTime       ModTime
	Stale         bool

	blocks map[int64]Block
	// order preserves block insertion order so iteration (and thus
	// the manifest chunk's serialization) is deterministic.
	order []int64
}

// New creates an empty manifest for the given file identity.
func New(fileID, fileVersion, volumeID, coordinatorID int64) *Manifest {
	return &Manifest{
		FileID:        fileID,
		FileVersion:   fileVersion,
		VolumeID:      volumeID,
		CoordinatorID: coordinatorID,
		blocks:        make(map[int64]Block),
	}
}

// Clone returns a deep copy, used whenever a manifest must be
// snapshotted under an inode's lock before I/O is attempted (spec.md
// §5, "snapshot state under the lock, release the lock").
func (m *Manifest) Clone() *Manifest {
	c := &Manifest{
		FileID:        m.FileID,
		FileVersion:   m.FileVersion,
		VolumeID:      m.VolumeID,
		CoordinatorID: m.CoordinatorID,
		Size:          m.Size,
		ModTime:       m.ModTime,
		Stale:         m.Stale,
		blocks:        make(map[int64]Block, len(m.blocks)),
		order:         append([]int64(nil), m.order...),
	}
	for k, v := range m.blocks {
		c.blocks[k] = v
	}
	return c
}

// Block returns the block record for bid, if present.
func (m *Manifest) Block(bid int64) (Block, bool) {
	b, ok := m.blocks[bid]
	return b, ok
}

// Blocks returns the manifest's blocks in insertion order.
func (m *Manifest) Blocks() []Block {
	out := make([]Block, 0, len(m.order))
	for _, id := range m.order {
		if b, ok := m.blocks[id]; ok {
			out = append(out, b)
		}
	}
	return out
}

// Len returns the number of blocks currently tracked.
func (m *Manifest) Len() int {
	return len(m.blocks)
}

// ErrAlreadyExists is returned by PutBlock when replace is false and
// a conflicting entry already exists for the block id.
type ErrAlreadyExists struct{ BlockID int64 }

func (e *ErrAlreadyExists) Error() string {
	return fmt.Sprintf("manifest: block %d already exists", e.BlockID)
}

// PutBlock inserts or overwrites a block record. When replace is
// false and a record already exists for info.ID, it returns
// ErrAlreadyExists and leaves the manifest unchanged.
func (m *Manifest) PutBlock(info Block, replace bool) error {
	if _, exists := m.blocks[info.ID]; exists && !replace {
		return &ErrAlreadyExists{BlockID: info.ID}
	}
	if _, exists := m.blocks[info.ID]; !exists {
		m.order = append(m.order, info.ID)
	}
	m.blocks[info.ID] = info
	return nil
}

// RemoveBlock drops a block entry outright (used by Truncate).
func (m *Manifest) RemoveBlock(bid int64) {
	if _, ok := m.blocks[bid]; !ok {
		return
	}
	delete(m.blocks, bid)
	for i, id := range m.order {
		if id == bid {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Truncate drops all blocks with id >= maxBlockID. It does not touch
// Size — the caller is responsible for setting that, per spec.md
// §4.1.
func (m *Manifest) Truncate(maxBlockID int64) []Block {
	var dropped []Block
	for _, b := range m.Blocks() {
		if b.ID >= maxBlockID {
			dropped = append(dropped, b)
			m.RemoveBlock(b.ID)
		}
	}
	return dropped
}

// EvictionFunc is called by MergeBlocks for every block it supersedes,
// so the caller can evict the superseded version from the disk cache
// and from the inode's dirty-block map, per spec.md §4.1.
type EvictionFunc func(superseded Block)

// MergeBlocks commutatively and associatively merges other's blocks
// into m, by block id:
//
//   - if the local block is dirty, keep the local block;
//   - if other.ModTime is older than m.ModTime, keep the local block;
//   - otherwise, overwrite with other's block and report the
//     superseded local block (if any) to evict.
//
// MergeBlocks is idempotent: applying the same other twice yields the
// same result, because the decision for each block id depends only on
// m's and other's current state, never on merge history.
func (m *Manifest) MergeBlocks(other *Manifest, isDirty func(bid int64) bool, onEvict EvictionFunc) {
	for _, ob := range other.Blocks() {
		local, hasLocal := m.blocks[ob.ID]

		if isDirty != nil && isDirty(ob.ID) {
			continue
		}
		if hasLocal && local.Dirty {
			continue
		}

		if hasLocal {
			switch {
			case other.ModTime.Before(m.ModTime):
				continue
			case m.ModTime.Before(other.ModTime):
				// other is strictly newer: overwrite below.
			default:
				// Equal modtimes: break the tie deterministically so
				// the merge stays commutative and idempotent
				// regardless of application order.
				if !winsTie(ob, local) {
					continue
				}
			}
		}

		if hasLocal && local != ob {
			if onEvict != nil {
				onEvict(local)
			}
		}
		_ = m.PutBlock(ob, true)
	}
}

// winsTie deterministically picks a winner between two block records
// for the same block id observed at equal manifest modtimes, so that
// MergeBlocks is commutative and idempotent independent of the order
// manifests are merged in.
func winsTie(a, b Block) bool {
	if a.Version != b.Version {
		return a.Version > b.Version
	}
	return a.Hash != b.Hash && greaterHash(a.Hash, b.Hash)
}

func greaterHash(a, b Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

// Equivalent reports whether two manifests carry the same blocks,
// ignoring ModTime ties broken by version (used by the merge
// commutativity/associativity test in spec.md §8 property 1).
func Equivalent(a, b *Manifest) bool {
	if a.FileID != b.FileID || len(a.blocks) != len(b.blocks) {
		return false
	}
	for id, ab := range a.blocks {
		bb, ok := b.blocks[id]
		if !ok {
			return false
		}
		if ab.ID != bb.ID || ab.Version != bb.Version || ab.Hash != bb.Hash || ab.Type != bb.Type {
			return false
		}
	}
	return true
}
