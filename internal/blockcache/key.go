// Package blockcache implements the bounded, asynchronous on-disk
// block cache of spec.md §4.2: a process-wide LRU over serialized
// blocks keyed by (file_id, file_version, block_id, block_version),
// with a single writer goroutine draining producer-submitted writes.
package blockcache

import (
	"fmt"
	"os"
	"path/filepath"
)

// Key identifies one cached block on disk, per the layout in
// spec.md §6: <data_root>/files/<fid_hex>/<fver_dec>/<bid_dec>.<bver_dec>.
type Key struct {
	FileID      int64
	FileVersion int64
	BlockID     int64
	BlockVer    int64
}

func (k Key) dir(root string) string {
	return filepath.Join(root, "files", fmt.Sprintf("%x", uint64(k.FileID)), fmt.Sprintf("%d", k.FileVersion))
}

// Path returns the on-disk path of the block file for k under root.
func (k Key) Path(root string) string {
	return filepath.Join(k.dir(root), fmt.Sprintf("%d.%d", k.BlockID, k.BlockVer))
}

// EnsureDir creates the containing directory tree for k with mode
// 0700, per spec.md §4.2 step 2 of the writer loop.
func (k Key) EnsureDir(root string) error {
	return os.MkdirAll(k.dir(root), 0o700)
}

// VersionDir returns the "<fid_hex>/<fver_dec>" directory for a whole
// file version, used by Revert's atomic rename.
func VersionDir(root string, fileID, fileVersion int64) string {
	return filepath.Join(root, "files", fmt.Sprintf("%x", uint64(fileID)), fmt.Sprintf("%d", fileVersion))
}
