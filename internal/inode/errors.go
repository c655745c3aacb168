package inode

import "errors"

// These sentinel errors back CheckInvariants; callers that treat them
// as BUG conditions (spec.md §7 "Pre-existing BUG conditions") should
// route them through ugerr.Fatal rather than recovering silently.
var (
	errNilManifest               = errors.New("inode: manifest is nil")
	errSizeMismatch              = errors.New("inode: size does not match manifest size")
	errDirtyWithoutManifestEntry = errors.New("inode: dirty block has no manifest entry")
	errDirtyVersionMismatch      = errors.New("inode: flushed dirty block version does not match manifest entry")
)
