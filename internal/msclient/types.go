// Package msclient is the Metadata Service client of spec.md §6: a Go
// interface mirroring the RPC list verbatim, with one concrete HTTP
// implementation grounded on the teacher's internal/api.Client.query
// (POST body + rate limiter + status-code error mapping), generalized
// from GraphQL-over-JSON to plain JSON-over-HTTP since the MS here has
// no GraphQL schema of its own.
package msclient

import (
	"github.com/syndicate-project/ug/internal/manifest"
)

// AttrStatus is the per-getattr result code of spec §6.
type AttrStatus int

const (
	AttrNew AttrStatus = iota
	AttrNoChange
	AttrRemoved
	AttrNotFound
)

// EntryType mirrors inode.Type without importing internal/inode, to
// keep msclient a leaf package the rest of the gateway depends on.
type EntryType int

const (
	EntryFile EntryType = iota
	EntryDir
)

// Entry is the wire form of an md_entry.
type Entry struct {
	FileID        int64
	VolumeID      int64
	Name          string
	Type          EntryType
	ParentID      int64
	FileVersion   int64
	WriteNonce    int64
	XattrNonce    int64
	Generation    int64
	Owner         int64
	Mode          uint32
	CoordinatorID int64
	CTimeSec      int64
	CTimeNsec     int32
	MTimeSec      int64
	MTimeNsec     int32
	ManifestMTime manifest.ModTime
	Size          int64
	NumChildren   int64
	Capacity      int64
	XattrHash     [32]byte
}

// AttrResult pairs an Entry with its getattr status, for getattr_multi.
type AttrResult struct {
	Path   string
	Entry  Entry
	Status AttrStatus
}

// VacuumLogEntry mirrors the MS-resident vacuum log record of spec §3
// ("Vacuum log") and §6 (append/peek/remove RPCs).
type VacuumLogEntry struct {
	VolumeID       int64
	GatewayID      int64
	FileID         int64
	FileVersion    int64
	ManifestMTime  manifest.ModTime
	AffectedBlocks []int64
}
