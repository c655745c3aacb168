package msclient

import (
	"context"
	"crypto/ed25519"

	"github.com/syndicate-project/ug/internal/manifest"
)

// Client is the full RPC surface spec §6 requires of an MS client.
type Client interface {
	GetAttr(ctx context.Context, path string) (Entry, AttrStatus, error)
	GetAttrMulti(ctx context.Context, paths []string) ([]AttrResult, error)
	PathDownload(ctx context.Context, names []string) ([]Entry, error)

	ListDir(ctx context.Context, fileID, numChildren, capacity int64) ([]Entry, error)
	DiffDir(ctx context.Context, fileID, numChildren, leastUnknownGeneration int64) ([]Entry, error)

	Create(ctx context.Context, parentID int64, name string, mode uint32) (Entry, error)
	Mkdir(ctx context.Context, parentID int64, name string, mode uint32) (Entry, error)
	Update(ctx context.Context, entry Entry, delta *manifest.Manifest, xattrHash [32]byte) (Entry, error)
	Delete(ctx context.Context, fileID int64) error
	Rename(ctx context.Context, oldPath, newPath string) error
	Coordinate(ctx context.Context, entry Entry, xattrHash [32]byte) (Entry, error)

	AppendVacuumLogEntry(ctx context.Context, entry VacuumLogEntry) error
	PeekVacuumLog(ctx context.Context, volumeID, fileID int64) (VacuumLogEntry, bool, error)
	RemoveVacuumLogEntry(ctx context.Context, volumeID, fileID, fileVersion int64, mtime manifest.ModTime) error

	FetchXattrs(ctx context.Context, volumeID, fileID, xattrNonce int64, expectedHash [32]byte) (map[string]string, error)

	GetVolumeID(ctx context.Context) (int64, error)
	GetVolumeBlockSize(ctx context.Context) (int64, error)
	GetGatewayType(ctx context.Context, id int64) (string, error)
	GetGatewayCaps(ctx context.Context, id int64) (uint32, error)
	ListReplicaGatewayIDs(ctx context.Context) ([]int64, error)

	// GetGatewayAddr resolves a gateway id to its dial address, the Go
	// analogue of resolving the "certificate" spec §6 says a receiver
	// checks a signed inter-UG/RG request against — here the MS is the
	// registry both of network location and of the verifying key.
	GetGatewayAddr(ctx context.Context, id int64) (string, error)
	// GetGatewayPubKey resolves a gateway id to the ed25519 public key
	// its signed requests must verify against.
	GetGatewayPubKey(ctx context.Context, id int64) (ed25519.PublicKey, error)
}
