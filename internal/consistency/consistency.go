// Package consistency implements the revalidation engine of spec.md
// §4.3: it keeps an inode's path, children, manifest, and xattrs from
// drifting further from the MS/coordinator's view than the inode's own
// freshness bounds allow.
package consistency

import (
	"context"

	"github.com/syndicate-project/ug/internal/blockcache"
	"github.com/syndicate-project/ug/internal/clock"
	"github.com/syndicate-project/ug/internal/inode"
	"github.com/syndicate-project/ug/internal/manifest"
	"github.com/syndicate-project/ug/internal/metrics"
	"github.com/syndicate-project/ug/internal/msclient"
	"github.com/syndicate-project/ug/internal/rgclient"
	"github.com/syndicate-project/ug/internal/ugerr"
	"github.com/syndicate-project/ug/internal/wire"
)

// Engine revalidates inode state against the MS/coordinator.
type Engine struct {
	MS        msclient.Client
	Clock     clock.Clock
	Cache     *blockcache.Cache
	Store     *inode.Store
	SelfID    int64
	BlockSize int64

	// Replicas resolves the set of RG clients currently serving a
	// file's coordinator and replica gateways, used by
	// ManifestEnsureFresh's download-set rule. Supplied by the
	// gateway facade, which owns certificate/connection management.
	Replicas func(n *inode.Inode) []*rgclient.Client
}

// PathEnsureFresh revalidates path if n's refresh_time has exceeded
// max_read_freshness_ms, per spec §4.3.
func (e *Engine) PathEnsureFresh(ctx context.Context, path string, n *inode.Inode) error {
	n.RLock()
	age := e.Clock.Now().Sub(n.RefreshTime)
	maxAge := n.MaxReadFreshness
	n.RUnlock()
	if maxAge > 0 && age <= maxAge {
		return nil
	}

	entry, status, err := e.MS.GetAttr(ctx, path)
	if err != nil {
		return err
	}
	metrics.ConsistencyRefetchesTotal.Inc()

	switch status {
	case msclient.AttrRemoved, msclient.AttrNotFound:
		return ugerr.New(ugerr.NotFound, "path no longer exists on MS")
	case msclient.AttrNoChange:
		n.Lock()
		n.RefreshTime = e.Clock.Now()
		n.Unlock()
		return nil
	default:
		return e.InodeReload(ctx, n, entry)
	}
}

// InodeReload reconciles n with a freshly fetched MS entry, handling
// the four reload cases of spec §4.3: type change, version change,
// size shrinkage, and name/coordinator change.
func (e *Engine) InodeReload(ctx context.Context, n *inode.Inode, fresh msclient.Entry) error {
	n.Lock()
	defer n.Unlock()

	// Type change: the path was replaced by an entry of a different
	// kind. The caller's handle is no longer valid for this inode;
	// surface Stale so the POSIX layer re-resolves the path.
	localType := n.Type
	freshType := inode.TypeFile
	if fresh.Type == msclient.EntryDir {
		freshType = inode.TypeDir
	}
	if localType != freshType {
		return ugerr.New(ugerr.Stale, "inode type changed underneath the path")
	}

	versionChanged := fresh.FileVersion != n.FileVersion
	sizeShrunk := fresh.Size < n.Size
	oldFileVersion := n.FileVersion

	if versionChanged && e.Cache != nil {
		if err := e.Cache.Revert(n.FileID, oldFileVersion, fresh.FileVersion); err != nil {
			return err
		}
	}
	if versionChanged && n.Manifest != nil {
		n.Manifest.FileVersion = fresh.FileVersion
	}

	if sizeShrunk && e.Cache != nil {
		newBlockCount := blockCountForSize(fresh.Size, e.BlockSize)
		e.Cache.EvictBlocksAbove(n.FileID, fresh.FileVersion, newBlockCount)
		if n.Manifest != nil {
			n.Manifest.Truncate(newBlockCount)
		}
	}

	if fresh.Name != n.Name {
		n.Name = fresh.Name
	}
	if fresh.CoordinatorID != n.CoordinatorID {
		n.CoordinatorID = fresh.CoordinatorID
	}

	mtimeChanged := n.ManifestMTime != fresh.ManifestMTime
	n.FileVersion = fresh.FileVersion
	n.WriteNonce = fresh.WriteNonce
	n.XattrNonce = fresh.XattrNonce
	n.Generation = fresh.Generation
	n.Owner = fresh.Owner
	n.Mode = fresh.Mode
	n.Size = fresh.Size
	n.ManifestMTime = fresh.ManifestMTime
	n.RefreshTime = e.Clock.Now()

	if versionChanged || mtimeChanged {
		n.ReadStale = true
	}

	return nil
}

// ManifestEnsureFresh refetches and merges the manifest if n.ReadStale
// or the manifest refresh window has elapsed. A coordinator whose
// manifest is not stale returns at once, since it holds the
// authoritative manifest locally. Otherwise it asks each client from
// e.Replicas in turn (the gateway facade lists the coordinator first,
// then the replica gateways) and merges the first manifest fetched;
// that list is not filtered by gateway type.
func (e *Engine) ManifestEnsureFresh(ctx context.Context, n *inode.Inode) error {
	n.RLock()
	stale := n.ReadStale
	age := e.Clock.Now().Sub(n.ManifestRefreshTime)
	maxAge := n.MaxReadFreshness
	isCoord := n.IsCoordinator(e.SelfID)
	n.RUnlock()

	if isCoord && !stale {
		return nil
	}
	if !stale && maxAge > 0 && age <= maxAge {
		return nil
	}
	if e.Replicas == nil {
		return nil
	}

	clients := e.Replicas(n)
	if len(clients) == 0 {
		return ugerr.New(ugerr.NoData, "no replica gateways available for manifest fetch")
	}

	var lastErr error
	for _, rc := range clients {
		fetched, err := fetchManifest(ctx, rc, n)
		if err != nil {
			lastErr = err
			continue
		}
		metrics.ConsistencyRefetchesTotal.Inc()

		n.Lock()
		if n.Manifest == nil {
			n.Manifest = fetched
		} else {
			versionAdvanced := fetched.FileVersion > n.Manifest.FileVersion
			n.Manifest.MergeBlocks(fetched, func(bid int64) bool {
				db, ok := n.DirtyBlocks[bid]
				return ok && db.Dirty
			}, nil)
			n.Manifest.ModTime = fetched.ModTime
			n.Manifest.CoordinatorID = fetched.CoordinatorID
			n.Manifest.FileVersion = fetched.FileVersion
			if versionAdvanced {
				n.Manifest.Size = fetched.Size
			} else if fetched.Size > n.Manifest.Size {
				n.Manifest.Size = fetched.Size
			}
		}
		n.ReadStale = false
		n.ManifestRefreshTime = e.Clock.Now()
		n.Unlock()
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return ugerr.New(ugerr.NoData, "all candidate gateways failed manifest fetch")
}

func fetchManifest(ctx context.Context, rc *rgclient.Client, n *inode.Inode) (*manifest.Manifest, error) {
	req := wire.Request{
		VolumeID:      n.VolumeID,
		FileID:        n.FileID,
		FileVersion:   n.FileVersion,
		CoordinatorID: n.CoordinatorID,
	}
	data, err := rc.GetManifest(ctx, req)
	if err != nil {
		return nil, err
	}
	return manifest.Decode(data)
}

func blockCountForSize(size, blockSize int64) int64 {
	if blockSize <= 0 || size <= 0 {
		return 0
	}
	n := size / blockSize
	if size%blockSize != 0 {
		n++
	}
	return n
}
