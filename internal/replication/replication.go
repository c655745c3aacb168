// Package replication implements the two-phase replication engine of
// spec.md §4.6: build a signed control-plane descriptor list plus an
// mmap'd data-plane blob (Phase A), then drive the vacuum-log append,
// RG fan-out, and MS metadata update RPC sequence (Phase B), each step
// gated by a sticky progress flag so a ReplicaContext is safe to hand
// back to Replicate after a partial failure.
package replication

import (
	"bytes"
	"context"

	"github.com/syndicate-project/ug/internal/blockcache"
	"github.com/syndicate-project/ug/internal/manifest"
	"github.com/syndicate-project/ug/internal/metrics"
	"github.com/syndicate-project/ug/internal/msclient"
	"github.com/syndicate-project/ug/internal/rgclient"
	"github.com/syndicate-project/ug/internal/ugerr"
	"github.com/syndicate-project/ug/internal/wire"
)

// Hint carries the replica_hint bits a caller may pre-set on a
// ReplicaContext to skip a phase that's already been done out of band
// (spec §4.6: truncate replicates its new manifest but vacuums the
// removed-block set itself, so it sets NoVacuumLog).
type Hint uint8

const (
	NoMSUpdate Hint = 1 << iota
	NoVacuumLog
	NoRGBlocks
)

// ReplicaContext is the restartable unit of work Phase A builds and
// Phase B drives to completion. Each Sent*/Replicated* flag is sticky:
// once Replicate sets it, a later call never redoes that step.
type ReplicaContext struct {
	FileID        int64
	VolumeID      int64
	FileVersion   int64
	CoordinatorID int64
	IsCoordinator bool
	ManifestMTime manifest.ModTime

	Entry      msclient.Entry
	WriteDelta *manifest.Manifest

	// AffectedBlocks is the vacuum-log entry's block id list: every
	// block this replication attempt superseded or introduced.
	AffectedBlocks []int64

	Chunks []wire.ChunkDescriptor
	Staged *rgclient.StagedData

	SentVacuumLog    bool
	ReplicatedBlocks bool
	SentMSUpdate     bool
}

// Close releases the staged data-plane mapping. Callers must call this
// once the context is done (replicated, abandoned, or superseded).
func (rc *ReplicaContext) Close() error {
	if rc.Staged == nil {
		return nil
	}
	return rc.Staged.Close()
}

// Delegator forwards a non-coordinator's MS metadata update to the
// file's actual coordinator, as a signed WRITE request (spec §4.6
// phase B step 3). The concrete transport is supplied by
// internal/gateway at construction time, mirroring internal/writepath's
// Delegator.
type Delegator func(ctx context.Context, entry msclient.Entry, delta *manifest.Manifest, xattrHash [32]byte) (msclient.Entry, error)

// Engine drives Phase B for ReplicaContexts built by Build.
type Engine struct {
	MS       msclient.Client
	SelfID   int64
	Gateways func(volumeID int64) []*rgclient.Client
	Delegate Delegator
}

// Build assembles a ReplicaContext (spec §4.6 Phase A) for the blocks
// named by writeDelta, reading each one's already-flushed, driver-
// encoded bytes back out of cache (step 1's "must already be flushed
// to disk" precondition). If includeManifest is set, manifestEncoded
// is prepended as a MANIFEST-typed chunk ahead of every block (step 4:
// "if we are the coordinator, prepend a MANIFEST chunk descriptor").
func Build(
	cache *blockcache.Cache,
	stageDir string,
	selfID int64,
	fileID, volumeID, fileVersion, coordinatorID int64,
	entry msclient.Entry,
	writeDelta *manifest.Manifest,
	includeManifest bool,
	manifestEncoded []byte,
	hint Hint,
) (*ReplicaContext, error) {
	var blob bytes.Buffer
	var chunks []wire.ChunkDescriptor
	var affected []int64

	if includeManifest {
		chunks = append(chunks, wire.ChunkDescriptor{
			ID:      fileID,
			Version: fileVersion,
			Hash:    manifest.SumHash(manifestEncoded),
			Offset:  int64(blob.Len()),
			Size:    int64(len(manifestEncoded)),
			Type:    wire.ChunkManifest,
		})
		blob.Write(manifestEncoded)
	}

	for _, b := range writeDelta.Blocks() {
		key := blockcache.Key{FileID: fileID, FileVersion: fileVersion, BlockID: b.ID, BlockVer: b.Version}
		data, err := cache.Read(key)
		if err != nil {
			return nil, ugerr.Wrap(ugerr.RemoteIO, "read flushed block for replication", err)
		}
		chunks = append(chunks, wire.ChunkDescriptor{
			ID:      b.ID,
			Version: b.Version,
			Hash:    [32]byte(b.Hash),
			Offset:  int64(blob.Len()),
			Size:    int64(len(data)),
			Type:    wire.ChunkBlock,
		})
		blob.Write(data)
		affected = append(affected, b.ID)
	}

	staged, err := rgclient.Stage(stageDir, blob.Bytes())
	if err != nil {
		return nil, err
	}

	return &ReplicaContext{
		FileID:           fileID,
		VolumeID:         volumeID,
		FileVersion:      fileVersion,
		CoordinatorID:    coordinatorID,
		IsCoordinator:    coordinatorID == selfID,
		ManifestMTime:    entry.ManifestMTime,
		Entry:            entry,
		WriteDelta:       writeDelta,
		AffectedBlocks:   affected,
		Chunks:           chunks,
		Staged:           staged,
		SentVacuumLog:    hint&NoVacuumLog != 0,
		ReplicatedBlocks: hint&NoRGBlocks != 0,
		SentMSUpdate:     hint&NoMSUpdate != 0,
	}, nil
}

// Replicate drives Phase B to completion, skipping any step whose
// sticky flag is already set. On error, rc's flags reflect exactly how
// far it got, so the caller may retry by calling Replicate again with
// the same context (spec §4.6: "the context remains valid for
// re-invocation").
func (e *Engine) Replicate(ctx context.Context, rc *ReplicaContext) error {
	metrics.ReplicationInFlight.Inc()
	defer metrics.ReplicationInFlight.Dec()

	if err := e.replicate(ctx, rc); err != nil {
		metrics.ReplicationFailuresTotal.Inc()
		return err
	}
	return nil
}

func (e *Engine) replicate(ctx context.Context, rc *ReplicaContext) error {
	if !rc.SentVacuumLog {
		if err := e.MS.AppendVacuumLogEntry(ctx, msclient.VacuumLogEntry{
			VolumeID:       rc.VolumeID,
			GatewayID:      e.SelfID,
			FileID:         rc.FileID,
			FileVersion:    rc.FileVersion,
			ManifestMTime:  rc.ManifestMTime,
			AffectedBlocks: rc.AffectedBlocks,
		}); err != nil {
			return ugerr.Wrap(ugerr.RemoteIO, "replicate: append vacuum log entry", err)
		}
		rc.SentVacuumLog = true
	}

	if !rc.ReplicatedBlocks {
		gateways := e.gatewayList(rc.VolumeID)
		if len(gateways) == 0 {
			return ugerr.New(ugerr.NoData, "replicate: no RG candidates for volume")
		}
		req := wire.Request{
			VolumeID:      rc.VolumeID,
			FileID:        rc.FileID,
			FileVersion:   rc.FileVersion,
			CoordinatorID: rc.CoordinatorID,
		}
		for _, rg := range gateways {
			if err := rg.PutChunks(ctx, req, rc.Chunks, rc.Staged); err != nil {
				return ugerr.Wrap(ugerr.RemoteIO, "replicate: fan out to RG", err)
			}
		}
		rc.ReplicatedBlocks = true
	}

	if !rc.SentMSUpdate {
		if rc.IsCoordinator {
			if _, err := e.MS.Update(ctx, rc.Entry, rc.WriteDelta, rc.Entry.XattrHash); err != nil {
				return ugerr.Wrap(ugerr.RemoteIO, "replicate: update MS metadata", err)
			}
		} else {
			fresh, err := e.delegateOrCoordinate(ctx, rc)
			if err != nil {
				return err
			}
			rc.Entry = fresh
		}
		rc.SentMSUpdate = true
	}

	return nil
}

func (e *Engine) gatewayList(volumeID int64) []*rgclient.Client {
	if e.Gateways == nil {
		return nil
	}
	return e.Gateways(volumeID)
}

// delegateOrCoordinate implements Phase B step 3's fallback: "send a
// WRITE to the coordinator... If the remote gateway is unreachable,
// attempt coordinate and retry locally."
func (e *Engine) delegateOrCoordinate(ctx context.Context, rc *ReplicaContext) (msclient.Entry, error) {
	if e.Delegate != nil {
		fresh, err := e.Delegate(ctx, rc.Entry, rc.WriteDelta, rc.Entry.XattrHash)
		if err == nil {
			return fresh, nil
		}
	}

	fresh, err := e.MS.Coordinate(ctx, rc.Entry, rc.Entry.XattrHash)
	if err != nil {
		return msclient.Entry{}, ugerr.Wrap(ugerr.RemoteIO, "replicate: coordinate-then-retry fallback", err)
	}
	rc.IsCoordinator = fresh.CoordinatorID == e.SelfID
	if rc.IsCoordinator {
		if _, err := e.MS.Update(ctx, fresh, rc.WriteDelta, fresh.XattrHash); err != nil {
			return msclient.Entry{}, ugerr.Wrap(ugerr.RemoteIO, "replicate: update MS after coordinate fallback", err)
		}
	}
	return fresh, nil
}
