// Package vacuum implements the background garbage collector of
// spec.md §4.7: a queue of (path, inode snapshot, request type) fed by
// internal/syncctl after every successful fsync, walking the MS
// vacuum log for a file until it catches up to the file's current
// manifest and issuing RG block deletes for whatever it finds garbage
// along the way.
package vacuum

import (
	"context"
	"sync"

	"github.com/syndicate-project/ug/internal/inode"
	"github.com/syndicate-project/ug/internal/manifest"
	"github.com/syndicate-project/ug/internal/metrics"
	"github.com/syndicate-project/ug/internal/msclient"
	"github.com/syndicate-project/ug/internal/rgclient"
	"github.com/syndicate-project/ug/internal/ugerr"
	"github.com/syndicate-project/ug/internal/wire"
)

// RequestType distinguishes a vacuum triggered directly by a just-
// completed fsync (WRITE) from one replaying the log independent of
// any particular write (LOG), per spec §4.7.
type RequestType int

const (
	TypeWrite RequestType = iota
	TypeLog
)

// Request is one unit of vacuum work: the snapshot the spec's
// per-request algorithm walks the log against.
type Request struct {
	Path          string
	VolumeID      int64
	FileID        int64
	FileVersion   int64
	ManifestMTime manifest.ModTime
	Type          RequestType
}

// Worker drains a queue of Requests with the same
// Start(ctx)/Stop()/Running() shape as the teacher's internal/sync
// worker, but event-driven off a channel instead of a ticker (spec
// §4.7's queue is fed by syncctl, not polled on an interval).
type Worker struct {
	MS       msclient.Client
	Store    *inode.Store // optional; used to update vacuuming/vacuumed flags
	SelfID   int64
	Gateways func(volumeID, fileID int64) []*rgclient.Client

	// OnComplete, if set, is called after every processed request
	// (Again-class errors included) for test/metrics observation.
	OnComplete func(req Request, err error)

	queue  chan Request
	stopCh chan struct{}
	doneCh chan struct{}
	mu     sync.RWMutex
	running bool
}

// New creates a Worker with a queue of the given capacity.
func New(queueCap int) *Worker {
	if queueCap <= 0 {
		queueCap = 256
	}
	return &Worker{
		queue:  make(chan Request, queueCap),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Enqueue queues req for processing, returning false without blocking
// if the queue is full (the caller — internal/syncctl — decides
// whether to retry rather than stall the fsync path on a full queue).
func (w *Worker) Enqueue(req Request) bool {
	select {
	case w.queue <- req:
		metrics.VacuumPendingFiles.Inc()
		return true
	default:
		return false
	}
}

// Start begins draining the queue in the background.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	go w.run(ctx)
}

// Stop drains in-flight work and returns once run() has exited.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
}

// Running reports whether the worker's loop is active.
func (w *Worker) Running() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func (w *Worker) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		close(w.doneCh)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case req := <-w.queue:
			w.handle(ctx, req)
		}
	}
}

// handle runs one request to completion and re-enqueues it if it
// failed with an Again-class error, per spec §4.7's "requests that
// returned Again are re-enqueued."
func (w *Worker) handle(ctx context.Context, req Request) {
	metrics.VacuumPendingFiles.Dec()
	err := w.process(ctx, req)
	if w.OnComplete != nil {
		w.OnComplete(req, err)
	}
	w.updateInodeFlags(req, err)

	if err != nil && ugerr.Is(err, ugerr.Again) {
		w.Enqueue(req)
	}
}

// process implements the per-request algorithm of spec §4.7: walk the
// MS vacuum log for (volume, file) until either the log is empty or
// the head entry matches the snapshot's own manifest_mtime (meaning
// the log has caught up to the file's current state).
func (w *Worker) process(ctx context.Context, req Request) error {
	for {
		entry, ok, err := w.MS.PeekVacuumLog(ctx, req.VolumeID, req.FileID)
		if err != nil {
			return ugerr.Wrap(ugerr.Again, "vacuum: peek log", err)
		}
		if !ok {
			return nil
		}

		if entry.ManifestMTime == req.ManifestMTime {
			if req.Type == TypeWrite {
				if err := w.MS.RemoveVacuumLogEntry(ctx, req.VolumeID, req.FileID, entry.FileVersion, entry.ManifestMTime); err != nil {
					return ugerr.Wrap(ugerr.RemoteIO, "vacuum: remove head log entry", err)
				}
			}
			return nil
		}

		if err := w.collectGarbage(ctx, req, entry); err != nil {
			return err
		}

		if err := w.MS.RemoveVacuumLogEntry(ctx, req.VolumeID, req.FileID, entry.FileVersion, entry.ManifestMTime); err != nil {
			return ugerr.Wrap(ugerr.RemoteIO, "vacuum: remove processed log entry", err)
		}
		metrics.VacuumLogEntriesTotal.Inc()
	}
}

// collectGarbage downloads the manifest entry.FileVersion referred to,
// extracts the block records named by entry.AffectedBlocks, and issues
// an RG delete for each across every replica candidate.
func (w *Worker) collectGarbage(ctx context.Context, req Request, entry msclient.VacuumLogEntry) error {
	gateways := w.gatewayList(req.VolumeID, req.FileID)
	if len(gateways) == 0 {
		return ugerr.New(ugerr.NoData, "vacuum: no RG candidates for volume")
	}

	old, err := w.downloadOldManifest(ctx, req, entry, gateways)
	if err != nil {
		return err
	}

	for _, bid := range entry.AffectedBlocks {
		b, ok := old.Block(bid)
		if !ok {
			continue // already gone: nothing left to delete
		}
		delReq := wire.Request{
			VolumeID:     req.VolumeID,
			FileID:       req.FileID,
			FileVersion:  entry.FileVersion,
			BlockID:      b.ID,
			BlockVersion: b.Version,
		}
		for _, rg := range gateways {
			if err := rg.DeleteBlock(ctx, delReq); err != nil {
				return ugerr.Wrap(ugerr.RemoteIO, "vacuum: delete garbage block", err)
			}
		}
	}
	return nil
}

// downloadOldManifest fetches the manifest at entry.FileVersion from
// whichever gateway candidate has it, per spec §4.7 step 2: "ENOENT is
// retried; hard errors fail the request."
func (w *Worker) downloadOldManifest(ctx context.Context, req Request, entry msclient.VacuumLogEntry, gateways []*rgclient.Client) (*manifest.Manifest, error) {
	wreq := wire.Request{VolumeID: req.VolumeID, FileID: req.FileID, FileVersion: entry.FileVersion}

	var lastErr error
	for _, rg := range gateways {
		data, err := rg.GetManifest(ctx, wreq)
		if err != nil {
			if ugerr.Is(err, ugerr.NotFound) {
				lastErr = ugerr.Wrap(ugerr.Again, "vacuum: old manifest not yet available", err)
				continue
			}
			return nil, ugerr.Wrap(ugerr.RemoteIO, "vacuum: download old manifest", err)
		}
		m, err := manifest.Decode(data)
		if err != nil {
			return nil, ugerr.Wrap(ugerr.RemoteIO, "vacuum: decode old manifest", err)
		}
		return m, nil
	}
	if lastErr == nil {
		lastErr = ugerr.New(ugerr.NoData, "vacuum: no candidate served the old manifest")
	}
	return nil, lastErr
}

func (w *Worker) gatewayList(volumeID, fileID int64) []*rgclient.Client {
	if w.Gateways == nil {
		return nil
	}
	return w.Gateways(volumeID, fileID)
}

// updateInodeFlags clears the resident inode's vacuuming flag (and
// sets vacuumed on success) if this gateway is still its coordinator,
// per spec §4.7: "update the inode's vacuuming/vacuumed flags if this
// gateway is still the coordinator."
func (w *Worker) updateInodeFlags(req Request, err error) {
	if w.Store == nil {
		return
	}
	n, ok := w.Store.Get(req.FileID)
	if !ok {
		return
	}
	n.Lock()
	defer n.Unlock()
	if !n.IsCoordinator(w.SelfID) {
		return
	}
	n.Vacuuming = false
	if err == nil {
		n.Vacuumed = true
	}
}
