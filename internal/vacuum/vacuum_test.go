package vacuum

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/syndicate-project/ug/internal/inode"
	"github.com/syndicate-project/ug/internal/manifest"
	"github.com/syndicate-project/ug/internal/msclient"
	"github.com/syndicate-project/ug/internal/msclient/msmock"
	"github.com/syndicate-project/ug/internal/rgclient"
	"github.com/syndicate-project/ug/internal/rgserver"
	"github.com/syndicate-project/ug/internal/ugerr"
	"github.com/syndicate-project/ug/internal/wire"
)

func newRG(t *testing.T) (*rgserver.Server, *rgclient.Client) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	srv, err := rgserver.New(pub)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv, rgclient.New(srv.Addr(), priv, 0)
}

func TestProcessWriteTypeRemovesHeadWhenCaughtUp(t *testing.T) {
	ms := msmock.New(1, 16)
	mtime := manifest.ModTime{Sec: 5, Nsec: 0}
	if err := ms.AppendVacuumLogEntry(context.Background(), msclient.VacuumLogEntry{
		VolumeID: 1, FileID: 1, FileVersion: 3, ManifestMTime: mtime,
	}); err != nil {
		t.Fatal(err)
	}

	w := &Worker{MS: ms}
	req := Request{VolumeID: 1, FileID: 1, ManifestMTime: mtime, Type: TypeWrite}
	if err := w.process(context.Background(), req); err != nil {
		t.Fatalf("process: %v", err)
	}
	if ms.VacuumLogLen(1) != 0 {
		t.Fatalf("expected write-type caught-up request to remove its own log entry, got len %d", ms.VacuumLogLen(1))
	}
}

func TestProcessLogTypeLeavesHeadWhenCaughtUp(t *testing.T) {
	ms := msmock.New(1, 16)
	mtime := manifest.ModTime{Sec: 5, Nsec: 0}
	if err := ms.AppendVacuumLogEntry(context.Background(), msclient.VacuumLogEntry{
		VolumeID: 1, FileID: 1, FileVersion: 3, ManifestMTime: mtime,
	}); err != nil {
		t.Fatal(err)
	}

	w := &Worker{MS: ms}
	req := Request{VolumeID: 1, FileID: 1, ManifestMTime: mtime, Type: TypeLog}
	if err := w.process(context.Background(), req); err != nil {
		t.Fatalf("process: %v", err)
	}
	if ms.VacuumLogLen(1) != 1 {
		t.Fatalf("expected log-type caught-up request to leave the entry, got len %d", ms.VacuumLogLen(1))
	}
}

func TestProcessNoEntriesIsNoop(t *testing.T) {
	ms := msmock.New(1, 16)
	w := &Worker{MS: ms}
	req := Request{VolumeID: 1, FileID: 1, Type: TypeLog}
	if err := w.process(context.Background(), req); err != nil {
		t.Fatalf("process: %v", err)
	}
}

func TestProcessCollectsGarbageForOlderEntry(t *testing.T) {
	srv, client := newRG(t)

	oldManifest := manifest.New(1, 1, 1, 1)
	if err := oldManifest.PutBlock(manifest.Block{ID: 5, Version: 1, Hash: manifest.SumHash([]byte("old")), Type: manifest.TypeBlock}, true); err != nil {
		t.Fatal(err)
	}
	encoded, err := manifest.Encode(oldManifest)
	if err != nil {
		t.Fatal(err)
	}
	srv.SetManifest(1, 3, encoded)

	putReq := wire.Request{VolumeID: 1, FileID: 1, FileVersion: 3, BlockID: 5, BlockVersion: 1}
	if err := client.PutBlock(context.Background(), putReq, []byte("garbage")); err != nil {
		t.Fatal(err)
	}
	if srv.BlockCount() != 1 {
		t.Fatalf("expected block staged before vacuum, got %d", srv.BlockCount())
	}

	ms := msmock.New(1, 16)
	oldMTime := manifest.ModTime{Sec: 1, Nsec: 0}
	curMTime := manifest.ModTime{Sec: 2, Nsec: 0}
	if err := ms.AppendVacuumLogEntry(context.Background(), msclient.VacuumLogEntry{
		VolumeID: 1, FileID: 1, FileVersion: 3, ManifestMTime: oldMTime, AffectedBlocks: []int64{5},
	}); err != nil {
		t.Fatal(err)
	}

	w := &Worker{
		MS:       ms,
		Gateways: func(int64, int64) []*rgclient.Client { return []*rgclient.Client{client} },
	}
	req := Request{VolumeID: 1, FileID: 1, ManifestMTime: curMTime, Type: TypeLog}
	if err := w.process(context.Background(), req); err != nil {
		t.Fatalf("process: %v", err)
	}
	if ms.VacuumLogLen(1) != 0 {
		t.Fatalf("expected processed entry removed, got len %d", ms.VacuumLogLen(1))
	}
	if srv.BlockCount() != 0 {
		t.Fatalf("expected garbage block deleted, got %d remaining", srv.BlockCount())
	}
}

func TestDownloadOldManifestNotFoundIsAgain(t *testing.T) {
	_, client := newRG(t)
	w := &Worker{}
	req := Request{VolumeID: 1, FileID: 1}
	entry := msclient.VacuumLogEntry{FileVersion: 9}

	_, err := w.downloadOldManifest(context.Background(), req, entry, []*rgclient.Client{client})
	if !ugerr.Is(err, ugerr.Again) {
		t.Fatalf("err = %v, want Again", err)
	}
}

func TestCollectGarbageNoGatewaysFails(t *testing.T) {
	w := &Worker{}
	req := Request{VolumeID: 1, FileID: 1}
	entry := msclient.VacuumLogEntry{FileVersion: 1}
	err := w.collectGarbage(context.Background(), req, entry)
	if !ugerr.Is(err, ugerr.NoData) {
		t.Fatalf("err = %v, want NoData", err)
	}
}

func TestEnqueueFullQueueReturnsFalse(t *testing.T) {
	w := New(1)
	if !w.Enqueue(Request{FileID: 1}) {
		t.Fatal("first enqueue into empty queue should succeed")
	}
	if w.Enqueue(Request{FileID: 2}) {
		t.Fatal("enqueue into full queue should return false")
	}
}

func TestWorkerStartStopProcessesQueuedRequest(t *testing.T) {
	ms := msmock.New(1, 16)
	mtime := manifest.ModTime{Sec: 1, Nsec: 0}
	if err := ms.AppendVacuumLogEntry(context.Background(), msclient.VacuumLogEntry{
		VolumeID: 1, FileID: 1, FileVersion: 1, ManifestMTime: mtime,
	}); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	w := New(4)
	w.MS = ms
	w.OnComplete = func(req Request, err error) { done <- err }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	if !w.Running() {
		t.Fatal("expected Running() true after Start")
	}

	w.Enqueue(Request{VolumeID: 1, FileID: 1, ManifestMTime: mtime, Type: TypeWrite})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected process error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queued request to be processed")
	}

	w.Stop()
	if w.Running() {
		t.Fatal("expected Running() false after Stop")
	}
	if ms.VacuumLogLen(1) != 0 {
		t.Fatalf("expected log entry consumed, got len %d", ms.VacuumLogLen(1))
	}
}

func TestUpdateInodeFlagsOnlyIfStillCoordinator(t *testing.T) {
	store := inode.NewStore()
	n := inode.New(1, 1, "f", inode.TypeFile, 0)
	n.CoordinatorID = 1
	n.Vacuuming = true
	store.Put(n)

	w := &Worker{Store: store, SelfID: 2}
	w.updateInodeFlags(Request{FileID: 1}, nil)
	n.RLock()
	stillVacuuming := n.Vacuuming
	n.RUnlock()
	if !stillVacuuming {
		t.Fatal("flags should be untouched when this gateway is not the coordinator")
	}

	w.SelfID = 1
	w.updateInodeFlags(Request{FileID: 1}, nil)
	n.RLock()
	defer n.RUnlock()
	if n.Vacuuming {
		t.Fatal("expected vacuuming cleared")
	}
	if !n.Vacuumed {
		t.Fatal("expected vacuumed set on success")
	}
}
