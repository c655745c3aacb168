package replication

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/syndicate-project/ug/internal/blockcache"
	"github.com/syndicate-project/ug/internal/manifest"
	"github.com/syndicate-project/ug/internal/msclient"
	"github.com/syndicate-project/ug/internal/msclient/msmock"
	"github.com/syndicate-project/ug/internal/rgclient"
	"github.com/syndicate-project/ug/internal/rgserver"
	"github.com/syndicate-project/ug/internal/ugerr"
	"github.com/syndicate-project/ug/internal/wire"
)

func newCache(t *testing.T) *blockcache.Cache {
	t.Helper()
	c := blockcache.New(blockcache.Config{Root: t.TempDir(), HardLimit: 8, SoftLimit: 4})
	t.Cleanup(func() { c.Close() })
	return c
}

func waitWritten(t *testing.T, c *blockcache.Cache, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Stats().NumBlocksWritten >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d blocks written", want)
}

func seedFlushedBlock(t *testing.T, cache *blockcache.Cache, fileID, fileVersion, blockID, blockVer int64, plain []byte) manifest.Block {
	t.Helper()
	key := blockcache.Key{FileID: fileID, FileVersion: fileVersion, BlockID: blockID, BlockVer: blockVer}
	if err := cache.WriteBlockAsync(context.Background(), key, plain); err != nil {
		t.Fatal(err)
	}
	waitWritten(t, cache, 1)
	return manifest.Block{ID: blockID, Version: blockVer, Hash: manifest.SumHash(plain), Type: manifest.TypeBlock}
}

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

func TestBuildAndReplicateCoordinatorFanOut(t *testing.T) {
	cache := newCache(t)
	srv, client := newRG(t)
	ms := msmock.New(1, 16)

	delta := manifest.New(1, 1, 1, 1)
	b := seedFlushedBlock(t, cache, 1, 1, 0, 7, bytes.Repeat([]byte{'x'}, 16))
	_ = delta.PutBlock(b, true)

	entry := msclient.Entry{FileID: 1, VolumeID: 1, Name: "f", FileVersion: 1, CoordinatorID: 1, Size: 16}

	rc, err := Build(cache, t.TempDir(), 1, 1, 1, 1, 1, entry, delta, false, nil, 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer rc.Close()

	if len(rc.Chunks) != 1 || rc.Chunks[0].ID != 0 {
		t.Fatalf("unexpected chunk list: %+v", rc.Chunks)
	}
	if !rc.IsCoordinator {
		t.Fatal("expected IsCoordinator true when coordinatorID == selfID")
	}

	e := &Engine{
		MS:       ms,
		SelfID:   1,
		Gateways: func(int64) []*rgclient.Client { return []*rgclient.Client{client} },
	}

	if err := e.Replicate(context.Background(), rc); err != nil {
		t.Fatalf("Replicate: %v", err)
	}
	if !rc.SentVacuumLog || !rc.ReplicatedBlocks || !rc.SentMSUpdate {
		t.Fatalf("expected all phases complete, got %+v", rc)
	}
	if ms.VacuumLogLen(1) != 1 {
		t.Fatalf("expected one vacuum log entry, got %d", ms.VacuumLogLen(1))
	}
	if srv.BlockCount() != 1 {
		t.Fatalf("expected one block replicated to RG, got %d", srv.BlockCount())
	}
}

func TestBuildIncludesManifestChunkWhenRequested(t *testing.T) {
	cache := newCache(t)
	delta := manifest.New(1, 1, 1, 1)
	b := seedFlushedBlock(t, cache, 1, 1, 0, 1, bytes.Repeat([]byte{'y'}, 16))
	_ = delta.PutBlock(b, true)

	manifestBytes, err := manifest.Encode(delta)
	if err != nil {
		t.Fatal(err)
	}

	entry := msclient.Entry{FileID: 1, VolumeID: 1, FileVersion: 1, CoordinatorID: 1}
	rc, err := Build(cache, t.TempDir(), 1, 1, 1, 1, 1, entry, delta, true, manifestBytes, 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer rc.Close()

	if len(rc.Chunks) != 2 {
		t.Fatalf("expected manifest chunk + 1 block chunk, got %d", len(rc.Chunks))
	}
	if rc.Chunks[0].Type != wire.ChunkManifest || rc.Chunks[0].Size != int64(len(manifestBytes)) {
		t.Fatalf("manifest chunk malformed: %+v", rc.Chunks[0])
	}
}

func TestReplicateHintSkipsCompletedPhases(t *testing.T) {
	cache := newCache(t)
	ms := msmock.New(1, 16)

	delta := manifest.New(1, 1, 1, 1)
	b := seedFlushedBlock(t, cache, 1, 1, 0, 1, bytes.Repeat([]byte{'z'}, 16))
	_ = delta.PutBlock(b, true)

	entry := msclient.Entry{FileID: 1, VolumeID: 1, FileVersion: 1, CoordinatorID: 1}
	rc, err := Build(cache, t.TempDir(), 1, 1, 1, 1, 1, entry, delta, false, nil, NoVacuumLog|NoRGBlocks)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer rc.Close()

	e := &Engine{
		MS:     ms,
		SelfID: 1,
		Gateways: func(int64) []*rgclient.Client {
			t.Fatal("Gateways should not be consulted when NoRGBlocks is set")
			return nil
		},
	}

	if err := e.Replicate(context.Background(), rc); err != nil {
		t.Fatalf("Replicate: %v", err)
	}
	if ms.VacuumLogLen(1) != 0 {
		t.Fatalf("expected no vacuum log entry appended when NoVacuumLog is set, got %d", ms.VacuumLogLen(1))
	}
}

func TestReplicateNonCoordinatorDelegates(t *testing.T) {
	cache := newCache(t)
	srv, client := newRG(t)
	_ = srv
	ms := msmock.New(1, 16)

	delta := manifest.New(1, 1, 1, 2)
	b := seedFlushedBlock(t, cache, 1, 1, 0, 1, bytes.Repeat([]byte{'w'}, 16))
	_ = delta.PutBlock(b, true)

	entry := msclient.Entry{FileID: 1, VolumeID: 1, FileVersion: 1, CoordinatorID: 2}
	rc, err := Build(cache, t.TempDir(), 1, 1, 1, 1, 2, entry, delta, false, nil, 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer rc.Close()
	if rc.IsCoordinator {
		t.Fatal("expected IsCoordinator false when coordinatorID != selfID")
	}

	delegateCalled := false
	e := &Engine{
		MS:       ms,
		SelfID:   1,
		Gateways: func(int64) []*rgclient.Client { return []*rgclient.Client{client} },
		Delegate: func(ctx context.Context, entry msclient.Entry, delta *manifest.Manifest, xattrHash [32]byte) (msclient.Entry, error) {
			delegateCalled = true
			entry.FileVersion = 9
			return entry, nil
		},
	}

	if err := e.Replicate(context.Background(), rc); err != nil {
		t.Fatalf("Replicate: %v", err)
	}
	if !delegateCalled {
		t.Fatal("expected Delegate to be invoked for non-coordinator MS update")
	}
	if rc.Entry.FileVersion != 9 {
		t.Fatalf("FileVersion = %d, want 9 after delegated MS update", rc.Entry.FileVersion)
	}
}

func TestReplicateFallsBackToCoordinateOnDelegateFailure(t *testing.T) {
	cache := newCache(t)
	_, client := newRG(t)
	ms := msmock.New(1, 16)
	ms.SetCoordinatorWinner(1, 1)

	delta := manifest.New(1, 1, 1, 2)
	b := seedFlushedBlock(t, cache, 1, 1, 0, 1, bytes.Repeat([]byte{'v'}, 16))
	_ = delta.PutBlock(b, true)

	entry := msclient.Entry{FileID: 1, VolumeID: 1, FileVersion: 1, CoordinatorID: 2}
	rc, err := Build(cache, t.TempDir(), 1, 1, 1, 1, 2, entry, delta, false, nil, 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer rc.Close()

	e := &Engine{
		MS:       ms,
		SelfID:   1,
		Gateways: func(int64) []*rgclient.Client { return []*rgclient.Client{client} },
		Delegate: func(ctx context.Context, entry msclient.Entry, delta *manifest.Manifest, xattrHash [32]byte) (msclient.Entry, error) {
			return msclient.Entry{}, ugerr.New(ugerr.RemoteIO, "coordinator unreachable")
		},
	}

	if err := e.Replicate(context.Background(), rc); err != nil {
		t.Fatalf("Replicate: %v", err)
	}
	if !rc.IsCoordinator {
		t.Fatal("expected this gateway to become coordinator via the fallback")
	}
}

func TestReplicateNoGatewaysFails(t *testing.T) {
	cache := newCache(t)
	ms := msmock.New(1, 16)

	delta := manifest.New(1, 1, 1, 1)
	b := seedFlushedBlock(t, cache, 1, 1, 0, 1, bytes.Repeat([]byte{'q'}, 16))
	_ = delta.PutBlock(b, true)

	entry := msclient.Entry{FileID: 1, VolumeID: 1, FileVersion: 1, CoordinatorID: 1}
	rc, err := Build(cache, t.TempDir(), 1, 1, 1, 1, 1, entry, delta, false, nil, 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer rc.Close()

	e := &Engine{MS: ms, SelfID: 1}
	if err := e.Replicate(context.Background(), rc); !ugerr.Is(err, ugerr.NoData) {
		t.Fatalf("err = %v, want NoData", err)
	}
	if !rc.SentVacuumLog {
		t.Fatal("vacuum log append should have stuck even though RG fan-out failed")
	}
}
