package syncctl

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/syndicate-project/ug/internal/blockcache"
	"github.com/syndicate-project/ug/internal/clock"
	"github.com/syndicate-project/ug/internal/consistency"
	"github.com/syndicate-project/ug/internal/driver/zstd"
	"github.com/syndicate-project/ug/internal/inode"
	"github.com/syndicate-project/ug/internal/manifest"
	"github.com/syndicate-project/ug/internal/msclient"
	"github.com/syndicate-project/ug/internal/msclient/msmock"
	"github.com/syndicate-project/ug/internal/replication"
	"github.com/syndicate-project/ug/internal/rgclient"
	"github.com/syndicate-project/ug/internal/rgserver"
	"github.com/syndicate-project/ug/internal/ugerr"
	"github.com/syndicate-project/ug/internal/vacuum"
)

const blockSize = 16

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

func newTestEngine(t *testing.T) (*Engine, *msmock.Server, *rgserver.Server) {
	t.Helper()
	cache := blockcache.New(blockcache.Config{Root: t.TempDir(), HardLimit: 8, SoftLimit: 4})
	t.Cleanup(func() { cache.Close() })

	ms := msmock.New(1, blockSize)
	srv, rgClient := newRG(t)

	repEngine := &replication.Engine{
		MS:       ms,
		SelfID:   1,
		Gateways: func(int64) []*rgclient.Client { return []*rgclient.Client{rgClient} },
	}
	consistencyEngine := &consistency.Engine{
		MS: ms, Clock: clock.NewFake(time.Unix(1000, 0)), Cache: cache,
		Store: inode.NewStore(), SelfID: 1, BlockSize: blockSize,
	}

	e := &Engine{
		MS:          ms,
		Replication: repEngine,
		Vacuum:      vacuum.New(8),
		Consistency: consistencyEngine,
		Cache:       cache,
		Driver:      zstd.New(0),
		Clock:       clock.NewFake(time.Unix(1000, 0)),
		SelfID:      1,
		StageDir:    t.TempDir(),
	}
	return e, ms, srv
}

func newDirtyInode(coordinatorID int64, dirtyVersion int64, plain []byte) *inode.Inode {
	n := inode.New(1, 1, "f", inode.TypeFile, 0)
	n.CoordinatorID = coordinatorID
	n.FileVersion = 1
	n.Size = int64(len(plain))
	n.Manifest = manifest.New(1, 1, 1, coordinatorID)
	db := manifest.NewShared(0, dirtyVersion, plain)
	db.Unshare()
	n.DirtyBlocks[0] = db
	return n
}

func TestFsyncCoordinatorReplicatesAndCleansDirtyBlocks(t *testing.T) {
	e, ms, srv := newTestEngine(t)
	plain := bytes.Repeat([]byte{'a'}, blockSize)
	n := newDirtyInode(1, 7, plain)

	if err := e.Fsync(context.Background(), "f", n); err != nil {
		t.Fatalf("Fsync: %v", err)
	}

	n.RLock()
	dirtyLeft := len(n.DirtyBlocks)
	_, haveBlock := n.Manifest.Block(0)
	n.RUnlock()
	if dirtyLeft != 0 {
		t.Fatalf("expected dirty blocks cleared, got %d remaining", dirtyLeft)
	}
	if !haveBlock {
		t.Fatal("expected flushed block committed to manifest")
	}
	if ms.VacuumLogLen(1) != 1 {
		t.Fatalf("expected one vacuum log entry, got %d", ms.VacuumLogLen(1))
	}
	if srv.BlockCount() != 1 {
		t.Fatalf("expected one block replicated to RG, got %d", srv.BlockCount())
	}
}

func TestFsyncNonCoordinatorDelegatesAndReloadsInode(t *testing.T) {
	e, _, _ := newTestEngine(t)
	plain := bytes.Repeat([]byte{'b'}, blockSize)
	n := newDirtyInode(2, 3, plain) // coordinator is gateway 2, self is 1

	delegateCalled := false
	e.Replication.Delegate = func(ctx context.Context, entry msclient.Entry, delta *manifest.Manifest, xattrHash [32]byte) (msclient.Entry, error) {
		delegateCalled = true
		entry.FileVersion = 9
		entry.ManifestMTime = manifest.ModTime{Sec: 42, Nsec: 0}
		return entry, nil
	}

	if err := e.Fsync(context.Background(), "f", n); err != nil {
		t.Fatalf("Fsync: %v", err)
	}
	if !delegateCalled {
		t.Fatal("expected non-coordinator fsync to delegate its MS update")
	}

	n.RLock()
	defer n.RUnlock()
	if n.FileVersion != 9 {
		t.Fatalf("FileVersion = %d, want 9 after delegated reload", n.FileVersion)
	}
	if n.ManifestMTime != (manifest.ModTime{Sec: 42, Nsec: 0}) {
		t.Fatalf("ManifestMTime not reloaded from delegate response: %+v", n.ManifestMTime)
	}
}

func TestFsyncNoDirtyBlocksIsNoop(t *testing.T) {
	e, ms, _ := newTestEngine(t)
	n := inode.New(1, 1, "f", inode.TypeFile, 0)
	n.CoordinatorID = 1
	n.Manifest = manifest.New(1, 1, 1, 1)

	if err := e.Fsync(context.Background(), "f", n); err != nil {
		t.Fatalf("Fsync: %v", err)
	}
	if ms.VacuumLogLen(1) != 0 {
		t.Fatal("fsync with no dirty blocks should not touch the vacuum log")
	}
}

func TestAcquireReleaseTurnFIFOOrder(t *testing.T) {
	e := &Engine{}
	n := inode.New(1, 1, "f", inode.TypeFile, 0)

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	if err := e.acquireTurn(context.Background(), n); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := e.acquireTurn(context.Background(), n); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			e.releaseTurn(n)
		}(i)
		time.Sleep(10 * time.Millisecond) // let goroutine i enqueue before i+1
	}

	e.releaseTurn(n) // release the initial holder, letting goroutine 1 run first
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("expected 3 turns taken, got %d: %v", len(order), order)
	}
	for i, v := range order {
		if v != i+1 {
			t.Fatalf("turns ran out of FIFO order: %v", order)
		}
	}
}

type capOverrideMS struct {
	*msmock.Server
	caps uint32
}

func (c *capOverrideMS) GetGatewayCaps(ctx context.Context, id int64) (uint32, error) {
	return c.caps, nil
}

func TestChcoordForbiddenWithoutCapability(t *testing.T) {
	e, ms, _ := newTestEngine(t)
	e.MS = &capOverrideMS{Server: ms, caps: 0}

	n := inode.New(1, 1, "f", inode.TypeFile, 0)
	n.CoordinatorID = 2

	err := e.Chcoord(context.Background(), "f", n)
	if !ugerr.Is(err, ugerr.Forbidden) {
		t.Fatalf("err = %v, want Forbidden", err)
	}
}

func TestChcoordBecomesCoordinatorWhenMSConfirms(t *testing.T) {
	e, ms, _ := newTestEngine(t)
	ms.PutEntry("f", msclient.Entry{FileID: 1, VolumeID: 1, Name: "f", CoordinatorID: 2, FileVersion: 1})

	n := inode.New(1, 1, "f", inode.TypeFile, 0)
	n.CoordinatorID = 2
	n.Manifest = manifest.New(1, 1, 1, 2)

	if err := e.Chcoord(context.Background(), "f", n); err != nil {
		t.Fatalf("Chcoord: %v", err)
	}

	n.RLock()
	defer n.RUnlock()
	if n.CoordinatorID != 1 {
		t.Fatalf("CoordinatorID = %d, want 1 after successful chcoord", n.CoordinatorID)
	}
}

func TestChcoordReturnsAgainWhenMSChoosesDifferentWinner(t *testing.T) {
	e, ms, _ := newTestEngine(t)
	ms.PutEntry("f", msclient.Entry{FileID: 1, VolumeID: 1, Name: "f", CoordinatorID: 2, FileVersion: 1})
	ms.SetCoordinatorWinner(1, 3)

	n := inode.New(1, 1, "f", inode.TypeFile, 0)
	n.CoordinatorID = 2
	n.Manifest = manifest.New(1, 1, 1, 2)

	err := e.Chcoord(context.Background(), "f", n)
	if !ugerr.Is(err, ugerr.Again) {
		t.Fatalf("err = %v, want Again", err)
	}
	n.RLock()
	defer n.RUnlock()
	if n.CoordinatorID != 3 {
		t.Fatalf("CoordinatorID = %d, want 3 (the MS's chosen winner)", n.CoordinatorID)
	}
}
