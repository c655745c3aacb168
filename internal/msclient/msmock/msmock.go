// Package msmock is an in-memory msclient.Client test double, used by
// the pipeline packages' unit tests instead of standing up an HTTP
// server for every case — grounded on the teacher's
// internal/testutil.MockLinearServer (operation-keyed canned
// responses, a call log) but implementing the Client interface
// directly rather than fronting it with httptest, since msclient.Client
// callers never depend on transport.Client specifically.
package msmock

import (
	"context"
	"crypto/ed25519"
	"sync"

	"github.com/syndicate-project/ug/internal/manifest"
	"github.com/syndicate-project/ug/internal/msclient"
	"github.com/syndicate-project/ug/internal/ugerr"
)

// Server is an in-memory MS double. The zero value is ready to use.
type Server struct {
	mu sync.Mutex

	entries      map[string]msclient.Entry // path -> entry
	byID         map[int64]msclient.Entry
	vacuumLogs   map[int64][]msclient.VacuumLogEntry // fileID -> ordered log
	coordWinners map[int64]int64                     // fileID -> coordinator id, for chcoord races
	xattrs       map[int64]map[string]string
	gatewayAddrs map[int64]string
	gatewayKeys  map[int64]ed25519.PublicKey
	replicaIDs   []int64

	nextFileID int64
	volumeID   int64
	blockSize  int64
	calls      []string
}

var _ msclient.Client = (*Server)(nil)

// New creates an empty mock MS for volumeID with the given block size.
func New(volumeID, blockSize int64) *Server {
	return &Server{
		entries:      make(map[string]msclient.Entry),
		byID:         make(map[int64]msclient.Entry),
		vacuumLogs:   make(map[int64][]msclient.VacuumLogEntry),
		coordWinners: make(map[int64]int64),
		xattrs:       make(map[int64]map[string]string),
		gatewayAddrs: make(map[int64]string),
		gatewayKeys:  make(map[int64]ed25519.PublicKey),
		nextFileID:   1,
		volumeID:     volumeID,
		blockSize:    blockSize,
	}
}

// Calls returns the operation names invoked so far, in order.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.calls...)
}

func (s *Server) record(op string) {
	s.calls = append(s.calls, op)
}

// PutEntry seeds the mock with a pre-existing entry at path, for test
// setup (e.g. simulating a file already created by another gateway).
func (s *Server) PutEntry(path string, e msclient.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[path] = e
	s.byID[e.FileID] = e
	if e.FileID >= s.nextFileID {
		s.nextFileID = e.FileID + 1
	}
}

func (s *Server) GetAttr(ctx context.Context, path string) (msclient.Entry, msclient.AttrStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("getattr")
	e, ok := s.entries[path]
	if !ok {
		return msclient.Entry{}, msclient.AttrNotFound, nil
	}
	return e, msclient.AttrNew, nil
}

func (s *Server) GetAttrMulti(ctx context.Context, paths []string) ([]msclient.AttrResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("getattr_multi")
	out := make([]msclient.AttrResult, 0, len(paths))
	for _, p := range paths {
		e, ok := s.entries[p]
		status := msclient.AttrNew
		if !ok {
			status = msclient.AttrNotFound
		}
		out = append(out, msclient.AttrResult{Path: p, Entry: e, Status: status})
	}
	return out, nil
}

func (s *Server) PathDownload(ctx context.Context, names []string) ([]msclient.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("path_download")
	out := make([]msclient.Entry, 0, len(names))
	for _, n := range names {
		if e, ok := s.entries[n]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Server) ListDir(ctx context.Context, fileID, numChildren, capacity int64) ([]msclient.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("listdir")
	var out []msclient.Entry
	for _, e := range s.byID {
		if e.ParentID == fileID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Server) DiffDir(ctx context.Context, fileID, numChildren, leastUnknownGeneration int64) ([]msclient.Entry, error) {
	return s.ListDir(ctx, fileID, numChildren, leastUnknownGeneration)
}

func (s *Server) Create(ctx context.Context, parentID int64, name string, mode uint32) (msclient.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("create")
	id := s.nextFileID
	s.nextFileID++
	e := msclient.Entry{FileID: id, VolumeID: s.volumeID, Name: name, ParentID: parentID, Mode: mode, FileVersion: 1, CoordinatorID: id}
	s.byID[id] = e
	return e, nil
}

func (s *Server) Mkdir(ctx context.Context, parentID int64, name string, mode uint32) (msclient.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("mkdir")
	id := s.nextFileID
	s.nextFileID++
	e := msclient.Entry{FileID: id, VolumeID: s.volumeID, Name: name, Type: msclient.EntryDir, ParentID: parentID, Mode: mode, FileVersion: 1, CoordinatorID: id}
	s.byID[id] = e
	return e, nil
}

func (s *Server) Update(ctx context.Context, entry msclient.Entry, delta *manifest.Manifest, xattrHash [32]byte) (msclient.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("update")
	entry.XattrHash = xattrHash
	s.byID[entry.FileID] = entry
	for path, e := range s.entries {
		if e.FileID == entry.FileID {
			s.entries[path] = entry
		}
	}
	return entry, nil
}

func (s *Server) Delete(ctx context.Context, fileID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("delete")
	delete(s.byID, fileID)
	for path, e := range s.entries {
		if e.FileID == fileID {
			delete(s.entries, path)
		}
	}
	return nil
}

func (s *Server) Rename(ctx context.Context, oldPath, newPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("rename")
	e, ok := s.entries[oldPath]
	if !ok {
		return ugerr.New(ugerr.NotFound, "rename: source does not exist")
	}
	delete(s.entries, oldPath)
	s.entries[newPath] = e
	return nil
}

// SetCoordinatorWinner forces the winner of the next Coordinate call
// for fileID, simulating a concurrent race the MS resolved elsewhere.
func (s *Server) SetCoordinatorWinner(fileID, winnerID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coordWinners[fileID] = winnerID
}

func (s *Server) Coordinate(ctx context.Context, entry msclient.Entry, xattrHash [32]byte) (msclient.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("coordinate")
	if winner, ok := s.coordWinners[entry.FileID]; ok && winner != entry.CoordinatorID {
		cur := s.byID[entry.FileID]
		cur.CoordinatorID = winner
		s.byID[entry.FileID] = cur
		return cur, ugerr.New(ugerr.Again, "lost coordinator race")
	}
	entry.XattrHash = xattrHash
	entry.FileVersion++
	s.byID[entry.FileID] = entry
	return entry, nil
}

func (s *Server) AppendVacuumLogEntry(ctx context.Context, entry msclient.VacuumLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("vacuum_log_append")
	s.vacuumLogs[entry.FileID] = append(s.vacuumLogs[entry.FileID], entry)
	return nil
}

func (s *Server) PeekVacuumLog(ctx context.Context, volumeID, fileID int64) (msclient.VacuumLogEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("vacuum_log_peek")
	log := s.vacuumLogs[fileID]
	if len(log) == 0 {
		return msclient.VacuumLogEntry{}, false, nil
	}
	return log[0], true, nil
}

func (s *Server) RemoveVacuumLogEntry(ctx context.Context, volumeID, fileID, fileVersion int64, mtime manifest.ModTime) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("vacuum_log_remove")
	log := s.vacuumLogs[fileID]
	for i, e := range log {
		if e.FileVersion == fileVersion && e.ManifestMTime == mtime {
			s.vacuumLogs[fileID] = append(log[:i], log[i+1:]...)
			return nil
		}
	}
	return nil
}

// VacuumLogLen reports the current vacuum log length for fileID, for
// test assertions (scenario S6).
func (s *Server) VacuumLogLen(fileID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.vacuumLogs[fileID])
}

// SetXattrs seeds the authoritative xattr set for fileID.
func (s *Server) SetXattrs(fileID int64, xattrs map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.xattrs[fileID] = xattrs
}

func (s *Server) FetchXattrs(ctx context.Context, volumeID, fileID, xattrNonce int64, expectedHash [32]byte) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("fetchxattrs")
	return s.xattrs[fileID], nil
}

func (s *Server) GetVolumeID(ctx context.Context) (int64, error) {
	return s.volumeID, nil
}

func (s *Server) GetVolumeBlockSize(ctx context.Context) (int64, error) {
	return s.blockSize, nil
}

func (s *Server) GetGatewayType(ctx context.Context, id int64) (string, error) {
	return "UG", nil
}

func (s *Server) GetGatewayCaps(ctx context.Context, id int64) (uint32, error) {
	return 0xFFFFFFFF, nil
}

func (s *Server) ListReplicaGatewayIDs(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replicaIDs, nil
}

// SetReplicaGatewayIDs seeds the volume's RG id list, for tests that
// exercise a gateway's replication fan-out rather than calling
// replication.Engine directly against a fixed client closure.
func (s *Server) SetReplicaGatewayIDs(ids ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replicaIDs = ids
}

// SetGateway seeds the dial address and verifying key this mock
// resolves for id, for tests that exercise peer dispatch.
func (s *Server) SetGateway(id int64, addr string, pub ed25519.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gatewayAddrs[id] = addr
	s.gatewayKeys[id] = pub
}

func (s *Server) GetGatewayAddr(ctx context.Context, id int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr, ok := s.gatewayAddrs[id]
	if !ok {
		return "", ugerr.New(ugerr.NotFound, "mock ms: unknown gateway id")
	}
	return addr, nil
}

func (s *Server) GetGatewayPubKey(ctx context.Context, id int64) (ed25519.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pub, ok := s.gatewayKeys[id]
	if !ok {
		return nil, ugerr.New(ugerr.NotFound, "mock ms: unknown gateway id")
	}
	return pub, nil
}
