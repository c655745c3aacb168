// Package rgserver is a minimal in-memory Replica Gateway used as a
// test double for internal/rgclient and internal/replication: it
// speaks the same wire protocol as a real RG but stores blocks in a
// map instead of on a backing filesystem.
package rgserver

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/syndicate-project/ug/internal/ugerr"
	"github.com/syndicate-project/ug/internal/wire"
)

type blockKey struct {
	fileID, blockID, blockVersion int64
}

type manifestKey struct {
	fileID, fileVersion int64
}

// Server is a minimal listening RG double.
type Server struct {
	pub ed25519.PublicKey

	mu        sync.Mutex
	blocks    map[blockKey][]byte
	manifests map[manifestKey][]byte

	ln net.Listener
	wg sync.WaitGroup
}

// New starts a Server listening on a free loopback port and returns
// it; call Addr() for the dial address and Close() to stop it.
func New(pub ed25519.PublicKey) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{pub: pub, blocks: make(map[blockKey][]byte), manifests: make(map[manifestKey][]byte), ln: ln}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// SetManifest seeds the driver-encoded manifest bytes this double
// serves for (fileID, fileVersion), for replication/consistency test
// setup ahead of a real PUTCHUNKS-driven manifest upload.
func (s *Server) SetManifest(fileID, fileVersion int64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests[manifestKey{fileID, fileVersion}] = data
}

// Addr returns the dial address for this server.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Close stops accepting connections.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

// BlockCount returns the number of stored blocks (manifest chunks are
// not counted), for test assertions.
func (s *Server) BlockCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocks)
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	req, err := wire.ReadRequest(conn)
	if err != nil {
		return
	}
	if !wire.Verify(req, s.pub) {
		wire.WriteReply(conn, wire.Reply{OK: false, ErrKind: int(ugerr.Forbidden), ErrMsg: "bad signature"})
		return
	}

	key := blockKey{fileID: req.FileID, blockID: req.BlockID, blockVersion: req.BlockVersion}
	switch req.Kind {
	case wire.KindPutBlock:
		data, err := readFrame(conn)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.blocks[key] = data
		s.mu.Unlock()
		wire.WriteReply(conn, wire.Reply{OK: true})

	case wire.KindGetBlock:
		s.mu.Lock()
		data, ok := s.blocks[key]
		s.mu.Unlock()
		if !ok {
			wire.WriteReply(conn, wire.Reply{OK: false, ErrKind: int(ugerr.NotFound), ErrMsg: "block not found"})
			return
		}
		if err := wire.WriteReply(conn, wire.Reply{OK: true}); err != nil {
			return
		}
		writeFrame(conn, data)

	case wire.KindGetManifest:
		s.mu.Lock()
		data, ok := s.manifests[manifestKey{fileID: req.FileID, fileVersion: req.FileVersion}]
		s.mu.Unlock()
		if !ok {
			wire.WriteReply(conn, wire.Reply{OK: false, ErrKind: int(ugerr.NotFound), ErrMsg: "manifest not found"})
			return
		}
		if err := wire.WriteReply(conn, wire.Reply{OK: true}); err != nil {
			return
		}
		writeFrame(conn, data)

	case wire.KindPutChunks:
		chunks, err := wire.DecodeChunks(req.Payload)
		if err != nil {
			wire.WriteReply(conn, wire.Reply{OK: false, ErrKind: int(ugerr.RemoteIO), ErrMsg: "bad chunk descriptors"})
			return
		}
		data, err := readFrame(conn)
		if err != nil {
			return
		}
		for _, c := range chunks {
			if c.Offset < 0 || c.Size < 0 || c.Offset+c.Size > int64(len(data)) {
				wire.WriteReply(conn, wire.Reply{OK: false, ErrKind: int(ugerr.RemoteIO), ErrMsg: "chunk descriptor out of range"})
				return
			}
			if sha256.Sum256(data[c.Offset:c.Offset+c.Size]) != c.Hash {
				wire.WriteReply(conn, wire.Reply{OK: false, ErrKind: int(ugerr.RemoteIO), ErrMsg: "chunk hash mismatch"})
				return
			}
		}
		s.mu.Lock()
		for _, c := range chunks {
			cp := append([]byte(nil), data[c.Offset:c.Offset+c.Size]...)
			if c.Type == wire.ChunkManifest {
				s.manifests[manifestKey{fileID: req.FileID, fileVersion: req.FileVersion}] = cp
			} else {
				s.blocks[blockKey{fileID: req.FileID, blockID: c.ID, blockVersion: c.Version}] = cp
			}
		}
		s.mu.Unlock()
		wire.WriteReply(conn, wire.Reply{OK: true})

	case wire.KindDeleteBlock:
		s.mu.Lock()
		delete(s.blocks, key)
		s.mu.Unlock()
		wire.WriteReply(conn, wire.Reply{OK: true})

	default:
		wire.WriteReply(conn, wire.Reply{OK: false, ErrKind: int(ugerr.RemoteIO), ErrMsg: "unsupported request kind"})
	}
}

func writeFrame(w io.Writer, data []byte) error {
	var lenPrefix [8]byte
	binary.BigEndian.PutUint64(lenPrefix[:], uint64(len(data)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenPrefix [8]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint64(lenPrefix[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
