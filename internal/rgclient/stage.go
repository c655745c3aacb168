// Package rgclient implements the Replica Gateway wire client: the
// two-part exchange of spec §6 — a signed control envelope followed
// by a raw data-plane stream — plus the memory-mapped staging of
// outbound block data described in spec §4.6.
package rgclient

import (
	"fmt"
	"os"
	"syscall"

	"github.com/syndicate-project/ug/internal/ugerr"
)

// StagedData is data staged into an unlinked temp file and mapped into
// the process's address space, so the replication engine can hand the
// RG client a byte slice without holding the whole block in a second
// heap allocation.
type StagedData struct {
	file *os.File
	data []byte
}

// Bytes returns the staged, mapped data.
func (s *StagedData) Bytes() []byte { return s.data }

// Close unmaps and closes the (already-unlinked) backing file.
func (s *StagedData) Close() error {
	var err error
	if s.data != nil {
		err = syscall.Munmap(s.data)
		s.data = nil
	}
	if s.file != nil {
		if cerr := s.file.Close(); err == nil {
			err = cerr
		}
		s.file = nil
	}
	return err
}

// Stage writes plain into a temp file, unlinks it immediately (so the
// directory entry disappears while the fd and mapping remain valid —
// the data-plane "temp file" of spec §6), and mmaps it back in.
func Stage(dir string, plain []byte) (*StagedData, error) {
	f, err := os.CreateTemp(dir, "ug-rg-stage-*")
	if err != nil {
		return nil, ugerr.Wrap(ugerr.RemoteIO, "create staging file", err)
	}
	name := f.Name()

	if len(plain) > 0 {
		if _, err := f.Write(plain); err != nil {
			f.Close()
			os.Remove(name)
			return nil, ugerr.Wrap(ugerr.RemoteIO, "write staging file", err)
		}
	} else {
		// mmap requires a non-empty file.
		if err := f.Truncate(1); err != nil {
			f.Close()
			os.Remove(name)
			return nil, ugerr.Wrap(ugerr.RemoteIO, "truncate empty staging file", err)
		}
	}

	mapLen := len(plain)
	if mapLen == 0 {
		mapLen = 1
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, mapLen, syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(name)
		return nil, ugerr.Wrap(ugerr.RemoteIO, fmt.Sprintf("mmap staging file (%d bytes)", mapLen), err)
	}

	if err := os.Remove(name); err != nil {
		syscall.Munmap(data)
		f.Close()
		return nil, ugerr.Wrap(ugerr.RemoteIO, "unlink staging file", err)
	}

	return &StagedData{file: f, data: data[:len(plain)]}, nil
}
