package manifest

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// wireManifest is the gob-friendly projection of a Manifest: the
// unexported blocks map and order slice don't survive gob encoding
// directly, so Encode/Decode go through this instead. Grounded on
// internal/wire's envelope framing — this is the Payload a
// KindGetManifest reply or a PUTCHUNKS request carries.
type wireManifest struct {
	FileID        int64
	FileVersion   int64
	VolumeID      int64
	CoordinatorID int64
	Size          int64
	ModTime       ModTime
	Stale         bool
	Blocks        []Block
}

// Encode serializes m for transport over the RG wire protocol or for
// on-disk manifest-chunk storage.
func Encode(m *Manifest) ([]byte, error) {
	wm := wireManifest{
		FileID:        m.FileID,
		FileVersion:   m.FileVersion,
		VolumeID:      m.VolumeID,
		CoordinatorID: m.CoordinatorID,
		Size:          m.Size,
		ModTime:       m.ModTime,
		Stale:         m.Stale,
		Blocks:        m.Blocks(),
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wm); err != nil {
		return nil, fmt.Errorf("manifest: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode is Encode's inverse.
func Decode(data []byte) (*Manifest, error) {
	var wm wireManifest
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&wm); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	m := New(wm.FileID, wm.FileVersion, wm.VolumeID, wm.CoordinatorID)
	m.Size = wm.Size
	m.ModTime = wm.ModTime
	m.Stale = wm.Stale
	for _, b := range wm.Blocks {
		_ = m.PutBlock(b, true)
	}
	return m, nil
}
