// Package wire implements the signed control-plane envelope spec.md
// §6 describes for both the RG protocol and the inter-UG coordinator
// protocol. The envelope is gob-encoded rather than protobuf: this
// project does not hand-author generated .pb.go stubs without running
// protoc, so gob (stdlib, self-describing enough for a closed set of
// internal peers) takes the protobuf's place. See DESIGN.md.
package wire

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// Kind identifies the operation an envelope carries.
type Kind int

const (
	KindWrite Kind = iota
	KindTruncate
	KindRename
	KindDetach
	KindGetManifest
	KindPutBlock
	KindGetBlock
	KindDeleteBlock
	KindPutChunks
)

// ChunkKind distinguishes a content block from the manifest chunk in a
// PUTCHUNKS descriptor list (spec §4.6 step 4).
type ChunkKind int32

const (
	ChunkBlock ChunkKind = iota
	ChunkManifest
)

// ChunkDescriptor is one entry of a PUTCHUNKS control-plane message: it
// names a byte range of the accompanying data-plane blob and the
// identity that range represents. Hash is a plain [32]byte rather than
// manifest.Hash so this leaf package never imports internal/manifest.
type ChunkDescriptor struct {
	ID      int64
	Version int64
	Hash    [32]byte
	Offset  int64
	Size    int64
	Type    ChunkKind
}

// EncodeChunks gob-encodes a PUTCHUNKS descriptor list for Request.Payload.
func EncodeChunks(chunks []ChunkDescriptor) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(chunks); err != nil {
		return nil, fmt.Errorf("wire: encode chunk descriptors: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeChunks reverses EncodeChunks.
func DecodeChunks(data []byte) ([]ChunkDescriptor, error) {
	var chunks []ChunkDescriptor
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&chunks); err != nil {
		return nil, fmt.Errorf("wire: decode chunk descriptors: %w", err)
	}
	return chunks, nil
}

// Request is the signed control-plane message of spec §6: every field
// that affects routing or authorization travels in the clear so a
// receiver can validate the signature before trusting any of it.
type Request struct {
	Kind          Kind
	SenderID      int64 // gateway id the receiver looks up a verifying key for
	VolumeID      int64
	FileID        int64
	FileVersion   int64
	CoordinatorID int64
	BlockID       int64
	BlockVersion  int64
	Nonce         string
	Payload       []byte // opaque, e.g. a gob-encoded sub-message

	// Signature is computed over every field above with Signature
	// itself zeroed, using the sender's ed25519 private key.
	Signature []byte
}

// Reply is the control-plane response envelope.
type Reply struct {
	OK      bool
	ErrKind int
	ErrMsg  string
	Payload []byte
}

// signingBytes returns the deterministic encoding of req used both to
// sign and to verify, with Signature excluded.
func signingBytes(req Request) ([]byte, error) {
	req.Signature = nil
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(req); err != nil {
		return nil, fmt.Errorf("wire: encode for signing: %w", err)
	}
	return buf.Bytes(), nil
}

// Sign computes req.Signature in place using priv.
func Sign(req *Request, priv ed25519.PrivateKey) error {
	b, err := signingBytes(*req)
	if err != nil {
		return err
	}
	req.Signature = ed25519.Sign(priv, b)
	return nil
}

// Verify checks req.Signature against pub.
func Verify(req Request, pub ed25519.PublicKey) bool {
	sig := req.Signature
	b, err := signingBytes(req)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, b, sig)
}

// WriteRequest length-prefixes and gob-encodes req onto w — the
// control-plane half of the two-part exchange in spec §6.
func WriteRequest(w io.Writer, req Request) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(req); err != nil {
		return fmt.Errorf("wire: encode request: %w", err)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// ReadRequest reads a length-prefixed gob-encoded Request from r.
func ReadRequest(r io.Reader) (Request, error) {
	var req Request
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return req, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return req, err
	}
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		return req, fmt.Errorf("wire: decode request: %w", err)
	}
	return req, nil
}

// WriteReply and ReadReply mirror WriteRequest/ReadRequest for Reply.
func WriteReply(w io.Writer, rep Reply) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rep); err != nil {
		return fmt.Errorf("wire: encode reply: %w", err)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func ReadReply(r io.Reader) (Reply, error) {
	var rep Reply
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return rep, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return rep, err
	}
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&rep); err != nil {
		return rep, fmt.Errorf("wire: decode reply: %w", err)
	}
	return rep, nil
}
