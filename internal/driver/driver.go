// Package driver defines the pluggable chunk codec boundary spec.md
// calls the "driver plugin loader": the thing that serializes a block
// or manifest for wire transfer and disk storage, and deserializes it
// back. Syndicate itself loads these as .so plugins; here a driver is
// just a Go value satisfying ChunkCodec, selected at Gateway
// construction time.
package driver

// ChunkCodec serializes and deserializes block payloads for both the
// on-disk cache and the RG wire protocol. Implementations must be safe
// for concurrent use.
type ChunkCodec interface {
	// Name identifies the codec for config and logging.
	Name() string
	// Serialize encodes plain block bytes for storage/transfer.
	Serialize(plain []byte) ([]byte, error)
	// Deserialize decodes previously-Serialize'd bytes back to plain
	// block bytes.
	Deserialize(encoded []byte) ([]byte, error)
}
