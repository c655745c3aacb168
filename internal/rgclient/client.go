package rgclient

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/syndicate-project/ug/internal/ugerr"
	"github.com/syndicate-project/ug/internal/wire"
)

// Client talks the RG wire protocol of spec §6 over a single TCP
// connection per call (RGs are assumed cheap to dial; the teacher's
// HTTP client likewise dials per request rather than pooling a
// persistent stream).
type Client struct {
	addr    string
	priv    ed25519.PrivateKey
	dialer  net.Dialer
	timeout time.Duration
}

// New creates a Client for the RG at addr, signing every request with
// priv.
func New(addr string, priv ed25519.PrivateKey, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{addr: addr, priv: priv, timeout: timeout}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, ugerr.Wrap(ugerr.RemoteIO, "dial RG", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	} else {
		conn.SetDeadline(time.Now().Add(c.timeout))
	}
	return conn, nil
}

// PutBlock uploads data (already serialized by the configured driver)
// for the given request, following the control-envelope-then-raw-
// stream exchange.
func (c *Client) PutBlock(ctx context.Context, req wire.Request, data []byte) error {
	req.Kind = wire.KindPutBlock
	if err := wire.Sign(&req, c.priv); err != nil {
		return ugerr.Wrap(ugerr.RemoteIO, "sign put-block request", err)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := wire.WriteRequest(conn, req); err != nil {
		return ugerr.Wrap(ugerr.RemoteIO, "send put-block request", err)
	}
	if err := writeDataPlane(conn, data); err != nil {
		return ugerr.Wrap(ugerr.RemoteIO, "send put-block data", err)
	}

	rep, err := wire.ReadReply(conn)
	if err != nil {
		return ugerr.Wrap(ugerr.RemoteIO, "read put-block reply", err)
	}
	return replyToErr(rep)
}

// GetBlock downloads one block's still-encoded bytes from the RG.
func (c *Client) GetBlock(ctx context.Context, req wire.Request) ([]byte, error) {
	req.Kind = wire.KindGetBlock
	return c.getDataPlane(ctx, req, "get-block")
}

// GetManifest downloads the coordinator or replica's current
// driver-encoded manifest for a file, for internal/consistency's
// ManifestEnsureFresh download-set rule (spec §4.3/§6).
func (c *Client) GetManifest(ctx context.Context, req wire.Request) ([]byte, error) {
	req.Kind = wire.KindGetManifest
	return c.getDataPlane(ctx, req, "get-manifest")
}

func (c *Client) getDataPlane(ctx context.Context, req wire.Request, op string) ([]byte, error) {
	if err := wire.Sign(&req, c.priv); err != nil {
		return nil, ugerr.Wrap(ugerr.RemoteIO, "sign "+op+" request", err)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := wire.WriteRequest(conn, req); err != nil {
		return nil, ugerr.Wrap(ugerr.RemoteIO, "send "+op+" request", err)
	}

	rep, err := wire.ReadReply(conn)
	if err != nil {
		return nil, ugerr.Wrap(ugerr.RemoteIO, "read "+op+" reply", err)
	}
	if err := replyToErr(rep); err != nil {
		return nil, err
	}
	data, err := readDataPlane(conn)
	if err != nil {
		return nil, ugerr.Wrap(ugerr.RemoteIO, "read "+op+" data", err)
	}
	return data, nil
}

// PutChunks uploads the data-plane blob staged (already concatenated
// manifest chunk, if any, followed by every serialized block, per spec
// §4.6 step 5) alongside the chunk descriptor list naming each chunk's
// offset within it.
func (c *Client) PutChunks(ctx context.Context, req wire.Request, chunks []wire.ChunkDescriptor, staged *StagedData) error {
	payload, err := wire.EncodeChunks(chunks)
	if err != nil {
		return ugerr.Wrap(ugerr.RemoteIO, "encode chunk descriptors", err)
	}
	req.Kind = wire.KindPutChunks
	req.Payload = payload
	if err := wire.Sign(&req, c.priv); err != nil {
		return ugerr.Wrap(ugerr.RemoteIO, "sign put-chunks request", err)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := wire.WriteRequest(conn, req); err != nil {
		return ugerr.Wrap(ugerr.RemoteIO, "send put-chunks request", err)
	}
	if err := writeDataPlane(conn, staged.Bytes()); err != nil {
		return ugerr.Wrap(ugerr.RemoteIO, "send put-chunks data", err)
	}

	rep, err := wire.ReadReply(conn)
	if err != nil {
		return ugerr.Wrap(ugerr.RemoteIO, "read put-chunks reply", err)
	}
	return replyToErr(rep)
}

// DeleteBlock issues a vacuum-time block delete against the RG.
func (c *Client) DeleteBlock(ctx context.Context, req wire.Request) error {
	req.Kind = wire.KindDeleteBlock
	if err := wire.Sign(&req, c.priv); err != nil {
		return ugerr.Wrap(ugerr.RemoteIO, "sign delete-block request", err)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := wire.WriteRequest(conn, req); err != nil {
		return ugerr.Wrap(ugerr.RemoteIO, "send delete-block request", err)
	}
	rep, err := wire.ReadReply(conn)
	if err != nil {
		return ugerr.Wrap(ugerr.RemoteIO, "read delete-block reply", err)
	}
	return replyToErr(rep)
}

func writeDataPlane(w io.Writer, data []byte) error {
	var lenPrefix [8]byte
	binary.BigEndian.PutUint64(lenPrefix[:], uint64(len(data)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readDataPlane(r io.Reader) ([]byte, error) {
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

func replyToErr(rep wire.Reply) error {
	if rep.OK {
		return nil
	}
	return ugerr.New(ugerr.Kind(rep.ErrKind), rep.ErrMsg)
}
