package gateway

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/gob"
	"net"
	"sync"
	"time"

	"github.com/syndicate-project/ug/internal/manifest"
	"github.com/syndicate-project/ug/internal/msclient"
	"github.com/syndicate-project/ug/internal/rgclient"
	"github.com/syndicate-project/ug/internal/ugerr"
	"github.com/syndicate-project/ug/internal/wire"
	"github.com/syndicate-project/ug/internal/writepath"
)

// peerPool resolves and caches RG/peer clients by gateway id, dialing
// lazily the first time a given id is addressed and reusing the
// client thereafter (spec §6 treats every RG/UG peer connection as
// cheap-but-reusable, same as internal/rgclient.Client's one-dial-
// per-call design underneath it).
type peerPool struct {
	ms      msclient.Client
	priv    ed25519.PrivateKey
	timeout time.Duration

	mu sync.Mutex
	rg map[int64]*rgclient.Client
}

func newPeerPool(ms msclient.Client, priv ed25519.PrivateKey, timeout time.Duration) *peerPool {
	return &peerPool{ms: ms, priv: priv, timeout: timeout, rg: make(map[int64]*rgclient.Client)}
}

// rgClient returns the cached *rgclient.Client for id, resolving its
// dial address via the MS on first use.
func (p *peerPool) rgClient(ctx context.Context, id int64) (*rgclient.Client, error) {
	p.mu.Lock()
	if c, ok := p.rg[id]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	addr, err := p.ms.GetGatewayAddr(ctx, id)
	if err != nil {
		return nil, err
	}
	c := rgclient.New(addr, p.priv, p.timeout)

	p.mu.Lock()
	p.rg[id] = c
	p.mu.Unlock()
	return c, nil
}

// sendControl dials the gateway at coordID, sends a signed req, and
// returns the parsed reply — the shared transport for every delegated
// inter-UG control call (spec §6).
func (p *peerPool) sendControl(ctx context.Context, coordID int64, req wire.Request) (wire.Reply, error) {
	addr, err := p.ms.GetGatewayAddr(ctx, coordID)
	if err != nil {
		return wire.Reply{}, err
	}
	if err := wire.Sign(&req, p.priv); err != nil {
		return wire.Reply{}, ugerr.Wrap(ugerr.RemoteIO, "sign peer request", err)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return wire.Reply{}, ugerr.Wrap(ugerr.RemoteIO, "dial peer gateway", err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	} else {
		conn.SetDeadline(time.Now().Add(p.timeout))
	}

	if err := wire.WriteRequest(conn, req); err != nil {
		return wire.Reply{}, ugerr.Wrap(ugerr.RemoteIO, "send peer request", err)
	}
	rep, err := wire.ReadReply(conn)
	if err != nil {
		return wire.Reply{}, ugerr.Wrap(ugerr.RemoteIO, "read peer reply", err)
	}
	if !rep.OK {
		return wire.Reply{}, ugerr.New(ugerr.Kind(rep.ErrKind), rep.ErrMsg)
	}
	return rep, nil
}

// Dispatcher is the coordinator-side listener for inter-UG peer
// requests (spec §6): it verifies each inbound signed envelope against
// the sender's MS-resolved public key, then routes by Kind into the
// owning Gateway's engines.
type Dispatcher struct {
	g  *Gateway
	mu sync.Mutex
	ln net.Listener
}

func newDispatcher(g *Gateway) *Dispatcher {
	return &Dispatcher{g: g}
}

// Listen starts accepting connections on addr in the background.
func (d *Dispatcher) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return ugerr.Wrap(ugerr.RemoteIO, "gateway: listen for peer requests", err)
	}
	d.mu.Lock()
	d.ln = ln
	d.mu.Unlock()

	go d.acceptLoop(ln)
	return nil
}

// Close stops accepting new connections.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln == nil {
		return nil
	}
	err := d.ln.Close()
	d.ln = nil
	return err
}

func (d *Dispatcher) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go d.handle(conn)
	}
}

func (d *Dispatcher) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	req, err := wire.ReadRequest(conn)
	if err != nil {
		return
	}

	ctx := context.Background()
	pub, err := d.g.MS.GetGatewayPubKey(ctx, req.SenderID)
	if err != nil {
		writeErrReply(conn, ugerr.RemoteIO, "dispatch: resolve sender pubkey")
		return
	}
	if !wire.Verify(req, pub) {
		writeErrReply(conn, ugerr.Forbidden, "dispatch: signature verification failed")
		return
	}

	switch req.Kind {
	case wire.KindWrite:
		d.handleWrite(ctx, conn, req)
	default:
		writeErrReply(conn, ugerr.Forbidden, "dispatch: unsupported peer request kind")
	}
}

func (d *Dispatcher) handleWrite(ctx context.Context, conn net.Conn, req wire.Request) {
	env, err := decodeEnvelope(req.Payload)
	if err != nil {
		writeErrReply(conn, ugerr.RemoteIO, "dispatch: decode write envelope")
		return
	}

	n, ok := d.g.Store.Get(req.FileID)
	if !ok {
		writeErrReply(conn, ugerr.NotFound, "dispatch: unknown file id")
		return
	}

	var entry msclient.Entry
	switch env.Op {
	case opBlockWrite:
		wp, decErr := decodeWritePayload(env.Body)
		if decErr != nil {
			writeErrReply(conn, ugerr.RemoteIO, "dispatch: decode write payload")
			return
		}
		end := wp.Offset
		for _, b := range wp.Touched {
			end += int64(len(b.Plain))
		}
		if applyErr := d.g.Write.ApplyRemoteWrite(ctx, n, wp.touchedBlocks(), end); applyErr != nil {
			writeErrReply(conn, ugerr.KindOf(applyErr), applyErr.Error())
			return
		}
		n.RLock()
		entry = msclient.Entry{
			FileID: n.FileID, VolumeID: n.VolumeID, Name: n.Name,
			FileVersion: n.FileVersion, CoordinatorID: n.CoordinatorID,
			ManifestMTime: n.ManifestMTime, Size: n.Size, XattrHash: n.MSXattrHash,
		}
		n.RUnlock()

	case opReplicateUpdate:
		rp, decErr := decodeReplicatePayload(env.Body)
		if decErr != nil {
			writeErrReply(conn, ugerr.RemoteIO, "dispatch: decode replicate payload")
			return
		}
		updated, updErr := d.g.MS.Update(ctx, rp.Entry, rp.Delta, rp.XattrHash)
		if updErr != nil {
			writeErrReply(conn, ugerr.KindOf(updErr), updErr.Error())
			return
		}
		entry = updated

	default:
		writeErrReply(conn, ugerr.Forbidden, "dispatch: unknown write envelope op")
		return
	}

	payload, err := encodeEntry(entry)
	if err != nil {
		writeErrReply(conn, ugerr.RemoteIO, "dispatch: encode reply entry")
		return
	}
	wire.WriteReply(conn, wire.Reply{OK: true, Payload: payload})
}

func writeErrReply(conn net.Conn, kind ugerr.Kind, msg string) {
	wire.WriteReply(conn, wire.Reply{OK: false, ErrKind: int(kind), ErrMsg: msg})
}

// --- payload encoding ---
//
// wire.Request.Payload carries a gob-encoded envelope distinguishing
// the two distinct delegated operations that both travel as KindWrite
// requests: a plain block write (writepath.Engine.Delegate) and a
// replication-phase MS metadata update (replication.Engine.Delegate).

type envelopeOp byte

const (
	opBlockWrite envelopeOp = iota
	opReplicateUpdate
)

type envelope struct {
	Op   envelopeOp
	Body []byte
}

func encodeEnvelope(op envelopeOp, body []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(envelope{Op: op, Body: body}); err != nil {
		return nil, ugerr.Wrap(ugerr.RemoteIO, "encode peer envelope", err)
	}
	return buf.Bytes(), nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return envelope{}, ugerr.Wrap(ugerr.RemoteIO, "decode peer envelope", err)
	}
	return env, nil
}

type remoteBlock struct {
	BlockID int64
	Version int64
	Plain   []byte
	Last    bool
}

type writePayload struct {
	Offset  int64
	Touched []remoteBlock
}

func (wp writePayload) touchedBlocks() []writepath.PendingBlock {
	out := make([]writepath.PendingBlock, len(wp.Touched))
	for i, b := range wp.Touched {
		out[i] = writepath.PendingBlock{BlockID: b.BlockID, Version: b.Version, Plain: b.Plain, Last: b.Last}
	}
	return out
}

func encodeWritePayload(offset int64, touched []writepath.PendingBlock) ([]byte, error) {
	wp := writePayload{Offset: offset, Touched: make([]remoteBlock, len(touched))}
	for i, pb := range touched {
		wp.Touched[i] = remoteBlock{BlockID: pb.BlockID, Version: pb.Version, Plain: pb.Plain, Last: pb.Last}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wp); err != nil {
		return nil, ugerr.Wrap(ugerr.RemoteIO, "encode write payload", err)
	}
	return encodeEnvelope(opBlockWrite, buf.Bytes())
}

func decodeWritePayload(body []byte) (writePayload, error) {
	var wp writePayload
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&wp); err != nil {
		return writePayload{}, ugerr.Wrap(ugerr.RemoteIO, "decode write payload", err)
	}
	return wp, nil
}

type replicatePayloadWire struct {
	Entry        msclient.Entry
	DeltaEncoded []byte
	XattrHash    [32]byte
}

type replicatePayload struct {
	Entry     msclient.Entry
	Delta     *manifest.Manifest
	XattrHash [32]byte
}

func encodeReplicatePayload(entry msclient.Entry, delta *manifest.Manifest, xattrHash [32]byte) ([]byte, error) {
	encoded, err := manifest.Encode(delta)
	if err != nil {
		return nil, ugerr.Wrap(ugerr.RemoteIO, "encode replicate delta", err)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(replicatePayloadWire{Entry: entry, DeltaEncoded: encoded, XattrHash: xattrHash}); err != nil {
		return nil, ugerr.Wrap(ugerr.RemoteIO, "encode replicate payload", err)
	}
	return encodeEnvelope(opReplicateUpdate, buf.Bytes())
}

func decodeReplicatePayload(body []byte) (replicatePayload, error) {
	var w replicatePayloadWire
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&w); err != nil {
		return replicatePayload{}, ugerr.Wrap(ugerr.RemoteIO, "decode replicate payload", err)
	}
	delta, err := manifest.Decode(w.DeltaEncoded)
	if err != nil {
		return replicatePayload{}, ugerr.Wrap(ugerr.RemoteIO, "decode replicate delta manifest", err)
	}
	return replicatePayload{Entry: w.Entry, Delta: delta, XattrHash: w.XattrHash}, nil
}

func encodeEntry(entry msclient.Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return nil, ugerr.Wrap(ugerr.RemoteIO, "encode entry", err)
	}
	return buf.Bytes(), nil
}

func decodeEntryReply(rep wire.Reply) (msclient.Entry, error) {
	var entry msclient.Entry
	if err := gob.NewDecoder(bytes.NewReader(rep.Payload)).Decode(&entry); err != nil {
		return msclient.Entry{}, ugerr.Wrap(ugerr.RemoteIO, "decode entry reply", err)
	}
	return entry, nil
}
