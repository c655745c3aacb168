package msclient

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/syndicate-project/ug/internal/manifest"
	"github.com/syndicate-project/ug/internal/transport"
	"github.com/syndicate-project/ug/internal/ugerr"
)

// HTTPClient implements Client by POSTing JSON request bodies to a
// fixed set of MS endpoints, pacing every call through
// internal/transport's rate limiter — the same query(ctx, op, vars,
// result) shape as the teacher's api.Client.query, minus GraphQL.
type HTTPClient struct {
	t *transport.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds an HTTPClient over an already-configured
// transport.Client pointed at the MS's base URL.
func NewHTTPClient(t *transport.Client) *HTTPClient {
	return &HTTPClient{t: t}
}

func (c *HTTPClient) call(ctx context.Context, path string, req, result any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return ugerr.Wrap(ugerr.RemoteIO, fmt.Sprintf("marshal %s request", path), err)
	}
	raw, err := c.t.Do(ctx, "POST", path, body)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return ugerr.Wrap(ugerr.RemoteIO, fmt.Sprintf("unmarshal %s response", path), err)
	}
	return nil
}

func (c *HTTPClient) GetAttr(ctx context.Context, path string) (Entry, AttrStatus, error) {
	var resp struct {
		Entry  Entry
		Status AttrStatus
	}
	if err := c.call(ctx, "/ms/getattr", map[string]string{"path": path}, &resp); err != nil {
		return Entry{}, 0, err
	}
	return resp.Entry, resp.Status, nil
}

func (c *HTTPClient) GetAttrMulti(ctx context.Context, paths []string) ([]AttrResult, error) {
	var resp struct{ Results []AttrResult }
	if err := c.call(ctx, "/ms/getattr_multi", map[string][]string{"paths": paths}, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (c *HTTPClient) PathDownload(ctx context.Context, names []string) ([]Entry, error) {
	var resp struct{ Entries []Entry }
	if err := c.call(ctx, "/ms/path_download", map[string][]string{"names": names}, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (c *HTTPClient) ListDir(ctx context.Context, fileID, numChildren, capacity int64) ([]Entry, error) {
	req := map[string]int64{"file_id": fileID, "num_children": numChildren, "capacity": capacity}
	var resp struct{ Entries []Entry }
	if err := c.call(ctx, "/ms/listdir", req, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (c *HTTPClient) DiffDir(ctx context.Context, fileID, numChildren, leastUnknownGeneration int64) ([]Entry, error) {
	req := map[string]int64{"file_id": fileID, "num_children": numChildren, "least_unknown_generation": leastUnknownGeneration}
	var resp struct{ Entries []Entry }
	if err := c.call(ctx, "/ms/diffdir", req, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (c *HTTPClient) Create(ctx context.Context, parentID int64, name string, mode uint32) (Entry, error) {
	req := map[string]any{"parent_id": parentID, "name": name, "mode": mode}
	var resp struct{ Entry Entry }
	if err := c.call(ctx, "/ms/create", req, &resp); err != nil {
		return Entry{}, err
	}
	return resp.Entry, nil
}

func (c *HTTPClient) Mkdir(ctx context.Context, parentID int64, name string, mode uint32) (Entry, error) {
	req := map[string]any{"parent_id": parentID, "name": name, "mode": mode}
	var resp struct{ Entry Entry }
	if err := c.call(ctx, "/ms/mkdir", req, &resp); err != nil {
		return Entry{}, err
	}
	return resp.Entry, nil
}

func (c *HTTPClient) Update(ctx context.Context, entry Entry, delta *manifest.Manifest, xattrHash [32]byte) (Entry, error) {
	req := map[string]any{"entry": entry, "delta": delta, "xattr_hash": xattrHash}
	var resp struct{ Entry Entry }
	if err := c.call(ctx, "/ms/update", req, &resp); err != nil {
		return Entry{}, err
	}
	return resp.Entry, nil
}

func (c *HTTPClient) Delete(ctx context.Context, fileID int64) error {
	return c.call(ctx, "/ms/delete", map[string]int64{"file_id": fileID}, nil)
}

func (c *HTTPClient) Rename(ctx context.Context, oldPath, newPath string) error {
	req := map[string]string{"old_path": oldPath, "new_path": newPath}
	return c.call(ctx, "/ms/rename", req, nil)
}

func (c *HTTPClient) Coordinate(ctx context.Context, entry Entry, xattrHash [32]byte) (Entry, error) {
	req := map[string]any{"entry": entry, "xattr_hash": xattrHash}
	var resp struct{ Entry Entry }
	if err := c.call(ctx, "/ms/coordinate", req, &resp); err != nil {
		return Entry{}, err
	}
	return resp.Entry, nil
}

func (c *HTTPClient) AppendVacuumLogEntry(ctx context.Context, entry VacuumLogEntry) error {
	return c.call(ctx, "/ms/vacuum_log/append", entry, nil)
}

func (c *HTTPClient) PeekVacuumLog(ctx context.Context, volumeID, fileID int64) (VacuumLogEntry, bool, error) {
	req := map[string]int64{"volume_id": volumeID, "file_id": fileID}
	var resp struct {
		Entry VacuumLogEntry
		Found bool
	}
	if err := c.call(ctx, "/ms/vacuum_log/peek", req, &resp); err != nil {
		return VacuumLogEntry{}, false, err
	}
	return resp.Entry, resp.Found, nil
}

func (c *HTTPClient) RemoveVacuumLogEntry(ctx context.Context, volumeID, fileID, fileVersion int64, mtime manifest.ModTime) error {
	req := map[string]any{
		"volume_id":    volumeID,
		"file_id":      fileID,
		"file_version": fileVersion,
		"mtime":        mtime,
	}
	return c.call(ctx, "/ms/vacuum_log/remove", req, nil)
}

func (c *HTTPClient) FetchXattrs(ctx context.Context, volumeID, fileID, xattrNonce int64, expectedHash [32]byte) (map[string]string, error) {
	req := map[string]any{
		"volume_id":     volumeID,
		"file_id":       fileID,
		"xattr_nonce":   xattrNonce,
		"expected_hash": expectedHash,
	}
	var resp struct{ Xattrs map[string]string }
	if err := c.call(ctx, "/ms/fetchxattrs", req, &resp); err != nil {
		return nil, err
	}
	return resp.Xattrs, nil
}

func (c *HTTPClient) GetVolumeID(ctx context.Context) (int64, error) {
	var resp struct{ VolumeID int64 }
	if err := c.call(ctx, "/ms/volume_id", struct{}{}, &resp); err != nil {
		return 0, err
	}
	return resp.VolumeID, nil
}

func (c *HTTPClient) GetVolumeBlockSize(ctx context.Context) (int64, error) {
	var resp struct{ BlockSize int64 }
	if err := c.call(ctx, "/ms/volume_blocksize", struct{}{}, &resp); err != nil {
		return 0, err
	}
	return resp.BlockSize, nil
}

func (c *HTTPClient) GetGatewayType(ctx context.Context, id int64) (string, error) {
	var resp struct{ Type string }
	if err := c.call(ctx, "/ms/gateway_type", map[string]int64{"id": id}, &resp); err != nil {
		return "", err
	}
	return resp.Type, nil
}

func (c *HTTPClient) GetGatewayCaps(ctx context.Context, id int64) (uint32, error) {
	var resp struct{ Caps uint32 }
	if err := c.call(ctx, "/ms/gateway_caps", map[string]int64{"id": id}, &resp); err != nil {
		return 0, err
	}
	return resp.Caps, nil
}

func (c *HTTPClient) ListReplicaGatewayIDs(ctx context.Context) ([]int64, error) {
	var resp struct{ IDs []int64 }
	if err := c.call(ctx, "/ms/replica_gateway_ids", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

func (c *HTTPClient) GetGatewayAddr(ctx context.Context, id int64) (string, error) {
	var resp struct{ Addr string }
	if err := c.call(ctx, "/ms/gateway_addr", map[string]int64{"id": id}, &resp); err != nil {
		return "", err
	}
	return resp.Addr, nil
}

func (c *HTTPClient) GetGatewayPubKey(ctx context.Context, id int64) (ed25519.PublicKey, error) {
	var resp struct{ PubKey []byte }
	if err := c.call(ctx, "/ms/gateway_pubkey", map[string]int64{"id": id}, &resp); err != nil {
		return nil, err
	}
	return ed25519.PublicKey(resp.PubKey), nil
}
