// Package posix is the FUSE front-end: a thin github.com/hanwen/go-fuse/v2
// adapter translating POSIX calls into the gateway's read/write/
// consistency/sync pipeline. It owns no storage or coordination logic
// of its own — every operation resolves an inode.Inode and delegates
// straight into the shared gateway.Gateway.
package posix

import (
	"context"
	"fmt"
	"log"
	"sync"
	"syscall"
	"time"

	fusefs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/syndicate-project/ug/internal/gateway"
	"github.com/syndicate-project/ug/internal/inode"
	"github.com/syndicate-project/ug/internal/msclient"
	"github.com/syndicate-project/ug/internal/ugerr"
)

// FS owns the gateway this mount front-ends.
type FS struct {
	gw    *gateway.Gateway
	debug bool
}

// New creates a FUSE front-end for gw.
func New(gw *gateway.Gateway, debug bool) *FS {
	return &FS{gw: gw, debug: debug}
}

// Mount mounts the filesystem at mountpoint.
func (fsys *FS) Mount(mountpoint string, allowOther bool) (*fuse.Server, error) {
	root := &Node{fsys: fsys}
	opts := &fusefs.Options{
		MountOptions: fuse.MountOptions{
			Name:       "ug",
			FsName:     "ug",
			Debug:      fsys.debug,
			AllowOther: allowOther,
		},
	}

	server, err := fusefs.Mount(mountpoint, root, opts)
	if err != nil {
		return nil, fmt.Errorf("mount failed: %w", err)
	}
	return server, nil
}

// Node is both a directory and a file node; go-fuse only calls the
// subset of interfaces that apply to whatever StableAttr.Mode the
// node was created with.
type Node struct {
	fusefs.Inode

	fsys   *FS
	parent *Node
	name   string

	mu  sync.Mutex
	ino *inode.Inode // resolved lazily, nil until the first call that needs it
}

var (
	_ fusefs.NodeLookuper   = (*Node)(nil)
	_ fusefs.NodeReaddirer  = (*Node)(nil)
	_ fusefs.NodeCreater    = (*Node)(nil)
	_ fusefs.NodeMkdirer    = (*Node)(nil)
	_ fusefs.NodeUnlinker   = (*Node)(nil)
	_ fusefs.NodeRmdirer    = (*Node)(nil)
	_ fusefs.NodeRenamer    = (*Node)(nil)
	_ fusefs.NodeOpener     = (*Node)(nil)
	_ fusefs.NodeReader     = (*Node)(nil)
	_ fusefs.NodeWriter     = (*Node)(nil)
	_ fusefs.NodeFlusher    = (*Node)(nil)
	_ fusefs.NodeFsyncer    = (*Node)(nil)
	_ fusefs.NodeGetattrer  = (*Node)(nil)
	_ fusefs.NodeSetattrer  = (*Node)(nil)
)

// path reconstructs this node's full path by walking its parent
// chain; the root node (parent == nil) is "/".
func (n *Node) path() string {
	if n.parent == nil {
		return "/"
	}
	parent := n.parent.path()
	if parent == "/" {
		return "/" + n.name
	}
	return parent + "/" + n.name
}

// ensureInode resolves and caches this node's inode.Inode record,
// fetching it from the MS on first use.
func (n *Node) ensureInode(ctx context.Context) (*inode.Inode, error) {
	n.mu.Lock()
	cur := n.ino
	n.mu.Unlock()
	if cur != nil {
		return cur, nil
	}

	entry, status, err := n.fsys.gw.MS.GetAttr(ctx, n.path())
	if err != nil {
		return nil, err
	}
	if status == msclient.AttrRemoved || status == msclient.AttrNotFound {
		return nil, ugerr.New(ugerr.NotFound, "path does not exist")
	}

	ni := n.fsys.gw.Store.GetOrCreate(entry.FileID, func() *inode.Inode {
		return newInodeFromEntry(entry)
	})

	n.mu.Lock()
	n.ino = ni
	n.mu.Unlock()
	return ni, nil
}

func newInodeFromEntry(entry msclient.Entry) *inode.Inode {
	typ := inode.TypeFile
	if entry.Type == msclient.EntryDir {
		typ = inode.TypeDir
	}
	ni := inode.New(entry.FileID, entry.VolumeID, entry.Name, typ, entry.ParentID)
	applyEntry(ni, entry)
	return ni
}

func applyEntry(ni *inode.Inode, entry msclient.Entry) {
	ni.FileVersion = entry.FileVersion
	ni.WriteNonce = entry.WriteNonce
	ni.XattrNonce = entry.XattrNonce
	ni.Generation = entry.Generation
	ni.Owner = entry.Owner
	ni.Mode = entry.Mode
	ni.CoordinatorID = entry.CoordinatorID
	ni.CTime = time.Unix(entry.CTimeSec, int64(entry.CTimeNsec))
	ni.MTime = time.Unix(entry.MTimeSec, int64(entry.MTimeNsec))
	ni.ManifestMTime = entry.ManifestMTime
	ni.Size = entry.Size
	ni.MSNumChildren = entry.NumChildren
	ni.MSCapacity = entry.Capacity
}

// Lookup resolves name within this directory.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fusefs.Inode, syscall.Errno) {
	child := &Node{fsys: n.fsys, parent: n, name: name}
	ni, err := child.ensureInode(ctx)
	if err != nil {
		return nil, ugerr.POSIXErrno(err)
	}

	fillEntryOut(ni, out)
	mode := fuse.S_IFREG
	if ni.Type == inode.TypeDir {
		mode = fuse.S_IFDIR
	}
	inodeHandle := n.NewInode(ctx, child, fusefs.StableAttr{Mode: uint32(mode), Ino: uint64(ni.FileID)})
	return inodeHandle, fusefs.OK
}

// Readdir lists the directory's children via the MS.
func (n *Node) Readdir(ctx context.Context) (fusefs.DirStream, syscall.Errno) {
	ni, err := n.ensureInode(ctx)
	if err != nil {
		return nil, ugerr.POSIXErrno(err)
	}

	ni.RLock()
	fileID, numChildren, capacity := ni.FileID, ni.MSNumChildren, ni.MSCapacity
	ni.RUnlock()

	entries, err := n.fsys.gw.MS.ListDir(ctx, fileID, numChildren, capacity)
	if err != nil {
		return nil, ugerr.POSIXErrno(err)
	}

	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(fuse.S_IFREG)
		if e.Type == msclient.EntryDir {
			mode = fuse.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: e.Name, Mode: mode, Ino: uint64(e.FileID)})
	}
	return fusefs.NewListDirStream(out), fusefs.OK
}

// Create makes a new regular file.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fusefs.Inode, fusefs.FileHandle, uint32, syscall.Errno) {
	ni, err := n.ensureInode(ctx)
	if err != nil {
		return nil, nil, 0, ugerr.POSIXErrno(err)
	}

	entry, err := n.fsys.gw.MS.Create(ctx, ni.FileID, name, mode)
	if err != nil {
		return nil, nil, 0, ugerr.POSIXErrno(err)
	}

	childIno := n.fsys.gw.Store.GetOrCreate(entry.FileID, func() *inode.Inode {
		return newInodeFromEntry(entry)
	})
	child := &Node{fsys: n.fsys, parent: n, name: name, ino: childIno}
	fillEntryOut(childIno, out)
	inodeHandle := n.NewInode(ctx, child, fusefs.StableAttr{Mode: fuse.S_IFREG, Ino: uint64(entry.FileID)})
	return inodeHandle, nil, fuse.FOPEN_DIRECT_IO, fusefs.OK
}

// Mkdir makes a new subdirectory.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fusefs.Inode, syscall.Errno) {
	ni, err := n.ensureInode(ctx)
	if err != nil {
		return nil, ugerr.POSIXErrno(err)
	}

	entry, err := n.fsys.gw.MS.Mkdir(ctx, ni.FileID, name, mode)
	if err != nil {
		return nil, ugerr.POSIXErrno(err)
	}

	childIno := n.fsys.gw.Store.GetOrCreate(entry.FileID, func() *inode.Inode {
		return newInodeFromEntry(entry)
	})
	child := &Node{fsys: n.fsys, parent: n, name: name, ino: childIno}
	fillEntryOut(childIno, out)
	inodeHandle := n.NewInode(ctx, child, fusefs.StableAttr{Mode: fuse.S_IFDIR, Ino: uint64(entry.FileID)})
	return inodeHandle, fusefs.OK
}

// Unlink removes a file's directory entry.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	child := n.GetChild(name)
	if child == nil {
		return syscall.ENOENT
	}
	cn, ok := child.Operations().(*Node)
	if !ok {
		return syscall.EIO
	}
	ni, err := cn.ensureInode(ctx)
	if err != nil {
		return ugerr.POSIXErrno(err)
	}
	if err := n.fsys.gw.MS.Delete(ctx, ni.FileID); err != nil {
		return ugerr.POSIXErrno(err)
	}
	return fusefs.OK
}

// Rmdir removes an empty subdirectory.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.Unlink(ctx, name)
}

// Rename moves name to newName under newParent.
func (n *Node) Rename(ctx context.Context, name string, newParent fusefs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	np, ok := newParent.(*Node)
	if !ok {
		return syscall.EINVAL
	}
	oldPath := joinPath(n.path(), name)
	newPath := joinPath(np.path(), newName)

	if err := n.fsys.gw.MS.Rename(ctx, oldPath, newPath); err != nil {
		return ugerr.POSIXErrno(err)
	}

	if child := n.GetChild(name); child != nil {
		if cn, ok := child.Operations().(*Node); ok {
			cn.mu.Lock()
			cn.parent = np
			cn.name = newName
			cn.mu.Unlock()
		}
	}
	return fusefs.OK
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// Open is a no-op: every read and write goes straight through the
// gateway's cache/remote pipeline, so there is no per-handle state to
// allocate (spec.md's block cache already serves that role).
func (n *Node) Open(ctx context.Context, flags uint32) (fusefs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_DIRECT_IO, fusefs.OK
}

// Read satisfies a read via the gateway's read pipeline.
func (n *Node) Read(ctx context.Context, f fusefs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	ni, err := n.ensureInode(ctx)
	if err != nil {
		return nil, ugerr.POSIXErrno(err)
	}
	got, err := n.fsys.gw.Read.Read(ctx, n.path(), ni, dest, off)
	if err != nil {
		return nil, ugerr.POSIXErrno(err)
	}
	return fuse.ReadResultData(dest[:got]), fusefs.OK
}

// Write satisfies a write via the gateway's write pipeline.
func (n *Node) Write(ctx context.Context, f fusefs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	ni, err := n.ensureInode(ctx)
	if err != nil {
		return 0, ugerr.POSIXErrno(err)
	}
	written, err := n.fsys.gw.Write.Write(ctx, n.path(), ni, data, off)
	if err != nil {
		return 0, ugerr.POSIXErrno(err)
	}
	return uint32(written), fusefs.OK
}

// Flush fsyncs on close, per spec.md §4.6's close-implies-fsync rule.
func (n *Node) Flush(ctx context.Context, f fusefs.FileHandle) syscall.Errno {
	ni, err := n.ensureInode(ctx)
	if err != nil {
		return ugerr.POSIXErrno(err)
	}
	if err := n.fsys.gw.Sync.Fsync(ctx, n.path(), ni); err != nil {
		if n.fsys.debug {
			log.Printf("flush fsync %s: %v", n.path(), err)
		}
		return ugerr.POSIXErrno(err)
	}
	return fusefs.OK
}

// Fsync handles an explicit fsync(2) the same way Flush does.
func (n *Node) Fsync(ctx context.Context, f fusefs.FileHandle, flags uint32) syscall.Errno {
	return n.Flush(ctx, f)
}

// Getattr fills out from the resolved inode's cached attributes.
func (n *Node) Getattr(ctx context.Context, f fusefs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	ni, err := n.ensureInode(ctx)
	if err != nil {
		return ugerr.POSIXErrno(err)
	}
	fillAttrOut(ni, out)
	return fusefs.OK
}

// Setattr handles truncate (the only attribute change the gateway
// coordinates); other attribute changes are accepted but not
// propagated, since ownership/mode live on the MS record the POSIX
// layer does not yet mutate directly.
func (n *Node) Setattr(ctx context.Context, f fusefs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	ni, err := n.ensureInode(ctx)
	if err != nil {
		return ugerr.POSIXErrno(err)
	}

	if size, ok := in.GetSize(); ok {
		if err := n.fsys.gw.Truncate(ctx, n.path(), ni, int64(size)); err != nil {
			return ugerr.POSIXErrno(err)
		}
	}

	fillAttrOut(ni, out)
	return fusefs.OK
}

func fillAttrOut(ni *inode.Inode, out *fuse.AttrOut) {
	ni.RLock()
	defer ni.RUnlock()
	out.Mode = ni.Mode
	if ni.Type == inode.TypeDir {
		out.Mode |= fuse.S_IFDIR
	} else {
		out.Mode |= fuse.S_IFREG
	}
	out.Size = uint64(ni.Size)
	out.Mtime = uint64(ni.MTime.Unix())
	out.Ctime = uint64(ni.CTime.Unix())
	out.Atime = uint64(time.Now().Unix())
}

func fillEntryOut(ni *inode.Inode, out *fuse.EntryOut) {
	ni.RLock()
	defer ni.RUnlock()
	out.Attr.Mode = ni.Mode
	if ni.Type == inode.TypeDir {
		out.Attr.Mode |= fuse.S_IFDIR
	} else {
		out.Attr.Mode |= fuse.S_IFREG
	}
	out.Attr.Size = uint64(ni.Size)
	out.Attr.Mtime = uint64(ni.MTime.Unix())
	out.Attr.Ctime = uint64(ni.CTime.Unix())
}
