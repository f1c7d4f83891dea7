// Package fusefs exposes the device hierarchy as a read-only FUSE filesystem.
//
// Folders are directories. Each document is a directory holding one file per
// page, named in display order. Manifests are resolved on first access and
// page bytes are fetched when a page file is opened, then kept in the page
// cache.
package fusefs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/fruitsalade/rmsync/internal/cache"
	"github.com/fruitsalade/rmsync/internal/export"
	"github.com/fruitsalade/rmsync/internal/logging"
	"github.com/fruitsalade/rmsync/internal/xochitl"
	"github.com/fruitsalade/rmsync/pkg/models"
	"github.com/fruitsalade/rmsync/pkg/tree"
)

// FS is the mounted view over one hierarchy snapshot.
type FS struct {
	res    export.Resolver
	cache  *cache.Cache
	forest []*models.Item

	mu   sync.Mutex
	docs map[string]*xochitl.Document
}

// New creates a filesystem over forest. res resolves documents on demand.
func New(res export.Resolver, c *cache.Cache, forest []*models.Item) *FS {
	return &FS{
		res:    res,
		cache:  c,
		forest: forest,
		docs:   make(map[string]*xochitl.Document),
	}
}

// Mount mounts the filesystem at the given path.
func (f *FS) Mount(mountPoint string) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	root := &dirNode{fsys: f, children: f.forest}

	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: false,
			Debug:      false,
			FsName:     "rmsync",
			Name:       "rmsync",
		},
		UID: uint32(os.Getuid()),
		GID: uint32(os.Getgid()),
	}

	server, err := fs.Mount(mountPoint, root, opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	return server, nil
}

// document resolves item once per mount.
func (f *FS) document(ctx context.Context, item *models.Item) (*xochitl.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if doc, ok := f.docs[item.ID]; ok {
		return doc, nil
	}
	doc, err := f.res.Resolve(ctx, item)
	if err != nil {
		return nil, err
	}
	f.docs[item.ID] = doc
	return doc, nil
}

// fetchPage returns the local path of a page, downloading it on a cache miss.
func (f *FS) fetchPage(ctx context.Context, doc *xochitl.Document, pageID string) (string, error) {
	key := tree.CacheKey(doc.ItemID, pageID)
	if path, ok := f.cache.Get(key); ok {
		return path, nil
	}

	data, err := doc.Page(ctx, pageID)
	if err != nil {
		return "", err
	}
	return f.cache.Put(key, bytes.NewReader(data), int64(len(data)))
}

// entry is one name inside a directory node.
type entry struct {
	name   string
	item   *models.Item // set for folders and documents
	doc    *xochitl.Document
	pageID string
}

func (e entry) mode() uint32 {
	if e.item != nil {
		return syscall.S_IFDIR
	}
	return syscall.S_IFREG
}

// dirNode is the root, a folder, or a document.
type dirNode struct {
	fs.Inode

	fsys     *FS
	item     *models.Item // nil for the root
	children []*models.Item
}

var _ fs.InodeEmbedder = (*dirNode)(nil)
var _ fs.NodeGetattrer = (*dirNode)(nil)
var _ fs.NodeLookuper = (*dirNode)(nil)
var _ fs.NodeReaddirer = (*dirNode)(nil)
var _ fs.NodeGetxattrer = (*dirNode)(nil)

func (n *dirNode) entries(ctx context.Context) ([]entry, syscall.Errno) {
	var out []entry

	if n.item != nil && !n.item.IsFolder() {
		doc, err := n.fsys.document(ctx, n.item)
		if err != nil {
			logging.Error("resolve for mount failed", logging.String("item_id", n.item.ID), logging.Err(err))
			return nil, syscall.EIO
		}
		for i, id := range doc.PageIDs {
			out = append(out, entry{name: export.PageFile(i, id), doc: doc, pageID: id})
		}
	}

	names := export.SiblingNames(n.children)
	for _, child := range n.children {
		out = append(out, entry{name: names[child.ID], item: child})
	}
	return out, 0
}

// Getattr returns directory attributes. It never touches the device.
func (n *dirNode) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	out.Mode = 0555 | syscall.S_IFDIR
	if n.item != nil {
		setTimes(&out.Attr, n.item)
	}
	out.Uid = uint32(os.Getuid())
	out.Gid = uint32(os.Getgid())
	return 0
}

// Lookup finds a child by name.
func (n *dirNode) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	entries, errno := n.entries(ctx)
	if errno != 0 {
		return nil, errno
	}

	for _, e := range entries {
		if e.name != name {
			continue
		}
		out.Uid = uint32(os.Getuid())
		out.Gid = uint32(os.Getgid())

		if e.item != nil {
			out.Mode = 0555 | syscall.S_IFDIR
			setTimes(&out.Attr, e.item)
			child := &dirNode{fsys: n.fsys, item: e.item, children: e.item.Children}
			return n.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFDIR}), 0
		}

		out.Mode = 0444 | syscall.S_IFREG
		if n.item != nil {
			setTimes(&out.Attr, n.item)
		}
		if size, ok := n.fsys.cache.Size(tree.CacheKey(e.doc.ItemID, e.pageID)); ok {
			out.Size = uint64(size)
		}
		child := &pageNode{fsys: n.fsys, doc: e.doc, pageID: e.pageID, item: n.item}
		return n.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFREG}), 0
	}
	return nil, syscall.ENOENT
}

// Readdir lists directory contents.
func (n *dirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, errno := n.entries(ctx)
	if errno != 0 {
		return nil, errno
	}

	list := make([]gofuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		list = append(list, gofuse.DirEntry{Name: e.name, Mode: e.mode()})
	}
	return fs.NewListDirStream(list), 0
}

// Getxattr exposes the item ID and kind.
func (n *dirNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	if n.item == nil {
		return 0, syscall.ENODATA
	}
	switch attr {
	case "user.rmsync.id":
		return xattr(n.item.ID, dest)
	case "user.rmsync.kind":
		return xattr(string(n.item.Kind), dest)
	}
	return 0, syscall.ENODATA
}

// pageNode is one page file of a document.
type pageNode struct {
	fs.Inode

	fsys   *FS
	doc    *xochitl.Document
	item   *models.Item
	pageID string
}

var _ fs.NodeGetattrer = (*pageNode)(nil)
var _ fs.NodeOpener = (*pageNode)(nil)
var _ fs.NodeGetxattrer = (*pageNode)(nil)

// Getattr reports the cached size, or zero before the first open.
func (n *pageNode) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	out.Mode = 0444 | syscall.S_IFREG
	if n.item != nil {
		setTimes(&out.Attr, n.item)
	}
	if size, ok := n.fsys.cache.Size(tree.CacheKey(n.doc.ItemID, n.pageID)); ok {
		out.Size = uint64(size)
	}
	out.Uid = uint32(os.Getuid())
	out.Gid = uint32(os.Getgid())
	return 0
}

// Open fetches the page into the cache and opens the cached copy.
func (n *pageNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}

	path, err := n.fsys.fetchPage(ctx, n.doc, n.pageID)
	if err != nil {
		logging.Error("page fetch failed",
			logging.String("item_id", n.doc.ItemID),
			logging.String("page_id", n.pageID),
			logging.Err(err),
		)
		return nil, 0, syscall.EIO
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, syscall.EIO
	}
	return &pageHandle{file: f}, gofuse.FOPEN_DIRECT_IO, 0
}

// Getxattr exposes the page and item IDs.
func (n *pageNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	switch attr {
	case "user.rmsync.id":
		return xattr(n.doc.ItemID, dest)
	case "user.rmsync.page":
		return xattr(n.pageID, dest)
	}
	return 0, syscall.ENODATA
}

// pageHandle reads from an open cache file, so eviction after open is harmless.
type pageHandle struct {
	mu   sync.Mutex
	file *os.File
}

var _ fs.FileReader = (*pageHandle)(nil)
var _ fs.FileReleaser = (*pageHandle)(nil)

func (h *pageHandle) Read(ctx context.Context, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, err := h.file.ReadAt(dest, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, syscall.EIO
	}
	return gofuse.ReadResultData(dest[:n]), 0
}

func (h *pageHandle) Release(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.file.Close()
	return 0
}

func setTimes(attr *gofuse.Attr, item *models.Item) {
	if item.ModTime.IsZero() {
		return
	}
	attr.Mtime = uint64(item.ModTime.Unix())
	attr.Atime = attr.Mtime
	attr.Ctime = attr.Mtime
}

func xattr(value string, dest []byte) (uint32, syscall.Errno) {
	if len(dest) == 0 {
		return uint32(len(value)), 0
	}
	if len(dest) < len(value) {
		return 0, syscall.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), 0
}
