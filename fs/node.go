package fs

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog/log"

	"github.com/jstaf/gdrivefs/drive"
)

// Node is the fs.InodeEmbedder wired into the kernel's inode table. It
// holds no state of its own beyond which FileManager entry it stands for:
// every upcall is translated into a FileManager call, since FileManager
// (not the kernel-facing Node tree) is the single source of truth for the
// local file tree.
type Node struct {
	fs.Inode

	manager   *FileManager
	self      Inode
	readOnly  bool
	skipTrash bool
	statfs    *statfsCache
}

var _ fs.InodeEmbedder = (*Node)(nil)
var _ fs.NodeLookuper = (*Node)(nil)
var _ fs.NodeGetattrer = (*Node)(nil)
var _ fs.NodeSetattrer = (*Node)(nil)
var _ fs.NodeReaddirer = (*Node)(nil)
var _ fs.NodeReader = (*Node)(nil)
var _ fs.NodeWriter = (*Node)(nil)
var _ fs.NodeFlusher = (*Node)(nil)
var _ fs.NodeCreater = (*Node)(nil)
var _ fs.NodeMkdirer = (*Node)(nil)
var _ fs.NodeUnlinker = (*Node)(nil)
var _ fs.NodeRmdirer = (*Node)(nil)
var _ fs.NodeRenamer = (*Node)(nil)
var _ fs.NodeStatfser = (*Node)(nil)

// NewRoot builds the root Node of the mount tree. statfsCacheTTL bounds how
// often Statfs actually calls the facade; the cache itself is allocated once
// here and shared by every Node descending from this root, so the whole
// mount has exactly one view of remote usage/capacity.
func NewRoot(manager *FileManager, readOnly, skipTrash bool, statfsCacheTTL time.Duration) *Node {
	return &Node{
		manager:   manager,
		self:      RootInode,
		readOnly:  readOnly,
		skipTrash: skipTrash,
		statfs:    &statfsCache{ttl: statfsCacheTTL},
	}
}

func (n *Node) child(inode Inode) *fs.Inode {
	stable := fs.StableAttr{Ino: uint64(inode)}
	if f, ok := n.manager.Get(inode); ok && f.IsDir() {
		stable.Mode = fuse.S_IFDIR
	} else {
		stable.Mode = fuse.S_IFREG
	}
	child := &Node{manager: n.manager, self: inode, readOnly: n.readOnly, skipTrash: n.skipTrash, statfs: n.statfs}
	return n.NewInode(context.Background(), child, stable)
}

func fillAttr(out *fuse.Attr, f *File) {
	out.Size = f.Attr.Size
	out.Blocks = f.Attr.Blocks
	out.Mtime = uint64(f.Attr.Mtime.Unix())
	out.Atime = uint64(f.Attr.Atime.Unix())
	out.Ctime = uint64(f.Attr.Ctime.Unix())
	out.Nlink = f.Attr.Nlink
	out.Owner = fuse.Owner{Uid: uint32(os.Getuid()), Gid: uint32(os.Getgid())}
	mode := f.Attr.Mode
	if f.IsDir() {
		out.Mode = fuse.S_IFDIR | mode
	} else {
		out.Mode = fuse.S_IFREG | mode
	}
}

// errnoFor translates a FileManager/DriveFacade failure into the errno the
// kernel upcall contract expects. Failures FileManager doesn't explicitly
// classify, such as a bare DriveFacade error, default to KindRemote.
func errnoFor(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	return kindOf(err).errno()
}

func (n *Node) syncIfDue() {
	if n.manager.ShouldSync() {
		if err := n.manager.Sync(); err != nil {
			if drive.IsOffline(err) {
				log.Debug().Err(err).Msg("Reconciliation skipped: no network route to the remote account.")
			} else {
				log.Warn().Err(err).Msg("Periodic reconciliation failed; serving stale tree.")
			}
		}
	}
}

// Lookup resolves a single child by name.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	f, ok := n.manager.Lookup(n.self, name)
	if !ok {
		return nil, syscall.ENOENT
	}
	fillAttr(&out.Attr, f)
	return n.child(f.Inode), 0
}

// Getattr returns the current attributes of this node.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	f, ok := n.manager.Get(n.self)
	if !ok {
		return syscall.ENOENT
	}
	fillAttr(&out.Attr, f)
	return 0
}

// Setattr handles truncate/utimens/chmod requests. Size changes are
// reflected locally only; content is not eagerly fetched here.
func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if n.readOnly {
		return syscall.EROFS
	}
	f, ok := n.manager.Get(n.self)
	if !ok {
		return syscall.ENOENT
	}
	if size, valid := in.GetSize(); valid {
		f.Attr.Size = size
		f.Attr.Blocks = (size + 511) / 512
	}
	if mtime, valid := in.GetMTime(); valid {
		f.Attr.Mtime = mtime
	}
	if mode, valid := in.GetMode(); valid {
		f.Attr.Mode = mode & 0777
	}
	fillAttr(&out.Attr, f)
	return 0
}

// dirStreamEntry satisfies fs.DirStream by wrapping a precomputed slice.
type dirStreamEntry struct {
	entries []fuse.DirEntry
	pos     int
}

func (d *dirStreamEntry) HasNext() bool { return d.pos < len(d.entries) }
func (d *dirStreamEntry) Next() (fuse.DirEntry, syscall.Errno) {
	e := d.entries[d.pos]
	d.pos++
	return e, 0
}
func (d *dirStreamEntry) Close() {}

// Readdir lists the directory's children. Reconciliation against the
// remote changes feed runs here, synchronously, if due: readdir is the one
// upcall guaranteed to be issued periodically by any client that lists a
// directory it is watching, which makes it the natural place to piggyback
// sync() without a background goroutine.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	n.syncIfDue()

	kids := n.manager.Children(n.self)
	entries := make([]fuse.DirEntry, 0, len(kids))
	for _, k := range kids {
		mode := uint32(fuse.S_IFREG)
		if k.IsDir() {
			mode = fuse.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: k.EntryName(), Mode: mode, Ino: uint64(k.Inode)})
	}
	return &dirStreamEntry{entries: entries}, 0
}

// Read serves file content through the facade's cache.
func (n *Node) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, ok := n.manager.Read(n.self, off, int64(len(dest)))
	if !ok {
		// a failed fetch is answered with an empty read, not an error
		return fuse.ReadResultData(nil), 0
	}
	return fuse.ReadResultData(data), 0
}

// Write buffers a write locally; nothing reaches the remote until Flush.
func (n *Node) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	if n.readOnly {
		return 0, syscall.EROFS
	}
	if err := n.manager.Write(n.self, off, data); err != nil {
		return 0, errnoFor(err)
	}
	return uint32(len(data)), 0
}

// Flush uploads any writes buffered since the last flush.
func (n *Node) Flush(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	if n.readOnly {
		return 0
	}
	if err := n.manager.Flush(n.self); err != nil {
		log.Error().Err(err).Uint64("inode", uint64(n.self)).Msg("Flush failed; changes remain queued.")
		return errnoFor(err)
	}
	return 0
}

// Create makes a new, empty regular file.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if n.readOnly {
		return nil, nil, 0, syscall.EROFS
	}
	f, err := n.manager.CreateFile(n.self, name, false)
	if err != nil {
		return nil, nil, 0, errnoFor(err)
	}
	fillAttr(&out.Attr, f)
	return n.child(f.Inode), nil, 0, 0
}

// Mkdir makes a new, empty directory.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.readOnly {
		return nil, syscall.EROFS
	}
	f, err := n.manager.CreateFile(n.self, name, true)
	if err != nil {
		return nil, errnoFor(err)
	}
	fillAttr(&out.Attr, f)
	return n.child(f.Inode), 0
}

// Unlink removes a file. If it is already trashed, or skip_trash is set,
// it is deleted permanently; otherwise it is moved to Trash.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	if n.readOnly {
		return syscall.EROFS
	}
	f, ok := n.manager.Lookup(n.self, name)
	if !ok {
		return syscall.ENOENT
	}
	if f.IsTrashed() || n.skipTrash {
		if err := n.manager.Delete(f.Inode); err != nil {
			return errnoFor(err)
		}
		return 0
	}
	if err := n.manager.MoveToTrash(f.Inode); err != nil {
		return errnoFor(err)
	}
	return 0
}

// Rmdir removes a directory. Non-empty directories are not rejected here:
// this filesystem's delete is a recursive subtree removal, so rmdir simply
// reuses Unlink's trash-or-delete policy regardless of whether the
// directory has children.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.Unlink(ctx, name)
}

// Rename moves and/or renames a file.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if n.readOnly {
		return syscall.EROFS
	}
	f, ok := n.manager.Lookup(n.self, name)
	if !ok {
		return syscall.ENOENT
	}
	dest, ok := newParent.(*Node)
	if !ok {
		return syscall.EINVAL
	}
	if err := n.manager.Rename(f.Inode, dest.self, newName); err != nil {
		return errnoFor(err)
	}
	return 0
}

// statfsCache holds the TTL-cached view of remote usage/capacity for a
// single mount. It is allocated once in NewRoot and shared by pointer with
// every Node in that mount's tree, so a process hosting more than one mount
// never lets one mount's quota answer another's Statfs call.
type statfsCache struct {
	ttl         time.Duration
	used, total uint64
	fetchedAt   time.Time
}

// Statfs reports filesystem-wide usage. Two fields are TTL-cached
// (cache_statfs_seconds); the rest of the struct is constant.
func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	const blockSize uint64 = 4096

	sf := n.statfs
	if time.Since(sf.fetchedAt) > sf.ttl {
		used, limit, err := n.manager.SizeAndCapacity()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to refresh statfs quota; serving stale values.")
		} else {
			sf.used = used
			if limit != nil {
				sf.total = *limit
			} else {
				sf.total = used + (1 << 40)
			}
			sf.fetchedAt = time.Now()
		}
	}

	out.Bsize = uint32(blockSize)
	out.Blocks = sf.total / blockSize
	free := uint64(0)
	if sf.total > sf.used {
		free = (sf.total - sf.used) / blockSize
	}
	out.Bfree = free
	out.Bavail = free
	out.NameLen = 255
	return 0
}
