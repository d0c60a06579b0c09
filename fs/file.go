// Package fs owns the in-memory file tree that presents a Drive account as
// a POSIX-like filesystem: File (per-entry record), FileManager (tree +
// indexes + reconciliation) and the FUSE adapter that translates kernel
// upcalls into FileManager/DriveFacade calls.
package fs

import (
	"strconv"
	"strings"
	"time"

	"github.com/jstaf/gdrivefs/drive"
)

// Inode is a process-unique, monotonically assigned positive integer
// identifying one file or directory for the lifetime of the mount.
type Inode uint64

// Synthetic inodes that are never deleted.
const (
	RootInode         Inode = 1
	TrashInode        Inode = 2
	SharedWithMeInode Inode = 3
)

// Kind distinguishes regular files from directories.
type Kind int

const (
	RegularFile Kind = iota
	Directory
)

// directoryBlockSize is the fixed size reported for directories.
const directoryBlockSize = 512

// Attr holds the POSIX attributes of a File.
type Attr struct {
	Size    uint64
	Blocks  uint64
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
	Crtime  time.Time
	Mode    uint32
	Uid     uint32
	Gid     uint32
	Nlink   uint32
	Kind    Kind
}

// File is the local representation of one directory entry.
type File struct {
	Inode   Inode
	Attr    Attr
	name    string // POSIX-safe name, already carrying any mime extension suffix
	dupID   *int   // identical_name_id; nil means no disambiguation suffix
	Remote  *drive.RemoteFile
}

// forbiddenNameChars are stripped, never escaped, from remote names.
const forbiddenNameChars = "*/:<>?\\|"

// SanitizeName strips characters forbidden in a POSIX filename.
func SanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(forbiddenNameChars, r) {
			return -1
		}
		return r
	}, name)
}

// BaseName returns the file's sanitized name, without any duplicate-suffix.
func (f *File) BaseName() string {
	return f.name
}

// SetBaseName sets the file's sanitized base name.
func (f *File) SetBaseName(name string) {
	f.name = name
}

// DupID returns the identical_name_id suffix, if any.
func (f *File) DupID() *int {
	return f.dupID
}

// SetDupID sets (or clears, with nil) the identical_name_id suffix.
func (f *File) SetDupID(id *int) {
	f.dupID = id
}

// EntryName returns the name this file should be listed under: the base
// name, with ".N" appended if a duplicate-suffix has been assigned.
func (f *File) EntryName() string {
	if f.dupID == nil {
		return f.name
	}
	return f.name + "." + strconv.Itoa(*f.dupID)
}

// DriveID returns the file's authoritative remote id, or "" for purely
// synthetic entries (root, Trash, Shared with me, as well as root before
// its id is known).
func (f *File) DriveID() string {
	if f.Remote == nil {
		return ""
	}
	return f.Remote.ID
}

// IsTrashed reports whether this file's remote trashed flag is set. This
// flag may be mutated locally ahead of reconciliation.
func (f *File) IsTrashed() bool {
	return f.Remote != nil && f.Remote.Trashed
}

// IsDir reports whether the file is a directory.
func (f *File) IsDir() bool {
	return f.Attr.Kind == Directory
}

// NewSyntheticDir builds a directory File with no remote counterpart, used
// for root, Trash and Shared-with-me.
func NewSyntheticDir(inode Inode, name string) *File {
	now := time.Now()
	return &File{
		Inode: inode,
		name:  name,
		Attr: Attr{
			Size:   directoryBlockSize,
			Blocks: 1,
			Atime:  now,
			Mtime:  now,
			Ctime:  now,
			Crtime: now,
			Mode:   0755,
			Nlink:  2,
			Kind:   Directory,
		},
	}
}

// deriveOptions carries the config knobs that affect File derivation from a
// RemoteFile.
type deriveOptions struct {
	addExtensionsToSpecialFiles bool
}

// FromRemote deterministically derives a File from a RemoteFile. The inode
// must already be assigned by the caller (FileManager).
func FromRemote(inode Inode, remote *drive.RemoteFile, opts deriveOptions) *File {
	kind := RegularFile
	size := remote.Size
	nlink := uint32(1)
	if remote.IsDir() {
		kind = Directory
		size = directoryBlockSize
		nlink = 2
	}

	name := SanitizeName(remote.Name)
	if opts.addExtensionsToSpecialFiles {
		if ext, ok := drive.NameExtension(remote.MimeType); ok {
			name += ext
		}
	}

	atime := epochIfNil(remote.ViewedByMeTime)
	mtime := epochIfNil(remote.ModifiedTime)
	crtime := epochIfNil(remote.CreatedTime)

	return &File{
		Inode:  inode,
		name:   name,
		Remote: remote,
		Attr: Attr{
			Size:   size,
			Blocks: (size + 511) / 512,
			Atime:  atime,
			Mtime:  mtime,
			Ctime:  mtime,
			Crtime: crtime,
			Mode:   0755,
			Nlink:  nlink,
			Kind:   kind,
		},
	}
}

func epochIfNil(t *time.Time) time.Time {
	if t == nil {
		return time.Unix(0, 0)
	}
	return *t
}

// RebuildFromRemote refreshes a File's attributes/remote record in place
// (preserving its inode), used by reconciliation and setattr/write size
// updates.
func (f *File) RebuildFromRemote(remote *drive.RemoteFile, opts deriveOptions) {
	rebuilt := FromRemote(f.Inode, remote, opts)
	f.Attr = rebuilt.Attr
	f.name = rebuilt.name
	f.Remote = rebuilt.Remote
}
