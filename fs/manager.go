package fs

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jstaf/gdrivefs/drive"
)

// FileManager owns the in-memory file tree: a map-based tree of File
// records plus the indexes needed to translate between inode, drive id and
// (parent, name) - the three addressing schemes the FUSE layer and the
// facade each use. The tree is keyed directly by Inode rather than through
// a separate tree-node id, since nothing downstream needs to address a
// node independently of its inode number.
type FileManager struct {
	mu sync.RWMutex

	facade *drive.DriveFacade
	opts   deriveOptions

	files    map[Inode]*File
	children map[Inode][]Inode // parent inode -> ordered child inodes
	parent   map[Inode]Inode   // child inode -> parent inode

	byDriveID map[string]Inode // drive id -> inode, for non-synthetic files

	disambiguate bool // config: RenameIdenticalFiles

	lastInode Inode

	syncInterval time.Duration
	lastSync     time.Time
}

// Config bundles the subset of on-disk configuration FileManager needs.
type Config struct {
	AddExtensionsToSpecialFiles bool
	RenameIdenticalFiles        bool
	SyncInterval                time.Duration
}

// NewFileManager constructs a manager seeded with the three synthetic root
// directories; populating it from the remote account is a separate step
// (Populate).
func NewFileManager(facade *drive.DriveFacade, cfg Config) *FileManager {
	m := &FileManager{
		facade:       facade,
		opts:         deriveOptions{addExtensionsToSpecialFiles: cfg.AddExtensionsToSpecialFiles},
		files:        make(map[Inode]*File),
		children:     make(map[Inode][]Inode),
		parent:       make(map[Inode]Inode),
		byDriveID:    make(map[string]Inode),
		disambiguate: cfg.RenameIdenticalFiles,
		lastInode:    SharedWithMeInode,
		syncInterval: cfg.SyncInterval,
	}
	m.files[RootInode] = NewSyntheticDir(RootInode, "")
	m.files[TrashInode] = NewSyntheticDir(TrashInode, ".Trash")
	m.files[SharedWithMeInode] = NewSyntheticDir(SharedWithMeInode, ".shared-with-me")
	m.parent[TrashInode] = RootInode
	m.parent[SharedWithMeInode] = RootInode
	m.children[RootInode] = []Inode{TrashInode, SharedWithMeInode}
	return m
}

func (m *FileManager) nextInode() Inode {
	m.lastInode++
	return m.lastInode
}

// Populate runs the startup sequence: resolve the account root, enumerate
// every file, assign inodes, file everything under its parent (or under
// Trash if the file itself is trashed, or under Shared-with-me if its remote
// parent is unknown), and seed
// the changes cursor so the first sync() call only sees what changed since
// startup.
func (m *FileManager) Populate() error {
	rootID, err := m.facade.RootID()
	if err != nil {
		return fmt.Errorf("populate: resolve root id: %w", err)
	}

	all, err := m.facade.GetAllFiles(nil, nil)
	if err != nil {
		return fmt.Errorf("populate: enumerate files: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.byDriveID[rootID] = RootInode
	m.files[RootInode].Remote = &drive.RemoteFile{ID: rootID, MimeType: drive.FolderMimeType}

	// Assign inodes to every remote file before wiring parents, since a
	// child can appear in the listing before its parent does.
	for _, remote := range all {
		inode := m.nextInode()
		m.byDriveID[remote.ID] = inode
		m.files[inode] = FromRemote(inode, remote, m.opts)
	}

	for _, remote := range all {
		childInode := m.byDriveID[remote.ID]
		m.attach(childInode, remote)
	}

	// seed the cursor so the first reconciliation only replays genuinely
	// new changes
	if _, err := m.facade.GetAllChanges(); err != nil {
		log.Warn().Err(err).Msg("Failed to seed the initial changes cursor.")
	}
	m.lastSync = time.Now()
	return nil
}

// attach wires a file (already present in m.files) under its remote parent,
// falling back to Trash if trashed and to Shared-with-me if the parent is
// unknown or unresolved.
func (m *FileManager) attach(inode Inode, remote *drive.RemoteFile) {
	parentInode := SharedWithMeInode
	if remote.Trashed {
		parentInode = TrashInode
	} else if pid := remote.ParentID(); pid != "" {
		if resolved, ok := m.byDriveID[pid]; ok {
			parentInode = resolved
		}
	}
	m.linkLocked(parentInode, inode)
	m.disambiguateLocked(parentInode, inode)
}

func (m *FileManager) linkLocked(parentInode, childInode Inode) {
	m.parent[childInode] = parentInode
	m.children[parentInode] = append(m.children[parentInode], childInode)
}

func (m *FileManager) unlinkLocked(childInode Inode) {
	parentInode, ok := m.parent[childInode]
	if !ok {
		return
	}
	siblings := m.children[parentInode]
	for i, c := range siblings {
		if c == childInode {
			m.children[parentInode] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	delete(m.parent, childInode)
}

// disambiguateLocked recomputes identical_name_id for every live sibling of
// childInode sharing its base name, when duplicate-suffix mode is enabled.
func (m *FileManager) disambiguateLocked(parentInode, childInode Inode) {
	child, ok := m.files[childInode]
	if !ok {
		return
	}
	m.disambiguateGroupLocked(parentInode, child.BaseName())
}

// disambiguateGroupLocked is disambiguateLocked's core: it recomputes
// identical_name_id for every live child of parentInode named base.
// Siblings are sorted by drive id (a file with no drive id sorts first; a
// file still awaiting remote creation sorts by its local- placeholder id);
// the first in that order keeps
// identical_name_id == nil, the rest take 1, 2, … in order. The whole group
// is recomputed from scratch on every call rather than only assigning the
// new arrival a free slot, since a departing or renamed sibling can change
// every remaining member's position in the sort. Taking base directly
// (rather than always deriving it from a still-present child) lets a
// caller renumber the group a departing file leaves behind.
func (m *FileManager) disambiguateGroupLocked(parentInode Inode, base string) {
	if !m.disambiguate {
		return
	}

	var group []Inode
	for _, sib := range m.children[parentInode] {
		if m.files[sib].BaseName() == base {
			group = append(group, sib)
		}
	}
	sort.Slice(group, func(i, j int) bool {
		return m.files[group[i]].DriveID() < m.files[group[j]].DriveID()
	})

	for i, sib := range group {
		sf := m.files[sib]
		if i == 0 {
			sf.SetDupID(nil)
			continue
		}
		id := i
		sf.SetDupID(&id)
	}
}

// Lookup resolves (parentInode, entryName) to a File, honoring any
// identical_name_id suffix.
func (m *FileManager) Lookup(parentInode Inode, name string) (*File, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.children[parentInode] {
		f := m.files[c]
		if f.EntryName() == name {
			return f, true
		}
	}
	return nil, false
}

// Get returns the File for an inode.
func (m *FileManager) Get(inode Inode) (*File, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[inode]
	return f, ok
}

// Children returns the live (non-trashed-in-place) children of a directory,
// ordered for stable readdir output.
func (m *FileManager) Children(inode Inode) []*File {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kids := m.children[inode]
	out := make([]*File, 0, len(kids))
	for _, c := range kids {
		out = append(out, m.files[c])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryName() < out[j].EntryName() })
	return out
}

// Parent returns the parent inode of a file, if any (root has none).
func (m *FileManager) Parent(inode Inode) (Inode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.parent[inode]
	return p, ok
}

// localIDPrefix marks drive ids that only exist locally pending creation on
// the remote.
const localIDPrefix = "local-"

var localIDCounter struct {
	mu sync.Mutex
	n  uint64
}

func newLocalID() string {
	localIDCounter.mu.Lock()
	defer localIDCounter.mu.Unlock()
	localIDCounter.n++
	return fmt.Sprintf("%s%d", localIDPrefix, localIDCounter.n)
}

func isLocalID(id string) bool {
	return len(id) >= len(localIDPrefix) && id[:len(localIDPrefix)] == localIDPrefix
}

// CreateFile materializes a new file or directory under parentInode ahead
// of remote confirmation: it is assigned a local id immediately so the
// kernel can keep referring to it, then a create is issued and, on success,
// the local id is swapped for the real one in place.
func (m *FileManager) CreateFile(parentInode Inode, name string, isDir bool) (*File, error) {
	m.mu.Lock()
	parent, ok := m.files[parentInode]
	m.mu.Unlock()
	if !ok || !parent.IsDir() {
		return nil, wrapErr(KindNotDirectory, fmt.Errorf("create_file: parent %d is not a directory", parentInode))
	}

	mimeType := drive.DefaultFileMimeType
	if isDir {
		mimeType = drive.FolderMimeType
	}

	template := &drive.RemoteFile{
		Name:     SanitizeName(name),
		MimeType: mimeType,
		Parents:  []string{parent.DriveID()},
	}

	localID := newLocalID()
	placeholder := &drive.RemoteFile{ID: localID, Name: template.Name, MimeType: mimeType, Parents: template.Parents}

	m.mu.Lock()
	inode := m.nextInode()
	file := FromRemote(inode, placeholder, m.opts)
	m.files[inode] = file
	m.byDriveID[localID] = inode
	m.linkLocked(parentInode, inode)
	m.disambiguateLocked(parentInode, inode)
	m.mu.Unlock()

	realID, err := m.facade.Create(template)
	if err != nil {
		return file, wrapErr(KindRemote, fmt.Errorf("create_file: %w", err))
	}

	m.mu.Lock()
	delete(m.byDriveID, localID)
	m.byDriveID[realID] = inode
	file.Remote.ID = realID
	m.mu.Unlock()

	return file, nil
}

// Write enqueues bytes against a file's pending-write queue, growing its
// locally-tracked size to reflect the write even before flush.
func (m *FileManager) Write(inode Inode, offset int64, data []byte) error {
	m.mu.Lock()
	f, ok := m.files[inode]
	if !ok {
		m.mu.Unlock()
		return wrapErr(KindNotFound, fmt.Errorf("write: no such inode %d", inode))
	}
	if required := uint64(offset) + uint64(len(data)); required > f.Attr.Size {
		f.Attr.Size = required
		f.Attr.Blocks = (required + 511) / 512
	}
	f.Attr.Mtime = time.Now()
	driveID := f.DriveID()
	m.mu.Unlock()

	m.facade.Write(driveID, offset, data)
	return nil
}

// Flush drains an inode's pending writes to the remote. Flushing a file with
// nothing queued is a no-op.
func (m *FileManager) Flush(inode Inode) error {
	m.mu.RLock()
	f, ok := m.files[inode]
	m.mu.RUnlock()
	if !ok {
		return wrapErr(KindNotFound, fmt.Errorf("flush: no such inode %d", inode))
	}
	return m.facade.Flush(f.DriveID())
}

// Read fetches [offset, offset+size) of a file's content through the
// facade.
func (m *FileManager) Read(inode Inode, offset, size int64) ([]byte, bool) {
	m.mu.RLock()
	f, ok := m.files[inode]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	mimeType := ""
	if f.Remote != nil {
		mimeType = f.Remote.MimeType
	}
	return m.facade.Read(f.DriveID(), mimeType, offset, size)
}

// Rename moves and/or renames a file, locally first, then on the remote.
// A rename across directories or a plain rename in place are the same
// operation: both replace name/parent unconditionally. Renaming into the
// Trash directory is special-cased: Drive has no Trash folder to reparent
// into remotely, so a rename targeting TrashInode renames the file in
// place (if the name changed) and then trashes it instead.
func (m *FileManager) Rename(inode, newParentInode Inode, newName string) error {
	if newParentInode == TrashInode {
		return m.renameIntoTrash(inode, newName)
	}

	m.mu.Lock()
	f, ok := m.files[inode]
	newParent, pok := m.files[newParentInode]
	if !ok || !pok {
		m.mu.Unlock()
		return wrapErr(KindNotFound, fmt.Errorf("rename: unknown inode"))
	}
	if !newParent.IsDir() {
		m.mu.Unlock()
		return wrapErr(KindNotDirectory, fmt.Errorf("rename: destination %d is not a directory", newParentInode))
	}
	oldParentInode := m.parent[inode]
	oldBase := f.BaseName()
	m.unlinkLocked(inode)
	f.SetBaseName(SanitizeName(newName))
	m.linkLocked(newParentInode, inode)
	m.disambiguateLocked(newParentInode, inode)
	m.disambiguateGroupLocked(oldParentInode, oldBase)
	driveID := f.DriveID()
	m.mu.Unlock()

	if err := m.facade.MoveTo(driveID, newParent.DriveID(), f.BaseName()); err != nil {
		// the remote move failed: restore the old name and parent locally
		// and surface the error.
		m.mu.Lock()
		vacatedBase := f.BaseName()
		m.unlinkLocked(inode)
		f.SetBaseName(oldBase)
		m.linkLocked(oldParentInode, inode)
		m.disambiguateLocked(oldParentInode, inode)
		m.disambiguateGroupLocked(newParentInode, vacatedBase)
		m.mu.Unlock()
		return err
	}
	return nil
}

// renameIntoTrash implements Rename's Trash-destination special case: rename
// in place, then trash.
func (m *FileManager) renameIntoTrash(inode Inode, newName string) error {
	m.mu.Lock()
	f, ok := m.files[inode]
	if !ok {
		m.mu.Unlock()
		return wrapErr(KindNotFound, fmt.Errorf("rename: unknown inode"))
	}
	driveID := f.DriveID()
	parentDriveID := ""
	if parentInode, pok := m.parent[inode]; pok {
		if parent, ok := m.files[parentInode]; ok {
			parentDriveID = parent.DriveID()
		}
	}
	sanitized := SanitizeName(newName)
	renamed := sanitized != f.BaseName()
	m.mu.Unlock()

	if renamed {
		if err := m.facade.MoveTo(driveID, parentDriveID, sanitized); err != nil {
			return err
		}
		m.mu.Lock()
		f.SetBaseName(sanitized)
		if parentInode, pok := m.parent[inode]; pok {
			m.disambiguateLocked(parentInode, inode)
		}
		m.mu.Unlock()
	}

	return m.MoveToTrash(inode)
}

// MoveToTrash marks a file trashed, locally and remotely. The entry stays
// addressable by inode but is relinked under the Trash directory.
func (m *FileManager) MoveToTrash(inode Inode) error {
	m.mu.Lock()
	f, ok := m.files[inode]
	if !ok {
		m.mu.Unlock()
		return wrapErr(KindNotFound, fmt.Errorf("move_file_to_trash: no such inode %d", inode))
	}
	driveID := f.DriveID()
	m.mu.Unlock()

	if err := m.facade.MoveToTrash(driveID); err != nil {
		return err
	}

	m.mu.Lock()
	f.Remote.Trashed = true
	oldParentInode := m.parent[inode]
	base := f.BaseName()
	m.unlinkLocked(inode)
	m.linkLocked(TrashInode, inode)
	m.disambiguateLocked(TrashInode, inode)
	m.disambiguateGroupLocked(oldParentInode, base)
	m.mu.Unlock()
	return nil
}

// Delete permanently removes a file, first remotely and then locally.
// Deleting a directory removes its entire subtree from the local indexes
// once the remote delete succeeds.
func (m *FileManager) Delete(inode Inode) error {
	m.mu.Lock()
	f, ok := m.files[inode]
	if !ok {
		m.mu.Unlock()
		return wrapErr(KindNotFound, fmt.Errorf("delete: no such inode %d", inode))
	}
	driveID := f.DriveID()
	m.mu.Unlock()

	if _, err := m.facade.DeletePermanently(driveID); err != nil {
		return err
	}

	m.deleteLocally(inode)
	return nil
}

// deleteLocally removes an inode and its entire subtree from every index.
func (m *FileManager) deleteLocally(inode Inode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parentInode, hasParent := m.parent[inode]
	var base string
	if f, ok := m.files[inode]; ok {
		base = f.BaseName()
	}
	m.removeSubtreeLocked(inode)
	if hasParent {
		m.disambiguateGroupLocked(parentInode, base)
	}
}

func (m *FileManager) removeSubtreeLocked(inode Inode) {
	for _, child := range m.children[inode] {
		m.removeSubtreeLocked(child)
	}
	delete(m.children, inode)
	m.unlinkLocked(inode)
	if f, ok := m.files[inode]; ok {
		if f.Remote != nil {
			delete(m.byDriveID, f.Remote.ID)
		}
		delete(m.files, inode)
	}
}

// ShouldSync reports whether enough time has passed since the last
// reconciliation for sync() to be worth running again.
func (m *FileManager) ShouldSync() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.lastSync) >= m.syncInterval
}

// Sync reconciles the local tree against the remote changes feed. It is
// invoked synchronously from the readdir upcall path rather than from a
// background loop.
func (m *FileManager) Sync() error {
	changes, err := m.facade.GetAllChanges()
	if err != nil {
		// Stamp lastSync even on failure so a dropped connection backs off
		// by syncInterval rather than retrying on every single readdir.
		m.mu.Lock()
		m.lastSync = time.Now()
		m.mu.Unlock()
		return fmt.Errorf("sync: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSync = time.Now()

	for _, change := range changes {
		m.applyChangeLocked(change)
	}
	return nil
}

// applyChangeLocked folds one entry from the remote changes feed into the
// local tree. Steps run in order, each independent of the others: a brand
// new file is created and attached; a file the remote reports trashed is
// relinked under Trash without another remote call; a removed file is
// deleted from the tree outright; anything else is rebuilt in place from
// the change's metadata and reparented if its remote parent moved.
func (m *FileManager) applyChangeLocked(change drive.Change) {
	if change.File == nil {
		return
	}

	inode, known := m.byDriveID[change.FileID]
	if !known {
		// A brand new remote file: attach it under its declared parent if
		// that parent is already known locally; otherwise skip it silently
		// rather than guessing a home for it. It will surface once a later
		// change brings its parent into the tree, or at the next Populate.
		parentInode := TrashInode
		if !change.File.Trashed {
			pid := change.File.ParentID()
			resolved, ok := m.byDriveID[pid]
			if pid == "" || !ok {
				return
			}
			parentInode = resolved
		}
		inode = m.nextInode()
		m.files[inode] = FromRemote(inode, change.File, m.opts)
		m.byDriveID[change.FileID] = inode
		m.linkLocked(parentInode, inode)
		m.disambiguateLocked(parentInode, inode)
		return
	}

	if change.File.Trashed {
		f := m.files[inode]
		oldParentInode := m.parent[inode]
		base := f.BaseName()
		f.Remote.Trashed = true
		m.unlinkLocked(inode)
		m.linkLocked(TrashInode, inode)
		m.disambiguateLocked(TrashInode, inode)
		m.disambiguateGroupLocked(oldParentInode, base)
		return
	}

	if change.Removed {
		oldParentInode, hasParent := m.parent[inode]
		base := m.files[inode].BaseName()
		m.removeSubtreeLocked(inode)
		if hasParent {
			m.disambiguateGroupLocked(oldParentInode, base)
		}
		return
	}

	f := m.files[inode]
	oldParent := m.parent[inode]
	f.RebuildFromRemote(change.File, m.opts)

	newParentInode := oldParent
	if pid := change.File.ParentID(); pid != "" {
		if resolved, ok := m.byDriveID[pid]; ok {
			newParentInode = resolved
		}
	}
	if newParentInode != oldParent {
		m.unlinkLocked(inode)
		m.linkLocked(newParentInode, inode)
		m.disambiguateGroupLocked(oldParent, f.BaseName())
	}
	m.disambiguateLocked(newParentInode, inode)
}

// SizeAndCapacity exposes facade quota information for statfs.
func (m *FileManager) SizeAndCapacity() (uint64, *uint64, error) {
	return m.facade.SizeAndCapacity()
}
