package fs

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jstaf/gdrivefs/drive"
)

// jsonHandler builds a fake Drive server keyed by request path+method, for
// tests that need to drive FileManager.Populate through the facade.
func jsonHandler(t *testing.T, byPath map[string]string) (*drive.DriveFacade, func()) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		if body, ok := byPath[key]; ok {
			w.Write([]byte(body))
			return
		}
		w.Write([]byte(`{}`))
	}))

	orig := drive.BaseURL
	drive.BaseURL = server.URL
	drive.UploadURL = server.URL

	facade := drive.NewDriveFacade(&drive.Auth{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour).Unix()}, time.Minute, 10)
	return facade, func() {
		drive.BaseURL = orig
		server.Close()
	}
}

func testConfig() Config {
	return Config{SyncInterval: 10 * time.Second, RenameIdenticalFiles: true}
}

func TestNewFileManagerSeedsSyntheticRoots(t *testing.T) {
	facade, cleanup := jsonHandler(t, nil)
	defer cleanup()

	m := NewFileManager(facade, testConfig())
	root, ok := m.Get(RootInode)
	require.True(t, ok)
	assert.True(t, root.IsDir())

	kids := m.Children(RootInode)
	require.Len(t, kids, 2)
}

func TestDisambiguatesIdenticalNames(t *testing.T) {
	facade, cleanup := jsonHandler(t, nil)
	defer cleanup()

	m := NewFileManager(facade, testConfig())

	// b's drive id sorts before a's, so b must claim the unsuffixed name
	// regardless of creation order.
	m.mu.Lock()
	aInode := m.nextInode()
	m.files[aInode] = FromRemote(aInode, &drive.RemoteFile{ID: "b-id", Name: "report.txt"}, deriveOptions{})
	m.byDriveID["b-id"] = aInode
	m.linkLocked(RootInode, aInode)
	m.disambiguateLocked(RootInode, aInode)

	bInode := m.nextInode()
	m.files[bInode] = FromRemote(bInode, &drive.RemoteFile{ID: "a-id", Name: "report.txt"}, deriveOptions{})
	m.byDriveID["a-id"] = bInode
	m.linkLocked(RootInode, bInode)
	m.disambiguateLocked(RootInode, bInode)
	m.mu.Unlock()

	first := m.files[aInode]
	second := m.files[bInode]

	assert.Equal(t, "report.txt", second.EntryName(), "the lower drive id sorts first and keeps the bare name")
	assert.NotEqual(t, first.EntryName(), second.EntryName())
	assert.Contains(t, first.EntryName(), "report.txt.")
}

func TestDisambiguationIsDisabledWithoutConfigFlag(t *testing.T) {
	facade, cleanup := jsonHandler(t, nil)
	defer cleanup()

	cfg := testConfig()
	cfg.RenameIdenticalFiles = false
	m := NewFileManager(facade, cfg)

	m.mu.Lock()
	aInode := m.nextInode()
	m.files[aInode] = FromRemote(aInode, &drive.RemoteFile{ID: "a-id", Name: "report.txt"}, deriveOptions{})
	m.linkLocked(RootInode, aInode)
	m.disambiguateLocked(RootInode, aInode)

	bInode := m.nextInode()
	m.files[bInode] = FromRemote(bInode, &drive.RemoteFile{ID: "b-id", Name: "report.txt"}, deriveOptions{})
	m.linkLocked(RootInode, bInode)
	m.disambiguateLocked(RootInode, bInode)
	m.mu.Unlock()

	assert.Equal(t, "report.txt", m.files[aInode].EntryName())
	assert.Equal(t, "report.txt", m.files[bInode].EntryName(), "with the flag off both siblings keep the bare name")
}

func TestCreateFileSwapsLocalIDForRemote(t *testing.T) {
	facade, cleanup := jsonHandler(t, map[string]string{
		"POST /files": `{"id":"remote-123"}`,
	})
	defer cleanup()

	m := NewFileManager(facade, testConfig())
	f, err := m.CreateFile(RootInode, "doc.txt", false)
	require.NoError(t, err)
	assert.Equal(t, "remote-123", f.DriveID())

	found, ok := m.Get(f.Inode)
	require.True(t, ok)
	assert.Equal(t, "remote-123", found.DriveID())
}

func TestDeleteRemovesEntireSubtree(t *testing.T) {
	facade, cleanup := jsonHandler(t, map[string]string{
		"POST /files":           `{"id":"dir-1"}`,
		"DELETE /files/dir-1":   ``,
	})
	defer cleanup()

	m := NewFileManager(facade, testConfig())
	dir, err := m.CreateFile(RootInode, "mydir", true)
	require.NoError(t, err)

	// manually attach a child under dir without a remote round trip, to
	// simulate an already-populated subtree
	m.mu.Lock()
	childInode := m.nextInode()
	m.files[childInode] = FromRemote(childInode, &drive.RemoteFile{ID: "child-1", Name: "inner.txt"}, deriveOptions{})
	m.byDriveID["child-1"] = childInode
	m.linkLocked(dir.Inode, childInode)
	m.mu.Unlock()

	require.NoError(t, m.Delete(dir.Inode))

	_, ok := m.Get(dir.Inode)
	assert.False(t, ok)
	_, ok = m.Get(childInode)
	assert.False(t, ok, "deleting a directory must remove its children from every index")
}

func TestRenameReparentsAcrossDirectories(t *testing.T) {
	facade, cleanup := jsonHandler(t, map[string]string{
		"POST /files": `{"id":"dir-1"}`,
	})
	defer cleanup()

	m := NewFileManager(facade, testConfig())
	dir, err := m.CreateFile(RootInode, "dest", true)
	require.NoError(t, err)
	f, err := m.CreateFile(RootInode, "a.txt", false)
	require.NoError(t, err)

	require.NoError(t, m.Rename(f.Inode, dir.Inode, "b.txt"))

	_, ok := m.Lookup(RootInode, "a.txt")
	assert.False(t, ok)
	moved, ok := m.Lookup(dir.Inode, "b.txt")
	require.True(t, ok)
	assert.Equal(t, f.Inode, moved.Inode)
}

func TestRenameIntoTrashRenamesThenTrashes(t *testing.T) {
	facade, cleanup := jsonHandler(t, map[string]string{
		"POST /files": `{"id":"file-1"}`,
	})
	defer cleanup()

	m := NewFileManager(facade, testConfig())
	f, err := m.CreateFile(RootInode, "a.txt", false)
	require.NoError(t, err)

	require.NoError(t, m.Rename(f.Inode, TrashInode, "a.txt"))

	_, ok := m.Lookup(RootInode, "a.txt")
	assert.False(t, ok)
	trashed, ok := m.Lookup(TrashInode, "a.txt")
	require.True(t, ok)
	assert.Equal(t, f.Inode, trashed.Inode)
	assert.True(t, trashed.IsTrashed())
}

func TestMoveToTrashRelinksUnderTrash(t *testing.T) {
	facade, cleanup := jsonHandler(t, map[string]string{
		"POST /files": `{"id":"file-1"}`,
	})
	defer cleanup()

	m := NewFileManager(facade, testConfig())
	f, err := m.CreateFile(RootInode, "doomed.txt", false)
	require.NoError(t, err)

	require.NoError(t, m.MoveToTrash(f.Inode))

	parent, ok := m.Parent(f.Inode)
	require.True(t, ok)
	assert.Equal(t, TrashInode, parent)
	assert.True(t, f.IsTrashed())
}

func TestAttachFallsBackToSharedWithMeWhenParentUnresolved(t *testing.T) {
	facade, cleanup := jsonHandler(t, nil)
	defer cleanup()

	m := NewFileManager(facade, testConfig())

	m.mu.Lock()
	inode := m.nextInode()
	remote := &drive.RemoteFile{ID: "orphan-1", Name: "orphan.txt", Parents: []string{"someone-elses-folder"}}
	m.files[inode] = FromRemote(inode, remote, m.opts)
	m.byDriveID["orphan-1"] = inode
	m.attach(inode, remote)
	m.mu.Unlock()

	_, ok := m.Lookup(RootInode, "orphan.txt")
	assert.False(t, ok, "a file whose parent never resolves must not land under root")

	f, ok := m.Lookup(SharedWithMeInode, "orphan.txt")
	require.True(t, ok, "an unresolvable, non-trashed parent falls back to Shared-with-me")
	assert.Equal(t, "orphan-1", f.DriveID())
}

func TestSyncSkipsNewRemoteFileWithUnresolvedParent(t *testing.T) {
	facade, cleanup := jsonHandler(t, nil)
	defer cleanup()

	m := NewFileManager(facade, testConfig())

	m.mu.Lock()
	m.applyChangeLocked(drive.Change{
		FileID: "new-orphan",
		File:   &drive.RemoteFile{ID: "new-orphan", Name: "fresh.txt", Parents: []string{"unknown-parent"}},
	})
	m.mu.Unlock()

	_, known := m.byDriveID["new-orphan"]
	assert.False(t, known, "a new file whose parent doesn't resolve yet must be skipped silently, not guessed at")
}

func TestSyncAttachesNewRemoteFile(t *testing.T) {
	facade, cleanup := jsonHandler(t, nil)
	defer cleanup()

	m := NewFileManager(facade, testConfig())

	m.mu.Lock()
	rootID := "root-x"
	m.files[RootInode].Remote = &drive.RemoteFile{ID: rootID}
	m.byDriveID[rootID] = RootInode
	m.mu.Unlock()

	m.mu.Lock()
	m.applyChangeLocked(drive.Change{
		FileID: "new-file",
		File:   &drive.RemoteFile{ID: "new-file", Name: "fresh.txt", Parents: []string{rootID}},
	})
	m.mu.Unlock()

	inode, known := m.byDriveID["new-file"]
	require.True(t, known)
	f, ok := m.files[inode]
	require.True(t, ok)
	assert.Equal(t, "fresh.txt", f.BaseName())
}

func TestSyncRemovesDeletedFile(t *testing.T) {
	facade, cleanup := jsonHandler(t, map[string]string{
		"POST /files": `{"id":"gone-1"}`,
	})
	defer cleanup()

	m := NewFileManager(facade, testConfig())
	f, err := m.CreateFile(RootInode, "gone.txt", false)
	require.NoError(t, err)
	driveID := f.DriveID()

	m.mu.Lock()
	m.applyChangeLocked(drive.Change{FileID: driveID, Removed: true, File: &drive.RemoteFile{ID: driveID, Name: "gone.txt"}})
	m.mu.Unlock()

	_, ok := m.Get(f.Inode)
	assert.False(t, ok)
}

func TestSyncStampsLastSyncEvenOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "offline", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	orig := drive.BaseURL
	drive.BaseURL = server.URL
	defer func() { drive.BaseURL = orig }()

	facade := drive.NewDriveFacade(&drive.Auth{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour).Unix()}, time.Minute, 10)
	m := NewFileManager(facade, testConfig())

	before := time.Now()
	err := m.Sync()
	require.Error(t, err)
	assert.True(t, m.lastSync.After(before) || m.lastSync.Equal(before), "a failed sync still stamps lastSync so a dropped connection backs off instead of retrying immediately")
}

func TestSyncSkipsChangeWithNoAttachedFile(t *testing.T) {
	facade, cleanup := jsonHandler(t, map[string]string{
		"POST /files": `{"id":"untouched-1"}`,
	})
	defer cleanup()

	m := NewFileManager(facade, testConfig())
	f, err := m.CreateFile(RootInode, "untouched.txt", false)
	require.NoError(t, err)

	m.mu.Lock()
	m.applyChangeLocked(drive.Change{FileID: f.DriveID(), Removed: true})
	m.mu.Unlock()

	_, ok := m.Get(f.Inode)
	assert.True(t, ok, "a change with no attached file metadata is skipped entirely, per the reconciliation contract")
}
