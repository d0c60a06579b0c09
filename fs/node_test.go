package fs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jstaf/gdrivefs/drive"
)

func newTestManager(t *testing.T, byPath map[string]string) *FileManager {
	t.Helper()
	facade, cleanup := jsonHandler(t, byPath)
	t.Cleanup(cleanup)
	return NewFileManager(facade, testConfig())
}

func TestNodeLookupReturnsEnoentForMissingChild(t *testing.T) {
	m := newTestManager(t, nil)
	root := NewRoot(m, false, false, time.Minute)

	var out fuse.EntryOut
	_, errno := root.Lookup(context.Background(), "nope.txt", &out)
	assert.Equal(t, syscall.ENOENT, errno)
}

func TestNodeCreateThenLookupSucceeds(t *testing.T) {
	m := newTestManager(t, map[string]string{"POST /files": `{"id":"new-1"}`})
	root := NewRoot(m, false, false, time.Minute)
	// attach the root to a node filesystem so child inodes can be created
	fs.NewNodeFS(root, &fs.Options{})

	var out fuse.EntryOut
	_, _, _, errno := root.Create(context.Background(), "hello.txt", 0, 0644, &out)
	require.Equal(t, syscall.Errno(0), errno)

	var lookupOut fuse.EntryOut
	_, errno = root.Lookup(context.Background(), "hello.txt", &lookupOut)
	assert.Equal(t, syscall.Errno(0), errno)
}

func TestNodeWriteRejectedWhenReadOnly(t *testing.T) {
	m := newTestManager(t, map[string]string{"POST /files": `{"id":"new-1"}`})
	root := NewRoot(m, false, false, time.Minute)
	fs.NewNodeFS(root, &fs.Options{})

	var out fuse.EntryOut
	_, _, _, errno := root.Create(context.Background(), "ro.txt", 0, 0644, &out)
	require.Equal(t, syscall.Errno(0), errno)

	f, ok := m.Lookup(RootInode, "ro.txt")
	require.True(t, ok)
	child := &Node{manager: m, self: f.Inode, readOnly: true}

	_, errno = child.Write(context.Background(), nil, []byte("x"), 0)
	assert.Equal(t, syscall.EROFS, errno)
}

func TestNodeRmdirMovesNonEmptyDirectoryToTrash(t *testing.T) {
	m := newTestManager(t, map[string]string{"POST /files": `{"id":"dir-1"}`})
	root := NewRoot(m, false, false, time.Minute)
	fs.NewNodeFS(root, &fs.Options{})

	var out fuse.EntryOut
	_, errno := root.Mkdir(context.Background(), "stuff", 0755, &out)
	require.Equal(t, syscall.Errno(0), errno)

	dir, ok := m.Lookup(RootInode, "stuff")
	require.True(t, ok)

	m.mu.Lock()
	childInode := m.nextInode()
	m.files[childInode] = FromRemote(childInode, &drive.RemoteFile{ID: "inner-1", Name: "keep.txt"}, deriveOptions{})
	m.linkLocked(dir.Inode, childInode)
	m.mu.Unlock()

	errno = root.Rmdir(context.Background(), "stuff")
	require.Equal(t, syscall.Errno(0), errno)

	_, ok = m.Lookup(RootInode, "stuff")
	assert.False(t, ok)
	_, ok = m.Lookup(TrashInode, "stuff")
	assert.True(t, ok)
}

func TestNodeRmdirDeletesPermanentlyWhenSkipTrashSet(t *testing.T) {
	m := newTestManager(t, map[string]string{"POST /files": `{"id":"dir-1"}`})
	root := NewRoot(m, false, true, time.Minute)
	fs.NewNodeFS(root, &fs.Options{})

	var out fuse.EntryOut
	_, errno := root.Mkdir(context.Background(), "stuff", 0755, &out)
	require.Equal(t, syscall.Errno(0), errno)

	errno = root.Rmdir(context.Background(), "stuff")
	require.Equal(t, syscall.Errno(0), errno)

	_, ok := m.Lookup(RootInode, "stuff")
	assert.False(t, ok)
	_, ok = m.Lookup(TrashInode, "stuff")
	assert.False(t, ok)
}

func TestNodeReaddirTriggersSyncWhenDue(t *testing.T) {
	m := newTestManager(t, nil)
	m.syncInterval = 0 // always due
	m.lastSync = time.Now().Add(-time.Hour)
	root := NewRoot(m, false, false, time.Minute)

	stream, errno := root.Readdir(context.Background())
	require.Equal(t, syscall.Errno(0), errno)
	require.NotNil(t, stream)
	// two synthetic roots (.Trash, .shared-with-me) always present
	count := 0
	for stream.HasNext() {
		_, errno := stream.Next()
		require.Equal(t, syscall.Errno(0), errno)
		count++
	}
	assert.Equal(t, 2, count)
}

func TestMountNullFsFailsOnMissingMountpoint(t *testing.T) {
	err := MountNullFs("/nonexistent/path/that/should/not/exist")
	assert.Error(t, err)
}

func TestStatfsRefreshesFromFacade(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"storageQuota":{"usage":"100","limit":"1000"}}`))
	}))
	defer server.Close()
	orig := drive.BaseURL
	drive.BaseURL = server.URL
	defer func() { drive.BaseURL = orig }()

	facade := drive.NewDriveFacade(&drive.Auth{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour).Unix()}, time.Minute, 10)
	m := NewFileManager(facade, testConfig())
	root := NewRoot(m, false, false, time.Minute)

	var out fuse.StatfsOut
	errno := root.Statfs(context.Background(), &out)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, uint32(4096), out.Bsize)
}

func TestStatfsCacheIsNotSharedAcrossMounts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"storageQuota":{"usage":"100","limit":"1000"}}`))
	}))
	defer server.Close()
	orig := drive.BaseURL
	drive.BaseURL = server.URL
	defer func() { drive.BaseURL = orig }()

	facade := drive.NewDriveFacade(&drive.Auth{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour).Unix()}, time.Minute, 10)
	m := NewFileManager(facade, testConfig())

	firstMount := NewRoot(m, false, false, time.Minute)
	var out fuse.StatfsOut
	require.Equal(t, syscall.Errno(0), firstMount.Statfs(context.Background(), &out))

	secondMount := NewRoot(m, false, false, time.Minute)
	assert.NotSame(t, firstMount.statfs, secondMount.statfs, "each mount must own its own statfs cache")
	assert.True(t, secondMount.statfs.fetchedAt.IsZero(), "a fresh mount must not inherit another mount's cached reading")
}
