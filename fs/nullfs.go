package fs

import (
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// NullFs is a bare root inode with no children, used solely to sanity-check
// that a mountpoint is actually mountable before the real tree is built:
// mount, immediately unmount, and only then proceed to the real mount. Any
// failure here means the mountpoint itself is the problem, not the Drive
// session.
type NullFs struct {
	fs.Inode
}

var _ fs.InodeEmbedder = (*NullFs)(nil)

// MountNullFs performs the pre-flight check: mount a NullFs at mountpoint,
// then unmount it. Returns the first error encountered, if any.
func MountNullFs(mountpoint string) error {
	server, err := fs.Mount(mountpoint, &NullFs{}, &fs.Options{
		MountOptions: fuse.MountOptions{
			Debug: false,
		},
	})
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- server.Unmount()
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-time.After(5 * time.Second):
		server.Unmount()
	}
	server.Wait()
	return nil
}
