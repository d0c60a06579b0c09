package fs

import (
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// defaultStatfsCacheTTL applies when a caller leaves StatfsCacheTTL unset.
const defaultStatfsCacheTTL = 100 * time.Second

// MountOptions bundles the knobs a Mount caller can set beyond the raw
// FUSE passthrough options.
type MountOptions struct {
	ReadOnly       bool
	SkipTrash      bool
	Debug          bool
	FuseOptions    []string
	StatfsCacheTTL time.Duration
}

// Mount brings up the real filesystem tree at mountpoint, backed by
// manager. Callers are expected to have already run MountNullFs as a
// pre-flight check.
func Mount(mountpoint string, manager *FileManager, opts MountOptions) (*fuse.Server, error) {
	ttl := opts.StatfsCacheTTL
	if ttl <= 0 {
		ttl = defaultStatfsCacheTTL
	}
	root := NewRoot(manager, opts.ReadOnly, opts.SkipTrash, ttl)
	return fs.Mount(mountpoint, root, &fs.Options{
		MountOptions: fuse.MountOptions{
			Debug:         opts.Debug,
			FsName:        "gdrivefs",
			Name:          "gdrivefs",
			Options:       opts.FuseOptions,
			DisableXAttrs: true,
		},
	})
}
