package fs

import (
	"errors"
	"syscall"
)

// Kind classifies a FileManager/Node failure into the taxonomy the kernel
// boundary maps onto an errno. Kinds carry no information beyond their errno
// mapping, so they are comparable sentinel-wrapped errors rather than a
// typed hierarchy.
type Kind int

const (
	// KindNotFound: an inode, drive id, or child name has no local or
	// remote record.
	KindNotFound Kind = iota
	// KindNotDirectory: the parent of a create/mkdir/unlink is missing or
	// the wrong kind.
	KindNotDirectory
	// KindNotEmpty: rmdir was attempted on a non-empty directory.
	KindNotEmpty
	// KindReadOnly: a mutating upcall was attempted while read_only=true.
	KindReadOnly
	// KindRemote: DriveFacade surfaced an API error.
	KindRemote
	// KindUnrecoverable: proceeding would violate an invariant.
	KindUnrecoverable
)

// kindedError pairs an underlying error with its Kind.
type kindedError struct {
	kind Kind
	err  error
}

func (e *kindedError) Error() string { return e.err.Error() }
func (e *kindedError) Unwrap() error { return e.err }

// wrapErr tags err with kind, or returns nil if err is nil.
func wrapErr(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindedError{kind: kind, err: err}
}

// kindOf extracts the Kind from an error produced by this package,
// defaulting to KindRemote for anything unclassified: a bare DriveFacade
// error is a plain error and falls through here unwrapped.
func kindOf(err error) Kind {
	var ke *kindedError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindRemote
}

// errno maps a Kind onto the syscall errno the kernel boundary replies
// with.
func (k Kind) errno() syscall.Errno {
	switch k {
	case KindNotFound:
		return syscall.ENOENT
	case KindNotDirectory:
		return syscall.ENOTDIR
	case KindNotEmpty:
		return syscall.ENOTEMPTY
	case KindReadOnly:
		return syscall.EROFS
	case KindUnrecoverable:
		return syscall.ENOTRECOVERABLE
	case KindRemote:
		fallthrough
	default:
		return syscall.EREMOTE
	}
}
