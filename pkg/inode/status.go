package inode

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Status is an errno-like result of an inode tree operation. The
// filesystem channel converts it to the corresponding kernel protocol
// error code. Keeping this as its own type (instead of reusing
// syscall.Errno) makes it impossible to accidentally report raw Go
// errors to the kernel.
type Status int

// Result values of inode tree operations.
const (
	StatusOK Status = iota
	StatusErrAccess
	StatusErrExist
	StatusErrInval
	StatusErrIO
	StatusErrIsDir
	StatusErrNoEnt
	StatusErrNotDir
	StatusErrNotEmpty
	StatusErrPerm
	StatusErrROFS
	StatusErrStale
	StatusErrNotSup
	StatusErrTimedOut
)

var statusNames = map[Status]string{
	StatusOK:          "OK",
	StatusErrAccess:   "EACCES",
	StatusErrExist:    "EEXIST",
	StatusErrInval:    "EINVAL",
	StatusErrIO:       "EIO",
	StatusErrIsDir:    "EISDIR",
	StatusErrNoEnt:    "ENOENT",
	StatusErrNotDir:   "ENOTDIR",
	StatusErrNotEmpty: "ENOTEMPTY",
	StatusErrPerm:     "EPERM",
	StatusErrROFS:     "EROFS",
	StatusErrStale:    "ESTALE",
	StatusErrNotSup:   "EOPNOTSUPP",
	StatusErrTimedOut: "ETIMEDOUT",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// statusToError converts a Status back to an error, for code paths
// (shutdown, checkout finalization) that report failures to callers
// rather than to the kernel.
func statusToError(s Status) error {
	return status.Error(codes.Internal, s.String())
}

// StatusFromError converts an error returned by a backing collaborator
// (object store, overlay) to the Status reported to the kernel for the
// request that triggered it. Backend failures never tear down the
// channel; they surface as per-request I/O errors.
func StatusFromError(err error) Status {
	if err == nil {
		return StatusOK
	}
	switch status.Code(err) {
	case codes.NotFound:
		return StatusErrNoEnt
	case codes.InvalidArgument:
		return StatusErrInval
	case codes.PermissionDenied:
		return StatusErrPerm
	case codes.DeadlineExceeded:
		return StatusErrTimedOut
	default:
		return StatusErrIO
	}
}
