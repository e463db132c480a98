package inode

import (
	"context"
	"time"

	"github.com/buildbarn/bb-storage/pkg/filesystem/path"
)

// InodeNumber is the stable identifier of an inode within one mount. It
// is assigned when an inode (or a directory entry that may later be
// loaded) first becomes visible, and is never reused while the kernel
// still references it.
type InodeNumber uint64

// RootInodeNumber is the reserved inode number of the root directory of
// every mount.
const RootInodeNumber InodeNumber = 1

// FileType denotes the kind of filesystem object an inode represents.
type FileType uint8

// Inodes are directories, regular files or symlinks. Special files
// (devices, sockets, FIFOs) are not representable in a source control
// working copy.
const (
	FileTypeDirectory FileType = iota + 1
	FileTypeRegularFile
	FileTypeSymlink
)

// Attr is the attribute bundle reported to the kernel for one inode.
type Attr struct {
	InodeNumber InodeNumber
	FileType    FileType
	Mode        uint32
	SizeBytes   uint64
	Mtime       time.Time
	LinkCount   uint32
}

// SetAttrRequest lists the attributes a setattr operation wants to
// change. Nil fields are left untouched.
type SetAttrRequest struct {
	Mode      *uint32
	SizeBytes *uint64
	Mtime     *time.Time
}

// Inode is one file or directory resident in memory. Concrete types are
// TreeInode, FileInode and SymlinkInode.
//
// Inodes hold a non-owning back reference to the InodeMap that
// registered them. This is safe because the InodeMap's shutdown path
// unloads every inode before the map itself is torn down; no inode
// outlives its map.
type Inode interface {
	InodeNumber() InodeNumber
	FileType() FileType
	GetAttr(ctx context.Context) (Attr, Status)
	SetAttr(ctx context.Context, request *SetAttrRequest) (Attr, Status)

	// Flush persists any dirty in-memory state to the overlay. It
	// is invoked by fsync-style operations and by InodeMap
	// shutdown.
	Flush(ctx context.Context) Status

	// Path returns the mount relative path of the inode, for
	// journal entries and diagnostics. The empty string denotes the
	// root directory.
	Path() string
}

// location records where an inode currently lives in the tree. The
// parent pointer is non-owning; directory teardown detaches children
// before the parent goes away. It is guarded by the InodeMap's location
// lock rather than the inode's own lock, so that Path() can walk
// upwards without taking inode locks along the way.
type location struct {
	parent *TreeInode
	name   path.Component
}
