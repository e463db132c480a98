package fschannel

import (
	"context"

	"github.com/buildbarn/bb-storage/pkg/filesystem/path"
	"github.com/scmfs/scmfs/pkg/inode"
)

// DirEntryFull is one row of a ReadDirPlus result: a directory entry
// together with the full attributes the kernel caches for it.
type DirEntryFull struct {
	Name path.Component
	Attr inode.Attr
}

// RequestContext describes the kernel request being dispatched: its
// protocol-level identifier and the credentials of the calling process.
type RequestContext struct {
	Unique uint64
	Pid    uint32
	Uid    uint32
	Gid    uint32
}

// Dispatcher is the interface between the kernel protocol channel and
// the working copy it exposes. The channel owns all protocol concerns
// (request accounting, timeouts, replies); the dispatcher owns the
// filesystem semantics. All blocking methods take a context that is
// cancelled when the kernel interrupts the request or the channel shuts
// down.
//
// The channel calls Retain once for every inode number it reports to
// the kernel in a lookup-style reply, after the reply is known to have
// been delivered. Forget releases those references. Dispatcher methods
// themselves must not register references: a reply can be dropped when
// the request times out, in which case the kernel never learns the
// number.
type Dispatcher interface {
	Retain(number inode.InodeNumber, count uint64)

	Lookup(ctx context.Context, rc *RequestContext, parent inode.InodeNumber, name path.Component) (inode.Attr, inode.Status)
	Forget(number inode.InodeNumber, count uint64)
	GetAttr(ctx context.Context, rc *RequestContext, number inode.InodeNumber) (inode.Attr, inode.Status)
	SetAttr(ctx context.Context, rc *RequestContext, number inode.InodeNumber, request *inode.SetAttrRequest) (inode.Attr, inode.Status)
	Readlink(ctx context.Context, rc *RequestContext, number inode.InodeNumber) (string, inode.Status)

	Create(ctx context.Context, rc *RequestContext, parent inode.InodeNumber, name path.Component, mode uint32) (inode.Attr, inode.Status)
	Mkdir(ctx context.Context, rc *RequestContext, parent inode.InodeNumber, name path.Component, mode uint32) (inode.Attr, inode.Status)
	Symlink(ctx context.Context, rc *RequestContext, parent inode.InodeNumber, target string, name path.Component) (inode.Attr, inode.Status)
	Unlink(ctx context.Context, rc *RequestContext, parent inode.InodeNumber, name path.Component) inode.Status
	Rmdir(ctx context.Context, rc *RequestContext, parent inode.InodeNumber, name path.Component) inode.Status
	Rename(ctx context.Context, rc *RequestContext, oldParent inode.InodeNumber, oldName path.Component, newParent inode.InodeNumber, newName path.Component) inode.Status

	Open(ctx context.Context, rc *RequestContext, number inode.InodeNumber, writable, truncate bool) inode.Status
	Read(ctx context.Context, rc *RequestContext, number inode.InodeNumber, buf []byte, offset uint64) (int, inode.Status)
	Write(ctx context.Context, rc *RequestContext, number inode.InodeNumber, data []byte, offset uint64) (int, inode.Status)
	Flush(ctx context.Context, rc *RequestContext, number inode.InodeNumber) inode.Status
	Fsync(ctx context.Context, rc *RequestContext, number inode.InodeNumber) inode.Status
	Release(rc *RequestContext, number inode.InodeNumber)

	OpenDir(ctx context.Context, rc *RequestContext, number inode.InodeNumber) inode.Status
	ReadDir(ctx context.Context, rc *RequestContext, number inode.InodeNumber, firstIndex uint64) ([]inode.DirListEntry, inode.Status)
	ReadDirPlus(ctx context.Context, rc *RequestContext, number inode.InodeNumber, firstIndex uint64) ([]DirEntryFull, inode.Status)
	ReleaseDir(rc *RequestContext, number inode.InodeNumber)
	Access(ctx context.Context, rc *RequestContext, number inode.InodeNumber, mask uint32) inode.Status
	StatFs(rc *RequestContext) (blockSize uint32, nameLen uint32)

	// Destroy is invoked once, after the channel has stopped and the
	// last pending request has completed.
	Destroy()
}
