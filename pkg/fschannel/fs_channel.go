package fschannel

import (
	"context"
)

// StopReason explains why a filesystem channel stopped serving kernel
// requests.
type StopReason int

const (
	// StopReasonRunning is the zero value: the channel has not
	// stopped.
	StopReasonRunning StopReason = iota
	// StopReasonInitFailed: the kernel handshake failed.
	StopReasonInitFailed
	// StopReasonUnmounted: the mount point was unmounted, either by
	// us or externally.
	StopReasonUnmounted
	// StopReasonTakeover: the channel was stopped to hand its device
	// descriptor to a successor process.
	StopReasonTakeover
	// StopReasonDestructor: the channel was torn down as part of
	// destroying the mount.
	StopReasonDestructor
	// StopReasonReadError: reading a request from the device failed.
	StopReasonReadError
	// StopReasonWriteError: writing a reply to the device failed.
	StopReasonWriteError
	// StopReasonWorkerPanic: a request worker panicked.
	StopReasonWorkerPanic
)

var stopReasonNames = map[StopReason]string{
	StopReasonRunning:     "RUNNING",
	StopReasonInitFailed:  "INIT_FAILED",
	StopReasonUnmounted:   "UNMOUNTED",
	StopReasonTakeover:    "TAKEOVER",
	StopReasonDestructor:  "DESTRUCTOR",
	StopReasonReadError:   "READ_ERROR",
	StopReasonWriteError:  "WRITE_ERROR",
	StopReasonWorkerPanic: "WORKER_PANIC",
}

func (r StopReason) String() string {
	if name, ok := stopReasonNames[r]; ok {
		return name
	}
	return "UNKNOWN"
}

// FuseChannelData is the state needed to resume serving an existing
// kernel connection in another process: the FUSE device descriptor and
// the path it is mounted on.
type FuseChannelData struct {
	DeviceFD  int
	MountPath string
}

// StopData describes a stopped channel. TakeoverData is only set when
// the reason is StopReasonTakeover; for every other reason the kernel
// connection is gone.
type StopData struct {
	Reason       StopReason
	TakeoverData *FuseChannelData
}

// IsUnmounted returns whether the kernel connection no longer exists,
// meaning lookup counts held by the kernel can be discarded.
func (sd *StopData) IsUnmounted() bool {
	return sd.Reason != StopReasonTakeover
}

// FsChannel serves kernel filesystem requests for one mount and
// forwards them to a Dispatcher.
type FsChannel interface {
	// Mount establishes the kernel connection and starts serving.
	Mount(ctx context.Context) error
	// StopData returns a channel that yields exactly one value, when
	// the channel stops serving for any reason.
	StopData() <-chan StopData

	// InvalidateInode and InvalidateEntry enqueue kernel cache
	// invalidations. They never block on the kernel and may be called
	// while serving a request.
	InvalidateInode(number uint64)
	InvalidateEntry(parent uint64, name string)
	// CompleteInvalidations blocks until every invalidation enqueued
	// before the call has been pushed to the kernel.
	CompleteInvalidations(ctx context.Context) error

	// WaitForPendingWrites blocks until write data buffered inside
	// the channel has been handed to the dispatcher. Channels without
	// write buffering return immediately.
	WaitForPendingWrites(ctx context.Context) error

	// Unmount detaches the mount point and stops the channel.
	Unmount() error
	// TakeoverStop stops serving while keeping the kernel connection
	// alive, so its device descriptor can be handed to a successor.
	TakeoverStop(ctx context.Context) (*FuseChannelData, error)
	// Destroy waits for pending requests to drain and releases all
	// channel resources. The channel must already have stopped.
	Destroy()
}
