//go:build linux
// +build linux

package fschannel

import (
	"context"
	"fmt"
	"log"
	"sync"
	"syscall"
	"time"

	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/filesystem/path"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/scmfs/scmfs/pkg/inode"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func toFUSEStatus(s inode.Status) fuse.Status {
	switch s {
	case inode.StatusOK:
		return fuse.OK
	case inode.StatusErrAccess:
		return fuse.EACCES
	case inode.StatusErrExist:
		return fuse.Status(syscall.EEXIST)
	case inode.StatusErrInval:
		return fuse.EINVAL
	case inode.StatusErrIO:
		return fuse.EIO
	case inode.StatusErrIsDir:
		return fuse.EISDIR
	case inode.StatusErrNoEnt:
		return fuse.ENOENT
	case inode.StatusErrNotDir:
		return fuse.ENOTDIR
	case inode.StatusErrNotEmpty:
		return fuse.Status(syscall.ENOTEMPTY)
	case inode.StatusErrPerm:
		return fuse.EPERM
	case inode.StatusErrROFS:
		return fuse.EROFS
	case inode.StatusErrStale:
		return fuse.Status(syscall.ESTALE)
	case inode.StatusErrNotSup:
		return fuse.Status(syscall.EOPNOTSUPP)
	case inode.StatusErrTimedOut:
		return fuse.Status(syscall.ETIMEDOUT)
	default:
		panic("Unknown status")
	}
}

// channelBackedContext is an implementation of context.Context around
// the cancellation channel that go-fuse provides. It does not have any
// values or deadline associated with it.
type channelBackedContext struct {
	cancel <-chan struct{}
}

var _ context.Context = channelBackedContext{}

func (ctx channelBackedContext) Deadline() (time.Time, bool) {
	var t time.Time
	return t, false
}

func (ctx channelBackedContext) Done() <-chan struct{} {
	return ctx.cancel
}

func (ctx channelBackedContext) Err() error {
	select {
	case <-ctx.cancel:
		return context.Canceled
	default:
		return nil
	}
}

func (ctx channelBackedContext) Value(key any) any {
	return nil
}

// FuseChannelOptions tune one FUSE channel.
type FuseChannelOptions struct {
	// MountPath is where the working copy is exposed.
	MountPath string
	// FSName is reported as the filesystem source in the mount table.
	FSName string
	// RequestTimeout is the maximum time a request may be serviced
	// before an early ETIMEDOUT reply is sent to the kernel. The
	// handler keeps running; only the reply is cut short. Zero
	// disables the timeout.
	RequestTimeout time.Duration
	// MaximumInFlightRequests bounds the number of concurrently
	// serviced requests.
	MaximumInFlightRequests int64
	// HighWatermarkLogInterval rate limits the log message emitted
	// when the in-flight bound is hit.
	HighWatermarkLogInterval time.Duration
	// NumThreads bounds how many requests the kernel keeps
	// outstanding on the connection, which in turn bounds the number
	// of serving goroutines. One selects strictly serial processing.
	// Zero keeps the kernel default.
	NumThreads int
	// TraceBusCapacity is the per-subscriber buffer size of the
	// completed-request trace bus. Zero selects a default.
	TraceBusCapacity int
	// DirectMount makes go-fuse issue the mount syscall itself
	// instead of spawning fusermount.
	DirectMount bool
	// DeviceFD, if positive, is an already open FUSE device
	// descriptor (inherited through takeover or opened by a
	// privileged helper) to serve instead of creating a new mount.
	DeviceFD int
}

// FuseChannel exposes a Dispatcher through the kernel's FUSE interface.
// It implements FsChannel.
type FuseChannel struct {
	options   FuseChannelOptions
	bridge    *rawBridge
	queue     *invalidationQueue
	tracker   *requestTracker
	accessLog *ProcessAccessLog

	server *fuse.Server

	stopLock   sync.Mutex
	stopReason StopReason
	stopOnce   sync.Once
	stopData   chan StopData
}

var _ FsChannel = (*FuseChannel)(nil)

// defaultMaximumInFlightRequests is used when the option is left unset.
const defaultMaximumInFlightRequests = 1000

// NewFuseChannel creates a channel that is not yet serving. Call Mount
// to establish the kernel connection.
func NewFuseChannel(dispatcher Dispatcher, clk clock.Clock, tracerProvider trace.TracerProvider, accessLog *ProcessAccessLog, options FuseChannelOptions) *FuseChannel {
	if options.MaximumInFlightRequests <= 0 {
		options.MaximumInFlightRequests = defaultMaximumInFlightRequests
	}
	queue := newInvalidationQueue()
	tracker := newRequestTracker(clk, tracerProvider.Tracer("github.com/scmfs/scmfs/pkg/fschannel"), NewTraceBus(options.TraceBusCapacity))
	c := &FuseChannel{
		options:   options,
		queue:     queue,
		tracker:   tracker,
		accessLog: accessLog,
		stopData:  make(chan StopData, 1),
	}
	c.bridge = &rawBridge{
		dispatcher:               dispatcher,
		clock:                    clk,
		tracker:                  tracker,
		accessLog:                accessLog,
		queue:                    queue,
		requestTimeout:           options.RequestTimeout,
		inFlight:                 semaphore.NewWeighted(options.MaximumInFlightRequests),
		highWatermarkLogInterval: options.HighWatermarkLogInterval,
		maximumInFlightRequests:  options.MaximumInFlightRequests,
		unsupportedLogged:        map[string]struct{}{},
		stopReason:               c.getStopReason,
		reportStop:               c.handleStop,
	}
	c.bridge.pendingCond = sync.NewCond(&c.bridge.pendingLock)
	return c
}

// Mount establishes the kernel connection and starts serving requests
// on background goroutines. It returns once the mount is visible.
func (c *FuseChannel) Mount(ctx context.Context) error {
	mountPath := c.options.MountPath
	if c.options.DeviceFD > 0 {
		// go-fuse recognizes /dev/fd/N paths and serves the
		// provided descriptor instead of mounting anything. This
		// is how an inherited kernel connection is resumed.
		mountPath = fmt.Sprintf("/dev/fd/%d", c.options.DeviceFD)
	}
	server, err := fuse.NewServer(c.bridge, mountPath, &fuse.MountOptions{
		FsName:     c.options.FSName,
		Name:       "scmfs",
		AllowOther: true,
		// Permission checks are answered by the kernel against the
		// reported file modes; the dispatcher never sees most of them.
		Options:        []string{"default_permissions"},
		DirectMount:    c.options.DirectMount,
		SingleThreaded: c.options.NumThreads == 1,
		MaxBackground:  c.options.NumThreads,
	})
	if err != nil {
		c.setStopReason(StopReasonInitFailed)
		c.deliverStop()
		return util.StatusWrapf(err, "Failed to create FUSE server for %#v", c.options.MountPath)
	}
	c.server = server
	go c.serve()
	if err := server.WaitMount(); err != nil {
		c.setStopReason(StopReasonInitFailed)
		return util.StatusWrapf(err, "FUSE handshake failed for %#v", c.options.MountPath)
	}
	return nil
}

// serve runs until the kernel connection goes away, then publishes the
// stop data.
func (c *FuseChannel) serve() {
	c.server.Serve()
	c.setStopReason(StopReasonUnmounted)
	c.deliverStop()
}

// handleStop records a stop reason reported by the bridge. A worker
// panic additionally detaches the kernel connection: the dispatcher's
// state is suspect, so no further requests may reach it.
func (c *FuseChannel) handleStop(reason StopReason) {
	c.setStopReason(reason)
	if reason != StopReasonWorkerPanic {
		return
	}
	go func() {
		if c.server == nil {
			c.deliverStop()
		} else if err := c.server.Unmount(); err != nil {
			log.Printf("Failed to unmount %#v after a worker panic: %v", c.options.MountPath, err)
			c.deliverStop()
		}
	}()
}

func (c *FuseChannel) setStopReason(reason StopReason) {
	c.stopLock.Lock()
	defer c.stopLock.Unlock()
	if c.stopReason == StopReasonRunning {
		c.stopReason = reason
	}
}

func (c *FuseChannel) getStopReason() StopReason {
	c.stopLock.Lock()
	defer c.stopLock.Unlock()
	return c.stopReason
}

func (c *FuseChannel) deliverStop() {
	c.stopOnce.Do(func() {
		reason := c.getStopReason()
		sd := StopData{Reason: reason}
		if reason == StopReasonTakeover {
			sd.TakeoverData = &FuseChannelData{
				DeviceFD:  c.options.DeviceFD,
				MountPath: c.options.MountPath,
			}
		}
		if sd.IsUnmounted() {
			c.queue.stop()
		}
		c.stopData <- sd
	})
}

// StopData returns the channel on which the stop data is published.
func (c *FuseChannel) StopData() <-chan StopData {
	return c.stopData
}

// InvalidateInode enqueues an attribute and page cache invalidation.
func (c *FuseChannel) InvalidateInode(number uint64) {
	c.queue.pushInode(number)
}

// InvalidateEntry enqueues a directory entry cache invalidation.
func (c *FuseChannel) InvalidateEntry(parent uint64, name string) {
	c.queue.pushEntry(parent, name)
}

// CompleteInvalidations blocks until all previously enqueued
// invalidations have been pushed to the kernel.
func (c *FuseChannel) CompleteInvalidations(ctx context.Context) error {
	if err := waitForBarrier(ctx, c.queue.pushBarrier()); err != nil {
		return util.StatusWrapWithCode(err, codes.DeadlineExceeded, "Failed to flush kernel cache invalidations")
	}
	return nil
}

// WaitForPendingWrites resolves immediately: write requests are handed
// to the dispatcher synchronously, so there is never buffered write
// data inside the channel.
func (c *FuseChannel) WaitForPendingWrites(ctx context.Context) error {
	return ctx.Err()
}

// Unmount detaches the mount point. The stop data is published once the
// serve loop observes the connection closing.
func (c *FuseChannel) Unmount() error {
	c.setStopReason(StopReasonUnmounted)
	if c.server == nil {
		c.deliverStop()
		return nil
	}
	if err := c.server.Unmount(); err != nil {
		return util.StatusWrapf(err, "Failed to unmount %#v", c.options.MountPath)
	}
	return nil
}

// TakeoverStop stops servicing requests while leaving the kernel
// connection intact, and returns the state a successor process needs to
// resume it. Only channels serving a descriptor obtained outside of
// go-fuse (DeviceFD set) can be taken over; a fusermount-established
// connection has no descriptor we can hand off.
func (c *FuseChannel) TakeoverStop(ctx context.Context) (*FuseChannelData, error) {
	if c.options.DeviceFD <= 0 {
		return nil, status.Error(codes.FailedPrecondition, "Channel is not backed by a transferable device descriptor")
	}
	c.setStopReason(StopReasonTakeover)
	if err := c.CompleteInvalidations(ctx); err != nil {
		return nil, err
	}
	if err := c.bridge.waitDrained(ctx); err != nil {
		return nil, util.StatusWrap(err, "Failed to drain pending requests")
	}
	c.deliverStop()
	return &FuseChannelData{
		DeviceFD:  c.options.DeviceFD,
		MountPath: c.options.MountPath,
	}, nil
}

// Destroy waits for pending requests to drain and tears down the
// dispatcher. The channel must have stopped already; destruction while
// requests are pending is deferred until the last one completes.
func (c *FuseChannel) Destroy() {
	c.setStopReason(StopReasonDestructor)
	c.bridge.drain()
	c.queue.stop()
	c.bridge.dispatcher.Destroy()
	c.deliverStop()
}

// ListOutstandingRequests exposes the requests currently being serviced.
func (c *FuseChannel) ListOutstandingRequests() []OutstandingRequest {
	return c.tracker.ListOutstandingRequests()
}

// SubscribeTraceEvents attaches a subscriber to the completed-request
// trace bus. The cancel function must be called when the subscriber is
// done.
func (c *FuseChannel) SubscribeTraceEvents() (<-chan TraceEvent, func()) {
	return c.tracker.bus.Subscribe()
}

// rawBridge converts go-fuse's flat request callbacks to Dispatcher
// calls, adding request accounting, backpressure and early timeout
// replies.
type rawBridge struct {
	dispatcher               Dispatcher
	clock                    clock.Clock
	tracker                  *requestTracker
	accessLog                *ProcessAccessLog
	queue                    *invalidationQueue
	requestTimeout           time.Duration
	inFlight                 *semaphore.Weighted
	maximumInFlightRequests  int64
	highWatermarkLogInterval time.Duration
	stopReason               func() StopReason
	reportStop               func(StopReason)

	pendingLock          sync.Mutex
	pendingCond          *sync.Cond
	pendingRequests      int
	draining             bool
	lastHighWatermarkLog time.Time

	unsupportedLock   sync.Mutex
	unsupportedLogged map[string]struct{}
}

var _ fuse.RawFileSystem = (*rawBridge)(nil)

func (b *rawBridge) String() string {
	return "FuseChannel"
}

func (b *rawBridge) SetDebug(debug bool) {}

func (b *rawBridge) Init(server *fuse.Server) {
	go b.queue.consume(server)
}

func requestContextFromCaller(unique uint64, caller *fuse.Caller) RequestContext {
	return RequestContext{
		Unique: unique,
		Pid:    caller.Pid,
		Uid:    caller.Uid,
		Gid:    caller.Gid,
	}
}

// tryAddPending registers a request for the drain barrier. It fails once
// draining has started, so that drain() is a point of no return: a
// request that raced past the stop reason check still cannot reach the
// dispatcher afterwards.
func (b *rawBridge) tryAddPending() bool {
	b.pendingLock.Lock()
	defer b.pendingLock.Unlock()
	if b.draining {
		return false
	}
	b.pendingRequests++
	return true
}

func (b *rawBridge) donePending() {
	b.pendingLock.Lock()
	defer b.pendingLock.Unlock()
	b.pendingRequests--
	if b.pendingRequests == 0 {
		b.pendingCond.Broadcast()
	}
}

// drain blocks until every pending request handler has completed,
// including handlers whose reply was already sent due to a timeout.
func (b *rawBridge) drain() {
	b.pendingLock.Lock()
	defer b.pendingLock.Unlock()
	b.draining = true
	for b.pendingRequests > 0 {
		b.pendingCond.Wait()
	}
}

func (b *rawBridge) waitDrained(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.drain()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *rawBridge) logHighWatermark(operation string) {
	b.pendingLock.Lock()
	defer b.pendingLock.Unlock()
	now := b.clock.Now()
	if now.Sub(b.lastHighWatermarkLog) >= b.highWatermarkLogInterval {
		b.lastHighWatermarkLog = now
		log.Printf("FUSE channel reached the maximum of %d in-flight requests while servicing %s", b.maximumInFlightRequests, operation)
	}
}

func (b *rawBridge) logUnsupportedOnce(operation string) {
	b.unsupportedLock.Lock()
	defer b.unsupportedLock.Unlock()
	if _, ok := b.unsupportedLogged[operation]; !ok {
		b.unsupportedLogged[operation] = struct{}{}
		log.Printf("Rejecting unsupported FUSE operation %s; this message is only logged once per operation", operation)
	}
}

// invoke runs one request handler with accounting, backpressure and the
// early timeout reply. The handler returns an apply callback that
// copies its results into the kernel reply buffers; apply is only run
// if the reply has not been sent yet, so a late handler can never
// corrupt a reply buffer that go-fuse has reused.
func (b *rawBridge) invoke(cancel <-chan struct{}, operation string, rc RequestContext, fn func(ctx context.Context) (func(), inode.Status)) fuse.Status {
	// A stopped channel dispatches nothing. Requests that the kernel
	// had already submitted are answered as if the device were gone.
	if b.stopReason() != StopReasonRunning {
		return fuse.Status(syscall.ENODEV)
	}
	ctx := context.Context(channelBackedContext{cancel: cancel})
	if !b.inFlight.TryAcquire(1) {
		b.logHighWatermark(operation)
		if err := b.inFlight.Acquire(ctx, 1); err != nil {
			return fuse.Status(syscall.EINTR)
		}
	}
	if !b.tryAddPending() {
		b.inFlight.Release(1)
		return fuse.Status(syscall.ENODEV)
	}
	finish := b.tracker.start(ctx, operation, &rc)

	type result struct {
		apply  func()
		status inode.Status
	}
	resultChan := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("FUSE request handler for %s panicked: %v", operation, r)
				b.reportStop(StopReasonWorkerPanic)
				finish("PANIC")
				resultChan <- result{status: inode.StatusErrIO}
			}
			b.inFlight.Release(1)
			b.donePending()
		}()
		apply, s := fn(ctx)
		finish(s.String())
		resultChan <- result{apply: apply, status: s}
	}()

	var timeout <-chan time.Time
	var timer clock.Timer
	if b.requestTimeout > 0 {
		timer, timeout = b.clock.NewTimer(b.requestTimeout)
	}
	select {
	case r := <-resultChan:
		if timer != nil {
			timer.Stop()
		}
		if r.apply != nil {
			r.apply()
		}
		return toFUSEStatus(r.status)
	case <-timeout:
		// The handler keeps running; only the kernel gets its
		// reply early. Its eventual result is discarded.
		b.tracker.timedOut(operation)
		return fuse.Status(syscall.ETIMEDOUT)
	}
}

func populateAttr(attr *inode.Attr, out *fuse.Attr) {
	out.Ino = uint64(attr.InodeNumber)
	out.Size = attr.SizeBytes
	out.Nlink = attr.LinkCount
	switch attr.FileType {
	case inode.FileTypeDirectory:
		out.Mode = syscall.S_IFDIR
	case inode.FileTypeSymlink:
		out.Mode = syscall.S_IFLNK
	default:
		out.Mode = syscall.S_IFREG
	}
	out.Mode |= attr.Mode & 0o7777
	nanos := attr.Mtime.UnixNano()
	out.Mtime = uint64(nanos / 1e9)
	out.Mtimensec = uint32(nanos % 1e9)
}

// populateEntryOut fills a lookup reply and registers the kernel
// reference it implies. It must only run from an apply callback.
func (b *rawBridge) populateEntryOut(attr *inode.Attr, out *fuse.EntryOut) {
	populateAttr(attr, &out.Attr)
	out.NodeId = uint64(attr.InodeNumber)
	out.Ino = uint64(attr.InodeNumber)
	b.dispatcher.Retain(attr.InodeNumber, 1)
}

func (b *rawBridge) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	component, ok := path.NewComponent(name)
	if !ok {
		return fuse.EINVAL
	}
	rc := requestContextFromCaller(header.Unique, &header.Caller)
	b.accessLog.recordMetadata(rc.Pid)
	return b.invoke(cancel, "Lookup", rc, func(ctx context.Context) (func(), inode.Status) {
		attr, s := b.dispatcher.Lookup(ctx, &rc, inode.InodeNumber(header.NodeId), component)
		if s != inode.StatusOK {
			return nil, s
		}
		return func() {
			b.populateEntryOut(&attr, out)
		}, inode.StatusOK
	})
}

func (b *rawBridge) Forget(nodeID, nLookup uint64) {
	b.dispatcher.Forget(inode.InodeNumber(nodeID), nLookup)
}

func (b *rawBridge) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	rc := requestContextFromCaller(input.Unique, &input.Caller)
	b.accessLog.recordMetadata(rc.Pid)
	return b.invoke(cancel, "GetAttr", rc, func(ctx context.Context) (func(), inode.Status) {
		attr, s := b.dispatcher.GetAttr(ctx, &rc, inode.InodeNumber(input.NodeId))
		if s != inode.StatusOK {
			return nil, s
		}
		return func() {
			populateAttr(&attr, &out.Attr)
		}, inode.StatusOK
	})
}

func (b *rawBridge) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	if input.Valid&(fuse.FATTR_UID|fuse.FATTR_GID) != 0 {
		return fuse.EPERM
	}
	request := inode.SetAttrRequest{}
	if input.Valid&fuse.FATTR_MODE != 0 {
		mode := input.Mode & 0o7777
		request.Mode = &mode
	}
	if input.Valid&fuse.FATTR_SIZE != 0 {
		size := input.Size
		request.SizeBytes = &size
	}
	if input.Valid&fuse.FATTR_MTIME != 0 {
		var mtime time.Time
		if input.Valid&fuse.FATTR_MTIME_NOW != 0 {
			mtime = b.clock.Now()
		} else {
			mtime = time.Unix(int64(input.Mtime), int64(input.Mtimensec))
		}
		request.Mtime = &mtime
	}
	rc := requestContextFromCaller(input.Unique, &input.Caller)
	b.accessLog.recordWrite(rc.Pid)
	return b.invoke(cancel, "SetAttr", rc, func(ctx context.Context) (func(), inode.Status) {
		attr, s := b.dispatcher.SetAttr(ctx, &rc, inode.InodeNumber(input.NodeId), &request)
		if s != inode.StatusOK {
			return nil, s
		}
		return func() {
			populateAttr(&attr, &out.Attr)
		}, inode.StatusOK
	})
}

func (b *rawBridge) Mknod(cancel <-chan struct{}, input *fuse.MknodIn, name string, out *fuse.EntryOut) fuse.Status {
	// Device nodes, FIFOs and sockets have no representation in
	// source control.
	return fuse.EPERM
}

func (b *rawBridge) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	component, ok := path.NewComponent(name)
	if !ok {
		return fuse.EINVAL
	}
	rc := requestContextFromCaller(input.Unique, &input.Caller)
	b.accessLog.recordWrite(rc.Pid)
	return b.invoke(cancel, "Mkdir", rc, func(ctx context.Context) (func(), inode.Status) {
		attr, s := b.dispatcher.Mkdir(ctx, &rc, inode.InodeNumber(input.NodeId), component, input.Mode)
		if s != inode.StatusOK {
			return nil, s
		}
		return func() {
			b.populateEntryOut(&attr, out)
		}, inode.StatusOK
	})
}

func (b *rawBridge) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	component, ok := path.NewComponent(name)
	if !ok {
		return fuse.EINVAL
	}
	rc := requestContextFromCaller(header.Unique, &header.Caller)
	b.accessLog.recordWrite(rc.Pid)
	return b.invoke(cancel, "Unlink", rc, func(ctx context.Context) (func(), inode.Status) {
		return nil, b.dispatcher.Unlink(ctx, &rc, inode.InodeNumber(header.NodeId), component)
	})
}

func (b *rawBridge) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	component, ok := path.NewComponent(name)
	if !ok {
		return fuse.EINVAL
	}
	rc := requestContextFromCaller(header.Unique, &header.Caller)
	b.accessLog.recordWrite(rc.Pid)
	return b.invoke(cancel, "Rmdir", rc, func(ctx context.Context) (func(), inode.Status) {
		return nil, b.dispatcher.Rmdir(ctx, &rc, inode.InodeNumber(header.NodeId), component)
	})
}

func (b *rawBridge) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName, newName string) fuse.Status {
	oldComponent, ok := path.NewComponent(oldName)
	if !ok {
		return fuse.EINVAL
	}
	newComponent, ok := path.NewComponent(newName)
	if !ok {
		return fuse.EINVAL
	}
	rc := requestContextFromCaller(input.Unique, &input.Caller)
	b.accessLog.recordWrite(rc.Pid)
	return b.invoke(cancel, "Rename", rc, func(ctx context.Context) (func(), inode.Status) {
		return nil, b.dispatcher.Rename(ctx, &rc, inode.InodeNumber(input.NodeId), oldComponent, inode.InodeNumber(input.Newdir), newComponent)
	})
}

func (b *rawBridge) Link(cancel <-chan struct{}, input *fuse.LinkIn, filename string, out *fuse.EntryOut) fuse.Status {
	// Hard links cannot be represented in the working copy model.
	return fuse.EPERM
}

func (b *rawBridge) Symlink(cancel <-chan struct{}, header *fuse.InHeader, pointedTo, linkName string, out *fuse.EntryOut) fuse.Status {
	component, ok := path.NewComponent(linkName)
	if !ok {
		return fuse.EINVAL
	}
	rc := requestContextFromCaller(header.Unique, &header.Caller)
	b.accessLog.recordWrite(rc.Pid)
	return b.invoke(cancel, "Symlink", rc, func(ctx context.Context) (func(), inode.Status) {
		attr, s := b.dispatcher.Symlink(ctx, &rc, inode.InodeNumber(header.NodeId), pointedTo, component)
		if s != inode.StatusOK {
			return nil, s
		}
		return func() {
			b.populateEntryOut(&attr, out)
		}, inode.StatusOK
	})
}

func (b *rawBridge) Readlink(cancel <-chan struct{}, header *fuse.InHeader) ([]byte, fuse.Status) {
	rc := requestContextFromCaller(header.Unique, &header.Caller)
	b.accessLog.recordRead(rc.Pid)
	var target string
	s := b.invoke(cancel, "Readlink", rc, func(ctx context.Context) (func(), inode.Status) {
		t, s := b.dispatcher.Readlink(ctx, &rc, inode.InodeNumber(header.NodeId))
		if s != inode.StatusOK {
			return nil, s
		}
		return func() {
			target = t
		}, inode.StatusOK
	})
	if s != fuse.OK {
		return nil, s
	}
	return []byte(target), fuse.OK
}

func (b *rawBridge) Access(cancel <-chan struct{}, input *fuse.AccessIn) fuse.Status {
	rc := requestContextFromCaller(input.Unique, &input.Caller)
	b.accessLog.recordMetadata(rc.Pid)
	return b.invoke(cancel, "Access", rc, func(ctx context.Context) (func(), inode.Status) {
		return nil, b.dispatcher.Access(ctx, &rc, inode.InodeNumber(input.NodeId), input.Mask)
	})
}

func (b *rawBridge) GetXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string, dest []byte) (uint32, fuse.Status) {
	// Returning ENOSYS makes the kernel stop issuing xattr requests
	// for the lifetime of the mount.
	return 0, fuse.ENOSYS
}

func (b *rawBridge) ListXAttr(cancel <-chan struct{}, header *fuse.InHeader, dest []byte) (uint32, fuse.Status) {
	return 0, fuse.ENOSYS
}

func (b *rawBridge) SetXAttr(cancel <-chan struct{}, input *fuse.SetXAttrIn, attr string, data []byte) fuse.Status {
	b.logUnsupportedOnce("SetXAttr")
	return fuse.ENOSYS
}

func (b *rawBridge) RemoveXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string) fuse.Status {
	b.logUnsupportedOnce("RemoveXAttr")
	return fuse.ENOSYS
}

func (b *rawBridge) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	component, ok := path.NewComponent(name)
	if !ok {
		return fuse.EINVAL
	}
	rc := requestContextFromCaller(input.Unique, &input.Caller)
	b.accessLog.recordWrite(rc.Pid)
	return b.invoke(cancel, "Create", rc, func(ctx context.Context) (func(), inode.Status) {
		attr, s := b.dispatcher.Create(ctx, &rc, inode.InodeNumber(input.NodeId), component, input.Mode)
		if s != inode.StatusOK {
			return nil, s
		}
		return func() {
			b.populateEntryOut(&attr, &out.EntryOut)
		}, inode.StatusOK
	})
}

func (b *rawBridge) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	writable := input.Flags&syscall.O_ACCMODE != syscall.O_RDONLY
	truncate := input.Flags&syscall.O_TRUNC != 0
	rc := requestContextFromCaller(input.Unique, &input.Caller)
	b.accessLog.recordMetadata(rc.Pid)
	return b.invoke(cancel, "Open", rc, func(ctx context.Context) (func(), inode.Status) {
		return nil, b.dispatcher.Open(ctx, &rc, inode.InodeNumber(input.NodeId), writable, truncate)
	})
}

func (b *rawBridge) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	rc := requestContextFromCaller(input.Unique, &input.Caller)
	b.accessLog.recordRead(rc.Pid)
	var readResult fuse.ReadResult
	s := b.invoke(cancel, "Read", rc, func(ctx context.Context) (func(), inode.Status) {
		// The handler reads into its own buffer: buf belongs to
		// go-fuse and is reused as soon as we reply.
		data := make([]byte, len(buf))
		n, s := b.dispatcher.Read(ctx, &rc, inode.InodeNumber(input.NodeId), data, input.Offset)
		if s != inode.StatusOK {
			return nil, s
		}
		return func() {
			copied := copy(buf, data[:n])
			readResult = fuse.ReadResultData(buf[:copied])
		}, inode.StatusOK
	})
	if s != fuse.OK {
		return nil, s
	}
	return readResult, fuse.OK
}

func (b *rawBridge) Lseek(cancel <-chan struct{}, in *fuse.LseekIn, out *fuse.LseekOut) fuse.Status {
	b.logUnsupportedOnce("Lseek")
	return fuse.ENOSYS
}

func (b *rawBridge) GetLk(cancel <-chan struct{}, input *fuse.LkIn, out *fuse.LkOut) fuse.Status {
	b.logUnsupportedOnce("GetLk")
	return fuse.ENOSYS
}

func (b *rawBridge) SetLk(cancel <-chan struct{}, input *fuse.LkIn) fuse.Status {
	b.logUnsupportedOnce("SetLk")
	return fuse.ENOSYS
}

func (b *rawBridge) SetLkw(cancel <-chan struct{}, input *fuse.LkIn) fuse.Status {
	b.logUnsupportedOnce("SetLkw")
	return fuse.ENOSYS
}

func (b *rawBridge) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	rc := requestContextFromCaller(input.Unique, &input.Caller)
	b.dispatcher.Release(&rc, inode.InodeNumber(input.NodeId))
}

func (b *rawBridge) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	rc := requestContextFromCaller(input.Unique, &input.Caller)
	b.accessLog.recordWrite(rc.Pid)
	// data belongs to go-fuse and is reused as soon as we reply,
	// while the handler may outlive the reply on timeout.
	owned := append([]byte(nil), data...)
	var written int
	s := b.invoke(cancel, "Write", rc, func(ctx context.Context) (func(), inode.Status) {
		n, s := b.dispatcher.Write(ctx, &rc, inode.InodeNumber(input.NodeId), owned, input.Offset)
		if s != inode.StatusOK {
			return nil, s
		}
		return func() {
			written = n
		}, inode.StatusOK
	})
	if s != fuse.OK {
		return 0, s
	}
	return uint32(written), fuse.OK
}

func (b *rawBridge) CopyFileRange(cancel <-chan struct{}, input *fuse.CopyFileRangeIn) (uint32, fuse.Status) {
	b.logUnsupportedOnce("CopyFileRange")
	return 0, fuse.ENOSYS
}

func (b *rawBridge) Flush(cancel <-chan struct{}, input *fuse.FlushIn) fuse.Status {
	rc := requestContextFromCaller(input.Unique, &input.Caller)
	return b.invoke(cancel, "Flush", rc, func(ctx context.Context) (func(), inode.Status) {
		return nil, b.dispatcher.Flush(ctx, &rc, inode.InodeNumber(input.NodeId))
	})
}

func (b *rawBridge) Fsync(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	rc := requestContextFromCaller(input.Unique, &input.Caller)
	b.accessLog.recordWrite(rc.Pid)
	return b.invoke(cancel, "Fsync", rc, func(ctx context.Context) (func(), inode.Status) {
		return nil, b.dispatcher.Fsync(ctx, &rc, inode.InodeNumber(input.NodeId))
	})
}

func (b *rawBridge) Fallocate(cancel <-chan struct{}, input *fuse.FallocateIn) fuse.Status {
	b.logUnsupportedOnce("Fallocate")
	return fuse.ENOSYS
}

func (b *rawBridge) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	rc := requestContextFromCaller(input.Unique, &input.Caller)
	b.accessLog.recordMetadata(rc.Pid)
	return b.invoke(cancel, "OpenDir", rc, func(ctx context.Context) (func(), inode.Status) {
		return nil, b.dispatcher.OpenDir(ctx, &rc, inode.InodeNumber(input.NodeId))
	})
}

// Directory entries that need to be prepended to the results of all
// ReadDir() and ReadDirPlus() operations. The inode number is not
// filled in for these entries, which is permitted.
var dotDotEntries = []fuse.DirEntry{
	{Mode: fuse.S_IFDIR, Name: "."},
	{Mode: fuse.S_IFDIR, Name: ".."},
}

const dotDotEntriesCount uint64 = 2

func toFUSEDirEntryMode(fileType inode.FileType) uint32 {
	switch fileType {
	case inode.FileTypeDirectory:
		return fuse.S_IFDIR
	case inode.FileTypeSymlink:
		return syscall.S_IFLNK
	default:
		return fuse.S_IFREG
	}
}

func (b *rawBridge) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	rc := requestContextFromCaller(input.Unique, &input.Caller)
	b.accessLog.recordEnumerate(rc.Pid)
	offset := input.Offset
	return b.invoke(cancel, "ReadDir", rc, func(ctx context.Context) (func(), inode.Status) {
		firstIndex := uint64(0)
		if offset > dotDotEntriesCount {
			firstIndex = offset - dotDotEntriesCount
		}
		entries, s := b.dispatcher.ReadDir(ctx, &rc, inode.InodeNumber(input.NodeId), firstIndex)
		if s != inode.StatusOK {
			return nil, s
		}
		return func() {
			cookie := offset
			for ; cookie < dotDotEntriesCount; cookie++ {
				e := dotDotEntries[cookie]
				e.Off = cookie + 1
				if !out.AddDirEntry(e) {
					return
				}
			}
			for i, e := range entries {
				added := out.AddDirEntry(fuse.DirEntry{
					Mode: toFUSEDirEntryMode(e.FileType),
					Name: e.Name.String(),
					Ino:  uint64(e.InodeNumber),
					Off:  dotDotEntriesCount + firstIndex + uint64(i) + 1,
				})
				if !added {
					return
				}
			}
		}, inode.StatusOK
	})
}

func (b *rawBridge) ReadDirPlus(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	rc := requestContextFromCaller(input.Unique, &input.Caller)
	b.accessLog.recordEnumerate(rc.Pid)
	offset := input.Offset
	return b.invoke(cancel, "ReadDirPlus", rc, func(ctx context.Context) (func(), inode.Status) {
		firstIndex := uint64(0)
		if offset > dotDotEntriesCount {
			firstIndex = offset - dotDotEntriesCount
		}
		entries, s := b.dispatcher.ReadDirPlus(ctx, &rc, inode.InodeNumber(input.NodeId), firstIndex)
		if s != inode.StatusOK {
			return nil, s
		}
		return func() {
			cookie := offset
			for ; cookie < dotDotEntriesCount; cookie++ {
				e := dotDotEntries[cookie]
				e.Off = cookie + 1
				if out.AddDirLookupEntry(e) == nil {
					return
				}
			}
			for i, e := range entries {
				entryOut := out.AddDirLookupEntry(fuse.DirEntry{
					Mode: toFUSEDirEntryMode(e.Attr.FileType),
					Name: e.Name.String(),
					Ino:  uint64(e.Attr.InodeNumber),
					Off:  dotDotEntriesCount + firstIndex + uint64(i) + 1,
				})
				if entryOut == nil {
					return
				}
				attr := e.Attr
				b.populateEntryOut(&attr, entryOut)
			}
		}, inode.StatusOK
	})
}

func (b *rawBridge) ReleaseDir(input *fuse.ReleaseIn) {
	rc := requestContextFromCaller(input.Unique, &input.Caller)
	b.dispatcher.ReleaseDir(&rc, inode.InodeNumber(input.NodeId))
}

func (b *rawBridge) FsyncDir(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	rc := requestContextFromCaller(input.Unique, &input.Caller)
	return b.invoke(cancel, "FsyncDir", rc, func(ctx context.Context) (func(), inode.Status) {
		return nil, b.dispatcher.Fsync(ctx, &rc, inode.InodeNumber(input.NodeId))
	})
}

func (b *rawBridge) StatFs(cancel <-chan struct{}, input *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	rc := requestContextFromCaller(input.Unique, &input.Caller)
	blockSize, nameLen := b.dispatcher.StatFs(&rc)
	out.Bsize = blockSize
	out.NameLen = nameLen
	return fuse.OK
}
