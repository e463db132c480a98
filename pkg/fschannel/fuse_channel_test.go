//go:build linux
// +build linux

package fschannel

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/filesystem/path"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/scmfs/scmfs/pkg/inode"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

// fakeKernelNotifier records the kernel notifications the invalidation
// queue issues.
type fakeKernelNotifier struct {
	lock          sync.Mutex
	notifications []string
}

var _ kernelNotifier = (*fakeKernelNotifier)(nil)

func (kn *fakeKernelNotifier) record(s string) fuse.Status {
	kn.lock.Lock()
	defer kn.lock.Unlock()
	kn.notifications = append(kn.notifications, s)
	return fuse.OK
}

func (kn *fakeKernelNotifier) recorded() []string {
	kn.lock.Lock()
	defer kn.lock.Unlock()
	return append([]string(nil), kn.notifications...)
}

func (kn *fakeKernelNotifier) InodeNotify(node uint64, off int64, length int64) fuse.Status {
	return kn.record("inode")
}

func (kn *fakeKernelNotifier) EntryNotify(parent uint64, name string) fuse.Status {
	return kn.record("entry " + name)
}

func TestInvalidationQueueOrdering(t *testing.T) {
	queue := newInvalidationQueue()
	callbacks := &fakeKernelNotifier{}
	go queue.consume(callbacks)
	defer queue.stop()

	queue.pushInode(17)
	queue.pushEntry(1, "first")
	queue.pushEntry(1, "second")
	require.NoError(t, waitForBarrier(context.Background(), queue.pushBarrier()))
	require.Equal(t, []string{"inode", "entry first", "entry second"}, callbacks.recorded())

	// Entries enqueued after a barrier are processed after it.
	queue.pushEntry(1, "later")
	require.NoError(t, waitForBarrier(context.Background(), queue.pushBarrier()))
	require.Equal(t, []string{"inode", "entry first", "entry second", "entry later"}, callbacks.recorded())
}

func TestInvalidationQueueStopCompletesBarriers(t *testing.T) {
	queue := newInvalidationQueue()

	// No consumer is running. Stopping the queue must complete the
	// barrier anyway, and later barriers must not block either.
	pending := queue.pushBarrier()
	queue.stop()
	require.NoError(t, waitForBarrier(context.Background(), pending))
	require.NoError(t, waitForBarrier(context.Background(), queue.pushBarrier()))
}

// fakeTimer is a timer whose expiry the test controls.
type fakeTimer struct{}

func (t fakeTimer) Stop() bool {
	return true
}

// fakeTicker never fires on its own; the test drives its channel.
type fakeTicker struct{}

func (t fakeTicker) Stop() {}

// fakeClock hands out a test-controlled timer channel.
type fakeClock struct {
	timerChannel chan time.Time
}

var _ clock.Clock = (*fakeClock)(nil)

func (c *fakeClock) Now() time.Time {
	return time.Unix(1000, 0)
}

func (c *fakeClock) NewContextWithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithCancel(parent)
}

func (c *fakeClock) NewTimer(d time.Duration) (clock.Timer, <-chan time.Time) {
	return fakeTimer{}, c.timerChannel
}

func (c *fakeClock) NewTicker(d time.Duration) (clock.Ticker, <-chan time.Time) {
	return fakeTicker{}, c.timerChannel
}

// fakeDispatcher answers every request with fixed data and counts the
// interactions the channel is expected to make.
type fakeDispatcher struct {
	lock          sync.Mutex
	lookupGate    chan struct{}
	lookupPanic   bool
	lookupCalls   int
	retainedRefs  map[inode.InodeNumber]uint64
	destroyCalled bool
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		retainedRefs: map[inode.InodeNumber]uint64{},
	}
}

func (d *fakeDispatcher) Retain(number inode.InodeNumber, count uint64) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.retainedRefs[number] += count
}

func (d *fakeDispatcher) Lookup(ctx context.Context, rc *RequestContext, parent inode.InodeNumber, name path.Component) (inode.Attr, inode.Status) {
	if d.lookupPanic {
		panic("corrupted dispatcher state")
	}
	d.lock.Lock()
	d.lookupCalls++
	gate := d.lookupGate
	d.lock.Unlock()
	if gate != nil {
		<-gate
	}
	return inode.Attr{
		InodeNumber: 42,
		FileType:    inode.FileTypeRegularFile,
		Mode:        0o644,
		LinkCount:   1,
	}, inode.StatusOK
}

func (d *fakeDispatcher) Forget(number inode.InodeNumber, count uint64) {}

func (d *fakeDispatcher) GetAttr(ctx context.Context, rc *RequestContext, number inode.InodeNumber) (inode.Attr, inode.Status) {
	return inode.Attr{InodeNumber: number, FileType: inode.FileTypeDirectory, Mode: 0o755, LinkCount: 2}, inode.StatusOK
}

func (d *fakeDispatcher) SetAttr(ctx context.Context, rc *RequestContext, number inode.InodeNumber, request *inode.SetAttrRequest) (inode.Attr, inode.Status) {
	return inode.Attr{}, inode.StatusErrPerm
}

func (d *fakeDispatcher) Readlink(ctx context.Context, rc *RequestContext, number inode.InodeNumber) (string, inode.Status) {
	return "target", inode.StatusOK
}

func (d *fakeDispatcher) Create(ctx context.Context, rc *RequestContext, parent inode.InodeNumber, name path.Component, mode uint32) (inode.Attr, inode.Status) {
	return inode.Attr{}, inode.StatusErrROFS
}

func (d *fakeDispatcher) Mkdir(ctx context.Context, rc *RequestContext, parent inode.InodeNumber, name path.Component, mode uint32) (inode.Attr, inode.Status) {
	return inode.Attr{}, inode.StatusErrROFS
}

func (d *fakeDispatcher) Symlink(ctx context.Context, rc *RequestContext, parent inode.InodeNumber, target string, name path.Component) (inode.Attr, inode.Status) {
	return inode.Attr{}, inode.StatusErrROFS
}

func (d *fakeDispatcher) Unlink(ctx context.Context, rc *RequestContext, parent inode.InodeNumber, name path.Component) inode.Status {
	return inode.StatusErrROFS
}

func (d *fakeDispatcher) Rmdir(ctx context.Context, rc *RequestContext, parent inode.InodeNumber, name path.Component) inode.Status {
	return inode.StatusErrROFS
}

func (d *fakeDispatcher) Rename(ctx context.Context, rc *RequestContext, oldParent inode.InodeNumber, oldName path.Component, newParent inode.InodeNumber, newName path.Component) inode.Status {
	return inode.StatusErrROFS
}

func (d *fakeDispatcher) Open(ctx context.Context, rc *RequestContext, number inode.InodeNumber, writable, truncate bool) inode.Status {
	return inode.StatusOK
}

func (d *fakeDispatcher) Read(ctx context.Context, rc *RequestContext, number inode.InodeNumber, buf []byte, offset uint64) (int, inode.Status) {
	return copy(buf, "data"), inode.StatusOK
}

func (d *fakeDispatcher) Write(ctx context.Context, rc *RequestContext, number inode.InodeNumber, data []byte, offset uint64) (int, inode.Status) {
	return len(data), inode.StatusOK
}

func (d *fakeDispatcher) Flush(ctx context.Context, rc *RequestContext, number inode.InodeNumber) inode.Status {
	return inode.StatusOK
}

func (d *fakeDispatcher) Fsync(ctx context.Context, rc *RequestContext, number inode.InodeNumber) inode.Status {
	return inode.StatusOK
}

func (d *fakeDispatcher) Release(rc *RequestContext, number inode.InodeNumber) {}

func (d *fakeDispatcher) OpenDir(ctx context.Context, rc *RequestContext, number inode.InodeNumber) inode.Status {
	return inode.StatusOK
}

func (d *fakeDispatcher) ReadDir(ctx context.Context, rc *RequestContext, number inode.InodeNumber, firstIndex uint64) ([]inode.DirListEntry, inode.Status) {
	return nil, inode.StatusOK
}

func (d *fakeDispatcher) ReadDirPlus(ctx context.Context, rc *RequestContext, number inode.InodeNumber, firstIndex uint64) ([]DirEntryFull, inode.Status) {
	return nil, inode.StatusOK
}

func (d *fakeDispatcher) ReleaseDir(rc *RequestContext, number inode.InodeNumber) {}

func (d *fakeDispatcher) Access(ctx context.Context, rc *RequestContext, number inode.InodeNumber, mask uint32) inode.Status {
	return inode.StatusOK
}

func (d *fakeDispatcher) StatFs(rc *RequestContext) (uint32, uint32) {
	return 4096, 255
}

func (d *fakeDispatcher) Destroy() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.destroyCalled = true
}

func (d *fakeDispatcher) getLookupCalls() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.lookupCalls
}

func (d *fakeDispatcher) getRetained(number inode.InodeNumber) uint64 {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.retainedRefs[number]
}

func (d *fakeDispatcher) getDestroyCalled() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.destroyCalled
}

func newTestChannel(dispatcher Dispatcher, clk clock.Clock, options FuseChannelOptions) *FuseChannel {
	return NewFuseChannel(dispatcher, clk, noop.NewTracerProvider(), NewProcessAccessLog(), options)
}

func lookupHeader() *fuse.InHeader {
	return &fuse.InHeader{
		NodeId: 1,
		Unique: 7,
		Caller: fuse.Caller{
			Owner: fuse.Owner{Uid: 1000, Gid: 1000},
			Pid:   1234,
		},
	}
}

func TestFuseChannelLookupReply(t *testing.T) {
	dispatcher := newFakeDispatcher()
	c := newTestChannel(dispatcher, clock.SystemClock, FuseChannelOptions{})

	var out fuse.EntryOut
	s := c.bridge.Lookup(nil, lookupHeader(), "hello", &out)
	require.Equal(t, fuse.OK, s)
	require.Equal(t, uint64(42), out.NodeId)
	require.Equal(t, uint64(42), out.Attr.Ino)
	require.Equal(t, uint64(1), dispatcher.getRetained(42))
}

func TestFuseChannelRequestTimeout(t *testing.T) {
	dispatcher := newFakeDispatcher()
	dispatcher.lookupGate = make(chan struct{})
	clk := &fakeClock{timerChannel: make(chan time.Time, 1)}
	// Expire the timeout before the handler can finish.
	clk.timerChannel <- time.Unix(1001, 0)
	c := newTestChannel(dispatcher, clk, FuseChannelOptions{
		RequestTimeout: 10 * time.Second,
	})

	var out fuse.EntryOut
	s := c.bridge.Lookup(nil, lookupHeader(), "slow", &out)
	require.Equal(t, fuse.Status(syscall.ETIMEDOUT), s)

	// The handler is still running and accounted for.
	c.bridge.pendingLock.Lock()
	pending := c.bridge.pendingRequests
	c.bridge.pendingLock.Unlock()
	require.Equal(t, 1, pending)

	// Once the handler completes, its dropped reply must not have
	// touched the reply buffer or registered a kernel reference.
	close(dispatcher.lookupGate)
	c.bridge.drain()
	require.Equal(t, 1, dispatcher.getLookupCalls())
	require.Equal(t, uint64(0), out.NodeId)
	require.Equal(t, uint64(0), dispatcher.getRetained(42))
}

func TestFuseChannelBackpressure(t *testing.T) {
	dispatcher := newFakeDispatcher()
	dispatcher.lookupGate = make(chan struct{})
	c := newTestChannel(dispatcher, clock.SystemClock, FuseChannelOptions{
		MaximumInFlightRequests:  1,
		HighWatermarkLogInterval: time.Minute,
	})

	results := make(chan fuse.Status, 2)
	for i := 0; i < 2; i++ {
		go func() {
			var out fuse.EntryOut
			results <- c.bridge.Lookup(nil, lookupHeader(), "contended", &out)
		}()
	}

	// Both requests are queued; at most one may be executing.
	require.Eventually(t, func() bool {
		return dispatcher.getLookupCalls() == 1
	}, time.Second, time.Millisecond)
	close(dispatcher.lookupGate)
	require.Equal(t, fuse.OK, <-results)
	require.Equal(t, fuse.OK, <-results)
	require.Equal(t, 2, dispatcher.getLookupCalls())
}

func TestFuseChannelDeferredDestroy(t *testing.T) {
	dispatcher := newFakeDispatcher()
	dispatcher.lookupGate = make(chan struct{})
	c := newTestChannel(dispatcher, clock.SystemClock, FuseChannelOptions{})

	started := make(chan struct{})
	go func() {
		var out fuse.EntryOut
		close(started)
		c.bridge.Lookup(nil, lookupHeader(), "pending", &out)
	}()
	<-started
	require.Eventually(t, func() bool {
		return dispatcher.getLookupCalls() == 1
	}, time.Second, time.Millisecond)

	destroyed := make(chan struct{})
	go func() {
		c.Destroy()
		close(destroyed)
	}()

	// Destruction must not complete while a request is in flight.
	select {
	case <-destroyed:
		t.Fatal("Destroy completed while a request was pending")
	case <-time.After(50 * time.Millisecond):
	}
	require.False(t, dispatcher.getDestroyCalled())

	close(dispatcher.lookupGate)
	<-destroyed
	require.True(t, dispatcher.getDestroyCalled())

	sd := <-c.StopData()
	require.Equal(t, StopReasonDestructor, sd.Reason)
	require.True(t, sd.IsUnmounted())
}

func TestFuseChannelUnsupportedLogOnce(t *testing.T) {
	dispatcher := newFakeDispatcher()
	c := newTestChannel(dispatcher, clock.SystemClock, FuseChannelOptions{})

	require.Equal(t, fuse.ENOSYS, c.bridge.Lseek(nil, &fuse.LseekIn{}, &fuse.LseekOut{}))
	require.Equal(t, fuse.ENOSYS, c.bridge.Lseek(nil, &fuse.LseekIn{}, &fuse.LseekOut{}))
	require.Equal(t, fuse.ENOSYS, c.bridge.SetLk(nil, &fuse.LkIn{}))

	c.bridge.unsupportedLock.Lock()
	defer c.bridge.unsupportedLock.Unlock()
	require.Len(t, c.bridge.unsupportedLogged, 2)
	require.Contains(t, c.bridge.unsupportedLogged, "Lseek")
	require.Contains(t, c.bridge.unsupportedLogged, "SetLk")
}

func TestFuseChannelTakeoverRequiresDeviceFD(t *testing.T) {
	dispatcher := newFakeDispatcher()
	c := newTestChannel(dispatcher, clock.SystemClock, FuseChannelOptions{})

	_, err := c.TakeoverStop(context.Background())
	require.Error(t, err)
}

// Once a channel has stopped, requests the kernel already submitted must
// be rejected instead of reaching the dispatcher.
func TestFuseChannelStopsDispatching(t *testing.T) {
	t.Run("AfterTakeoverStop", func(t *testing.T) {
		dispatcher := newFakeDispatcher()
		c := newTestChannel(dispatcher, clock.SystemClock, FuseChannelOptions{DeviceFD: 3})
		go c.queue.consume(&fakeKernelNotifier{})

		data, err := c.TakeoverStop(context.Background())
		require.NoError(t, err)
		require.Equal(t, 3, data.DeviceFD)

		var out fuse.EntryOut
		s := c.bridge.Lookup(nil, lookupHeader(), "late", &out)
		require.Equal(t, fuse.Status(syscall.ENODEV), s)
		require.Equal(t, 0, dispatcher.getLookupCalls())

		sd := <-c.StopData()
		require.Equal(t, StopReasonTakeover, sd.Reason)
		require.False(t, sd.IsUnmounted())
	})

	t.Run("AfterDestroy", func(t *testing.T) {
		dispatcher := newFakeDispatcher()
		c := newTestChannel(dispatcher, clock.SystemClock, FuseChannelOptions{})
		c.Destroy()
		require.True(t, dispatcher.getDestroyCalled())

		var out fuse.EntryOut
		s := c.bridge.Lookup(nil, lookupHeader(), "late", &out)
		require.Equal(t, fuse.Status(syscall.ENODEV), s)
		require.Equal(t, 0, dispatcher.getLookupCalls())
	})

	t.Run("AfterWorkerPanic", func(t *testing.T) {
		dispatcher := newFakeDispatcher()
		dispatcher.lookupPanic = true
		c := newTestChannel(dispatcher, clock.SystemClock, FuseChannelOptions{})

		var out fuse.EntryOut
		s := c.bridge.Lookup(nil, lookupHeader(), "boom", &out)
		require.Equal(t, fuse.EIO, s)

		sd := <-c.StopData()
		require.Equal(t, StopReasonWorkerPanic, sd.Reason)

		s = c.bridge.Lookup(nil, lookupHeader(), "late", &out)
		require.Equal(t, fuse.Status(syscall.ENODEV), s)
		require.Equal(t, 0, dispatcher.getLookupCalls())
	})
}

func TestProcessAccessLog(t *testing.T) {
	pal := NewProcessAccessLog()
	pal.recordRead(100)
	pal.recordRead(100)
	pal.recordWrite(100)
	pal.recordMetadata(200)
	pal.recordEnumerate(200)

	counts := pal.Snapshot()
	require.Equal(t, []ProcessAccessCounts{
		{Pid: 100, Reads: 2, Writes: 1},
		{Pid: 200, Metadata: 1, Enumerates: 1},
	}, counts)
}
