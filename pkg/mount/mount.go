package mount

import (
	"context"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/filesystem/path"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/scmfs/scmfs/pkg/fschannel"
	"github.com/scmfs/scmfs/pkg/inode"
	"github.com/scmfs/scmfs/pkg/journal"
	"github.com/scmfs/scmfs/pkg/overlay"
	"github.com/scmfs/scmfs/pkg/store"

	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ControlDirName is the synthetic directory every mount exposes at its
// root. It is served by the dispatcher and never stored in the working
// copy, so checkouts and diffs do not see it.
const ControlDirName = ".scmfs"

var (
	processStartTime = time.Now()
	mountGeneration  atomic.Uint64
)

// newMountID produces a mount instance identifier that is unique across
// process restarts without external coordination: the process start
// time and pid distinguish processes, the counter distinguishes mounts
// within one process. Pid and counter are truncated to 16 bits each,
// which is harmless since the start time already separates processes.
func newMountID() uint64 {
	return uint64(processStartTime.Unix())<<32 |
		uint64(os.Getpid()&0xffff)<<16 |
		(mountGeneration.Add(1) & 0xffff)
}

// CheckoutFailurePolicy selects what happens to the persisted checkout
// state when a checkout fails mid flight.
type CheckoutFailurePolicy int

const (
	// CheckoutFailurePreserve records the failed checkout as
	// interrupted. Other checkouts are rejected until the same target
	// is checked out again, which resumes the interrupted one.
	CheckoutFailurePreserve CheckoutFailurePolicy = iota
	// CheckoutFailureReset silently resets to no ongoing checkout,
	// leaving the working copy in whatever mixed state the failure
	// produced. This matches the historical behavior.
	CheckoutFailureReset
)

var checkoutFailurePolicyNames = map[CheckoutFailurePolicy]string{
	CheckoutFailurePreserve: "PRESERVE",
	CheckoutFailureReset:    "RESET",
}

func (p CheckoutFailurePolicy) String() string {
	if name, ok := checkoutFailurePolicyNames[p]; ok {
		return name
	}
	return "UNKNOWN"
}

// Options configure a single mount.
type Options struct {
	// Name identifies the mount in logs and diagnostics.
	Name string
	// MountPath is where the working copy appears in the host
	// filesystem.
	MountPath string
	// SocketPath is the daemon's client socket, exposed through the
	// control directory.
	SocketPath string
	// ClientPath is the daemon-private state directory of this
	// mount (overlay database and friends), exposed through the
	// control directory.
	ClientPath string
	// Parent is the commit the working copy is based on. Ignored
	// when the overlay already carries a parent record from a
	// previous run.
	Parent store.RootID
	// CheckoutFailurePolicy selects how failed checkouts are
	// recorded.
	CheckoutFailurePolicy CheckoutFailurePolicy
	// WriteThrough persists file contents to the overlay on every
	// write, instead of buffering them in memory until they are
	// flushed or unloaded.
	WriteThrough bool
	// OnChannelStop, if set, is invoked once when the mount's
	// channel stops, after the inode map has been informed. Used by
	// the daemon to unregister the mount from its tables.
	OnChannelStop func(fschannel.StopData)
}

// Mount is one working copy attached to the host filesystem. It owns
// the inode map, the root inode, the parent commit state and, while
// running, the kernel channel.
type Mount struct {
	options     Options
	objectStore store.Store
	overlay     *overlay.Overlay
	clock       clock.Clock
	journal     *journal.Journal
	tracer      trace.Tracer
	id          uint64

	sm stateMachine

	// Immutable after a successful Initialize.
	inodeMap    *inode.InodeMap
	rootInode   *inode.TreeInode
	parentState *ParentCommitState
	control     *controlDirectory
	dispatcher  *FuseDispatcher

	// renameLock serializes checkout against rename: checkout walks
	// the tree assuming paths do not move underneath it. Renames
	// take it shared, checkout takes it exclusively.
	renameLock sync.RWMutex

	channelLock    sync.Mutex
	channel        fschannel.FsChannel
	channelStopped chan struct{}
	stopData       *fschannel.StopData

	diffCacheLock sync.Mutex
	diffCache     map[diffCacheKey]*diffCacheEntry
}

// NewMount creates a mount in the UNINITIALIZED state. The overlay must
// already be open; its file lock is what makes this process the owner
// of the working copy.
func NewMount(objectStore store.Store, ov *overlay.Overlay, clk clock.Clock, tracerProvider trace.TracerProvider, jnl *journal.Journal, options Options) *Mount {
	m := &Mount{
		options:        options,
		objectStore:    objectStore,
		overlay:        ov,
		clock:          clk,
		journal:        jnl,
		tracer:         tracerProvider.Tracer("github.com/scmfs/scmfs/pkg/mount"),
		id:             newMountID(),
		channelStopped: make(chan struct{}),
		diffCache:      map[diffCacheKey]*diffCacheEntry{},
	}
	m.dispatcher = &FuseDispatcher{mount: m}
	return m
}

// ID returns the mount instance identifier, unique across process
// restarts.
func (m *Mount) ID() uint64 {
	return m.id
}

// Name returns the mount's diagnostic name.
func (m *Mount) Name() string {
	return m.options.Name
}

// MountPath returns where the working copy appears in the host
// filesystem.
func (m *Mount) MountPath() string {
	return m.options.MountPath
}

// State returns the current lifecycle state.
func (m *Mount) State() State {
	return m.sm.current()
}

// Journal returns the mount's change journal.
func (m *Mount) Journal() *journal.Journal {
	return m.journal
}

// ParentState returns the mount's parent commit state.
func (m *Mount) ParentState() *ParentCommitState {
	return m.parentState
}

// RootInode returns the root directory. Only valid after a successful
// Initialize.
func (m *Mount) RootInode() *inode.TreeInode {
	return m.rootInode
}

// Dispatcher returns the request dispatcher to attach a channel to.
func (m *Mount) Dispatcher() *FuseDispatcher {
	return m.dispatcher
}

// Initialize brings the mount from UNINITIALIZED to INITIALIZED:
// resolve the root tree, restore or create the parent commit record,
// construct the root inode and inode map, and set up the control
// directory. A takeover snapshot, when provided, seeds the inode map
// with the predecessor's kernel lookup counts and allocator position.
//
// Initialization is not retryable: any failure moves the mount to
// INIT_ERROR and the caller must create a fresh mount.
func (m *Mount) Initialize(ctx context.Context, takeoverSnapshot *inode.MapSnapshot) error {
	if !m.sm.tryTransition(StateUninitialized, StateInitializing) {
		return status.Errorf(codes.FailedPrecondition, "Mount is in state %s; it can only be initialized once", m.sm.current())
	}
	if err := m.initialize(ctx, takeoverSnapshot); err != nil {
		m.sm.transition(StateInitializing, StateInitError)
		return err
	}
	m.sm.transition(StateInitializing, StateInitialized)
	return nil
}

func (m *Mount) initialize(ctx context.Context, takeoverSnapshot *inode.MapSnapshot) error {
	// The parent record in the overlay takes precedence over the
	// configured parent: it reflects what is actually on disk,
	// including any interrupted checkout.
	var rootTreeID store.ID
	if m.overlay != nil {
		record, found, err := m.overlay.LoadParentRecord()
		if err != nil {
			return err
		}
		if found {
			ps, err := restoreParentCommitState(m.overlay, record)
			if err != nil {
				return err
			}
			m.parentState = ps
			rootTreeID = ps.CheckedOutRoot()
		}
	}
	if m.parentState == nil {
		id, err := m.objectStore.ResolveRoot(ctx, m.options.Parent)
		if err != nil {
			return util.StatusWrapf(err, "Failed to resolve root tree of %#v", string(m.options.Parent))
		}
		rootTreeID = id
		m.parentState = newParentCommitState(m.overlay, m.options.Parent, rootTreeID)
		m.parentState.lock.Lock()
		err = m.parentState.persistLocked()
		m.parentState.lock.Unlock()
		if err != nil {
			return err
		}
	}

	// The inode map must exist before any inode number is handed
	// out; it owns the allocator, whose position is persisted in the
	// overlay.
	imap, err := inode.NewInodeMap(m.objectStore, m.overlay, m.clock)
	if err != nil {
		return err
	}
	if takeoverSnapshot != nil {
		imap.RestoreFromTakeover(takeoverSnapshot)
	}
	m.inodeMap = imap
	m.rootInode = inode.NewRootTreeInode(imap, rootTreeID)
	m.control = newControlDirectory(imap, &m.options, m.clock.Now())
	return nil
}

// StartFsChannel attaches a channel to the kernel and starts serving.
// The mount takes ownership of the channel; it is destroyed as part of
// mount shutdown.
func (m *Mount) StartFsChannel(ctx context.Context, channel fschannel.FsChannel) error {
	if !m.sm.tryTransition(StateInitialized, StateStarting) {
		return status.Errorf(codes.FailedPrecondition, "Mount is in state %s; a channel can only be started on an initialized mount", m.sm.current())
	}
	m.channelLock.Lock()
	m.channel = channel
	m.channelLock.Unlock()
	if err := channel.Mount(ctx); err != nil {
		m.sm.transition(StateStarting, StateFuseError)
		m.channelLock.Lock()
		m.channel = nil
		m.channelLock.Unlock()
		return util.StatusWrapf(err, "Failed to mount %#v", m.options.MountPath)
	}
	m.sm.transition(StateStarting, StateRunning)
	go m.watchChannel(channel)
	return nil
}

// watchChannel runs the post stop continuation: record why the channel
// stopped, drop kernel lookup counts if the connection is gone, and
// notify the daemon.
func (m *Mount) watchChannel(channel fschannel.FsChannel) {
	sd := <-channel.StopData()
	m.channelLock.Lock()
	m.stopData = &sd
	m.channelLock.Unlock()
	if sd.IsUnmounted() {
		m.inodeMap.SetUnmounted()
	}
	if sd.Reason != fschannel.StopReasonUnmounted && sd.Reason != fschannel.StopReasonTakeover && sd.Reason != fschannel.StopReasonDestructor {
		log.Printf("Mount %#v stopped serving: %s", m.options.Name, sd.Reason)
	}
	close(m.channelStopped)
	if m.options.OnChannelStop != nil {
		m.options.OnChannelStop(sd)
	}
}

func (m *Mount) currentChannel() fschannel.FsChannel {
	m.channelLock.Lock()
	defer m.channelLock.Unlock()
	return m.channel
}

// waitForPendingWrites is the write barrier used by checkout: kernel
// buffered writes are flushed by the channel, dirty inode state is
// flushed to the overlay.
func (m *Mount) waitForPendingWrites(ctx context.Context) error {
	if channel := m.currentChannel(); channel != nil {
		if err := channel.WaitForPendingWrites(ctx); err != nil {
			return err
		}
	}
	return m.inodeMap.FlushResident(ctx)
}

// completeInvalidations flushes the invalidations a checkout enqueued,
// so that processes observing the post checkout working copy never see
// stale kernel caches.
func (m *Mount) completeInvalidations(ctx context.Context) error {
	if channel := m.currentChannel(); channel != nil {
		return channel.CompleteInvalidations(ctx)
	}
	return nil
}

// channelInvalidator adapts the mount's channel to the invalidation
// callbacks checkout expects. When no channel is attached (checkout
// before start, or after unmount) invalidations are dropped; there is
// no kernel cache to invalidate.
type channelInvalidator struct {
	mount *Mount
}

var _ inode.Invalidator = channelInvalidator{}

func (ci channelInvalidator) InvalidateInode(number inode.InodeNumber) {
	if channel := ci.mount.currentChannel(); channel != nil {
		channel.InvalidateInode(uint64(number))
	}
}

func (ci channelInvalidator) InvalidateEntry(parent inode.InodeNumber, name path.Component) {
	if channel := ci.mount.currentChannel(); channel != nil {
		channel.InvalidateEntry(uint64(parent), name.String())
	}
}

// Shutdown stops serving, persists all inode state to the overlay and
// closes it. Closing the overlay releases its file lock, which is what
// allows a successor process to take over the working copy.
func (m *Mount) Shutdown(ctx context.Context) error {
	from, ok := m.sm.transitionFromAny(StateShuttingDown,
		StateRunning, StateInitialized, StateFuseError, StateInitError)
	if !ok {
		return status.Errorf(codes.FailedPrecondition, "Mount is in state %s; it cannot be shut down", m.sm.current())
	}
	if from == StateRunning {
		channel := m.currentChannel()
		if err := channel.Unmount(); err != nil {
			log.Printf("Mount %#v: failed to unmount: %s", m.options.Name, err)
		}
		select {
		case <-m.channelStopped:
		case <-ctx.Done():
			return util.StatusWrapWithCode(ctx.Err(), codes.DeadlineExceeded, "Channel did not stop")
		}
		channel.Destroy()
	}
	if m.inodeMap != nil {
		if err := m.inodeMap.Shutdown(ctx); err != nil {
			return err
		}
	}
	if m.overlay != nil {
		if err := m.overlay.Close(); err != nil {
			return util.StatusWrap(err, "Failed to close overlay")
		}
	}
	m.sm.transition(StateShuttingDown, StateShutDown)
	return nil
}

// TakeoverData is everything a successor process needs to resume
// serving this mount without the kernel noticing.
type TakeoverData struct {
	Channel           fschannel.FuseChannelData
	InodeMap          *inode.MapSnapshot
	WorkingCopyParent store.RootID
	CheckedOutRoot    store.ID
}

// TakeoverStop stops serving while keeping the kernel connection alive,
// flushes all inode state to the overlay, and releases the overlay
// lock. The returned data plus the (still open) device descriptor are
// handed to the successor.
func (m *Mount) TakeoverStop(ctx context.Context) (*TakeoverData, error) {
	if !m.sm.tryTransition(StateRunning, StateShuttingDown) {
		return nil, status.Errorf(codes.FailedPrecondition, "Mount is in state %s; only a running mount can be taken over", m.sm.current())
	}
	channel := m.currentChannel()
	channelData, err := channel.TakeoverStop(ctx)
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to stop channel for takeover")
	}
	select {
	case <-m.channelStopped:
	case <-ctx.Done():
		return nil, util.StatusWrapWithCode(ctx.Err(), codes.DeadlineExceeded, "Channel did not stop")
	}
	// Snapshot before Shutdown: shutdown unloads all inodes, but the
	// kernel lookup counts must survive into the successor.
	snapshot := m.inodeMap.SnapshotForTakeover()
	channel.Destroy()
	if err := m.inodeMap.Shutdown(ctx); err != nil {
		return nil, err
	}
	if m.overlay != nil {
		if err := m.overlay.Close(); err != nil {
			return nil, util.StatusWrap(err, "Failed to close overlay")
		}
	}
	m.sm.transition(StateShuttingDown, StateShutDown)
	return &TakeoverData{
		Channel:           *channelData,
		InodeMap:          snapshot,
		WorkingCopyParent: m.parentState.WorkingCopyParent(),
		CheckedOutRoot:    m.parentState.CheckedOutRoot(),
	}, nil
}

// Destroy tears the mount down discarding rather than preserving inode
// state. Destruction of an active mount is deferred: the flag is set
// immediately, teardown happens once the channel and pending requests
// have drained.
func (m *Mount) Destroy() {
	m.sm.setDestroying()
	from, ok := m.sm.transitionFromAny(StateShuttingDown,
		StateRunning, StateInitialized, StateFuseError, StateInitError, StateUninitialized)
	if !ok {
		return
	}
	if from == StateRunning {
		channel := m.currentChannel()
		// Destroy waits for pending requests to drain before the
		// dispatcher is torn down.
		channel.Destroy()
		<-m.channelStopped
	}
	if m.inodeMap != nil {
		m.inodeMap.SetUnmounted()
	}
	if m.overlay != nil {
		if err := m.overlay.Close(); err != nil {
			log.Printf("Mount %#v: failed to close overlay during destroy: %s", m.options.Name, err)
		}
	}
	m.sm.transition(StateShuttingDown, StateShutDown)
}

// controlSymlink is one synthetic symlink inside the control directory.
type controlSymlink struct {
	name   path.Component
	number inode.InodeNumber
	target string
}

// controlDirectory is the synthetic ControlDirName directory. Its inode
// numbers come from the mount's regular allocator so they can never
// collide with working copy inodes, but the inodes themselves are
// served directly by the dispatcher and never enter the InodeMap.
type controlDirectory struct {
	number   inode.InodeNumber
	mtime    time.Time
	symlinks []controlSymlink
}

func newControlDirectory(imap *inode.InodeMap, options *Options, now time.Time) *controlDirectory {
	cd := &controlDirectory{
		number: imap.AllocateInodeNumber(),
		mtime:  now,
	}
	for name, target := range map[string]string{
		"client":   options.ClientPath,
		"root":     options.MountPath,
		"socket":   options.SocketPath,
		"this-dir": options.MountPath + "/" + ControlDirName,
	} {
		cd.symlinks = append(cd.symlinks, controlSymlink{
			name:   path.MustNewComponent(name),
			number: imap.AllocateInodeNumber(),
			target: target,
		})
	}
	sort.Slice(cd.symlinks, func(i, j int) bool {
		return cd.symlinks[i].name.String() < cd.symlinks[j].name.String()
	})
	return cd
}

func (cd *controlDirectory) attr() inode.Attr {
	return inode.Attr{
		InodeNumber: cd.number,
		FileType:    inode.FileTypeDirectory,
		Mode:        0o555,
		SizeBytes:   4096,
		Mtime:       cd.mtime,
		LinkCount:   2,
	}
}

func (cd *controlDirectory) symlinkAttr(l *controlSymlink) inode.Attr {
	return inode.Attr{
		InodeNumber: l.number,
		FileType:    inode.FileTypeSymlink,
		Mode:        0o777,
		SizeBytes:   uint64(len(l.target)),
		Mtime:       cd.mtime,
		LinkCount:   1,
	}
}

func (cd *controlDirectory) lookup(name path.Component) *controlSymlink {
	for i := range cd.symlinks {
		if cd.symlinks[i].name == name {
			return &cd.symlinks[i]
		}
	}
	return nil
}

func (cd *controlDirectory) symlinkByNumber(number inode.InodeNumber) *controlSymlink {
	for i := range cd.symlinks {
		if cd.symlinks[i].number == number {
			return &cd.symlinks[i]
		}
	}
	return nil
}
