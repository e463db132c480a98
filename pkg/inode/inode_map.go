package inode

import (
	"context"
	"sync"
	"time"

	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/scmfs/scmfs/pkg/overlay"
	"github.com/scmfs/scmfs/pkg/store"
)

// inodeNumberReservationSize is the number of inode numbers persisted
// to the overlay ahead of actual allocation. A crash wastes at most
// this many numbers, but numbers handed out before the crash are
// guaranteed not to be reissued afterwards.
const inodeNumberReservationSize = 1 << 10

// InodeMap is the sole authority mapping inode numbers to resident
// inode objects within one mount. It also tracks the kernel's lookup
// counts, which gate when an inode may be unloaded, and owns the inode
// number allocator.
//
// The mount exclusively owns its InodeMap. Inodes hold non-owning back
// references to the map; see the Inode interface for the lifetime
// argument.
type InodeMap struct {
	objectStore store.Store
	overlay     *overlay.Overlay
	clock       clock.Clock

	lock            sync.Mutex
	nextInode       uint64
	reservedThrough uint64
	loaded          map[InodeNumber]Inode
	fsRefs          map[InodeNumber]uint64
	unmounted       bool
	shutDown        bool

	// locationLock guards the location (parent, name) of every
	// inode registered in this map. It is ordered strictly after
	// individual inode locks and must never be held while acquiring
	// one of them.
	locationLock sync.Mutex

	// crossRenameLock serializes renames that span two directories.
	// It keeps directory ancestry stable while Rename decides its
	// lock acquisition order; see TreeInode.Rename.
	crossRenameLock sync.Mutex
}

// NewInodeMap creates an empty InodeMap backed by the provided object
// store and overlay. The inode number allocator resumes from the
// position persisted in the overlay, if any.
func NewInodeMap(objectStore store.Store, ov *overlay.Overlay, clk clock.Clock) (*InodeMap, error) {
	next := uint64(RootInodeNumber) + 1
	if ov != nil {
		persisted, ok, err := ov.LoadNextInodeNumber()
		if err != nil {
			return nil, util.StatusWrap(err, "Failed to restore inode number allocator")
		}
		if ok {
			next = persisted
		}
	}
	return &InodeMap{
		objectStore:     objectStore,
		overlay:         ov,
		clock:           clk,
		nextInode:       next,
		reservedThrough: next,
		loaded:          map[InodeNumber]Inode{},
		fsRefs:          map[InodeNumber]uint64{},
	}, nil
}

func (im *InodeMap) now() time.Time {
	return im.clock.Now()
}

// detachChild clears an inode's parent back reference when it is
// removed from the tree, so that a stale Path() cannot walk into a
// directory it is no longer part of.
func (im *InodeMap) detachChild(i Inode) {
	im.locationLock.Lock()
	defer im.locationLock.Unlock()
	switch c := i.(type) {
	case *TreeInode:
		c.loc.parent = nil
	case *FileInode:
		c.loc.parent = nil
	case *SymlinkInode:
		c.loc.parent = nil
	}
}

// Store returns the object store backing this mount.
func (im *InodeMap) Store() store.Store {
	return im.objectStore
}

// Overlay returns the overlay backing this mount, or nil for ephemeral
// mounts.
func (im *InodeMap) Overlay() *overlay.Overlay {
	return im.overlay
}

// AllocateInodeNumber hands out the next unused inode number.
func (im *InodeMap) AllocateInodeNumber() InodeNumber {
	im.lock.Lock()
	defer im.lock.Unlock()
	return im.allocateInodeNumberLocked()
}

func (im *InodeMap) allocateInodeNumberLocked() InodeNumber {
	n := im.nextInode
	im.nextInode++
	if im.nextInode > im.reservedThrough && im.overlay != nil {
		im.reservedThrough = im.nextInode + inodeNumberReservationSize
		if err := im.overlay.SaveNextInodeNumber(im.reservedThrough); err != nil {
			// Reservation failures are not fatal to the
			// request; they only weaken the no-reuse
			// guarantee after a crash.
			im.reservedThrough = im.nextInode
		}
	}
	return InodeNumber(n)
}

// registerInode makes a freshly constructed inode resolvable by number.
func (im *InodeMap) registerInode(i Inode) {
	im.lock.Lock()
	defer im.lock.Unlock()
	if existing, ok := im.loaded[i.InodeNumber()]; ok && existing != i {
		panic("Attempted to register a second inode under an existing inode number")
	}
	im.loaded[i.InodeNumber()] = i
}

// dropInode removes an inode from the loaded set. The inode number
// remains allocated; a later lookup through its parent directory will
// construct a fresh inode object under the same number.
func (im *InodeMap) dropInode(number InodeNumber) {
	im.lock.Lock()
	defer im.lock.Unlock()
	delete(im.loaded, number)
}

// LookupInode resolves an inode number to its resident inode object.
// Numbers that are not resident yield StatusErrStale: the kernel holds
// a reference to something this process no longer has loaded, which can
// only legitimately happen after takeover or forced unload.
func (im *InodeMap) LookupInode(number InodeNumber) (Inode, Status) {
	im.lock.Lock()
	defer im.lock.Unlock()
	if i, ok := im.loaded[number]; ok {
		return i, StatusOK
	}
	return nil, StatusErrStale
}

// AcquireFsRefs increments the kernel lookup count of an inode. Every
// reply that introduces an inode number to the kernel must be paired
// with one of these.
func (im *InodeMap) AcquireFsRefs(number InodeNumber, count uint64) {
	im.lock.Lock()
	defer im.lock.Unlock()
	im.fsRefs[number] += count
}

// ReleaseFsRefs decrements the kernel lookup count in response to a
// FORGET message. When the count reaches zero the kernel promises to
// never use the inode number again without a fresh lookup.
func (im *InodeMap) ReleaseFsRefs(number InodeNumber, count uint64) {
	im.lock.Lock()
	defer im.lock.Unlock()
	current := im.fsRefs[number]
	if current < count {
		panic("Kernel forgot an inode more often than it was looked up")
	}
	if current == count {
		delete(im.fsRefs, number)
	} else {
		im.fsRefs[number] = current - count
	}
}

// IsKernelReferenced returns whether the kernel may still address the
// inode by number. Unreferenced inodes can be unloaded at will.
func (im *InodeMap) IsKernelReferenced(number InodeNumber) bool {
	im.lock.Lock()
	defer im.lock.Unlock()
	return im.fsRefs[number] > 0
}

// SetUnmounted records that the kernel connection is gone for good. All
// kernel lookup counts are moot from this point on, which unblocks
// unloading during shutdown.
func (im *InodeMap) SetUnmounted() {
	im.lock.Lock()
	defer im.lock.Unlock()
	im.unmounted = true
	im.fsRefs = map[InodeNumber]uint64{}
}

// Shutdown flushes every resident inode to the overlay and unloads it.
// After Shutdown the map rejects lookups; the mount is expected to
// close the overlay next.
func (im *InodeMap) Shutdown(ctx context.Context) error {
	im.lock.Lock()
	if im.shutDown {
		im.lock.Unlock()
		return nil
	}
	im.shutDown = true
	resident := make([]Inode, 0, len(im.loaded))
	for _, i := range im.loaded {
		resident = append(resident, i)
	}
	im.loaded = map[InodeNumber]Inode{}
	next := im.nextInode
	im.lock.Unlock()

	for _, i := range resident {
		if s := i.Flush(ctx); s != StatusOK {
			return util.StatusWrapf(statusToError(s), "Failed to flush inode %d during shutdown", i.InodeNumber())
		}
	}
	if im.overlay != nil {
		if err := im.overlay.SaveNextInodeNumber(next); err != nil {
			return util.StatusWrap(err, "Failed to persist inode number allocator")
		}
	}
	return nil
}

// FlushResident persists every resident inode to the overlay without
// unloading anything. Checkout uses it as a write barrier before
// diffing the working copy.
func (im *InodeMap) FlushResident(ctx context.Context) error {
	im.lock.Lock()
	resident := make([]Inode, 0, len(im.loaded))
	for _, i := range im.loaded {
		resident = append(resident, i)
	}
	im.lock.Unlock()

	for _, i := range resident {
		if s := i.Flush(ctx); s != StatusOK {
			return util.StatusWrapf(statusToError(s), "Failed to flush inode %d", i.InodeNumber())
		}
	}
	return nil
}

// MapSnapshot is the takeover image of an InodeMap: the allocator
// position and the kernel lookup counts. Inode objects themselves are
// not transferred; the successor reconstructs them lazily from the
// overlay and object store.
type MapSnapshot struct {
	NextInodeNumber uint64            `cbor:"1,keyasint"`
	FsRefs          map[uint64]uint64 `cbor:"2,keyasint"`
}

// SnapshotForTakeover captures the state a successor process needs to
// keep serving the same kernel connection.
func (im *InodeMap) SnapshotForTakeover() *MapSnapshot {
	im.lock.Lock()
	defer im.lock.Unlock()
	refs := make(map[uint64]uint64, len(im.fsRefs))
	for number, count := range im.fsRefs {
		refs[uint64(number)] = count
	}
	return &MapSnapshot{
		NextInodeNumber: im.nextInode,
		FsRefs:          refs,
	}
}

// RestoreFromTakeover seeds the map from a predecessor's snapshot.
func (im *InodeMap) RestoreFromTakeover(snapshot *MapSnapshot) {
	im.lock.Lock()
	defer im.lock.Unlock()
	if snapshot.NextInodeNumber > im.nextInode {
		im.nextInode = snapshot.NextInodeNumber
		im.reservedThrough = snapshot.NextInodeNumber
	}
	for number, count := range snapshot.FsRefs {
		im.fsRefs[InodeNumber(number)] += count
	}
}
