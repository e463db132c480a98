package mount

import (
	"sync"

	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/scmfs/scmfs/pkg/overlay"
	"github.com/scmfs/scmfs/pkg/store"
)

// checkoutStateKind tags the checkout progress variant of a mount.
type checkoutStateKind int

const (
	// noOngoingCheckout: the working copy parent is settled.
	noOngoingCheckout checkoutStateKind = iota
	// checkoutInProgress: a checkout is running in this process.
	checkoutInProgress
	// interruptedCheckout: a previous checkout did not complete. It
	// must be resumed (by checking out the same target again) before
	// any other checkout is allowed.
	interruptedCheckout
)

// checkoutState is the tagged variant guarding checkout serialization.
// From and To are set for checkoutInProgress and interruptedCheckout;
// Progress counts completed checkout steps while one is in progress.
type checkoutState struct {
	kind     checkoutStateKind
	from     store.RootID
	to       store.RootID
	progress int
}

// ParentCommitState tracks which commit the working copy is based on.
// All fields are guarded by its own lock, deliberately separate from
// the InodeMap's and the Overlay's locking: checkout serialization must
// never contend with request servicing.
type ParentCommitState struct {
	overlay *overlay.Overlay

	lock sync.Mutex
	// workingCopyParent is the commit the working copy is logically
	// based on.
	workingCopyParent store.RootID
	// checkedOutRoot is the tree snapshot that was last checked out.
	// It is the "from" side of diffs and checkouts; resolving the
	// parent again could yield a different tree if the commit was
	// amended remotely.
	checkedOutRoot store.ID
	checkout       checkoutState
}

func newParentCommitState(ov *overlay.Overlay, parent store.RootID, checkedOutRoot store.ID) *ParentCommitState {
	return &ParentCommitState{
		overlay:           ov,
		workingCopyParent: parent,
		checkedOutRoot:    checkedOutRoot,
	}
}

// restoreParentCommitState seeds the state from the overlay's persisted
// record, detecting checkouts that were interrupted by a crash of a
// previous process.
func restoreParentCommitState(ov *overlay.Overlay, record *overlay.ParentRecord) (*ParentCommitState, error) {
	checkedOutRoot, err := store.ParseID(record.CheckedOutRoot)
	if err != nil {
		return nil, util.StatusWrap(err, "Invalid checked out root in parent record")
	}
	ps := newParentCommitState(ov, store.RootID(record.WorkingCopyParent), checkedOutRoot)
	if record.InterruptedTo != "" {
		ps.checkout = checkoutState{
			kind: interruptedCheckout,
			from: store.RootID(record.InterruptedFrom),
			to:   store.RootID(record.InterruptedTo),
		}
	}
	return ps, nil
}

// WorkingCopyParent returns the commit the working copy is based on.
func (ps *ParentCommitState) WorkingCopyParent() store.RootID {
	ps.lock.Lock()
	defer ps.lock.Unlock()
	return ps.workingCopyParent
}

// CheckedOutRoot returns the tree snapshot that was last checked out.
func (ps *ParentCommitState) CheckedOutRoot() store.ID {
	ps.lock.Lock()
	defer ps.lock.Unlock()
	return ps.checkedOutRoot
}

func (ps *ParentCommitState) recordLocked() *overlay.ParentRecord {
	record := &overlay.ParentRecord{
		WorkingCopyParent: string(ps.workingCopyParent),
		CheckedOutRoot:    ps.checkedOutRoot.String(),
	}
	if ps.checkout.kind != noOngoingCheckout {
		record.InterruptedFrom = string(ps.checkout.from)
		record.InterruptedTo = string(ps.checkout.to)
	}
	return record
}

// persistLocked writes the current state to the overlay. A crash after
// this point is recoverable: a restarted daemon sees either the old or
// the new record, both of which are consistent.
func (ps *ParentCommitState) persistLocked() error {
	if ps.overlay == nil {
		return nil
	}
	if err := ps.overlay.SaveParentRecord(ps.recordLocked()); err != nil {
		return util.StatusWrap(err, "Failed to persist parent commit state")
	}
	return nil
}
