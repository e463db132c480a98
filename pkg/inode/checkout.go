package inode

import (
	"context"
	"fmt"
	"sync"

	"github.com/buildbarn/bb-storage/pkg/filesystem/path"
	"github.com/scmfs/scmfs/pkg/store"
)

// CheckoutMode controls how checkout treats local modifications.
type CheckoutMode int

const (
	// CheckoutModeNormal applies the new commit where possible and
	// reports conflicts for entries with local modifications, which
	// keep their local state.
	CheckoutModeNormal CheckoutMode = iota
	// CheckoutModeForce applies the new commit unconditionally.
	// Conflicts are still reported, but the local state loses.
	CheckoutModeForce
	// CheckoutModeDryRun reports the conflicts a normal checkout
	// would encounter without changing anything.
	CheckoutModeDryRun
)

var checkoutModeNames = map[CheckoutMode]string{
	CheckoutModeNormal: "NORMAL",
	CheckoutModeForce:  "FORCE",
	CheckoutModeDryRun: "DRY_RUN",
}

func (m CheckoutMode) String() string {
	if name, ok := checkoutModeNames[m]; ok {
		return name
	}
	return "UNKNOWN"
}

// ConflictKind classifies a checkout conflict.
type ConflictKind int

const (
	// ConflictUntrackedAdded: an untracked local entry collides with
	// an entry the new commit introduces.
	ConflictUntrackedAdded ConflictKind = iota
	// ConflictRemovedModified: the entry was removed locally, but the
	// new commit modifies it.
	ConflictRemovedModified
	// ConflictModifiedRemoved: the entry was modified locally, but
	// the new commit removes it.
	ConflictModifiedRemoved
	// ConflictModifiedModified: the entry was modified both locally
	// and by the new commit.
	ConflictModifiedModified
	// ConflictMissingRemoved: the entry was removed locally, and the
	// new commit removes it as well.
	ConflictMissingRemoved
	// ConflictDirectoryNotEmpty: a directory the new commit removes
	// or replaces contains local modifications.
	ConflictDirectoryNotEmpty
)

var conflictKindNames = map[ConflictKind]string{
	ConflictUntrackedAdded:    "UNTRACKED_ADDED",
	ConflictRemovedModified:   "REMOVED_MODIFIED",
	ConflictModifiedRemoved:   "MODIFIED_REMOVED",
	ConflictModifiedModified:  "MODIFIED_MODIFIED",
	ConflictMissingRemoved:    "MISSING_REMOVED",
	ConflictDirectoryNotEmpty: "DIRECTORY_NOT_EMPTY",
}

func (k ConflictKind) String() string {
	if name, ok := conflictKindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// Conflict is one entry on which checkout could not (or, under force,
// did not cleanly) apply the new commit.
type Conflict struct {
	Path    string
	Kind    ConflictKind
	Message string
}

// Invalidator receives cache invalidation requests for entries the
// checkout changed underneath the kernel. Implementations must only
// enqueue; they are called with inode locks held.
type Invalidator interface {
	InvalidateInode(number InodeNumber)
	InvalidateEntry(parent InodeNumber, name path.Component)
}

// CheckoutContext carries the mode, the conflict log and the
// invalidation sink through one checkout operation. It is safe for use
// from concurrent subtree walks.
type CheckoutContext struct {
	mode        CheckoutMode
	invalidator Invalidator

	lock         sync.Mutex
	conflicts    []Conflict
	changedPaths []string
}

// NewCheckoutContext creates the context for a single checkout
// operation. The invalidator may be nil for mounts without a kernel
// channel attached.
func NewCheckoutContext(mode CheckoutMode, invalidator Invalidator) *CheckoutContext {
	return &CheckoutContext{
		mode:        mode,
		invalidator: invalidator,
	}
}

// Mode returns the checkout mode.
func (cc *CheckoutContext) Mode() CheckoutMode {
	return cc.mode
}

func (cc *CheckoutContext) apply() bool {
	return cc.mode != CheckoutModeDryRun
}

func (cc *CheckoutContext) force() bool {
	return cc.mode == CheckoutModeForce
}

func (cc *CheckoutContext) addConflict(p string, kind ConflictKind, format string, args ...any) {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	cc.conflicts = append(cc.conflicts, Conflict{
		Path:    p,
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	})
}

func (cc *CheckoutContext) recordChanged(p string) {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	cc.changedPaths = append(cc.changedPaths, p)
}

// Conflicts returns the conflicts recorded so far, in tree walk order.
func (cc *CheckoutContext) Conflicts() []Conflict {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	return append([]Conflict(nil), cc.conflicts...)
}

// ChangedPaths returns the paths checkout touched. Entire subtrees that
// were swapped without being loaded are reported by their directory.
func (cc *CheckoutContext) ChangedPaths() []string {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	return append([]string(nil), cc.changedPaths...)
}

func (cc *CheckoutContext) invalidateInode(number InodeNumber) {
	if cc.invalidator != nil && number != 0 {
		cc.invalidator.InvalidateInode(number)
	}
}

func (cc *CheckoutContext) invalidateEntry(parent InodeNumber, name path.Component) {
	if cc.invalidator != nil {
		cc.invalidator.InvalidateEntry(parent, name)
	}
}

// Checkout transitions this directory from the contents of the tree
// object fromID to those of toID, leaving local modifications in place
// according to the checkout mode. Subtrees that were never loaded are
// swapped by retargeting their source object, without fetching them.
func (t *TreeInode) Checkout(ctx context.Context, cc *CheckoutContext, fromID, toID store.ID) Status {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.checkoutLocked(ctx, cc, fromID, toID)
}

func (t *TreeInode) checkoutLocked(ctx context.Context, cc *CheckoutContext, fromID, toID store.ID) Status {
	if !t.hydrated {
		// Nothing below this directory has been observed by the
		// kernel or modified locally, unless a previous run left
		// overlay state behind.
		persisted := false
		if ov := t.imap.Overlay(); ov != nil {
			_, found, err := ov.LoadDirectory(uint64(t.inodeNumber))
			if err != nil {
				return StatusFromError(err)
			}
			persisted = found
		}
		if !persisted {
			if cc.apply() {
				t.sourceTree = toID
			}
			return StatusOK
		}
	}
	if s := t.hydrateLocked(ctx); s != StatusOK {
		return s
	}

	fromTree, s := t.fetchTreeOrEmptyLocked(ctx, fromID)
	if s != StatusOK {
		return s
	}
	toTree, s := t.fetchTreeOrEmptyLocked(ctx, toID)
	if s != StatusOK {
		return s
	}

	dirPath := t.Path()
	fromEntries, toEntries := fromTree.Entries, toTree.Entries
	for len(fromEntries) > 0 || len(toEntries) > 0 {
		var fe, te *store.TreeEntry
		switch {
		case len(toEntries) == 0 || (len(fromEntries) > 0 && fromEntries[0].Name < toEntries[0].Name):
			fe = &fromEntries[0]
			fromEntries = fromEntries[1:]
		case len(fromEntries) == 0 || toEntries[0].Name < fromEntries[0].Name:
			te = &toEntries[0]
			toEntries = toEntries[1:]
		default:
			fe = &fromEntries[0]
			te = &toEntries[0]
			fromEntries = fromEntries[1:]
			toEntries = toEntries[1:]
		}
		if s := t.checkoutEntryLocked(ctx, cc, dirPath, fe, te); s != StatusOK {
			return s
		}
	}

	if cc.apply() {
		t.mtime = t.imap.now()
		if t.materialized {
			if s := t.persistLocked(); s != StatusOK {
				return s
			}
		} else {
			// All entries applied cleanly, so the directory is
			// exactly the new tree and can be rehydrated from it.
			t.sourceTree = toID
		}
	}
	return StatusOK
}

// checkoutEntryLocked applies the transition of a single entry. Exactly
// one of fe (the old commit's entry) and te (the new commit's entry)
// may be nil; if both are set they differ.
func (t *TreeInode) checkoutEntryLocked(ctx context.Context, cc *CheckoutContext, dirPath string, fe, te *store.TreeEntry) Status {
	if fe != nil && te != nil &&
		fe.ID == te.ID && fe.Type == te.Type && fe.Executable == te.Executable {
		return StatusOK
	}

	entryName := fe
	if entryName == nil {
		entryName = te
	}
	name, ok := path.NewComponent(entryName.Name)
	if !ok {
		return StatusErrIO
	}
	p := joinCheckoutPath(dirPath, entryName.Name)
	e := t.entries[name]

	switch {
	case fe == nil:
		// Added by the new commit.
		if e != nil {
			cc.addConflict(p, ConflictUntrackedAdded, "An untracked entry is in the way of one added by the target commit")
			if !cc.force() || !cc.apply() {
				return StatusOK
			}
			if s := t.checkoutDiscardEntryLocked(ctx, cc, name, e); s != StatusOK {
				return s
			}
		}
		if !cc.apply() {
			return StatusOK
		}
		t.checkoutInsertEntryLocked(name, te)
		cc.invalidateEntry(t.inodeNumber, name)
		cc.recordChanged(p)
		return StatusOK

	case te == nil:
		// Removed by the new commit.
		if e == nil {
			cc.addConflict(p, ConflictMissingRemoved, "The entry was removed locally and is also removed by the target commit")
			return StatusOK
		}
		if t.entryModifiedLocked(e, fe) {
			kind := ConflictModifiedRemoved
			if e.FileType == FileTypeDirectory {
				kind = ConflictDirectoryNotEmpty
			}
			cc.addConflict(p, kind, "The entry has local modifications but is removed by the target commit")
			if !cc.force() || !cc.apply() {
				return StatusOK
			}
		} else if !cc.apply() {
			return StatusOK
		}
		if s := t.checkoutDiscardEntryLocked(ctx, cc, name, e); s != StatusOK {
			return s
		}
		cc.invalidateEntry(t.inodeNumber, name)
		cc.recordChanged(p)
		return StatusOK

	default:
		// Modified by the new commit.
		if e == nil {
			cc.addConflict(p, ConflictRemovedModified, "The entry was removed locally but is modified by the target commit")
			if !cc.force() || !cc.apply() {
				return StatusOK
			}
			t.checkoutInsertEntryLocked(name, te)
			cc.invalidateEntry(t.inodeNumber, name)
			cc.recordChanged(p)
			return StatusOK
		}
		if fe.Type == store.EntryTypeTree && te.Type == store.EntryTypeTree && e.FileType == FileTypeDirectory {
			return t.checkoutDirectoryEntryLocked(ctx, cc, p, name, e, fe, te)
		}
		if t.entryModifiedLocked(e, fe) {
			kind := ConflictModifiedModified
			if e.FileType == FileTypeDirectory {
				// A materialized directory being replaced by
				// a non-directory cannot be merged.
				kind = ConflictDirectoryNotEmpty
			}
			cc.addConflict(p, kind, "The entry has local modifications and is modified by the target commit")
			if !cc.force() || !cc.apply() {
				return StatusOK
			}
		} else if !cc.apply() {
			return StatusOK
		}
		if s := t.checkoutDiscardEntryLocked(ctx, cc, name, e); s != StatusOK {
			return s
		}
		t.checkoutInsertEntryLocked(name, te)
		cc.invalidateEntry(t.inodeNumber, name)
		cc.recordChanged(p)
		return StatusOK
	}
}

// checkoutDirectoryEntryLocked handles a directory that exists in both
// commits with different contents. Loaded children are walked
// recursively; unloaded, unmodified children are retargeted in place.
func (t *TreeInode) checkoutDirectoryEntryLocked(ctx context.Context, cc *CheckoutContext, p string, name path.Component, e *DirEntry, fe, te *store.TreeEntry) Status {
	if e.child == nil {
		if e.SourceID != fe.ID {
			// The overlay remembers a materialized child that is
			// not loaded right now. Load it so the recursive walk
			// can inspect its contents.
			if e.SourceID.IsZero() {
				t.loadChildLocked(name, e)
			} else {
				// Diverged source object; treat as modified.
				cc.addConflict(p, ConflictModifiedModified, "The entry has local modifications and is modified by the target commit")
				if !cc.force() || !cc.apply() {
					return StatusOK
				}
				if s := t.checkoutDiscardEntryLocked(ctx, cc, name, e); s != StatusOK {
					return s
				}
				t.checkoutInsertEntryLocked(name, te)
				cc.invalidateEntry(t.inodeNumber, name)
				cc.recordChanged(p)
				return StatusOK
			}
		}
	}
	if e.child == nil {
		// Unloaded and unmodified: swap the backing object without
		// fetching the subtree.
		if cc.apply() {
			e.SourceID = te.ID
			cc.invalidateInode(e.InodeNumber)
			cc.invalidateEntry(t.inodeNumber, name)
		}
		cc.recordChanged(p)
		return StatusOK
	}

	child, ok := e.child.(*TreeInode)
	if !ok {
		return StatusErrIO
	}
	if s := child.Checkout(ctx, cc, fe.ID, te.ID); s != StatusOK {
		return s
	}
	if cc.apply() {
		if child.isMaterialized() {
			e.SourceID = store.ID{}
		} else {
			e.SourceID = te.ID
		}
	}
	return StatusOK
}

// entryModifiedLocked reports whether the entry diverged from the old
// commit's view of it.
func (t *TreeInode) entryModifiedLocked(e *DirEntry, fe *store.TreeEntry) bool {
	expectedType, _ := entryFileTypeFromTree(fe)
	if e.FileType != expectedType {
		return true
	}
	if e.child == nil {
		return e.SourceID != fe.ID
	}
	switch c := e.child.(type) {
	case *FileInode:
		return c.IsModified()
	case *SymlinkInode:
		return c.IsModified()
	case *TreeInode:
		return c.isMaterialized()
	}
	return true
}

// checkoutInsertEntryLocked adds an entry backed purely by the new
// commit's object. An inode number is assigned on first use, as usual.
func (t *TreeInode) checkoutInsertEntryLocked(name path.Component, te *store.TreeEntry) {
	fileType, mode := entryFileTypeFromTree(te)
	t.entries[name] = &DirEntry{
		FileType: fileType,
		Mode:     mode,
		SourceID: te.ID,
	}
}

// checkoutDiscardEntryLocked removes an entry together with any loaded
// subtree below it and its overlay state.
func (t *TreeInode) checkoutDiscardEntryLocked(ctx context.Context, cc *CheckoutContext, name path.Component, e *DirEntry) Status {
	if child, ok := e.child.(*TreeInode); ok {
		if s := child.discardContents(ctx, cc); s != StatusOK {
			return s
		}
	}
	delete(t.entries, name)
	if e.child != nil {
		cc.invalidateInode(e.InodeNumber)
		t.imap.detachChild(e.child)
		t.imap.dropInode(e.InodeNumber)
	}
	if ov := t.imap.Overlay(); ov != nil && e.InodeNumber != 0 {
		if err := ov.RemoveInode(uint64(e.InodeNumber)); err != nil {
			return StatusFromError(err)
		}
	}
	return StatusOK
}

// discardContents drops every loaded or persisted entry of a directory
// that is being removed wholesale.
func (t *TreeInode) discardContents(ctx context.Context, cc *CheckoutContext) Status {
	t.lock.Lock()
	defer t.lock.Unlock()
	if !t.hydrated {
		return StatusOK
	}
	for name, e := range t.entries {
		if s := t.checkoutDiscardEntryLocked(ctx, cc, name, e); s != StatusOK {
			return s
		}
	}
	t.entries = map[path.Component]*DirEntry{}
	return StatusOK
}

func (t *TreeInode) isMaterialized() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.materialized
}

func (t *TreeInode) fetchTreeOrEmptyLocked(ctx context.Context, id store.ID) (*store.Tree, Status) {
	if id.IsZero() {
		return &store.Tree{}, StatusOK
	}
	tree, err := t.imap.Store().GetTree(ctx, id)
	if err != nil {
		return nil, StatusFromError(err)
	}
	return tree, StatusOK
}

func joinCheckoutPath(dirPath, name string) string {
	if dirPath == "" {
		return name
	}
	return dirPath + "/" + name
}
