package inode

import (
	"context"
	"sort"

	"github.com/buildbarn/bb-storage/pkg/filesystem/path"
	"github.com/scmfs/scmfs/pkg/store"
)

// DiffKind classifies one difference between a commit and the working
// copy.
type DiffKind int

const (
	// DiffAdded: the path exists in the working copy but not in the
	// commit.
	DiffAdded DiffKind = iota
	// DiffRemoved: the path exists in the commit but not in the
	// working copy.
	DiffRemoved
	// DiffModified: the path exists in both, with differing contents
	// or type.
	DiffModified
)

var diffKindNames = map[DiffKind]string{
	DiffAdded:    "ADDED",
	DiffRemoved:  "REMOVED",
	DiffModified: "MODIFIED",
}

func (k DiffKind) String() string {
	if name, ok := diffKindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// WorkingCopyDiff is one difference reported by TreeInode.DiffAgainst.
// Directories that were added or removed wholesale are reported as a
// single entry for the directory path, not one entry per contained
// file.
type WorkingCopyDiff struct {
	Path string
	Kind DiffKind
}

// DiffAgainst compares the working copy rooted at this directory with
// the tree identified by againstID, reporting one entry per difference
// in depth first order. Subtrees that are neither loaded nor locally
// modified are compared purely at the object store level, without
// constructing inodes for them.
func (t *TreeInode) DiffAgainst(ctx context.Context, againstID store.ID, report func(WorkingCopyDiff) error) Status {
	return t.diffAgainst(ctx, t.Path(), againstID, report)
}

func storeDiffKind(d *store.DiffEntry) DiffKind {
	switch {
	case d.From == nil:
		return DiffAdded
	case d.To == nil:
		return DiffRemoved
	default:
		return DiffModified
	}
}

func (t *TreeInode) diffAgainst(ctx context.Context, dirPath string, againstID store.ID, report func(WorkingCopyDiff) error) Status {
	t.lock.Lock()
	defer t.lock.Unlock()

	// Directories that were never touched can be compared without
	// hydrating them: the source tree object stands in for the
	// working copy.
	if !t.hydrated && !t.materialized {
		if t.sourceTree == againstID {
			return StatusOK
		}
		if err := store.DiffTrees(ctx, t.imap.Store(), againstID, t.sourceTree, func(d store.DiffEntry) error {
			return report(WorkingCopyDiff{
				Path: joinCheckoutPath(dirPath, d.Path),
				Kind: storeDiffKind(&d),
			})
		}); err != nil {
			return StatusFromError(err)
		}
		return StatusOK
	}

	if s := t.hydrateLocked(ctx); s != StatusOK {
		return s
	}
	against, s := t.fetchTreeOrEmptyLocked(ctx, againstID)
	if s != StatusOK {
		return s
	}

	names := make(map[string]struct{}, len(t.entries)+len(against.Entries))
	for name := range t.entries {
		names[name.String()] = struct{}{}
	}
	for i := range against.Entries {
		names[against.Entries[i].Name] = struct{}{}
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		component, ok := path.NewComponent(name)
		if !ok {
			return StatusErrIO
		}
		e := t.entries[component]
		ae := against.Get(name)
		p := joinCheckoutPath(dirPath, name)
		if s := t.diffEntryLocked(ctx, p, component, e, ae, report); s != StatusOK {
			return s
		}
	}
	return StatusOK
}

func (t *TreeInode) diffEntryLocked(ctx context.Context, p string, name path.Component, e *DirEntry, ae *store.TreeEntry, report func(WorkingCopyDiff) error) Status {
	reportOne := func(kind DiffKind) Status {
		if err := report(WorkingCopyDiff{Path: p, Kind: kind}); err != nil {
			return StatusFromError(err)
		}
		return StatusOK
	}

	switch {
	case ae == nil:
		return reportOne(DiffAdded)
	case e == nil:
		return reportOne(DiffRemoved)
	}

	expectedType, _ := entryFileTypeFromTree(ae)
	if e.FileType != expectedType {
		return reportOne(DiffModified)
	}
	if e.FileType != FileTypeDirectory {
		if t.entryModifiedLocked(e, ae) {
			return reportOne(DiffModified)
		}
		return StatusOK
	}

	// Directory on both sides. Unloaded and unmodified: compare the
	// backing objects directly. Loaded or materialized: recurse.
	if e.child == nil && !e.SourceID.IsZero() {
		if e.SourceID == ae.ID {
			return StatusOK
		}
		if err := store.DiffTrees(ctx, t.imap.Store(), ae.ID, e.SourceID, func(d store.DiffEntry) error {
			return report(WorkingCopyDiff{
				Path: joinCheckoutPath(p, d.Path),
				Kind: storeDiffKind(&d),
			})
		}); err != nil {
			return StatusFromError(err)
		}
		return StatusOK
	}
	child, ok := t.loadChildLocked(name, e).(*TreeInode)
	if !ok {
		return StatusErrIO
	}
	return child.diffAgainst(ctx, p, ae.ID, report)
}
