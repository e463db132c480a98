package inode_test

import (
	"context"
	"testing"

	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/filesystem/path"
	"github.com/scmfs/scmfs/pkg/inode"
	"github.com/scmfs/scmfs/pkg/store"
	"github.com/stretchr/testify/require"
)

// recordingInvalidator captures the invalidation requests a checkout
// emits, in place of a kernel channel.
type recordingInvalidator struct {
	inodes  []inode.InodeNumber
	entries []string
}

func (ri *recordingInvalidator) InvalidateInode(number inode.InodeNumber) {
	ri.inodes = append(ri.inodes, number)
}

func (ri *recordingInvalidator) InvalidateEntry(parent inode.InodeNumber, name path.Component) {
	ri.entries = append(ri.entries, name.String())
}

// newCheckoutFixture builds two commits:
//
//	from: a.txt("alpha"), rm.txt("doomed"), lib/util.go("old util")
//	to:   a.txt("ALPHA"), new.txt("fresh"), lib/util.go("new util"), lib/extra.go("extra")
func newCheckoutFixture(t *testing.T) (objectStore *store.MemoryStore, fromID, toID store.ID) {
	objectStore = store.NewMemoryStore()
	fromLib := mustPutTree(t, objectStore,
		store.TreeEntry{Name: "util.go", Type: store.EntryTypeBlob, ID: mustPutBlob(t, objectStore, "old util")})
	fromID = mustPutTree(t, objectStore,
		store.TreeEntry{Name: "a.txt", Type: store.EntryTypeBlob, ID: mustPutBlob(t, objectStore, "alpha")},
		store.TreeEntry{Name: "rm.txt", Type: store.EntryTypeBlob, ID: mustPutBlob(t, objectStore, "doomed")},
		store.TreeEntry{Name: "lib", Type: store.EntryTypeTree, ID: fromLib})
	toLib := mustPutTree(t, objectStore,
		store.TreeEntry{Name: "util.go", Type: store.EntryTypeBlob, ID: mustPutBlob(t, objectStore, "new util")},
		store.TreeEntry{Name: "extra.go", Type: store.EntryTypeBlob, ID: mustPutBlob(t, objectStore, "extra")})
	toID = mustPutTree(t, objectStore,
		store.TreeEntry{Name: "a.txt", Type: store.EntryTypeBlob, ID: mustPutBlob(t, objectStore, "ALPHA")},
		store.TreeEntry{Name: "new.txt", Type: store.EntryTypeBlob, ID: mustPutBlob(t, objectStore, "fresh")},
		store.TreeEntry{Name: "lib", Type: store.EntryTypeTree, ID: toLib})
	return
}

func newCheckoutRoot(t *testing.T, objectStore *store.MemoryStore, rootID store.ID) *inode.TreeInode {
	imap, err := inode.NewInodeMap(objectStore, nil, clock.SystemClock)
	require.NoError(t, err)
	return inode.NewRootTreeInode(imap, rootID)
}

func mustRead(t *testing.T, ctx context.Context, dir *inode.TreeInode, name string) string {
	child, s := dir.Lookup(ctx, path.MustNewComponent(name))
	require.Equal(t, inode.StatusOK, s)
	return readAll(t, child.(*inode.FileInode))
}

func TestCheckoutClean(t *testing.T) {
	ctx := context.Background()
	objectStore, fromID, toID := newCheckoutFixture(t)
	root := newCheckoutRoot(t, objectStore, fromID)

	// Hydrate the root the way a kernel would before switching.
	listing, s := root.ReadDir(ctx, 0)
	require.Equal(t, inode.StatusOK, s)
	require.Len(t, listing, 3)

	invalidator := &recordingInvalidator{}
	cc := inode.NewCheckoutContext(inode.CheckoutModeNormal, invalidator)
	require.Equal(t, inode.StatusOK, root.Checkout(ctx, cc, fromID, toID))
	require.Empty(t, cc.Conflicts())

	require.Equal(t, "ALPHA", mustRead(t, ctx, root, "a.txt"))
	require.Equal(t, "fresh", mustRead(t, ctx, root, "new.txt"))
	_, s = root.Lookup(ctx, path.MustNewComponent("rm.txt"))
	require.Equal(t, inode.StatusErrNoEnt, s)

	// The lib subtree was never loaded; it must have been swapped to
	// the new commit without fetching it.
	lib, s := root.Lookup(ctx, path.MustNewComponent("lib"))
	require.Equal(t, inode.StatusOK, s)
	libDir := lib.(*inode.TreeInode)
	require.Equal(t, "new util", mustRead(t, ctx, libDir, "util.go"))
	require.Equal(t, "extra", mustRead(t, ctx, libDir, "extra.go"))

	require.ElementsMatch(t, []string{"a.txt", "lib", "new.txt", "rm.txt"}, cc.ChangedPaths())
	require.Subset(t, invalidator.entries, []string{"a.txt", "rm.txt"})
}

func TestCheckoutDryRun(t *testing.T) {
	ctx := context.Background()
	objectStore, fromID, toID := newCheckoutFixture(t)
	root := newCheckoutRoot(t, objectStore, fromID)
	_, s := root.ReadDir(ctx, 0)
	require.Equal(t, inode.StatusOK, s)

	// Modify a.txt so the dry run has a conflict to predict.
	child, s := root.Lookup(ctx, path.MustNewComponent("a.txt"))
	require.Equal(t, inode.StatusOK, s)
	_, s = child.(*inode.FileInode).Write(ctx, []byte("local"), 0)
	require.Equal(t, inode.StatusOK, s)

	cc := inode.NewCheckoutContext(inode.CheckoutModeDryRun, nil)
	require.Equal(t, inode.StatusOK, root.Checkout(ctx, cc, fromID, toID))

	conflicts := cc.Conflicts()
	require.Len(t, conflicts, 1)
	require.Equal(t, "a.txt", conflicts[0].Path)
	require.Equal(t, inode.ConflictModifiedModified, conflicts[0].Kind)

	// Nothing was applied.
	require.Equal(t, "local", mustRead(t, ctx, root, "a.txt"))
	require.Equal(t, "doomed", mustRead(t, ctx, root, "rm.txt"))
	_, s = root.Lookup(ctx, path.MustNewComponent("new.txt"))
	require.Equal(t, inode.StatusErrNoEnt, s)
}

func TestCheckoutConflicts(t *testing.T) {
	ctx := context.Background()

	t.Run("UntrackedAdded", func(t *testing.T) {
		objectStore, fromID, toID := newCheckoutFixture(t)
		root := newCheckoutRoot(t, objectStore, fromID)
		file, s := root.CreateFile(ctx, path.MustNewComponent("new.txt"), 0o644)
		require.Equal(t, inode.StatusOK, s)
		_, s = file.Write(ctx, []byte("mine"), 0)
		require.Equal(t, inode.StatusOK, s)

		cc := inode.NewCheckoutContext(inode.CheckoutModeNormal, nil)
		require.Equal(t, inode.StatusOK, root.Checkout(ctx, cc, fromID, toID))
		conflicts := cc.Conflicts()
		require.Len(t, conflicts, 1)
		require.Equal(t, "new.txt", conflicts[0].Path)
		require.Equal(t, inode.ConflictUntrackedAdded, conflicts[0].Kind)

		// The untracked file wins; everything else still switches.
		require.Equal(t, "mine", mustRead(t, ctx, root, "new.txt"))
		require.Equal(t, "ALPHA", mustRead(t, ctx, root, "a.txt"))
	})

	t.Run("ModifiedRemoved", func(t *testing.T) {
		objectStore, fromID, toID := newCheckoutFixture(t)
		root := newCheckoutRoot(t, objectStore, fromID)
		child, s := root.Lookup(ctx, path.MustNewComponent("rm.txt"))
		require.Equal(t, inode.StatusOK, s)
		_, s = child.(*inode.FileInode).Write(ctx, []byte("precious"), 0)
		require.Equal(t, inode.StatusOK, s)

		cc := inode.NewCheckoutContext(inode.CheckoutModeNormal, nil)
		require.Equal(t, inode.StatusOK, root.Checkout(ctx, cc, fromID, toID))
		conflicts := cc.Conflicts()
		require.Len(t, conflicts, 1)
		require.Equal(t, "rm.txt", conflicts[0].Path)
		require.Equal(t, inode.ConflictModifiedRemoved, conflicts[0].Kind)
		require.Equal(t, "precious", mustRead(t, ctx, root, "rm.txt"))
	})

	t.Run("MissingRemoved", func(t *testing.T) {
		objectStore, fromID, toID := newCheckoutFixture(t)
		root := newCheckoutRoot(t, objectStore, fromID)
		require.Equal(t, inode.StatusOK, root.Unlink(ctx, path.MustNewComponent("rm.txt")))

		cc := inode.NewCheckoutContext(inode.CheckoutModeNormal, nil)
		require.Equal(t, inode.StatusOK, root.Checkout(ctx, cc, fromID, toID))
		conflicts := cc.Conflicts()
		require.Len(t, conflicts, 1)
		require.Equal(t, inode.ConflictMissingRemoved, conflicts[0].Kind)
	})

	t.Run("RemovedModified", func(t *testing.T) {
		objectStore, fromID, toID := newCheckoutFixture(t)
		root := newCheckoutRoot(t, objectStore, fromID)
		require.Equal(t, inode.StatusOK, root.Unlink(ctx, path.MustNewComponent("a.txt")))

		cc := inode.NewCheckoutContext(inode.CheckoutModeNormal, nil)
		require.Equal(t, inode.StatusOK, root.Checkout(ctx, cc, fromID, toID))
		conflicts := cc.Conflicts()
		require.Len(t, conflicts, 1)
		require.Equal(t, inode.ConflictRemovedModified, conflicts[0].Kind)
		_, s := root.Lookup(ctx, path.MustNewComponent("a.txt"))
		require.Equal(t, inode.StatusErrNoEnt, s)
	})

	t.Run("NestedModifiedModified", func(t *testing.T) {
		objectStore, fromID, toID := newCheckoutFixture(t)
		root := newCheckoutRoot(t, objectStore, fromID)
		lib, s := root.Lookup(ctx, path.MustNewComponent("lib"))
		require.Equal(t, inode.StatusOK, s)
		libDir := lib.(*inode.TreeInode)
		util, s := libDir.Lookup(ctx, path.MustNewComponent("util.go"))
		require.Equal(t, inode.StatusOK, s)
		utilFile := util.(*inode.FileInode)
		// Truncate first; a plain write at offset zero would leave the
		// tail of the old contents in place.
		size := uint64(0)
		_, s = utilFile.SetAttr(ctx, &inode.SetAttrRequest{SizeBytes: &size})
		require.Equal(t, inode.StatusOK, s)
		_, s = utilFile.Write(ctx, []byte("hacked"), 0)
		require.Equal(t, inode.StatusOK, s)

		cc := inode.NewCheckoutContext(inode.CheckoutModeNormal, nil)
		require.Equal(t, inode.StatusOK, root.Checkout(ctx, cc, fromID, toID))
		conflicts := cc.Conflicts()
		require.Len(t, conflicts, 1)
		require.Equal(t, "lib/util.go", conflicts[0].Path)
		require.Equal(t, inode.ConflictModifiedModified, conflicts[0].Kind)

		// The conflicted file keeps its local contents, while the
		// sibling added by the target commit shows up.
		require.Equal(t, "hacked", mustRead(t, ctx, libDir, "util.go"))
		require.Equal(t, "extra", mustRead(t, ctx, libDir, "extra.go"))
	})
}

func TestCheckoutForce(t *testing.T) {
	ctx := context.Background()
	objectStore, fromID, toID := newCheckoutFixture(t)
	root := newCheckoutRoot(t, objectStore, fromID)

	child, s := root.Lookup(ctx, path.MustNewComponent("rm.txt"))
	require.Equal(t, inode.StatusOK, s)
	_, s = child.(*inode.FileInode).Write(ctx, []byte("precious"), 0)
	require.Equal(t, inode.StatusOK, s)
	file, s := root.CreateFile(ctx, path.MustNewComponent("new.txt"), 0o644)
	require.Equal(t, inode.StatusOK, s)
	_, s = file.Write(ctx, []byte("mine"), 0)
	require.Equal(t, inode.StatusOK, s)

	cc := inode.NewCheckoutContext(inode.CheckoutModeForce, nil)
	require.Equal(t, inode.StatusOK, root.Checkout(ctx, cc, fromID, toID))

	// Conflicts are still reported under force, but the target commit
	// wins all of them.
	require.Len(t, cc.Conflicts(), 2)
	_, s = root.Lookup(ctx, path.MustNewComponent("rm.txt"))
	require.Equal(t, inode.StatusErrNoEnt, s)
	require.Equal(t, "fresh", mustRead(t, ctx, root, "new.txt"))
	require.Equal(t, "ALPHA", mustRead(t, ctx, root, "a.txt"))
}
