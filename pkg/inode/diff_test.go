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

func TestTreeInodeDiffAgainst(t *testing.T) {
	ctx := context.Background()
	objectStore := store.NewMemoryStore()
	srcID := mustPutTree(t, objectStore,
		store.TreeEntry{Name: "main.go", Type: store.EntryTypeBlob, ID: mustPutBlob(t, objectStore, "package main")})
	rootID := mustPutTree(t, objectStore,
		store.TreeEntry{Name: "README.md", Type: store.EntryTypeBlob, ID: mustPutBlob(t, objectStore, "hello")},
		store.TreeEntry{Name: "src", Type: store.EntryTypeTree, ID: srcID})
	otherID := mustPutTree(t, objectStore,
		store.TreeEntry{Name: "NEW.txt", Type: store.EntryTypeBlob, ID: mustPutBlob(t, objectStore, "new")},
		store.TreeEntry{Name: "README.md", Type: store.EntryTypeBlob, ID: mustPutBlob(t, objectStore, "changed")},
		store.TreeEntry{Name: "src", Type: store.EntryTypeTree, ID: srcID})

	newRoot := func(t *testing.T) *inode.TreeInode {
		imap, err := inode.NewInodeMap(objectStore, nil, clock.SystemClock)
		require.NoError(t, err)
		return inode.NewRootTreeInode(imap, rootID)
	}
	collect := func(t *testing.T, root *inode.TreeInode, against store.ID) []inode.WorkingCopyDiff {
		var diffs []inode.WorkingCopyDiff
		s := root.DiffAgainst(ctx, against, func(d inode.WorkingCopyDiff) error {
			diffs = append(diffs, d)
			return nil
		})
		require.Equal(t, inode.StatusOK, s)
		return diffs
	}

	t.Run("UntouchedTreeMatchesItsCommit", func(t *testing.T) {
		require.Empty(t, collect(t, newRoot(t), rootID))
	})

	// A working copy that was never hydrated is diffed purely at the
	// object store level. NEW.txt only exists in the commit being
	// compared against, so relative to it the working copy removed it.
	t.Run("UntouchedTreeUsesStoreDiff", func(t *testing.T) {
		require.Equal(t, []inode.WorkingCopyDiff{
			{Path: "NEW.txt", Kind: inode.DiffRemoved},
			{Path: "README.md", Kind: inode.DiffModified},
		}, collect(t, newRoot(t), otherID))
	})

	t.Run("LoadedTreeWalk", func(t *testing.T) {
		root := newRoot(t)
		src, s := root.Lookup(ctx, path.MustNewComponent("src"))
		require.Equal(t, inode.StatusOK, s)
		mainGo, s := src.(*inode.TreeInode).Lookup(ctx, path.MustNewComponent("main.go"))
		require.Equal(t, inode.StatusOK, s)
		_, s = mainGo.(*inode.FileInode).Write(ctx, []byte("package main2"), 0)
		require.Equal(t, inode.StatusOK, s)
		file, s := root.CreateFile(ctx, path.MustNewComponent("notes.txt"), 0o644)
		require.Equal(t, inode.StatusOK, s)
		_, s = file.Write(ctx, []byte("draft"), 0)
		require.Equal(t, inode.StatusOK, s)

		require.Equal(t, []inode.WorkingCopyDiff{
			{Path: "notes.txt", Kind: inode.DiffAdded},
			{Path: "src/main.go", Kind: inode.DiffModified},
		}, collect(t, root, rootID))
	})

	t.Run("RemovedEntry", func(t *testing.T) {
		root := newRoot(t)
		require.Equal(t, inode.StatusOK, root.Unlink(ctx, path.MustNewComponent("README.md")))
		require.Equal(t, []inode.WorkingCopyDiff{
			{Path: "README.md", Kind: inode.DiffRemoved},
		}, collect(t, root, rootID))
	})
}
