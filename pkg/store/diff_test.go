package store_test

import (
	"context"
	"testing"

	"github.com/scmfs/scmfs/pkg/store"
	"github.com/stretchr/testify/require"
)

func mustPutBlob(t *testing.T, s *store.MemoryStore, data string) store.ID {
	id, err := s.PutBlob(context.Background(), []byte(data))
	require.NoError(t, err)
	return id
}

func mustPutTree(t *testing.T, s *store.MemoryStore, tree *store.Tree) store.ID {
	id, err := s.PutTree(context.Background(), tree)
	require.NoError(t, err)
	return id
}

func collectDiff(t *testing.T, s *store.MemoryStore, from, to store.ID) []store.DiffEntry {
	var entries []store.DiffEntry
	require.NoError(t, store.DiffTrees(context.Background(), s, from, to, func(e store.DiffEntry) error {
		entries = append(entries, e)
		return nil
	}))
	return entries
}

func TestDiffTrees(t *testing.T) {
	s := store.NewMemoryStore()

	fooV1 := mustPutBlob(t, s, "foo v1")
	fooV2 := mustPutBlob(t, s, "foo v2")
	bar := mustPutBlob(t, s, "bar")

	subV1 := mustPutTree(t, s, &store.Tree{Entries: []store.TreeEntry{
		{Name: "foo.txt", Type: store.EntryTypeBlob, ID: fooV1},
	}})
	subV2 := mustPutTree(t, s, &store.Tree{Entries: []store.TreeEntry{
		{Name: "foo.txt", Type: store.EntryTypeBlob, ID: fooV2},
	}})

	rootV1 := mustPutTree(t, s, &store.Tree{Entries: []store.TreeEntry{
		{Name: "src", Type: store.EntryTypeTree, ID: subV1},
	}})
	rootV2 := mustPutTree(t, s, &store.Tree{Entries: []store.TreeEntry{
		{Name: "bar.txt", Type: store.EntryTypeBlob, ID: bar},
		{Name: "src", Type: store.EntryTypeTree, ID: subV2},
	}})

	t.Run("Identical", func(t *testing.T) {
		require.Empty(t, collectDiff(t, s, rootV1, rootV1))
	})

	t.Run("AddedAndModified", func(t *testing.T) {
		entries := collectDiff(t, s, rootV1, rootV2)
		require.Len(t, entries, 2)

		require.Equal(t, "bar.txt", entries[0].Path)
		require.Nil(t, entries[0].From)
		require.Equal(t, bar, entries[0].To.ID)

		require.Equal(t, "src/foo.txt", entries[1].Path)
		require.Equal(t, fooV1, entries[1].From.ID)
		require.Equal(t, fooV2, entries[1].To.ID)
	})

	t.Run("Removed", func(t *testing.T) {
		entries := collectDiff(t, s, rootV2, rootV1)
		require.Len(t, entries, 2)
		require.Equal(t, "bar.txt", entries[0].Path)
		require.Nil(t, entries[0].To)
	})

	t.Run("AgainstEmpty", func(t *testing.T) {
		entries := collectDiff(t, s, store.ID{}, rootV1)
		require.Len(t, entries, 1)
		require.Equal(t, "src/foo.txt", entries[0].Path)
		require.Nil(t, entries[0].From)
	})
}

func TestTreeGet(t *testing.T) {
	tree := store.Tree{Entries: []store.TreeEntry{
		{Name: "b"},
		{Name: "a"},
		{Name: "c"},
	}}
	tree.Normalize()

	require.Equal(t, "a", tree.Entries[0].Name)
	require.NotNil(t, tree.Get("b"))
	require.Nil(t, tree.Get("d"))
}
