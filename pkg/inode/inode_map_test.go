package inode_test

import (
	"testing"

	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/scmfs/scmfs/pkg/inode"
	"github.com/scmfs/scmfs/pkg/store"
	"github.com/stretchr/testify/require"
)

func newTestInodeMap(t *testing.T) *inode.InodeMap {
	imap, err := inode.NewInodeMap(store.NewMemoryStore(), nil, clock.SystemClock)
	require.NoError(t, err)
	return imap
}

func TestInodeMapAllocation(t *testing.T) {
	imap := newTestInodeMap(t)

	first := imap.AllocateInodeNumber()
	second := imap.AllocateInodeNumber()
	require.Equal(t, inode.InodeNumber(2), first)
	require.Equal(t, inode.InodeNumber(3), second)
}

func TestInodeMapFsRefs(t *testing.T) {
	imap := newTestInodeMap(t)
	number := imap.AllocateInodeNumber()

	t.Run("AcquireRelease", func(t *testing.T) {
		require.False(t, imap.IsKernelReferenced(number))
		imap.AcquireFsRefs(number, 3)
		require.True(t, imap.IsKernelReferenced(number))
		imap.ReleaseFsRefs(number, 2)
		require.True(t, imap.IsKernelReferenced(number))
		imap.ReleaseFsRefs(number, 1)
		require.False(t, imap.IsKernelReferenced(number))
	})

	t.Run("OverForget", func(t *testing.T) {
		imap.AcquireFsRefs(number, 1)
		require.Panics(t, func() {
			imap.ReleaseFsRefs(number, 2)
		})
		imap.ReleaseFsRefs(number, 1)
	})

	t.Run("Unmounted", func(t *testing.T) {
		imap.AcquireFsRefs(number, 5)
		imap.SetUnmounted()
		require.False(t, imap.IsKernelReferenced(number))
	})
}

func TestInodeMapLookupStale(t *testing.T) {
	imap := newTestInodeMap(t)

	_, s := imap.LookupInode(inode.InodeNumber(42))
	require.Equal(t, inode.StatusErrStale, s)
}

func TestInodeMapTakeoverSnapshot(t *testing.T) {
	predecessor := newTestInodeMap(t)
	a := predecessor.AllocateInodeNumber()
	b := predecessor.AllocateInodeNumber()
	predecessor.AcquireFsRefs(a, 2)
	predecessor.AcquireFsRefs(b, 1)

	snapshot := predecessor.SnapshotForTakeover()

	successor := newTestInodeMap(t)
	successor.RestoreFromTakeover(snapshot)

	// The successor must not reissue numbers the predecessor handed
	// out, and must keep serving the kernel's existing references.
	fresh := successor.AllocateInodeNumber()
	require.Greater(t, uint64(fresh), uint64(b))
	require.True(t, successor.IsKernelReferenced(a))
	require.True(t, successor.IsKernelReferenced(b))

	successor.ReleaseFsRefs(a, 2)
	require.False(t, successor.IsKernelReferenced(a))
}
