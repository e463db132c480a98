package overlay_test

import (
	"path/filepath"
	"testing"

	"github.com/scmfs/scmfs/pkg/overlay"
	"github.com/stretchr/testify/require"
)

func openTestOverlay(t *testing.T) *overlay.Overlay {
	o, err := overlay.Open(filepath.Join(t.TempDir(), "overlay.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	return o
}

func TestOverlayInodeRoundTrip(t *testing.T) {
	o := openTestOverlay(t)

	_, found, err := o.LoadInode(17)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, o.SaveInode(17, &overlay.InodeRecord{
		FileType:      2,
		Mode:          0o644,
		MtimeUnixNano: 1234,
	}))
	record, found, err := o.LoadInode(17)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(0o644), record.Mode)

	require.NoError(t, o.RemoveInode(17))
	_, found, err = o.LoadInode(17)
	require.NoError(t, err)
	require.False(t, found)
}

func TestOverlayFileData(t *testing.T) {
	o := openTestOverlay(t)

	contents := []byte("local edit to foo.txt\n")
	require.NoError(t, o.SaveFileData(23, contents))
	data, found, err := o.LoadFileData(23)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, contents, data)

	// An empty file is still a materialized file. Its presence must
	// be distinguishable from having no stored contents at all.
	require.NoError(t, o.SaveFileData(24, nil))
	data, found, err = o.LoadFileData(24)
	require.NoError(t, err)
	require.True(t, found)
	require.Empty(t, data)

	_, found, err = o.LoadFileData(25)
	require.NoError(t, err)
	require.False(t, found)
}

func TestOverlayDirectory(t *testing.T) {
	o := openTestOverlay(t)

	entries := []overlay.DirEntryRecord{
		{Name: "a.txt", InodeNumber: 5, FileType: 2, Mode: 0o644},
		{Name: "sub", InodeNumber: 6, FileType: 1, Mode: 0o755},
	}
	require.NoError(t, o.SaveDirectory(4, entries))
	loaded, found, err := o.LoadDirectory(4)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, entries, loaded)
}

func TestOverlayParentRecord(t *testing.T) {
	o := openTestOverlay(t)

	_, found, err := o.LoadParentRecord()
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, o.SaveParentRecord(&overlay.ParentRecord{
		WorkingCopyParent: "commit-a",
		CheckedOutRoot:    "commit-a",
		InterruptedFrom:   "commit-a",
		InterruptedTo:     "commit-b",
	}))
	record, found, err := o.LoadParentRecord()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "commit-b", record.InterruptedTo)
}

func TestOverlayNextInodeNumber(t *testing.T) {
	o := openTestOverlay(t)

	_, found, err := o.LoadNextInodeNumber()
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, o.SaveNextInodeNumber(1000))
	next, found, err := o.LoadNextInodeNumber()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(1000), next)
}
