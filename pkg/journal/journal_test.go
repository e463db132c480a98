package journal_test

import (
	"testing"

	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/scmfs/scmfs/pkg/journal"
	"github.com/stretchr/testify/require"
)

func TestJournalSequencing(t *testing.T) {
	j := journal.NewJournal(clock.SystemClock, 10)
	require.Zero(t, j.LatestSequenceNumber())

	j.RecordChanges("foo.txt")
	j.RecordChanges("bar.txt", "baz.txt")
	require.Equal(t, uint64(2), j.LatestSequenceNumber())

	deltas, complete := j.DeltasSince(0)
	require.True(t, complete)
	require.Len(t, deltas, 2)
	require.Equal(t, uint64(1), deltas[0].SequenceNumber)
	require.Equal(t, []string{"foo.txt"}, deltas[0].Changed)

	deltas, complete = j.DeltasSince(1)
	require.True(t, complete)
	require.Len(t, deltas, 1)
	require.Equal(t, []string{"bar.txt", "baz.txt"}, deltas[0].Changed)

	deltas, complete = j.DeltasSince(2)
	require.True(t, complete)
	require.Empty(t, deltas)
}

func TestJournalTruncation(t *testing.T) {
	j := journal.NewJournal(clock.SystemClock, 2)
	j.RecordChanges("a")
	j.RecordChanges("b")
	j.RecordChanges("c")

	// Delta 1 has been discarded, so reading from the beginning is
	// no longer possible.
	_, complete := j.DeltasSince(0)
	require.False(t, complete)

	deltas, complete := j.DeltasSince(1)
	require.True(t, complete)
	require.Len(t, deltas, 2)
	require.Equal(t, uint64(2), deltas[0].SequenceNumber)
}

func TestJournalParentTransition(t *testing.T) {
	j := journal.NewJournal(clock.SystemClock, 10)

	notified := 0
	j.Subscribe(func() { notified++ })

	j.RecordParentTransition("commit-a", "commit-b", []string{"foo.txt"})
	require.Equal(t, 1, notified)

	deltas, complete := j.DeltasSince(0)
	require.True(t, complete)
	require.Len(t, deltas, 1)
	require.Equal(t, []string{"foo.txt"}, deltas[0].Changed)
	require.Equal(t, "commit-a", string(deltas[0].FromRoot))
	require.Equal(t, "commit-b", string(deltas[0].ToRoot))
}
