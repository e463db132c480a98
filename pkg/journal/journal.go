package journal

import (
	"sync"
	"time"

	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/scmfs/scmfs/pkg/store"
)

// Delta is one journal entry: a set of paths that changed in the
// working copy, and optionally a parent commit transition that caused
// them to change.
type Delta struct {
	SequenceNumber uint64
	Time           time.Time
	Changed        []string
	// FromRoot and ToRoot are set for deltas recorded by checkout.
	FromRoot store.RootID
	ToRoot   store.RootID
}

// Journal records the modification history of a mount's working copy.
// Clients use it to answer "what changed since sequence number N"
// without walking the tree. The journal is bounded; once the limit is
// reached the oldest deltas are discarded and truncated reads report
// so through Delta sequence gaps.
type Journal struct {
	clock clock.Clock

	lock        sync.Mutex
	deltas      []Delta
	maximum     int
	nextSeq     uint64
	subscribers []func()
}

// NewJournal creates an empty journal holding at most maximumDeltas
// entries.
func NewJournal(clk clock.Clock, maximumDeltas int) *Journal {
	return &Journal{
		clock:   clk,
		maximum: maximumDeltas,
		nextSeq: 1,
	}
}

func (j *Journal) appendLocked(d Delta) {
	d.SequenceNumber = j.nextSeq
	j.nextSeq++
	d.Time = j.clock.Now()
	if len(j.deltas) >= j.maximum {
		j.deltas = append(j.deltas[:0], j.deltas[1:]...)
	}
	j.deltas = append(j.deltas, d)
}

func (j *Journal) notify() {
	j.lock.Lock()
	subscribers := append([]func(){}, j.subscribers...)
	j.lock.Unlock()
	for _, s := range subscribers {
		s()
	}
}

// RecordChanges appends a delta for paths modified by filesystem
// activity.
func (j *Journal) RecordChanges(paths ...string) {
	if len(paths) == 0 {
		return
	}
	j.lock.Lock()
	j.appendLocked(Delta{Changed: paths})
	j.lock.Unlock()
	j.notify()
}

// RecordParentTransition appends a delta for a checkout that moved the
// working copy parent from one commit to another.
func (j *Journal) RecordParentTransition(from, to store.RootID, changed []string) {
	j.lock.Lock()
	j.appendLocked(Delta{Changed: changed, FromRoot: from, ToRoot: to})
	j.lock.Unlock()
	j.notify()
}

// LatestSequenceNumber returns the sequence number of the most recent
// delta, or zero if the journal is empty.
func (j *Journal) LatestSequenceNumber() uint64 {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.nextSeq - 1
}

// DeltasSince returns all deltas with a sequence number greater than
// the provided one. The second return value is false if the journal has
// already discarded deltas in that range, meaning the caller cannot
// reconstruct the full change set and must fall back to a tree diff.
func (j *Journal) DeltasSince(sequenceNumber uint64) ([]Delta, bool) {
	j.lock.Lock()
	defer j.lock.Unlock()

	if len(j.deltas) == 0 {
		return nil, j.nextSeq-1 <= sequenceNumber
	}
	oldest := j.deltas[0].SequenceNumber
	if sequenceNumber+1 < oldest {
		return nil, false
	}
	start := int(sequenceNumber + 1 - oldest)
	if start >= len(j.deltas) {
		return nil, true
	}
	return append([]Delta(nil), j.deltas[start:]...), true
}

// Subscribe registers a callback invoked after every appended delta.
// The callback runs without any journal locks held, so it is safe for
// it to call back into the journal.
func (j *Journal) Subscribe(callback func()) {
	j.lock.Lock()
	j.subscribers = append(j.subscribers, callback)
	j.lock.Unlock()
}
