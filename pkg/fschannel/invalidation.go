package fschannel

import (
	"context"
	"log"
	"sync"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// invalidationEntry is one queued kernel cache invalidation. Exactly one
// of the fields below describes it: a name invalidation (name != ""), an
// attribute invalidation (name == "", done == nil), or a flush promise
// (done != nil) that is completed when the consumer reaches it.
type invalidationEntry struct {
	node uint64
	name string
	done chan struct{}
}

// invalidationQueue serializes kernel cache invalidations. Invalidations
// must not be issued from request handlers directly: the kernel may need
// to flush dirty pages of the invalidated inode first, which issues new
// requests, and waiting for those while holding up a request worker can
// deadlock the channel. A single consumer goroutine drains the queue in
// FIFO order instead.
type invalidationQueue struct {
	lock    sync.Mutex
	cond    *sync.Cond
	entries []invalidationEntry
	stopped bool
}

func newInvalidationQueue() *invalidationQueue {
	q := &invalidationQueue{}
	q.cond = sync.NewCond(&q.lock)
	return q
}

func (q *invalidationQueue) push(e invalidationEntry) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.stopped {
		if e.done != nil {
			close(e.done)
		}
		return
	}
	q.entries = append(q.entries, e)
	q.cond.Signal()
}

func (q *invalidationQueue) pushInode(node uint64) {
	q.push(invalidationEntry{node: node})
}

func (q *invalidationQueue) pushEntry(parent uint64, name string) {
	q.push(invalidationEntry{node: parent, name: name})
}

// pushBarrier enqueues a flush promise and returns its completion
// channel. The channel is closed once every entry enqueued before the
// barrier has been pushed to the kernel.
func (q *invalidationQueue) pushBarrier() <-chan struct{} {
	done := make(chan struct{})
	q.push(invalidationEntry{done: done})
	return done
}

// stop wakes the consumer and completes all queued promises without
// issuing the remaining invalidations. Used once the kernel connection
// is gone.
func (q *invalidationQueue) stop() {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.stopped = true
	for _, e := range q.entries {
		if e.done != nil {
			close(e.done)
		}
	}
	q.entries = nil
	q.cond.Signal()
}

// kernelNotifier is the subset of *fuse.Server used to push cache
// invalidations to the kernel.
type kernelNotifier interface {
	InodeNotify(node uint64, off int64, length int64) fuse.Status
	EntryNotify(parent uint64, name string) fuse.Status
}

// consume drains the queue against the kernel until stop is called. It
// is run on its own goroutine, started when the kernel handshake has
// completed.
func (q *invalidationQueue) consume(server kernelNotifier) {
	for {
		q.lock.Lock()
		for len(q.entries) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if q.stopped {
			q.lock.Unlock()
			return
		}
		e := q.entries[0]
		q.entries = q.entries[1:]
		q.lock.Unlock()

		switch {
		case e.done != nil:
			close(e.done)
		case e.name != "":
			if s := server.EntryNotify(e.node, e.name); s != fuse.OK && s != fuse.ENOENT {
				log.Printf("Failed to invalidate entry %#v in directory %d: %s", e.name, e.node, s)
			}
		default:
			if s := server.InodeNotify(e.node, 0, -1); s != fuse.OK && s != fuse.ENOENT {
				log.Printf("Failed to invalidate inode %d: %s", e.node, s)
			}
		}
	}
}

// wait blocks until the barrier completes or ctx is cancelled.
func waitForBarrier(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
