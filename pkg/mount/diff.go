package mount

import (
	"context"

	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/scmfs/scmfs/pkg/inode"
	"github.com/scmfs/scmfs/pkg/store"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type diffCacheKey struct {
	target store.RootID
}

// diffCacheEntry is a future shared by all Diff callers with the same
// key: the first caller computes, later ones wait on done. The entry is
// only valid while the working copy parent it was computed against is
// still current.
type diffCacheEntry struct {
	parent store.RootID
	done   chan struct{}
	result []inode.WorkingCopyDiff
	err    error
}

// Diff computes the differences between the target commit and the
// current working copy. Results are cached per target commit until the
// working copy parent changes; concurrent calls for the same target
// share one in-flight computation.
func (m *Mount) Diff(ctx context.Context, target store.RootID) ([]inode.WorkingCopyDiff, error) {
	registerMountMetrics()
	if s := m.sm.current(); s != StateRunning && s != StateInitialized {
		return nil, status.Errorf(codes.FailedPrecondition, "Mount is in state %s; diff requires an initialized mount", s)
	}
	ctx, span := m.tracer.Start(ctx, "Mount.Diff", trace.WithAttributes(
		attribute.String("target", string(target))))
	defer span.End()

	parent := m.parentState.WorkingCopyParent()
	key := diffCacheKey{target: target}
	m.diffCacheLock.Lock()
	if e, ok := m.diffCache[key]; ok && e.parent == parent {
		m.diffCacheLock.Unlock()
		mountDiffCacheOperations.WithLabelValues("hit").Inc()
		select {
		case <-e.done:
			return e.result, e.err
		case <-ctx.Done():
			return nil, util.StatusWrapWithCode(ctx.Err(), codes.DeadlineExceeded, "Diff computation did not complete")
		}
	}
	e := &diffCacheEntry{parent: parent, done: make(chan struct{})}
	m.diffCache[key] = e
	m.diffCacheLock.Unlock()
	mountDiffCacheOperations.WithLabelValues("miss").Inc()

	e.result, e.err = m.computeDiff(ctx, target)
	close(e.done)
	if e.err != nil {
		// Failures are not worth caching; a retry may succeed.
		m.diffCacheLock.Lock()
		if m.diffCache[key] == e {
			delete(m.diffCache, key)
		}
		m.diffCacheLock.Unlock()
	}
	return e.result, e.err
}

func (m *Mount) computeDiff(ctx context.Context, target store.RootID) ([]inode.WorkingCopyDiff, error) {
	targetTreeID, err := m.objectStore.ResolveRoot(ctx, target)
	if err != nil {
		return nil, util.StatusWrapf(err, "Failed to resolve root tree of %#v", string(target))
	}
	var diffs []inode.WorkingCopyDiff
	if s := m.rootInode.DiffAgainst(ctx, targetTreeID, func(d inode.WorkingCopyDiff) error {
		diffs = append(diffs, d)
		return nil
	}); s != inode.StatusOK {
		return nil, status.Errorf(codes.Internal, "Failed to diff working copy: %s", s)
	}
	return diffs, nil
}

// invalidateDiffCache drops all cached diffs. Called whenever the
// working copy parent changes; entries computed against the old parent
// would silently report stale results otherwise.
func (m *Mount) invalidateDiffCache() {
	m.diffCacheLock.Lock()
	m.diffCache = map[diffCacheKey]*diffCacheEntry{}
	m.diffCacheLock.Unlock()
}
