package mount

import (
	"context"
	"log"
	"sync"

	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/scmfs/scmfs/pkg/inode"
	"github.com/scmfs/scmfs/pkg/store"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	mountPrometheusMetrics sync.Once

	mountCheckoutsDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "scmfs",
			Subsystem: "mount",
			Name:      "checkouts_duration_seconds",
			Help:      "Amount of time spent per checkout, in seconds.",
			Buckets:   util.DecimalExponentialBuckets(-3, 6, 2),
		},
		[]string{"mode", "result"})
	mountDiffCacheOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scmfs",
			Subsystem: "mount",
			Name:      "diff_cache_operations_total",
			Help:      "Number of working copy diffs served, by cache outcome.",
		},
		[]string{"outcome"})
)

func registerMountMetrics() {
	mountPrometheusMetrics.Do(func() {
		prometheus.MustRegister(mountCheckoutsDurationSeconds)
		prometheus.MustRegister(mountDiffCacheOperations)
	})
}

// CheckoutResult describes a completed (or dry run) checkout.
type CheckoutResult struct {
	// Conflicts lists the paths that could not be (or, under FORCE,
	// were forcibly) transitioned.
	Conflicts []inode.Conflict
	// UncleanPaths lists the paths that had local modifications
	// relative to the old commit, computed before the transition.
	// Empty for dry runs.
	UncleanPaths []string
}

// Checkout transitions the working copy from its current parent commit
// to the target commit. At most one checkout runs per mount: concurrent
// attempts with a different target fail with FailedPrecondition without
// touching any inode state. When a previous checkout was interrupted,
// only a checkout to the same target is accepted, and it resumes the
// interrupted one.
func (m *Mount) Checkout(ctx context.Context, target store.RootID, mode inode.CheckoutMode) (*CheckoutResult, error) {
	registerMountMetrics()
	if s := m.sm.current(); s != StateRunning && s != StateInitialized {
		return nil, status.Errorf(codes.FailedPrecondition, "Mount is in state %s; checkout requires an initialized mount", s)
	}
	ctx, span := m.tracer.Start(ctx, "Mount.Checkout", trace.WithAttributes(
		attribute.String("target", string(target)),
		attribute.String("mode", mode.String())))
	defer span.End()
	started := m.clock.Now()

	ps := m.parentState
	ps.lock.Lock()
	var from store.RootID
	switch ps.checkout.kind {
	case checkoutInProgress:
		inProgressTarget := ps.checkout.to
		ps.lock.Unlock()
		return nil, status.Errorf(codes.FailedPrecondition, "CHECKOUT_IN_PROGRESS: a checkout to %#v is already running", string(inProgressTarget))
	case interruptedCheckout:
		if ps.checkout.to != target {
			interrupted := ps.checkout
			ps.lock.Unlock()
			return nil, status.Errorf(codes.FailedPrecondition, "A checkout from %#v to %#v was interrupted; check out %#v again to resume it before switching elsewhere", string(interrupted.from), string(interrupted.to), string(interrupted.to))
		}
		from = ps.checkout.from
	default:
		from = ps.workingCopyParent
	}
	previous := ps.checkout
	ps.checkout = checkoutState{kind: checkoutInProgress, from: from, to: target}
	fromTreeID := ps.checkedOutRoot
	ps.lock.Unlock()

	result, err := m.runCheckout(ctx, ps, previous, from, fromTreeID, target, mode)
	resultLabel := "ok"
	switch {
	case err != nil:
		resultLabel = "error"
	case len(result.Conflicts) > 0:
		resultLabel = "conflicts"
	}
	mountCheckoutsDurationSeconds.WithLabelValues(mode.String(), resultLabel).
		Observe(m.clock.Now().Sub(started).Seconds())
	return result, err
}

func (ps *ParentCommitState) advanceCheckout() {
	ps.lock.Lock()
	if ps.checkout.kind == checkoutInProgress {
		ps.checkout.progress++
	}
	ps.lock.Unlock()
}

func (m *Mount) runCheckout(ctx context.Context, ps *ParentCommitState, previous checkoutState, from store.RootID, fromTreeID store.ID, target store.RootID, mode inode.CheckoutMode) (*CheckoutResult, error) {
	dryRun := mode == inode.CheckoutModeDryRun
	persisted := false
	fail := func(err error) (*CheckoutResult, error) {
		ps.lock.Lock()
		defer ps.lock.Unlock()
		if dryRun {
			// Dry runs never persisted anything; restore the
			// state they found.
			ps.checkout = previous
			return nil, err
		}
		switch m.options.CheckoutFailurePolicy {
		case CheckoutFailureReset:
			ps.checkout = checkoutState{kind: noOngoingCheckout}
		default:
			ps.checkout = checkoutState{kind: interruptedCheckout, from: from, to: target}
		}
		if persisted {
			if persistErr := ps.persistLocked(); persistErr != nil {
				log.Printf("Mount %#v: failed to record checkout failure: %s", m.options.Name, persistErr)
			}
		}
		return nil, err
	}

	// Resolve the target root and prefetch both root trees. The from
	// side is the tree snapshot that was checked out, not a fresh
	// resolution of the parent commit: the parent may have been
	// amended remotely since.
	var toTreeID store.ID
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		id, err := m.objectStore.ResolveRoot(gctx, target)
		if err != nil {
			return util.StatusWrapf(err, "Failed to resolve root tree of %#v", string(target))
		}
		toTreeID = id
		if _, err := m.objectStore.GetTree(gctx, id); err != nil {
			return util.StatusWrapf(err, "Failed to fetch root tree of %#v", string(target))
		}
		return nil
	})
	g.Go(func() error {
		if fromTreeID.IsZero() {
			return nil
		}
		if _, err := m.objectStore.GetTree(gctx, fromTreeID); err != nil {
			return util.StatusWrap(err, "Failed to fetch current root tree")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return fail(err)
	}
	ps.advanceCheckout()

	if err := m.waitForPendingWrites(ctx); err != nil {
		return fail(util.StatusWrap(err, "Failed to flush pending writes"))
	}
	ps.advanceCheckout()

	var uncleanPaths []string
	if !dryRun {
		if s := m.rootInode.DiffAgainst(ctx, fromTreeID, func(d inode.WorkingCopyDiff) error {
			uncleanPaths = append(uncleanPaths, d.Path)
			return nil
		}); s != inode.StatusOK {
			return fail(status.Errorf(codes.Internal, "Failed to compute unclean paths: %s", s))
		}
		ps.advanceCheckout()
	}

	if !dryRun {
		// No rename may move paths underneath the tree walk, and
		// from this point on a crash must be detected as an
		// interrupted checkout.
		m.renameLock.Lock()
		defer m.renameLock.Unlock()
		ps.lock.Lock()
		err := ps.persistLocked()
		ps.lock.Unlock()
		if err != nil {
			return fail(err)
		}
		persisted = true
		ps.advanceCheckout()

		// Anything the kernel no longer references can be
		// dropped and lazily recreated from the new tree, which
		// keeps the recursive walk below small.
		m.rootInode.UnloadUnreferenced(ctx)
		ps.advanceCheckout()
	}

	cc := inode.NewCheckoutContext(mode, channelInvalidator{mount: m})
	if s := m.rootInode.Checkout(ctx, cc, fromTreeID, toTreeID); s != inode.StatusOK {
		return fail(status.Errorf(codes.Internal, "Failed to apply checkout: %s", s))
	}

	result := &CheckoutResult{
		Conflicts:    cc.Conflicts(),
		UncleanPaths: uncleanPaths,
	}
	if dryRun {
		ps.lock.Lock()
		ps.checkout = previous
		ps.lock.Unlock()
		return result, nil
	}

	ps.lock.Lock()
	ps.workingCopyParent = target
	ps.checkedOutRoot = toTreeID
	ps.checkout = checkoutState{kind: noOngoingCheckout}
	err := ps.persistLocked()
	ps.lock.Unlock()
	if err != nil {
		return fail(err)
	}
	m.journal.RecordParentTransition(from, target, cc.ChangedPaths())
	m.invalidateDiffCache()
	if err := m.completeInvalidations(ctx); err != nil {
		log.Printf("Mount %#v: failed to flush checkout invalidations: %s", m.options.Name, err)
	}
	return result, nil
}
