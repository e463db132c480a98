package fschannel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	requestTrackerPrometheusMetrics sync.Once

	requestTrackerOperationsDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "scmfs",
			Subsystem: "fuse",
			Name:      "channel_operations_duration_seconds",
			Help:      "Amount of time spent per operation on the FUSE channel, in seconds.",
			Buckets:   util.DecimalExponentialBuckets(-3, 6, 2),
		},
		[]string{"operation", "status_code"})
	requestTrackerOperationsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "scmfs",
			Subsystem: "fuse",
			Name:      "channel_operations_in_flight",
			Help:      "Number of FUSE operations currently being serviced.",
		})
	requestTrackerOperationsTimedOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scmfs",
			Subsystem: "fuse",
			Name:      "channel_operations_timed_out_total",
			Help:      "Number of FUSE operations that were answered with ETIMEDOUT before their handler completed.",
		},
		[]string{"operation"})
)

// OutstandingRequest describes one kernel request currently being
// serviced. It is exported through the daemon's diagnostics endpoint.
type OutstandingRequest struct {
	Unique    uint64
	Operation string
	Pid       uint32
	Started   time.Time
}

// requestTracker records every in-flight kernel request, both for the
// diagnostics endpoint and for per-operation telemetry.
type requestTracker struct {
	clock  clock.Clock
	tracer trace.Tracer
	bus    *TraceBus

	lock        sync.Mutex
	outstanding map[uint64]OutstandingRequest
}

func newRequestTracker(clk clock.Clock, tracer trace.Tracer, bus *TraceBus) *requestTracker {
	requestTrackerPrometheusMetrics.Do(func() {
		prometheus.MustRegister(requestTrackerOperationsDurationSeconds)
		prometheus.MustRegister(requestTrackerOperationsInFlight)
		prometheus.MustRegister(requestTrackerOperationsTimedOut)
	})
	return &requestTracker{
		clock:       clk,
		tracer:      tracer,
		bus:         bus,
		outstanding: map[uint64]OutstandingRequest{},
	}
}

// start registers a request and opens its trace span. The returned
// finish callback must be called exactly once, when the handler
// completes; timedOut must additionally be called if an early reply was
// sent before that.
func (rt *requestTracker) start(ctx context.Context, operation string, rc *RequestContext) (finishFunc func(statusCode string)) {
	started := rt.clock.Now()
	rt.lock.Lock()
	rt.outstanding[rc.Unique] = OutstandingRequest{
		Unique:    rc.Unique,
		Operation: operation,
		Pid:       rc.Pid,
		Started:   started,
	}
	rt.lock.Unlock()
	requestTrackerOperationsInFlight.Inc()

	_, span := rt.tracer.Start(ctx, "FuseChannel."+operation, trace.WithAttributes(
		attribute.Int64("fuse.unique", int64(rc.Unique)),
		attribute.Int64("fuse.pid", int64(rc.Pid))))

	return func(statusCode string) {
		finished := rt.clock.Now()
		rt.lock.Lock()
		delete(rt.outstanding, rc.Unique)
		rt.lock.Unlock()
		requestTrackerOperationsInFlight.Dec()
		span.SetAttributes(attribute.String("fuse.status", statusCode))
		span.End()
		requestTrackerOperationsDurationSeconds.
			WithLabelValues(operation, statusCode).
			Observe(finished.Sub(started).Seconds())
		rt.bus.publish(TraceEvent{
			Unique:     rc.Unique,
			Operation:  operation,
			Pid:        rc.Pid,
			Started:    started,
			Duration:   finished.Sub(started),
			StatusCode: statusCode,
		})
	}
}

func (rt *requestTracker) timedOut(operation string) {
	requestTrackerOperationsTimedOut.WithLabelValues(operation).Inc()
}

// ListOutstandingRequests returns the requests currently being serviced,
// oldest first.
func (rt *requestTracker) ListOutstandingRequests() []OutstandingRequest {
	rt.lock.Lock()
	requests := make([]OutstandingRequest, 0, len(rt.outstanding))
	for _, r := range rt.outstanding {
		requests = append(requests, r)
	}
	rt.lock.Unlock()
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].Started.Before(requests[j].Started)
	})
	return requests
}
