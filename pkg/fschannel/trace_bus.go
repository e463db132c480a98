package fschannel

import (
	"sync"
	"time"
)

const defaultTraceBusCapacity = 1024

// TraceEvent describes one completed kernel request.
type TraceEvent struct {
	Unique     uint64
	Operation  string
	Pid        uint32
	Started    time.Time
	Duration   time.Duration
	StatusCode string
}

// TraceBus fans completed-request events out to subscribers, such as a
// strace-style live view on the diagnostics endpoint. Each subscriber
// owns a buffered channel; publishing never blocks request processing.
// A subscriber whose buffer is full is disconnected rather than allowed
// to stall or to silently lose individual events.
type TraceBus struct {
	capacity int

	lock        sync.Mutex
	nextID      int
	subscribers map[int]chan TraceEvent
}

// NewTraceBus creates a bus whose subscriber channels buffer up to
// capacity events.
func NewTraceBus(capacity int) *TraceBus {
	if capacity <= 0 {
		capacity = defaultTraceBusCapacity
	}
	return &TraceBus{
		capacity:    capacity,
		subscribers: map[int]chan TraceEvent{},
	}
}

// Subscribe registers a new subscriber. The returned cancel function
// detaches it and closes its channel. The channel is also closed if the
// subscriber falls behind by more than the bus capacity.
func (tb *TraceBus) Subscribe() (<-chan TraceEvent, func()) {
	ch := make(chan TraceEvent, tb.capacity)
	tb.lock.Lock()
	id := tb.nextID
	tb.nextID++
	tb.subscribers[id] = ch
	tb.lock.Unlock()
	return ch, func() {
		tb.lock.Lock()
		if _, ok := tb.subscribers[id]; ok {
			delete(tb.subscribers, id)
			close(ch)
		}
		tb.lock.Unlock()
	}
}

func (tb *TraceBus) publish(event TraceEvent) {
	tb.lock.Lock()
	for id, ch := range tb.subscribers {
		select {
		case ch <- event:
		default:
			delete(tb.subscribers, id)
			close(ch)
		}
	}
	tb.lock.Unlock()
}
