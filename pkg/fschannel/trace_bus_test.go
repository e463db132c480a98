package fschannel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTraceBus(t *testing.T) {
	t.Run("DeliversInOrder", func(t *testing.T) {
		bus := NewTraceBus(4)
		events, cancel := bus.Subscribe()
		defer cancel()

		bus.publish(TraceEvent{Unique: 1, Operation: "LOOKUP"})
		bus.publish(TraceEvent{Unique: 2, Operation: "READ"})

		e := <-events
		require.Equal(t, uint64(1), e.Unique)
		require.Equal(t, "LOOKUP", e.Operation)
		e = <-events
		require.Equal(t, uint64(2), e.Unique)
	})

	t.Run("SlowSubscriberIsDisconnected", func(t *testing.T) {
		bus := NewTraceBus(2)
		slow, cancelSlow := bus.Subscribe()
		defer cancelSlow()
		fast, cancelFast := bus.Subscribe()
		defer cancelFast()

		for i := uint64(0); i < 3; i++ {
			bus.publish(TraceEvent{Unique: i})
			// Keep the fast subscriber drained so only the slow one
			// overflows.
			require.Equal(t, i, (<-fast).Unique)
		}

		// The slow subscriber got the first two events and was then
		// cut off.
		require.Equal(t, uint64(0), (<-slow).Unique)
		require.Equal(t, uint64(1), (<-slow).Unique)
		_, ok := <-slow
		require.False(t, ok, "overflowing subscriber must be closed")

		// The healthy subscriber keeps receiving.
		bus.publish(TraceEvent{Unique: 9, Duration: time.Millisecond})
		require.Equal(t, uint64(9), (<-fast).Unique)
	})

	t.Run("CancelIsIdempotent", func(t *testing.T) {
		bus := NewTraceBus(1)
		events, cancel := bus.Subscribe()
		cancel()
		cancel()
		_, ok := <-events
		require.False(t, ok)
		bus.publish(TraceEvent{Unique: 1})
	})
}
