package fps

import (
	"sync"
	"time"

	"github.com/sdss/jaeger/trajectory"
)

// EventKind enumerates the fleet-level notifications the coordinator
// publishes (spec.md §6: "typed events on an internal event bus").
type EventKind int

const (
	EventStatusChanged EventKind = iota
	EventTrajectoryStarted
	EventTrajectoryFinished
	EventLocked
	EventUnlocked
	EventPositionerAdded
	EventDiscoveryComplete
	EventTransportReset
	EventAlert
)

func (k EventKind) String() string {
	switch k {
	case EventStatusChanged:
		return "status_changed"
	case EventTrajectoryStarted:
		return "trajectory_started"
	case EventTrajectoryFinished:
		return "trajectory_finished"
	case EventLocked:
		return "locked"
	case EventUnlocked:
		return "unlocked"
	case EventPositionerAdded:
		return "positioner_added"
	case EventDiscoveryComplete:
		return "discovery_complete"
	case EventTransportReset:
		return "transport_reset"
	case EventAlert:
		return "alert"
	default:
		return "unknown"
	}
}

// Event is one notification posted to the bus. Only the fields relevant to
// Kind are populated; the rest are zero.
type Event struct {
	Kind         EventKind
	Time         time.Time
	PositionerID uint32
	Report       *trajectory.Report
	Err          error
}

// EventBus fans one published Event out to every current subscriber. It
// never blocks the publisher: a slow or absent subscriber simply misses
// events rather than stalling the demultiplex path (spec.md §5: state
// mutation must never block on an observer).
type EventBus struct {
	mu   sync.Mutex
	subs []chan Event
}

// Subscribe returns a channel that receives every Event published after
// this call, buffered so a slow reader doesn't lose the next few events.
func (b *EventBus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 32)
	b.subs = append(b.subs, ch)
	return ch
}

// Publish fans event out to every subscriber, dropping it for any
// subscriber whose buffer is full rather than blocking.
func (b *EventBus) Publish(event Event) {
	b.mu.Lock()
	subs := append([]chan Event(nil), b.subs...)
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}
