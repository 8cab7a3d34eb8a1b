package sdhi

import "time"

type EventKind uint8

const (
	EventCardDetect EventKind = iota
	EventTransfer
	EventDMA
)

type Event struct {
	Kind  EventKind
	Extra uint32
}

// Events carries interrupts from a single producer, the interrupt
// dispatcher, to a single consumer blocked in a wait. Posting never blocks:
// the status registers stay authoritative, an event only wakes the waiter.
type Events struct {
	c chan Event
}

func NewEvents(depth int) *Events {
	return &Events{c: make(chan Event, depth)}
}

// Post queues ev and reports whether it fit.
func (e *Events) Post(ev Event) bool {
	select {
	case e.c <- ev:
		return true
	default:
		return false
	}
}

func (e *Events) Wait(timeout time.Duration) (Event, error) {
	select {
	case ev := <-e.c:
		return ev, nil
	default:
	}
	if timeout <= 0 {
		return Event{}, ErrTimeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case ev := <-e.c:
		return ev, nil
	case <-t.C:
		return Event{}, ErrTimeout
	}
}

// Drain drops all queued events.
func (e *Events) Drain() {
	for {
		select {
		case <-e.c:
		default:
			return
		}
	}
}
