package network

import (
	"sync"
	"time"
)

// mailbox is an unbounded multi-producer single-consumer queue of events.
// Producers hand events to a pump goroutine that buffers them until the
// consumer reads, so a slow consumer never stalls a connection.
type mailbox struct {
	in   chan Event
	out  chan Event
	done chan struct{}
	once sync.Once
}

func newMailbox() *mailbox {
	m := &mailbox{
		in:   make(chan Event, mailboxInput),
		out:  make(chan Event),
		done: make(chan struct{}),
	}
	go m.pump()
	return m
}

// push queues ev. After close it is a no-op.
func (m *mailbox) push(ev Event) {
	select {
	case m.in <- ev:
	case <-m.done:
	}
}

func (m *mailbox) events() <-chan Event {
	return m.out
}

// close stops the pump. Events already queued are still offered to the
// consumer for up to drainTimeout, then the output channel is closed.
func (m *mailbox) close() {
	m.once.Do(func() { close(m.done) })
}

func (m *mailbox) pump() {
	defer close(m.out)

	var queue []Event
	for {
		var out chan Event
		var next Event
		if len(queue) > 0 {
			out = m.out
			next = queue[0]
		}

		select {
		case ev := <-m.in:
			queue = append(queue, ev)
		case out <- next:
			queue[0] = Event{}
			queue = queue[1:]
		case <-m.done:
			m.drain(queue)
			return
		}
	}
}

func (m *mailbox) drain(queue []Event) {
	for len(m.in) > 0 {
		queue = append(queue, <-m.in)
	}

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	for _, ev := range queue {
		select {
		case m.out <- ev:
		case <-timer.C:
			return
		}
	}
}
