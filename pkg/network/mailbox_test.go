package network

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxNeverBlocksProducers(t *testing.T) {
	m := newMailbox()
	defer m.close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10*mailboxInput; i++ {
			m.push(Event{Kind: EventLog, Text: fmt.Sprint(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked on a consumer that never reads")
	}

	for i := 0; i < 10*mailboxInput; i++ {
		ev := <-m.events()
		require.Equal(t, fmt.Sprint(i), ev.Text)
	}
}

func TestMailboxPreservesPerProducerOrder(t *testing.T) {
	m := newMailbox()
	defer m.close()

	const producers, perProducer = 4, 200
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				m.push(Event{Kind: EventLog, PeerID: fmt.Sprint(p), Text: fmt.Sprint(i)})
			}
		}(p)
	}

	last := make(map[string]int)
	for i := 0; i < producers*perProducer; i++ {
		ev := <-m.events()
		var n int
		fmt.Sscan(ev.Text, &n)
		prev, seen := last[ev.PeerID]
		if seen {
			assert.Equal(t, prev+1, n, "producer %s out of order", ev.PeerID)
		}
		last[ev.PeerID] = n
	}
	wg.Wait()
}

func TestMailboxCloseEndsStream(t *testing.T) {
	m := newMailbox()
	m.close()
	m.push(Event{Kind: EventLog})

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-m.events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel not closed")
		}
	}
}
