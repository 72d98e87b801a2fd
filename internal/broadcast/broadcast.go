// Package broadcast fans orchestrator events out to connected
// clients. Each client gets its own ordered queue and writer
// goroutine; the orchestrator never blocks on a slow client.
package broadcast

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/untoldecay/CodeLoom/internal/debug"
	"github.com/untoldecay/CodeLoom/internal/protocol"
)

// queueSize bounds each client's outbound queue.
const queueSize = 256

// evictTimeout is how long a non-droppable send may wait on a full
// queue before the client is considered dead and evicted.
const evictTimeout = 5 * time.Second

type client struct {
	id string
	w  io.Writer
	ch chan protocol.Event

	closeOnce sync.Once
	done      chan struct{}
}

// Broadcaster delivers events to all connected clients in the order
// they were produced.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[string]*client

	droppedEvents atomic.Int64
}

// New creates an empty broadcaster.
func New() *Broadcaster {
	return &Broadcaster{clients: make(map[string]*client)}
}

// AddClient registers a writer under id and starts its delivery
// goroutine. Returns a remove function.
func (b *Broadcaster) AddClient(id string, w io.Writer) func() {
	c := &client{
		id:   id,
		w:    w,
		ch:   make(chan protocol.Event, queueSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.clients[id] = c
	b.mu.Unlock()

	go c.run()
	return func() { b.RemoveClient(id) }
}

// RemoveClient drops a client and stops its delivery goroutine.
func (b *Broadcaster) RemoveClient(id string) {
	b.mu.Lock()
	c, ok := b.clients[id]
	if ok {
		delete(b.clients, id)
	}
	b.mu.Unlock()
	if ok {
		c.close()
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// DroppedEvents returns the number of events dropped for slow
// clients.
func (b *Broadcaster) DroppedEvents() int64 {
	return b.droppedEvents.Load()
}

// Broadcast enqueues an event for every connected client. Droppable
// events (file chunks, log lines) are dropped for clients whose queue
// is full; anything else evicts the client after a grace period
// rather than blocking the producer.
func (b *Broadcaster) Broadcast(ev protocol.Event) {
	b.mu.RLock()
	targets := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	for _, c := range targets {
		b.send(c, ev)
	}
}

// SendTo enqueues an event for one client.
func (b *Broadcaster) SendTo(id string, ev protocol.Event) {
	b.mu.RLock()
	c, ok := b.clients[id]
	b.mu.RUnlock()
	if !ok {
		return
	}
	b.send(c, ev)
}

func (b *Broadcaster) send(c *client, ev protocol.Event) {
	select {
	case c.ch <- ev:
		return
	default:
	}

	if ev.Droppable() {
		b.droppedEvents.Add(1)
		return
	}

	// The queue is full of a must-deliver event. Give the client a
	// bounded grace period, then evict it.
	select {
	case c.ch <- ev:
	case <-c.done:
	case <-time.After(evictTimeout):
		debug.Logf("evicting slow client %s", c.id)
		b.RemoveClient(c.id)
	}
}

func (c *client) run() {
	for {
		select {
		case ev := <-c.ch:
			line := append(ev.Encode(), '\n')
			if _, err := c.w.Write(line); err != nil {
				debug.Logf("client %s write failed: %v", c.id, err)
				c.close()
				return
			}
		case <-c.done:
			// Drain what is already queued, then stop.
			for {
				select {
				case ev := <-c.ch:
					line := append(ev.Encode(), '\n')
					if _, err := c.w.Write(line); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
