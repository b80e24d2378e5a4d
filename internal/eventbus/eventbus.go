// Package eventbus broadcasts a nameless "something changed" tick to any
// number of subscribers. It carries no payload: receivers are expected
// to re-read whatever state they care about once notified.
package eventbus

import (
	"sync"
)

const receiverBuffer = 64

// Receiver is an independent subscription handed back by Subscribe. Its
// channel coalesces bursts: a receiver that is not draining fast enough
// simply misses some ticks rather than blocking the publisher.
type Receiver struct {
	bus *Bus
	id  uint64
	ch  chan struct{}
}

// C returns the channel to range or select over. It is closed when the
// bus shuts down or the receiver unsubscribes.
func (r *Receiver) C() <-chan struct{} {
	return r.ch
}

// Close unsubscribes the receiver. Safe to call more than once.
func (r *Receiver) Close() {
	r.bus.unsubscribe(r.id)
}

// Bus is a registry of subscriber channels carrying a content-free
// "something changed" tick, with no transport or payload framing of
// its own.
type Bus struct {
	mu        sync.Mutex
	receivers map[uint64]chan struct{}
	nextID    uint64

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New returns a ready-to-use Bus.
func New() *Bus {
	return &Bus{
		receivers:  make(map[uint64]chan struct{}),
		shutdownCh: make(chan struct{}),
	}
}

// Notify publishes a tick to every live subscriber. Delivery is
// non-blocking per subscriber: a full channel means that subscriber is
// behind, and the tick is dropped for it rather than stalling every
// other caller of Notify.
func (b *Bus) Notify() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.receivers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe registers a new Receiver with its own buffered channel.
func (b *Bus) Subscribe() *Receiver {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan struct{}, receiverBuffer)
	b.receivers[id] = ch
	return &Receiver{bus: b, id: id, ch: ch}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.receivers[id]; ok {
		delete(b.receivers, id)
		close(ch)
	}
}

// Shutdown is one-shot: it closes the shutdown signal channel so every
// caller of ShutdownNotified observes it, and closes every live
// subscriber channel so streaming endpoints (e.g. GET /events) can exit
// their read loops cleanly.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		close(b.shutdownCh)
		b.mu.Lock()
		defer b.mu.Unlock()
		for id, ch := range b.receivers {
			delete(b.receivers, id)
			close(ch)
		}
	})
}

// ShutdownNotified returns a channel that is closed once Shutdown has
// been called.
func (b *Bus) ShutdownNotified() <-chan struct{} {
	return b.shutdownCh
}
