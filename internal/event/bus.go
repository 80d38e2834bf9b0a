package event

import (
	"sync"
)

// Handler receives a single event. Handlers run on the bus's dispatch
// goroutine; a handler that blocks delays delivery to everyone behind it.
type Handler func(Event)

// Bus delivers events to subscribers in the exact order they were published.
// A single dispatch goroutine drains a buffered channel and invokes handlers
// sequentially, so ordering holds across event kinds and a panicking
// subscriber cannot disturb the publisher or other subscribers.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[Kind]map[int]Handler
	all    map[int]Handler

	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
}

const defaultBuffer = 256

// NewBus creates a bus and starts its dispatch goroutine.
func NewBus() *Bus {
	b := &Bus{
		subs: make(map[Kind]map[int]Handler),
		all:  make(map[int]Handler),
		ch:   make(chan Event, defaultBuffer),
		done: make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Publish enqueues an event for delivery. It blocks when the buffer is full
// rather than dropping, preserving the no-loss guarantee for output lines.
// Publishing after Close panics, like sending on a closed channel would.
func (b *Bus) Publish(e Event) {
	b.ch <- e
}

// Subscribe registers a handler for a single event kind and returns an
// unsubscribe function.
func (b *Bus) Subscribe(kind Kind, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	m := b.subs[kind]
	if m == nil {
		m = make(map[int]Handler)
		b.subs[kind] = m
	}
	m[id] = h
	return func() {
		b.mu.Lock()
		delete(b.subs[kind], id)
		b.mu.Unlock()
	}
}

// SubscribeAll registers a catch-all handler receiving every event.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.all[id] = h
	return func() {
		b.mu.Lock()
		delete(b.all, id)
		b.mu.Unlock()
	}
}

// Close stops the dispatcher after all previously published events have been
// delivered. It is safe to call multiple times.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.ch)
		<-b.done
	})
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for e := range b.ch {
		b.mu.Lock()
		handlers := make([]Handler, 0, len(b.all)+len(b.subs[e.Kind]))
		for _, h := range b.all {
			handlers = append(handlers, h)
		}
		for _, h := range b.subs[e.Kind] {
			handlers = append(handlers, h)
		}
		b.mu.Unlock()
		for _, h := range handlers {
			invoke(h, e)
		}
	}
}

func invoke(h Handler, e Event) {
	defer func() { _ = recover() }()
	h(e)
}
