package event

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const defaultTimeout = 30 * time.Second

type Event interface {
	Name() string
}

type Handler func(ctx context.Context, e Event) error

// Bus is an in-memory event bus. Each subscribed handler owns a queue
// drained by a single goroutine, so one handler sees events in publish
// order and a slow handler never stalls another.
type Bus struct {
	wg       *sync.WaitGroup
	inflight *sync.WaitGroup
	mu       sync.RWMutex
	stopped  bool
	handlers map[string][]*subscription
}

// subscription is one handler's queue. The queue grows as needed so a
// publisher is never blocked behind the handler; publishers may hold
// their own locks while enqueueing.
type subscription struct {
	mu     sync.Mutex
	more   *sync.Cond
	queue  []Event
	closed bool
}

func newSubscription() *subscription {
	s := &subscription{}
	s.more = sync.NewCond(&s.mu)
	return s
}

func (s *subscription) push(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.more.Signal()
}

// pop blocks until an event is queued or the subscription is closed and
// fully drained.
func (s *subscription) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) == 0 && !s.closed {
		s.more.Wait()
	}
	if len(s.queue) == 0 {
		return nil, false
	}

	e := s.queue[0]
	s.queue = s.queue[1:]
	return e, true
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.more.Signal()
}

// NewBus create a new event bus. Caller should call Stop for graceful shutdown the bus.
func NewBus() *Bus {
	return &Bus{
		wg:       new(sync.WaitGroup),
		inflight: new(sync.WaitGroup),
		handlers: make(map[string][]*subscription),
	}
}

// Subscribe to an event. Events are delivered to h one at a time, in the
// order they were published.
func (b *Bus) Subscribe(name string, h Handler) {
	sub := newSubscription()

	b.mu.Lock()
	b.handlers[name] = append(b.handlers[name], sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.drain(sub, h)
}

// Publish an event. Publishing only enqueues: it never waits on handler
// I/O, so callers may publish while holding the lock that serialized the
// mutation and subscribers will observe events in commit order.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.stopped {
		slog.ErrorContext(ctx, "event: publish on stopped bus", "event", e.Name())
		return
	}

	for _, sub := range b.handlers[e.Name()] {
		b.inflight.Add(1)
		sub.push(e)
	}
}

func (b *Bus) drain(sub *subscription, h Handler) {
	defer b.wg.Done()

	for {
		e, ok := sub.pop()
		if !ok {
			return
		}
		b.handle(h, e)
		b.inflight.Done()
	}
}

func (b *Bus) handle(h Handler, e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "event: handler panic",
				"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
			)
		}

		cancel()
	}()

	if err := h(ctx, e); err != nil {
		slog.ErrorContext(ctx, "event: handle event failed",
			"event", e.Name(),
			"error", err,
		)
	}
}

// Stop waits until every published event, including events published by
// handlers while draining, has been handled, then closes the subscriber
// queues. Callers must not publish concurrently with or after Stop.
func (b *Bus) Stop() {
	b.inflight.Wait()

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	for _, subs := range b.handlers {
		for _, sub := range subs {
			sub.close()
		}
	}
	b.mu.Unlock()

	b.wg.Wait()
}
