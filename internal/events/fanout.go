package events

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// compactAfter is the consumed prefix length at which a queue is shifted down
const compactAfter = 1024

// SubscriptionID identifies a subscriber on a Fanout
type SubscriptionID uint64

// FanoutStats contains delivery counters for one Fanout
type FanoutStats struct {
	Published     uint64
	Delivered     uint64
	HandlerErrors uint64
	Panics        uint64
	Dropped       uint64 // publications after Close
	Subscribers   int
}

// Fanout delivers values of type T to any number of subscribers. Every
// subscriber owns an unbounded FIFO queue drained by its own goroutine, so
// Publish never waits for a handler and a slow handler only delays itself.
type Fanout[T any] struct {
	name   string
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[SubscriptionID]*subscriber[T]
	nextID SubscriptionID
	closed bool

	wg sync.WaitGroup

	published atomic.Uint64
	delivered atomic.Uint64
	errs      atomic.Uint64
	panics    atomic.Uint64
	dropped   atomic.Uint64
}

// NewFanout creates an empty fanout. name is used in log records.
func NewFanout[T any](name string, logger *slog.Logger) *Fanout[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout[T]{
		name:   name,
		logger: logger.With("bus", name),
		subs:   make(map[SubscriptionID]*subscriber[T]),
	}
}

type subscriber[T any] struct {
	id      SubscriptionID
	name    string
	handler func(T) error
	accept  func(T) bool

	mu    sync.Mutex
	queue []T
	head  int

	wake chan struct{}
	quit chan struct{} // closed by Unsubscribe, pending items are discarded
	stop chan struct{} // closed by Close, pending items are drained first
}

func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pop removes the oldest queued value
func (s *subscriber[T]) pop() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	if s.head == len(s.queue) {
		return zero, false
	}
	v := s.queue[s.head]
	s.queue[s.head] = zero
	s.head++
	switch {
	case s.head == len(s.queue):
		s.queue = s.queue[:0]
		s.head = 0
	case s.head >= compactAfter && s.head*2 >= len(s.queue):
		n := copy(s.queue, s.queue[s.head:])
		clear(s.queue[n:])
		s.queue = s.queue[:n]
		s.head = 0
	}
	return v, true
}

func (s *subscriber[T]) depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) - s.head
}

// Subscribe registers handler under name. Values published after Subscribe
// returns are delivered to it in publish order, each exactly once.
func (f *Fanout[T]) Subscribe(name string, handler func(T) error) (SubscriptionID, error) {
	return f.SubscribeFunc(name, nil, handler)
}

// SubscribeFunc is Subscribe with a filter. Values for which accept returns
// false are never queued for this subscriber. A nil accept takes everything.
func (f *Fanout[T]) SubscribeFunc(name string, accept func(T) bool, handler func(T) error) (SubscriptionID, error) {
	if handler == nil {
		return 0, fmt.Errorf("%s: nil handler for subscriber %q", f.name, name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, fmt.Errorf("%s: bus closed", f.name)
	}

	f.nextID++
	s := &subscriber[T]{
		id:      f.nextID,
		name:    name,
		handler: handler,
		accept:  accept,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
	f.subs[s.id] = s

	f.wg.Add(1)
	go f.run(s)

	f.logger.Debug("subscriber registered", "subscriber", name, "id", s.id)
	return s.id, nil
}

// Unsubscribe removes a subscriber. Its pending backlog is discarded; a
// handler call in progress is allowed to finish.
func (f *Fanout[T]) Unsubscribe(id SubscriptionID) error {
	f.mu.Lock()
	s, ok := f.subs[id]
	if ok {
		delete(f.subs, id)
	}
	f.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s: unknown subscription %d", f.name, id)
	}
	close(s.quit)
	f.logger.Debug("subscriber removed", "subscriber", s.name, "id", id)
	return nil
}

// Publish enqueues v for every current subscriber and returns immediately
func (f *Fanout[T]) Publish(v T) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		f.dropped.Add(1)
		return
	}
	f.published.Add(1)
	for _, s := range f.subs {
		if s.accept == nil || s.accept(v) {
			s.push(v)
		}
	}
}

// QueueDepth returns the backlog of one subscriber, or -1 if unknown
func (f *Fanout[T]) QueueDepth(id SubscriptionID) int {
	f.mu.RLock()
	s, ok := f.subs[id]
	f.mu.RUnlock()
	if !ok {
		return -1
	}
	return s.depth()
}

// QueueDepths returns the backlog of every subscriber keyed by name
func (f *Fanout[T]) QueueDepths() map[string]int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	depths := make(map[string]int, len(f.subs))
	for _, s := range f.subs {
		depths[s.name] += s.depth()
	}
	return depths
}

// Stats returns delivery counters
func (f *Fanout[T]) Stats() FanoutStats {
	f.mu.RLock()
	n := len(f.subs)
	f.mu.RUnlock()

	return FanoutStats{
		Published:     f.published.Load(),
		Delivered:     f.delivered.Load(),
		HandlerErrors: f.errs.Load(),
		Panics:        f.panics.Load(),
		Dropped:       f.dropped.Load(),
		Subscribers:   n,
	}
}

// Close stops accepting publications, lets every subscriber drain its
// backlog, and waits up to timeout for them to finish.
func (f *Fanout[T]) Close(timeout time.Duration) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	for _, s := range f.subs {
		close(s.stop)
	}
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		f.logger.Debug("bus closed")
		return nil
	case <-time.After(timeout):
		f.logger.Warn("bus close timeout exceeded", "timeout", timeout)
		return fmt.Errorf("%s: close timeout exceeded after %v", f.name, timeout)
	}
}

func (f *Fanout[T]) run(s *subscriber[T]) {
	defer f.wg.Done()

	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
			if !f.deliver(s) {
				return
			}
		case <-s.stop:
			f.deliver(s)
			return
		}
	}
}

// deliver hands queued values to the handler until the queue is empty. It
// returns false when the subscriber was removed meanwhile.
func (f *Fanout[T]) deliver(s *subscriber[T]) bool {
	for {
		select {
		case <-s.quit:
			return false
		default:
		}
		v, ok := s.pop()
		if !ok {
			return true
		}
		f.invoke(s, v)
	}
}

func (f *Fanout[T]) invoke(s *subscriber[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			f.panics.Add(1)
			f.logger.Error("subscriber panicked",
				"subscriber", s.name,
				"panic", r,
			)
		}
	}()

	if err := s.handler(v); err != nil {
		f.errs.Add(1)
		f.logger.Error("subscriber error",
			"subscriber", s.name,
			"error", err,
		)
		return
	}
	f.delivered.Add(1)
}
