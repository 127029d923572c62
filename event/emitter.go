// Package event implements fire-and-forget notifications.
//
// Emit never waits for handlers. Every subscriber gets its own queue and
// goroutine, so events of one type reach a subscriber in the order they were
// emitted, while a slow or panicking handler only ever delays itself.
package event

import (
	"sync"

	"github.com/rs/zerolog"
)

// Emitter fans values of type T out to any number of subscribers.
// The zero value is not usable; create one with New.
type Emitter[T any] struct {
	log zerolog.Logger

	mu     sync.Mutex
	subs   map[uint64]*subscriber[T]
	nextID uint64
	closed bool
}

// New creates an emitter. Handler panics are logged through log.
func New[T any](log zerolog.Logger) *Emitter[T] {
	return &Emitter[T]{
		log:  log,
		subs: make(map[uint64]*subscriber[T]),
	}
}

// Subscribe registers fn and returns a function that removes it again.
// Values already queued for fn are still delivered after unsubscribing.
// Subscribing to a closed emitter is a no-op.
func (e *Emitter[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return func() {}
	}

	id := e.nextID
	e.nextID++

	s := &subscriber[T]{
		fn:   fn,
		log:  e.log,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	e.subs[id] = s
	go s.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
			s.stop()
		})
	}
}

// Emit queues v for every current subscriber and returns immediately.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range e.subs {
		s.push(v)
	}
}

// subscribers returns the number of registered handlers.
func (e *Emitter[T]) subscribers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Close removes all subscribers and waits until each has delivered what was
// already queued. Emit after Close does nothing.
func (e *Emitter[T]) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	subs := e.subs
	e.subs = make(map[uint64]*subscriber[T])
	e.mu.Unlock()

	for _, s := range subs {
		s.stop()
		<-s.done
	}
}

type subscriber[T any] struct {
	fn  func(T)
	log zerolog.Logger

	mu    sync.Mutex
	queue []T

	wake     chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
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

func (s *subscriber[T]) stop() {
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *subscriber[T]) run() {
	defer close(s.done)

	for {
		for {
			v, ok := s.pop()
			if !ok {
				break
			}
			s.deliver(v)
		}

		select {
		case <-s.wake:
		case <-s.quit:
			// flush whatever raced in before quitting
			for {
				v, ok := s.pop()
				if !ok {
					return
				}
				s.deliver(v)
			}
		}
	}
}

func (s *subscriber[T]) pop() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	if len(s.queue) == 0 {
		s.queue = nil
		return zero, false
	}
	v := s.queue[0]
	s.queue[0] = zero
	s.queue = s.queue[1:]
	return v, true
}

// deliver calls the handler and swallows its panic so the next event
// still gets through.
func (s *subscriber[T]) deliver(v T) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("event handler panicked")
		}
	}()
	s.fn(v)
}
