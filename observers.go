package havenchat

import (
	"sync"

	"go.uber.org/zap"
)

// subscribers is an ordered handler list. Handlers run synchronously on the
// emitting goroutine, in registration order; a panicking handler is logged
// and skipped.
type subscribers[T any] struct {
	mu       sync.RWMutex
	next     uint64
	handlers []subscriber[T]
	log      *zap.Logger
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// add registers fn and returns its unsubscribe function. Calling the returned
// function more than once is a no-op.
func (s *subscribers[T]) add(fn func(T)) func() {
	s.mu.Lock()
	s.next++
	id := s.next
	s.handlers = append(s.handlers, subscriber[T]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *subscribers[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, h := range s.handlers {
		if h.id == id {
			s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
			return
		}
	}
}

func (s *subscribers[T]) emit(v T) {
	s.mu.RLock()
	handlers := append([]subscriber[T]{}, s.handlers...)
	s.mu.RUnlock()
	for _, h := range handlers {
		s.call(h.fn, v)
	}
}

func (s *subscribers[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil && s.log != nil {
			s.log.Error("subscriber panicked", zap.Any("panic", r))
		}
	}()
	fn(v)
}

func (s *subscribers[T]) clear() {
	s.mu.Lock()
	s.handlers = nil
	s.mu.Unlock()
}

func (s *subscribers[T]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}
