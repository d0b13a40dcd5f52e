package hearth

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// listenerSet holds callbacks keyed by explicit handle ids.
type listenerSet[T any] struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]T
}

// add registers fn and returns an idempotent remove func.
func (s *listenerSet[T]) add(fn T) func() {
	s.mu.Lock()
	if s.fns == nil {
		s.fns = make(map[uint64]T)
	}
	s.next++
	id := s.next
	s.fns[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

// snapshot returns the callbacks in registration order.
func (s *listenerSet[T]) snapshot() []T {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]uint64, 0, len(s.fns))
	for id := range s.fns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.fns[id])
	}
	return out
}

// safeCall runs a consumer callback and logs a panic instead of
// propagating it into the caller's goroutine.
func safeCall(logger *zerolog.Logger, callback string, fn func()) {
	defer func() {
		if v := recover(); v != nil {
			logger.Error().Interface("panic", v).Str("callback", callback).Msg("callback panicked")
		}
	}()
	fn()
}
