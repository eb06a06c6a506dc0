package reconcile

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Store owns one State and applies actions in arrival order.
//
// Subscribers run synchronously under the store lock and must not call
// Dispatch.
type Store struct {
	mu     sync.Mutex
	state  State
	subs   map[int]func(State)
	nextID int
}

// NewStore starts from initial. Its patient set goes through the same
// checks as a fetch and Stats is recomputed; Loading and Err are kept.
func NewStore(initial State) *Store {
	return &Store{
		state: withPatients(initial, admit(initial.Patients)),
		subs:  make(map[int]func(State)),
	}
}

// Dispatch applies a and notifies subscribers when the state changed.
// It reports whether a had any effect.
func (s *Store) Dispatch(a Action) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, applied := reduce(s.state, a)
	if !applied {
		ev := log.Debug().Str("module", "reconcile.store").Str("action", fmt.Sprintf("%T", a))
		if id, ok := Target(a); ok {
			ev = ev.Str("patient", string(id))
		}
		ev.Msg("action had no effect")
		return false
	}
	s.state = next
	for _, fn := range s.subs {
		fn(next.Clone())
	}
	return true
}

// State returns a snapshot that shares no memory with the store.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Subscribe registers fn for change notifications and returns a function
// that removes it.
func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}
