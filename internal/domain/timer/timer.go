// Package timer implements per-activation, in-memory scheduled callbacks
// (spec §4.4). Timers are volatile: never persisted and disposed on
// deactivation. Each callback runs on its own time.AfterFunc goroutine, not
// as a turn on the owning activation's mailbox, so it is not serialized
// with that activation's turns.
package timer

import (
	"sync"
	"time"

	"github.com/webitel/quark/internal/domain/quarkerr"
)

// Callback is invoked on the timer's own goroutine when a timer fires.
type Callback func()

// Set is the collection of timers owned by one activation. (activation,
// name) is unique per §3 Timer.
type Set struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewSet builds an empty timer set for one activation.
func NewSet() *Set {
	return &Set{timers: make(map[string]*time.Timer)}
}

// Register adds a named timer. Duplicate registration fails with
// DuplicateName (§4.4). A zero period means one-shot.
func (s *Set) Register(name string, due time.Duration, period time.Duration, cb Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.timers[name]; exists {
		return quarkerr.New(quarkerr.DuplicateName, "timer already registered: "+name)
	}

	var t *time.Timer
	t = time.AfterFunc(due, func() {
		// Timer callback failures are swallowed by design: they are
		// fire-and-forget (§7).
		defer func() { _ = recover() }()
		cb()

		if period > 0 {
			s.mu.Lock()
			if _, stillRegistered := s.timers[name]; stillRegistered {
				t.Reset(period)
			}
			s.mu.Unlock()
		} else {
			s.mu.Lock()
			delete(s.timers, name)
			s.mu.Unlock()
		}
	})
	s.timers[name] = t
	return nil
}

// Unregister cancels and removes a named timer, if present.
func (s *Set) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[name]; ok {
		t.Stop()
		delete(s.timers, name)
	}
}

// DisposeAll cancels every timer owned by this set, called during the
// activation's quiesce protocol (§4.4).
func (s *Set) DisposeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, t := range s.timers {
		t.Stop()
		delete(s.timers, name)
	}
}
