// Package state defines the pluggable persistence contract actors use to
// load and save durable state with optimistic concurrency (spec §4.6), and
// ships an in-memory reference implementation.
package state

import (
	"context"
	"sync"

	"github.com/webitel/quark/internal/domain/quarkerr"
)

// WithVersion pairs a state blob with its monotone version token (§3
// StateWithVersion). version=0 denotes absence; the first save returns 1.
type WithVersion struct {
	State   []byte
	Version int64
}

// Store is the external contract a concrete backing store (e.g. a
// key-value store with an atomic compare-and-set script, §6) must satisfy.
type Store interface {
	// LoadWithVersion returns the stored state and its version, or
	// ok=false if no entry exists.
	LoadWithVersion(ctx context.Context, actorID, stateName string) (value WithVersion, ok bool, err error)

	// SaveWithVersion writes state. If expectedVersion is non-nil and does
	// not match the stored version, the call fails with ConcurrencyConflict
	// (§4.6). A nil expectedVersion against an empty entry assigns
	// version=1.
	SaveWithVersion(ctx context.Context, actorID, stateName string, value []byte, expectedVersion *int64) (newVersion int64, err error)

	// Delete removes the entry; a subsequent load returns ok=false.
	Delete(ctx context.Context, actorID, stateName string) error
}

// Memory is an in-memory reference Store, keyed the way the §6 reference
// key-value implementation is: "<actorID>:<stateName>".
type Memory struct {
	mu      sync.Mutex
	entries map[string]WithVersion
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]WithVersion)}
}

func key(actorID, stateName string) string { return actorID + ":" + stateName }

func (m *Memory) LoadWithVersion(_ context.Context, actorID, stateName string) (WithVersion, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[key(actorID, stateName)]
	return v, ok, nil
}

func (m *Memory) SaveWithVersion(_ context.Context, actorID, stateName string, value []byte, expectedVersion *int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(actorID, stateName)
	current, exists := m.entries[k]

	if expectedVersion != nil {
		actual := int64(0)
		if exists {
			actual = current.Version
		}
		if actual != *expectedVersion {
			return actual, quarkerr.NewConcurrencyConflict(*expectedVersion, actual)
		}
	}

	newVersion := int64(1)
	if exists {
		newVersion = current.Version + 1
	}

	cp := make([]byte, len(value))
	copy(cp, value)
	m.entries[k] = WithVersion{State: cp, Version: newVersion}
	return newVersion, nil
}

func (m *Memory) Delete(_ context.Context, actorID, stateName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key(actorID, stateName))
	return nil
}
