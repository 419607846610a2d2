// Package reminder implements durable recurring/one-shot scheduled
// invocations (spec §4.5, §3 Reminder), including the ReminderTable
// external contract and an in-memory reference implementation.
package reminder

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/webitel/quark/internal/domain/quarkerr"
)

// Reminder is a durable, named, optionally recurring scheduled invocation
// (§3 Reminder). (ActorID, Name) is unique.
type Reminder struct {
	ActorID      string
	ActorType    string
	Name         string
	DueTime      time.Time
	Period       time.Duration // zero means one-shot
	Data         []byte
	CreatedAt    time.Time
	LastFiredAt  *time.Time
	NextFireTime time.Time
}

// Recurring reports whether this reminder fires more than once.
func (r Reminder) Recurring() bool { return r.Period > 0 }

// Table is the durable external contract (§6 Reminder table). A concrete
// implementation persists reminders and partitions ownership by silo so
// each reminder fires on exactly one silo without distributed locks
// (§4.5).
type Table interface {
	Register(ctx context.Context, r Reminder) error
	Unregister(ctx context.Context, actorID, name string) error
	GetRemindersForActor(ctx context.Context, actorID string) ([]Reminder, error)
	// GetDueRemindersForSilo returns reminders due at or before now whose
	// ownership hash maps to siloID's position within roster (§4.5, §6).
	// roster must be the same sorted silo-id list on every caller so the
	// mapping stays consistent cluster-wide.
	GetDueRemindersForSilo(ctx context.Context, siloID string, now time.Time, roster []string) ([]Reminder, error)
	UpdateFireTime(ctx context.Context, actorID, name string, lastFiredAt, nextFireTime time.Time) error
}

// Memory is an in-memory reference Table. Ownership is computed as
// hash(actorId) mod len(roster) == ordinal position of siloID within the
// sorted roster, matching the runtime's own hashing so ownership stays
// stable under restart (§6).
type Memory struct {
	mu        sync.Mutex
	reminders map[string]Reminder // key: actorID + "\x00" + name
}

// NewMemory builds an empty in-memory reminder table.
func NewMemory() *Memory {
	return &Memory{reminders: make(map[string]Reminder)}
}

func key(actorID, name string) string { return actorID + "\x00" + name }

func (m *Memory) Register(_ context.Context, r Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.NextFireTime.IsZero() {
		r.NextFireTime = r.DueTime
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	m.reminders[key(r.ActorID, r.Name)] = r
	return nil
}

func (m *Memory) Unregister(_ context.Context, actorID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reminders, key(actorID, name))
	return nil
}

func (m *Memory) GetRemindersForActor(_ context.Context, actorID string) ([]Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Reminder
	for _, r := range m.reminders {
		if r.ActorID == actorID {
			out = append(out, r)
		}
	}
	return out, nil
}

// OwnerIndex computes which roster slot owns actorID out of n candidate
// slots, via hash(actorId) mod n (§4.5, §6). Callers pass len(roster) for
// n and compare against a silo's ordinal position in that same sorted
// roster — never a hash of the silo's own id, which would not guarantee
// each slot is claimed by exactly one member.
func OwnerIndex(actorID string, n int) int {
	if n <= 0 {
		return 0
	}
	return int(xxhash.Sum64String(actorID) % uint64(n))
}

// rosterIndex returns siloID's position in a sorted copy of roster, or -1
// if absent. Sorting first means every silo computes the same roster
// order independently, without a shared sequence number.
func rosterIndex(siloID string, roster []string) int {
	sorted := make([]string, len(roster))
	copy(sorted, roster)
	sort.Strings(sorted)
	for i, id := range sorted {
		if id == siloID {
			return i
		}
	}
	return -1
}

// GetDueRemindersForSilo returns reminders due at or before now whose
// owning roster slot (hash(actorId) mod len(roster)) equals siloID's own
// ordinal position within the sorted roster (§4.5). roster must list every
// currently active silo; passing a stale or partial roster changes
// ownership assignment.
func (m *Memory) GetDueRemindersForSilo(_ context.Context, siloID string, now time.Time, roster []string) ([]Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	myIdx := rosterIndex(siloID, roster)
	if myIdx < 0 {
		return nil, nil
	}

	var due []Reminder
	for _, r := range m.reminders {
		if !r.NextFireTime.After(now) && OwnerIndex(r.ActorID, len(roster)) == myIdx {
			due = append(due, r)
		}
	}
	return due, nil
}

func (m *Memory) UpdateFireTime(_ context.Context, actorID, name string, lastFiredAt, nextFireTime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(actorID, name)
	r, ok := m.reminders[k]
	if !ok {
		return quarkerr.New(quarkerr.ActorGone, "no such reminder "+k)
	}
	r.LastFiredAt = &lastFiredAt
	r.NextFireTime = nextFireTime
	m.reminders[k] = r
	return nil
}
