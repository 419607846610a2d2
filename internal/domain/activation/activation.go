// Package activation implements the runtime instance of an actor (§3
// Activation) and the directory that creates, locates, and destroys them
// (§4.2).
package activation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/webitel/quark/internal/domain/actor"
	"github.com/webitel/quark/internal/domain/mailbox"
	"github.com/webitel/quark/internal/domain/timer"
)

// Factory constructs the user-supplied Behavior for a newly activated
// identity.
type Factory func(identity actor.Identity) (actor.Behavior, error)

// Activation is a live instance of an actor on this silo (§3 Activation).
type Activation struct {
	Identity actor.Identity
	Host     string

	CreatedAt time.Time

	behavior actor.Behavior
	Mailbox  *mailbox.Mailbox
	Timers   *timer.Set

	lastActivity atomic.Int64 // unix nano
	state        atomic.Int32 // actor.TurnState
	versionToken atomic.Int64

	mu       sync.RWMutex
	children map[actor.Identity]*Activation
	parent   *Activation // back-reference; the parent owns this activation's lifecycle

	cancel context.CancelFunc
}

func newActivation(identity actor.Identity, host string, behavior actor.Behavior) *Activation {
	a := &Activation{
		Identity:  identity,
		Host:      host,
		CreatedAt: time.Now(),
		behavior:  behavior,
		children:  make(map[actor.Identity]*Activation),
		Timers:    timer.NewSet(),
	}
	a.touch()
	a.state.Store(int32(actor.Idle))
	return a
}

func (a *Activation) touch() {
	a.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the instant of the most recent envelope dispatch.
func (a *Activation) LastActivity() time.Time {
	return time.Unix(0, a.lastActivity.Load())
}

// State returns the activation's current turn-state.
func (a *Activation) State() actor.TurnState {
	return actor.TurnState(a.state.Load())
}

// Version returns the last-seen state-version token threaded through this
// activation by successful saves (§4.6).
func (a *Activation) Version() int64 { return a.versionToken.Load() }

// SetVersion advances the activation's last-seen version token.
func (a *Activation) SetVersion(v int64) { a.versionToken.Store(v) }

// Parent returns the back-reference to this activation's parent, used for
// failure escalation and for detaching from the parent on deactivation
// (§9 design note: cyclic references resolved
// by parent-as-strong-owner, child holds weak back-reference).
func (a *Activation) Parent() *Activation {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.parent
}

// Children returns a snapshot of this activation's child set.
func (a *Activation) Children() []*Activation {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*Activation, 0, len(a.children))
	for _, c := range a.children {
		out = append(out, c)
	}
	return out
}

// addChild registers a child under this activation's lifecycle ownership.
func (a *Activation) addChild(child *Activation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	child.parent = a
	a.children[child.Identity] = child
}

func (a *Activation) removeChild(identity actor.Identity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.children, identity)
}

// Dispatch enqueues env on this activation's mailbox, updating last-activity
// on every dispatch (§4.2).
func (a *Activation) Dispatch(env *actor.Envelope) error {
	a.touch()
	return a.Mailbox.Post(env)
}

// Behavior exposes the underlying Behavior for supervision and reminder
// delivery, which call its capability-specific methods directly.
func (a *Activation) Behavior() actor.Behavior { return a.behavior }

func (a *Activation) setState(s actor.TurnState) { a.state.Store(int32(s)) }
