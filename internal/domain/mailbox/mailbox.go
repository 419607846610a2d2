// Package mailbox implements the per-activation FIFO queue and the
// single-threaded cooperative turn loop that drains it (spec §4.1).
//
// The drain strategy — wake on the first envelope, then tight-loop up to a
// fixed batch before going back to sleep — is carried over from the
// teacher's registry.Cell.loop: it smooths bursty traffic without giving a
// single activation unbounded scheduler time.
package mailbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/webitel/quark/internal/domain/actor"
	"github.com/webitel/quark/internal/domain/quarkerr"
)

const drainBatch = 64

// Dispatch is supplied by the activation owning this mailbox; it executes
// one turn against the activation's Behavior.
type Dispatch func(ctx context.Context, env *actor.Envelope)

// Mailbox is the ordered sequence of envelopes belonging to one activation.
// Producers append via Post; the turn loop goroutine consumes the head.
type Mailbox struct {
	identity actor.Identity
	logger   *slog.Logger
	queue    chan *actor.Envelope
	dispatch Dispatch

	closed   atomic.Bool
	doneCh   chan struct{}
	stopOnce sync.Once

	reentrant atomic.Bool
	running   atomic.Int32 // count of turns currently executing

	chainsMu sync.Mutex
	chains   map[string]int // active chain id -> count of turns running in it
}

// New creates a mailbox with the given soft capacity bound (§4.1
// backpressure) and starts its turn-loop goroutine.
func New(identity actor.Identity, capacity int, logger *slog.Logger, dispatch Dispatch) *Mailbox {
	m := &Mailbox{
		identity: identity,
		logger:   logger,
		queue:    make(chan *actor.Envelope, capacity),
		dispatch: dispatch,
		doneCh:   make(chan struct{}),
		chains:   make(map[string]int),
	}
	go m.loop()
	return m
}

// SetReentrant toggles whether the loop may interleave a turn with one
// still in flight for the same logical call chain (§4.1). With reentrancy
// off, every turn drains strictly serially regardless of ChainID.
func (m *Mailbox) SetReentrant(v bool) { m.reentrant.Store(v) }

func (m *Mailbox) Reentrant() bool { return m.reentrant.Load() }

// Running reports whether a turn is currently executing.
func (m *Mailbox) Running() bool { return m.running.Load() > 0 }

func (m *Mailbox) chainActive(chainID string) bool {
	m.chainsMu.Lock()
	defer m.chainsMu.Unlock()
	return m.chains[chainID] > 0
}

func (m *Mailbox) enterChain(chainID string) {
	m.chainsMu.Lock()
	m.chains[chainID]++
	m.chainsMu.Unlock()
}

func (m *Mailbox) exitChain(chainID string) {
	m.chainsMu.Lock()
	m.chains[chainID]--
	if m.chains[chainID] <= 0 {
		delete(m.chains, chainID)
	}
	m.chainsMu.Unlock()
}

// Post enqueues an envelope. Fails with Overloaded once the soft bound is
// exceeded, and with ActorGone once the mailbox has been closed (§3
// Mailbox, §4.1 backpressure).
//
// When reentrancy is on and env.ChainID names a chain with a turn already
// executing, the envelope is dispatched immediately on its own goroutine
// instead of queued behind it (§4.1: "the loop may interleave turns
// belonging to the same logical call chain") — this is what lets a turn's
// nested call back into its own activation complete without deadlocking
// behind itself.
func (m *Mailbox) Post(env *actor.Envelope) error {
	if m.closed.Load() {
		return quarkerr.New(quarkerr.ActorGone, "mailbox closed for "+m.identity.Key())
	}
	if m.reentrant.Load() && env.ChainID != "" && m.chainActive(env.ChainID) {
		go m.runTurn(env)
		return nil
	}
	select {
	case m.queue <- env:
		return nil
	default:
		return quarkerr.New(quarkerr.Overloaded, "mailbox full for "+m.identity.Key())
	}
}

// Len reports envelopes currently queued (diagnostics only).
func (m *Mailbox) Len() int { return len(m.queue) }

func (m *Mailbox) loop() {
	for {
		select {
		case <-m.doneCh:
			return
		case env := <-m.queue:
			if m.closed.Load() {
				return
			}
			m.runTurn(env)
		drain:
			for range drainBatch {
				if m.closed.Load() {
					return
				}
				select {
				case next := <-m.queue:
					m.runTurn(next)
				default:
					break drain
				}
			}
		}
	}
}

func (m *Mailbox) runTurn(env *actor.Envelope) {
	ctx := context.Background()
	if env.ChainID != "" {
		m.enterChain(env.ChainID)
		defer m.exitChain(env.ChainID)
		ctx = actor.WithChainID(ctx, env.ChainID)
	}
	m.running.Add(1)
	defer m.running.Add(-1)
	m.dispatch(ctx, env)
}

// Close stops accepting new envelopes and terminates the loop goroutine.
// Envelopes still queued are dropped; callers quiescing an activation
// should drain synchronously before calling Close if those envelopes must
// still be observed (§4.3 Restart drains the mailbox except the failing
// message before re-activating).
func (m *Mailbox) Close() {
	m.closed.Store(true)
	m.stopOnce.Do(func() { close(m.doneCh) })
}

// Drain removes and returns every envelope currently queued without
// executing them, used by supervision's Restart directive (§4.3) to empty
// a child's mailbox except the message that caused the failure.
func (m *Mailbox) Drain() []*actor.Envelope {
	var out []*actor.Envelope
	for {
		select {
		case env := <-m.queue:
			out = append(out, env)
		default:
			return out
		}
	}
}
