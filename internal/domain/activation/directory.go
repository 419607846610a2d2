package activation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/webitel/quark/internal/domain/actor"
	"github.com/webitel/quark/internal/domain/mailbox"
	"github.com/webitel/quark/internal/domain/placement"
	"github.com/webitel/quark/internal/domain/quarkerr"
)

const shardCount = 256

// Placer resolves which silo should own a newly-activating identity (§4.7).
// It is consulted exactly once per identity, at the moment the directory
// considers creating a brand-new activation — the same single-winner race
// that guards factory construction also guards this lookup, so a
// RoundRobin/LeastUtilized strategy isn't re-run (and re-advanced) on every
// turn against an already-resolved identity (§2: "the client locates a silo
// via the directory/placement").
type Placer interface {
	Place(ctx context.Context, actorType, actorID string) (placement.Decision, error)
}

// Dispatcher executes a single turn for an activation's Behavior, wiring in
// deadline/cancellation and error translation. The directory owns the
// mailbox plumbing; Dispatcher owns calling into user code.
type Dispatcher func(ctx context.Context, a *Activation, env *actor.Envelope)

// Directory is the local table of live activations on this silo, mapping
// actor.Identity to *Activation (§4.2). Creation races are resolved by a
// single-winner protocol: a per-shard mutex (sharded by
// xxhash(identity.Key()), mirroring the hashing §4.5/§4.7 already need)
// guards the create-or-attach decision, generalizing the teacher's
// sync.Map-based registry.Hub.Register into a directory that can fail
// activation and propagate that failure to every waiter.
type Directory struct {
	host    string
	logger  *slog.Logger
	factory Factory
	placer  Placer

	shards [shardCount]shard

	mailboxSize     int
	quiesceDeadline time.Duration
}

type shard struct {
	mu      sync.Mutex
	entries map[actor.Identity]*entry
}

// entry tracks one identity's activation (or in-flight activation future),
// so concurrent callers observing no entry race through a single creation
// and losers attach to the winner's result (§4.2 getOrActivate).
type entry struct {
	done       chan struct{}
	activation *Activation
	err        error
}

// Options configures a Directory.
type Options struct {
	Host            string
	Logger          *slog.Logger
	Factory         Factory
	MailboxSize     int
	QuiesceDeadline time.Duration
	// Placer resolves an identity's owning silo before activation; nil means
	// every identity activates locally (single-silo hosts and tests).
	Placer Placer
}

// New builds a Directory. mailboxSize and quiesceDeadline default to 1024
// and 5s respectively when zero.
func New(opts Options) *Directory {
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 1024
	}
	if opts.QuiesceDeadline <= 0 {
		opts.QuiesceDeadline = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &Directory{
		host:            opts.Host,
		logger:          opts.Logger,
		factory:         opts.Factory,
		placer:          opts.Placer,
		mailboxSize:     opts.MailboxSize,
		quiesceDeadline: opts.QuiesceDeadline,
	}
	for i := range d.shards {
		d.shards[i].entries = make(map[actor.Identity]*entry)
	}
	return d
}

func (d *Directory) shardFor(identity actor.Identity) *shard {
	h := xxhash.Sum64String(identity.Key())
	return &d.shards[h%shardCount]
}

// GetOrActivate returns the live activation for identity, creating it via
// the configured factory (then calling OnActivate) if none exists yet.
// Idempotent: concurrent callers observing no entry race through a
// single-winner creation; losers attach to the winner's result (§4.2).
func (d *Directory) GetOrActivate(ctx context.Context, identity actor.Identity, dispatch Dispatcher) (*Activation, error) {
	sh := d.shardFor(identity)

	sh.mu.Lock()
	if e, ok := sh.entries[identity]; ok {
		sh.mu.Unlock()
		<-e.done
		return e.activation, e.err
	}

	e := &entry{done: make(chan struct{})}
	sh.entries[identity] = e
	sh.mu.Unlock()

	a, err := d.activate(ctx, identity, dispatch)
	e.activation, e.err = a, err
	close(e.done)

	// A NotLocal result is memoized like a successful activation rather than
	// retried: it is a stable placement decision for this identity, not a
	// transient failure, and re-running Place on every subsequent call would
	// re-advance stateful strategies like RoundRobin for an identity that
	// already has a settled home.
	if err != nil && !quarkerr.Is(err, quarkerr.NotLocal) {
		sh.mu.Lock()
		delete(sh.entries, identity)
		sh.mu.Unlock()
	}
	return a, err
}

// Lookup returns the live activation for identity without activating it.
func (d *Directory) Lookup(identity actor.Identity) (*Activation, bool) {
	sh := d.shardFor(identity)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[identity]
	if !ok {
		return nil, false
	}
	select {
	case <-e.done:
		return e.activation, e.err == nil
	default:
		return nil, false
	}
}

func (d *Directory) activate(ctx context.Context, identity actor.Identity, dispatch Dispatcher) (*Activation, error) {
	if d.placer != nil {
		decision, err := d.placer.Place(ctx, identity.TypeName, identity.ID)
		if err != nil {
			return nil, quarkerr.Wrap(quarkerr.NoCapacity, "placement failed for "+identity.Key(), err)
		}
		if decision.SiloID != "" && decision.SiloID != d.host {
			return nil, quarkerr.NewNotLocal(decision.SiloID)
		}
	}

	behavior, err := d.factory(identity)
	if err != nil {
		return nil, quarkerr.Wrap(quarkerr.ActorGone, "factory failed for "+identity.Key(), err)
	}

	a := newActivation(identity, d.host, behavior)
	actCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.Mailbox = mailbox.New(identity, d.mailboxSize, d.logger, func(turnCtx context.Context, env *actor.Envelope) {
		ctx := actCtx
		if chainID, ok := actor.ChainIDFromContext(turnCtx); ok {
			ctx = actor.WithChainID(actCtx, chainID)
		}
		dispatch(ctx, a, env)
	})
	if reentrantBehavior, ok := behavior.(actor.ReentrantAware); ok {
		a.Mailbox.SetReentrant(reentrantBehavior.Reentrant())
	}

	if err := behavior.OnActivate(ctx); err != nil {
		// Failures inside OnActivate propagate to the caller that triggered
		// activation, and the partial activation is discarded (§7).
		a.Mailbox.Close()
		cancel()
		return nil, quarkerr.Wrap(quarkerr.ActorGone, "OnActivate failed for "+identity.Key(), err)
	}
	return a, nil
}

// Snapshot returns every live activation, used by the serverless sweeper.
func (d *Directory) Snapshot() []*Activation {
	var out []*Activation
	for i := range d.shards {
		sh := &d.shards[i]
		sh.mu.Lock()
		for _, e := range sh.entries {
			select {
			case <-e.done:
				if e.err == nil {
					out = append(out, e.activation)
				}
			default:
			}
		}
		sh.mu.Unlock()
	}
	return out
}

// Count returns the number of live activations.
func (d *Directory) Count() int { return len(d.Snapshot()) }

// Deactivate destroys the activation for identity, running the quiesce
// protocol: close the mailbox, await the in-flight turn up to the
// configured deadline, dispose timers, then let the caller flush state via
// onQuiesced (§4.2).
func (d *Directory) Deactivate(ctx context.Context, identity actor.Identity, onQuiesced func(a *Activation)) error {
	sh := d.shardFor(identity)

	sh.mu.Lock()
	e, ok := sh.entries[identity]
	if !ok {
		sh.mu.Unlock()
		return quarkerr.New(quarkerr.ActorGone, "no activation for "+identity.Key())
	}
	delete(sh.entries, identity)
	sh.mu.Unlock()

	<-e.done
	if e.err != nil || e.activation == nil {
		return quarkerr.New(quarkerr.ActorGone, "no activation for "+identity.Key())
	}
	a := e.activation

	a.setState(actor.Suspending)
	a.Mailbox.Close()
	a.cancel()

	deadline := time.After(d.quiesceDeadline)
	waitForIdle(a, deadline)

	// Timers are volatile and never outlive the activation that owns them
	// (§4.4); dispose them before any caller-supplied cleanup runs.
	a.Timers.DisposeAll()

	if onQuiesced != nil {
		onQuiesced(a)
	}

	if err := a.behavior.OnDeactivate(ctx); err != nil {
		d.logger.Error("ON_DEACTIVATE_FAILED", "identity", identity.Key(), "err", err)
	}

	if parent := a.Parent(); parent != nil {
		parent.removeChild(identity)
	}
	a.setState(actor.Stopped)
	return nil
}

func waitForIdle(a *Activation, deadline <-chan time.Time) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if !a.Mailbox.Running() {
			return
		}
		select {
		case <-deadline:
			return
		case <-ticker.C:
		}
	}
}

// AddChild registers child under parent's lifecycle ownership (§4.3).
func (d *Directory) AddChild(parent, child *Activation) { parent.addChild(child) }
