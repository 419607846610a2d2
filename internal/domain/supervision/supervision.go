// Package supervision implements the parent/child failure-handling tree
// described in spec §4.3: failure directives, bounded restarts, and
// escalation to the host.
package supervision

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/webitel/quark/internal/domain/activation"
	"github.com/webitel/quark/internal/domain/actor"
	"github.com/webitel/quark/internal/domain/quarkerr"
)

// Policy bounds how many times a child may restart within a sliding window
// before it is escalated to Stop instead (§4.3: default N=5 / W=60s).
type Policy struct {
	RestartWindow    time.Duration
	RestartThreshold int
}

// DefaultPolicy is the spec's documented default.
var DefaultPolicy = Policy{RestartWindow: 60 * time.Second, RestartThreshold: 5}

// Reactivator re-creates a child activation under the same identity,
// re-entering its normal activation lifecycle (including any state reload
// the child's own OnActivate performs).
type Reactivator func(ctx context.Context, identity actor.Identity) (*activation.Activation, error)

// Supervisor tracks restart history and applies directives to children.
type Supervisor struct {
	directory  *activation.Directory
	logger     *slog.Logger
	policy     Policy
	onFatal    func(identity actor.Identity, err error)
	reactivate Reactivator

	mu       sync.Mutex
	restarts map[actor.Identity][]time.Time
}

// New builds a Supervisor bound to a directory and a reactivation callback.
func New(dir *activation.Directory, reactivate Reactivator, policy Policy, logger *slog.Logger, onFatal func(actor.Identity, error)) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.RestartThreshold <= 0 {
		policy = DefaultPolicy
	}
	return &Supervisor{
		directory:  dir,
		logger:     logger,
		policy:     policy,
		onFatal:    onFatal,
		reactivate: reactivate,
		restarts:   make(map[actor.Identity][]time.Time),
	}
}

// HandleFailure is invoked when a child's turn fails. It asks the parent's
// Behavior for a directive (if it implements ChildFailureAware), falling
// back to Restart, then applies that directive (§4.3).
func (s *Supervisor) HandleFailure(ctx context.Context, parent, child *activation.Activation, cause error) {
	fctx := actor.ChildFailureContext{Child: child.Identity, Kind: "TurnFailed", Cause: cause}

	directive := actor.Restart
	if aware, ok := parent.Behavior().(actor.ChildFailureAware); ok {
		directive = aware.OnChildFailure(ctx, fctx)
	}

	switch directive {
	case actor.Resume:
		s.logger.Warn("CHILD_RESUME", "child", child.Identity.Key(), "err", cause)

	case actor.Restart:
		s.restart(ctx, parent, child, cause)

	case actor.Stop:
		s.stop(ctx, child)

	case actor.Escalate:
		s.escalate(ctx, parent, child, cause)

	default:
		s.logger.Warn("UNKNOWN_DIRECTIVE", "child", child.Identity.Key())
	}
}

func (s *Supervisor) restart(ctx context.Context, parent, child *activation.Activation, cause error) {
	identity := child.Identity

	if s.exceededRestartBudget(identity) {
		s.logger.Warn("RESTART_BUDGET_EXCEEDED", "child", identity.Key())
		s.stop(ctx, child)
		return
	}

	// Drain the mailbox except the failing message: the failing envelope
	// already completed (with error) by the time HandleFailure runs, so
	// draining here discards only messages queued behind it (§4.3).
	child.Mailbox.Drain()

	if err := s.directory.Deactivate(ctx, identity, nil); err != nil {
		s.logger.Error("RESTART_DEACTIVATE_FAILED", "child", identity.Key(), "err", err)
	}

	newChild, err := s.reactivate(ctx, identity)
	if err != nil {
		s.logger.Error("RESTART_REACTIVATE_FAILED", "child", identity.Key(), "err", err)
		s.escalate(ctx, parent, child, err)
		return
	}
	if parent != nil {
		s.directory.AddChild(parent, newChild)
	}
	s.logger.Info("CHILD_RESTARTED", "child", identity.Key(), "cause", cause)
}

// exceededRestartBudget records this restart attempt and reports whether
// the attempts within RestartWindow, this one included, now exceed
// RestartThreshold.
func (s *Supervisor) exceededRestartBudget(identity actor.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-s.policy.RestartWindow)

	history := s.restarts[identity]
	kept := history[:0]
	for _, t := range history {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.restarts[identity] = kept

	return len(kept) > s.policy.RestartThreshold
}

// stop terminates child and recursively stops its children (post-order).
// Posts to its closed mailbox fail with ActorGone; envelopes still queued
// are dropped without a reply (§4.3 Stop).
func (s *Supervisor) stop(ctx context.Context, child *activation.Activation) {
	for _, grandchild := range child.Children() {
		s.stop(ctx, grandchild)
	}
	if err := s.directory.Deactivate(ctx, child.Identity, nil); err != nil {
		s.logger.Error("STOP_FAILED", "child", child.Identity.Key(), "err", err)
	}
}

// escalate re-raises the failure to the parent's own supervisor; if parent
// has no supervisor of its own (it is the root), the failure is surfaced to
// the host as fatal (§4.3, §7 SupervisionEscalated).
func (s *Supervisor) escalate(ctx context.Context, parent, child *activation.Activation, cause error) {
	grandparent := parent.Parent()
	if grandparent == nil {
		err := quarkerr.Wrap(quarkerr.SupervisionEscalated, "root escalation for "+child.Identity.Key(), cause)
		s.logger.Error("FATAL_ESCALATION", "child", child.Identity.Key(), "err", err)
		if s.onFatal != nil {
			s.onFatal(child.Identity, err)
		}
		return
	}
	s.HandleFailure(ctx, grandparent, parent, cause)
}
