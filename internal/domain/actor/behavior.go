package actor

import "context"

// TurnState is the lifecycle state of one Activation (§3 Activation).
type TurnState int32

const (
	Idle TurnState = iota
	Running
	Suspending
	Stopped
)

func (s TurnState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case Suspending:
		return "Suspending"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Behavior is the capability set every activated actor type presents. The
// runtime dispatches against this interface generically; it never reflects
// on concrete method signatures (§9 design note: interface-driven
// polymorphism replaces attribute-marked classes).
type Behavior interface {
	// OnActivate runs once, before the first envelope is dispatched.
	OnActivate(ctx context.Context) error
	// OnDeactivate runs once, during the quiesce protocol (§4.2).
	OnDeactivate(ctx context.Context) error
	// HandleEnvelope executes one turn for the given envelope and returns
	// the result blob to be carried back on the response envelope.
	HandleEnvelope(ctx context.Context, env *Envelope) ([]byte, error)
}

// ChildFailureAware is implemented by actor behaviors that supervise
// children and want to decide the failure directive themselves (§4.3).
// Behaviors that don't implement it get Restart for every failed child.
type ChildFailureAware interface {
	OnChildFailure(ctx context.Context, failure ChildFailureContext) SupervisionDirective
}

// ReminderAware is implemented by actor behaviors that receive durable
// reminder firings (§4.5).
type ReminderAware interface {
	ReceiveReminder(ctx context.Context, name string, data []byte) error
}

// ReentrantAware is implemented by actor behaviors that want their mailbox
// to interleave turns belonging to the same call chain instead of always
// draining strictly serially (§3 Activation attribute, §4.1). Behaviors
// that don't implement it get a non-reentrant mailbox.
type ReentrantAware interface {
	Reentrant() bool
}

// SupervisionDirective is the parent's response to a failed child turn
// (§3 SupervisionDirective).
type SupervisionDirective int32

const (
	Resume SupervisionDirective = iota
	Restart
	Stop
	Escalate
)

func (d SupervisionDirective) String() string {
	switch d {
	case Resume:
		return "Resume"
	case Restart:
		return "Restart"
	case Stop:
		return "Stop"
	case Escalate:
		return "Escalate"
	default:
		return "Unknown"
	}
}

// ChildFailureContext carries the failed child's identity and failure kind
// to the parent's OnChildFailure (§3 ChildFailureContext).
type ChildFailureContext struct {
	Child   Identity
	Kind    string
	Cause   error
}
