package actor

import "time"

// Envelope carries one invocation or response between a sender and a
// target actor (§3 Envelope).
type Envelope struct {
	MessageID     string
	CorrelationID string
	Sender        *Identity
	Target        Identity
	Method        string
	ArgsBlob      []byte
	Deadline      *time.Time
	Headers       map[string]string

	// ChainID identifies the logical call chain this envelope belongs to,
	// distinct from CorrelationID (which matches a response to its
	// request): a reentrant call nested inside the turn that originated the
	// chain carries the same ChainID, so the mailbox can recognize it as
	// belonging to an already-executing chain rather than a new unrelated
	// call (§4.1).
	ChainID string

	// Result, set only on the response envelope returned to the caller.
	ResultBlob []byte
	Err        error
}

// IsResponse reports whether this envelope carries a response to an
// earlier request, identified by matching CorrelationID.
func (e *Envelope) IsResponse() bool { return e.CorrelationID != "" }

// WithDeadline returns a copy of the envelope carrying the given deadline.
func (e Envelope) WithDeadline(d time.Time) Envelope {
	e.Deadline = &d
	return e
}
