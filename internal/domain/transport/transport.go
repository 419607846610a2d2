// Package transport defines the external wire-framing contract (§6
// Transport) and ships two implementations: an in-process Local transport
// for single-silo hosts and tests, and a Watermill/AMQP transport for
// multi-silo clusters.
package transport

import (
	"context"

	"github.com/webitel/quark/internal/domain/actor"
)

// Handler receives one inbound envelope off the wire. Implementations must
// not block the caller past envelope decode; dispatch into an activation's
// mailbox is the caller's responsibility (§4.9 "non-blocking ... suspends
// the executing task").
type Handler func(ctx context.Context, env *actor.Envelope)

// Transport frames envelopes on a bidirectional stream between silos and
// clients (§3 Transport). Implementations must preserve envelope
// boundaries and must not reorder frames within a single stream; multiple
// streams may be used for parallelism.
type Transport interface {
	// Send delivers env to its Target's silo (or, for a response envelope,
	// back to the original caller via CorrelationID routing).
	Send(ctx context.Context, destSiloID string, env *actor.Envelope) error

	// Subscribe registers handler for envelopes addressed to siloID. Only
	// one handler may be active per siloID at a time.
	Subscribe(ctx context.Context, siloID string, handler Handler) error

	// Close releases transport resources. Implementations must be safe to
	// call once teardown has quiesced every local activation (§4.9 process
	// teardown: "quiesce all activations ... → close transport").
	Close() error
}
