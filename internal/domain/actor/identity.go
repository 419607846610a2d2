// Package actor defines the addressing and message primitives shared by
// every Quark component: identity, envelopes, and the per-process message
// id generator.
package actor

import (
	"crypto/rand"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v3"
	oklogulid "github.com/oklog/ulid"
)

// Identity is the cluster-unique (typeName, id) pair addressing an actor.
type Identity struct {
	TypeName string
	ID       string
}

// Key renders the cluster-unique string address "<typeName>/<id>".
func (i Identity) Key() string {
	return i.TypeName + "/" + i.ID
}

func (i Identity) String() string { return i.Key() }

// New builds an Identity, validating neither field is empty.
func New(typeName, id string) (Identity, error) {
	if typeName == "" || id == "" {
		return Identity{}, fmt.Errorf("actor: typeName and id must be non-empty")
	}
	return Identity{TypeName: typeName, ID: id}, nil
}

// SiloID is a short, process-startup-stable identifier prepended to every
// message id this process generates, so correlation stays unambiguous
// across silos without requiring cluster-wide coordination on message ids
// (§9 Open Question 1: process-unique id space, silo-id-prefixed).
type SiloID string

// NewSiloID mints a short lexicographically-sortable silo id.
func NewSiloID() SiloID {
	return SiloID(oklogulid.MustNew(oklogulid.Now(), rand.Reader).String()[:10])
}

// MessageIDGenerator produces process-monotone message ids rendered as
// short strings, avoiding the allocation and comparison cost of a full
// UUID on every envelope (§3 Envelope.messageId).
type MessageIDGenerator struct {
	silo    SiloID
	counter uint64
}

// NewMessageIDGenerator builds a generator scoped to one silo process.
func NewMessageIDGenerator(silo SiloID) *MessageIDGenerator {
	return &MessageIDGenerator{silo: silo}
}

// Next returns the next process-monotone message id, formatted
// "<silo>-<base57 counter>".
func (g *MessageIDGenerator) Next() string {
	n := atomic.AddUint64(&g.counter, 1)
	return string(g.silo) + "-" + shortuuid.DefaultEncoder.Encode(encodeCounter(n))
}

// encodeCounter turns a counter into a deterministic UUID-shaped value so it
// can be fed through shortuuid's base57 encoder without pulling in a random
// source; the counter itself, not the encoding, is what guarantees
// uniqueness and monotonicity.
func encodeCounter(n uint64) uuid.UUID {
	var u uuid.UUID
	for i := 15; i >= 8; i-- {
		u[i] = byte(n)
		n >>= 8
	}
	return u
}
