package transport

import (
	"context"
	"sync"

	"github.com/webitel/quark/internal/domain/actor"
	"github.com/webitel/quark/internal/domain/quarkerr"
)

// Local is an in-process Transport for single-silo hosts and tests: Send
// dispatches directly to the destination silo's registered Handler with no
// network hop, but still goes through a buffered channel per silo so
// ordering within a stream is preserved exactly like a real wire transport.
type Local struct {
	mu     sync.Mutex
	queues map[string]chan *actor.Envelope
	done   chan struct{}
}

// NewLocal builds an empty Local transport.
func NewLocal() *Local {
	return &Local{
		queues: make(map[string]chan *actor.Envelope),
		done:   make(chan struct{}),
	}
}

func (l *Local) queueFor(siloID string) chan *actor.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.queues[siloID]
	if !ok {
		q = make(chan *actor.Envelope, 4096)
		l.queues[siloID] = q
	}
	return q
}

func (l *Local) Send(ctx context.Context, destSiloID string, env *actor.Envelope) error {
	select {
	case l.queueFor(destSiloID) <- env:
		return nil
	case <-ctx.Done():
		return quarkerr.Wrap(quarkerr.Cancelled, "local transport send cancelled", ctx.Err())
	case <-l.done:
		return quarkerr.New(quarkerr.TransportFailed, "local transport closed")
	}
}

func (l *Local) Subscribe(ctx context.Context, siloID string, handler Handler) error {
	q := l.queueFor(siloID)
	go func() {
		for {
			select {
			case env := <-q:
				handler(ctx, env)
			case <-ctx.Done():
				return
			case <-l.done:
				return
			}
		}
	}()
	return nil
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	return nil
}
