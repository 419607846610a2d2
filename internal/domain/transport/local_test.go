package transport_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webitel/quark/internal/domain/actor"
	"github.com/webitel/quark/internal/domain/transport"
)

func TestLocalSendDeliversToSubscribedHandler(t *testing.T) {
	local := transport.NewLocal()
	defer local.Close()

	received := make(chan *actor.Envelope, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, local.Subscribe(ctx, "silo-a", func(_ context.Context, env *actor.Envelope) {
		received <- env
	}))

	target, err := actor.New("Order", "o-1")
	require.NoError(t, err)
	env := &actor.Envelope{MessageID: "m-1", Target: target, Method: "ping"}
	require.NoError(t, local.Send(context.Background(), "silo-a", env))

	select {
	case got := <-received:
		assert.Equal(t, "m-1", got.MessageID)
	case <-time.After(time.Second):
		t.Fatal("envelope never delivered")
	}
}

func TestLocalPreservesOrderPerSilo(t *testing.T) {
	local := transport.NewLocal()
	defer local.Close()

	var mu sync.Mutex
	var order []string
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, local.Subscribe(ctx, "silo-a", func(_ context.Context, env *actor.Envelope) {
		mu.Lock()
		order = append(order, env.MessageID)
		mu.Unlock()
	}))

	target, err := actor.New("Order", "o-1")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		require.NoError(t, local.Send(context.Background(), "silo-a", &actor.Envelope{MessageID: id, Target: target}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, order)
}

func TestLocalCloseIsIdempotent(t *testing.T) {
	local := transport.NewLocal()
	require.NoError(t, local.Close())
	require.NoError(t, local.Close())
}

func TestLocalSendRespectsContextCancellation(t *testing.T) {
	local := transport.NewLocal()
	defer local.Close()

	target, err := actor.New("Order", "o-1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Fill the destination queue so the send cannot proceed and must observe
	// the already-cancelled context instead.
	for i := 0; i < 4096; i++ {
		require.NoError(t, local.Send(context.Background(), "silo-full", &actor.Envelope{MessageID: "filler", Target: target}))
	}
	err = local.Send(ctx, "silo-full", &actor.Envelope{MessageID: "m-1", Target: target})
	require.Error(t, err)
}
