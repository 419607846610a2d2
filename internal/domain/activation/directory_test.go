package activation_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webitel/quark/internal/domain/activation"
	"github.com/webitel/quark/internal/domain/actor"
	"github.com/webitel/quark/internal/domain/quarkerr"
)

type stubBehavior struct {
	activateCalls   atomic.Int32
	deactivateCalls atomic.Int32
	activateErr     error
}

func (b *stubBehavior) OnActivate(context.Context) error {
	b.activateCalls.Add(1)
	return b.activateErr
}
func (b *stubBehavior) OnDeactivate(context.Context) error {
	b.deactivateCalls.Add(1)
	return nil
}
func (b *stubBehavior) HandleEnvelope(context.Context, *actor.Envelope) ([]byte, error) {
	return nil, nil
}

func newTestDirectory(t *testing.T, behaviors map[string]*stubBehavior) *activation.Directory {
	var mu sync.Mutex
	return activation.New(activation.Options{
		Host: "silo-test",
		Factory: func(identity actor.Identity) (actor.Behavior, error) {
			mu.Lock()
			defer mu.Unlock()
			b, ok := behaviors[identity.Key()]
			if !ok {
				b = &stubBehavior{}
				behaviors[identity.Key()] = b
			}
			return b, nil
		},
		QuiesceDeadline: 200 * time.Millisecond,
	})
}

func TestGetOrActivateIsIdempotent(t *testing.T) {
	behaviors := map[string]*stubBehavior{}
	dir := newTestDirectory(t, behaviors)
	identity, err := actor.New("Order", "o-1")
	require.NoError(t, err)

	dispatch := func(context.Context, *activation.Activation, *actor.Envelope) {}

	var wg sync.WaitGroup
	results := make([]*activation.Activation, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := dir.GetOrActivate(context.Background(), identity, dispatch)
			require.NoError(t, err)
			results[i] = a
		}(i)
	}
	wg.Wait()

	for _, a := range results[1:] {
		assert.Same(t, results[0], a)
	}
	assert.Equal(t, int32(1), behaviors[identity.Key()].activateCalls.Load())
}

func TestGetOrActivatePropagatesOnActivateFailure(t *testing.T) {
	behaviors := map[string]*stubBehavior{}
	identity, err := actor.New("Order", "o-fail")
	require.NoError(t, err)
	behaviors[identity.Key()] = &stubBehavior{activateErr: quarkerr.New(quarkerr.ActorGone, "boom")}

	dir := newTestDirectory(t, behaviors)
	dispatch := func(context.Context, *activation.Activation, *actor.Envelope) {}

	_, err = dir.GetOrActivate(context.Background(), identity, dispatch)
	require.Error(t, err)
	assert.True(t, quarkerr.Is(err, quarkerr.ActorGone))

	// A failed activation must not stick around for the next caller.
	behaviors[identity.Key()].activateErr = nil
	a, err := dir.GetOrActivate(context.Background(), identity, dispatch)
	require.NoError(t, err)
	assert.NotNil(t, a)
}

func TestDeactivateRunsQuiesceAndRemovesFromDirectory(t *testing.T) {
	behaviors := map[string]*stubBehavior{}
	dir := newTestDirectory(t, behaviors)
	identity, err := actor.New("Order", "o-2")
	require.NoError(t, err)

	dispatch := func(context.Context, *activation.Activation, *actor.Envelope) {}
	_, err = dir.GetOrActivate(context.Background(), identity, dispatch)
	require.NoError(t, err)

	require.NoError(t, dir.Deactivate(context.Background(), identity, nil))
	assert.Equal(t, int32(1), behaviors[identity.Key()].deactivateCalls.Load())

	_, ok := dir.Lookup(identity)
	assert.False(t, ok)
}

func TestSnapshotCountsOnlyLiveActivations(t *testing.T) {
	behaviors := map[string]*stubBehavior{}
	dir := newTestDirectory(t, behaviors)
	dispatch := func(context.Context, *activation.Activation, *actor.Envelope) {}

	for i := 0; i < 3; i++ {
		identity, err := actor.New("Order", string(rune('a'+i)))
		require.NoError(t, err)
		_, err = dir.GetOrActivate(context.Background(), identity, dispatch)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, dir.Count())
}
