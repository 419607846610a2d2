package host_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webitel/quark/internal/domain/activation"
	"github.com/webitel/quark/internal/domain/actor"
	"github.com/webitel/quark/internal/domain/membership"
	"github.com/webitel/quark/internal/domain/placement"
	"github.com/webitel/quark/internal/domain/quarkerr"
	"github.com/webitel/quark/internal/domain/reminder"
	"github.com/webitel/quark/internal/domain/serverless"
	"github.com/webitel/quark/internal/domain/state"
	"github.com/webitel/quark/internal/domain/supervision"
	"github.com/webitel/quark/internal/domain/transport"
	"github.com/webitel/quark/internal/host"
)

// orderBehavior is a minimal pizza-order actor: "credit" loads its balance
// from the shared state store, adds the request amount, and saves it back
// under optimistic concurrency (§4.6), one turn at a time.
type orderBehavior struct {
	store state.Store
	id    string
}

func (b *orderBehavior) OnActivate(context.Context) error   { return nil }
func (b *orderBehavior) OnDeactivate(context.Context) error { return nil }

func (b *orderBehavior) HandleEnvelope(ctx context.Context, env *actor.Envelope) ([]byte, error) {
	switch env.Method {
	case "credit":
		amount, _ := strconv.Atoi(string(env.ArgsBlob))
		current, ok, err := b.store.LoadWithVersion(ctx, b.id, "balance")
		if err != nil {
			return nil, err
		}
		balance := 0
		var expected *int64
		if ok {
			balance, _ = strconv.Atoi(string(current.State))
			v := current.Version
			expected = &v
		}
		balance += amount
		if _, err := b.store.SaveWithVersion(ctx, b.id, "balance", []byte(strconv.Itoa(balance)), expected); err != nil {
			return nil, err
		}
		return []byte(strconv.Itoa(balance)), nil
	case "balance":
		current, ok, err := b.store.LoadWithVersion(ctx, b.id, "balance")
		if err != nil {
			return nil, err
		}
		if !ok {
			return []byte("0"), nil
		}
		return current.State, nil
	default:
		return []byte("ok"), nil
	}
}

func TestOrderLifecycleCreditAccumulatesAcrossInvokes(t *testing.T) {
	store := state.NewMemory()
	rt, err := host.New(host.Options{
		SiloID: "silo-1",
		Types: host.TypeRegistry{
			"Order": func(identity actor.Identity) (actor.Behavior, error) {
				return &orderBehavior{store: store, id: identity.ID}, nil
			},
		},
		Store: store,
	})
	require.NoError(t, err)
	defer rt.Stop(context.Background())

	identity, err := actor.New("Order", "o-1")
	require.NoError(t, err)

	_, err = rt.Invoke(context.Background(), identity, "credit", []byte("10"))
	require.NoError(t, err)
	result, err := rt.Invoke(context.Background(), identity, "credit", []byte("5"))
	require.NoError(t, err)
	assert.Equal(t, "15", string(result))

	result, err = rt.Invoke(context.Background(), identity, "balance", nil)
	require.NoError(t, err)
	assert.Equal(t, "15", string(result))
}

func TestConcurrentCreditsSerializeThroughTheMailboxWithoutLostUpdates(t *testing.T) {
	store := state.NewMemory()
	rt, err := host.New(host.Options{
		SiloID: "silo-1",
		Types: host.TypeRegistry{
			"Order": func(identity actor.Identity) (actor.Behavior, error) {
				return &orderBehavior{store: store, id: identity.ID}, nil
			},
		},
		Store: store,
	})
	require.NoError(t, err)
	defer rt.Stop(context.Background())

	identity, err := actor.New("Order", "o-concurrent")
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := rt.Invoke(context.Background(), identity, "credit", []byte("1")); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(0), failures.Load())
	result, err := rt.Invoke(context.Background(), identity, "balance", nil)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(n), string(result))
}

// flakyChildBehavior fails its first "work" turn, simulating a transient
// bug a restart clears; shared survives across activations so the test can
// observe the failure happened exactly once.
type flakyChildBehavior struct {
	shared *atomic.Int32
}

func (flakyChildBehavior) OnActivate(context.Context) error   { return nil }
func (flakyChildBehavior) OnDeactivate(context.Context) error { return nil }

func (b flakyChildBehavior) HandleEnvelope(_ context.Context, env *actor.Envelope) ([]byte, error) {
	if env.Method != "work" {
		return []byte("ok"), nil
	}
	if b.shared.Add(1) == 1 {
		return nil, errors.New("transient failure")
	}
	return []byte("done"), nil
}

// restartingParentBehavior always directs Restart for a failed child.
type restartingParentBehavior struct{}

func (restartingParentBehavior) OnActivate(context.Context) error   { return nil }
func (restartingParentBehavior) OnDeactivate(context.Context) error { return nil }
func (restartingParentBehavior) HandleEnvelope(context.Context, *actor.Envelope) ([]byte, error) {
	return []byte("ok"), nil
}
func (restartingParentBehavior) OnChildFailure(context.Context, actor.ChildFailureContext) actor.SupervisionDirective {
	return actor.Restart
}

func TestSupervisionRestartsFailedChildAndSucceedsAfterward(t *testing.T) {
	shared := &atomic.Int32{}
	rt, err := host.New(host.Options{
		SiloID: "silo-1",
		Types: host.TypeRegistry{
			"Parent": func(actor.Identity) (actor.Behavior, error) { return restartingParentBehavior{}, nil },
			"Child":  func(actor.Identity) (actor.Behavior, error) { return flakyChildBehavior{shared: shared}, nil },
		},
		SupervisionPolicy: supervision.DefaultPolicy,
		QuiesceDeadline:   20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer rt.Stop(context.Background())

	parentIdentity, err := actor.New("Parent", "p-1")
	require.NoError(t, err)
	childIdentity, err := actor.New("Child", "c-1")
	require.NoError(t, err)

	_, err = rt.Invoke(context.Background(), parentIdentity, "ping", nil)
	require.NoError(t, err)
	_, err = rt.Invoke(context.Background(), childIdentity, "ping", nil)
	require.NoError(t, err)

	parentAct, ok := rt.Directory.Lookup(parentIdentity)
	require.True(t, ok)
	childAct, ok := rt.Directory.Lookup(childIdentity)
	require.True(t, ok)
	rt.Directory.AddChild(parentAct, childAct)

	_, err = rt.Invoke(context.Background(), childIdentity, "work", nil)
	assert.Error(t, err)

	result, err := rt.Invoke(context.Background(), childIdentity, "work", nil)
	require.NoError(t, err)
	assert.Equal(t, "done", string(result))
	assert.Equal(t, int32(2), shared.Load())
}

// selfCallingBehavior makes a nested call back into its own activation from
// inside a turn, grounded on the propagated ChainID carried through ctx
// (§4.1 reentrancy): the "outer" turn never returns until the nested
// "inner" Invoke completes, so this only works without deadlocking when the
// mailbox recognizes the nested call as the same chain and interleaves it.
type selfCallingBehavior struct {
	invoke func(ctx context.Context) ([]byte, error)
}

func (selfCallingBehavior) OnActivate(context.Context) error   { return nil }
func (selfCallingBehavior) OnDeactivate(context.Context) error { return nil }
func (selfCallingBehavior) Reentrant() bool                    { return true }

func (b selfCallingBehavior) HandleEnvelope(ctx context.Context, env *actor.Envelope) ([]byte, error) {
	switch env.Method {
	case "outer":
		inner, err := b.invoke(ctx)
		if err != nil {
			return nil, err
		}
		return []byte("outer saw: " + string(inner)), nil
	case "inner":
		return []byte("inner-done"), nil
	default:
		return nil, nil
	}
}

func TestInvokeReentrantSelfCallDoesNotDeadlock(t *testing.T) {
	var rt *host.Runtime
	identity, err := actor.New("SelfCaller", "s-1")
	require.NoError(t, err)

	rt, err = host.New(host.Options{
		SiloID: "silo-1",
		Types: host.TypeRegistry{
			"SelfCaller": func(actor.Identity) (actor.Behavior, error) {
				return selfCallingBehavior{invoke: func(ctx context.Context) ([]byte, error) {
					return rt.Invoke(ctx, identity, "inner", nil)
				}}, nil
			},
		},
	})
	require.NoError(t, err)
	defer rt.Stop(context.Background())

	done := make(chan struct{})
	var result []byte
	go func() {
		result, err = rt.Invoke(context.Background(), identity, "outer", nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reentrant self-call deadlocked")
	}
	require.NoError(t, err)
	assert.Equal(t, "outer saw: inner-done", string(result))
}

// reminderActorBehavior records every reminder it receives.
type reminderActorBehavior struct {
	mu       sync.Mutex
	received []string
}

func (*reminderActorBehavior) OnActivate(context.Context) error   { return nil }
func (*reminderActorBehavior) OnDeactivate(context.Context) error { return nil }
func (*reminderActorBehavior) HandleEnvelope(context.Context, *actor.Envelope) ([]byte, error) {
	return nil, nil
}
func (b *reminderActorBehavior) ReceiveReminder(_ context.Context, name string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.received = append(b.received, name)
	return nil
}
func (b *reminderActorBehavior) names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.received))
	copy(out, b.received)
	return out
}

func TestReminderFiresThroughRuntimeThenActorDeactivates(t *testing.T) {
	behavior := &reminderActorBehavior{}
	reminders := reminder.NewMemory()

	rt, err := host.New(host.Options{
		SiloID: "silo-1",
		Types: host.TypeRegistry{
			"Task": func(actor.Identity) (actor.Behavior, error) { return behavior, nil },
		},
		Reminders:    reminders,
		ReminderTick: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	defer rt.Stop(context.Background())

	identity, err := actor.New("Task", "t-1")
	require.NoError(t, err)

	require.NoError(t, reminders.Register(context.Background(), reminder.Reminder{
		ActorType: "Task",
		ActorID:   identity.ID,
		Name:      "wake-up",
		DueTime:   time.Now().Add(-time.Second),
	}))

	rt.Start()
	require.Eventually(t, func() bool {
		return len(behavior.names()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"wake-up"}, behavior.names())

	// The one-shot reminder has fired and been unregistered; deactivating
	// the actor afterwards still succeeds.
	require.NoError(t, rt.Directory.Deactivate(context.Background(), identity, func(a *activation.Activation) {}))
}

func TestRuntimePlacementFallsBackToCPUWhenNumaSnapshotSourceIsEmpty(t *testing.T) {
	rt, err := host.New(host.Options{
		SiloID: "silo-1",
		Types:  host.TypeRegistry{},
		Placement: placement.Config{
			Numa: placement.NumaConfig{
				Enabled:           true,
				BalancedPlacement: true,
				NodeCPUThreshold:  80,
			},
			DefaultSiloKind: placement.FirstAvailable,
		},
	})
	require.NoError(t, err)
	defer rt.Stop(context.Background())

	decision, err := rt.Placement.Place(context.Background(), "Order", "o-1")
	require.NoError(t, err)
	assert.Equal(t, "silo-1", decision.SiloID)
	assert.False(t, decision.HasResource)
}

// TestInvokeRoutesThroughPlacementToTheOwningSilo exercises Pipeline.Place
// through a real activation rather than a direct Placement.Place call: two
// silos share membership and transport, placement's FirstAvailable strategy
// always resolves new identities to "silo-1" (lexicographically first), and
// silo-2's Invoke must discover that, forward the call over transport, and
// return the remote turn's result (§2: "the client locates a silo via the
// directory/placement"; §4.7 routing).
func TestInvokeRoutesThroughPlacementToTheOwningSilo(t *testing.T) {
	shared := transport.NewLocal()
	mem := membership.NewStatic(membership.Silo{SiloID: "silo-1"}, membership.Silo{SiloID: "silo-2"})
	types := host.TypeRegistry{
		"Greeter": func(identity actor.Identity) (actor.Behavior, error) {
			return greeterBehavior{}, nil
		},
	}
	placementCfg := placement.Config{DefaultSiloKind: placement.FirstAvailable}

	owner, err := host.New(host.Options{
		SiloID:     "silo-1",
		Types:      types,
		Membership: mem,
		Transport:  shared,
		Placement:  placementCfg,
	})
	require.NoError(t, err)
	defer owner.Stop(context.Background())

	caller, err := host.New(host.Options{
		SiloID:     "silo-2",
		Types:      types,
		Membership: mem,
		Transport:  shared,
		Placement:  placementCfg,
	})
	require.NoError(t, err)
	defer caller.Stop(context.Background())

	identity := actor.Identity{TypeName: "Greeter", ID: "g-1"}

	// Never activated on silo-2: Invoke must consult placement, discover the
	// identity belongs on silo-1, and route there instead of activating a
	// second, conflicting copy locally.
	result, err := caller.Invoke(context.Background(), identity, "greet", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello from silo-1", string(result))

	_, stillLocalOnCaller := caller.Directory.Lookup(identity)
	assert.False(t, stillLocalOnCaller)
	_, activatedOnOwner := owner.Directory.Lookup(identity)
	assert.True(t, activatedOnOwner)
}

type greeterBehavior struct{}

func (greeterBehavior) OnActivate(context.Context) error   { return nil }
func (greeterBehavior) OnDeactivate(context.Context) error { return nil }
func (greeterBehavior) HandleEnvelope(context.Context, *actor.Envelope) ([]byte, error) {
	return []byte("hello from silo-1"), nil
}

type idleBehavior struct{}

func (idleBehavior) OnActivate(context.Context) error   { return nil }
func (idleBehavior) OnDeactivate(context.Context) error { return nil }
func (idleBehavior) HandleEnvelope(context.Context, *actor.Envelope) ([]byte, error) {
	return []byte("ok"), nil
}

func TestServerlessSweepScalesToZeroRespectingFloor(t *testing.T) {
	rt, err := host.New(host.Options{
		SiloID: "silo-1",
		Types: host.TypeRegistry{
			"Worker": func(actor.Identity) (actor.Behavior, error) { return idleBehavior{}, nil },
		},
		Serverless: serverless.Config{
			Enabled:             true,
			IdleTimeout:         10 * time.Millisecond,
			CheckInterval:       5 * time.Millisecond,
			MinimumActiveActors: 1,
		},
	})
	require.NoError(t, err)
	defer rt.Stop(context.Background())

	for i := 0; i < 3; i++ {
		identity, err := actor.New("Worker", "w-"+strconv.Itoa(i))
		require.NoError(t, err)
		_, err = rt.Invoke(context.Background(), identity, "ping", nil)
		require.NoError(t, err)
	}
	require.Equal(t, 3, rt.Directory.Count())

	rt.Start()
	require.Eventually(t, func() bool { return rt.Directory.Count() == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, rt.Directory.Count())
}

func TestInvokeOnUnregisteredTypeFailsWithActorGone(t *testing.T) {
	rt, err := host.New(host.Options{SiloID: "silo-1", Types: host.TypeRegistry{}})
	require.NoError(t, err)
	defer rt.Stop(context.Background())

	identity, err := actor.New("Ghost", "g-1")
	require.NoError(t, err)

	_, err = rt.Invoke(context.Background(), identity, "ping", nil)
	require.Error(t, err)
	assert.True(t, quarkerr.Is(err, quarkerr.ActorGone))
}
