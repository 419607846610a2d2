package reminder_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webitel/quark/internal/domain/activation"
	"github.com/webitel/quark/internal/domain/actor"
	"github.com/webitel/quark/internal/domain/membership"
	"github.com/webitel/quark/internal/domain/reminder"
)

type capturingBehavior struct{}

func (capturingBehavior) OnActivate(context.Context) error   { return nil }
func (capturingBehavior) OnDeactivate(context.Context) error { return nil }
func (capturingBehavior) HandleEnvelope(context.Context, *actor.Envelope) ([]byte, error) {
	return nil, nil
}

func TestServiceFiresOneShotReminderThenUnregisters(t *testing.T) {
	table := reminder.NewMemory()
	ctx := context.Background()
	require.NoError(t, table.Register(ctx, reminder.Reminder{
		ActorType: "Order",
		ActorID:   "o-1",
		Name:      "nudge",
		DueTime:   time.Now().Add(-time.Second),
		Data:      []byte(`"hi"`),
	}))

	dir := activation.New(activation.Options{
		Host:            "silo-a",
		Factory:         func(actor.Identity) (actor.Behavior, error) { return capturingBehavior{}, nil },
		QuiesceDeadline: 200 * time.Millisecond,
	})

	var mu sync.Mutex
	var received []*actor.Envelope
	dispatch := func(_ context.Context, _ *activation.Activation, env *actor.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, env)
	}

	mem := membership.NewStatic(membership.Silo{SiloID: "silo-a"})
	idGen := actor.NewMessageIDGenerator(actor.NewSiloID())

	svc := reminder.New(reminder.Config{TickInterval: 5 * time.Millisecond}, table, dir, mem, dispatch, idGen, "silo-a", nil)
	svc.Start()
	defer svc.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	env := received[0]
	mu.Unlock()
	assert.Equal(t, reminder.ReceiveReminderMethod, env.Method)

	var args reminder.ReceiveReminderArgs
	require.NoError(t, json.Unmarshal(env.ArgsBlob, &args))
	assert.Equal(t, "nudge", args.Name)

	remaining, err := table.GetRemindersForActor(ctx, "o-1")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestServiceFiresRecurringReminderMultipleTimesAndRearms(t *testing.T) {
	table := reminder.NewMemory()
	ctx := context.Background()
	require.NoError(t, table.Register(ctx, reminder.Reminder{
		ActorType: "Order",
		ActorID:   "o-1",
		Name:      "heartbeat",
		DueTime:   time.Now().Add(-time.Second),
		Period:    10 * time.Millisecond,
	}))

	dir := activation.New(activation.Options{
		Host:            "silo-a",
		Factory:         func(actor.Identity) (actor.Behavior, error) { return capturingBehavior{}, nil },
		QuiesceDeadline: 200 * time.Millisecond,
	})

	var mu sync.Mutex
	count := 0
	dispatch := func(_ context.Context, _ *activation.Activation, _ *actor.Envelope) {
		mu.Lock()
		count++
		mu.Unlock()
	}

	mem := membership.NewStatic(membership.Silo{SiloID: "silo-a"})
	idGen := actor.NewMessageIDGenerator(actor.NewSiloID())

	svc := reminder.New(reminder.Config{TickInterval: 5 * time.Millisecond}, table, dir, mem, dispatch, idGen, "silo-a", nil)
	svc.Start()
	defer svc.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 2
	}, time.Second, 5*time.Millisecond)

	remaining, err := table.GetRemindersForActor(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
}
