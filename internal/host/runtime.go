// Package host composes every domain package into the single Runtime value
// a silo process runs (§9 design note: "one Runtime value, not a
// process-wide singleton"). It owns the activation directory, supervision,
// placement, the serverless sweeper, the reminder service, and the
// transport/membership/client glue described in §6.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/webitel/quark/internal/domain/actor"
	"github.com/webitel/quark/internal/domain/activation"
	"github.com/webitel/quark/internal/domain/membership"
	"github.com/webitel/quark/internal/domain/placement"
	"github.com/webitel/quark/internal/domain/quarkerr"
	"github.com/webitel/quark/internal/domain/reminder"
	"github.com/webitel/quark/internal/domain/serverless"
	"github.com/webitel/quark/internal/domain/state"
	"github.com/webitel/quark/internal/domain/supervision"
	"github.com/webitel/quark/internal/domain/transport"
)

// TypeRegistry maps an actor type name to the Factory that constructs its
// Behavior, letting one activation.Directory host every registered type.
type TypeRegistry map[string]activation.Factory

func (r TypeRegistry) factory(identity actor.Identity) (actor.Behavior, error) {
	f, ok := r[identity.TypeName]
	if !ok {
		return nil, quarkerr.New(quarkerr.ActorGone, "no factory registered for type "+identity.TypeName)
	}
	return f(identity)
}

// Options configures a Runtime. Callers typically leave Store/Reminders/
// Membership/Transport nil to get the in-memory/in-process reference
// implementations used by single-silo hosts and tests.
type Options struct {
	SiloID          string
	Logger          *slog.Logger
	Types           TypeRegistry
	MailboxSize     int
	QuiesceDeadline time.Duration

	Store      state.Store
	Reminders  reminder.Table
	Membership membership.Directory
	Transport  transport.Transport
	Placement  placement.Config

	SupervisionPolicy supervision.Policy
	Serverless        serverless.Config
	ReminderTick      time.Duration
}

// Runtime is the composed, single-process actor host.
type Runtime struct {
	siloID string
	logger *slog.Logger

	Directory  *activation.Directory
	Supervisor *supervision.Supervisor
	Store      state.Store
	Reminders  reminder.Table
	Membership membership.Directory
	Transport  transport.Transport
	Placement  *placement.Pipeline

	reminderSvc *reminder.Service
	serverless  *serverless.Controller

	idGen *actor.MessageIDGenerator

	pending sync.Map // MessageID (string) -> chan *actor.Envelope
}

// New composes a Runtime from opts. It does not start background loops;
// call Start for that (§6 process-wide-state init order).
func New(opts Options) (*Runtime, error) {
	if opts.SiloID == "" {
		opts.SiloID = string(actor.NewSiloID())
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Store == nil {
		opts.Store = state.NewMemory()
	}
	if opts.Reminders == nil {
		opts.Reminders = reminder.NewMemory()
	}
	if opts.Membership == nil {
		opts.Membership = membership.NewStatic(membership.Silo{SiloID: opts.SiloID})
	}
	if opts.Transport == nil {
		opts.Transport = transport.NewLocal()
	}

	rt := &Runtime{
		siloID:     opts.SiloID,
		logger:     logger,
		Store:      opts.Store,
		Reminders:  opts.Reminders,
		Membership: opts.Membership,
		Transport:  opts.Transport,
		idGen:      actor.NewMessageIDGenerator(actor.SiloID(opts.SiloID)),
	}

	snapshotSource := placement.SnapshotSource(noopSnapshotSource{})
	rt.Placement = placement.New(opts.Placement, rt.Membership, snapshotSource)

	rt.Directory = activation.New(activation.Options{
		Host:            opts.SiloID,
		Logger:          logger,
		Factory:         opts.Types.factory,
		MailboxSize:     opts.MailboxSize,
		QuiesceDeadline: opts.QuiesceDeadline,
		Placer:          rt.Placement,
	})

	rt.Supervisor = supervision.New(rt.Directory, rt.reactivate, opts.SupervisionPolicy, logger, rt.onFatalEscalation)

	rt.serverless = serverless.New(opts.Serverless, rt.Directory, logger)

	rt.reminderSvc = reminder.New(
		reminder.Config{TickInterval: opts.ReminderTick},
		rt.Reminders,
		rt.Directory,
		rt.Membership,
		rt.dispatch,
		rt.idGen,
		opts.SiloID,
		logger,
	)

	if err := rt.Transport.Subscribe(context.Background(), opts.SiloID, rt.handleInbound); err != nil {
		return nil, quarkerr.Wrap(quarkerr.TransportFailed, "runtime transport subscribe failed", err)
	}

	return rt, nil
}

// SiloID returns this process's silo identifier.
func (rt *Runtime) SiloID() string { return rt.siloID }

// Start begins the background sweeper and reminder service (§6 init order:
// "... → start reminder service → start serverless sweeper → announce to
// membership").
func (rt *Runtime) Start() {
	rt.reminderSvc.Start()
	rt.serverless.Start()
}

// Stop runs the §6 teardown order: stop sweeper and reminder service →
// quiesce all activations → close transport. Membership de-announcement is
// the caller's responsibility (it owns the Announce/Register call this
// Runtime never makes for itself, since static and Consul rosters are
// populated externally).
func (rt *Runtime) Stop(ctx context.Context) error {
	rt.serverless.Stop()
	rt.reminderSvc.Stop()

	for _, a := range rt.Directory.Snapshot() {
		if err := rt.Directory.Deactivate(ctx, a.Identity, func(deactivated *activation.Activation) {
			rt.Placement.OnDeactivate(deactivated.Identity.ID)
		}); err != nil {
			rt.logger.Error("SHUTDOWN_DEACTIVATE_FAILED", "identity", a.Identity.Key(), "err", err)
		}
	}

	return rt.Transport.Close()
}

// Invoke activates (if needed) and calls method on identity, waiting for
// the turn's result. It is the local entry point every typed proxy method
// ultimately reaches once the client resolves which silo owns identity.
func (rt *Runtime) Invoke(ctx context.Context, identity actor.Identity, method string, argsBlob []byte) ([]byte, error) {
	a, err := rt.Directory.GetOrActivate(ctx, identity, rt.dispatch)
	if err != nil {
		if quarkerr.Is(err, quarkerr.NotLocal) {
			detail, _ := err.(*quarkerr.Error).Detail.(quarkerr.NotLocalDetail)
			return rt.invokeRemote(ctx, detail.SiloID, identity, method, argsBlob)
		}
		return nil, err
	}

	env := &actor.Envelope{
		MessageID: rt.idGen.Next(),
		Target:    identity,
		Method:    method,
		ArgsBlob:  argsBlob,
	}
	// A call nested inside an already-running turn for this chain carries
	// the same ChainID forward; a fresh top-level call roots a new chain at
	// its own MessageID (§4.1 reentrancy).
	if chainID, ok := actor.ChainIDFromContext(ctx); ok {
		env.ChainID = chainID
	} else {
		env.ChainID = env.MessageID
	}

	resultCh := make(chan *actor.Envelope, 1)
	rt.pending.Store(env.MessageID, resultCh)
	defer rt.pending.Delete(env.MessageID)

	if err := a.Dispatch(env); err != nil {
		return nil, err
	}

	select {
	case resp := <-resultCh:
		return resp.ResultBlob, resp.Err
	case <-ctx.Done():
		return nil, quarkerr.Wrap(quarkerr.DeadlineExceeded, "invoke cancelled awaiting result", ctx.Err())
	}
}

// invokeRemote forwards a call to the silo placement resolved instead of
// this one, reusing the same correlation-map wait as a local Invoke (§4.7/
// §2: "the client locates a silo via the directory/placement" — a Directory
// that discovers mid-activation that the identity belongs elsewhere routes
// the call on rather than failing the caller).
func (rt *Runtime) invokeRemote(ctx context.Context, destSiloID string, identity actor.Identity, method string, argsBlob []byte) ([]byte, error) {
	env := &actor.Envelope{
		MessageID: rt.idGen.Next(),
		Target:    identity,
		Method:    method,
		ArgsBlob:  argsBlob,
		Headers:   map[string]string{"replySilo": rt.siloID},
	}

	resultCh := make(chan *actor.Envelope, 1)
	rt.pending.Store(env.MessageID, resultCh)
	defer rt.pending.Delete(env.MessageID)

	if err := rt.Transport.Send(ctx, destSiloID, env); err != nil {
		return nil, quarkerr.Wrap(quarkerr.TransportFailed, "remote invoke send failed", err)
	}

	select {
	case resp := <-resultCh:
		return resp.ResultBlob, resp.Err
	case <-ctx.Done():
		return nil, quarkerr.Wrap(quarkerr.DeadlineExceeded, "invoke cancelled awaiting remote result", ctx.Err())
	}
}

// dispatch is the activation.Dispatcher bound to every activation this
// Runtime creates: it runs one turn against the Behavior, routes failures
// to supervision, and resolves whichever completion (local Invoke or
// inbound transport call) is awaiting this envelope's response.
func (rt *Runtime) dispatch(ctx context.Context, a *activation.Activation, env *actor.Envelope) {
	resultBlob, err := rt.runTurn(ctx, a, env)

	if err != nil {
		if parent := a.Parent(); parent != nil {
			rt.Supervisor.HandleFailure(ctx, parent, a, err)
		} else {
			rt.logger.Error("ROOT_TURN_FAILED", "identity", a.Identity.Key(), "err", err)
		}
	}

	rt.resolve(env.MessageID, &actor.Envelope{
		CorrelationID: env.MessageID,
		Target:        env.Target,
		ResultBlob:    resultBlob,
		Err:           err,
	})
}

func (rt *Runtime) runTurn(ctx context.Context, a *activation.Activation, env *actor.Envelope) ([]byte, error) {
	if env.Deadline != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, *env.Deadline)
		defer cancel()
	}

	if env.Method == reminder.ReceiveReminderMethod {
		return nil, rt.dispatchReminder(ctx, a, env)
	}
	return a.Behavior().HandleEnvelope(ctx, env)
}

func (rt *Runtime) dispatchReminder(ctx context.Context, a *activation.Activation, env *actor.Envelope) error {
	aware, ok := a.Behavior().(actor.ReminderAware)
	if !ok {
		return quarkerr.New(quarkerr.ActorGone, fmt.Sprintf("%s does not implement ReminderAware", a.Identity.Key()))
	}
	var args reminder.ReceiveReminderArgs
	if err := json.Unmarshal(env.ArgsBlob, &args); err != nil {
		return quarkerr.Wrap(quarkerr.TransportFailed, "reminder args decode failed", err)
	}
	// Reminder callback failures are caught and logged; the reminder stays
	// scheduled (§7) — the error is intentionally swallowed here rather than
	// propagated to supervision, since a reminder firing is not a
	// caller-initiated turn.
	if err := aware.ReceiveReminder(ctx, args.Name, args.Data); err != nil {
		rt.logger.Error("REMINDER_CALLBACK_FAILED", "identity", a.Identity.Key(), "name", args.Name, "err", err)
	}
	return nil
}

func (rt *Runtime) resolve(messageID string, resp *actor.Envelope) {
	v, ok := rt.pending.LoadAndDelete(messageID)
	if !ok {
		return
	}
	ch := v.(chan *actor.Envelope)
	ch <- resp
}

// handleInbound is the transport.Handler for envelopes this silo receives
// from a remote client or silo.
func (rt *Runtime) handleInbound(ctx context.Context, env *actor.Envelope) {
	if env.IsResponse() {
		rt.resolve(env.CorrelationID, env)
		return
	}

	resultBlob, err := rt.Invoke(ctx, env.Target, env.Method, env.ArgsBlob)

	replySilo := env.Headers["replySilo"]
	if replySilo == "" {
		return
	}
	respEnv := &actor.Envelope{
		CorrelationID: env.MessageID,
		Target:        env.Target,
		ResultBlob:    resultBlob,
		Err:           err,
	}
	if env.Sender != nil {
		respEnv.Target = *env.Sender
	}
	if sendErr := rt.Transport.Send(ctx, replySilo, respEnv); sendErr != nil {
		rt.logger.Error("INBOUND_RESPONSE_SEND_FAILED", "target", env.Target.Key(), "err", sendErr)
	}
}

// reactivate is the supervision.Reactivator: it simply re-runs the normal
// get-or-activate path, since Deactivate already removed the old entry.
func (rt *Runtime) reactivate(ctx context.Context, identity actor.Identity) (*activation.Activation, error) {
	return rt.Directory.GetOrActivate(ctx, identity, rt.dispatch)
}

func (rt *Runtime) onFatalEscalation(identity actor.Identity, err error) {
	rt.logger.Error("SUPERVISION_ESCALATED_TO_HOST", "identity", identity.Key(), "err", err)
}

// noopSnapshotSource is the placement.SnapshotSource every Runtime uses. It
// reports no NUMA nodes and no GPU devices, so with Placement.Numa.Enabled
// or Placement.Gpu.Enabled set, resource placement finds no candidate and
// either falls back to CPU placement or fails with NoCapacity, as
// configured.
type noopSnapshotSource struct{}

func (noopSnapshotSource) NumaSnapshots(context.Context) ([]placement.NumaNodeInfo, error) {
	return nil, nil
}

func (noopSnapshotSource) GpuSnapshots(context.Context) ([]placement.GpuDeviceInfo, error) {
	return nil, nil
}
