package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"github.com/webitel/quark/internal/domain/actor"
	"github.com/webitel/quark/internal/domain/quarkerr"
	"github.com/webitel/quark/internal/domain/transport"
)

// Config mirrors the client portion of §6 (Client.maxRetries, etc).
type Config struct {
	MaxRetries int // default 3

	// BaseDelay/Factor/Jitter parameterize the exponential backoff (§4.9:
	// "base 50ms, factor 2, jitter 20%").
	BaseDelay time.Duration
	Factor    float64
	Jitter    float64

	CallTimeout time.Duration // default 10s
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 50 * time.Millisecond
	}
	if c.Factor <= 0 {
		c.Factor = 2
	}
	if c.Jitter <= 0 {
		c.Jitter = 0.2
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	return c
}

// pendingCall is the correlation-map entry awaiting a response envelope
// (§4.9 "maintains a correlation map messageId -> pendingCompletion").
type pendingCall struct {
	resultCh chan *actor.Envelope
}

// Client is the typed cluster-client proxy's transport-facing core: it
// builds envelopes, resolves responses via the correlation map, and wraps
// every call in a circuit breaker plus exponential-backoff retry loop
// (§4.9), grounded on the teacher's infra/client/di "resilient contact
// client" module.
type Client struct {
	cfg        Config
	transport  transport.Transport
	converters *ConverterRegistry
	idGen      *actor.MessageIDGenerator
	selfSiloID string
	logger     *slog.Logger

	breaker *gobreaker.CircuitBreaker[*actor.Envelope]

	pending sync.Map // messageID (string) -> *pendingCall

	connected bool
	connMu    sync.Mutex
}

// New builds a Client. Connect must be called before any proxy method
// invocation; calls before connection fail with NotConnected (§4.9).
func New(cfg Config, t transport.Transport, converters *ConverterRegistry, idGen *actor.MessageIDGenerator, selfSiloID string, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if converters == nil {
		converters = NewConverterRegistry()
	}

	breakerSettings := gobreaker.Settings{
		Name: "quark-client-" + selfSiloID,
	}
	return &Client{
		cfg:        cfg,
		transport:  t,
		converters: converters,
		idGen:      idGen,
		selfSiloID: selfSiloID,
		logger:     logger,
		breaker:    gobreaker.NewCircuitBreaker[*actor.Envelope](breakerSettings),
	}
}

// Connect subscribes the client's own correlation-routed inbox and marks
// the proxy ready to issue calls.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.connected {
		return nil
	}
	if err := c.transport.Subscribe(ctx, c.selfSiloID, c.handleResponse); err != nil {
		return quarkerr.Wrap(quarkerr.TransportFailed, "client subscribe failed", err)
	}
	c.connected = true
	return nil
}

// Disconnect marks the proxy unusable; subsequent calls fail with
// NotConnected.
func (c *Client) Disconnect() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.connected = false
}

func (c *Client) isConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connected
}

// handleResponse resolves a correlation-map entry when the transport
// delivers a response envelope.
func (c *Client) handleResponse(_ context.Context, env *actor.Envelope) {
	if !env.IsResponse() {
		return
	}
	v, ok := c.pending.LoadAndDelete(env.CorrelationID)
	if !ok {
		return
	}
	pc := v.(*pendingCall)
	pc.resultCh <- env
}

// Call invokes method on destSiloID's copy of target, encoding args via the
// registered converter for (method, SlotArg) and decoding the response into
// reply via (method, SlotReturn). idempotent controls whether a
// transport-level failure is retried unconditionally or only when the
// envelope was never confirmed delivered (§4.9).
func (c *Client) Call(ctx context.Context, destSiloID string, target actor.Identity, method string, idempotent bool, args any, reply any) error {
	if !c.isConnected() {
		return quarkerr.New(quarkerr.NotConnected, "client not connected")
	}

	argsBlob, err := c.converters.For(method, SlotArg).Encode(args)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	backoffOpts := []backoff.RetryOption{
		backoff.WithBackOff(&backoff.ExponentialBackOff{
			InitialInterval:     c.cfg.BaseDelay,
			Multiplier:          c.cfg.Factor,
			RandomizationFactor: c.cfg.Jitter,
			MaxInterval:         c.cfg.BaseDelay * 100,
		}),
		backoff.WithMaxTries(uint(c.cfg.MaxRetries) + 1), // first attempt plus MaxRetries retries
	}

	resp, err := backoff.Retry(callCtx, func() (*actor.Envelope, error) {
		delivered, env, sendErr := c.attempt(callCtx, destSiloID, target, method, argsBlob)
		if sendErr == nil {
			return env, nil
		}
		if !idempotent && delivered {
			// Confirmed delivered but no response arrived in time: do not
			// retry a non-idempotent call that may already have applied
			// its side effect (§4.9).
			return nil, backoff.Permanent(sendErr)
		}
		return nil, sendErr
	}, backoffOpts...)
	if err != nil {
		return quarkerr.Wrap(quarkerr.TransportFailed, "call failed after retries", err)
	}

	if resp.Err != nil {
		return resp.Err
	}
	if reply != nil {
		return c.converters.For(method, SlotReturn).Decode(resp.ResultBlob, reply)
	}
	return nil
}

// attempt sends one envelope and awaits its response, reporting whether the
// transport confirmed delivery (as opposed to failing before the send
// completed).
func (c *Client) attempt(ctx context.Context, destSiloID string, target actor.Identity, method string, argsBlob []byte) (delivered bool, resp *actor.Envelope, err error) {
	env := &actor.Envelope{
		MessageID: c.idGen.Next(),
		Target:    target,
		Method:    method,
		ArgsBlob:  argsBlob,
		Headers:   map[string]string{"replySilo": c.selfSiloID},
	}

	resultCh := make(chan *actor.Envelope, 1)
	c.pending.Store(env.MessageID, &pendingCall{resultCh: resultCh})
	defer c.pending.Delete(env.MessageID)

	_, err = c.breaker.Execute(func() (*actor.Envelope, error) {
		if sendErr := c.transport.Send(ctx, destSiloID, env); sendErr != nil {
			return nil, quarkerr.Wrap(quarkerr.TransportFailed, "send failed", sendErr)
		}
		return nil, nil
	})
	if err != nil {
		return false, nil, err
	}

	select {
	case resp = <-resultCh:
		return true, resp, nil
	case <-ctx.Done():
		return true, nil, quarkerr.Wrap(quarkerr.DeadlineExceeded, "call timed out awaiting response", ctx.Err())
	}
}
