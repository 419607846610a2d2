package reminder

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/webitel/quark/internal/domain/activation"
	"github.com/webitel/quark/internal/domain/actor"
	"github.com/webitel/quark/internal/domain/membership"
)

// ReceiveReminderMethod is the well-known Behavior method invoked when a
// reminder fires (§4.5: "delivers it to the target actor via the normal
// turn/behavior mechanism, as a receiveReminder invocation").
const ReceiveReminderMethod = "receiveReminder"

// ReceiveReminderArgs is the ArgsBlob payload (JSON-encoded) carried by a
// receiveReminder envelope.
type ReceiveReminderArgs struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// Config mirrors the reminder-service portion of §6.
type Config struct {
	TickInterval time.Duration
}

// Service is the single per-silo background loop that polls the Table for
// reminders this silo owns and delivers each due one as a normal envelope
// (§4.5). It mirrors serverless.Controller's ticker-driven sweep shape.
type Service struct {
	cfg        Config
	table      Table
	directory  *activation.Directory
	membership membership.Directory
	dispatch   activation.Dispatcher
	idGen      *actor.MessageIDGenerator
	siloID     string
	logger     *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a reminder Service. dispatch is the same Dispatcher the host
// wires into activation.Directory.GetOrActivate elsewhere, so a reminder
// delivery activates the target exactly like any other invocation.
func New(cfg Config, table Table, dir *activation.Directory, mem membership.Directory, dispatch activation.Dispatcher, idGen *actor.MessageIDGenerator, siloID string, logger *slog.Logger) *Service {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:        cfg,
		table:      table,
		directory:  dir,
		membership: mem,
		dispatch:   dispatch,
		idGen:      idGen,
		siloID:     siloID,
		logger:     logger,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start runs the polling loop in its own goroutine.
func (s *Service) Start() { go s.run() }

// Stop terminates the polling loop and waits for it to exit.
func (s *Service) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Service) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Service) tick() {
	ctx := context.Background()

	silos, err := s.membership.ActiveSilos(ctx)
	if err != nil {
		s.logger.Warn("REMINDER_ROSTER_UNAVAILABLE", "err", err)
		return
	}
	roster := make([]string, 0, len(silos))
	for _, silo := range silos {
		roster = append(roster, silo.SiloID)
	}

	due, err := s.table.GetDueRemindersForSilo(ctx, s.siloID, time.Now(), roster)
	if err != nil {
		s.logger.Warn("REMINDER_QUERY_FAILED", "err", err)
		return
	}

	for _, r := range due {
		s.fire(ctx, r)
	}
}

func (s *Service) fire(ctx context.Context, r Reminder) {
	identity, err := actor.New(r.ActorType, r.ActorID)
	if err != nil {
		s.logger.Error("REMINDER_BAD_IDENTITY", "actorType", r.ActorType, "actorID", r.ActorID, "err", err)
		return
	}

	a, err := s.directory.GetOrActivate(ctx, identity, s.dispatch)
	if err != nil {
		s.logger.Error("REMINDER_ACTIVATE_FAILED", "identity", identity.Key(), "name", r.Name, "err", err)
		return
	}

	argsBlob, err := json.Marshal(ReceiveReminderArgs{Name: r.Name, Data: r.Data})
	if err != nil {
		s.logger.Error("REMINDER_ENCODE_FAILED", "identity", identity.Key(), "name", r.Name, "err", err)
		return
	}

	env := &actor.Envelope{
		MessageID: s.idGen.Next(),
		Target:    identity,
		Method:    ReceiveReminderMethod,
		ArgsBlob:  argsBlob,
	}
	if err := a.Mailbox.Post(env); err != nil {
		s.logger.Error("REMINDER_POST_FAILED", "identity", identity.Key(), "name", r.Name, "err", err)
		return
	}

	now := time.Now()
	if !r.Recurring() {
		if err := s.table.Unregister(ctx, r.ActorID, r.Name); err != nil {
			s.logger.Error("REMINDER_UNREGISTER_FAILED", "identity", identity.Key(), "name", r.Name, "err", err)
		}
		return
	}

	next := r.NextFireTime.Add(r.Period)
	for !next.After(now) {
		next = next.Add(r.Period)
	}
	if err := s.table.UpdateFireTime(ctx, r.ActorID, r.Name, now, next); err != nil {
		s.logger.Error("REMINDER_REARM_FAILED", "identity", identity.Key(), "name", r.Name, "err", err)
	}
}
