// Package serverless implements the idle-activation sweeper described in
// spec §4.8, generalizing the teacher's registry.Hub eviction ticker from
// "reap idle user cells" to "deactivate idle actor activations subject to
// a floor count."
package serverless

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/webitel/quark/internal/domain/activation"
)

// Config mirrors §6 Serverless.
type Config struct {
	Enabled             bool
	IdleTimeout         time.Duration
	CheckInterval       time.Duration
	MinimumActiveActors int
}

// Controller is the single background sweeper per silo (§4.8).
type Controller struct {
	cfg       Config
	directory *activation.Directory
	logger    *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Controller. Call Start to begin sweeping.
func New(cfg Config, dir *activation.Directory, logger *slog.Logger) *Controller {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:       cfg,
		directory: dir,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the sweep loop in its own goroutine. No-op if the controller
// is disabled.
func (c *Controller) Start() {
	if !c.cfg.Enabled {
		close(c.doneCh)
		return
	}
	go c.run()
}

// Stop terminates the sweep loop and waits for it to exit.
func (c *Controller) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Controller) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep deactivates every activation idle longer than IdleTimeout, unless
// doing so would drop below MinimumActiveActors globally (§4.8, §8
// invariant 7).
func (c *Controller) sweep() {
	snapshot := c.directory.Snapshot()
	live := len(snapshot)
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].LastActivity().Before(snapshot[j].LastActivity())
	})

	reaped := 0
	for _, a := range snapshot {
		if live-reaped <= c.cfg.MinimumActiveActors {
			break
		}
		if time.Since(a.LastActivity()) <= c.cfg.IdleTimeout {
			continue
		}
		if err := c.directory.Deactivate(context.Background(), a.Identity, nil); err != nil {
			c.logger.Warn("SWEEP_DEACTIVATE_FAILED", "identity", a.Identity.Key(), "err", err)
			continue
		}
		reaped++
	}

	if reaped > 0 {
		c.logger.Info("SERVERLESS_SWEEP", "reaped", reaped, "remaining", live-reaped)
	}
}
