package cmd

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/fx"

	"github.com/webitel/quark/config"
	"github.com/webitel/quark/infra/httpapi"
	"github.com/webitel/quark/internal/domain/membership"
	"github.com/webitel/quark/internal/domain/placement"
	"github.com/webitel/quark/internal/domain/serverless"
	"github.com/webitel/quark/internal/domain/supervision"
	"github.com/webitel/quark/internal/domain/transport"
	"github.com/webitel/quark/internal/host"
)

// Types is the host process's registry of actor-type factories. Deployment
// binaries built on top of this module supply their own by constructing
// NewApp with a different registry; this one is intentionally empty,
// since the kernel itself declares no domain actor types.
var Types = host.TypeRegistry{}

// NewApp builds the fx.App wiring configuration, transport, membership,
// the Runtime, and the HTTP introspection surface, mirroring the teacher's
// cmd/fx.go composition shape.
func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			provideMembership,
			provideTransport,
			provideRuntime,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideMembership(cfg *config.Config) membership.Directory {
	if cfg.ConsulAddr == "" {
		return membership.NewStatic(membership.Silo{SiloID: cfg.SiloID})
	}
	c, err := membership.NewConsul(cfg.ConsulAddr, "quark-silo")
	if err != nil {
		return membership.NewStatic(membership.Silo{SiloID: cfg.SiloID})
	}
	return c
}

func provideTransport(cfg *config.Config) (transport.Transport, error) {
	if cfg.AmqpURI == "" {
		return transport.NewLocal(), nil
	}
	return transport.NewWatermill(cfg.AmqpURI, nil)
}

func provideRuntime(cfg *config.Config, mem membership.Directory, t transport.Transport, logger *slog.Logger) (*host.Runtime, error) {
	return host.New(host.Options{
		SiloID:      cfg.SiloID,
		Logger:      logger,
		Types:       Types,
		Membership:  mem,
		Transport:   t,
		Placement: placement.Config{
			Numa: placement.NumaConfig{
				Enabled:                       cfg.Placement.Numa.Enabled,
				BalancedPlacement:             cfg.Placement.Numa.BalancedPlacement,
				NodeCPUThreshold:              cfg.Placement.Numa.NodeCPUThreshold,
				NodeMemoryThreshold:           cfg.Placement.Numa.NodeMemoryThreshold,
				MetricsRefreshIntervalSeconds: cfg.Placement.Numa.MetricsRefreshIntervalSeconds,
				AffinityGroups:                cfg.Placement.Numa.AffinityGroups,
			},
			Gpu: placement.GpuConfig{
				Enabled:                  cfg.Placement.Gpu.Enabled,
				Backend:                  placement.Backend(cfg.Placement.Gpu.Backend),
				DeviceSelectionStrategy:  placement.StrategyKind(cfg.Placement.Gpu.DeviceSelectionStrategy),
				AcceleratedActorTypes:    cfg.Placement.Gpu.AcceleratedActorTypes,
				AllowCPUFallback:         cfg.Placement.Gpu.AllowCPUFallback,
				MaxGpuComputeUtilization: cfg.Placement.Gpu.MaxGpuComputeUtilization,
				MaxGpuMemoryUtilization:  cfg.Placement.Gpu.MaxGpuMemoryUtilization,
			},
		},
		SupervisionPolicy: supervision.Policy{
			RestartWindow:    secondsToDuration(cfg.Supervision.RestartWindowSeconds),
			RestartThreshold: cfg.Supervision.RestartThreshold,
		},
		Serverless: serverless.Config{
			Enabled:             cfg.Serverless.Enabled,
			IdleTimeout:         secondsToDuration(cfg.Serverless.IdleTimeoutSeconds),
			CheckInterval:       secondsToDuration(cfg.Serverless.CheckIntervalSeconds),
			MinimumActiveActors: cfg.Serverless.MinimumActiveActors,
		},
	})
}

func registerLifecycle(lc fx.Lifecycle, rt *host.Runtime, logger *slog.Logger) {
	httpServer := httpapi.New(":8090", rt.SiloID(), rt.Directory)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			rt.Start()
			httpServer.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := httpServer.Stop(ctx); err != nil {
				logger.Error("HTTP_SHUTDOWN_FAILED", "err", err)
			}
			return rt.Stop(ctx)
		},
	})
}

func secondsToDuration(s int) time.Duration { return time.Duration(s) * time.Second }
