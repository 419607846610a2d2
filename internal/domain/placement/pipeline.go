package placement

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/webitel/quark/internal/domain/membership"
	"github.com/webitel/quark/internal/domain/quarkerr"
)

// NumaConfig mirrors §6 Placement.Numa.
type NumaConfig struct {
	Enabled                      bool
	BalancedPlacement            bool
	NodeCPUThreshold             float64
	NodeMemoryThreshold          float64
	MetricsRefreshIntervalSeconds int
	AffinityGroups               AffinityGroups
}

// GpuConfig mirrors §6 Placement.Gpu.
type GpuConfig struct {
	Enabled                   bool
	Backend                   Backend
	DeviceSelectionStrategy   StrategyKind
	AcceleratedActorTypes     []string
	AllowCPUFallback          bool
	MaxGpuComputeUtilization  float64
	MaxGpuMemoryUtilization   float64
}

// Config bundles both resource-affinity sub-configs plus which strategy
// drives plain silo selection when no resource affinity applies.
type Config struct {
	Numa           NumaConfig
	Gpu            GpuConfig
	DefaultSiloKind StrategyKind
}

// assignment is what the in-memory, per-silo mapping table records: which
// resource an actor landed on, so deactivation can decrement counters
// (§4.7: "the mapping table is in-memory per silo; it is not authoritative
// across silos").
type assignment struct {
	siloID     string
	resourceID int
	isGpu      bool
}

// Pipeline implements §4.7: affinity check, then strategy selection, then
// CPU fallback.
type Pipeline struct {
	cfg        Config
	membership membership.Directory
	numaCache  *snapshotCache
	gpuCache   *snapshotCache

	numaStrategy Strategy
	gpuStrategy  Strategy

	// assignments records (actor -> resource) for each resource placement;
	// OnDeactivate removes the actor's entry. Bounded LRU keeps memory flat under
	// high activation churn (grounded on the teacher's LRU-cache-aside
	// pattern in internal/service/peer_enricher.go).
	assignments *lru.Cache[string, assignment]

	affinityPlacements map[string]string // affinity group -> silo id of the first NUMA placement
}

// New builds a Pipeline. source provides live NUMA/GPU snapshots; dir is
// the cluster membership roster used when no resource affinity narrows the
// candidate set to a single silo's local resources.
func New(cfg Config, dir membership.Directory, source SnapshotSource) *Pipeline {
	refresh := time.Duration(cfg.Numa.MetricsRefreshIntervalSeconds) * time.Second
	if refresh <= 0 {
		refresh = 10 * time.Second
	}
	assignments, _ := lru.New[string, assignment](100_000)
	return &Pipeline{
		cfg:                 cfg,
		membership:          dir,
		numaCache:           newSnapshotCache(source, refresh),
		gpuCache:            newSnapshotCache(source, refresh),
		numaStrategy:        NewLeastUtilized(),
		gpuStrategy:         NewStrategy(cfg.Gpu.DeviceSelectionStrategy),
		assignments:         assignments,
		affinityPlacements: make(map[string]string),
	}
}

// Place runs the pipeline for a newly-activating identity, returning the
// chosen silo (and resource, if one was selected).
func (p *Pipeline) Place(ctx context.Context, actorType, actorID string) (Decision, error) {
	// (1) Affinity check: if the type belongs to an affinity group already
	// placed, co-locate on that node's silo. The returned decision carries
	// no resource: the NUMA node chosen for the group is not reused.
	if p.cfg.Numa.Enabled {
		if group, ok := p.cfg.Numa.AffinityGroups.GroupFor(actorType); ok {
			if siloID, placed := p.affinityPlacements[group]; placed {
				return Decision{SiloID: siloID}, nil
			}
		}
	}

	useGpu := p.cfg.Gpu.Enabled && containsString(p.cfg.Gpu.AcceleratedActorTypes, actorType)

	if useGpu {
		decision, err := p.placeGpu(ctx, actorType, actorID)
		if err == nil {
			return decision, nil
		}
		if !p.cfg.Gpu.AllowCPUFallback {
			return Decision{}, err
		}
		// (3) fallback: drop the resource affinity and retry on plain CPU
		// silo selection.
	} else if p.cfg.Numa.Enabled {
		decision, err := p.placeNuma(ctx, actorType, actorID)
		if err == nil {
			return decision, nil
		}
		if !p.cfg.Numa.BalancedPlacement {
			return Decision{}, err
		}
	}

	return p.placeCPU(ctx)
}

func (p *Pipeline) placeNuma(ctx context.Context, actorType, actorID string) (Decision, error) {
	if err := p.numaCache.refresh(ctx); err != nil {
		return Decision{}, quarkerr.Wrap(quarkerr.NoCapacity, "numa snapshot refresh failed", err)
	}
	candidates := numaToCandidates(p.numaCache.numaSnapshot(), p.cfg.Numa.NodeCPUThreshold)
	chosen, err := p.numaStrategy.Select(candidates)
	if err != nil {
		return Decision{}, err
	}

	p.recordAssignment(actorID, chosen.SiloID, chosen.ResourceID, false)
	if group, ok := p.cfg.Numa.AffinityGroups.GroupFor(actorType); ok {
		p.affinityPlacements[group] = chosen.SiloID
	}
	return Decision{SiloID: chosen.SiloID, ResourceID: chosen.ResourceID, HasResource: true}, nil
}

func (p *Pipeline) placeGpu(ctx context.Context, actorType, actorID string) (Decision, error) {
	if err := p.gpuCache.refresh(ctx); err != nil {
		return Decision{}, quarkerr.Wrap(quarkerr.NoCapacity, "gpu snapshot refresh failed", err)
	}
	candidates := gpuToCandidates(p.gpuCache.gpuSnapshot(), p.cfg.Gpu.MaxGpuComputeUtilization, p.cfg.Gpu.MaxGpuMemoryUtilization)
	chosen, err := p.gpuStrategy.Select(candidates)
	if err != nil {
		return Decision{}, err
	}

	p.recordAssignment(actorID, chosen.SiloID, chosen.ResourceID, true)
	return Decision{SiloID: chosen.SiloID, ResourceID: chosen.ResourceID, HasResource: true}, nil
}

// placeCPU falls back to picking any live silo from the membership roster
// when resource affinity is unavailable or disabled.
func (p *Pipeline) placeCPU(ctx context.Context) (Decision, error) {
	silos, err := p.membership.ActiveSilos(ctx)
	if err != nil {
		return Decision{}, quarkerr.Wrap(quarkerr.NoCapacity, "membership roster unavailable", err)
	}
	if len(silos) == 0 {
		return Decision{}, quarkerr.New(quarkerr.NoCapacity, "no active silos in cluster")
	}

	candidates := make([]ScoredCandidate, 0, len(silos))
	for _, s := range silos {
		candidates = append(candidates, ScoredCandidate{ID: s.SiloID, SiloID: s.SiloID, UtilizationOK: true})
	}

	kind := p.cfg.DefaultSiloKind
	if kind == "" {
		kind = FirstAvailable
	}
	chosen, err := NewStrategy(kind).Select(candidates)
	if err != nil {
		return Decision{}, err
	}
	return Decision{SiloID: chosen.SiloID}, nil
}

func (p *Pipeline) recordAssignment(actorID, siloID string, resourceID int, isGpu bool) {
	p.assignments.Add(actorID, assignment{siloID: siloID, resourceID: resourceID, isGpu: isGpu})
}

// OnDeactivate removes this actor's entry from the assignment table. No
// per-resource counters are kept, so none are decremented.
func (p *Pipeline) OnDeactivate(actorID string) {
	p.assignments.Remove(actorID)
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
