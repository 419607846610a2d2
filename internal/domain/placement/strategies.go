package placement

import (
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/webitel/quark/internal/domain/quarkerr"
)

// Backend selects which accelerator driver family a GPU strategy targets
// (§6 Placement.Gpu.backend).
type Backend string

const (
	BackendAuto   Backend = "Auto"
	BackendCuda   Backend = "Cuda"
	BackendOpenCL Backend = "OpenCL"
)

// StrategyKind names one of the four deterministic placement strategies
// (§4.7).
type StrategyKind string

const (
	LeastUtilized   StrategyKind = "LeastUtilized"
	LeastMemoryUsed StrategyKind = "LeastMemoryUsed"
	RoundRobin      StrategyKind = "RoundRobin"
	FirstAvailable  StrategyKind = "FirstAvailable"
)

// ScoredCandidate is the strategy-agnostic view over either a NumaNodeInfo,
// a GpuDeviceInfo, or a plain membership silo. SiloID and ResourceID are
// tracked as distinct fields (§4.7): a NUMA node and a GPU device can share
// a SiloID while naming different resources, so collapsing them into one id
// would make two resources on the same silo indistinguishable.
type ScoredCandidate struct {
	ID               string // stable key for tie-break/sort/round-robin, unique per candidate
	SiloID           string
	ResourceID       int // NUMA node or GPU device id within SiloID; 0 for plain CPU candidates
	ActiveActorCount int
	Utilization      float64 // 0..100
	MemoryAvailable  int64
	UtilizationOK    bool // below the configured ceiling
}

// candidateKey builds the stable per-candidate tie-break/sort key from the
// silo and resource id, so two resources sharing a SiloID still sort and
// round-robin as distinct candidates.
func candidateKey(siloID string, resourceID int) string {
	return siloID + "#" + strconv.Itoa(resourceID)
}

func numaToCandidates(snapshots []NumaNodeInfo, ceiling float64) []ScoredCandidate {
	out := make([]ScoredCandidate, 0, len(snapshots))
	for _, n := range snapshots {
		out = append(out, ScoredCandidate{
			ID:               candidateKey(n.SiloID, n.NodeID),
			SiloID:           n.SiloID,
			ResourceID:       n.NodeID,
			ActiveActorCount: n.ActiveActorCount,
			Utilization:      n.UtilizationPct,
			MemoryAvailable:  n.MemoryAvailable,
			UtilizationOK:    n.UtilizationPct <= ceiling,
		})
	}
	return out
}

func gpuToCandidates(snapshots []GpuDeviceInfo, computeCeiling, memCeiling float64) []ScoredCandidate {
	out := make([]ScoredCandidate, 0, len(snapshots))
	for _, g := range snapshots {
		out = append(out, ScoredCandidate{
			ID:               candidateKey(g.SiloID, g.DeviceID),
			SiloID:           g.SiloID,
			ResourceID:       g.DeviceID,
			ActiveActorCount: g.ActiveActorCount,
			Utilization:      g.ComputeUtilization,
			MemoryAvailable:  g.MemoryAvailable,
			UtilizationOK:    g.ComputeUtilization <= computeCeiling && g.MemoryUtilization <= memCeiling,
		})
	}
	return out
}

// Strategy picks one candidate out of the supplied set. Implementations
// must be safe for concurrent use.
type Strategy interface {
	Kind() StrategyKind
	Select(candidates []ScoredCandidate) (ScoredCandidate, error)
}

// leastUtilized picks the candidate with utilization below the configured
// ceiling, tie-breaking on ascending active-actor count (§4.7).
type leastUtilized struct{}

func NewLeastUtilized() Strategy { return leastUtilized{} }

func (leastUtilized) Kind() StrategyKind { return LeastUtilized }

func (leastUtilized) Select(candidates []ScoredCandidate) (ScoredCandidate, error) {
	eligible := filterEligible(candidates)
	if len(eligible) == 0 {
		return ScoredCandidate{}, quarkerr.New(quarkerr.NoCapacity, "no candidate below utilization ceiling")
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Utilization != eligible[j].Utilization {
			return eligible[i].Utilization < eligible[j].Utilization
		}
		return eligible[i].ActiveActorCount < eligible[j].ActiveActorCount
	})
	return eligible[0], nil
}

// leastMemoryUsed picks the candidate with the most absolute free memory,
// among those above the configured memory ceiling (§4.7).
type leastMemoryUsed struct{}

func NewLeastMemoryUsed() Strategy { return leastMemoryUsed{} }

func (leastMemoryUsed) Kind() StrategyKind { return LeastMemoryUsed }

func (leastMemoryUsed) Select(candidates []ScoredCandidate) (ScoredCandidate, error) {
	eligible := filterEligible(candidates)
	if len(eligible) == 0 {
		return ScoredCandidate{}, quarkerr.New(quarkerr.NoCapacity, "no candidate above memory ceiling")
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].MemoryAvailable > eligible[j].MemoryAvailable
	})
	return eligible[0], nil
}

func filterEligible(candidates []ScoredCandidate) []ScoredCandidate {
	out := make([]ScoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.UtilizationOK {
			out = append(out, c)
		}
	}
	return out
}

// roundRobin cycles through candidates (sorted by id) using a
// per-process monotone counter (§4.7).
type roundRobin struct {
	counter atomic.Uint64
}

func NewRoundRobin() Strategy { return &roundRobin{} }

func (*roundRobin) Kind() StrategyKind { return RoundRobin }

func (r *roundRobin) Select(candidates []ScoredCandidate) (ScoredCandidate, error) {
	if len(candidates) == 0 {
		return ScoredCandidate{}, quarkerr.New(quarkerr.NoCapacity, "no candidates available")
	}
	sorted := sortedByID(candidates)
	idx := r.counter.Add(1) - 1
	return sorted[idx%uint64(len(sorted))], nil
}

// firstAvailable picks the first candidate in sorted-by-id order (§4.7).
type firstAvailable struct{}

func NewFirstAvailable() Strategy { return firstAvailable{} }

func (firstAvailable) Kind() StrategyKind { return FirstAvailable }

func (firstAvailable) Select(candidates []ScoredCandidate) (ScoredCandidate, error) {
	if len(candidates) == 0 {
		return ScoredCandidate{}, quarkerr.New(quarkerr.NoCapacity, "no candidates available")
	}
	return sortedByID(candidates)[0], nil
}

func sortedByID(candidates []ScoredCandidate) []ScoredCandidate {
	out := make([]ScoredCandidate, len(candidates))
	copy(out, candidates)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NewStrategy builds the Strategy matching kind.
func NewStrategy(kind StrategyKind) Strategy {
	switch kind {
	case LeastMemoryUsed:
		return NewLeastMemoryUsed()
	case RoundRobin:
		return NewRoundRobin()
	case FirstAvailable:
		return NewFirstAvailable()
	default:
		return NewLeastUtilized()
	}
}
