// Package placement implements the pipeline that selects the silo (and
// optionally a NUMA node or GPU device) that should host a new activation
// (spec §4.7).
package placement

import (
	"context"
	"sync"
	"time"
)

// NumaNodeInfo is a descriptive snapshot used by placement (§3).
type NumaNodeInfo struct {
	SiloID           string
	NodeID           int
	CPUCapacity      int
	CPUAvailable     int
	MemoryCapacity   int64
	MemoryAvailable  int64
	ActiveActorCount int
	UtilizationPct   float64
}

// GpuDeviceInfo is a descriptive snapshot used by placement (§3).
type GpuDeviceInfo struct {
	SiloID             string
	DeviceID           int
	MemoryCapacity     int64
	MemoryAvailable    int64
	ActiveActorCount   int
	ComputeUtilization float64
	MemoryUtilization  float64
}

// SnapshotSource is implemented by whatever collects live resource
// snapshots (NUMA topology reader, GPU driver backend, …). Placement
// caches what it returns for metricsRefreshIntervalSeconds (§4.7).
type SnapshotSource interface {
	NumaSnapshots(ctx context.Context) ([]NumaNodeInfo, error)
	GpuSnapshots(ctx context.Context) ([]GpuDeviceInfo, error)
}

// AffinityGroup is a named set of actor-type names that should co-locate
// on the same NUMA node (§3 AffinityGroup). Membership is config-time.
type AffinityGroups map[string][]string

// GroupFor returns the affinity group name actorType belongs to, if any.
func (g AffinityGroups) GroupFor(actorType string) (string, bool) {
	for name, members := range g {
		for _, m := range members {
			if m == actorType {
				return name, true
			}
		}
	}
	return "", false
}

// Decision is the pipeline's output: the chosen silo and, if a resource
// strategy ran, the id of the NUMA node or GPU device chosen within that
// silo (§4.7: the resource is tracked distinctly from the silo it lives
// on, since two resources can share a SiloID).
type Decision struct {
	SiloID      string
	ResourceID  int
	HasResource bool
}

// snapshotCache memoizes a SnapshotSource for ttl.
type snapshotCache struct {
	mu        sync.Mutex
	source    SnapshotSource
	ttl       time.Duration
	numa      []NumaNodeInfo
	gpu       []GpuDeviceInfo
	fetchedAt time.Time
}

func newSnapshotCache(source SnapshotSource, ttl time.Duration) *snapshotCache {
	return &snapshotCache{source: source, ttl: ttl}
}

func (c *snapshotCache) refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.fetchedAt) < c.ttl && !c.fetchedAt.IsZero() {
		return nil
	}
	numa, err := c.source.NumaSnapshots(ctx)
	if err != nil {
		return err
	}
	gpu, err := c.source.GpuSnapshots(ctx)
	if err != nil {
		return err
	}
	c.numa, c.gpu, c.fetchedAt = numa, gpu, time.Now()
	return nil
}

func (c *snapshotCache) numaSnapshot() []NumaNodeInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]NumaNodeInfo, len(c.numa))
	copy(out, c.numa)
	return out
}

func (c *snapshotCache) gpuSnapshot() []GpuDeviceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]GpuDeviceInfo, len(c.gpu))
	copy(out, c.gpu)
	return out
}
