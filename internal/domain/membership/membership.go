// Package membership defines the cluster membership directory contract
// used by placement and reminder ownership (spec §6, §4.5, §4.7), with a
// static in-process implementation for single-silo hosts and tests.
package membership

import "context"

// Silo describes one member of the cluster roster.
type Silo struct {
	SiloID  string
	Address string
	Port    int
}

// Directory must be linearizable with respect to its own list (§6):
// every call observes a roster at least as fresh as any roster a prior
// call on the same Directory observed.
type Directory interface {
	// ActiveSilos returns the current roster.
	ActiveSilos(ctx context.Context) ([]Silo, error)

	// Watch pushes roster snapshots to ch whenever membership changes,
	// until ctx is cancelled. Implementations must send an initial
	// snapshot immediately.
	Watch(ctx context.Context, ch chan<- []Silo) error
}

// Static is an in-process Directory for single-silo hosts and tests: a
// fixed roster that never changes.
type Static struct {
	silos []Silo
}

// NewStatic builds a Directory over a fixed roster.
func NewStatic(silos ...Silo) *Static {
	return &Static{silos: silos}
}

func (s *Static) ActiveSilos(context.Context) ([]Silo, error) {
	out := make([]Silo, len(s.silos))
	copy(out, s.silos)
	return out, nil
}

func (s *Static) Watch(ctx context.Context, ch chan<- []Silo) error {
	snapshot, _ := s.ActiveSilos(ctx)
	select {
	case ch <- snapshot:
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ctx.Done()
	return ctx.Err()
}
