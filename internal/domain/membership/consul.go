package membership

import (
	"context"
	"fmt"
	"time"

	consulapi "github.com/hashicorp/consul/api"
)

// Consul is a Directory backed by a Consul service catalog: each silo
// registers itself as a service instance, and roster changes are observed
// via Consul's blocking queries, giving the linearizable, push-notified
// roster §6 requires without this module taking on its own gossip layer.
type Consul struct {
	client      *consulapi.Client
	serviceName string
}

// NewConsul builds a Consul-backed Directory for the given service name
// (e.g. "quark-silo").
func NewConsul(addr, serviceName string) (*Consul, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("membership: consul client: %w", err)
	}
	return &Consul{client: client, serviceName: serviceName}, nil
}

func (c *Consul) ActiveSilos(ctx context.Context) ([]Silo, error) {
	silos, _, err := c.query(ctx, 0)
	return silos, err
}

func (c *Consul) query(ctx context.Context, waitIndex uint64) ([]Silo, uint64, error) {
	opts := (&consulapi.QueryOptions{
		WaitIndex: waitIndex,
		WaitTime:  55 * time.Second,
	}).WithContext(ctx)
	entries, meta, err := c.client.Health().Service(c.serviceName, "", true, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("membership: consul health query: %w", err)
	}

	silos := make([]Silo, 0, len(entries))
	for _, e := range entries {
		silos = append(silos, Silo{
			SiloID:  e.Service.ID,
			Address: e.Service.Address,
			Port:    e.Service.Port,
		})
	}
	return silos, meta.LastIndex, nil
}

// Watch pushes a new roster on ch every time the Consul catalog's
// Health.Service blocking query returns a new index, until ctx is done.
func (c *Consul) Watch(ctx context.Context, ch chan<- []Silo) error {
	var waitIndex uint64
	for {
		silos, idx, err := c.query(ctx, waitIndex)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}
		waitIndex = idx

		select {
		case ch <- silos:
		case <-ctx.Done():
			return ctx.Err()
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Register announces this silo to the Consul catalog (§6 Process-wide
// state: "announce to membership" at init, "deannounce" at teardown).
func (c *Consul) Register(siloID, address string, port int) error {
	return c.client.Agent().ServiceRegister(&consulapi.AgentServiceRegistration{
		ID:      siloID,
		Name:    c.serviceName,
		Address: address,
		Port:    port,
		Check: &consulapi.AgentServiceCheck{
			TTL:                            "15s",
			DeregisterCriticalServiceAfter: "1m",
		},
	})
}

// Deregister removes this silo from the catalog.
func (c *Consul) Deregister(siloID string) error {
	return c.client.Agent().ServiceDeregister(siloID)
}
