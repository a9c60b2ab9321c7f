// Package broker holds the per-user broker client registry. Concrete broker
// implementations live in subpackages (deribit, paper).
package broker

import (
	"fmt"
	"sync"

	"github.com/derivlab/perpengine/internal/domain"
)

// clientKey identifies one user's client on one broker/environment.
type clientKey struct {
	userID      string
	broker      string
	environment string
}

// Registry holds the broker clients of connected users. Executors of the same
// user share one client; the registry never constructs clients itself, the
// credential/session layer registers them.
type Registry struct {
	mu      sync.RWMutex
	clients map[clientKey]domain.BrokerClient
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[clientKey]domain.BrokerClient)}
}

// Register installs (or replaces) the client for the user on the given
// broker/environment.
func (r *Registry) Register(userID, broker, environment string, client domain.BrokerClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[clientKey{userID, broker, environment}] = client
}

// Remove drops the client for the key, if any.
func (r *Registry) Remove(userID, broker, environment string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, clientKey{userID, broker, environment})
}

// RegisteredClient is one registry entry, as returned by All.
type RegisteredClient struct {
	UserID      string
	Broker      string
	Environment string
	Client      domain.BrokerClient
}

// All snapshots every registered client. Reconciliation iterates it to find
// broker positions no ledger row accounts for.
func (r *Registry) All() []RegisteredClient {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RegisteredClient, 0, len(r.clients))
	for key, client := range r.clients {
		out = append(out, RegisteredClient{
			UserID:      key.userID,
			Broker:      key.broker,
			Environment: key.environment,
			Client:      client,
		})
	}
	return out
}

// Get returns a connected client for the key. It fails with ErrNotConnected
// when no client is registered or the registered client reports a dead
// transport.
func (r *Registry) Get(userID, broker, environment string) (domain.BrokerClient, error) {
	r.mu.RLock()
	client, ok := r.clients[clientKey{userID, broker, environment}]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("broker: no client for user %s on %s/%s: %w",
			userID, broker, environment, domain.ErrNotConnected)
	}
	if !client.IsConnected() {
		return nil, fmt.Errorf("broker: client for user %s on %s/%s is disconnected: %w",
			userID, broker, environment, domain.ErrNotConnected)
	}
	return client, nil
}
