package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/Dhoot/fluidrelay/pkg/protocol"
)

// ClientRegistry tracks which clients are connected to which documents. The
// registry is shared by every socket of a gateway (and, when Redis-backed,
// across gateway instances), so implementations must be safe for concurrent
// use.
type ClientRegistry interface {
	GetClients(ctx context.Context, tenantID, documentID string) ([]protocol.SignalClient, error)
	AddClient(ctx context.Context, tenantID, documentID, clientID string, client protocol.ClientDescriptor) error
	RemoveClient(ctx context.Context, tenantID, documentID, clientID string) error
}

// MemoryRegistry keeps client membership in process memory; suitable for a
// single-instance deployment and for tests.
type MemoryRegistry struct {
	mu   sync.RWMutex
	docs map[string]map[string]protocol.ClientDescriptor
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{docs: make(map[string]map[string]protocol.ClientDescriptor)}
}

var _ ClientRegistry = (*MemoryRegistry)(nil)

func docKey(tenantID, documentID string) string {
	return tenantID + "/" + documentID
}

func (r *MemoryRegistry) GetClients(_ context.Context, tenantID, documentID string) ([]protocol.SignalClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := r.docs[docKey(tenantID, documentID)]
	out := make([]protocol.SignalClient, 0, len(clients))
	for clientID, desc := range clients {
		out = append(out, protocol.SignalClient{ClientID: clientID, Client: desc})
	}
	return out, nil
}

func (r *MemoryRegistry) AddClient(_ context.Context, tenantID, documentID, clientID string, client protocol.ClientDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := docKey(tenantID, documentID)
	clients, ok := r.docs[key]
	if !ok {
		clients = make(map[string]protocol.ClientDescriptor)
		r.docs[key] = clients
	}
	if _, exists := clients[clientID]; exists {
		return fmt.Errorf("client %q already registered for %s", clientID, key)
	}
	clients[clientID] = client
	return nil
}

func (r *MemoryRegistry) RemoveClient(_ context.Context, tenantID, documentID, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := docKey(tenantID, documentID)
	clients, ok := r.docs[key]
	if !ok {
		return nil
	}
	delete(clients, clientID)
	if len(clients) == 0 {
		delete(r.docs, key)
	}
	return nil
}
