package orderer

import (
	"context"

	"github.com/Dhoot/fluidrelay/pkg/protocol"
	"github.com/Dhoot/fluidrelay/pkg/rooms"
)

// Manager resolves the orderer responsible for a document.
type Manager interface {
	GetOrderer(ctx context.Context, tenantID, documentID string) (Orderer, error)
}

// Orderer is a per-document total-order service for writer operations.
type Orderer interface {
	Connect(socket rooms.Conn, clientID string, client protocol.ClientDescriptor) (Connection, error)
}

// Connection is one writer's attachment to an orderer. Connect and Order
// completions are asynchronous from the gateway's point of view; their
// failures are logged, never surfaced on the protocol.
type Connection interface {
	MaxMessageSize() int
	ServiceConfiguration() protocol.ServiceConfiguration
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Order(ctx context.Context, ops []protocol.RawOperation) error
	OnError(fn func(error))
}
