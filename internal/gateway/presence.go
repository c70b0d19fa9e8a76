package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/Dhoot/fluidrelay/pkg/protocol"
)

// handleGetClients broadcasts the registry's current client list for the
// caller's document to the room.
func (s *Session) handleGetClients(ctx context.Context, clientID string) {
	_, room, _, inRoom := s.lookup(clientID)
	if !inRoom {
		s.sendNack(http.StatusBadRequest, protocol.NackBadRequest, "Nonexistent client", 0)
		return
	}
	clients, err := s.g.registry.GetClients(ctx, room.TenantID, room.DocumentID)
	if err != nil {
		s.logger.Error("Failed to fetch client list", slog.Any("room", room), slog.Any("error", err))
		return
	}
	s.g.rooms.Broadcast(room.Key(), protocol.EventConnectedClients, clients)
}

// handlePing answers a liveness probe with a room-wide pong.
func (s *Session) handlePing(clientID string) {
	_, room, _, inRoom := s.lookup(clientID)
	if !inRoom {
		s.sendNack(http.StatusBadRequest, protocol.NackBadRequest, "Nonexistent client", 0)
		return
	}
	s.g.rooms.Broadcast(room.Key(), protocol.EventPong, protocol.ClientIDPayload{ClientID: clientID})
}
