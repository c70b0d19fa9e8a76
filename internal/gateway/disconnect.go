package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Dhoot/fluidrelay/internal/orderer"
	"github.com/Dhoot/fluidrelay/pkg/protocol"
	"github.com/Dhoot/fluidrelay/pkg/rooms"
)

// HandleDisconnect drains the session after the transport closed: stop the
// expiration timer, tear down orderer connections, unregister every client
// and announce its departure. Returns only after all registry removals have
// completed, so graceful shutdown can wait on it.
func (s *Session) HandleDisconnect(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.expirationTimer != nil {
		s.expirationTimer.Stop()
		s.expirationTimer = nil
	}
	conns := s.connections
	roomed := s.roomsByClient
	s.connections = make(map[string]orderer.Connection)
	s.roomsByClient = make(map[string]rooms.Room)
	s.scopes = make(map[string][]string)
	s.mu.Unlock()

	for clientID, conn := range conns {
		s.logger.Info("Disconnecting orderer connection", slog.String("clientId", clientID))
		go func(clientID string, conn orderer.Connection) {
			if err := conn.Disconnect(context.Background()); err != nil {
				s.logger.Error("Orderer disconnect failed",
					slog.String("clientId", clientID),
					slog.Any("error", err),
				)
			}
		}(clientID, conn)
	}

	var wg sync.WaitGroup
	for clientID, room := range roomed {
		s.logger.Info("Removing client on disconnect",
			slog.String("clientId", clientID),
			slog.Any("room", room),
		)
		wg.Add(1)
		go func(clientID string, room rooms.Room) {
			defer wg.Done()
			if err := s.g.registry.RemoveClient(ctx, room.TenantID, room.DocumentID, clientID); err != nil {
				s.logger.Error("Failed to remove client from registry",
					slog.String("clientId", clientID),
					slog.Any("room", room),
					slog.Any("error", err),
				)
			}
			s.g.rooms.Broadcast(room.Key(), protocol.EventSignal, protocol.LeaveSignal{ClientID: clientID})
		}(clientID, room)
	}
	wg.Wait()

	s.g.rooms.RemoveConnection(s.socket)
	if s.g.metrics != nil {
		s.g.metrics.ConnectionsClosed.Inc()
	}
}
