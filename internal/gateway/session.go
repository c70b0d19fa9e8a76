package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Dhoot/fluidrelay/internal/orderer"
	"github.com/Dhoot/fluidrelay/pkg/protocol"
	"github.com/Dhoot/fluidrelay/pkg/rooms"
)

var errTokenExpired = errors.New("authorization token expired")

// Session is the per-socket state. Multiple clientIds may coexist on one
// socket, one per successful connect_document. Handlers of one socket run
// serially; the mutex guards against the expiration timer and orderer error
// callbacks, which fire on their own goroutines.
type Session struct {
	g      *Gateway
	socket Socket
	logger *slog.Logger

	mu sync.Mutex
	// Orderer connections, writers only. Always a subset of roomsByClient.
	connections map[string]orderer.Connection
	// Room per successfully connected client. Key set matches scopes.
	roomsByClient map[string]rooms.Room
	// Authorized scope set per client.
	scopes map[string][]string
	// One timer per socket; re-arming replaces the previous deadline, so the
	// last-armed expiration wins when a socket hosts multiple clients.
	expirationTimer *time.Timer
	closed          bool
}

func newSession(g *Gateway, socket Socket) *Session {
	return &Session{
		g:             g,
		socket:        socket,
		logger:        g.logger.With(slog.String("connID", socket.ID().String())),
		connections:   make(map[string]orderer.Connection),
		roomsByClient: make(map[string]rooms.Room),
		scopes:        make(map[string][]string),
	}
}

// send marshals an event envelope and queues it on this session's socket.
func (s *Session) send(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to marshal outbound payload", slog.String("event", event), slog.Any("error", err))
		return
	}
	msg, err := json.Marshal(protocol.Envelope{Event: event, Payload: raw})
	if err != nil {
		s.logger.Error("Failed to marshal outbound envelope", slog.Any("error", err))
		return
	}
	s.socket.Send(msg)
}

func (s *Session) sendNack(code int, nackType protocol.NackType, message string, retryAfter int) {
	s.send(protocol.EventNack, protocol.NackPayload{
		Target: "",
		Messages: []protocol.NackMessage{{
			Code:       code,
			Type:       nackType,
			Message:    message,
			RetryAfter: retryAfter,
		}},
	})
}

func (s *Session) sendConnectError(code int, message string, retryAfter int, reason string) {
	if s.g.metrics != nil {
		s.g.metrics.ConnectFailures.WithLabelValues(reason).Inc()
	}
	s.send(protocol.EventConnectError, protocol.ErrorMessage{
		Code:       code,
		Message:    message,
		RetryAfter: retryAfter,
	})
}

// armExpiration schedules a forced close of the socket, replacing any
// previously armed deadline.
func (s *Session) armExpiration(remaining time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.expirationTimer != nil {
		s.expirationTimer.Stop()
	}
	s.expirationTimer = time.AfterFunc(remaining, func() {
		s.logger.Info("Authorization token expired, closing socket")
		s.socket.Close(errTokenExpired)
	})
}

// clearExpiration stops the expiration timer if one is armed.
func (s *Session) clearExpiration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expirationTimer != nil {
		s.expirationTimer.Stop()
		s.expirationTimer = nil
	}
}

// commit publishes a successfully connected client into the session maps.
func (s *Session) commit(clientID string, room rooms.Room, scopes []string, conn orderer.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn != nil {
		s.connections[clientID] = conn
	}
	s.roomsByClient[clientID] = room
	s.scopes[clientID] = scopes
}

// lookup returns the dispatch-time view of one clientId.
func (s *Session) lookup(clientID string) (conn orderer.Connection, room rooms.Room, scopes []string, inRoom bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn = s.connections[clientID]
	room, inRoom = s.roomsByClient[clientID]
	scopes = s.scopes[clientID]
	return conn, room, scopes, inRoom
}
