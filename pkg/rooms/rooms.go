package rooms

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/Dhoot/fluidrelay/pkg/protocol"
)

// Room is a tenant-scoped document broadcast group.
type Room struct {
	TenantID   string
	DocumentID string
}

// Key is the canonical room key.
func (r Room) Key() string {
	return r.TenantID + "/" + r.DocumentID
}

// LogValue attaches room metadata to log records so operators can filter by
// tenant.
func (r Room) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("documentId", r.DocumentID),
		slog.String("tenantId", r.TenantID),
	)
}

// ClientKey is the per-client transport room key.
func ClientKey(clientID string) string {
	return "client#" + clientID
}

// Conn is the subset of a transport connection the room manager needs.
type Conn interface {
	ID() uuid.UUID
	Send(msg []byte)
}

// Manager tracks which transport connections are joined to which rooms and
// fans outbound events out to them. Rooms are implicit: they exist while at
// least one connection is joined.
type Manager struct {
	mu     sync.RWMutex
	rooms  map[string]map[uuid.UUID]Conn
	logger *slog.Logger
}

func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		rooms:  make(map[string]map[uuid.UUID]Conn),
		logger: logger.With(slog.String("component", "room_manager")),
	}
}

// Join adds a connection to a room, creating the room if needed.
func (m *Manager) Join(roomKey string, conn Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.rooms[roomKey]
	if !ok {
		members = make(map[uuid.UUID]Conn)
		m.rooms[roomKey] = members
	}
	members[conn.ID()] = conn
	m.logger.Debug("Connection joined room", slog.String("roomKey", roomKey), slog.String("connID", conn.ID().String()))
	return nil
}

// Leave removes a connection from a room, discarding the room when empty.
func (m *Manager) Leave(roomKey string, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(roomKey, conn.ID())
}

// RemoveConnection drops a connection from every room it is joined to.
func (m *Manager) RemoveConnection(conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for roomKey, members := range m.rooms {
		if _, ok := members[conn.ID()]; ok {
			m.leaveLocked(roomKey, conn.ID())
		}
	}
}

func (m *Manager) leaveLocked(roomKey string, connID uuid.UUID) {
	members, ok := m.rooms[roomKey]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(m.rooms, roomKey)
		m.logger.Debug("Removed empty room", slog.String("roomKey", roomKey))
	}
}

// Broadcast marshals an event envelope and delivers it to every connection
// currently joined to the room, the sender included.
func (m *Manager) Broadcast(roomKey, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("Failed to marshal broadcast payload",
			slog.String("roomKey", roomKey),
			slog.String("event", event),
			slog.Any("error", err),
		)
		return
	}
	msg, err := json.Marshal(protocol.Envelope{Event: event, Payload: raw})
	if err != nil {
		m.logger.Error("Failed to marshal broadcast envelope", slog.Any("error", err))
		return
	}

	m.mu.RLock()
	conns := make([]Conn, 0, len(m.rooms[roomKey]))
	for _, conn := range m.rooms[roomKey] {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		conn.Send(msg)
	}
	m.logger.Debug("Broadcast delivered",
		slog.String("roomKey", roomKey),
		slog.String("event", event),
		slog.Int("connections", len(conns)),
	)
}
