package orderer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Dhoot/fluidrelay/pkg/protocol"
	"github.com/Dhoot/fluidrelay/pkg/rooms"
)

// LocalManager runs one in-process sequencer per document. It gives the
// gateway a complete writer path without an external ordering backend.
type LocalManager struct {
	mu     sync.Mutex
	docs   map[string]*localOrderer
	rooms  *rooms.Manager
	logger *slog.Logger
}

func NewLocalManager(roomManager *rooms.Manager, logger *slog.Logger) *LocalManager {
	return &LocalManager{
		docs:   make(map[string]*localOrderer),
		rooms:  roomManager,
		logger: logger.With(slog.String("component", "local_orderer")),
	}
}

var _ Manager = (*LocalManager)(nil)

func (m *LocalManager) GetOrderer(_ context.Context, tenantID, documentID string) (Orderer, error) {
	room := rooms.Room{TenantID: tenantID, DocumentID: documentID}
	m.mu.Lock()
	defer m.mu.Unlock()

	ord, ok := m.docs[room.Key()]
	if !ok {
		ord = &localOrderer{
			room:   room,
			rooms:  m.rooms,
			logger: m.logger.With(slog.Any("room", room)),
		}
		m.docs[room.Key()] = ord
	}
	return ord, nil
}

// localOrderer sequences operations for one document and broadcasts the
// stamped batches to the document room.
type localOrderer struct {
	mu     sync.Mutex
	seq    int64
	room   rooms.Room
	rooms  *rooms.Manager
	logger *slog.Logger
}

var _ Orderer = (*localOrderer)(nil)

func (o *localOrderer) Connect(_ rooms.Conn, clientID string, _ protocol.ClientDescriptor) (Connection, error) {
	return &localConnection{orderer: o, clientID: clientID}, nil
}

func (o *localOrderer) order(clientID string, ops []protocol.RawOperation) {
	o.mu.Lock()
	stamped := make([]protocol.RawOperation, 0, len(ops))
	for _, op := range ops {
		o.seq++
		out := make(protocol.RawOperation, len(op)+3)
		for k, v := range op {
			out[k] = v
		}
		out["sequenceNumber"] = o.seq
		out["clientId"] = clientID
		out["timestamp"] = time.Now().UnixMilli()
		stamped = append(stamped, out)
	}
	o.mu.Unlock()

	o.rooms.Broadcast(o.room.Key(), protocol.EventOp, stamped)
}

// localConnection is one writer's attachment to a localOrderer.
type localConnection struct {
	orderer  *localOrderer
	clientID string

	mu           sync.Mutex
	disconnected bool
	onError      func(error)
}

var _ Connection = (*localConnection)(nil)

func (c *localConnection) MaxMessageSize() int { return 16 * 1024 }

func (c *localConnection) ServiceConfiguration() protocol.ServiceConfiguration {
	return protocol.DefaultServiceConfiguration
}

func (c *localConnection) Connect(context.Context) error { return nil }

func (c *localConnection) Disconnect(context.Context) error {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
	return nil
}

func (c *localConnection) Order(_ context.Context, ops []protocol.RawOperation) error {
	c.mu.Lock()
	closed := c.disconnected
	c.mu.Unlock()
	if closed {
		return errors.New("orderer connection is disconnected")
	}
	c.orderer.order(c.clientID, ops)
	return nil
}

func (c *localConnection) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}
