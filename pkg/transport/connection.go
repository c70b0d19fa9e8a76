package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// MessageHandler is the callback executed for each inbound frame. Frames of
// one connection are delivered sequentially, so per-socket handlers never
// interleave.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

// CloseHandler runs exactly once when the connection terminates.
type CloseHandler func(connID uuid.UUID, err error)

type Config struct {
	ReadTimeout time.Duration
}

// Connection is a single thread-safe WebSocket connection with dedicated
// read and write pumps.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config Config
	send   chan []byte

	onMessage MessageHandler
	onClose   CloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config Config, logger *slog.Logger) *Connection {
	id := uuid.New()
	ctx, cancel := context.WithCancel(parentCtx)
	return &Connection{
		id:     id,
		conn:   conn,
		config: config,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		wg:     wg,
		logger: logger.With(slog.String("connID", id.String())),
	}
}

// Run starts the read and write pumps. Handlers must be set before Run.
func (c *Connection) Run() {
	c.wg.Add(1)
	go c.readPump()
	go c.writePump()
	c.logger.Info("Connection established")
}

func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		readCtx, cancelRead := context.WithTimeout(c.ctx, c.config.ReadTimeout)
		typ, r, err := c.conn.Reader(readCtx)
		if err != nil {
			readErr = err
			cancelRead()
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			cancelRead()
			continue
		}
		message, err := io.ReadAll(r)
		if err != nil {
			readErr = err
			cancelRead()
			return
		}
		cancelRead()
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.id, message)
		}
	}
}

func (c *Connection) writePump() {
	var writeErr error
	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := c.conn.Write(c.ctx, websocket.MessageText, message); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			c.conn.Close(websocket.StatusNormalClosure, "connection context cancelled")
			return
		}
	}
}

// Send queues a message for delivery. Safe for concurrent use; drops the
// message once the connection is closing.
func (c *Connection) Send(message []byte) {
	select {
	case c.send <- message:
	case <-c.ctx.Done():
		c.logger.Warn("Attempted to send on a closed connection")
	}
}

// Close tears the connection down exactly once and invokes the close handler.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		c.logger.Info("Transport connection closing", slog.Any("reason", err))
		c.cancel()
		if c.conn != nil {
			c.conn.Close(websocket.StatusNormalClosure, "")
		}
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		c.wg.Done()
		close(c.done)
	})
}

// Done is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler CloseHandler) {
	c.onClose = handler
}
