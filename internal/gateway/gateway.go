package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/Dhoot/fluidrelay/internal/orderer"
	"github.com/Dhoot/fluidrelay/internal/registry"
	"github.com/Dhoot/fluidrelay/internal/tenant"
	"github.com/Dhoot/fluidrelay/pkg/auth"
	"github.com/Dhoot/fluidrelay/pkg/metrics"
	"github.com/Dhoot/fluidrelay/pkg/protocol"
	"github.com/Dhoot/fluidrelay/pkg/rooms"
	"github.com/Dhoot/fluidrelay/pkg/throttle"
)

// Socket is the transport surface the gateway drives.
type Socket interface {
	rooms.Conn
	Close(err error)
}

// Config is the gateway's recognized option set.
type Config struct {
	MaxClientsPerDocument int
	MaxTokenLifetime      time.Duration
	TokenExpiryEnabled    bool
}

const defaultMaxClientsPerDocument = 1_000_000

// Gateway mediates between connected sockets and the ordering backend for a
// collaborative document platform. All mutable per-socket state lives in
// Sessions; the gateway itself only holds collaborators.
type Gateway struct {
	logger *slog.Logger
	cfg    Config

	rooms    *rooms.Manager
	tenants  tenant.Manager
	registry registry.ClientRegistry
	orderers orderer.Manager
	tokens   *auth.Validator
	sink     metrics.Sink

	connectLimiter  throttle.RateLimiter
	submitOpLimiter throttle.RateLimiter

	metrics *metrics.GatewayMetrics

	sampleTrace func() bool
	now         func() time.Time
}

type Options struct {
	Config          Config
	Rooms           *rooms.Manager
	Tenants         tenant.Manager
	Registry        registry.ClientRegistry
	Orderers        orderer.Manager
	Tokens          *auth.Validator
	MetricSink      metrics.Sink
	ConnectLimiter  throttle.RateLimiter
	SubmitOpLimiter throttle.RateLimiter
	Metrics         *metrics.GatewayMetrics
}

func New(logger *slog.Logger, opts Options) *Gateway {
	cfg := opts.Config
	if cfg.MaxClientsPerDocument <= 0 {
		cfg.MaxClientsPerDocument = defaultMaxClientsPerDocument
	}
	if cfg.MaxTokenLifetime <= 0 {
		cfg.MaxTokenLifetime = time.Hour
	}
	sink := opts.MetricSink
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Gateway{
		logger:          logger.With(slog.String("component", "gateway")),
		cfg:             cfg,
		rooms:           opts.Rooms,
		tenants:         opts.Tenants,
		registry:        opts.Registry,
		orderers:        opts.Orderers,
		tokens:          opts.Tokens,
		sink:            sink,
		connectLimiter:  opts.ConnectLimiter,
		submitOpLimiter: opts.SubmitOpLimiter,
		metrics:         opts.Metrics,
		sampleTrace:     func() bool { return rand.IntN(traceSampleRate) == 0 },
		now:             time.Now,
	}
}

// HandleConnection installs a fresh session on an accepted socket. The
// returned session processes that socket's events until disconnect.
func (g *Gateway) HandleConnection(socket Socket) *Session {
	s := newSession(g, socket)
	if g.metrics != nil {
		g.metrics.ConnectionsOpened.Inc()
	}
	return s
}

// HandleMessage dispatches one inbound frame for the given session. Frames
// of one socket arrive sequentially from the transport.
func (s *Session) HandleMessage(ctx context.Context, _ uuid.UUID, msg []byte) {
	var envelope protocol.Envelope
	if err := json.Unmarshal(msg, &envelope); err != nil {
		s.logger.Warn("Failed to unmarshal client message", slog.Any("error", err))
		return
	}

	switch envelope.Event {
	case protocol.EventConnectDocument:
		var connect protocol.ConnectMessage
		if err := json.Unmarshal(envelope.Payload, &connect); err != nil {
			s.logger.Warn("Malformed connect_document payload", slog.Any("error", err))
			s.sendConnectError(400, "Malformed connect message", 0, "malformed")
			return
		}
		s.handleConnect(ctx, &connect)
	case protocol.EventSubmitOp:
		var submit protocol.SubmitPayload
		if err := json.Unmarshal(envelope.Payload, &submit); err != nil {
			s.logger.Warn("Malformed submitOp payload", slog.Any("error", err))
			return
		}
		s.handleSubmitOp(ctx, &submit)
	case protocol.EventSubmitSignal:
		var submit protocol.SubmitPayload
		if err := json.Unmarshal(envelope.Payload, &submit); err != nil {
			s.logger.Warn("Malformed submitSignal payload", slog.Any("error", err))
			return
		}
		s.handleSubmitSignal(ctx, &submit)
	case protocol.EventGetClients:
		var q protocol.ClientIDPayload
		if err := json.Unmarshal(envelope.Payload, &q); err != nil {
			s.logger.Warn("Malformed get_clients payload", slog.Any("error", err))
			return
		}
		s.handleGetClients(ctx, q.ClientID)
	case protocol.EventPing:
		var q protocol.ClientIDPayload
		if err := json.Unmarshal(envelope.Payload, &q); err != nil {
			s.logger.Warn("Malformed ping payload", slog.Any("error", err))
			return
		}
		s.handlePing(q.ClientID)
	default:
		s.logger.Warn("Received unknown event", slog.String("event", envelope.Event))
	}
}
