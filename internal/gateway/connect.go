package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/Dhoot/fluidrelay/internal/orderer"
	"github.com/Dhoot/fluidrelay/internal/tenant"
	"github.com/Dhoot/fluidrelay/pkg/auth"
	"github.com/Dhoot/fluidrelay/pkg/protocol"
	"github.com/Dhoot/fluidrelay/pkg/rooms"
	"github.com/Dhoot/fluidrelay/pkg/throttle"
)

// clientTypeSummarizer is the only client type allowed to keep a
// summary-write scope.
const clientTypeSummarizer = "summarizer"

const internalConnectError = "Failed to connect client to document."

// handleConnect runs the connect_document pipeline. Every failure arc emits
// connect_document_error and leaves the session maps untouched; the socket
// stays open so the client may retry.
func (s *Session) handleConnect(ctx context.Context, msg *protocol.ConnectMessage) {
	g := s.g

	if te := throttle.Check(ctx, s.logger, g.connectLimiter, throttle.ConnectKey(msg.TenantID)); te != nil {
		s.sendConnectError(te.Code, te.Message, te.RetryAfterSec, "throttled")
		return
	}

	if msg.Token == "" {
		s.sendConnectError(http.StatusForbidden, "Must provide an authorization token", 0, "missing_token")
		return
	}

	claims, err := g.tokens.ValidateTokenClaims(msg.Token, msg.ID, msg.TenantID)
	if err != nil {
		status, detail := auth.StatusOf(err, http.StatusUnauthorized)
		s.sendConnectError(status, detail, 0, "invalid_token")
		return
	}

	if err := g.tenants.VerifyToken(ctx, claims.TenantID, msg.Token); err != nil {
		status := http.StatusUnauthorized
		message := "Invalid token"
		var se *tenant.StatusError
		if errors.As(err, &se) {
			status = se.Status
			message = se.Message
		}
		s.logger.Info("Tenant rejected token", slog.String("tenantId", claims.TenantID), slog.Int("status", status))
		s.sendConnectError(status, message, 0, "tenant_rejected")
		return
	}

	clientID := uuid.NewString()
	room := rooms.Room{TenantID: claims.TenantID, DocumentID: claims.DocumentID}
	logger := s.logger.With(slog.Any("room", room), slog.String("clientId", clientID))

	if err := g.rooms.Join(room.Key(), s.socket); err != nil {
		s.internalConnectFailure(logger, "joining document room", err)
		return
	}
	if err := g.rooms.Join(rooms.ClientKey(clientID), s.socket); err != nil {
		g.rooms.Leave(room.Key(), s.socket)
		s.internalConnectFailure(logger, "joining client room", err)
		return
	}

	var client protocol.ClientDescriptor
	if msg.Client != nil {
		client = *msg.Client
	}
	client.User = claims.User
	scopes := claims.Scopes
	if client.Details.Type != clientTypeSummarizer {
		scopes = auth.StripScope(scopes, auth.ScopeSummaryWrite)
	}
	client.Scopes = scopes
	client.Timestamp = g.now().UnixMilli()

	version, err := protocol.NegotiateVersion(protocol.SupportedVersions, msg.Versions)
	if err != nil {
		s.sendConnectError(http.StatusBadRequest, err.Error(), 0, "bad_protocol")
		return
	}

	existingClients, err := g.registry.GetClients(ctx, room.TenantID, room.DocumentID)
	if err != nil {
		s.internalConnectFailure(logger, "fetching client list", err)
		return
	}
	if len(existingClients) >= g.cfg.MaxClientsPerDocument {
		s.sendConnectError(http.StatusTooManyRequests, "Too Many Clients Connected to Document", 300, "quota")
		return
	}

	if err := g.registry.AddClient(ctx, room.TenantID, room.DocumentID, clientID, client); err != nil {
		s.internalConnectFailure(logger, "registering client", err)
		return
	}

	if g.cfg.TokenExpiryEnabled {
		remaining, err := auth.ValidateTokenClaimsExpiration(claims, g.cfg.MaxTokenLifetime)
		if err != nil {
			s.rollbackRegistration(ctx, logger, room, clientID)
			status, detail := auth.StatusOf(err, http.StatusUnauthorized)
			s.sendConnectError(status, detail, 0, "token_expiration")
			return
		}
		s.armExpiration(remaining)
	}

	mode := protocol.ModeRead
	var ordererConn orderer.Connection
	if msg.Mode == protocol.ModeWrite && (auth.CanWrite(scopes) || auth.CanSummarize(scopes)) {
		ord, err := g.orderers.GetOrderer(ctx, room.TenantID, room.DocumentID)
		if err != nil {
			s.rollbackRegistration(ctx, logger, room, clientID)
			s.internalConnectFailure(logger, "resolving orderer", err)
			return
		}
		ordererConn, err = ord.Connect(s.socket, clientID, client)
		if err != nil {
			s.rollbackRegistration(ctx, logger, room, clientID)
			s.internalConnectFailure(logger, "attaching to orderer", err)
			return
		}
		ordererConn.OnError(func(err error) {
			logger.Error("Orderer connection error, closing socket", slog.Any("error", err))
			s.clearExpiration()
			s.socket.Close(err)
		})
		go func() {
			if err := ordererConn.Connect(context.Background()); err != nil {
				logger.Error("Orderer connect failed", slog.Any("error", err))
			}
		}()
		mode = protocol.ModeWrite
	}

	s.commit(clientID, room, scopes, ordererConn)

	maxMessageSize := protocol.DefaultReaderMaxMessageSize
	serviceConfig := protocol.DefaultServiceConfiguration
	if ordererConn != nil {
		maxMessageSize = ordererConn.MaxMessageSize()
		serviceConfig = ordererConn.ServiceConfiguration()
	}

	s.send(protocol.EventConnectSuccess, protocol.ConnectedMessage{
		Claims:               claims.Wire(),
		ClientID:             clientID,
		Existing:             true,
		Mode:                 mode,
		MaxMessageSize:       maxMessageSize,
		ServiceConfiguration: serviceConfig,
		InitialClients:       existingClients,
		InitialMessages:      []json.RawMessage{},
		InitialSignals:       []json.RawMessage{},
		SupportedVersions:    protocol.SupportedVersions,
		Version:              version,
		Timestamp:            g.now().UnixMilli(),
	})

	g.rooms.Broadcast(room.Key(), protocol.EventSignal, protocol.JoinSignal{
		ClientID: clientID,
		Details:  client,
	})
	logger.Info("Client connected", slog.String("mode", mode))
}

// internalConnectFailure logs a backend fault and reports the opaque
// internal error to the client, never leaking backend detail.
func (s *Session) internalConnectFailure(logger *slog.Logger, step string, err error) {
	logger.Error("Connect pipeline failed: "+step, slog.Any("error", err))
	s.sendConnectError(http.StatusInternalServerError, internalConnectError, 0, "internal")
}

// rollbackRegistration undoes the registry add and room joins of a connect
// attempt that failed after registration.
func (s *Session) rollbackRegistration(ctx context.Context, logger *slog.Logger, room rooms.Room, clientID string) {
	if err := s.g.registry.RemoveClient(ctx, room.TenantID, room.DocumentID, clientID); err != nil {
		logger.Error("Failed to roll back client registration", slog.Any("error", err))
	}
	s.g.rooms.Leave(rooms.ClientKey(clientID), s.socket)
	s.g.rooms.Leave(room.Key(), s.socket)
}
