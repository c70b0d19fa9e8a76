package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/Dhoot/fluidrelay/pkg/auth"
	"github.com/Dhoot/fluidrelay/pkg/protocol"
	"github.com/Dhoot/fluidrelay/pkg/throttle"
)

// handleSubmitOp forwards a writer's operation batches to its orderer
// connection. Non-writers get exactly one nack whose code depends on why
// they cannot write.
func (s *Session) handleSubmitOp(ctx context.Context, msg *protocol.SubmitPayload) {
	conn, room, scopes, inRoom := s.lookup(msg.ClientID)
	if conn == nil {
		switch {
		case inRoom && (auth.CanWrite(scopes) || auth.CanSummarize(scopes)):
			s.sendNack(http.StatusBadRequest, protocol.NackBadRequest, "Readonly client", 0)
		case inRoom:
			s.sendNack(http.StatusForbidden, protocol.NackInvalidScope, "Invalid scope", 0)
		default:
			s.sendNack(http.StatusBadRequest, protocol.NackBadRequest, "Nonexistent client", 0)
		}
		return
	}

	if te := throttle.Check(ctx, s.logger, s.g.submitOpLimiter, throttle.SubmitOpKey(msg.ClientID, room.TenantID)); te != nil {
		s.sendNack(te.Code, protocol.NackThrottling, te.Message, te.RetryAfterSec)
		return
	}

	for _, batch := range msg.Batches {
		ops, err := flattenBatch(batch)
		if err != nil {
			s.logger.Warn("Dropping malformed op batch", slog.Any("error", err))
			continue
		}
		sanitized := make([]protocol.RawOperation, 0, len(ops))
		for _, raw := range ops {
			if op, forward := s.sanitizeOperation(ctx, raw); forward {
				sanitized = append(sanitized, op)
			}
		}
		if len(sanitized) == 0 {
			continue
		}
		// The orderer publishes authoritative acks on its own path; an order
		// failure here is logged, never surfaced to the submitter.
		if err := conn.Order(ctx, sanitized); err != nil {
			s.logger.Error("Failed to order operations", slog.Any("room", room), slog.Any("error", err))
			continue
		}
		if s.g.metrics != nil {
			s.g.metrics.OpsForwarded.Add(float64(len(sanitized)))
		}
	}
}

// handleSubmitSignal fans transient signals out to the client's room. Any
// room member may signal; no throttling, no durability.
func (s *Session) handleSubmitSignal(_ context.Context, msg *protocol.SubmitPayload) {
	_, room, _, inRoom := s.lookup(msg.ClientID)
	if !inRoom {
		s.sendNack(http.StatusBadRequest, protocol.NackBadRequest, "Nonexistent client", 0)
		return
	}

	for _, batch := range msg.Batches {
		for _, content := range flattenRawBatch(batch) {
			s.g.rooms.Broadcast(room.Key(), protocol.EventSignal, protocol.SignalMessage{
				ClientID: msg.ClientID,
				Content:  content,
			})
			if s.g.metrics != nil {
				s.g.metrics.SignalsBroadcast.Inc()
			}
		}
	}
}

// flattenBatch decodes one batch element, which is either a single op object
// or an array of ops.
func flattenBatch(batch json.RawMessage) ([]protocol.RawOperation, error) {
	if gjson.ParseBytes(batch).IsArray() {
		var ops []protocol.RawOperation
		if err := json.Unmarshal(batch, &ops); err != nil {
			return nil, err
		}
		return ops, nil
	}
	var op protocol.RawOperation
	if err := json.Unmarshal(batch, &op); err != nil {
		return nil, err
	}
	return []protocol.RawOperation{op}, nil
}

// flattenRawBatch splits a batch element into raw payloads without decoding
// them; signal contents are forwarded opaquely.
func flattenRawBatch(batch json.RawMessage) []json.RawMessage {
	if gjson.ParseBytes(batch).IsArray() {
		var items []json.RawMessage
		if err := json.Unmarshal(batch, &items); err != nil {
			return []json.RawMessage{batch}
		}
		return items
	}
	return []json.RawMessage{batch}
}
