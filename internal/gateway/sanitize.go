package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Dhoot/fluidrelay/pkg/metrics"
	"github.com/Dhoot/fluidrelay/pkg/protocol"
)

// opFieldWhitelist is the canonical shape forwarded to the orderer. Every
// other inbound field is dropped.
var opFieldWhitelist = []string{
	"clientSequenceNumber",
	"contents",
	"metadata",
	"referenceSequenceNumber",
	"traces",
	"type",
}

// opTypeRoundTrip marks client latency probes. They carry trace spans back
// to the server and are never forwarded.
const opTypeRoundTrip = "RoundTrip"

const (
	traceSampleRate = 100
	traceService    = "alfred"
)

// sanitizeOperation projects an inbound op onto the whitelisted field set
// and stamps a sampled tracing span. RoundTrip messages are consumed here:
// their traces go to the metric sink and the op is dropped (forward=false).
func (s *Session) sanitizeOperation(ctx context.Context, raw protocol.RawOperation) (op protocol.RawOperation, forward bool) {
	if t, _ := raw["type"].(string); t == opTypeRoundTrip {
		s.forwardLatencyTraces(ctx, raw["traces"])
		return nil, false
	}

	op = make(protocol.RawOperation, len(opFieldWhitelist))
	for _, field := range opFieldWhitelist {
		if v, ok := raw[field]; ok {
			op[field] = v
		}
	}
	if traces, ok := op["traces"].([]any); ok && s.g.sampleTrace() {
		op["traces"] = append(traces, map[string]any{
			"action":    "start",
			"service":   traceService,
			"timestamp": float64(s.g.now().UnixMilli()),
		})
	}
	return op, true
}

func (s *Session) forwardLatencyTraces(ctx context.Context, rawTraces any) {
	if rawTraces == nil {
		return
	}
	encoded, err := json.Marshal(rawTraces)
	if err != nil {
		s.logger.Warn("Failed to encode round-trip traces", slog.Any("error", err))
		return
	}
	var traces []metrics.Trace
	if err := json.Unmarshal(encoded, &traces); err != nil {
		s.logger.Warn("Malformed round-trip traces", slog.Any("error", err))
		return
	}
	if err := s.g.sink.WriteLatencyMetric(ctx, "latency", traces); err != nil {
		s.logger.Warn("Failed to write latency metric", slog.Any("error", err))
	}
}
