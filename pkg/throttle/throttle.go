package throttle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// RateLimiter is the pluggable counter behind the throttle guard. An
// implementation returns *ThrottlingError when the key's budget is spent and
// any other error for its own internal failures.
type RateLimiter interface {
	IncrementCount(ctx context.Context, key string) error
}

// ThrottlingError signals that a throttle key exceeded its budget.
type ThrottlingError struct {
	Code          int
	Message       string
	RetryAfterSec int
}

func (e *ThrottlingError) Error() string {
	return fmt.Sprintf("throttled (%d): %s", e.Code, e.Message)
}

// ConnectKey is the throttle key for socket connects within a tenant.
func ConnectKey(tenantID string) string {
	return tenantID + "_OpenSocketConn"
}

// SubmitOpKey is the throttle key for op submissions by one client.
func SubmitOpKey(clientID, tenantID string) string {
	return clientID + "_" + tenantID + "_SubmitOp"
}

// Check increments the counter for key against the limiter. A nil limiter is
// a no-op. Exceeded budgets come back as the limiter's ThrottlingError.
// Internal limiter failures are logged and swallowed: a broken limiter must
// not deny service.
func Check(ctx context.Context, logger *slog.Logger, limiter RateLimiter, key string) *ThrottlingError {
	if limiter == nil {
		return nil
	}
	err := limiter.IncrementCount(ctx, key)
	if err == nil {
		return nil
	}
	var te *ThrottlingError
	if errors.As(err, &te) {
		return te
	}
	logger.Error("Rate limiter failure",
		slog.String("group", "throttling"),
		slog.String("key", key),
		slog.Any("error", err),
	)
	return nil
}
