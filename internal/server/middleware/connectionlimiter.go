package middleware

import (
	"log/slog"
	"net/http"
)

// SocketCounter reports the number of currently open sockets.
type SocketCounter func() int

// NewConnectionLimiter rejects new socket upgrades once the process-wide
// open-socket cap is reached. A cap of zero disables the limiter.
func NewConnectionLimiter(logger *slog.Logger, counter SocketCounter, maxSockets int) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxSockets <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			count := counter()
			if count < maxSockets {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("Open socket limit reached", slog.Int("count", count), slog.Int("max", maxSockets))
			http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
		})
	}
}
