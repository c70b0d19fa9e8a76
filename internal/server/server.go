package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Dhoot/fluidrelay/internal/gateway"
	"github.com/Dhoot/fluidrelay/internal/server/middleware"
	"github.com/Dhoot/fluidrelay/pkg/config"
	"github.com/Dhoot/fluidrelay/pkg/transport"
)

type App struct {
	logger  *slog.Logger
	gateway *gateway.Gateway
	config  *config.Config
	wg      sync.WaitGroup
	http    *http.Server

	connMu sync.Mutex
	conns  map[uuid.UUID]*transport.Connection

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, gw *gateway.Gateway, registry *prometheus.Registry) *App {
	app := &App{
		logger:  logger,
		gateway: gw,
		config:  cfg,
		conns:   make(map[uuid.UUID]*transport.Connection),
		ctx:     rootCtx,
	}

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewConnectionLimiter(logger, app.openSockets, cfg.Server.MaxSockets),
		),
	)
	if cfg.Metrics.Enabled && registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}
	return app
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) openSockets() int {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	return len(a.conns)
}

func (a *App) track(conn *transport.Connection) {
	a.connMu.Lock()
	a.conns[conn.ID()] = conn
	a.connMu.Unlock()
}

func (a *App) untrack(id uuid.UUID) {
	a.connMu.Lock()
	delete(a.conns, id)
	a.connMu.Unlock()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(slog.String("remoteAddr", reqMeta.IP))

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.Config{ReadTimeout: a.config.Transport.ReadTimeout},
		a.logger,
	)
	session := a.gateway.HandleConnection(conn)
	conn.SetOnMessageHandler(session.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Draining session on closure", slog.String("connID", id.String()))
		session.HandleDisconnect(context.Background())
		a.untrack(id)
	})
	a.track(conn)

	connLogger.Info("Socket connection established")
	conn.Run()
	<-conn.Done()
}

// Shutdown runs the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	a.logger.Info("Closing all active connections...")
	a.connMu.Lock()
	conns := make([]*transport.Connection, 0, len(a.conns))
	for _, conn := range a.conns {
		conns = append(conns, conn)
	}
	a.connMu.Unlock()
	for _, conn := range conns {
		conn.Close(errors.New("graceful shutdown"))
	}

	// Wait for every connection's disconnect handler to finish draining.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
