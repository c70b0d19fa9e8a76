package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
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

const testSecret = "test-secret"

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// --- fake socket ---

type fakeSocket struct {
	id     uuid.UUID
	mu     sync.Mutex
	sent   [][]byte
	closed []error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{id: uuid.New()}
}

func (f *fakeSocket) ID() uuid.UUID { return f.id }

func (f *fakeSocket) Send(msg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
}

func (f *fakeSocket) Close(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, err)
}

func (f *fakeSocket) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.closed)
}

func (f *fakeSocket) envelopes() []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(f.sent))
	for _, raw := range f.sent {
		var e protocol.Envelope
		if err := json.Unmarshal(raw, &e); err == nil {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeSocket) eventsNamed(event string) []json.RawMessage {
	var out []json.RawMessage
	for _, e := range f.envelopes() {
		if e.Event == event {
			out = append(out, e.Payload)
		}
	}
	return out
}

func (f *fakeSocket) lastEvent(t *testing.T, event string, into any) {
	t.Helper()
	payloads := f.eventsNamed(event)
	if len(payloads) == 0 {
		t.Fatalf("Expected a %s event, got events %v", event, f.eventNames())
	}
	if err := json.Unmarshal(payloads[len(payloads)-1], into); err != nil {
		t.Fatalf("Failed to decode %s payload: %v", event, err)
	}
}

func (f *fakeSocket) eventNames() []string {
	var names []string
	for _, e := range f.envelopes() {
		names = append(names, e.Event)
	}
	return names
}

// --- fake orderer ---

type fakeOrdererConn struct {
	mu           sync.Mutex
	ordered      [][]protocol.RawOperation
	connects     int
	disconnects  int
	onError      func(error)
	maxMsgSize   int
	serviceConf  protocol.ServiceConfiguration
	orderFailure error
}

func newFakeOrdererConn() *fakeOrdererConn {
	return &fakeOrdererConn{
		maxMsgSize: 64 * 1024,
		serviceConf: protocol.ServiceConfiguration{
			BlockSize:      32768,
			MaxMessageSize: 64 * 1024,
			Summary:        protocol.DefaultServiceConfiguration.Summary,
		},
	}
}

func (c *fakeOrdererConn) MaxMessageSize() int { return c.maxMsgSize }

func (c *fakeOrdererConn) ServiceConfiguration() protocol.ServiceConfiguration {
	return c.serviceConf
}

func (c *fakeOrdererConn) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	return nil
}

func (c *fakeOrdererConn) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	return nil
}

func (c *fakeOrdererConn) Order(_ context.Context, ops []protocol.RawOperation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.orderFailure != nil {
		return c.orderFailure
	}
	c.ordered = append(c.ordered, ops)
	return nil
}

func (c *fakeOrdererConn) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

func (c *fakeOrdererConn) orderedBatches() [][]protocol.RawOperation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]protocol.RawOperation(nil), c.ordered...)
}

func (c *fakeOrdererConn) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

type fakeOrdererManager struct {
	conn *fakeOrdererConn
}

func (m *fakeOrdererManager) GetOrderer(context.Context, string, string) (orderer.Orderer, error) {
	return m, nil
}

func (m *fakeOrdererManager) Connect(rooms.Conn, string, protocol.ClientDescriptor) (orderer.Connection, error) {
	return m.conn, nil
}

// --- counting registry ---

type countingRegistry struct {
	registry.ClientRegistry
	mu      sync.Mutex
	adds    int
	removes map[string]int
}

func newCountingRegistry() *countingRegistry {
	return &countingRegistry{
		ClientRegistry: registry.NewMemoryRegistry(),
		removes:        make(map[string]int),
	}
}

func (r *countingRegistry) AddClient(ctx context.Context, tenantID, documentID, clientID string, client protocol.ClientDescriptor) error {
	r.mu.Lock()
	r.adds++
	r.mu.Unlock()
	return r.ClientRegistry.AddClient(ctx, tenantID, documentID, clientID, client)
}

func (r *countingRegistry) RemoveClient(ctx context.Context, tenantID, documentID, clientID string) error {
	r.mu.Lock()
	r.removes[clientID]++
	r.mu.Unlock()
	return r.ClientRegistry.RemoveClient(ctx, tenantID, documentID, clientID)
}

// --- fake metric sink ---

type recordingSink struct {
	mu      sync.Mutex
	samples [][]metrics.Trace
}

func (s *recordingSink) WriteLatencyMetric(_ context.Context, _ string, traces []metrics.Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, traces)
	return nil
}

func (s *recordingSink) sampleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

// --- scripted limiter ---

type scriptedLimiter struct {
	mu    sync.Mutex
	errs  []error
	calls []string
}

func (l *scriptedLimiter) IncrementCount(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, key)
	if len(l.errs) == 0 {
		return nil
	}
	err := l.errs[0]
	l.errs = l.errs[1:]
	return err
}

// --- test harness ---

type testEnv struct {
	gateway  *Gateway
	rooms    *rooms.Manager
	registry *countingRegistry
	orderers *fakeOrdererManager
	sink     *recordingSink
}

type envOption func(*Options)

func withConfig(cfg Config) envOption {
	return func(o *Options) { o.Config = cfg }
}

func withConnectLimiter(l throttle.RateLimiter) envOption {
	return func(o *Options) { o.ConnectLimiter = l }
}

func withSubmitOpLimiter(l throttle.RateLimiter) envOption {
	return func(o *Options) { o.SubmitOpLimiter = l }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	env := &testEnv{
		rooms:    rooms.NewManager(newTestLogger()),
		registry: newCountingRegistry(),
		orderers: &fakeOrdererManager{conn: newFakeOrdererConn()},
		sink:     &recordingSink{},
	}
	options := Options{
		Config:     Config{MaxClientsPerDocument: 100, MaxTokenLifetime: time.Hour},
		Rooms:      env.rooms,
		Tenants:    tenant.NewStaticManager(),
		Registry:   env.registry,
		Orderers:   env.orderers,
		Tokens:     auth.NewValidator(testSecret),
		MetricSink: env.sink,
	}
	for _, opt := range opts {
		opt(&options)
	}
	env.gateway = New(newTestLogger(), options)
	// Deterministic trace sampling: off unless a test opts in.
	env.gateway.sampleTrace = func() bool { return false }
	return env
}

func mintToken(t *testing.T, tenantID, documentID string, scopes []string, lifetime time.Duration) string {
	t.Helper()
	now := time.Now()
	claims := &auth.Claims{
		DocumentID: documentID,
		TenantID:   tenantID,
		User:       protocol.UserInfo{ID: "u1", Name: "User One"},
		Scopes:     scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return signed
}

func connectClient(t *testing.T, env *testEnv, socket *fakeSocket, msg *protocol.ConnectMessage) (*Session, protocol.ConnectedMessage) {
	t.Helper()
	session := env.gateway.HandleConnection(socket)
	session.handleConnect(context.Background(), msg)

	var connected protocol.ConnectedMessage
	socket.lastEvent(t, protocol.EventConnectSuccess, &connected)
	return session, connected
}

func writerConnect(t *testing.T, env *testEnv, socket *fakeSocket) (*Session, protocol.ConnectedMessage) {
	t.Helper()
	return connectClient(t, env, socket, &protocol.ConnectMessage{
		TenantID: "acme",
		ID:       "doc1",
		Token:    mintToken(t, "acme", "doc1", []string{auth.ScopeDocRead, auth.ScopeDocWrite}, 30*time.Minute),
		Mode:     protocol.ModeWrite,
		Versions: []string{"^0.4.0"},
		Client:   &protocol.ClientDescriptor{Details: protocol.ClientDetails{Type: "container"}},
	})
}
