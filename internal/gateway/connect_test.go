package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Dhoot/fluidrelay/pkg/auth"
	"github.com/Dhoot/fluidrelay/pkg/protocol"
	"github.com/Dhoot/fluidrelay/pkg/throttle"
)

func TestConnectHappyWriter(t *testing.T) {
	env := newTestEnv(t)
	socket := newFakeSocket()

	_, connected := writerConnect(t, env, socket)

	if connected.Mode != protocol.ModeWrite {
		t.Errorf("Expected write mode, got %s", connected.Mode)
	}
	if connected.Version != "^0.4.0" {
		t.Errorf("Expected version ^0.4.0, got %s", connected.Version)
	}
	if connected.MaxMessageSize != env.orderers.conn.MaxMessageSize() {
		t.Errorf("Expected orderer maxMessageSize %d, got %d", env.orderers.conn.MaxMessageSize(), connected.MaxMessageSize)
	}
	if !connected.Existing {
		t.Error("Expected existing=true")
	}
	if connected.ClientID == "" {
		t.Error("Expected a minted clientId")
	}

	// The room sees exactly one join signal for this client.
	joins := socket.eventsNamed(protocol.EventSignal)
	if len(joins) != 1 {
		t.Fatalf("Expected exactly one join signal, got %d", len(joins))
	}
}

func TestConnectReaderFallback(t *testing.T) {
	env := newTestEnv(t)
	socket := newFakeSocket()

	session, connected := connectClient(t, env, socket, &protocol.ConnectMessage{
		TenantID: "acme",
		ID:       "doc1",
		Token:    mintToken(t, "acme", "doc1", []string{auth.ScopeDocRead, auth.ScopeDocWrite}, 30*time.Minute),
		Mode:     protocol.ModeRead,
		Versions: []string{"^0.4.0"},
	})

	if connected.Mode != protocol.ModeRead {
		t.Errorf("Expected read mode, got %s", connected.Mode)
	}
	if connected.MaxMessageSize != protocol.DefaultReaderMaxMessageSize {
		t.Errorf("Expected reader maxMessageSize 1024, got %d", connected.MaxMessageSize)
	}
	if connected.ServiceConfiguration != protocol.DefaultServiceConfiguration {
		t.Errorf("Expected platform default serviceConfiguration, got %+v", connected.ServiceConfiguration)
	}

	// A write-capable client connected in read mode gets the readonly nack.
	session.handleSubmitOp(context.Background(), &protocol.SubmitPayload{ClientID: connected.ClientID})
	var nack protocol.NackPayload
	socket.lastEvent(t, protocol.EventNack, &nack)
	if len(nack.Messages) != 1 {
		t.Fatalf("Expected exactly one nack message, got %d", len(nack.Messages))
	}
	if nack.Messages[0].Code != 400 || nack.Messages[0].Type != protocol.NackBadRequest || nack.Messages[0].Message != "Readonly client" {
		t.Errorf("Unexpected nack: %+v", nack.Messages[0])
	}
}

func TestConnectSummarizerScopeStrip(t *testing.T) {
	env := newTestEnv(t)
	socket := newFakeSocket()

	_, connected := connectClient(t, env, socket, &protocol.ConnectMessage{
		TenantID: "acme",
		ID:       "doc1",
		Token:    mintToken(t, "acme", "doc1", []string{auth.ScopeDocWrite, auth.ScopeSummaryWrite}, 30*time.Minute),
		Mode:     protocol.ModeWrite,
		Versions: []string{"^0.4.0"},
		Client:   &protocol.ClientDescriptor{Details: protocol.ClientDetails{Type: "container"}},
	})

	clients, err := env.registry.GetClients(context.Background(), "acme", "doc1")
	if err != nil {
		t.Fatalf("GetClients failed: %v", err)
	}
	if len(clients) != 1 {
		t.Fatalf("Expected one registered client, got %d", len(clients))
	}
	for _, scope := range clients[0].Client.Scopes {
		if scope == auth.ScopeSummaryWrite {
			t.Error("Expected summary:write stripped for non-summarizer client")
		}
	}
	if !auth.CanWrite(clients[0].Client.Scopes) {
		t.Error("Expected doc:write preserved")
	}
	_ = connected
}

func TestConnectSummarizerKeepsScope(t *testing.T) {
	env := newTestEnv(t)
	socket := newFakeSocket()

	connectClient(t, env, socket, &protocol.ConnectMessage{
		TenantID: "acme",
		ID:       "doc1",
		Token:    mintToken(t, "acme", "doc1", []string{auth.ScopeSummaryWrite}, 30*time.Minute),
		Mode:     protocol.ModeWrite,
		Versions: []string{"^0.4.0"},
		Client:   &protocol.ClientDescriptor{Details: protocol.ClientDetails{Type: "summarizer"}},
	})

	clients, _ := env.registry.GetClients(context.Background(), "acme", "doc1")
	if len(clients) != 1 || !auth.CanSummarize(clients[0].Client.Scopes) {
		t.Error("Expected summarizer to keep summary:write")
	}
}

func TestConnectMissingToken(t *testing.T) {
	env := newTestEnv(t)
	socket := newFakeSocket()

	session := env.gateway.HandleConnection(socket)
	session.handleConnect(context.Background(), &protocol.ConnectMessage{TenantID: "acme", ID: "doc1"})

	var errMsg protocol.ErrorMessage
	socket.lastEvent(t, protocol.EventConnectError, &errMsg)
	if errMsg.Code != 403 || errMsg.Message != "Must provide an authorization token" {
		t.Errorf("Unexpected error: %+v", errMsg)
	}
}

func TestConnectInvalidToken(t *testing.T) {
	env := newTestEnv(t)
	socket := newFakeSocket()

	session := env.gateway.HandleConnection(socket)
	session.handleConnect(context.Background(), &protocol.ConnectMessage{
		TenantID: "acme",
		ID:       "doc1",
		Token:    "not-a-jwt",
	})

	var errMsg protocol.ErrorMessage
	socket.lastEvent(t, protocol.EventConnectError, &errMsg)
	if errMsg.Code != 401 {
		t.Errorf("Expected 401, got %d", errMsg.Code)
	}
}

func TestConnectTokenForDifferentDocument(t *testing.T) {
	env := newTestEnv(t)
	socket := newFakeSocket()

	session := env.gateway.HandleConnection(socket)
	session.handleConnect(context.Background(), &protocol.ConnectMessage{
		TenantID: "acme",
		ID:       "doc1",
		Token:    mintToken(t, "acme", "other-doc", []string{auth.ScopeDocRead}, 30*time.Minute),
	})

	var errMsg protocol.ErrorMessage
	socket.lastEvent(t, protocol.EventConnectError, &errMsg)
	if errMsg.Code != 403 {
		t.Errorf("Expected 403 for claim mismatch, got %d", errMsg.Code)
	}
}

func TestConnectProtocolMismatch(t *testing.T) {
	env := newTestEnv(t)
	socket := newFakeSocket()

	session := env.gateway.HandleConnection(socket)
	session.handleConnect(context.Background(), &protocol.ConnectMessage{
		TenantID: "acme",
		ID:       "doc1",
		Token:    mintToken(t, "acme", "doc1", []string{auth.ScopeDocRead}, 30*time.Minute),
		Versions: []string{"^9.0.0"},
	})

	var errMsg protocol.ErrorMessage
	socket.lastEvent(t, protocol.EventConnectError, &errMsg)
	if errMsg.Code != 400 {
		t.Errorf("Expected 400, got %d", errMsg.Code)
	}
	want := "Unsupported client protocol. Server: [^0.4.0,^0.3.0,^0.2.0,^0.1.0]. Client: [^9.0.0]"
	if errMsg.Message != want {
		t.Errorf("Error message mismatch:\n got:  %s\n want: %s", errMsg.Message, want)
	}
}

func TestConnectQuotaExceeded(t *testing.T) {
	env := newTestEnv(t, withConfig(Config{MaxClientsPerDocument: 2, MaxTokenLifetime: time.Hour}))

	for i := 0; i < 2; i++ {
		writerConnect(t, env, newFakeSocket())
	}

	socket := newFakeSocket()
	session := env.gateway.HandleConnection(socket)
	session.handleConnect(context.Background(), &protocol.ConnectMessage{
		TenantID: "acme",
		ID:       "doc1",
		Token:    mintToken(t, "acme", "doc1", []string{auth.ScopeDocRead}, 30*time.Minute),
		Versions: []string{"^0.4.0"},
	})

	var errMsg protocol.ErrorMessage
	socket.lastEvent(t, protocol.EventConnectError, &errMsg)
	if errMsg.Code != 429 || errMsg.Message != "Too Many Clients Connected to Document" {
		t.Errorf("Unexpected quota error: %+v", errMsg)
	}
	if errMsg.RetryAfter != 300 {
		t.Errorf("Expected retryAfter 300, got %d", errMsg.RetryAfter)
	}
}

func TestConnectThrottled(t *testing.T) {
	limiter := &scriptedLimiter{errs: []error{&throttle.ThrottlingError{
		Code:          429,
		Message:       "Too many connects",
		RetryAfterSec: 7,
	}}}
	env := newTestEnv(t, withConnectLimiter(limiter))
	socket := newFakeSocket()

	session := env.gateway.HandleConnection(socket)
	session.handleConnect(context.Background(), &protocol.ConnectMessage{
		TenantID: "acme",
		ID:       "doc1",
		Token:    mintToken(t, "acme", "doc1", []string{auth.ScopeDocRead}, 30*time.Minute),
	})

	var errMsg protocol.ErrorMessage
	socket.lastEvent(t, protocol.EventConnectError, &errMsg)
	if errMsg.Code != 429 || errMsg.Message != "Too many connects" || errMsg.RetryAfter != 7 {
		t.Errorf("Expected the throttle error surfaced untouched, got %+v", errMsg)
	}
	if len(limiter.calls) != 1 || limiter.calls[0] != "acme_OpenSocketConn" {
		t.Errorf("Unexpected limiter calls: %v", limiter.calls)
	}
}

func TestConnectTokenExpiryForcesClose(t *testing.T) {
	env := newTestEnv(t, withConfig(Config{
		MaxClientsPerDocument: 100,
		MaxTokenLifetime:      time.Hour,
		TokenExpiryEnabled:    true,
	}))
	socket := newFakeSocket()

	session, connected := connectClient(t, env, socket, &protocol.ConnectMessage{
		TenantID: "acme",
		ID:       "doc1",
		// Token timestamps carry second precision, so the shortest reliable
		// lifetime is a bit over one second.
		Token:    mintToken(t, "acme", "doc1", []string{auth.ScopeDocRead}, 1200*time.Millisecond),
		Versions: []string{"^0.4.0"},
	})

	deadline := time.Now().Add(3 * time.Second)
	for socket.closeCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if socket.closeCount() != 1 {
		t.Fatalf("Expected the socket force-closed on token expiry, closes=%d", socket.closeCount())
	}

	// The transport invokes the disconnect handler on close.
	session.HandleDisconnect(context.Background())
	if got := env.registry.removes[connected.ClientID]; got != 1 {
		t.Errorf("Expected exactly one removeClient for %s, got %d", connected.ClientID, got)
	}
}

func TestConnectSecondClientOnSameSocket(t *testing.T) {
	env := newTestEnv(t)
	socket := newFakeSocket()

	session := env.gateway.HandleConnection(socket)
	msg := &protocol.ConnectMessage{
		TenantID: "acme",
		ID:       "doc1",
		Token:    mintToken(t, "acme", "doc1", []string{auth.ScopeDocRead, auth.ScopeDocWrite}, 30*time.Minute),
		Mode:     protocol.ModeWrite,
		Versions: []string{"^0.4.0"},
	}
	session.handleConnect(context.Background(), msg)
	session.handleConnect(context.Background(), msg)

	successes := socket.eventsNamed(protocol.EventConnectSuccess)
	if len(successes) != 2 {
		t.Fatalf("Expected two connect successes, got %d", len(successes))
	}
	var first, second protocol.ConnectedMessage
	if err := json.Unmarshal(successes[0], &first); err != nil {
		t.Fatalf("Failed to decode first success: %v", err)
	}
	if err := json.Unmarshal(successes[1], &second); err != nil {
		t.Fatalf("Failed to decode second success: %v", err)
	}

	if first.ClientID == second.ClientID {
		t.Error("Expected distinct clientIds for repeated connects on one socket")
	}
	clients, _ := env.registry.GetClients(context.Background(), "acme", "doc1")
	if len(clients) != 2 {
		t.Errorf("Expected both clients registered, got %d", len(clients))
	}
}
