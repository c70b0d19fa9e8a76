package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Manager verifies that a tenant accepts a presented token.
type Manager interface {
	VerifyToken(ctx context.Context, tenantID, token string) error
}

// StatusError carries the upstream HTTP status of a failed verification so
// the connect pipeline can surface it verbatim.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tenant verification failed (%d): %s", e.Status, e.Message)
}

// HTTPManager verifies tokens against a remote tenant authority.
type HTTPManager struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

func NewHTTPManager(endpoint string, logger *slog.Logger) *HTTPManager {
	return &HTTPManager{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger.With(slog.String("component", "tenant_manager")),
	}
}

var _ Manager = (*HTTPManager)(nil)

func (m *HTTPManager) VerifyToken(ctx context.Context, tenantID, token string) error {
	u := fmt.Sprintf("%s/api/tenants/%s/validate", m.endpoint, url.PathEscape(tenantID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return fmt.Errorf("building tenant validation request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Error("Tenant authority unreachable", slog.String("tenantId", tenantID), slog.Any("error", err))
		return fmt.Errorf("calling tenant authority: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Status: resp.StatusCode, Message: "Token rejected by tenant authority"}
	}
	return nil
}

// StaticManager accepts tokens for a fixed tenant set. An empty set accepts
// every tenant; used for single-tenant deployments and tests.
type StaticManager struct {
	tenants map[string]struct{}
}

func NewStaticManager(tenantIDs ...string) *StaticManager {
	m := &StaticManager{tenants: make(map[string]struct{}, len(tenantIDs))}
	for _, id := range tenantIDs {
		m.tenants[id] = struct{}{}
	}
	return m
}

var _ Manager = (*StaticManager)(nil)

func (m *StaticManager) VerifyToken(_ context.Context, tenantID, _ string) error {
	if len(m.tenants) == 0 {
		return nil
	}
	if _, ok := m.tenants[tenantID]; !ok {
		return &StatusError{Status: http.StatusForbidden, Message: "Unknown tenant"}
	}
	return nil
}
