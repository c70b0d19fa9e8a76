package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Dhoot/fluidrelay/pkg/protocol"
)

// Scope tokens embedded in bearer tokens.
const (
	ScopeDocRead      = "doc:read"
	ScopeDocWrite     = "doc:write"
	ScopeSummaryWrite = "summary:write"
)

// TokenError is a caller-visible token failure carrying an HTTP-style status.
type TokenError struct {
	Status  int
	Message string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("token error %d: %s", e.Status, e.Message)
}

// Claims is the verified identity and authorization payload of a bearer token.
type Claims struct {
	DocumentID string            `json:"documentId"`
	TenantID   string            `json:"tenantId"`
	User       protocol.UserInfo `json:"user"`
	Scopes     []string          `json:"scopes"`
	jwt.RegisteredClaims
}

// Wire projects the claims into the connect-response shape.
func (c *Claims) Wire() protocol.TokenClaims {
	w := protocol.TokenClaims{
		DocumentID: c.DocumentID,
		TenantID:   c.TenantID,
		User:       c.User,
		Scopes:     c.Scopes,
	}
	if c.IssuedAt != nil {
		w.IssuedAt = c.IssuedAt.Unix()
	}
	if c.ExpiresAt != nil {
		w.ExpiresAt = c.ExpiresAt.Unix()
	}
	return w
}

// Validator verifies HMAC-signed bearer tokens.
type Validator struct {
	secret []byte
}

func NewValidator(secret string) *Validator {
	return &Validator{secret: []byte(secret)}
}

// ValidateTokenClaims verifies the token signature and checks that the
// embedded tenant and document match the ones asserted on the envelope.
func (v *Validator) ValidateTokenClaims(tokenString, documentID, tenantID string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, &TokenError{Status: 401, Message: "Invalid token"}
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, &TokenError{Status: 401, Message: "Invalid token"}
	}
	if claims.TenantID != tenantID || claims.DocumentID != documentID {
		return nil, &TokenError{Status: 403, Message: "Token claims do not match requested document"}
	}
	return claims, nil
}

// ValidateTokenClaimsExpiration checks that the token's lifetime is bounded
// by maxLifetime and returns the remaining lifetime.
func ValidateTokenClaimsExpiration(claims *Claims, maxLifetime time.Duration) (time.Duration, error) {
	if claims.ExpiresAt == nil {
		return 0, &TokenError{Status: 401, Message: "Missing token expiration"}
	}
	exp := claims.ExpiresAt.Time
	if claims.IssuedAt != nil && exp.Sub(claims.IssuedAt.Time) > maxLifetime {
		return 0, &TokenError{Status: 401, Message: "Token lifetime exceeds maximum"}
	}
	remaining := time.Until(exp)
	if remaining <= 0 {
		return 0, &TokenError{Status: 401, Message: "Token expired"}
	}
	return remaining, nil
}

// StatusOf extracts the HTTP-style status from a token error, or the
// fallback when the error carries none.
func StatusOf(err error, fallback int) (int, string) {
	var te *TokenError
	if errors.As(err, &te) {
		return te.Status, te.Message
	}
	return fallback, "Invalid token"
}

// CanWrite reports whether the scope set grants document writes.
func CanWrite(scopes []string) bool {
	return hasScope(scopes, ScopeDocWrite)
}

// CanSummarize reports whether the scope set grants summary writes.
func CanSummarize(scopes []string) bool {
	return hasScope(scopes, ScopeSummaryWrite)
}

// StripScope returns the scope set without the given scope.
func StripScope(scopes []string, scope string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s != scope {
			out = append(out, s)
		}
	}
	return out
}

func hasScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}
