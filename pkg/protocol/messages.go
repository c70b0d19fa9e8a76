package protocol

import "encoding/json"

// Envelope is the wire wrapper for every socket message in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound events.
const (
	EventConnectDocument = "connect_document"
	EventSubmitOp        = "submitOp"
	EventSubmitSignal    = "submitSignal"
	EventGetClients      = "get_clients"
	EventPing            = "ping"
)

// Outbound events.
const (
	EventConnectSuccess   = "connect_document_success"
	EventConnectError     = "connect_document_error"
	EventNack             = "nack"
	EventSignal           = "signal"
	EventConnectedClients = "connected_clients"
	EventPong             = "pong"
	EventOp               = "op"
)

// Connection modes requested at connect time.
const (
	ModeRead  = "read"
	ModeWrite = "write"
)

// RawOperation is an inbound operation after JSON decode. The gateway never
// interprets contents; it projects the object onto a whitelisted field set
// and forwards it opaquely.
type RawOperation map[string]any

// UserInfo identifies the authenticated user behind a client.
type UserInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ClientDetails carries client-asserted metadata. Type distinguishes
// interactive clients from service clients such as summarizers.
type ClientDetails struct {
	Type         string          `json:"type,omitempty"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
}

// ClientDescriptor is the server-composed description of a connected client.
// On connect, User and Scopes are overwritten from verified claims and
// Timestamp is stamped with server time; client-asserted values for those
// fields are never trusted.
type ClientDescriptor struct {
	Mode      string        `json:"mode,omitempty"`
	Details   ClientDetails `json:"details"`
	User      UserInfo      `json:"user"`
	Scopes    []string      `json:"scopes"`
	Timestamp int64         `json:"timestamp,omitempty"`
}

// SignalClient pairs a clientId with its descriptor for presence listings.
type SignalClient struct {
	ClientID string           `json:"clientId"`
	Client   ClientDescriptor `json:"client"`
}

// TokenClaims is the wire form of the verified token claims echoed back in
// the connect response.
type TokenClaims struct {
	DocumentID string   `json:"documentId"`
	TenantID   string   `json:"tenantId"`
	User       UserInfo `json:"user"`
	Scopes     []string `json:"scopes"`
	IssuedAt   int64    `json:"iat,omitempty"`
	ExpiresAt  int64    `json:"exp,omitempty"`
}

// ConnectMessage is the connect_document payload.
type ConnectMessage struct {
	TenantID string            `json:"tenantId"`
	ID       string            `json:"id"`
	Token    string            `json:"token,omitempty"`
	Client   *ClientDescriptor `json:"client,omitempty"`
	Versions []string          `json:"versions,omitempty"`
	Mode     string            `json:"mode,omitempty"`
}

// SummaryConfiguration is the summarizer tuning block advertised to clients.
type SummaryConfiguration struct {
	IdleTime     int `json:"idleTime"`
	MaxTime      int `json:"maxTime"`
	MaxOps       int `json:"maxOps"`
	MaxAckWaitMs int `json:"maxAckWaitTime"`
}

// ServiceConfiguration is advertised to clients on connect.
type ServiceConfiguration struct {
	BlockSize      int                  `json:"blockSize"`
	MaxMessageSize int                  `json:"maxMessageSize"`
	Summary        SummaryConfiguration `json:"summary"`
}

// DefaultServiceConfiguration is returned to readers, which have no orderer
// connection to take the authoritative values from.
var DefaultServiceConfiguration = ServiceConfiguration{
	BlockSize:      65536,
	MaxMessageSize: 16 * 1024,
	Summary: SummaryConfiguration{
		IdleTime:     5000,
		MaxTime:      60000,
		MaxOps:       100,
		MaxAckWaitMs: 600000,
	},
}

// DefaultReaderMaxMessageSize caps message size for read-only clients.
const DefaultReaderMaxMessageSize = 1024

// ConnectedMessage is the connect_document_success payload.
type ConnectedMessage struct {
	Claims               TokenClaims          `json:"claims"`
	ClientID             string               `json:"clientId"`
	Existing             bool                 `json:"existing"`
	Mode                 string               `json:"mode"`
	MaxMessageSize       int                  `json:"maxMessageSize"`
	ServiceConfiguration ServiceConfiguration `json:"serviceConfiguration"`
	InitialClients       []SignalClient       `json:"initialClients"`
	InitialMessages      []json.RawMessage    `json:"initialMessages"`
	InitialSignals       []json.RawMessage    `json:"initialSignals"`
	SupportedVersions    []string             `json:"supportedVersions"`
	Version              string               `json:"version"`
	Timestamp            int64                `json:"timestamp"`
}

// ErrorMessage is the connect_document_error payload.
type ErrorMessage struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// NackType classifies a negative acknowledgment.
type NackType string

const (
	NackBadRequest   NackType = "BadRequestError"
	NackInvalidScope NackType = "InvalidScopeError"
	NackThrottling   NackType = "ThrottlingError"
)

// NackMessage is one entry of a nack payload.
type NackMessage struct {
	Code       int      `json:"code"`
	Type       NackType `json:"type"`
	Message    string   `json:"message"`
	RetryAfter int      `json:"retryAfter,omitempty"`
}

// NackPayload is the nack event payload. Target is a placeholder kept for
// wire compatibility with clients expecting the two-argument form.
type NackPayload struct {
	Target   string        `json:"target"`
	Messages []NackMessage `json:"messages"`
}

// SubmitPayload is the submitOp/submitSignal payload. Each batch element is
// either a single operation object or an array of operations.
type SubmitPayload struct {
	ClientID string            `json:"clientId"`
	Batches  []json.RawMessage `json:"batches"`
}

// ClientIDPayload is the payload of get_clients, ping and pong.
type ClientIDPayload struct {
	ClientID string `json:"clientId"`
}

// SignalMessage relays a client-submitted signal to the room.
type SignalMessage struct {
	ClientID string          `json:"clientId"`
	Content  json.RawMessage `json:"content"`
}

// JoinSignal announces a newly connected client to its room.
type JoinSignal struct {
	ClientID string           `json:"clientId"`
	Details  ClientDescriptor `json:"details"`
}

// LeaveSignal announces a departed client to its room.
type LeaveSignal struct {
	ClientID string `json:"clientId"`
}
