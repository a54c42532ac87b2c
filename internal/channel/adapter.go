package channel

import (
	"context"
	"errors"
	"net/http"
	"net/url"
)

// ErrNotInitialized is returned when an adapter operation that needs
// credentials runs before Initialize succeeded. It signals programmer
// error, unlike ordinary send failures which come back inside SendResult.
var ErrNotInitialized = errors.New("channel adapter not initialized")

// Adapter is the capability contract every channel implements. Protocol
// details (HTTP endpoints, credential shapes, payload formats) stay behind
// this interface; core logic never sees them.
type Adapter interface {
	Type() Type

	// Initialize binds the credential bundle. It returns a *ConfigError
	// when required credential fields are missing. Re-initializing with a
	// rotated bundle must be safe while sends are in flight.
	Initialize(cfg IntegrationConfig) error

	// SendMessage dispatches one outbound message. The error return is
	// reserved for programmer error (ErrNotInitialized); upstream
	// rejections come back as SendResult{Success: false}.
	SendMessage(ctx context.Context, opts SendOptions) (SendResult, error)

	// ParseInbound is a pure transformation of one raw webhook body into a
	// canonical message. It returns nil for payload shapes the adapter
	// does not recognize (delivery receipts, status pings) and must not
	// panic on malformed input.
	ParseInbound(raw []byte) *ParsedMessage

	// ValidateWebhook authenticates a webhook delivery against the raw,
	// unparsed request body. It must run before ParseInbound sees
	// untrusted data.
	ValidateWebhook(raw []byte, signature string, header http.Header) bool

	// Features reports the capability matrix.
	Features() Features

	// HealthCheck performs a cheap upstream probe without side effects.
	HealthCheck(ctx context.Context) Health
}

// CallParser is implemented by adapters that emit call events instead of
// messages (telephony).
type CallParser interface {
	ParseCallEvent(raw []byte) *ParsedCall
}

// ChallengeVerifier is implemented by adapters whose platform verifies a
// webhook subscription with a GET challenge handshake. On success the
// returned value is echoed verbatim to the caller.
type ChallengeVerifier interface {
	VerifyChallenge(query url.Values) (string, bool)
}

// ConfirmationResponder is implemented by adapters whose platform sends a
// one-time confirmation event inside the webhook body (VK callback API).
// When the raw payload is such an event, it returns the confirmation code
// to echo and true.
type ConfirmationResponder interface {
	ConfirmationResponse(raw []byte) (string, bool)
}
