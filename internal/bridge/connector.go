package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EnvelopeKind distinguishes real messages from platform handshake payloads.
type EnvelopeKind string

const (
	EnvelopeMessage   EnvelopeKind = "message"
	EnvelopeChallenge EnvelopeKind = "challenge"
)

// InboundEnvelope is the canonical shape every connector parses its raw
// webhook payload into. SessionHandle is the opaque, platform-specific blob
// required to push a reply into the conversation; the bridge core stores it
// verbatim and never interprets it.
type InboundEnvelope struct {
	Kind              EnvelopeKind
	ConversationID    string
	ExternalMessageID string
	SenderDisplayName string
	SenderExternalID  string
	Text              string
	AttachmentURL     string
	ExternalTimestamp time.Time
	TenantID          string
	ConversationName  string
	SessionHandle     []byte
	// Challenge carries the token to echo back for EnvelopeChallenge.
	Challenge string
}

// SendReceipt is the success outcome of a connector send.
type SendReceipt struct {
	PlatformMessageID string
}

// Connector is the per-platform capability the bridge core is polymorphic
// over. New platforms are added by implementing this interface and
// registering under a PlatformID; the core never branches on platform
// identity outside the registry lookup.
type Connector interface {
	PlatformID() PlatformID
	DisplayName() string

	// ParseInbound normalizes a raw webhook payload. A payload the
	// connector cannot understand yields an error wrapping
	// ErrMalformedPayload.
	ParseInbound(raw []byte) (InboundEnvelope, error)

	// Send pushes text into the conversation identified by the opaque
	// session handle. Failures are reported as *SendError so the
	// dispatcher can distinguish transient from permanent conditions.
	Send(ctx context.Context, handle []byte, text string) (SendReceipt, error)
}

// SendError classifies a connector send failure. Transient failures
// (timeouts, 5xx, rate limits) are retried; permanent failures (handle
// rejected, conversation gone) short-circuit the retry loop and mark the
// mapping stale.
type SendError struct {
	Permanent bool
	// RetryAfter is an optional platform-provided backoff hint for
	// transient rate-limit responses.
	RetryAfter time.Duration
	Err        error
}

func (e *SendError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s send failure: %v", kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable send failure.
func Transient(err error) *SendError {
	return &SendError{Err: err}
}

// TransientAfter wraps err as a retryable send failure with a platform
// retry hint.
func TransientAfter(err error, retryAfter time.Duration) *SendError {
	return &SendError{Err: err, RetryAfter: retryAfter}
}

// Permanent wraps err as an unrecoverable send failure.
func Permanent(err error) *SendError {
	return &SendError{Permanent: true, Err: err}
}

// IsPermanent reports whether err is classified as an unrecoverable send
// failure. Errors that are not *SendError (including context deadlines) are
// treated as transient.
func IsPermanent(err error) bool {
	var sendErr *SendError
	return errors.As(err, &sendErr) && sendErr.Permanent
}

// RetryHint extracts the platform backoff hint from err, if any.
func RetryHint(err error) time.Duration {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.RetryAfter
	}
	return 0
}
