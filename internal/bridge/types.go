// Package bridge mirrors messages between internal event channels and
// external messaging platforms through a webhook-driven, stateless relay.
// It defines the connector abstraction, the session-mapping model, the
// inbound ingestor, and the outbound dispatcher.
package bridge

import (
	"errors"
	"strings"
	"time"
)

// PlatformID identifies an external messaging platform (e.g. "lark",
// "telegram").
type PlatformID string

// String returns the platform id as a plain string.
func (p PlatformID) String() string {
	return string(p)
}

// ChannelType classifies an internal chat channel. Only external channels
// participate in bridging.
type ChannelType string

const (
	ChannelTypeInternal      ChannelType = "internal"
	ChannelTypeAnnouncements ChannelType = "announcements"
	ChannelTypeExternal      ChannelType = "external"
	ChannelTypePosition      ChannelType = "position"
	ChannelTypeCustom        ChannelType = "custom"
)

// Channel is the bridge's read view of an internal chat channel. The full
// channel model is owned by the chat subsystem; the bridge only needs the
// type and the session mapping link.
type Channel struct {
	ID               string
	EventID          string
	Type             ChannelType
	Name             string
	SessionMappingID string
}

// SessionMapping binds an external conversation to its opaque session handle
// and lifecycle metadata. The handle is the only durable way to push a
// message back into the external conversation, because the relay process
// holding the live platform connection is stateless.
type SessionMapping struct {
	ID             string
	ConversationID string
	PlatformID     PlatformID
	SessionHandle  []byte
	TenantID       string
	DisplayName    string
	InstalledBy    string
	IsEmulated     bool
	IsActive       bool
	StaleReason    string
	LinkedEventID  string
	LastActivityAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Linked reports whether the mapping is associated with an internal event.
func (m SessionMapping) Linked() bool {
	return strings.TrimSpace(m.LinkedEventID) != ""
}

// Usable reports whether the mapping can serve outbound sends.
func (m SessionMapping) Usable() bool {
	return m.IsActive && len(m.SessionHandle) > 0
}

// ExternalMessageRecord is the append-only inbound audit trail: one row per
// message that crossed the bridge from the external platform.
type ExternalMessageRecord struct {
	ID                string
	PlatformID        PlatformID
	ExternalMessageID string
	SessionMappingID  string
	ChannelID         string
	SenderDisplayName string
	SenderExternalID  string
	Text              string
	AttachmentURL     string
	ExternalTimestamp time.Time
	CreatedAt         time.Time
}

// OutboundAttempt records the terminal outcome of one dispatch operation.
// Outbound and inbound audit trails are kept separate because their failure
// semantics differ.
type OutboundAttempt struct {
	ID                string
	SessionMappingID  string
	ChannelID         string
	Attempts          int
	Status            DispatchStatus
	PlatformMessageID string
	Reason            string
	CreatedAt         time.Time
}

// MappingMetadata carries the optional descriptive fields refreshed on every
// accepted inbound callback. Empty fields never overwrite stored values.
type MappingMetadata struct {
	TenantID    string
	DisplayName string
	InstalledBy string
	IsEmulated  bool
}

// IngestStatus is the terminal outcome class of an Ingest call.
type IngestStatus string

const (
	IngestAccepted  IngestStatus = "accepted"
	IngestDuplicate IngestStatus = "duplicate"
	IngestRejected  IngestStatus = "rejected"
	// IngestChallenge is returned for platform endpoint-verification
	// handshakes that must be echoed back without touching any state.
	IngestChallenge IngestStatus = "challenge"
)

// IngestResult is returned synchronously from every Ingest call. Nothing is
// thrown across the bridge boundary; every predictable failure mode is a
// typed outcome.
type IngestResult struct {
	Status    IngestStatus
	Routed    bool
	MappingID string
	MessageID string
	Reason    string
	Challenge string
}

// DispatchStatus is the terminal outcome class of a Dispatch call.
type DispatchStatus string

const (
	DispatchSent    DispatchStatus = "sent"
	DispatchSkipped DispatchStatus = "skipped"
	DispatchFailed  DispatchStatus = "failed"
)

// DispatchResult is the synchronous terminal outcome of an outbound dispatch.
type DispatchResult struct {
	Status            DispatchStatus
	Attempts          int
	PlatformMessageID string
	Reason            string
}

// Dispatch failure/skip reasons surfaced to callers and the audit trail.
const (
	ReasonChannelNotBridged    = "channel not bridged"
	ReasonNoUsableSession      = "no usable session"
	ReasonStaleSession         = "stale session"
	ReasonRetryBudgetExhausted = "retry budget exhausted"
)

// Sentinel errors shared by the store and the lifecycle manager.
var (
	ErrMappingNotFound  = errors.New("session mapping not found")
	ErrMappingInactive  = errors.New("session mapping is inactive")
	ErrHandleEmpty      = errors.New("session handle is empty")
	ErrChannelNotFound  = errors.New("channel not found")
	ErrMalformedPayload = errors.New("malformed payload")
)

// CleanupFilter selects mappings for admin-triggered hard deletion. Cleanup
// is never invoked automatically.
type CleanupFilter struct {
	OnlyEmulated      bool
	InactiveOlderThan time.Duration
}

// ListFilter narrows the admin mapping listing.
type ListFilter struct {
	Platform PlatformID
	Active   *bool
	Emulated *bool
	Linked   *bool
}
