package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// UpsertMappingRequest creates or refreshes a session mapping keyed by
// (conversation_id, platform_id). Inbound traffic is authoritative for
// freshness: handle and last activity always overwrite, non-empty metadata
// overwrites.
type UpsertMappingRequest struct {
	ConversationID string
	PlatformID     PlatformID
	SessionHandle  []byte
	Metadata       MappingMetadata
}

// IngestMappingStore is the slice of the session store the ingestor writes
// mappings through. The upsert must be atomic; concurrent callbacks for the
// same conversation must not lose updates.
type IngestMappingStore interface {
	UpsertMapping(ctx context.Context, req UpsertMappingRequest) (SessionMapping, bool, error)
}

// IngestMessageStore persists the inbound audit trail. Insert relies on the
// storage-level unique constraint on (platform_id, external_message_id):
// a conflicting insert reports inserted=false instead of an error.
type IngestMessageStore interface {
	ExternalMessageExists(ctx context.Context, platformID PlatformID, externalMessageID string) (bool, error)
	InsertExternalMessage(ctx context.Context, rec ExternalMessageRecord) (string, bool, error)
}

// IngestChannelStore locates the External channel of a linked event.
type IngestChannelStore interface {
	ExternalChannelForEvent(ctx context.Context, eventID string) (Channel, error)
}

// Ingestor receives webhook callbacks from the relay process, normalizes
// them through the platform connector, deduplicates, and routes accepted
// messages into the linked event's External channel.
type Ingestor struct {
	registry *Registry
	mappings IngestMappingStore
	messages IngestMessageStore
	channels IngestChannelStore
	logger   *slog.Logger
}

// NewIngestor creates an inbound ingestor.
func NewIngestor(log *slog.Logger, registry *Registry, mappings IngestMappingStore, messages IngestMessageStore, channels IngestChannelStore) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{
		registry: registry,
		mappings: mappings,
		messages: messages,
		channels: channels,
		logger:   log.With(slog.String("service", "bridge_ingest")),
	}
}

// Ingest processes one raw webhook callback for the given platform.
// Webhook re-delivery of an already-seen message is a safe no-op, reported
// as IngestDuplicate. A callback for an unlinked conversation still
// refreshes the mapping (so the conversation stays discoverable for later
// linking) but creates no message record.
func (s *Ingestor) Ingest(ctx context.Context, platformID PlatformID, raw []byte) (IngestResult, error) {
	conn, ok := s.registry.Get(platformID)
	if !ok {
		return IngestResult{Status: IngestRejected, Reason: fmt.Sprintf("unknown platform: %s", platformID)}, nil
	}

	env, err := conn.ParseInbound(raw)
	if err != nil {
		s.logger.Warn("inbound payload rejected",
			slog.String("platform", platformID.String()),
			slog.Any("error", err))
		return IngestResult{Status: IngestRejected, Reason: ErrMalformedPayload.Error()}, nil
	}
	if env.Kind == EnvelopeChallenge {
		return IngestResult{Status: IngestChallenge, Challenge: env.Challenge}, nil
	}
	if strings.TrimSpace(env.ConversationID) == "" || strings.TrimSpace(env.ExternalMessageID) == "" {
		return IngestResult{Status: IngestRejected, Reason: ErrMalformedPayload.Error()}, nil
	}

	seen, err := s.messages.ExternalMessageExists(ctx, platformID, env.ExternalMessageID)
	if err != nil {
		return IngestResult{}, fmt.Errorf("dedup check: %w", err)
	}
	if seen {
		return IngestResult{Status: IngestDuplicate}, nil
	}

	mapping, isNew, err := s.mappings.UpsertMapping(ctx, UpsertMappingRequest{
		ConversationID: env.ConversationID,
		PlatformID:     platformID,
		SessionHandle:  env.SessionHandle,
		Metadata: MappingMetadata{
			TenantID:    env.TenantID,
			DisplayName: env.ConversationName,
			InstalledBy: env.SenderDisplayName,
		},
	})
	if err != nil {
		return IngestResult{}, fmt.Errorf("upsert session mapping: %w", err)
	}
	if isNew {
		s.logger.Info("session mapping created",
			slog.String("platform", platformID.String()),
			slog.String("conversation_id", env.ConversationID),
			slog.String("mapping_id", mapping.ID))
	}

	channel, routed, err := s.resolveRoute(ctx, mapping)
	if err != nil {
		return IngestResult{}, err
	}
	if !routed {
		return IngestResult{
			Status:    IngestAccepted,
			Routed:    false,
			MappingID: mapping.ID,
			Reason:    "mapping updated, message not routed",
		}, nil
	}

	messageID, inserted, err := s.messages.InsertExternalMessage(ctx, ExternalMessageRecord{
		PlatformID:        platformID,
		ExternalMessageID: env.ExternalMessageID,
		SessionMappingID:  mapping.ID,
		ChannelID:         channel.ID,
		SenderDisplayName: env.SenderDisplayName,
		SenderExternalID:  env.SenderExternalID,
		Text:              env.Text,
		AttachmentURL:     env.AttachmentURL,
		ExternalTimestamp: env.ExternalTimestamp,
	})
	if err != nil {
		return IngestResult{}, fmt.Errorf("insert external message: %w", err)
	}
	if !inserted {
		// Lost the race against a concurrent delivery of the same id.
		return IngestResult{Status: IngestDuplicate, MappingID: mapping.ID}, nil
	}

	return IngestResult{
		Status:    IngestAccepted,
		Routed:    true,
		MappingID: mapping.ID,
		MessageID: messageID,
	}, nil
}

// resolveRoute finds the External channel messages for this mapping should
// land in. Unlinked mappings, and linked events that have no External
// channel yet, are accepted without routing.
func (s *Ingestor) resolveRoute(ctx context.Context, mapping SessionMapping) (Channel, bool, error) {
	if !mapping.Linked() {
		return Channel{}, false, nil
	}
	channel, err := s.channels.ExternalChannelForEvent(ctx, mapping.LinkedEventID)
	if err != nil {
		if errors.Is(err, ErrChannelNotFound) {
			s.logger.Warn("linked event has no external channel",
				slog.String("mapping_id", mapping.ID),
				slog.String("event_id", mapping.LinkedEventID))
			return Channel{}, false, nil
		}
		return Channel{}, false, fmt.Errorf("resolve external channel: %w", err)
	}
	return channel, true, nil
}
