package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// AdminStore is the slice of the session store backing connector
// administration: pure metadata editing plus cleanup delegation.
type AdminStore interface {
	RenameMapping(ctx context.Context, mappingID, displayName string) (SessionMapping, error)
	LinkMapping(ctx context.Context, mappingID, eventID string) (SessionMapping, error)
	UnlinkMapping(ctx context.Context, mappingID string) (SessionMapping, error)
	ListMappings(ctx context.Context, filter ListFilter) ([]SessionMapping, error)
	CleanupMappings(ctx context.Context, filter CleanupFilter) ([]string, error)
	ListOutboundAttempts(ctx context.Context, mappingID string) ([]OutboundAttempt, error)
}

// MappingSummary is the admin-facing view of a session mapping.
type MappingSummary struct {
	MappingID      string    `json:"mapping_id"`
	ConversationID string    `json:"conversation_id"`
	PlatformID     string    `json:"platform_id"`
	Platform       string    `json:"platform,omitempty"`
	TenantID       string    `json:"tenant_id,omitempty"`
	DisplayName    string    `json:"display_name"`
	InstalledBy    string    `json:"installed_by,omitempty"`
	LinkedEventID  string    `json:"linked_event_id,omitempty"`
	Active         bool      `json:"active"`
	Emulated       bool      `json:"emulated"`
	StaleReason    string    `json:"stale_reason,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Admin edits session-mapping metadata for the connector admin surface. No
// bridging logic lives here.
type Admin struct {
	store    AdminStore
	registry *Registry
	logger   *slog.Logger
}

// NewAdmin creates the connector administration service.
func NewAdmin(log *slog.Logger, store AdminStore, registry *Registry) *Admin {
	if log == nil {
		log = slog.Default()
	}
	return &Admin{
		store:    store,
		registry: registry,
		logger:   log.With(slog.String("service", "bridge_admin")),
	}
}

// Rename sets the mapping's display name.
func (s *Admin) Rename(ctx context.Context, mappingID, displayName string) (MappingSummary, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return MappingSummary{}, fmt.Errorf("display name is required")
	}
	mapping, err := s.store.RenameMapping(ctx, mappingID, displayName)
	if err != nil {
		return MappingSummary{}, err
	}
	return s.summarize(mapping), nil
}

// Link associates the mapping's external conversation with an internal
// event. Messages received while unlinked are not routed retroactively.
func (s *Admin) Link(ctx context.Context, mappingID, eventID string) (MappingSummary, error) {
	if strings.TrimSpace(eventID) == "" {
		return MappingSummary{}, fmt.Errorf("event id is required")
	}
	mapping, err := s.store.LinkMapping(ctx, mappingID, eventID)
	if err != nil {
		return MappingSummary{}, err
	}
	s.logger.Info("mapping linked",
		slog.String("mapping_id", mappingID),
		slog.String("event_id", eventID))
	return s.summarize(mapping), nil
}

// Unlink detaches the mapping from its event; subsequent inbound messages
// are held unrouted until relinked.
func (s *Admin) Unlink(ctx context.Context, mappingID string) (MappingSummary, error) {
	mapping, err := s.store.UnlinkMapping(ctx, mappingID)
	if err != nil {
		return MappingSummary{}, err
	}
	s.logger.Info("mapping unlinked", slog.String("mapping_id", mappingID))
	return s.summarize(mapping), nil
}

// List returns mapping summaries matching the filter.
func (s *Admin) List(ctx context.Context, filter ListFilter) ([]MappingSummary, error) {
	mappings, err := s.store.ListMappings(ctx, filter)
	if err != nil {
		return nil, err
	}
	items := make([]MappingSummary, 0, len(mappings))
	for _, mapping := range mappings {
		items = append(items, s.summarize(mapping))
	}
	return items, nil
}

// Cleanup hard-deletes inactive or emulated mappings. It is only ever
// triggered by an explicit admin action.
func (s *Admin) Cleanup(ctx context.Context, filter CleanupFilter) ([]string, error) {
	deleted, err := s.store.CleanupMappings(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(deleted) > 0 {
		s.logger.Info("mappings cleaned up", slog.Int("count", len(deleted)))
	}
	return deleted, nil
}

// Attempts returns the outbound audit trail for one mapping.
func (s *Admin) Attempts(ctx context.Context, mappingID string) ([]OutboundAttempt, error) {
	return s.store.ListOutboundAttempts(ctx, mappingID)
}

func (s *Admin) summarize(mapping SessionMapping) MappingSummary {
	summary := MappingSummary{
		MappingID:      mapping.ID,
		ConversationID: mapping.ConversationID,
		PlatformID:     mapping.PlatformID.String(),
		TenantID:       mapping.TenantID,
		DisplayName:    mapping.DisplayName,
		InstalledBy:    mapping.InstalledBy,
		LinkedEventID:  mapping.LinkedEventID,
		Active:         mapping.IsActive,
		Emulated:       mapping.IsEmulated,
		StaleReason:    mapping.StaleReason,
		LastActivityAt: mapping.LastActivityAt,
	}
	if s.registry != nil {
		if conn, ok := s.registry.Get(mapping.PlatformID); ok {
			summary.Platform = conn.DisplayName()
		}
	}
	return summary
}
