package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// LifecycleStore is the slice of the session store the lifecycle manager
// needs: single-mapping reads and the stale flip.
type LifecycleStore interface {
	GetMapping(ctx context.Context, mappingID string) (SessionMapping, error)
	MarkMappingStale(ctx context.Context, mappingID, reason string) error
}

// Lifecycle validates session handles before use and retires them on
// unrecoverable send failures. It fails fast rather than retrying against a
// handle known to be unusable.
type Lifecycle struct {
	store  LifecycleStore
	logger *slog.Logger
}

// NewLifecycle creates a lifecycle manager over the given store.
func NewLifecycle(log *slog.Logger, store LifecycleStore) *Lifecycle {
	if log == nil {
		log = slog.Default()
	}
	return &Lifecycle{
		store:  store,
		logger: log.With(slog.String("service", "bridge_lifecycle")),
	}
}

// Resolve returns the session handle for a mapping, failing fast with
// ErrMappingNotFound, ErrMappingInactive, or ErrHandleEmpty before any
// platform call is made.
func (l *Lifecycle) Resolve(ctx context.Context, mappingID string) ([]byte, SessionMapping, error) {
	mapping, err := l.store.GetMapping(ctx, mappingID)
	if err != nil {
		return nil, SessionMapping{}, err
	}
	if !mapping.IsActive {
		return nil, mapping, ErrMappingInactive
	}
	if len(mapping.SessionHandle) == 0 {
		return nil, mapping, ErrHandleEmpty
	}
	return mapping.SessionHandle, mapping, nil
}

// MarkStale retires a mapping after an unrecoverable outbound failure. The
// mapping and its history are kept; only is_active flips.
func (l *Lifecycle) MarkStale(ctx context.Context, mappingID, reason string) error {
	if err := l.store.MarkMappingStale(ctx, mappingID, reason); err != nil {
		return fmt.Errorf("mark mapping stale: %w", err)
	}
	l.logger.Warn("session mapping marked stale",
		slog.String("mapping_id", mappingID),
		slog.String("reason", reason))
	return nil
}

// ProbeResult describes whether a mapping can currently serve outbound
// sends. Stale mappings signal that re-establishing the external connection
// is required rather than retrying.
type ProbeResult struct {
	MappingID      string    `json:"mapping_id"`
	PlatformID     string    `json:"platform_id"`
	Active         bool      `json:"active"`
	Linked         bool      `json:"linked"`
	Usable         bool      `json:"usable"`
	StaleReason    string    `json:"stale_reason,omitempty"`
	LinkedEventID  string    `json:"linked_event_id,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Probe reports the freshness of a mapping's session handle.
func (l *Lifecycle) Probe(ctx context.Context, mappingID string) (ProbeResult, error) {
	mapping, err := l.store.GetMapping(ctx, mappingID)
	if err != nil {
		return ProbeResult{}, err
	}
	return ProbeResult{
		MappingID:      mapping.ID,
		PlatformID:     mapping.PlatformID.String(),
		Active:         mapping.IsActive,
		Linked:         mapping.Linked(),
		Usable:         mapping.Usable(),
		StaleReason:    mapping.StaleReason,
		LinkedEventID:  mapping.LinkedEventID,
		LastActivityAt: mapping.LastActivityAt,
	}, nil
}
