// Package store is the Postgres-backed session handle store. The session
// handle's only durable home is this store: the relay process holding the
// live platform connection is stateless and may be replaced at any time.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsline/opsline/internal/bridge"
	dbpkg "github.com/opsline/opsline/internal/db"
)

// Store implements the bridge's mapping, message, channel, audit, and admin
// store interfaces on a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates the bridge store and ensures its schema exists.
func NewStore(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{pool: pool, logger: log.With(slog.String("store", "bridge"))}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure bridge schema: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS session_mappings (
			id               UUID PRIMARY KEY,
			conversation_id  TEXT NOT NULL,
			platform_id      TEXT NOT NULL,
			session_handle   BYTEA,
			tenant_id        TEXT NOT NULL DEFAULT '',
			display_name     TEXT NOT NULL DEFAULT '',
			installed_by     TEXT NOT NULL DEFAULT '',
			is_emulated      BOOLEAN NOT NULL DEFAULT FALSE,
			is_active        BOOLEAN NOT NULL DEFAULT TRUE,
			stale_reason     TEXT NOT NULL DEFAULT '',
			linked_event_id  UUID,
			last_activity_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (conversation_id, platform_id)
		);
		CREATE INDEX IF NOT EXISTS idx_session_mappings_event ON session_mappings(linked_event_id);
		CREATE INDEX IF NOT EXISTS idx_session_mappings_active ON session_mappings(is_active);

		CREATE TABLE IF NOT EXISTS external_messages (
			id                  UUID PRIMARY KEY,
			platform_id         TEXT NOT NULL,
			external_message_id TEXT NOT NULL,
			session_mapping_id  UUID,
			channel_id          UUID,
			sender_display_name TEXT NOT NULL DEFAULT '',
			sender_external_id  TEXT NOT NULL DEFAULT '',
			body                TEXT NOT NULL DEFAULT '',
			attachment_url      TEXT NOT NULL DEFAULT '',
			external_ts         TIMESTAMPTZ,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (platform_id, external_message_id)
		);
		CREATE INDEX IF NOT EXISTS idx_external_messages_channel ON external_messages(channel_id);

		CREATE TABLE IF NOT EXISTS outbound_attempts (
			id                  UUID PRIMARY KEY,
			session_mapping_id  UUID NOT NULL,
			channel_id          UUID,
			attempts            INT NOT NULL DEFAULT 0,
			status              TEXT NOT NULL,
			platform_message_id TEXT NOT NULL DEFAULT '',
			reason              TEXT NOT NULL DEFAULT '',
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_outbound_attempts_mapping ON outbound_attempts(session_mapping_id);

		CREATE TABLE IF NOT EXISTS channels (
			id                 UUID PRIMARY KEY,
			event_id           UUID,
			channel_type       TEXT NOT NULL,
			name               TEXT NOT NULL DEFAULT '',
			session_mapping_id UUID,
			deleted_at         TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_channels_event ON channels(event_id);
	`)
	return err
}

const mappingColumns = `id, conversation_id, platform_id, session_handle, tenant_id,
	display_name, installed_by, is_emulated, is_active, stale_reason,
	linked_event_id, last_activity_at, created_at, updated_at`

// UpsertMapping atomically creates or refreshes a mapping keyed by
// (conversation_id, platform_id). The insert-or-update is a single
// statement so near-simultaneous callbacks for the same conversation
// cannot lose updates. Handle and activity always overwrite; metadata
// overwrites only when non-empty; is_active is never touched here, a
// stale mapping stays stale until an admin relinks it.
func (s *Store) UpsertMapping(ctx context.Context, req bridge.UpsertMappingRequest) (bridge.SessionMapping, bool, error) {
	id, err := dbpkg.ParseUUID(uuid.NewString())
	if err != nil {
		return bridge.SessionMapping{}, false, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO session_mappings
			(id, conversation_id, platform_id, session_handle, tenant_id, display_name, installed_by, is_emulated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (conversation_id, platform_id) DO UPDATE SET
			session_handle   = EXCLUDED.session_handle,
			tenant_id        = COALESCE(NULLIF(EXCLUDED.tenant_id, ''), session_mappings.tenant_id),
			display_name     = COALESCE(NULLIF(EXCLUDED.display_name, ''), session_mappings.display_name),
			installed_by     = COALESCE(NULLIF(EXCLUDED.installed_by, ''), session_mappings.installed_by),
			last_activity_at = NOW(),
			updated_at       = NOW()
		RETURNING `+mappingColumns+`, (xmax = 0) AS inserted
	`, id, strings.TrimSpace(req.ConversationID), req.PlatformID.String(), req.SessionHandle,
		strings.TrimSpace(req.Metadata.TenantID), strings.TrimSpace(req.Metadata.DisplayName),
		strings.TrimSpace(req.Metadata.InstalledBy), req.Metadata.IsEmulated)

	var isNew bool
	mapping, err := scanMapping(row, &isNew)
	if err != nil {
		return bridge.SessionMapping{}, false, err
	}
	return mapping, isNew, nil
}

// GetMapping fetches one mapping by id.
func (s *Store) GetMapping(ctx context.Context, mappingID string) (bridge.SessionMapping, error) {
	id, err := dbpkg.ParseUUID(mappingID)
	if err != nil {
		return bridge.SessionMapping{}, bridge.ErrMappingNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+mappingColumns+` FROM session_mappings WHERE id = $1`, id)
	mapping, err := scanMapping(row, nil)
	if errors.Is(err, pgx.ErrNoRows) {
		return bridge.SessionMapping{}, bridge.ErrMappingNotFound
	}
	return mapping, err
}

// MarkMappingStale flips is_active off and records the reason. Single-row
// update; other mappings are never blocked.
func (s *Store) MarkMappingStale(ctx context.Context, mappingID, reason string) error {
	id, err := dbpkg.ParseUUID(mappingID)
	if err != nil {
		return bridge.ErrMappingNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE session_mappings
		SET is_active = FALSE, stale_reason = $2, updated_at = NOW()
		WHERE id = $1
	`, id, strings.TrimSpace(reason))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return bridge.ErrMappingNotFound
	}
	return nil
}

// RenameMapping sets the display name.
func (s *Store) RenameMapping(ctx context.Context, mappingID, displayName string) (bridge.SessionMapping, error) {
	return s.updateMapping(ctx, mappingID, `display_name = $2`, strings.TrimSpace(displayName))
}

// LinkMapping associates the mapping with an internal event.
func (s *Store) LinkMapping(ctx context.Context, mappingID, eventID string) (bridge.SessionMapping, error) {
	pgEventID, err := dbpkg.ParseUUID(eventID)
	if err != nil {
		return bridge.SessionMapping{}, fmt.Errorf("invalid event id: %w", err)
	}
	return s.updateMapping(ctx, mappingID, `linked_event_id = $2`, pgEventID)
}

// UnlinkMapping detaches the mapping from its event.
func (s *Store) UnlinkMapping(ctx context.Context, mappingID string) (bridge.SessionMapping, error) {
	id, err := dbpkg.ParseUUID(mappingID)
	if err != nil {
		return bridge.SessionMapping{}, bridge.ErrMappingNotFound
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE session_mappings
		SET linked_event_id = NULL, updated_at = NOW()
		WHERE id = $1
		RETURNING `+mappingColumns, id)
	mapping, err := scanMapping(row, nil)
	if errors.Is(err, pgx.ErrNoRows) {
		return bridge.SessionMapping{}, bridge.ErrMappingNotFound
	}
	return mapping, err
}

func (s *Store) updateMapping(ctx context.Context, mappingID, setClause string, arg any) (bridge.SessionMapping, error) {
	id, err := dbpkg.ParseUUID(mappingID)
	if err != nil {
		return bridge.SessionMapping{}, bridge.ErrMappingNotFound
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE session_mappings
		SET `+setClause+`, updated_at = NOW()
		WHERE id = $1
		RETURNING `+mappingColumns, id, arg)
	mapping, err := scanMapping(row, nil)
	if errors.Is(err, pgx.ErrNoRows) {
		return bridge.SessionMapping{}, bridge.ErrMappingNotFound
	}
	return mapping, err
}

// ListMappings returns mappings matching the filter, most recently active
// first.
func (s *Store) ListMappings(ctx context.Context, filter bridge.ListFilter) ([]bridge.SessionMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM session_mappings`
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 4)
	if filter.Platform != "" {
		args = append(args, filter.Platform.String())
		conditions = append(conditions, fmt.Sprintf("platform_id = $%d", len(args)))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		conditions = append(conditions, fmt.Sprintf("is_active = $%d", len(args)))
	}
	if filter.Emulated != nil {
		args = append(args, *filter.Emulated)
		conditions = append(conditions, fmt.Sprintf("is_emulated = $%d", len(args)))
	}
	if filter.Linked != nil {
		if *filter.Linked {
			conditions = append(conditions, "linked_event_id IS NOT NULL")
		} else {
			conditions = append(conditions, "linked_event_id IS NULL")
		}
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY last_activity_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]bridge.SessionMapping, 0)
	for rows.Next() {
		mapping, err := scanMapping(rows, nil)
		if err != nil {
			return nil, err
		}
		items = append(items, mapping)
	}
	return items, rows.Err()
}

// CleanupMappings hard-deletes inactive or emulated mappings. Without any
// filter only inactive rows are pruned; cleanup never touches active
// production mappings unless they are explicitly emulated.
func (s *Store) CleanupMappings(ctx context.Context, filter bridge.CleanupFilter) ([]string, error) {
	conditions := []string{"is_active = FALSE"}
	args := make([]any, 0, 2)
	if filter.OnlyEmulated {
		conditions = []string{"is_emulated = TRUE"}
	}
	if filter.InactiveOlderThan > 0 {
		args = append(args, time.Now().UTC().Add(-filter.InactiveOlderThan))
		conditions = append(conditions, fmt.Sprintf("last_activity_at < $%d", len(args)))
	}
	query := `DELETE FROM session_mappings WHERE ` + strings.Join(conditions, " AND ") + ` RETURNING id`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	deleted := make([]string, 0)
	for rows.Next() {
		var id pgtype.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		deleted = append(deleted, dbpkg.UUIDString(id))
	}
	return deleted, rows.Err()
}

// ExternalMessageExists reports whether the dedup key has been seen.
func (s *Store) ExternalMessageExists(ctx context.Context, platformID bridge.PlatformID, externalMessageID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM external_messages
			WHERE platform_id = $1 AND external_message_id = $2
		)
	`, platformID.String(), externalMessageID).Scan(&exists)
	return exists, err
}

// InsertExternalMessage appends one inbound message record. The unique
// constraint on (platform_id, external_message_id) closes the race between
// concurrent deliveries: a conflicting insert reports inserted=false.
func (s *Store) InsertExternalMessage(ctx context.Context, rec bridge.ExternalMessageRecord) (string, bool, error) {
	id, err := dbpkg.ParseUUID(uuid.NewString())
	if err != nil {
		return "", false, err
	}
	mappingID, err := dbpkg.ParseOptionalUUID(rec.SessionMappingID)
	if err != nil {
		return "", false, fmt.Errorf("invalid mapping id: %w", err)
	}
	channelID, err := dbpkg.ParseOptionalUUID(rec.ChannelID)
	if err != nil {
		return "", false, fmt.Errorf("invalid channel id: %w", err)
	}
	externalTS := pgtype.Timestamptz{}
	if !rec.ExternalTimestamp.IsZero() {
		externalTS = pgtype.Timestamptz{Time: rec.ExternalTimestamp.UTC(), Valid: true}
	}

	var insertedID pgtype.UUID
	err = s.pool.QueryRow(ctx, `
		INSERT INTO external_messages
			(id, platform_id, external_message_id, session_mapping_id, channel_id,
			 sender_display_name, sender_external_id, body, attachment_url, external_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (platform_id, external_message_id) DO NOTHING
		RETURNING id
	`, id, rec.PlatformID.String(), rec.ExternalMessageID, mappingID, channelID,
		rec.SenderDisplayName, rec.SenderExternalID, rec.Text, rec.AttachmentURL, externalTS).Scan(&insertedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return dbpkg.UUIDString(insertedID), true, nil
}

// RecordOutboundAttempt appends one terminal dispatch outcome.
func (s *Store) RecordOutboundAttempt(ctx context.Context, attempt bridge.OutboundAttempt) error {
	id, err := dbpkg.ParseUUID(uuid.NewString())
	if err != nil {
		return err
	}
	mappingID, err := dbpkg.ParseUUID(attempt.SessionMappingID)
	if err != nil {
		return fmt.Errorf("invalid mapping id: %w", err)
	}
	channelID, err := dbpkg.ParseOptionalUUID(attempt.ChannelID)
	if err != nil {
		return fmt.Errorf("invalid channel id: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO outbound_attempts
			(id, session_mapping_id, channel_id, attempts, status, platform_message_id, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, mappingID, channelID, attempt.Attempts, string(attempt.Status), attempt.PlatformMessageID, attempt.Reason)
	return err
}

// ListOutboundAttempts returns the outbound audit trail for one mapping,
// newest first.
func (s *Store) ListOutboundAttempts(ctx context.Context, mappingID string) ([]bridge.OutboundAttempt, error) {
	id, err := dbpkg.ParseUUID(mappingID)
	if err != nil {
		return nil, bridge.ErrMappingNotFound
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_mapping_id, channel_id, attempts, status, platform_message_id, reason, created_at
		FROM outbound_attempts
		WHERE session_mapping_id = $1
		ORDER BY created_at DESC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]bridge.OutboundAttempt, 0)
	for rows.Next() {
		var (
			attemptID pgtype.UUID
			mapID     pgtype.UUID
			chanID    pgtype.UUID
			status    string
			attempt   bridge.OutboundAttempt
		)
		if err := rows.Scan(&attemptID, &mapID, &chanID, &attempt.Attempts, &status,
			&attempt.PlatformMessageID, &attempt.Reason, &attempt.CreatedAt); err != nil {
			return nil, err
		}
		attempt.ID = dbpkg.UUIDString(attemptID)
		attempt.SessionMappingID = dbpkg.UUIDString(mapID)
		attempt.ChannelID = dbpkg.UUIDString(chanID)
		attempt.Status = bridge.DispatchStatus(status)
		items = append(items, attempt)
	}
	return items, rows.Err()
}

// GetChannel fetches the bridge's view of an internal channel.
func (s *Store) GetChannel(ctx context.Context, channelID string) (bridge.Channel, error) {
	id, err := dbpkg.ParseUUID(channelID)
	if err != nil {
		return bridge.Channel{}, bridge.ErrChannelNotFound
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, event_id, channel_type, name, session_mapping_id
		FROM channels
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
	channel, err := scanChannel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return bridge.Channel{}, bridge.ErrChannelNotFound
	}
	return channel, err
}

// ExternalChannelForEvent finds the event's External channel, if any.
func (s *Store) ExternalChannelForEvent(ctx context.Context, eventID string) (bridge.Channel, error) {
	id, err := dbpkg.ParseUUID(eventID)
	if err != nil {
		return bridge.Channel{}, bridge.ErrChannelNotFound
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, event_id, channel_type, name, session_mapping_id
		FROM channels
		WHERE event_id = $1 AND channel_type = $2 AND deleted_at IS NULL
		ORDER BY id
		LIMIT 1
	`, id, string(bridge.ChannelTypeExternal))
	channel, err := scanChannel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return bridge.Channel{}, bridge.ErrChannelNotFound
	}
	return channel, err
}

func scanChannel(row pgx.Row) (bridge.Channel, error) {
	var (
		id        pgtype.UUID
		eventID   pgtype.UUID
		chanType  string
		mappingID pgtype.UUID
		channel   bridge.Channel
	)
	if err := row.Scan(&id, &eventID, &chanType, &channel.Name, &mappingID); err != nil {
		return bridge.Channel{}, err
	}
	channel.ID = dbpkg.UUIDString(id)
	channel.EventID = dbpkg.UUIDString(eventID)
	channel.Type = bridge.ChannelType(chanType)
	channel.SessionMappingID = dbpkg.UUIDString(mappingID)
	return channel, nil
}

func scanMapping(row pgx.Row, isNew *bool) (bridge.SessionMapping, error) {
	var (
		id            pgtype.UUID
		platformID    string
		linkedEventID pgtype.UUID
		mapping       bridge.SessionMapping
	)
	dest := []any{
		&id, &mapping.ConversationID, &platformID, &mapping.SessionHandle,
		&mapping.TenantID, &mapping.DisplayName, &mapping.InstalledBy,
		&mapping.IsEmulated, &mapping.IsActive, &mapping.StaleReason,
		&linkedEventID, &mapping.LastActivityAt, &mapping.CreatedAt, &mapping.UpdatedAt,
	}
	if isNew != nil {
		dest = append(dest, isNew)
	}
	if err := row.Scan(dest...); err != nil {
		return bridge.SessionMapping{}, err
	}
	mapping.ID = dbpkg.UUIDString(id)
	mapping.PlatformID = bridge.PlatformID(platformID)
	mapping.LinkedEventID = dbpkg.UUIDString(linkedEventID)
	return mapping, nil
}
