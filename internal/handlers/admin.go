package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/opsline/opsline/internal/bridge"
)

// MappingAdminHandler exposes the connector administration surface: listing,
// renaming, linking, and cleaning up session mappings.
type MappingAdminHandler struct {
	admin    *bridge.Admin
	validate *validator.Validate
	logger   *slog.Logger
}

// NewMappingAdminHandler creates the mapping admin handler.
func NewMappingAdminHandler(log *slog.Logger, admin *bridge.Admin) *MappingAdminHandler {
	if log == nil {
		log = slog.Default()
	}
	return &MappingAdminHandler{
		admin:    admin,
		validate: validator.New(),
		logger:   log.With(slog.String("handler", "mapping_admin")),
	}
}

// Register registers the admin routes.
func (h *MappingAdminHandler) Register(e *echo.Echo) {
	e.GET("/bridge/mappings", h.HandleList)
	e.PATCH("/bridge/mappings/:mapping_id", h.HandleRename)
	e.POST("/bridge/mappings/:mapping_id/link", h.HandleLink)
	e.POST("/bridge/mappings/:mapping_id/unlink", h.HandleUnlink)
	e.POST("/bridge/mappings/cleanup", h.HandleCleanup)
	e.GET("/bridge/mappings/:mapping_id/attempts", h.HandleAttempts)
}

// HandleList lists session mappings, optionally filtered by platform, active,
// emulated, and linked query parameters.
func (h *MappingAdminHandler) HandleList(c echo.Context) error {
	filter := bridge.ListFilter{
		Platform: bridge.PlatformID(c.QueryParam("platform")),
	}
	for name, dst := range map[string]**bool{
		"active":   &filter.Active,
		"emulated": &filter.Emulated,
		"linked":   &filter.Linked,
	} {
		raw := c.QueryParam(name)
		if raw == "" {
			continue
		}
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+" filter")
		}
		*dst = &value
	}

	items, err := h.admin.List(c.Request().Context(), filter)
	if err != nil {
		h.logger.Error("list mappings failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "list mappings failed")
	}
	return c.JSON(http.StatusOK, map[string]any{"mappings": items})
}

type renameRequest struct {
	DisplayName string `json:"display_name" validate:"required"`
}

// HandleRename sets a mapping's display name.
func (h *MappingAdminHandler) HandleRename(c echo.Context) error {
	var req renameRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	summary, err := h.admin.Rename(c.Request().Context(), c.Param("mapping_id"), req.DisplayName)
	if err != nil {
		return h.mappingError(err)
	}
	return c.JSON(http.StatusOK, summary)
}

type linkRequest struct {
	EventID string `json:"event_id" validate:"required"`
}

// HandleLink associates a mapping's external conversation with an internal
// event so subsequent inbound messages route into the event's channel.
func (h *MappingAdminHandler) HandleLink(c echo.Context) error {
	var req linkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	summary, err := h.admin.Link(c.Request().Context(), c.Param("mapping_id"), req.EventID)
	if err != nil {
		return h.mappingError(err)
	}
	return c.JSON(http.StatusOK, summary)
}

// HandleUnlink detaches a mapping's external conversation from its event.
func (h *MappingAdminHandler) HandleUnlink(c echo.Context) error {
	summary, err := h.admin.Unlink(c.Request().Context(), c.Param("mapping_id"))
	if err != nil {
		return h.mappingError(err)
	}
	return c.JSON(http.StatusOK, summary)
}

type cleanupRequest struct {
	OnlyEmulated         bool `json:"only_emulated"`
	InactiveOlderThanHrs int  `json:"inactive_older_than_hours" validate:"gte=0"`
}

// HandleCleanup hard-deletes inactive or emulated mappings matching the
// request filter and returns the deleted ids.
func (h *MappingAdminHandler) HandleCleanup(c echo.Context) error {
	var req cleanupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	deleted, err := h.admin.Cleanup(c.Request().Context(), bridge.CleanupFilter{
		OnlyEmulated:      req.OnlyEmulated,
		InactiveOlderThan: time.Duration(req.InactiveOlderThanHrs) * time.Hour,
	})
	if err != nil {
		h.logger.Error("cleanup failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "cleanup failed")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"deleted": deleted,
		"count":   len(deleted),
	})
}

// HandleAttempts returns the outbound audit trail for one mapping.
func (h *MappingAdminHandler) HandleAttempts(c echo.Context) error {
	attempts, err := h.admin.Attempts(c.Request().Context(), c.Param("mapping_id"))
	if err != nil {
		return h.mappingError(err)
	}
	items := make([]map[string]any, 0, len(attempts))
	for _, attempt := range attempts {
		items = append(items, map[string]any{
			"id":                  attempt.ID,
			"session_mapping_id":  attempt.SessionMappingID,
			"channel_id":          attempt.ChannelID,
			"attempts":            attempt.Attempts,
			"status":              string(attempt.Status),
			"platform_message_id": attempt.PlatformMessageID,
			"reason":              attempt.Reason,
			"created_at":          attempt.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"attempts": items})
}

func (h *MappingAdminHandler) mappingError(err error) error {
	if errors.Is(err, bridge.ErrMappingNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "session mapping not found")
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
