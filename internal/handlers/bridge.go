package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/opsline/opsline/internal/bridge"
)

const callbackMaxBodyBytes int64 = 1 << 20 // 1 MiB

// BridgeHandler exposes the bridge's wire surface: the per-platform webhook
// callback, the internal send trigger, and the session freshness probe.
type BridgeHandler struct {
	ingestor   *bridge.Ingestor
	dispatcher *bridge.Dispatcher
	lifecycle  *bridge.Lifecycle
	registry   *bridge.Registry
	validate   *validator.Validate
	logger     *slog.Logger
}

// NewBridgeHandler creates the bridge wire handler.
func NewBridgeHandler(log *slog.Logger, ingestor *bridge.Ingestor, dispatcher *bridge.Dispatcher, lifecycle *bridge.Lifecycle, registry *bridge.Registry) *BridgeHandler {
	if log == nil {
		log = slog.Default()
	}
	return &BridgeHandler{
		ingestor:   ingestor,
		dispatcher: dispatcher,
		lifecycle:  lifecycle,
		registry:   registry,
		validate:   validator.New(),
		logger:     log.With(slog.String("handler", "bridge")),
	}
}

// Register registers the bridge routes.
func (h *BridgeHandler) Register(e *echo.Echo) {
	e.POST("/bridge/:platform_id/callback", h.HandleCallback)
	e.POST("/bridge/internal/send", h.HandleSend)
	e.GET("/bridge/mappings/:mapping_id", h.HandleProbe)
}

// HandleCallback ingests one webhook delivery from the relay process.
// Webhook senders expect a fast ack: duplicates and unrouted messages are
// still 200; only malformed payloads and internal failures are errors.
func (h *BridgeHandler) HandleCallback(c echo.Context) error {
	platformID, err := h.registry.ParsePlatformID(c.Param("platform_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, callbackMaxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
	}
	if int64(len(payload)) > callbackMaxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("payload too large: max %d bytes", callbackMaxBodyBytes))
	}

	result, err := h.ingestor.Ingest(c.Request().Context(), platformID, payload)
	if err != nil {
		h.logger.Error("ingest failed",
			slog.String("platform", platformID.String()),
			slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "ingest failed")
	}

	switch result.Status {
	case bridge.IngestChallenge:
		return c.JSON(http.StatusOK, map[string]string{"challenge": result.Challenge})
	case bridge.IngestRejected:
		return echo.NewHTTPError(http.StatusBadRequest, result.Reason)
	default:
		return c.JSON(http.StatusOK, ingestResponse(result))
	}
}

type sendRequest struct {
	ChannelID         string `json:"channel_id" validate:"required"`
	Text              string `json:"text" validate:"required"`
	SenderDisplayName string `json:"sender_display_name"`
}

// HandleSend dispatches an internal chat message to its bridged external
// conversation and returns the terminal outcome.
func (h *BridgeHandler) HandleSend(c echo.Context) error {
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := h.dispatcher.Dispatch(c.Request().Context(), strings.TrimSpace(req.ChannelID), req.Text, req.SenderDisplayName)
	if err != nil {
		h.logger.Error("dispatch failed",
			slog.String("channel_id", req.ChannelID),
			slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "dispatch failed")
	}
	return c.JSON(http.StatusOK, dispatchResponse(result))
}

// HandleProbe reports whether a usable session handle exists. A stale
// mapping answers 410 Gone: callers must re-establish the external
// connection rather than retry.
func (h *BridgeHandler) HandleProbe(c echo.Context) error {
	probe, err := h.lifecycle.Probe(c.Request().Context(), c.Param("mapping_id"))
	if err != nil {
		if errors.Is(err, bridge.ErrMappingNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session mapping not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !probe.Active {
		return c.JSON(http.StatusGone, probe)
	}
	return c.JSON(http.StatusOK, probe)
}

func ingestResponse(result bridge.IngestResult) map[string]any {
	resp := map[string]any{
		"status": string(result.Status),
		"routed": result.Routed,
	}
	if result.MappingID != "" {
		resp["mapping_id"] = result.MappingID
	}
	if result.MessageID != "" {
		resp["message_id"] = result.MessageID
	}
	if result.Reason != "" {
		resp["reason"] = result.Reason
	}
	return resp
}

func dispatchResponse(result bridge.DispatchResult) map[string]any {
	resp := map[string]any{
		"status":   string(result.Status),
		"attempts": result.Attempts,
	}
	if result.PlatformMessageID != "" {
		resp["platform_message_id"] = result.PlatformMessageID
	}
	if result.Reason != "" {
		resp["reason"] = result.Reason
	}
	return resp
}
