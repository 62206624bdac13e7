package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/opsline/opsline/internal/bridge"
)

type stubConnector struct {
	id    bridge.PlatformID
	parse func(raw []byte) (bridge.InboundEnvelope, error)
	send  func(ctx context.Context, handle []byte, text string) (bridge.SendReceipt, error)
}

func (c *stubConnector) PlatformID() bridge.PlatformID { return c.id }

func (c *stubConnector) DisplayName() string { return "Stub " + c.id.String() }

func (c *stubConnector) ParseInbound(raw []byte) (bridge.InboundEnvelope, error) {
	if c.parse == nil {
		return bridge.InboundEnvelope{}, fmt.Errorf("%w: no parser", bridge.ErrMalformedPayload)
	}
	return c.parse(raw)
}

func (c *stubConnector) Send(ctx context.Context, handle []byte, text string) (bridge.SendReceipt, error) {
	if c.send == nil {
		return bridge.SendReceipt{PlatformMessageID: "pm-1"}, nil
	}
	return c.send(ctx, handle, text)
}

type stubStore struct {
	mapping  bridge.SessionMapping
	isNew    bool
	exists   bool
	inserted bool
	insertID string
	channels map[string]bridge.Channel
	external map[string]bridge.Channel
	attempts []bridge.OutboundAttempt
}

func (s *stubStore) UpsertMapping(_ context.Context, _ bridge.UpsertMappingRequest) (bridge.SessionMapping, bool, error) {
	return s.mapping, s.isNew, nil
}

func (s *stubStore) ExternalMessageExists(context.Context, bridge.PlatformID, string) (bool, error) {
	return s.exists, nil
}

func (s *stubStore) InsertExternalMessage(context.Context, bridge.ExternalMessageRecord) (string, bool, error) {
	return s.insertID, s.inserted, nil
}

func (s *stubStore) ExternalChannelForEvent(_ context.Context, eventID string) (bridge.Channel, error) {
	channel, ok := s.external[eventID]
	if !ok {
		return bridge.Channel{}, bridge.ErrChannelNotFound
	}
	return channel, nil
}

func (s *stubStore) GetChannel(_ context.Context, channelID string) (bridge.Channel, error) {
	channel, ok := s.channels[channelID]
	if !ok {
		return bridge.Channel{}, bridge.ErrChannelNotFound
	}
	return channel, nil
}

func (s *stubStore) GetMapping(_ context.Context, mappingID string) (bridge.SessionMapping, error) {
	if s.mapping.ID != mappingID {
		return bridge.SessionMapping{}, bridge.ErrMappingNotFound
	}
	return s.mapping, nil
}

func (s *stubStore) MarkMappingStale(_ context.Context, mappingID, reason string) error {
	if s.mapping.ID != mappingID {
		return bridge.ErrMappingNotFound
	}
	s.mapping.IsActive = false
	s.mapping.StaleReason = reason
	return nil
}

func (s *stubStore) RecordOutboundAttempt(_ context.Context, attempt bridge.OutboundAttempt) error {
	s.attempts = append(s.attempts, attempt)
	return nil
}

func newBridgeTestServer(t *testing.T, conn bridge.Connector, store *stubStore) *echo.Echo {
	t.Helper()

	registry := bridge.NewRegistry()
	if conn != nil {
		if err := registry.Register(conn); err != nil {
			t.Fatalf("register connector failed: %v", err)
		}
	}
	lifecycle := bridge.NewLifecycle(nil, store)
	ingestor := bridge.NewIngestor(nil, registry, store, store, store)
	dispatcher := bridge.NewDispatcher(nil, store, lifecycle, registry, store, bridge.RetryPolicy{MaxAttempts: 1})

	e := echo.New()
	NewBridgeHandler(nil, ingestor, dispatcher, lifecycle, registry).Register(e)
	return e
}

func TestHandleCallbackChallengeEcho(t *testing.T) {
	t.Parallel()

	conn := &stubConnector{id: "lark", parse: func([]byte) (bridge.InboundEnvelope, error) {
		return bridge.InboundEnvelope{Kind: bridge.EnvelopeChallenge, Challenge: "ch-7"}, nil
	}}
	e := newBridgeTestServer(t, conn, &stubStore{})

	req := httptest.NewRequest(http.MethodPost, "/bridge/lark/callback", strings.NewReader(`{"type":"url_verification"}`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body failed: %v", err)
	}
	if body["challenge"] != "ch-7" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestHandleCallbackUnknownPlatform(t *testing.T) {
	t.Parallel()

	e := newBridgeTestServer(t, &stubConnector{id: "lark"}, &stubStore{})
	req := httptest.NewRequest(http.MethodPost, "/bridge/pigeon/callback", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleCallbackMalformedPayload(t *testing.T) {
	t.Parallel()

	e := newBridgeTestServer(t, &stubConnector{id: "lark"}, &stubStore{})
	req := httptest.NewRequest(http.MethodPost, "/bridge/lark/callback", strings.NewReader(`garbage`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleCallbackDuplicateStillAcks(t *testing.T) {
	t.Parallel()

	conn := &stubConnector{id: "lark", parse: func([]byte) (bridge.InboundEnvelope, error) {
		return bridge.InboundEnvelope{Kind: bridge.EnvelopeMessage, ConversationID: "c1", ExternalMessageID: "m1"}, nil
	}}
	e := newBridgeTestServer(t, conn, &stubStore{exists: true})

	req := httptest.NewRequest(http.MethodPost, "/bridge/lark/callback", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate delivery must ack with 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body failed: %v", err)
	}
	if body["status"] != string(bridge.IngestDuplicate) {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestHandleCallbackRoutedMessage(t *testing.T) {
	t.Parallel()

	conn := &stubConnector{id: "lark", parse: func([]byte) (bridge.InboundEnvelope, error) {
		return bridge.InboundEnvelope{Kind: bridge.EnvelopeMessage, ConversationID: "c1", ExternalMessageID: "m1", Text: "hi"}, nil
	}}
	store := &stubStore{
		mapping:  bridge.SessionMapping{ID: "map-1", IsActive: true, LinkedEventID: "evt-1"},
		inserted: true,
		insertID: "rec-1",
		external: map[string]bridge.Channel{"evt-1": {ID: "chan-1", Type: bridge.ChannelTypeExternal}},
	}
	e := newBridgeTestServer(t, conn, store)

	req := httptest.NewRequest(http.MethodPost, "/bridge/lark/callback", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body failed: %v", err)
	}
	if body["status"] != string(bridge.IngestAccepted) || body["routed"] != true {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestHandleCallbackPayloadTooLarge(t *testing.T) {
	t.Parallel()

	e := newBridgeTestServer(t, &stubConnector{id: "lark"}, &stubStore{})
	payload := bytes.Repeat([]byte("a"), int(callbackMaxBodyBytes)+1)
	req := httptest.NewRequest(http.MethodPost, "/bridge/lark/callback", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestHandleSend(t *testing.T) {
	t.Parallel()

	store := &stubStore{
		mapping: bridge.SessionMapping{ID: "map-1", PlatformID: "lark", SessionHandle: []byte("h"), IsActive: true},
		channels: map[string]bridge.Channel{
			"chan-ext":  {ID: "chan-ext", Type: bridge.ChannelTypeExternal, SessionMappingID: "map-1"},
			"chan-int":  {ID: "chan-int", Type: bridge.ChannelTypeInternal},
		},
	}
	e := newBridgeTestServer(t, &stubConnector{id: "lark"}, store)

	tests := []struct {
		name       string
		body       string
		wantCode   int
		wantStatus bridge.DispatchStatus
	}{
		{name: "sent", body: `{"channel_id":"chan-ext","text":"hello"}`, wantCode: http.StatusOK, wantStatus: bridge.DispatchSent},
		{name: "skipped", body: `{"channel_id":"chan-int","text":"hello"}`, wantCode: http.StatusOK, wantStatus: bridge.DispatchSkipped},
		{name: "missing text", body: `{"channel_id":"chan-ext"}`, wantCode: http.StatusBadRequest},
		{name: "missing channel", body: `{"text":"hello"}`, wantCode: http.StatusBadRequest},
		{name: "bad json", body: `{`, wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/bridge/internal/send", strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}
			if tt.wantStatus == "" {
				return
			}
			var body map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body failed: %v", err)
			}
			if body["status"] != string(tt.wantStatus) {
				t.Fatalf("unexpected body: %v", body)
			}
		})
	}
}

func TestHandleProbe(t *testing.T) {
	t.Parallel()

	store := &stubStore{mapping: bridge.SessionMapping{
		ID:             "map-1",
		PlatformID:     "lark",
		SessionHandle:  []byte("h"),
		IsActive:       true,
		LinkedEventID:  "evt-1",
		LastActivityAt: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	}}
	e := newBridgeTestServer(t, &stubConnector{id: "lark"}, store)

	req := httptest.NewRequest(http.MethodGet, "/bridge/mappings/map-1", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/bridge/mappings/missing", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleProbeStaleMappingIsGone(t *testing.T) {
	t.Parallel()

	store := &stubStore{mapping: bridge.SessionMapping{
		ID:          "map-1",
		PlatformID:  "lark",
		IsActive:    false,
		StaleReason: "chat not found",
	}}
	e := newBridgeTestServer(t, &stubConnector{id: "lark"}, store)

	req := httptest.NewRequest(http.MethodGet, "/bridge/mappings/map-1", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusGone {
		t.Fatalf("stale mapping must answer 410, got %d", rec.Code)
	}
	var probe bridge.ProbeResult
	if err := json.Unmarshal(rec.Body.Bytes(), &probe); err != nil {
		t.Fatalf("decode body failed: %v", err)
	}
	if probe.Active || probe.Usable || probe.StaleReason != "chat not found" {
		t.Fatalf("unexpected probe: %+v", probe)
	}
}
