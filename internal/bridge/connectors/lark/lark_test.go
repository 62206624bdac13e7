package lark

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/opsline/opsline/internal/bridge"
)

func messageEventJSON(token string) []byte {
	return []byte(`{
		"schema": "2.0",
		"header": {
			"event_id": "ev-1",
			"event_type": "im.message.receive_v1",
			"token": "` + token + `",
			"tenant_key": "tenant-1"
		},
		"event": {
			"sender": {"sender_id": {"open_id": "ou_sender"}},
			"message": {
				"message_id": "om_100",
				"chat_id": "oc_7",
				"message_type": "text",
				"create_time": "1766998800000",
				"content": "{\"text\":\"generator room flooding\"}"
			}
		}
	}`)
}

func TestParseInboundChallenge(t *testing.T) {
	t.Parallel()

	conn := New(nil, Config{AppID: "app", AppSecret: "secret"})
	env, err := conn.ParseInbound([]byte(`{"type":"url_verification","challenge":"ch-9","token":"tok"}`))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if env.Kind != bridge.EnvelopeChallenge || env.Challenge != "ch-9" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestParseInboundTextMessage(t *testing.T) {
	t.Parallel()

	conn := New(nil, Config{AppID: "app", AppSecret: "secret", VerificationToken: "tok"})
	env, err := conn.ParseInbound(messageEventJSON("tok"))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if env.Kind != bridge.EnvelopeMessage {
		t.Fatalf("expected message envelope, got %s", env.Kind)
	}
	if env.ConversationID != "oc_7" || env.ExternalMessageID != "om_100" {
		t.Fatalf("unexpected ids: %+v", env)
	}
	if env.Text != "generator room flooding" {
		t.Fatalf("unexpected text: %q", env.Text)
	}
	if env.TenantID != "tenant-1" || env.SenderExternalID != "ou_sender" {
		t.Fatalf("unexpected metadata: %+v", env)
	}
	want := time.Date(2025, 12, 29, 9, 0, 0, 0, time.UTC)
	if !env.ExternalTimestamp.Equal(want) {
		t.Fatalf("unexpected timestamp: %v", env.ExternalTimestamp)
	}

	var handle sessionHandle
	if err := json.Unmarshal(env.SessionHandle, &handle); err != nil {
		t.Fatalf("decode handle failed: %v", err)
	}
	if handle.ChatID != "oc_7" || handle.ReceiveIDType != larkim.ReceiveIdTypeChatId {
		t.Fatalf("unexpected handle: %+v", handle)
	}
}

func TestParseInboundTokenMismatch(t *testing.T) {
	t.Parallel()

	conn := New(nil, Config{AppID: "app", AppSecret: "secret", VerificationToken: "expected"})
	_, err := conn.ParseInbound(messageEventJSON("wrong"))
	if !errors.Is(err, bridge.ErrMalformedPayload) {
		t.Fatalf("expected malformed payload, got %v", err)
	}
}

func TestParseInboundMalformed(t *testing.T) {
	t.Parallel()

	conn := New(nil, Config{AppID: "app", AppSecret: "secret"})
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `not json`},
		{name: "no message", raw: `{"schema":"2.0","header":{},"event":{}}`},
		{name: "missing ids", raw: `{"schema":"2.0","header":{},"event":{"message":{"message_type":"text"}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := conn.ParseInbound([]byte(tt.raw)); !errors.Is(err, bridge.ErrMalformedPayload) {
				t.Fatalf("expected malformed payload, got %v", err)
			}
		})
	}
}

func TestExtractPostText(t *testing.T) {
	t.Parallel()

	content := map[string]any{
		"title": "Status",
		"content": []any{
			[]any{
				map[string]any{"tag": "text", "text": "pump one "},
				map[string]any{"tag": "text", "text": "offline"},
			},
			[]any{
				map[string]any{"tag": "a", "text": "runbook", "href": "https://example.com"},
			},
			[]any{
				map[string]any{"tag": "img", "image_key": "img_1"},
			},
		},
	}
	got := extractPostText(content)
	if got != "pump one offline\nrunbook" {
		t.Fatalf("unexpected post text: %q", got)
	}
}

func TestClassifyFailure(t *testing.T) {
	t.Parallel()

	conn := New(nil, Config{AppID: "app", AppSecret: "secret"})
	tests := []struct {
		name          string
		resp          *larkim.CreateMessageResp
		wantPermanent bool
		wantHint      time.Duration
	}{
		{
			name: "rate limited",
			resp: &larkim.CreateMessageResp{
				ApiResp:   &larkcore.ApiResp{StatusCode: 429},
				CodeError: larkcore.CodeError{Code: 99991400, Msg: "too many requests"},
			},
			wantHint: time.Second,
		},
		{
			name: "server error",
			resp: &larkim.CreateMessageResp{
				ApiResp:   &larkcore.ApiResp{StatusCode: 502},
				CodeError: larkcore.CodeError{Code: 1, Msg: "bad gateway"},
			},
		},
		{
			name: "business rejection",
			resp: &larkim.CreateMessageResp{
				ApiResp:   &larkcore.ApiResp{StatusCode: 400},
				CodeError: larkcore.CodeError{Code: 230002, Msg: "bot not in chat"},
			},
			wantPermanent: true,
		},
		{name: "empty response", resp: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := conn.classifyFailure(tt.resp)
			if bridge.IsPermanent(err) != tt.wantPermanent {
				t.Fatalf("permanent=%v, want %v: %v", bridge.IsPermanent(err), tt.wantPermanent, err)
			}
			if got := bridge.RetryHint(err); got != tt.wantHint {
				t.Fatalf("hint=%v, want %v", got, tt.wantHint)
			}
		})
	}
}

func TestParseCreateTime(t *testing.T) {
	t.Parallel()

	if got := parseCreateTime("1766998800000"); !got.Equal(time.Date(2025, 12, 29, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected time: %v", got)
	}
	if got := parseCreateTime("not a number"); !got.IsZero() {
		t.Fatalf("expected zero time, got %v", got)
	}
	if got := parseCreateTime(""); !got.IsZero() {
		t.Fatalf("expected zero time, got %v", got)
	}
}
