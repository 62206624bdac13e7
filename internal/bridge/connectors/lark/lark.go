// Package lark implements the team-chat platform connector on the
// Feishu/Lark open platform.
package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkevent "github.com/larksuite/oapi-sdk-go/v3/event"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/opsline/opsline/internal/bridge"
)

// Platform is the registry id of this connector.
const Platform bridge.PlatformID = "lark"

const defaultBaseURL = "https://open.feishu.cn"

// Config carries the Lark app credentials the connector sends with.
type Config struct {
	AppID             string
	AppSecret         string
	VerificationToken string
	BaseURL           string
}

// sessionHandle is the opaque blob this connector stores per conversation.
// Only this package ever reads it.
type sessionHandle struct {
	ChatID        string `json:"chat_id"`
	ReceiveIDType string `json:"receive_id_type"`
}

// Connector implements bridge.Connector for Lark group chats.
type Connector struct {
	cfg    Config
	client *lark.Client
	logger *slog.Logger
}

// New creates a Lark connector from app credentials.
func New(log *slog.Logger, cfg Config) *Connector {
	if log == nil {
		log = slog.Default()
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Connector{
		cfg:    cfg,
		client: lark.NewClient(cfg.AppID, cfg.AppSecret, lark.WithOpenBaseUrl(baseURL)),
		logger: log.With(slog.String("connector", "lark")),
	}
}

// PlatformID returns the registry id.
func (c *Connector) PlatformID() bridge.PlatformID {
	return Platform
}

// DisplayName returns the human-readable platform name.
func (c *Connector) DisplayName() string {
	return "Lark"
}

// ParseInbound normalizes a Lark event-subscription callback. URL
// verification handshakes come back as challenge envelopes; message events
// yield the canonical shape plus a fresh session handle for the chat.
func (c *Connector) ParseInbound(raw []byte) (bridge.InboundEnvelope, error) {
	var fuzzy larkevent.EventFuzzy
	if err := json.Unmarshal(raw, &fuzzy); err != nil {
		return bridge.InboundEnvelope{}, fmt.Errorf("%w: %v", bridge.ErrMalformedPayload, err)
	}
	if larkevent.ReqType(strings.TrimSpace(fuzzy.Type)) == larkevent.ReqTypeChallenge {
		return bridge.InboundEnvelope{Kind: bridge.EnvelopeChallenge, Challenge: fuzzy.Challenge}, nil
	}
	if err := c.checkToken(fuzzy); err != nil {
		return bridge.InboundEnvelope{}, err
	}

	var event larkim.P2MessageReceiveV1
	if err := json.Unmarshal(raw, &event); err != nil {
		return bridge.InboundEnvelope{}, fmt.Errorf("%w: %v", bridge.ErrMalformedPayload, err)
	}
	if event.Event == nil || event.Event.Message == nil {
		return bridge.InboundEnvelope{}, fmt.Errorf("%w: missing message event", bridge.ErrMalformedPayload)
	}
	message := event.Event.Message
	chatID := deref(message.ChatId)
	messageID := deref(message.MessageId)
	if chatID == "" || messageID == "" {
		return bridge.InboundEnvelope{}, fmt.Errorf("%w: missing chat or message id", bridge.ErrMalformedPayload)
	}

	handle, err := json.Marshal(sessionHandle{ChatID: chatID, ReceiveIDType: larkim.ReceiveIdTypeChatId})
	if err != nil {
		return bridge.InboundEnvelope{}, fmt.Errorf("marshal session handle: %w", err)
	}

	senderID := ""
	if event.Event.Sender != nil && event.Event.Sender.SenderId != nil {
		senderID = deref(event.Event.Sender.SenderId.OpenId)
	}
	tenantKey := ""
	if event.EventV2Base.Header != nil {
		tenantKey = strings.TrimSpace(event.EventV2Base.Header.TenantKey)
	}

	return bridge.InboundEnvelope{
		Kind:              bridge.EnvelopeMessage,
		ConversationID:    chatID,
		ExternalMessageID: messageID,
		SenderDisplayName: senderID,
		SenderExternalID:  senderID,
		Text:              extractText(message),
		ExternalTimestamp: parseCreateTime(deref(message.CreateTime)),
		TenantID:          tenantKey,
		SessionHandle:     handle,
	}, nil
}

// Send pushes a text message into the chat identified by the handle.
func (c *Connector) Send(ctx context.Context, handle []byte, text string) (bridge.SendReceipt, error) {
	var parsed sessionHandle
	if err := json.Unmarshal(handle, &parsed); err != nil {
		return bridge.SendReceipt{}, bridge.Permanent(fmt.Errorf("decode session handle: %w", err))
	}
	if strings.TrimSpace(parsed.ChatID) == "" {
		return bridge.SendReceipt{}, bridge.Permanent(fmt.Errorf("session handle has no chat id"))
	}
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return bridge.SendReceipt{}, bridge.Permanent(fmt.Errorf("marshal text content: %w", err))
	}

	receiveIDType := parsed.ReceiveIDType
	if receiveIDType == "" {
		receiveIDType = larkim.ReceiveIdTypeChatId
	}
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveIDType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(parsed.ChatID).
			MsgType(larkim.MsgTypeText).
			Content(string(content)).
			Build()).
		Build()

	resp, err := c.client.Im.V1.Message.Create(ctx, req)
	if err != nil {
		return bridge.SendReceipt{}, bridge.Transient(err)
	}
	if resp == nil || !resp.Success() {
		return bridge.SendReceipt{}, c.classifyFailure(resp)
	}
	messageID := ""
	if resp.Data != nil {
		messageID = deref(resp.Data.MessageId)
	}
	c.logger.Debug("send success", slog.String("chat_id", parsed.ChatID))
	return bridge.SendReceipt{PlatformMessageID: messageID}, nil
}

// classifyFailure maps a Lark API failure onto the bridge's transient /
// permanent taxonomy: rate limits and server errors are retryable, business
// rejections (invalid receive id, bot removed from chat) are not.
func (c *Connector) classifyFailure(resp *larkim.CreateMessageResp) error {
	if resp == nil {
		return bridge.Transient(fmt.Errorf("lark send failed: empty response"))
	}
	err := fmt.Errorf("lark send failed: %s (code: %d)", resp.Msg, resp.Code)
	switch {
	case resp.StatusCode == 429:
		return bridge.TransientAfter(err, time.Second)
	case resp.StatusCode >= 500:
		return bridge.Transient(err)
	default:
		return bridge.Permanent(err)
	}
}

func (c *Connector) checkToken(fuzzy larkevent.EventFuzzy) error {
	expected := strings.TrimSpace(c.cfg.VerificationToken)
	if expected == "" {
		return nil
	}
	token := strings.TrimSpace(fuzzy.Token)
	if fuzzy.Header != nil && strings.TrimSpace(fuzzy.Header.Token) != "" {
		token = strings.TrimSpace(fuzzy.Header.Token)
	}
	if token != expected {
		return fmt.Errorf("%w: verification token mismatch", bridge.ErrMalformedPayload)
	}
	return nil
}

// extractText pulls plain text out of the message content. Text and post
// messages carry text; other message types bridge as empty text.
func extractText(message *larkim.EventMessage) string {
	if message.Content == nil {
		return ""
	}
	var content map[string]any
	if err := json.Unmarshal([]byte(*message.Content), &content); err != nil {
		return ""
	}
	msgType := deref(message.MessageType)
	switch msgType {
	case larkim.MsgTypeText:
		text, _ := content["text"].(string)
		return text
	case larkim.MsgTypePost:
		return extractPostText(content)
	default:
		return ""
	}
}

// extractPostText flattens a post body into newline-joined text runs.
func extractPostText(content map[string]any) string {
	body, ok := content["content"].([]any)
	if !ok {
		return ""
	}
	lines := make([]string, 0, len(body))
	for _, rawLine := range body {
		line, ok := rawLine.([]any)
		if !ok {
			continue
		}
		parts := make([]string, 0, len(line))
		for _, rawRun := range line {
			run, ok := rawRun.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := run["text"].(string); ok && text != "" {
				parts = append(parts, text)
			}
		}
		if len(parts) > 0 {
			lines = append(lines, strings.Join(parts, ""))
		}
	}
	return strings.Join(lines, "\n")
}

func parseCreateTime(raw string) time.Time {
	millis, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || millis <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(millis).UTC()
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}
