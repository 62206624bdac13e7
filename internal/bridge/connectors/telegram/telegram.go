// Package telegram implements the group-messaging platform connector on the
// Telegram Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/opsline/opsline/internal/bridge"
)

// Platform is the registry id of this connector.
const Platform bridge.PlatformID = "telegram"

// sessionHandle is the opaque blob this connector stores per conversation.
type sessionHandle struct {
	ChatID int64 `json:"chat_id"`
}

// Connector implements bridge.Connector for Telegram group chats.
type Connector struct {
	token  string
	logger *slog.Logger

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// New creates a Telegram connector. The Bot API client is created lazily on
// first send because construction performs a network round trip.
func New(log *slog.Logger, botToken string) *Connector {
	if log == nil {
		log = slog.Default()
	}
	return &Connector{
		token:  botToken,
		logger: log.With(slog.String("connector", "telegram")),
	}
}

// PlatformID returns the registry id.
func (c *Connector) PlatformID() bridge.PlatformID {
	return Platform
}

// DisplayName returns the human-readable platform name.
func (c *Connector) DisplayName() string {
	return "Telegram"
}

// ParseInbound normalizes a Bot API update delivered by the relay process.
// Telegram message ids are only unique per chat, so the dedup key composes
// chat and message id.
func (c *Connector) ParseInbound(raw []byte) (bridge.InboundEnvelope, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(raw, &update); err != nil {
		return bridge.InboundEnvelope{}, fmt.Errorf("%w: %v", bridge.ErrMalformedPayload, err)
	}
	message := update.Message
	if message == nil || message.Chat == nil {
		return bridge.InboundEnvelope{}, fmt.Errorf("%w: update carries no message", bridge.ErrMalformedPayload)
	}

	handle, err := json.Marshal(sessionHandle{ChatID: message.Chat.ID})
	if err != nil {
		return bridge.InboundEnvelope{}, fmt.Errorf("marshal session handle: %w", err)
	}

	text := strings.TrimSpace(message.Text)
	if text == "" {
		text = strings.TrimSpace(message.Caption)
	}
	chatID := strconv.FormatInt(message.Chat.ID, 10)

	return bridge.InboundEnvelope{
		Kind:              bridge.EnvelopeMessage,
		ConversationID:    chatID,
		ExternalMessageID: chatID + ":" + strconv.Itoa(message.MessageID),
		SenderDisplayName: senderDisplayName(message),
		SenderExternalID:  senderExternalID(message),
		Text:              text,
		ExternalTimestamp: time.Unix(int64(message.Date), 0).UTC(),
		ConversationName:  strings.TrimSpace(message.Chat.Title),
		SessionHandle:     handle,
	}, nil
}

// Send pushes a text message into the chat identified by the handle.
func (c *Connector) Send(ctx context.Context, handle []byte, text string) (bridge.SendReceipt, error) {
	var parsed sessionHandle
	if err := json.Unmarshal(handle, &parsed); err != nil {
		return bridge.SendReceipt{}, bridge.Permanent(fmt.Errorf("decode session handle: %w", err))
	}
	if parsed.ChatID == 0 {
		return bridge.SendReceipt{}, bridge.Permanent(fmt.Errorf("session handle has no chat id"))
	}
	bot, err := c.getOrCreateBot()
	if err != nil {
		return bridge.SendReceipt{}, bridge.Transient(err)
	}
	if err := ctx.Err(); err != nil {
		return bridge.SendReceipt{}, err
	}

	sent, err := bot.Send(tgbotapi.NewMessage(parsed.ChatID, text))
	if err != nil {
		return bridge.SendReceipt{}, classifySendError(err)
	}
	c.logger.Debug("send success", slog.Int64("chat_id", parsed.ChatID))
	return bridge.SendReceipt{PlatformMessageID: strconv.Itoa(sent.MessageID)}, nil
}

func (c *Connector) getOrCreateBot() (*tgbotapi.BotAPI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bot != nil {
		return c.bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(c.token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	c.bot = bot
	return bot, nil
}

// classifySendError maps Bot API failures onto the bridge taxonomy. Rate
// limits carry the platform's retry_after hint; 4xx rejections (bot kicked,
// chat deleted) are permanent; everything else, including plain network
// errors, is retryable.
func classifySendError(err error) error {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return bridge.Transient(err)
	}
	switch {
	case apiErr.RetryAfter > 0:
		return bridge.TransientAfter(err, time.Duration(apiErr.RetryAfter)*time.Second)
	case apiErr.Code == 429:
		return bridge.Transient(err)
	case apiErr.Code >= 400 && apiErr.Code < 500:
		return bridge.Permanent(err)
	default:
		return bridge.Transient(err)
	}
}

func senderDisplayName(message *tgbotapi.Message) string {
	if message.From == nil {
		return ""
	}
	name := strings.TrimSpace(strings.TrimSpace(message.From.FirstName) + " " + strings.TrimSpace(message.From.LastName))
	if name != "" {
		return name
	}
	return strings.TrimSpace(message.From.UserName)
}

func senderExternalID(message *tgbotapi.Message) string {
	if message.From == nil {
		return ""
	}
	return strconv.FormatInt(message.From.ID, 10)
}
