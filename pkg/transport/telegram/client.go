// Package telegram adapts Telegram long polling to the event transport.
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
	"unicode/utf8"

	"eventbot/pkg/config"
	"eventbot/pkg/message"
	"eventbot/pkg/transport"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/tidwall/gjson"
)

const (
	webConnID           = "telegram"
	messagePreviewLimit = 240

	msgTypeText = "TextMsg"

	EventGroupJoin = "ON_EVENT_GROUP_JOIN"
	EventGroupExit = "ON_EVENT_GROUP_EXIT"
)

// Client turns Telegram updates into friend, group and event envelopes.
type Client struct {
	token     string
	allowFrom map[string]struct{}
	log       *slog.Logger
	callbacks transport.Callbacks

	mu      sync.Mutex
	bot     *telego.Bot
	self    *telego.User
	cancel  context.CancelFunc
	stopped bool

	done chan struct{}
	err  error
}

var _ transport.Transport = (*Client)(nil)

// New validates Telegram configuration and constructs an unconnected client.
func New(cfg config.TelegramConfig, log *slog.Logger) (*Client, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	return &Client{
		token:     token,
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "transport.telegram"),
		done:      make(chan struct{}),
	}, nil
}

// On registers fn for an inbound event name.
func (c *Client) On(event string, fn transport.Callback) {
	c.callbacks.On(event, fn)
}

// Connect identifies the bot and starts long polling. The address is unused.
func (c *Client) Connect(ctx context.Context, _ string) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	if c.bot != nil {
		c.mu.Unlock()
		return errors.New("telegram client already connected")
	}
	c.mu.Unlock()

	bot, err := telego.NewBot(c.token)
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w", err)
	}

	self, err := bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("identify telegram bot: %w", err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	updates, err := bot.UpdatesViaLongPolling(pollCtx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		cancel()
		return transport.ErrClosed
	}
	c.bot = bot
	c.self = self
	c.cancel = cancel
	c.mu.Unlock()

	c.log.Info("Telegram transport started", "bot", self.Username, "bot_id", self.ID)
	go c.run(pollCtx, updates, self.ID)
	return nil
}

func (c *Client) run(ctx context.Context, updates <-chan telego.Update, self int64) {
	c.callbacks.Fire(transport.EventConnect, nil)
	defer c.callbacks.Fire(transport.EventDisconnect, nil)

	for update := range updates {
		if msg := update.Message; msg != nil && msg.From != nil {
			senderID := strconv.FormatInt(msg.From.ID, 10)
			if !c.senderAllowed(senderID) {
				c.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
				continue
			}
		}

		event, data, ok := encodeUpdate(update, self)
		if !ok {
			continue
		}
		c.log.Debug("Received update", "event", event, "update_id", update.UpdateID)
		c.callbacks.Fire(event, data)
	}

	if ctx.Err() != nil {
		c.finish(nil)
		return
	}
	c.finish(errors.New("telegram updates channel closed"))
}

// Emit answers GetWebConn with the bot username and sends text for payloads
// carrying ToUserUid and Content.
func (c *Client) Emit(ctx context.Context, event string, payload any, ack transport.AckFunc) error {
	c.mu.Lock()
	bot, self := c.bot, c.self
	c.mu.Unlock()
	if bot == nil {
		return transport.ErrNotConnected
	}

	if event == transport.EventGetWebConn {
		if ack != nil {
			data, _ := json.Marshal(self.Username)
			ack(data)
		}
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	chatID, text, err := outboundText(raw)
	if err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}

	c.log.Info("Sending message", "event", event, "chat_id", chatID, "content", previewText(text))
	sent, err := bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text))
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	if ack != nil {
		data, _ := json.Marshal(map[string]any{"Ret": 0, "MsgSeq": sent.MessageID})
		ack(data)
	}
	return nil
}

// Disconnect stops long polling.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Wait blocks until polling ends.
func (c *Client) Wait() error {
	c.mu.Lock()
	connected := c.bot != nil
	c.mu.Unlock()
	if !connected {
		return transport.ErrNotConnected
	}

	<-c.done
	return c.err
}

func (c *Client) finish(err error) {
	c.err = err
	close(c.done)
}

// senderAllowed checks whether a sender is permitted by allow_from config.
// When no allow list is configured, all senders are accepted.
func (c *Client) senderAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}

	_, ok := c.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// encodeUpdate maps one update to an inbound event name and envelope.
func encodeUpdate(update telego.Update, self int64) (string, []byte, bool) {
	msg := update.Message
	if msg == nil {
		return "", nil, false
	}

	var (
		event string
		data  map[string]any
	)

	switch {
	case len(msg.NewChatMembers) > 0:
		event, data = message.EventEvents, memberEvent(msg, EventGroupJoin, msg.NewChatMembers[0], self)
	case msg.LeftChatMember != nil:
		event, data = message.EventEvents, memberEvent(msg, EventGroupExit, *msg.LeftChatMember, self)
	case strings.TrimSpace(msg.Text) == "" || msg.From == nil:
		return "", nil, false
	case msg.Chat.Type == telego.ChatTypePrivate:
		event = message.EventFriendMessages
		data = map[string]any{
			"FromUin": msg.From.ID,
			"ToUin":   self,
			"MsgType": msgTypeText,
			"MsgSeq":  msg.MessageID,
			"Content": msg.Text,
		}
	case msg.Chat.Type == telego.ChatTypeGroup || msg.Chat.Type == telego.ChatTypeSupergroup:
		event = message.EventGroupMessages
		data = map[string]any{
			"FromGroupId":   msg.Chat.ID,
			"FromGroupName": msg.Chat.Title,
			"FromUserId":    msg.From.ID,
			"FromNickName":  displayName(*msg.From),
			"Content":       msg.Text,
			"MsgType":       msgTypeText,
			"MsgTime":       msg.Date,
			"MsgSeq":        msg.MessageID,
			"MsgRandom":     update.UpdateID,
		}
	default:
		return "", nil, false
	}

	encoded, err := json.Marshal(map[string]any{
		"CurrentQQ": self,
		"CurrentPacket": map[string]any{
			"WebConnId": webConnID,
			"Data":      data,
		},
	})
	if err != nil {
		return "", nil, false
	}
	return event, encoded, true
}

func memberEvent(msg *telego.Message, name string, member telego.User, self int64) map[string]any {
	return map[string]any{
		"EventName": name,
		"EventData": map[string]any{
			"GroupID":  msg.Chat.ID,
			"UserID":   member.ID,
			"UserName": displayName(member),
		},
		"EventMsg": map[string]any{
			"FromUin": msg.Chat.ID,
			"ToUin":   self,
			"MsgType": name,
			"MsgSeq":  msg.MessageID,
			"Content": fmt.Sprintf("%s %s", displayName(member), strings.ToLower(strings.TrimPrefix(name, "ON_EVENT_GROUP_"))),
		},
	}
}

func displayName(user telego.User) string {
	if user.Username != "" {
		return user.Username
	}
	return strings.TrimSpace(user.FirstName + " " + user.LastName)
}

// outboundText reads the target chat and text out of an emitted payload.
func outboundText(raw []byte) (int64, string, error) {
	target := gjson.GetBytes(raw, "ToUserUid")
	if !target.Exists() || target.Int() == 0 {
		return 0, "", errors.New("payload has no ToUserUid")
	}
	content := strings.TrimSpace(gjson.GetBytes(raw, "Content").String())
	if content == "" {
		return 0, "", errors.New("payload has no Content")
	}
	return target.Int(), content, nil
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}

	if len(allowed) == 0 {
		return nil
	}
	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	cut := messagePreviewLimit
	for cut > 0 && !utf8.RuneStart(trimmed[cut]) {
		cut--
	}
	return trimmed[:cut] + "..."
}
