package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"cargochats/pkg/account"
	"cargochats/pkg/bus"
	"cargochats/pkg/channel"
	"cargochats/pkg/config"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"
)

const providerName = "telegram"
const messagePreviewLimit = 240
const maxMessageLength = 4096

// Provider opens one Telegram Bot API connection per account.
type Provider struct {
	cfg       config.TelegramConfig
	allowFrom map[string]struct{}
	log       *slog.Logger
}

// NewProvider builds a provider from process-wide Telegram settings.
func NewProvider(cfg config.TelegramConfig, log *slog.Logger) *Provider {
	if log == nil {
		log = slog.Default()
	}

	return &Provider{
		cfg:       cfg,
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "channel.telegram"),
	}
}

// Name returns the channel identifier used in logs and metrics.
func (p *Provider) Name() string {
	return providerName
}

// Open validates account credentials and returns an unconnected Connection.
func (p *Provider) Open(cfg account.Config) (channel.Connection, error) {
	token := strings.TrimSpace(cfg.Credentials.Token)
	if token == "" {
		return nil, errors.New("telegram bot token is required")
	}

	apiURL := strings.TrimSpace(cfg.Credentials.APIURL)
	if apiURL == "" {
		apiURL = strings.TrimSpace(p.cfg.APIURL)
	}

	perSecond := p.cfg.SendRatePerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	refresh := time.Duration(p.cfg.TypingRefreshSeconds) * time.Second
	if refresh <= 0 {
		refresh = 4 * time.Second
	}

	return &Connection{
		accountID:     cfg.AccountID,
		token:         token,
		apiURL:        apiURL,
		allowFrom:     p.allowFrom,
		limiter:       rate.NewLimiter(rate.Limit(perSecond), 1),
		typingRefresh: refresh,
		log:           p.log.With("account_id", cfg.AccountID),
	}, nil
}

// Connection is a channel.Connection backed by Bot API long polling.
type Connection struct {
	accountID     int64
	token         string
	apiURL        string
	allowFrom     map[string]struct{}
	limiter       *rate.Limiter
	typingRefresh time.Duration
	log           *slog.Logger

	mu      sync.Mutex
	bot     *telego.Bot
	handler channel.InboundHandler
	stopRun context.CancelFunc
	closed  bool
}

// Connect creates the bot client and authenticates with getMe.
func (c *Connection) Connect(ctx context.Context) error {
	opts := []telego.BotOption{telego.WithDiscardLogger()}
	if c.apiURL != "" {
		opts = append(opts, telego.WithAPIServer(c.apiURL))
	}

	bot, err := telego.NewBot(c.token, opts...)
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w", err)
	}

	me, err := bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("authenticate telegram bot: %w", err)
	}

	c.mu.Lock()
	c.bot = bot
	c.closed = false
	c.mu.Unlock()

	c.log.Info("Telegram connection established", "bot_username", me.Username)
	return nil
}

// Subscribe installs the inbound handler.
func (c *Connection) Subscribe(handler channel.InboundHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Run long-polls updates until ctx is cancelled or Disconnect is called.
func (c *Connection) Run(ctx context.Context) error {
	c.mu.Lock()
	bot := c.bot
	if bot == nil || c.closed {
		c.mu.Unlock()
		return channel.ErrNotConnected
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.stopRun = cancel
	c.mu.Unlock()
	defer cancel()

	updates, err := bot.UpdatesViaLongPolling(runCtx, &telego.GetUpdatesParams{AllowedUpdates: []string{"message"}})
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	for {
		select {
		case <-runCtx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if runCtx.Err() != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}
			c.dispatch(update)
		}
	}
}

// Disconnect stops polling and rejects further sends.
func (c *Connection) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.stopRun != nil {
		c.stopRun()
	}
	c.log.Info("Telegram connection closed")
	return nil
}

// Send delivers text to chatID, splitting it at the Bot API length limit.
func (c *Connection) Send(ctx context.Context, chatID int64, text string) error {
	bot, err := c.liveBot()
	if err != nil {
		return err
	}

	for _, chunk := range splitMessage(text, maxMessageLength) {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("wait for send slot: %w", err)
		}
		if _, err := bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}

	c.log.Debug("Sent message", "chat_id", chatID, "content", previewText(text))
	return nil
}

// MarkRead is a no-op: the Bot API has no read receipts for bot chats.
func (c *Connection) MarkRead(_ context.Context, chatID, messageID int64) error {
	if _, err := c.liveBot(); err != nil {
		return err
	}
	c.log.Debug("Read receipt skipped", "chat_id", chatID, "message_id", messageID)
	return nil
}

// SetComposing sends a typing action and refreshes it until cancel is called.
func (c *Connection) SetComposing(ctx context.Context, chatID int64) func() {
	bot, err := c.liveBot()
	if err != nil {
		return func() {}
	}

	typingCtx, cancel := context.WithCancel(ctx)

	sendTyping := func() {
		if err := bot.SendChatAction(typingCtx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil && typingCtx.Err() == nil {
			c.log.Debug("Failed to send typing indicator", "chat_id", chatID, "error", err)
		}
	}

	sendTyping()

	go func() {
		ticker := time.NewTicker(c.typingRefresh)
		defer ticker.Stop()

		for {
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
				sendTyping()
			}
		}
	}()

	return cancel
}

func (c *Connection) liveBot() (*telego.Bot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bot == nil || c.closed {
		return nil, channel.ErrNotConnected
	}
	return c.bot, nil
}

// dispatch filters one update and hands private text messages to the handler.
func (c *Connection) dispatch(update telego.Update) {
	message := update.Message
	if message == nil {
		return
	}
	if message.Chat.Type != telego.ChatTypePrivate {
		return
	}

	text := strings.TrimSpace(message.Text)
	if text == "" {
		return
	}
	if message.From == nil {
		c.log.Debug("Ignoring message without sender")
		return
	}
	if message.Chat.ID == 0 || message.MessageID == 0 {
		return
	}

	senderID := strconv.FormatInt(message.From.ID, 10)
	if !c.senderAllowed(senderID) {
		c.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
		return
	}

	c.mu.Lock()
	handler := c.handler
	closed := c.closed
	c.mu.Unlock()
	if handler == nil || closed {
		return
	}

	receivedAt := time.Now().UTC()
	if message.Date > 0 {
		receivedAt = time.Unix(message.Date, 0).UTC()
	}

	c.log.Info("Received message", "chat_id", message.Chat.ID, "message_id", message.MessageID, "content", previewText(text))
	handler(bus.InboundMessage{
		AccountID:  c.accountID,
		ChatID:     message.Chat.ID,
		MessageID:  int64(message.MessageID),
		SenderID:   message.From.ID,
		Text:       text,
		ReceivedAt: receivedAt,
	})
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (c *Connection) senderAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}

	_, ok := c.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// splitMessage cuts text into rune-safe chunks of at most limit runes.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	runes := []rune(text)
	chunks := make([]string, 0, len(runes)/limit+1)
	for len(runes) > 0 {
		n := min(limit, len(runes))
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return string([]rune(trimmed)[:messagePreviewLimit]) + "..."
}
