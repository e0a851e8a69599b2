package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/stellarlinkco/milabot/internal/bus"
	"github.com/stellarlinkco/milabot/internal/config"
	"github.com/stellarlinkco/milabot/internal/delivery"
	"github.com/stellarlinkco/milabot/internal/httpkit"
)

const (
	telegramChannelName = "telegram"

	// Telegram allows 4096 characters per message and 1024 per caption.
	maxMessageLen = 4000
	maxCaptionLen = 1024

	// pollTimeout is the getUpdates long-poll wait, in seconds.
	pollTimeout       = 30
	pollClientTimeout = (pollTimeout + 15) * time.Second

	// SendTimeout bounds one send, edit or delete request.
	SendTimeout = 20 * time.Second
)

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetSelf() tgbotapi.User
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot interface
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return w.bot.Request(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramChannel polls Telegram for messages, delivers replies, and
// implements reminder.Messenger. Polling and outbound requests use separate
// clients so a send is never held to the long-poll timeout.
type TelegramChannel struct {
	BaseChannel
	token       string
	bot         TelegramBot
	sender      TelegramBot
	proxy       string
	botUsername string
	cancel      context.CancelFunc
	botFactory  BotFactory
	logger      *slog.Logger
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus, logger *slog.Logger) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, logger, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, logger *slog.Logger, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	ch := &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, cfg.AllowFrom),
		token:       cfg.Token,
		proxy:       cfg.Proxy,
		botFactory:  factory,
		logger:      logger.With("component", "telegram"),
	}
	return ch, nil
}

// Connect authorizes the bot without starting to poll. Start calls it when
// needed; the CLI uses it to send without receiving.
func (t *TelegramChannel) Connect() error {
	if t.bot != nil {
		return nil
	}
	proxyURL, err := httpkit.ParseProxy(t.proxy)
	if err != nil {
		return err
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, newClient(proxyURL, pollClientTimeout))
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	sender, err := t.botFactory(t.token, tgbotapi.APIEndpoint, newClient(proxyURL, SendTimeout))
	if err != nil {
		return fmt.Errorf("create telegram sender: %w", err)
	}
	t.bot = bot
	t.sender = sender
	t.botUsername = bot.GetSelf().UserName
	t.logger.Info("authorized", "username", t.botUsername)
	return nil
}

func newClient(proxyURL *url.URL, timeout time.Duration) *http.Client {
	opts := []httpkit.ClientOption{httpkit.WithTimeout(timeout)}
	if proxyURL != nil {
		opts = append(opts, httpkit.WithProxy(proxyURL))
	}
	return httpkit.NewClient(opts...)
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.Connect(); err != nil {
		return err
	}

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message == nil {
					continue
				}
				t.handleMessage(ctx, update.Message)
			case <-ctx.Done():
				return
			}
		}
	}()

	t.logger.Info("polling started")
	return nil
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)

	if !t.IsAllowed(senderID) {
		t.logger.Warn("rejected message", "sender_id", senderID, "username", msg.From.UserName)
		return
	}

	content := msg.Text
	if content == "" && msg.Caption != "" {
		content = msg.Caption
	}
	content = strings.TrimSpace(stripMention(content, t.botUsername))
	if content == "" {
		return
	}

	in := bus.InboundMessage{
		Channel:   telegramChannelName,
		SenderID:  senderID,
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		Content:   content,
		Timestamp: time.Unix(int64(msg.Date), 0),
		Username:  msg.From.UserName,
		FirstName: msg.From.FirstName,
		MessageID: msg.MessageID,
	}
	select {
	case t.bus.Inbound <- in:
	case <-ctx.Done():
	}
}

// stripMention removes "@botname" so "/start@mila_bot" and "@mila_bot hi"
// read as "/start" and "hi".
func stripMention(s, username string) string {
	if username == "" {
		return s
	}
	mention := "@" + username
	for {
		idx := strings.Index(strings.ToLower(s), strings.ToLower(mention))
		if idx < 0 {
			return s
		}
		s = s[:idx] + s[idx+len(mention):]
	}
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	t.logger.Info("stopped")
	return nil
}

// SetBot sets the bot used for both polling and sending (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
	t.sender = bot
}

// Send delivers an outbound message, as a photo when ImageURL is set.
func (t *TelegramChannel) Send(msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", msg.ChatID, err)
	}
	if msg.ImageURL != "" {
		_, err := t.sendPhoto(context.Background(), chatID, msg.Content, msg.ImageURL)
		return err
	}
	_, err = t.SendText(context.Background(), chatID, msg.Content)
	return err
}

// SendText sends text, split into chunks under Telegram's limit, and returns
// the id of the last chunk. Markdown is rendered as Telegram HTML; a chunk
// whose markup Telegram rejects is resent as plain text.
func (t *TelegramChannel) SendText(ctx context.Context, chatID int64, text string) (int, error) {
	if t.sender == nil {
		return 0, fmt.Errorf("telegram bot not initialized")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var lastID int
	for _, chunk := range splitMessage(text, maxMessageLen) {
		html := tgbotapi.NewMessage(chatID, toTelegramHTML(chunk))
		html.ParseMode = tgbotapi.ModeHTML
		sent, err := t.send(ctx, html)
		if err != nil {
			if !isParseError(err) {
				return 0, classifyError("send telegram message", err)
			}
			t.logger.Debug("html rejected, resending as plain text", "chat_id", chatID, "error", err)
			sent, err = t.send(ctx, tgbotapi.NewMessage(chatID, chunk))
			if err != nil {
				return 0, classifyError("send telegram message", err)
			}
		}
		lastID = sent.MessageID
	}
	return lastID, nil
}

func (t *TelegramChannel) send(ctx context.Context, c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return withContext(ctx, func() (tgbotapi.Message, error) { return t.sender.Send(c) })
}

// withContext runs fn and stops waiting when ctx ends. The Bot API client
// takes no context, so the request itself is bounded by SendTimeout.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (t *TelegramChannel) sendPhoto(ctx context.Context, chatID int64, caption, imageURL string) (int, error) {
	if t.sender == nil {
		return 0, fmt.Errorf("telegram bot not initialized")
	}
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(imageURL))
	photo.Caption = truncateRunes(caption, maxCaptionLen)
	sent, err := t.send(ctx, photo)
	if err != nil {
		return 0, classifyError("send telegram photo", err)
	}
	return sent.MessageID, nil
}

// SendReminder sends text, with imageURL as a photo when set. If the photo
// cannot be fetched by Telegram the text is sent on its own.
func (t *TelegramChannel) SendReminder(ctx context.Context, userID int64, text, imageURL string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if imageURL == "" {
		return t.SendText(ctx, userID, text)
	}
	id, err := t.sendPhoto(ctx, userID, text, imageURL)
	if err == nil {
		return id, nil
	}
	if delivery.ReasonOf(err).Permanent() || ctx.Err() != nil {
		return 0, err
	}
	t.logger.Warn("reminder photo failed, sending text", "user_id", userID, "error", err)
	return t.SendText(ctx, userID, text)
}

// DeleteMessage removes a message the bot sent.
func (t *TelegramChannel) DeleteMessage(ctx context.Context, userID int64, messageID int) error {
	if t.sender == nil {
		return fmt.Errorf("telegram bot not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	resp, err := withContext(ctx, func() (*tgbotapi.APIResponse, error) {
		return t.sender.Request(tgbotapi.NewDeleteMessage(userID, messageID))
	})
	if err != nil {
		return classifyError("delete telegram message", err)
	}
	if resp != nil && !resp.Ok {
		return &delivery.Error{Reason: delivery.ReasonOther, Err: fmt.Errorf("delete telegram message: %s", resp.Description)}
	}
	return nil
}

// EditText replaces the text of an earlier message.
func (t *TelegramChannel) EditText(ctx context.Context, chatID int64, messageID int, text string) error {
	if t.sender == nil {
		return fmt.Errorf("telegram bot not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.send(ctx, tgbotapi.NewEditMessageText(chatID, messageID, text)); err != nil {
		return classifyError("edit telegram message", err)
	}
	return nil
}

func classifyError(op string, err error) error {
	return &delivery.Error{Reason: classify(err), Err: fmt.Errorf("%s: %w", op, err)}
}

// apiError extracts the Bot API error code and lowercased description.
func apiError(err error) (code int, desc string, ok bool) {
	var ptr *tgbotapi.Error
	var val tgbotapi.Error
	switch {
	case errors.As(err, &ptr):
		return ptr.Code, strings.ToLower(ptr.Message), true
	case errors.As(err, &val):
		return val.Code, strings.ToLower(val.Message), true
	default:
		return 0, "", false
	}
}

// isParseError reports whether Telegram refused the message markup. Only
// then is the message known not to have been delivered.
func isParseError(err error) bool {
	code, desc, ok := apiError(err)
	return ok && code == http.StatusBadRequest && strings.Contains(desc, "can't parse entities")
}

// classify maps a Bot API error description to a delivery reason.
func classify(err error) delivery.Reason {
	code, desc, ok := apiError(err)
	if !ok {
		return delivery.ReasonOther
	}
	switch {
	case strings.Contains(desc, "blocked by the user"):
		return delivery.ReasonBlocked
	case strings.Contains(desc, "user is deactivated"),
		strings.Contains(desc, "chat not found"),
		strings.Contains(desc, "peer_id_invalid"):
		return delivery.ReasonDeleted
	case code == http.StatusForbidden:
		return delivery.ReasonBlocked
	default:
		return delivery.ReasonOther
	}
}

// splitMessage cuts s into chunks of at most max bytes, preferring newline
// boundaries and never splitting a UTF-8 sequence.
func splitMessage(s string, max int) []string {
	if s == "" {
		return []string{""}
	}
	var out []string
	for len(s) > max {
		cut := strings.LastIndex(s[:max], "\n")
		if cut <= 0 {
			cut = max
			for cut > 0 && !utf8RuneStart(s[cut]) {
				cut--
			}
		}
		out = append(out, s[:cut])
		s = strings.TrimPrefix(s[cut:], "\n")
	}
	return append(out, s)
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// toTelegramHTML converts basic markdown to Telegram HTML.
func toTelegramHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")

	s = replacePairs(s, "```", "<pre>", "</pre>", stripLanguageTag)
	s = replacePairs(s, "`", "<code>", "</code>", nil)
	s = replacePairs(s, "**", "<b>", "</b>", nil)
	s = replacePairs(s, "*", "<i>", "</i>", nil)
	return s
}

// replacePairs wraps every delim...delim span in open/close tags.
func replacePairs(s, delim, open, close string, inner func(string) string) string {
	for {
		start := strings.Index(s, delim)
		if start == -1 {
			return s
		}
		end := strings.Index(s[start+len(delim):], delim)
		if end == -1 {
			return s
		}
		end += start + len(delim)
		body := s[start+len(delim) : end]
		if inner != nil {
			body = inner(body)
		}
		s = s[:start] + open + body + close + s[end+len(delim):]
	}
}

func stripLanguageTag(code string) string {
	if nl := strings.Index(code, "\n"); nl >= 0 {
		first := strings.TrimSpace(code[:nl])
		if first != "" && !strings.Contains(first, " ") {
			return code[nl+1:]
		}
	}
	return code
}
