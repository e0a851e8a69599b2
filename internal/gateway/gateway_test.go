package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/stellarlinkco/milabot/internal/bus"
	"github.com/stellarlinkco/milabot/internal/channel"
	"github.com/stellarlinkco/milabot/internal/config"
	"github.com/stellarlinkco/milabot/internal/llm"
	"github.com/stellarlinkco/milabot/internal/provider"
	"github.com/stellarlinkco/milabot/internal/reminder"
	"github.com/stellarlinkco/milabot/internal/responder"
	"github.com/stellarlinkco/milabot/internal/store"
	"github.com/stellarlinkco/milabot/internal/store/sqlite"
)

// fakeBot implements channel.TelegramBot for testing
type fakeBot struct {
	mu      sync.Mutex
	updates chan tgbotapi.Update
	sent    []tgbotapi.Chattable
	stopped bool
}

func newFakeBot() *fakeBot {
	return &fakeBot{updates: make(chan tgbotapi.Update, 10)}
}

func (b *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel { return b.updates }

func (b *fakeBot) StopReceivingUpdates() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, c)
	return tgbotapi.Message{MessageID: len(b.sent)}, nil
}

func (b *fakeBot) Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (b *fakeBot) GetSelf() tgbotapi.User { return tgbotapi.User{UserName: "mila_bot"} }

func (b *fakeBot) sentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func botFactory(bot channel.TelegramBot) channel.BotFactory {
	return func(token, apiEndpoint string, client *http.Client) (channel.TelegramBot, error) {
		return bot, nil
	}
}

// fakeChat implements llm.ChatClient
type fakeChat struct {
	mu    sync.Mutex
	reply string
	err   error
	reqs  []llm.ChatRequest
}

func (f *fakeChat) Complete(ctx context.Context, apiKey string, req llm.ChatRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.reply, f.err
}

func (f *fakeChat) last() llm.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

// failingText implements llm.TextClient
type failingText struct{}

func (failingText) Generate(context.Context, string, llm.Encoding) (string, error) {
	return "", errors.New("secondary down")
}

func memoryStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (store.Store, error) {
	return sqlite.Open(":memory:")
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Telegram.Token = "fake-token"
	cfg.Providers = []config.ProviderConfig{{APIKey: "key-1", Model: "model-1"}}
	cfg.AdminIDs = []int64{1}
	cfg.Health.Enabled = false
	return cfg
}

func newTestGateway(t *testing.T, chat *fakeChat) (*Gateway, *fakeBot) {
	t.Helper()
	bot := newFakeBot()
	g, err := NewWithOptions(testConfig(), Options{
		StoreFactory: memoryStore,
		BotFactory:   botFactory(bot),
		Primary:      chat,
		Secondary:    failingText{},
	})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	t.Cleanup(func() { _ = g.store.Close() })
	return g, bot
}

func inbound(userID, content string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:   "telegram",
		SenderID:  userID,
		ChatID:    userID,
		Content:   content,
		Username:  "ann",
		FirstName: "Ann",
	}
}

func nextOutbound(t *testing.T, g *Gateway) bus.OutboundMessage {
	t.Helper()
	select {
	case out := <-g.bus.Outbound:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for outbound message")
		return bus.OutboundMessage{}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input string
		n     int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is a long message", 10, "this is a ..."},
		{"", 5, ""},
		{"héllo wörld", 5, "héllo..."},
	}

	for _, tt := range tests {
		got := truncate(tt.input, tt.n)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.n, got, tt.want)
		}
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input string
		cmd   string
		arg   string
		isCmd bool
	}{
		{"/start", "start", "", true},
		{"  /HELP  ", "help", "", true},
		{"/broadcast hello everyone", "broadcast", "hello everyone", true},
		{"/broadcast\nline one\nline two", "broadcast", "line one\nline two", true},
		{"hello", "", "", false},
		{"/", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		cmd, arg, ok := parseCommand(tt.input)
		if ok != tt.isCmd || cmd != tt.cmd || arg != tt.arg {
			t.Errorf("parseCommand(%q) = %q, %q, %v", tt.input, cmd, arg, ok)
		}
	}
}

func TestNewWithOptions_NoProviders(t *testing.T) {
	cfg := testConfig()
	cfg.Providers = nil
	_, err := NewWithOptions(cfg, Options{StoreFactory: memoryStore, BotFactory: botFactory(newFakeBot())})
	var empty *provider.EmptyPoolError
	if !errors.As(err, &empty) {
		t.Errorf("err = %v, want EmptyPoolError", err)
	}
}

func TestNewWithOptions_StoreError(t *testing.T) {
	failing := func(context.Context, config.StorageConfig, *slog.Logger) (store.Store, error) {
		return nil, errors.New("disk full")
	}
	_, err := NewWithOptions(testConfig(), Options{StoreFactory: failing, BotFactory: botFactory(newFakeBot())})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("err = %v, want store error", err)
	}
}

func TestNewWithOptions_NoToken(t *testing.T) {
	cfg := testConfig()
	cfg.Telegram.Token = ""
	if _, err := NewWithOptions(cfg, Options{StoreFactory: memoryStore}); err == nil {
		t.Error("expected error without telegram token")
	}
}

func TestNewWithOptions_BadTemplates(t *testing.T) {
	cfg := testConfig()
	cfg.Reminder.TemplatesPath = t.TempDir() + "/missing.yaml"
	if _, err := NewWithOptions(cfg, Options{StoreFactory: memoryStore, BotFactory: botFactory(newFakeBot())}); err == nil {
		t.Error("expected error for missing templates file")
	}
}

func TestNewWithOptions_RegistersJobs(t *testing.T) {
	cfg := testConfig()
	cfg.Health.KeepAliveURLs = []string{"http://example.com/ping"}
	g, err := NewWithOptions(cfg, Options{StoreFactory: memoryStore, BotFactory: botFactory(newFakeBot()), Primary: &fakeChat{}})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	defer g.store.Close()

	var names []string
	for _, j := range g.cron.Jobs() {
		names = append(names, j.Name)
	}
	if strings.Join(names, ",") != "keepalive,reminders" {
		t.Errorf("jobs = %v", names)
	}
}

func TestNewWithOptions_RemindersDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Reminder.Enabled = false
	g, err := NewWithOptions(cfg, Options{StoreFactory: memoryStore, BotFactory: botFactory(newFakeBot()), Primary: &fakeChat{}})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	defer g.store.Close()
	if g.reminders != nil || len(g.cron.Jobs()) != 0 {
		t.Error("no jobs expected with reminders disabled and no keep-alive urls")
	}
}

func TestGateway_Chat(t *testing.T) {
	chat := &fakeChat{reply: "I missed you, Ann!"}
	g, _ := newTestGateway(t, chat)
	ctx := context.Background()

	g.handle(ctx, inbound("42", "hi Mila"))
	out := nextOutbound(t, g)
	if out.Content != "I missed you, Ann!" || out.ChatID != "42" || out.Channel != "telegram" {
		t.Errorf("outbound = %+v", out)
	}

	u, err := g.store.GetUser(ctx, 42)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.FirstName != "Ann" || u.Username != "ann" {
		t.Errorf("user = %+v", u)
	}

	history, err := g.store.History(ctx, 42, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[0].Role != llm.RoleUser || history[1].Content != "I missed you, Ann!" {
		t.Errorf("history = %+v", history)
	}
}

func TestGateway_Chat_SendsHistory(t *testing.T) {
	chat := &fakeChat{reply: "aww"}
	g, _ := newTestGateway(t, chat)
	ctx := context.Background()

	g.handle(ctx, inbound("42", "first"))
	nextOutbound(t, g)
	g.handle(ctx, inbound("42", "second"))
	nextOutbound(t, g)

	msgs := chat.last().Messages
	// system, first, aww, second
	if len(msgs) != 4 {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[0].Role != llm.RoleSystem || !strings.Contains(msgs[0].Content, "Ann") {
		t.Errorf("system turn = %+v", msgs[0])
	}
	if msgs[1].Content != "first" || msgs[2].Content != "aww" || msgs[3].Content != "second" {
		t.Errorf("turns = %+v", msgs[1:])
	}
}

func TestGateway_Chat_FallbackNotStored(t *testing.T) {
	chat := &fakeChat{err: llm.ErrConnection}
	g, _ := newTestGateway(t, chat)
	ctx := context.Background()

	g.handle(ctx, inbound("42", "hello?"))
	out := nextOutbound(t, g)

	isFallback := false
	for _, line := range responder.DefaultFallbacks {
		if out.Content == line {
			isFallback = true
		}
	}
	if !isFallback {
		t.Errorf("content = %q, want a fallback line", out.Content)
	}

	history, _ := g.store.History(ctx, 42, 10)
	if len(history) != 1 || history[0].Role != llm.RoleUser {
		t.Errorf("history = %+v, want only the user turn", history)
	}
}

func TestGateway_Chat_MarksReminderResponded(t *testing.T) {
	g, _ := newTestGateway(t, &fakeChat{reply: "yay"})
	ctx := context.Background()

	sentAt := time.Now().Add(-time.Hour)
	if err := g.store.UpsertUser(ctx, reminder.User{ID: 42, FirstName: "Ann"}, sentAt.Add(-48*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := g.store.RecordSent(ctx, reminder.Record{ID: "r1", UserID: 42, MessageID: 7, Template: "miss-you", SentAt: sentAt}); err != nil {
		t.Fatal(err)
	}

	g.handle(ctx, inbound("42", "I'm back"))
	nextOutbound(t, g)

	rec, err := g.store.LatestReminder(ctx, 42)
	if err != nil || rec == nil {
		t.Fatalf("LatestReminder = %v, %v", rec, err)
	}
	if !rec.Responded {
		t.Error("reminder should be marked responded")
	}
}

func TestGateway_BadSender(t *testing.T) {
	g, _ := newTestGateway(t, &fakeChat{reply: "hi"})
	g.handle(context.Background(), inbound("not-a-number", "hi"))
	select {
	case out := <-g.bus.Outbound:
		t.Errorf("unexpected outbound %+v", out)
	default:
	}
}

func TestGateway_Commands(t *testing.T) {
	tests := []struct {
		name      string
		sender    string
		content   string
		want      string
		wantImage bool
	}{
		{"start", "42", "/start", "Hey Ann!", true},
		{"help", "42", "/help", "/clear", false},
		{"unknown", "42", "/dance", "/start", false},
		{"admin help", "1", "/help", "/broadcast", false},
		{"broadcast non-admin", "42", "/broadcast hi", "/help", false},
		{"broadcast usage", "1", "/broadcast", "Usage:", false},
		{"stats non-admin", "42", "/stats", "/help", false},
		{"stats", "1", "/stats", "Users: 1\nActive (7d): 1\nNew (24h): 1", false},
		{"help lists profile", "42", "/help", "/profile", false},
		{"profile show", "42", "/profile", "Nickname: Ann\n🌹 Personality: flirty and caring", false},
		{"profile unknown key", "42", "/profile mood=sad", "unknown setting", false},
		{"profile bare word", "42", "/profile Love", "expected key=value", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat := &fakeChat{reply: "should not be used"}
			g, _ := newTestGateway(t, chat)
			g.handle(context.Background(), inbound(tt.sender, tt.content))

			out := nextOutbound(t, g)
			if !strings.Contains(out.Content, tt.want) {
				t.Errorf("content = %q, want it to contain %q", out.Content, tt.want)
			}
			if (out.ImageURL != "") != tt.wantImage {
				t.Errorf("image = %q", out.ImageURL)
			}
			if len(chat.reqs) != 0 {
				t.Error("commands must not reach the responder")
			}
		})
	}
}

func TestGateway_Clear(t *testing.T) {
	g, _ := newTestGateway(t, &fakeChat{reply: "hey"})
	ctx := context.Background()

	g.handle(ctx, inbound("42", "remember me"))
	nextOutbound(t, g)
	g.handle(ctx, inbound("42", "/clear"))
	if out := nextOutbound(t, g); out.Content != clearedText {
		t.Errorf("content = %q", out.Content)
	}

	history, _ := g.store.History(ctx, 42, 10)
	if len(history) != 0 {
		t.Errorf("history = %+v, want empty", history)
	}
}

func TestGateway_Profile(t *testing.T) {
	chat := &fakeChat{reply: "hey you"}
	g, _ := newTestGateway(t, chat)
	ctx := context.Background()

	g.handle(ctx, inbound("42", "/profile nickname=Sweet Pea traits=playful,romantic"))
	out := nextOutbound(t, g)
	if !strings.Contains(out.Content, "call you Sweet Pea and be playful,romantic") {
		t.Errorf("content = %q", out.Content)
	}

	// Only traits change; the nickname stays.
	g.handle(ctx, inbound("42", "/profile vibe=shy"))
	nextOutbound(t, g)
	prefs, err := g.store.GetPreferences(ctx, 42)
	if err != nil {
		t.Fatalf("GetPreferences: %v", err)
	}
	if prefs.Nickname != "Sweet Pea" || prefs.Traits != "shy" {
		t.Errorf("prefs = %+v", prefs)
	}

	g.handle(ctx, inbound("42", "/profile"))
	if out := nextOutbound(t, g); !strings.Contains(out.Content, "Nickname: Sweet Pea") {
		t.Errorf("content = %q", out.Content)
	}

	g.handle(ctx, inbound("42", "hi"))
	nextOutbound(t, g)
	system := chat.last().Messages[0]
	if !strings.Contains(system.Content, "Sweet Pea") || strings.Contains(system.Content, "Ann") {
		t.Errorf("system turn = %q, want the nickname", system.Content)
	}
}

func TestGateway_Stats_CountsConversations(t *testing.T) {
	g, _ := newTestGateway(t, &fakeChat{reply: "hey"})
	ctx := context.Background()

	g.handle(ctx, inbound("42", "one"))
	nextOutbound(t, g)
	g.handle(ctx, inbound("42", "/clear"))
	nextOutbound(t, g)
	g.handle(ctx, inbound("42", "two"))
	nextOutbound(t, g)

	g.handle(ctx, inbound("1", "/stats"))
	out := nextOutbound(t, g)
	if !strings.Contains(out.Content, "Conversations: 4 total, 4 (24h), 4 (7d), 4 (30d)") {
		t.Errorf("content = %q", out.Content)
	}
	if !strings.Contains(out.Content, "Users: 2") {
		t.Errorf("content = %q", out.Content)
	}
}

func TestGateway_Broadcast(t *testing.T) {
	g, bot := newTestGateway(t, &fakeChat{reply: "hey"})
	ctx := context.Background()
	g.channels.Telegram().SetBot(bot)

	for _, id := range []int64{1, 2, 3} {
		if err := g.store.UpsertUser(ctx, reminder.User{ID: id}, time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	g.handle(ctx, inbound("1", "/broadcast big news"))
	g.inflight.Wait()

	// progress + 3 recipients, summary is an edit
	if n := bot.sentCount(); n != 5 {
		t.Errorf("sent = %d, want 5", n)
	}
}

func TestGateway_ProcessLoop(t *testing.T) {
	g, _ := newTestGateway(t, &fakeChat{reply: "response"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go g.processLoop(ctx)
	g.bus.Inbound <- inbound("42", "hello")

	out := nextOutbound(t, g)
	if out.Content != "response" {
		t.Errorf("outbound content = %q, want 'response'", out.Content)
	}
}

func TestGateway_ProcessLoop_ContextCancelled(t *testing.T) {
	g, _ := newTestGateway(t, &fakeChat{reply: "response"})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		g.processLoop(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("processLoop did not exit after cancel")
	}
}

// slowBot delays every send, standing in for a stalled Telegram API.
type slowBot struct {
	*fakeBot
	delay   time.Duration
	entered chan struct{}
	once    sync.Once
}

func (b *slowBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.once.Do(func() { close(b.entered) })
	time.Sleep(b.delay)
	return b.fakeBot.Send(c)
}

// trackingStore records reminder writes and whether they came after Close.
type trackingStore struct {
	store.Store
	mu        sync.Mutex
	closed    bool
	recorded  int
	recordErr error
}

func (s *trackingStore) RecordSent(ctx context.Context, rec reminder.Record) error {
	err := s.Store.RecordSent(ctx, rec)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.recordErr = err
	} else {
		s.recorded++
	}
	return err
}

func (s *trackingStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Store.Close()
}

func TestGateway_Shutdown_WaitsForReminderUnit(t *testing.T) {
	bot := &slowBot{fakeBot: newFakeBot(), delay: 300 * time.Millisecond, entered: make(chan struct{})}
	var tracked *trackingStore
	factory := func(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (store.Store, error) {
		st, err := sqlite.Open(":memory:")
		if err != nil {
			return nil, err
		}
		if err := st.UpsertUser(ctx, reminder.User{ID: 42, FirstName: "Ann"}, time.Now().Add(-48*time.Hour)); err != nil {
			return nil, err
		}
		tracked = &trackingStore{Store: st}
		return tracked, nil
	}

	g, err := NewWithOptions(testConfig(), Options{
		StoreFactory: factory,
		BotFactory:   botFactory(bot),
		Primary:      &fakeChat{},
	})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	g.channels.Telegram().SetBot(bot)
	g.cron.SetStopTimeout(20 * time.Millisecond)

	if err := g.cron.Start(context.Background()); err != nil {
		t.Fatalf("cron start: %v", err)
	}
	select {
	case <-bot.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("reminder tick never sent")
	}

	if err := g.Shutdown(); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}

	tracked.mu.Lock()
	defer tracked.mu.Unlock()
	if tracked.recordErr != nil {
		t.Errorf("RecordSent failed during shutdown: %v", tracked.recordErr)
	}
	if tracked.recorded != 1 {
		t.Errorf("recorded = %d, want 1", tracked.recorded)
	}
	if !tracked.closed {
		t.Error("store should be closed after shutdown")
	}
}

func TestGateway_Run_WithSignalChan(t *testing.T) {
	bot := newFakeBot()
	sigCh := make(chan os.Signal, 1)
	cfg := testConfig()
	cfg.Reminder.Enabled = false

	g, err := NewWithOptions(cfg, Options{
		StoreFactory: memoryStore,
		BotFactory:   botFactory(bot),
		Primary:      &fakeChat{reply: "hi there"},
		SignalChan:   sigCh,
	})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Run(context.Background())
	}()

	bot.updates <- tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: 42, FirstName: "Ann"},
		Chat:      &tgbotapi.Chat{ID: 42},
		Text:      "hello",
	}}

	deadline := time.Now().Add(2 * time.Second)
	for bot.sentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if bot.sentCount() == 0 {
		t.Error("reply was not delivered through the channel")
	}

	sigCh <- os.Interrupt

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit after signal")
	}

	bot.mu.Lock()
	stopped := bot.stopped
	bot.mu.Unlock()
	if !stopped {
		t.Error("bot should stop receiving updates after shutdown")
	}
	if err := g.store.Ping(context.Background()); err == nil {
		t.Error("store should be closed after shutdown")
	}
}
