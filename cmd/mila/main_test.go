package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/stellarlinkco/milabot/internal/channel"
	"github.com/stellarlinkco/milabot/internal/config"
	"github.com/stellarlinkco/milabot/internal/llm"
	"github.com/stellarlinkco/milabot/internal/reminder"
	"github.com/stellarlinkco/milabot/internal/store"
	"github.com/stellarlinkco/milabot/internal/store/sqlite"
)

// mockChat implements llm.ChatClient for testing
type mockChat struct {
	mu    sync.Mutex
	reply string
	err   error
	reqs  []llm.ChatRequest
}

func (m *mockChat) Complete(ctx context.Context, apiKey string, req llm.ChatRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqs = append(m.reqs, req)
	return m.reply, m.err
}

type downText struct{}

func (downText) Generate(context.Context, string, llm.Encoding) (string, error) {
	return "", errors.New("down")
}

// mockBot implements channel.TelegramBot for testing
type mockBot struct {
	mu   sync.Mutex
	sent []tgbotapi.Chattable
}

func (b *mockBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel { return nil }
func (b *mockBot) StopReceivingUpdates()                                        {}
func (b *mockBot) GetSelf() tgbotapi.User                                       { return tgbotapi.User{UserName: "mila_bot"} }

func (b *mockBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, c)
	return tgbotapi.Message{MessageID: 100 + len(b.sent)}, nil
}

func (b *mockBot) Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("MILA_HOME", dir)
	for _, k := range []string{"MILA_TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN", "MILA_STORAGE_DRIVER", "MILA_DB_PATH", "OPENROUTER_API_KEY_1", "OPENROUTER_MODEL_1"} {
		t.Setenv(k, "")
	}
	return dir
}

func chatConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Providers = []config.ProviderConfig{{APIKey: "key-123456789", Model: "model-a"}}
	return cfg
}

func TestMaskSecret(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", "not set"},
		{"short", "set"},
		{"sk-or-v1-abcdef123456", "sk-o...3456"},
	}
	for _, tt := range tests {
		if got := maskSecret(tt.in); got != tt.want {
			t.Errorf("maskSecret(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRunChat_SingleMessage(t *testing.T) {
	messageFlag = "hello"
	defer func() { messageFlag = "" }()

	var out, errOut bytes.Buffer
	chat := &mockChat{reply: "hi sweetie"}
	err := runChatWithOptions(context.Background(), chatConfig(), slog.Default(), ChatOptions{
		Primary:   chat,
		Secondary: downText{},
		Stdout:    &out,
		Stderr:    &errOut,
	})
	if err != nil {
		t.Fatalf("runChat error: %v", err)
	}
	if strings.TrimSpace(out.String()) != "hi sweetie" {
		t.Errorf("stdout = %q", out.String())
	}
	if errOut.Len() != 0 {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestRunChat_SingleMessageFallback(t *testing.T) {
	messageFlag = "hello"
	defer func() { messageFlag = "" }()

	var out, errOut bytes.Buffer
	err := runChatWithOptions(context.Background(), chatConfig(), slog.Default(), ChatOptions{
		Primary:   &mockChat{err: llm.ErrConnection},
		Secondary: downText{},
		Stdout:    &out,
		Stderr:    &errOut,
	})
	if err != nil {
		t.Fatalf("runChat error: %v", err)
	}
	if strings.TrimSpace(out.String()) == "" {
		t.Error("fallback reply should still be printed")
	}
	if !strings.Contains(errOut.String(), "fallback") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestRunChat_REPL(t *testing.T) {
	var out bytes.Buffer
	chat := &mockChat{reply: "aww"}
	err := runChatWithOptions(context.Background(), chatConfig(), slog.Default(), ChatOptions{
		Primary:   chat,
		Secondary: downText{},
		Stdin:     strings.NewReader("first\n\nsecond\n/clear\nthird\nexit\nnever\n"),
		Stdout:    &out,
		Stderr:    &bytes.Buffer{},
	})
	if err != nil {
		t.Fatalf("runChat error: %v", err)
	}
	if len(chat.reqs) != 3 {
		t.Fatalf("requests = %d, want 3", len(chat.reqs))
	}
	// system + first + aww + second
	if n := len(chat.reqs[1].Messages); n != 4 {
		t.Errorf("second request has %d messages, want 4", n)
	}
	// cleared: system + third
	if n := len(chat.reqs[2].Messages); n != 2 {
		t.Errorf("third request has %d messages, want 2", n)
	}
	if !strings.Contains(out.String(), "history cleared") {
		t.Errorf("stdout = %q", out.String())
	}
}

func TestRunChat_NoProviders(t *testing.T) {
	err := runChatWithOptions(context.Background(), config.DefaultConfig(), slog.Default(), ChatOptions{Stdout: &bytes.Buffer{}})
	if err == nil || !strings.Contains(err.Error(), "onboard") {
		t.Errorf("err = %v, want hint about onboarding", err)
	}
}

func TestRunTick(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "mila.db")
	seed, err := sqlite.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := seed.UpsertUser(ctx, reminder.User{ID: 42, FirstName: "Ann"}, time.Now().Add(-48*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := seed.UpsertUser(ctx, reminder.User{ID: 43, FirstName: "Bo"}, time.Now()); err != nil {
		t.Fatal(err)
	}
	seed.Close()

	cfg := chatConfig()
	cfg.Telegram.Token = "fake-token"
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.DBPath = dbPath

	bot := &mockBot{}
	var out bytes.Buffer
	report, err := runTickWithOptions(ctx, cfg, slog.Default(), TickOptions{
		BotFactory: func(token, apiEndpoint string, client *http.Client) (channel.TelegramBot, error) {
			return bot, nil
		},
		Stdout: &out,
	})
	if err != nil {
		t.Fatalf("runTick error: %v", err)
	}
	if report.Eligible != 1 || report.Sent != 1 {
		t.Errorf("report = %+v", report)
	}
	if !strings.Contains(out.String(), "sent=1") {
		t.Errorf("stdout = %q", out.String())
	}

	check, err := sqlite.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer check.Close()
	rec, err := check.LatestReminder(ctx, 42)
	if err != nil || rec == nil {
		t.Fatalf("LatestReminder = %v, %v", rec, err)
	}
	if rec.MessageID != 101 {
		t.Errorf("message id = %d, want 101", rec.MessageID)
	}
}

func TestRunTick_NoToken(t *testing.T) {
	cfg := chatConfig()
	cfg.Storage.DBPath = filepath.Join(t.TempDir(), "mila.db")
	if _, err := runTickWithOptions(context.Background(), cfg, slog.Default(), TickOptions{Stdout: &bytes.Buffer{}}); err == nil {
		t.Error("expected error without telegram token")
	}
}

func TestOnboard(t *testing.T) {
	dir := isolate(t)

	var out bytes.Buffer
	if err := onboard(&out); err != nil {
		t.Fatalf("onboard error: %v", err)
	}
	if !strings.Contains(out.String(), "Created config") || !strings.Contains(out.String(), "Created reminder templates") {
		t.Errorf("output = %q", out.String())
	}

	templates, err := reminder.LoadTemplates(filepath.Join(dir, "reminders.yaml"))
	if err != nil {
		t.Fatalf("LoadTemplates error: %v", err)
	}
	if len(templates) != len(reminder.DefaultTemplates) {
		t.Errorf("templates = %d, want %d", len(templates), len(reminder.DefaultTemplates))
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Reminder.TemplatesPath != filepath.Join(dir, "reminders.yaml") {
		t.Errorf("templates path = %q", cfg.Reminder.TemplatesPath)
	}
	info, err := os.Stat(config.ConfigPath())
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config mode = %v, want 0600", info.Mode().Perm())
	}

	out.Reset()
	if err := onboard(&out); err != nil {
		t.Fatalf("second onboard error: %v", err)
	}
	if !strings.Contains(out.String(), "Config already exists") || !strings.Contains(out.String(), "templates already exist") {
		t.Errorf("output = %q", out.String())
	}
}

func TestStatus(t *testing.T) {
	isolate(t)
	t.Setenv("MILA_TELEGRAM_TOKEN", "123456:ABCDEFGHIJ")
	t.Setenv("OPENROUTER_API_KEY_1", "sk-or-v1-abcdef123456")
	t.Setenv("OPENROUTER_MODEL_1", "model-a")

	memStore := func(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (store.Store, error) {
		return sqlite.Open(":memory:")
	}

	var out bytes.Buffer
	if err := status(context.Background(), &out, memStore); err != nil {
		t.Fatalf("status error: %v", err)
	}
	got := out.String()
	for _, want := range []string{"Telegram: token 1234...GHIJ", "Providers: 1", "model-a (key sk-o...3456)", "Store: sqlite, 0 users", "Activity: 0 active (7d), 0 new (24h), 0 conversations"} {
		if !strings.Contains(got, want) {
			t.Errorf("status output missing %q:\n%s", want, got)
		}
	}
}

func TestStatus_StoreError(t *testing.T) {
	isolate(t)
	failing := func(context.Context, config.StorageConfig, *slog.Logger) (store.Store, error) {
		return nil, errors.New("unreachable")
	}
	var out bytes.Buffer
	if err := status(context.Background(), &out, failing); err != nil {
		t.Fatalf("status error: %v", err)
	}
	if !strings.Contains(out.String(), "error (unreachable)") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRootCommands(t *testing.T) {
	want := map[string]bool{"gateway": false, "chat": false, "reminders": false, "onboard": false, "status": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing command %q", name)
		}
	}
	if chatCmd.Flags().Lookup("message") == nil {
		t.Error("chat should have --message")
	}
}
