package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/stellarlinkco/milabot/internal/provider"
)

const (
	DefaultCheckInterval     = time.Hour
	DefaultInactivity        = 24 * time.Hour
	DefaultDeleteAfter       = 24 * time.Hour
	DefaultCooldown          = 24 * time.Hour
	DefaultSendGap           = 2 * time.Second
	DefaultDeleteGap         = time.Second
	DefaultPrimaryTimeout    = 25 * time.Second
	DefaultSecondaryTimeout  = 20 * time.Second
	DefaultTemperature       = 0.8
	DefaultTopP              = 0.9
	DefaultMaxTokens         = 100
	DefaultHistoryLimit      = 10
	DefaultHealthPort        = 10000
	DefaultKeepAliveInterval = 5 * time.Minute
	DefaultStorageDriver     = "sqlite"
	DefaultMongoDatabase     = "mila"
	DefaultAppTitle          = "Mila"
	DefaultPrimaryBaseURL    = "https://openrouter.ai/api/v1/"
	DefaultSecondaryBaseURL  = "https://text.pollinations.ai"

	// MaxEnvProviders is the highest n read from OPENROUTER_API_KEY_<n>.
	MaxEnvProviders = 32
)

type Config struct {
	Telegram  TelegramConfig   `json:"telegram"`
	AdminIDs  []int64          `json:"adminIds,omitempty"`
	Providers []ProviderConfig `json:"providers"`
	Responder ResponderConfig  `json:"responder"`
	Storage   StorageConfig    `json:"storage"`
	Reminder  ReminderConfig   `json:"reminder"`
	Health    HealthConfig     `json:"health"`
	Log       LogConfig        `json:"log"`
}

type TelegramConfig struct {
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom,omitempty"`
	Proxy     string   `json:"proxy,omitempty"`
}

type ProviderConfig struct {
	APIKey string `json:"apiKey"`
	Model  string `json:"model"`
}

type ResponderConfig struct {
	PrimaryBaseURL   string   `json:"primaryBaseUrl"`
	SecondaryBaseURL string   `json:"secondaryBaseUrl"`
	AppTitle         string   `json:"appTitle,omitempty"`
	PrimaryTimeout   Duration `json:"primaryTimeout"`
	SecondaryTimeout Duration `json:"secondaryTimeout"`
	Temperature      float64  `json:"temperature"`
	TopP             float64  `json:"topP"`
	MaxTokens        int      `json:"maxTokens"`
	HistoryLimit     int      `json:"historyLimit"`
	Fallbacks        []string `json:"fallbacks,omitempty"`
}

type StorageConfig struct {
	Driver   string `json:"driver"` // "sqlite" (default) or "mongo"
	DBPath   string `json:"dbPath,omitempty"`
	MongoURI string `json:"mongoUri,omitempty"`
	MongoDB  string `json:"mongoDb,omitempty"`
}

type ReminderConfig struct {
	Enabled       bool     `json:"enabled"`
	CheckInterval Duration `json:"checkInterval"`
	Inactivity    Duration `json:"inactivity"`
	DeleteAfter   Duration `json:"deleteAfter"`
	Cooldown      Duration `json:"cooldown"`
	SendGap       Duration `json:"sendGap"`
	DeleteGap     Duration `json:"deleteGap"`
	TemplatesPath string   `json:"templatesPath,omitempty"`
}

type HealthConfig struct {
	Enabled           bool     `json:"enabled"`
	Port              int      `json:"port"`
	KeepAliveURLs     []string `json:"keepAliveUrls,omitempty"`
	KeepAliveInterval Duration `json:"keepAliveInterval"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

func DefaultConfig() *Config {
	return &Config{
		Responder: ResponderConfig{
			PrimaryBaseURL:   DefaultPrimaryBaseURL,
			SecondaryBaseURL: DefaultSecondaryBaseURL,
			AppTitle:         DefaultAppTitle,
			PrimaryTimeout:   Duration(DefaultPrimaryTimeout),
			SecondaryTimeout: Duration(DefaultSecondaryTimeout),
			Temperature:      DefaultTemperature,
			TopP:             DefaultTopP,
			MaxTokens:        DefaultMaxTokens,
			HistoryLimit:     DefaultHistoryLimit,
		},
		Storage: StorageConfig{
			Driver:  DefaultStorageDriver,
			DBPath:  filepath.Join(ConfigDir(), "mila.db"),
			MongoDB: DefaultMongoDatabase,
		},
		Reminder: ReminderConfig{
			Enabled:       true,
			CheckInterval: Duration(DefaultCheckInterval),
			Inactivity:    Duration(DefaultInactivity),
			DeleteAfter:   Duration(DefaultDeleteAfter),
			Cooldown:      Duration(DefaultCooldown),
			SendGap:       Duration(DefaultSendGap),
			DeleteGap:     Duration(DefaultDeleteGap),
		},
		Health: HealthConfig{
			Enabled:           true,
			Port:              DefaultHealthPort,
			KeepAliveInterval: Duration(DefaultKeepAliveInterval),
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// ConfigDir is $MILA_HOME, or ~/.mila.
func ConfigDir() string {
	if dir := os.Getenv("MILA_HOME"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".mila")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// TemplatesPath is where onboarding writes the reminder templates.
func TemplatesPath() string {
	return filepath.Join(ConfigDir(), "reminders.yaml")
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LoadConfig reads .env from the working directory, then the config file,
// then applies environment overrides.
func LoadConfig() (*Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if token := os.Getenv("MILA_TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	} else if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" && cfg.Telegram.Token == "" {
		cfg.Telegram.Token = token
	}
	if proxy := os.Getenv("MILA_TELEGRAM_PROXY"); proxy != "" {
		cfg.Telegram.Proxy = proxy
	}
	if ids := os.Getenv("MILA_ADMIN_IDS"); ids != "" {
		parsed, err := parseIDs(ids)
		if err != nil {
			return fmt.Errorf("MILA_ADMIN_IDS: %w", err)
		}
		cfg.AdminIDs = parsed
	}
	if level := os.Getenv("MILA_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if format := os.Getenv("MILA_LOG_FORMAT"); format != "" {
		cfg.Log.Format = format
	}

	if driver := os.Getenv("MILA_STORAGE_DRIVER"); driver != "" {
		cfg.Storage.Driver = driver
	}
	if path := os.Getenv("MILA_DB_PATH"); path != "" {
		cfg.Storage.DBPath = path
	}
	if uri := os.Getenv("MILA_MONGO_URI"); uri != "" {
		cfg.Storage.MongoURI = uri
	}
	if db := os.Getenv("MILA_MONGO_DB"); db != "" {
		cfg.Storage.MongoDB = db
	}

	if port := os.Getenv("MILA_HEALTH_PORT"); port != "" {
		if err := setPort(&cfg.Health.Port, port); err != nil {
			return fmt.Errorf("MILA_HEALTH_PORT: %w", err)
		}
	} else if port := os.Getenv("PORT"); port != "" {
		if err := setPort(&cfg.Health.Port, port); err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
	}
	if urls := os.Getenv("MILA_KEEPALIVE_URLS"); urls != "" {
		cfg.Health.KeepAliveURLs = splitList(urls)
	}

	if enabled := os.Getenv("MILA_REMINDER_ENABLED"); enabled != "" {
		parsed, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("MILA_REMINDER_ENABLED: %w", err)
		}
		cfg.Reminder.Enabled = parsed
	}
	durations := []struct {
		env string
		dst *Duration
	}{
		{"MILA_REMINDER_CHECK_INTERVAL", &cfg.Reminder.CheckInterval},
		{"MILA_REMINDER_INACTIVITY", &cfg.Reminder.Inactivity},
		{"MILA_REMINDER_DELETE_AFTER", &cfg.Reminder.DeleteAfter},
		{"MILA_REMINDER_COOLDOWN", &cfg.Reminder.Cooldown},
	}
	for _, d := range durations {
		raw := os.Getenv(d.env)
		if raw == "" {
			continue
		}
		parsed, err := ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.env, err)
		}
		*d.dst = Duration(parsed)
	}
	if path := os.Getenv("MILA_REMINDER_TEMPLATES"); path != "" {
		cfg.Reminder.TemplatesPath = path
	}

	if url := os.Getenv("MILA_PRIMARY_BASE_URL"); url != "" {
		cfg.Responder.PrimaryBaseURL = url
	}
	if url := os.Getenv("MILA_SECONDARY_BASE_URL"); url != "" {
		cfg.Responder.SecondaryBaseURL = url
	}

	cfg.Providers = append(cfg.Providers, envProviders()...)
	return nil
}

// envProviders reads OPENROUTER_API_KEY_<n> / OPENROUTER_MODEL_<n> pairs in
// order of n. Gaps are skipped; half-filled pairs are kept so the pool can
// report them.
func envProviders() []ProviderConfig {
	var out []ProviderConfig
	for n := 1; n <= MaxEnvProviders; n++ {
		key := strings.TrimSpace(os.Getenv(fmt.Sprintf("OPENROUTER_API_KEY_%d", n)))
		model := strings.TrimSpace(os.Getenv(fmt.Sprintf("OPENROUTER_MODEL_%d", n)))
		if key == "" && model == "" {
			continue
		}
		out = append(out, ProviderConfig{APIKey: key, Model: model})
	}
	return out
}

func (c *Config) fillDefaults() {
	def := DefaultConfig()
	r := &c.Responder
	if r.PrimaryBaseURL == "" {
		r.PrimaryBaseURL = def.Responder.PrimaryBaseURL
	}
	if r.SecondaryBaseURL == "" {
		r.SecondaryBaseURL = def.Responder.SecondaryBaseURL
	}
	if r.AppTitle == "" {
		r.AppTitle = def.Responder.AppTitle
	}
	if r.PrimaryTimeout <= 0 {
		r.PrimaryTimeout = def.Responder.PrimaryTimeout
	}
	if r.SecondaryTimeout <= 0 {
		r.SecondaryTimeout = def.Responder.SecondaryTimeout
	}
	if r.Temperature <= 0 {
		r.Temperature = def.Responder.Temperature
	}
	if r.TopP <= 0 {
		r.TopP = def.Responder.TopP
	}
	if r.MaxTokens <= 0 {
		r.MaxTokens = def.Responder.MaxTokens
	}
	if r.HistoryLimit <= 0 {
		r.HistoryLimit = def.Responder.HistoryLimit
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = def.Storage.Driver
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = def.Storage.DBPath
	}
	if c.Storage.MongoDB == "" {
		c.Storage.MongoDB = def.Storage.MongoDB
	}

	rem := &c.Reminder
	if rem.CheckInterval <= 0 {
		rem.CheckInterval = def.Reminder.CheckInterval
	}
	if rem.Inactivity <= 0 {
		rem.Inactivity = def.Reminder.Inactivity
	}
	if rem.DeleteAfter <= 0 {
		rem.DeleteAfter = def.Reminder.DeleteAfter
	}
	if rem.Cooldown <= 0 {
		rem.Cooldown = def.Reminder.Cooldown
	}

	if c.Health.Port <= 0 {
		c.Health.Port = def.Health.Port
	}
	if c.Health.KeepAliveInterval <= 0 {
		c.Health.KeepAliveInterval = def.Health.KeepAliveInterval
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0600)
}

// ProviderConfigs returns the provider list in pool order.
func (c *Config) ProviderConfigs() []provider.Config {
	out := make([]provider.Config, 0, len(c.Providers))
	for _, p := range c.Providers {
		out = append(out, provider.Config{APIKey: p.APIKey, Model: p.Model})
	}
	return out
}

// IsAdmin reports whether id may run admin commands.
func (c *Config) IsAdmin(id int64) bool {
	for _, admin := range c.AdminIDs {
		if admin == id {
			return true
		}
	}
	return false
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range splitList(s) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func setPort(dst *int, raw string) error {
	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %q", raw)
	}
	*dst = port
	return nil
}
