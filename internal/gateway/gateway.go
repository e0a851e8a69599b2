// Package gateway wires the Telegram channel, the responder, the reminder
// scheduler and the health server into one running bot.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/stellarlinkco/milabot/internal/bus"
	"github.com/stellarlinkco/milabot/internal/channel"
	"github.com/stellarlinkco/milabot/internal/config"
	"github.com/stellarlinkco/milabot/internal/cron"
	"github.com/stellarlinkco/milabot/internal/health"
	"github.com/stellarlinkco/milabot/internal/httpkit"
	"github.com/stellarlinkco/milabot/internal/llm"
	"github.com/stellarlinkco/milabot/internal/provider"
	"github.com/stellarlinkco/milabot/internal/reminder"
	"github.com/stellarlinkco/milabot/internal/responder"
	"github.com/stellarlinkco/milabot/internal/store"
)

const (
	// DefaultBufSize is the message bus buffer.
	DefaultBufSize = 100
	// MaxConcurrentReplies bounds in-flight inbound messages.
	MaxConcurrentReplies = 8

	drainTimeout = 10 * time.Second
)

// StoreFactory opens the persistence backend.
type StoreFactory func(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (store.Store, error)

// Options for creating a Gateway
type Options struct {
	StoreFactory StoreFactory
	BotFactory   channel.BotFactory
	// Primary and Secondary replace the provider transports.
	Primary    llm.ChatClient
	Secondary  llm.TextClient
	Logger     *slog.Logger
	SignalChan chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg         *config.Config
	bus         *bus.MessageBus
	store       store.Store
	channels    *channel.ChannelManager
	responder   *responder.Orchestrator
	reminders   *reminder.Manager
	broadcaster *Broadcaster
	cron        *cron.Service
	health      *health.Server
	keepAlive   *health.KeepAlive
	logger      *slog.Logger
	signalChan  chan os.Signal

	sem      chan struct{}
	inflight sync.WaitGroup
	now      func() time.Time
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		cfg:        cfg,
		bus:        bus.NewMessageBus(DefaultBufSize),
		logger:     logger.With("component", "gateway"),
		signalChan: opts.SignalChan,
		sem:        make(chan struct{}, MaxConcurrentReplies),
		now:        time.Now,
	}

	orch, err := NewResponder(cfg, logger, opts.Primary, opts.Secondary)
	if err != nil {
		return nil, err
	}
	g.responder = orch

	openStore := opts.StoreFactory
	if openStore == nil {
		openStore = store.Open
	}
	st, err := openStore(context.Background(), cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	g.store = st

	botFactory := opts.BotFactory
	var chMgr *channel.ChannelManager
	if botFactory == nil {
		chMgr, err = channel.NewChannelManager(cfg.Telegram, g.bus, logger)
	} else {
		chMgr, err = channel.NewChannelManagerWithFactory(cfg.Telegram, g.bus, logger, botFactory)
	}
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr
	tg := chMgr.Telegram()

	g.broadcaster = NewBroadcaster(st, tg, WithBroadcastLogger(logger))
	g.cron = cron.NewService(logger)

	if cfg.Reminder.Enabled {
		mgr, err := NewReminderManager(cfg, st, tg, logger)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		g.reminders = mgr
		if err := mgr.Register(g.cron); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("register reminder job: %w", err)
		}
	}

	if cfg.Health.Enabled {
		g.health = health.NewServer(cfg.Health.Port, st, logger)
	}
	g.keepAlive = health.NewKeepAlive(cfg.Health.KeepAliveURLs, cfg.Health.KeepAliveInterval.Std(), nil, logger)
	if err := g.keepAlive.Register(g.cron); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("register keep-alive job: %w", err)
	}

	return g, nil
}

// NewResponder builds the orchestrator and its transports from cfg. nil
// transports are replaced with the OpenRouter and Pollinations clients.
func NewResponder(cfg *config.Config, logger *slog.Logger, primary llm.ChatClient, secondary llm.TextClient) (*responder.Orchestrator, error) {
	pool, err := provider.New(cfg.ProviderConfigs(), logger)
	if err != nil {
		return nil, err
	}
	rc := cfg.Responder
	if primary == nil {
		primary = llm.NewOpenAIChat(llm.OpenAIChatConfig{
			BaseURL:    rc.PrimaryBaseURL,
			AppTitle:   rc.AppTitle,
			HTTPClient: httpkit.NewClient(httpkit.WithTimeout(0)),
		})
	}
	if secondary == nil {
		secondary = llm.NewPollinations(rc.SecondaryBaseURL, httpkit.NewClient(httpkit.WithTimeout(0)))
	}
	return responder.New(pool, primary, secondary,
		responder.WithLogger(logger),
		responder.WithTimeouts(rc.PrimaryTimeout.Std(), rc.SecondaryTimeout.Std()),
		responder.WithSampling(rc.Temperature, rc.TopP, rc.MaxTokens),
		responder.WithFallbacks(rc.Fallbacks),
	), nil
}

// NewReminderManager loads the reminder templates and builds a Manager.
func NewReminderManager(cfg *config.Config, st reminder.Store, m reminder.Messenger, logger *slog.Logger) (*reminder.Manager, error) {
	templates, err := reminder.LoadTemplates(cfg.Reminder.TemplatesPath)
	if err != nil {
		return nil, err
	}
	rc := cfg.Reminder
	return reminder.NewManager(st, m, templates, reminder.Config{
		CheckInterval: rc.CheckInterval.Std(),
		Inactivity:    rc.Inactivity.Std(),
		DeleteAfter:   rc.DeleteAfter.Std(),
		Cooldown:      rc.Cooldown.Std(),
		SendGap:       rc.SendGap.Std(),
		DeleteGap:     rc.DeleteGap.Std(),
	}, reminder.WithLogger(logger)), nil
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		_ = g.store.Close()
		return fmt.Errorf("start channels: %w", err)
	}
	g.logger.Info("channels started", "channels", g.channels.EnabledChannels())

	if g.health != nil {
		if err := g.health.Start(); err != nil {
			g.logger.Warn("health server not started", "error", err)
		}
	}
	if err := g.cron.Start(ctx); err != nil {
		g.logger.Warn("cron start failed", "error", err)
	}

	go g.processLoop(ctx)

	g.logger.Info("gateway running",
		"store", g.store.Name(),
		"reminders", g.reminders != nil,
	)

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	g.logger.Info("shutting down")
	cancel()
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			select {
			case g.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			g.inflight.Add(1)
			go func() {
				defer func() {
					<-g.sem
					g.inflight.Done()
				}()
				g.handle(ctx, msg)
			}()
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops the jobs, waits for the reminder tick and in-flight replies,
// then closes the store.
func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	if g.reminders != nil {
		// A reminder unit in flight must finish its store write first.
		ctx, cancel := context.WithTimeout(context.Background(), g.reminders.Config().UnitTimeout+drainTimeout)
		if err := g.reminders.Wait(ctx); err != nil {
			g.logger.Warn("timed out waiting for reminder tick", "error", err)
		}
		cancel()
	}

	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		g.logger.Warn("timed out waiting for in-flight messages")
	}

	if g.health != nil {
		if err := g.health.Shutdown(); err != nil {
			g.logger.Warn("health shutdown", "error", err)
		}
	}
	_ = g.channels.StopAll()
	if err := g.store.Close(); err != nil {
		g.logger.Warn("close store", "error", err)
	}
	g.logger.Info("shutdown complete")
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
