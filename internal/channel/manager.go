package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/stellarlinkco/milabot/internal/bus"
	"github.com/stellarlinkco/milabot/internal/config"
)

type ChannelManager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
	logger   *slog.Logger
	telegram *TelegramChannel
}

// NewChannelManager builds the Telegram channel from cfg.
func NewChannelManager(cfg config.TelegramConfig, b *bus.MessageBus, logger *slog.Logger) (*ChannelManager, error) {
	return NewChannelManagerWithFactory(cfg, b, logger, defaultBotFactory)
}

// NewChannelManagerWithFactory is NewChannelManager with a custom bot factory (for testing)
func NewChannelManagerWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, logger *slog.Logger, factory BotFactory) (*ChannelManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
		logger:   logger.With("component", "channel-mgr"),
	}

	ch, err := NewTelegramChannelWithFactory(cfg, b, logger, factory)
	if err != nil {
		return nil, fmt.Errorf("init telegram channel: %w", err)
	}
	m.telegram = ch
	m.Register(ch)
	return m, nil
}

// Register adds ch and routes its outbound messages.
func (m *ChannelManager) Register(ch Channel) {
	m.channels[ch.Name()] = ch
	m.bus.SubscribeOutbound(ch.Name(), func(msg bus.OutboundMessage) {
		if err := ch.Send(msg); err != nil {
			m.logger.Error("send failed", "channel", ch.Name(), "chat_id", msg.ChatID, "error", err)
		}
	})
}

// Telegram returns the Telegram channel, which also serves as the reminder
// and broadcast messenger.
func (m *ChannelManager) Telegram() *TelegramChannel {
	return m.telegram
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	for _, name := range m.EnabledChannels() {
		m.logger.Info("starting channel", "channel", name)
		if err := m.channels[name].Start(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (m *ChannelManager) StopAll() error {
	for _, name := range m.EnabledChannels() {
		m.logger.Info("stopping channel", "channel", name)
		if err := m.channels[name].Stop(); err != nil {
			m.logger.Error("stop channel failed", "channel", name, "error", err)
		}
	}
	return nil
}

func (m *ChannelManager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
