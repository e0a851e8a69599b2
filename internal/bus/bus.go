// Package bus carries messages between channels and the gateway.
package bus

import (
	"context"
	"log/slog"
	"sync"
)

// OutboundHandler delivers one outbound message.
type OutboundHandler func(msg OutboundMessage)

type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu     sync.RWMutex
	subs   map[string]OutboundHandler
	logger *slog.Logger
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize < 0 {
		bufSize = 0
	}
	return &MessageBus{
		Inbound:  make(chan InboundMessage, bufSize),
		Outbound: make(chan OutboundMessage, bufSize),
		subs:     make(map[string]OutboundHandler),
		logger:   slog.Default().With("component", "bus"),
	}
}

// SubscribeOutbound routes outbound messages for channel to fn, replacing any
// earlier subscriber.
func (b *MessageBus) SubscribeOutbound(channel string, fn OutboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[channel] = fn
}

// DispatchOutbound delivers outbound messages until ctx is done. Messages for
// a channel without a subscriber are dropped.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.mu.RLock()
			fn, ok := b.subs[msg.Channel]
			b.mu.RUnlock()
			if !ok {
				b.logger.Warn("no subscriber for outbound message", "channel", msg.Channel, "chat_id", msg.ChatID)
				continue
			}
			fn(msg)
		case <-ctx.Done():
			return
		}
	}
}
