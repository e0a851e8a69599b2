package bus

import "time"

// InboundMessage is a chat message received by a channel.
type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Content   string
	Timestamp time.Time
	// Sender profile as reported by the channel.
	Username  string
	FirstName string
	MessageID int
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage is a reply for a channel to deliver.
type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	// ImageURL, when set, is sent as a photo with Content as the caption.
	ImageURL string
}
