package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/stellarlinkco/milabot/internal/delivery"
)

const (
	// DefaultBroadcastRate stays under Telegram's ~30 msg/s global limit.
	DefaultBroadcastRate = 10
	// DefaultProgressEvery is how many recipients pass between progress edits.
	DefaultProgressEvery = 20
)

// BroadcastStore lists recipients and records the ones that are gone.
type BroadcastStore interface {
	Recipients(ctx context.Context) ([]int64, error)
	MarkUnreachable(ctx context.Context, userID int64, reason string, at time.Time) error
}

// BroadcastMessenger sends broadcast text and edits the admin's progress
// message in place.
type BroadcastMessenger interface {
	SendText(ctx context.Context, chatID int64, text string) (int, error)
	EditText(ctx context.Context, chatID int64, messageID int, text string) error
}

// BroadcastReport counts broadcast outcomes.
type BroadcastReport struct {
	Total   int
	Sent    int
	Blocked int
	Deleted int
	Failed  int
}

func (r BroadcastReport) String() string {
	return fmt.Sprintf("Broadcast finished: %d/%d delivered, %d blocked, %d deleted, %d failed",
		r.Sent, r.Total, r.Blocked, r.Deleted, r.Failed)
}

type BroadcastOption func(*Broadcaster)

func WithBroadcastLogger(l *slog.Logger) BroadcastOption {
	return func(b *Broadcaster) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithBroadcastRate sets sends per second.
func WithBroadcastRate(perSecond float64) BroadcastOption {
	return func(b *Broadcaster) {
		if perSecond > 0 {
			b.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

func WithProgressEvery(n int) BroadcastOption {
	return func(b *Broadcaster) {
		if n > 0 {
			b.progressEvery = n
		}
	}
}

// Broadcaster sends one text to every reachable user, one at a time.
type Broadcaster struct {
	store         BroadcastStore
	messenger     BroadcastMessenger
	limiter       *rate.Limiter
	progressEvery int
	logger        *slog.Logger
	now           func() time.Time
}

func NewBroadcaster(store BroadcastStore, messenger BroadcastMessenger, opts ...BroadcastOption) *Broadcaster {
	b := &Broadcaster{
		store:         store,
		messenger:     messenger,
		limiter:       rate.NewLimiter(rate.Limit(DefaultBroadcastRate), 1),
		progressEvery: DefaultProgressEvery,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "broadcast")
	return b
}

// Run sends text to every recipient and reports progress to adminChatID.
// Blocked and deleted recipients are marked unreachable. Cancelling ctx
// stops after the send in flight.
func (b *Broadcaster) Run(ctx context.Context, adminChatID int64, text string) (BroadcastReport, error) {
	var report BroadcastReport
	recipients, err := b.store.Recipients(ctx)
	if err != nil {
		return report, fmt.Errorf("list recipients: %w", err)
	}
	report.Total = len(recipients)
	b.logger.Info("broadcast started", "recipients", report.Total)

	progressID, err := b.messenger.SendText(ctx, adminChatID, fmt.Sprintf("Broadcasting to %d users...", report.Total))
	if err != nil {
		b.logger.Warn("progress message failed", "error", err)
		progressID = 0
	}

	for i, userID := range recipients {
		if err := b.limiter.Wait(ctx); err != nil {
			break
		}
		b.sendOne(ctx, userID, text, &report)

		done := i + 1
		if progressID != 0 && done%b.progressEvery == 0 && done < report.Total {
			msg := fmt.Sprintf("Broadcasting... %d/%d (%d delivered)", done, report.Total, report.Sent)
			if err := b.messenger.EditText(ctx, adminChatID, progressID, msg); err != nil {
				b.logger.Debug("progress edit failed", "error", err)
			}
		}
	}

	summary := report.String()
	if ctx.Err() != nil {
		summary += " (interrupted)"
	}
	b.logger.Info("broadcast finished",
		"total", report.Total,
		"sent", report.Sent,
		"blocked", report.Blocked,
		"deleted", report.Deleted,
		"failed", report.Failed,
	)

	// Sent even after ctx ends.
	sumCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if progressID != 0 {
		err = b.messenger.EditText(sumCtx, adminChatID, progressID, summary)
	}
	if progressID == 0 || err != nil {
		if _, err := b.messenger.SendText(sumCtx, adminChatID, summary); err != nil {
			b.logger.Warn("summary message failed", "error", err)
		}
	}
	return report, nil
}

func (b *Broadcaster) sendOne(ctx context.Context, userID int64, text string, report *BroadcastReport) {
	_, err := b.messenger.SendText(ctx, userID, text)
	if err == nil {
		report.Sent++
		return
	}

	reason := delivery.ReasonOf(err)
	switch reason {
	case delivery.ReasonBlocked:
		report.Blocked++
	case delivery.ReasonDeleted:
		report.Deleted++
	default:
		report.Failed++
		b.logger.Warn("broadcast send failed", "user_id", userID, "error", err)
		return
	}
	if err := b.store.MarkUnreachable(ctx, userID, string(reason), b.now()); err != nil {
		b.logger.Error("mark unreachable failed", "user_id", userID, "reason", reason, "error", err)
	}
}
