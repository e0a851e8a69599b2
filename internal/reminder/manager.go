package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stellarlinkco/milabot/internal/cron"
	"github.com/stellarlinkco/milabot/internal/delivery"
)

// JobName is the cron entry name used by Register.
const JobName = "reminders"

// Defaults for Config.
const (
	DefaultCheckInterval = time.Hour
	DefaultInactivity    = 24 * time.Hour
	DefaultDeleteAfter   = 24 * time.Hour
	DefaultCooldown      = 24 * time.Hour
	DefaultSendGap       = 2 * time.Second
	DefaultDeleteGap     = 1 * time.Second
	DefaultUnitTimeout   = 30 * time.Second
)

// Config holds the reminder timings.
type Config struct {
	CheckInterval time.Duration
	Inactivity    time.Duration
	DeleteAfter   time.Duration
	Cooldown      time.Duration
	SendGap       time.Duration
	DeleteGap     time.Duration
	// UnitTimeout bounds one send or one delete, including its store write.
	UnitTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.Inactivity <= 0 {
		c.Inactivity = DefaultInactivity
	}
	if c.DeleteAfter <= 0 {
		c.DeleteAfter = DefaultDeleteAfter
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.SendGap < 0 {
		c.SendGap = 0
	} else if c.SendGap == 0 {
		c.SendGap = DefaultSendGap
	}
	if c.DeleteGap < 0 {
		c.DeleteGap = 0
	} else if c.DeleteGap == 0 {
		c.DeleteGap = DefaultDeleteGap
	}
	if c.UnitTimeout <= 0 {
		c.UnitTimeout = DefaultUnitTimeout
	}
	return c
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSleep replaces the pause between sends and deletes. It must return
// false if ctx ends first.
func WithSleep(fn func(ctx context.Context, d time.Duration) bool) Option {
	return func(m *Manager) { m.sleep = fn }
}

// WithRandom replaces the template picker.
func WithRandom(intn func(n int) int) Option {
	return func(m *Manager) { m.intn = intn }
}

// Manager runs reminder ticks and tracks replies.
type Manager struct {
	store     Store
	messenger Messenger
	templates []Template
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) bool
	intn      func(int) int

	running sync.Mutex
}

// NewManager creates a Manager. Empty templates fall back to DefaultTemplates.
func NewManager(store Store, messenger Messenger, templates []Template, cfg Config, opts ...Option) *Manager {
	if len(templates) == 0 {
		templates = DefaultTemplates
	}
	m := &Manager{
		store:     store,
		messenger: messenger,
		templates: templates,
		cfg:       cfg.withDefaults(),
		logger:    slog.Default(),
		now:       time.Now,
		sleep:     sleepContext,
		intn:      rand.Intn,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "reminder")
	return m
}

// Config returns the effective timings.
func (m *Manager) Config() Config {
	return m.cfg
}

// Register schedules Tick on s every CheckInterval, with one run at start.
func (m *Manager) Register(s *cron.Service) error {
	return s.Every(JobName, m.cfg.CheckInterval, true, func(ctx context.Context) {
		m.Tick(ctx)
	})
}

// Tick runs the send pass and then the cleanup pass. Once ctx is cancelled
// the unit in flight finishes and no further unit starts. Overlapping calls
// return immediately with Skipped set.
func (m *Manager) Tick(ctx context.Context) TickReport {
	var report TickReport
	if !m.running.TryLock() {
		m.logger.Warn("previous reminder tick still running, skipping")
		report.Skipped = true
		return report
	}
	defer m.running.Unlock()

	start := m.now()
	m.sendPass(ctx, &report)
	if ctx.Err() == nil {
		m.cleanupPass(ctx, &report)
	} else {
		report.Interrupted = true
	}

	m.logger.Info("reminder tick finished",
		"eligible", report.Eligible,
		"sent", report.Sent,
		"send_failed", report.SendFailed,
		"unreachable", report.Unreachable,
		"expired", report.Expired,
		"deleted", report.Deleted,
		"delete_failed", report.DeleteFailed,
		"interrupted", report.Interrupted,
		"elapsed", m.now().Sub(start),
	)
	return report
}

// Wait blocks until no tick is running or ctx ends. Call it after the
// tick's context is cancelled and before closing the store.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.running.Lock()
		m.running.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) sendPass(ctx context.Context, report *TickReport) {
	users, err := m.store.FindEligible(ctx, m.now(), m.cfg.Inactivity, m.cfg.Cooldown)
	if err != nil {
		m.logger.Error("find eligible users failed", "error", err)
		return
	}
	report.Eligible = len(users)
	if len(users) == 0 {
		m.logger.Debug("no users need reminders")
		return
	}
	m.logger.Info("sending reminders", "eligible", len(users))

	for i, u := range users {
		if ctx.Err() != nil {
			report.Interrupted = true
			return
		}
		if i > 0 && !m.sleep(ctx, m.cfg.SendGap) {
			report.Interrupted = true
			return
		}
		m.sendOne(ctx, u, report)
	}
}

// sendOne delivers and records a reminder for u. It runs detached from ctx
// cancellation so a send is never left unrecorded.
func (m *Manager) sendOne(ctx context.Context, u User, report *TickReport) {
	unitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.UnitTimeout)
	defer cancel()

	tmpl := m.templates[m.intn(len(m.templates))]
	msgID, err := m.messenger.SendReminder(unitCtx, u.ID, tmpl.Render(u.FirstName), tmpl.Image)
	if err != nil {
		reason := delivery.ReasonOf(err)
		report.SendFailed++
		m.logger.Warn("send reminder failed",
			"user_id", u.ID,
			"reason", string(reason),
			"error", err,
		)
		if reason.Permanent() {
			report.Unreachable++
			if err := m.store.MarkUnreachable(unitCtx, u.ID, string(reason), m.now()); err != nil {
				m.logger.Error("mark user unreachable failed", "user_id", u.ID, "error", err)
			}
		}
		return
	}

	rec := Record{
		ID:        newRecordID(),
		UserID:    u.ID,
		MessageID: msgID,
		Template:  tmpl.ID,
		SentAt:    m.now(),
	}
	if err := m.store.RecordSent(unitCtx, rec); err != nil {
		report.SendFailed++
		m.logger.Error("record reminder failed, retracting message",
			"user_id", u.ID,
			"message_id", msgID,
			"error", err,
		)
		if derr := m.messenger.DeleteMessage(unitCtx, u.ID, msgID); derr != nil {
			m.logger.Error("retract unrecorded reminder failed",
				"user_id", u.ID,
				"message_id", msgID,
				"reason", string(delivery.ReasonOf(derr)),
				"error", derr,
			)
		}
		return
	}
	report.Sent++
	m.logger.Info("reminder sent", "user_id", u.ID, "message_id", msgID, "template", tmpl.ID)
}

func (m *Manager) cleanupPass(ctx context.Context, report *TickReport) {
	expired, err := m.store.FindExpired(ctx, m.now(), m.cfg.DeleteAfter)
	if err != nil {
		m.logger.Error("find expired reminders failed", "error", err)
		return
	}
	report.Expired = len(expired)
	if len(expired) == 0 {
		return
	}
	m.logger.Info("cleaning up reminders", "expired", len(expired))

	for i, rec := range expired {
		if ctx.Err() != nil {
			report.Interrupted = true
			return
		}
		if i > 0 && !m.sleep(ctx, m.cfg.DeleteGap) {
			report.Interrupted = true
			return
		}
		m.deleteOne(ctx, rec, report)
	}
}

// deleteOne retracts rec and marks it deleted whether or not the retraction
// worked, so a failing delete is attempted only once.
func (m *Manager) deleteOne(ctx context.Context, rec Record, report *TickReport) {
	unitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.UnitTimeout)
	defer cancel()

	if err := m.messenger.DeleteMessage(unitCtx, rec.UserID, rec.MessageID); err != nil {
		report.DeleteFailed++
		m.logger.Warn("delete reminder failed",
			"user_id", rec.UserID,
			"message_id", rec.MessageID,
			"reason", string(delivery.ReasonOf(err)),
			"error", err,
		)
	} else {
		report.Deleted++
	}

	if err := m.store.MarkDeleted(unitCtx, rec.UserID, rec.MessageID, m.now()); err != nil {
		m.logger.Error("mark reminder deleted failed",
			"user_id", rec.UserID,
			"message_id", rec.MessageID,
			"error", err,
		)
	}
}

// HandleResponse records that userID just sent a message. Any inbound
// message counts, commands included: the latest outstanding reminder is
// marked responded.
func (m *Manager) HandleResponse(ctx context.Context, userID int64) error {
	now := m.now()
	if err := m.store.RecordActivity(ctx, userID, now); err != nil {
		return fmt.Errorf("record activity: %w", err)
	}

	rec, err := m.store.LatestReminder(ctx, userID)
	if err != nil {
		return fmt.Errorf("latest reminder: %w", err)
	}
	if rec == nil || rec.Responded || rec.Deleted || rec.SentAt.After(now) {
		return nil
	}
	if err := m.store.MarkResponded(ctx, userID, rec.MessageID, now); err != nil {
		return fmt.Errorf("mark responded: %w", err)
	}
	m.logger.Info("user responded to reminder", "user_id", userID, "message_id", rec.MessageID)
	return nil
}

func newRecordID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
