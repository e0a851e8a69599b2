// Package reminder re-engages users who have gone quiet. Each tick it sends
// one reminder to every eligible user and deletes reminders that outlived
// the delete-after window.
package reminder

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a user or reminder does not exist.
var ErrNotFound = errors.New("not found")

// User is a recipient known to the store.
type User struct {
	ID           int64
	Username     string
	FirstName    string
	LastActiveAt time.Time
}

// Record is one delivered reminder.
type Record struct {
	ID          string
	UserID      int64
	MessageID   int
	Template    string
	SentAt      time.Time
	Responded   bool
	RespondedAt time.Time
	Deleted     bool
	DeletedAt   time.Time
}

// Outstanding reports whether the reminder is still visible to the user.
func (r Record) Outstanding() bool {
	return !r.Deleted
}

// Store persists activity and reminder state.
//
// FindEligible returns users whose last activity is at or before
// now-inactivity, who are not marked unreachable, who have no reminder sent
// after now-cooldown, and who have no outstanding reminder.
//
// FindExpired returns reminders with SentAt at or before now-deleteAfter that
// are not yet deleted, oldest first.
type Store interface {
	FindEligible(ctx context.Context, now time.Time, inactivity, cooldown time.Duration) ([]User, error)
	RecordSent(ctx context.Context, rec Record) error
	FindExpired(ctx context.Context, now time.Time, deleteAfter time.Duration) ([]Record, error)
	MarkDeleted(ctx context.Context, userID int64, messageID int, at time.Time) error
	RecordActivity(ctx context.Context, userID int64, at time.Time) error
	MarkResponded(ctx context.Context, userID int64, messageID int, at time.Time) error
	// LatestReminder returns the most recently sent reminder, or nil.
	LatestReminder(ctx context.Context, userID int64) (*Record, error)
	// MarkUnreachable excludes the user from FindEligible until their next
	// RecordActivity.
	MarkUnreachable(ctx context.Context, userID int64, reason string, at time.Time) error
}

// Messenger delivers and retracts reminders. Errors should wrap a
// *delivery.Error so blocked and deleted recipients can be told apart.
type Messenger interface {
	SendReminder(ctx context.Context, userID int64, text, imageURL string) (int, error)
	DeleteMessage(ctx context.Context, userID int64, messageID int) error
}

// TickReport summarizes one tick.
type TickReport struct {
	Eligible     int
	Sent         int
	SendFailed   int
	Unreachable  int
	Expired      int
	Deleted      int
	DeleteFailed int
	Interrupted  bool
	Skipped      bool
}

// Windows used by Stats.
const (
	WindowDay   = 24 * time.Hour
	WindowWeek  = 7 * WindowDay
	WindowMonth = 30 * WindowDay
)

// Stats is a point-in-time summary of stored state.
type Stats struct {
	Users       int
	Unreachable int
	Outstanding int
	Responded   int
	// ActiveWeek counts users active within WindowWeek, NewDay users first
	// seen within WindowDay.
	ActiveWeek int
	NewDay     int
	Turns      TurnCounts
}

// TurnCounts counts conversation turns ever stored, cleared history
// included, bucketed by hour.
type TurnCounts struct {
	Total int
	Day   int
	Week  int
	Month int
}
