package mongo

import (
	"time"

	"github.com/stellarlinkco/milabot/internal/llm"
	"github.com/stellarlinkco/milabot/internal/reminder"
)

type userDocument struct {
	ID                int64      `bson:"_id"`
	Username          string     `bson:"username"`
	FirstName         string     `bson:"first_name"`
	CreatedAt         time.Time  `bson:"created_at"`
	LastActiveAt      time.Time  `bson:"last_active_at"`
	UnreachableReason string     `bson:"unreachable_reason"`
	UnreachableAt     *time.Time `bson:"unreachable_at,omitempty"`
	Nickname          string     `bson:"nickname,omitempty"`
	Traits            string     `bson:"traits,omitempty"`
}

func (d userDocument) toUser() reminder.User {
	return reminder.User{
		ID:           d.ID,
		Username:     d.Username,
		FirstName:    d.FirstName,
		LastActiveAt: d.LastActiveAt,
	}
}

type reminderDocument struct {
	ID          string     `bson:"_id"`
	UserID      int64      `bson:"user_id"`
	MessageID   int        `bson:"message_id"`
	Template    string     `bson:"template"`
	SentAt      time.Time  `bson:"sent_at"`
	Responded   bool       `bson:"responded"`
	RespondedAt *time.Time `bson:"responded_at,omitempty"`
	Deleted     bool       `bson:"deleted"`
	DeletedAt   *time.Time `bson:"deleted_at,omitempty"`
}

func fromRecord(r reminder.Record) reminderDocument {
	return reminderDocument{
		ID:        r.ID,
		UserID:    r.UserID,
		MessageID: r.MessageID,
		Template:  r.Template,
		SentAt:    r.SentAt.UTC(),
	}
}

func (d reminderDocument) toRecord() reminder.Record {
	rec := reminder.Record{
		ID:        d.ID,
		UserID:    d.UserID,
		MessageID: d.MessageID,
		Template:  d.Template,
		SentAt:    d.SentAt,
		Responded: d.Responded,
		Deleted:   d.Deleted,
	}
	if d.RespondedAt != nil {
		rec.RespondedAt = *d.RespondedAt
	}
	if d.DeletedAt != nil {
		rec.DeletedAt = *d.DeletedAt
	}
	return rec
}

type turnDocument struct {
	UserID    int64       `bson:"user_id"`
	Message   llm.Message `bson:"message"`
	CreatedAt time.Time   `bson:"created_at"`
}
