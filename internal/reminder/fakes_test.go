package reminder

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/stellarlinkco/milabot/internal/delivery"
)

type memUser struct {
	User
	unreachable string
}

// memStore is an in-memory Store with the same eligibility rules as the
// real backends.
type memStore struct {
	mu        sync.Mutex
	users     map[int64]*memUser
	reminders []*Record

	failRecordSent error
	failFind       error
	unreachable    map[int64]string
}

func newMemStore() *memStore {
	return &memStore{
		users:       make(map[int64]*memUser),
		unreachable: make(map[int64]string),
	}
}

func (s *memStore) addUser(id int64, firstName string, lastActive time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = &memUser{User: User{ID: id, FirstName: firstName, LastActiveAt: lastActive}}
}

func (s *memStore) addRecord(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := rec
	s.reminders = append(s.reminders, &r)
}

func (s *memStore) records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.reminders))
	for _, r := range s.reminders {
		out = append(out, *r)
	}
	return out
}

func (s *memStore) FindEligible(_ context.Context, now time.Time, inactivity, cooldown time.Duration) ([]User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFind != nil {
		return nil, s.failFind
	}
	var out []User
	for _, u := range s.users {
		if u.LastActiveAt.After(now.Add(-inactivity)) || u.unreachable != "" {
			continue
		}
		blocked := false
		for _, r := range s.reminders {
			if r.UserID == u.ID && (r.SentAt.After(now.Add(-cooldown)) || !r.Deleted) {
				blocked = true
				break
			}
		}
		if !blocked {
			out = append(out, u.User)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) RecordSent(_ context.Context, rec Record) error {
	if s.failRecordSent != nil {
		return s.failRecordSent
	}
	s.addRecord(rec)
	return nil
}

func (s *memStore) FindExpired(_ context.Context, now time.Time, deleteAfter time.Duration) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.reminders {
		if !r.Deleted && !r.SentAt.After(now.Add(-deleteAfter)) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out, nil
}

func (s *memStore) find(userID int64, messageID int) *Record {
	for _, r := range s.reminders {
		if r.UserID == userID && r.MessageID == messageID {
			return r
		}
	}
	return nil
}

func (s *memStore) MarkDeleted(_ context.Context, userID int64, messageID int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.find(userID, messageID)
	if r == nil {
		return ErrNotFound
	}
	if !r.Deleted {
		r.Deleted, r.DeletedAt = true, at
	}
	return nil
}

func (s *memStore) MarkResponded(_ context.Context, userID int64, messageID int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.find(userID, messageID)
	if r == nil {
		return ErrNotFound
	}
	if !r.Responded {
		r.Responded, r.RespondedAt = true, at
	}
	return nil
}

func (s *memStore) RecordActivity(_ context.Context, userID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		u = &memUser{User: User{ID: userID}}
		s.users[userID] = u
	}
	if at.After(u.LastActiveAt) {
		u.LastActiveAt = at
	}
	u.unreachable = ""
	delete(s.unreachable, userID)
	return nil
}

func (s *memStore) LatestReminder(_ context.Context, userID int64) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *Record
	for _, r := range s.reminders {
		if r.UserID == userID && (latest == nil || !r.SentAt.Before(latest.SentAt)) {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	out := *latest
	return &out, nil
}

func (s *memStore) MarkUnreachable(_ context.Context, userID int64, reason string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.unreachable = reason
	s.unreachable[userID] = reason
	return nil
}

type sentMessage struct {
	userID    int64
	messageID int
	text      string
	image     string
}

type fakeMessenger struct {
	mu        sync.Mutex
	nextID    int
	sent      []sentMessage
	deleted   []int
	sendErr   map[int64]error
	deleteErr map[int]error
	block     chan struct{}
	entered   chan struct{}
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		nextID:    100,
		sendErr:   make(map[int64]error),
		deleteErr: make(map[int]error),
	}
}

func (m *fakeMessenger) SendReminder(ctx context.Context, userID int64, text, imageURL string) (int, error) {
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.sendErr[userID]; err != nil {
		return 0, err
	}
	m.nextID++
	m.sent = append(m.sent, sentMessage{userID: userID, messageID: m.nextID, text: text, image: imageURL})
	return m.nextID, nil
}

func (m *fakeMessenger) DeleteMessage(_ context.Context, _ int64, messageID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.deleteErr[messageID]; err != nil {
		return err
	}
	m.deleted = append(m.deleted, messageID)
	return nil
}

func (m *fakeMessenger) sentTo() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, 0, len(m.sent))
	for _, s := range m.sent {
		out = append(out, s.userID)
	}
	return out
}

func blockedErr() error {
	return &delivery.Error{Reason: delivery.ReasonBlocked, Err: errors.New("Forbidden: bot was blocked by the user")}
}
