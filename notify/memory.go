package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"gatekit/core"
)

// Record is one queued notification.
type Record struct {
	ID     string            `json:"id"`
	UserID core.UserID       `json:"user_id"`
	Type   string            `json:"type"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	SentAt time.Time         `json:"sent_at"`
}

// Memory is an in-process notification sink. It retains a bounded window of
// recent notifications per user so the engine's duplicate-suppression check
// has something to ask.
type Memory struct {
	mu        sync.Mutex
	byUser    map[core.UserID][]Record
	retention time.Duration
	now       func() time.Time
}

// NewMemory builds a sink retaining records for the given window (the
// engine's dedup window should be at most this long).
func NewMemory(retention time.Duration) *Memory {
	if retention <= 0 {
		retention = 48 * time.Hour
	}
	return &Memory{
		byUser:    map[core.UserID][]Record{},
		retention: retention,
		now:       time.Now,
	}
}

func (m *Memory) Enqueue(_ context.Context, user core.UserID, n core.Notification) error {
	now := m.now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(user, now)
	m.byUser[user] = append(m.byUser[user], Record{
		ID:     uuid.NewString(),
		UserID: user,
		Type:   n.Type,
		Title:  n.Title,
		Body:   n.Body,
		SentAt: now,
	})
	return nil
}

func (m *Memory) RecentlySent(_ context.Context, user core.UserID, title string, window time.Duration) (bool, error) {
	now := m.now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.byUser[user] {
		if r.Title == title && now.Sub(r.SentAt) < window {
			return true, nil
		}
	}
	return false, nil
}

// Pending returns the retained notifications for a user, oldest first.
func (m *Memory) Pending(user core.UserID) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.byUser[user]...)
}

func (m *Memory) pruneLocked(user core.UserID, now time.Time) {
	recs := m.byUser[user]
	kept := recs[:0]
	for _, r := range recs {
		if now.Sub(r.SentAt) < m.retention {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		delete(m.byUser, user)
		return
	}
	m.byUser[user] = kept
}
