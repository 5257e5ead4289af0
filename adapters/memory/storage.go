package memory

import (
	"context"
	"sync"
	"time"

	"gatekit/core"
)

// Store is a concurrent in-memory Storage implementation. It is the
// reference for the store contract: per-user atomic increments and
// idempotent upserts.
type Store struct {
	users sync.Map // map[core.UserID]*userRecord
}

type userRecord struct {
	mu    sync.Mutex
	state core.UserState
}

func New() *Store { return &Store{} }

func (s *Store) getOrCreate(user core.UserID) *userRecord {
	if v, ok := s.users.Load(user); ok {
		return v.(*userRecord)
	}
	rec := &userRecord{state: core.UserState{
		UserID:    user,
		Flags:     map[string]core.Flag{},
		Variables: map[string]int64{},
		Fired:     map[string]struct{}{},
		Updated:   time.Now().UTC(),
	}}
	actual, _ := s.users.LoadOrStore(user, rec)
	return actual.(*userRecord)
}

func (s *Store) GetState(_ context.Context, user core.UserID) (core.UserState, error) {
	rec := s.getOrCreate(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state.Clone(), nil
}

func (s *Store) IncrementXP(_ context.Context, user core.UserID, delta int64) (int64, error) {
	rec := s.getOrCreate(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	next, err := core.AddSafe(rec.state.XP, delta)
	if err != nil {
		return 0, err
	}
	if next < 0 {
		next = 0
	}
	rec.state.XP = next
	rec.state.Updated = time.Now().UTC()
	return next, nil
}

func (s *Store) SetLevelIfHigher(_ context.Context, user core.UserID, level int) error {
	rec := s.getOrCreate(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if level > rec.state.Level {
		rec.state.Level = level
		rec.state.Updated = time.Now().UTC()
	}
	return nil
}

func (s *Store) UpsertFlag(_ context.Context, user core.UserID, key, value string) error {
	rec := s.getOrCreate(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.state.Flags[key] = core.Flag{Value: value, SetAt: time.Now().UTC()}
	rec.state.Updated = time.Now().UTC()
	return nil
}

func (s *Store) IncrementVariable(_ context.Context, user core.UserID, key string, delta int64) (int64, error) {
	rec := s.getOrCreate(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	next, err := core.AddSafe(rec.state.Variables[key], delta)
	if err != nil {
		return 0, err
	}
	rec.state.Variables[key] = next
	rec.state.Updated = time.Now().UTC()
	return next, nil
}

func (s *Store) MarkFired(_ context.Context, user core.UserID, eventID string) (bool, error) {
	rec := s.getOrCreate(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if _, exists := rec.state.Fired[eventID]; exists {
		return false, nil
	}
	rec.state.Fired[eventID] = struct{}{}
	rec.state.Updated = time.Now().UTC()
	return true, nil
}

func (s *Store) UpdateLoginRecord(_ context.Context, user core.UserID, loginCount, streak int, lastLogin time.Time) error {
	rec := s.getOrCreate(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	t := lastLogin.UTC()
	rec.state.LoginCount = loginCount
	rec.state.Streak = streak
	rec.state.LastLoginAt = &t
	rec.state.Updated = time.Now().UTC()
	return nil
}

func (s *Store) AdjustMeters(_ context.Context, user core.UserID, anomalyDelta, observerDelta int) (int, int, error) {
	rec := s.getOrCreate(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.state.AnomalyScore = core.ClampAnomalyScore(rec.state.AnomalyScore + anomalyDelta)
	rec.state.ObserverLoad = core.ClampObserverLoad(rec.state.ObserverLoad + observerDelta)
	rec.state.Updated = time.Now().UTC()
	return rec.state.AnomalyScore, rec.state.ObserverLoad, nil
}
