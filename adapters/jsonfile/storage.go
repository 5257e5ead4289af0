package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gatekit/core"
)

// Store persists entire state to a single JSON file.
// Suitable for demos and small deployments.
type Store struct {
	path string
	mu   sync.Mutex
	// in-memory cache for speed
	data map[core.UserID]core.UserState
}

func New(path string) (*Store, error) {
	s := &Store{path: path, data: map[core.UserID]core.UserState{}}
	if err := s.load(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var raw map[string]core.UserState
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if v.Flags == nil {
			v.Flags = map[string]core.Flag{}
		}
		if v.Variables == nil {
			v.Variables = map[string]int64{}
		}
		if v.Fired == nil {
			v.Fired = map[string]struct{}{}
		}
		s.data[core.UserID(k)] = v
	}
	return nil
}

func (s *Store) persist() error {
	tmp := s.path + ".tmp"
	raw := make(map[string]core.UserState, len(s.data))
	for k, v := range s.data {
		raw[string(k)] = v
	}
	b, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) get(user core.UserID) core.UserState {
	if st, ok := s.data[user]; ok {
		return st
	}
	st := core.UserState{
		UserID:    user,
		Flags:     map[string]core.Flag{},
		Variables: map[string]int64{},
		Fired:     map[string]struct{}{},
		Updated:   time.Now().UTC(),
	}
	s.data[user] = st
	return st
}

func (s *Store) GetState(_ context.Context, user core.UserID) (core.UserState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(user).Clone(), nil
}

func (s *Store) IncrementXP(_ context.Context, user core.UserID, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(user)
	next, err := core.AddSafe(st.XP, delta)
	if err != nil {
		return 0, err
	}
	if next < 0 {
		next = 0
	}
	st.XP = next
	st.Updated = time.Now().UTC()
	s.data[user] = st
	if err := s.persist(); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) SetLevelIfHigher(_ context.Context, user core.UserID, level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(user)
	if level <= st.Level {
		return nil
	}
	st.Level = level
	st.Updated = time.Now().UTC()
	s.data[user] = st
	return s.persist()
}

func (s *Store) UpsertFlag(_ context.Context, user core.UserID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(user)
	st.Flags[key] = core.Flag{Value: value, SetAt: time.Now().UTC()}
	st.Updated = time.Now().UTC()
	s.data[user] = st
	return s.persist()
}

func (s *Store) IncrementVariable(_ context.Context, user core.UserID, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(user)
	next, err := core.AddSafe(st.Variables[key], delta)
	if err != nil {
		return 0, err
	}
	st.Variables[key] = next
	st.Updated = time.Now().UTC()
	s.data[user] = st
	if err := s.persist(); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) MarkFired(_ context.Context, user core.UserID, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(user)
	if _, exists := st.Fired[eventID]; exists {
		return false, nil
	}
	st.Fired[eventID] = struct{}{}
	st.Updated = time.Now().UTC()
	s.data[user] = st
	if err := s.persist(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) UpdateLoginRecord(_ context.Context, user core.UserID, loginCount, streak int, lastLogin time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(user)
	t := lastLogin.UTC()
	st.LoginCount = loginCount
	st.Streak = streak
	st.LastLoginAt = &t
	st.Updated = time.Now().UTC()
	s.data[user] = st
	return s.persist()
}

func (s *Store) AdjustMeters(_ context.Context, user core.UserID, anomalyDelta, observerDelta int) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(user)
	st.AnomalyScore = core.ClampAnomalyScore(st.AnomalyScore + anomalyDelta)
	st.ObserverLoad = core.ClampObserverLoad(st.ObserverLoad + observerDelta)
	st.Updated = time.Now().UTC()
	s.data[user] = st
	if err := s.persist(); err != nil {
		return 0, 0, err
	}
	return st.AnomalyScore, st.ObserverLoad, nil
}
