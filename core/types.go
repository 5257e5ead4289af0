package core

import (
	"errors"
	"math"
	"strings"
	"time"
)

// UserID uniquely identifies a portal user in the progression domain.
type UserID string

// Flag is a durable marker on a user record. The value is opaque to the
// engine (boolean/string/JSON); SetAt records the last time it was written.
type Flag struct {
	Value string    `json:"value"`
	SetAt time.Time `json:"set_at"`
}

// UserState is an immutable snapshot of a user's progression state.
// Implementations should return deep copies to maintain immutability guarantees.
//
// Level is a cached projection of XP against the level table; it is never
// ground truth on its own and only ever advances (see Storage.SetLevelIfHigher).
type UserState struct {
	UserID       UserID              `json:"user_id"`
	XP           int64               `json:"xp"`
	Level        int                 `json:"level"`
	LoginCount   int                 `json:"login_count"`
	Streak       int                 `json:"streak"`
	LastLoginAt  *time.Time          `json:"last_login_at,omitempty"`
	AnomalyScore int                 `json:"anomaly_score"`
	ObserverLoad int                 `json:"observer_load"`
	Flags        map[string]Flag     `json:"flags"`
	Variables    map[string]int64    `json:"variables"`
	Fired        map[string]struct{} `json:"fired"`
	Updated      time.Time           `json:"updated"`
}

// Clone returns a deep copy of the state to uphold immutability.
func (s UserState) Clone() UserState {
	cp := s
	cp.Flags = make(map[string]Flag, len(s.Flags))
	cp.Variables = make(map[string]int64, len(s.Variables))
	cp.Fired = make(map[string]struct{}, len(s.Fired))
	for k, v := range s.Flags {
		cp.Flags[k] = v
	}
	for k, v := range s.Variables {
		cp.Variables[k] = v
	}
	for k := range s.Fired {
		cp.Fired[k] = struct{}{}
	}
	if s.LastLoginAt != nil {
		t := *s.LastLoginAt
		cp.LastLoginAt = &t
	}
	return cp
}

// HasFlag reports whether the flag key is set to any value.
func (s UserState) HasFlag(key string) bool {
	_, ok := s.Flags[key]
	return ok
}

// ObserverLoadMax is the ceiling for the observer-load meter.
const ObserverLoadMax = 100

// ClampObserverLoad bounds an observer-load value to [0, ObserverLoadMax].
func ClampObserverLoad(v int) int {
	if v < 0 {
		return 0
	}
	if v > ObserverLoadMax {
		return ObserverLoadMax
	}
	return v
}

// ClampAnomalyScore bounds the anomaly meter below at zero. There is no upper
// clamp; the score is only ever compared against thresholds.
func ClampAnomalyScore(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

// AddSafe adds delta to base ensuring no signed overflow occurs.
func AddSafe(base int64, delta int64) (int64, error) {
	if (delta > 0 && base > math.MaxInt64-delta) || (delta < 0 && base < math.MinInt64-delta) {
		return 0, errors.New("integer overflow in AddSafe")
	}
	return base + delta, nil
}

// NormalizeUserID trims and lowercases user identifiers.
func NormalizeUserID(id UserID) (UserID, error) {
	s := strings.TrimSpace(string(id))
	if s == "" {
		return "", errors.New("empty user id")
	}
	return UserID(strings.ToLower(s)), nil
}

// ValidateKey ensures a non-empty flag/event/variable key with a simple
// charset check. Flag keys and trigger ids share the same rule.
func ValidateKey(k string) error {
	s := strings.TrimSpace(k)
	if s == "" {
		return errors.New("empty key")
	}
	// simple check: alnum, dash, underscore
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' {
			continue
		}
		return errors.New("invalid key")
	}
	return nil
}
