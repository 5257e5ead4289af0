package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// UserState mirrors the public JSON surface of core.UserState.
type UserState struct {
	UserID       string           `json:"user_id"`
	XP           int64            `json:"xp"`
	Level        int              `json:"level"`
	LoginCount   int              `json:"login_count"`
	Streak       int              `json:"streak"`
	LastLoginAt  *time.Time       `json:"last_login_at,omitempty"`
	AnomalyScore int              `json:"anomaly_score"`
	ObserverLoad int              `json:"observer_load"`
	Flags        map[string]Flag  `json:"flags"`
	Variables    map[string]int64 `json:"variables"`
	Updated      time.Time        `json:"updated"`
}

// Flag mirrors core.Flag.
type Flag struct {
	Value string    `json:"value"`
	SetAt time.Time `json:"set_at"`
}

// LoginResult mirrors engine.LoginResult.
type LoginResult struct {
	XPBonus        int64    `json:"xp_bonus"`
	NewStreak      int      `json:"new_streak"`
	NewLevel       int      `json:"new_level"`
	LeveledUp      bool     `json:"leveled_up"`
	NewCalendarDay bool     `json:"new_calendar_day"`
	FiredTriggers  []string `json:"fired_triggers,omitempty"`
}

// GrantResult mirrors engine.GrantResult.
type GrantResult struct {
	XPGranted     int64    `json:"xp_granted"`
	Total         int64    `json:"total"`
	NewLevel      int      `json:"new_level"`
	LeveledUp     bool     `json:"leveled_up"`
	RateLimited   bool     `json:"rate_limited"`
	FiredTriggers []string `json:"fired_triggers,omitempty"`
}

// MeterResult mirrors engine.MeterResult.
type MeterResult struct {
	AnomalyScore  int      `json:"anomaly_score"`
	ObserverLoad  int      `json:"observer_load"`
	FiredTriggers []string `json:"fired_triggers,omitempty"`
}

// RecheckResult mirrors engine.RecheckResult.
type RecheckResult struct {
	FiredTriggers []string `json:"fired_triggers"`
}

// HealthStatus describes the /healthz response.
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]interface{} `json:"checks"`
}

// ErrPartialApply reports that some trigger effects were deferred to the
// next evaluation pass; the returned result is still valid.
var ErrPartialApply = errors.New("some trigger effects were deferred")

// ErrEmptyUserID is returned when user id is empty.
var ErrEmptyUserID = errors.New("user id is required")

func decodeJSON(resp *http.Response, target any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("request failed: status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

// decodeResult unwraps the {"result": ..., "partial": bool} envelope used by
// action routes.
func decodeResult(resp *http.Response, target any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Message != "" {
			return fmt.Errorf("request failed: %s (%s)", apiErr.Message, apiErr.Code)
		}
		return fmt.Errorf("request failed: status %d", resp.StatusCode)
	}
	envelope := struct {
		Result  any  `json:"result"`
		Partial bool `json:"partial"`
	}{Result: target}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return err
	}
	if envelope.Partial {
		return ErrPartialApply
	}
	return nil
}
