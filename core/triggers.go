package core

import (
	"fmt"
)

// Notification describes an outbound user notification queued by a trigger.
type Notification struct {
	Type  string `json:"type"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Effect is the set of state changes a trigger applies when it fires.
// All fields are optional; a trigger with an empty effect still records
// its fired marker.
type Effect struct {
	FlagKey      string
	FlagValue    string
	XP           int64
	Notification *Notification
}

// Trigger is one declarative progression rule: a pure predicate over a user
// snapshot plus the effect to apply when it first becomes true. The ID doubles
// as the fired-event identifier that makes the rule one-shot.
type Trigger struct {
	ID     string
	When   func(TriggerUser) bool
	Effect Effect
}

// TriggerUser is the snapshot a trigger predicate sees. It is a plain value;
// predicates must not mutate it.
type TriggerUser struct {
	UserID       UserID
	Level        int
	XP           int64
	AnomalyScore int
	ObserverLoad int
	LoginCount   int
	Streak       int
	Flags        map[string]string
	Fired        map[string]struct{}
}

// HasFlag reports whether the flag key is set.
func (u TriggerUser) HasFlag(key string) bool {
	_, ok := u.Flags[key]
	return ok
}

// HasFired reports whether the trigger id has already been applied.
func (u TriggerUser) HasFired(id string) bool {
	_, ok := u.Fired[id]
	return ok
}

// SnapshotFor projects a full UserState into the trigger-visible snapshot.
func SnapshotFor(s UserState) TriggerUser {
	u := TriggerUser{
		UserID:       s.UserID,
		Level:        s.Level,
		XP:           s.XP,
		AnomalyScore: s.AnomalyScore,
		ObserverLoad: s.ObserverLoad,
		LoginCount:   s.LoginCount,
		Streak:       s.Streak,
		Flags:        make(map[string]string, len(s.Flags)),
		Fired:        make(map[string]struct{}, len(s.Fired)),
	}
	for k, f := range s.Flags {
		u.Flags[k] = f.Value
	}
	for k := range s.Fired {
		u.Fired[k] = struct{}{}
	}
	return u
}

// EvaluateTriggers walks the rule list once, in declaration order, and
// returns the triggers that fire. Rules already present in the snapshot's
// fired set are skipped. After each match the snapshot is updated in place
// (flag, fired id, XP) so later rules in the same pass observe cumulative
// effects; the pass never re-runs to a fixed point.
func EvaluateTriggers(u TriggerUser, rules []Trigger) []Trigger {
	var fired []Trigger
	for _, r := range rules {
		if u.HasFired(r.ID) {
			continue
		}
		if r.When == nil || !r.When(u) {
			continue
		}
		fired = append(fired, r)
		u.Fired[r.ID] = struct{}{}
		if r.Effect.FlagKey != "" {
			u.Flags[r.Effect.FlagKey] = r.Effect.FlagValue
		}
		if r.Effect.XP > 0 {
			u.XP += r.Effect.XP
		}
	}
	return fired
}

// ValidateTriggers rejects duplicate, empty, or malformed trigger ids and
// negative XP effects at construction time.
func ValidateTriggers(rules []Trigger) error {
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if err := ValidateKey(r.ID); err != nil {
			return fmt.Errorf("trigger %q: %w", r.ID, err)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("duplicate trigger id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
		if r.Effect.XP < 0 {
			return fmt.Errorf("trigger %q has negative xp effect", r.ID)
		}
		if r.Effect.FlagKey != "" {
			if err := ValidateKey(r.Effect.FlagKey); err != nil {
				return fmt.Errorf("trigger %q flag: %w", r.ID, err)
			}
		}
	}
	return nil
}

// Thresholds for the narrative warning meters.
const (
	DefaultObserverWarnThreshold = 70
	DefaultAnomalyWarnThreshold  = 50
)

// DefaultTriggers builds the stock narrative rule set against the given
// level table and meter thresholds. Ordering matters: level rules come first
// so a story rule later in the list can depend on a levelN flag set in the
// same pass.
func DefaultTriggers(levels *LevelTable, observerWarn, anomalyWarn int) []Trigger {
	var rules []Trigger
	for lvl := 1; lvl <= levels.MaxLevel(); lvl++ {
		level := lvl
		rules = append(rules, Trigger{
			ID:   fmt.Sprintf("level%d_reached", level),
			When: func(u TriggerUser) bool { return u.Level >= level },
			Effect: Effect{
				FlagKey:   fmt.Sprintf("level%d_reached", level),
				FlagValue: "done",
				Notification: &Notification{
					Type:  "clearance",
					Title: fmt.Sprintf("Clearance level %d granted", level),
					Body:  fmt.Sprintf("Your clearance has been raised to level %d. New archive sections are available.", level),
				},
			},
		})
	}
	rules = append(rules,
		Trigger{
			ID:   "observer_warned",
			When: func(u TriggerUser) bool { return u.ObserverLoad >= observerWarn },
			Effect: Effect{
				FlagKey:   "observer_warned",
				FlagValue: "done",
				Notification: &Notification{
					Type:  "warning",
					Title: "Observer load critical",
					Body:  "Your observer load has crossed the safe threshold. Reduce exposure.",
				},
			},
		},
		Trigger{
			ID:   "anomaly_flagged",
			When: func(u TriggerUser) bool { return u.AnomalyScore >= anomalyWarn },
			Effect: Effect{
				FlagKey:   "anomaly_flagged",
				FlagValue: "done",
				Notification: &Notification{
					Type:  "warning",
					Title: "Anomaly pattern detected",
					Body:  "Your activity matches a monitored anomaly pattern. This has been noted.",
				},
			},
		},
		Trigger{
			ID:   "streak_3days",
			When: func(u TriggerUser) bool { return u.Streak >= 3 },
			Effect: Effect{
				FlagKey:   "streak_3days",
				FlagValue: "done",
				XP:        50,
				Notification: &Notification{
					Type:  "streak",
					Title: "Three days in a row",
					Body:  "Consistent access logged for three consecutive days.",
				},
			},
		},
		Trigger{
			ID:   "streak_7days",
			When: func(u TriggerUser) bool { return u.Streak >= 7 },
			Effect: Effect{
				FlagKey:   "streak_7days",
				FlagValue: "done",
				XP:        100,
				Notification: &Notification{
					Type:  "streak",
					Title: "Full week logged",
					Body:  "Seven consecutive days of access. The archive notices dedication.",
				},
			},
		},
		Trigger{
			ID:   "veteran_login",
			When: func(u TriggerUser) bool { return u.LoginCount >= 30 },
			Effect: Effect{
				FlagKey:   "veteran_login",
				FlagValue: "done",
				XP:        200,
				Notification: &Notification{
					Type:  "milestone",
					Title: "Veteran reader",
					Body:  "Thirty sessions on record.",
				},
			},
		},
	)
	return rules
}
