package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gatekit/core"
)

// ErrPartialApply marks a pass in which some trigger effects could not be
// persisted. The un-persisted triggers keep no fired marker, so the next
// evaluation retries them; callers should treat this as "call again", not
// as corruption.
var ErrPartialApply = errors.New("some trigger effects were not applied")

// Progression bundles the externally editable configuration tables the
// engine consumes. Construct through NewProgression so well-formedness is
// checked once, at load time.
type Progression struct {
	Levels            *core.LevelTable
	StreakBonuses     *core.StreakBonusTable
	FirstLoginBonus   int64
	ActivityRewards   map[string]int64
	ActivityHourlyCap int
	NotifyDedupWindow time.Duration
	Rules             []core.Trigger
}

// NewProgression validates the tables and fills the rule set from the level
// table when none is supplied. Malformed tables are fatal here rather than
// producing silently wrong levels later.
func NewProgression(p Progression) (Progression, error) {
	if p.Levels == nil {
		return Progression{}, errors.New("progression requires a level table")
	}
	if p.StreakBonuses == nil {
		return Progression{}, errors.New("progression requires a streak bonus table")
	}
	if p.FirstLoginBonus < 0 {
		return Progression{}, errors.New("first login bonus cannot be negative")
	}
	for k, v := range p.ActivityRewards {
		if err := core.ValidateKey(k); err != nil {
			return Progression{}, fmt.Errorf("activity %q: %w", k, err)
		}
		if v < 0 {
			return Progression{}, fmt.Errorf("activity %q has a negative reward", k)
		}
	}
	if p.ActivityHourlyCap <= 0 {
		p.ActivityHourlyCap = 5
	}
	if p.NotifyDedupWindow <= 0 {
		p.NotifyDedupWindow = 24 * time.Hour
	}
	if p.Rules == nil {
		p.Rules = core.DefaultTriggers(p.Levels, core.DefaultObserverWarnThreshold, core.DefaultAnomalyWarnThreshold)
	}
	if err := core.ValidateTriggers(p.Rules); err != nil {
		return Progression{}, err
	}
	return p, nil
}

// DefaultProgression returns the stock portal configuration.
func DefaultProgression() Progression {
	p, err := NewProgression(Progression{
		Levels:          core.MustLevelTable(core.DefaultLevelThresholds()),
		StreakBonuses:   core.MustStreakBonusTable(core.DefaultStreakPeriod, core.DefaultStreakBonuses()),
		FirstLoginBonus: 50,
		ActivityRewards: map[string]int64{
			"mission_complete": 100,
			"module_finished":  40,
			"chapter_read":     15,
			"terminal_solved":  25,
		},
		ActivityHourlyCap: 5,
	})
	if err != nil {
		panic(err)
	}
	return p
}

// LoginResult is the outcome of recording a login.
type LoginResult struct {
	XPBonus        int64    `json:"xp_bonus"`
	NewStreak      int      `json:"new_streak"`
	NewLevel       int      `json:"new_level"`
	LeveledUp      bool     `json:"leveled_up"`
	NewCalendarDay bool     `json:"new_calendar_day"`
	FiredTriggers  []string `json:"fired_triggers,omitempty"`
}

// GrantResult is the outcome of an activity-sourced XP grant.
type GrantResult struct {
	XPGranted     int64    `json:"xp_granted"`
	Total         int64    `json:"total"`
	NewLevel      int      `json:"new_level"`
	LeveledUp     bool     `json:"leveled_up"`
	RateLimited   bool     `json:"rate_limited"`
	FiredTriggers []string `json:"fired_triggers,omitempty"`
}

// RecheckResult lists the trigger ids fired by an explicit recheck pass.
type RecheckResult struct {
	FiredTriggers []string `json:"fired_triggers"`
}

// MeterResult is the outcome of adjusting the narrative meters.
type MeterResult struct {
	AnomalyScore  int      `json:"anomaly_score"`
	ObserverLoad  int      `json:"observer_load"`
	FiredTriggers []string `json:"fired_triggers,omitempty"`
}

// ProgressionService wires storage, notifications, the event bus, and the
// trigger rule set into the caller-facing progression API.
type ProgressionService struct {
	storage  Storage
	bus      *EventBus
	notifier NotificationSink
	prog     Progression
	limiter  *ActivityLimiter
	log      *slog.Logger
}

func NewProgressionService(storage Storage, bus *EventBus, notifier NotificationSink, prog Progression) *ProgressionService {
	if storage == nil || bus == nil || notifier == nil {
		panic("NewProgressionService requires non-nil storage, bus, and notifier")
	}
	return &ProgressionService{
		storage:  storage,
		bus:      bus,
		notifier: notifier,
		prog:     prog,
		limiter:  NewActivityLimiter(prog.ActivityHourlyCap, time.Hour, 0),
		log:      slog.Default(),
	}
}

// Subscribe convenience method.
func (p *ProgressionService) Subscribe(typ core.EventType, handler func(context.Context, core.Event)) func() {
	return p.bus.Subscribe(typ, handler)
}

func (p *ProgressionService) Publish(ctx context.Context, ev core.Event) {
	p.bus.Publish(ctx, ev)
}

func (p *ProgressionService) GetState(ctx context.Context, user core.UserID) (core.UserState, error) {
	normalized, err := core.NormalizeUserID(user)
	if err != nil {
		return core.UserState{}, err
	}
	return p.storage.GetState(ctx, normalized)
}

func (p *ProgressionService) Close() { p.bus.Close() }

// RecordLogin applies the daily login bookkeeping: streak advance, login
// count, first-login and day-N streak bonuses, level recompute, and a trigger
// pass. A second call on the same calendar day is a no-op for the bonuses
// and only re-runs the (idempotent) trigger pass.
func (p *ProgressionService) RecordLogin(ctx context.Context, user core.UserID, now time.Time) (LoginResult, error) {
	normalized, err := core.NormalizeUserID(user)
	if err != nil {
		return LoginResult{}, err
	}
	state, err := p.storage.GetState(ctx, normalized)
	if err != nil {
		return LoginResult{}, fmt.Errorf("load state: %w", err)
	}

	day := core.EvaluateLogin(state.LastLoginAt, now, state.Streak)
	res := LoginResult{
		NewStreak:      state.Streak,
		NewLevel:       state.Level,
		NewCalendarDay: day.NewCalendarDay,
	}

	if day.NewCalendarDay {
		wrapped := core.WrapStreak(day.NewStreak, p.prog.StreakBonuses.Period())

		// bonus magnitude keys off the pre-wrap streak value
		bonus := p.prog.StreakBonuses.BonusFor(day.NewStreak)
		if state.LoginCount == 0 {
			bonus += p.prog.FirstLoginBonus
		}
		if bonus > 0 {
			// The bonus grant is guarded by a day-keyed fired marker and the
			// login record persists last, so a failed grant leaves the day
			// eligible for retry instead of losing the bonus to the same-day
			// short circuit.
			bonusID := "login_bonus:" + now.UTC().Format("2006-01-02")
			if _, granted := state.Fired[bonusID]; !granted {
				_, newLevel, leveledUp, err := p.grantAndRecompute(ctx, normalized, "login_bonus", bonus, state.Level)
				if err != nil {
					return res, fmt.Errorf("grant login bonus: %w", err)
				}
				res.XPBonus = bonus
				res.NewLevel = newLevel
				res.LeveledUp = leveledUp
				if _, err := p.storage.MarkFired(ctx, normalized, bonusID); err != nil {
					return res, fmt.Errorf("mark login bonus: %w", err)
				}
			}
		}
		if err := p.storage.UpdateLoginRecord(ctx, normalized, state.LoginCount+1, wrapped, now.UTC()); err != nil {
			return res, fmt.Errorf("update login record: %w", err)
		}
		res.NewStreak = wrapped
		p.bus.Publish(ctx, core.NewLoginRecorded(normalized, wrapped, res.XPBonus))
	}

	fired, passErr := p.runTriggerPass(ctx, normalized)
	res.FiredTriggers = fired
	return res, passErr
}

// GrantActivityXP grants the configured reward for an activity key, subject
// to the hourly per-activity cap. An over-cap call is a silent zero-effect
// outcome distinguishable from failure via RateLimited.
func (p *ProgressionService) GrantActivityXP(ctx context.Context, user core.UserID, activityKey string) (GrantResult, error) {
	normalized, err := core.NormalizeUserID(user)
	if err != nil {
		return GrantResult{}, err
	}
	reward, ok := p.prog.ActivityRewards[activityKey]
	if !ok {
		return GrantResult{}, fmt.Errorf("unknown activity %q", activityKey)
	}

	state, err := p.storage.GetState(ctx, normalized)
	if err != nil {
		return GrantResult{}, fmt.Errorf("load state: %w", err)
	}
	res := GrantResult{Total: state.XP, NewLevel: state.Level}

	if !p.limiter.Allow(normalized, activityKey) {
		res.RateLimited = true
		return res, nil
	}

	total, newLevel, leveledUp, err := p.grantAndRecompute(ctx, normalized, activityKey, reward, state.Level)
	if err != nil {
		p.limiter.Refund(normalized, activityKey)
		return res, err
	}
	res.XPGranted = reward
	res.Total = total
	res.NewLevel = newLevel
	res.LeveledUp = leveledUp

	fired, passErr := p.runTriggerPass(ctx, normalized)
	res.FiredTriggers = fired
	return res, passErr
}

// GrantXP is the raw grant path used by admin override. Negative deltas are
// allowed here and only here; level still never regresses.
func (p *ProgressionService) GrantXP(ctx context.Context, user core.UserID, delta int64) (GrantResult, error) {
	if delta == 0 {
		return GrantResult{}, errors.New("delta cannot be zero")
	}
	normalized, err := core.NormalizeUserID(user)
	if err != nil {
		return GrantResult{}, err
	}
	state, err := p.storage.GetState(ctx, normalized)
	if err != nil {
		return GrantResult{}, fmt.Errorf("load state: %w", err)
	}
	total, newLevel, leveledUp, err := p.grantAndRecompute(ctx, normalized, "admin_grant", delta, state.Level)
	if err != nil {
		return GrantResult{}, err
	}
	res := GrantResult{XPGranted: delta, Total: total, NewLevel: newLevel, LeveledUp: leveledUp}

	fired, passErr := p.runTriggerPass(ctx, normalized)
	res.FiredTriggers = fired
	return res, passErr
}

// AdjustMeters applies deltas to the anomaly and observer meters and then
// rechecks triggers so threshold rules react promptly.
func (p *ProgressionService) AdjustMeters(ctx context.Context, user core.UserID, anomalyDelta, observerDelta int) (MeterResult, error) {
	normalized, err := core.NormalizeUserID(user)
	if err != nil {
		return MeterResult{}, err
	}
	anomaly, observer, err := p.storage.AdjustMeters(ctx, normalized, anomalyDelta, observerDelta)
	if err != nil {
		return MeterResult{}, fmt.Errorf("adjust meters: %w", err)
	}
	res := MeterResult{AnomalyScore: anomaly, ObserverLoad: observer}

	fired, passErr := p.runTriggerPass(ctx, normalized)
	res.FiredTriggers = fired
	return res, passErr
}

// RecheckTriggers runs one evaluation pass. Calling it twice back to back
// with no intervening state change fires nothing on the second call.
func (p *ProgressionService) RecheckTriggers(ctx context.Context, user core.UserID) (RecheckResult, error) {
	normalized, err := core.NormalizeUserID(user)
	if err != nil {
		return RecheckResult{}, err
	}
	fired, passErr := p.runTriggerPass(ctx, normalized)
	return RecheckResult{FiredTriggers: fired}, passErr
}

// grantAndRecompute increments XP atomically, recomputes the level from the
// new total, and persists the level only if it advanced.
func (p *ProgressionService) grantAndRecompute(ctx context.Context, user core.UserID, source string, delta int64, prevLevel int) (total int64, newLevel int, leveledUp bool, err error) {
	total, err = p.storage.IncrementXP(ctx, user, delta)
	if err != nil {
		return 0, prevLevel, false, fmt.Errorf("increment xp: %w", err)
	}
	p.bus.Publish(ctx, core.NewXPGranted(user, source, delta, total))

	newLevel = p.prog.Levels.LevelFor(total)
	if newLevel > prevLevel {
		if err := p.storage.SetLevelIfHigher(ctx, user, newLevel); err != nil {
			return total, prevLevel, false, fmt.Errorf("set level: %w", err)
		}
		p.bus.Publish(ctx, core.NewLevelUp(user, newLevel))
		return total, newLevel, true, nil
	}
	return total, prevLevel, false, nil
}

// runTriggerPass loads a fresh snapshot, evaluates the rule set in order,
// and applies each fired trigger's effects. A trigger whose persistence
// fails keeps no fired marker and stays eligible for the next pass; its
// failure does not block the remaining triggers.
func (p *ProgressionService) runTriggerPass(ctx context.Context, user core.UserID) ([]string, error) {
	state, err := p.storage.GetState(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("load state for trigger pass: %w", err)
	}
	matched := core.EvaluateTriggers(core.SnapshotFor(state), p.prog.Rules)
	if len(matched) == 0 {
		return nil, nil
	}

	var fired []string
	partial := false
	for _, trg := range matched {
		if err := p.applyTrigger(ctx, user, trg, state.Level); err != nil {
			partial = true
			p.log.Warn("trigger effects not applied, will retry on next pass",
				"user", user, "trigger", trg.ID, "error", err)
			continue
		}
		fired = append(fired, trg.ID)
		p.bus.Publish(ctx, core.NewTriggerFired(user, trg.ID))
	}
	if partial {
		return fired, ErrPartialApply
	}
	return fired, nil
}

// applyTrigger persists one trigger's effects. The fired marker goes last so
// a failure on any effect leaves the trigger eligible for retry; duplicate
// concurrent applications collapse at the store through idempotent upserts
// and the notification dedup window.
func (p *ProgressionService) applyTrigger(ctx context.Context, user core.UserID, trg core.Trigger, prevLevel int) error {
	eff := trg.Effect
	if eff.FlagKey != "" {
		if err := p.storage.UpsertFlag(ctx, user, eff.FlagKey, eff.FlagValue); err != nil {
			return fmt.Errorf("upsert flag %q: %w", eff.FlagKey, err)
		}
	}
	if eff.XP > 0 {
		if _, _, _, err := p.grantAndRecompute(ctx, user, "trigger:"+trg.ID, eff.XP, prevLevel); err != nil {
			return err
		}
	}
	if eff.Notification != nil {
		dup, err := p.notifier.RecentlySent(ctx, user, eff.Notification.Title, p.prog.NotifyDedupWindow)
		if err != nil {
			return fmt.Errorf("notification dedup check: %w", err)
		}
		if !dup {
			if err := p.notifier.Enqueue(ctx, user, *eff.Notification); err != nil {
				return fmt.Errorf("enqueue notification: %w", err)
			}
			p.bus.Publish(ctx, core.NewNotificationQueued(user, *eff.Notification))
		}
	}
	if _, err := p.storage.MarkFired(ctx, user, trg.ID); err != nil {
		return fmt.Errorf("mark fired %q: %w", trg.ID, err)
	}
	return nil
}
