package core

import (
	"errors"
	"time"
)

// DefaultStreakPeriod is the length of the streak cycle; the stored counter
// wraps back to 1 after the final day of the cycle.
const DefaultStreakPeriod = 7

// LoginDay is the outcome of classifying a login against the previous one.
type LoginDay struct {
	// NewStreak is the consecutive-day counter before wrapping. Callers look
	// up the day-N bonus with this value and persist the wrapped counter.
	NewStreak int
	// NewCalendarDay reports whether this login crossed a UTC day boundary
	// (including the first-ever login).
	NewCalendarDay bool
}

// EvaluateLogin computes the new consecutive-login streak and a same-day /
// new-day classification. Both instants are normalized to UTC before the
// day-difference is taken; mixing timezone representations here is the classic
// off-by-one source, so the normalization is not optional.
func EvaluateLogin(lastLogin *time.Time, now time.Time, currentStreak int) LoginDay {
	if lastLogin == nil {
		return LoginDay{NewStreak: 1, NewCalendarDay: true}
	}
	last := lastLogin.UTC()
	cur := now.UTC()
	daysDiff := int(cur.Sub(last).Hours() / 24)
	switch {
	case daysDiff <= 0:
		return LoginDay{NewStreak: currentStreak, NewCalendarDay: false}
	case daysDiff == 1:
		return LoginDay{NewStreak: currentStreak + 1, NewCalendarDay: true}
	default:
		return LoginDay{NewStreak: 1, NewCalendarDay: true}
	}
}

// WrapStreak wraps a streak that has run past the period back to 1. The
// pre-wrap value selects the bonus; only the wrapped value is persisted.
func WrapStreak(streak, period int) int {
	if period > 0 && streak > period {
		return 1
	}
	return streak
}

// StreakBonusTable holds the XP reward for each day of the streak cycle.
// Day N past the period maps back into the cycle with ((N-1) mod period)+1,
// so the final-day reward repeats at 2x, 3x the period and so on.
type StreakBonusTable struct {
	period  int
	rewards []int64
}

// NewStreakBonusTable validates the per-day reward list against the period.
func NewStreakBonusTable(period int, rewards []int64) (*StreakBonusTable, error) {
	if period <= 0 {
		return nil, errors.New("streak period must be positive")
	}
	if len(rewards) != period {
		return nil, errors.New("streak bonus table length must equal the streak period")
	}
	for _, r := range rewards {
		if r < 0 {
			return nil, errors.New("streak bonus cannot be negative")
		}
	}
	return &StreakBonusTable{period: period, rewards: append([]int64(nil), rewards...)}, nil
}

// MustStreakBonusTable is NewStreakBonusTable for static tables.
func MustStreakBonusTable(period int, rewards []int64) *StreakBonusTable {
	t, err := NewStreakBonusTable(period, rewards)
	if err != nil {
		panic(err)
	}
	return t
}

// Period returns the streak cycle length.
func (t *StreakBonusTable) Period() int { return t.period }

// BonusFor returns the XP bonus for the given pre-wrap streak value.
func (t *StreakBonusTable) BonusFor(streak int) int64 {
	if streak <= 0 {
		return 0
	}
	return t.rewards[(streak-1)%t.period]
}

// DefaultStreakBonuses is the stock day-1..day-7 reward ladder.
func DefaultStreakBonuses() []int64 {
	return []int64{25, 30, 40, 50, 60, 75, 150}
}
