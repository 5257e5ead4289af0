package core

import (
	"errors"
	"fmt"
	"sort"
)

// LevelThreshold maps a clearance level to the minimum cumulative XP
// required to hold it.
type LevelThreshold struct {
	Level int   `json:"level"`
	MinXP int64 `json:"min_xp"`
}

// LevelTable maps cumulative XP totals to clearance levels through an
// ordered threshold table. Construction validates the table once; lookups
// are total and deterministic for every non-negative XP value.
type LevelTable struct {
	thresholds []LevelThreshold
}

// NewLevelTable builds a validated level table. Thresholds must start at
// (0, 0), carry consecutive levels, and have strictly increasing XP minimums.
// A malformed table is a construction-time error, never a runtime one.
func NewLevelTable(thresholds []LevelThreshold) (*LevelTable, error) {
	if len(thresholds) == 0 {
		return nil, errors.New("level table is empty")
	}
	ts := append([]LevelThreshold(nil), thresholds...)
	sort.Slice(ts, func(i, j int) bool { return ts[i].Level < ts[j].Level })
	if ts[0].Level != 0 || ts[0].MinXP != 0 {
		return nil, errors.New("level table must start at level 0 with min_xp 0")
	}
	for i := 1; i < len(ts); i++ {
		if ts[i].Level != ts[i-1].Level+1 {
			return nil, fmt.Errorf("level table has a gap between levels %d and %d", ts[i-1].Level, ts[i].Level)
		}
		if ts[i].MinXP <= ts[i-1].MinXP {
			return nil, fmt.Errorf("level %d threshold %d is not above level %d threshold %d",
				ts[i].Level, ts[i].MinXP, ts[i-1].Level, ts[i-1].MinXP)
		}
	}
	return &LevelTable{thresholds: ts}, nil
}

// MustLevelTable is NewLevelTable for static tables known to be well formed.
func MustLevelTable(thresholds []LevelThreshold) *LevelTable {
	t, err := NewLevelTable(thresholds)
	if err != nil {
		panic(err)
	}
	return t
}

// LevelFor returns the highest level whose threshold is at or below xp.
// Negative input is treated as zero.
func (t *LevelTable) LevelFor(xp int64) int {
	if xp < 0 {
		xp = 0
	}
	level := 0
	for _, th := range t.thresholds {
		if th.MinXP > xp {
			break
		}
		level = th.Level
	}
	return level
}

// MaxLevel returns the highest configured level.
func (t *LevelTable) MaxLevel() int {
	return t.thresholds[len(t.thresholds)-1].Level
}

// Thresholds returns a copy of the ordered threshold table.
func (t *LevelTable) Thresholds() []LevelThreshold {
	return append([]LevelThreshold(nil), t.thresholds...)
}

// DefaultLevelThresholds is the stock portal clearance curve.
func DefaultLevelThresholds() []LevelThreshold {
	return []LevelThreshold{
		{Level: 0, MinXP: 0},
		{Level: 1, MinXP: 100},
		{Level: 2, MinXP: 300},
		{Level: 3, MinXP: 700},
		{Level: 4, MinXP: 1500},
		{Level: 5, MinXP: 3000},
		{Level: 6, MinXP: 6000},
		{Level: 7, MinXP: 12000},
	}
}
