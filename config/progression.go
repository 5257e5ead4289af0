package config

import (
	"time"

	"gatekit/core"
	"gatekit/engine"
)

// DefaultProgressionConfig mirrors engine.DefaultProgression in config form.
func DefaultProgressionConfig() ProgressionConfig {
	return ProgressionConfig{
		LevelThresholds: []int64{0, 100, 300, 700, 1500, 3000, 6000, 12000},
		StreakBonuses:   core.DefaultStreakBonuses(),
		FirstLoginBonus: 50,
		ActivityRewards: map[string]int64{
			"mission_complete": 100,
			"module_finished":  40,
			"chapter_read":     15,
			"terminal_solved":  25,
		},
		ActivityHourlyCap:     5,
		ObserverWarnThreshold: core.DefaultObserverWarnThreshold,
		AnomalyWarnThreshold:  core.DefaultAnomalyWarnThreshold,
		NotifyDedupWindow:     24 * time.Hour,
	}
}

// ToProgression converts the config tables into a validated engine
// progression. The index of each threshold is its level, so entry 0 must
// be 0 XP.
func (p ProgressionConfig) ToProgression() (engine.Progression, error) {
	thresholds := make([]core.LevelThreshold, 0, len(p.LevelThresholds))
	for level, minXP := range p.LevelThresholds {
		thresholds = append(thresholds, core.LevelThreshold{Level: level, MinXP: minXP})
	}
	levels, err := core.NewLevelTable(thresholds)
	if err != nil {
		return engine.Progression{}, err
	}
	bonuses, err := core.NewStreakBonusTable(len(p.StreakBonuses), p.StreakBonuses)
	if err != nil {
		return engine.Progression{}, err
	}
	return engine.NewProgression(engine.Progression{
		Levels:            levels,
		StreakBonuses:     bonuses,
		FirstLoginBonus:   p.FirstLoginBonus,
		ActivityRewards:   p.ActivityRewards,
		ActivityHourlyCap: p.ActivityHourlyCap,
		NotifyDedupWindow: p.NotifyDedupWindow,
		Rules:             core.DefaultTriggers(levels, p.ObserverWarnThreshold, p.AnomalyWarnThreshold),
	})
}
