package analytics

import (
	"fmt"
	"sync"
	"time"

	"gatekit/core"
)

// Hook receives domain events for KPI aggregation.
type Hook interface {
	OnEvent(e core.Event)
}

// DAU tracks daily active users, counted from recorded logins.
type DAU struct {
	mu   sync.Mutex
	days map[string]map[core.UserID]struct{}
}

func NewDAU() *DAU { return &DAU{days: map[string]map[core.UserID]struct{}{}} }

func (d *DAU) OnEvent(e core.Event) {
	if e.Type != core.EventLoginRecorded {
		return
	}
	day := e.Time.UTC().Format("2006-01-02")
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.days[day]
	if m == nil {
		m = map[core.UserID]struct{}{}
		d.days[day] = m
	}
	m[e.UserID] = struct{}{}
}

func (d *DAU) Count(day string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.days[day])
}

// PortalMetrics aggregates progression KPIs across users.
type PortalMetrics struct {
	mu sync.RWMutex

	// User engagement
	dailyActiveUsers   map[string]map[core.UserID]struct{}
	weeklyActiveUsers  map[string]map[core.UserID]struct{}
	monthlyActiveUsers map[string]map[core.UserID]struct{}

	// XP flow
	xpGrantedByDay      map[string]int64
	xpGrantedByActivity map[string]int64

	// Levels
	levelUpsByDay     map[string]int64
	levelDistribution map[int]int // level -> count of level-up events

	// Triggers
	triggersFiredByDay map[string]int64
	triggersFiredByID  map[string]int64

	// Real-time counters (last 24 hours)
	realtimeCounters struct {
		xpGranted     int64
		levelUps      int64
		triggersFired int64
		lastReset     time.Time
	}
}

func NewPortalMetrics() *PortalMetrics {
	now := time.Now()
	pm := &PortalMetrics{
		dailyActiveUsers:    make(map[string]map[core.UserID]struct{}),
		weeklyActiveUsers:   make(map[string]map[core.UserID]struct{}),
		monthlyActiveUsers:  make(map[string]map[core.UserID]struct{}),
		xpGrantedByDay:      make(map[string]int64),
		xpGrantedByActivity: make(map[string]int64),
		levelUpsByDay:       make(map[string]int64),
		levelDistribution:   make(map[int]int),
		triggersFiredByDay:  make(map[string]int64),
		triggersFiredByID:   make(map[string]int64),
	}
	pm.realtimeCounters.lastReset = now
	return pm
}

func (pm *PortalMetrics) OnEvent(e core.Event) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	day := e.Time.UTC().Format("2006-01-02")
	week := getWeekKey(e.Time)
	month := getMonthKey(e.Time)

	pm.trackUserEngagement(e.UserID, day, week, month)

	switch e.Type {
	case core.EventXPGranted:
		if e.Delta > 0 {
			pm.xpGrantedByDay[day] += e.Delta
			activity := e.Activity
			if activity == "" {
				activity = "other"
			}
			pm.xpGrantedByActivity[activity] += e.Delta
			pm.realtimeCounters.xpGranted += e.Delta
		}
	case core.EventLevelUp:
		pm.levelUpsByDay[day]++
		pm.levelDistribution[e.Level]++
		pm.realtimeCounters.levelUps++
	case core.EventTriggerFired:
		pm.triggersFiredByDay[day]++
		pm.triggersFiredByID[e.TriggerID]++
		pm.realtimeCounters.triggersFired++
	}

	// Reset realtime counters if needed (every 24 hours)
	if time.Since(pm.realtimeCounters.lastReset) > 24*time.Hour {
		pm.realtimeCounters.xpGranted = 0
		pm.realtimeCounters.levelUps = 0
		pm.realtimeCounters.triggersFired = 0
		pm.realtimeCounters.lastReset = time.Now()
	}
}

func (pm *PortalMetrics) trackUserEngagement(userID core.UserID, day, week, month string) {
	if pm.dailyActiveUsers[day] == nil {
		pm.dailyActiveUsers[day] = make(map[core.UserID]struct{})
	}
	pm.dailyActiveUsers[day][userID] = struct{}{}

	if pm.weeklyActiveUsers[week] == nil {
		pm.weeklyActiveUsers[week] = make(map[core.UserID]struct{})
	}
	pm.weeklyActiveUsers[week][userID] = struct{}{}

	if pm.monthlyActiveUsers[month] == nil {
		pm.monthlyActiveUsers[month] = make(map[core.UserID]struct{})
	}
	pm.monthlyActiveUsers[month][userID] = struct{}{}
}

// GetDailyActiveUsers returns the count of daily active users for a specific day
func (pm *PortalMetrics) GetDailyActiveUsers(day string) int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.dailyActiveUsers[day])
}

// GetWeeklyActiveUsers returns the count of weekly active users for a specific week
func (pm *PortalMetrics) GetWeeklyActiveUsers(week string) int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.weeklyActiveUsers[week])
}

// GetMonthlyActiveUsers returns the count of monthly active users for a specific month
func (pm *PortalMetrics) GetMonthlyActiveUsers(month string) int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.monthlyActiveUsers[month])
}

// GetXPGrantedByDay returns total XP granted on a specific day
func (pm *PortalMetrics) GetXPGrantedByDay(day string) int64 {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.xpGrantedByDay[day]
}

// GetXPGrantedByActivity returns total XP granted for a specific activity key
func (pm *PortalMetrics) GetXPGrantedByActivity(activity string) int64 {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.xpGrantedByActivity[activity]
}

// GetTriggerFireCount returns how many times a trigger has fired across users
func (pm *PortalMetrics) GetTriggerFireCount(triggerID string) int64 {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.triggersFiredByID[triggerID]
}

// GetLevelDistribution returns a copy of the level-up distribution
func (pm *PortalMetrics) GetLevelDistribution() map[int]int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make(map[int]int, len(pm.levelDistribution))
	for k, v := range pm.levelDistribution {
		out[k] = v
	}
	return out
}

// GetRealtimeStats returns real-time statistics for the last 24 hours
func (pm *PortalMetrics) GetRealtimeStats() (xp int64, levelUps int64, triggers int64) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.realtimeCounters.xpGranted,
		pm.realtimeCounters.levelUps,
		pm.realtimeCounters.triggersFired
}

// GetTopActivities returns the highest-earning activity keys for reporting
func (pm *PortalMetrics) GetTopActivities(limit int) map[string]interface{} {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	type entry struct {
		activity string
		xp       int64
	}
	top := make([]entry, 0, len(pm.xpGrantedByActivity))
	for activity, xp := range pm.xpGrantedByActivity {
		top = append(top, entry{activity, xp})
	}

	// Sort by XP (simple bubble sort for small datasets)
	for i := 0; i < len(top); i++ {
		for j := i + 1; j < len(top); j++ {
			if top[i].xp < top[j].xp {
				top[i], top[j] = top[j], top[i]
			}
		}
	}

	if len(top) > limit {
		top = top[:limit]
	}

	topData := make([]map[string]interface{}, len(top))
	for i, e := range top {
		topData[i] = map[string]interface{}{
			"activity": e.activity,
			"xp":       e.xp,
		}
	}

	return map[string]interface{}{
		"top_activities_by_xp": topData,
		"total_xp_granted":     sumMapValues(pm.xpGrantedByActivity),
	}
}

// Helper functions
func getWeekKey(t time.Time) string {
	tt := t.UTC()
	year, week := tt.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

func getMonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

func sumMapValues(m map[string]int64) int64 {
	var total int64
	for _, v := range m {
		total += v
	}
	return total
}
