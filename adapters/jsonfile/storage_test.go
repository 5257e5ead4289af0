package jsonfile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"gatekit/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestStore_PersistAndReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.IncrementXP(ctx, "u1", 120); err != nil {
		t.Fatalf("IncrementXP: %v", err)
	}
	if err := s.SetLevelIfHigher(ctx, "u1", 1); err != nil {
		t.Fatalf("SetLevelIfHigher: %v", err)
	}
	if err := s.UpsertFlag(ctx, "u1", "level1_reached", "done"); err != nil {
		t.Fatalf("UpsertFlag: %v", err)
	}
	if _, err := s.MarkFired(ctx, "u1", "level1_reached"); err != nil {
		t.Fatalf("MarkFired: %v", err)
	}
	if err := s.UpdateLoginRecord(ctx, "u1", 3, 2, time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("UpdateLoginRecord: %v", err)
	}

	reloaded, err := New(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	st, err := reloaded.GetState(ctx, "u1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if st.XP != 120 || st.Level != 1 {
		t.Fatalf("xp=%d level=%d, want 120/1", st.XP, st.Level)
	}
	if !st.HasFlag("level1_reached") {
		t.Fatal("flag lost across reload")
	}
	if _, fired := st.Fired["level1_reached"]; !fired {
		t.Fatal("fired marker lost across reload")
	}
	if st.LoginCount != 3 || st.Streak != 2 {
		t.Fatalf("logins=%d streak=%d, want 3/2", st.LoginCount, st.Streak)
	}
	if st.LastLoginAt == nil || !st.LastLoginAt.Equal(time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("last login = %v", st.LastLoginAt)
	}
}

func TestStore_XPFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := s.IncrementXP(ctx, "u1", 40); err != nil {
		t.Fatalf("IncrementXP: %v", err)
	}
	total, err := s.IncrementXP(ctx, "u1", -100)
	if err != nil {
		t.Fatalf("IncrementXP negative: %v", err)
	}
	if total != 0 {
		t.Fatalf("total = %d, want 0", total)
	}
}

func TestStore_MarkFiredOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	newly, err := s.MarkFired(ctx, "u1", "observer_warned")
	if err != nil || !newly {
		t.Fatalf("first MarkFired = (%v, %v), want (true, nil)", newly, err)
	}
	newly, err = s.MarkFired(ctx, "u1", "observer_warned")
	if err != nil || newly {
		t.Fatalf("second MarkFired = (%v, %v), want (false, nil)", newly, err)
	}
}

func TestStore_LevelNeverLowered(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.SetLevelIfHigher(ctx, "u1", 3); err != nil {
		t.Fatalf("SetLevelIfHigher: %v", err)
	}
	if err := s.SetLevelIfHigher(ctx, "u1", 1); err != nil {
		t.Fatalf("SetLevelIfHigher: %v", err)
	}
	st, _ := s.GetState(ctx, "u1")
	if st.Level != 3 {
		t.Fatalf("level = %d, want 3", st.Level)
	}
}

func TestStore_AdjustMetersClamped(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	anomaly, observer, err := s.AdjustMeters(ctx, "u1", 30, 150)
	if err != nil {
		t.Fatalf("AdjustMeters: %v", err)
	}
	if anomaly != 30 || observer != core.ObserverLoadMax {
		t.Fatalf("meters = (%d, %d), want (30, %d)", anomaly, observer, core.ObserverLoadMax)
	}
	anomaly, observer, err = s.AdjustMeters(ctx, "u1", -100, -300)
	if err != nil {
		t.Fatalf("AdjustMeters: %v", err)
	}
	if anomaly != 0 || observer != 0 {
		t.Fatalf("meters = (%d, %d), want (0, 0)", anomaly, observer)
	}
}
