package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mem "gatekit/adapters/memory"
	"gatekit/core"
	"gatekit/notify"
)

func newTestService() (*ProgressionService, *mem.Store, *notify.Memory) {
	store := mem.New()
	sink := notify.NewMemory(48 * time.Hour)
	svc := NewProgressionService(store, NewEventBus(DispatchSync), sink, DefaultProgression())
	return svc, store, sink
}

func TestFirstLoginGrantsBonuses(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	res, err := svc.RecordLogin(ctx, "alice", now)
	if err != nil {
		t.Fatal(err)
	}
	if !res.NewCalendarDay || res.NewStreak != 1 {
		t.Fatalf("first login day: %+v", res)
	}
	// first-login bonus (50) + day-1 streak bonus (25)
	if res.XPBonus != 75 {
		t.Fatalf("xp bonus = %d, want 75", res.XPBonus)
	}
	st, err := svc.GetState(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if st.LoginCount != 1 || st.Streak != 1 || st.XP != 75 {
		t.Fatalf("state after first login: %+v", st)
	}
	if st.Level != 0 {
		t.Fatalf("75 xp stays below the level-1 threshold, got level %d", st.Level)
	}
}

func TestSameDaySecondLoginGrantsNothing(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	if _, err := svc.RecordLogin(ctx, "alice", now); err != nil {
		t.Fatal(err)
	}
	res, err := svc.RecordLogin(ctx, "alice", now.Add(5*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if res.NewCalendarDay || res.XPBonus != 0 {
		t.Fatalf("same-day login must not re-grant: %+v", res)
	}
	st, _ := svc.GetState(ctx, "alice")
	if st.LoginCount != 1 || st.XP != 75 {
		t.Fatalf("state mutated by same-day login: %+v", st)
	}
}

func TestStreakThreeDaysFiresOnce(t *testing.T) {
	svc, _, sink := newTestService()
	ctx := context.Background()
	day1 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if _, err := svc.RecordLogin(ctx, "alice", day1.Add(time.Duration(i)*24*time.Hour)); err != nil {
			t.Fatal(err)
		}
	}
	st, _ := svc.GetState(ctx, "alice")
	if st.Streak != 3 {
		t.Fatalf("streak = %d, want 3", st.Streak)
	}
	if _, fired := st.Fired["streak_3days"]; !fired {
		t.Fatal("streak_3days should have fired")
	}

	// second login on day 3 is same-day: no re-grant, no re-fire
	before := st.XP
	if _, err := svc.RecordLogin(ctx, "alice", day1.Add(2*24*time.Hour+3*time.Hour)); err != nil {
		t.Fatal(err)
	}
	after, _ := svc.GetState(ctx, "alice")
	if after.XP != before {
		t.Fatalf("same-day repeat changed xp from %d to %d", before, after.XP)
	}
	count := 0
	for _, n := range sink.Pending("alice") {
		if n.Title == "Three days in a row" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("streak notification sent %d times", count)
	}
}

func TestGapResetsStreak(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	last := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := store.UpdateLoginRecord(ctx, "alice", 6, 6, last); err != nil {
		t.Fatal(err)
	}

	res, err := svc.RecordLogin(ctx, "alice", last.Add(3*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if res.NewStreak != 1 {
		t.Fatalf("streak after 3-day gap = %d, want 1 (not 0, not 7)", res.NewStreak)
	}
}

func TestStreakWrapsAfterPeriod(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	last := time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC)
	// day 7 already recorded; the next consecutive day is pre-wrap day 8
	if err := store.UpdateLoginRecord(ctx, "alice", 7, 7, last); err != nil {
		t.Fatal(err)
	}

	res, err := svc.RecordLogin(ctx, "alice", last.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if res.NewStreak != 1 {
		t.Fatalf("persisted streak after wrap = %d, want 1", res.NewStreak)
	}
	// pre-wrap day 8 maps to the day-1 bonus
	if res.XPBonus != 25 {
		t.Fatalf("wrap-day bonus = %d, want 25", res.XPBonus)
	}
}

func TestMissionGrantLevelsUpAndFiresLevelTrigger(t *testing.T) {
	svc, store, sink := newTestService()
	ctx := context.Background()

	if _, err := store.IncrementXP(ctx, "alice", 95); err != nil {
		t.Fatal(err)
	}
	res, err := svc.GrantActivityXP(ctx, "alice", "mission_complete")
	if err != nil {
		t.Fatal(err)
	}
	if res.XPGranted != 100 || res.Total != 195 {
		t.Fatalf("grant: %+v", res)
	}
	if !res.LeveledUp || res.NewLevel != 1 {
		t.Fatalf("expected level up to 1, got %+v", res)
	}
	st, _ := svc.GetState(ctx, "alice")
	if st.Flags["level1_reached"].Value != "done" {
		t.Fatalf("level1_reached flag missing: %+v", st.Flags)
	}
	if _, fired := st.Fired["level1_reached"]; !fired {
		t.Fatal("level1_reached not marked fired")
	}
	found := 0
	for _, n := range sink.Pending("alice") {
		if n.Title == "Clearance level 1 granted" {
			found++
		}
	}
	if found != 1 {
		t.Fatalf("clearance notification sent %d times", found)
	}

	// recheck immediately after: nothing new fires
	again, err := svc.RecheckTriggers(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(again.FiredTriggers) != 0 {
		t.Fatalf("second recheck fired %v", again.FiredTriggers)
	}
}

func TestObserverWarningFiresOnce(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	res, err := svc.AdjustMeters(ctx, "alice", 0, 75)
	if err != nil {
		t.Fatal(err)
	}
	if res.ObserverLoad != 75 {
		t.Fatalf("observer load = %d", res.ObserverLoad)
	}
	fired := false
	for _, id := range res.FiredTriggers {
		if id == "observer_warned" {
			fired = true
		}
	}
	if !fired {
		t.Fatal("observer_warned should fire at load 75")
	}

	res, err = svc.AdjustMeters(ctx, "alice", 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range res.FiredTriggers {
		if id == "observer_warned" {
			t.Fatal("observer_warned re-fired at load 80")
		}
	}
}

func TestRecheckIdempotentAcrossCalls(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	if _, err := store.IncrementXP(ctx, "alice", 350); err != nil {
		t.Fatal(err)
	}
	if err := store.SetLevelIfHigher(ctx, "alice", 2); err != nil {
		t.Fatal(err)
	}

	first, err := svc.RecheckTriggers(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(first.FiredTriggers) == 0 {
		t.Fatal("first recheck should fire level triggers")
	}
	second, err := svc.RecheckTriggers(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(second.FiredTriggers) != 0 {
		t.Fatalf("second recheck fired %v", second.FiredTriggers)
	}
}

func TestConcurrentGrantsBothLand(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.GrantActivityXP(ctx, "alice", "chapter_read")
			if err != nil {
				errs <- err
				return
			}
			if res.RateLimited {
				errs <- errors.New("unexpected rate limit under the cap")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	st, _ := svc.GetState(ctx, "alice")
	if st.XP != 30 {
		t.Fatalf("xp = %d, want 30 (no lost update)", st.XP)
	}
}

func TestActivityRateLimitIsSilent(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := svc.GrantActivityXP(ctx, "alice", "terminal_solved")
		if err != nil {
			t.Fatal(err)
		}
		if res.RateLimited {
			t.Fatalf("call %d under the cap was limited", i+1)
		}
	}
	res, err := svc.GrantActivityXP(ctx, "alice", "terminal_solved")
	if err != nil {
		t.Fatalf("over-cap call must not error: %v", err)
	}
	if !res.RateLimited || res.XPGranted != 0 {
		t.Fatalf("expected silent zero-effect outcome, got %+v", res)
	}
	st, _ := svc.GetState(ctx, "alice")
	if st.XP != 125 {
		t.Fatalf("xp = %d, want 125 (5 capped grants of 25)", st.XP)
	}
}

func TestUnknownActivityIsAnError(t *testing.T) {
	svc, _, _ := newTestService()
	if _, err := svc.GrantActivityXP(context.Background(), "alice", "nonexistent"); err == nil {
		t.Fatal("expected unknown activity error")
	}
}

// flakyStore fails flag upserts until released, simulating a transient
// persistence fault during effect application.
type flakyStore struct {
	*mem.Store
	mu   sync.Mutex
	fail bool
}

func (f *flakyStore) UpsertFlag(ctx context.Context, user core.UserID, key, value string) error {
	f.mu.Lock()
	failing := f.fail
	f.mu.Unlock()
	if failing {
		return errors.New("store unavailable")
	}
	return f.Store.UpsertFlag(ctx, user, key, value)
}

func TestFailedEffectRetriesOnNextPass(t *testing.T) {
	store := &flakyStore{Store: mem.New(), fail: true}
	sink := notify.NewMemory(48 * time.Hour)
	svc := NewProgressionService(store, NewEventBus(DispatchSync), sink, DefaultProgression())
	ctx := context.Background()

	if _, _, err := store.AdjustMeters(ctx, "alice", 0, 75); err != nil {
		t.Fatal(err)
	}

	res, err := svc.RecheckTriggers(ctx, "alice")
	if !errors.Is(err, ErrPartialApply) {
		t.Fatalf("expected partial apply, got %v", err)
	}
	if len(res.FiredTriggers) != 0 {
		t.Fatalf("failed trigger reported as fired: %v", res.FiredTriggers)
	}
	st, _ := store.GetState(ctx, "alice")
	if _, fired := st.Fired["observer_warned"]; fired {
		t.Fatal("fired marker persisted despite failed effects")
	}

	// store recovers; the next pass self-heals
	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()

	res, err = svc.RecheckTriggers(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.FiredTriggers) != 1 || res.FiredTriggers[0] != "observer_warned" {
		t.Fatalf("retry pass: %v", res.FiredTriggers)
	}
}

// grantFlakyStore fails XP increments until released.
type grantFlakyStore struct {
	*mem.Store
	mu   sync.Mutex
	fail bool
}

func (f *grantFlakyStore) IncrementXP(ctx context.Context, user core.UserID, delta int64) (int64, error) {
	f.mu.Lock()
	failing := f.fail
	f.mu.Unlock()
	if failing {
		return 0, errors.New("store unavailable")
	}
	return f.Store.IncrementXP(ctx, user, delta)
}

func (f *grantFlakyStore) release() {
	f.mu.Lock()
	f.fail = false
	f.mu.Unlock()
}

func TestLoginBonusRetriesAfterGrantFailure(t *testing.T) {
	store := &grantFlakyStore{Store: mem.New(), fail: true}
	svc := NewProgressionService(store, NewEventBus(DispatchSync), notify.NewMemory(48*time.Hour), DefaultProgression())
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	if _, err := svc.RecordLogin(ctx, "alice", now); err == nil {
		t.Fatal("expected grant failure to surface")
	}
	st, _ := store.GetState(ctx, "alice")
	if st.LastLoginAt != nil || st.LoginCount != 0 {
		t.Fatalf("login record persisted despite failed bonus: %+v", st)
	}

	// store recovers; the retry is not treated as a same-day repeat
	store.release()
	res, err := svc.RecordLogin(ctx, "alice", now)
	if err != nil {
		t.Fatal(err)
	}
	if res.XPBonus != 75 || res.NewStreak != 1 {
		t.Fatalf("retry lost the bonus: %+v", res)
	}
	st, _ = store.GetState(ctx, "alice")
	if st.XP != 75 || st.LoginCount != 1 {
		t.Fatalf("unexpected state after retry: %+v", st)
	}

	// a further same-day call grants nothing more
	res, err = svc.RecordLogin(ctx, "alice", now.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if res.XPBonus != 0 {
		t.Fatalf("same-day repeat granted again: %+v", res)
	}
}

func TestFailedGrantRefundsRateSlot(t *testing.T) {
	prog, err := NewProgression(Progression{
		Levels:            core.MustLevelTable(core.DefaultLevelThresholds()),
		StreakBonuses:     core.MustStreakBonusTable(core.DefaultStreakPeriod, core.DefaultStreakBonuses()),
		ActivityRewards:   map[string]int64{"terminal_solved": 25},
		ActivityHourlyCap: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	store := &grantFlakyStore{Store: mem.New(), fail: true}
	svc := NewProgressionService(store, NewEventBus(DispatchSync), notify.NewMemory(48*time.Hour), prog)
	ctx := context.Background()

	if _, err := svc.GrantActivityXP(ctx, "alice", "terminal_solved"); err == nil {
		t.Fatal("expected grant failure to surface")
	}

	// the failed attempt must not consume the single hourly slot
	store.release()
	res, err := svc.GrantActivityXP(ctx, "alice", "terminal_solved")
	if err != nil {
		t.Fatal(err)
	}
	if res.RateLimited || res.XPGranted != 25 {
		t.Fatalf("slot burned by failed grant: %+v", res)
	}

	res, err = svc.GrantActivityXP(ctx, "alice", "terminal_solved")
	if err != nil {
		t.Fatal(err)
	}
	if !res.RateLimited {
		t.Fatal("cap of one should now be reached")
	}
}

func TestLevelUpEventPublished(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	levelUps := 0
	svc.Subscribe(core.EventLevelUp, func(ctx context.Context, e core.Event) { levelUps++ })

	if _, err := store.IncrementXP(ctx, "alice", 95); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GrantActivityXP(ctx, "alice", "mission_complete"); err != nil {
		t.Fatal(err)
	}
	if levelUps == 0 {
		t.Fatal("expected level up event")
	}
}

func TestNewProgressionRejectsMalformedConfig(t *testing.T) {
	levels := core.MustLevelTable(core.DefaultLevelThresholds())
	bonuses := core.MustStreakBonusTable(core.DefaultStreakPeriod, core.DefaultStreakBonuses())

	if _, err := NewProgression(Progression{StreakBonuses: bonuses}); err == nil {
		t.Fatal("missing level table should be fatal")
	}
	if _, err := NewProgression(Progression{Levels: levels}); err == nil {
		t.Fatal("missing streak table should be fatal")
	}
	if _, err := NewProgression(Progression{
		Levels:          levels,
		StreakBonuses:   bonuses,
		ActivityRewards: map[string]int64{"bad key": 10},
	}); err == nil {
		t.Fatal("invalid activity key should be fatal")
	}
	if _, err := NewProgression(Progression{
		Levels:        levels,
		StreakBonuses: bonuses,
		Rules:         []core.Trigger{{ID: "a"}, {ID: "a"}},
	}); err == nil {
		t.Fatal("duplicate trigger ids should be fatal")
	}
}
