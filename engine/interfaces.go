package engine

import (
	"context"
	"time"

	"gatekit/core"
)

// Storage abstracts persistence for progression state. The engine's
// correctness leans on two store-level guarantees: numeric increments are
// atomic read-modify-writes, and flag/fired writes are upserts that resolve
// concurrent duplicates as no-ops rather than errors.
type Storage interface {
	GetState(ctx context.Context, user core.UserID) (core.UserState, error)

	// IncrementXP atomically adds delta to the XP total and returns the new total.
	IncrementXP(ctx context.Context, user core.UserID, delta int64) (int64, error)

	// SetLevelIfHigher persists level only when it exceeds the stored value.
	// Level is a cached projection of XP; it never regresses through this path.
	SetLevelIfHigher(ctx context.Context, user core.UserID, level int) error

	// UpsertFlag inserts or overwrites a flag; setting the same value twice
	// is a no-op from the caller's perspective.
	UpsertFlag(ctx context.Context, user core.UserID, key, value string) error

	// IncrementVariable atomically adds delta to a named numeric variable.
	IncrementVariable(ctx context.Context, user core.UserID, key string, delta int64) (int64, error)

	// MarkFired records a trigger id as applied. The insert is idempotent;
	// the return value reports whether this call inserted the marker.
	MarkFired(ctx context.Context, user core.UserID, eventID string) (bool, error)

	// UpdateLoginRecord persists the login bookkeeping fields together.
	UpdateLoginRecord(ctx context.Context, user core.UserID, loginCount, streak int, lastLogin time.Time) error

	// AdjustMeters applies deltas to the anomaly and observer meters and
	// returns the clamped results (observer load is bounded to [0,100]).
	AdjustMeters(ctx context.Context, user core.UserID, anomalyDelta, observerDelta int) (anomaly, observer int, err error)
}

// NotificationSink receives outbound notifications. RecentlySent backs the
// duplicate-suppression window: a notification with the same title delivered
// to the user inside the window is silently dropped.
type NotificationSink interface {
	Enqueue(ctx context.Context, user core.UserID, n core.Notification) error
	RecentlySent(ctx context.Context, user core.UserID, title string, window time.Duration) (bool, error)
}
