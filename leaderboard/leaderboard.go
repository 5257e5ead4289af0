package leaderboard

import (
	"context"

	"gatekit/core"
	"gatekit/engine"
)

// Entry represents a score entry.
type Entry struct {
	User  core.UserID
	Score int64
}

// Board abstracts leaderboard operations.
type Board interface {
	Update(user core.UserID, score int64)
	Remove(user core.UserID)
	TopN(n int) []Entry
	Get(user core.UserID) (Entry, bool)
}

// Tracker keeps a board current by following XP grant events.
type Tracker struct {
	board  Board
	cancel func()
}

func NewTracker(board Board) *Tracker {
	return &Tracker{board: board}
}

// Board exposes the tracked board for queries.
func (t *Tracker) Board() Board { return t.board }

// Attach subscribes the tracker to the service's XP events. Event totals
// are authoritative, so out-of-order delivery settles on the stored total.
func (t *Tracker) Attach(svc *engine.ProgressionService) {
	t.cancel = svc.Subscribe(core.EventXPGranted, func(_ context.Context, e core.Event) {
		t.board.Update(e.UserID, e.Total)
	})
}

func (t *Tracker) Detach() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}
