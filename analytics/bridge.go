package analytics

import (
	"context"

	"gatekit/core"
	"gatekit/engine"
)

// Bridge fans progression events out to registered hooks and tracks its
// subscriptions so they can be torn down together.
type Bridge struct {
	hooks   []Hook
	cancels []func()
}

func NewBridge(hooks ...Hook) *Bridge {
	return &Bridge{hooks: hooks}
}

// Attach subscribes every hook to the event types the portal emits.
func (b *Bridge) Attach(svc *engine.ProgressionService) {
	types := []core.EventType{
		core.EventLoginRecorded,
		core.EventXPGranted,
		core.EventLevelUp,
		core.EventTriggerFired,
		core.EventNotification,
	}
	for _, typ := range types {
		cancel := svc.Subscribe(typ, func(_ context.Context, e core.Event) {
			for _, h := range b.hooks {
				h.OnEvent(e)
			}
		})
		b.cancels = append(b.cancels, cancel)
	}
}

// Detach removes all subscriptions added by Attach.
func (b *Bridge) Detach() {
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil
}
