package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"gatekit/core"
)

func TestEventBusSyncDispatch(t *testing.T) {
	bus := NewEventBus(DispatchSync)
	defer bus.Close()

	var got int32
	unsub := bus.Subscribe(core.EventXPGranted, func(ctx context.Context, e core.Event) {
		atomic.AddInt32(&got, 1)
	})
	bus.Publish(context.Background(), core.NewXPGranted("alice", "chapter_read", 15, 15))
	if atomic.LoadInt32(&got) != 1 {
		t.Fatal("sync dispatch should deliver immediately")
	}

	unsub()
	bus.Publish(context.Background(), core.NewXPGranted("alice", "chapter_read", 15, 30))
	if atomic.LoadInt32(&got) != 1 {
		t.Fatal("unsubscribed handler still invoked")
	}
}

func TestEventBusAsyncDispatch(t *testing.T) {
	bus := NewEventBus(DispatchAsync)
	defer bus.Close()

	done := make(chan struct{})
	bus.Subscribe(core.EventTriggerFired, func(ctx context.Context, e core.Event) {
		close(done)
	})
	bus.Publish(context.Background(), core.NewTriggerFired("alice", "observer_warned"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async dispatch did not deliver")
	}
}
