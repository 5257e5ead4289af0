package gatekit

import (
	"context"
	"time"

	mem "gatekit/adapters/memory"
	"gatekit/core"
	"gatekit/engine"
	"gatekit/notify"
	"gatekit/realtime"
)

// Option configures the progression service builder.
type Option func(*config)

type config struct {
	storage  engine.Storage
	notifier engine.NotificationSink
	mode     engine.DispatchMode
	prog     *engine.Progression
	rules    []core.Trigger
	hub      *realtime.Hub
}

// WithStorage sets the persistence adapter.
func WithStorage(s engine.Storage) Option { return func(c *config) { c.storage = s } }

// WithNotifier sets the notification sink.
func WithNotifier(n engine.NotificationSink) Option { return func(c *config) { c.notifier = n } }

// WithProgression sets the rule tables.
func WithProgression(p engine.Progression) Option { return func(c *config) { c.prog = &p } }

// WithRules replaces the trigger set while keeping the default tables.
func WithRules(rules []core.Trigger) Option { return func(c *config) { c.rules = rules } }

// WithDispatchMode selects sync or async event dispatch.
func WithDispatchMode(m engine.DispatchMode) Option { return func(c *config) { c.mode = m } }

// WithRealtime wires a realtime hub to receive all engine events.
func WithRealtime(h *realtime.Hub) Option { return func(c *config) { c.hub = h } }

// New builds a configured ProgressionService. If not provided, defaults are used:
//   - storage: in-memory
//   - notifier: in-memory sink with 24h retention
//   - progression: DefaultProgression
//   - dispatch: async
func New(opts ...Option) *engine.ProgressionService {
	cfg := &config{mode: engine.DispatchAsync}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.storage == nil {
		cfg.storage = mem.New()
	}
	if cfg.notifier == nil {
		cfg.notifier = notify.NewMemory(24 * time.Hour)
	}
	prog := engine.DefaultProgression()
	if cfg.prog != nil {
		prog = *cfg.prog
	}
	if cfg.rules != nil {
		prog.Rules = cfg.rules
	}
	bus := engine.NewEventBus(cfg.mode)
	svc := engine.NewProgressionService(cfg.storage, bus, cfg.notifier, prog)
	if cfg.hub != nil {
		// Bridge all primary events to realtime
		bus.Subscribe(core.EventLoginRecorded, func(ctx context.Context, e core.Event) { cfg.hub.Broadcast(ctx, e) })
		bus.Subscribe(core.EventXPGranted, func(ctx context.Context, e core.Event) { cfg.hub.Broadcast(ctx, e) })
		bus.Subscribe(core.EventLevelUp, func(ctx context.Context, e core.Event) { cfg.hub.Broadcast(ctx, e) })
		bus.Subscribe(core.EventTriggerFired, func(ctx context.Context, e core.Event) { cfg.hub.Broadcast(ctx, e) })
		bus.Subscribe(core.EventNotification, func(ctx context.Context, e core.Event) { cfg.hub.Broadcast(ctx, e) })
	}
	return svc
}
