package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aether-run/aether/internal/common/logger"
	bus "github.com/aether-run/aether/internal/eventbus"
	"github.com/aether-run/aether/internal/statestore"
)

// eventFilter is the decoded form of an EventTrigger's event_filter
// column: a single dotted path into the event's data payload, matched
// against an expected value. A nil/empty filter always matches.
type eventFilter struct {
	Path  string      `json:"path"`
	Value interface{} `json:"value"`
}

func parseEventFilter(raw *string) (*eventFilter, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var f eventFilter
	if err := json.Unmarshal([]byte(*raw), &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *eventFilter) matches(data map[string]interface{}) bool {
	if f == nil || f.Path == "" {
		return true
	}
	current := interface{}(data)
	for _, segment := range strings.Split(f.Path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return false
		}
		current, ok = m[segment]
		if !ok {
			return false
		}
	}
	return fmt.Sprintf("%v", current) == fmt.Sprintf("%v", f.Value)
}

// TriggerDriver subscribes to every kernel event and spawns an agent for
// each enabled, matching, off-cooldown EventTrigger.
type TriggerDriver struct {
	store  *statestore.Store
	bus    bus.EventBus
	spawn  Spawner
	logger *logger.Logger
	sub    bus.Subscription
}

// NewTriggerDriver constructs a TriggerDriver; call Start to subscribe.
func NewTriggerDriver(store *statestore.Store, eventBus bus.EventBus, spawn Spawner, log *logger.Logger) *TriggerDriver {
	return &TriggerDriver{
		store:  store,
		bus:    eventBus,
		spawn:  spawn,
		logger: log.WithFields(zap.String("component", "triggerDriver")),
	}
}

// Start subscribes to every topic (">") on the bus.
func (d *TriggerDriver) Start() error {
	sub, err := d.bus.Subscribe(">", d.onEvent)
	if err != nil {
		return err
	}
	d.sub = sub
	return nil
}

// Stop unsubscribes from the bus; safe to call on a driver that never
// successfully started.
func (d *TriggerDriver) Stop() {
	if d.sub != nil {
		_ = d.sub.Unsubscribe()
	}
}

func (d *TriggerDriver) onEvent(ctx context.Context, ev *bus.Event) error {
	triggers, err := d.store.TriggersForEvent(ctx, ev.Type)
	if err != nil {
		d.logger.Warn("failed to look up triggers for event", zap.String("eventType", ev.Type), zap.Error(err))
		return nil
	}
	for i := range triggers {
		d.evaluate(ctx, &triggers[i], ev)
	}
	return nil
}

func (d *TriggerDriver) evaluate(ctx context.Context, trig *statestore.EventTrigger, ev *bus.Event) {
	log := d.logger.WithFields(zap.String("triggerId", trig.ID), zap.String("name", trig.Name))

	filter, err := parseEventFilter(trig.EventFilter)
	if err != nil {
		log.Error("invalid event_filter, skipping", zap.Error(err))
		return
	}
	if !filter.matches(ev.Data) {
		return
	}

	now := time.Now().UTC()
	if trig.LastFired != nil && now.Sub(*trig.LastFired) < time.Duration(trig.CooldownMs)*time.Millisecond {
		return
	}

	cfg, err := ParseAgentConfig(trig.AgentConfig)
	if err != nil {
		log.Error("invalid agent_config, skipping", zap.Error(err))
		return
	}

	_, spawnErr := d.spawn(ctx, cfg)
	if spawnErr != nil {
		log.Warn("spawn failed, starting cooldown without incrementing fire count", zap.Error(spawnErr))
		// A failed spawn still starts a new cooldown window, per
		// spec.md §4.6, to avoid tight retry loops on a broken config.
		if err := d.store.RecordTriggerFire(ctx, trig.ID, now, false); err != nil {
			log.Error("failed to record trigger fire after failed spawn", zap.Error(err))
		}
		return
	}

	if err := d.store.RecordTriggerFire(ctx, trig.ID, now, true); err != nil {
		log.Error("failed to record trigger fire", zap.Error(err))
	}
}
