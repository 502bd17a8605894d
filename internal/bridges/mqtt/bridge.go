package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/doubleukay/panasonic-wifan-ha/internal/fan"
	"github.com/doubleukay/panasonic-wifan-ha/internal/infrastructure/config"
	"github.com/doubleukay/panasonic-wifan-ha/internal/infrastructure/logging"
	mqttinfra "github.com/doubleukay/panasonic-wifan-ha/internal/infrastructure/mqtt"
)

// Bridge operation constants.
const (
	// commandTimeout bounds a single inbound set command. The dispatcher
	// returns once the optimistic update lands, so this only trips when
	// the engine is wedged.
	commandTimeout = 5 * time.Second

	// eventBuffer is the registry subscription depth. The registry drops
	// events for subscribers that fall behind; retained topics converge
	// on the next event, so a shallow buffer is acceptable.
	eventBuffer = 32
)

// Availability payloads, matching Home Assistant's default
// payload_available / payload_not_available.
const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

// Broker is the slice of the MQTT client the bridge uses.
// *mqtt.Client from internal/infrastructure/mqtt satisfies it.
type Broker interface {
	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler mqttinfra.MessageHandler) error

	// Unsubscribe removes a subscription.
	Unsubscribe(topic string) error

	// PublishRetained publishes with the retained flag at the configured QoS.
	PublishRetained(topic string, payload []byte) error
}

// Commander accepts validated fan control patches.
// *engine.Dispatcher satisfies it.
type Commander interface {
	ApplyPatch(ctx context.Context, deviceID string, patch fan.Patch) error
}

// FanSource provides fan snapshots and change notifications.
// *fan.Registry satisfies it.
type FanSource interface {
	List() []fan.Snapshot
	Subscribe(buffer int) (<-chan fan.Event, func())
}

// Bridge mirrors the fan registry onto MQTT and feeds inbound set
// commands to the dispatcher.
//
// Outbound, every registry event becomes a retained publish: state
// changes to {base}/fan/{id}/state, health transitions to
// {base}/fan/{id}/availability, removals clear both. Inbound, JSON
// patches on {base}/fan/{id}/set are validated and dispatched. The
// broker's retained messages therefore always hold the bridge's latest
// view, and subscribers joining late see it immediately.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg       config.MQTTConfig
	broker    Broker
	commander Commander
	fans      FanSource
	topics    mqttinfra.Topics

	// cancelFeed tears down the registry subscription, closing the
	// event channel the loop drains.
	cancelFeed func()

	// Shutdown coordination
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger *logging.Logger
}

// Options holds configuration for creating a bridge.
type Options struct {
	// Config is the MQTT section of the daemon config.
	Config config.MQTTConfig

	// Broker is the connected MQTT client.
	Broker Broker

	// Commander receives validated set commands, normally the dispatcher.
	Commander Commander

	// Fans is the fan registry.
	Fans FanSource

	// Logger is optional; the process default is used when nil.
	Logger *logging.Logger
}

// New creates a bridge. Call Start to begin operation.
func New(opts Options) (*Bridge, error) {
	if opts.Broker == nil {
		return nil, fmt.Errorf("mqtt bridge: broker is required")
	}
	if opts.Commander == nil {
		return nil, fmt.Errorf("mqtt bridge: commander is required")
	}
	if opts.Fans == nil {
		return nil, fmt.Errorf("mqtt bridge: fan source is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	// Bridge-level context so in-flight commands abort on Stop.
	ctx, cancel := context.WithCancel(context.Background())

	return &Bridge{
		cfg:       opts.Config,
		broker:    opts.Broker,
		commander: opts.Commander,
		fans:      opts.Fans,
		topics:    mqttinfra.Topics{Base: opts.Config.BaseTopic},
		done:      make(chan struct{}),
		ctx:       ctx,
		ctxCancel: cancel,
		logger:    logger,
	}, nil
}

// Start subscribes to command topics, publishes a retained snapshot of
// every known fan, and begins mirroring registry events.
//
// The registry subscription is taken before the snapshot so a change
// racing Start is never lost; at worst it is published twice, and
// retained topics make the second write authoritative.
func (b *Bridge) Start() error {
	events, cancel := b.fans.Subscribe(eventBuffer)
	b.cancelFeed = cancel

	setTopic := b.topics.AllFanSets()
	// #nosec G115 -- QoS validated to 0..2 by config.Validate
	if err := b.broker.Subscribe(setTopic, byte(b.cfg.QoS), b.handleSet); err != nil {
		cancel()
		return fmt.Errorf("subscribe to set commands: %w", err)
	}

	snaps := b.fans.List()
	for _, snap := range snaps {
		b.publishSnapshot(snap)
	}

	b.wg.Add(1)
	go b.eventLoop(events)

	b.logger.Info("mqtt bridge started",
		"set_topic", setTopic,
		"fans", len(snaps))
	return nil
}

// Stop gracefully shuts down the bridge. In-flight commands are
// cancelled and the command subscription removed, so the handler never
// fires after Stop returns. Retained fan topics are left in place; the
// broker keeps serving the last known state while the bridge is down.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.ctxCancel()

		if err := b.broker.Unsubscribe(b.topics.AllFanSets()); err != nil {
			b.logger.Warn("mqtt bridge unsubscribe failed", "error", err)
		}
		if b.cancelFeed != nil {
			b.cancelFeed()
		}

		b.wg.Wait()
		b.logger.Info("mqtt bridge stopped")
	})
}

// eventLoop mirrors registry events onto MQTT until Stop.
func (b *Bridge) eventLoop(events <-chan fan.Event) {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.handleEvent(ev)
		}
	}
}

// handleEvent publishes the MQTT reflection of one registry event.
func (b *Bridge) handleEvent(ev fan.Event) {
	switch ev.Kind {
	case fan.EventDiscovered:
		b.publishSnapshot(ev.Snapshot)
	case fan.EventStateChanged:
		b.publishState(ev.DeviceID, ev.Snapshot.State)
	case fan.EventHealthChanged:
		b.publishAvailability(ev.DeviceID, ev.Snapshot.Health)
	case fan.EventRemoved:
		b.clearRetained(ev.DeviceID)
	}
}

// handleSet processes one inbound command. Errors are returned to the
// MQTT client's handler wrapper, which logs them with the topic.
func (b *Bridge) handleSet(topic string, payload []byte) error {
	deviceID, ok := b.topics.FanIDFromSetTopic(topic)
	if !ok {
		return fmt.Errorf("not a set topic: %s", topic)
	}

	var patch fan.Patch
	if err := json.Unmarshal(payload, &patch); err != nil {
		return fmt.Errorf("parse set payload for %s: %w", deviceID, err)
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	if err := b.commander.ApplyPatch(ctx, deviceID, patch); err != nil {
		return fmt.Errorf("apply set command for %s: %w", deviceID, err)
	}

	b.logger.Info("mqtt set command dispatched",
		"device_id", deviceID,
		"fields", patch.Fields())
	return nil
}

// publishSnapshot publishes both retained topics for one fan.
func (b *Bridge) publishSnapshot(snap fan.Snapshot) {
	b.publishState(snap.Descriptor.DeviceID, snap.State)
	b.publishAvailability(snap.Descriptor.DeviceID, snap.Health)
}

// publishState publishes the retained state document for a fan.
// The payload is the registry's state JSON, revision included, so MQTT
// consumers and REST clients read the same schema.
func (b *Bridge) publishState(deviceID string, state fan.State) {
	payload, err := json.Marshal(state)
	if err != nil {
		b.logger.Error("fan state marshal failed", "device_id", deviceID, "error", err)
		return
	}
	if err := b.broker.PublishRetained(b.topics.FanState(deviceID), payload); err != nil {
		b.logger.Warn("fan state publish failed", "device_id", deviceID, "error", err)
	}
}

// publishAvailability publishes the retained availability flag for a fan.
func (b *Bridge) publishAvailability(deviceID string, health fan.Health) {
	if err := b.broker.PublishRetained(b.topics.FanAvailability(deviceID), availabilityPayload(health)); err != nil {
		b.logger.Warn("fan availability publish failed", "device_id", deviceID, "error", err)
	}
}

// clearRetained deletes both retained topics for a removed fan by
// publishing empty retained payloads.
func (b *Bridge) clearRetained(deviceID string) {
	for _, topic := range []string{
		b.topics.FanState(deviceID),
		b.topics.FanAvailability(deviceID),
	} {
		if err := b.broker.PublishRetained(topic, nil); err != nil {
			b.logger.Warn("retained topic clear failed", "topic", topic, "error", err)
		}
	}
}

// availabilityPayload maps registry health onto the availability flag.
// Degraded counts as online: the device is reachable, only the last
// write is unconfirmed, and flapping to unavailable on every cloud
// hiccup would make Home Assistant dashboards useless.
func availabilityPayload(health fan.Health) []byte {
	switch health {
	case fan.HealthOnline, fan.HealthDegraded:
		return []byte(payloadOnline)
	default:
		return []byte(payloadOffline)
	}
}
