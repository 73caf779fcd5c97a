// Package mqtt publishes tracked-device presence to Home Assistant:
// one retained device_tracker entity per device via MQTT discovery,
// state pushed on every confirmed transition and refreshed
// periodically as a safety net against missed messages.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/chaollapark/homelab/internal/config"
	"github.com/chaollapark/homelab/internal/events"
	"github.com/chaollapark/homelab/internal/presence"
)

// StateSource provides the confirmed state of every seeded device,
// keyed by device ID. The monitor implements this.
type StateSource interface {
	States() map[string]presence.State
}

// Publisher manages the MQTT connection, publishes HA discovery
// configs on (re-)connect, and pushes device_tracker states driven by
// bus transition events plus a periodic refresh.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	tracked    []config.DeviceConfig
	source     StateSource
	bus        *events.Bus
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, tracked []config.DeviceConfig, source StateSource, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		tracked:    tracked,
		source:     source,
		bus:        bus,
		logger:     logger,
	}
}

// Start connects to the broker and blocks until ctx is cancelled. On
// every (re-)connect it publishes discovery configs and availability.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "presenced-" + p.cfg.DeviceName,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" availability and disconnects. The context
// bounds how long to wait for the publish and disconnect.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "presenced/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// entitySlug derives a topic-safe entity name from a device ID (MAC or
// IP, which both carry characters MQTT topics and HA object IDs
// dislike).
func entitySlug(deviceID string) string {
	slug := strings.ToLower(deviceID)
	slug = strings.NewReplacer(":", "", ".", "_", "/", "_", " ", "_").Replace(slug)
	return slug
}

// --- Discovery ---

type trackerDef struct {
	entitySuffix string
	deviceID     string
	config       TrackerConfig
}

func (p *Publisher) trackerDefinitions() []trackerDef {
	avail := p.availabilityTopic()
	defs := make([]trackerDef, 0, len(p.tracked))
	for _, d := range p.tracked {
		slug := entitySlug(d.ID)
		defs = append(defs, trackerDef{
			entitySuffix: slug,
			deviceID:     d.ID,
			config: TrackerConfig{
				Name:              d.Name,
				ObjectID:          slug,
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_" + slug,
				StateTopic:        p.stateTopic(slug),
				AvailabilityTopic: avail,
				PayloadHome:       "home",
				PayloadNotHome:    "not_home",
				SourceType:        "router",
				Device:            p.device,
				Icon:              "mdi:cellphone",
			},
		})
	}
	return defs
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, d := range p.trackerDefinitions() {
		topic := p.discoveryTopic("device_tracker", d.entitySuffix)
		payload, err := json.Marshal(d.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", d.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", d.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", d.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- State publishing ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var transitions <-chan events.Event
	if p.bus != nil {
		ch := p.bus.Subscribe(16)
		defer p.bus.Unsubscribe(ch)
		transitions = ch
	}

	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			if ev.Kind != events.KindTransition || ev.Transition == nil {
				continue
			}
			p.publishState(ctx, ev.Transition.DeviceID, ev.Transition.Direction == presence.Arrived)
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// publishStates pushes the full confirmed-state snapshot. Unseeded
// devices have no state yet and publish nothing.
func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil || p.source == nil {
		return
	}

	states := p.source.States()
	for deviceID, state := range states {
		p.publishState(ctx, deviceID, state == presence.Present)
	}
	p.logger.Debug("mqtt tracker states published", "entities", len(states))
}

func (p *Publisher) publishState(ctx context.Context, deviceID string, home bool) {
	if p.cm == nil {
		return
	}

	payload := "not_home"
	if home {
		payload = "home"
	}
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.stateTopic(entitySlug(deviceID)),
		Payload: []byte(payload),
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt state publish failed",
			"device", deviceID, "error", err)
	}
}
