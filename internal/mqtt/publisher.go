package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/sage/internal/config"
	"github.com/nugget/sage/internal/events"
	"github.com/nugget/sage/internal/garden"
)

// Sensor entities.
const (
	entityActivePlants = "active_plants"
	entityOverdue      = "overdue_tasks"
	entityDueToday     = "due_today"
	entityWishlist     = "wishlist_size"
	entitySessions     = "active_sessions"
	entityNextTask     = "next_task"
	entityTurns        = "turns_today"
	entityOperations   = "operations_today"
	entityTokens       = "tokens_today"
)

// Source is the read surface of the plant store. *garden.Store
// satisfies it.
type Source interface {
	ListPlants(ctx context.Context) ([]garden.Plant, error)
	CareSchedule(ctx context.Context) ([]garden.ScheduleEntry, error)
	ListWishlist(ctx context.Context) ([]garden.WishlistEntry, error)
}

// Publisher owns the broker connection, announces sensors on every
// (re-)connect, and pushes their states on a fixed interval.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	source     Source
	sessions   func() int
	activity   *DailyActivity
	bus        *events.Bus
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. sessions reports the
// open conversation count; activity and bus may be nil.
func New(cfg config.MQTTConfig, instanceID string, source Source, sessions func() int, activity *DailyActivity, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if sessions == nil {
		sessions = func() int { return 0 }
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		source:     source,
		sessions:   sessions,
		activity:   activity,
		bus:        bus,
		logger:     logger.With("component", "mqtt"),
	}
}

// Start connects to the broker and publishes states until ctx is
// cancelled. A broker that is down at startup is retried in the
// background.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "sage-" + p.cfg.DeviceName,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

func (p *Publisher) baseTopic() string {
	return "sage/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) attributesTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/attributes"
}

func (p *Publisher) discoveryTopic(entity string) string {
	return p.cfg.DiscoveryPrefix + "/sensor/" + p.cfg.DeviceName + "/" + entity + "/config"
}

type sensorDef struct {
	entity string
	label  string
	icon   string
	unit   string
	// counts are measurements; everything else is a plain string.
	count      bool
	diagnostic bool
	attributes bool
}

var sensorDefs = []sensorDef{
	{entity: entityActivePlants, label: "Active Plants", icon: "mdi:sprout", unit: "plants", count: true},
	{entity: entityOverdue, label: "Overdue Tasks", icon: "mdi:water-alert", unit: "tasks", count: true, attributes: true},
	{entity: entityDueToday, label: "Due Today", icon: "mdi:watering-can", unit: "tasks", count: true},
	{entity: entityWishlist, label: "Wishlist", icon: "mdi:star-outline", unit: "plants", count: true},
	{entity: entityNextTask, label: "Next Task", icon: "mdi:calendar-clock"},
	{entity: entitySessions, label: "Active Conversations", icon: "mdi:chat-processing", count: true, diagnostic: true},
	{entity: entityTurns, label: "Turns Today", icon: "mdi:message-reply-text", count: true, diagnostic: true},
	{entity: entityOperations, label: "Operations Today", icon: "mdi:tools", count: true, diagnostic: true},
	{entity: entityTokens, label: "Tokens Today", icon: "mdi:counter", unit: "tokens", count: true, diagnostic: true},
}

func (p *Publisher) sensorConfig(d sensorDef) SensorConfig {
	c := SensorConfig{
		Name:              p.device.Name + " " + d.label,
		UniqueID:          p.instanceID + "_" + d.entity,
		StateTopic:        p.stateTopic(d.entity),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              d.icon,
		UnitOfMeasurement: d.unit,
	}
	if d.count {
		c.StateClass = "measurement"
	}
	if d.diagnostic {
		c.EntityCategory = "diagnostic"
	}
	if d.attributes {
		c.JsonAttributesTopic = p.attributesTopic(d.entity)
	}
	return c
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, d := range sensorDefs {
		topic := p.discoveryTopic(d.entity)
		payload, err := json.Marshal(p.sensorConfig(d))
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", d.entity, "error", err)
			continue
		}
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", d.entity, "topic", topic, "error", err)
			continue
		}
		p.logger.Debug("mqtt discovery published", "entity", d.entity, "topic", topic)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// collect reads the store and counters into topic/payload pairs.
func (p *Publisher) collect(ctx context.Context) (map[string][]byte, error) {
	plants, err := p.source.ListPlants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list plants: %w", err)
	}
	entries, err := p.source.CareSchedule(ctx)
	if err != nil {
		return nil, fmt.Errorf("care schedule: %w", err)
	}
	wishlist, err := p.source.ListWishlist(ctx)
	if err != nil {
		return nil, fmt.Errorf("list wishlist: %w", err)
	}

	sum := Summarize(plants, entries, wishlist, p.sessions())
	out := make(map[string][]byte)
	for entity, v := range sum.states() {
		out[p.stateTopic(entity)] = []byte(v)
	}

	var turns, ops, tokens int64
	if p.activity != nil {
		turns, ops, tokens = p.activity.Snapshot()
	}
	out[p.stateTopic(entityTurns)] = []byte(strconv.FormatInt(turns, 10))
	out[p.stateTopic(entityOperations)] = []byte(strconv.FormatInt(ops, 10))
	out[p.stateTopic(entityTokens)] = []byte(strconv.FormatInt(tokens, 10))

	attrs, err := json.Marshal(map[string]any{"plants": sum.OverduePlants})
	if err != nil {
		return nil, fmt.Errorf("encode overdue attributes: %w", err)
	}
	out[p.attributesTopic(entityOverdue)] = attrs
	return out, nil
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}
	msgs, err := p.collect(ctx)
	if err != nil {
		p.logger.Warn("mqtt state collection failed", "error", err)
		return
	}

	for topic, payload := range msgs {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "topic", topic, "error", err)
		}
	}

	p.bus.Emit(events.SourceMQTT, events.KindTelemetryPublished, map[string]any{
		"sensors": len(msgs),
	})
	p.logger.Debug("mqtt sensor states published", "topics", len(msgs))
}
