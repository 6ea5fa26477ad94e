package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/wayfinder/internal/buildinfo"
	"github.com/nugget/wayfinder/internal/config"
	"github.com/nugget/wayfinder/internal/events"
)

const (
	eventBuffer   = 256
	stateInterval = 60 * time.Second
	connectWait   = 30 * time.Second
)

// StatsSource provides the values for the retained state topics.
type StatsSource interface {
	Active() int
}

// Forwarder subscribes to the event bus and publishes each event to the
// broker. Publishing is best effort: events that arrive while the broker
// is unreachable are dropped.
type Forwarder struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	stats      StatsSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Forwarder but does not connect. Call [Forwarder.Start]
// to connect and begin forwarding.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, stats StatsSource, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "wayfinder"
	}
	return &Forwarder{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		stats:      stats,
		logger:     logger,
	}
}

// Start connects to the broker and forwards events until ctx is
// cancelled.
func (f *Forwarder) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(f.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	// Subscribe before connecting so events during the handshake are
	// buffered rather than lost.
	sub := f.bus.Subscribe(eventBuffer)
	defer f.bus.Unsubscribe(sub)

	availTopic := f.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: f.cfg.Username,
		ConnectPassword: []byte(f.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			f.logger.Info("mqtt connected to broker", "broker", f.cfg.Broker)
			f.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			f.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: f.clientID(),
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	f.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, connectWait)
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		f.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	connCancel()

	f.runLoop(ctx, sub)
	return nil
}

// Stop publishes "offline" and disconnects.
func (f *Forwarder) Stop(ctx context.Context) error {
	if f.cm == nil {
		return nil
	}
	f.publishAvailability(ctx, f.cm, "offline")
	return f.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (f *Forwarder) AwaitConnection(ctx context.Context) error {
	if f.cm == nil {
		return fmt.Errorf("mqtt forwarder not started")
	}
	return f.cm.AwaitConnection(ctx)
}

func (f *Forwarder) runLoop(ctx context.Context, sub <-chan events.Event) {
	ticker := time.NewTicker(stateInterval)
	defer ticker.Stop()

	f.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.publishStates(ctx)
		case e, ok := <-sub:
			if !ok {
				return
			}
			f.forward(ctx, e)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		f.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	topic := f.eventTopic(e)
	if _, err := f.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     f.cfg.QoS,
	}); err != nil {
		f.logger.Debug("mqtt event publish failed", "topic", topic, "error", err)
	}
}

func (f *Forwarder) publishStates(ctx context.Context) {
	states := map[string]string{
		"uptime":  buildinfo.Uptime().Truncate(time.Second).String(),
		"version": buildinfo.Version,
	}
	if f.stats != nil {
		states["active_runs"] = strconv.Itoa(f.stats.Active())
	}
	for entity, value := range states {
		if _, err := f.cm.Publish(ctx, &paho.Publish{
			Topic:   f.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			f.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
}

func (f *Forwarder) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   f.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		f.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		f.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Topic helpers ---

func (f *Forwarder) clientID() string {
	id := f.cfg.ClientID
	if id == "" {
		id = "wayfinder"
	}
	// The instance ID keeps the client ID stable across restarts and
	// distinct between hosts.
	suffix := strings.ReplaceAll(f.instanceID, "-", "")
	if len(suffix) > 12 {
		suffix = suffix[len(suffix)-12:]
	}
	if suffix != "" {
		id += "-" + suffix
	}
	return id
}

func (f *Forwarder) availabilityTopic() string {
	return f.cfg.TopicPrefix + "/availability"
}

func (f *Forwarder) stateTopic(entity string) string {
	return f.cfg.TopicPrefix + "/state/" + entity
}

// eventTopic places run events under runs/<run_id> and everything else
// under its source.
func (f *Forwarder) eventTopic(e events.Event) string {
	kind := topicSegment(e.Kind)
	if e.RunID != "" {
		return f.cfg.TopicPrefix + "/runs/" + topicSegment(e.RunID) + "/" + kind
	}
	source := topicSegment(e.Source)
	if source == "_" {
		source = "system"
	}
	return f.cfg.TopicPrefix + "/" + source + "/" + kind
}

// topicSegment makes s safe as a single topic level.
func topicSegment(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', 0:
			return '_'
		}
		return r
	}, s)
}
