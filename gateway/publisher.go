package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tailscale.com/util/eventbus"

	"github.com/kradalby/fhem-gateway/bus"
	"github.com/kradalby/fhem-gateway/events"
	"github.com/kradalby/fhem-gateway/fhem"
	"github.com/kradalby/fhem-gateway/logging"
)

// PublisherConfig names the topic roots readings are published under.
type PublisherConfig struct {
	Prefix          string
	TimestampPrefix string
	PublishTimeout  time.Duration
}

// Publisher forwards every reading twice: the raw value under
// <hostPrefix>.<type>.<device>[.<reading>] and a timestamped JSON envelope
// under <timestampPrefix>.<same path>. The "state" reading is folded into
// the device topic.
type Publisher struct {
	bus    bus.Bus
	cfg    PublisherConfig
	logger *slog.Logger

	status *events.Bus
	client *eventbus.Client

	mu       sync.RWMutex
	prefixes map[string]string
}

// NewPublisher registers itself on every source with the default host
// prefix <prefix>.<host>.
func NewPublisher(b bus.Bus, sources []fhem.Source, cfg PublisherConfig, status *events.Bus, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if b == nil {
		return nil, fmt.Errorf("bus is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "fhem"
	}
	if cfg.TimestampPrefix == "" {
		cfg.TimestampPrefix = "timestamped"
	}
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = 5 * time.Second
	}

	p := &Publisher{
		bus:      b,
		cfg:      cfg,
		logger:   logging.ForComponent(logger, "publisher"),
		status:   status,
		prefixes: make(map[string]string),
	}

	if status != nil {
		client, err := status.Client(events.ClientPublisher)
		if err != nil {
			return nil, fmt.Errorf("publisher event client: %w", err)
		}
		p.client = client
	}

	for _, src := range sources {
		p.Register(src, DefaultHostPrefix(cfg.Prefix, src.Host()))
	}

	return p, nil
}

// DefaultHostPrefix is <prefix>.<host> with the host's dots turned into
// dashes.
func DefaultHostPrefix(prefix, host string) string {
	return bus.Join(prefix, bus.Segment(host))
}

// Register attaches the publisher to src, publishing its readings under
// hostPrefix.
func (p *Publisher) Register(src fhem.Source, hostPrefix string) {
	p.mu.Lock()
	p.prefixes[src.Host()] = hostPrefix
	p.mu.Unlock()

	src.AddListener(p)

	p.logger.Info("forwarding readings", "host", src.Host(), "topic_prefix", hostPrefix)
}

func (p *Publisher) hostPrefix(host string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	prefix, ok := p.prefixes[host]
	return prefix, ok
}

// Topic is the raw topic of ev.
func (p *Publisher) Topic(ev fhem.Event) (string, bool) {
	prefix, ok := p.hostPrefix(ev.Host)
	if !ok {
		return "", false
	}

	topic := bus.Join(prefix, ev.DeviceType, ev.Device)
	if ev.Reading != fhem.StateReading {
		topic = bus.Join(topic, ev.Reading)
	}

	return topic, true
}

// OnEvent implements fhem.Listener.
func (p *Publisher) OnEvent(ev fhem.Event) {
	topic, ok := p.Topic(ev)
	if !ok {
		p.logger.Warn("reading from unregistered host", "host", ev.Host, "device", ev.Device)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeout)
	defer cancel()

	if err := p.bus.Publish(ctx, bus.Message{
		Topic:       topic,
		Payload:     []byte(ev.Value),
		ContentType: bus.ContentTypeText,
	}); err != nil {
		p.logger.Warn("publishing reading failed", "topic", topic, "error", err)
	}

	envelope, err := json.Marshal(ev.Temporal())
	if err != nil {
		p.logger.Error("encoding timestamped reading failed", "topic", topic, "error", err)
	} else {
		stamped := bus.Join(p.cfg.TimestampPrefix, topic)
		if err := p.bus.Publish(ctx, bus.Message{
			Topic:       stamped,
			Payload:     envelope,
			ContentType: bus.ContentTypeJSON,
		}); err != nil {
			p.logger.Warn("publishing timestamped reading failed", "topic", stamped, "error", err)
		}
	}

	if p.status != nil {
		p.status.PublishReading(p.client, events.ReadingEvent{
			Timestamp:  ev.ObservedAt,
			Host:       ev.Host,
			DeviceType: ev.DeviceType,
			Device:     ev.Device,
			Reading:    ev.Reading,
			Value:      ev.Value,
			Topic:      topic,
		})
	}
}
