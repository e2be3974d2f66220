package bus

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"tailscale.com/util/eventbus"

	"github.com/kradalby/fhem-gateway/events"
	"github.com/kradalby/fhem-gateway/logging"
)

// EmbeddedConfig configures the in-process MQTT broker.
type EmbeddedConfig struct {
	Address       string
	MessageExpiry time.Duration
}

// Embedded runs an MQTT broker inside the gateway and talks to it through
// the broker's inline client. External consumers connect to Address.
type Embedded struct {
	cfg    EmbeddedConfig
	server *mqtt.Server
	logger *slog.Logger

	status *events.Bus
	client *eventbus.Client

	nextID atomic.Int64
	closed atomic.Bool

	mu   sync.Mutex
	subs []inlineSub
}

type inlineSub struct {
	filter string
	id     int
}

func NewEmbedded(cfg EmbeddedConfig, status *events.Bus, logger *slog.Logger) (*Embedded, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("broker address is required")
	}

	logger = logging.ForComponent(logger, "broker")

	caps := mqtt.NewDefaultServerCapabilities()
	if cfg.MessageExpiry > 0 {
		caps.MaximumMessageExpiryInterval = int64(cfg.MessageExpiry / time.Second)
	}

	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
		Capabilities: caps,
	})

	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("adding broker auth hook: %w", err)
	}
	if err := server.AddHook(&brokerHook{logger: logger}, nil); err != nil {
		return nil, fmt.Errorf("adding broker logging hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "tcp",
		Address: cfg.Address,
	})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("adding broker listener on %s: %w", cfg.Address, err)
	}

	b := &Embedded{
		cfg:    cfg,
		server: server,
		logger: logger,
		status: status,
	}

	if status != nil {
		client, err := status.Client(events.ClientBroker)
		if err != nil {
			return nil, fmt.Errorf("broker event client: %w", err)
		}
		b.client = client
	}

	return b, nil
}

// Start begins accepting broker connections.
func (b *Embedded) Start() error {
	b.setStatus(events.ConnectionStatusConnecting, nil)

	go func() {
		b.logger.Info("starting MQTT broker", "addr", b.cfg.Address)
		if err := b.server.Serve(); err != nil {
			b.logger.Error("MQTT broker error", "error", err)
			b.setStatus(events.ConnectionStatusFailed, err)
			return
		}
		b.setStatus(events.ConnectionStatusConnected, nil)
	}()

	return nil
}

func (b *Embedded) Publish(_ context.Context, msg Message) error {
	if b.closed.Load() {
		return ErrClosed
	}

	if err := b.server.Publish(ToMQTT(msg.Topic), msg.Payload, false, 0); err != nil {
		return fmt.Errorf("publishing %s: %w", msg.Topic, err)
	}

	return nil
}

// Subscribe installs inline subscriptions. A single process owns the
// embedded broker, so the queue name only labels the log lines.
func (b *Embedded) Subscribe(queue string, patterns []string, handler Handler) error {
	if b.closed.Load() {
		return ErrClosed
	}

	for _, pattern := range patterns {
		filter := ToMQTT(pattern)
		id := int(b.nextID.Add(1))

		err := b.server.Subscribe(filter, id, func(_ *mqtt.Client, _ packets.Subscription, pk packets.Packet) {
			handler(context.Background(), Message{
				Topic:   FromMQTT(pk.TopicName),
				Payload: pk.Payload,
			})
		})
		if err != nil {
			return fmt.Errorf("subscribing %s to %s: %w", queue, filter, err)
		}

		b.mu.Lock()
		b.subs = append(b.subs, inlineSub{filter: filter, id: id})
		b.mu.Unlock()

		b.logger.Info("queue bound", "queue", queue, "filter", filter)
	}

	return nil
}

func (b *Embedded) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	for _, s := range b.subs {
		_ = b.server.Unsubscribe(s.filter, s.id)
	}
	b.subs = nil
	b.mu.Unlock()

	err := b.server.Close()
	b.setStatus(events.ConnectionStatusDisconnected, nil)

	return err
}

func (b *Embedded) setStatus(status events.ConnectionStatus, err error) {
	if b.status == nil {
		return
	}

	evt := events.ConnectionStatusEvent{
		Timestamp: time.Now(),
		Component: "bus",
		Status:    status,
	}
	if err != nil {
		evt.Error = err.Error()
	}
	b.status.PublishConnectionStatus(b.client, evt)
}

// brokerHook logs client sessions on the embedded broker.
type brokerHook struct {
	mqtt.HookBase
	logger *slog.Logger
}

// ID returns the hook identifier.
func (h *brokerHook) ID() string {
	return "fhem-gateway-broker-hook"
}

// Provides returns the hook methods this hook provides.
func (h *brokerHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnect,
		mqtt.OnDisconnect,
		mqtt.OnPublish,
	}, []byte{b})
}

// OnConnect is called when a client connects.
func (h *brokerHook) OnConnect(cl *mqtt.Client, pk packets.Packet) error {
	h.logger.Info("MQTT client connected", "client_id", cl.ID)
	return nil
}

// OnDisconnect is called when a client disconnects.
func (h *brokerHook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	h.logger.Info("MQTT client disconnected", "client_id", cl.ID, "error", err, "expire", expire)
}

// OnPublish is called when a message is received from a client.
func (h *brokerHook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	h.logger.Debug("MQTT message received",
		"client_id", cl.ID,
		"topic", pk.TopicName,
		"payload_bytes", len(pk.Payload),
	)

	return pk, nil
}
