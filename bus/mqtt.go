package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"tailscale.com/util/eventbus"

	"github.com/kradalby/fhem-gateway/events"
	"github.com/kradalby/fhem-gateway/logging"
)

// MQTTConfig points at an external MQTT broker.
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
}

// MQTT is a Bus on an external broker. Queues become shared subscription
// groups and the session is persistent so the broker holds messages for a
// briefly absent gateway.
type MQTT struct {
	cfg    MQTTConfig
	client paho.Client
	logger *slog.Logger

	status   *events.Bus
	evClient *eventbus.Client

	mu   sync.Mutex
	subs map[string]paho.MessageHandler
}

func NewMQTT(ctx context.Context, cfg MQTTConfig, status *events.Bus, logger *slog.Logger) (*MQTT, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Broker == "" {
		return nil, fmt.Errorf("broker url is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "fhem-gateway-" + uuid.NewString()
	}
	if cfg.QoS == 0 {
		cfg.QoS = 1
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}

	b := &MQTT{
		cfg:    cfg,
		logger: logging.ForComponent(logger, "mqtt").With("broker", cfg.Broker),
		status: status,
		subs:   make(map[string]paho.MessageHandler),
	}

	if status != nil {
		client, err := status.Client(events.ClientBroker)
		if err != nil {
			return nil, fmt.Errorf("mqtt event client: %w", err)
		}
		b.evClient = client
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(true).
		SetKeepAlive(60 * time.Second).
		SetConnectTimeout(cfg.ConnectTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		b.logger.Warn("MQTT connection lost", "error", err)
		b.setStatus(events.ConnectionStatusReconnecting, err)
	})

	b.client = paho.NewClient(opts)

	b.setStatus(events.ConnectionStatusConnecting, nil)
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := wait(ctx, b.client.Connect()); err != nil {
		b.client.Disconnect(0)
		b.setStatus(events.ConnectionStatusFailed, err)
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Broker, err)
	}

	return b, nil
}

// onConnect restores subscriptions after every (re)connect.
func (b *MQTT) onConnect(c paho.Client) {
	b.logger.Info("MQTT connected", "client_id", b.cfg.ClientID)
	b.setStatus(events.ConnectionStatusConnected, nil)

	b.mu.Lock()
	defer b.mu.Unlock()

	for filter, handler := range b.subs {
		token := c.Subscribe(filter, b.cfg.QoS, handler)
		go func() {
			token.Wait()
			if err := token.Error(); err != nil {
				b.logger.Error("resubscribe failed", "filter", filter, "error", err)
			}
		}()
	}
}

func (b *MQTT) Publish(ctx context.Context, msg Message) error {
	if err := wait(ctx, b.client.Publish(ToMQTT(msg.Topic), b.cfg.QoS, false, msg.Payload)); err != nil {
		return fmt.Errorf("publishing %s: %w", msg.Topic, err)
	}

	return nil
}

func (b *MQTT) Subscribe(queue string, patterns []string, handler Handler) error {
	for _, pattern := range patterns {
		filter := ToMQTT(pattern)
		if queue != "" {
			filter = "$share/" + queue + "/" + filter
		}

		cb := func(_ paho.Client, m paho.Message) {
			handler(context.Background(), Message{
				Topic:   FromMQTT(m.Topic()),
				Payload: m.Payload(),
			})
		}

		b.mu.Lock()
		b.subs[filter] = cb
		b.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ConnectTimeout)
		err := wait(ctx, b.client.Subscribe(filter, b.cfg.QoS, cb))
		cancel()
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", filter, err)
		}

		b.logger.Info("queue bound", "queue", queue, "filter", filter)
	}

	return nil
}

func (b *MQTT) Close() error {
	b.client.Disconnect(250)
	b.setStatus(events.ConnectionStatusDisconnected, nil)

	return nil
}

func (b *MQTT) setStatus(status events.ConnectionStatus, err error) {
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
	b.status.PublishConnectionStatus(b.evClient, evt)
}

func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
