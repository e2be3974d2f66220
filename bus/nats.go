package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"tailscale.com/util/eventbus"

	"github.com/kradalby/fhem-gateway/events"
	"github.com/kradalby/fhem-gateway/logging"
)

// NATSConfig points at a NATS server.
type NATSConfig struct {
	URL           string
	Name          string
	Username      string
	Password      string
	ReconnectWait time.Duration
	DrainTimeout  time.Duration
}

// NATS is a Bus on core NATS. Queue names become queue groups and content
// types travel in the Content-Type header.
type NATS struct {
	conn   *nats.Conn
	logger *slog.Logger

	status   *events.Bus
	evClient *eventbus.Client

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewNATS(cfg NATSConfig, status *events.Bus, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "fhem-gateway-" + uuid.NewString()
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 5 * time.Second
	}

	b := &NATS{
		logger: logging.ForComponent(logger, "nats").With("url", cfg.URL),
		status: status,
	}

	if status != nil {
		client, err := status.Client(events.ClientBroker)
		if err != nil {
			return nil, fmt.Errorf("nats event client: %w", err)
		}
		b.evClient = client
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DrainTimeout(cfg.DrainTimeout),
		nats.DisconnectErrHandler(b.handleDisconnect),
		nats.ReconnectHandler(b.handleReconnect),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	b.setStatus(events.ConnectionStatusConnecting, nil)
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		b.setStatus(events.ConnectionStatusFailed, err)
		return nil, fmt.Errorf("connecting to %s: %w", cfg.URL, err)
	}
	b.conn = conn

	b.logger.Info("NATS connected", "server", conn.ConnectedUrl())
	b.setStatus(events.ConnectionStatusConnected, nil)

	return b, nil
}

func (b *NATS) handleDisconnect(_ *nats.Conn, err error) {
	if err == nil {
		return
	}
	b.logger.Warn("NATS disconnected", "error", err)
	b.setStatus(events.ConnectionStatusReconnecting, err)
}

func (b *NATS) handleReconnect(conn *nats.Conn) {
	b.logger.Info("NATS reconnected", "server", conn.ConnectedUrl())
	b.setStatus(events.ConnectionStatusConnected, nil)
}

func (b *NATS) Publish(_ context.Context, msg Message) error {
	m := nats.NewMsg(msg.Topic)
	m.Data = msg.Payload
	if msg.ContentType != "" {
		m.Header.Set("Content-Type", msg.ContentType)
	}

	if err := b.conn.PublishMsg(m); err != nil {
		return fmt.Errorf("publishing %s: %w", msg.Topic, err)
	}

	return nil
}

func (b *NATS) Subscribe(queue string, patterns []string, handler Handler) error {
	for _, pattern := range patterns {
		subject, err := ToNATS(pattern)
		if err != nil {
			return err
		}

		sub, err := b.conn.QueueSubscribe(subject, queue, func(m *nats.Msg) {
			handler(context.Background(), Message{
				Topic:       m.Subject,
				Payload:     m.Data,
				ContentType: m.Header.Get("Content-Type"),
			})
		})
		if err != nil {
			return fmt.Errorf("subscribing %s to %s: %w", queue, subject, err)
		}

		b.mu.Lock()
		b.subs = append(b.subs, sub)
		b.mu.Unlock()

		b.logger.Info("queue bound", "queue", queue, "subject", subject)
	}

	return nil
}

// Close drains subscriptions so in-flight deliveries finish.
func (b *NATS) Close() error {
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()

	err := b.conn.Drain()
	b.setStatus(events.ConnectionStatusDisconnected, nil)

	return err
}

func (b *NATS) setStatus(status events.ConnectionStatus, err error) {
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
