package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tailscale.com/util/eventbus"
)

// ClientName represents named clients used on the shared event bus.
type ClientName string

const (
	ClientEngine    ClientName = "engine"
	ClientRouter    ClientName = "router"
	ClientPublisher ClientName = "publisher"
	ClientBroker    ClientName = "broker"
	ClientWeb       ClientName = "web"
	ClientDevices   ClientName = "devices"
	ClientMetrics   ClientName = "metrics"
)

// Bus wraps tailscale's eventbus and provides helpers for publishing
// gateway status.
type Bus struct {
	bus     *eventbus.Bus
	clients map[ClientName]*eventbus.Client
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	lastStatus map[string]ConnectionStatusEvent
	statusMu   sync.Mutex
	readingMu  sync.Mutex
	commandMu  sync.Mutex
	mu         sync.RWMutex
}

// New constructs a new bus with the known clients registered.
func New(logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &Bus{
		bus:        eventbus.New(),
		clients:    make(map[ClientName]*eventbus.Client),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		lastStatus: make(map[string]ConnectionStatusEvent),
	}

	for _, name := range []ClientName{
		ClientEngine,
		ClientRouter,
		ClientPublisher,
		ClientBroker,
		ClientWeb,
		ClientDevices,
		ClientMetrics,
	} {
		b.clients[name] = b.bus.Client(string(name))
	}

	logger.Info("eventbus initialized",
		slog.Int("client_count", len(b.clients)),
	)

	return b, nil
}

// Client returns the named eventbus client.
func (b *Bus) Client(name ClientName) (*eventbus.Client, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	client, ok := b.clients[name]
	if !ok {
		return nil, fmt.Errorf("client %q not found", name)
	}

	return client, nil
}

// PublishConnectionStatus emits lifecycle updates for a component. Repeats of
// the last status of the same component are dropped.
func (b *Bus) PublishConnectionStatus(client *eventbus.Client, event ConnectionStatusEvent) {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()

	last, ok := b.lastStatus[event.Component]
	if ok && event.Equals(last) {
		b.logger.Debug("skipping duplicate connection status",
			slog.String("component", event.Component),
			slog.String("status", string(event.Status)),
		)
		return
	}

	b.logger.Debug("publishing connection status",
		slog.String("component", event.Component),
		slog.String("status", string(event.Status)),
	)

	publisher := eventbus.Publish[ConnectionStatusEvent](client)
	defer publisher.Close()
	publisher.Publish(event)

	b.lastStatus[event.Component] = event
}

// LastStatus returns the most recent status published for every component.
func (b *Bus) LastStatus() map[string]ConnectionStatusEvent {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()

	out := make(map[string]ConnectionStatusEvent, len(b.lastStatus))
	for k, v := range b.lastStatus {
		out[k] = v
	}

	return out
}

// PublishReading emits a forwarded reading for metrics and the status page.
func (b *Bus) PublishReading(client *eventbus.Client, event ReadingEvent) {
	b.readingMu.Lock()
	defer b.readingMu.Unlock()

	publisher := eventbus.Publish[ReadingEvent](client)
	defer publisher.Close()
	publisher.Publish(event)
}

// PublishCommand emits a command event for metrics/debug consumers.
func (b *Bus) PublishCommand(client *eventbus.Client, event CommandEvent) {
	b.logger.Debug("publishing command event",
		slog.String("host", event.Host),
		slog.String("kind", event.Kind),
		slog.String("outcome", string(event.Outcome)),
	)

	b.commandMu.Lock()
	defer b.commandMu.Unlock()

	publisher := eventbus.Publish[CommandEvent](client)
	defer publisher.Close()
	publisher.Publish(event)
}

// Close shuts down the event bus and releases clients.
func (b *Bus) Close() error {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for name, client := range b.clients {
		client.Close()
		delete(b.clients, name)
	}

	b.logger.Info("eventbus shut down")
	return nil
}
