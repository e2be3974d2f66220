package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"tailscale.com/util/eventbus"

	"github.com/kradalby/fhem-gateway/events"
)

// Collector subscribes to eventbus updates and exposes Prometheus metrics.
type Collector struct {
	logger          *slog.Logger
	statusSub       *eventbus.Subscriber[events.ConnectionStatusEvent]
	readingSub      *eventbus.Subscriber[events.ReadingEvent]
	commandSub      *eventbus.Subscriber[events.CommandEvent]
	statusGauge     *prometheus.GaugeVec
	reconnects      *prometheus.CounterVec
	readingCounter  *prometheus.CounterVec
	commandCounter  *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	ctx             context.Context
	cancel          context.CancelFunc
	shutdownOnce    sync.Once
	workers         sync.WaitGroup
}

// NewCollector wires eventbus subscribers into Prometheus metrics.
func NewCollector(ctx context.Context, logger *slog.Logger, bus *events.Bus, reg prometheus.Registerer) (*Collector, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	client, err := bus.Client(events.ClientMetrics)
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics client: %w", err)
	}

	collectorCtx, cancel := context.WithCancel(ctx)
	statusSub := eventbus.Subscribe[events.ConnectionStatusEvent](client)
	readingSub := eventbus.Subscribe[events.ReadingEvent](client)
	commandSub := eventbus.Subscribe[events.CommandEvent](client)

	factory := promauto.With(reg)

	c := &Collector{
		logger:     logger,
		statusSub:  statusSub,
		readingSub: readingSub,
		commandSub: commandSub,
		statusGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fhem_gateway_component_status",
			Help: "Lifecycle state per component (1 when matching status, 0 otherwise)",
		}, []string{"component", "status"}),
		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fhem_gateway_reconnects_total",
			Help: "Reconnect attempts per component",
		}, []string{"component"}),
		readingCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fhem_gateway_readings_total",
			Help: "Readings forwarded to the message bus",
		}, []string{"host", "device_type"}),
		commandCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fhem_gateway_commands_total",
			Help: "Commands taken off the message bus by outcome",
		}, []string{"host", "kind", "outcome"}),
		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fhem_gateway_command_duration_seconds",
			Help:    "Time spent executing commands on the controller",
			Buckets: prometheus.DefBuckets,
		}, []string{"host", "kind"}),
		ctx:    collectorCtx,
		cancel: cancel,
	}

	c.workers.Add(3)
	go c.consumeStatuses()
	go c.consumeReadings()
	go c.consumeCommands()

	logger.Info("metrics collector started")

	return c, nil
}

// Close stops the collector and releases subscribers.
func (c *Collector) Close() {
	c.shutdownOnce.Do(func() {
		c.cancel()
		if c.statusSub != nil {
			c.statusSub.Close()
		}
		if c.readingSub != nil {
			c.readingSub.Close()
		}
		if c.commandSub != nil {
			c.commandSub.Close()
		}
		c.workers.Wait()
		c.logger.Info("metrics collector stopped")
	})
}

func (c *Collector) consumeStatuses() {
	defer c.workers.Done()
	for {
		select {
		case evt := <-c.statusSub.Events():
			c.observeStatus(evt)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Collector) consumeReadings() {
	defer c.workers.Done()
	for {
		select {
		case evt := <-c.readingSub.Events():
			c.observeReading(evt)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Collector) consumeCommands() {
	defer c.workers.Done()
	for {
		select {
		case evt := <-c.commandSub.Events():
			c.observeCommand(evt)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Collector) observeStatus(evt events.ConnectionStatusEvent) {
	for _, status := range []events.ConnectionStatus{
		events.ConnectionStatusDisconnected,
		events.ConnectionStatusConnecting,
		events.ConnectionStatusConnected,
		events.ConnectionStatusReconnecting,
		events.ConnectionStatusFailed,
	} {
		value := 0.0
		if status == evt.Status {
			value = 1.0
		}
		c.statusGauge.WithLabelValues(evt.Component, string(status)).Set(value)
	}

	if evt.Status == events.ConnectionStatusReconnecting {
		c.reconnects.WithLabelValues(evt.Component).Inc()
	}
}

func (c *Collector) observeReading(evt events.ReadingEvent) {
	c.readingCounter.WithLabelValues(orUnknown(evt.Host), orUnknown(evt.DeviceType)).Inc()
}

func (c *Collector) observeCommand(evt events.CommandEvent) {
	host := orUnknown(evt.Host)
	kind := orUnknown(evt.Kind)

	c.commandCounter.WithLabelValues(host, kind, orUnknown(string(evt.Outcome))).Inc()

	// Commands that never reached a controller have no meaningful duration.
	if evt.Duration > 0 {
		c.commandDuration.WithLabelValues(host, kind).Observe(evt.Duration.Seconds())
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
