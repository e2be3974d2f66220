package devices

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"tailscale.com/util/eventbus"

	"github.com/kradalby/fhem-gateway/events"
	"github.com/kradalby/fhem-gateway/temporal"
)

// Manager tracks device readings from the forwarded reading events.
type Manager struct {
	devices    map[key]*Device
	mu         sync.RWMutex
	subscriber *eventbus.Subscriber[events.ReadingEvent]
	logger     *slog.Logger
	now        func() time.Time
}

// NewManager subscribes to the reading events on bus.
func NewManager(bus *events.Bus, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}

	client, err := bus.Client(events.ClientDevices)
	if err != nil {
		return nil, fmt.Errorf("failed to get devices eventbus client: %w", err)
	}

	return &Manager{
		devices:    make(map[key]*Device),
		subscriber: eventbus.Subscribe[events.ReadingEvent](client),
		logger:     logger,
		now:        time.Now,
	}, nil
}

// ProcessReadings merges reading events until ctx is done.
func (dm *Manager) ProcessReadings(ctx context.Context) {
	defer dm.subscriber.Close()

	for {
		select {
		case evt := <-dm.subscriber.Events():
			dm.Observe(evt)
		case <-ctx.Done():
			return
		}
	}
}

// Observe merges a single reading.
func (dm *Manager) Observe(evt events.ReadingEvent) {
	at := evt.Timestamp
	if at.IsZero() {
		at = dm.now()
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()

	k := key{host: evt.Host, device: evt.Device}
	dev, ok := dm.devices[k]
	if !ok {
		dev = &Device{
			Host:     evt.Host,
			Name:     evt.Device,
			Readings: make(map[string]temporal.Value[string]),
		}
		dm.devices[k] = dev

		dm.logger.Debug("discovered device",
			"host", evt.Host,
			"device", evt.Device,
			"type", evt.DeviceType,
		)
	}

	dev.Type = evt.DeviceType
	if evt.Reading == "state" || dev.Topic == "" {
		dev.Topic = strings.TrimSuffix(evt.Topic, "."+evt.Reading)
	}
	dev.Readings[evt.Reading] = temporal.New(evt.Value, at)
	if at.After(dev.LastSeen) {
		dev.LastSeen = at
	}
}

// Snapshot returns a copy of all devices ordered by host and name.
func (dm *Manager) Snapshot() []Device {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	out := make([]Device, 0, len(dm.devices))
	for _, dev := range dm.devices {
		out = append(out, dev.clone())
	}

	slices.SortFunc(out, func(a, b Device) int {
		if c := cmp.Compare(a.Host, b.Host); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})

	return out
}

// Device returns a copy of the named device on host.
func (dm *Manager) Device(host, name string) (Device, bool) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	dev, ok := dm.devices[key{host: host, device: name}]
	if !ok {
		return Device{}, false
	}

	return dev.clone(), true
}

// Len is the number of known devices.
func (dm *Manager) Len() int {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	return len(dm.devices)
}

// Freshness classifies how recently a device reported.
func (dm *Manager) Freshness(d Device) (string, string) {
	return freshness(d.LastSeen, dm.now())
}

func freshness(lastSeen, now time.Time) (string, string) {
	if lastSeen.IsZero() {
		return "silent", "Never seen"
	}

	since := now.Sub(lastSeen)
	switch {
	case since < 15*time.Minute:
		return "fresh", fmt.Sprintf("Last seen: %s ago", since.Round(time.Second))
	case since < time.Hour:
		return "stale", fmt.Sprintf("Last seen: %s ago", since.Round(time.Second))
	default:
		return "silent", fmt.Sprintf("Last seen: %s ago", since.Round(time.Second))
	}
}
