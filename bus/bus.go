// Package bus connects the gateway to a message broker. Routing keys are
// dotted, AMQP style ("fhem.host.set.on"); patterns use "*" for exactly one
// segment and "#" for any number of trailing segments. Each backend maps
// them onto its own topic syntax.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kradalby/fhem-gateway/events"
)

const (
	ContentTypeText = "text/plain"
	ContentTypeJSON = "application/json"
)

var ErrClosed = errors.New("bus closed")

// Message is one publication. Topic is a dotted routing key.
type Message struct {
	Topic       string
	Payload     []byte
	ContentType string
}

// Handler consumes delivered messages.
type Handler func(ctx context.Context, msg Message)

// Bus publishes messages and delivers those matching subscribed patterns.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe binds patterns to the named queue. Consumers sharing a
	// queue name split its messages between them where the backend can.
	Subscribe(queue string, patterns []string, handler Handler) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendEmbedded = "embedded"
	BackendMQTT     = "mqtt"
	BackendNATS     = "nats"
	BackendMemory   = "memory"
)

// Config selects and configures a backend.
type Config struct {
	Backend  string
	QueueTTL time.Duration
	Embedded EmbeddedConfig
	MQTT     MQTTConfig
	NATS     NATSConfig
}

// Open connects the configured backend.
func Open(ctx context.Context, cfg Config, status *events.Bus, logger *slog.Logger) (Bus, error) {
	switch cfg.Backend {
	case BackendEmbedded:
		if cfg.Embedded.MessageExpiry == 0 {
			cfg.Embedded.MessageExpiry = cfg.QueueTTL
		}
		b, err := NewEmbedded(cfg.Embedded, status, logger)
		if err != nil {
			return nil, err
		}
		if err := b.Start(); err != nil {
			return nil, err
		}
		return b, nil
	case BackendMQTT:
		return NewMQTT(ctx, cfg.MQTT, status, logger)
	case BackendNATS:
		return NewNATS(cfg.NATS, status, logger)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Backend)
	}
}

// Join builds a routing key from segments.
func Join(segments ...string) string {
	return strings.Join(segments, ".")
}

// Split breaks a routing key into its segments.
func Split(key string) []string {
	return strings.Split(key, ".")
}

// Segment makes s safe to use as a single routing key segment.
func Segment(s string) string {
	return strings.ReplaceAll(s, ".", "-")
}

// Match reports whether key matches pattern.
func Match(pattern, key string) bool {
	return match(Split(pattern), Split(key))
}

func match(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}

	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if match(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && match(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && match(pattern[1:], key[1:])
	}
}

// ToMQTT converts a routing key or pattern into an MQTT topic or filter.
func ToMQTT(key string) string {
	segments := Split(key)
	for i, s := range segments {
		if s == "*" {
			segments[i] = "+"
		}
	}

	return strings.Join(segments, "/")
}

// FromMQTT converts an MQTT topic back into a routing key.
func FromMQTT(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// ToNATS converts a pattern into a NATS subject. "#" is only supported as
// the final segment.
func ToNATS(pattern string) (string, error) {
	segments := Split(pattern)
	for i, s := range segments {
		if s != "#" {
			continue
		}
		if i != len(segments)-1 {
			return "", fmt.Errorf("pattern %q: # must be the last segment", pattern)
		}
		segments[i] = ">"
	}

	return strings.Join(segments, "."), nil
}
