package gateway

import (
	"fmt"
	"strings"

	"github.com/kradalby/fhem-gateway/bus"
)

// Command is a controller command decoded from a routing key and payload.
type Command struct {
	RoutingKey string
	Host       string
	Kind       string
	Text       string
	ReplyTopic string
}

// Bindings are the patterns the command queue listens on.
func Bindings(prefix string) []string {
	return []string{
		bus.Join(prefix, "*", "set", "#"),
		bus.Join(prefix, "*", "setreading", "#"),
		bus.Join(prefix, "*", "get", "#"),
		bus.Join(prefix, "*", "shutdown", "#"),
		bus.Join(prefix, "*", "update"),
	}
}

// ParseCommand decodes "<prefix>.<host>.<kind>[.<arg>...]":
//
//	fhem.h.update          -> "update [payload]",          reply fhem.h.result.update
//	fhem.lamp1.set.on      -> "set on [payload]",          reply fhem.lamp1.result.set
//	fhem.h.set.lamp1.pct   -> "set pct <payload>",         reply fhem.h.result.set.pct
func ParseCommand(routingKey string, payload []byte) (Command, error) {
	segments := bus.Split(routingKey)
	if len(segments) < 3 {
		return Command{}, fmt.Errorf("routing key %q has fewer than three segments", routingKey)
	}

	prefix, host, kind := segments[0], segments[1], segments[2]
	if host == "" || kind == "" {
		return Command{}, fmt.Errorf("routing key %q has empty host or command", routingKey)
	}
	rest := segments[3:]
	body := strings.TrimSpace(string(payload))

	cmd := Command{
		RoutingKey: routingKey,
		Host:       host,
		Kind:       kind,
		ReplyTopic: bus.Join(prefix, host, "result", kind),
	}

	switch len(rest) {
	case 0:
		cmd.Text = joinWords(kind, body)
	case 1:
		cmd.Text = joinWords(kind, rest[0], body)
	default:
		last := rest[len(rest)-1]
		cmd.Text = joinWords(kind, last, body)
		cmd.ReplyTopic = bus.Join(prefix, host, "result", kind, last)
	}

	return cmd, nil
}

func joinWords(words ...string) string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}

	return strings.Join(out, " ")
}
