// Package fhem speaks the controller's line protocols: the long-lived
// "inform on" event stream and the short-lived command session.
package fhem

import (
	"context"
	"errors"
	"time"

	"github.com/kradalby/fhem-gateway/temporal"
)

// DefaultPort is the controller's telnet port.
const DefaultPort = 7072

// StateReading is the implicit reading of a bare "<type> <device> <value>"
// line.
const StateReading = "state"

// ErrNoReply is returned when the controller closes a command session
// without printing anything.
var ErrNoReply = errors.New("controller sent no reply")

// Event is one normalized reading taken off a controller's event stream.
type Event struct {
	Host       string
	DeviceType string
	Device     string
	Reading    string
	Value      string
	ObservedAt time.Time
}

// Temporal wraps the raw value with the time it was observed.
func (e Event) Temporal() temporal.Value[string] {
	return temporal.New(e.Value, e.ObservedAt)
}

// Listener receives every event of the hosts it is registered on. It may be
// called concurrently by engines of different hosts.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a plain function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) OnEvent(e Event) { f(e) }

// Executor sends a single command to a controller and returns its reply.
type Executor interface {
	Host() string
	Execute(ctx context.Context, command string) (string, error)
}

// Source is anything listeners can be attached to, usually an *Engine.
type Source interface {
	Host() string
	AddListener(Listener)
}

// ExecutorsByHost indexes executors by their Host. Later entries win.
func ExecutorsByHost(executors ...Executor) map[string]Executor {
	out := make(map[string]Executor, len(executors))
	for _, e := range executors {
		out[e.Host()] = e
	}

	return out
}
