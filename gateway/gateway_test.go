package gateway

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kradalby/fhem-gateway/fhem"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSource records the listeners attached to it.
type fakeSource struct {
	host      string
	listeners []fhem.Listener
}

func (s *fakeSource) Host() string                { return s.host }
func (s *fakeSource) AddListener(l fhem.Listener) { s.listeners = append(s.listeners, l) }

func (s *fakeSource) emit(ev fhem.Event) {
	ev.Host = s.host
	for _, l := range s.listeners {
		l.OnEvent(ev)
	}
}

// fakeExecutor answers from a reply table and records what it ran.
type fakeExecutor struct {
	host    string
	replies map[string]string
	err     error
	delay   time.Duration
	started chan string

	mu  sync.Mutex
	ran []string
}

func (x *fakeExecutor) Host() string { return x.host }

func (x *fakeExecutor) Execute(ctx context.Context, command string) (string, error) {
	if x.started != nil {
		x.started <- command
	}
	if x.delay > 0 {
		select {
		case <-time.After(x.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	x.mu.Lock()
	x.ran = append(x.ran, command)
	x.mu.Unlock()

	if x.err != nil {
		return "", x.err
	}
	reply, ok := x.replies[command]
	if !ok {
		return "", fhem.ErrNoReply
	}
	return reply, nil
}

func (x *fakeExecutor) commands() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]string(nil), x.ran...)
}
