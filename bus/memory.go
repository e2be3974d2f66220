package bus

import (
	"context"
	"sync"
)

// Memory is an in-process Bus with AMQP topic matching. Deliveries happen
// synchronously inside Publish. It backs dry runs and tests.
type Memory struct {
	mu        sync.Mutex
	subs      []memorySub
	published []Message
	closed    bool
}

type memorySub struct {
	queue   string
	pattern string
	handler Handler
}

// memoryHistory bounds the messages kept for Published.
const memoryHistory = 256

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Publish(ctx context.Context, msg Message) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if len(m.published) == memoryHistory {
		m.published = append(m.published[:0], m.published[1:]...)
	}
	m.published = append(m.published, msg)

	var targets []Handler
	delivered := make(map[string]bool)
	for _, s := range m.subs {
		if delivered[s.queue] || !Match(s.pattern, msg.Topic) {
			continue
		}
		delivered[s.queue] = true
		targets = append(targets, s.handler)
	}
	m.mu.Unlock()

	for _, h := range targets {
		h(ctx, msg)
	}

	return nil
}

// Subscribe binds patterns to queue. A message matching several patterns of
// one queue is delivered to that queue once.
func (m *Memory) Subscribe(queue string, patterns []string, handler Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	for _, p := range patterns {
		m.subs = append(m.subs, memorySub{queue: queue, pattern: p, handler: handler})
	}

	return nil
}

// Published returns the most recent messages, at most memoryHistory of
// them, oldest first.
func (m *Memory) Published() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Message(nil), m.published...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.subs = nil

	return nil
}
