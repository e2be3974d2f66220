package fhem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tailscale.com/util/eventbus"

	"github.com/kradalby/fhem-gateway/events"
	"github.com/kradalby/fhem-gateway/logging"
)

// EngineConfig identifies one controller event stream.
type EngineConfig struct {
	Host        string
	Port        int
	Password    string
	Backoff     Backoff
	DialTimeout time.Duration
}

// Engine keeps a subscription to a controller's event stream alive and fans
// every parsed reading out to its listeners, in arrival order.
type Engine struct {
	cfg    EngineConfig
	addr   string
	logger *slog.Logger
	dialer net.Dialer

	events *events.Bus
	client *eventbus.Client

	mu        sync.Mutex
	listeners []Listener

	connected  atomic.Bool
	reconnects atomic.Int64
	dispatched atomic.Int64
	lastEvent  atomic.Int64
}

// EngineStats is a point-in-time view of an engine for debug endpoints.
type EngineStats struct {
	Host       string    `json:"host"`
	Address    string    `json:"address"`
	Connected  bool      `json:"connected"`
	Reconnects int64     `json:"reconnects"`
	Dispatched int64     `json:"dispatched"`
	Listeners  int       `json:"listeners"`
	LastEvent  time.Time `json:"last_event"`
}

// NewEngine builds an engine. bus may be nil when no status events are
// wanted.
func NewEngine(cfg EngineConfig, bus *events.Bus, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if err := cfg.Backoff.Validate(); err != nil {
		return nil, fmt.Errorf("invalid backoff for %s: %w", cfg.Host, err)
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	e := &Engine{
		cfg:    cfg,
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		logger: logging.ForHost(logger, "engine", cfg.Host),
		dialer: net.Dialer{Timeout: cfg.DialTimeout},
		events: bus,
	}

	if bus != nil {
		client, err := bus.Client(events.ClientEngine)
		if err != nil {
			return nil, fmt.Errorf("engine event client: %w", err)
		}
		e.client = client
	}

	return e, nil
}

func (e *Engine) Host() string { return e.cfg.Host }

// Component is the name this engine reports its connection status under.
func (e *Engine) Component() string { return "telnet:" + e.cfg.Host }

// AddListener registers l for all subsequent events.
func (e *Engine) AddListener(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.listeners = append(e.listeners, l)
}

// RemoveListener unregisters the first listener equal to l. Listeners of
// non-comparable types, such as ListenerFunc, cannot be removed.
func (e *Engine) RemoveListener(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, existing := range e.listeners {
		if sameListener(existing, l) {
			e.listeners = slices.Delete(e.listeners, i, i+1)
			return
		}
	}
}

func sameListener(a, b Listener) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta == nil || ta != tb || !ta.Comparable() {
		return false
	}

	return a == b
}

func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	listeners := len(e.listeners)
	e.mu.Unlock()

	var last time.Time
	if ns := e.lastEvent.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}

	return EngineStats{
		Host:       e.cfg.Host,
		Address:    e.addr,
		Connected:  e.connected.Load(),
		Reconnects: e.reconnects.Load(),
		Dispatched: e.dispatched.Load(),
		Listeners:  listeners,
		LastEvent:  last,
	}
}

// Run streams events until ctx is cancelled, reconnecting with backoff
// whenever the session fails. It returns nil on cancellation.
//
// A session that ends before it dispatched an event and before Backoff.Max
// elapsed counts as a failed attempt: the next connect waits Delay(n) with n
// growing across such sessions.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("starting event stream", "address", e.addr)

	failures := 0
	for {
		conn, err := e.connect(ctx)
		if err != nil {
			e.setStatus(events.ConnectionStatusDisconnected, nil)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		started := time.Now()
		before := e.dispatched.Load()

		err = e.stream(ctx, conn)
		_ = conn.Close()
		e.connected.Store(false)

		if ctx.Err() != nil {
			e.logger.Info("event stream stopped")
			e.setStatus(events.ConnectionStatusDisconnected, nil)
			return nil
		}

		n := e.reconnects.Add(1)
		e.setStatus(events.ConnectionStatusReconnecting, err)

		if e.dispatched.Load() > before || time.Since(started) >= e.cfg.Backoff.Max {
			failures = 0
			e.logger.Warn("event stream lost, reconnecting",
				"error", err,
				"reconnects", n,
			)
			continue
		}

		delay := e.cfg.Backoff.Delay(failures)
		failures++
		e.logger.Warn("event stream closed before delivering events, backing off",
			"error", err,
			"reconnects", n,
			"retry_in", delay,
		)
		if !sleep(ctx, delay) {
			e.setStatus(events.ConnectionStatusDisconnected, nil)
			return nil
		}
	}
}

// sleep waits d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (e *Engine) connect(ctx context.Context) (net.Conn, error) {
	var conn net.Conn

	err := e.cfg.Backoff.Retry(ctx, func(attempt int) error {
		e.setStatus(events.ConnectionStatusConnecting, nil)

		c, err := e.open(ctx)
		if err != nil {
			e.logger.Warn("connect failed",
				"attempt", attempt+1,
				"retry_in", e.cfg.Backoff.Delay(attempt),
				"error", err,
			)
			e.setStatus(events.ConnectionStatusFailed, err)
			return err
		}

		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.connected.Store(true)
	e.logger.Info("event stream connected", "address", e.addr)
	e.setStatus(events.ConnectionStatusConnected, nil)

	return conn, nil
}

// open dials the controller and enables the event stream.
func (e *Engine) open(ctx context.Context) (net.Conn, error) {
	conn, err := e.dialer.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", e.addr, err)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(e.cfg.DialTimeout))

	var handshake strings.Builder
	if e.cfg.Password != "" {
		handshake.WriteString(e.cfg.Password + "\r\n")
	}
	handshake.WriteString("inform on\r\n")

	if _, err := io.WriteString(conn, handshake.String()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enabling event stream on %s: %w", e.addr, err)
	}

	_ = conn.SetWriteDeadline(time.Time{})

	return conn, nil
}

// stream reads lines until the connection fails or ctx ends. A line cut
// off by the failure is discarded, never dispatched.
func (e *Engine) stream(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if line != "" {
				e.logger.Debug("discarding unterminated line", "line", line)
			}
			if errors.Is(err, io.EOF) {
				return errors.New("controller closed the connection")
			}
			return fmt.Errorf("reading event stream: %w", err)
		}

		e.handleLine(strings.TrimRight(line, "\r\n"))
	}
}

func (e *Engine) handleLine(line string) {
	ev, err := ParseLine(line)
	switch {
	case errors.Is(err, ErrIllegalDevice):
		e.logger.Warn("dropping event with illegal device name",
			"device", ev.Device,
			"line", line,
		)
		return
	case err != nil:
		e.logger.Debug("skipping line", "line", line, "reason", err)
		return
	}

	ev.Host = e.cfg.Host
	ev.ObservedAt = time.Now()
	e.lastEvent.Store(ev.ObservedAt.UnixNano())
	e.dispatched.Add(1)

	e.dispatch(ev)
}

func (e *Engine) dispatch(ev Event) {
	e.mu.Lock()
	snapshot := slices.Clone(e.listeners)
	e.mu.Unlock()

	for _, l := range snapshot {
		e.notify(l, ev)
	}
}

func (e *Engine) notify(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("listener panicked",
				"listener", fmt.Sprintf("%T", l),
				"device", ev.Device,
				"reading", ev.Reading,
				"panic", r,
			)
		}
	}()

	l.OnEvent(ev)
}

func (e *Engine) setStatus(status events.ConnectionStatus, err error) {
	if e.events == nil {
		return
	}

	evt := events.ConnectionStatusEvent{
		Timestamp:  time.Now(),
		Component:  e.Component(),
		Status:     status,
		Reconnects: int(e.reconnects.Load()),
	}
	if err != nil {
		evt.Error = err.Error()
	}

	e.events.PublishConnectionStatus(e.client, evt)
}
