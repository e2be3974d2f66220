package fhem

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeController accepts event stream sessions on a loopback port.
type fakeController struct {
	ln    net.Listener
	conns chan net.Conn
}

func newFakeController(t *testing.T) *fakeController {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	fc := &fakeController{ln: ln, conns: make(chan net.Conn, 8)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			fc.conns <- c
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })

	return fc
}

func (fc *fakeController) port() int {
	return fc.ln.Addr().(*net.TCPAddr).Port
}

// accept waits for the next session and consumes its handshake.
func (fc *fakeController) accept(t *testing.T, wantPassword string) net.Conn {
	t.Helper()

	var c net.Conn
	select {
	case c = <-fc.conns:
	case <-time.After(5 * time.Second):
		t.Fatal("engine never connected")
	}

	r := bufio.NewReader(c)
	var want []string
	if wantPassword != "" {
		want = append(want, wantPassword+"\r\n")
	}
	want = append(want, "inform on\r\n")
	for _, w := range want {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading handshake: %v", err)
		}
		if line != w {
			t.Fatalf("handshake line = %q, want %q", line, w)
		}
	}

	return c
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Event, 64)}
}

func (r *recorder) OnEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.ch <- e
}

func (r *recorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case e := <-r.ch:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func startEngine(t *testing.T, fc *fakeController, password string, listeners ...Listener) (*Engine, context.CancelFunc, <-chan error) {
	t.Helper()

	engine, err := NewEngine(EngineConfig{
		Host:     "127.0.0.1",
		Port:     fc.port(),
		Password: password,
		Backoff:  Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2},
	}, nil, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	for _, l := range listeners {
		engine.AddListener(l)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()
	t.Cleanup(cancel)

	return engine, cancel, done
}

func TestNewEngineValidation(t *testing.T) {
	if _, err := NewEngine(EngineConfig{Host: "fhem"}, nil, nil); err == nil {
		t.Error("NewEngine without logger should fail")
	}
	if _, err := NewEngine(EngineConfig{}, nil, testLogger()); err == nil {
		t.Error("NewEngine without host should fail")
	}

	e, err := NewEngine(EngineConfig{Host: "fhem"}, nil, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if got, want := e.Stats().Address, "fhem:"+strconv.Itoa(DefaultPort); got != want {
		t.Errorf("Address = %q, want %q", got, want)
	}
}

func TestEngineDispatchesInOrder(t *testing.T) {
	fc := newFakeController(t)
	rec := newRecorder()
	_, _, _ = startEngine(t, fc, "secret", rec)

	c := fc.accept(t, "secret")
	defer c.Close()

	fmt.Fprint(c, "define lamp1 on\r\n")
	fmt.Fprint(c, "<html>banner</html> a b\r\n")
	fmt.Fprint(c, "dummy 3lamp on\r\n")
	fmt.Fprint(c, "CUL_HM thermo temperature: 21.5\r\n")

	first := rec.next(t)
	second := rec.next(t)

	if first.Device != "lamp1" || first.Reading != StateReading || first.Value != "on" {
		t.Errorf("first event = %+v, want lamp1 state on", first)
	}
	if second.Device != "thermo" || second.Reading != "temperature" || second.Value != "21.5" {
		t.Errorf("second event = %+v, want thermo temperature 21.5", second)
	}
	if first.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want 127.0.0.1", first.Host)
	}
	if first.ObservedAt.IsZero() {
		t.Error("ObservedAt not set")
	}
}

func TestEngineReconnectsAndKeepsListeners(t *testing.T) {
	fc := newFakeController(t)
	rec := newRecorder()
	engine, _, _ := startEngine(t, fc, "", rec)

	c1 := fc.accept(t, "")
	fmt.Fprint(c1, "dummy lamp1 on\n")
	rec.next(t)

	// The cut-off line must never be dispatched.
	fmt.Fprint(c1, "dummy lamp2 o")
	_ = c1.Close()

	c2 := fc.accept(t, "")
	defer c2.Close()
	fmt.Fprint(c2, "dummy lamp3 off\n")

	got := rec.next(t)
	if got.Device != "lamp3" {
		t.Errorf("event after reconnect = %+v, want lamp3", got)
	}
	if n := rec.count(); n != 2 {
		t.Errorf("dispatched %d events, want 2", n)
	}
	if r := engine.Stats().Reconnects; r != 1 {
		t.Errorf("Reconnects = %d, want 1", r)
	}
}

func TestEngineRetriesUntilControllerAppears(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	rec := newRecorder()
	engine, err := NewEngine(EngineConfig{
		Host:    "127.0.0.1",
		Port:    port,
		Backoff: Backoff{Base: 10 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2},
	}, nil, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	engine.AddListener(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = engine.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)

	ln, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Skipf("port %d taken by someone else: %v", port, err)
	}
	defer ln.Close()

	c, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer c.Close()

	r := bufio.NewReader(c)
	if line, _ := r.ReadString('\n'); line != "inform on\r\n" {
		t.Fatalf("handshake = %q, want inform on", line)
	}
	fmt.Fprint(c, "dummy lamp1 on\n")

	if got := rec.next(t); got.Device != "lamp1" {
		t.Errorf("event = %+v, want lamp1", got)
	}
}

func TestEngineIsolatesPanickingListener(t *testing.T) {
	fc := newFakeController(t)
	rec := newRecorder()
	panicky := ListenerFunc(func(Event) { panic("boom") })
	_, _, _ = startEngine(t, fc, "", panicky, rec)

	c := fc.accept(t, "")
	defer c.Close()

	fmt.Fprint(c, "dummy lamp1 on\n")
	fmt.Fprint(c, "dummy lamp2 on\n")

	if got := rec.next(t); got.Device != "lamp1" {
		t.Errorf("first = %+v, want lamp1", got)
	}
	if got := rec.next(t); got.Device != "lamp2" {
		t.Errorf("second = %+v, want lamp2", got)
	}
}

func TestEngineRemoveListener(t *testing.T) {
	fc := newFakeController(t)
	removed := newRecorder()
	kept := newRecorder()
	engine, _, _ := startEngine(t, fc, "", removed, kept)

	engine.RemoveListener(removed)
	if n := engine.Stats().Listeners; n != 1 {
		t.Fatalf("Listeners = %d, want 1", n)
	}

	c := fc.accept(t, "")
	defer c.Close()
	fmt.Fprint(c, "dummy lamp1 on\n")

	kept.next(t)
	if n := removed.count(); n != 0 {
		t.Errorf("removed listener got %d events", n)
	}
}

func TestEngineStopsOnCancel(t *testing.T) {
	fc := newFakeController(t)
	_, cancel, done := startEngine(t, fc, "")

	c := fc.accept(t, "")
	defer c.Close()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil on cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestEngineBacksOffWhenSessionsCloseImmediately(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	var sessions atomic.Int64
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			sessions.Add(1)
			_ = c.Close()
		}
	}()

	engine, err := NewEngine(EngineConfig{
		Host:    "127.0.0.1",
		Port:    ln.Addr().(*net.TCPAddr).Port,
		Backoff: Backoff{Base: 100 * time.Millisecond, Max: time.Second, Multiplier: 2},
	}, nil, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := engine.Run(ctx); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}

	// Sessions start at about 0, 100ms and 300ms; the next one is due at 700ms.
	if n := sessions.Load(); n < 2 || n > 4 {
		t.Errorf("opened %d sessions in 500ms, want 2 to 4", n)
	}
}

func TestEngineReconnectsImmediatelyAfterHealthySession(t *testing.T) {
	fc := newFakeController(t)
	rec := newRecorder()

	engine, err := NewEngine(EngineConfig{
		Host:    "127.0.0.1",
		Port:    fc.port(),
		Backoff: Backoff{Base: 10 * time.Second, Max: time.Minute, Multiplier: 2},
	}, nil, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	engine.AddListener(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = engine.Run(ctx) }()

	c1 := fc.accept(t, "")
	fmt.Fprint(c1, "dummy lamp1 on\n")
	rec.next(t)
	_ = c1.Close()

	// accept gives up after 5s, well below the 10s backoff base.
	c2 := fc.accept(t, "")
	defer c2.Close()
}
