package bus

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func freeAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	return addr
}

func startBroker(t *testing.T, addr string) *Embedded {
	t.Helper()

	b, err := NewEmbedded(EmbeddedConfig{Address: addr}, nil, testLogger())
	if err != nil {
		t.Fatalf("NewEmbedded: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	return b
}

func connectMQTT(t *testing.T, addr, clientID string) *MQTT {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := NewMQTT(ctx, MQTTConfig{
		Broker:         "tcp://" + addr,
		ClientID:       clientID,
		ConnectTimeout: 5 * time.Second,
	}, nil, testLogger())
	if err != nil {
		t.Fatalf("NewMQTT: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	return b
}

func TestNewMQTTValidation(t *testing.T) {
	if _, err := NewMQTT(context.Background(), MQTTConfig{Broker: "tcp://127.0.0.1:1"}, nil, nil); err == nil {
		t.Error("NewMQTT without logger should fail")
	}
	if _, err := NewMQTT(context.Background(), MQTTConfig{}, nil, testLogger()); err == nil {
		t.Error("NewMQTT without broker should fail")
	}
}

func TestMQTTSharedQueueSplitsMessages(t *testing.T) {
	addr := freeAddr(t)
	broker := startBroker(t, addr)

	var (
		mu     sync.Mutex
		topics []string
		total  atomic.Int64
	)
	handler := func(_ context.Context, msg Message) {
		mu.Lock()
		topics = append(topics, msg.Topic)
		mu.Unlock()
		total.Add(1)
	}

	for _, id := range []string{"gw-a", "gw-b"} {
		c := connectMQTT(t, addr, id)
		if err := c.Subscribe("fhem-commandqueue", []string{"fhem.*.set.#"}, handler); err != nil {
			t.Fatalf("Subscribe(%s): %v", id, err)
		}
	}

	const n = 10
	for i := range n {
		topic := fmt.Sprintf("fhem.lamp%d.set.on", i)
		if err := broker.Publish(context.Background(), Message{Topic: topic, Payload: []byte("x")}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for total.Load() < n && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)

	if got := total.Load(); got != n {
		t.Fatalf("deliveries = %d, want %d (one per message across the group)", got, n)
	}

	mu.Lock()
	defer mu.Unlock()
	seen := make(map[string]bool)
	for _, topic := range topics {
		seen[topic] = true
	}
	if !seen["fhem.lamp0.set.on"] {
		t.Errorf("topics = %v, want dotted routing keys", topics)
	}
}

func TestMQTTPublishReachesBroker(t *testing.T) {
	addr := freeAddr(t)
	broker := startBroker(t, addr)

	received := make(chan Message, 1)
	if err := broker.Subscribe("", []string{"fhem.#"}, func(_ context.Context, msg Message) {
		received <- msg
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	c := connectMQTT(t, addr, "gw-pub")
	if err := c.Publish(context.Background(), Message{Topic: "fhem.h.thermo", Payload: []byte("21")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Topic != "fhem.h.thermo" || string(msg.Payload) != "21" {
			t.Errorf("received %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message never reached the broker")
	}
}

func TestMQTTResubscribesAfterBrokerRestart(t *testing.T) {
	addr := freeAddr(t)
	first := startBroker(t, addr)

	received := make(chan Message, 16)
	c := connectMQTT(t, addr, "gw-restart")
	if err := c.Subscribe("fhem-commandqueue", []string{"fhem.*.update"}, func(_ context.Context, msg Message) {
		received <- msg
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	_ = first.Close()

	// The new broker knows nothing about the old session.
	second, err := NewEmbedded(EmbeddedConfig{Address: addr}, nil, testLogger())
	if err != nil {
		t.Skipf("rebinding %s: %v", addr, err)
	}
	if err := second.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })

	deadline := time.After(15 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case msg := <-received:
			if msg.Topic != "fhem.h.update" {
				t.Errorf("received %+v", msg)
			}
			return
		case <-tick.C:
			_ = second.Publish(context.Background(), Message{Topic: "fhem.h.update"})
		case <-deadline:
			t.Fatal("subscription not restored after reconnect")
		}
	}
}
