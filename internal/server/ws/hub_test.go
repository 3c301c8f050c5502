package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeBus is an in-memory signal bus with one channel per feed name.
type fakeBus struct {
	mu    sync.Mutex
	chans map[string]chan []byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{chans: make(map[string]chan []byte)}
}

func (b *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	ch, ok := b.chans[channel]
	b.mu.Unlock()
	if ok {
		ch <- payload
	}
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 16)
	b.chans[channel] = ch
	return ch, nil
}

func (b *fakeBus) subscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.chans[channel]
	return ok
}

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) statusFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame statusFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame: %v (data %q)", err, data)
	}
	return frame
}

func TestHubSendsEngineStatusOnConnect(t *testing.T) {
	hub := NewHub(newFakeBus(), testLogger, Config{
		Mode:       "Full",
		Strategies: []string{"snipe", "arbitrage"},
		StartedAt:  time.Now().Add(-90 * time.Second),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dialHub(t, hub)
	frame := readFrame(t, conn)

	if frame.Type != "engine_status" {
		t.Fatalf("type = %q", frame.Type)
	}
	if frame.Payload.Mode != "full" {
		t.Errorf("mode = %q", frame.Payload.Mode)
	}
	if len(frame.Payload.Strategies) != 2 {
		t.Errorf("strategies = %v", frame.Payload.Strategies)
	}
	if frame.Payload.UptimeSeconds < 89 {
		t.Errorf("uptime_seconds = %d", frame.Payload.UptimeSeconds)
	}
}

func TestHubDeliversFeedFrames(t *testing.T) {
	bus := newFakeBus()
	hub := NewHub(bus, testLogger, Config{Mode: "full"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for !bus.subscribed("opportunities") {
		if time.Now().After(deadline) {
			t.Fatal("hub never subscribed to opportunities")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn := dialHub(t, hub)
	readFrame(t, conn) // engine_status

	payload := []byte(`{"type":"opportunity","payload":{"kind":"snipe"}}`)
	if err := bus.Publish(ctx, "opportunities", payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if string(data) != string(payload) {
		t.Errorf("frame = %q", data)
	}
}

func TestSessionFeedPatterns(t *testing.T) {
	s := &session{feeds: map[string]struct{}{"executions": {}}}

	if !s.wants("executions") {
		t.Error("exact subscription not matched")
	}
	if s.wants("opportunities") {
		t.Error("matched feed without subscription")
	}

	s.apply(controlFrame{Subscribe: []string{"venue_*"}, Unsubscribe: []string{"executions"}})
	if !s.wants("venue_status") {
		t.Error("trailing-* pattern did not match venue_status")
	}
	if s.wants("executions") {
		t.Error("unsubscribed feed still matched")
	}
}

func TestHubDrainsSessionsOnShutdown(t *testing.T) {
	hub := NewHub(newFakeBus(), testLogger, Config{Mode: "full"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	conn := dialHub(t, hub)
	readFrame(t, conn) // engine_status

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection still open after shutdown")
	}
}
