// Package ws streams engine events (opportunities, executions, venue
// status) to WebSocket clients by bridging the signal bus onto JSON text
// frames.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/atalantalabs/atalanta/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	// pingInterval must stay under pongTimeout or healthy clients get
	// dropped for missing a pong they were never asked for.
	pingInterval = 50 * time.Second

	maxControlFrame = 1024
	sessionBuffer   = 256
)

// feeds are the signal-bus channels the hub bridges. New sessions start
// subscribed to all of them.
var feeds = []string{
	"opportunities",
	"executions",
	"venue_status",
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin enforcement happens in the CORS middleware ahead of the
	// upgrade, so the upgrader itself accepts everything.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Config carries the runtime metadata reported in the engine_status frame
// sent to every session on connect.
type Config struct {
	Mode       string
	Strategies []string
	StartedAt  time.Time
}

// Hub fans signal-bus events out to connected WebSocket sessions. Sessions
// that cannot keep up have frames dropped rather than stalling the bus.
type Hub struct {
	bus    domain.SignalBus
	logger *slog.Logger

	mode       string
	strategies []string
	startedAt  time.Time

	mu       sync.RWMutex
	sessions map[*session]struct{}
	draining bool
}

// NewHub builds a hub over the given signal bus. Run must be called before
// sessions receive any feed data.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	return &Hub{
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws")),
		mode:       mode,
		strategies: cfg.Strategies,
		startedAt:  startedAt,
		sessions:   make(map[*session]struct{}),
	}
}

// Run subscribes to every feed and blocks until ctx is cancelled, then
// drains all sessions.
func (h *Hub) Run(ctx context.Context) error {
	for _, feed := range feeds {
		go h.pump(ctx, feed)
	}

	<-ctx.Done()

	h.mu.Lock()
	h.draining = true
	for s := range h.sessions {
		close(s.send)
		delete(h.sessions, s)
	}
	h.mu.Unlock()
	return ctx.Err()
}

// pump forwards one feed from the signal bus to subscribed sessions.
func (h *Hub) pump(ctx context.Context, feed string) {
	src, err := h.bus.Subscribe(ctx, feed)
	if err != nil {
		h.logger.Error("feed subscribe failed",
			slog.String("feed", feed),
			slog.String("error", err.Error()),
		)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-src:
			if !ok {
				h.logger.Warn("feed closed", slog.String("feed", feed))
				return
			}
			h.fanOut(feed, data)
		}
	}
}

// fanOut delivers one frame to every session subscribed to the feed. Sends
// never block: a full session buffer means the frame is dropped for that
// session only.
func (h *Hub) fanOut(feed string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		if !s.wants(feed) {
			continue
		}
		select {
		case s.send <- data:
		default:
			h.logger.Warn("dropping frame for slow session",
				slog.String("feed", feed))
		}
	}
}

// HandleWS upgrades the request and attaches a new session to the hub.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	s := &session{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sessionBuffer),
		feeds: make(map[string]struct{}, len(feeds)),
	}
	for _, feed := range feeds {
		s.feeds[feed] = struct{}{}
	}

	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.sessions[s] = struct{}{}
	n := len(h.sessions)
	h.mu.Unlock()

	h.logger.Info("session attached", slog.Int("sessions", n))

	s.queueStatus()
	go s.writePump()
	go s.readPump()
}

// detach removes a session after its read side has terminated.
func (h *Hub) detach(s *session) {
	h.mu.Lock()
	if _, ok := h.sessions[s]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s)
	close(s.send)
	n := len(h.sessions)
	h.mu.Unlock()

	h.logger.Info("session detached", slog.Int("sessions", n))
}

// session is one connected WebSocket client and its feed subscriptions.
type session struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu    sync.RWMutex
	feeds map[string]struct{}
}

// controlFrame is the only inbound message shape the hub accepts:
// {"subscribe":["opportunities"],"unsubscribe":["venue_*"]}
type controlFrame struct {
	Subscribe   []string `json:"subscribe"`
	Unsubscribe []string `json:"unsubscribe"`
}

// statusFrame is pushed once per connection so dashboards can render the
// engine header before any feed data arrives.
type statusFrame struct {
	Type    string        `json:"type"`
	Payload statusPayload `json:"payload"`
}

type statusPayload struct {
	Mode          string   `json:"mode"`
	Strategies    []string `json:"strategies"`
	UptimeSeconds int64    `json:"uptime_seconds"`
}

func (s *session) queueStatus() {
	uptime := int64(time.Since(s.hub.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}
	data, err := json.Marshal(statusFrame{
		Type: "engine_status",
		Payload: statusPayload{
			Mode:          s.hub.mode,
			Strategies:    s.hub.strategies,
			UptimeSeconds: uptime,
		},
	})
	if err != nil {
		return
	}
	select {
	case s.send <- data:
	default:
	}
}

// wants reports whether the session is subscribed to the feed, either
// exactly or through a trailing-* pattern ("venue_*" matches
// "venue_status").
func (s *session) wants(feed string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.feeds[feed]; ok {
		return true
	}
	for pat := range s.feeds {
		if strings.HasSuffix(pat, "*") && strings.HasPrefix(feed, pat[:len(pat)-1]) {
			return true
		}
	}
	return false
}

func (s *session) apply(cf controlFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, feed := range cf.Subscribe {
		s.feeds[feed] = struct{}{}
	}
	for _, feed := range cf.Unsubscribe {
		delete(s.feeds, feed)
	}
}

// readPump consumes control frames until the connection drops, then
// detaches the session.
func (s *session) readPump() {
	defer func() {
		s.hub.detach(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxControlFrame)
	s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Warn("session read error",
					slog.String("error", err.Error()))
			}
			return
		}

		var cf controlFrame
		if err := json.Unmarshal(msg, &cf); err != nil {
			continue
		}
		if len(cf.Subscribe) > 0 || len(cf.Unsubscribe) > 0 {
			s.apply(cf)
		}
	}
}

// writePump writes queued frames as JSON text messages and keeps the
// connection alive with periodic pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
