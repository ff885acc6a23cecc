package live

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sidegig/backend/internal/domain"
)

const (
	pongWait   = 60 * time.Second // time allowed to read the next pong
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second // time allowed to write a frame
	maxMsgSize = 1024             // subscribers are watch-only
	sendBuffer = 256              // per-subscriber outbound buffer
)

// liveChannel is the Redis pub/sub channel carrying frames across API
// instances.
const liveChannel = "live:progress"

// Bus fans frames out to every API instance. infra.Redis satisfies it; a nil
// bus keeps the hub single-instance.
type Bus interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error)
}

// Frame is the wire shape pushed to subscribers.
type Frame struct {
	Type     string               `json:"type"`
	TaskID   string               `json:"task_id"`
	Progress domain.ProgressState `json:"progress"`
	At       time.Time            `json:"at"`
}

// Hub keys subscribers by task and pushes progress frames to them. It
// implements task.ProgressPublisher. All writes to a connection go through
// that subscriber's writePump, so there are no concurrent write races.
type Hub struct {
	mu          sync.RWMutex
	subs        map[string]map[*subscriber]struct{}
	bus         Bus
	unsubscribe func()
	upgrader    websocket.Upgrader
	metrics     *Metrics
	logger      *log.Logger
}

type subscriber struct {
	hub    *Hub
	taskID string
	userID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

// NewHub builds the hub and, when a bus is given, joins the cross-instance
// channel. A failed subscribe degrades to single-instance delivery rather
// than failing startup.
func NewHub(bus Bus) *Hub {
	h := &Hub{
		subs:    make(map[string]map[*subscriber]struct{}),
		bus:     bus,
		metrics: NewMetrics(),
		logger:  log.New(os.Stdout, "[LiveHub] ", log.LstdFlags),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     buildCheckOrigin(h.logger),
	}
	if bus != nil {
		unsub, err := bus.Subscribe(context.Background(), liveChannel, h.deliver)
		if err != nil {
			h.logger.Printf("⚠️ bus subscribe failed, running single-instance: %v", err)
			h.bus = nil
		} else {
			h.unsubscribe = unsub
		}
	}
	return h
}

// buildCheckOrigin validates the Origin header against ALLOWED_ORIGINS in
// production; anywhere else all origins pass.
func buildCheckOrigin(logger *log.Logger) func(r *http.Request) bool {
	env := os.Getenv("APP_ENV")
	allowedRaw := os.Getenv("ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		logger.Printf("origin allowlist active (%d origins)", len(allowed))
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			logger.Printf("⚠️ rejected origin %q", origin)
			return false
		}
	}
	if env == "production" {
		logger.Printf("⚠️ ALLOWED_ORIGINS not set in production, allowing all origins")
	}
	return func(r *http.Request) bool { return true }
}

// PublishProgress implements task.ProgressPublisher. With a bus, the frame
// goes through Redis and comes back to every instance (this one included)
// via deliver; without one, it is delivered locally.
func (h *Hub) PublishProgress(ctx context.Context, taskID string, p domain.ProgressState) {
	raw, err := json.Marshal(Frame{Type: "progress", TaskID: taskID, Progress: p, At: time.Now().UTC()})
	if err != nil {
		return
	}
	h.metrics.Frames.Inc()
	if h.bus != nil {
		if err := h.bus.Publish(ctx, liveChannel, raw); err == nil {
			return
		}
		h.logger.Printf("⚠️ bus publish failed, delivering locally: task=%s", taskID)
	}
	h.deliver(raw)
}

// deliver pushes one frame to every local subscriber of its task. Slow
// subscribers lose the frame instead of blocking the hub.
func (h *Hub) deliver(raw []byte) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[f.TaskID] {
		select {
		case sub.send <- raw:
		default:
			h.metrics.DroppedFrames.Inc()
			h.logger.Printf("⚠️ send buffer full, dropping frame: task=%s user=%s", f.TaskID, sub.userID)
		}
	}
}

// Serve upgrades an already-authenticated request and subscribes it to the
// task's frames. The API layer runs Authenticate first.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, taskID, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("⚠️ upgrade failed: %v", err)
		return
	}

	sub := &subscriber{
		hub:    h,
		taskID: taskID,
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	h.register(sub)
	h.logger.Printf("subscriber connected: task=%s user=%s", taskID, userID)

	go sub.writePump()
	go sub.readPump()
}

func (h *Hub) register(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[sub.taskID] == nil {
		h.subs[sub.taskID] = make(map[*subscriber]struct{})
	}
	h.subs[sub.taskID][sub] = struct{}{}
	h.metrics.Connections.Inc()
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sub.taskID]
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.taskID)
	}
	h.metrics.Connections.Dec()
}

// Close drops every subscriber and leaves the bus channel. Used on shutdown.
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.RLock()
	var all []*subscriber
	for _, set := range h.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	h.mu.RUnlock()
	for _, sub := range all {
		sub.close()
	}
}

// close shuts a subscriber down exactly once.
func (sub *subscriber) close() {
	sub.once.Do(func() {
		close(sub.done)
		sub.hub.unregister(sub)
		sub.conn.Close()
		sub.hub.logger.Printf("subscriber disconnected: task=%s user=%s", sub.taskID, sub.userID)
	})
}

// writePump is the only goroutine writing to the connection: frames, pings
// and the close handshake all go through it.
func (sub *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.close()
	}()

	for {
		select {
		case raw, ok := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sub.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
			// Drain whatever queued up while we were writing.
			n := len(sub.send)
			for i := 0; i < n; i++ {
				if err := sub.conn.WriteMessage(websocket.TextMessage, <-sub.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-sub.done:
			return
		}
	}
}

// readPump owns all reads. Subscribers are watch-only, so inbound payloads
// are discarded; the loop exists to service pongs and detect closure.
func (sub *subscriber) readPump() {
	defer sub.close()

	sub.conn.SetReadLimit(maxMsgSize)
	sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				sub.hub.logger.Printf("⚠️ read error: task=%s user=%s: %v", sub.taskID, sub.userID, err)
			}
			return
		}
	}
}
