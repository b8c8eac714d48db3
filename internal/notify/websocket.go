package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/CZERTAINLY/renderq/internal/model"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const writeTimeout = 10 * time.Second

// Lister provides the current job snapshots.
type Lister interface {
	List() []model.Job
}

// WebSocketHandler streams hub events as JSON messages. A new connection
// first receives a job.created event for every known job.
type WebSocketHandler struct {
	hub      *Hub
	jobs     Lister
	interval time.Duration
	upgrader websocket.Upgrader
}

// NewWebSocketHandler returns a handler, progress-only updates of a running
// job are sent at most once per interval. Zero interval disables throttling.
func NewWebSocketHandler(hub *Hub, jobs Lister, interval time.Duration) *WebSocketHandler {
	return &WebSocketHandler{
		hub:      hub,
		jobs:     jobs,
		interval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(ctx, "websocket upgrade failed", "error", err)
		return
	}

	// subscribe before the snapshot, so nothing is missed in between
	sub := h.hub.Subscribe()
	defer sub.Close()

	// the reader handles control frames and detects a closed peer
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	defer func() {
		_ = conn.Close()
		<-closed
	}()

	slog.DebugContext(ctx, "websocket observer connected", "remote", r.RemoteAddr)
	for _, job := range h.jobs.List() {
		if err := h.write(conn, JobCreated(job)); err != nil {
			return
		}
	}

	limiters := make(map[string]*rate.Limiter)
	for {
		select {
		case <-closed:
			slog.DebugContext(ctx, "websocket observer disconnected", "remote", r.RemoteAddr, "dropped", sub.Dropped())
			return
		case e, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(time.Second))
				return
			}
			if h.throttled(limiters, e) {
				continue
			}
			if err := h.write(conn, e); err != nil {
				slog.DebugContext(ctx, "websocket write failed", "error", err)
				return
			}
		}
	}
}

func (h *WebSocketHandler) write(conn *websocket.Conn, e Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(e)
}

// throttled drops progress updates of a running job arriving faster than
// the interval. Status changes always pass.
func (h *WebSocketHandler) throttled(limiters map[string]*rate.Limiter, e Event) bool {
	if h.interval <= 0 || e.Job == nil {
		return false
	}
	id := e.Job.ID
	if e.Type != EventJobUpdated || e.Job.Status != model.StatusRunning {
		delete(limiters, id)
		return false
	}
	limiter, ok := limiters[id]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(h.interval), 1)
		limiters[id] = limiter
	}
	return !limiter.Allow()
}

// NewRouter exposes the observer endpoints: /events (websocket) and /jobs
// (JSON snapshot of the queue).
func NewRouter(hub *Hub, jobs Lister, interval time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Get("/events", NewWebSocketHandler(hub, jobs, interval).ServeHTTP)
	r.Get("/jobs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(jobs.List()); err != nil {
			slog.WarnContext(r.Context(), "encoding jobs failed", "error", err)
		}
	})
	return r
}
