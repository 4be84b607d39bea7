// Package httpapi exposes the health and room diagnostics endpoints and
// mounts the WebSocket endpoint.
package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cory-johannsen/cloudtown/internal/presence"
	"github.com/cory-johannsen/cloudtown/internal/session"
)

// RouterConfig holds the collaborators of the HTTP surface.
type RouterConfig struct {
	Logger    *zap.Logger
	Service   *presence.Service
	Registry  *session.Registry
	WebSocket http.Handler
}

// NewRouter creates the HTTP router.
//
// Precondition: every RouterConfig field must be non-nil.
func NewRouter(cfg RouterConfig) http.Handler {
	r := mux.NewRouter()
	h := &handlers{svc: cfg.Service, registry: cfg.Registry}

	r.Use(recovery(cfg.Logger))

	// The upgrade hijacks the connection, so it bypasses request logging.
	r.Handle("/ws", cfg.WebSocket).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(logging(cfg.Logger))
	api.HandleFunc("/health", h.health).Methods(http.MethodGet)
	api.HandleFunc("/rooms", h.rooms).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{roomID}", h.room).Methods(http.MethodGet)

	return r
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	Players      int    `json:"players"`
	Rooms        int    `json:"rooms"`
	TotalPlayers int    `json:"totalPlayers"`
}

// RoomResponse is the body of GET /rooms/{roomID}.
type RoomResponse struct {
	ID      string                  `json:"id"`
	Players []presence.PublicPlayer `json:"players"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

type handlers struct {
	svc      *presence.Service
	registry *session.Registry
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	stats := h.svc.Stats()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:       "ok",
		Players:      stats.Connections,
		Rooms:        stats.Rooms,
		TotalPlayers: stats.Players,
	})
}

func (h *handlers) rooms(w http.ResponseWriter, _ *http.Request) {
	rooms := h.registry.Rooms()
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	writeJSON(w, http.StatusOK, rooms)
}

func (h *handlers) room(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]
	players := h.registry.ListPlayers(roomID)
	if len(players) == 0 {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "room not found"})
		return
	}

	sort.Slice(players, func(i, j int) bool { return players[i].Identity < players[j].Identity })
	out := RoomResponse{ID: roomID, Players: make([]presence.PublicPlayer, 0, len(players))}
	for _, p := range players {
		out.Players = append(out.Players, presence.NewPublicPlayer(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func logging(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recovery(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("http handler panic",
						zap.String("path", r.URL.Path),
						zap.Any("panic", p),
					)
					writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
