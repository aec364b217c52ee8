// Package api exposes the REST surface and the WebSocket gateway. REST
// handlers read and write the store and publish change events; the gateway
// in ws.go bridges connections to the event bus.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/risefleet/botd/internal/realtime"
	"github.com/risefleet/botd/internal/store"
)

type Server struct {
	Store     *store.Store
	Bus       *realtime.Bus
	Directory *realtime.Directory
	Log       *logrus.Logger
	StartedAt time.Time

	// Mode and Model describe the trading engine for /api/status.
	Mode  string
	Model string
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/profiles", s.handleProfiles)
	mux.HandleFunc("/api/profiles/", s.handleProfileItem)
	mux.HandleFunc("/api/trades", s.handleTrades)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/ws/status", s.handleWSStatus)

	return mux
}

func (s *Server) logger() *logrus.Logger {
	if s.Log != nil {
		return s.Log
	}
	return logrus.StandardLogger()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	now := time.Now().UTC()
	started := s.StartedAt
	if started.IsZero() {
		started = now
	}
	active, err := s.Store.ListProfiles(r.Context(), true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"started_at":         started,
		"uptime_seconds":     int64(now.Sub(started).Seconds()),
		"go_version":         runtime.Version(),
		"mode":               s.Mode,
		"model":              s.Model,
		"active_profiles":    len(active),
		"active_connections": s.Directory.Count(),
		"subscribers":        s.Bus.Counts(),
	})
}

func (s *Server) handleWSStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_connections": s.Directory.Count(),
		"subscribers":        s.Bus.Counts(),
		"event_bus":          "active",
		"timestamp":          time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	trades, err := s.Store.ListTrades(r.Context(), "", limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if trades == nil {
		trades = []store.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// handleEvents lets operators inject an event onto the bus, mostly for
// testing dashboards against rare kinds.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Type      string         `json:"type"`
		ProfileID string         `json:"profile_id"`
		Payload   map[string]any `json:"payload"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	kind, err := realtime.ParseKind(payload.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	event := realtime.New(kind, payload.ProfileID, payload.Payload)
	delivered := s.Bus.Publish(event)
	writeJSON(w, http.StatusCreated, map[string]any{
		"event":     event,
		"delivered": delivered,
	})
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
