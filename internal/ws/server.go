package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aduston/pianolog/internal/config"
	"github.com/aduston/pianolog/internal/store"
)

// SessionController is the tracker surface the API needs.
type SessionController interface {
	Status() StatusPayload
	SetUser(userID string) error
	Activate(userID string) error
	ForceEnd() bool
}

// DeviceController is the connectivity-manager surface the API needs.
type DeviceController interface {
	Status() (connected bool, device string)
	RequestReconnect()
}

type Server struct {
	config      *config.Config
	store       *store.Store
	broadcaster *Broadcaster
	sessions    SessionController
	device      DeviceController
}

func NewServer(cfg *config.Config, st *store.Store, broadcaster *Broadcaster, sessions SessionController, device DeviceController) *Server {
	return &Server{
		config:      cfg,
		store:       st,
		broadcaster: broadcaster,
		sessions:    sessions,
		device:      device,
	}
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/user", s.handleUser)
	mux.HandleFunc("/api/user/activate", s.handleUserActivate)
	mux.HandleFunc("/api/user/target", s.handleUserTarget)
	mux.HandleFunc("/api/users", s.handleUsers)
	mux.HandleFunc("/api/users/", s.handleUserRoutes)
	mux.HandleFunc("/api/stats/weekly", s.handleWeeklyStats)
	mux.HandleFunc("/api/sessions/recent", s.handleRecentSessions)
	mux.HandleFunc("/api/sessions/summary", s.handleSummary)
	mux.HandleFunc("/api/session/end", s.handleEndSession)
	mux.HandleFunc("/api/midi/status", s.handleMIDIStatus)
	mux.HandleFunc("/api/midi/reconnect", s.handleMIDIReconnect)
	mux.HandleFunc("/api/system", s.handleSystem)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	log.Printf("WebSocket client connected: %s", r.RemoteAddr)
	c := s.broadcaster.AddClient(conn)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			log.Printf("WebSocket client disconnected: %s", r.RemoteAddr)
		}()
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.sessions.Status())
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.sessions.SetUser(req.UserID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]string{"user_id": req.UserID})
}

// handleUserActivate is the dashboard's one-click start: it selects the
// user and opens a session immediately, no warm-up notes required.
func (s *Server) handleUserActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.sessions.Activate(req.UserID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]string{"user_id": req.UserID})
}

func (s *Server) handleUserTarget(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "user_id required", http.StatusBadRequest)
			return
		}
		minutes, err := s.store.UserTarget(userID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{
			"user_id":              userID,
			"daily_target_minutes": minutes,
		})

	case http.MethodPost:
		var req struct {
			UserID             string `json:"user_id"`
			DailyTargetMinutes int    `json:"daily_target_minutes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.UserID == "" || req.DailyTargetMinutes < 1 {
			http.Error(w, "user_id and a positive daily_target_minutes required", http.StatusBadRequest)
			return
		}
		if err := s.store.SetUserTarget(req.UserID, req.DailyTargetMinutes); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.Users()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, users)
}

// handleUserRoutes dispatches the /api/users/ subtree: POST /api/users/add
// registers a new user, DELETE /api/users/<id> retires one.
func (s *Server) handleUserRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/users/")

	if rest == "add" {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Name        string `json:"name"`
			TriggerNote int    `json:"trigger_note"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Name == "" || req.TriggerNote < 0 || req.TriggerNote > 127 {
			http.Error(w, "name and a trigger_note in 0..127 required", http.StatusBadRequest)
			return
		}
		id, err := s.store.AddUser(req.Name, uint8(req.TriggerNote))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"id": id, "name": req.Name})
		return
	}

	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	if err := s.store.DeleteUser(id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWeeklyStats reports the last seven days against each user's daily
// target, the data behind the dashboard's progress bars.
func (s *Server) handleWeeklyStats(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.Users()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := map[string][]store.WeeklyDay{}
	for _, u := range users {
		days, err := s.store.WeeklyStats(u.Name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out[u.Name] = days
	}
	writeJSON(w, out)
}

func (s *Server) handleRecentSessions(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	sessions, err := s.store.RecentSessions(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, sessions)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "invalid days", http.StatusBadRequest)
			return
		}
		days = n
	}

	summaries, err := s.store.DailySummaries(r.URL.Query().Get("user_id"), days)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, summaries)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.sessions.ForceEnd() {
		http.Error(w, "no active session", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMIDIStatus(w http.ResponseWriter, r *http.Request) {
	connected, device := s.device.Status()
	writeJSON(w, map[string]any{
		"connected":     connected,
		"device":        device,
		"searching_for": s.config.Device.Keyword,
	})
}

func (s *Server) handleMIDIReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.device.RequestReconnect()
	w.WriteHeader(http.StatusAccepted)
}

// handleSystem reports host health for the dashboard footer. The tracker
// runs on a headless Pi; this is the only window into the box.
func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		out["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out["memory_percent"] = vm.UsedPercent
		out["memory_total_mb"] = vm.Total / 1024 / 1024
	}
	if uptime, err := host.Uptime(); err == nil {
		out["uptime_seconds"] = uptime
	}

	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

// checkOrigin allows same-host and localhost origins. The dashboard is
// served on the home LAN; there is nothing to authenticate against.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("Server listening on %s", addr)
	return http.ListenAndServe(addr, securityHeaders(mux))
}
