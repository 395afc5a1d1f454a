package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aduston/pianolog/internal/config"
	"github.com/aduston/pianolog/internal/store"
)

type fakeSessions struct {
	status     StatusPayload
	setUser    string
	setUserErr error
	activated  string
	forceEnd   bool
}

func (f *fakeSessions) Status() StatusPayload { return f.status }
func (f *fakeSessions) SetUser(id string) error {
	if f.setUserErr != nil {
		return f.setUserErr
	}
	f.setUser = id
	return nil
}
func (f *fakeSessions) Activate(id string) error {
	if id == "" {
		return errors.New("empty user id")
	}
	f.activated = id
	return nil
}
func (f *fakeSessions) ForceEnd() bool { return f.forceEnd }

type fakeDevice struct {
	connected  bool
	device     string
	reconnects int
}

func (f *fakeDevice) Status() (bool, string) { return f.connected, f.device }
func (f *fakeDevice) RequestReconnect()      { f.reconnects++ }

func newTestServer(t *testing.T, sessions *fakeSessions, device *fakeDevice) (*httptest.Server, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	b := NewBroadcaster(sessions.Status, 10*time.Millisecond, time.Hour)
	t.Cleanup(b.Stop)

	mux := http.NewServeMux()
	NewServer(cfg, st, b, sessions, device).SetupRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, st
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s status = %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func TestHandleStatus(t *testing.T) {
	sessions := &fakeSessions{status: StatusPayload{
		MIDIConnected: true,
		Device:        "Test Piano",
		CurrentUser:   "Alex",
		SessionActive: true,
		NoteCount:     42,
	}}
	srv, _ := newTestServer(t, sessions, &fakeDevice{})

	var got StatusPayload
	getJSON(t, srv.URL+"/api/status", &got)
	if got != sessions.status {
		t.Errorf("status = %+v, want %+v", got, sessions.status)
	}
}

func TestHandleUser(t *testing.T) {
	sessions := &fakeSessions{}
	srv, _ := newTestServer(t, sessions, &fakeDevice{})

	resp, err := http.Post(srv.URL+"/api/user", "application/json",
		strings.NewReader(`{"user_id":"Alex"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if sessions.setUser != "Alex" {
		t.Errorf("SetUser called with %q, want Alex", sessions.setUser)
	}

	// Rejected user id surfaces as 400.
	sessions.setUserErr = errors.New("unknown user")
	resp, err = http.Post(srv.URL+"/api/user", "application/json",
		strings.NewReader(`{"user_id":"Nobody"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d for rejected user, want 400", resp.StatusCode)
	}

	// GET is not allowed.
	resp, err = http.Get(srv.URL + "/api/user")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", resp.StatusCode)
	}
}

func TestHandleUsers(t *testing.T) {
	srv, st := newTestServer(t, &fakeSessions{}, &fakeDevice{})
	if _, err := st.AddUser("Alex", 62); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	var users []store.User
	getJSON(t, srv.URL+"/api/users", &users)
	if len(users) != 1 || users[0].Name != "Alex" || users[0].TriggerNote != 62 {
		t.Errorf("users = %+v", users)
	}
}

func TestHandleUserActivate(t *testing.T) {
	sessions := &fakeSessions{}
	srv, _ := newTestServer(t, sessions, &fakeDevice{})

	resp, err := http.Post(srv.URL+"/api/user/activate", "application/json",
		strings.NewReader(`{"user_id":"Dad"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if sessions.activated != "Dad" {
		t.Errorf("Activate called with %q, want Dad", sessions.activated)
	}

	resp, err = http.Post(srv.URL+"/api/user/activate", "application/json",
		strings.NewReader(`{"user_id":""}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty user status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/user/activate")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", resp.StatusCode)
	}
}

func TestHandleAddAndDeleteUser(t *testing.T) {
	srv, st := newTestServer(t, &fakeSessions{}, &fakeDevice{})

	resp, err := http.Post(srv.URL+"/api/users/add", "application/json",
		strings.NewReader(`{"name":"Sasha","trigger_note":65}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	var added map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&added); err != nil {
		t.Fatalf("decode add response: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add status = %d", resp.StatusCode)
	}

	users, err := st.Users()
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	if len(users) != 1 || users[0].Name != "Sasha" || users[0].TriggerNote != 65 {
		t.Fatalf("users after add = %+v", users)
	}

	// A note outside the MIDI range is rejected.
	resp, err = http.Post(srv.URL+"/api/users/add", "application/json",
		strings.NewReader(`{"name":"Nope","trigger_note":200}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("out-of-range note status = %d, want 400", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodDelete,
		srv.URL+"/api/users/"+strconv.FormatInt(int64(added["id"].(float64)), 10), nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	users, err = st.Users()
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	if len(users) != 0 {
		t.Errorf("users after delete = %+v, want none", users)
	}

	// Garbage id is rejected, not a 500.
	req, err = http.NewRequest(http.MethodDelete, srv.URL+"/api/users/bogus", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus id status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleWeeklyStats(t *testing.T) {
	srv, st := newTestServer(t, &fakeSessions{}, &fakeDevice{})
	if _, err := st.AddUser("Alex", 62); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	now := time.Now()
	if _, err := st.SaveSession("Alex", now.Add(-30*time.Minute), now.Add(-10*time.Minute), 300); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	var stats map[string][]store.WeeklyDay
	getJSON(t, srv.URL+"/api/stats/weekly", &stats)
	days, ok := stats["Alex"]
	if !ok {
		t.Fatalf("stats = %+v, want an entry for Alex", stats)
	}
	if len(days) != 7 {
		t.Fatalf("days = %d, want 7", len(days))
	}
	if today := days[6]; today.Minutes != 20 || !today.MetTarget {
		t.Errorf("today = %+v, want 20 minutes and target met", today)
	}
}

func TestHandleUserTarget(t *testing.T) {
	srv, _ := newTestServer(t, &fakeSessions{}, &fakeDevice{})

	// Unset target falls back to the default.
	var target map[string]any
	getJSON(t, srv.URL+"/api/user/target?user_id=Alex", &target)
	if target["daily_target_minutes"] != float64(15) {
		t.Errorf("default target = %v, want 15", target["daily_target_minutes"])
	}

	resp, err := http.Post(srv.URL+"/api/user/target", "application/json",
		strings.NewReader(`{"user_id":"Alex","daily_target_minutes":30}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("set target status = %d, want 204", resp.StatusCode)
	}

	getJSON(t, srv.URL+"/api/user/target?user_id=Alex", &target)
	if target["daily_target_minutes"] != float64(30) {
		t.Errorf("target = %v, want 30", target["daily_target_minutes"])
	}

	resp, err = http.Post(srv.URL+"/api/user/target", "application/json",
		strings.NewReader(`{"user_id":"","daily_target_minutes":0}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid target status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleRecentSessions(t *testing.T) {
	srv, st := newTestServer(t, &fakeSessions{}, &fakeDevice{})

	start := time.Now().Add(-time.Hour)
	if _, err := st.SaveSession("Alex", start, start.Add(10*time.Minute), 200); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	var sessions []store.Session
	getJSON(t, srv.URL+"/api/sessions/recent?limit=5", &sessions)
	if len(sessions) != 1 || sessions[0].UserID != "Alex" {
		t.Errorf("sessions = %+v", sessions)
	}

	resp, err := http.Get(srv.URL + "/api/sessions/recent?limit=bogus")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus limit status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleSummary(t *testing.T) {
	srv, st := newTestServer(t, &fakeSessions{}, &fakeDevice{})

	now := time.Now()
	if _, err := st.SaveSession("Alex", now.Add(-30*time.Minute), now.Add(-20*time.Minute), 150); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	var summaries []store.DailySummary
	getJSON(t, srv.URL+"/api/sessions/summary?days=7&user_id=Alex", &summaries)
	if len(summaries) != 1 || summaries[0].TotalSeconds != 600 {
		t.Errorf("summaries = %+v", summaries)
	}
}

func TestHandleEndSession(t *testing.T) {
	sessions := &fakeSessions{forceEnd: false}
	srv, _ := newTestServer(t, sessions, &fakeDevice{})

	resp, err := http.Post(srv.URL+"/api/session/end", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d with no active session, want 400", resp.StatusCode)
	}

	sessions.forceEnd = true
	resp, err = http.Post(srv.URL+"/api/session/end", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
}

func TestHandleMIDIEndpoints(t *testing.T) {
	device := &fakeDevice{connected: true, device: "Test Piano"}
	srv, _ := newTestServer(t, &fakeSessions{}, device)

	var status map[string]any
	getJSON(t, srv.URL+"/api/midi/status", &status)
	if status["connected"] != true || status["device"] != "Test Piano" {
		t.Errorf("midi status = %+v", status)
	}

	resp, err := http.Post(srv.URL+"/api/midi/reconnect", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("reconnect status = %d, want 202", resp.StatusCode)
	}
	if device.reconnects != 1 {
		t.Errorf("reconnects = %d, want 1", device.reconnects)
	}
}

func TestCheckOrigin(t *testing.T) {
	s := &Server{}

	tests := []struct {
		name   string
		origin string
		host   string
		want   bool
	}{
		{"no origin", "", "pi.local:5000", true},
		{"same host", "http://pi.local:5000", "pi.local:5000", true},
		{"localhost", "http://localhost:3000", "pi.local:5000", true},
		{"loopback", "http://127.0.0.1:3000", "pi.local:5000", true},
		{"foreign host", "http://evil.example.com", "pi.local:5000", false},
		{"garbage origin", "://bad", "pi.local:5000", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}
