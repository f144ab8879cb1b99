// Package authtest provides a scriptable stand-in for the auth endpoints and
// a manual clock for session tests.
package authtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Default endpoint paths served by Server.
const (
	LoginPath          = "/auth/login-api.php"
	VerifyPath         = "/auth/verify-token-api.php"
	LogoutPath         = "/admin-api/auth/logout-api.php"
	ForgotPasswordPath = "/auth/forgot-password-api.php"

	Email    = "admin@futurebazaar.com"
	Password = "secret"
	Token    = "tok-1"
)

// Server is an httptest server speaking the auth envelope. Zero-valued
// status fields mean the default success behaviour.
type Server struct {
	*httptest.Server

	LoginCalls  atomic.Int64
	VerifyCalls atomic.Int64
	LogoutCalls atomic.Int64
	ResetCalls  atomic.Int64

	mu           sync.Mutex
	user         map[string]any
	verifyStatus int
	logoutStatus int
	verifyHold   chan struct{}
	verifyEnter  chan struct{}
	lastAuth     string
	lastReset    string
}

// NewServer starts a server that accepts Email/Password and issues Token.
func NewServer() *Server {
	s := &Server{
		user: map[string]any{"id": float64(1), "email": Email, "name": "Admin", "role": "admin"},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(LoginPath, s.login)
	mux.HandleFunc(VerifyPath, s.verify)
	mux.HandleFunc(LogoutPath, s.logout)
	mux.HandleFunc(ForgotPasswordPath, s.forgot)
	s.Server = httptest.NewServer(mux)
	return s
}

// SetUser replaces the user returned by login and verify.
func (s *Server) SetUser(user map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = user
}

// SetVerifyStatus makes verify answer with status. Zero restores success.
func (s *Server) SetVerifyStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifyStatus = status
}

// SetLogoutStatus makes logout answer with status. Zero restores success.
func (s *Server) SetLogoutStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logoutStatus = status
}

// HoldVerify blocks verify responses until the returned release func is
// called. entered receives once per verify request as it starts waiting.
func (s *Server) HoldVerify() (entered <-chan struct{}, release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hold := make(chan struct{})
	enter := make(chan struct{}, 16)
	s.verifyHold = hold
	s.verifyEnter = enter
	var once sync.Once
	return enter, func() {
		once.Do(func() {
			s.mu.Lock()
			s.verifyHold = nil
			s.verifyEnter = nil
			s.mu.Unlock()
			close(hold)
		})
	}
}

// LastAuthorization returns the Authorization header of the latest
// verify or logout call.
func (s *Server) LastAuthorization() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAuth
}

// LastResetEmail returns the email of the latest forgot-password call.
func (s *Server) LastResetEmail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReset
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	s.LoginCalls.Add(1)
	var creds struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "Invalid request"})
		return
	}
	if creds.Email != Email || creds.Password != Password {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"status": "error", "message": "Invalid credentials"})
		return
	}
	s.mu.Lock()
	user := s.user
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"data":   map[string]any{"token": Token, "user": user},
	})
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	s.VerifyCalls.Add(1)

	s.mu.Lock()
	s.lastAuth = r.Header.Get("Authorization")
	hold, enter := s.verifyHold, s.verifyEnter
	s.mu.Unlock()

	if hold != nil {
		select {
		case enter <- struct{}{}:
		default:
		}
		<-hold
	}

	s.mu.Lock()
	status, user := s.verifyStatus, s.user
	s.mu.Unlock()

	if status != 0 && status != http.StatusOK {
		writeJSON(w, status, map[string]any{"status": "error", "message": "Invalid token"})
		return
	}
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"status": "error", "message": "Missing token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": map[string]any{"user": user}})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	s.LogoutCalls.Add(1)
	s.mu.Lock()
	s.lastAuth = r.Header.Get("Authorization")
	status := s.logoutStatus
	s.mu.Unlock()

	if status != 0 && status != http.StatusOK {
		writeJSON(w, status, map[string]any{"status": "error", "message": "Logout failed upstream"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "Logged out"})
}

func (s *Server) forgot(w http.ResponseWriter, r *http.Request) {
	s.ResetCalls.Add(1)
	var body struct {
		Email string `json:"email"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	s.lastReset = body.Email
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "Reset link sent"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
