package devserver

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/futurebazaar/sessionkit/internal/rate"
	"github.com/futurebazaar/sessionkit/jwt"
	"github.com/futurebazaar/sessionkit/password"
)

const maxRequestBytes = 64 << 10

// Config tunes the dev server. Zero values take the defaults below.
type Config struct {
	// BasePath prefixes every route. Defaults to "/api".
	BasePath string
	Issuer   string
	TokenTTL time.Duration
	// SigningKey switches to HS256. Without it an Ed25519 key is generated
	// at startup.
	SigningKey []byte

	Redis       redis.UniversalClient
	RedisPrefix string

	LoginPerMinute int
	LoginBurst     int
	MaxFailures    int
	LockoutWindow  time.Duration

	ResetTTL         time.Duration
	ResetMaxAttempts int

	Password password.Params
	Logger   *slog.Logger
	Now      func() time.Time
}

func (c *Config) setDefaults() {
	if c.BasePath == "" {
		c.BasePath = "/api"
	}
	c.BasePath = "/" + strings.Trim(c.BasePath, "/")
	if c.Issuer == "" {
		c.Issuer = "sessionkit-devserver"
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 8 * time.Hour
	}
	if c.RedisPrefix == "" {
		c.RedisPrefix = "sk"
	}
	if c.LoginPerMinute == 0 {
		c.LoginPerMinute = 30
	}
	if c.LoginBurst == 0 {
		c.LoginBurst = 10
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
	if c.LockoutWindow <= 0 {
		c.LockoutWindow = 15 * time.Minute
	}
	if c.ResetTTL <= 0 {
		c.ResetTTL = 30 * time.Minute
	}
	if c.ResetMaxAttempts == 0 {
		c.ResetMaxAttempts = 5
	}
	if c.Password == (password.Params{}) {
		c.Password = password.DefaultParams()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Server serves the auth endpoints.
type Server struct {
	cfg      Config
	tokens   *jwt.Manager
	accounts *Directory
	revoked  Revocations
	tickets  ResetStore
	lockout  *rate.Lockout
	throttle *rate.Throttle
	logger   *slog.Logger
	router   chi.Router

	mu     sync.Mutex
	resets []resetRequest
}

type resetRequest struct {
	email string
	token string
}

// New builds a server. Accounts are added with [Server.Accounts].
func New(cfg Config) (*Server, error) {
	cfg.setDefaults()

	jcfg := jwt.Config{
		TTL:    cfg.TokenTTL,
		Issuer: cfg.Issuer,
		Leeway: 5 * time.Second,
		Now:    cfg.Now,
	}
	if len(cfg.SigningKey) > 0 {
		jcfg.SigningMethod = jwt.MethodHS256
		jcfg.PrivateKey = cfg.SigningKey
	} else {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		jcfg.SigningMethod = jwt.MethodEd25519
		jcfg.PrivateKey = priv
	}
	tokens, err := jwt.NewManager(jcfg)
	if err != nil {
		return nil, err
	}

	hasher, err := password.NewHasher(cfg.Password)
	if err != nil {
		return nil, err
	}
	accounts, err := NewDirectory(hasher)
	if err != nil {
		return nil, err
	}

	var (
		revoked Revocations
		tickets ResetStore
	)
	if cfg.Redis != nil {
		revoked = NewRedisRevocations(cfg.Redis, cfg.RedisPrefix)
		tickets = NewRedisResets(cfg.Redis, cfg.RedisPrefix, cfg.Now)
	} else {
		revoked = NewMemoryRevocations(cfg.Now)
		tickets = NewMemoryResets(cfg.Now)
	}

	s := &Server{
		cfg:      cfg,
		tokens:   tokens,
		accounts: accounts,
		revoked:  revoked,
		tickets:  tickets,
		lockout: rate.NewLockout(cfg.Redis, rate.LockoutConfig{
			Prefix:      cfg.RedisPrefix,
			MaxFailures: cfg.MaxFailures,
			Window:      cfg.LockoutWindow,
		}),
		throttle: rate.NewThrottle(cfg.LoginPerMinute, cfg.LoginBurst),
		logger:   cfg.Logger.With("component", "devserver"),
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Route(s.cfg.BasePath, func(r chi.Router) {
		r.Post("/auth/login-api.php", s.login)
		r.Post("/auth/verify-token-api.php", s.verify)
		r.Post("/auth/forgot-password-api.php", s.forgotPassword)
		r.Post("/auth/reset-password-api.php", s.resetPassword)
		r.Post("/admin-api/auth/logout-api.php", s.logout)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Accounts returns the account directory.
func (s *Server) Accounts() *Directory {
	return s.accounts
}

// ResetRequests returns the emails password resets were requested for.
func (s *Server) ResetRequests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.resets))
	for _, req := range s.resets {
		out = append(out, req.email)
	}
	return out
}

// ResetToken returns the most recent reset token issued for email. It
// stands in for the mail a real deployment would send.
func (s *Server) ResetToken(email string) (string, bool) {
	email = normaliseEmail(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.resets) - 1; i >= 0; i-- {
		if s.resets[i].email == email {
			return s.resets[i].token, true
		}
	}
	return "", false
}

type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !s.throttle.Allow(clientAddr(r)) {
		writeError(w, http.StatusTooManyRequests, "Too many login attempts. Please try again later.")
		return
	}

	var creds credentials
	if err := decodeBody(r, &creds); err != nil || creds.Email == "" || creds.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	if err := s.lockout.Check(ctx, creds.Email); err != nil {
		s.lockoutResponse(w, err)
		return
	}

	acct, ok := s.accounts.Authenticate(creds.Email, creds.Password)
	if !ok {
		s.logger.Info("login rejected", "email", normaliseEmail(creds.Email))
		if err := s.lockout.Fail(ctx, creds.Email); err != nil && !errors.Is(err, rate.ErrRateLimited) {
			s.logger.Warn("lockout update failed", "error", err)
		}
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	if err := s.lockout.Reset(ctx, creds.Email); err != nil {
		s.logger.Warn("lockout reset failed", "error", err)
	}

	token, claims, err := s.tokens.Issue(jwt.Identity{
		ID:    itoa(acct.ID),
		Email: acct.Email,
		Name:  acct.Name,
		Role:  acct.Role,
	})
	if err != nil {
		s.logger.Error("token issue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Login failed")
		return
	}

	s.logger.Info("login succeeded", "user_id", acct.ID, "jti", claims.ID)
	writeJSON(w, http.StatusOK, envelope{
		Status:  "success",
		Message: "Login successful",
		Data:    map[string]any{"token": token, "user": acct.JSON()},
	})
}

func (s *Server) lockoutResponse(w http.ResponseWriter, err error) {
	if errors.Is(err, rate.ErrRateLimited) {
		writeError(w, http.StatusTooManyRequests, "Too many failed attempts. Please try again later.")
		return
	}
	s.logger.Error("lockout check failed", "error", err)
	writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
}

// authenticate resolves the bearer token on r. It writes the error response
// itself and returns ok=false when the token is unusable.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*jwt.Claims, Account, bool) {
	raw, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		writeError(w, http.StatusUnauthorized, "No token provided")
		return nil, Account{}, false
	}
	claims, err := s.tokens.Parse(raw)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid or expired token")
		return nil, Account{}, false
	}
	revoked, err := s.revoked.Revoked(r.Context(), claims.ID)
	if err != nil {
		s.logger.Error("revocation lookup failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
		return nil, Account{}, false
	}
	if revoked {
		writeError(w, http.StatusUnauthorized, "Token has been revoked")
		return nil, Account{}, false
	}
	acct, ok := s.accounts.BySubject(claims.Subject)
	if !ok {
		writeError(w, http.StatusUnauthorized, "User not found")
		return nil, Account{}, false
	}
	return claims, acct, true
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	_, acct, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Status: "success",
		Data:   map[string]any{"user": acct.JSON()},
	})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	claims, acct, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if err := s.revoked.Revoke(r.Context(), claims.ID, s.tokens.Remaining(claims)); err != nil {
		s.logger.Error("revoke failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "Logout failed")
		return
	}
	s.logger.Info("logout", "user_id", acct.ID, "jti", claims.ID)
	writeJSON(w, http.StatusOK, envelope{Status: "success", Message: "Logged out successfully"})
}

func (s *Server) forgotPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil || strings.TrimSpace(body.Email) == "" {
		writeError(w, http.StatusBadRequest, "Email is required")
		return
	}

	email := normaliseEmail(body.Email)
	if acct, ok := s.accounts.byEmailAddr(email); ok {
		if err := s.issueReset(r.Context(), acct); err != nil {
			s.logger.Error("reset ticket failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
			return
		}
	}
	// same answer for unknown emails
	writeJSON(w, http.StatusOK, envelope{
		Status:  "success",
		Message: "If the email exists, a reset link has been sent",
	})
}

func (s *Server) issueReset(ctx context.Context, acct Account) error {
	id, token, hash, err := newResetTicket()
	if err != nil {
		return err
	}
	rec := ResetRecord{
		Subject:    itoa(acct.ID),
		SecretHash: hash,
		ExpiresAt:  s.cfg.Now().Add(s.cfg.ResetTTL).Unix(),
	}
	if err := s.tickets.Save(ctx, id, rec, s.cfg.ResetTTL); err != nil {
		return err
	}
	s.mu.Lock()
	s.resets = append(s.resets, resetRequest{email: acct.Email, token: token})
	s.mu.Unlock()
	s.logger.Info("password reset requested", "user_id", acct.ID)
	return nil
}

func (s *Server) resetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil || body.Token == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "Token and password are required")
		return
	}

	id, hash, err := parseResetToken(body.Token)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid or expired reset link")
		return
	}
	rec, err := s.tickets.Consume(r.Context(), id, hash, s.cfg.ResetMaxAttempts)
	switch {
	case errors.Is(err, ErrResetUnavailable):
		s.logger.Error("reset lookup failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, "Invalid or expired reset link")
		return
	}

	acct, err := s.accounts.SetPassword(rec.Subject, body.Password)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid or expired reset link")
		return
	}
	if err := s.lockout.Reset(r.Context(), acct.Email); err != nil {
		s.logger.Warn("lockout reset failed", "error", err)
	}
	s.logger.Info("password reset", "user_id", acct.ID)
	writeJSON(w, http.StatusOK, envelope{Status: "success", Message: "Password has been reset"})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	return dec.Decode(v)
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}
	token := strings.TrimSpace(value[len(bearer):])
	return token, token != ""
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Status: "error", Message: message})
}
