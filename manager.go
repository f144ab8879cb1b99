package sessionkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bep/debounce"
	"golang.org/x/sync/singleflight"

	internalaudit "github.com/futurebazaar/sessionkit/internal/audit"
	"github.com/futurebazaar/sessionkit/store"
)

// Manager owns one client session: the persisted token, user and expiry plus
// the in-memory verification state. Build it with [Builder.Build]. All
// methods are safe for concurrent use.
type Manager struct {
	cfg            Config
	store          store.Store
	client         *http.Client
	logger         *slog.Logger
	audit          *internalaudit.Dispatcher
	metrics        *Metrics
	now            func() time.Time
	onUnauthorized func(context.Context)

	// mu guards the fields below. It is never held across I/O.
	mu               sync.Mutex
	lastVerification time.Time
	expiresAt        time.Time
	generation       uint64

	// commitMu orders store mutations against generation changes so that a
	// late verification cannot write after a clear.
	commitMu sync.Mutex

	verifyGroup singleflight.Group
	schedule    func(func())

	bgCtx     context.Context
	bgCancel  context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
}

/*
====================================
LOGIN
====================================
*/

// Login posts credentials to the login endpoint and persists the returned
// session. On any failure the stored session is cleared and the error is
// a *NetworkError or *AuthError.
func (m *Manager) Login(ctx context.Context, creds Credentials) (*LoginResult, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	res, err := m.login(ctx, creds)
	if err != nil {
		m.metrics.Inc(MetricLoginFailure)
		m.emitAudit(ctx, EventLoginFailure, false, "", m.Generation(), err, nil)
		m.logger.Warn("login failed", "error", err)
		if clearErr := m.clear(ctx, "login_failure"); clearErr != nil {
			m.logger.Error("clear session after failed login", "error", clearErr)
		}
		return nil, err
	}

	m.metrics.Inc(MetricLoginSuccess)
	m.emitAudit(ctx, EventLoginSuccess, true, res.User.ID(), m.Generation(), nil, nil)
	m.logger.Info("login succeeded", "user_id", res.User.ID(), "expires_at", res.ExpiresAt)
	return res, nil
}

func (m *Manager) login(ctx context.Context, creds Credentials) (*LoginResult, error) {
	const op = "login"

	resp, err := m.post(ctx, op, m.cfg.Endpoints.LoginPath, "", creds)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, &AuthError{Op: op, StatusCode: resp.StatusCode, Message: resp.message("Login failed")}
	}

	var data loginData
	if len(resp.Envelope.Data) > 0 {
		if err := json.Unmarshal(resp.Envelope.Data, &data); err != nil {
			return nil, &NetworkError{Op: op, Err: fmt.Errorf("decode login data: %w", err)}
		}
	}
	if !resp.Envelope.Succeeded() || data.Token == "" {
		return nil, &AuthError{Op: op, Message: resp.message("Invalid login response")}
	}

	var user User
	if len(data.User) > 0 {
		if u, err := ParseUser(data.User); err == nil {
			user = u
		}
	}

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	now := m.now()
	expiresAt := now.Add(m.cfg.Session.Duration)

	m.mu.Lock()
	m.generation++
	m.lastVerification = now
	m.expiresAt = expiresAt
	m.mu.Unlock()

	if err := m.store.Set(ctx, store.KeySessionExpiry, formatExpiry(expiresAt)); err != nil {
		return nil, err
	}
	if err := m.store.Set(ctx, store.KeyToken, data.Token); err != nil {
		return nil, err
	}
	if user != nil {
		if err := m.store.Set(ctx, store.KeyUser, string(data.User)); err != nil {
			return nil, err
		}
	} else if err := m.store.Remove(ctx, store.KeyUser); err != nil {
		return nil, err
	}

	return &LoginResult{Token: data.Token, User: user, ExpiresAt: expiresAt}, nil
}

/*
====================================
VERIFICATION
====================================
*/

// VerifyToken confirms the stored session. Without force, a verification
// within the debounce window of the previous one is answered from the store
// with Cached set. Failures other than ErrNoToken and ErrStaleResponse clear
// the session.
func (m *Manager) VerifyToken(ctx context.Context, force bool) (*VerifyResult, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	token, ok, err := m.store.Get(ctx, store.KeyToken)
	if err != nil {
		return nil, err
	}
	if !ok || token == "" {
		return nil, ErrNoToken
	}

	expiresAt, err := m.storedExpiry(ctx)
	if err != nil {
		return nil, err
	}
	if m.now().After(expiresAt) {
		m.expire(ctx)
		return nil, ErrSessionExpired
	}

	if !force {
		if res, hit, err := m.cachedVerification(ctx, expiresAt); hit {
			return res, err
		}
		ch := m.verifyGroup.DoChan("verify", func() (any, error) {
			bg := context.WithoutCancel(ctx)
			// a verification that finished while this call was queued
			// already covers it
			if res, hit, err := m.cachedVerification(bg, expiresAt); hit {
				return res, err
			}
			return m.verifyNetwork(bg, token)
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-ch:
			if r.Err != nil {
				return nil, r.Err
			}
			return r.Val.(*VerifyResult), nil
		}
	}

	return m.verifyNetwork(ctx, token)
}

// cachedVerification answers from the store while inside the debounce
// window. hit is false when a network verification is required.
func (m *Manager) cachedVerification(ctx context.Context, expiresAt time.Time) (*VerifyResult, bool, error) {
	m.mu.Lock()
	last := m.lastVerification
	gen := m.generation
	m.mu.Unlock()

	if last.IsZero() || m.now().Sub(last) >= m.cfg.Session.VerificationDebounce {
		return nil, false, nil
	}

	user, ok, err := m.storedUser(ctx)
	if err != nil {
		return nil, true, err
	}
	if !ok {
		return nil, true, ErrNoUser
	}

	m.metrics.Inc(MetricVerifyCached)
	m.emitAudit(ctx, EventVerifyCached, true, user.ID(), gen, nil, nil)
	return &VerifyResult{User: user, Cached: true, ExpiresAt: expiresAt}, true, nil
}

func (m *Manager) verifyNetwork(ctx context.Context, token string) (*VerifyResult, error) {
	const op = "verify token"

	gen := m.Generation()
	started := time.Now()
	m.metrics.Inc(MetricVerifyNetwork)

	resp, err := m.post(ctx, op, m.cfg.Endpoints.VerifyPath, token, nil)
	m.metrics.Observe(MetricVerifyLatency, time.Since(started))

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	now := m.now()
	m.mu.Lock()
	if m.generation != gen {
		current := m.generation
		m.mu.Unlock()
		m.metrics.Inc(MetricStaleResponseDiscarded)
		m.emitAudit(ctx, EventStaleResponseDiscarded, false, "", gen, ErrStaleResponse, map[string]string{
			"current_generation": strconv.FormatUint(current, 10),
		})
		m.logger.Info("discarded stale verification response", "generation", gen, "current_generation", current)
		return nil, ErrStaleResponse
	}
	m.lastVerification = now
	m.mu.Unlock()

	if err == nil {
		switch {
		case !resp.ok():
			err = &AuthError{Op: op, StatusCode: resp.StatusCode, Message: resp.message("Token verification failed")}
		case !resp.Envelope.Succeeded():
			err = &AuthError{Op: op, Message: "Invalid token verification response"}
		}
	}

	var (
		user    User
		rawUser json.RawMessage
	)
	if err == nil {
		var data verifyData
		if len(resp.Envelope.Data) > 0 {
			if decodeErr := json.Unmarshal(resp.Envelope.Data, &data); decodeErr != nil {
				err = &NetworkError{Op: op, Err: fmt.Errorf("decode verify data: %w", decodeErr)}
			}
		}
		if err == nil {
			if u, parseErr := ParseUser(data.User); parseErr == nil {
				user, rawUser = u, data.User
			} else {
				err = &AuthError{Op: op, Message: "Invalid token verification response"}
			}
		}
	}

	if err != nil {
		m.metrics.Inc(MetricVerifyFailure)
		m.emitAudit(ctx, EventVerifyFailure, false, "", gen, err, nil)
		m.logger.Warn("token verification failed", "error", err, "generation", gen)
		if clearErr := m.clearCommitted(ctx, "verify_failure"); clearErr != nil {
			m.logger.Error("clear session after failed verification", "error", clearErr)
		}
		return nil, err
	}

	expiresAt := now.Add(m.cfg.Session.Duration)
	m.mu.Lock()
	m.expiresAt = expiresAt
	m.mu.Unlock()

	if err := m.store.Set(ctx, store.KeySessionExpiry, formatExpiry(expiresAt)); err != nil {
		return nil, err
	}
	if err := m.replaceUserIfChanged(ctx, rawUser); err != nil {
		return nil, err
	}

	m.emitAudit(ctx, EventVerifyNetwork, true, user.ID(), gen, nil, nil)
	return &VerifyResult{User: user, ExpiresAt: expiresAt}, nil
}

func (m *Manager) replaceUserIfChanged(ctx context.Context, raw json.RawMessage) error {
	next, ok := canonicalUser(raw)
	if !ok {
		return fmt.Errorf("%w: user document", store.ErrCorrupt)
	}
	current, present, err := m.store.Get(ctx, store.KeyUser)
	if err != nil {
		return err
	}
	if present {
		if prev, ok := canonicalUser([]byte(current)); ok && prev == next {
			return nil
		}
	}
	return m.store.Set(ctx, store.KeyUser, next)
}

// ScheduleVerify runs VerifyToken on a trailing-edge debounce: only the last
// call in a quiet period runs. Results are reported through events and logs.
func (m *Manager) ScheduleVerify(force bool) {
	if m.closed.Load() {
		return
	}
	m.schedule(func() {
		if m.closed.Load() {
			return
		}
		res, err := m.VerifyToken(m.bgCtx, force)
		switch {
		case err == nil:
			m.logger.Debug("scheduled verification succeeded", "user_id", res.User.ID(), "cached", res.Cached)
		case errors.Is(err, ErrNoToken), errors.Is(err, ErrStaleResponse), errors.Is(err, ErrClosed):
		default:
			m.logger.Warn("scheduled verification failed", "error", err)
		}
	})
}

/*
====================================
LOGOUT / CLEAR
====================================
*/

// Logout notifies the logout endpoint and clears the local session. The
// local clear happens even when the endpoint fails; that failure is still
// returned.
func (m *Manager) Logout(ctx context.Context) error {
	const op = "logout"

	// a failed read still clears below
	token, ok, readErr := m.store.Get(ctx, store.KeyToken)

	var userID string
	if u, ok, _ := m.storedUser(ctx); ok {
		userID = u.ID()
	}

	var remoteErr error
	if ok && token != "" && !m.closed.Load() {
		resp, err := m.post(ctx, op, m.cfg.Endpoints.LogoutPath, token, nil)
		switch {
		case err != nil:
			remoteErr = err
		case !resp.ok():
			remoteErr = &AuthError{Op: op, StatusCode: resp.StatusCode, Message: resp.message("Logout failed")}
		}
	}

	clearErr := m.clear(ctx, "logout")

	if ok && token != "" {
		m.metrics.Inc(MetricLogout)
		m.emitAudit(ctx, EventLogout, remoteErr == nil, userID, m.Generation(), remoteErr, nil)
		if remoteErr != nil {
			m.logger.Warn("logout endpoint failed, session cleared locally", "error", remoteErr, "user_id", userID)
		} else {
			m.logger.Info("logged out", "user_id", userID)
		}
	}

	return errors.Join(readErr, remoteErr, clearErr)
}

// ClearAuth removes every persisted session key and resets verification
// state. It is idempotent.
func (m *Manager) ClearAuth(ctx context.Context) error {
	return m.clear(ctx, "clear")
}

func (m *Manager) clear(ctx context.Context, reason string) error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	return m.clearCommitted(ctx, reason)
}

// ClearIfGeneration clears the session only when the generation still equals
// gen. It reports whether it cleared. Callers capture gen before a check so a
// failure observed before a newer login cannot wipe that login.
func (m *Manager) ClearIfGeneration(ctx context.Context, gen uint64) (bool, error) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	if m.Generation() != gen {
		return false, nil
	}
	return true, m.clearCommitted(ctx, "clear")
}

// clearCommitted requires commitMu.
func (m *Manager) clearCommitted(ctx context.Context, reason string) error {
	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.lastVerification = time.Time{}
	m.expiresAt = time.Time{}
	m.mu.Unlock()

	err := store.RemoveAll(ctx, m.store)

	m.metrics.Inc(MetricSessionCleared)
	m.emitAudit(ctx, EventSessionCleared, err == nil, "", gen, err, map[string]string{"reason": reason})
	return err
}

// Invalidate forgets in-memory verification state without touching the
// store. In-flight verifications started before the call are discarded.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.lastVerification = time.Time{}
	m.expiresAt = time.Time{}
	m.mu.Unlock()

	m.metrics.Inc(MetricExternalChange)
	m.emitAudit(context.Background(), EventExternalChange, true, "", gen, nil, nil)
}

func (m *Manager) expire(ctx context.Context) {
	m.metrics.Inc(MetricSessionExpired)
	m.emitAudit(ctx, EventSessionExpired, false, "", m.Generation(), ErrSessionExpired, nil)
	m.logger.Info("session expired, clearing")
	if err := m.clear(ctx, "expired"); err != nil {
		m.logger.Error("clear expired session", "error", err)
	}
}

/*
====================================
STATE QUERIES
====================================
*/

// CurrentUser returns the stored user. An expired session or an unreadable
// user document clears the session and reports false.
func (m *Manager) CurrentUser(ctx context.Context) (User, bool) {
	expiresAt, err := m.storedExpiry(ctx)
	if err != nil {
		return nil, false
	}
	if m.now().After(expiresAt) {
		if m.hasStoredSession(ctx) {
			m.expire(ctx)
		}
		return nil, false
	}

	user, ok, err := m.storedUser(ctx)
	if err != nil {
		if errors.Is(err, store.ErrCorrupt) {
			m.logger.Warn("stored user unreadable, clearing session", "error", err)
			_ = m.clear(ctx, "corrupt_user")
		}
		return nil, false
	}
	return user, ok
}

// IsAuthenticated reports whether a token is stored and the session has not
// expired. An expired session is cleared.
func (m *Manager) IsAuthenticated(ctx context.Context) bool {
	expiresAt, err := m.storedExpiry(ctx)
	if err != nil {
		return false
	}
	if m.now().After(expiresAt) {
		if m.hasStoredSession(ctx) {
			m.expire(ctx)
		}
		return false
	}

	token, ok, err := m.store.Get(ctx, store.KeyToken)
	return err == nil && ok && token != ""
}

// Session returns a snapshot of persisted and in-memory session state.
func (m *Manager) Session(ctx context.Context) (SessionSnapshot, error) {
	token, hasToken, err := m.store.Get(ctx, store.KeyToken)
	if err != nil {
		return SessionSnapshot{}, err
	}
	expiresAt, err := m.storedExpiry(ctx)
	if err != nil {
		return SessionSnapshot{}, err
	}
	user, _, err := m.storedUser(ctx)
	if err != nil && !errors.Is(err, store.ErrCorrupt) {
		return SessionSnapshot{}, err
	}

	m.mu.Lock()
	snap := SessionSnapshot{
		HasToken:           hasToken && token != "",
		User:               user,
		ExpiresAt:          expiresAt,
		LastVerificationAt: m.lastVerification,
		Generation:         m.generation,
	}
	m.mu.Unlock()

	snap.Authenticated = snap.HasToken && !m.now().After(expiresAt)
	return snap, nil
}

// Generation returns the current session generation. It changes on every
// login, clear and invalidation.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// Config returns a copy of the manager configuration.
func (m *Manager) Config() Config {
	return cloneConfig(m.cfg)
}

// Store returns the backing store.
func (m *Manager) Store() store.Store {
	return m.store
}

// Logger returns the manager's logger.
func (m *Manager) Logger() *slog.Logger {
	return m.logger
}

// MetricsSnapshot returns a copy of the session counters.
func (m *Manager) MetricsSnapshot() MetricsSnapshot {
	return m.metrics.Snapshot()
}

// AuditStats reports event delivery counters. With events disabled every
// field is zero.
func (m *Manager) AuditStats() AuditStats {
	return m.audit.Stats()
}

/*
====================================
PASSWORD RESET
====================================
*/

// RequestPasswordReset asks the backend to email a reset link to email.
func (m *Manager) RequestPasswordReset(ctx context.Context, email string) error {
	const op = "forgot password"

	if m.closed.Load() {
		return ErrClosed
	}
	if email == "" {
		return &AuthError{Op: op, Message: "Email is required"}
	}

	resp, err := m.post(ctx, op, m.cfg.Endpoints.ForgotPasswordPath, "", struct {
		Email string `json:"email"`
	}{Email: email})
	if err == nil && !resp.ok() {
		err = &AuthError{Op: op, StatusCode: resp.StatusCode, Message: resp.message("Failed to send reset email")}
	}

	m.metrics.Inc(MetricPasswordResetRequest)
	m.emitAudit(ctx, EventPasswordResetRequest, err == nil, "", m.Generation(), err, nil)
	return err
}

/*
====================================
LIFECYCLE
====================================
*/

// Close stops event delivery and pending scheduled verifications. It is
// safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.bgCancel()
		m.audit.Close()
	})
}

/*
====================================
STORE HELPERS
====================================
*/

// storedExpiry returns the persisted expiry; a missing or malformed value is
// the zero time, which is always in the past.
func (m *Manager) storedExpiry(ctx context.Context) (time.Time, error) {
	raw, ok, err := m.store.Get(ctx, store.KeySessionExpiry)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}

func (m *Manager) storedUser(ctx context.Context) (User, bool, error) {
	raw, ok, err := m.store.Get(ctx, store.KeyUser)
	if err != nil {
		return nil, false, err
	}
	if !ok || raw == "" {
		return nil, false, nil
	}
	user, err := ParseUser([]byte(raw))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", store.ErrCorrupt, err)
	}
	return user, true, nil
}

func (m *Manager) hasStoredSession(ctx context.Context) bool {
	for _, key := range store.SessionKeys {
		if _, ok, err := m.store.Get(ctx, key); err == nil && ok {
			return true
		}
	}
	return false
}

func formatExpiry(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func newScheduler(quiet time.Duration) func(func()) {
	if quiet <= 0 {
		return func(f func()) { go f() }
	}
	return debounce.New(quiet)
}
