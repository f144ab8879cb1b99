package sessionkit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/futurebazaar/sessionkit/internal/authtest"
	"github.com/futurebazaar/sessionkit/store"
)

type managerFixture struct {
	manager *Manager
	server  *authtest.Server
	clock   *authtest.Clock
	store   *store.MemoryStore
}

func newManagerFixture(t *testing.T, mutate func(*Config)) *managerFixture {
	t.Helper()

	srv := authtest.NewServer()
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.Endpoints.BaseURL = srv.URL
	if mutate != nil {
		mutate(&cfg)
	}

	clock := authtest.NewClock()
	st := store.NewMemoryStore()

	m, err := New().
		WithConfig(cfg).
		WithStore(st).
		WithClock(clock.Now).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(m.Close)

	return &managerFixture{manager: m, server: srv, clock: clock, store: st}
}

func (f *managerFixture) login(t *testing.T) *LoginResult {
	t.Helper()
	res, err := f.manager.Login(context.Background(), Credentials{Email: authtest.Email, Password: authtest.Password})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return res
}

func assertSessionCleared(t *testing.T, s store.Store) {
	t.Helper()
	for _, key := range store.SessionKeys {
		if _, ok, err := s.Get(context.Background(), key); err != nil || ok {
			t.Fatalf("expected key %q absent, ok=%v err=%v", key, ok, err)
		}
	}
}

func TestLoginPersistsSessionWithEightHourExpiry(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()
	t0 := f.clock.Now()

	res := f.login(t)
	if res.Token != authtest.Token {
		t.Fatalf("token = %q", res.Token)
	}
	if res.User.Email() != authtest.Email || res.User.ID() != "1" {
		t.Fatalf("unexpected user %v", res.User)
	}

	raw, ok, _ := f.store.Get(ctx, store.KeySessionExpiry)
	if !ok {
		t.Fatal("sessionExpiry not stored")
	}
	want := strconv.FormatInt(t0.Add(8*time.Hour).UnixMilli(), 10)
	if raw != want {
		t.Fatalf("sessionExpiry = %s, want %s", raw, want)
	}
	if tok, _, _ := f.store.Get(ctx, store.KeyToken); tok != authtest.Token {
		t.Fatalf("stored token = %q", tok)
	}
	if !f.manager.IsAuthenticated(ctx) {
		t.Fatal("expected authenticated after login")
	}

	f.clock.Advance(8 * time.Hour)
	if !f.manager.IsAuthenticated(ctx) {
		t.Fatal("expected authenticated exactly at expiry")
	}

	f.clock.Advance(time.Millisecond)
	if f.manager.IsAuthenticated(ctx) {
		t.Fatal("expected unauthenticated past expiry")
	}
	assertSessionCleared(t, f.store)
}

func TestLoginRejectedClearsSession(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()
	_ = f.store.Set(ctx, store.KeyToken, "stale")

	_, err := f.manager.Login(ctx, Credentials{Email: authtest.Email, Password: "wrong"})
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthError, got %v", err)
	}
	if authErr.StatusCode != http.StatusUnauthorized || authErr.Message != "Invalid credentials" {
		t.Fatalf("unexpected auth error %+v", authErr)
	}
	if !errors.Is(err, ErrAuth) {
		t.Fatal("expected errors.Is(err, ErrAuth)")
	}
	if UserMessage(err, "Login failed") != "Invalid credentials" {
		t.Fatalf("user message = %q", UserMessage(err, "Login failed"))
	}
	assertSessionCleared(t, f.store)
	if got := f.manager.MetricsSnapshot().Counters[MetricLoginFailure]; got != 1 {
		t.Fatalf("login failure metric = %d", got)
	}
}

func TestLoginInvalidPayloadIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"error"}`))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Endpoints.BaseURL = srv.URL
	m, err := New().WithConfig(cfg).WithStore(store.NewMemoryStore()).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer m.Close()

	_, err = m.Login(context.Background(), Credentials{Email: "a", Password: "b"})
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Message != "Invalid login response" {
		t.Fatalf("expected invalid login response, got %v", err)
	}
}

func TestLoginUnreachableIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := DefaultConfig()
	cfg.Endpoints.BaseURL = url
	m, err := New().WithConfig(cfg).WithStore(store.NewMemoryStore()).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer m.Close()

	_, err = m.Login(context.Background(), Credentials{Email: "a", Password: "b"})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestVerifyWithoutTokenMakesNoCall(t *testing.T) {
	f := newManagerFixture(t, nil)

	_, err := f.manager.VerifyToken(context.Background(), true)
	if !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
	if got := f.server.VerifyCalls.Load(); got != 0 {
		t.Fatalf("verify calls = %d", got)
	}
}

func TestVerifyTwiceWithinDebounceMakesAtMostOneCall(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()
	f.login(t)

	// login counts as a verification
	res, err := f.manager.VerifyToken(ctx, false)
	if err != nil || !res.Cached {
		t.Fatalf("expected cached result, res=%+v err=%v", res, err)
	}

	f.clock.Advance(DefaultVerificationDebounce)
	res, err = f.manager.VerifyToken(ctx, false)
	if err != nil || res.Cached {
		t.Fatalf("expected network result, res=%+v err=%v", res, err)
	}
	f.clock.Advance(time.Minute)
	res, err = f.manager.VerifyToken(ctx, false)
	if err != nil || !res.Cached {
		t.Fatalf("expected cached result, res=%+v err=%v", res, err)
	}

	if got := f.server.VerifyCalls.Load(); got != 1 {
		t.Fatalf("verify calls = %d, want 1", got)
	}
}

func TestConcurrentVerifyCoalesces(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()
	f.login(t)
	f.manager.Invalidate()

	entered, release := f.server.HoldVerify()
	defer release()

	const callers = 8
	var wg sync.WaitGroup
	var failures atomic.Int64
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			if _, err := f.manager.VerifyToken(ctx, false); err != nil {
				failures.Add(1)
			}
		}()
	}

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("verify request never reached the server")
	}
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("%d verifications failed", failures.Load())
	}
	if got := f.server.VerifyCalls.Load(); got != 1 {
		t.Fatalf("verify calls = %d, want 1", got)
	}
}

func TestForcedVerifyAlwaysCallsNetwork(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()
	f.login(t)

	for i := 0; i < 3; i++ {
		res, err := f.manager.VerifyToken(ctx, true)
		if err != nil || res.Cached {
			t.Fatalf("forced verify %d: res=%+v err=%v", i, res, err)
		}
	}
	if got := f.server.VerifyCalls.Load(); got != 3 {
		t.Fatalf("verify calls = %d, want 3", got)
	}
	if auth := f.server.LastAuthorization(); auth != "Bearer "+authtest.Token {
		t.Fatalf("authorization header = %q", auth)
	}
}

func TestVerifyExtendsExpiryAndRewritesChangedUser(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()
	f.login(t)

	f.clock.Advance(3 * time.Hour)
	f.server.SetUser(map[string]any{"id": float64(1), "email": authtest.Email, "name": "Renamed", "role": "admin"})

	res, err := f.manager.VerifyToken(ctx, true)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.ExpiresAt.Equal(f.clock.Now().Add(8 * time.Hour)) {
		t.Fatalf("expires at %v, want %v", res.ExpiresAt, f.clock.Now().Add(8*time.Hour))
	}
	user, ok := f.manager.CurrentUser(ctx)
	if !ok || user.Name() != "Renamed" {
		t.Fatalf("stored user not replaced: %v", user)
	}
}

func TestVerifyRejectedClearsSession(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()
	f.login(t)
	f.server.SetVerifyStatus(http.StatusUnauthorized)

	_, err := f.manager.VerifyToken(ctx, true)
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 auth error, got %v", err)
	}
	assertSessionCleared(t, f.store)
	if f.manager.IsAuthenticated(ctx) {
		t.Fatal("expected unauthenticated")
	}
}

func TestVerifyAfterExpiryClears(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()
	f.login(t)

	f.clock.Advance(8*time.Hour + time.Second)
	_, err := f.manager.VerifyToken(ctx, false)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	assertSessionCleared(t, f.store)
	if got := f.server.VerifyCalls.Load(); got != 0 {
		t.Fatalf("verify calls = %d", got)
	}
}

func TestStaleVerifyResponseDoesNotResurrectSession(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()
	f.login(t)

	entered, release := f.server.HoldVerify()
	defer release()

	errCh := make(chan error, 1)
	go func() {
		_, err := f.manager.VerifyToken(ctx, true)
		errCh <- err
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("verify request never reached the server")
	}
	if err := f.manager.ClearAuth(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	release()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStaleResponse) {
			t.Fatalf("expected ErrStaleResponse, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("verify did not return")
	}

	assertSessionCleared(t, f.store)
	if got := f.manager.MetricsSnapshot().Counters[MetricStaleResponseDiscarded]; got != 1 {
		t.Fatalf("stale metric = %d", got)
	}
}

func TestClearAuthIsIdempotent(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()
	f.login(t)

	before := f.manager.Generation()
	for i := 0; i < 2; i++ {
		if err := f.manager.ClearAuth(ctx); err != nil {
			t.Fatalf("clear %d: %v", i, err)
		}
	}
	assertSessionCleared(t, f.store)
	if f.manager.IsAuthenticated(ctx) {
		t.Fatal("expected unauthenticated after clear")
	}
	snap, err := f.manager.Session(ctx)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if !snap.LastVerificationAt.IsZero() || snap.Generation <= before {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestLogoutClearsEvenWhenEndpointFails(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()
	f.login(t)
	f.server.SetLogoutStatus(http.StatusInternalServerError)

	err := f.manager.Logout(ctx)
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected endpoint error, got %v", err)
	}
	assertSessionCleared(t, f.store)
	if got := f.server.LogoutCalls.Load(); got != 1 {
		t.Fatalf("logout calls = %d", got)
	}
}

func TestLogoutWithoutTokenSkipsEndpoint(t *testing.T) {
	f := newManagerFixture(t, nil)
	if err := f.manager.Logout(context.Background()); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if got := f.server.LogoutCalls.Load(); got != 0 {
		t.Fatalf("logout calls = %d", got)
	}
}

func TestCurrentUserCorruptDocumentClears(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()
	f.login(t)
	_ = f.store.Set(ctx, store.KeyUser, "{not json")

	if _, ok := f.manager.CurrentUser(ctx); ok {
		t.Fatal("expected no user for corrupt document")
	}
	assertSessionCleared(t, f.store)
}

func TestTransportAttachesTokenAndClearsOn401(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.login(t)

	var gotAuth atomic.Value
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer api.Close()

	client := &http.Client{Transport: f.manager.Transport(nil)}
	resp, err := client.Get(api.URL + "/admin-api/blog/list-api.php")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()

	if gotAuth.Load() != "Bearer "+authtest.Token {
		t.Fatalf("authorization = %v", gotAuth.Load())
	}
	assertSessionCleared(t, f.store)
	if got := f.manager.MetricsSnapshot().Counters[MetricUnauthorizedResponse]; got != 1 {
		t.Fatalf("unauthorized metric = %d", got)
	}
}

func TestUnauthorizedHookRuns(t *testing.T) {
	srv := authtest.NewServer()
	defer srv.Close()
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer api.Close()

	cfg := DefaultConfig()
	cfg.Endpoints.BaseURL = srv.URL
	var called atomic.Bool
	m, err := New().
		WithConfig(cfg).
		WithStore(store.NewMemoryStore()).
		WithUnauthorizedHandler(func(context.Context) { called.Store(true) }).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer m.Close()

	client := &http.Client{Transport: m.Transport(nil)}
	resp, err := client.Get(api.URL)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if !called.Load() {
		t.Fatal("expected unauthorized hook to run")
	}
}

func TestRequestPasswordResetPostsEmail(t *testing.T) {
	f := newManagerFixture(t, nil)
	if err := f.manager.RequestPasswordReset(context.Background(), authtest.Email); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if f.server.LastResetEmail() != authtest.Email {
		t.Fatalf("reset email = %q", f.server.LastResetEmail())
	}
	if err := f.manager.RequestPasswordReset(context.Background(), ""); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected auth error for empty email, got %v", err)
	}
}

func TestScheduleVerifyRunsOnlyLastCall(t *testing.T) {
	f := newManagerFixture(t, func(cfg *Config) {
		cfg.Session.ScheduleQuietPeriod = 30 * time.Millisecond
	})
	f.login(t)

	for i := 0; i < 5; i++ {
		f.manager.ScheduleVerify(true)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.server.VerifyCalls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if got := f.server.VerifyCalls.Load(); got != 1 {
		t.Fatalf("verify calls = %d, want 1", got)
	}
}

func TestAuditEventsReachSink(t *testing.T) {
	srv := authtest.NewServer()
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Endpoints.BaseURL = srv.URL
	sink := NewChannelSink(16)
	m, err := New().WithConfig(cfg).WithStore(store.NewMemoryStore()).WithAuditSink(sink).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if _, err := m.Login(context.Background(), Credentials{Email: authtest.Email, Password: authtest.Password}); err != nil {
		t.Fatalf("login: %v", err)
	}
	m.Close()

	select {
	case ev := <-sink.Events():
		if ev.EventType != EventLoginSuccess || ev.UserID != "1" || !ev.Success {
			t.Fatalf("unexpected event %+v", ev)
		}
	default:
		t.Fatal("expected login event to be delivered before Close returned")
	}
	if st := m.AuditStats(); st.Delivered == 0 || st.Dropped != 0 || st.Pending != 0 {
		t.Fatalf("unexpected event stats %+v", st)
	}
}

type failingTokenRead struct {
	store.Store
	err error
}

func (s failingTokenRead) Get(ctx context.Context, key string) (string, bool, error) {
	if key == store.KeyToken {
		return "", false, s.err
	}
	return s.Store.Get(ctx, key)
}

func TestLogoutClearsWhenTokenReadFails(t *testing.T) {
	srv := authtest.NewServer()
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Endpoints.BaseURL = srv.URL
	mem := store.NewMemoryStore()
	readErr := errors.New("disk unavailable")
	m, err := New().WithConfig(cfg).WithStore(failingTokenRead{Store: mem, err: readErr}).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer m.Close()

	ctx := context.Background()
	for _, key := range []string{store.KeyToken, store.KeyUser, store.KeySessionExpiry} {
		if err := mem.Set(ctx, key, "x"); err != nil {
			t.Fatalf("seed %s: %v", key, err)
		}
	}

	if err := m.Logout(ctx); !errors.Is(err, readErr) {
		t.Fatalf("expected read error, got %v", err)
	}
	assertSessionCleared(t, mem)
	if got := srv.LogoutCalls.Load(); got != 0 {
		t.Fatalf("logout calls = %d", got)
	}
}

func TestClearIfGenerationSkipsNewerSession(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()

	stale := f.manager.Generation()
	f.login(t)

	cleared, err := f.manager.ClearIfGeneration(ctx, stale)
	if err != nil || cleared {
		t.Fatalf("cleared=%v err=%v, want the newer session kept", cleared, err)
	}
	if !f.manager.IsAuthenticated(ctx) {
		t.Fatal("newer session was removed")
	}

	cleared, err = f.manager.ClearIfGeneration(ctx, f.manager.Generation())
	if err != nil || !cleared {
		t.Fatalf("cleared=%v err=%v, want a clear at the current generation", cleared, err)
	}
	assertSessionCleared(t, f.store)
}
