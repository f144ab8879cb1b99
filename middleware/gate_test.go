package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/futurebazaar/sessionkit"
	"github.com/futurebazaar/sessionkit/internal/authtest"
	"github.com/futurebazaar/sessionkit/provider"
	"github.com/futurebazaar/sessionkit/store"
)

func newManager(t *testing.T, srv *authtest.Server) *sessionkit.Manager {
	t.Helper()
	cfg := sessionkit.DefaultConfig()
	cfg.Endpoints.BaseURL = srv.URL
	cfg.Audit.Enabled = false
	m, err := sessionkit.New().WithConfig(cfg).WithStore(store.NewMemoryStore()).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func startedProvider(t *testing.T, m *sessionkit.Manager) *provider.Provider {
	t.Helper()
	p := provider.New(m)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(p.Close)
	select {
	case <-p.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("provider never became ready")
	}
	return p
}

func protected(t *testing.T, called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		user, ok := UserFromContext(r.Context())
		if !ok {
			t.Error("expected user in request context")
		}
		_, _ = w.Write([]byte(user.Email()))
	})
}

func TestGateServesPlaceholderWhileLoading(t *testing.T) {
	srv := authtest.NewServer()
	defer srv.Close()

	p := provider.New(newManager(t, srv))
	called := false
	h := NewGate(p).Handler(protected(t, &called))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "1" {
		t.Fatalf("missing Retry-After header")
	}
	if !strings.Contains(rr.Body.String(), "spinner") {
		t.Fatal("expected loading page")
	}
	if called {
		t.Fatal("protected handler must not run while loading")
	}
}

func TestGateRedirectsAnonymousVisitor(t *testing.T) {
	srv := authtest.NewServer()
	defer srv.Close()

	p := startedProvider(t, newManager(t, srv))
	called := false
	g := NewGate(p)
	h := g.Handler(protected(t, &called))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/orders?page=2", nil))

	if rr.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rr.Code)
	}
	if got, want := rr.Header().Get("Location"), "/login?from=%2Fadmin%2Forders%3Fpage%3D2"; got != want {
		t.Fatalf("Location = %q, want %q", got, want)
	}
	if called {
		t.Fatal("protected handler must not run without a user")
	}
	if g.LastLocation() != "/admin/orders?page=2" {
		t.Fatalf("last location = %q", g.LastLocation())
	}
}

func TestGatePassesUserToProtectedHandler(t *testing.T) {
	srv := authtest.NewServer()
	defer srv.Close()

	p := startedProvider(t, newManager(t, srv))
	if _, err := p.Login(context.Background(), sessionkit.Credentials{Email: authtest.Email, Password: authtest.Password}); err != nil {
		t.Fatalf("login: %v", err)
	}

	called := false
	h := NewGate(p).Handler(protected(t, &called))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin", nil))

	if rr.Code != http.StatusOK || !called {
		t.Fatalf("status = %d called = %v", rr.Code, called)
	}
	if rr.Body.String() != authtest.Email {
		t.Fatalf("body = %q", rr.Body.String())
	}
}

func TestGateBackgroundCheckRedirectsOnInvalidSession(t *testing.T) {
	srv := authtest.NewServer()
	defer srv.Close()

	m := newManager(t, srv)
	p := startedProvider(t, m)
	if _, err := p.Login(context.Background(), sessionkit.Credentials{Email: authtest.Email, Password: authtest.Password}); err != nil {
		t.Fatalf("login: %v", err)
	}

	var mu sync.Mutex
	var redirects []string
	g := NewGate(p,
		WithSchedule(10*time.Millisecond, time.Hour),
		WithRedirect(func(_ context.Context, location string) {
			mu.Lock()
			redirects = append(redirects, location)
			mu.Unlock()
		}),
	)

	called := false
	rr := httptest.NewRecorder()
	g.Handler(protected(t, &called)).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/users", nil))

	srv.SetVerifyStatus(http.StatusUnauthorized)
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer g.Stop()
	if err := g.Start(context.Background()); err == nil {
		t.Fatal("expected second start to fail")
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(redirects)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background check never redirected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	got := redirects[0]
	mu.Unlock()
	if got != "/login?from=%2Fadmin%2Fusers" {
		t.Fatalf("redirect = %q", got)
	}
	if p.State().Authenticated() || m.IsAuthenticated(context.Background()) {
		t.Fatal("expected session cleared")
	}
	if srv.VerifyCalls.Load() < 1 {
		t.Fatal("expected forced network verification")
	}
}

func TestGateBackgroundCheckIdleWithoutUser(t *testing.T) {
	srv := authtest.NewServer()
	defer srv.Close()

	m := newManager(t, srv)
	p := startedProvider(t, m)
	gen := m.Generation()

	var mu sync.Mutex
	redirects := 0
	g := NewGate(p,
		WithSchedule(10*time.Millisecond, 20*time.Millisecond),
		WithRedirect(func(context.Context, string) {
			mu.Lock()
			redirects++
			mu.Unlock()
		}),
	)
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(120 * time.Millisecond)
	g.Stop()

	mu.Lock()
	defer mu.Unlock()
	if redirects != 0 {
		t.Fatalf("redirects without a user = %d", redirects)
	}
	if got := m.Generation(); got != gen {
		t.Fatalf("generation moved from %d to %d, session was cleared", gen, got)
	}
	if got := m.MetricsSnapshot().Counters[sessionkit.MetricSessionCleared]; got != 0 {
		t.Fatalf("session cleared %d times", got)
	}
	if srv.VerifyCalls.Load() != 0 {
		t.Fatalf("verify calls = %d", srv.VerifyCalls.Load())
	}
}

func TestGateStopIsIdempotent(t *testing.T) {
	srv := authtest.NewServer()
	defer srv.Close()

	g := NewGate(startedProvider(t, newManager(t, srv)), WithSchedule(time.Hour, time.Hour))
	g.Stop()
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	g.Stop()
	g.Stop()
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	g.Stop()
}
