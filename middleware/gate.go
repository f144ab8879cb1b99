package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/futurebazaar/sessionkit"
	"github.com/futurebazaar/sessionkit/provider"
)

var errGateStarted = errors.New("gate already started")

const loadingPage = `<!doctype html>
<html><head><meta charset="utf-8"><meta http-equiv="refresh" content="1"><title>Loading</title>
<style>body{display:flex;min-height:100vh;align-items:center;justify-content:center;margin:0}
.spinner{width:48px;height:48px;border:4px solid #ddd;border-top-color:#333;border-radius:50%;animation:spin 1s linear infinite}
@keyframes spin{to{transform:rotate(360deg)}}</style></head>
<body><div class="spinner"></div></body></html>
`

// RedirectFunc is called by the background verifier when the session has
// become invalid. location is the login URL including the last attempted
// route.
type RedirectFunc func(ctx context.Context, location string)

// Gate protects routes behind the provider's user.
type Gate struct {
	provider     *provider.Provider
	loginPath    string
	initialDelay time.Duration
	interval     time.Duration
	placeholder  http.Handler
	onRedirect   RedirectFunc
	logger       *slog.Logger

	mu           sync.Mutex
	lastLocation string
	cancel       context.CancelFunc
	done         chan struct{}
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithPlaceholder replaces the default loading page.
func WithPlaceholder(h http.Handler) GateOption {
	return func(g *Gate) {
		if h != nil {
			g.placeholder = h
		}
	}
}

// WithRedirect sets the hook used by the background verifier.
func WithRedirect(fn RedirectFunc) GateOption {
	return func(g *Gate) { g.onRedirect = fn }
}

func WithLoginPath(path string) GateOption {
	return func(g *Gate) {
		if path != "" {
			g.loginPath = path
		}
	}
}

// WithSchedule overrides the background verification timing.
func WithSchedule(initialDelay, interval time.Duration) GateOption {
	return func(g *Gate) {
		if initialDelay >= 0 {
			g.initialDelay = initialDelay
		}
		if interval > 0 {
			g.interval = interval
		}
	}
}

func WithLogger(l *slog.Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGate builds a gate from the manager's gate configuration.
func NewGate(p *provider.Provider, opts ...GateOption) *Gate {
	m := p.Manager()
	cfg := m.Config().Gate
	g := &Gate{
		provider:     p,
		loginPath:    cfg.LoginPath,
		initialDelay: cfg.InitialDelay,
		interval:     cfg.Interval,
		placeholder:  http.HandlerFunc(servePlaceholder),
		onRedirect:   func(context.Context, string) {},
		logger:       m.Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.loginPath == "" {
		g.loginPath = "/login"
	}
	if g.interval <= 0 {
		g.interval = sessionkit.DefaultGateInterval
	}
	return g
}

// Handler wraps next so it only runs for a signed-in user.
func (g *Gate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := g.provider.State()
		if st.Loading {
			g.placeholder.ServeHTTP(w, r)
			return
		}

		location := r.URL.RequestURI()
		g.mu.Lock()
		g.lastLocation = location
		g.mu.Unlock()

		if !st.Authenticated() {
			http.Redirect(w, r, g.loginURL(location), http.StatusSeeOther)
			return
		}

		next.ServeHTTP(w, r.WithContext(sessionkit.WithUser(r.Context(), st.User)))
	})
}

// LoginURL returns where a visitor of location is sent to sign in.
func (g *Gate) LoginURL(location string) string {
	return g.loginURL(location)
}

func (g *Gate) loginURL(from string) string {
	if from == "" {
		return g.loginPath
	}
	return g.loginPath + "?" + url.Values{"from": {from}}.Encode()
}

// LastLocation is the most recent route a request asked for.
func (g *Gate) LastLocation() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastLocation
}

// Start launches the background verifier. It stops on Stop or when ctx ends.
func (g *Gate) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return errGateStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.done = make(chan struct{})
	go g.run(ctx, g.done)
	return nil
}

// Stop halts the background verifier and waits for it to exit. A stopped
// gate can be started again.
func (g *Gate) Stop() {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel, g.done = nil, nil
	g.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (g *Gate) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(g.initialDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	g.check(ctx)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.check(ctx)
		}
	}
}

func (g *Gate) check(ctx context.Context) {
	// nothing to verify while signed out; the handler redirects on access
	if g.provider.State().User == nil {
		return
	}
	if g.provider.CheckAuth(ctx, provider.CheckForce|provider.CheckSkipNavigate) {
		return
	}
	if ctx.Err() != nil {
		return
	}
	location := g.loginURL(g.LastLocation())
	g.logger.Info("gate redirecting to login", "location", location)
	g.onRedirect(ctx, location)
}

// UserFromContext returns the user the gate attached to the request.
func UserFromContext(ctx context.Context) (sessionkit.User, bool) {
	return sessionkit.UserFromContext(ctx)
}

func servePlaceholder(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Retry-After", "1")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(loadingPage))
}
