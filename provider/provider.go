package provider

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/futurebazaar/sessionkit"
	"github.com/futurebazaar/sessionkit/store"
)

// CheckMode adjusts CheckAuth.
type CheckMode uint8

const (
	// CheckForce bypasses the verification debounce window.
	CheckForce CheckMode = 1 << iota
	// CheckSkipNavigate clears a failed session without navigating.
	CheckSkipNavigate
)

var errAlreadyStarted = errors.New("provider already started")

// State is a snapshot of what the provider exposes to views.
type State struct {
	User        sessionkit.User
	Loading     bool
	Initialized bool
}

// Authenticated reports whether a user is present.
func (s State) Authenticated() bool {
	return s.User != nil
}

// Provider tracks the signed-in user for one instance.
type Provider struct {
	manager         *sessionkit.Manager
	watcher         store.Watcher
	refreshInterval time.Duration
	navigate        Navigator
	notify          Notifier
	logger          *slog.Logger

	mu          sync.Mutex
	state       State
	subs        map[chan State]struct{}
	refreshStop chan struct{}
	started     bool
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ready     chan struct{}
	readyOnce sync.Once
}

// New returns a provider for manager. It does nothing until Start.
func New(manager *sessionkit.Manager, opts ...Option) *Provider {
	cfg := manager.Config()
	p := &Provider{
		manager:         manager,
		refreshInterval: cfg.Provider.RefreshInterval,
		navigate:        func(context.Context, Reason) {},
		notify:          func(context.Context, Notice) {},
		logger:          manager.Logger(),
		state:           State{Loading: true},
		subs:            make(map[chan State]struct{}),
		ready:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.refreshInterval <= 0 {
		p.refreshInterval = sessionkit.DefaultRefreshInterval
	}
	return p
}

// Start seeds the user from the persisted session, starts the watcher, and
// verifies the session in the background. Ready is closed once that first
// verification attempt finishes. ctx bounds every background goroutine.
func (p *Provider) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errAlreadyStarted
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	if user, ok := p.manager.CurrentUser(p.ctx); ok {
		p.setUser(user)
	}

	if p.watcher != nil {
		events, err := p.watcher.Watch(p.ctx)
		if err != nil {
			p.cancel()
			return err
		}
		p.wg.Add(1)
		go p.watchLoop(events)
	}

	p.wg.Add(1)
	go p.initialize()
	return nil
}

func (p *Provider) initialize() {
	defer p.wg.Done()
	defer p.markReady()

	if !p.manager.IsAuthenticated(p.ctx) {
		p.setUser(nil)
		return
	}
	if !p.CheckAuth(p.ctx, CheckSkipNavigate) {
		p.logger.Info("initial session check failed")
	}
}

func (p *Provider) markReady() {
	p.readyOnce.Do(func() {
		p.update(func(s *State) {
			s.Loading = false
			s.Initialized = true
		})
		close(p.ready)
	})
}

// Manager returns the manager the provider delegates to.
func (p *Provider) Manager() *sessionkit.Manager {
	return p.manager
}

// Ready is closed after the initial verification attempt.
func (p *Provider) Ready() <-chan struct{} {
	return p.ready
}

// Loading reports whether an initial check or a login is in progress.
func (p *Provider) Loading() bool {
	return p.State().Loading
}

// State returns the current snapshot.
func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Subscribe returns a channel that receives the latest state after every
// change. Slow readers only see the most recent state. cancel stops delivery
// and closes the channel.
func (p *Provider) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			if _, ok := p.subs[ch]; ok {
				delete(p.subs, ch)
				close(ch)
			}
			p.mu.Unlock()
		})
	}
}

// CheckAuth verifies the session and updates the user. On failure the
// session is cleared, and unless CheckSkipNavigate is set the navigator runs.
// A session committed while the check was running is kept.
func (p *Provider) CheckAuth(ctx context.Context, mode CheckMode) bool {
	gen := p.manager.Generation()
	res, err := p.manager.VerifyToken(ctx, mode&CheckForce != 0)
	if err == nil {
		p.setUser(res.User)
		return true
	}

	if ctx.Err() != nil {
		return false
	}

	if errors.Is(err, sessionkit.ErrStaleResponse) {
		user, ok := p.manager.CurrentUser(ctx)
		p.setUser(user)
		return ok
	}

	cleared, clearErr := p.manager.ClearIfGeneration(ctx, gen)
	if clearErr != nil {
		p.logger.Warn("clear session failed", "error", clearErr)
	}
	if !cleared {
		// the session moved while verifying; report what is there now
		if user, ok := p.manager.CurrentUser(ctx); ok {
			p.setUser(user)
			return true
		}
	}

	p.logger.Warn("session check failed", "error", err)
	p.setUser(nil)
	if mode&CheckSkipNavigate == 0 {
		p.navigate(ctx, ReasonSessionInvalid)
	}
	return false
}

// Login signs in through the manager and publishes the new user. A closed
// provider returns sessionkit.ErrNotReady.
func (p *Provider) Login(ctx context.Context, creds sessionkit.Credentials) (*sessionkit.LoginResult, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, sessionkit.ErrNotReady
	}

	p.update(func(s *State) { s.Loading = true })
	defer p.update(func(s *State) { s.Loading = false })

	res, err := p.manager.Login(ctx, creds)
	if err != nil {
		p.setUser(nil)
		p.notify(ctx, Notice{Level: LevelError, Message: sessionkit.UserMessage(err, "Login failed")})
		return nil, err
	}

	p.setUser(res.User)
	p.notify(ctx, Notice{Level: LevelSuccess, Message: "Welcome back!"})
	return res, nil
}

// Logout ends the session through the manager, clears the user and
// navigates. The local session is gone even when an error is returned.
func (p *Provider) Logout(ctx context.Context) error {
	err := p.manager.Logout(ctx)
	p.setUser(nil)
	p.navigate(ctx, ReasonLogout)
	return err
}

// Close stops the refresh ticker and the watcher and waits for background
// work to finish.
func (p *Provider) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.refreshStop != nil {
		close(p.refreshStop)
		p.refreshStop = nil
	}
	cancel := p.cancel
	for ch := range p.subs {
		delete(p.subs, ch)
		close(ch)
	}
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

func (p *Provider) setUser(user sessionkit.User) {
	p.update(func(s *State) { s.User = user })
}

// update applies fn, keeps the refresh ticker in step with the user, and
// publishes the result.
func (p *Provider) update(fn func(*State)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fn(&p.state)
	p.syncRefreshLocked()

	snapshot := p.state
	for ch := range p.subs {
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}

func (p *Provider) syncRefreshLocked() {
	switch {
	case p.state.User != nil && p.refreshStop == nil && p.ctx != nil && !p.closed:
		stop := make(chan struct{})
		p.refreshStop = stop
		p.wg.Add(1)
		go p.refreshLoop(stop)
	case p.state.User == nil && p.refreshStop != nil:
		close(p.refreshStop)
		p.refreshStop = nil
	}
}

func (p *Provider) refreshLoop(stop <-chan struct{}) {
	defer p.wg.Done()

	t := time.NewTicker(p.refreshInterval)
	defer t.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-stop:
			return
		case <-t.C:
			p.CheckAuth(p.ctx, CheckSkipNavigate)
		}
	}
}

func (p *Provider) watchLoop(events <-chan store.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.handleStoreEvent(ev)
		}
	}
}

func (p *Provider) handleStoreEvent(ev store.Event) {
	if ev.Key != store.KeyToken && ev.Key != store.KeyUser {
		return
	}

	if ev.Cleared() {
		p.logger.Info("session cleared by another instance", "key", ev.Key)
		p.manager.Invalidate()
		p.setUser(nil)
		return
	}

	switch ev.Key {
	case store.KeyUser:
		user, err := sessionkit.ParseUser([]byte(ev.NewValue))
		if err != nil {
			p.logger.Warn("ignoring unreadable user from another instance", "error", err)
			return
		}
		p.setUser(user)
	case store.KeyToken:
		if user, ok := p.manager.CurrentUser(p.ctx); ok {
			p.setUser(user)
		}
		p.manager.ScheduleVerify(true)
	}
}
