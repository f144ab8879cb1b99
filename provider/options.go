package provider

import (
	"context"
	"log/slog"
	"time"

	"github.com/futurebazaar/sessionkit/store"
)

// Reason explains why the provider navigated away.
type Reason string

const (
	ReasonLogout         Reason = "logout"
	ReasonSessionInvalid Reason = "session_invalid"
)

// Navigator moves the caller to the login screen.
type Navigator func(ctx context.Context, reason Reason)

// Level classifies a notice.
type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notice is a short message meant for the person using the console.
type Notice struct {
	Level   Level
	Message string
}

// Notifier delivers notices, for example as toasts or terminal lines.
type Notifier func(ctx context.Context, n Notice)

// Option configures a Provider.
type Option func(*Provider)

// WithWatcher subscribes the provider to changes made by other instances.
func WithWatcher(w store.Watcher) Option {
	return func(p *Provider) { p.watcher = w }
}

// WithRefreshInterval sets how often a present user is re-verified.
func WithRefreshInterval(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.refreshInterval = d
		}
	}
}

func WithNavigator(n Navigator) Option {
	return func(p *Provider) { p.navigate = n }
}

func WithNotifier(n Notifier) Option {
	return func(p *Provider) { p.notify = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}
