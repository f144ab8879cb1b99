package sessionkit

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	internalaudit "github.com/futurebazaar/sessionkit/internal/audit"
	"github.com/futurebazaar/sessionkit/store"
)

// Builder assembles a [Manager]. Configure it during initialization and call
// Build once.
type Builder struct {
	config Config
	store  store.Store

	httpClient     *http.Client
	logger         *slog.Logger
	auditSink      AuditSink
	clock          func() time.Time
	onUnauthorized func(context.Context)

	built bool
}

// New returns a builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithStore sets the persisted key/value backend. Build fails without one.
func (b *Builder) WithStore(s store.Store) *Builder {
	b.store = s
	return b
}

// WithHTTPClient overrides the client used for auth endpoint calls. When
// unset, a client with Endpoints.Timeout is created.
func (b *Builder) WithHTTPClient(c *http.Client) *Builder {
	b.httpClient = c
	return b
}

func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// WithClock replaces time.Now for session expiry and debounce decisions.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.clock = now
	return b
}

// WithUnauthorizedHandler registers a hook run after a 401 seen by
// [Manager.Transport] has cleared the session.
func (b *Builder) WithUnauthorizedHandler(fn func(context.Context)) *Builder {
	b.onUnauthorized = fn
	return b
}

// Build validates the configuration and returns a ready Manager.
func (b *Builder) Build() (*Manager, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	cfg := cloneConfig(b.config)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.store == nil {
		return nil, errors.New("store required")
	}

	client := b.httpClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Endpoints.Timeout}
	}
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := b.clock
	if clock == nil {
		clock = time.Now
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:            cfg,
		store:          b.store,
		client:         client,
		logger:         logger.With("component", "sessionkit"),
		metrics:        NewMetrics(cfg.Metrics),
		now:            clock,
		onUnauthorized: b.onUnauthorized,
		schedule:       newScheduler(cfg.quietPeriod()),
		bgCtx:          bgCtx,
		bgCancel:       bgCancel,
	}
	m.audit = internalaudit.NewDispatcher(internalaudit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)

	b.built = true

	return m, nil
}
