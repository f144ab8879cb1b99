package sessionkit

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

// Session timing defaults.
const (
	DefaultSessionDuration      = 8 * time.Hour
	DefaultVerificationDebounce = 20 * time.Minute
	DefaultRefreshInterval      = 4 * time.Minute
	DefaultGateInterval         = 5 * time.Minute
	DefaultGateInitialDelay     = time.Second
)

// Config holds everything a [Manager] and its collaborators need. Build one
// with [DefaultConfig], adjust it, and pass it to [Builder.WithConfig].
type Config struct {
	Endpoints EndpointConfig
	Session   SessionConfig
	Store     StoreConfig
	Provider  ProviderConfig
	Gate      GateConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

/*
====================================
ENDPOINT CONFIG
====================================
*/

// EndpointConfig locates the REST auth endpoints. Paths are joined to BaseURL.
type EndpointConfig struct {
	BaseURL            string
	LoginPath          string
	VerifyPath         string
	LogoutPath         string
	ForgotPasswordPath string
	Timeout            time.Duration
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls session lifetime and verification pacing.
type SessionConfig struct {
	// Duration is added to the current time on every successful login or
	// verification.
	Duration time.Duration
	// VerificationDebounce suppresses non-forced network verifications that
	// follow the previous one within this window.
	VerificationDebounce time.Duration
	// ScheduleQuietPeriod is the trailing-edge delay used by
	// [Manager.ScheduleVerify]. Zero means VerificationDebounce.
	ScheduleQuietPeriod time.Duration
}

/*
====================================
STORE CONFIG
====================================
*/

// StoreConfig selects the persisted key/value backend.
type StoreConfig struct {
	Backend       string
	Dir           string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	RedisChannel  string
}

/*
====================================
PROVIDER / GATE CONFIG
====================================
*/

// ProviderConfig controls the background refresh of a provider.
type ProviderConfig struct {
	RefreshInterval time.Duration
}

// GateConfig controls the route gate's redirect target and its own periodic
// forced verification.
type GateConfig struct {
	LoginPath    string
	InitialDelay time.Duration
	Interval     time.Duration
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

// AuditConfig controls asynchronous session event delivery.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the settings the admin console ships with.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Endpoints: EndpointConfig{
			BaseURL:            "http://localhost/api",
			LoginPath:          "/auth/login-api.php",
			VerifyPath:         "/auth/verify-token-api.php",
			LogoutPath:         "/admin-api/auth/logout-api.php",
			ForgotPasswordPath: "/auth/forgot-password-api.php",
			Timeout:            15 * time.Second,
		},
		Session: SessionConfig{
			Duration:             DefaultSessionDuration,
			VerificationDebounce: DefaultVerificationDebounce,
		},
		Store: StoreConfig{
			Backend:      "memory",
			RedisPrefix:  "sk",
			RedisChannel: "sk:events",
		},
		Provider: ProviderConfig{
			RefreshInterval: DefaultRefreshInterval,
		},
		Gate: GateConfig{
			LoginPath:    "/login",
			InitialDelay: DefaultGateInitialDelay,
			Interval:     DefaultGateInterval,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	return cfg
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	// Endpoints
	if strings.TrimSpace(c.Endpoints.BaseURL) == "" {
		return errors.New("Endpoints BaseURL must be set")
	}
	u, err := url.Parse(c.Endpoints.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("Endpoints BaseURL must be an absolute URL")
	}
	if c.Endpoints.LoginPath == "" || c.Endpoints.VerifyPath == "" || c.Endpoints.LogoutPath == "" {
		return errors.New("Endpoints login, verify and logout paths must be set")
	}
	if c.Endpoints.Timeout < 0 {
		return errors.New("Endpoints Timeout must be >= 0")
	}

	// Session
	if c.Session.Duration <= 0 {
		return errors.New("Session Duration must be > 0")
	}
	if c.Session.VerificationDebounce < 0 {
		return errors.New("Session VerificationDebounce must be >= 0")
	}
	if c.Session.VerificationDebounce >= c.Session.Duration {
		return errors.New("Session VerificationDebounce must be shorter than Duration")
	}
	if c.Session.ScheduleQuietPeriod < 0 {
		return errors.New("Session ScheduleQuietPeriod must be >= 0")
	}

	// Store
	switch c.Store.Backend {
	case "", "memory":
	case "file":
		if c.Store.Dir == "" {
			return errors.New("Store Dir is required for the file backend")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return errors.New("Store RedisAddr is required for the redis backend")
		}
	default:
		return errors.New("unsupported Store Backend")
	}

	// Provider / Gate
	if c.Provider.RefreshInterval <= 0 {
		return errors.New("Provider RefreshInterval must be > 0")
	}
	if c.Gate.Interval <= 0 {
		return errors.New("Gate Interval must be > 0")
	}
	if c.Gate.InitialDelay < 0 {
		return errors.New("Gate InitialDelay must be >= 0")
	}
	if !strings.HasPrefix(c.Gate.LoginPath, "/") {
		return errors.New("Gate LoginPath must be an absolute path")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when enabled")
	}

	return nil
}

func (c *Config) quietPeriod() time.Duration {
	if c.Session.ScheduleQuietPeriod > 0 {
		return c.Session.ScheduleQuietPeriod
	}
	return c.Session.VerificationDebounce
}
