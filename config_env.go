package sessionkit

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment variable read by LoadConfigFromEnv.
const EnvPrefix = "SESSIONKIT_"

// LoadConfigFromEnv overlays SESSIONKIT_* environment variables on base.
// Unset or unparsable variables leave the base value in place.
func LoadConfigFromEnv(base Config) Config {
	cfg := cloneConfig(base)

	cfg.Endpoints.BaseURL = getEnvString("BASE_URL", cfg.Endpoints.BaseURL)
	cfg.Endpoints.LoginPath = getEnvString("LOGIN_PATH", cfg.Endpoints.LoginPath)
	cfg.Endpoints.VerifyPath = getEnvString("VERIFY_PATH", cfg.Endpoints.VerifyPath)
	cfg.Endpoints.LogoutPath = getEnvString("LOGOUT_PATH", cfg.Endpoints.LogoutPath)
	cfg.Endpoints.ForgotPasswordPath = getEnvString("FORGOT_PASSWORD_PATH", cfg.Endpoints.ForgotPasswordPath)
	cfg.Endpoints.Timeout = getEnvDuration("HTTP_TIMEOUT", cfg.Endpoints.Timeout)

	cfg.Session.Duration = getEnvDuration("SESSION_DURATION", cfg.Session.Duration)
	cfg.Session.VerificationDebounce = getEnvDuration("VERIFICATION_DEBOUNCE", cfg.Session.VerificationDebounce)
	cfg.Session.ScheduleQuietPeriod = getEnvDuration("SCHEDULE_QUIET_PERIOD", cfg.Session.ScheduleQuietPeriod)

	cfg.Store.Backend = strings.ToLower(getEnvString("STORE", cfg.Store.Backend))
	cfg.Store.Dir = getEnvString("STORE_DIR", cfg.Store.Dir)
	cfg.Store.RedisAddr = getEnvString("REDIS_ADDR", cfg.Store.RedisAddr)
	cfg.Store.RedisPassword = getEnvString("REDIS_PASSWORD", cfg.Store.RedisPassword)
	cfg.Store.RedisDB = getEnvInt("REDIS_DB", cfg.Store.RedisDB)
	cfg.Store.RedisPrefix = getEnvString("REDIS_PREFIX", cfg.Store.RedisPrefix)
	cfg.Store.RedisChannel = getEnvString("REDIS_CHANNEL", cfg.Store.RedisChannel)

	cfg.Provider.RefreshInterval = getEnvDuration("REFRESH_INTERVAL", cfg.Provider.RefreshInterval)
	cfg.Gate.LoginPath = getEnvString("LOGIN_ROUTE", cfg.Gate.LoginPath)
	cfg.Gate.Interval = getEnvDuration("GATE_INTERVAL", cfg.Gate.Interval)
	cfg.Gate.InitialDelay = getEnvDuration("GATE_INITIAL_DELAY", cfg.Gate.InitialDelay)

	cfg.Audit.Enabled = getEnvBool("AUDIT_ENABLED", cfg.Audit.Enabled)
	cfg.Audit.BufferSize = getEnvInt("AUDIT_BUFFER", cfg.Audit.BufferSize)
	cfg.Metrics.Enabled = getEnvBool("METRICS_ENABLED", cfg.Metrics.Enabled)

	return cfg
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
