package commands

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/futurebazaar/sessionkit"
	"github.com/futurebazaar/sessionkit/internal/logger"
	"github.com/futurebazaar/sessionkit/store"
)

var (
	baseURL   string
	backend   string
	storeDir  string
	redisAddr string
	logLevel  string
	logFormat string
)

// app is what every subcommand works with once the root pre-run is done.
type app struct {
	cfg        sessionkit.Config
	store      store.Store
	manager    *sessionkit.Manager
	logger     *slog.Logger
	closeStore func() error
}

func (a *app) Close() error {
	a.manager.Close()
	return a.closeStore()
}

type appKey struct{}

func appFrom(cmd *cobra.Command) (*app, error) {
	a, ok := cmd.Context().Value(appKey{}).(*app)
	if !ok {
		return nil, errors.New("session manager not initialised")
	}
	return a, nil
}

// Execute runs the command tree.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	var opened *app

	root := &cobra.Command{
		Use:           "sessionctl",
		Short:         "Manage the admin console session from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			opened = a
			cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, a))
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if opened == nil {
				return nil
			}
			return opened.Close()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&baseURL, "base-url", "", "auth API base URL (default from SESSIONKIT_BASE_URL or http://localhost/api)")
	flags.StringVar(&backend, "store", "", "session store: memory, file or redis (default file)")
	flags.StringVar(&storeDir, "store-dir", "", "directory for the file store (default ~/.sessionkit)")
	flags.StringVar(&redisAddr, "redis-addr", "", "redis address for the redis store")
	flags.StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	flags.StringVar(&logFormat, "log-format", "text", "log format: json or text")

	root.AddCommand(
		loginCmd(),
		verifyCmd(),
		logoutCmd(),
		whoamiCmd(),
		statusCmd(),
		resetPasswordCmd(),
		watchCmd(),
		serveCmd(),
	)
	root.SetContext(context.Background())
	return root
}

func openApp(ctx context.Context) (*app, error) {
	log, err := logger.SetupDefault(os.Stderr, logger.Options{Level: logLevel, Format: logFormat})
	if err != nil {
		return nil, err
	}

	base := sessionkit.DefaultConfig()
	base.Store.Backend = store.BackendFile
	cfg := sessionkit.LoadConfigFromEnv(base)
	if baseURL != "" {
		cfg.Endpoints.BaseURL = baseURL
	}
	if backend != "" {
		cfg.Store.Backend = backend
	}
	if redisAddr != "" {
		cfg.Store.RedisAddr = redisAddr
	}
	if storeDir != "" {
		cfg.Store.Dir = storeDir
	}
	if cfg.Store.Dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		cfg.Store.Dir = filepath.Join(home, ".sessionkit")
	}

	s, closeStore, err := store.Open(ctx, store.Options{
		Backend:       cfg.Store.Backend,
		Dir:           cfg.Store.Dir,
		RedisAddr:     cfg.Store.RedisAddr,
		RedisPassword: cfg.Store.RedisPassword,
		RedisDB:       cfg.Store.RedisDB,
		RedisPrefix:   cfg.Store.RedisPrefix,
		RedisChannel:  cfg.Store.RedisChannel,
	})
	if err != nil {
		return nil, err
	}

	m, err := sessionkit.New().
		WithConfig(cfg).
		WithStore(s).
		WithLogger(log.With("component", "sessionkit")).
		WithAuditSink(sessionkit.NewSlogSink(log.With("component", "session_events"))).
		Build()
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	return &app{cfg: cfg, store: s, manager: m, logger: log, closeStore: closeStore}, nil
}
