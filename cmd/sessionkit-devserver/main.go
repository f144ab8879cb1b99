package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/futurebazaar/sessionkit/internal/devserver"
	"github.com/futurebazaar/sessionkit/internal/logger"
)

func main() {
	var (
		addr       = flag.String("addr", "127.0.0.1:8080", "listen address")
		redisAddr  = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix     = flag.String("prefix", "sk", "redis key prefix")
		email      = flag.String("email", "admin@futurebazaar.com", "seed account email")
		password   = flag.String("password", "", "seed account password (default from DEVSERVER_PASSWORD)")
		signingKey = flag.String("signing-key", "", "HS256 key of at least 32 bytes; empty generates an Ed25519 key")
		tokenTTL   = flag.Duration("token-ttl", 8*time.Hour, "issued token lifetime")
		logLevel   = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	log, err := logger.SetupDefault(os.Stdout, logger.Options{Level: *logLevel})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if *password == "" {
		*password = os.Getenv("DEVSERVER_PASSWORD")
	}
	if *password == "" {
		fmt.Fprintln(os.Stderr, "a seed password is required (-password or DEVSERVER_PASSWORD)")
		os.Exit(2)
	}

	target := *redisAddr
	if target == "" {
		target = os.Getenv("REDIS_ADDR")
	}

	var cleanup func()
	if target == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		target = mr.Addr()
		cleanup = mr.Close
		log.Info("using embedded miniredis", "addr", target)
	} else {
		cleanup = func() {}
		log.Info("using redis", "addr", target)
	}
	defer cleanup()

	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{target}})
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "redis unreachable: %v\n", err)
		os.Exit(1)
	}

	srv, err := devserver.New(devserver.Config{
		TokenTTL:    *tokenTTL,
		SigningKey:  []byte(*signingKey),
		Redis:       client,
		RedisPrefix: *prefix,
		Logger:      log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "devserver: %v\n", err)
		os.Exit(1)
	}
	acct, err := srv.Accounts().Add(*email, "Admin", "admin", *password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed account: %v\n", err)
		os.Exit(1)
	}
	log.Info("seeded account", "user_id", acct.ID, "email", acct.Email)

	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	log.Info("devserver listening", "addr", *addr, "base_url", "http://"+*addr+"/api")

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "listen: %v\n", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown", "error", err)
		}
	}
}
