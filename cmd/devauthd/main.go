// Command devauthd runs the stub credential backend as a standalone
// process, useful for developing frontends against the session coordinator
// without the real API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"authkit/devauth"
)

func main() {
	listenAddr := flag.String("listen", getEnv("DEVAUTH_LISTEN", "127.0.0.1:8089"), "Listen address")
	accessTTL := flag.Duration("access-ttl", 10*time.Minute, "Access token lifetime")
	refreshTTL := flag.Duration("refresh-ttl", 24*time.Hour, "Refresh token lifetime")
	rotate := flag.Bool("rotate-refresh", false, "Rotate the refresh token on every refresh exchange")
	accounts := flag.String("accounts", getEnv("DEVAUTH_ACCOUNTS", "dev:dev"), "Comma-separated user:password pairs to seed")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	srv, err := devauth.NewServer(devauth.Options{
		AccessTTL:     *accessTTL,
		RefreshTTL:    *refreshTTL,
		RotateRefresh: *rotate,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("init backend: %v", err)
	}

	seeded, err := seedAccounts(srv, *accounts)
	if err != nil {
		log.Fatalf("seed accounts: %v", err)
	}
	logger.Info("accounts seeded", "count", seeded)

	httpSrv := &http.Server{
		Addr:         *listenAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("devauth listening", "addr", *listenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

func seedAccounts(srv *devauth.Server, spec string) (int, error) {
	count := 0
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		username, password, ok := strings.Cut(pair, ":")
		if !ok || username == "" || password == "" {
			return count, fmt.Errorf("malformed account spec %q, want user:password", pair)
		}
		if err := srv.AddAccount(username, password, nil); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
