// Command sessionctl exercises the session coordinator interactively:
// restore or establish a session against a token API, watch state
// transitions while the proactive refresh loop runs, and log out on exit.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"authkit/api"
	"authkit/session"
)

func main() {
	configPath := flag.String("config", os.Getenv("AUTHKIT_CONFIG"), "Path to YAML config")
	username := flag.String("username", "", "Username to log in with if no session is restored")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := session.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	store, err := buildStore(cfg, logger)
	if err != nil {
		log.Fatalf("init token store: %v", err)
	}

	ctrl := session.NewController(cfg, store, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Initialize(ctx); err != nil {
		// Temporary failure: tokens are kept, a later run can recover.
		logger.Warn("initialize degraded", "state", ctrl.State().String(), "error", err)
	}

	if !ctrl.IsAuthenticated() {
		if err := runLogin(ctx, ctrl, *username); err != nil {
			fmt.Fprintln(os.Stderr, api.LoginMessage(err))
			os.Exit(1)
		}
	}

	fmt.Printf("session active: %s\n", string(ctrl.User()))

	snapshots, cancel := ctrl.Subscribe()
	defer cancel()
	go func() {
		for snap := range snapshots {
			logger.Info("session state changed", "state", snap.State.String())
		}
	}()

	// Blocks until interrupted; the loop keeps the access token fresh.
	ctrl.Run(ctx)

	logoutCtx, cancelLogout := context.WithTimeout(context.Background(), cfg.Transport.Timeout)
	defer cancelLogout()
	ctrl.Logout(logoutCtx)
	logger.Info("session closed")
}

func buildStore(cfg session.Config, logger *slog.Logger) (session.TokenStore, error) {
	if cfg.Storage.Path == "" {
		return session.NewMemoryStore(), nil
	}
	return session.NewFileStore(cfg.Storage.Path, logger)
}

func runLogin(ctx context.Context, ctrl *session.Controller, username string) error {
	reader := bufio.NewReader(os.Stdin)
	if username == "" {
		username = ask(reader, "Username")
	}
	password := ask(reader, "Password")
	return ctrl.Login(ctx, username, password)
}

func ask(reader *bufio.Reader, prompt string) string {
	fmt.Printf("%s: ", prompt)
	input, _ := reader.ReadString('\n')
	return strings.TrimSpace(input)
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
