package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/vu-isis/depi/internal/audit"
	"github.com/vu-isis/depi/internal/auth"
	"github.com/vu-isis/depi/internal/config"
	"github.com/vu-isis/depi/internal/rpc"
	"github.com/vu-isis/depi/internal/server"
	"github.com/vu-isis/depi/internal/storage"

	_ "github.com/vu-isis/depi/internal/storage/memjson"
	_ "github.com/vu-isis/depi/internal/storage/sqlite"
)

// startupTimeout bounds how long serve waits for the listeners.
const startupTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the depi server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func newLogger() *slog.Logger {
	var w io.Writer = os.Stderr
	if filename := config.GetString("logging.filename"); filename != "" {
		w = &lumberjack.Logger{
			Filename:   filename,
			MaxSize:    config.GetInt("logging.max_size_mb"),
			MaxBackups: config.GetInt("logging.max_backups"),
		}
	}
	level := slog.LevelInfo
	switch strings.ToLower(config.GetString("logging.level")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func buildAuthorizer() (*auth.Authorizer, error) {
	enabled := config.GetBool("authorization.enabled")
	var rules map[string][]string
	if file := config.GetString("authorization.auth_def_file"); file != "" {
		var err error
		rules, err = auth.LoadRuleFile(file)
		if err != nil {
			return nil, err
		}
	}
	entries := map[string][]string{}
	for _, u := range config.Users() {
		entries[u.Name] = u.Rules
	}
	return auth.NewAuthorizer(enabled, rules, entries)
}

func listenEndpoints() []rpc.Endpoint {
	var endpoints []rpc.Endpoint
	if port := config.GetInt("server.insecure_port"); port > 0 {
		addr := net.JoinHostPort(config.GetString("server.host"), strconv.Itoa(port))
		endpoints = append(endpoints, rpc.Endpoint{Network: "tcp", Address: addr})
	}
	if socket := config.GetString("server.unix_socket"); socket != "" {
		endpoints = append(endpoints, rpc.Endpoint{Network: "unix", Address: socket})
	}
	return endpoints
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	slog.SetDefault(logger)

	stateDir := config.GetString("db.state_dir")
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	// One server per state directory.
	stateLock := flock.New(filepath.Join(stateDir, "depi.lock"))
	locked, err := stateLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring state lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another depi server is using %s", stateDir)
	}
	defer stateLock.Unlock()

	db, err := storage.Open(&storage.Config{
		Type:          config.GetString("db.type"),
		StateDir:      stateDir,
		Path:          config.GetString("db.path"),
		PoolSize:      config.GetInt("db.pool_size"),
		DefaultBranch: config.GetString("db.default_branch"),
		PathSeparator: config.PathSeparator,
	})
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer db.Close()

	authorizer, err := buildAuthorizer()
	if err != nil {
		return fmt.Errorf("loading authorization rules: %w", err)
	}
	auditLog := audit.New(config.GetString("audit.dir"), config.GetBool("audit.enabled"))
	defer auditLog.Close()

	srv := server.New(db, server.Options{
		Tools:          config.Tools(),
		Users:          config.Users(),
		Authorizer:     authorizer,
		Audit:          auditLog,
		DefaultBranch:  config.GetString("db.default_branch"),
		SessionTimeout: config.SessionTimeout(),
		Logger:         logger,
	})
	defer srv.Close()

	endpoints := listenEndpoints()
	if len(endpoints) == 0 {
		return fmt.Errorf("no listen endpoints configured")
	}
	rpcSrv := rpc.NewServer(srv, endpoints, rpc.Options{
		MaxConnections: config.GetInt("server.max_connections"),
		RequestTimeout: config.GetDuration("server.request_timeout"),
		Logger:         logger,
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- rpcSrv.Start(ctx)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed to start: %w", err)
	case <-rpcSrv.WaitReady():
		logger.Info("depi server ready", "backend", config.GetString("db.type"))
	case <-time.After(startupTimeout):
		rpcSrv.Stop()
		return fmt.Errorf("server failed to start within %s", startupTimeout)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		cancel()
		rpcSrv.Stop()
		<-serverErr
		return nil
	case err := <-serverErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}
