package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fieldtrace/fieldtrace/internal/api"
	"github.com/fieldtrace/fieldtrace/internal/db"
	"github.com/fieldtrace/fieldtrace/internal/logger"
	"github.com/fieldtrace/fieldtrace/internal/middleware"
	"github.com/fieldtrace/fieldtrace/internal/services"
	"github.com/fieldtrace/fieldtrace/internal/session"
	"github.com/fieldtrace/fieldtrace/internal/utils"
)

func main() {
	log, err := logger.New(utils.SafeEnv("FTRACE_MODE", "dev"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Fatal("server exited", "error", err)
	}
}

func run(log *logger.Logger) error {
	addr := utils.SafeEnv("FTRACE_ADDR", ":8080")
	dbPath := utils.SafeEnv("FTRACE_DB_PATH", "data/fieldtrace.db")
	migrationsDir := utils.SafeEnv("FTRACE_MIGRATIONS_DIR", "")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_busy_timeout=5000", filepath.ToSlash(dbPath))
	sqliteDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer func() {
		if cerr := sqliteDB.Close(); cerr != nil {
			log.Warn("close sqlite", "error", cerr)
		}
	}()
	if err := db.RunMigrations(sqliteDB, migrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	store, err := db.NewSQLiteStore(sqliteDB)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	sessions, err := openSessionStore(log)
	if err != nil {
		return err
	}

	queue := services.NewParadataQueue(store, log.With("component", "paradata"))
	ops := services.NewOperationRegistry(log.With("component", "deferred"))
	relay := services.NewRelay(sessions, log.With("component", "relay"))
	prefill := services.NewPrefillService(store, log.With("component", "prefill"))
	callbacks := []services.FieldUpdateCallback{
		services.PrefillCallback(prefill, "accessCode"),
	}
	interviews := services.NewInterviewService(store, queue, relay, ops, callbacks, nil, log.With("component", "interviews"))
	auth := services.NewAuthService(store, middleware.Secret(), 24*time.Hour)

	mux := http.NewServeMux()
	api.NewRouter(interviews, auth, prefill, store, log.With("component", "api")).Register(mux)
	handler := middleware.SecureHeaders(middleware.CORS(middleware.NoStore(middleware.WithAuth(mux))))

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	// Let in-flight deferred operations land and flush the audit trail before
	// the process exits.
	ops.Wait()
	queue.Close()
	return nil
}

func openSessionStore(log *logger.Logger) (session.Store, error) {
	redisAddr := utils.SafeEnv("FTRACE_REDIS_ADDR", "")
	if redisAddr == "" {
		log.Info("using in-memory session store")
		return session.NewMemoryStore(), nil
	}
	ttl := 24 * time.Hour
	if raw := utils.SafeEnv("FTRACE_SESSION_TTL", ""); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("parse FTRACE_SESSION_TTL: %w", err)
		}
		ttl = parsed
	}
	store, err := session.NewRedisStore(redisAddr, ttl)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	log.Info("using redis session store", "addr", redisAddr)
	return store, nil
}
