package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/saleshub/api-go/internal/blob"
	"github.com/example/saleshub/api-go/internal/config"
	"github.com/example/saleshub/api-go/internal/httpapi"
	"github.com/example/saleshub/api-go/internal/logging"
	"github.com/example/saleshub/api-go/internal/processes"
	"github.com/example/saleshub/api-go/internal/queue"
	"github.com/example/saleshub/api-go/internal/runner"
	"github.com/example/saleshub/api-go/internal/store"
)

func main() {
	loadDotEnv()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "saleshub-api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queueStore, err := openQueue(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}
	defer func() { _ = queueStore.Close() }()

	jobStore, err := store.Open(filepath.Join(cfg.DataDir, "jobs.db"))
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer func() { _ = jobStore.Close() }()
	if n, err := jobStore.FailUnfinished(ctx, "server restarted"); err != nil {
		logger.Warn("fail unfinished jobs", zap.Error(err))
	} else if n > 0 {
		logger.Info("marked unfinished jobs failed", zap.Int("count", n))
	}

	procs, err := processes.Registry(cfg.ProcessTypes)
	if err != nil {
		return err
	}
	blobStore := blob.LocalFS{Root: cfg.DataDir}
	jobs := runner.NewManager(jobStore, blobStore, procs, runner.Options{
		LeaseTTL: cfg.LeaseTTL,
		Logger:   logger.Named("runner"),
	})
	queueSvc := queue.NewService(queueStore, logger.Named("queue"))

	baseURL := cfg.BaseURL
	if baseURL == "" {
		addr := cfg.Addr
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		baseURL = fmt.Sprintf("http://%s", addr)
	}

	server := httpapi.Server{
		Queue:          queueSvc,
		Runner:         jobs,
		Jobs:           jobStore,
		Blobs:          blobStore,
		BaseURL:        baseURL,
		Logger:         logger.Named("http"),
		AllowedOrigins: cfg.AllowedOrigins,
	}
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("API listening",
			zap.String("addr", cfg.Addr),
			zap.String("base_url", baseURL),
			zap.String("queue_backend", cfg.QueueBackend),
			zap.Strings("process_types", cfg.ProcessTypes),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return queueSvc.RunSweeper(gctx, cfg.SweepInterval, cfg.EntryMaxAge)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return shutdown(shutdownCtx, logger, jobs, httpServer)
	})
	return g.Wait()
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// shutdown stops the job runner before the HTTP server. Open job streams end
// once their jobs stop, so the server's drain does not wait on running work.
func shutdown(ctx context.Context, logger *zap.Logger, jobs, httpServer shutdowner) error {
	jobsErr := jobs.Shutdown(ctx)
	if jobsErr != nil {
		logger.Warn("job runner shutdown", zap.Error(jobsErr))
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
		return err
	}
	return jobsErr
}

func openQueue(ctx context.Context, cfg config.Config) (queue.Store, error) {
	switch cfg.QueueBackend {
	case config.BackendPostgres:
		return queue.OpenPostgres(cfg.DatabaseURL)
	case config.BackendRedis:
		return queue.OpenRedis(ctx, cfg.RedisURL, "")
	case config.BackendMemory:
		return queue.NewMemory(), nil
	default:
		return queue.OpenSQLite(filepath.Join(cfg.DataDir, "queue.db"))
	}
}

func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
