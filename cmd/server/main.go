// Command server wires together the EverTask components (storage, queue
// manager, timer scheduler, worker executor, dispatcher, recovery, monitor,
// HTTP surface) and runs them as a long-lived process with graceful
// shutdown, matching the teacher's own cmd/main.go wiring order.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/evertask/evertask/config"
	"github.com/evertask/evertask/internal/dispatcher"
	"github.com/evertask/evertask/internal/httpapi"
	"github.com/evertask/evertask/internal/monitor"
	"github.com/evertask/evertask/internal/queue"
	"github.com/evertask/evertask/internal/recovery"
	"github.com/evertask/evertask/internal/registry"
	"github.com/evertask/evertask/internal/storage"
	"github.com/evertask/evertask/internal/task"
	"github.com/evertask/evertask/internal/timer"
	"github.com/evertask/evertask/internal/worker"
	"github.com/redis/go-redis/v9"
)

// echoTask is the demo task type registered out of the box so the HTTP
// surface and the recovery pass have something to exercise without an
// embedding application having registered its own handlers yet.
type echoTask struct {
	Message string `json:"message"`
}

func (echoTask) TaskTypeName() string { return "evertask.Echo" }

type echoHandler struct{}

func (echoHandler) Handle(ctx context.Context, t task.Task, logger task.Logger) error {
	e := t.(echoTask)
	logger.Log("info", "echo: "+e.Message)
	return nil
}

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)
	cfg := config.Load()

	st := buildStorage(cfg, logger)

	handlers := task.NewRegistry()
	handlers.Register(task.Registration{
		TypeName: "evertask.Echo",
		Decode: func(b []byte) (task.Task, error) {
			var e echoTask
			err := json.Unmarshal(b, &e)
			return e, err
		},
		Handler: echoHandler{},
	})

	blacklist := registry.NewBlacklist()
	cancels := registry.NewCancellationRegistry()

	qm := queue.NewManager(st, blacklist, logger, queue.Config{
		Capacity:               cfg.ChannelCapacity,
		FullMode:               cfg.ChannelFullMode,
		MaxDegreeOfParallelism: cfg.MaxDegreeOfParallelism,
	})
	sched := timer.New(qm, st, logger)

	var lockClient *redis.Client
	if cfg.RedisAddr != "" {
		lockClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}
	bus := monitor.NewBus(lockClient, logger)

	shutdownCtx, cancelShutdown := context.WithCancel(context.Background())
	exec := worker.New(st, blacklist, cancels, sched, bus, shutdownCtx, worker.Defaults{
		RetryPolicy:       cfg.RetryPolicy(),
		Timeout:           cfg.DefaultTimeout,
		AuditLevel:        cfg.DefaultAuditLevel,
		PersistentLogging: cfg.PersistentLoggingEnabled,
		MaxLogsPerTask:    cfg.PersistentLoggerMaxLogsPerTask,
	}, nil, logger)

	d := dispatcher.New(handlers, st, qm, sched, blacklist, cancels, dispatcher.Options{
		ThrowIfUnableToPersist: cfg.ThrowIfUnableToPersist,
		DefaultAuditLevel:      cfg.DefaultAuditLevel,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recoverySvc := recovery.New(st, d, handlers, lockClient, logger)
	if err := recoverySvc.Run(ctx); err != nil {
		logger.Printf("evertask: startup recovery failed: %v", err)
	}

	go sched.Run(ctx)
	for _, name := range []string{"default", "recurring"} {
		if err := qm.StartWorkerPool(ctx, name, exec.Handle); err != nil {
			logger.Fatalf("evertask: failed to start worker pool for %q: %v", name, err)
		}
	}

	h := httpapi.NewHandlers(d, st, qm, handlers)
	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.HTTPPort),
		Handler: httpapi.NewRouter(h),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("evertask: http server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("evertask: shutdown signal received, draining in-flight tasks (grace window %s)", cfg.ShutdownGrace)

	httpShutdownCtx, cancelHTTPShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	_ = srv.Shutdown(httpShutdownCtx)
	cancelHTTPShutdown()

	// Stop feeding new items to the worker pools; executions already running
	// keep their shutdownCtx alive for the grace window so they can finish
	// cleanly before being force-cancelled into ServiceStopped (spec §5
	// "Cancellation semantics", resumed by C8 on next start).
	qm.Close()
	time.Sleep(cfg.ShutdownGrace)
	cancelShutdown()

	logger.Printf("evertask: shutdown complete")
}

func buildStorage(cfg *config.Config, logger *log.Logger) storage.TaskStorage {
	if cfg.PostgresDSN == "" {
		logger.Printf("evertask: no POSTGRES_DSN configured, using in-memory storage")
		return storage.NewMemoryStorage()
	}
	st, err := storage.NewPostgresStorage(storage.PostgresConfig{DSN: cfg.PostgresDSN, Schema: cfg.PostgresSchema})
	if err != nil {
		logger.Fatalf("evertask: failed to connect to postgres: %v", err)
	}
	return st
}

