// Command ledgerd is an example host process: operators embed the
// worker and ingester as library components inside their own process.
// This one wires the Ledger Repository, one
// Ingester Loop per configured queue, and the Worker Loop together,
// and exposes a Prometheus /metrics endpoint, a /healthz probe backed
// by repository.Ping(), and a Server-Sent-Events /events feed of task
// lifecycle transitions.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ahmads7/taskledger/bus/redisstream"
	"github.com/ahmads7/taskledger/config"
	"github.com/ahmads7/taskledger/ingester"
	"github.com/ahmads7/taskledger/internal/identity"
	"github.com/ahmads7/taskledger/ledger"
	"github.com/ahmads7/taskledger/task"
	"github.com/ahmads7/taskledger/worker"
)

const eventsChannel = "taskledger_events"

func main() {
	base := logrus.StandardLogger()
	base.SetFormatter(&logrus.JSONFormatter{})
	var log logrus.FieldLogger = base

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("received signal, initiating graceful shutdown")
		cancel()
	}()

	repo := ledger.New(ledger.Config(config.LedgerFromEnv()), log)
	if err := repo.Initialize(ctx); err != nil {
		log.WithError(err).Fatal("failed to initialize ledger")
	}
	defer repo.Close(context.Background())

	rdb := redis.NewClient(&redis.Options{Addr: getenv("REDIS_ADDR", "localhost:6379")})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.WithError(err).Warn("could not connect to redis, continuing — bus calls will fail until it is available")
	}

	id := identity.FromEnv()
	workerID := id.WorkerID()
	log = log.WithField("workerId", workerID)

	queue, err := redisstream.New(ctx, rdb, getenv("TASKLEDGER_STREAM", "taskledger_tasks"), getenv("TASKLEDGER_GROUP", "taskledger_workers"), workerID, log)
	if err != nil {
		log.WithError(err).Fatal("failed to bind ingester queue")
	}

	ingestLoop := ingester.New(queue, repo, publishingIngesterHandler(rdb, log), config.IngesterFromEnv(), log)
	workLoop := worker.New(repo, publishingWorkerHandler(rdb, log), config.WorkerFromEnv(), workerID, log)

	go startMetricsAndHealthServer(ctx, repo, rdb, getenv("TASKLEDGER_STREAM", "taskledger_tasks"), log)

	go func() {
		if err := ingestLoop.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("ingester loop stopped unexpectedly")
		}
	}()

	log.Info("starting worker loop")
	if err := workLoop.Run(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("worker loop stopped with error")
	}

	log.Info("ledgerd shutdown gracefully")
}

func startMetricsAndHealthServer(ctx context.Context, repo *ledger.Repository, rdb *redis.Client, stream string, log logrus.FieldLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", healthHandler(repo))
	mux.HandleFunc("/events", eventsHandler(rdb, log))
	mux.HandleFunc("/dlq/redrive", redriveDLQHandler(rdb, stream, log))

	server := &http.Server{Addr: getenv("TASKLEDGER_HTTP_ADDR", ":8080"), Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutCtx)
	}()

	log.WithField("addr", server.Addr).Info("starting metrics/health server")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("metrics/health server failed")
	}
}

func healthHandler(repo *ledger.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := repo.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(err.Error()))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

// publishingIngesterHandler is a demo TaskHandler: the per-task
// business logic is out of scope for the core library, so this
// simply publishes a lifecycle event for the /events feed and
// succeeds, store-and-forward style.
func publishingIngesterHandler(rdb *redis.Client, log logrus.FieldLogger) ingester.TaskHandler {
	return func(ctx context.Context, t *task.Task) error {
		publishEvent(ctx, rdb, t.TaskID, "Processing")
		return nil
	}
}

func publishingWorkerHandler(rdb *redis.Client, log logrus.FieldLogger) worker.TaskHandler {
	return func(ctx context.Context, t *task.Task) error {
		publishEvent(ctx, rdb, t.TaskID, "Running")
		log.WithField("taskId", t.TaskID).Info("demo handler processing task")
		publishEvent(ctx, rdb, t.TaskID, "Succeeded")
		return nil
	}
}

func publishEvent(ctx context.Context, rdb *redis.Client, taskID, eventType string) {
	payload := `{"taskId":"` + taskID + `","type":"` + eventType + `"}`
	rdb.Publish(ctx, eventsChannel, payload)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
