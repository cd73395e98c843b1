// Command worker runs the vodforge transcode worker: it consumes upload jobs
// from the queue, produces every planned rendition with ffmpeg, and records
// progress and results in Postgres.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"vodforge/internal/encode"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/probe"
	"vodforge/internal/queue"
	"vodforge/internal/serverutil"
	"vodforge/internal/storage"
	"vodforge/internal/worker"
)

func main() {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	redisAddr := flag.String("queue-redis-addr", "", "Redis address for the job queue")
	redisAddrs := flag.String("queue-redis-addrs", "", "comma separated Redis addresses for the job queue")
	redisUsername := flag.String("queue-redis-username", "", "Redis username for the job queue")
	redisPassword := flag.String("queue-redis-password", "", "Redis password for the job queue")
	redisStream := flag.String("queue-redis-stream", "", "Redis stream key for transcode jobs")
	redisDeadStream := flag.String("queue-redis-dead-stream", "", "Redis stream key for rejected jobs")
	redisGroup := flag.String("queue-redis-group", "", "Redis consumer group for transcode workers")
	redisMasterName := flag.String("queue-redis-sentinel-master", "", "Redis sentinel master name for the job queue")
	redisPoolSize := flag.Int("queue-redis-pool-size", 0, "maximum Redis connections for the job queue")
	redisReclaimIdle := flag.Duration("queue-reclaim-idle", 0, "idle time before another worker's pending job is reclaimed")
	redisTLSCA := flag.String("queue-redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flag.String("queue-redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("queue-redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("queue-redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("queue-redis-tls-skip-verify", false, "skip Redis TLS verification")
	outputRoot := flag.String("output-root", "", "directory for encoded renditions and thumbnails")
	ffmpegBinary := flag.String("ffmpeg", "", "ffmpeg binary path")
	ffprobeBinary := flag.String("ffprobe", "", "ffprobe binary path")
	hdBudget := flag.Duration("hd-encode-budget", 0, "wall-clock budget per 1080p-and-up rendition")
	sdBudget := flag.Duration("sd-encode-budget", 0, "wall-clock budget per sub-1080p rendition")
	retryDelay := flag.Duration("queue-retry-delay", 0, "delay before reconnecting after a queue transport error")
	metricsAddr := flag.String("metrics-addr", "", "listen address for /metrics and /healthz")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("VODFORGE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("VODFORGE_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	dsn := firstNonEmpty(*postgresDSN, os.Getenv("VODFORGE_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	if dsn == "" {
		logger.Error("no database configured: set --postgres-dsn, VODFORGE_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := storage.NewPostgresRepository(ctx, storage.PostgresConfig{
		DSN:             dsn,
		MaxConnections:  int32(resolveInt(*postgresMaxConns, "VODFORGE_POSTGRES_MAX_CONNS")),
		ApplicationName: firstNonEmpty(*postgresAppName, os.Getenv("VODFORGE_POSTGRES_APP_NAME"), "vodforge-worker"),
	})
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	consumer, err := queue.NewConsumer(queue.ConsumerConfig{
		Addr:        firstNonEmpty(*redisAddr, os.Getenv("VODFORGE_QUEUE_REDIS_ADDR")),
		Addrs:       splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("VODFORGE_QUEUE_REDIS_ADDRS"))),
		Username:    firstNonEmpty(*redisUsername, os.Getenv("VODFORGE_QUEUE_REDIS_USERNAME")),
		Password:    firstNonEmpty(*redisPassword, os.Getenv("VODFORGE_QUEUE_REDIS_PASSWORD")),
		Stream:      firstNonEmpty(*redisStream, os.Getenv("VODFORGE_QUEUE_REDIS_STREAM")),
		DeadStream:  firstNonEmpty(*redisDeadStream, os.Getenv("VODFORGE_QUEUE_REDIS_DEAD_STREAM")),
		Group:       firstNonEmpty(*redisGroup, os.Getenv("VODFORGE_QUEUE_REDIS_GROUP")),
		MasterName:  firstNonEmpty(*redisMasterName, os.Getenv("VODFORGE_QUEUE_REDIS_SENTINEL_MASTER")),
		PoolSize:    resolveInt(*redisPoolSize, "VODFORGE_QUEUE_REDIS_POOL_SIZE"),
		ReclaimIdle: resolveDuration(*redisReclaimIdle, "VODFORGE_QUEUE_RECLAIM_IDLE", 0),
		Logger:      logging.WithComponent(logger, "queue"),
		TLS: queue.TLSConfig{
			CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("VODFORGE_QUEUE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("VODFORGE_QUEUE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("VODFORGE_QUEUE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("VODFORGE_QUEUE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "VODFORGE_QUEUE_REDIS_TLS_SKIP_VERIFY"),
		},
	})
	if err != nil {
		logger.Error("failed to connect to job queue", "error", err)
		os.Exit(1)
	}

	ffmpeg := firstNonEmpty(*ffmpegBinary, os.Getenv("VODFORGE_FFMPEG"))
	ffprobe := firstNonEmpty(*ffprobeBinary, os.Getenv("VODFORGE_FFPROBE"))

	orchestrator := encode.NewOrchestrator(encode.OrchestratorConfig{
		Transcoder: encode.NewFFmpegTranscoder(ffmpeg, logging.WithComponent(logger, "encode")),
		Repository: repo,
		Recorder:   recorder,
		Logger:     logging.WithComponent(logger, "encode"),
		HDBudget:   resolveDuration(*hdBudget, "VODFORGE_HD_ENCODE_BUDGET", 0),
		SDBudget:   resolveDuration(*sdBudget, "VODFORGE_SD_ENCODE_BUDGET", 0),
	})
	pipeline := worker.NewPipeline(worker.PipelineConfig{
		Prober:      probe.New(ffprobe),
		Thumbnailer: encode.NewThumbnailGenerator(ffmpeg, logging.WithComponent(logger, "thumbnail")),
		Encoder:     orchestrator,
		Repository:  repo,
		Recorder:    recorder,
		Logger:      logging.WithComponent(logger, "pipeline"),
		OutputRoot:  firstNonEmpty(*outputRoot, os.Getenv("VODFORGE_OUTPUT_ROOT"), "encoded"),
	})
	dispatcher := worker.NewDispatcher(worker.DispatcherConfig{
		Source:     worker.NewQueueSource(consumer),
		Processor:  pipeline,
		Recorder:   recorder,
		Logger:     logging.WithComponent(logger, "dispatcher"),
		RetryDelay: resolveDuration(*retryDelay, "VODFORGE_QUEUE_RETRY_DELAY", 0),
	})

	metricsDone := startMetricsServer(
		ctx,
		firstNonEmpty(*metricsAddr, os.Getenv("VODFORGE_METRICS_ADDR"), ":9100"),
		recorder,
		logger,
	)

	logger.Info("vodforge worker started")
	runErr := dispatcher.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("dispatcher stopped", "error", runErr)
	} else {
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	select {
	case err := <-metricsDone:
		if err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	case <-shutdownCtx.Done():
		logger.Warn("metrics server did not stop in time")
	}
	if err := consumer.Close(); err != nil {
		logger.Warn("failed to close queue consumer", "error", err)
	}
	if closer, ok := repo.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(shutdownCtx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}
	logger.Info("worker stopped")
}

func startMetricsServer(ctx context.Context, addr string, recorder *metrics.Recorder, logger *slog.Logger) <-chan error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	done := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint available", "addr", addr, "path", "/metrics")
		done <- serverutil.Run(ctx, serverutil.Config{Server: srv})
	}()
	return done
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
