package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"adcheck/check"
	"adcheck/config"
	"adcheck/eventbus"
	"adcheck/obs"
	"adcheck/ossstore"
	"adcheck/redislock"
	"adcheck/store"
	"adcheck/streamq"
)

func main() {
	shutdownObs, logger := obs.Init("check-worker")
	defer func() { _ = shutdownObs(context.Background()) }()

	cfg, err := config.LoadService()
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if cfg.RedisAddr == "" {
		log.Fatalf("REDIS_ADDR is empty: check-worker consumes a Redis stream")
	}

	ctx, cancel := signalContext()
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	jobStore, err := store.NewRedisCheckJobStore(ctx, rdb, cfg.JobTTL)
	if err != nil {
		log.Fatalf("init redis store failed: %v", err)
	}
	q := streamq.NewRedisStreamQueue(rdb, cfg.StreamKey, cfg.StreamGroup, cfg.StreamMaxLen)
	if err := q.EnsureGroup(ctx); err != nil {
		log.Fatalf("ensure stream group failed: %v", err)
	}

	dict, err := check.LoadDictionary(cfg.RulesFile)
	if err != nil {
		log.Fatalf("load rules failed: %v", err)
	}
	lockTTL := time.Duration(readEnvIntDefault("CHECK_JOB_LOCK_TTL_SECONDS", 120)) * time.Second
	lock := redislock.New(rdb, readEnvDefault("CHECK_JOB_LOCK_PREFIX", "adc:lock:checkjob:"))
	opts := []check.WorkerOption{check.WithLease(lock, lockTTL)}

	if oss, enabled, err := ossstore.NewFromEnv(); err != nil {
		if enabled {
			log.Fatalf("init oss store failed: %v", err)
		}
	} else if enabled {
		opts = append(opts, check.WithExtractor(oss))
		logger.Info("oss store enabled", "bucket", strings.TrimSpace(os.Getenv("OSS_BUCKET")))
	} else {
		logger.Warn("OSS is not configured: image checks will fail")
	}
	worker := check.NewWorker(jobStore, eventbus.NewRedis(rdb, ""), dict, opts...)

	cons := streamq.NewConsumer(rdb, cfg.StreamKey, cfg.StreamGroup, cfg.ConsumerName)
	cons.SetConcurrency(cfg.MaxConcurrent)
	logger.Info("check-worker start",
		"stream", cfg.StreamKey, "group", cfg.StreamGroup, "consumer", cfg.ConsumerName,
		"rules", dict.Len(), "concurrency", cfg.MaxConcurrent)

	go serveMetrics(readEnvDefault("METRICS_ADDR", ":9090"))

	// The handler never crashes the loop; every failure is persisted on the job.
	err = cons.ConsumeLoop(ctx, worker.Handle)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("consume loop exited: %v", err)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           obs.WrapHTTP("check-worker-metrics", mux),
		ReadHeaderTimeout: 3 * time.Second,
	}
	_ = srv.ListenAndServe()
}

func readEnvDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
}

func readEnvIntDefault(key string, defaultVal int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
		// second signal: hard exit
		select {
		case <-ch:
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()
	return ctx, cancel
}
