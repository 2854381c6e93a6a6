package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
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
	"adcheck/store"
	"adcheck/streamq"
)

func main() {
	shutdownObs, logger := obs.Init("check-api")
	defer func() { _ = shutdownObs(context.Background()) }()

	cfg, err := config.LoadService()
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	var (
		jobStore store.CheckJobStore
		queue    streamq.Queue
		bus      eventbus.Bus
	)
	if cfg.RedisAddr == "" {
		// All-in-one mode: in-process store, queue, event bus and worker.
		logger.Warn("REDIS_ADDR is empty, running with in-memory backends and an embedded worker")
		memStore := store.NewInMemoryCheckJobStore()
		memQueue := streamq.NewMemoryQueue(1024, cfg.MaxConcurrent)
		memBus := eventbus.NewMemory()
		worker, err := newEmbeddedWorker(cfg, memStore, memBus)
		if err != nil {
			log.Fatalf("init worker failed: %v", err)
		}
		go func() {
			if err := memQueue.ConsumeLoop(ctx, worker.Handle); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("embedded worker exited", "err", err)
			}
		}()
		jobStore, queue, bus = memStore, memQueue, memBus
	} else {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		redisStore, err := store.NewRedisCheckJobStore(ctx, rdb, cfg.JobTTL)
		if err != nil {
			log.Fatalf("init redis store failed: %v", err)
		}
		q := streamq.NewRedisStreamQueue(rdb, cfg.StreamKey, cfg.StreamGroup, cfg.StreamMaxLen)
		if err := q.EnsureGroup(ctx); err != nil {
			log.Fatalf("ensure stream group failed: %v", err)
		}
		jobStore, queue, bus = redisStore, q, eventbus.NewRedis(rdb, "")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	check.NewService(jobStore, queue, bus, cfg.MaxConcurrent).RegisterRoutes(mux)

	addr := ":" + cfg.Port
	// Wrap order: cors -> otel/metrics -> mux
	srv := &http.Server{
		Addr:              addr,
		Handler:           corsMiddleware(obs.WrapHTTP("check-api", mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		_ = srv.Shutdown(sctx)
	}()

	logger.Info("check-api listening", "addr", addr, "redis", cfg.RedisAddr != "", "max_concurrent", cfg.MaxConcurrent)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}

func newEmbeddedWorker(cfg config.Service, st store.CheckJobStore, bus eventbus.Bus) (*check.Worker, error) {
	dict, err := check.LoadDictionary(cfg.RulesFile)
	if err != nil {
		return nil, err
	}
	var opts []check.WorkerOption
	if oss, enabled, err := ossstore.NewFromEnv(); err != nil {
		if enabled {
			return nil, err
		}
	} else if enabled {
		opts = append(opts, check.WithExtractor(oss))
	}
	return check.NewWorker(st, bus, dict, opts...), nil
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func readEnvDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
}

func corsMiddleware(next http.Handler) http.Handler {
	allowOrigin := readEnvDefault("CORS_ALLOW_ORIGIN", "http://localhost:5173")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
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
