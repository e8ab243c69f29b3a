package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	goredis "github.com/redis/go-redis/v9"

	"photo-enhance-server/modules/common/config"
	"photo-enhance-server/modules/common/gemini"
	"photo-enhance-server/modules/common/jobstore"
	"photo-enhance-server/modules/common/realtime"
	redisClient "photo-enhance-server/modules/common/redis"
	"photo-enhance-server/modules/common/runware"
	"photo-enhance-server/modules/common/storage"
	"photo-enhance-server/modules/common/utils"
	"photo-enhance-server/modules/common/vertexai"
	"photo-enhance-server/modules/enhance"
	"photo-enhance-server/modules/pipeline"
	"photo-enhance-server/modules/worker"
)

// CORS 헤더 추가
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// 헬스 체크 엔드포인트
func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "photo-enhance-server",
	})
}

func newJobStore(cfg *config.Config, rdb *goredis.Client) (jobstore.Store, error) {
	switch cfg.JobStoreBackend {
	case "redis":
		return jobstore.NewRedisStore(rdb, cfg.RedisJobTTL), nil
	case "supabase":
		return jobstore.NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseServiceKey)
	}
	return jobstore.NewMemoryStore(), nil
}

func newArtifactStore(cfg *config.Config, rdb *goredis.Client) storage.ArtifactStore {
	switch cfg.StorageBackend {
	case "redis":
		return storage.NewRedisStore(rdb, cfg.RedisJobTTL)
	case "supabase":
		return storage.NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket)
	}
	return storage.NewMemoryStore()
}

func newGenerator(ctx context.Context, cfg *config.Config) (pipeline.Generator, func(), error) {
	if cfg.GeneratorBackend == "vertexai" {
		client, err := vertexai.NewVertexAIClient(ctx, cfg.VertexAIProject, cfg.VertexAILocation)
		if err != nil {
			return nil, nil, err
		}
		gen := vertexai.NewGenerator(client, cfg.VertexAIModel)
		return gen, func() { gen.Close() }, nil
	}

	client, err := gemini.NewClient(cfg.GeminiAPIKeys, cfg.GeminiModel)
	if err != nil {
		return nil, nil, err
	}
	return client, func() {}, nil
}

func main() {
	// 환경변수 로드
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rdb *goredis.Client
	if cfg.UsesRedis() {
		if rdb, err = redisClient.Connect(cfg); err != nil {
			log.Fatalf("❌ Failed to connect to Redis: %v", err)
		}
		defer rdb.Close()
	}

	store, err := newJobStore(cfg, rdb)
	if err != nil {
		log.Fatalf("❌ Failed to initialize job store: %v", err)
	}
	artifacts := newArtifactStore(cfg, rdb)

	generator, closeGenerator, err := newGenerator(ctx, cfg)
	if err != nil {
		log.Fatalf("❌ Failed to initialize generator: %v", err)
	}
	defer closeGenerator()

	// RUNWARE_API_KEY가 없으면 optional stage skip
	var postProcessor pipeline.PostProcessor
	if rw := runware.NewClient(cfg.RunwareAPIKey, cfg.RunwareAPIURL); rw != nil {
		postProcessor = rw
	}

	// 상태 push: 같은 프로세스는 hub로 직접, redis 모드는 Pub/Sub로 다른 프로세스에도 전달
	hub := realtime.NewHub()
	hub.StartCleanupRoutine(5*time.Minute, 30*time.Minute)
	metrics := enhance.NewMetrics()

	var observer pipeline.Observer = pipeline.Observers{hub, metrics}
	if cfg.QueueMode == "redis" {
		bridge := realtime.NewRedisBridge(rdb, hub)
		go bridge.Run(ctx)
		observer = pipeline.Observers{bridge, metrics}
	}

	orchestrator := pipeline.New(store, artifacts, generator, postProcessor, observer, pipeline.Options{
		PipelineTimeout:    cfg.PipelineTimeout,
		GenerateTimeout:    cfg.GenerateTimeout,
		PostProcessTimeout: cfg.PostProcessTimeout,
	})

	var dispatcher worker.Dispatcher
	var waitWorkers func()
	switch cfg.QueueMode {
	case "redis":
		queue := worker.NewRedisQueue(rdb, orchestrator)
		if cfg.WorkerEnabled {
			// Redis Queue Worker 시작 (백그라운드)
			go queue.Start(ctx)
		} else {
			log.Println("⚠️ WORKER_ENABLED=false, this process only enqueues jobs")
		}
		dispatcher, waitWorkers = queue, queue.Wait
	default:
		inline := worker.NewInlineDispatcher(orchestrator)
		dispatcher, waitWorkers = inline, inline.Wait
	}

	service := enhance.NewService(store, artifacts, dispatcher, hub,
		utils.NewConverter(cfg.WebPQuality), cfg.Prompt, metrics)

	// 라우터 설정
	r := mux.NewRouter()

	// CORS 미들웨어 적용
	r.Use(enableCORS)

	r.HandleFunc("/", healthCheck).Methods("GET")
	r.HandleFunc("/health", healthCheck).Methods("GET")
	enhance.NewHandler(service, hub, metrics, cfg.MaxUploadMB).RegisterRoutes(r)
	worker.NewEnqueueHandler(store, dispatcher).RegisterRoutes(r)
	worker.NewCancelHandler(store, artifacts, dispatcher, observer).RegisterRoutes(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("🚀 Photo Enhance Server starting on port %s", cfg.Port)
	log.Printf("📤 Upload: POST http://localhost:%s/api/enhance", cfg.Port)
	log.Printf("📡 WebSocket endpoint: ws://localhost:%s/ws/jobs/{jobId}", cfg.Port)
	log.Printf("❤️  Health check: http://localhost:%s/health", cfg.Port)
	log.Printf("📊 Metrics: http://localhost:%s/metrics", cfg.Port)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("🛑 Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ HTTP shutdown: %v", err)
	}

	// 실행 중인 job은 PIPELINE_TIMEOUT 안에 끝남
	done := make(chan struct{})
	go func() {
		waitWorkers()
		close(done)
	}()
	select {
	case <-done:
		log.Println("✅ All running jobs finished")
	case <-time.After(cfg.PipelineTimeout):
		log.Println("⚠️ Timed out waiting for running jobs")
	}
}
