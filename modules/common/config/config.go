package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultPrompt - 업로드 이미지와 함께 보내는 고정 프롬프트
const DefaultPrompt = "Recreate this product photo as a clean, professional studio shot. " +
	"Keep the subject, its shape, colors and any text exactly as they are. " +
	"Use soft even lighting, a plain neutral background and sharp focus. " +
	"Return only the edited image."

// Config 구조체 - 모든 환경변수를 담음
type Config struct {
	// Redis
	RedisHost     string
	RedisPort     string
	RedisUsername string
	RedisPassword string
	RedisUseTLS   bool
	RedisJobTTL   time.Duration

	// Supabase
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// Generator ("gemini" | "vertexai")
	GeneratorBackend string
	GeminiAPIKeys    []string
	GeminiModel      string
	VertexAIProject  string
	VertexAILocation string
	VertexAIModel    string

	// Post-processing (Runware)
	RunwareAPIKey string
	RunwareAPIURL string

	// Backends
	JobStoreBackend string // memory | redis | supabase
	StorageBackend  string // memory | redis | supabase
	QueueMode       string // inline | redis
	WorkerEnabled   bool   // redis 모드에서 이 프로세스가 queue를 소비할지

	// Pipeline
	Prompt             string
	PipelineTimeout    time.Duration
	GenerateTimeout    time.Duration
	PostProcessTimeout time.Duration
	WebPQuality        float32

	// Server
	Port        string
	MaxUploadMB int64
}

var globalConfig *Config

// LoadConfig - 환경변수 로드
func LoadConfig() (*Config, error) {
	// .env 파일 로드 (있으면)
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  .env file not found, using environment variables")
	}

	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}
	globalConfig = cfg

	log.Println("✅ Configuration loaded successfully")
	log.Printf("   Generator: %s (model: %s)", cfg.GeneratorBackend, cfg.modelName())
	log.Printf("   Post-processing: %v", cfg.PostProcessingEnabled())
	log.Printf("   Job store: %s, storage: %s, queue: %s", cfg.JobStoreBackend, cfg.StorageBackend, cfg.QueueMode)
	log.Printf("   Timeouts: pipeline=%s generate=%s postprocess=%s", cfg.PipelineTimeout, cfg.GenerateTimeout, cfg.PostProcessTimeout)

	return globalConfig, nil
}

// FromEnv - .env 로드 없이 현재 환경변수만으로 Config 생성
func FromEnv() (*Config, error) {
	keys := splitList(getEnv("GEMINI_API_KEYS", ""))
	if single := getEnv("GEMINI_API_KEY", ""); single != "" {
		keys = append([]string{single}, keys...)
	}

	cfg := &Config{
		// Redis
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisUsername: getEnv("REDIS_USERNAME", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisUseTLS:   getBool("REDIS_USE_TLS", false),
		RedisJobTTL:   getDuration("REDIS_JOB_TTL", 0),

		// Supabase
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "enhance"),

		// Generator
		GeneratorBackend: strings.ToLower(getEnv("GENERATOR_BACKEND", "gemini")),
		GeminiAPIKeys:    dedupe(keys),
		GeminiModel:      getEnv("GEMINI_MODEL", "gemini-2.5-flash-image"),
		VertexAIProject:  getEnv("VERTEXAI_PROJECT", ""),
		VertexAILocation: getEnv("VERTEXAI_LOCATION", "us-central1"),
		VertexAIModel:    getEnv("VERTEXAI_MODEL", "gemini-2.5-flash-image"),

		// Runware
		RunwareAPIKey: getEnv("RUNWARE_API_KEY", ""),
		RunwareAPIURL: getEnv("RUNWARE_API_URL", "https://api.runware.ai/v1"),

		// Backends
		JobStoreBackend: strings.ToLower(getEnv("JOB_STORE", "memory")),
		StorageBackend:  strings.ToLower(getEnv("ARTIFACT_STORAGE", "memory")),
		QueueMode:       strings.ToLower(getEnv("QUEUE_MODE", "inline")),
		WorkerEnabled:   getBool("WORKER_ENABLED", true),

		// Pipeline
		Prompt:             getEnv("ENHANCE_PROMPT", DefaultPrompt),
		PipelineTimeout:    getDuration("PIPELINE_TIMEOUT", 3*time.Minute),
		GenerateTimeout:    getDuration("GENERATE_TIMEOUT", 90*time.Second),
		PostProcessTimeout: getDuration("POSTPROCESS_TIMEOUT", 60*time.Second),
		WebPQuality:        float32(getInt("WEBP_QUALITY", 90)),

		// Server
		Port:        getEnv("PORT", "8080"),
		MaxUploadMB: int64(getInt("MAX_UPLOAD_MB", 10)),
	}

	// 필수 환경변수 검증
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetConfig - 로드된 설정 가져오기
func GetConfig() *Config {
	if globalConfig == nil {
		log.Fatal("❌ Config not loaded. Call LoadConfig() first.")
	}
	return globalConfig
}

// validate - 필수 환경변수 검증
func (c *Config) validate() error {
	switch c.GeneratorBackend {
	case "gemini":
		if len(c.GeminiAPIKeys) == 0 {
			return fmt.Errorf("GEMINI_API_KEY or GEMINI_API_KEYS is required")
		}
	case "vertexai":
		if c.VertexAIProject == "" {
			return fmt.Errorf("VERTEXAI_PROJECT is required for GENERATOR_BACKEND=vertexai")
		}
	default:
		return fmt.Errorf("unknown GENERATOR_BACKEND: %s", c.GeneratorBackend)
	}

	for name, backend := range map[string]string{"JOB_STORE": c.JobStoreBackend, "ARTIFACT_STORAGE": c.StorageBackend} {
		switch backend {
		case "memory", "redis":
		case "supabase":
			if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
				return fmt.Errorf("%s=supabase requires SUPABASE_URL and SUPABASE_SERVICE_KEY", name)
			}
		default:
			return fmt.Errorf("unknown %s: %s", name, backend)
		}
	}

	switch c.QueueMode {
	case "inline":
	case "redis":
		// worker는 다른 요청에서 만든 job을 읽어야 함
		if c.JobStoreBackend == "memory" || c.StorageBackend == "memory" {
			return fmt.Errorf("QUEUE_MODE=redis requires a shared JOB_STORE and ARTIFACT_STORAGE")
		}
	default:
		return fmt.Errorf("unknown QUEUE_MODE: %s", c.QueueMode)
	}

	if c.PipelineTimeout <= 0 || c.GenerateTimeout <= 0 || c.PostProcessTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("MAX_UPLOAD_MB must be positive")
	}
	return nil
}

// PostProcessingEnabled - Runware 키가 없으면 optional stage는 skip
func (c *Config) PostProcessingEnabled() bool {
	return c.RunwareAPIKey != ""
}

// UsesRedis - Redis 연결이 필요한지
func (c *Config) UsesRedis() bool {
	return c.JobStoreBackend == "redis" || c.StorageBackend == "redis" || c.QueueMode == "redis"
}

// GetRedisAddr - Redis 연결 문자열 생성
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) modelName() string {
	if c.GeneratorBackend == "vertexai" {
		return c.VertexAIModel
	}
	return c.GeminiModel
}

// getEnv - 환경변수 가져오기 (기본값 지원)
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
		log.Printf("⚠️  Invalid %s=%q, using default %v", key, v, defaultValue)
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
		log.Printf("⚠️  Invalid %s=%q, using default %d", key, v, defaultValue)
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
		log.Printf("⚠️  Invalid %s=%q, using default %s", key, v, defaultValue)
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
