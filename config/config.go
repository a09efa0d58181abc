// Package config loads process configuration: defaults, then an optional
// YAML file, then .env, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/feichai0017/compliance-processor/internal/agent/analysis"
	"github.com/feichai0017/compliance-processor/internal/agent/document/image"
	"github.com/feichai0017/compliance-processor/internal/agent/scrape"
	"github.com/feichai0017/compliance-processor/internal/agent/search"
	"github.com/feichai0017/compliance-processor/internal/repository/postgres"
	"github.com/feichai0017/compliance-processor/internal/utils/validator"
	"github.com/feichai0017/compliance-processor/pkg/events"
	"github.com/feichai0017/compliance-processor/pkg/logger"
	"github.com/feichai0017/compliance-processor/pkg/retry"
	"github.com/feichai0017/compliance-processor/pkg/storage"
)

type Config struct {
	Server   ServerConfig              `yaml:"server"`
	Log      logger.Config             `yaml:"log"`
	Database DatabaseConfig            `yaml:"database"`
	Redis    RedisConfig               `yaml:"redis"`
	Queue    QueueConfig               `yaml:"queue"`
	Cache    CacheConfig               `yaml:"cache"`
	Storage  storage.Config            `yaml:"storage"`
	OCR      OCRConfig                 `yaml:"ocr"`
	Search   search.Config             `yaml:"search"`
	Analysis analysis.Config           `yaml:"analysis"`
	Scrape   scrape.Config             `yaml:"scrape"`
	Jobs     JobsConfig                `yaml:"jobs"`
	Events   EventsConfig              `yaml:"events"`
	Upload   validator.ValidatorConfig `yaml:"upload"`
	// HTTPRetry applies to search, analysis and scrape calls.
	HTTPRetry retry.Policy `yaml:"httpRetry"`
}

type ServerConfig struct {
	HTTPAddr        string          `yaml:"httpAddr"`
	GRPCAddr        string          `yaml:"grpcAddr"`
	ReadTimeout     time.Duration   `yaml:"readTimeout"`
	WriteTimeout    time.Duration   `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdownTimeout"`
	CORSOrigins     []string        `yaml:"corsOrigins"`
	RateLimit       RateLimitConfig `yaml:"rateLimit"`
}

type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

type DatabaseConfig struct {
	Backend  string          `yaml:"backend"` // postgres | memory
	Postgres postgres.Config `yaml:"postgres"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type QueueConfig struct {
	Backend        string        `yaml:"backend"` // asynq | inline
	Concurrency    int           `yaml:"concurrency"`
	ProcessTimeout time.Duration `yaml:"processTimeout"`
	BufferSize     int           `yaml:"bufferSize"`
}

type CacheConfig struct {
	Backend    string        `yaml:"backend"` // redis | memory
	Prefix     string        `yaml:"prefix"`
	SuccessTTL time.Duration `yaml:"successTTL"`
	// FailureTTL defaults to SuccessTTL/7.
	FailureTTL time.Duration `yaml:"failureTTL"`
}

type OCRConfig struct {
	// Providers are tried in order for each media type.
	Providers            []string             `yaml:"providers"`
	Textract             image.TextractConfig `yaml:"textract"`
	Tesseract            TesseractConfig      `yaml:"tesseract"`
	Retry                retry.Policy         `yaml:"retry"`
	BaselineCharsPerPage int                  `yaml:"baselineCharsPerPage"`
	ExtractWait          time.Duration        `yaml:"extractWait"`
}

type TesseractConfig struct {
	Languages     []string               `yaml:"languages"`
	PageSegMode   int                    `yaml:"pageSegMode"`
	MinConfidence float64                `yaml:"minConfidence"`
	Preprocess    image.PreprocessConfig `yaml:"preprocess"`
}

type JobsConfig struct {
	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
	ScrapeBatchSize int           `yaml:"scrapeBatchSize"`
	// BlobRetention bounds how long uploaded files stay in object storage
	// once their document is PROCESSED or FAILED; files of unfinished
	// documents are kept. Zero keeps them until the document is deleted.
	BlobRetention time.Duration `yaml:"blobRetention"`
}

type EventsConfig struct {
	Backend  string              `yaml:"backend"` // amqp | none
	RabbitMQ events.RabbitConfig `yaml:"rabbitmq"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":9090",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimit:       RateLimitConfig{Enabled: true, Requests: 120, Window: time.Minute},
		},
		Log: logger.Config{
			Level:       "info",
			Encoding:    "json",
			OutputPaths: []string{"stdout"},
			ErrorPaths:  []string{"stderr"},
			MaxSize:     100,
			MaxBackups:  5,
			MaxAge:      30,
			Compress:    true,
		},
		Database: DatabaseConfig{
			Backend: "memory",
			Postgres: postgres.Config{
				MaxConns:        20,
				MinConns:        2,
				MaxConnLifetime: 30 * time.Minute,
				MaxConnIdleTime: 5 * time.Minute,
				DialTimeout:     3 * time.Second,
			},
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Queue: QueueConfig{
			Backend:        "inline",
			Concurrency:    4,
			ProcessTimeout: 30 * time.Minute,
			BufferSize:     256,
		},
		Cache: CacheConfig{
			Backend:    "memory",
			Prefix:     "compliance:",
			SuccessTTL: 24 * time.Hour,
		},
		Storage: storage.Config{Type: storage.StorageTypeMemory},
		OCR: OCRConfig{
			Providers: []string{"pdf", "textract"},
			Textract:  image.TextractConfig{Region: "us-east-1", MinConfidence: 50, PollInterval: 2 * time.Second},
			Tesseract: TesseractConfig{
				Languages:   []string{"eng"},
				PageSegMode: 3,
				Preprocess:  image.DefaultPreprocessConfig(),
			},
			Retry:                retry.DefaultOCRPolicy(),
			BaselineCharsPerPage: 1500,
			ExtractWait:          2 * time.Minute,
		},
		Search:   search.Config{Timeout: 30 * time.Second, MaxResults: 10},
		Analysis: analysis.Config{Backend: "http", Timeout: 60 * time.Second, MaxContextChars: 48000},
		Scrape:   scrape.Config{Timeout: 20 * time.Second, MaxBytes: 5 << 20, BatchSize: 5},
		Jobs: JobsConfig{
			Retention:       7 * 24 * time.Hour,
			CleanupInterval: time.Hour,
			ScrapeBatchSize: 5,
		},
		Events:    EventsConfig{Backend: "none", RabbitMQ: events.RabbitConfig{Exchange: "compliance.jobs"}},
		Upload:    *validator.DefaultConfig(),
		HTTPRetry: retry.DefaultHTTPPolicy(),
	}
}

// Load builds the configuration. path may be empty; envFile is optional
// and a missing one is not an error.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.HTTPAddr = getEnv("HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.GRPCAddr = getEnv("GRPC_ADDR", c.Server.GRPCAddr)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)

	if dsn := os.Getenv("DB_URL"); dsn != "" {
		c.Database.Postgres.DSN = dsn
		c.Database.Backend = "postgres"
	}
	c.Database.Backend = getEnv("DB_BACKEND", c.Database.Backend)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)
	c.Queue.Backend = getEnv("QUEUE_BACKEND", c.Queue.Backend)
	c.Queue.Concurrency = getEnvAsInt("QUEUE_CONCURRENCY", c.Queue.Concurrency)
	c.Cache.Backend = getEnv("CACHE_BACKEND", c.Cache.Backend)
	c.Cache.SuccessTTL = getEnvAsDuration("CACHE_SUCCESS_TTL", c.Cache.SuccessTTL)

	c.Storage.Type = storage.StorageType(getEnv("STORAGE_TYPE", string(c.Storage.Type)))
	c.Storage.S3.BucketName = getEnv("AWS_S3_BUCKET_NAME", c.Storage.S3.BucketName)
	c.Storage.S3.Region = getEnv("AWS_REGION", c.Storage.S3.Region)
	c.Storage.S3.Endpoint = getEnv("AWS_ENDPOINT", c.Storage.S3.Endpoint)
	c.Storage.S3.AccessKey = getEnv("AWS_ACCESS_KEY", c.Storage.S3.AccessKey)
	c.Storage.S3.SecretKey = getEnv("AWS_SECRET_KEY", c.Storage.S3.SecretKey)
	c.Storage.Minio.AccessKey = getEnv("MINIO_ACCESS_KEY", c.Storage.Minio.AccessKey)
	c.Storage.Minio.SecretKey = getEnv("MINIO_SECRET_KEY", c.Storage.Minio.SecretKey)
	c.Storage.Minio.Endpoint = getEnv("MINIO_ENDPOINT", c.Storage.Minio.Endpoint)
	c.Storage.Minio.Region = getEnv("MINIO_REGION", c.Storage.Minio.Region)
	c.Storage.Minio.BucketName = getEnv("MINIO_BUCKET_NAME", c.Storage.Minio.BucketName)

	if v := os.Getenv("OCR_PROVIDERS"); v != "" {
		c.OCR.Providers = splitList(v)
	}
	c.OCR.Textract.Region = getEnv("AWS_REGION", c.OCR.Textract.Region)
	c.OCR.Textract.Endpoint = getEnv("AWS_ENDPOINT", c.OCR.Textract.Endpoint)
	c.OCR.Textract.AccessKey = getEnv("AWS_ACCESS_KEY", c.OCR.Textract.AccessKey)
	c.OCR.Textract.SecretKey = getEnv("AWS_SECRET_KEY", c.OCR.Textract.SecretKey)
	c.OCR.Textract.Bucket = getEnv("AWS_S3_BUCKET_NAME", c.OCR.Textract.Bucket)

	c.Search.BaseURL = getEnv("SEARCH_BASE_URL", c.Search.BaseURL)
	c.Search.APIKey = getEnv("SEARCH_API_KEY", c.Search.APIKey)
	c.Analysis.Backend = getEnv("ANALYSIS_BACKEND", c.Analysis.Backend)
	c.Analysis.BaseURL = getEnv("ANALYSIS_BASE_URL", c.Analysis.BaseURL)
	c.Analysis.APIKey = getEnv("ANALYSIS_API_KEY", c.Analysis.APIKey)
	c.Analysis.Ollama.Endpoint = getEnv("OLLAMA_ENDPOINT", c.Analysis.Ollama.Endpoint)
	c.Analysis.Ollama.Model = getEnv("OLLAMA_MODEL", c.Analysis.Ollama.Model)

	c.Jobs.Retention = getEnvAsDuration("JOB_RETENTION", c.Jobs.Retention)
	c.Jobs.CleanupInterval = getEnvAsDuration("JOB_CLEANUP_INTERVAL", c.Jobs.CleanupInterval)

	if url := os.Getenv("AMQP_URL"); url != "" {
		c.Events.RabbitMQ.URL = url
		c.Events.Backend = "amqp"
	}
}

// Validate checks that every selected backend has what it needs.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Database.Backend {
	case "memory":
	case "postgres":
		if c.Database.Postgres.DSN == "" {
			add("database.postgres.dsn is required")
		}
	default:
		add("unknown database backend %q", c.Database.Backend)
	}

	needRedis := false
	switch c.Queue.Backend {
	case "inline":
	case "asynq":
		needRedis = true
	default:
		add("unknown queue backend %q", c.Queue.Backend)
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		needRedis = true
	default:
		add("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Server.RateLimit.Enabled && (c.Server.RateLimit.Requests <= 0 || c.Server.RateLimit.Window <= 0) {
		add("server.rateLimit needs positive requests and window")
	}
	if needRedis && c.Redis.Addr == "" {
		add("redis.addr is required")
	}

	switch c.Storage.Type {
	case "", storage.StorageTypeMemory:
	case storage.StorageTypeS3:
		if c.Storage.S3.BucketName == "" || c.Storage.S3.Region == "" {
			add("storage.s3 needs bucket and region")
		}
	case storage.StorageTypeMinio:
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.BucketName == "" {
			add("storage.minio needs endpoint and bucket")
		}
	default:
		add("unknown storage type %q", c.Storage.Type)
	}

	if len(c.OCR.Providers) == 0 {
		add("ocr.providers must name at least one provider")
	}
	for _, p := range c.OCR.Providers {
		switch p {
		case "pdf", "tesseract":
		case "textract":
			if c.OCR.Textract.Region == "" {
				add("ocr.textract.region is required")
			}
		default:
			add("unknown ocr provider %q", p)
		}
	}

	if c.Search.BaseURL == "" {
		add("search.baseUrl is required")
	}
	switch c.Analysis.Backend {
	case "", "http":
		if c.Analysis.BaseURL == "" {
			add("analysis.baseUrl is required")
		}
	case "ollama":
		if c.Analysis.Ollama.Endpoint == "" || c.Analysis.Ollama.Model == "" {
			add("analysis.ollama needs endpoint and model")
		}
	default:
		add("unknown analysis backend %q", c.Analysis.Backend)
	}

	switch c.Events.Backend {
	case "", "none":
	case "amqp":
		if c.Events.RabbitMQ.URL == "" {
			add("events.rabbitmq.url is required")
		}
	default:
		add("unknown events backend %q", c.Events.Backend)
	}

	if c.Jobs.Retention <= 0 || c.Jobs.CleanupInterval <= 0 {
		add("jobs.retention and jobs.cleanupInterval must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
