package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Sandbox     SandboxConfig     `mapstructure:"sandbox"`
	AIService   AIServiceConfig   `mapstructure:"ai_service"`
	VectorStore VectorStoreConfig `mapstructure:"vector_store"`
	RunStore    RunStoreConfig    `mapstructure:"run_store"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Logger      LoggerConfig      `mapstructure:"logger"`
}

type ServerConfig struct {
	Port            int             `mapstructure:"port"`
	Host            string          `mapstructure:"host"`
	ReadTimeout     int             `mapstructure:"read_timeout"`
	WriteTimeout    int             `mapstructure:"write_timeout"`
	ShutdownTimeout int             `mapstructure:"shutdown_timeout"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
	// AllowedOrigins lists cross-origin pages that may open run streams.
	AllowedOrigins  []string        `mapstructure:"allowed_origins"`
}

// RateLimitConfig bounds run submissions per client.
type RateLimitConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Backend           string        `mapstructure:"backend"` // memory, redis
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	Window            time.Duration `mapstructure:"window"`
}

// EngineConfig holds scheduler bounds. Every value is a default that a
// deployment may tune; none of them is a protocol constant.
type EngineConfig struct {
	MaxParallelTasks   int           `mapstructure:"max_parallel_tasks"`
	MaxIterations      int           `mapstructure:"max_iterations"`
	MaxNodeExecutions  int           `mapstructure:"max_node_executions"`
	RunTimeout         time.Duration `mapstructure:"run_timeout"`
	RunRetention       time.Duration `mapstructure:"run_retention"`
	DefaultNodeTimeout time.Duration `mapstructure:"default_node_timeout"`
	LLMTimeout         time.Duration `mapstructure:"llm_timeout"`
	RetrievalTimeout   time.Duration `mapstructure:"retrieval_timeout"`
	HTTPTimeout        time.Duration `mapstructure:"http_timeout"`
	EventBufferSize    int           `mapstructure:"event_buffer_size"`
}

type SandboxConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	RegistryMaxSize int           `mapstructure:"registry_max_size"`
	CallStackSize   int           `mapstructure:"call_stack_size"`
	MaxStringBytes  int           `mapstructure:"max_string_bytes"`
	MaxOutputBytes  int           `mapstructure:"max_output_bytes"`
	MaxMemoryBytes  int           `mapstructure:"max_memory_bytes"`
	AllowedHosts    []string      `mapstructure:"allowed_hosts"`
}

type AIServiceConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	EmbeddingModel    string        `mapstructure:"embedding_model"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	Timeout           time.Duration `mapstructure:"timeout"`
	// EmbeddingCacheTTL enables the embedding cache; Redis backs it when
	// configured.
	EmbeddingCacheTTL time.Duration `mapstructure:"embedding_cache_ttl"`
}

type VectorStoreConfig struct {
	Backend   string   `mapstructure:"backend"` // memory, elasticsearch
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Index     string   `mapstructure:"index"`
	Field     string   `mapstructure:"field"`
}

type RunStoreConfig struct {
	Backend   string `mapstructure:"backend"` // memory, redis
	KeyPrefix string `mapstructure:"key_prefix"`
}

type ArchiveConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Driver    string        `mapstructure:"driver"` // sqlite, postgres
	DSN       string        `mapstructure:"dsn"`
	S3Bucket  string        `mapstructure:"s3_bucket"`
	S3Region  string        `mapstructure:"s3_region"`
	Retention time.Duration `mapstructure:"retention"` // zero keeps records forever
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	JaegerURL    string  `mapstructure:"jaeger_url"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	AddCaller  bool   `mapstructure:"add_caller"`
	Stacktrace bool   `mapstructure:"stacktrace"`
}

// Load reads <serviceName>.yaml from ./configs or /etc/aiflow, applies
// defaults and AIFLOW_* environment overrides.
func Load(serviceName string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(serviceName)
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/aiflow")

	setDefaults(v)

	v.SetEnvPrefix("AIFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; defaults and env vars still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	overrideFromEnv(v, &config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 0) // streaming responses stay open
	v.SetDefault("server.shutdown_timeout", 30)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.backend", "memory")
	v.SetDefault("server.rate_limit.requests_per_second", 5.0)
	v.SetDefault("server.rate_limit.burst", 10)
	v.SetDefault("server.rate_limit.window", "1m")

	v.SetDefault("engine.max_parallel_tasks", 5)
	v.SetDefault("engine.max_iterations", 50)
	v.SetDefault("engine.max_node_executions", 500)
	v.SetDefault("engine.run_timeout", "10m")
	v.SetDefault("engine.run_retention", "1h")
	v.SetDefault("engine.default_node_timeout", "10s")
	v.SetDefault("engine.llm_timeout", "30s")
	v.SetDefault("engine.retrieval_timeout", "15s")
	v.SetDefault("engine.http_timeout", "30s")
	v.SetDefault("engine.event_buffer_size", 256)

	v.SetDefault("sandbox.timeout", "5s")
	v.SetDefault("sandbox.max_concurrent", 8)
	v.SetDefault("sandbox.registry_max_size", 256*1024)
	v.SetDefault("sandbox.call_stack_size", 200)
	v.SetDefault("sandbox.max_string_bytes", 1<<20)
	v.SetDefault("sandbox.max_output_bytes", 1<<20)
	v.SetDefault("sandbox.max_memory_bytes", 64<<20)
	v.SetDefault("sandbox.allowed_hosts", []string{})

	v.SetDefault("ai_service.base_url", "http://localhost:11434/v1")
	v.SetDefault("ai_service.model", "gpt-4o-mini")
	v.SetDefault("ai_service.embedding_model", "text-embedding-3-small")
	v.SetDefault("ai_service.requests_per_second", 10.0)
	v.SetDefault("ai_service.burst", 20)
	v.SetDefault("ai_service.timeout", "60s")
	v.SetDefault("ai_service.embedding_cache_ttl", "24h")

	v.SetDefault("vector_store.backend", "memory")
	v.SetDefault("vector_store.addresses", []string{"http://localhost:9200"})
	v.SetDefault("vector_store.index", "knowledge")
	v.SetDefault("vector_store.field", "embedding")

	v.SetDefault("run_store.backend", "memory")
	v.SetDefault("run_store.key_prefix", "aiflow:run:")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.driver", "sqlite")
	v.SetDefault("archive.dsn", "aiflow-archive.db")
	v.SetDefault("archive.retention", "720h")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "aiflow.run-events")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.jaeger_url", "http://localhost:14268/api/traces")
	v.SetDefault("telemetry.service_name", "aiflow-engine")
	v.SetDefault("telemetry.sampling_rate", 1.0)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.add_caller", true)
	v.SetDefault("logger.stacktrace", false)
}

func overrideFromEnv(v *viper.Viper, cfg *Config) {
	// AutomaticEnv does not split list values.
	if brokers := v.GetString("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if hosts := v.GetString("SANDBOX_ALLOWED_HOSTS"); hosts != "" {
		cfg.Sandbox.AllowedHosts = strings.Split(hosts, ",")
	}
	if addrs := v.GetString("VECTOR_STORE_ADDRESSES"); addrs != "" {
		cfg.VectorStore.Addresses = strings.Split(addrs, ",")
	}
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.MaxParallelTasks < 1 {
		return fmt.Errorf("engine.max_parallel_tasks must be positive, got %d", c.Engine.MaxParallelTasks)
	}
	if c.Engine.MaxIterations < 1 {
		return fmt.Errorf("engine.max_iterations must be positive, got %d", c.Engine.MaxIterations)
	}
	if c.Engine.MaxNodeExecutions < 1 {
		return fmt.Errorf("engine.max_node_executions must be positive, got %d", c.Engine.MaxNodeExecutions)
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("sandbox.timeout must be positive")
	}
	switch c.RunStore.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown run_store.backend %q", c.RunStore.Backend)
	}
	switch c.Server.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown server.rate_limit.backend %q", c.Server.RateLimit.Backend)
	}
	switch c.VectorStore.Backend {
	case "memory", "elasticsearch":
	default:
		return fmt.Errorf("unknown vector_store.backend %q", c.VectorStore.Backend)
	}
	return nil
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
