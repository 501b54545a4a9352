package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server          ServerConfig
	SQLite          SQLiteConfig
	Redis           RedisConfig
	LLM             LLMConfig
	Workflow        WorkflowConfig
	FactCache       FactCacheConfig
	FactGraph       FactGraphConfig
	ResolutionIndex ResolutionIndexConfig
	RateLimit       RateLimitConfig
	Logging         LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	AllowedOrigins string
	Development    bool
}

type SQLiteConfig struct {
	Path          string
	BusyTimeoutMs int
	MaxOpenConns  int
}

type RedisConfig struct {
	Enabled    bool
	Host       string
	Port       int
	Password   string
	DB         int
	Channel    string
	TicketList string
}

type LLMConfig struct {
	Provider       string
	Model          string
	APIKey         string
	BaseURL        string
	Temperature    float32
	MaxTokens      int
	MaxAttempts    int
	EmbeddingModel string
	EmbeddingDim   int
}

// WorkflowConfig carries the policy values of the diagnostic state machine.
type WorkflowConfig struct {
	MaxSteps                 int
	MaxPriorUserMessages     int
	RecencyHalfLifeDays      float64
	MinRecencyWeight         float64
	GenerationTimeoutSec     int
	LearningRetryIntervalSec int
	LearningTimeoutSec       int
	DefaultLanguage          string
}

type FactCacheConfig struct {
	Size int
}

type FactGraphConfig struct {
	Enabled  bool
	URI      string
	Username string
	Password string
	Database string
}

type ResolutionIndexConfig struct {
	Enabled        bool
	Endpoint       string
	APIKey         string
	CollectionName string
	TopK           int
}

type RateLimitConfig struct {
	MaxRequestsPerMinute int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/troubleshoot")

	v.SetEnvPrefix("TROUBLESHOOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.SQLite.Path == "" {
		return errors.New("sqlite.path cannot be empty")
	}
	if c.Workflow.MaxSteps < 1 {
		return errors.New("workflow.maxSteps must be >= 1")
	}
	if c.Workflow.MaxPriorUserMessages < 0 {
		return errors.New("workflow.maxPriorUserMessages must be >= 0")
	}
	if c.Workflow.RecencyHalfLifeDays <= 0 {
		return errors.New("workflow.recencyHalfLifeDays must be > 0")
	}
	if c.Workflow.MinRecencyWeight < 0 || c.Workflow.MinRecencyWeight > 1 {
		return errors.New("workflow.minRecencyWeight must be within [0,1]")
	}
	if c.Workflow.GenerationTimeoutSec <= 0 {
		return errors.New("workflow.generationTimeoutSec must be > 0")
	}
	if c.FactCache.Size <= 0 {
		return errors.New("factCache.size must be > 0")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 60)
	v.SetDefault("server.bodyLimit", 1048576)
	v.SetDefault("server.allowedOrigins", "*")
	v.SetDefault("server.development", false)

	v.SetDefault("sqlite.path", "./data/troubleshoot.db")
	v.SetDefault("sqlite.busyTimeoutMs", 5000)
	v.SetDefault("sqlite.maxOpenConns", 8)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "troubleshoot:escalations")
	v.SetDefault("redis.ticketList", "troubleshoot:tickets")

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.maxTokens", 800)
	v.SetDefault("llm.maxAttempts", 3)
	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	v.SetDefault("llm.embeddingDim", 1536)

	v.SetDefault("workflow.maxSteps", 8)
	v.SetDefault("workflow.maxPriorUserMessages", 1)
	v.SetDefault("workflow.recencyHalfLifeDays", 30.0)
	v.SetDefault("workflow.minRecencyWeight", 0.1)
	v.SetDefault("workflow.generationTimeoutSec", 20)
	v.SetDefault("workflow.learningRetryIntervalSec", 60)
	v.SetDefault("workflow.learningTimeoutSec", 60)
	v.SetDefault("workflow.defaultLanguage", "en")

	v.SetDefault("factCache.size", 256)

	v.SetDefault("factGraph.enabled", false)
	v.SetDefault("factGraph.uri", "bolt://localhost:7687")
	v.SetDefault("factGraph.username", "neo4j")
	v.SetDefault("factGraph.database", "neo4j")

	v.SetDefault("resolutionIndex.enabled", false)
	v.SetDefault("resolutionIndex.endpoint", "localhost:19530")
	v.SetDefault("resolutionIndex.collectionName", "resolved_sessions")
	v.SetDefault("resolutionIndex.topK", 5)

	v.SetDefault("rateLimit.maxRequestsPerMinute", 120)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
