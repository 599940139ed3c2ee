package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	// Log configuration
	Log LogConfig `mapstructure:"log"`

	// Graph store configuration
	Graph GraphConfig `mapstructure:"graph"`

	// Metadata store configuration
	Metadata MetadataConfig `mapstructure:"metadata"`

	// NLP configuration
	NLP NLPConfig `mapstructure:"nlp"`

	// Embedding configuration
	Embedding EmbeddingConfig `mapstructure:"embedding"`

	Propagation PropagationConfig `mapstructure:"propagation"`
	Aggregation AggregationConfig `mapstructure:"aggregation"`
	Resolution  ResolutionConfig  `mapstructure:"resolution"`
	Conversion  ConversionConfig  `mapstructure:"conversion"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Cache       CacheConfig       `mapstructure:"cache"`

	// Telemetry configuration
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	// CircuitBreaker configuration
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`

	// Alert configuration
	Alert AlertConfig `mapstructure:"alert"`

	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Schema    SchemaConfig    `mapstructure:"schema"`
}

// AlertConfig holds configuration for alerting
type AlertConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	SMTPHost string   `mapstructure:"smtp_host"`
	SMTPPort int      `mapstructure:"smtp_port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

// CircuitBreakerConfig holds configuration for circuit breaking
type CircuitBreakerConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	MaxRequests      uint32  `mapstructure:"max_requests"`
	Interval         int     `mapstructure:"interval"` // in seconds
	Timeout          int     `mapstructure:"timeout"`  // in seconds
	ReadyToTripRatio float64 `mapstructure:"ready_to_trip_ratio"`
}

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	ParquetPath string `mapstructure:"parquet_path"`
	// Tracing enables the stdout span exporter.
	Tracing     bool   `mapstructure:"tracing"`
	ServiceName string `mapstructure:"service_name"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// GraphConfig selects the graph+vector store.
type GraphConfig struct {
	Driver   string `mapstructure:"driver"` // neo4j, badger
	URI      string `mapstructure:"uri"`    // bolt URI or badger directory
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	InMemory bool   `mapstructure:"in_memory"` // badger only
}

// MetadataConfig selects the relational metadata store.
type MetadataConfig struct {
	Driver string `mapstructure:"driver"` // postgres, sqlite
	DSN    string `mapstructure:"dsn"`
}

// NLPConfig holds the language model configuration
type NLPConfig struct {
	Provider    string  `mapstructure:"provider"` // openai, none
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Temperature float32 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`

	MaxRetries        int     `mapstructure:"max_retries"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// EmbeddingConfig holds embedding configuration
type EmbeddingConfig struct {
	Provider   string `mapstructure:"provider"` // openai, none
	Model      string `mapstructure:"model"`
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Dimensions int    `mapstructure:"dimensions"`
}

// PropagationConfig configures the uncertainty propagator.
type PropagationConfig struct {
	Regime string                 `mapstructure:"regime"` // degradation, root_sum_square
	Stages map[string]StageConfig `mapstructure:"stages"`

	// RelevanceGranularity is single or per_mechanism.
	RelevanceGranularity string `mapstructure:"relevance_granularity"`
}

// StageConfig is one stage entry.
type StageConfig struct {
	Factor     float64 `mapstructure:"factor"`
	Correlated bool    `mapstructure:"correlated"`
}

// AggregationConfig configures the evidence aggregator.
type AggregationConfig struct {
	Strategy       string  `mapstructure:"strategy"`  // bayesian, dempster_shafer
	Estimator      string  `mapstructure:"estimator"` // heuristic, llm
	Prior          float64 `mapstructure:"prior"`
	MetaConfidence float64 `mapstructure:"meta_confidence"`
	CascadeWindow  string  `mapstructure:"cascade_window"` // duration, e.g. 24h
	Reliability    float64 `mapstructure:"reliability"`    // dempster_shafer source reliability
	CacheTTL       string  `mapstructure:"cache_ttl"`
}

// ResolutionConfig configures the entity resolver.
type ResolutionConfig struct {
	MinConfidence  float64  `mapstructure:"min_confidence"`
	HedgingMarkers []string `mapstructure:"hedging_markers"`
	VectorTopK     int      `mapstructure:"vector_top_k"`
	MinSimilarity  float64  `mapstructure:"min_similarity"`
}

// ConversionConfig configures the cross-modal converter.
type ConversionConfig struct {
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	MaxCategories       int     `mapstructure:"max_categories"`
	MissingNumeric      string  `mapstructure:"missing_numeric"` // impute_mean, fail
	Workers             int     `mapstructure:"workers"`
}

// PipelineConfig configures document processing.
type PipelineConfig struct {
	Workers int    `mapstructure:"workers"`
	ToolID  string `mapstructure:"tool_id"`
	// DecayHalfLife is a duration string; empty disables decay.
	DecayHalfLife string `mapstructure:"decay_half_life"`
}

// CacheConfig selects the likelihood cache backend.
type CacheConfig struct {
	Backend       string `mapstructure:"backend"` // memory, redis, none
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	DefaultTTL    string `mapstructure:"default_ttl"`
}

// ReconcileConfig locates the partial-commit journal.
type ReconcileConfig struct {
	JournalDir string `mapstructure:"journal_dir"`
}

// SchemaConfig locates the theory schema document.
type SchemaConfig struct {
	Path string `mapstructure:"path"`
}

// Load loads configuration from the optional file at path and from
// CREDENCE_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CREDENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Override with environment variables if present
	overrideWithEnv(config)

	return config, nil
}

// Default returns the configuration with only defaults applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	config := &Config{}
	_ = v.Unmarshal(config)
	return config
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	// Store defaults
	v.SetDefault("graph.driver", "badger")
	v.SetDefault("graph.uri", "./credence_graph")
	v.SetDefault("graph.database", "neo4j")
	v.SetDefault("metadata.driver", "sqlite")
	v.SetDefault("metadata.dsn", "file:credence_meta.db?_pragma=busy_timeout(5000)")

	v.SetDefault("nlp.provider", "openai")
	v.SetDefault("nlp.model", "gpt-4o-mini")
	v.SetDefault("nlp.temperature", 0.0)
	v.SetDefault("nlp.max_tokens", 1024)
	v.SetDefault("nlp.max_retries", 3)
	v.SetDefault("nlp.requests_per_second", 5.0)
	v.SetDefault("nlp.burst", 2)

	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.model", "text-embedding-3-small")

	v.SetDefault("propagation.regime", "degradation")
	v.SetDefault("propagation.relevance_granularity", "single")
	v.SetDefault("propagation.stages.extraction.factor", 0.90)
	v.SetDefault("propagation.stages.resolution.factor", 0.95)
	v.SetDefault("propagation.stages.relationship.factor", 0.92)
	v.SetDefault("propagation.stages.aggregation.factor", 0.98)

	v.SetDefault("aggregation.strategy", "bayesian")
	v.SetDefault("aggregation.estimator", "heuristic")
	v.SetDefault("aggregation.prior", 0.5)
	v.SetDefault("aggregation.meta_confidence", 0.9)
	v.SetDefault("aggregation.cascade_window", "24h")
	v.SetDefault("aggregation.reliability", 0.9)
	v.SetDefault("aggregation.cache_ttl", "24h")

	v.SetDefault("resolution.min_confidence", 0.65)
	v.SetDefault("resolution.vector_top_k", 5)
	v.SetDefault("resolution.min_similarity", 0.75)

	v.SetDefault("conversion.similarity_threshold", 0.85)
	v.SetDefault("conversion.max_categories", 32)
	v.SetDefault("conversion.missing_numeric", "impute_mean")
	v.SetDefault("conversion.workers", 4)

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.tool_id", "credence")

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.default_ttl", "1h")

	v.SetDefault("circuit_breaker.enabled", true)
	v.SetDefault("circuit_breaker.max_requests", 1)
	v.SetDefault("circuit_breaker.interval", 60)
	v.SetDefault("circuit_breaker.timeout", 30)
	v.SetDefault("circuit_breaker.ready_to_trip_ratio", 0.6)

	v.SetDefault("telemetry.service_name", "credence")

	// Telemetry and journal defaults
	home, err := os.UserHomeDir()
	if err == nil {
		v.SetDefault("telemetry.parquet_path", filepath.Join(home, ".credence", "telemetry"))
		v.SetDefault("reconcile.journal_dir", filepath.Join(home, ".credence", "reconcile"))
	} else {
		v.SetDefault("reconcile.journal_dir", filepath.Join(os.TempDir(), "credence-reconcile"))
	}
}

// overrideWithEnv overrides config with well-known environment variables
func overrideWithEnv(config *Config) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		if config.NLP.APIKey == "" {
			config.NLP.APIKey = apiKey
		}
		if config.Embedding.APIKey == "" {
			config.Embedding.APIKey = apiKey
		}
	}

	// Graph credentials
	if uri := os.Getenv("NEO4J_URI"); uri != "" && config.Graph.Driver == "neo4j" {
		config.Graph.URI = uri
	}
	if user := os.Getenv("NEO4J_USER"); user != "" {
		config.Graph.Username = user
	}
	if pass := os.Getenv("NEO4J_PASSWORD"); pass != "" {
		config.Graph.Password = pass
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" && config.Metadata.Driver == "postgres" {
		config.Metadata.DSN = dsn
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" && config.Cache.RedisAddr == "" {
		config.Cache.RedisAddr = addr
	}
}
