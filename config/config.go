// Package config loads the autoninja configuration.
//
// Values are resolved in three layers, each overriding the previous one:
// built-in defaults, an optional YAML file and environment variables
// prefixed with AUTONINJA_. Environment keys map to configuration keys by
// splitting on the first underscore after the prefix:
//
//	AUTONINJA_LIMITER_MIN_INTERVAL -> limiter.min_interval
//	AUTONINJA_AUDIT_MONGO_URI      -> audit.mongo_uri
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "AUTONINJA_"

const maxConfigFileSize = 1024 * 1024

// Backend names.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendPulse  = "pulse"
	BackendMongo  = "mongo"
	BackendMinio  = "minio"
	BackendNone   = "none"

	ProviderBedrock   = "bedrock"
	ProviderAnthropic = "anthropic"
)

type (
	// Config is the complete service configuration.
	Config struct {
		Server    ServerConfig    `koanf:"server"`
		Log       LogConfig       `koanf:"log"`
		Model     ModelConfig     `koanf:"model"`
		Limiter   LimiterConfig   `koanf:"limiter"`
		Audit     AuditConfig     `koanf:"audit"`
		Artifacts ArtifactsConfig `koanf:"artifacts"`
		Pipeline  PipelineConfig  `koanf:"pipeline"`
		Events    EventsConfig    `koanf:"events"`
	}

	// ServerConfig configures the HTTP API.
	ServerConfig struct {
		Addr            string        `koanf:"addr"`
		ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	}

	// LogConfig configures clue logging. An empty format selects terminal
	// output on TTYs and JSON otherwise.
	LogConfig struct {
		Format string `koanf:"format"`
		Debug  bool   `koanf:"debug"`
	}

	// ModelConfig selects and configures the downstream endpoint. AccessKey
	// and SecretKey pin static AWS credentials for the bedrock provider;
	// when empty the AWS default credential chain applies.
	ModelConfig struct {
		Provider           string        `koanf:"provider"`
		ID                 string        `koanf:"id"`
		MaxTokens          int           `koanf:"max_tokens"`
		Temperature        float32       `koanf:"temperature"`
		Region             string        `koanf:"region"`
		APIKey             string        `koanf:"api_key"`
		AccessKey          string        `koanf:"access_key"`
		SecretKey          string        `koanf:"secret_key"`
		SessionToken       string        `koanf:"session_token"`
		CallTimeout        time.Duration `koanf:"call_timeout"`
		MaxCalls           int           `koanf:"max_calls"`
		MaxThrottleRetries int           `koanf:"max_throttle_retries"`
	}

	// LimiterConfig configures the shared rate limiter.
	LimiterConfig struct {
		Backend       string        `koanf:"backend"`
		Key           string        `koanf:"key"`
		MinInterval   time.Duration `koanf:"min_interval"`
		SkewMargin    time.Duration `koanf:"skew_margin"`
		MaxAttempts   int           `koanf:"max_attempts"`
		Deadline      time.Duration `koanf:"deadline"`
		PenaltyBase   time.Duration `koanf:"penalty_base"`
		PenaltyMax    time.Duration `koanf:"penalty_max"`
		RedisAddr     string        `koanf:"redis_addr"`
		RedisPassword string        `koanf:"redis_password"`
		MapName       string        `koanf:"map_name"`
	}

	// AuditConfig configures audit records and run statuses.
	AuditConfig struct {
		Backend           string        `koanf:"backend"`
		MongoURI          string        `koanf:"mongo_uri"`
		Database          string        `koanf:"database"`
		RecordsCollection string        `koanf:"records_collection"`
		RunsCollection    string        `koanf:"runs_collection"`
		StaleAfter        time.Duration `koanf:"stale_after"`
	}

	// ArtifactsConfig configures the artifact store.
	ArtifactsConfig struct {
		Backend   string `koanf:"backend"`
		Endpoint  string `koanf:"endpoint"`
		Bucket    string `koanf:"bucket"`
		Prefix    string `koanf:"prefix"`
		Region    string `koanf:"region"`
		AccessKey string `koanf:"access_key"`
		SecretKey string `koanf:"secret_key"`
		Secure    bool   `koanf:"secure"`
	}

	// PipelineConfig configures the coordinator.
	PipelineConfig struct {
		MaxAttempts int     `koanf:"max_attempts"`
		Gate        bool    `koanf:"gate"`
		MinScore    float64 `koanf:"min_score"`
		// Envelopes maps stage names to JSON proposal envelopes replacing
		// the default single action of the stage.
		Envelopes map[string]string `koanf:"envelopes"`
	}

	// EventsConfig configures run event publication.
	EventsConfig struct {
		Backend      string `koanf:"backend"`
		RedisAddr    string `koanf:"redis_addr"`
		StreamMaxLen int    `koanf:"stream_max_len"`
	}
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Model: ModelConfig{
			Provider:           ProviderBedrock,
			ID:                 "anthropic.claude-3-7-sonnet-20250219-v1:0",
			MaxTokens:          4096,
			Region:             "us-east-1",
			CallTimeout:        5 * time.Minute,
			MaxCalls:           10,
			MaxThrottleRetries: 3,
		},
		Limiter: LimiterConfig{
			Backend:     BackendMemory,
			Key:         "model",
			MinInterval: 60 * time.Second,
			MaxAttempts: 64,
			Deadline:    10 * time.Minute,
			PenaltyBase: 10 * time.Second,
			PenaltyMax:  5 * time.Minute,
			RedisAddr:   "localhost:6379",
			MapName:     "autoninja-ratelimit",
		},
		Audit: AuditConfig{
			Backend:           BackendMemory,
			MongoURI:          "mongodb://localhost:27017",
			Database:          "autoninja",
			RecordsCollection: "audit_records",
			RunsCollection:    "pipeline_runs",
			StaleAfter:        15 * time.Minute,
		},
		Artifacts: ArtifactsConfig{
			Backend: BackendMemory,
			Bucket:  "autoninja-artifacts",
		},
		Pipeline: PipelineConfig{
			MaxAttempts: 2,
			Gate:        true,
		},
		Events: EventsConfig{
			Backend:      BackendNone,
			RedisAddr:    "localhost:6379",
			StreamMaxLen: 1000,
		},
	}
}

// Load resolves the configuration from the defaults, the YAML file at path
// when path is not empty, and the environment. The result is validated.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}
	switch c.Log.Format {
	case "", "terminal", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}

	switch c.Model.Provider {
	case ProviderBedrock, ProviderAnthropic:
	default:
		return fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}
	if c.Model.ID == "" {
		return errors.New("model.id is required")
	}
	if c.Model.MaxTokens <= 0 {
		return fmt.Errorf("model.max_tokens must be positive, got %d", c.Model.MaxTokens)
	}
	if c.Model.CallTimeout <= 0 {
		return errors.New("model.call_timeout must be positive")
	}
	if (c.Model.AccessKey == "") != (c.Model.SecretKey == "") {
		return errors.New("model.access_key and model.secret_key must be set together")
	}

	switch c.Limiter.Backend {
	case BackendMemory:
	case BackendRedis, BackendPulse:
		if c.Limiter.RedisAddr == "" {
			return fmt.Errorf("limiter.redis_addr is required for the %s backend", c.Limiter.Backend)
		}
	default:
		return fmt.Errorf("unknown limiter backend %q", c.Limiter.Backend)
	}
	if c.Limiter.Key == "" {
		return errors.New("limiter.key is required")
	}
	if c.Limiter.MinInterval <= 0 {
		return fmt.Errorf("limiter.min_interval must be positive, got %s", c.Limiter.MinInterval)
	}
	if c.Limiter.Deadline <= 0 {
		return fmt.Errorf("limiter.deadline must be positive, got %s", c.Limiter.Deadline)
	}
	if c.Limiter.PenaltyBase <= 0 || c.Limiter.PenaltyMax < c.Limiter.PenaltyBase {
		return fmt.Errorf("limiter penalty must satisfy 0 < penalty_base <= penalty_max, got %s and %s",
			c.Limiter.PenaltyBase, c.Limiter.PenaltyMax)
	}
	if c.Limiter.Backend == BackendPulse && c.Limiter.MapName == "" {
		return errors.New("limiter.map_name is required for the pulse backend")
	}

	switch c.Audit.Backend {
	case BackendMemory:
	case BackendMongo:
		if c.Audit.MongoURI == "" || c.Audit.Database == "" {
			return errors.New("audit.mongo_uri and audit.database are required for the mongo backend")
		}
	default:
		return fmt.Errorf("unknown audit backend %q", c.Audit.Backend)
	}
	if c.Audit.StaleAfter <= 0 {
		return fmt.Errorf("audit.stale_after must be positive, got %s", c.Audit.StaleAfter)
	}

	switch c.Artifacts.Backend {
	case BackendMemory:
	case BackendMinio:
		if c.Artifacts.Endpoint == "" || c.Artifacts.Bucket == "" {
			return errors.New("artifacts.endpoint and artifacts.bucket are required for the minio backend")
		}
	default:
		return fmt.Errorf("unknown artifacts backend %q", c.Artifacts.Backend)
	}

	if c.Pipeline.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline.max_attempts must be positive, got %d", c.Pipeline.MaxAttempts)
	}
	if c.Pipeline.MinScore < 0 {
		return errors.New("pipeline.min_score must not be negative")
	}

	switch c.Events.Backend {
	case BackendNone:
	case BackendPulse:
		if c.Events.RedisAddr == "" {
			return errors.New("events.redis_addr is required for the pulse backend")
		}
	default:
		return fmt.Errorf("unknown events backend %q", c.Events.Backend)
	}
	return nil
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// envKey maps AUTONINJA_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}
