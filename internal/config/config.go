// Package config loads the harbor configuration from a YAML file with
// environment variable expansion, then applies well-known environment
// overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for harbor.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Auth      AuthConfig      `yaml:"auth"`
	Tenants   TenantsConfig   `yaml:"tenants"`
	Cache     CacheConfig     `yaml:"cache"`
	Goals     GoalsConfig     `yaml:"goals"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Bus       BusConfig       `yaml:"bus"`
	Observer  ObserverConfig  `yaml:"observer"`
	LLM       LLMConfig       `yaml:"llm"`
	Tools     ToolsConfig     `yaml:"tools"`
	Router    RouterConfig    `yaml:"router"`
	CRM       CRMConfig       `yaml:"crm"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
	Insecure     bool    `yaml:"insecure"`
}

type AuthConfig struct {
	// InternalJWTSecret signs short-lived internal tokens.
	InternalJWTSecret string `yaml:"internal_jwt_secret"`
	// InternalTokenTTL is fixed at five minutes unless overridden down.
	InternalTokenTTL time.Duration `yaml:"internal_token_ttl"`
}

type TenantsConfig struct {
	// SystemUUID is the tenant the literal "system" resolves to.
	SystemUUID string `yaml:"system_uuid"`
	// Static maps slugs to tenant records for deployments without a
	// directory service.
	Static []StaticTenant `yaml:"static"`
}

type StaticTenant struct {
	UUID string `yaml:"uuid"`
	Slug string `yaml:"slug"`
	Name string `yaml:"name"`
}

type CacheConfig struct {
	// Backend is "memory" or "redis".
	Backend    string        `yaml:"backend"`
	RedisAddr  string        `yaml:"redis_addr"`
	RedisDB    int           `yaml:"redis_db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

type GoalsConfig struct {
	// Backend is "memory" or "redis".
	Backend   string        `yaml:"backend"`
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

type ArtifactsConfig struct {
	// Backend is "local" or "s3".
	Backend string   `yaml:"backend"`
	Local   LocalFS  `yaml:"local"`
	S3      S3Config `yaml:"s3"`
	// DatabaseURL enables the SQL metadata repository; empty keeps
	// metadata in memory.
	DatabaseURL string `yaml:"database_url"`
	// InlineThreshold is the serialized size above which tool results
	// are offloaded.
	InlineThreshold int `yaml:"inline_threshold"`
}

type LocalFS struct {
	Root string `yaml:"root"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	LogPath string `yaml:"log_path"`
}

type BusConfig struct {
	// Type is "kafka" or "rabbit".
	Type string `yaml:"type"`

	Kafka  KafkaConfig  `yaml:"kafka"`
	Rabbit RabbitConfig `yaml:"rabbit"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

type RabbitConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
}

type ObserverConfig struct {
	Port        int `yaml:"port"`
	MaxEvents   int `yaml:"max_events"`
	WarmupTail  int `yaml:"warmup_tail"`
	ClientQueue int `yaml:"client_queue"`
}

type LLMConfig struct {
	// Provider is "openai" or "anthropic".
	Provider string        `yaml:"provider"`
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"api_key"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
}

type ToolsConfig struct {
	DefaultTTL  time.Duration `yaml:"default_ttl"`
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency"`
}

type RouterConfig struct {
	ToolCallBudget int `yaml:"tool_call_budget"`
	WindowMessages int `yaml:"window_messages"`
}

type CRMConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Load reads the configuration file, expands ${ENV} references, applies
// environment overrides, and fills defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies the stable environment variable surface. Environment
// values win over file values.
func (c *Config) applyEnv() {
	if v, ok := envBool("TELEMETRY_ENABLED"); ok {
		c.Telemetry.Enabled = v
	}
	if v := os.Getenv("TELEMETRY_LOG_PATH"); v != "" {
		c.Telemetry.LogPath = v
	}
	if v := os.Getenv("BUS_TYPE"); v != "" {
		c.Bus.Type = v
	}
	if v := os.Getenv("BUS_KAFKA_BROKERS"); v != "" {
		c.Bus.Kafka.Brokers = splitAndTrim(v)
	}
	if v := os.Getenv("BUS_KAFKA_TOPIC"); v != "" {
		c.Bus.Kafka.Topic = v
	}
	if v := os.Getenv("BUS_KAFKA_GROUP_ID"); v != "" {
		c.Bus.Kafka.GroupID = v
	}
	if v := os.Getenv("BUS_RABBIT_URL"); v != "" {
		c.Bus.Rabbit.URL = v
	}
	if v := os.Getenv("BUS_RABBIT_QUEUE"); v != "" {
		c.Bus.Rabbit.Queue = v
	}
	if v, ok := envInt("MAX_EVENTS_IN_MEMORY"); ok {
		c.Observer.MaxEvents = v
	}
	if v := os.Getenv("INTERNAL_JWT_SECRET"); v != "" {
		c.Auth.InternalJWTSecret = v
	}
	if v, ok := envInt("GOAL_TTL_SECONDS"); ok {
		c.Goals.TTL = time.Duration(v) * time.Second
	}
	if v, ok := envInt("TOOL_DEFAULT_TTL_SECONDS"); ok {
		c.Tools.DefaultTTL = time.Duration(v) * time.Second
	}
	if v, ok := envInt("TURN_TOOL_CALL_BUDGET"); ok {
		c.Router.ToolCallBudget = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Auth.InternalTokenTTL <= 0 || c.Auth.InternalTokenTTL > 5*time.Minute {
		c.Auth.InternalTokenTTL = 5 * time.Minute
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.DefaultTTL <= 0 {
		c.Cache.DefaultTTL = 90 * time.Second
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 10000
	}
	if c.Goals.Backend == "" {
		c.Goals.Backend = "memory"
	}
	if c.Goals.TTL <= 0 {
		c.Goals.TTL = 15 * time.Minute
	}
	if c.Artifacts.Backend == "" {
		c.Artifacts.Backend = "local"
	}
	if c.Artifacts.Local.Root == "" {
		c.Artifacts.Local.Root = "./artifacts"
	}
	if c.Artifacts.InlineThreshold <= 0 {
		c.Artifacts.InlineThreshold = 64 * 1024
	}
	if c.Telemetry.LogPath == "" {
		c.Telemetry.LogPath = "/tmp/harbor-telemetry.ndjson"
	}
	if c.Bus.Type == "" {
		c.Bus.Type = "kafka"
	}
	if c.Bus.Kafka.Topic == "" {
		c.Bus.Kafka.Topic = "harbor.telemetry"
	}
	if c.Bus.Kafka.GroupID == "" {
		c.Bus.Kafka.GroupID = "harbor-observer"
	}
	if c.Bus.Rabbit.Queue == "" {
		c.Bus.Rabbit.Queue = "harbor.telemetry"
	}
	if c.Observer.Port == 0 {
		c.Observer.Port = 8091
	}
	if c.Observer.MaxEvents <= 0 {
		c.Observer.MaxEvents = 5000
	}
	if c.Observer.WarmupTail <= 0 {
		c.Observer.WarmupTail = 500
	}
	if c.Observer.ClientQueue <= 0 {
		c.Observer.ClientQueue = 256
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = 60 * time.Second
	}
	if c.Tools.DefaultTTL <= 0 {
		c.Tools.DefaultTTL = 90 * time.Second
	}
	if c.Tools.Timeout <= 0 {
		c.Tools.Timeout = 30 * time.Second
	}
	if c.Tools.Concurrency <= 0 {
		c.Tools.Concurrency = 4
	}
	if c.Router.ToolCallBudget <= 0 {
		c.Router.ToolCallBudget = 8
	}
	if c.Router.WindowMessages <= 0 {
		c.Router.WindowMessages = 8
	}
	if c.CRM.Timeout <= 0 {
		c.CRM.Timeout = 15 * time.Second
	}
}

// Validate checks cross-field constraints that defaults cannot repair.
func (c *Config) Validate() error {
	var problems []string
	switch c.Bus.Type {
	case "kafka", "rabbit":
	default:
		problems = append(problems, fmt.Sprintf("bus.type must be kafka or rabbit, got %q", c.Bus.Type))
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		problems = append(problems, fmt.Sprintf("cache.backend must be memory or redis, got %q", c.Cache.Backend))
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		problems = append(problems, "cache.redis_addr is required for the redis backend")
	}
	switch c.Goals.Backend {
	case "memory", "redis":
	default:
		problems = append(problems, fmt.Sprintf("goals.backend must be memory or redis, got %q", c.Goals.Backend))
	}
	if c.Goals.Backend == "redis" && c.Goals.RedisAddr == "" && c.Cache.RedisAddr == "" {
		problems = append(problems, "goals.redis_addr is required for the redis backend")
	}
	switch c.Artifacts.Backend {
	case "local", "s3":
	default:
		problems = append(problems, fmt.Sprintf("artifacts.backend must be local or s3, got %q", c.Artifacts.Backend))
	}
	if c.Artifacts.Backend == "s3" && c.Artifacts.S3.Bucket == "" {
		problems = append(problems, "artifacts.s3.bucket is required for the s3 backend")
	}
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		problems = append(problems, fmt.Sprintf("llm.provider must be openai or anthropic, got %q", c.LLM.Provider))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func envBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
