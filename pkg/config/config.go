package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/xdusongwei/httptrading/pkg/exchanges/common"
)

var instanceIDPattern = regexp.MustCompile(`^\w{16,32}$`)

const (
	MinTokenLength = 16
	MaxTokenLength = 64
)

// Config holds environment-driven settings for the gateway.
type Config struct {
	Host string
	Port string

	// Header carrying the per-instance access token.
	TokenHeader string

	// Broker instances file (YAML).
	BrokersConfig string

	// Order dump store
	DBPath           string
	DumpOrders       bool
	DumpActiveOrders bool

	// Lifecycle
	StartupFailFast bool
	WorkerPoolSize  int
	HealthInterval  time.Duration

	// Base64 AES-256 key sealing credential files at rest; empty keeps them plain.
	CredentialKey string

	// Optional gRPC health endpoint; empty disables it.
	GRPCHealthAddr string

	// Per-client-IP limiter for the HTTP API
	IPRateLimit float64
	IPRateBurst int

	LogLevel  string
	LogFormat string // "json" or "text"

	// Localization
	Language string // "en" or "zh"

	Brokers []BrokerInstance `yaml:"-"`
}

// BrokerInstance is one entry of the brokers file.
type BrokerInstance struct {
	Kind       string         `yaml:"kind"`
	InstanceID string         `yaml:"instance_id"`
	Tokens     []string       `yaml:"tokens"`
	Args       map[string]any `yaml:"args"`
}

type brokersFile struct {
	Brokers []BrokerInstance `yaml:"brokers"`
}

// Load reads environment variables (optionally via .env) into Config and
// then loads the broker instances file it points at.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := FromEnv()
	brokers, err := LoadBrokers(cfg.BrokersConfig)
	if err != nil {
		return nil, err
	}
	cfg.Brokers = brokers
	return cfg, nil
}

// FromEnv builds a Config from the current environment only.
func FromEnv() *Config {
	return &Config{
		Host:             getEnv("HOST", ""),
		Port:             getEnv("PORT", "8080"),
		TokenHeader:      getEnv("TOKEN_HEADER", "HT-TOKEN"),
		BrokersConfig:    getEnv("BROKERS_CONFIG", "./brokers.yaml"),
		DBPath:           getEnv("DB_PATH", "./data/orders.db"),
		DumpOrders:       getEnvBool("DUMP_ORDERS", true),
		DumpActiveOrders: getEnvBool("DUMP_ACTIVE_ORDERS", false),
		StartupFailFast:  getEnvBool("STARTUP_FAIL_FAST", false),
		WorkerPoolSize:   getEnvInt("WORKER_POOL_SIZE", 8),
		HealthInterval:   getEnvDuration("HEALTH_INTERVAL", time.Minute),
		CredentialKey:    getEnv("CREDENTIAL_KEY", ""),
		GRPCHealthAddr:   getEnv("GRPC_HEALTH_ADDR", ""),
		IPRateLimit:      getEnvFloat("IP_RATE_LIMIT", 20),
		IPRateBurst:      getEnvInt("IP_RATE_BURST", 50),
		LogLevel:         strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(getEnv("LOG_FORMAT", "json")),
		Language:         getEnv("LANGUAGE", "en"),
	}
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// LoadBrokers reads and validates the broker instances file.
func LoadBrokers(path string) ([]BrokerInstance, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &common.ConfigError{Field: "BROKERS_CONFIG", Reason: "cannot read " + path, Err: err}
	}
	return ParseBrokers(raw)
}

// ParseBrokers decodes and validates a brokers document.
func ParseBrokers(raw []byte) ([]BrokerInstance, error) {
	var doc brokersFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, &common.ConfigError{Field: "brokers", Reason: "invalid yaml", Err: err}
	}

	seen := make(map[string]bool, len(doc.Brokers))
	for i, b := range doc.Brokers {
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("brokers[%d]: %w", i, err)
		}
		if seen[b.InstanceID] {
			return nil, &common.ConfigError{Field: "instance_id", Reason: "duplicate " + b.InstanceID}
		}
		seen[b.InstanceID] = true
	}
	return doc.Brokers, nil
}

// Validate checks the shape rules every instance must satisfy.
func (b BrokerInstance) Validate() error {
	if b.Kind == "" {
		return &common.ConfigError{Field: "kind", Reason: "must not be empty"}
	}
	if !ValidInstanceID(b.InstanceID) {
		return &common.ConfigError{Field: "instance_id", Reason: fmt.Sprintf("%q must match %s", b.InstanceID, instanceIDPattern)}
	}
	if len(b.Tokens) == 0 {
		return &common.ConfigError{Field: "tokens", Reason: "at least one token required for " + b.InstanceID}
	}
	for _, tok := range b.Tokens {
		if !ValidToken(tok) {
			return &common.ConfigError{Field: "tokens", Reason: fmt.Sprintf("token length must be %d-%d for %s", MinTokenLength, MaxTokenLength, b.InstanceID)}
		}
	}
	return nil
}

// DecodeArgs decodes the free-form args block into out (a pointer to a
// broker-specific struct with yaml tags).
func (b BrokerInstance) DecodeArgs(out any) error {
	if len(b.Args) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(b.Args)
	if err != nil {
		return &common.ConfigError{Field: "args", Reason: "encode " + b.InstanceID, Err: err}
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return &common.ConfigError{Field: "args", Reason: "decode " + b.InstanceID, Err: err}
	}
	return nil
}

func ValidInstanceID(id string) bool {
	return instanceIDPattern.MatchString(id)
}

func ValidToken(tok string) bool {
	return len(tok) >= MinTokenLength && len(tok) <= MaxTokenLength
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
