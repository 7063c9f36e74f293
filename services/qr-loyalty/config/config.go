package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig selects the gorm dialector and pool sizing.
type DatabaseConfig struct {
	Driver       string `yaml:"driver" toml:"driver"`
	DSN          string `yaml:"dsn" toml:"dsn"`
	MaxOpenConns int    `yaml:"maxOpenConns" toml:"maxOpenConns"`
	MaxIdleConns int    `yaml:"maxIdleConns" toml:"maxIdleConns"`
}

// RedisConfig enables the distributed provisioning lock when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr" toml:"addr"`
	Password string        `yaml:"password" toml:"password"`
	DB       int           `yaml:"db" toml:"db"`
	LockTTL  time.Duration `yaml:"lockTTL" toml:"lockTTL"`
}

// CommerceConfig tunes calls to the commerce platform.
type CommerceConfig struct {
	APIVersion        string        `yaml:"apiVersion" toml:"apiVersion"`
	Timeout           time.Duration `yaml:"timeout" toml:"timeout"`
	MaxRetries        int           `yaml:"maxRetries" toml:"maxRetries"`
	RetryBackoff      time.Duration `yaml:"retryBackoff" toml:"retryBackoff"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond" toml:"requestsPerSecond"`
	Burst             int           `yaml:"burst" toml:"burst"`
}

// RewardsConfig holds provisioning defaults.
type RewardsConfig struct {
	StateTTL             time.Duration `yaml:"stateTTL" toml:"stateTTL"`
	CacheTTL             time.Duration `yaml:"cacheTTL" toml:"cacheTTL"`
	DefaultPointsPerScan int64         `yaml:"defaultPointsPerScan" toml:"defaultPointsPerScan"`
}

// ScanConfig controls the public scan endpoints.
type ScanConfig struct {
	StorefrontURL      string        `yaml:"storefrontURL" toml:"storefrontURL"`
	RateLimitPerMinute float64       `yaml:"rateLimitPerMinute" toml:"rateLimitPerMinute"`
	Burst              int           `yaml:"burst" toml:"burst"`
	LoyaltyTimeout     time.Duration `yaml:"loyaltyTimeout" toml:"loyaltyTimeout"`
	AllowedOrigins     []string      `yaml:"allowedOrigins" toml:"allowedOrigins"`

	// CustomerTokenSecret verifies storefront-signed customer tokens. Empty
	// credits every scan to an anonymous fingerprint.
	CustomerTokenSecret string `yaml:"customerTokenSecret" toml:"customerTokenSecret"`
	CustomerTokenIssuer string `yaml:"customerTokenIssuer" toml:"customerTokenIssuer"`
}

// AuthConfig controls bearer authentication of the admin API.
type AuthConfig struct {
	Enabled       bool          `yaml:"enabled" toml:"enabled"`
	HMACSecret    string        `yaml:"hmacSecret" toml:"hmacSecret"`
	Issuer        string        `yaml:"issuer" toml:"issuer"`
	Audience      string        `yaml:"audience" toml:"audience"`
	MerchantClaim string        `yaml:"merchantClaim" toml:"merchantClaim"`
	ClockSkew     time.Duration `yaml:"clockSkew" toml:"clockSkew"`
}

// AnalyticsConfig enables streaming scan events to Kafka when brokers are set.
type AnalyticsConfig struct {
	KafkaBrokers   []string      `yaml:"kafkaBrokers" toml:"kafkaBrokers"`
	Topic          string        `yaml:"topic" toml:"topic"`
	PublishTimeout time.Duration `yaml:"publishTimeout" toml:"publishTimeout"`
}

// ObservabilityConfig mirrors the HTTP metrics and tracing knobs.
type ObservabilityConfig struct {
	ServiceName    string        `yaml:"serviceName" toml:"serviceName"`
	Metrics        bool          `yaml:"metrics" toml:"metrics"`
	Tracing        bool          `yaml:"tracing" toml:"tracing"`
	LogRequests    bool          `yaml:"logRequests" toml:"logRequests"`
	MetricsPrefix  string        `yaml:"metricsPrefix" toml:"metricsPrefix"`
	OTLPEndpoint   string        `yaml:"otlpEndpoint" toml:"otlpEndpoint"`
	Insecure       bool          `yaml:"insecure" toml:"insecure"`
	SampleRatio    float64       `yaml:"sampleRatio" toml:"sampleRatio"`
	ExportInterval time.Duration `yaml:"exportInterval" toml:"exportInterval"`
}

// LoggingConfig controls the log sink.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB" toml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups" toml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays" toml:"maxAgeDays"`
}

// Config represents runtime configuration for the QR loyalty service.
type Config struct {
	ListenAddress string              `yaml:"listen" toml:"listen"`
	Environment   string              `yaml:"environment" toml:"environment"`
	ReadTimeout   time.Duration       `yaml:"readTimeout" toml:"readTimeout"`
	WriteTimeout  time.Duration       `yaml:"writeTimeout" toml:"writeTimeout"`
	IdleTimeout   time.Duration       `yaml:"idleTimeout" toml:"idleTimeout"`
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Redis         RedisConfig         `yaml:"redis" toml:"redis"`
	Commerce      CommerceConfig      `yaml:"commerce" toml:"commerce"`
	Rewards       RewardsConfig       `yaml:"rewards" toml:"rewards"`
	Scan          ScanConfig          `yaml:"scan" toml:"scan"`
	Auth          AuthConfig          `yaml:"auth" toml:"auth"`
	Analytics     AnalyticsConfig     `yaml:"analytics" toml:"analytics"`
	Observability ObservabilityConfig `yaml:"observability" toml:"observability"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		ListenAddress: ":8080",
		ReadTimeout:   15 * time.Second,
		WriteTimeout:  15 * time.Second,
		IdleTimeout:   60 * time.Second,
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          "file:qrloyalty.db",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Redis: RedisConfig{LockTTL: 30 * time.Second},
		Commerce: CommerceConfig{
			APIVersion:        "2024-10",
			Timeout:           5 * time.Second,
			MaxRetries:        2,
			RetryBackoff:      200 * time.Millisecond,
			RequestsPerSecond: 2,
			Burst:             4,
		},
		Rewards: RewardsConfig{
			StateTTL:             30 * 24 * time.Hour,
			CacheTTL:             time.Minute,
			DefaultPointsPerScan: 10,
		},
		Scan: ScanConfig{
			RateLimitPerMinute: 120,
			Burst:              20,
			LoyaltyTimeout:     8 * time.Second,
		},
		Auth: AuthConfig{
			Enabled:       true,
			MerchantClaim: "merchant_id",
			ClockSkew:     2 * time.Minute,
		},
		Analytics: AnalyticsConfig{Topic: "qr-scan-events", PublishTimeout: 2 * time.Second},
		Observability: ObservabilityConfig{
			ServiceName:    "qr-loyalty",
			Metrics:        true,
			LogRequests:    true,
			MetricsPrefix:  "qrloyalty",
			Insecure:       true,
			ExportInterval: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
	}
}

// Load reads configuration from path, then applies QRL_* environment
// overrides. Files ending in .toml are decoded as TOML, anything else as
// YAML. An empty path loads defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func (cfg *Config) applyEnv() error {
	cfg.ListenAddress = getEnvDefault("QRL_LISTEN", cfg.ListenAddress)
	cfg.Environment = getEnvDefault("QRL_ENV", cfg.Environment)
	cfg.Database.Driver = getEnvDefault("QRL_DB_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = getEnvDefault("QRL_DB_DSN", cfg.Database.DSN)
	cfg.Redis.Addr = getEnvDefault("QRL_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnvDefault("QRL_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Auth.HMACSecret = getEnvDefault("QRL_AUTH_HMAC_SECRET", cfg.Auth.HMACSecret)
	cfg.Scan.StorefrontURL = getEnvDefault("QRL_STOREFRONT_URL", cfg.Scan.StorefrontURL)
	cfg.Scan.CustomerTokenSecret = getEnvDefault("QRL_SCAN_CUSTOMER_SECRET", cfg.Scan.CustomerTokenSecret)
	cfg.Logging.Level = getEnvDefault("QRL_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.File = getEnvDefault("QRL_LOG_FILE", cfg.Logging.File)
	if brokers := parseCSVEnv("QRL_KAFKA_BROKERS"); len(brokers) > 0 {
		cfg.Analytics.KafkaBrokers = brokers
	}

	enabled, err := parseBoolEnv("QRL_AUTH_ENABLED", cfg.Auth.Enabled)
	if err != nil {
		return err
	}
	cfg.Auth.Enabled = enabled
	tracing, err := parseBoolEnv("QRL_TRACING", cfg.Observability.Tracing)
	if err != nil {
		return err
	}
	cfg.Observability.Tracing = tracing
	retries, err := parseIntEnv("QRL_COMMERCE_MAX_RETRIES", cfg.Commerce.MaxRetries)
	if err != nil {
		return err
	}
	cfg.Commerce.MaxRetries = retries
	timeout, err := parseDurationEnv("QRL_COMMERCE_TIMEOUT", cfg.Commerce.Timeout)
	if err != nil {
		return err
	}
	cfg.Commerce.Timeout = timeout
	stateTTL, err := parseDurationEnv("QRL_REWARD_STATE_TTL", cfg.Rewards.StateTTL)
	if err != nil {
		return err
	}
	cfg.Rewards.StateTTL = stateTTL
	return nil
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = normalizeListen(cfg.ListenAddress)
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	cfg.Scan.StorefrontURL = strings.TrimRight(strings.TrimSpace(cfg.Scan.StorefrontURL), "/")
	if cfg.Auth.MerchantClaim == "" {
		cfg.Auth.MerchantClaim = "merchant_id"
	}
	if cfg.Auth.ClockSkew <= 0 {
		cfg.Auth.ClockSkew = 2 * time.Minute
	}
	if cfg.Redis.LockTTL <= 0 {
		cfg.Redis.LockTTL = 30 * time.Second
	}
	if cfg.Analytics.Topic == "" {
		cfg.Analytics.Topic = "qr-scan-events"
	}
}

var (
	ErrAuthSecretRequired = errors.New("auth.hmacSecret is required when auth is enabled")
	ErrSharedSecret       = errors.New("scan.customerTokenSecret must differ from auth.hmacSecret")
	ErrUnsupportedDriver  = errors.New("database.driver must be postgres or sqlite")
)

// Validate reports the first invalid setting.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return ErrUnsupportedDriver
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return ErrAuthSecretRequired
	}
	if secret := strings.TrimSpace(cfg.Scan.CustomerTokenSecret); secret != "" && secret == strings.TrimSpace(cfg.Auth.HMACSecret) {
		return ErrSharedSecret
	}
	if cfg.Commerce.Timeout <= 0 {
		return fmt.Errorf("commerce.timeout must be positive")
	}
	if cfg.Commerce.MaxRetries < 0 || cfg.Commerce.MaxRetries > 10 {
		return fmt.Errorf("commerce.maxRetries must be between 0 and 10")
	}
	if cfg.Rewards.StateTTL <= 0 {
		return fmt.Errorf("rewards.stateTTL must be positive")
	}
	if cfg.Rewards.DefaultPointsPerScan < 0 {
		return fmt.Errorf("rewards.defaultPointsPerScan must be >= 0")
	}
	if cfg.Scan.StorefrontURL != "" {
		parsed, err := url.Parse(cfg.Scan.StorefrontURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("scan.storefrontURL must be an absolute URL")
		}
	}
	if cfg.Scan.LoyaltyTimeout <= 0 {
		return fmt.Errorf("scan.loyaltyTimeout must be positive")
	}
	if cfg.Observability.ExportInterval < 0 {
		return fmt.Errorf("observability.exportInterval must not be negative")
	}
	if cfg.Observability.SampleRatio < 0 || cfg.Observability.SampleRatio > 1 {
		return fmt.Errorf("observability.sampleRatio must be between 0 and 1")
	}
	return nil
}

func getEnvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func parseIntEnv(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func parseBoolEnv(key string, def bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func parseCSVEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeListen(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ":8080"
	}
	if _, err := strconv.Atoi(addr); err == nil {
		return ":" + addr
	}
	return addr
}
