// config/config.go
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Crypto    CryptoConfig    `yaml:"crypto"`
	Auth      AuthConfig      `yaml:"auth"`
	Billing   BillingConfig   `yaml:"billing"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	BaseURL         string        `yaml:"base_url"`
	APIPrefix       string        `yaml:"api_prefix"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StoreConfig struct {
	Type     string         `yaml:"type"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

type SecretsConfig struct {
	DefaultTTL         time.Duration `yaml:"default_ttl"`
	MaxTTL             time.Duration `yaml:"max_ttl"`
	DefaultViews       int           `yaml:"default_views"`
	MaxViews           int           `yaml:"max_views"`
	MaxContentBytes    int           `yaml:"max_content_bytes"`
	TombstoneRetention time.Duration `yaml:"tombstone_retention"`
	StoreTimeout       time.Duration `yaml:"store_timeout"`
}

type CryptoConfig struct {
	// MasterKey is base64 encoded and must decode to at least 32 bytes.
	MasterKey string `yaml:"master_key"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type PlanConfig struct {
	MonthlySecrets     int   `yaml:"monthly_secrets"`
	MaxAttachmentBytes int64 `yaml:"max_attachment_bytes"`
}

type BillingConfig struct {
	DefaultPlan string                `yaml:"default_plan"`
	Plans       map[string]PlanConfig `yaml:"plans"`
	Owners      map[string]string     `yaml:"owners"`
}

type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min"`
	RevealPerMin   int  `yaml:"reveal_per_min"`
}

type SweeperConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Schedule  string `yaml:"schedule"`
	BatchSize int    `yaml:"batch_size"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			BaseURL:         "http://localhost:8080",
			APIPrefix:       "/api/v1",
			AllowedOrigins:  []string{"http://localhost:3000"},
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Store: StoreConfig{
			Type: "memory",
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				Password: "",
				DB:       0,
			},
			Postgres: PostgresConfig{
				MaxConns: 10,
			},
		},
		Secrets: SecretsConfig{
			DefaultTTL:         24 * time.Hour,
			MaxTTL:             30 * 24 * time.Hour,
			DefaultViews:       1,
			MaxViews:           100,
			MaxContentBytes:    64 << 10,
			TombstoneRetention: 7 * 24 * time.Hour,
			StoreTimeout:       2 * time.Second,
		},
		Auth: AuthConfig{
			Issuer: "secshare",
		},
		Billing: BillingConfig{
			DefaultPlan: "free",
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerMin: 100,
			RevealPerMin:   20,
		},
		Sweeper: SweeperConfig{
			Enabled:   true,
			Schedule:  "@every 5m",
			BatchSize: 500,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads defaults, then .env, then the YAML file at path, then the
// environment. Variables already set in the environment win over .env.
func Load(path string) (*Config, error) {
	cfg := Default()

	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File not found is OK, use defaults
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// envReader collects the first parse error so loadFromEnv stays flat.
type envReader struct {
	err error
}

func (r *envReader) stringVar(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (r *envReader) intVar(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, err)
		return
	}
	*dst = n
}

func (r *envReader) durationVar(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, err)
		return
	}
	*dst = d
}

func (r *envReader) boolVar(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, err)
		return
	}
	*dst = b
}

func (r *envReader) fail(key string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (c *Config) loadFromEnv() error {
	env := &envReader{}

	// Server
	env.stringVar("HOST", &c.Server.Host)
	env.intVar("PORT", &c.Server.Port)
	env.stringVar("BASE_URL", &c.Server.BaseURL)
	env.stringVar("API_PREFIX", &c.Server.APIPrefix)
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}

	// Store
	env.stringVar("STORE_TYPE", &c.Store.Type)
	env.stringVar("REDIS_ADDR", &c.Store.Redis.Addr)
	env.stringVar("REDIS_PASSWORD", &c.Store.Redis.Password)
	env.intVar("REDIS_DB", &c.Store.Redis.DB)
	env.stringVar("DATABASE_URL", &c.Store.Postgres.URL)
	env.intVar("DATABASE_MAX_CONNS", &c.Store.Postgres.MaxConns)

	// Secrets
	env.durationVar("DEFAULT_TTL", &c.Secrets.DefaultTTL)
	env.durationVar("MAX_TTL", &c.Secrets.MaxTTL)
	env.intVar("DEFAULT_VIEWS", &c.Secrets.DefaultViews)
	env.intVar("MAX_VIEWS", &c.Secrets.MaxViews)
	env.intVar("MAX_CONTENT_BYTES", &c.Secrets.MaxContentBytes)
	env.durationVar("TOMBSTONE_RETENTION", &c.Secrets.TombstoneRetention)
	env.durationVar("STORE_TIMEOUT", &c.Secrets.StoreTimeout)

	env.stringVar("MASTER_KEY", &c.Crypto.MasterKey)
	env.stringVar("JWT_SECRET", &c.Auth.JWTSecret)
	env.stringVar("JWT_ISSUER", &c.Auth.Issuer)
	env.stringVar("DEFAULT_PLAN", &c.Billing.DefaultPlan)

	env.boolVar("RATE_LIMIT_ENABLED", &c.RateLimit.Enabled)
	env.intVar("RATE_LIMIT_REQUESTS", &c.RateLimit.RequestsPerMin)
	env.intVar("RATE_LIMIT_REVEAL", &c.RateLimit.RevealPerMin)

	env.boolVar("SWEEPER_ENABLED", &c.Sweeper.Enabled)
	env.stringVar("SWEEP_SCHEDULE", &c.Sweeper.Schedule)
	env.intVar("SWEEP_BATCH_SIZE", &c.Sweeper.BatchSize)

	env.stringVar("LOG_LEVEL", &c.Log.Level)
	env.stringVar("LOG_FORMAT", &c.Log.Format)

	return env.err
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Server.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}

	if !strings.HasPrefix(c.Server.APIPrefix, "/") {
		return fmt.Errorf("api_prefix must start with '/'")
	}

	switch c.Store.Type {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required when store type is 'redis'")
		}
	case "postgres":
		if c.Store.Postgres.URL == "" {
			return fmt.Errorf("postgres url is required when store type is 'postgres'")
		}
	default:
		return fmt.Errorf("invalid store type: %s (must be 'memory', 'redis' or 'postgres')", c.Store.Type)
	}

	if c.Secrets.DefaultTTL <= 0 {
		return fmt.Errorf("default_ttl must be positive")
	}

	if c.Secrets.MaxTTL < c.Secrets.DefaultTTL {
		return fmt.Errorf("max_ttl must be >= default_ttl")
	}

	if c.Secrets.DefaultViews < 1 {
		return fmt.Errorf("default_views must be at least 1")
	}

	if c.Secrets.MaxViews < c.Secrets.DefaultViews {
		return fmt.Errorf("max_views must be >= default_views")
	}

	if c.Secrets.MaxContentBytes < 1 {
		return fmt.Errorf("max_content_bytes must be positive")
	}

	if c.Secrets.TombstoneRetention < 0 {
		return fmt.Errorf("tombstone_retention must not be negative")
	}

	if _, err := c.MasterKey(); err != nil {
		return err
	}

	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("jwt_secret must be at least 16 characters")
	}

	if c.Sweeper.Enabled && c.Sweeper.Schedule == "" {
		return fmt.Errorf("sweeper schedule is required when the sweeper is enabled")
	}

	return nil
}

// MasterKey decodes the configured base64 master key.
func (c *Config) MasterKey() ([]byte, error) {
	if c.Crypto.MasterKey == "" {
		return nil, errors.New("master_key is required")
	}
	key, err := base64.StdEncoding.DecodeString(c.Crypto.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("master_key must be base64: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("master_key must decode to at least 32 bytes, got %d", len(key))
	}
	return key, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
