// Package config loads application configuration from an optional YAML file,
// .env files and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bissquit/acquisitions/internal/admission"
	"github.com/bissquit/acquisitions/internal/domain"
	"github.com/bissquit/acquisitions/internal/pkg/httputil"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "ACQ_"

// Environments.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreDynamoDB = "dynamodb"
)

// Admission window backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// FallbackSecret signs tokens outside production when no secret is set.
const FallbackSecret = "acquisitions-development-secret-change-me"

// MinProductionSecretLength is the shortest secret accepted in production.
const MinProductionSecretLength = 32

// legacyEnv maps unprefixed variable names to config keys.
var legacyEnv = map[string]string{
	"NODE_ENV":   "env",
	"PORT":       "server.port",
	"JWT_SECRET": "jwt.secret_key",
	"AWS_REGION": "dynamodb.region",
}

// Config holds application configuration.
type Config struct {
	Env       string          `koanf:"env"`
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	CORS      CORSConfig      `koanf:"cors"`
	Store     StoreConfig     `koanf:"store"`
	Database  DatabaseConfig  `koanf:"database"`
	DynamoDB  DynamoDBConfig  `koanf:"dynamodb"`
	JWT       JWTConfig       `koanf:"jwt"`
	Cookie    CookieConfig    `koanf:"cookie"`
	Admission AdmissionConfig `koanf:"admission"`
	Audit     AuditConfig     `koanf:"audit"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	RequestTimeout    time.Duration `koanf:"request_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	// TrustedProxies lists CIDRs (or addresses) whose X-Forwarded-For,
	// X-Real-IP and True-Client-IP headers are honored. Empty means the
	// socket address is always the client address.
	TrustedProxies []string `koanf:"trusted_proxies"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CORSConfig contains CORS settings.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// StoreConfig selects the credential store.
type StoreConfig struct {
	Driver string `koanf:"driver"`
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
}

// DynamoDBConfig contains DynamoDB settings.
type DynamoDBConfig struct {
	Region          string `koanf:"region"`
	Endpoint        string `koanf:"endpoint"`
	AccessKeyID     string `koanf:"access_key_id"`
	SecretAccessKey string `koanf:"secret_access_key"`
	UsersTable      string `koanf:"users_table"`
	EmailsTable     string `koanf:"emails_table"`
}

// JWTConfig contains token settings.
type JWTConfig struct {
	SecretKey string        `koanf:"secret_key"`
	TokenTTL  time.Duration `koanf:"token_ttl"`
	Issuer    string        `koanf:"issuer"`
}

// CookieConfig contains session cookie settings. Cookies are Secure in
// production.
type CookieConfig struct {
	Domain string        `koanf:"domain"`
	MaxAge time.Duration `koanf:"max_age"`
}

// AdmissionConfig contains request admission settings.
type AdmissionConfig struct {
	Mode          string        `koanf:"mode"`
	Backend       string        `koanf:"backend"`
	Interval      time.Duration `koanf:"interval"`
	GuestLimit    int           `koanf:"guest_limit"`
	UserLimit     int           `koanf:"user_limit"`
	AdminLimit    int           `koanf:"admin_limit"`
	BotAllowList  []string      `koanf:"bot_allow_list"`
	ShieldRPS     float64       `koanf:"shield_rps"`
	ShieldBurst   int           `koanf:"shield_burst"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	Redis         RedisConfig   `koanf:"redis"`
}

// RedisConfig contains settings of the shared admission window.
type RedisConfig struct {
	URL             string `koanf:"url"`
	Prefix          string `koanf:"prefix"`
	ConnectAttempts int    `koanf:"connect_attempts"`
}

// AuditConfig contains audit publisher settings.
type AuditConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Queue   string `koanf:"queue"`
}

// Default returns the configuration used for keys that are not set.
func Default() *Config {
	return &Config{
		Env: EnvDevelopment,
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "3000",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			RequestTimeout:    60 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Store: StoreConfig{
			Driver: StoreMemory,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectAttempts: 5,
			ConnectTimeout:  30 * time.Second,
		},
		DynamoDB: DynamoDBConfig{
			Region:      "us-east-1",
			UsersTable:  "Users",
			EmailsTable: "UserEmails",
		},
		JWT: JWTConfig{
			TokenTTL: 24 * time.Hour,
			Issuer:   "acquisitions",
		},
		Cookie: CookieConfig{
			MaxAge: time.Hour,
		},
		Admission: AdmissionConfig{
			Mode:          string(admission.ModeLive),
			Backend:       BackendMemory,
			Interval:      admission.DefaultInterval,
			GuestLimit:    5,
			UserLimit:     10,
			AdminLimit:    20,
			BotAllowList:  append([]string(nil), admission.DefaultBotAllowList...),
			ShieldRPS:     20,
			ShieldBurst:   40,
			SweepInterval: time.Minute,
			Redis: RedisConfig{
				Prefix:          admission.DefaultRedisPrefix,
				ConnectAttempts: 5,
			},
		},
		Audit: AuditConfig{
			Queue: "acquisitions.audit",
		},
	}
}

// Load reads configuration. Sources override each other in this order:
// defaults, the YAML file at path (if path is not empty), legacy unprefixed
// variables, ACQ_ variables. A .env file in the working directory is loaded
// into the environment first without overriding variables already set.
//
// Nested keys use a double underscore: ACQ_JWT__SECRET_KEY sets
// jwt.secret_key.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	for name, key := range legacyEnv {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			if err := k.Set(key, v); err != nil {
				return nil, fmt.Errorf("set %s from %s: %w", key, name, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps ACQ_ADMISSION__GUEST_LIMIT to admission.guest_limit.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func (c *Config) normalize() {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Admission.Backend = strings.ToLower(strings.TrimSpace(c.Admission.Backend))
	c.Admission.Mode = strings.ToUpper(strings.TrimSpace(c.Admission.Mode))
}

// Validate checks the configuration for values the application cannot run
// with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Env {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		errs = append(errs, fmt.Errorf("env: unknown environment %q", c.Env))
	}

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, errors.New("server.request_timeout must be positive"))
	}
	if _, err := httputil.ParseTrustedProxies(c.Server.TrustedProxies); err != nil {
		errs = append(errs, fmt.Errorf("server.trusted_proxies: %w", err))
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for the postgres store"))
		}
		if c.Database.ConnectTimeout <= 0 {
			errs = append(errs, errors.New("database.connect_timeout must be positive"))
		}
	case StoreDynamoDB:
		if c.DynamoDB.Region == "" {
			errs = append(errs, errors.New("dynamodb.region is required for the dynamodb store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}

	if c.IsProduction() {
		switch {
		case c.JWT.SecretKey == "":
			errs = append(errs, errors.New("jwt.secret_key is required in production"))
		case len(c.JWT.SecretKey) < MinProductionSecretLength:
			errs = append(errs, fmt.Errorf("jwt.secret_key must be at least %d bytes in production", MinProductionSecretLength))
		}
	}
	if c.JWT.TokenTTL <= 0 {
		errs = append(errs, errors.New("jwt.token_ttl must be positive"))
	}
	if c.Cookie.MaxAge <= 0 {
		errs = append(errs, errors.New("cookie.max_age must be positive"))
	}
	if c.Cookie.MaxAge > c.JWT.TokenTTL {
		errs = append(errs, fmt.Errorf("cookie.max_age (%s) must not exceed jwt.token_ttl (%s)", c.Cookie.MaxAge, c.JWT.TokenTTL))
	}

	if err := c.AdmissionPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("admission: %w", err))
	}
	switch c.Admission.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Admission.Redis.URL == "" {
			errs = append(errs, errors.New("admission.redis.url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("admission.backend: unknown backend %q", c.Admission.Backend))
	}
	if c.Admission.SweepInterval <= 0 {
		errs = append(errs, errors.New("admission.sweep_interval must be positive"))
	}
	if c.Admission.ShieldRPS < 0 {
		errs = append(errs, errors.New("admission.shield_rps must not be negative"))
	}

	if c.Audit.Enabled && c.Audit.URL == "" {
		errs = append(errs, errors.New("audit.url is required when audit is enabled"))
	}

	return errors.Join(errs...)
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// UsingFallbackSecret reports whether tokens will be signed with
// FallbackSecret.
func (c *Config) UsingFallbackSecret() bool {
	return c.JWT.SecretKey == "" && !c.IsProduction()
}

// TokenSecret returns the configured secret or FallbackSecret outside
// production.
func (c *Config) TokenSecret() string {
	if c.UsingFallbackSecret() {
		return FallbackSecret
	}
	return c.JWT.SecretKey
}

// AdmissionPolicy builds the admission policy from the configured quotas.
func (c *Config) AdmissionPolicy() admission.Policy {
	return admission.Policy{
		Quotas: map[domain.Role]int{
			domain.RoleGuest: c.Admission.GuestLimit,
			domain.RoleUser:  c.Admission.UserLimit,
			domain.RoleAdmin: c.Admission.AdminLimit,
		},
		Interval: c.Admission.Interval,
		Mode:     admission.Mode(c.Admission.Mode),
	}
}
