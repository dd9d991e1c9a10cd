// Package config loads service settings from an optional YAML file and the
// environment. A Config is read once at startup and never mutated.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"qazna.org/identity/internal/auth"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	TokenStorePrimary = "store"
	TokenStoreRedis   = "redis"

	configPathEnv = "IDENTITY_CONFIG"
)

type Config struct {
	Env       string    `yaml:"env" env:"IDENTITY_ENV" env-default:"local"`
	HTTP      HTTP      `yaml:"http"`
	GRPC      GRPC      `yaml:"grpc"`
	Database  Database  `yaml:"database"`
	Redis     Redis     `yaml:"redis"`
	Auth      Auth      `yaml:"auth"`
	Log       Log       `yaml:"log"`
	Bootstrap Bootstrap `yaml:"bootstrap"`
}

type HTTP struct {
	Address         string        `yaml:"address" env:"IDENTITY_HTTP_ADDR" env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"IDENTITY_HTTP_READ_TIMEOUT" env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"IDENTITY_HTTP_WRITE_TIMEOUT" env-default:"10s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDENTITY_HTTP_IDLE_TIMEOUT" env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"IDENTITY_HTTP_SHUTDOWN_TIMEOUT" env-default:"15s"`
	CORSOrigins     []string      `yaml:"cors_origins" env:"IDENTITY_CORS_ORIGINS" env-separator:","`
	// Per-client limit on the public /api/auth endpoints.
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"IDENTITY_RATE_LIMIT_RPS" env-default:"5"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"IDENTITY_RATE_LIMIT_BURST" env-default:"10"`
	// Peers allowed to set X-Forwarded-For / X-Real-IP. Addresses or CIDRs.
	TrustedProxies []string `yaml:"trusted_proxies" env:"IDENTITY_TRUSTED_PROXIES" env-separator:","`
}

// TrustedProxyPrefixes parses TrustedProxies; a bare address is a
// single-host prefix.
func (h HTTP) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(h.TrustedProxies))
	for _, raw := range h.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

type GRPC struct {
	HealthAddress  string        `yaml:"health_address" env:"IDENTITY_GRPC_HEALTH_ADDR" env-default:":9090"`
	HealthInterval time.Duration `yaml:"health_interval" env:"IDENTITY_GRPC_HEALTH_INTERVAL" env-default:"10s"`
}

type Database struct {
	Driver          string        `yaml:"driver" env:"IDENTITY_STORE_DRIVER" env-default:"memory"`
	DSN             string        `yaml:"dsn" env:"IDENTITY_PG_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"IDENTITY_PG_MAX_OPEN_CONNS" env-default:"50"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"IDENTITY_PG_MAX_IDLE_CONNS" env-default:"25"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"IDENTITY_PG_CONN_MAX_LIFETIME" env-default:"15m"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"IDENTITY_PG_CONN_MAX_IDLE_TIME" env-default:"5m"`
}

type Redis struct {
	Addr      string        `yaml:"addr" env:"IDENTITY_REDIS_ADDR" env-default:"localhost:6379"`
	Password  string        `yaml:"password" env:"IDENTITY_REDIS_PASSWORD"`
	DB        int           `yaml:"db" env:"IDENTITY_REDIS_DB" env-default:"0"`
	Prefix    string        `yaml:"prefix" env:"IDENTITY_REDIS_PREFIX" env-default:"refresh"`
	Retention time.Duration `yaml:"retention" env:"IDENTITY_REDIS_RETENTION" env-default:"1h"`
}

type Auth struct {
	Secret            string        `yaml:"secret" env:"IDENTITY_AUTH_SECRET"` // base64
	Issuer            string        `yaml:"issuer" env:"IDENTITY_AUTH_ISSUER" env-default:"qazna-identity"`
	AccessTTL         time.Duration `yaml:"access_ttl" env:"IDENTITY_AUTH_ACCESS_TTL" env-default:"15m"`
	RefreshTTL        time.Duration `yaml:"refresh_ttl" env:"IDENTITY_AUTH_REFRESH_TTL" env-default:"168h"`
	TokenStore        string        `yaml:"token_store" env:"IDENTITY_AUTH_TOKEN_STORE" env-default:"store"`
	HashWorkers       int           `yaml:"hash_workers" env:"IDENTITY_AUTH_HASH_WORKERS" env-default:"0"`
	PasswordScheme    string        `yaml:"password_scheme" env:"IDENTITY_AUTH_PASSWORD_SCHEME" env-default:"argon2id"`
	Argon2Memory      uint32        `yaml:"argon2_memory_kib" env:"IDENTITY_AUTH_ARGON2_MEMORY_KIB" env-default:"65536"`
	Argon2Iterations  uint32        `yaml:"argon2_iterations" env:"IDENTITY_AUTH_ARGON2_ITERATIONS" env-default:"2"`
	Argon2Parallelism uint8         `yaml:"argon2_parallelism" env:"IDENTITY_AUTH_ARGON2_PARALLELISM" env-default:"1"`
	BcryptCost        int           `yaml:"bcrypt_cost" env:"IDENTITY_AUTH_BCRYPT_COST" env-default:"12"`
}

type Log struct {
	Level  string `yaml:"level" env:"IDENTITY_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"IDENTITY_LOG_FORMAT" env-default:"json"`
}

// Bootstrap creates the first administrator when both fields are set.
type Bootstrap struct {
	AdminUsername string `yaml:"admin_username" env:"BOOTSTRAP_ADMIN_USERNAME"`
	AdminPassword string `yaml:"admin_password" env:"BOOTSTRAP_ADMIN_PASSWORD"`
}

// Load reads .env if present, then the YAML file at path (or
// $IDENTITY_CONFIG), then the environment, and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	var cfg Config
	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad is Load for main packages.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

func (c *Config) Validate() error {
	var errs []error
	if secret, err := c.Auth.SecretBytes(); err != nil {
		errs = append(errs, fmt.Errorf("auth secret: %w", err))
	} else if len(secret) < auth.MinSecretLength {
		errs = append(errs, fmt.Errorf("auth secret must decode to at least %d bytes", auth.MinSecretLength))
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	} else if c.Auth.RefreshTTL <= c.Auth.AccessTTL {
		errs = append(errs, errors.New("refresh TTL must exceed access TTL"))
	}
	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			errs = append(errs, errors.New("postgres driver requires a DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Database.Driver))
	}
	switch c.Auth.TokenStore {
	case TokenStorePrimary:
	case TokenStoreRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis token store requires an address"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown token store %q", c.Auth.TokenStore))
	}
	switch c.Auth.PasswordScheme {
	case auth.SchemeArgon2id, auth.SchemeBcrypt:
	default:
		errs = append(errs, fmt.Errorf("unknown password scheme %q", c.Auth.PasswordScheme))
	}
	if (c.Bootstrap.AdminUsername == "") != (c.Bootstrap.AdminPassword == "") {
		errs = append(errs, errors.New("bootstrap admin needs both username and password"))
	}
	if c.HTTP.RateLimitRPS < 0 || c.HTTP.RateLimitBurst < 0 {
		errs = append(errs, errors.New("rate limit values must not be negative"))
	}
	if _, err := c.HTTP.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SecretBytes decodes the base64 signing secret.
func (a Auth) SecretBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.TrimSpace(a.Secret))
}

// Argon2Params overlays configured values on the defaults.
func (a Auth) Argon2Params() auth.Argon2Params {
	p := auth.DefaultArgon2Params
	if a.Argon2Memory > 0 {
		p.Memory = a.Argon2Memory
	}
	if a.Argon2Iterations > 0 {
		p.Iterations = a.Argon2Iterations
	}
	if a.Argon2Parallelism > 0 {
		p.Parallelism = a.Argon2Parallelism
	}
	return p
}
