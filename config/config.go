/*
Package config loads the server configuration with viper.

SOURCES (later wins):
  1. Defaults (setDefaults)
  2. Optional config file (yaml, json or toml, chosen by extension)
  3. Environment variables: LEDGER_ prefix, dots become underscores
     (LEDGER_DB_DRIVER, LEDGER_POLICY_ORDERING_COLUMN, ...)

USAGE:
  cfg, err := config.Load("./ledger.yaml") // "" for env + defaults only
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/warp/lot-ledger/factory"
)

const EnvPrefix = "LEDGER"

type Config struct {
	HTTP      HTTPConfig
	DB        DBConfig
	Redis     RedisConfig
	Lock      LockConfig
	Log       LogConfig
	Policy    factory.PolicyJSON
	Recompute RecomputeConfig
}

type HTTPConfig struct {
	Port int
}

// Addr returns the listen address.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// DBConfig selects the lot store.
type DBConfig struct {
	Driver string // memory, sqlite, postgres
	Path   string // sqlite file, ":memory:" allowed
	DSN    string // postgres connection string
}

// RedisConfig enables the distributed lock when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type LockConfig struct {
	TTL     time.Duration
	Backoff time.Duration
}

type LogConfig struct {
	Env   string
	Level string
}

type RecomputeConfig struct {
	QueueSize     int
	SweepInterval time.Duration
}

// Load reads defaults, the optional file at path and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		HTTP: HTTPConfig{Port: v.GetInt("http.port")},
		DB: DBConfig{
			Driver: strings.ToLower(v.GetString("db.driver")),
			Path:   v.GetString("db.path"),
			DSN:    v.GetString("db.dsn"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Lock: LockConfig{
			TTL:     v.GetDuration("lock.ttl"),
			Backoff: v.GetDuration("lock.backoff"),
		},
		Log: LogConfig{
			Env:   v.GetString("log.env"),
			Level: v.GetString("log.level"),
		},
		Policy: factory.PolicyJSON{
			ID: v.GetString("policy.id"),
			Ordering: &factory.OrderingJSON{
				Column:    v.GetString("policy.ordering.column"),
				Direction: v.GetString("policy.ordering.direction"),
				Reverse:   v.GetBool("policy.ordering.reverse"),
			},
			Registration: v.GetString("policy.registration"),
		},
		Recompute: RecomputeConfig{
			QueueSize:     v.GetInt("recompute.queue_size"),
			SweepInterval: v.GetDuration("recompute.sweep_interval"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", 8080)
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.path", "./data/lots.db")
	v.SetDefault("db.dsn", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("lock.backoff", 50*time.Millisecond)
	v.SetDefault("log.env", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("policy.id", "default")
	v.SetDefault("policy.ordering.column", "arrived_at")
	v.SetDefault("policy.ordering.direction", "asc")
	v.SetDefault("policy.ordering.reverse", false)
	v.SetDefault("policy.registration", "pooled_average")
	v.SetDefault("recompute.queue_size", 1024)
	v.SetDefault("recompute.sweep_interval", time.Hour)
}

// Validate checks the fields that would otherwise fail late at startup.
func (c *Config) Validate() error {
	switch c.DB.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown db.driver %q", c.DB.Driver)
	}
	if c.HTTP.Port <= 0 {
		return fmt.Errorf("invalid http.port %d", c.HTTP.Port)
	}
	if _, err := factory.NewPolicyFactory().FromJSON(c.Policy); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	return nil
}
