// Package config loads the service configuration with viper: defaults, then
// an optional file, then CAMP_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CAMP_STORE_DSN.
const EnvPrefix = "CAMP"

type Config struct {
	HTTP   HTTPConfig   `mapstructure:"http"`
	Store  StoreConfig  `mapstructure:"store"`
	Cache  CacheConfig  `mapstructure:"cache"`
	Schema SchemaConfig `mapstructure:"schema"`
	Cook   CookConfig   `mapstructure:"cook"`
	Auth   AuthConfig   `mapstructure:"auth"`
	Log    LogConfig    `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	// Driver is "memory" or "postgres".
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type CacheConfig struct {
	// Backend is "memory", "firestore" or "none".
	Backend             string        `mapstructure:"backend"`
	MaxBytes            int64         `mapstructure:"max_bytes"`
	RetryInterval       time.Duration `mapstructure:"retry_interval"`
	FirestoreProject    string        `mapstructure:"firestore_project"`
	FirestoreCollection string        `mapstructure:"firestore_collection"`
}

type SchemaConfig struct {
	// Dir holds one <namespace>.json schema per namespace. Empty disables
	// schema checks.
	Dir string `mapstructure:"dir"`
}

type CookConfig struct {
	// Processor is "passthrough" or "associations".
	Processor string `mapstructure:"processor"`
}

type AuthConfig struct {
	// BootstrapAdmin names the admin created at startup when the store has
	// no users. Empty disables it.
	BootstrapAdmin string `mapstructure:"bootstrap_admin"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.max_bytes", int64(64<<20))
	v.SetDefault("cache.retry_interval", 10*time.Second)
	v.SetDefault("cache.firestore_project", "")
	v.SetDefault("cache.firestore_collection", "cache")
	v.SetDefault("schema.dir", "")
	v.SetDefault("cook.processor", "associations")
	v.SetDefault("auth.bootstrap_admin", "admin")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects unknown drivers and incomplete backend settings.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	switch c.Cache.Backend {
	case "none":
	case "memory":
		if c.Cache.MaxBytes <= 0 {
			return fmt.Errorf("cache.max_bytes must be positive")
		}
	case "firestore":
		if c.Cache.FirestoreProject == "" {
			return fmt.Errorf("cache.firestore_project is required for the firestore backend")
		}
	default:
		return fmt.Errorf("unknown cache.backend %q", c.Cache.Backend)
	}

	switch c.Cook.Processor {
	case "passthrough", "associations":
	default:
		return fmt.Errorf("unknown cook.processor %q", c.Cook.Processor)
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	return nil
}
