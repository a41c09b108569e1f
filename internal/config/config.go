package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "CLINICDASH"

type Config struct {
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	HTTP struct {
		Addr           string        `mapstructure:"addr"`
		RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
		RateLimitBurst int           `mapstructure:"rate_limit_burst"`
		ReadTimeout    time.Duration `mapstructure:"read_timeout"`
		WriteTimeout   time.Duration `mapstructure:"write_timeout"`
		ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
		AllowedOrigins []string      `mapstructure:"allowed_origins"`
	} `mapstructure:"http"`
	GRPC struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"grpc"`
	Database struct {
		Driver  string `mapstructure:"driver"`
		DSN     string `mapstructure:"dsn"`
		SealKey string `mapstructure:"seal_key"`
	} `mapstructure:"database"`
	Auth struct {
		JWTSecret string `mapstructure:"jwt_secret"`
		Issuer    string `mapstructure:"issuer"`
		Audience  string `mapstructure:"audience"`
	} `mapstructure:"auth"`
	Resolver struct {
		CacheSize int           `mapstructure:"cache_size"`
		CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"resolver"`
	Audit struct {
		SpoolPath string `mapstructure:"spool_path"`
	} `mapstructure:"audit"`
	Goals struct {
		Tolerance float64 `mapstructure:"tolerance"`
	} `mapstructure:"goals"`
	Maintenance struct {
		ReplaySchedule string `mapstructure:"replay_schedule"`
		SweepSchedule  string `mapstructure:"sweep_schedule"`
		Identity       string `mapstructure:"identity"`
	} `mapstructure:"maintenance"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.rate_limit_rps", 50.0)
	v.SetDefault("http.rate_limit_burst", 100)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.shutdown_grace", 10*time.Second)
	v.SetDefault("http.allowed_origins", []string{})
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.seal_key", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "clinicdash")
	v.SetDefault("auth.audience", "")
	v.SetDefault("resolver.cache_size", 4096)
	v.SetDefault("resolver.cache_ttl", 30*time.Second)
	v.SetDefault("audit.spool_path", "var/audit-spool")
	v.SetDefault("goals.tolerance", 0.15)
	v.SetDefault("maintenance.replay_schedule", "@every 1m")
	v.SetDefault("maintenance.sweep_schedule", "@every 1h")
	v.SetDefault("maintenance.identity", "maintenance")
}

// Load reads configuration from path, or clinicdash.yaml in the working
// directory when path is empty, then overlays CLINICDASH_* environment
// variables. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("clinicdash")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// Validate checks settings the API server cannot start without.
func (c *Config) Validate() error {
	var problems []string
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			problems = append(problems, "database.dsn is required for the postgres driver")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	if len(c.Auth.JWTSecret) < 32 {
		problems = append(problems, "auth.jwt_secret must be at least 32 bytes")
	}
	if c.HTTP.RateLimitRPS < 0 || c.HTTP.RateLimitBurst < 0 {
		problems = append(problems, "http rate limits must not be negative")
	}
	if c.Goals.Tolerance < 0 || c.Goals.Tolerance >= 1 {
		problems = append(problems, "goals.tolerance must be in [0, 1)")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
