// Package config loads the process configuration from the environment and
// an optional file.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

const (
	BackendCrate     = "crate"
	BackendTimescale = "timescale"
)

type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Log       LogConfig      `mapstructure:"log"`
	Crate     DatabaseConfig `mapstructure:"crate"`
	Timescale DatabaseConfig `mapstructure:"timescale"`
	Query     QueryConfig    `mapstructure:"query"`
	Insert    InsertConfig   `mapstructure:"insert"`
	Auth      AuthConfig     `mapstructure:"auth"`
	Tenants   TenantsConfig  `mapstructure:"tenants"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Name         string `mapstructure:"name"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	UseSSL       bool   `mapstructure:"use_ssl"`
	Replicas     string `mapstructure:"replicas"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// ConnectionString renders a lib/pq connection URL.
func (d DatabaseConfig) ConnectionString() string {
	sslmode := "disable"
	if d.UseSSL {
		sslmode = "require"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.Name,
		RawQuery: url.Values{"sslmode": {sslmode}}.Encode(),
	}
	return u.String()
}

type QueryConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
}

type InsertConfig struct {
	// MaxSize bounds the payload of one insert statement, e.g. "2MB".
	// Empty disables splitting.
	MaxSize       string `mapstructure:"max_size"`
	KeepRawEntity bool   `mapstructure:"keep_raw_entity"`
}

// MaxSizeBytes parses MaxSize; 0 means no limit.
func (c InsertConfig) MaxSizeBytes() (int, error) {
	if strings.TrimSpace(c.MaxSize) == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.MaxSize)
	if err != nil {
		return 0, fmt.Errorf("invalid insert max size %q: %w", c.MaxSize, err)
	}
	return int(n), nil
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type TenantsConfig struct {
	File      string `mapstructure:"file"`
	DefaultDB string `mapstructure:"default_db"`
}

var envBindings = map[string]string{
	"server.port":              "QL_PORT",
	"server.mode":              "GIN_MODE",
	"log.level":                "LOGLEVEL",
	"log.pretty":               "LOG_PRETTY",
	"crate.host":               "CRATE_HOST",
	"crate.port":               "CRATE_PORT",
	"crate.user":               "CRATE_DB_USER",
	"crate.password":           "CRATE_DB_PASS",
	"crate.replicas":           "CRATE_REPLICAS",
	"timescale.host":           "POSTGRES_HOST",
	"timescale.port":           "POSTGRES_PORT",
	"timescale.name":           "POSTGRES_DB_NAME",
	"timescale.user":           "POSTGRES_DB_USER",
	"timescale.password":       "POSTGRES_DB_PASS",
	"timescale.use_ssl":        "POSTGRES_USE_SSL",
	"query.default_limit":      "DEFAULT_LIMIT",
	"insert.max_size":          "INSERT_MAX_SIZE",
	"insert.keep_raw_entity":   "KEEP_RAW_ENTITY",
	"auth.jwt_secret":          "JWT_SECRET",
	"tenants.file":             "QL_CONFIG",
	"tenants.default_db":       "QL_DEFAULT_DB",
	"server.shutdown_timeout":  "QL_SHUTDOWN_TIMEOUT",
	"crate.max_open_conns":     "CRATE_MAX_CONNS",
	"timescale.max_open_conns": "POSTGRES_MAX_CONNS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8668)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("crate.host", "crate")
	v.SetDefault("crate.port", 5432)
	v.SetDefault("crate.name", "doc")
	v.SetDefault("crate.user", "crate")
	v.SetDefault("crate.password", "")
	v.SetDefault("crate.replicas", "2-all")

	v.SetDefault("timescale.host", "timescale")
	v.SetDefault("timescale.port", 5432)
	v.SetDefault("timescale.name", "quantumleap")
	v.SetDefault("timescale.user", "quantumleap")
	v.SetDefault("timescale.password", "*")
	v.SetDefault("timescale.use_ssl", false)

	v.SetDefault("query.default_limit", 10000)
	v.SetDefault("insert.max_size", "")
	v.SetDefault("insert.keep_raw_entity", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("tenants.file", "")
	v.SetDefault("tenants.default_db", BackendCrate)
}

// Load reads the optional yaml file at path, then the environment, which
// takes precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Query.DefaultLimit <= 0 {
		return fmt.Errorf("invalid default limit: %d", c.Query.DefaultLimit)
	}
	if _, err := c.Insert.MaxSizeBytes(); err != nil {
		return err
	}
	if !IsBackend(c.Tenants.DefaultDB) {
		return fmt.Errorf("unknown default backend %q", c.Tenants.DefaultDB)
	}
	return nil
}

// Database returns the connection settings of the named backend.
func (c *Config) Database(backend string) (*DatabaseConfig, bool) {
	switch backend {
	case BackendCrate:
		return &c.Crate, true
	case BackendTimescale:
		return &c.Timescale, true
	}
	return nil, false
}

func IsBackend(name string) bool {
	return name == BackendCrate || name == BackendTimescale
}
