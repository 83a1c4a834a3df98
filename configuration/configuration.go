package configuration

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables overriding configuration
// keys, e.g. TMDB_DATABASE_HOST overrides database.host.
const EnvPrefix = "TMDB"

// Configuration is the top-level configuration of tmdb.
type Configuration struct {
	Log       Log       `mapstructure:"log"`
	Database  Database  `mapstructure:"database"`
	Reporting Reporting `mapstructure:"reporting"`
}

// Log supports setting various parameters related to the logging subsystem.
type Log struct {
	// Level is the granularity at which operations are logged.
	Level string `mapstructure:"level"`
	// Formatter overrides the default formatter with another. Options include "text" and "json".
	Formatter string `mapstructure:"formatter"`
	// Fields allows users to specify static string fields to include in the logger context.
	Fields map[string]interface{} `mapstructure:"fields"`
}

// Database is the configuration for the tasking manager PostgreSQL database.
type Database struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	// SSLMode is the SSL mode. Can be "disable", "allow", "prefer", "require", "verify-ca" or "verify-full".
	SSLMode     string `mapstructure:"sslmode"`
	SSLCert     string `mapstructure:"sslcert"`
	SSLKey      string `mapstructure:"sslkey"`
	SSLRootCert string `mapstructure:"sslrootcert"`
	// ConnectTimeout is the maximum wait for a connection. Zero or not specified means wait indefinitely.
	ConnectTimeout time.Duration `mapstructure:"connecttimeout"`
	// ConnectRetries is the number of times the first connection attempt is retried.
	ConnectRetries uint64 `mapstructure:"connectretries"`
	// LogLevel is the pgx driver log level: "trace", "debug", "info", "warn", "error" or "none".
	LogLevel string `mapstructure:"loglevel"`
	Pool     Pool   `mapstructure:"pool"`
}

// Pool is the configuration of the database connection pool.
type Pool struct {
	MaxIdle     int           `mapstructure:"maxidle"`
	MaxOpen     int           `mapstructure:"maxopen"`
	MaxLifetime time.Duration `mapstructure:"maxlifetime"`
	MaxIdleTime time.Duration `mapstructure:"maxidletime"`
}

// Reporting defines error reporting methods.
type Reporting struct {
	Sentry Sentry `mapstructure:"sentry"`
}

// Sentry configures error reporting to Sentry.
type Sentry struct {
	Enabled     bool   `mapstructure:"enabled"`
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

var keys = []string{
	"log.level",
	"log.formatter",
	"database.host",
	"database.port",
	"database.user",
	"database.password",
	"database.dbname",
	"database.sslmode",
	"database.sslcert",
	"database.sslkey",
	"database.sslrootcert",
	"database.connecttimeout",
	"database.connectretries",
	"database.loglevel",
	"database.pool.maxidle",
	"database.pool.maxopen",
	"database.pool.maxlifetime",
	"database.pool.maxidletime",
	"reporting.sentry.enabled",
	"reporting.sentry.dsn",
	"reporting.sentry.environment",
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only applies to keys viper already knows about
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	v.SetDefault("log.level", "info")
	v.SetDefault("log.formatter", "text")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "prefer")
	v.SetDefault("database.loglevel", "none")

	return v
}

// Parse parses an input configuration yaml document into a Configuration struct. Environment variables prefixed with
// EnvPrefix take precedence over the document values.
func Parse(rd io.Reader) (*Configuration, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	v := newViper()
	if err := v.ReadConfig(bytes.NewReader(in)); err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	config := new(Configuration)
	err = v.Unmarshal(config, viper.DecodeHook(mapstructure.StringToTimeDurationHookFunc()))
	if err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Configuration) validate() error {
	if c.Database.Host == "" {
		return errors.New("database.host is required")
	}
	if c.Database.DBName == "" {
		return errors.New("database.dbname is required")
	}
	if c.Database.Port <= 0 {
		return fmt.Errorf("invalid database.port %d", c.Database.Port)
	}
	switch c.Log.Formatter {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log formatter %q, must be one of text, json", c.Log.Formatter)
	}
	if c.Reporting.Sentry.Enabled && c.Reporting.Sentry.DSN == "" {
		return errors.New("reporting.sentry.dsn is required when sentry reporting is enabled")
	}

	return nil
}
