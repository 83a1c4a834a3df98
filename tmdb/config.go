package tmdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/hotosm/tmdb/configuration"
	"github.com/hotosm/tmdb/log"
	"github.com/hotosm/tmdb/tmdb/datastore"
	"github.com/jackc/pgx/v4"
	"github.com/sirupsen/logrus"
)

const sentryFlushTimeout = 2 * time.Second

func resolveConfiguration(args []string) (*configuration.Configuration, error) {
	var configurationPath string

	if len(args) > 0 {
		configurationPath = args[0]
	} else if os.Getenv("TMDB_CONFIGURATION_PATH") != "" {
		configurationPath = os.Getenv("TMDB_CONFIGURATION_PATH")
	}

	if configurationPath == "" {
		return nil, errors.New("configuration path unspecified")
	}

	fp, err := os.Open(configurationPath)
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	config, err := configuration.Parse(fp)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", configurationPath, err)
	}

	return config, nil
}

// configureLogging prepares the context with a logger using the configuration.
func configureLogging(ctx context.Context, config *configuration.Configuration) (context.Context, error) {
	lvl, err := logrus.ParseLevel(config.Log.Level)
	if err != nil {
		return ctx, fmt.Errorf("parsing log level: %w", err)
	}
	logrus.SetLevel(lvl)

	switch config.Log.Formatter {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339Nano, FullTimestamp: true})
	}

	l := log.FromEntry(logrus.NewEntry(logrus.StandardLogger()))
	if len(config.Log.Fields) > 0 {
		l = l.WithFields(log.Fields(config.Log.Fields))
	}

	return log.WithLogger(ctx, l), nil
}

// configureReporting initializes the Sentry client if enabled. The returned
// function flushes pending events and must be called before the process exits.
func configureReporting(config *configuration.Configuration) (func(), error) {
	if !config.Reporting.Sentry.Enabled {
		return func() {}, nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         config.Reporting.Sentry.DSN,
		Environment: config.Reporting.Sentry.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing sentry: %w", err)
	}

	return func() { sentry.Flush(sentryFlushTimeout) }, nil
}

func dbFromConfig(ctx context.Context, config *configuration.Configuration) (*datastore.DB, error) {
	logLevel, err := pgx.LogLevelFromString(config.Database.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parsing database log level: %w", err)
	}

	return datastore.Open(ctx, &datastore.DSN{
		Host:           config.Database.Host,
		Port:           config.Database.Port,
		User:           config.Database.User,
		Password:       config.Database.Password,
		DBName:         config.Database.DBName,
		SSLMode:        config.Database.SSLMode,
		SSLCert:        config.Database.SSLCert,
		SSLKey:         config.Database.SSLKey,
		SSLRootCert:    config.Database.SSLRootCert,
		ConnectTimeout: config.Database.ConnectTimeout,
	},
		datastore.WithLogger(log.GetLogger(ctx).LogrusEntry()),
		datastore.WithLogLevel(logLevel),
		datastore.WithConnectRetries(config.Database.ConnectRetries),
		datastore.WithPoolConfig(&datastore.PoolConfig{
			MaxIdle:     config.Database.Pool.MaxIdle,
			MaxOpen:     config.Database.Pool.MaxOpen,
			MaxLifetime: config.Database.Pool.MaxLifetime,
			MaxIdleTime: config.Database.Pool.MaxIdleTime,
		}),
	)
}
