package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/hotosm/tmdb/log"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/log/logrusadapter"
	"github.com/jackc/pgx/v4/stdlib"
	"github.com/sirupsen/logrus"
)

const driverName = "pgx"

// Queryer is the common interface to execute queries on a database.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Transactor wraps a transaction.
type Transactor interface {
	Commit() error
	Rollback() error
	Queryer
}

// Beginner wraps the database handler. Transactions are started with BeginTx.
type Beginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Transactor, error)
}

// DB wraps a sql.DB and the DSN it was opened with.
type DB struct {
	*sql.DB
	dsn *DSN
}

// BeginTx wraps sql.Tx from the inner sql.DB within a datastore.Tx.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (Transactor, error) {
	tx, err := db.DB.BeginTx(ctx, opts)

	return &Tx{tx}, err
}

// Address returns the database host network address.
func (db *DB) Address() string {
	if db.dsn == nil {
		return ""
	}
	return db.dsn.Address()
}

// Tx is a database transaction that implements Transactor.
type Tx struct {
	*sql.Tx
}

// DSN represents the Data Source Name parameters for a database connection.
type DSN struct {
	Host           string
	Port           int
	User           string
	Password       string
	DBName         string
	SSLMode        string
	SSLCert        string
	SSLKey         string
	SSLRootCert    string
	ConnectTimeout time.Duration
}

// String builds a libpq compatible keyword/value connection string. Values are
// quoted and escaped, empty values are omitted.
// See https://www.postgresql.org/docs/current/libpq-connect.html#id-1.7.3.8.3.5
func (dsn *DSN) String() string {
	var params []string

	port := ""
	if dsn.Port > 0 {
		port = strconv.Itoa(dsn.Port)
	}
	connectTimeout := ""
	if dsn.ConnectTimeout > 0 {
		connectTimeout = fmt.Sprintf("%.0f", dsn.ConnectTimeout.Seconds())
	}

	for _, param := range []struct{ k, v string }{
		{"host", dsn.Host},
		{"port", port},
		{"user", dsn.User},
		{"password", dsn.Password},
		{"dbname", dsn.DBName},
		{"sslmode", dsn.SSLMode},
		{"sslcert", dsn.SSLCert},
		{"sslkey", dsn.SSLKey},
		{"sslrootcert", dsn.SSLRootCert},
		{"connect_timeout", connectTimeout},
	} {
		if len(param.v) == 0 {
			continue
		}

		param.v = strings.ReplaceAll(param.v, `\`, `\\`)
		param.v = strings.ReplaceAll(param.v, `'`, `\'`)
		if strings.Contains(param.v, " ") || strings.Contains(param.v, `\`) {
			param.v = "'" + param.v + "'"
		}

		params = append(params, param.k+"="+param.v)
	}

	return strings.Join(params, " ")
}

// Address returns the host:port segment of a DSN.
func (dsn *DSN) Address() string {
	return fmt.Sprintf("%s:%d", dsn.Host, dsn.Port)
}

// PoolConfig represents the configuration of the connection pool.
type PoolConfig struct {
	MaxIdle     int
	MaxOpen     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

type openOpts struct {
	logger   *logrus.Entry
	logLevel pgx.LogLevel
	pool     *PoolConfig
	retries  uint64
}

// OpenOption is used to pass options to Open.
type OpenOption func(*openOpts)

// WithLogger configures the logger for the database connection driver.
func WithLogger(l *logrus.Entry) OpenOption {
	return func(opts *openOpts) {
		opts.logger = l
	}
}

// WithLogLevel configures the logger level for the database connection driver.
func WithLogLevel(l pgx.LogLevel) OpenOption {
	return func(opts *openOpts) {
		opts.logLevel = l
	}
}

// WithPoolConfig configures the settings for the database connection pool.
func WithPoolConfig(c *PoolConfig) OpenOption {
	return func(opts *openOpts) {
		opts.pool = c
	}
}

// WithConnectRetries configures how many times the initial connection attempt
// is retried, with exponential backoff, before giving up.
func WithConnectRetries(n uint64) OpenOption {
	return func(opts *openOpts) {
		opts.retries = n
	}
}

func applyOptions(opts []OpenOption) openOpts {
	config := openOpts{
		logger:   logrus.NewEntry(logrus.StandardLogger()),
		logLevel: pgx.LogLevelNone,
		pool:     &PoolConfig{},
	}

	for _, v := range opts {
		v(&config)
	}

	return config
}

// Open creates a database connection handler and verifies it is reachable.
func Open(ctx context.Context, dsn *DSN, opts ...OpenOption) (*DB, error) {
	config := applyOptions(opts)

	pgxConfig, err := pgx.ParseConfig(dsn.String())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string failed: %w", err)
	}
	pgxConfig.Logger = logrusadapter.NewLogger(config.logger)
	pgxConfig.LogLevel = config.logLevel

	connStr := stdlib.RegisterConnConfig(pgxConfig)
	db, err := sql.Open(driverName, connStr)
	if err != nil {
		return nil, fmt.Errorf("open connection handle failed: %w", err)
	}

	db.SetMaxOpenConns(config.pool.MaxOpen)
	db.SetMaxIdleConns(config.pool.MaxIdle)
	db.SetConnMaxLifetime(config.pool.MaxLifetime)
	db.SetConnMaxIdleTime(config.pool.MaxIdleTime)

	l := log.GetLogger(ctx).WithFields(log.Fields{"address": dsn.Address(), "database": dsn.DBName})

	ping := func() error {
		err := db.PingContext(ctx)
		if err == nil {
			return nil
		}
		// server side errors (authentication, unknown database) won't go away on retry
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		l.WithError(err).WithFields(log.Fields{"retry_in_s": d.Seconds()}).Warn("database connection failed")
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), config.retries), ctx)
	if err := backoff.RetryNotify(ping, b, notify); err != nil {
		if cErr := db.Close(); cErr != nil {
			err = multierror.Append(err, cErr)
		}
		return nil, fmt.Errorf("verification failed: %w", err)
	}

	return &DB{DB: db, dsn: dsn}, nil
}

// WithTransaction runs fn within a transaction started on db. The transaction
// is committed when fn succeeds, unless rollback is set, and rolled back
// otherwise.
func WithTransaction(ctx context.Context, db Beginner, rollback bool, fn func(tx Queryer) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("creating database transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			err = multierror.Append(err, fmt.Errorf("rolling back database transaction: %w", rbErr))
		}
		return err
	}

	if rollback {
		if err := tx.Rollback(); err != nil {
			return fmt.Errorf("rolling back database transaction: %w", err)
		}
		return nil
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing database transaction: %w", err)
	}

	return nil
}
