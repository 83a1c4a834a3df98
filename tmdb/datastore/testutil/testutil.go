package testutil

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/hotosm/tmdb/tmdb/datastore"
)

// NewDSNFromEnv generates a new DSN for the test database from the standard libpq environment variables.
func NewDSNFromEnv() (*datastore.DSN, error) {
	port, err := strconv.Atoi(os.Getenv("PGPORT"))
	if err != nil {
		return nil, fmt.Errorf("parsing DSN port: %w", err)
	}

	dsn := &datastore.DSN{
		Host:        os.Getenv("PGHOST"),
		Port:        port,
		User:        os.Getenv("PGUSER"),
		Password:    os.Getenv("PGPASSWORD"),
		DBName:      os.Getenv("PGDATABASE"),
		SSLMode:     os.Getenv("PGSSLMODE"),
		SSLCert:     os.Getenv("PGSSLCERT"),
		SSLKey:      os.Getenv("PGSSLKEY"),
		SSLRootCert: os.Getenv("PGSSLROOTCERT"),
	}

	return dsn, nil
}

// NewDBFromEnv generates a new datastore.DB and opens the underlying connection.
func NewDBFromEnv() (*datastore.DB, error) {
	dsn, err := NewDSNFromEnv()
	if err != nil {
		return nil, err
	}

	db, err := datastore.Open(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database connection: %w", err)
	}

	return db, nil
}

// SeedProjects inserts one project per tag and returns their IDs in order. A nil tag inserts a NULL
// organisation_tag.
func SeedProjects(db datastore.Queryer, tags ...*string) ([]int64, error) {
	ids := make([]int64, 0, len(tags))
	for _, tag := range tags {
		var id int64
		row := db.QueryRowContext(context.Background(), "INSERT INTO projects (organisation_tag) VALUES ($1) RETURNING id", tag)
		if err := row.Scan(&id); err != nil {
			return nil, fmt.Errorf("seeding project: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
