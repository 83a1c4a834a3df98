package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hotosm/tmdb/tmdb/datastore/metrics"
	"github.com/hotosm/tmdb/tmdb/datastore/models"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
)

// ErrOrganisationExists is returned when creating an organisation whose name
// is already taken.
var ErrOrganisationExists = errors.New("organisation name already exists")

// organisationExistsError matches ErrOrganisationExists while keeping the
// driver error reachable with errors.As.
type organisationExistsError struct {
	name string
	err  error
}

func (e *organisationExistsError) Error() string {
	return fmt.Sprintf("%s: %q", ErrOrganisationExists, e.name)
}

func (e *organisationExistsError) Is(target error) bool {
	return target == ErrOrganisationExists
}

func (e *organisationExistsError) Unwrap() error {
	return e.err
}

// OrganisationReader is the interface that defines read operations for an organisation store.
type OrganisationReader interface {
	FindAll(ctx context.Context) (models.Organisations, error)
	FindByName(ctx context.Context, name string) (*models.Organisation, error)
	Count(ctx context.Context) (int, error)
}

// OrganisationWriter is the interface that defines write operations for an organisation store.
type OrganisationWriter interface {
	Create(ctx context.Context, o *models.Organisation) error
	DeleteAllNamed(ctx context.Context) (int64, error)
}

// OrganisationStore is the interface that an organisation store should conform to.
type OrganisationStore interface {
	OrganisationReader
	OrganisationWriter
}

// organisationStore is the concrete implementation of an OrganisationStore.
type organisationStore struct {
	// db can be either a *sql.DB or *sql.Tx
	db Queryer
}

// NewOrganisationStore builds a new organisation store.
func NewOrganisationStore(db Queryer) OrganisationStore {
	return &organisationStore{db: db}
}

func scanFullOrganisation(row *sql.Row) (*models.Organisation, error) {
	o := new(models.Organisation)

	if err := row.Scan(&o.ID, &o.Name); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("scanning organisation: %w", err)
		}
		return nil, nil
	}

	return o, nil
}

func scanFullOrganisations(rows *sql.Rows) (models.Organisations, error) {
	oo := make(models.Organisations, 0)
	defer rows.Close()

	for rows.Next() {
		o := new(models.Organisation)
		if err := rows.Scan(&o.ID, &o.Name); err != nil {
			return nil, fmt.Errorf("scanning organisation: %w", err)
		}
		oo = append(oo, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning organisations: %w", err)
	}

	return oo, nil
}

// FindAll finds all organisations, ordered by ID.
func (s *organisationStore) FindAll(ctx context.Context) (models.Organisations, error) {
	defer metrics.InstrumentQuery("organisation_find_all")()
	q := `SELECT
			id,
			name
		FROM
			organisations
		ORDER BY
			id`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("finding organisations: %w", err)
	}

	return scanFullOrganisations(rows)
}

// FindByName finds an organisation by name. It returns nil if none was found.
func (s *organisationStore) FindByName(ctx context.Context, name string) (*models.Organisation, error) {
	defer metrics.InstrumentQuery("organisation_find_by_name")()
	q := `SELECT
			id,
			name
		FROM
			organisations
		WHERE
			name = $1`

	row := s.db.QueryRowContext(ctx, q, name)

	return scanFullOrganisation(row)
}

// Count counts all organisations.
func (s *organisationStore) Count(ctx context.Context) (int, error) {
	defer metrics.InstrumentQuery("organisation_count")()
	q := "SELECT COUNT(*) FROM organisations"

	var count int
	if err := s.db.QueryRowContext(ctx, q).Scan(&count); err != nil {
		return count, fmt.Errorf("counting organisations: %w", err)
	}

	return count, nil
}

// Create saves a new organisation and sets its generated ID.
func (s *organisationStore) Create(ctx context.Context, o *models.Organisation) error {
	defer metrics.InstrumentQuery("organisation_create")()
	q := `INSERT INTO organisations (name)
			VALUES ($1)
		RETURNING
			id`

	row := s.db.QueryRowContext(ctx, q, o.Name)
	if err := row.Scan(&o.ID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			err = &organisationExistsError{name: o.Name, err: err}
		}
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("no id returned for organisation %q: %w", o.Name, err)
		}
		return fmt.Errorf("creating organisation: %w", err)
	}

	return nil
}

// DeleteAllNamed deletes every organisation with a non-null name and returns
// how many were removed.
func (s *organisationStore) DeleteAllNamed(ctx context.Context) (int64, error) {
	defer metrics.InstrumentQuery("organisation_delete_all_named")()
	q := "DELETE FROM organisations WHERE name IS NOT NULL"

	res, err := s.db.ExecContext(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("deleting organisations: %w", err)
	}

	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleting organisations: %w", err)
	}

	return count, nil
}
