package datastore

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/hotosm/tmdb/tmdb/datastore/models"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/stretchr/testify/require"
)

func TestOrganisationStore_Create(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewOrganisationStore(db)

	mock.ExpectQuery(`INSERT INTO organisations \(name\) VALUES \(\$1\) RETURNING id`).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(100))

	o := &models.Organisation{Name: "acme"}
	require.NoError(t, s.Create(context.Background(), o))
	require.Equal(t, int64(100), o.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrganisationStore_Create_UniqueViolation(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewOrganisationStore(db)

	pgErr := &pgconn.PgError{
		Code:           pgerrcode.UniqueViolation,
		ConstraintName: "uq_organisations_name",
		TableName:      "organisations",
	}
	mock.ExpectQuery("INSERT INTO organisations").WithArgs("acme").WillReturnError(pgErr)

	err := s.Create(context.Background(), &models.Organisation{Name: "acme"})
	require.ErrorIs(t, err, ErrOrganisationExists)
	require.EqualError(t, err, `creating organisation: organisation name already exists: "acme"`)

	var target *pgconn.PgError
	require.True(t, errors.As(err, &target))
	require.Equal(t, "uq_organisations_name", target.ConstraintName)
}

func TestOrganisationStore_Create_OtherError(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewOrganisationStore(db)

	mock.ExpectQuery("INSERT INTO organisations").WithArgs("acme").WillReturnError(errors.New("conn closed"))

	err := s.Create(context.Background(), &models.Organisation{Name: "acme"})
	require.EqualError(t, err, "creating organisation: conn closed")
	require.NotErrorIs(t, err, ErrOrganisationExists)
}

func TestOrganisationStore_Create_NoIDReturned(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewOrganisationStore(db)

	mock.ExpectQuery("INSERT INTO organisations").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	err := s.Create(context.Background(), &models.Organisation{Name: "acme"})
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.EqualError(t, err, `creating organisation: no id returned for organisation "acme": `+sql.ErrNoRows.Error())
	require.NotErrorIs(t, err, ErrOrganisationExists)
}

func TestOrganisationStore_FindByName(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewOrganisationStore(db)

	mock.ExpectQuery(`SELECT id, name FROM organisations WHERE name = \$1`).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(100, "acme"))

	o, err := s.FindByName(context.Background(), "acme")
	require.NoError(t, err)
	require.Equal(t, &models.Organisation{ID: 100, Name: "acme"}, o)
}

func TestOrganisationStore_FindByName_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewOrganisationStore(db)

	mock.ExpectQuery("SELECT id, name FROM organisations").
		WithArgs("foo").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}))

	o, err := s.FindByName(context.Background(), "foo")
	require.NoError(t, err)
	require.Nil(t, o)
}

func TestOrganisationStore_FindAll(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewOrganisationStore(db)

	mock.ExpectQuery(`SELECT id, name FROM organisations ORDER BY id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(1, "acme").AddRow(2, "hot"))

	oo, err := s.FindAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, models.Organisations{{ID: 1, Name: "acme"}, {ID: 2, Name: "hot"}}, oo)
}

func TestOrganisationStore_Count(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewOrganisationStore(db)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM organisations`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	count, err := s.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestOrganisationStore_DeleteAllNamed(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewOrganisationStore(db)

	mock.ExpectExec(`DELETE FROM organisations WHERE name IS NOT NULL`).WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.DeleteAllNamed(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
