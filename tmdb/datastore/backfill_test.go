package datastore_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/hotosm/tmdb/internal/feature"
	"github.com/hotosm/tmdb/tmdb/datastore"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/stretchr/testify/require"
)

const (
	distinctTagsQuery   = `SELECT DISTINCT organisation_tag FROM projects`
	createOrgQuery      = `INSERT INTO organisations \(name\) VALUES \(\$1\) RETURNING id`
	findProjectsQuery   = `SELECT id, organisation_tag, organisation_id FROM projects WHERE organisation_tag = \$1`
	linkProjectQuery    = `UPDATE projects SET organisation_id = \$1 WHERE id = \$2`
	linkByTagQuery      = `UPDATE projects SET organisation_id = \$1 WHERE organisation_tag = \$2`
	unlinkProjectsQuery = `UPDATE projects SET organisation_id = NULL WHERE organisation_id IS NOT NULL`
	deleteOrgsQuery     = `DELETE FROM organisations WHERE name IS NOT NULL`
	findOrgByNameQuery  = `SELECT id, name FROM organisations WHERE name = \$1`
	countLinkedQuery    = `SELECT COUNT\(\*\) FROM projects WHERE organisation_id IS NOT NULL`
	countOrgsQuery      = `SELECT COUNT\(\*\) FROM organisations`
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db, mock
}

func projectRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "organisation_tag", "organisation_id"})
}

// projects = [{1, "acme"}, {2, "acme"}, {3, NULL}]
func TestOrganisationBackfill_Upgrade(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectQuery(distinctTagsQuery).
		WillReturnRows(sqlmock.NewRows([]string{"organisation_tag"}).AddRow("acme").AddRow(nil))
	mock.ExpectQuery(createOrgQuery).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(100))
	mock.ExpectQuery(findProjectsQuery).
		WithArgs("acme").
		WillReturnRows(projectRows().AddRow(1, "acme", nil).AddRow(2, "acme", nil))
	mock.ExpectExec(linkProjectQuery).WithArgs(int64(100), int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(linkProjectQuery).WithArgs(int64(100), int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))

	b := datastore.NewOrganisationBackfill(db)
	require.NoError(t, b.Upgrade(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrganisationBackfill_Upgrade_MultipleTags(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectQuery(distinctTagsQuery).
		WillReturnRows(sqlmock.NewRows([]string{"organisation_tag"}).AddRow("acme").AddRow("hot"))

	mock.ExpectQuery(createOrgQuery).WithArgs("acme").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(findProjectsQuery).WithArgs("acme").WillReturnRows(projectRows().AddRow(10, "acme", nil))
	mock.ExpectExec(linkProjectQuery).WithArgs(int64(1), int64(10)).WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery(createOrgQuery).WithArgs("hot").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
	mock.ExpectQuery(findProjectsQuery).WithArgs("hot").WillReturnRows(projectRows().AddRow(11, "hot", nil).AddRow(12, "hot", nil))
	mock.ExpectExec(linkProjectQuery).WithArgs(int64(2), int64(11)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(linkProjectQuery).WithArgs(int64(2), int64(12)).WillReturnResult(sqlmock.NewResult(0, 1))

	b := datastore.NewOrganisationBackfill(db)
	require.NoError(t, b.Upgrade(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrganisationBackfill_Upgrade_BatchProjectLink(t *testing.T) {
	t.Setenv(feature.BatchProjectLink.EnvVariable, "true")
	db, mock := newMock(t)

	mock.ExpectQuery(distinctTagsQuery).
		WillReturnRows(sqlmock.NewRows([]string{"organisation_tag"}).AddRow("acme").AddRow(nil))
	mock.ExpectQuery(createOrgQuery).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(100))
	mock.ExpectExec(linkByTagQuery).WithArgs(int64(100), "acme").WillReturnResult(sqlmock.NewResult(0, 2))

	b := datastore.NewOrganisationBackfill(db)
	require.NoError(t, b.Upgrade(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrganisationBackfill_Upgrade_SkipsEmptyTags(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectQuery(distinctTagsQuery).
		WillReturnRows(sqlmock.NewRows([]string{"organisation_tag"}).AddRow("").AddRow(nil))

	b := datastore.NewOrganisationBackfill(db)
	require.NoError(t, b.Upgrade(context.Background()))
	// no organisation is created and no project is touched
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrganisationBackfill_Upgrade_NoProjects(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectQuery(distinctTagsQuery).WillReturnRows(sqlmock.NewRows([]string{"organisation_tag"}))

	b := datastore.NewOrganisationBackfill(db)
	require.NoError(t, b.Upgrade(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

// Running the upgrade twice without a downgrade in between is expected to fail
// on the organisations name uniqueness constraint.
func TestOrganisationBackfill_Upgrade_AlreadyApplied(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectQuery(distinctTagsQuery).
		WillReturnRows(sqlmock.NewRows([]string{"organisation_tag"}).AddRow("acme"))
	mock.ExpectQuery(createOrgQuery).
		WithArgs("acme").
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, TableName: "organisations"})

	b := datastore.NewOrganisationBackfill(db)
	err := b.Upgrade(context.Background())
	require.ErrorIs(t, err, datastore.ErrOrganisationExists)

	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr))
	require.Equal(t, pgerrcode.UniqueViolation, pgErr.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrganisationBackfill_Upgrade_LinkError(t *testing.T) {
	db, mock := newMock(t)
	linkErr := errors.New("deadlock detected")

	mock.ExpectQuery(distinctTagsQuery).
		WillReturnRows(sqlmock.NewRows([]string{"organisation_tag"}).AddRow("acme"))
	mock.ExpectQuery(createOrgQuery).WithArgs("acme").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(100))
	mock.ExpectQuery(findProjectsQuery).WithArgs("acme").
		WillReturnRows(projectRows().AddRow(1, "acme", nil).AddRow(2, "acme", nil))
	mock.ExpectExec(linkProjectQuery).WithArgs(int64(100), int64(1)).WillReturnError(linkErr)

	b := datastore.NewOrganisationBackfill(db)
	err := b.Upgrade(context.Background())
	require.ErrorIs(t, err, linkErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrganisationBackfill_Upgrade_DistinctTagsError(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectQuery(distinctTagsQuery).WillReturnError(errors.New(`relation "projects" does not exist`))

	b := datastore.NewOrganisationBackfill(db)
	err := b.Upgrade(context.Background())
	require.EqualError(t, err, `finding distinct organisation tags: relation "projects" does not exist`)
}

func TestOrganisationBackfill_Downgrade(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectExec(unlinkProjectsQuery).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(deleteOrgsQuery).WillReturnResult(sqlmock.NewResult(0, 1))

	b := datastore.NewOrganisationBackfill(db)
	require.NoError(t, b.Downgrade(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrganisationBackfill_Downgrade_UnlinkError(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectExec(unlinkProjectsQuery).WillReturnError(errors.New("conn closed"))

	b := datastore.NewOrganisationBackfill(db)
	err := b.Downgrade(context.Background())
	require.EqualError(t, err, "unlinking projects from organisations: conn closed")
	// organisations must not be deleted while projects still reference them
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrganisationBackfill_Verify(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectQuery(distinctTagsQuery).
		WillReturnRows(sqlmock.NewRows([]string{"organisation_tag"}).AddRow("acme").AddRow(nil).AddRow(""))
	mock.ExpectQuery(findOrgByNameQuery).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(100, "acme"))
	mock.ExpectQuery(findProjectsQuery).
		WithArgs("acme").
		WillReturnRows(projectRows().AddRow(1, "acme", 100).AddRow(2, "acme", 100))

	b := datastore.NewOrganisationBackfill(db)
	require.NoError(t, b.Verify(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrganisationBackfill_Verify_MissingOrganisation(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectQuery(distinctTagsQuery).
		WillReturnRows(sqlmock.NewRows([]string{"organisation_tag"}).AddRow("acme"))
	mock.ExpectQuery(findOrgByNameQuery).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}))

	b := datastore.NewOrganisationBackfill(db)
	err := b.Verify(context.Background())
	require.ErrorIs(t, err, datastore.ErrBackfillInconsistent)
	require.EqualError(t, err, `organisation backfill inconsistent: no organisation named "acme"`)
}

func TestOrganisationBackfill_Verify_UnlinkedProject(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectQuery(distinctTagsQuery).
		WillReturnRows(sqlmock.NewRows([]string{"organisation_tag"}).AddRow("acme"))
	mock.ExpectQuery(findOrgByNameQuery).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(100, "acme"))
	mock.ExpectQuery(findProjectsQuery).
		WithArgs("acme").
		WillReturnRows(projectRows().AddRow(1, "acme", 100).AddRow(2, "acme", nil))

	b := datastore.NewOrganisationBackfill(db)
	err := b.Verify(context.Background())
	require.ErrorIs(t, err, datastore.ErrBackfillInconsistent)
	require.EqualError(t, err, "organisation backfill inconsistent: project 2 is not linked to organisation 100")
}

func TestOrganisationBackfill_VerifyReverted(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectQuery(countLinkedQuery).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(countOrgsQuery).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	b := datastore.NewOrganisationBackfill(db)
	require.NoError(t, b.VerifyReverted(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrganisationBackfill_VerifyReverted_StillLinked(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectQuery(countLinkedQuery).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	b := datastore.NewOrganisationBackfill(db)
	err := b.VerifyReverted(context.Background())
	require.ErrorIs(t, err, datastore.ErrBackfillInconsistent)
	require.EqualError(t, err, "organisation backfill inconsistent: 2 projects still linked")
}

func TestOrganisationBackfill_VerifyReverted_OrganisationsRemain(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectQuery(countLinkedQuery).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(countOrgsQuery).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	b := datastore.NewOrganisationBackfill(db)
	err := b.VerifyReverted(context.Background())
	require.ErrorIs(t, err, datastore.ErrBackfillInconsistent)
	require.EqualError(t, err, "organisation backfill inconsistent: 3 organisations remain")
}
