package datastore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hotosm/tmdb/tmdb/datastore/metrics"
	"github.com/hotosm/tmdb/tmdb/datastore/models"
)

// ProjectReader is the interface that defines read operations for a project store.
type ProjectReader interface {
	DistinctOrganisationTags(ctx context.Context) ([]sql.NullString, error)
	FindByOrganisationTag(ctx context.Context, tag string) (models.Projects, error)
	CountLinked(ctx context.Context) (int, error)
}

// ProjectWriter is the interface that defines write operations for a project store.
type ProjectWriter interface {
	LinkOrganisation(ctx context.Context, p *models.Project, organisationID int64) error
	LinkOrganisationByTag(ctx context.Context, tag string, organisationID int64) (int64, error)
	UnlinkAllOrganisations(ctx context.Context) (int64, error)
}

// ProjectStore is the interface that a project store should conform to.
type ProjectStore interface {
	ProjectReader
	ProjectWriter
}

// projectStore is the concrete implementation of a ProjectStore.
type projectStore struct {
	// db can be either a *sql.DB or *sql.Tx
	db Queryer
}

// NewProjectStore builds a new project store.
func NewProjectStore(db Queryer) ProjectStore {
	return &projectStore{db: db}
}

func scanFullProjects(rows *sql.Rows) (models.Projects, error) {
	pp := make(models.Projects, 0)
	defer rows.Close()

	for rows.Next() {
		p := new(models.Project)
		if err := rows.Scan(&p.ID, &p.OrganisationTag, &p.OrganisationID); err != nil {
			return nil, fmt.Errorf("scanning project: %w", err)
		}
		pp = append(pp, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning projects: %w", err)
	}

	return pp, nil
}

// DistinctOrganisationTags returns every distinct organisation tag found on
// projects, including NULL and empty values, ordered by tag.
func (s *projectStore) DistinctOrganisationTags(ctx context.Context) ([]sql.NullString, error) {
	defer metrics.InstrumentQuery("project_distinct_organisation_tags")()
	q := `SELECT DISTINCT
			organisation_tag
		FROM
			projects
		ORDER BY
			organisation_tag`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("finding distinct organisation tags: %w", err)
	}
	defer rows.Close()

	tags := make([]sql.NullString, 0)
	for rows.Next() {
		var tag sql.NullString
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scanning organisation tag: %w", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning organisation tags: %w", err)
	}

	return tags, nil
}

// FindByOrganisationTag finds all projects labelled with the given
// organisation tag, ordered by ID.
func (s *projectStore) FindByOrganisationTag(ctx context.Context, tag string) (models.Projects, error) {
	defer metrics.InstrumentQuery("project_find_by_organisation_tag")()
	q := `SELECT
			id,
			organisation_tag,
			organisation_id
		FROM
			projects
		WHERE
			organisation_tag = $1
		ORDER BY
			id`

	rows, err := s.db.QueryContext(ctx, q, tag)
	if err != nil {
		return nil, fmt.Errorf("finding projects by organisation tag: %w", err)
	}

	return scanFullProjects(rows)
}

// CountLinked counts projects with a non-null organisation reference.
func (s *projectStore) CountLinked(ctx context.Context) (int, error) {
	defer metrics.InstrumentQuery("project_count_linked")()
	q := "SELECT COUNT(*) FROM projects WHERE organisation_id IS NOT NULL"

	var count int
	if err := s.db.QueryRowContext(ctx, q).Scan(&count); err != nil {
		return count, fmt.Errorf("counting linked projects: %w", err)
	}

	return count, nil
}

// LinkOrganisation points a project to an organisation.
func (s *projectStore) LinkOrganisation(ctx context.Context, p *models.Project, organisationID int64) error {
	defer metrics.InstrumentQuery("project_link_organisation")()
	q := `UPDATE
			projects
		SET
			organisation_id = $1
		WHERE
			id = $2`

	res, err := s.db.ExecContext(ctx, q, organisationID, p.ID)
	if err != nil {
		return fmt.Errorf("linking project to organisation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("linking project to organisation: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("project %d not found", p.ID)
	}

	p.OrganisationID = sql.NullInt64{Int64: organisationID, Valid: true}

	return nil
}

// LinkOrganisationByTag points every project labelled with tag to an
// organisation and returns how many were changed.
func (s *projectStore) LinkOrganisationByTag(ctx context.Context, tag string, organisationID int64) (int64, error) {
	defer metrics.InstrumentQuery("project_link_organisation_by_tag")()
	q := `UPDATE
			projects
		SET
			organisation_id = $1
		WHERE
			organisation_tag = $2`

	res, err := s.db.ExecContext(ctx, q, organisationID, tag)
	if err != nil {
		return 0, fmt.Errorf("linking projects to organisation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("linking projects to organisation: %w", err)
	}

	return n, nil
}

// UnlinkAllOrganisations clears the organisation reference of every project
// and returns how many were changed.
func (s *projectStore) UnlinkAllOrganisations(ctx context.Context) (int64, error) {
	defer metrics.InstrumentQuery("project_unlink_all_organisations")()
	q := `UPDATE
			projects
		SET
			organisation_id = NULL
		WHERE
			organisation_id IS NOT NULL`

	res, err := s.db.ExecContext(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("unlinking projects from organisations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("unlinking projects from organisations: %w", err)
	}

	return n, nil
}
