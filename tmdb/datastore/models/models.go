package models

import "database/sql"

// Organisation is a normalized owner of projects.
type Organisation struct {
	ID   int64
	Name string
}

// Organisations is a slice of Organisation pointers.
type Organisations []*Organisation

// Project is a tasking manager project. OrganisationTag is the legacy free-text
// owner label, OrganisationID the normalized reference that replaces it.
type Project struct {
	ID              int64
	OrganisationTag sql.NullString
	OrganisationID  sql.NullInt64
}

// Projects is a slice of Project pointers.
type Projects []*Project

// IDs returns the IDs of all projects in ps.
func (ps Projects) IDs() []int64 {
	ids := make([]int64, 0, len(ps))
	for _, p := range ps {
		ids = append(ids, p.ID)
	}
	return ids
}
