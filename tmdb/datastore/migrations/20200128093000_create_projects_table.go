package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20200128093000_create_projects_table",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS projects (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					organisation_tag text,
					created_at timestamp WITH time zone NOT NULL DEFAULT now(),
					CONSTRAINT pk_projects PRIMARY KEY (id)
				)`,
				"CREATE INDEX IF NOT EXISTS index_projects_on_organisation_tag ON projects USING btree (organisation_tag)",
			},
			Down: []string{
				"DROP INDEX IF EXISTS index_projects_on_organisation_tag CASCADE",
				"DROP TABLE IF EXISTS projects CASCADE",
			},
		},
	}

	allMigrations = append(allMigrations, m)
}
