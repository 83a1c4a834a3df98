package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20200129092755_create_organisations_table",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS organisations (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					name varchar(512) NOT NULL,
					CONSTRAINT pk_organisations PRIMARY KEY (id),
					CONSTRAINT unique_organisations_name UNIQUE (name)
				)`,
				"ALTER TABLE projects ADD COLUMN IF NOT EXISTS organisation_id bigint",
				`ALTER TABLE projects
					ADD CONSTRAINT fk_projects_organisation_id_organisations FOREIGN KEY (organisation_id) REFERENCES organisations (id)`,
				"CREATE INDEX IF NOT EXISTS index_projects_on_organisation_id ON projects USING btree (organisation_id)",
			},
			Down: []string{
				"DROP INDEX IF EXISTS index_projects_on_organisation_id CASCADE",
				"ALTER TABLE projects DROP CONSTRAINT IF EXISTS fk_projects_organisation_id_organisations",
				"ALTER TABLE projects DROP COLUMN IF EXISTS organisation_id",
				"DROP TABLE IF EXISTS organisations CASCADE",
			},
		},
		Revises: "20200128093000_create_projects_table",
	}

	allMigrations = append(allMigrations, m)
}
