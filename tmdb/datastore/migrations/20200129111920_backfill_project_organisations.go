package migrations

import (
	"context"

	"github.com/hotosm/tmdb/tmdb/datastore"
	migrate "github.com/rubenv/sql-migrate"
)

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id:   "20200129111920_backfill_project_organisations",
			Up:   []string{},
			Down: []string{},
		},
		Revises:        "20200129092755_create_organisations_table",
		PostDeployment: true,
		UpFunc: func(ctx context.Context, tx datastore.Queryer) error {
			return datastore.NewOrganisationBackfill(tx).Upgrade(ctx)
		},
		DownFunc: func(ctx context.Context, tx datastore.Queryer) error {
			return datastore.NewOrganisationBackfill(tx).Downgrade(ctx)
		},
	}

	allMigrations = append(allMigrations, m)
}
