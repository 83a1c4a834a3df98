package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/hotosm/tmdb/log"
	"github.com/hotosm/tmdb/tmdb/datastore"
	"github.com/hotosm/tmdb/tmdb/datastore/metrics"
	migrate "github.com/rubenv/sql-migrate"
)

const (
	migrationTableName = "schema_migrations"
	dialect            = "postgres"
)

func init() {
	migrate.SetTable(migrationTableName)
}

var allMigrations []*Migration

// TxFunc is a Go hook run by a migration, within the migration transaction.
type TxFunc func(ctx context.Context, tx datastore.Queryer) error

// Migration wraps a sql-migrate migration with revision chain metadata and
// optional Go hooks. UpFunc and DownFunc run after the Up and Down statements
// of the same migration, respectively.
type Migration struct {
	*migrate.Migration
	// Revises is the ID of the migration this one must be applied after. It is
	// empty for the first migration only.
	Revises        string
	PostDeployment bool
	UpFunc         TxFunc
	DownFunc       TxFunc
}

func (m *Migration) hook(direction migrate.MigrationDirection) TxFunc {
	if direction == migrate.Up {
		return m.UpFunc
	}
	return m.DownFunc
}

func sorted(mm []*Migration) []*Migration {
	out := make([]*Migration, len(mm))
	copy(out, mm)
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })

	return out
}

// All returns every known migration, sorted by ID.
func All() []*Migration {
	return sorted(allMigrations)
}

// ValidateChain verifies that mm, sorted by ID, forms a single revision chain
// and that no migration with a Go hook disables its transaction.
func ValidateChain(mm []*Migration) error {
	mm = sorted(mm)

	var prev string
	seen := make(map[string]struct{}, len(mm))

	for _, m := range mm {
		if _, ok := seen[m.Id]; ok {
			return fmt.Errorf("duplicate migration %q", m.Id)
		}
		seen[m.Id] = struct{}{}

		if m.Revises != prev {
			if prev == "" {
				return fmt.Errorf("migration %q revises %q but is the first migration", m.Id, m.Revises)
			}
			return fmt.Errorf("migration %q revises %q, expected %q", m.Id, m.Revises, prev)
		}
		if (m.UpFunc != nil && m.DisableTransactionUp) || (m.DownFunc != nil && m.DisableTransactionDown) {
			return fmt.Errorf("migration %q has a Go hook and cannot run outside a transaction", m.Id)
		}
		prev = m.Id
	}

	return nil
}

// Migrator applies and reverts migrations against a database.
type Migrator struct {
	db                 *sql.DB
	migrations         []*Migration
	skipPostDeployment bool
	clock              clock.Clock
}

// MigratorOption enables the creation of functional options for the
// configuration of the migrator.
type MigratorOption func(m *Migrator)

// SkipPostDeployment configures the migration to not apply postdeployment migrations.
func SkipPostDeployment(m *Migrator) {
	m.skipPostDeployment = true
}

// WithClock sets the clock used to timestamp applied migrations.
func WithClock(c clock.Clock) MigratorOption {
	return func(m *Migrator) {
		m.clock = c
	}
}

// WithMigrations overrides the set of known migrations.
func WithMigrations(mm ...*Migration) MigratorOption {
	return func(m *Migrator) {
		m.migrations = sorted(mm)
	}
}

// NewMigrator builds a Migrator for db. It panics if the known migrations do
// not form a valid revision chain.
func NewMigrator(db *sql.DB, opts ...MigratorOption) *Migrator {
	m := &Migrator{
		db:         db,
		migrations: All(),
		clock:      clock.New(),
	}

	for _, o := range opts {
		o(m)
	}

	if err := ValidateChain(m.migrations); err != nil {
		panic(fmt.Sprintf("invalid migrations: %v", err))
	}

	return m
}

func (m *Migrator) find(id string) *Migration {
	for _, mig := range m.migrations {
		if mig.Id == id {
			return mig
		}
	}
	return nil
}

func (m *Migrator) eligibleMigrations() []*Migration {
	var mm []*Migration
	for _, mig := range m.migrations {
		if m.skipPostDeployment && mig.PostDeployment {
			continue
		}
		mm = append(mm, mig)
	}

	return mm
}

func (m *Migrator) eligibleMigrationSource() *migrate.MemoryMigrationSource {
	var src []*migrate.Migration
	for _, mig := range m.eligibleMigrations() {
		src = append(src, mig.Migration)
	}

	return &migrate.MemoryMigrationSource{Migrations: src}
}

// migrationSet tolerates applied post deployment migrations when they are
// skipped, as they are then missing from the eligible source.
func (m *Migrator) migrationSet() migrate.MigrationSet {
	return migrate.MigrationSet{
		TableName:     migrationTableName,
		IgnoreUnknown: m.skipPostDeployment,
	}
}

// Version returns the ID of the last applied migration.
func (m *Migrator) Version() (string, error) {
	records, err := migrate.GetMigrationRecords(m.db, dialect)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", nil
	}

	return records[len(records)-1].Id, nil
}

// LatestVersion identifies the version of the most recent migration in the repository (if any).
func (m *Migrator) LatestVersion() (string, error) {
	all, err := m.eligibleMigrationSource().FindMigrations()
	if err != nil {
		return "", err
	}
	if len(all) == 0 {
		return "", nil
	}

	return all[len(all)-1].Id, nil
}

// Up applies all pending up migrations. Returns the number of applied migrations.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	return m.migrate(ctx, migrate.Up, 0)
}

// UpN applies up to n pending up migrations. All pending migrations will be applied if n is 0. Returns the number of
// applied migrations.
func (m *Migrator) UpN(ctx context.Context, n int) (int, error) {
	return m.migrate(ctx, migrate.Up, n)
}

// UpNPlan plans up to n pending up migrations and returns the ordered list of migration IDs. All pending migrations
// will be planned if n is 0.
func (m *Migrator) UpNPlan(n int) ([]string, error) {
	return m.plan(migrate.Up, n)
}

// Down applies all pending down migrations. Returns the number of applied migrations.
func (m *Migrator) Down(ctx context.Context) (int, error) {
	return m.migrate(ctx, migrate.Down, 0)
}

// DownN applies up to n pending down migrations. All migrations will be applied if n is 0. Returns the number of
// applied migrations.
func (m *Migrator) DownN(ctx context.Context, n int) (int, error) {
	return m.migrate(ctx, migrate.Down, n)
}

// DownNPlan plans up to n pending down migrations and returns the ordered list of migration IDs. All pending
// migrations will be planned if n is 0.
func (m *Migrator) DownNPlan(n int) ([]string, error) {
	return m.plan(migrate.Down, n)
}

// MigrationStatus represents the status of a migration. Unknown will be set to true if a migration was applied but is
// not known by the current build.
type MigrationStatus struct {
	Unknown        bool
	PostDeployment bool
	AppliedAt      *time.Time
}

// Status returns the status of all migrations, indexed by migration ID.
func (m *Migrator) Status() (map[string]*MigrationStatus, error) {
	applied, err := migrate.GetMigrationRecords(m.db, dialect)
	if err != nil {
		return nil, err
	}

	statuses := make(map[string]*MigrationStatus, len(m.migrations))
	for _, mig := range m.migrations {
		statuses[mig.Id] = &MigrationStatus{PostDeployment: mig.PostDeployment}
	}

	for _, r := range applied {
		appliedAt := r.AppliedAt
		if s, ok := statuses[r.Id]; ok {
			s.AppliedAt = &appliedAt
		} else {
			statuses[r.Id] = &MigrationStatus{Unknown: true, AppliedAt: &appliedAt}
		}
	}

	return statuses, nil
}

// HasPending determines whether all known migrations are applied or not.
func (m *Migrator) HasPending() (bool, error) {
	records, err := m.plan(migrate.Up, 0)
	if err != nil {
		return false, err
	}

	return len(records) > 0, nil
}

func (m *Migrator) plan(direction migrate.MigrationDirection, limit int) ([]string, error) {
	planned, _, err := m.migrationSet().PlanMigration(m.db, dialect, m.eligibleMigrationSource(), direction, limit)
	if err != nil {
		return nil, fmt.Errorf("preparing %s migration plan: %w", directionName(direction), err)
	}

	ids := make([]string, 0, len(planned))
	for _, p := range planned {
		ids = append(ids, p.Id)
	}

	return ids, nil
}

func (m *Migrator) migrate(ctx context.Context, direction migrate.MigrationDirection, limit int) (int, error) {
	planned, _, err := m.migrationSet().PlanMigration(m.db, dialect, m.eligibleMigrationSource(), direction, limit)
	if err != nil {
		return 0, fmt.Errorf("preparing %s migration plan: %w", directionName(direction), err)
	}

	for i, p := range planned {
		if err := m.apply(ctx, p, direction); err != nil {
			return i, err
		}
	}

	return len(planned), nil
}

// apply runs the statements and Go hook of a planned migration and records
// the outcome in the migrations table, all within a single transaction unless
// the migration disables it.
func (m *Migrator) apply(ctx context.Context, p *migrate.PlannedMigration, direction migrate.MigrationDirection) error {
	l := log.GetLogger(ctx).WithFields(log.Fields{
		"migration": p.Id,
		"direction": directionName(direction),
	})
	ctx = log.WithLogger(ctx, l)
	start := m.clock.Now()

	var hook TxFunc
	if mig := m.find(p.Id); mig != nil {
		hook = mig.hook(direction)
	}

	if p.DisableTransaction {
		if err := m.run(ctx, m.db, p, direction, hook); err != nil {
			return err
		}
	} else {
		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("starting transaction for migration %q: %w", p.Id, err)
		}
		if err := m.run(ctx, tx, p, direction, hook); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = multierror.Append(err, fmt.Errorf("rolling back migration %q: %w", p.Id, rbErr))
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %q: %w", p.Id, err)
		}
	}

	metrics.MigrationApplied(directionName(direction))
	l.WithFields(log.Fields{"duration_s": m.clock.Since(start).Seconds()}).Info("migration applied")

	return nil
}

func (m *Migrator) run(ctx context.Context, q datastore.Queryer, p *migrate.PlannedMigration, direction migrate.MigrationDirection, hook TxFunc) error {
	for _, stmt := range p.Queries {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing migration %q: %w", p.Id, err)
		}
	}

	if hook != nil {
		if err := hook(ctx, q); err != nil {
			return fmt.Errorf("executing migration %q: %w", p.Id, err)
		}
	}

	return m.record(ctx, q, p.Id, direction)
}

func (m *Migrator) record(ctx context.Context, q datastore.Queryer, id string, direction migrate.MigrationDirection) error {
	var err error
	switch direction {
	case migrate.Up:
		_, err = q.ExecContext(ctx, "INSERT INTO "+migrationTableName+" (id, applied_at) VALUES ($1, $2)", id, m.clock.Now())
	case migrate.Down:
		_, err = q.ExecContext(ctx, "DELETE FROM "+migrationTableName+" WHERE id = $1", id)
	default:
		err = errUnknownDirection
	}
	if err != nil {
		return fmt.Errorf("recording migration %q: %w", id, err)
	}

	return nil
}

func directionName(d migrate.MigrationDirection) string {
	if d == migrate.Up {
		return "up"
	}
	return "down"
}

var errUnknownDirection = errors.New("unknown migration direction")
