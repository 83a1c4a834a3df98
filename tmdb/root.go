package tmdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/hotosm/tmdb/log"
	"github.com/hotosm/tmdb/tmdb/datastore"
	"github.com/hotosm/tmdb/tmdb/datastore/migrations"
	"github.com/hotosm/tmdb/tmdb/datastore/models"
	"github.com/hotosm/tmdb/tmdb/internal/debug"
	"github.com/hotosm/tmdb/version"
	"github.com/jszwec/csvutil"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(DBCmd)
	RootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "show the version and exit")

	MigrateCmd.AddCommand(MigrateVersionCmd)
	MigrateStatusCmd.Flags().BoolVarP(&upToDateCheck, "up-to-date", "u", false, "check if all known migrations are applied")
	MigrateStatusCmd.Flags().BoolVarP(&skipPostDeployment, "skip-post-deployment", "s", false, "ignore post deployment migrations")
	MigrateStatusCmd.Flags().StringVarP(&format, "format", "f", "text", "which format to write output to, options: text, json, csv")
	MigrateCmd.AddCommand(MigrateStatusCmd)
	MigrateUpCmd.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "do not commit changes to the database")
	MigrateUpCmd.Flags().VarP(nullableInt{&maxNumMigrations}, "limit", "n", "limit the number of migrations (all by default)")
	MigrateUpCmd.Flags().BoolVarP(&skipPostDeployment, "skip-post-deployment", "s", false, "do not apply post deployment migrations")
	MigrateUpCmd.Flags().StringVar(&debugAddr, "debug-server", "", "run a metrics and pprof debug server at <address:port>")
	MigrateCmd.AddCommand(MigrateUpCmd)
	MigrateDownCmd.Flags().BoolVarP(&force, "force", "f", false, "no confirmation message")
	MigrateDownCmd.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "do not commit changes to the database")
	MigrateDownCmd.Flags().VarP(nullableInt{&maxNumMigrations}, "limit", "n", "limit the number of migrations (all by default)")
	MigrateCmd.AddCommand(MigrateDownCmd)
	DBCmd.AddCommand(MigrateCmd)

	BackfillOrganisationsCmd.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "do not commit changes to the database")
	BackfillOrganisationsCmd.Flags().BoolVar(&revert, "down", false, "revert the backfill instead of applying it")
	BackfillOrganisationsCmd.Flags().BoolVar(&verifyOnly, "verify", false, "only check that the backfill is applied (or reverted, with --down)")
	BackfillCmd.AddCommand(BackfillOrganisationsCmd)
	DBCmd.AddCommand(BackfillCmd)
}

// Command flag vars
var (
	debugAddr          string
	dryRun             bool
	force              bool
	format             string
	maxNumMigrations   *int
	revert             bool
	showVersion        bool
	skipPostDeployment bool
	upToDateCheck      bool
	verifyOnly         bool
)

// nullableInt implements spf13/pflag#Value as a custom nullable integer to capture spf13/cobra command flags.
// https://pkg.go.dev/github.com/spf13/pflag?tab=doc#Value
type nullableInt struct {
	ptr **int
}

func (f nullableInt) String() string {
	if *f.ptr == nil {
		return "0"
	}
	return strconv.Itoa(**f.ptr)
}

func (f nullableInt) Type() string {
	return "int"
}

func (f nullableInt) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*f.ptr = &v
	return nil
}

// exit reports err, if any, to Sentry and terminates the process after
// printing msg to stderr.
func exit(err error, format string, args ...interface{}) {
	if err != nil {
		sentry.CaptureException(err)
		sentry.Flush(sentryFlushTimeout)
	}
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}

// setup resolves the configuration and prepares logging, error reporting and
// the database connection shared by all database subcommands.
func setup(cmd *cobra.Command, args []string) (context.Context, *datastore.DB, func()) {
	config, err := resolveConfiguration(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		cmd.Usage()
		os.Exit(1)
	}

	ctx, err := configureLogging(context.Background(), config)
	if err != nil {
		exit(nil, "unable to configure logging with config: %v\n", err)
	}

	flush, err := configureReporting(config)
	if err != nil {
		exit(nil, "unable to configure error reporting with config: %v\n", err)
	}

	db, err := dbFromConfig(ctx, config)
	if err != nil {
		exit(err, "failed to construct database connection: %v\n", err)
	}

	return ctx, db, func() {
		db.Close()
		flush()
	}
}

func limit() int {
	if maxNumMigrations == nil {
		return 0
	}
	if *maxNumMigrations < 1 {
		exit(nil, "limit must be greater than or equal to 1\n")
	}
	return *maxNumMigrations
}

// RootCmd is the main command for the 'tmdb' binary.
var RootCmd = &cobra.Command{
	Use:   "tmdb",
	Short: "`tmdb`",
	Long:  "`tmdb` manages the tasking manager database",
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			version.PrintVersion()
			return
		}
		cmd.Usage()
	},
}

// DBCmd is the root of the `database` command.
var DBCmd = &cobra.Command{
	Use:   "database",
	Short: "Manages the tasking manager database",
	Long:  "Manages the tasking manager database",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Usage()
	},
}

// MigrateCmd is the `migrate` sub-command of `database` that manages database migrations.
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage migrations",
	Long:  "Manage migrations",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Usage()
	},
}

// MigrateUpCmd is the `up` sub-command of `database migrate` that applies pending migrations.
var MigrateUpCmd = &cobra.Command{
	Use:   "up <config>",
	Short: "Apply up migrations",
	Long:  "Apply up migrations",
	Run: func(cmd *cobra.Command, args []string) {
		n := limit()
		ctx, db, cleanup := setup(cmd, args)
		defer cleanup()

		if debugAddr != "" {
			dctx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				if err := debug.Serve(dctx, debugAddr); err != nil {
					log.GetLogger(ctx).WithError(err).Error("error listening on debug interface")
				}
			}()
		}

		var opts []migrations.MigratorOption
		if skipPostDeployment {
			opts = append(opts, migrations.SkipPostDeployment)
		}
		m := migrations.NewMigrator(db.DB, opts...)

		plan, err := m.UpNPlan(n)
		if err != nil {
			exit(err, "failed to prepare Up plan: %v\n", err)
		}
		if len(plan) == 0 {
			latest, err := m.LatestVersion()
			if err != nil {
				exit(err, "failed to detect latest migration: %v\n", err)
			}
			fmt.Printf("OK: database is up to date at %s\n", latest)
			return
		}
		fmt.Println(strings.Join(plan, "\n"))

		if !dryRun {
			start := time.Now()
			applied, err := m.UpN(ctx, n)
			if err != nil {
				exit(err, "failed to run database migrations: %v\n", err)
			}
			fmt.Printf("OK: applied %d migrations in %.3fs\n", applied, time.Since(start).Seconds())
		}
	},
}

// MigrateDownCmd is the `down` sub-command of `database migrate` that reverts applied migrations.
var MigrateDownCmd = &cobra.Command{
	Use:   "down <config>",
	Short: "Apply down migrations",
	Long:  "Apply down migrations",
	Run: func(cmd *cobra.Command, args []string) {
		n := limit()
		ctx, db, cleanup := setup(cmd, args)
		defer cleanup()

		m := migrations.NewMigrator(db.DB)
		plan, err := m.DownNPlan(n)
		if err != nil {
			exit(err, "failed to prepare Down plan: %v\n", err)
		}
		if len(plan) > 0 {
			fmt.Println(strings.Join(plan, "\n"))
		}

		if !dryRun && len(plan) > 0 {
			if !force && !confirm(os.Stdin, "Preparing to apply the above down migrations. Are you sure? [y/N] ") {
				return
			}

			start := time.Now()
			applied, err := m.DownN(ctx, n)
			if err != nil {
				exit(err, "failed to run database migrations: %v\n", err)
			}
			fmt.Printf("OK: applied %d migrations in %.3fs\n", applied, time.Since(start).Seconds())
		}
	},
}

var yesRegexp = regexp.MustCompile(`(?i)^y(es)?$`)

func confirm(r io.Reader, prompt string) bool {
	var response string
	fmt.Print(prompt)
	_, err := fmt.Fscanln(r, &response)
	if err != nil && errors.Is(err, io.EOF) {
		exit(nil, "failed to scan user input: %v\n", err)
	}

	return yesRegexp.MatchString(response)
}

// MigrateVersionCmd is the `version` sub-command of `database migrate` that shows the current migration version.
var MigrateVersionCmd = &cobra.Command{
	Use:   "version <config>",
	Short: "Show current migration version",
	Long:  "Show current migration version",
	Run: func(cmd *cobra.Command, args []string) {
		_, db, cleanup := setup(cmd, args)
		defer cleanup()

		m := migrations.NewMigrator(db.DB)
		v, err := m.Version()
		if err != nil {
			exit(err, "failed to detect database version: %v\n", err)
		}
		if v == "" {
			v = "Unknown"
		}

		fmt.Printf("%s\n", v)
	},
}

// statusRow is a row of the `database migrate status` output.
type statusRow struct {
	Migration      string `json:"migration" csv:"migration"`
	Unknown        bool   `json:"unknown" csv:"unknown"`
	PostDeployment bool   `json:"post_deployment" csv:"post_deployment"`
	AppliedAt      string `json:"applied_at,omitempty" csv:"applied_at"`
}

func statusRows(statuses map[string]*migrations.MigrationStatus, skipPostDeployment bool) []statusRow {
	// sorted by migration ID
	var ids []string
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([]statusRow, 0, len(ids))
	for _, id := range ids {
		s := statuses[id]
		if s.PostDeployment && skipPostDeployment {
			continue
		}
		row := statusRow{Migration: id, Unknown: s.Unknown, PostDeployment: s.PostDeployment}
		if s.AppliedAt != nil {
			row.AppliedAt = s.AppliedAt.String()
		}
		rows = append(rows, row)
	}

	return rows
}

func writeStatus(w io.Writer, rows []statusRow, format string) error {
	switch format {
	case "csv":
		b, err := csvutil.Marshal(rows)
		if err != nil {
			return fmt.Errorf("marshaling status: %w", err)
		}
		_, err = w.Write(b)
		return err
	case "json":
		return json.NewEncoder(w).Encode(rows)
	case "text":
		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"Migration", "Applied"})
		table.SetColWidth(80)

		for _, r := range rows {
			name := r.Migration
			if r.Unknown {
				name += " (unknown)"
			}
			if r.PostDeployment {
				name += " (post deployment)"
			}
			table.Append([]string{name, r.AppliedAt})
		}

		table.Render()
		return nil
	default:
		return fmt.Errorf("output option must be one of text, json, csv")
	}
}

// MigrateStatusCmd is the `status` sub-command of `database migrate` that shows the migrations status.
var MigrateStatusCmd = &cobra.Command{
	Use:   "status <config>",
	Short: "Show migration status",
	Long:  "Show migration status",
	Run: func(cmd *cobra.Command, args []string) {
		_, db, cleanup := setup(cmd, args)
		defer cleanup()

		var opts []migrations.MigratorOption
		if skipPostDeployment {
			opts = append(opts, migrations.SkipPostDeployment)
		}
		m := migrations.NewMigrator(db.DB, opts...)

		if upToDateCheck {
			pending, err := m.HasPending()
			if err != nil {
				exit(err, "failed to check database status: %v\n", err)
			}
			fmt.Println(!pending)
			return
		}

		statuses, err := m.Status()
		if err != nil {
			exit(err, "failed to detect database status: %v\n", err)
		}

		if err := writeStatus(os.Stdout, statusRows(statuses, skipPostDeployment), format); err != nil {
			exit(nil, "%v\n", err)
		}
	},
}

func writeOrganisations(w io.Writer, oo models.Organisations) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Organisation"})

	for _, o := range oo {
		table.Append([]string{strconv.FormatInt(o.ID, 10), o.Name})
	}

	table.Render()
}

// BackfillCmd is the `backfill` sub-command of `database` that groups data backfills.
var BackfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Run data backfills",
	Long:  "Run data backfills outside of the migration flow",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Usage()
	},
}

// BackfillOrganisationsCmd is the `organisations` sub-command of `database backfill` that normalizes project
// organisation tags into organisations.
var BackfillOrganisationsCmd = &cobra.Command{
	Use:   "organisations <config>",
	Short: "Backfill organisations from project organisation tags",
	Long: "Create one organisation per distinct project organisation tag and link projects to it.\n" +
		"With --down, unlink all projects and delete all named organisations instead.\n" +
		"The backfill runs in a single transaction, rolled back with --dry-run or --verify, and is\n" +
		"checked before committing.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, db, cleanup := setup(cmd, args)
		defer cleanup()

		l := log.GetLogger(ctx).WithFields(log.Fields{
			"database": db.Address(),
			"dry_run":  dryRun,
			"verify":   verifyOnly,
		})
		ctx = log.WithLogger(ctx, l)

		var oo models.Organisations
		err := datastore.WithTransaction(ctx, db, dryRun || verifyOnly, func(tx datastore.Queryer) error {
			b := datastore.NewOrganisationBackfill(tx)
			if revert {
				if !verifyOnly {
					if err := b.Downgrade(ctx); err != nil {
						return err
					}
				}
				return b.VerifyReverted(ctx)
			}

			if !verifyOnly {
				if err := b.Upgrade(ctx); err != nil {
					return err
				}
			}
			if err := b.Verify(ctx); err != nil {
				return err
			}

			var err error
			oo, err = datastore.NewOrganisationStore(tx).FindAll(ctx)
			return err
		})
		if errors.Is(err, datastore.ErrOrganisationExists) {
			exit(err, "failed to backfill organisations: %v\nthe backfill was already applied, revert it with --down first\n", err)
		}
		if err != nil {
			exit(err, "failed to backfill organisations: %v\n", err)
		}

		if !revert {
			writeOrganisations(os.Stdout, oo)
		}
		fmt.Println("OK")
	},
}
