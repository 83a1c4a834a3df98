package metrics

import (
	"time"

	"github.com/docker/go-metrics"
	tmdbmetrics "github.com/hotosm/tmdb/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	queryDurationTimer metrics.LabeledTimer
	queryTotal         metrics.LabeledCounter

	backfillCounter  *prometheus.CounterVec
	migrationCounter *prometheus.CounterVec

	timeSince = time.Since // for test purposes only
)

const (
	backfillSubsystem  = "backfill"
	migrationSubsystem = "migrations"

	queryNameLabel = "name"
	operationLabel = "operation"
	directionLabel = "direction"

	queryDurationName = "query_duration"
	queryDurationDesc = "A histogram of latencies for database queries."
	queryTotalName    = "queries"
	queryTotalDesc    = "A counter for database queries."

	backfillRowsName = "rows_total"
	backfillRowsDesc = "A counter of rows touched by the organisation backfill, per operation."

	migrationsAppliedName = "applied_total"
	migrationsAppliedDesc = "A counter of applied migrations, per direction."
)

// Backfill operations.
const (
	OrganisationCreated = "organisation_created"
	OrganisationDeleted = "organisation_deleted"
	ProjectLinked       = "project_linked"
	ProjectUnlinked     = "project_unlinked"
	TagSkipped          = "tag_skipped"
)

func init() {
	ns := tmdbmetrics.DatabaseNamespace
	queryDurationTimer = ns.NewLabeledTimer(queryDurationName, queryDurationDesc, queryNameLabel)
	queryTotal = ns.NewLabeledCounter(queryTotalName, queryTotalDesc, queryNameLabel)
	metrics.Register(ns)

	backfillCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: tmdbmetrics.NamespacePrefix,
			Subsystem: backfillSubsystem,
			Name:      backfillRowsName,
			Help:      backfillRowsDesc,
		},
		[]string{operationLabel},
	)

	migrationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: tmdbmetrics.NamespacePrefix,
			Subsystem: migrationSubsystem,
			Name:      migrationsAppliedName,
			Help:      migrationsAppliedDesc,
		},
		[]string{directionLabel},
	)

	prometheus.MustRegister(backfillCounter)
	prometheus.MustRegister(migrationCounter)
}

// InstrumentQuery counts a query and returns a function that records its
// duration. Use it as `defer metrics.InstrumentQuery("name")()`.
func InstrumentQuery(name string) func() {
	start := time.Now()
	queryTotal.WithValues(name).Inc(1)

	return func() {
		queryDurationTimer.WithValues(name).Update(timeSince(start))
	}
}

// Backfill adds n to the counter of the given backfill operation.
func Backfill(operation string, n int64) {
	if n <= 0 {
		return
	}
	backfillCounter.WithLabelValues(operation).Add(float64(n))
}

// MigrationApplied counts one applied migration in the given direction.
func MigrationApplied(direction string) {
	migrationCounter.WithLabelValues(direction).Inc()
}
