package metrics

import "github.com/docker/go-metrics"

const (
	// NamespacePrefix is the namespace of prometheus metrics
	NamespacePrefix = "tmdb"
)

// DatabaseNamespace is the namespace for database query metrics.
var DatabaseNamespace = metrics.NewNamespace(NamespacePrefix, "database", nil)
