package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/hotosm/tmdb/tmdb"
)

func main() {
	// nolint: errcheck
	tmdb.RootCmd.Execute()
}
