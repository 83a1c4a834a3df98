// Package debug serves metrics and profiling endpoints while a long running
// command is in progress.
package debug

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/pprof"

	"github.com/docker/go-metrics"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/hotosm/tmdb/log"
	"github.com/sirupsen/logrus"
)

// Router builds the debug routes. Requests are logged to w in Apache
// combined log format.
func Router(w io.Writer) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/debug/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	pr := r.PathPrefix("/debug/pprof").Subrouter()
	pr.HandleFunc("/cmdline", pprof.Cmdline)
	pr.HandleFunc("/profile", pprof.Profile)
	pr.HandleFunc("/symbol", pprof.Symbol)
	pr.HandleFunc("/trace", pprof.Trace)
	pr.PathPrefix("/").HandlerFunc(pprof.Index)

	return handlers.CombinedLoggingHandler(w, r)
}

// logWriter returns the writer receiving the access log of the debug server.
var logWriter = func(l log.Logger) io.WriteCloser {
	return l.LogrusEntry().WriterLevel(logrus.DebugLevel)
}

// Serve runs the debug server on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	l := log.GetLogger(ctx).WithFields(log.Fields{"address": addr})
	w := logWriter(l)
	defer w.Close()

	srv := &http.Server{
		Addr:    addr,
		Handler: Router(w),
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	l.Info("debug server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
