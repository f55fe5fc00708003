package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sparesparrow/lifecycle/errors"
	"github.com/sparesparrow/lifecycle/lifecycle"
	"github.com/sparesparrow/lifecycle/logging"
	"github.com/sparesparrow/lifecycle/metrics"
	"github.com/sparesparrow/lifecycle/registry"
)

const shutdownTimeout = 10 * time.Second

func (a *app) newServeCommand() *cobra.Command {
	var (
		listen   string
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run periodic retention sweeps and serve Prometheus metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sys, err := a.system(cmd)
			if err != nil {
				return err
			}
			if listen == "" {
				listen = sys.Config().Server.Listen
			}
			if interval <= 0 {
				interval = sys.Config().Server.SweepInterval
			}
			return serve(ctx, sys, listen, interval)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Metrics listen address (defaults to the configured one)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Sweep interval (defaults to the configured one)")
	return cmd
}

func serve(ctx context.Context, sys *lifecycle.System, listen string, interval time.Duration) error {
	log := sys.Logger().With("component", "server")

	handler, err := newRouter(sys)
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: listen, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info(ctx, "serving metrics", "listen", listen)
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, errors.CodeIOFailure, "metrics server failed")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return sweepLoop(ctx, sys, log, interval)
	})
	return g.Wait()
}

// newRouter exposes metrics and read-only lifecycle state.
func newRouter(sys *lifecycle.System) (http.Handler, error) {
	metricsHandler, err := metrics.Handler(sys.Metrics())
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to register metrics collector")
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	r.Group(func(r chi.Router) {
		r.Use(refreshRegistry(sys.Registry()))
		r.Get("/report", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, sys.Report())
		})
		r.Get("/retention", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, sys.Retention().Status())
		})
		r.Get("/artifacts/{id}", func(w http.ResponseWriter, req *http.Request) {
			art, err := sys.Registry().Get(chi.URLParam(req, "id"))
			if err != nil {
				status := http.StatusInternalServerError
				if errors.GetCode(err) == errors.CodeNotFound {
					status = http.StatusNotFound
				}
				writeJSON(w, status, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, art)
		})
	})
	return r, nil
}

// refreshRegistry re-reads the registry document before each request so
// records written by the CLI are visible.
func refreshRegistry(reg *registry.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if err := reg.Refresh(req.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = printJSON(w, v)
}

// sweepLoop sweeps once immediately and then every interval until ctx is
// done. Sweep errors are logged; they do not stop the loop.
func sweepLoop(ctx context.Context, sys *lifecycle.System, log *logging.Logger, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := sys.Sweep(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			log.Error(ctx, "retention sweep failed", "error", err.Error())
		default:
			log.Info(ctx, "retention sweep complete",
				"evicted", len(report.Evicted),
				"failed", len(report.Failed),
				"cleanup_retried", len(report.CleanupRetried))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
