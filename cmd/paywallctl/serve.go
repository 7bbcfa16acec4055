package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/paywall/pkg/api"
	"github.com/mihaimyh/paywall/pkg/paywall"
	"github.com/mihaimyh/paywall/pkg/settings"
)

type serveOptions struct {
	addr            string
	userHeader      string
	retryInterval   time.Duration
	shutdownTimeout time.Duration
}

func serveCmd(flags *globalFlags) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the purchase, webhook and transaction endpoints",
		Long: `Serve the payment API with Prometheus metrics and a background retry loop.

Routes:
  POST /purchases
  POST /webhooks/{provider}
  POST /admin/transactions/{id}/trigger-success
  GET  /transactions/{id}
  GET  /healthz
  GET  /metrics

The config file is watched; price and credential edits apply without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, flags, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&opts.userHeader, "user-header", "X-User-ID", "header carrying the authenticated user ID")
	cmd.Flags().DurationVar(&opts.retryInterval, "retry-interval", time.Minute, "how often queued side effects are retried (0 disables)")
	cmd.Flags().DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 10*time.Second, "graceful shutdown deadline")

	return cmd
}

func runServe(ctx context.Context, flags *globalFlags, opts *serveOptions, cmd *cobra.Command) error {
	a, err := newApp(ctx, flags, cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	defer a.Close()

	a.settings.OnChange(func(s settings.Settings) {
		a.logger.Info("price table updated",
			paywall.Field{Key: "currency", Value: s.Currency},
			paywall.Field{Key: "prices", Value: len(s.Prices)},
		)
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	manager, gateways, err := a.newManager(reg)
	if err != nil {
		return err
	}
	defer manager.Wait()

	handler, err := api.NewHandler(api.Config{
		Manager:   manager,
		GetUserID: api.FromHeader(opts.userHeader),
		IsAdmin: func(r *http.Request) bool {
			admin := a.settings.Settings().Admin
			return api.AdminFromHeader(admin.Header, admin.Token)(r)
		},
		Gateways: gateways,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              opts.addr,
		Handler:           newRouter(handler, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	retryDone := make(chan struct{})
	go func() {
		defer close(retryDone)
		runRetryLoop(ctx, manager.Reconciler(), opts.retryInterval)
	}()

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("listening", paywall.Field{Key: "addr", Value: opts.addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	<-retryDone
	return err
}

func newRouter(handler *api.Handler, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Mount("/", handler.Routes())
	return r
}

// runRetryLoop drains due retries every interval until ctx is done. A
// non-positive interval disables the loop.
func runRetryLoop(ctx context.Context, reconciler *paywall.Reconciler, interval time.Duration) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	reconciler.Run(ctx, interval)
}
