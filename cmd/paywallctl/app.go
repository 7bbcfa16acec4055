package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/paywall/pkg/gateway"
	gatewayprom "github.com/mihaimyh/paywall/pkg/gateway/metrics/prometheus"
	"github.com/mihaimyh/paywall/pkg/gateway/manualtest"
	"github.com/mihaimyh/paywall/pkg/gateway/stripe"
	"github.com/mihaimyh/paywall/pkg/paywall"
	pwzerolog "github.com/mihaimyh/paywall/pkg/paywall/logger/zerolog"
	paywallprom "github.com/mihaimyh/paywall/pkg/paywall/metrics/prometheus"
	"github.com/mihaimyh/paywall/pkg/settings"
	fsstorage "github.com/mihaimyh/paywall/storage/firestore"
	"github.com/mihaimyh/paywall/storage/memory"
	"github.com/mihaimyh/paywall/storage/postgres"
	redisstorage "github.com/mihaimyh/paywall/storage/redis"
	"github.com/mihaimyh/paywall/storage/tiered"
)

const metricsNamespace = "paywall"

// app is the wiring shared by subcommands that touch storage.
type app struct {
	settings *settings.Provider
	logger   *pwzerolog.Logger
	storage  paywall.Storage
	closers  []func() error
}

func loadSettings(flags *globalFlags, logger paywall.Logger, watch bool) (*settings.Provider, error) {
	return settings.Load(settings.Options{
		ConfigFile: flags.configFile,
		EnvFile:    flags.envFile,
		Watch:      watch,
		Logger:     logger,
	})
}

// newApp loads settings and opens the configured storage backend.
func newApp(ctx context.Context, flags *globalFlags, logOut io.Writer, watch bool) (*app, error) {
	logger := pwzerolog.New(logOut, flags.logLevel)

	provider, err := loadSettings(flags, logger, watch)
	if err != nil {
		return nil, err
	}

	a := &app{settings: provider, logger: logger}
	if err := a.openStorage(ctx, provider.Settings().Storage); err != nil {
		_ = a.Close()
		return nil, err
	}
	logger.Info("storage opened", paywall.Field{Key: "driver", Value: provider.Settings().Storage.Driver})
	return a, nil
}

func (a *app) openStorage(ctx context.Context, cfg settings.StorageSettings) error {
	switch cfg.Driver {
	case "memory":
		a.storage = memory.New()
		return nil
	case "postgres":
		pg, err := a.openPostgres(ctx, cfg)
		if err != nil {
			return err
		}
		a.storage = pg
		return nil
	case "redis":
		rs, err := a.openRedis(ctx, cfg)
		if err != nil {
			return err
		}
		a.storage = rs
		return nil
	case "firestore":
		if cfg.FirestoreProject == "" {
			return &paywall.ConfigurationError{Key: "storage.firestore_project", Message: "required for the firestore driver"}
		}
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return fmt.Errorf("failed to create firestore client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		fs, err := fsstorage.New(client, fsstorage.Config{})
		if err != nil {
			return err
		}
		a.storage = fs
		return nil
	case "tiered":
		cold, err := a.openPostgres(ctx, cfg)
		if err != nil {
			return err
		}
		hot, err := a.openRedis(ctx, cfg)
		if err != nil {
			return err
		}
		logger := a.logger
		ts, err := tiered.New(tiered.Config{
			Hot:              hot,
			Cold:             cold,
			AsyncGrantMirror: true,
			AsyncErrorHandler: func(err error) {
				logger.Error("grant mirror write failed", paywall.Field{Key: "error", Value: err})
			},
		})
		if err != nil {
			return err
		}
		// Drain the mirror queue before the backends close
		a.closers = append([]func() error{ts.Close}, a.closers...)
		a.storage = ts
		return nil
	default:
		return &paywall.ConfigurationError{Key: "storage.driver", Message: fmt.Sprintf("unknown driver %q", cfg.Driver)}
	}
}

func (a *app) openPostgres(ctx context.Context, cfg settings.StorageSettings) (*postgres.Storage, error) {
	if cfg.PostgresDSN == "" {
		return nil, &paywall.ConfigurationError{Key: "storage.postgres_dsn", Message: "required for the " + cfg.Driver + " driver"}
	}
	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = cfg.PostgresDSN
	pg, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	return pg, nil
}

func (a *app) openRedis(ctx context.Context, cfg settings.StorageSettings) (*redisstorage.Storage, error) {
	client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	rs, err := redisstorage.New(client, redisstorage.DefaultConfig())
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	a.closers = append(a.closers, rs.Close)
	if err := rs.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
	}
	return rs, nil
}

// gateways builds the Stripe and manual test adapters from live settings.
// Stripe is the purchase gateway once a secret key is set; until then the
// manual test gateway serves local development.
func (a *app) gateways(reg prometheus.Registerer) (gateway.Gateway, map[string]gateway.Gateway, error) {
	var metrics gateway.Metrics = &gateway.NoopMetrics{}
	if reg != nil {
		metrics = gatewayprom.NewMetrics(reg, metricsNamespace)
	}

	sp, err := stripe.NewProvider(stripe.Config{
		Config: gateway.Config{
			Credentials:         a.settings,
			AllowUnverifiedFunc: a.settings.AllowUnverified,
			Metrics:             metrics,
		},
	})
	if err != nil {
		return nil, nil, err
	}
	mt := manualtest.New(gateway.Config{
		Credentials:         a.settings.ManualTestCredentials(),
		AllowUnverifiedFunc: a.settings.AllowUnverified,
		Metrics:             metrics,
	})

	all := map[string]gateway.Gateway{
		sp.Name(): sp,
		mt.Name(): mt,
	}
	if a.settings.APIKey() != "" {
		return sp, all, nil
	}
	a.logger.Warn("stripe secret key not set, purchases use the manual test gateway")
	return mt, all, nil
}

// newManager wires the pipeline over the opened storage.
func (a *app) newManager(reg prometheus.Registerer) (*paywall.Manager, map[string]gateway.Gateway, error) {
	primary, all, err := a.gateways(reg)
	if err != nil {
		return nil, nil, err
	}

	cfg := paywall.DefaultConfig()
	cfg.Gateway = primary
	cfg.Pricing = a.settings
	cfg.Logger = a.logger
	cfg.CacheConfig = &paywall.CacheConfig{Enabled: true}
	cfg.CircuitBreakerConfig = &paywall.CircuitBreakerConfig{Enabled: true}
	if reg != nil {
		cfg.Metrics = paywallprom.NewMetrics(reg, metricsNamespace)
	}

	manager, err := paywall.NewManager(a.storage, cfg)
	if err != nil {
		return nil, nil, err
	}
	return manager, all, nil
}

// Close releases storage in reverse dependency order.
func (a *app) Close() error {
	var errs []error
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
