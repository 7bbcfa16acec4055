// Package settings loads the admin-configured price table and gateway
// credentials from paywall.yaml, PAYWALL_* environment variables and an
// optional .env file. The file is watched and a valid edit replaces the
// active snapshot without a restart.
package settings

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/mihaimyh/paywall/pkg/gateway"
	"github.com/mihaimyh/paywall/pkg/paywall"
)

// EnvPrefix namespaces environment overrides, e.g. PAYWALL_PRICES_FEATURE.
const EnvPrefix = "PAYWALL"

// Settings is an immutable snapshot of the loaded configuration.
type Settings struct {
	Currency        string
	FeatureDays     int
	Prices          map[paywall.Purpose]decimal.Decimal
	AllowUnverified bool

	Stripe     Credentials
	ManualTest Credentials

	Storage StorageSettings
	Admin   AdminSettings
}

// Credentials holds one processor's secrets.
type Credentials struct {
	SecretKey     string
	WebhookSecret string
}

// StorageSettings selects and addresses the storage backend.
type StorageSettings struct {
	// Driver is memory, postgres, redis, firestore or tiered. Tiered keeps
	// the ledger in Postgres and mirrors grants to Redis.
	Driver           string
	PostgresDSN      string
	RedisAddr        string
	FirestoreProject string
}

// AdminSettings configures the manual trigger endpoint.
type AdminSettings struct {
	Header string
	Token  string
}

// Options controls where settings are read from.
type Options struct {
	// ConfigFile is an explicit config path. If empty, ConfigName is looked
	// up in SearchPaths.
	ConfigFile string

	// ConfigName is the file name without extension (default: "paywall")
	ConfigName string

	// SearchPaths are directories searched for ConfigName (default: ".", "/etc/paywall")
	SearchPaths []string

	// EnvFile is loaded into the process environment first if it exists (default: ".env")
	EnvFile string

	// Watch enables hot reload of the config file.
	Watch bool

	// Logger receives reload results (default: NoopLogger)
	Logger paywall.Logger
}

// Provider serves the current Settings snapshot. It implements
// paywall.ConfigProvider and, for Stripe, gateway.Credentials.
type Provider struct {
	v       *viper.Viper
	current atomic.Value // holds Settings
	logger  paywall.Logger

	mu       sync.Mutex
	onChange []func(Settings)
}

// Load reads settings once and, if opts.Watch is set, keeps them current.
func Load(opts Options) (*Provider, error) {
	if opts.ConfigName == "" {
		opts.ConfigName = "paywall"
	}
	if len(opts.SearchPaths) == 0 {
		opts.SearchPaths = []string{".", "/etc/paywall"}
	}
	if opts.EnvFile == "" {
		opts.EnvFile = ".env"
	}
	if opts.Logger == nil {
		opts.Logger = &paywall.NoopLogger{}
	}

	// Existing environment variables win over .env entries.
	if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", opts.EnvFile, err)
	}

	v := viper.New()
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName(opts.ConfigName)
		v.SetConfigType("yaml")
		for _, path := range opts.SearchPaths {
			v.AddConfigPath(path)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No file: defaults and environment only
		fileLoaded = false
	}

	s, err := parse(v)
	if err != nil {
		return nil, err
	}

	p := &Provider{v: v, logger: opts.Logger}
	p.current.Store(s)

	if opts.Watch && fileLoaded {
		v.OnConfigChange(func(e fsnotify.Event) {
			p.reload(e.Name)
		})
		v.WatchConfig()
	}
	return p, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("currency", paywall.DefaultCurrency)
	v.SetDefault("feature_days", paywall.DefaultFeatureDays)
	for _, purpose := range paywall.Purposes {
		v.SetDefault("prices."+string(purpose), "")
	}
	v.SetDefault("allow_unverified", false)
	v.SetDefault("stripe.secret_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("manual_test.webhook_secret", "")
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.redis_addr", "localhost:6379")
	v.SetDefault("storage.firestore_project", "")
	v.SetDefault("admin.header", "X-Admin-Token")
	v.SetDefault("admin.token", "")
}

func parse(v *viper.Viper) (Settings, error) {
	s := Settings{
		Currency:        strings.ToUpper(strings.TrimSpace(v.GetString("currency"))),
		FeatureDays:     v.GetInt("feature_days"),
		Prices:          make(map[paywall.Purpose]decimal.Decimal),
		AllowUnverified: v.GetBool("allow_unverified"),
		Stripe: Credentials{
			SecretKey:     strings.TrimSpace(v.GetString("stripe.secret_key")),
			WebhookSecret: strings.TrimSpace(v.GetString("stripe.webhook_secret")),
		},
		ManualTest: Credentials{
			WebhookSecret: strings.TrimSpace(v.GetString("manual_test.webhook_secret")),
		},
		Storage: StorageSettings{
			Driver:           strings.ToLower(v.GetString("storage.driver")),
			PostgresDSN:      v.GetString("storage.postgres_dsn"),
			RedisAddr:        v.GetString("storage.redis_addr"),
			FirestoreProject: v.GetString("storage.firestore_project"),
		},
		Admin: AdminSettings{
			Header: v.GetString("admin.header"),
			Token:  v.GetString("admin.token"),
		},
	}

	for _, purpose := range paywall.Purposes {
		raw := strings.TrimSpace(v.GetString("prices." + string(purpose)))
		if raw == "" {
			continue
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return Settings{}, &paywall.ConfigurationError{Key: "prices." + string(purpose), Message: fmt.Sprintf("invalid price %q", raw)}
		}
		if !amount.IsPositive() {
			return Settings{}, &paywall.ConfigurationError{Key: "prices." + string(purpose), Message: "price must be positive"}
		}
		s.Prices[purpose] = amount
	}

	if len(s.Currency) != 3 {
		return Settings{}, &paywall.ConfigurationError{Key: "currency", Message: fmt.Sprintf("invalid ISO 4217 code %q", s.Currency)}
	}
	if s.FeatureDays < 0 {
		return Settings{}, &paywall.ConfigurationError{Key: "feature_days", Message: "must not be negative"}
	}
	switch s.Storage.Driver {
	case "memory", "postgres", "redis", "firestore", "tiered":
	default:
		return Settings{}, &paywall.ConfigurationError{Key: "storage.driver", Message: fmt.Sprintf("unknown driver %q", s.Storage.Driver)}
	}
	return s, nil
}

// reload parses the re-read file. An invalid edit is logged and ignored.
func (p *Provider) reload(source string) {
	s, err := parse(p.v)
	if err != nil {
		p.logger.Error("Settings reload rejected",
			paywall.Field{Key: "source", Value: source},
			paywall.Field{Key: "error", Value: err.Error()},
		)
		return
	}
	p.current.Store(s)
	p.logger.Info("Settings reloaded", paywall.Field{Key: "source", Value: source})

	p.mu.Lock()
	listeners := append([]func(Settings){}, p.onChange...)
	p.mu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
}

// OnChange registers fn to run after every successful reload.
func (p *Provider) OnChange(fn func(Settings)) {
	p.mu.Lock()
	p.onChange = append(p.onChange, fn)
	p.mu.Unlock()
}

// Settings returns the active snapshot.
func (p *Provider) Settings() Settings {
	return p.current.Load().(Settings)
}

// Price implements paywall.ConfigProvider
func (p *Provider) Price(purpose paywall.Purpose) (decimal.Decimal, bool) {
	amount, ok := p.Settings().Prices[purpose]
	return amount, ok
}

// Currency implements paywall.ConfigProvider
func (p *Provider) Currency() string {
	return p.Settings().Currency
}

// FeatureDays implements paywall.ConfigProvider
func (p *Provider) FeatureDays() int {
	return p.Settings().FeatureDays
}

// APIKey implements gateway.Credentials with the Stripe secret key.
func (p *Provider) APIKey() string {
	return p.Settings().Stripe.SecretKey
}

// WebhookSecret implements gateway.Credentials with the Stripe signing secret.
func (p *Provider) WebhookSecret() string {
	return p.Settings().Stripe.WebhookSecret
}

// AllowUnverified reports whether unsigned webhooks are accepted when no
// secret is set.
func (p *Provider) AllowUnverified() bool {
	return p.Settings().AllowUnverified
}

// ManualTestCredentials returns live credentials for the manual test gateway.
func (p *Provider) ManualTestCredentials() gateway.Credentials {
	return manualTestCredentials{p}
}

type manualTestCredentials struct{ p *Provider }

func (c manualTestCredentials) APIKey() string        { return "" }
func (c manualTestCredentials) WebhookSecret() string { return c.p.Settings().ManualTest.WebhookSecret }

var (
	_ paywall.ConfigProvider = (*Provider)(nil)
	_ gateway.Credentials    = (*Provider)(nil)
)
