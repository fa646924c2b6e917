package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
)

// Trace exporters.
const (
	TracingNone   = "none"
	TracingStdout = "stdout"
)

// Config captures environment driven configuration values for the scheduler service.
type Config struct {
	HTTPPort       int
	Storage        string
	SQLiteDSN      string
	CredentialsKey string
	RedisAddr      string
	LogLevel       string
	Timezone       *time.Location
	Tracing        string

	ProviderTimeout time.Duration
	ProviderRPS     float64

	SyncInterval    time.Duration
	SyncConcurrency int
	SyncLookback    time.Duration
	SyncLookahead   time.Duration
	MinSlotGap      time.Duration

	NotificationInterval time.Duration
	ConfirmationWindow   time.Duration

	Providers Providers
}

// OAuthClient holds the OAuth client registration of one provider.
type OAuthClient struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
	Tenant       string `yaml:"tenant,omitempty"`
}

// Configured reports whether the client can drive an OAuth flow.
func (c OAuthClient) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// CalDAVServer points at the CalDAV endpoint used for Apple calendars.
type CalDAVServer struct {
	Endpoint string `yaml:"endpoint"`
}

// Providers is the per-provider section of the providers file.
type Providers struct {
	Google    OAuthClient  `yaml:"google"`
	Microsoft OAuthClient  `yaml:"microsoft"`
	Apple     CalDAVServer `yaml:"apple"`
}

// Load parses configuration values from the current process environment.
//
// The loader applies defaults for optional fields and reports every missing
// and invalid entry at once.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:             8080,
		Storage:              StorageSQLite,
		SQLiteDSN:            "scheduler.db",
		LogLevel:             "info",
		Timezone:             time.UTC,
		Tracing:              TracingNone,
		ProviderTimeout:      15 * time.Second,
		ProviderRPS:          5,
		SyncInterval:         15 * time.Minute,
		SyncConcurrency:      4,
		SyncLookback:         7 * 24 * time.Hour,
		SyncLookahead:        60 * 24 * time.Hour,
		NotificationInterval: 5 * time.Minute,
		ConfirmationWindow:   48 * time.Hour,
	}

	p := &parser{}

	if port, ok := p.int("SCHEDULER_HTTP_PORT", 1); ok {
		cfg.HTTPPort = port
	}

	if storage := env("SCHEDULER_STORAGE"); storage != "" {
		switch storage = strings.ToLower(storage); storage {
		case StorageSQLite, StorageMemory:
			cfg.Storage = storage
		default:
			p.invalid = append(p.invalid, "SCHEDULER_STORAGE")
		}
	}

	if dsn := env("SCHEDULER_SQLITE_DSN"); dsn != "" {
		cfg.SQLiteDSN = dsn
	}

	if key := env("SCHEDULER_CREDENTIALS_KEY"); key == "" {
		p.missing = append(p.missing, "SCHEDULER_CREDENTIALS_KEY")
	} else {
		cfg.CredentialsKey = key
	}

	cfg.RedisAddr = env("SCHEDULER_REDIS_ADDR")

	if level := env("SCHEDULER_LOG_LEVEL"); level != "" {
		cfg.LogLevel = strings.ToLower(level)
	}

	if name := env("SCHEDULER_TIMEZONE"); name != "" {
		loc, err := time.LoadLocation(name)
		if err != nil {
			p.invalid = append(p.invalid, "SCHEDULER_TIMEZONE")
		} else {
			cfg.Timezone = loc
		}
	}

	if tracing := env("SCHEDULER_TRACING"); tracing != "" {
		switch tracing = strings.ToLower(tracing); tracing {
		case TracingNone, TracingStdout:
			cfg.Tracing = tracing
		default:
			p.invalid = append(p.invalid, "SCHEDULER_TRACING")
		}
	}

	if d, ok := p.duration("SCHEDULER_PROVIDER_TIMEOUT", false); ok {
		cfg.ProviderTimeout = d
	}
	if v := env("SCHEDULER_PROVIDER_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil || rps <= 0 {
			p.invalid = append(p.invalid, "SCHEDULER_PROVIDER_RPS")
		} else {
			cfg.ProviderRPS = rps
		}
	}
	if d, ok := p.duration("SCHEDULER_SYNC_INTERVAL", false); ok {
		cfg.SyncInterval = d
	}
	if n, ok := p.int("SCHEDULER_SYNC_CONCURRENCY", 1); ok {
		cfg.SyncConcurrency = n
	}
	if d, ok := p.duration("SCHEDULER_SYNC_LOOKBACK", false); ok {
		cfg.SyncLookback = d
	}
	if d, ok := p.duration("SCHEDULER_SYNC_LOOKAHEAD", false); ok {
		cfg.SyncLookahead = d
	}
	if d, ok := p.duration("SCHEDULER_MIN_SLOT_GAP", true); ok {
		cfg.MinSlotGap = d
	}
	if d, ok := p.duration("SCHEDULER_NOTIFICATION_INTERVAL", false); ok {
		cfg.NotificationInterval = d
	}
	if d, ok := p.duration("SCHEDULER_CONFIRMATION_WINDOW", false); ok {
		cfg.ConfirmationWindow = d
	}

	var fileErr error
	if path := env("SCHEDULER_PROVIDERS_FILE"); path != "" {
		providers, err := LoadProviders(path)
		if err != nil {
			fileErr = err
		} else {
			cfg.Providers = providers
		}
	}
	cfg.Providers.applyEnv()

	var errs []error
	if len(p.missing) > 0 {
		errs = append(errs, fmt.Errorf("必須の環境変数が設定されていません: %s", strings.Join(p.missing, ", ")))
	}
	if len(p.invalid) > 0 {
		errs = append(errs, fmt.Errorf("環境変数の値が不正です: %s", strings.Join(p.invalid, ", ")))
	}
	if fileErr != nil {
		errs = append(errs, fileErr)
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}

	return cfg, nil
}

// LoadProviders reads the YAML providers file.
func LoadProviders(path string) (Providers, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Providers{}, fmt.Errorf("プロバイダ設定ファイルを読み込めません: %w", err)
	}
	var providers Providers
	if err := yaml.Unmarshal(raw, &providers); err != nil {
		return Providers{}, fmt.Errorf("プロバイダ設定ファイルの形式が不正です: %w", err)
	}
	return providers, nil
}

// applyEnv lets individual environment variables override the providers file.
func (p *Providers) applyEnv() {
	override(&p.Google.ClientID, "SCHEDULER_GOOGLE_CLIENT_ID")
	override(&p.Google.ClientSecret, "SCHEDULER_GOOGLE_CLIENT_SECRET")
	override(&p.Google.RedirectURL, "SCHEDULER_GOOGLE_REDIRECT_URL")
	override(&p.Microsoft.ClientID, "SCHEDULER_MICROSOFT_CLIENT_ID")
	override(&p.Microsoft.ClientSecret, "SCHEDULER_MICROSOFT_CLIENT_SECRET")
	override(&p.Microsoft.RedirectURL, "SCHEDULER_MICROSOFT_REDIRECT_URL")
	override(&p.Microsoft.Tenant, "SCHEDULER_MICROSOFT_TENANT")
	override(&p.Apple.Endpoint, "SCHEDULER_CALDAV_ENDPOINT")
}

func override(dst *string, key string) {
	if v := env(key); v != "" {
		*dst = v
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

type parser struct {
	missing []string
	invalid []string
}

func (p *parser) int(key string, min int) (int, bool) {
	v := env(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min {
		p.invalid = append(p.invalid, key)
		return 0, false
	}
	return n, true
}

func (p *parser) duration(key string, allowZero bool) (time.Duration, bool) {
	v := env(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		p.invalid = append(p.invalid, key)
		return 0, false
	}
	return d, true
}
