package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App      AppConfig
	Service  ServiceConfig
	DB       DBConfig
	Redis    RedisConfig
	JWT      JWTConfig
	GCP      GCPConfig
	Outbox   OutboxConfig
	Inbox    InboxConfig
	Webhooks WebhookConfig
	Cron     CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Outbox.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"EVENTRELAY_APP_ENV" required:"true"`
	Port         string `envconfig:"EVENTRELAY_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"EVENTRELAY_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"EVENTRELAY_LOG_WARN_STACK" default:"false"`
	AutoMigrate  bool   `envconfig:"EVENTRELAY_AUTO_MIGRATE" default:"false"`
	MetricsPort  string `envconfig:"EVENTRELAY_METRICS_PORT" default:"9090"`

	// CORSOrigins lists the admin dashboard origins allowed to call /api/admin.
	CORSOrigins []string `envconfig:"EVENTRELAY_CORS_ORIGINS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"EVENTRELAY_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"EVENTRELAY_DB_DSN"`
	Driver string `envconfig:"EVENTRELAY_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"EVENTRELAY_DB_HOST"`
	LegacyPort     int    `envconfig:"EVENTRELAY_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"EVENTRELAY_DB_USER"`
	LegacyPassword string `envconfig:"EVENTRELAY_DB_PASSWORD"`
	LegacyName     string `envconfig:"EVENTRELAY_DB_NAME"`
	LegacySSLMode  string `envconfig:"EVENTRELAY_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"EVENTRELAY_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"EVENTRELAY_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"EVENTRELAY_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"EVENTRELAY_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// IsSQLite reports whether the configured driver is SQLite.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(strings.TrimSpace(db.Driver), DriverSQLite)
}

type RedisConfig struct {
	URL          string        `envconfig:"EVENTRELAY_REDIS_URL"`
	Address      string        `envconfig:"EVENTRELAY_REDIS_ADDR"`
	Password     string        `envconfig:"EVENTRELAY_REDIS_PASSWORD"`
	DB           int           `envconfig:"EVENTRELAY_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"EVENTRELAY_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"EVENTRELAY_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"EVENTRELAY_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"EVENTRELAY_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"EVENTRELAY_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Enabled reports whether any Redis endpoint is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Address) != ""
}

type JWTConfig struct {
	Secret            string `envconfig:"EVENTRELAY_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"EVENTRELAY_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"EVENTRELAY_JWT_EXPIRATION_MINUTES" default:"60"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"EVENTRELAY_GCP_PROJECT_ID"`
}

type OutboxConfig struct {
	BatchSize        int           `envconfig:"EVENTRELAY_OUTBOX_BATCH_SIZE" default:"50"`
	PollIntervalMS   int           `envconfig:"EVENTRELAY_OUTBOX_POLL_MS" default:"500"`
	MaxBackoffMS     int           `envconfig:"EVENTRELAY_OUTBOX_MAX_BACKOFF_MS" default:"10000"`
	DispatchTimeout  time.Duration `envconfig:"EVENTRELAY_OUTBOX_DISPATCH_TIMEOUT" default:"30s"`
	ClaimStrategy    string        `envconfig:"EVENTRELAY_OUTBOX_CLAIM_STRATEGY" default:"auto"`
	StuckThreshold   time.Duration `envconfig:"EVENTRELAY_OUTBOX_STUCK_THRESHOLD" default:"5m"`
	AutoReleaseStuck bool          `envconfig:"EVENTRELAY_OUTBOX_AUTO_RELEASE_STUCK" default:"false"`
	PoliciesFile     string        `envconfig:"EVENTRELAY_OUTBOX_POLICIES_FILE"`
	RoutesFile       string        `envconfig:"EVENTRELAY_OUTBOX_ROUTES_FILE"`
	RetentionDays    int           `envconfig:"EVENTRELAY_OUTBOX_RETENTION_DAYS" default:"0"`
}

// PollInterval returns the idle sleep between polls.
func (o OutboxConfig) PollInterval() time.Duration {
	return time.Duration(o.PollIntervalMS) * time.Millisecond
}

// MaxBackoff returns the ceiling applied to the worker's error backoff.
func (o OutboxConfig) MaxBackoff() time.Duration {
	return time.Duration(o.MaxBackoffMS) * time.Millisecond
}

func (o OutboxConfig) validate() error {
	if o.BatchSize <= 0 {
		return fmt.Errorf("%s must be positive", EnvOutboxBatchSize)
	}
	switch strings.ToLower(strings.TrimSpace(o.ClaimStrategy)) {
	case ClaimStrategyAuto, ClaimStrategySkipLocked, ClaimStrategyCAS:
	default:
		return fmt.Errorf("%s must be one of auto, skip_locked, cas (got %q)", EnvOutboxClaimStrategy, o.ClaimStrategy)
	}
	if o.StuckThreshold <= 0 {
		return fmt.Errorf("%s must be positive", EnvOutboxStuckThreshold)
	}
	return nil
}

type InboxConfig struct {
	ReconcileAfter time.Duration `envconfig:"EVENTRELAY_INBOX_RECONCILE_AFTER" default:"15m"`
	ReconcileLimit int           `envconfig:"EVENTRELAY_INBOX_RECONCILE_LIMIT" default:"100"`
}

type WebhookConfig struct {
	// Secrets maps a source name to its HMAC signing secret (source:secret,source2:secret2).
	Secrets map[string]string `envconfig:"EVENTRELAY_WEBHOOK_SECRETS"`
}

// SecretFor returns the signing secret configured for source.
func (w WebhookConfig) SecretFor(source string) (string, bool) {
	secret, ok := w.Secrets[strings.ToLower(strings.TrimSpace(source))]
	if !ok || secret == "" {
		return "", false
	}
	return secret, true
}

type CronConfig struct {
	Interval time.Duration `envconfig:"EVENTRELAY_CRON_INTERVAL" default:"1m"`
	LockTTL  time.Duration `envconfig:"EVENTRELAY_CRON_LOCK_TTL" default:"5m"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
