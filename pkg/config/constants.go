package config

// EnvPrefix is empty because every tag carries its full variable name.
const EnvPrefix = ""

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	ClaimStrategyAuto       = "auto"
	ClaimStrategySkipLocked = "skip_locked"
	ClaimStrategyCAS        = "cas"
)

const (
	EnvAppEnv   = "EVENTRELAY_APP_ENV"
	EnvPort     = "EVENTRELAY_APP_PORT"
	EnvLogLevel = "EVENTRELAY_LOG_LEVEL"

	EnvDBDSN    = "EVENTRELAY_DB_DSN"
	EnvDBDriver = "EVENTRELAY_DB_DRIVER"
	EnvDBHost   = "EVENTRELAY_DB_HOST"
	EnvDBUser   = "EVENTRELAY_DB_USER"
	EnvDBName   = "EVENTRELAY_DB_NAME"

	EnvRedisURL = "EVENTRELAY_REDIS_URL"

	EnvJWTSecret  = "EVENTRELAY_JWT_SECRET"
	EnvJWTIssuer  = "EVENTRELAY_JWT_ISSUER"
	EnvJWTExpMins = "EVENTRELAY_JWT_EXPIRATION_MINUTES"

	EnvGCPProjectID = "EVENTRELAY_GCP_PROJECT_ID"

	EnvOutboxBatchSize      = "EVENTRELAY_OUTBOX_BATCH_SIZE"
	EnvOutboxClaimStrategy  = "EVENTRELAY_OUTBOX_CLAIM_STRATEGY"
	EnvOutboxStuckThreshold = "EVENTRELAY_OUTBOX_STUCK_THRESHOLD"
	EnvOutboxPoliciesFile   = "EVENTRELAY_OUTBOX_POLICIES_FILE"
	EnvOutboxRoutesFile     = "EVENTRELAY_OUTBOX_ROUTES_FILE"

	EnvWebhookSecrets = "EVENTRELAY_WEBHOOK_SECRETS"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
