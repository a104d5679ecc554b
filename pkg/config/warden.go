package config

import "time"

// WardenConfig holds runtime configuration for the governance service.
type WardenConfig struct {
	Environment   string
	LogLevel      string
	Addr          string
	DatabaseURL   string
	MigrationsDir string

	// Token signing for JIT grant tokens handed back to the front-end.
	GrantTokenSecret string

	// Vault behaviour.
	VaultMaxAge          time.Duration
	VaultJanitorInterval time.Duration

	// Deployment session lifecycle.
	SessionTTL           time.Duration
	SessionSweepInterval time.Duration
	ApplyTimeout         time.Duration
	PlanTimeout          time.Duration

	// JIT permission sweep.
	JitSweepInterval time.Duration

	// External IaC engine.
	TerraformBin     string
	TerraformImage   string
	TerraformUseDock bool
	WorkspaceRoot    string

	// Optional Redis fan-out for governance events.
	EventsRedisAddr string
	EventsRedisPass string
	EventsRedisDB   int

	// Prometheus exposition endpoint; empty disables the listener.
	MetricsAddr string
}

// LoadConfig constructs a WardenConfig from environment variables.
func LoadConfig() WardenConfig {
	return WardenConfig{
		Environment:          GetString("APP_ENV", "development"),
		LogLevel:             GetString("LOG_LEVEL", "info"),
		Addr:                 GetString("LISTEN_ADDR", ":8080"),
		DatabaseURL:          GetString("DATABASE_URL", "postgres://warden:warden@db:5432/warden?sslmode=disable"),
		MigrationsDir:        GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		GrantTokenSecret:     GetString("GRANT_TOKEN_SECRET", "supersecuresecret"),
		VaultMaxAge:          GetSeconds("VAULT_MAX_AGE_SECONDS", 1800),
		VaultJanitorInterval: GetSeconds("VAULT_JANITOR_SECONDS", 300),
		SessionTTL:           GetSeconds("SESSION_TTL_SECONDS", 1800),
		SessionSweepInterval: GetSeconds("SESSION_SWEEP_SECONDS", 300),
		ApplyTimeout:         GetSeconds("APPLY_TIMEOUT_SECONDS", 900),
		PlanTimeout:          GetSeconds("PLAN_TIMEOUT_SECONDS", 300),
		JitSweepInterval:     GetSeconds("JIT_SWEEP_SECONDS", 60),
		TerraformBin:         GetString("TERRAFORM_BIN", "terraform"),
		TerraformImage:       GetString("TERRAFORM_IMAGE", "hashicorp/terraform:1.9"),
		TerraformUseDock:     GetBool("TERRAFORM_USE_DOCKER", false),
		WorkspaceRoot:        GetString("WORKSPACE_ROOT", "/var/lib/warden/workspaces"),
		EventsRedisAddr:      GetString("EVENTS_REDIS_ADDR", ""),
		EventsRedisPass:      GetString("EVENTS_REDIS_PASSWORD", ""),
		EventsRedisDB:        GetInt("EVENTS_REDIS_DB", 0),
		MetricsAddr:          GetString("METRICS_ADDR", ""),
	}
}
