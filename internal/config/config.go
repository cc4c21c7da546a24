package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mwhitford/bulwark/internal/models"
)

type Config struct {
	Database      DatabaseConfig
	Server        ServerConfig
	Auth          AuthConfig
	Throttle      ThrottleConfig
	Lockout       LockoutConfig
	TwoFactor     TwoFactorConfig
	Impersonation ImpersonationConfig
	Sweep         SweepConfig
	Notify        NotifyConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	TrustedProxies []string
}

type AuthConfig struct {
	JWTSecret            string
	AccessTokenExpiry    time.Duration
	ChallengeTokenExpiry time.Duration
	TimingBaseDelayMs    int
	TimingRandomDelayMs  int
}

type ThrottleConfig struct {
	// Tiers come from THROTTLE_TIERS as a comma-separated list of
	// threshold:max_attempts:decay_seconds triples, ordered by threshold.
	Tiers             []models.ThrottleTier
	OriginMaxAttempts int
	OriginDecay       time.Duration
}

type LockoutConfig struct {
	// Tiers come from LOCKOUT_TIERS as failed_count:duration pairs.
	Tiers []models.LockoutTier
}

type TwoFactorConfig struct {
	EncryptionKey      string
	Issuer             string
	Skew               int
	MaxAttempts        int
	AttemptDecay       time.Duration
	RecoveryCodeCount  int
	RecoveryCodeWarnAt int
}

type ImpersonationConfig struct {
	DefaultDuration    time.Duration
	GlobalCeiling      int
	PerAdminCeiling    int
	BlockedTargetRoles []string
	RequireTwoFactor   bool
	NotifyTarget       bool
}

type SweepConfig struct {
	Interval         time.Duration
	SessionRetention time.Duration
	LockoutRetention time.Duration
	AuditRetention   time.Duration
}

type NotifyConfig struct {
	Enabled     bool
	AWSRegion   string
	FromAddress string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	throttleTiers, err := ParseThrottleTiers(getEnv("THROTTLE_TIERS", "0:5:900,5:3:1800,10:1:3600"))
	if err != nil {
		return nil, fmt.Errorf("THROTTLE_TIERS: %w", err)
	}
	lockoutTiers, err := ParseLockoutTiers(getEnv("LOCKOUT_TIERS", "6:15m,10:45m,20:24h"))
	if err != nil {
		return nil, fmt.Errorf("LOCKOUT_TIERS: %w", err)
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "bulwark"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			TrustedProxies: getEnvAsList("TRUSTED_PROXIES"),
		},
		Auth: AuthConfig{
			JWTSecret:            jwtSecret,
			AccessTokenExpiry:    getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
			ChallengeTokenExpiry: getEnvAsDuration("CHALLENGE_TOKEN_EXPIRY", 5*time.Minute),
			TimingBaseDelayMs:    getEnvAsInt("TIMING_BASE_DELAY_MS", 200),
			TimingRandomDelayMs:  getEnvAsInt("TIMING_RANDOM_DELAY_MS", 100),
		},
		Throttle: ThrottleConfig{
			Tiers:             throttleTiers,
			OriginMaxAttempts: getEnvAsInt("ORIGIN_MAX_ATTEMPTS", 10),
			OriginDecay:       getEnvAsDuration("ORIGIN_DECAY", 15*time.Minute),
		},
		Lockout: LockoutConfig{
			Tiers: lockoutTiers,
		},
		TwoFactor: TwoFactorConfig{
			EncryptionKey:      getEnv("TWOFA_ENCRYPTION_KEY", ""),
			Issuer:             getEnv("TWOFA_ISSUER", "bulwark"),
			Skew:               getEnvAsInt("TWOFA_SKEW", 1),
			MaxAttempts:        getEnvAsInt("TWOFA_MAX_ATTEMPTS", 5),
			AttemptDecay:       getEnvAsDuration("TWOFA_ATTEMPT_DECAY", 10*time.Minute),
			RecoveryCodeCount:  getEnvAsInt("RECOVERY_CODE_COUNT", 10),
			RecoveryCodeWarnAt: getEnvAsInt("RECOVERY_CODE_WARN_AT", 3),
		},
		Impersonation: ImpersonationConfig{
			DefaultDuration:    getEnvAsDuration("IMPERSONATION_DURATION", 30*time.Minute),
			GlobalCeiling:      getEnvAsInt("IMPERSONATION_GLOBAL_CEILING", 10),
			PerAdminCeiling:    getEnvAsInt("IMPERSONATION_PER_ADMIN_CEILING", 2),
			BlockedTargetRoles: getEnvAsListWithDefault("IMPERSONATION_BLOCKED_ROLES", []string{"admin"}),
			RequireTwoFactor:   getEnvAsBool("IMPERSONATION_REQUIRE_2FA", true),
			NotifyTarget:       getEnvAsBool("IMPERSONATION_NOTIFY_TARGET", true),
		},
		Sweep: SweepConfig{
			Interval:         getEnvAsDuration("SWEEP_INTERVAL", time.Minute),
			SessionRetention: getEnvAsDuration("SESSION_RETENTION", 30*24*time.Hour),
			LockoutRetention: getEnvAsDuration("LOCKOUT_RETENTION", 7*24*time.Hour),
			AuditRetention:   getEnvAsDuration("AUDIT_RETENTION", 90*24*time.Hour),
		},
		Notify: NotifyConfig{
			Enabled:     getEnvAsBool("NOTIFY_ENABLED", false),
			AWSRegion:   getEnv("AWS_REGION", "us-east-1"),
			FromAddress: getEnv("NOTIFY_FROM_ADDRESS", ""),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}
	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}
	if len(cfg.TwoFactor.EncryptionKey) != 32 {
		return nil, fmt.Errorf("TWOFA_ENCRYPTION_KEY must be exactly 32 bytes (got %d)", len(cfg.TwoFactor.EncryptionKey))
	}
	if cfg.Notify.Enabled && cfg.Notify.FromAddress == "" {
		return nil, fmt.Errorf("NOTIFY_FROM_ADDRESS is required when NOTIFY_ENABLED is set")
	}
	if err := models.ValidateThrottleTiers(cfg.Throttle.Tiers); err != nil {
		return nil, fmt.Errorf("THROTTLE_TIERS: %w", err)
	}
	if err := models.ValidateLockoutTiers(cfg.Lockout.Tiers); err != nil {
		return nil, fmt.Errorf("LOCKOUT_TIERS: %w", err)
	}
	// The single-use mark on a verified challenge lives in the attempt counter
	// store for AttemptDecay. It must outlast the challenge token or a spent
	// token could be replayed for a second access token.
	if cfg.TwoFactor.AttemptDecay < cfg.Auth.ChallengeTokenExpiry {
		return nil, fmt.Errorf("TWOFA_ATTEMPT_DECAY (%s) must be at least CHALLENGE_TOKEN_EXPIRY (%s)",
			cfg.TwoFactor.AttemptDecay, cfg.Auth.ChallengeTokenExpiry)
	}

	return cfg, nil
}

// ParseThrottleTiers parses a comma-separated list of
// threshold:max_attempts:decay_seconds triples.
func ParseThrottleTiers(raw string) ([]models.ThrottleTier, error) {
	var tiers []models.ThrottleTier
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("tier %q: want threshold:max_attempts:decay_seconds", part)
		}
		threshold, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("tier %q: bad threshold: %w", part, err)
		}
		maxAttempts, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("tier %q: bad max attempts: %w", part, err)
		}
		decaySeconds, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("tier %q: bad decay: %w", part, err)
		}
		tiers = append(tiers, models.ThrottleTier{
			Threshold:   threshold,
			MaxAttempts: maxAttempts,
			Decay:       time.Duration(decaySeconds) * time.Second,
		})
	}
	return tiers, nil
}

// ParseLockoutTiers parses a comma-separated list of failed_count:duration
// pairs, where duration takes Go syntax ("15m", "24h").
func ParseLockoutTiers(raw string) ([]models.LockoutTier, error) {
	var tiers []models.LockoutTier
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ":", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("tier %q: want failed_count:duration", part)
		}
		count, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("tier %q: bad failed count: %w", part, err)
		}
		duration, err := time.ParseDuration(fields[1])
		if err != nil {
			return nil, fmt.Errorf("tier %q: bad duration: %w", part, err)
		}
		tiers = append(tiers, models.LockoutTier{FailedCount: count, Duration: duration})
	}
	return tiers, nil
}

// validateJWTSecret enforces minimum security standards for the signing secret
func validateJWTSecret(secret, env string) error {
	minLength := 16
	if env == "production" {
		minLength = 32
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}
	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func getEnvAsList(key string) []string {
	return getEnvAsListWithDefault(key, nil)
}

func getEnvAsListWithDefault(key string, defaultVal []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
