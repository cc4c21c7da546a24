package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/mwhitford/bulwark/internal/auth"
	"github.com/mwhitford/bulwark/internal/background"
	"github.com/mwhitford/bulwark/internal/config"
	"github.com/mwhitford/bulwark/internal/database"
	"github.com/mwhitford/bulwark/internal/handlers"
	"github.com/mwhitford/bulwark/internal/lockout"
	middlewareCustom "github.com/mwhitford/bulwark/internal/middleware"
	"github.com/mwhitford/bulwark/internal/models"
	"github.com/mwhitford/bulwark/internal/ratelimit"
	"github.com/mwhitford/bulwark/internal/repositories"
	"github.com/mwhitford/bulwark/internal/routes"
	"github.com/mwhitford/bulwark/internal/services"
	pkghttp "github.com/mwhitford/bulwark/pkg/http"
	pkglogger "github.com/mwhitford/bulwark/pkg/logger"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Initialize repositories
	userRepo := repositories.NewUserRepository(db)
	lockoutRepo := repositories.NewLockoutRepository(db)
	impersonationRepo := repositories.NewImpersonationRepository(db)
	recoveryCodeRepo := repositories.NewRecoveryCodeRepository(db)
	auditRepo := repositories.NewAuditLogRepository(db)
	credentialVerifier := repositories.NewBcryptCredentialVerifier(db)

	// Attempt counters live in process; the lockout ledger is durable.
	counters := ratelimit.NewStore()
	ledger, err := lockout.NewLedger(lockoutRepo, cfg.Lockout.Tiers, logger)
	if err != nil {
		logger.Error("failed to build lockout ledger", slog.Any("error", err))
		os.Exit(1)
	}

	// Initialize token and TOTP managers
	tokenManager := auth.NewTokenManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenExpiry,
		cfg.Auth.ChallengeTokenExpiry,
	)

	totpManager, err := auth.NewTOTPManager(
		[]byte(cfg.TwoFactor.EncryptionKey),
		cfg.TwoFactor.Issuer,
		uint(cfg.TwoFactor.Skew),
	)
	if err != nil {
		logger.Error("failed to initialize totp manager", slog.Any("error", err))
		os.Exit(1)
	}

	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:   cfg.Auth.TimingBaseDelayMs,
		RandomDelayMs: cfg.Auth.TimingRandomDelayMs,
	})

	// Security event recorder: every event hits the audit table and the
	// structured log stream.
	auditLogger := pkglogger.NewAuditLogger(logger)
	recorder := services.NewSecurityRecorder(auditRepo, auditLogger, logger)

	// AWS SES notifications, optional
	var notifier services.NotifyService
	if cfg.Notify.Enabled {
		sesNotifier, err := services.NewAWSSESNotifyService(cfg.Notify.AWSRegion, cfg.Notify.FromAddress, logger)
		if err != nil {
			logger.Error("failed to initialize notify service", slog.Any("error", err))
			os.Exit(1)
		}
		notifier = sesNotifier
	}

	// Initialize services
	throttleService, err := services.NewThrottleService(counters, ledger, services.ThrottleConfig{
		Tiers:             cfg.Throttle.Tiers,
		OriginMaxAttempts: cfg.Throttle.OriginMaxAttempts,
		OriginDecay:       cfg.Throttle.OriginDecay,
	}, logger)
	if err != nil {
		logger.Error("failed to build throttle service", slog.Any("error", err))
		os.Exit(1)
	}

	impersonationService := services.NewImpersonationService(
		impersonationRepo,
		userRepo,
		tokenManager,
		recorder,
		notifier,
		services.ImpersonationConfig{
			DefaultDuration:    cfg.Impersonation.DefaultDuration,
			GlobalCeiling:      cfg.Impersonation.GlobalCeiling,
			PerAdminCeiling:    cfg.Impersonation.PerAdminCeiling,
			BlockedTargetRoles: cfg.Impersonation.BlockedTargetRoles,
			RequireTwoFactor:   cfg.Impersonation.RequireTwoFactor,
			NotifyTarget:       cfg.Impersonation.NotifyTarget,
		},
		logger,
	)

	loginService := services.NewLoginService(
		credentialVerifier,
		userRepo,
		throttleService,
		tokenManager,
		timingDelay,
		recorder,
		notifier,
		impersonationService,
		logger,
	)

	twoFactorService := services.NewTwoFactorService(
		userRepo,
		recoveryCodeRepo,
		totpManager,
		tokenManager,
		counters,
		loginService,
		recorder,
		notifier,
		services.TwoFactorConfig{
			MaxAttempts:        cfg.TwoFactor.MaxAttempts,
			AttemptDecay:       cfg.TwoFactor.AttemptDecay,
			RecoveryCodeCount:  cfg.TwoFactor.RecoveryCodeCount,
			RecoveryCodeWarnAt: cfg.TwoFactor.RecoveryCodeWarnAt,
		},
		logger,
	)

	// Initialize handlers
	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	authHandler := handlers.NewAuthHandler(loginService, twoFactorService, ipConfig)
	twoFactorHandler := handlers.NewTwoFactorHandler(twoFactorService)
	impersonationHandler := handlers.NewImpersonationHandler(impersonationService, ipConfig)

	// Bootstrap first admin user if configured
	bootstrapCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ensureAdminUser(bootstrapCtx, userRepo, logger); err != nil {
		logger.Error("failed to ensure admin user", slog.Any("error", err))
	}
	cancel()

	// Initialize sweeper for expired sessions and audit retention
	sweeper := background.NewSweeper(
		impersonationService,
		lockoutRepo,
		auditRepo,
		logger,
		cfg.Sweep.Interval,
		cfg.Sweep.SessionRetention,
		cfg.Sweep.LockoutRetention,
		cfg.Sweep.AuditRetention,
	)

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middlewareCustom.SecurityHeaders(cfg.Server.Env))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	healthCheck := func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.HealthCheck(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","database":"down"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","database":"up"}`))
	}

	// Register routes
	routes.RegisterRoutes(router, authHandler, twoFactorHandler, impersonationHandler, tokenManager, userRepo, impersonationService, healthCheck)

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start sweep task
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()

	go sweeper.Start(sweepCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	sweepCancel()
	sweeper.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}

// ensureAdminUser creates the first admin user if ADMIN_EMAIL and ADMIN_PASSWORD are set
func ensureAdminUser(ctx context.Context, userRepo *repositories.UserRepository, logger *slog.Logger) error {
	adminEmail := os.Getenv("ADMIN_EMAIL")
	adminPassword := os.Getenv("ADMIN_PASSWORD")

	if adminEmail == "" || adminPassword == "" {
		logger.Info("no ADMIN_EMAIL or ADMIN_PASSWORD set, skipping admin user creation")
		return nil
	}

	// Check if admin already exists
	_, err := userRepo.FindByIdentifier(ctx, adminEmail)
	if err == nil {
		logger.Info("admin user already exists")
		return nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to check if admin exists: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	admin := &models.UserRecord{
		Email:          adminEmail,
		Name:           "Admin",
		Role:           "admin",
		CredentialHash: string(hash),
	}

	if _, err := userRepo.Create(ctx, admin); err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}

	logger.Info("admin user created successfully")
	return nil
}
