package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"trialgate/internal/abuse"
	"trialgate/internal/attestation"
	"trialgate/internal/cache"
	"trialgate/internal/config"
	"trialgate/internal/identity"
	"trialgate/internal/observability/logging"
	"trialgate/internal/observability/metrics"
	impl "trialgate/internal/service/impl"
	"trialgate/internal/store"
	httpx "trialgate/internal/transport/http"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	_ = godotenv.Load()

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}

	logger := logging.NewLogger(logging.Config{
		ServiceName: "trialgate",
		Environment: env,
		Level:       os.Getenv("LOG_LEVEL"),
	})
	slog.SetDefault(logger)

	logger.Info("starting service")

	cfg := config.Load()
	metrics.MustRegister("trialgate")

	ctx := context.Background()

	gdb, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{TranslateError: true})
	if err != nil {
		logger.Error("gorm open", "error", err)
		os.Exit(1)
	}
	st := store.New(gdb)
	if err := st.Migrate(ctx); err != nil {
		logger.Error("migrate", "error", err)
		os.Exit(1)
	}

	rdb, err := cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("redis connect", "error", err)
		os.Exit(1)
	}
	attempts := cache.NewRedisAttemptStore(rdb, cfg.MinRetryInterval)

	engine := abuse.NewEngine(abuse.Config{
		Threshold:        cfg.AbuseThreshold,
		GrayBandLow:      cfg.GrayBandLow,
		ReuseWindow:      cfg.ReuseWindow,
		MinRetryInterval: cfg.MinRetryInterval,
	}, st.Trials(), attempts)

	allowDebug := cfg.Environment != "production"
	pubKey := cfg.AttestPublicKey
	if pubKey == "" {
		if cfg.Environment == "production" {
			logger.Error("ATTEST_PUBLIC_KEY required in production")
			os.Exit(1)
		}
		// Dev fallback: ephemeral pair, printed so trialctl can mint tokens.
		signer, sErr := attestation.NewSigner("", cfg.Issuer)
		if sErr != nil {
			logger.Error("attestation signer", "error", sErr)
			os.Exit(1)
		}
		pubKey = signer.PublicKeyBase64()
		logger.Warn("using ephemeral attestation key",
			"public_key", pubKey, "private_key", signer.PrivateKeyBase64())
	}
	verifier, err := attestation.NewVerifier(pubKey, cfg.Issuer, allowDebug)
	if err != nil {
		logger.Error("attestation verifier", "error", err)
		os.Exit(1)
	}

	vs := impl.NewValidationServiceImpl(st, verifier, engine, impl.Policy{
		TrialDuration:    cfg.TrialDuration,
		GenerationsLimit: cfg.GenerationsLimit,
	})
	ident := identity.NewValidator(cfg.IdentityHSKey, cfg.Issuer)

	handler := httpx.NewRouter(vs, ident)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("trialgate listening", "addr", srv.Addr, "issuer", cfg.Issuer, "allow_debug_attestation", allowDebug)
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
