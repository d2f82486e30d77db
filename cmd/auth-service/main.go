package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"staffportal/auth-service/internal/config"
	"staffportal/auth-service/internal/gate"
	"staffportal/auth-service/internal/httpapi"
	"staffportal/auth-service/internal/logging"
	"staffportal/auth-service/internal/security"
	"staffportal/auth-service/internal/session"
	"staffportal/auth-service/internal/store"
	"staffportal/auth-service/internal/store/postgres"
	redisstore "staffportal/auth-service/internal/store/redis"
	"staffportal/auth-service/internal/telemetry"
	"staffportal/auth-service/internal/token"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	envFile := pflag.String("env-file", ".env", "optional env file read before the environment")
	pflag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: "auth-service",
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	}, logger)

	if code := shutdown(logger, shutdownTelemetry, run(ctx, cfg, logger)); code != 0 {
		os.Exit(code)
	}
}

// shutdown flushes telemetry and returns the exit code for runErr. It runs
// before os.Exit, which skips deferred calls.
func shutdown(logger *slog.Logger, flush func(context.Context) error, runErr error) int {
	if runErr != nil {
		logger.Error("auth-service stopped", "error", runErr)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := flush(ctx); err != nil {
		logger.Warn("telemetry shutdown failed", "error", err)
	}
	if runErr != nil {
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	pgStore := postgres.NewStore(pool)

	checks := []func(context.Context) error{pool.Ping}
	var sessions store.SessionStore = pgStore
	if cfg.SessionBackend == config.BackendRedis {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		sessions = redisstore.NewStore(rdb, cfg.RedisKeyPrefix)
		checks = append(checks, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}
	logger.Info("session backend selected", "backend", cfg.SessionBackend, "lookup_key_mode", cfg.LookupMode())

	codec := token.NewCodec(security.NewHasher(cfg.BcryptCost), token.Config{
		Workers:    cfg.HashWorkers,
		LookupMode: cfg.LookupMode(),
	})
	manager, err := session.NewManager(sessions, pgStore, codec, session.Options{
		IdleTimeout:       cfg.IdleTimeoutDuration(),
		VerifyBeforeTouch: cfg.VerifyBeforeTouch,
		PasswordCost:      cfg.PasswordHashCost,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	go session.StartSweeper(ctx, cfg.SweepIntervalDuration(), manager)

	g, err := gate.New(gate.Config{
		Patterns:     cfg.GatePatternList(),
		CookieName:   cfg.SessionCookieName,
		LoginPath:    cfg.LoginPath,
		MaxBodyBytes: cfg.GateMaxBodyBytes,
	})
	if err != nil {
		return err
	}

	handler := httpapi.NewHandler(manager, httpapi.Config{
		CookieName:   cfg.SessionCookieName,
		CookieSecure: cfg.CookieSecure,
		Gate:         g,
		RateLimit: httpapi.RateLimitConfig{
			IPPerMinute:    cfg.RateLimitPerMinute,
			IPBurst:        cfg.RateLimitBurst,
			LoginPerMinute: cfg.LoginRateLimitPerMinute,
			LoginBurst:     cfg.LoginRateLimitBurst,
			TrustProxy:     cfg.TrustProxyHeaders,
		},
		Logger: logger,
		Ready: func(ctx context.Context) error {
			for _, check := range checks {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(handler.Routes(), "auth-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("auth-service listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	return nil
}
