package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-gateway/internal/adapter/identity"
	"github.com/smallbiznis/valora-gateway/internal/audit"
	"github.com/smallbiznis/valora-gateway/internal/bootstrap"
	"github.com/smallbiznis/valora-gateway/internal/config"
	"github.com/smallbiznis/valora-gateway/internal/csrf"
	httptransport "github.com/smallbiznis/valora-gateway/internal/http"
	"github.com/smallbiznis/valora-gateway/internal/http/handler"
	"github.com/smallbiznis/valora-gateway/internal/ratelimit"
	"github.com/smallbiznis/valora-gateway/internal/repository"
	"github.com/smallbiznis/valora-gateway/internal/server"
	"github.com/smallbiznis/valora-gateway/internal/service"
	"github.com/smallbiznis/valora-gateway/internal/telemetry"
	"github.com/smallbiznis/valora-gateway/internal/token"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newRedisClient,
			newClientRepository,
			newCodeRepository,
			newTokenRepository,
			newSessionRepository,
			newVendorRepository,
			newAuditRepository,
			newAuditSink,
			newRecorder,
			newRateLimiter,
			newCSRFGuard,
			newTokenIssuer,
			newIdentityClient,
			service.NewOAuthService,
			service.NewSessionService,
			newVendorService,
			handler.NewOAuthHandler,
			handler.NewSessionHandler,
			handler.NewVendorHandler,
			newHealthHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, bootstrap.EnsureSeedClient, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	node, err := snowflake.NewNode(1)
	return node, err
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newClientRepository(pool *pgxpool.Pool) repository.ClientRepository {
	return repository.NewPostgresClientRepo(pool)
}

func newCodeRepository(pool *pgxpool.Pool) repository.CodeRepository {
	return repository.NewPostgresCodeRepo(pool)
}

func newTokenRepository(pool *pgxpool.Pool) repository.TokenRepository {
	return repository.NewPostgresTokenRepo(pool)
}

func newSessionRepository(pool *pgxpool.Pool) repository.SessionRepository {
	return repository.NewPostgresSessionRepo(pool)
}

func newVendorRepository(pool *pgxpool.Pool) repository.VendorRepository {
	return repository.NewPostgresVendorRepo(pool)
}

func newAuditRepository(pool *pgxpool.Pool) audit.Repository {
	return repository.NewPostgresAuditRepo(pool)
}

func newAuditSink(lc fx.Lifecycle, repo audit.Repository, cfg config.Config, logger *zap.Logger) *audit.Sink {
	sink := audit.NewSink(repo, logger, cfg.AuditBuffer)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			sink.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return sink.Close(ctx)
		},
	})
	return sink
}

func newRecorder(sink *audit.Sink) audit.Recorder {
	return sink
}

func newRateLimiter(client redis.UniversalClient) ratelimit.Limiter {
	return ratelimit.NewRedisLimiter(client)
}

func newCSRFGuard(client redis.UniversalClient, cfg config.Config) *csrf.Guard {
	return csrf.NewGuard(csrf.NewRedisStore(client), cfg.CSRFTokenTTL)
}

func newTokenIssuer(cfg config.Config) *token.Issuer {
	return token.NewIssuer([]byte(cfg.SessionSigningSecret), cfg.SessionIssuer, cfg.SessionTTL)
}

func newIdentityClient(cfg config.Config) identity.ProviderClient {
	return identity.NewHTTPProviderClient(cfg.IdentityProviderURL, cfg.IdentityTimeout)
}

func newVendorService(lc fx.Lifecycle, vendors repository.VendorRepository, limiter ratelimit.Limiter, recorder audit.Recorder, cfg config.Config, logger *zap.Logger) *service.VendorService {
	svc := service.NewVendorService(vendors, limiter, recorder, logger, cfg.UsageBuffer)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			svc.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return svc.Close(ctx)
		},
	})
	return svc
}

func newHealthHandler(pool *pgxpool.Pool) *handler.HealthHandler {
	return handler.NewHealthHandler(pool)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
