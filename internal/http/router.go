// Package http assembles the gin engine: middleware chain, route groups, and
// handler wiring.
package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-gateway/internal/config"
	"github.com/smallbiznis/valora-gateway/internal/http/handler"
	"github.com/smallbiznis/valora-gateway/internal/http/middleware"
	"github.com/smallbiznis/valora-gateway/internal/service"
)

// NewRouter builds the gin engine with the full route surface.
func NewRouter(
	cfg config.Config,
	logger *zap.Logger,
	oauthHandler *handler.OAuthHandler,
	sessionHandler *handler.SessionHandler,
	vendorHandler *handler.VendorHandler,
	healthHandler *handler.HealthHandler,
	vendors *service.VendorService,
) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins, cfg.CORSAllowedMethods, cfg.CORSAllowedHeaders))
	r.Use(middleware.EdgeRateLimit(cfg.EdgeRateLimitRPM))

	r.GET("/healthz", healthHandler.Healthz)

	oauth := r.Group("/oauth")
	{
		oauth.GET("/authorize", oauthHandler.Authorize)
		oauth.POST("/token", oauthHandler.Token)
		oauth.POST("/revoke", oauthHandler.Revoke)
		oauth.POST("/introspect", oauthHandler.Introspect)
	}

	auth := r.Group("/v1/auth")
	{
		auth.POST("/login", sessionHandler.Login)
		auth.POST("/refresh", sessionHandler.Refresh)
		auth.POST("/logout", sessionHandler.Logout)
	}

	// Every tenant-scoped route sits behind VendorAuth.
	services := r.Group("/v1/services/:service", middleware.VendorAuth(vendors))
	{
		services.GET("/scope", vendorHandler.Scope)
	}

	return r
}
