package token

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/RoseWrightdev/callkit/internal/v1/auth"
	"github.com/RoseWrightdev/callkit/internal/v1/health"
	"github.com/RoseWrightdev/callkit/internal/v1/middleware"
	"github.com/RoseWrightdev/callkit/internal/v1/ratelimit"
)

// RouterOptions assemble the token server's HTTP surface. Only Signer is required.
type RouterOptions struct {
	Signer *auth.Signer
	// Validator authenticates callers of the token endpoints. Nil leaves them open.
	Validator auth.TokenValidator
	Limiter   *ratelimit.RateLimiter
	Health    *health.Handler
	// AllowedOrigins enables CORS for browser callers.
	AllowedOrigins []string
	ServiceName    string
}

// NewRouter builds the gin engine serving tokens, probes and metrics.
func NewRouter(opts RouterOptions) *gin.Engine {
	if opts.ServiceName == "" {
		opts.ServiceName = "callkit-tokenserver"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID(), middleware.RequestLogger())
	router.Use(otelgin.Middleware(opts.ServiceName))

	if len(opts.AllowedOrigins) > 0 {
		config := cors.DefaultConfig()
		config.AllowOrigins = opts.AllowedOrigins
		config.AllowHeaders = append(config.AllowHeaders, "Authorization", middleware.HeaderXCorrelationID)
		config.ExposeHeaders = []string{middleware.HeaderXCorrelationID, "X-RateLimit-Remaining", "Retry-After"}
		router.Use(cors.New(config))
	}

	if opts.Health != nil {
		opts.Health.Register(router)
	}

	metricsHandlers := []gin.HandlerFunc{gin.WrapH(promhttp.Handler())}
	if opts.Limiter != nil {
		metricsHandlers = append([]gin.HandlerFunc{opts.Limiter.StandardMiddleware()}, metricsHandlers...)
	}
	router.GET("/metrics", metricsHandlers...)

	api := router.Group("")
	if opts.Validator != nil {
		api.Use(auth.RequireAuth(opts.Validator))
	}
	if opts.Limiter != nil {
		api.Use(opts.Limiter.Middleware())
	}
	NewServer(opts.Signer).RegisterRoutes(api)

	return router
}
