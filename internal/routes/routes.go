package routes

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pointapp_back_end/internal/handlers/ec"
	"pointapp_back_end/internal/middleware"
)

type Options struct {
	CORSOrigins []string
	Auth        middleware.TokenParser
	Limiter     middleware.Limiter
	Log         *zap.Logger
}

// NewRouter construit le moteur gin avec les middlewares communs et les routes EC
func NewRouter(h *ec.Handler, opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestContext(opts.Log))
	r.Use(cors.New(corsConfig(opts.CORSOrigins)))

	RegisterRoutes(r, h, opts)
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", ec.IdempotencyHeader, middleware.RequestIDHeader},
		ExposeHeaders:    []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After", middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			cfg.AllowCredentials = false
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}

func RegisterRoutes(r *gin.Engine, h *ec.Handler, opts Options) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	if opts.Limiter != nil {
		api.Use(middleware.RateLimit(opts.Limiter, "api", middleware.APIMaxRequests, time.Minute, middleware.ByIP, opts.Log))
	}
	h.Register(api, ec.RouteOptions{
		Auth:    middleware.AuthRequired(opts.Auth, opts.Log),
		Limiter: opts.Limiter,
	})
}
