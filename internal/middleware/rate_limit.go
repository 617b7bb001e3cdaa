package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	APIMaxRequests    = 120
	SubmitMaxRequests = 10
	MessageMaxPerMin  = 20
)

// Limiter compte les requêtes d'une fenêtre fixe
type Limiter interface {
	Allow(ctx context.Context, key string, max int64, window time.Duration) (int64, bool, error)
}

// RateLimit applique max requêtes par fenêtre, la clé étant dérivée de la requête
func RateLimit(l Limiter, name string, max int64, window time.Duration, key func(*gin.Context) string, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		k := key(c)
		if k == "" {
			c.Next()
			return
		}
		remaining, ok, err := l.Allow(c.Request.Context(), name+":"+k, max, window)
		if err != nil {
			// Redis indisponible : on laisse passer
			log.Warn("⚠️ rate limit indisponible", zap.String("limit", name), zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", max))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		if !ok {
			c.Header("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success":     false,
				"error":       "リクエストが多すぎます。しばらくしてから再試行してください",
				"retry_after": int(window.Seconds()),
			})
			return
		}
		c.Next()
	}
}

func ByIP(c *gin.Context) string { return c.ClientIP() }

func ByUser(c *gin.Context) string { return c.GetString("user_id") }
