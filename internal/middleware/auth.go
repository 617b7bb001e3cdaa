package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pointapp_back_end/internal/models"
)

const actorKey = "actor"

// TokenParser vérifie un jeton et retourne l'acteur
type TokenParser interface {
	Parse(raw string) (models.Actor, error)
}

// AuthRequired exige un jeton Bearer valide. Le paramètre ?token= est accepté
// pour les WebSocket, que les navigateurs ouvrent sans en-tête Authorization.
func AuthRequired(parser TokenParser, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		raw := bearer(c.GetHeader("Authorization"))
		if raw == "" && c.IsWebsocket() {
			raw = c.Query("token")
		}
		if raw == "" {
			abort(c, http.StatusUnauthorized, "認証が必要です")
			return
		}

		actor, err := parser.Parse(raw)
		if err != nil {
			log.Debug("❌ jeton refusé", zap.Error(err), zap.String("path", c.FullPath()))
			abort(c, http.StatusUnauthorized, "トークンが無効です")
			return
		}

		c.Set(actorKey, actor)
		c.Set("user_id", actor.UserID)
		c.Set("role", actor.Role)
		c.Next()
	}
}

func bearer(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// ActorFrom lit l'acteur posé par AuthRequired
func ActorFrom(c *gin.Context) (models.Actor, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return models.Actor{}, false
	}
	a, ok := v.(models.Actor)
	return a, ok
}

// RequireRole laisse passer les rôles listés
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok {
			abort(c, http.StatusUnauthorized, "認証が必要です")
			return
		}
		for _, r := range roles {
			if actor.Role == r {
				c.Next()
				return
			}
		}
		abort(c, http.StatusForbidden, "この操作を行う権限がありません")
	}
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": msg})
}
