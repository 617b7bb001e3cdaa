package ec

import (
	"time"

	"github.com/gin-gonic/gin"

	"pointapp_back_end/internal/middleware"
	"pointapp_back_end/internal/models"
)

// RouteOptions porte les middlewares transverses appliqués aux routes EC
type RouteOptions struct {
	Auth    gin.HandlerFunc
	Limiter middleware.Limiter
}

// Register monte les routes EC sous /api
func (h *Handler) Register(api *gin.RouterGroup, opts RouteOptions) {
	authed := api.Group("", opts.Auth)

	userOnly := middleware.RequireRole(models.RoleUser)
	storeOnly := middleware.RequireRole(models.RoleStore, models.RoleAdmin)
	adminOnly := middleware.RequireRole(models.RoleAdmin)

	var submitLimit, decisionLimit, messageLimit gin.HandlerFunc = passthrough, passthrough, passthrough
	if opts.Limiter != nil {
		submitLimit = middleware.RateLimit(opts.Limiter, "ec_submit", middleware.SubmitMaxRequests, time.Minute, middleware.ByUser, h.log)
		decisionLimit = middleware.RateLimit(opts.Limiter, "ec_decision", middleware.APIMaxRequests, time.Minute, middleware.ByUser, h.log)
		messageLimit = middleware.RateLimit(opts.Limiter, "ec_message", middleware.MessageMaxPerMin, time.Minute, middleware.ByUser, h.log)
	}

	authed.GET("/stores/", h.ListStores)

	ec := authed.Group("/ec")
	ec.POST("/receipt/upload/", userOnly, submitLimit, h.UploadReceipt)

	user := ec.Group("/user", userOnly)
	user.GET("/requests/", h.UserRequests)
	user.GET("/requests/:id/", h.GetRequest)
	user.GET("/requests/:id/qr/", h.RequestQR)
	user.GET("/points/", h.UserPoints)

	store := ec.Group("/store", storeOnly)
	store.GET("/pending-requests/", h.StorePending)
	store.GET("/all-requests/", h.StoreAll)
	store.GET("/requests/:id/", h.GetRequest)
	store.GET("/search/", h.StoreSearch)
	store.POST("/requests/:id/approve/", decisionLimit, h.Approve)
	store.POST("/requests/:id/reject/", decisionLimit, h.Reject)

	ec.POST("/requests/:id/messages/", messageLimit, h.PostMessage)
	ec.GET("/requests/:id/ws", h.Watch)

	admin := ec.Group("/admin", adminOnly)
	admin.POST("/requests/:id/complete/", h.CompleteAward)
	admin.GET("/audit/", h.AuditTrail)
}

func passthrough(c *gin.Context) { c.Next() }
