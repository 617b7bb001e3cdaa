// Package ec expose le workflow des demandes de points EC en HTTP.
package ec

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"pointapp_back_end/internal/middleware"
	"pointapp_back_end/internal/models"
	"pointapp_back_end/internal/workflow"
)

type Handler struct {
	svc       *workflow.Service
	log       *zap.Logger
	maxUpload int64
	origins   []string
}

func NewHandler(svc *workflow.Service, maxUpload int64, origins []string, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, log: log, maxUpload: maxUpload, origins: origins}
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

// respondError traduit une erreur du workflow en code HTTP
func (h *Handler) respondError(c *gin.Context, err error) {
	var verr *workflow.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": verr.Error(), "fields": verr.Fields})
	case errors.Is(err, workflow.ErrForbidden):
		fail(c, http.StatusForbidden, err.Error())
	case errors.Is(err, workflow.ErrNotFound):
		fail(c, http.StatusNotFound, err.Error())
	case errors.Is(err, workflow.ErrPayment):
		fail(c, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, workflow.ErrAlreadyProcessed),
		errors.Is(err, workflow.ErrConflict),
		errors.Is(err, workflow.ErrDuplicate),
		errors.Is(err, workflow.ErrThreadClosed),
		errors.Is(err, workflow.ErrBusy):
		fail(c, http.StatusConflict, err.Error())
	default:
		h.log.Error("❌ erreur interne",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString("request_id")),
			zap.Error(err))
		fail(c, http.StatusInternalServerError, "サーバーエラーが発生しました")
	}
}

// actor lit l'acteur authentifié ; répond 401 s'il manque
func actor(c *gin.Context) (models.Actor, bool) {
	a, ok := middleware.ActorFrom(c)
	if !ok {
		fail(c, http.StatusUnauthorized, "認証が必要です")
	}
	return a, ok
}

func requestID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		fail(c, http.StatusBadRequest, "申請IDが不正です")
		return uuid.Nil, false
	}
	return id, true
}
