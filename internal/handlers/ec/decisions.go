package ec

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"pointapp_back_end/internal/models"
)

const maxDecisionBody = 64 << 10

// Approve POST /api/ec/store/requests/:id/approve/
// Accepte aussi l'ancien corps {action:"reject", rejection_reason}.
func (h *Handler) Approve(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := requestID(c)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxDecisionBody))
	if err != nil {
		fail(c, http.StatusBadRequest, "リクエストが不正です")
		return
	}
	d, err := models.DecodeLegacyDecision(body)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrEmptyRejectNote):
			fail(c, http.StatusBadRequest, "却下理由を入力してください")
		case errors.Is(err, models.ErrBadPayment):
			fail(c, http.StatusBadRequest, "支払い方法が不正です")
		default:
			fail(c, http.StatusBadRequest, "リクエストが不正です")
		}
		return
	}
	h.decide(c, a, id, d)
}

// Reject POST /api/ec/store/requests/:id/reject/
func (h *Handler) Reject(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := requestID(c)
	if !ok {
		return
	}
	var body struct {
		RejectionReason string `json:"rejection_reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, "リクエストが不正です")
		return
	}
	h.decide(c, a, id, models.Reject{Reason: body.RejectionReason})
}

func (h *Handler) decide(c *gin.Context, a models.Actor, id uuid.UUID, d models.Decision) {
	r, err := h.svc.Decide(c.Request.Context(), a, id, d)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "request": r})
}

// CompleteAward POST /api/ec/admin/requests/:id/complete/
func (h *Handler) CompleteAward(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := requestID(c)
	if !ok {
		return
	}
	r, err := h.svc.CompleteAward(c.Request.Context(), a, id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "request": r})
}

// AuditTrail GET /api/ec/admin/audit/?limit=
func (h *Handler) AuditTrail(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	limit := 100
	if v, err := parsePositive(c.Query("limit")); err == nil {
		limit = v
	}
	logs, err := h.svc.AuditTrail(c.Request.Context(), a, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "logs": logs})
}
