package ec

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"

	"pointapp_back_end/internal/models"
)

type storeView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ListStores GET /api/stores/
func (h *Handler) ListStores(c *gin.Context) {
	stores, err := h.svc.Stores(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	out := make([]storeView, 0, len(stores))
	for _, s := range stores {
		out = append(out, storeView{ID: s.ID, Name: s.Name})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stores": out})
}

// UserRequests GET /api/ec/user/requests/
func (h *Handler) UserRequests(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	list, err := h.svc.ListForUser(c.Request.Context(), a)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "requests": list})
}

// GetRequest GET /api/ec/user/requests/:id/ et /api/ec/store/requests/:id/
func (h *Handler) GetRequest(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := requestID(c)
	if !ok {
		return
	}
	r, err := h.svc.Get(c.Request.Context(), a, id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "request": r})
}

// RequestQR GET /api/ec/user/requests/:id/qr/ : QR présenté en magasin
func (h *Handler) RequestQR(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := requestID(c)
	if !ok {
		return
	}
	r, err := h.svc.Get(c.Request.Context(), a, id)
	if err != nil {
		h.respondError(c, err)
		return
	}

	png, err := qrcode.Encode(QRPayload(r), qrcode.Medium, 256)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Cache-Control", "private, max-age=300")
	c.Data(http.StatusOK, "image/png", png)
}

// QRPayload est le contenu encodé dans le QR d'une demande
func QRPayload(r *models.ECRequest) string {
	return fmt.Sprintf("pointapp://ec/requests/%s?store=%s", r.ID, r.StoreID)
}

// UserPoints GET /api/ec/user/points/
func (h *Handler) UserPoints(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	balance, err := h.svc.Balance(c.Request.Context(), a)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "balance": balance})
}

// StorePending GET /api/ec/store/pending-requests/
func (h *Handler) StorePending(c *gin.Context) {
	h.storeList(c, models.StatusPending)
}

// StoreAll GET /api/ec/store/all-requests/?status=
func (h *Handler) StoreAll(c *gin.Context) {
	h.storeList(c, models.ECStatus(c.Query("status")))
}

func (h *Handler) storeList(c *gin.Context, status models.ECStatus) {
	a, ok := actor(c)
	if !ok {
		return
	}
	list, err := h.svc.ListForStore(c.Request.Context(), a, c.Query("store_id"), status)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "requests": list})
}

// StoreSearch GET /api/ec/store/search/?q=
func (h *Handler) StoreSearch(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	list, err := h.svc.Search(c.Request.Context(), a, c.Query("store_id"), c.Query("q"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "requests": list})
}
