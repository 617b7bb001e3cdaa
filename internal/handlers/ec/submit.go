package ec

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"pointapp_back_end/internal/storage"
	"pointapp_back_end/internal/workflow"
)

const IdempotencyHeader = "Idempotency-Key"

// UploadReceipt POST /api/ec/receipt/upload/ (multipart)
func (h *Handler) UploadReceipt(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	if h.maxUpload > 0 {
		// marge pour les champs texte du formulaire
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+1<<20)
	}

	in := workflow.SubmitInput{
		StoreID:            c.PostForm("store_id"),
		PurchaseAmount:     c.PostForm("purchase_amount"),
		OrderID:            c.PostForm("order_id"),
		PurchaseDate:       c.PostForm("purchase_date"),
		ReceiptDescription: c.PostForm("receipt_description"),
		IdempotencyKey:     c.GetHeader(IdempotencyHeader),
		IPAddress:          c.ClientIP(),
		UserAgent:          c.Request.UserAgent(),
	}

	fh, err := c.FormFile("receipt_image")
	switch {
	case err == nil:
		f, openErr := fh.Open()
		if openErr != nil {
			h.respondError(c, openErr)
			return
		}
		defer f.Close()
		in.Receipt = &storage.Upload{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        fh.Size,
			Body:        f,
		}
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
		// le workflow signale l'image manquante
	default:
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(c, http.StatusRequestEntityTooLarge, storage.ErrTooLarge.Error())
			return
		}
		fail(c, http.StatusBadRequest, "フォームデータが不正です")
		return
	}

	r, err := h.svc.Submit(c.Request.Context(), a, in)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "request": r})
}
