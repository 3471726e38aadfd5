package billing

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

type Handler struct {
	processor *Processor
}

func NewHandler(p *Processor) *Handler {
	return &Handler{processor: p}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/webhooks/stripe", h.stripeWebhook)
}

func (h *Handler) stripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read body"})
		return
	}
	out, err := h.processor.Process(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		var verr *ValidationError
		switch {
		case errors.Is(err, ErrNotConfigured):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "webhooks not configured"})
		case errors.Is(err, ErrInvalidSignature):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		case errors.As(err, &verr):
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
		case errors.Is(err, ErrMalformedEvent):
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		case errors.Is(err, ErrUnknownSubscription):
			c.JSON(http.StatusConflict, gin.H{"error": "subscription not known yet"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "event processing failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "status": out.Status, "event_id": out.EventID})
}
