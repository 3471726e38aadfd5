package jobs

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"nudge-backend/quota"
	"nudge-backend/sse"
)

type Handler struct {
	enq   *Enqueuer
	token string
	// poll is how often the events stream re-reads job status.
	poll time.Duration
}

// NewHandler serves job callbacks and status. When token is set, callbacks
// must present it as a bearer token.
func NewHandler(enq *Enqueuer, token string) *Handler {
	return &Handler{enq: enq, token: token, poll: time.Second}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/jobs/:id", h.status)
	r.GET("/jobs/:id/events", h.events)
	cb := r.Group("/jobs", h.requireToken)
	cb.POST("/:id/complete", h.complete)
	cb.POST("/:id/fail", h.fail)
}

func (h *Handler) requireToken(c *gin.Context) {
	if h.token == "" {
		c.Next()
		return
	}
	got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid callback token"})
		return
	}
	c.Next()
}

func (h *Handler) status(c *gin.Context) {
	st, err := h.enq.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// events streams status changes until the job completes or fails.
func (h *Handler) events(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	first, err := h.enq.Status(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}

	ch := make(chan string)
	go func() {
		defer close(ch)
		h.watch(ctx, id, first, ch)
	}()
	sse.Stream(c, ch)
}

func (h *Handler) watch(ctx context.Context, id string, st Status, ch chan<- string) {
	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()
	var last Status
	for {
		if st != last {
			b, _ := json.Marshal(st)
			select {
			case ch <- string(b):
			case <-ctx.Done():
				return
			}
			last = st
		}
		if st.State != "pending" {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		next, err := h.enq.Status(ctx, id)
		if err != nil {
			return
		}
		st = next
	}
}

func (h *Handler) complete(c *gin.Context) {
	var req struct {
		MediaURL string `json:"media_url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "media_url required"})
		return
	}
	if err := h.enq.Complete(c.Request.Context(), c.Param("id"), req.MediaURL); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

func (h *Handler) fail(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	// An empty body is allowed; the reason is optional.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := h.enq.Fail(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "refunded"})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, quota.ErrReservationCommitted):
		c.JSON(http.StatusConflict, gin.H{"error": "job already completed"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "job update failed"})
	}
}
