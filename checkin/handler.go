package checkin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"nudge-backend/entitlements"
	"nudge-backend/jobs"
	"nudge-backend/subscriptions"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/checkins", h.createCheckIn)
	r.GET("/checkins/today", h.today)
	r.POST("/nudges", h.createNudge)
	r.GET("/preferences", h.getPreferences)
	r.PUT("/preferences", h.putPreferences)
	r.GET("/account/summary", h.summary)
}

type checkInRequest struct {
	UserID      string `json:"user_id"`
	Mood        string `json:"mood"`
	Message     string `json:"message"`
	PreferAudio bool   `json:"prefer_audio"`
}

func (h *Handler) createCheckIn(c *gin.Context) {
	var req checkInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if req.UserID == "" {
		req.UserID = entitlements.UserID(c)
	}
	out, err := h.svc.CheckIn(c.Request.Context(), Request{
		UserID:      req.UserID,
		Mood:        req.Mood,
		Message:     req.Message,
		PreferAudio: req.PreferAudio,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrMissingField):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, ErrAlreadyCheckedIn):
			c.JSON(http.StatusConflict, gin.H{"error": "already_checked_in", "message": "user already checked in today"})
		default:
			h.svc.log.Error().Err(err).Str("user_id", req.UserID).Msg("check-in failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save check-in"})
		}
		return
	}
	resp := gin.H{
		"success":             true,
		"check_in_id":         out.CheckIn.ID,
		"motivation":          out.Motivation,
		"streak":              out.Streak,
		"audio_limit_reached": out.AudioDenied,
		"audio_limit_reason":  nil,
	}
	if out.AudioDenied {
		resp["audio_limit_reason"] = out.AudioReason
	}
	if out.ReservationID != "" {
		resp["reservation_id"] = out.ReservationID
	}
	if out.JobID != "" {
		resp["job_id"] = out.JobID
	}
	if out.AudioError != "" {
		resp["audio_error"] = out.AudioError
	}
	if out.AudioDisabled {
		resp["audio_disabled"] = true
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) today(c *gin.Context) {
	userID := entitlements.UserID(c)
	ctx := c.Request.Context()
	ci, err := h.svc.Today(ctx, userID)
	switch {
	case errors.Is(err, ErrMissingField):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, subscriptions.ErrNotFound):
		ci = nil
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load check-in"})
		return
	}
	streak, err := h.svc.Streak(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load streak"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"checked_in": ci != nil, "check_in": ci, "streak": streak})
}

type nudgeRequest struct {
	UserID string `json:"user_id"`
	Story  string `json:"story"`
}

func (h *Handler) createNudge(c *gin.Context) {
	var req nudgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if req.UserID == "" {
		req.UserID = entitlements.UserID(c)
	}
	out, err := h.svc.Nudge(c.Request.Context(), req.UserID, req.Story)
	if err != nil {
		switch {
		case errors.Is(err, ErrMissingField):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, jobs.ErrSubmitFailed):
			c.JSON(http.StatusBadGateway, gin.H{"error": "generation unavailable, nothing was charged"})
		default:
			h.svc.log.Error().Err(err).Str("user_id", req.UserID).Msg("nudge failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start nudge"})
		}
		return
	}
	if out.Denied {
		c.JSON(http.StatusForbidden, gin.H{"error": "entitlement_denied", "reason": out.Reason})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"reservation_id": out.ReservationID, "job_id": out.JobID})
}

func (h *Handler) getPreferences(c *gin.Context) {
	prefs, err := h.svc.Preferences(c.Request.Context(), entitlements.UserID(c))
	if err != nil {
		h.preferencesError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "preferences": prefs})
}

type preferencesRequest struct {
	UserID             string `json:"user_id"`
	DailyQuotesEnabled *bool  `json:"daily_quotes_enabled"`
	AudioNudgesEnabled *bool  `json:"audio_nudges_enabled"`
	QuoteScheduleHour  *int   `json:"quote_schedule_hour"`
}

func (h *Handler) putPreferences(c *gin.Context) {
	var req preferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if req.UserID == "" {
		req.UserID = entitlements.UserID(c)
	}
	prefs, err := h.svc.UpdatePreferences(c.Request.Context(), req.UserID, PreferencesUpdate{
		DailyQuotesEnabled: req.DailyQuotesEnabled,
		AudioNudgesEnabled: req.AudioNudgesEnabled,
		QuoteScheduleHour:  req.QuoteScheduleHour,
	})
	if err != nil {
		h.preferencesError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "preferences": prefs})
}

func (h *Handler) summary(c *gin.Context) {
	sum, err := h.svc.Summary(c.Request.Context(), entitlements.UserID(c))
	if err != nil {
		h.preferencesError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": sum})
}

func (h *Handler) preferencesError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrMissingField), errors.Is(err, subscriptions.ErrInvalidHour):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.svc.log.Error().Err(err).Msg("preferences request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
