package entitlements

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	resolver *Resolver
}

func NewHandler(resolver *Resolver) *Handler {
	return &Handler{resolver: resolver}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/credits", h.getCredits)
}

// UserID reads the caller's id from the user_id query parameter or the
// X-User-ID header set by the upstream auth layer.
func UserID(c *gin.Context) string {
	if id := strings.TrimSpace(c.Query("user_id")); id != "" {
		return id
	}
	return strings.TrimSpace(c.GetHeader("X-User-ID"))
}

type creditsResponse struct {
	CreditsRemaining      int    `json:"credits_remaining"`
	Tier                  string `json:"tier"`
	Status                string `json:"status"`
	WeeklyUsageCount      int    `json:"weekly_usage_count"`
	CanPerformGatedAction bool   `json:"can_perform_gated_action"`
	MaxFreeActionsPerWeek int    `json:"max_free_actions_per_week"`
}

// getCredits answers from a read-only projection. With ?reconcile=true an
// elapsed weekly window is also reset in storage.
func (h *Handler) getCredits(c *gin.Context) {
	resolve := h.resolver.Resolve
	if reconcile, _ := strconv.ParseBool(c.Query("reconcile")); reconcile {
		resolve = h.resolver.Reconcile
	}
	ent, err := resolve(c.Request.Context(), UserID(c))
	if err != nil {
		if errors.Is(err, ErrMissingUser) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
			return
		}
		h.resolver.log.Error().Err(err).Msg("resolve entitlement")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load credits"})
		return
	}
	c.JSON(http.StatusOK, creditsResponse{
		CreditsRemaining:      ent.CreditsRemaining,
		Tier:                  string(ent.Tier),
		Status:                string(ent.Status),
		WeeklyUsageCount:      ent.FreeCountThisWindow,
		CanPerformGatedAction: ent.CanPerformGatedAction(),
		MaxFreeActionsPerWeek: ent.WeeklyLimit,
	})
}
