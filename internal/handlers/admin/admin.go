package admin

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"gembalance/internal/apierr"
	"gembalance/internal/config"
	"gembalance/internal/keypool"
)

// Handler serves the authenticated introspection and control surface.
// reconcile is injected so this package never needs to translate config
// documents into pool specs itself.
type Handler struct {
	cfg       *config.Manager
	pool      *keypool.Manager
	store     keypool.Store
	reconcile func(context.Context) keypool.ReconcileResult
	started   time.Time
}

func New(cfg *config.Manager, pool *keypool.Manager, store keypool.Store, reconcile func(context.Context) keypool.ReconcileResult) *Handler {
	return &Handler{cfg: cfg, pool: pool, store: store, reconcile: reconcile, started: time.Now()}
}

type healthCounts struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
	Disabled  int `json:"disabled"`
}

type healthResponse struct {
	Status        string       `json:"status"`
	UptimeSeconds int64        `json:"uptimeSeconds"`
	Keys          healthCounts `json:"keys"`
}

// Health summarizes the pool: unhealthy when nothing is selectable, degraded
// when some keys are quarantined, healthy otherwise.
func (h *Handler) Health(c *gin.Context) {
	var counts healthCounts
	for _, s := range h.pool.ListKeys() {
		counts.Total++
		switch s.Status {
		case keypool.StatusActive:
			counts.Healthy++
		case keypool.StatusDisabled:
			counts.Disabled++
		default:
			counts.Unhealthy++
		}
	}

	status := "healthy"
	switch {
	case counts.Healthy == 0:
		status = "unhealthy"
	case counts.Unhealthy > 0:
		status = "degraded"
	}

	c.JSON(http.StatusOK, healthResponse{
		Status:        status,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Keys:          counts,
	})
}

// ListKeys returns the per-credential summaries.
func (h *Handler) ListKeys(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"keys": h.pool.ListKeys()})
}

// EnableKey re-activates a key, resetting its circuit and health.
func (h *Handler) EnableKey(c *gin.Context) {
	h.toggleKey(c, h.pool.EnableKey, "enabled")
}

// DisableKey removes a key from rotation until re-enabled.
func (h *Handler) DisableKey(c *gin.Context) {
	h.toggleKey(c, h.pool.DisableKey, "disabled")
}

func (h *Handler) toggleKey(c *gin.Context, op func(context.Context, string) bool, verb string) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		e := apierr.New(http.StatusBadRequest, "invalid_request_error", "key id is required")
		c.JSON(e.HTTPStatus, e.Envelope())
		return
	}
	if !op(c.Request.Context(), id) {
		e := apierr.New(http.StatusNotFound, "not_found_error", "unknown key: "+id)
		c.JSON(e.HTTPStatus, e.Envelope())
		return
	}
	log.WithFields(log.Fields{"key": id, "action": verb}).Info("key toggled by admin")
	c.JSON(http.StatusOK, gin.H{"id": id, "status": verb})
}

// ReloadConfig forces a synchronous config re-read and reports the
// reconciliation counts.
func (h *Handler) ReloadConfig(c *gin.Context) {
	if _, err := h.cfg.ForceReload(); err != nil {
		e := apierr.New(http.StatusInternalServerError, "internal_error", "config reload failed: "+err.Error())
		c.JSON(e.HTTPStatus, e.Envelope())
		return
	}
	c.JSON(http.StatusOK, h.reconcile(c.Request.Context()))
}

// DailyUsage reports per-key aggregates over the last 24 hours.
func (h *Handler) DailyUsage(c *gin.Context) {
	h.usage(c, h.store.GetDailyUsageStats)
}

// WeeklyUsage reports per-key aggregates over the last 7 days.
func (h *Handler) WeeklyUsage(c *gin.Context) {
	h.usage(c, h.store.GetWeeklyUsageStats)
}

func (h *Handler) usage(c *gin.Context, fetch func(context.Context) ([]keypool.UsageStat, error)) {
	stats, err := fetch(c.Request.Context())
	if err != nil {
		log.WithError(err).Warn("usage stats query failed")
		e := apierr.New(http.StatusInternalServerError, "internal_error", "usage stats unavailable")
		c.JSON(e.HTTPStatus, e.Envelope())
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": stats})
}
