package openai

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"gembalance/internal/apierr"
	"gembalance/internal/monitoring"
	"gembalance/internal/upstream"
)

// ListModels serves GET /v1/models with a single upstream attempt, translated
// to the OpenAI listing shape.
func (h *Handler) ListModels(c *gin.Context) {
	res, ok := h.modelsFetch(c, "/models")
	if !ok {
		return
	}
	h.catalog.Absorb(res.Body)
	c.JSON(http.StatusOK, upstream.TranslateModelList(res.Body, time.Now()))
}

// GetModel serves GET /v1/models/:id.
func (h *Handler) GetModel(c *gin.Context) {
	id := c.Param("id")
	res, ok := h.modelsFetch(c, "/models/"+id)
	if !ok {
		return
	}
	entry := upstream.TranslateModel(res.Body, id, time.Now())
	c.Data(http.StatusOK, "application/json", h.catalog.EnrichModelJSON(entry))
}

// modelsFetch performs the single-attempt model listing call. Model listing
// authenticates with the vendor API-key header rather than a bearer token.
func (h *Handler) modelsFetch(c *gin.Context, path string) (*upstream.Result, bool) {
	sel, ok := h.pool.SelectKey()
	if !ok {
		e := apierr.New(http.StatusServiceUnavailable, "service_unavailable", "No healthy API keys available")
		c.JSON(e.HTTPStatus, e.Envelope())
		return nil, false
	}

	start := time.Now()
	res, err := h.client.Do(c.Request.Context(), http.MethodGet, path, nil, upstream.AuthAPIKeyHeader, sel.Secret)
	latency := time.Since(start)
	if err != nil {
		monitoring.RecordUpstream(sel.ID, 0, latency.Seconds())
		h.recordFailure(sel.ID, "network_error", false, latency)
		log.WithError(err).WithField("key", sel.ID).Warn("model listing failed")
		e := apierr.New(http.StatusBadGateway, "upstream_error", "Upstream model listing failed")
		c.JSON(e.HTTPStatus, e.Envelope())
		return nil, false
	}
	monitoring.RecordUpstream(sel.ID, res.Status, latency.Seconds())

	if !res.OK() {
		h.recordFailure(sel.ID, "model_listing_error", res.Status == http.StatusTooManyRequests, latency)
		e := apierr.New(apierr.SafeStatus(res.Status), "upstream_error", "Upstream model listing failed").
			WithUpstream(res.Status, res.Body)
		c.JSON(e.HTTPStatus, e.Envelope())
		return nil, false
	}

	h.recordSuccess(sel.ID, latency)
	return res, true
}
