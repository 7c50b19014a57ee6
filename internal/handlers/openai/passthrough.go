package openai

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"gembalance/internal/apierr"
	"gembalance/internal/monitoring"
	"gembalance/internal/upstream"
)

// Embeddings serves POST /v1/embeddings as a verbatim single-attempt proxy.
func (h *Handler) Embeddings(c *gin.Context) {
	h.passthrough(c, "/embeddings")
}

// ImageGenerations serves POST /v1/images/generations the same way.
func (h *Handler) ImageGenerations(c *gin.Context) {
	h.passthrough(c, "/images/generations")
}

// passthrough forwards the body byte-for-byte on one credential. The upstream
// already speaks the OpenAI shape for these endpoints, so no translation and
// no rotation: the caller sees exactly what the upstream said.
func (h *Handler) passthrough(c *gin.Context, path string) {
	view := h.cfg.Current()
	maxBytes := view.Policy.Proxy.MaxPayloadSizeBytes
	if c.Request.ContentLength > maxBytes {
		e := payloadTooLarge(maxBytes)
		c.JSON(e.HTTPStatus, e.Envelope())
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes))
	if err != nil {
		e := apierr.New(http.StatusBadRequest, "invalid_request_error", "Failed to read request body")
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			e = payloadTooLarge(maxBytes)
		}
		c.JSON(e.HTTPStatus, e.Envelope())
		return
	}

	sel, ok := h.pool.SelectKey()
	if !ok {
		e := apierr.New(http.StatusServiceUnavailable, "service_unavailable", "No healthy API keys available")
		c.JSON(e.HTTPStatus, e.Envelope())
		return
	}

	start := time.Now()
	res, doErr := h.client.Do(c.Request.Context(), http.MethodPost, path, body, upstream.AuthBearer, sel.Secret)
	latency := time.Since(start)
	if doErr != nil {
		monitoring.RecordUpstream(sel.ID, 0, latency.Seconds())
		h.recordFailure(sel.ID, "network_error", false, latency)
		log.WithError(doErr).WithFields(log.Fields{"key": sel.ID, "path": path}).Warn("passthrough request failed")
		e := apierr.New(http.StatusBadGateway, "upstream_error", "Upstream request failed")
		c.JSON(e.HTTPStatus, e.Envelope())
		return
	}
	monitoring.RecordUpstream(sel.ID, res.Status, latency.Seconds())

	if res.OK() {
		h.recordSuccess(sel.ID, latency)
	} else {
		h.recordFailure(sel.ID, "passthrough_error", res.Status == http.StatusTooManyRequests, latency)
	}

	contentType := res.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(res.Status, contentType, res.Body)
}
