package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"gembalance/internal/apierr"
	"gembalance/internal/logging"
	"gembalance/internal/monitoring"
	"gembalance/internal/streaming"
	"gembalance/internal/upstream"
)

const chatPath = "/chat/completions"

// ChatCompletions serves POST /v1/chat/completions: validate, rotate through
// credentials on transient upstream failures, stream or buffer the result.
func (h *Handler) ChatCompletions(c *gin.Context) {
	view := h.cfg.Current()
	body, aerr := readChatBody(c, view.Policy.Proxy.MaxPayloadSizeBytes)
	if aerr != nil {
		c.JSON(aerr.HTTPStatus, aerr.Envelope())
		return
	}
	body = translateReasoningEffort(body)

	if isStreamRequest(body) {
		h.chatStream(c, body)
		return
	}
	h.chatBuffered(c, body)
}

// maxAttempts bounds the rotation loop by the live pool size.
func (h *Handler) maxAttempts() int {
	if n := h.pool.GetActiveKeyCount(); n > 1 {
		return n
	}
	return 1
}

func (h *Handler) chatBuffered(c *gin.Context, body []byte) {
	ctx := c.Request.Context()
	attempted := make(map[string]bool)
	var last *upstream.Result

	budget := h.maxAttempts()
	for attempt := 0; attempt < budget; attempt++ {
		sel, ok := h.pool.SelectKeyExcluding(attempted)
		if !ok {
			break
		}
		attempted[sel.ID] = true

		start := time.Now()
		res, err := h.client.Do(ctx, http.MethodPost, chatPath, body, upstream.AuthBearer, sel.Secret)
		latency := time.Since(start)
		if err != nil {
			monitoring.RecordUpstream(sel.ID, 0, latency.Seconds())
			h.recordFailure(sel.ID, "network_error", false, latency)
			log.WithError(err).WithFields(log.Fields{
				"key":     sel.ID,
				"attempt": attempt + 1,
			}).Warn("upstream request failed")
			continue
		}
		monitoring.RecordUpstream(sel.ID, res.Status, latency.Seconds())

		if res.OK() {
			h.recordSuccess(sel.ID, latency)
			writeUpstreamJSON(c, res)
			return
		}
		if apierr.IsRetryable(res.Status) {
			h.recordFailure(sel.ID, fmt.Sprintf("upstream_%d", res.Status), res.Status == http.StatusTooManyRequests, latency)
			log.WithFields(log.Fields{
				"key":     sel.ID,
				"status":  res.Status,
				"attempt": attempt + 1,
			}).Warn("upstream transient error, rotating key")
			last = res
			continue
		}

		// Client-class upstream errors are the request's fault, not the
		// credential's: pass through without recording or rotating.
		writeUpstreamJSON(c, res)
		return
	}

	h.writeExhausted(c, last)
}

// recordSuccess and recordFailure detach from the request context so a client
// disconnect cannot fail (and demote) the persistence path.
func (h *Handler) recordSuccess(id string, latency time.Duration) {
	h.pool.RecordSuccess(context.Background(), id, float64(logging.DurationMS(latency)))
}

func (h *Handler) recordFailure(id, reason string, rateLimited bool, latency time.Duration) {
	h.pool.RecordFailure(context.Background(), id, reason, rateLimited, float64(logging.DurationMS(latency)))
}

// writeUpstreamJSON returns a buffered upstream response with the thinking
// marker substitution applied.
func writeUpstreamJSON(c *gin.Context, res *upstream.Result) {
	contentType := res.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(res.Status, contentType, streaming.ReplaceMarkerBytes(res.Body))
}

// writeExhausted renders the terminal failure once the rotation budget is
// spent: the last upstream failure when there was one, otherwise the
// no-keys-available envelope.
func (h *Handler) writeExhausted(c *gin.Context, last *upstream.Result) {
	if last == nil {
		e := apierr.New(http.StatusServiceUnavailable, "service_unavailable", "No healthy API keys available")
		c.JSON(e.HTTPStatus, e.Envelope())
		return
	}
	e := apierr.New(apierr.SafeStatus(last.Status), "upstream_error", "Upstream request failed after retries").
		WithUpstream(last.Status, last.Body)
	c.JSON(e.HTTPStatus, e.Envelope())
}
