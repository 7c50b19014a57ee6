package openai

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"gembalance/internal/apierr"
	"gembalance/internal/monitoring"
	"gembalance/internal/streaming"
	"gembalance/internal/upstream"
)

// chatStream runs the rotation loop for streaming requests. Rotation only
// happens on pre-commit failures: once the first byte reaches the client the
// stream is piped to completion or aborted, never retried.
func (h *Handler) chatStream(c *gin.Context, body []byte) {
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
		resp, cancel, err := h.client.DoStream(ctx, http.MethodPost, chatPath, body, upstream.AuthBearer, sel.Secret)
		latency := time.Since(start)
		if err != nil {
			monitoring.RecordUpstream(sel.ID, 0, latency.Seconds())
			h.recordFailure(sel.ID, "network_error", false, latency)
			log.WithError(err).WithFields(log.Fields{
				"key":     sel.ID,
				"attempt": attempt + 1,
			}).Warn("upstream stream request failed")
			continue
		}
		monitoring.RecordUpstream(sel.ID, resp.StatusCode, latency.Seconds())

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			h.recordSuccess(sel.ID, latency)
			h.pipeStream(c, sel.ID, resp)
			cancel()
			return
		}

		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		cancel()

		if apierr.IsRetryable(resp.StatusCode) {
			h.recordFailure(sel.ID, fmt.Sprintf("upstream_%d", resp.StatusCode), resp.StatusCode == http.StatusTooManyRequests, latency)
			log.WithFields(log.Fields{
				"key":     sel.ID,
				"status":  resp.StatusCode,
				"attempt": attempt + 1,
			}).Warn("upstream transient error before stream commit, rotating key")
			last = &upstream.Result{Status: resp.StatusCode, Header: resp.Header, Body: payload}
			continue
		}

		writeUpstreamJSON(c, &upstream.Result{Status: resp.StatusCode, Header: resp.Header, Body: payload})
		return
	}

	h.writeExhausted(c, last)
}

// pipeStream forwards the upstream body through the marker rewriter.
// Content-Length and Content-Encoding are dropped: substitution changes the
// body size and upstream compression cannot pass through a rewriter.
func (h *Handler) pipeStream(c *gin.Context, keyID string, resp *http.Response) {
	defer resp.Body.Close()

	header := c.Writer.Header()
	for k, vals := range resp.Header {
		switch http.CanonicalHeaderKey(k) {
		case "Content-Length", "Content-Encoding":
			continue
		}
		for _, v := range vals {
			header.Add(k, v)
		}
	}
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", "text/event-stream")
	}
	c.Writer.WriteHeader(resp.StatusCode)

	rw := streaming.NewRewriter(c.Writer)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := rw.Write(buf[:n]); writeErr != nil {
				// The client went away mid-stream; the upstream work was
				// wasted, so the credential still takes the error.
				h.recordFailure(keyID, "client_disconnect", false, 0)
				log.WithError(writeErr).WithField("key", keyID).Debug("client disconnected during stream")
				return
			}
			c.Writer.Flush()
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			h.recordFailure(keyID, "stream_interrupted", false, 0)
			log.WithError(readErr).WithField("key", keyID).Warn("upstream stream interrupted")
			return
		}
	}
	if err := rw.Flush(); err == nil {
		c.Writer.Flush()
	}
}
