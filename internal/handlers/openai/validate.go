package openai

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"gembalance/internal/apierr"
)

const thinkingBudgetPath = "extra_body.google.thinking_config.thinking_budget"

// readChatBody enforces content-type, the payload size cap (both declared and
// actual), and the minimal body shape before any upstream attempt.
func readChatBody(c *gin.Context, maxBytes int64) ([]byte, *apierr.APIError) {
	ct := c.GetHeader("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(ct); err != nil || mediaType != "application/json" {
		return nil, apierr.New(http.StatusUnsupportedMediaType, "unsupported_media_type",
			"Content-Type must be application/json")
	}
	if c.Request.ContentLength > maxBytes {
		return nil, payloadTooLarge(maxBytes)
	}

	// MaxBytesReader guards against bodies with no declared length.
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, payloadTooLarge(maxBytes)
		}
		return nil, apierr.New(http.StatusBadRequest, "invalid_request_error", "Failed to read request body")
	}

	if !gjson.ValidBytes(body) {
		return nil, apierr.New(http.StatusBadRequest, "invalid_request_error", "Request body is not valid JSON")
	}
	if model := gjson.GetBytes(body, "model"); model.Type != gjson.String || model.String() == "" {
		return nil, apierr.New(http.StatusBadRequest, "invalid_request_error", "'model' must be a non-empty string")
	}
	if msgs := gjson.GetBytes(body, "messages"); !msgs.IsArray() {
		return nil, apierr.New(http.StatusBadRequest, "invalid_request_error", "'messages' must be an array")
	}
	return body, nil
}

func payloadTooLarge(maxBytes int64) *apierr.APIError {
	return apierr.New(http.StatusRequestEntityTooLarge, "payload_too_large",
		fmt.Sprintf("Request body exceeds the %d byte limit", maxBytes))
}

// translateReasoningEffort maps the OpenAI reasoning knob onto the upstream
// thinking budget and strips the original field. Unknown levels request a
// dynamic budget.
func translateReasoningEffort(body []byte) []byte {
	effort := gjson.GetBytes(body, "reasoning_effort")
	if !effort.Exists() {
		return body
	}

	budget := int64(-1)
	switch strings.ToLower(effort.String()) {
	case "low":
		budget = 1024
	case "medium":
		budget = 8192
	case "high":
		budget = 24576
	}

	out, err := sjson.SetBytes(body, thinkingBudgetPath, budget)
	if err != nil {
		return body
	}
	if trimmed, err := sjson.DeleteBytes(out, "reasoning_effort"); err == nil {
		out = trimmed
	}
	return out
}

// isStreamRequest reports whether the body asks for SSE delivery.
func isStreamRequest(body []byte) bool {
	return gjson.GetBytes(body, "stream").Bool()
}
