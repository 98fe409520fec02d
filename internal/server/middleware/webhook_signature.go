package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/hookrelay/hookrelay/internal/pkg/response"
	"github.com/hookrelay/hookrelay/internal/service"
)

const (
	signatureHeader = "X-Signature"
	timestampHeader = "X-Timestamp"
)

// WebhookSignature authenticates inbound webhook calls: the timestamp header
// must parse and sit inside the skew tolerance, and the signature header must
// match the HMAC over "<timestamp>.<body>". The body is restored after
// hashing so the handler can read it again.
func WebhookSignature(signatures *service.SignatureService) gin.HandlerFunc {
	return func(c *gin.Context) {
		signature := strings.TrimSpace(c.GetHeader(signatureHeader))
		timestamp := strings.TrimSpace(c.GetHeader(timestampHeader))

		var messages []string
		details := make(map[string]string)
		if signature == "" {
			details["x_signature"] = "Missing required field 'x_signature'."
			messages = append(messages, details["x_signature"])
		}
		if timestamp == "" {
			details["x_timestamp"] = "Missing required field 'x_timestamp'."
			messages = append(messages, details["x_timestamp"])
		}
		if len(details) > 0 {
			response.ErrorWithDetails(c, http.StatusBadRequest, strings.Join(messages, " "), details)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			response.BadRequest(c, "Failed to read request body")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		if _, err := signatures.ValidateTimestamp(timestamp); err != nil {
			response.ErrorFrom(c, err)
			return
		}
		if err := signatures.VerifySignature(timestamp, body, signature); err != nil {
			response.ErrorFrom(c, err)
			return
		}

		c.Next()
	}
}
