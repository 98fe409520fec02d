package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/hookrelay/hookrelay/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type signatureProbe struct {
	called bool
	body   []byte
}

func newSignatureRouter(signatures *service.SignatureService, probe *signatureProbe) *gin.Engine {
	r := gin.New()
	r.POST("/ingest", WebhookSignature(signatures), func(c *gin.Context) {
		probe.called = true
		body, err := io.ReadAll(c.Request.Body)
		if err == nil {
			probe.body = body
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func postSigned(r *gin.Engine, body []byte, signature, timestamp string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Signature", signature)
	}
	if timestamp != "" {
		req.Header.Set("X-Timestamp", timestamp)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhookSignature_ValidRequestPasses(t *testing.T) {
	signatures := service.NewSignatureService("test-secret", 5*time.Minute)
	probe := &signatureProbe{}
	r := newSignatureRouter(signatures, probe)

	body := []byte(`{"event_type":"order.created","order_id":7}`)
	timestamp := time.Now().UTC().Format(time.RFC3339)

	w := postSigned(r, body, signatures.Sign(timestamp, body), timestamp)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, probe.called)
	// The body must survive the signature check for the handler to read.
	assert.Equal(t, body, probe.body)
}

func TestWebhookSignature_MissingHeaders(t *testing.T) {
	signatures := service.NewSignatureService("test-secret", 5*time.Minute)
	probe := &signatureProbe{}
	r := newSignatureRouter(signatures, probe)

	w := postSigned(r, []byte(`{}`), "", "")

	require.Equal(t, http.StatusBadRequest, w.Code)
	body := w.Body.String()
	assert.Equal(t, "Missing required field 'x_signature'.", gjson.Get(body, "errors.x_signature").String())
	assert.Equal(t, "Missing required field 'x_timestamp'.", gjson.Get(body, "errors.x_timestamp").String())
	assert.Equal(t,
		"Missing required field 'x_signature'. Missing required field 'x_timestamp'.",
		gjson.Get(body, "message").String())
	assert.False(t, probe.called)
}

func TestWebhookSignature_MissingTimestampOnly(t *testing.T) {
	signatures := service.NewSignatureService("test-secret", 5*time.Minute)
	probe := &signatureProbe{}
	r := newSignatureRouter(signatures, probe)

	w := postSigned(r, []byte(`{}`), "aabbcc", "")

	require.Equal(t, http.StatusBadRequest, w.Code)
	body := w.Body.String()
	assert.Equal(t, "Missing required field 'x_timestamp'.", gjson.Get(body, "message").String())
	assert.False(t, gjson.Get(body, "errors.x_signature").Exists())
	assert.False(t, probe.called)
}

func TestWebhookSignature_InvalidSignature(t *testing.T) {
	signatures := service.NewSignatureService("test-secret", 5*time.Minute)
	probe := &signatureProbe{}
	r := newSignatureRouter(signatures, probe)

	timestamp := time.Now().UTC().Format(time.RFC3339)
	w := postSigned(r, []byte(`{}`), "deadbeef", timestamp)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid HMAC signature", gjson.Get(w.Body.String(), "message").String())
	assert.False(t, probe.called)
}

func TestWebhookSignature_StaleTimestamp(t *testing.T) {
	signatures := service.NewSignatureService("test-secret", 5*time.Minute)
	probe := &signatureProbe{}
	r := newSignatureRouter(signatures, probe)

	// Correctly signed, but outside the skew tolerance.
	body := []byte(`{}`)
	timestamp := time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339)
	w := postSigned(r, body, signatures.Sign(timestamp, body), timestamp)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Timestamp too old in request.", gjson.Get(w.Body.String(), "message").String())
	assert.False(t, probe.called)
}

func TestWebhookSignature_NaiveTimestamp(t *testing.T) {
	signatures := service.NewSignatureService("test-secret", 5*time.Minute)
	probe := &signatureProbe{}
	r := newSignatureRouter(signatures, probe)

	w := postSigned(r, []byte(`{}`), "aabbcc", "2026-03-14T12:00:00")

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Timestamp must include timezone.", gjson.Get(w.Body.String(), "message").String())
	assert.False(t, probe.called)
}
