package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hookrelay/hookrelay/internal/config"
	"github.com/hookrelay/hookrelay/internal/handler/dto"
	"github.com/hookrelay/hookrelay/internal/pkg/response"
	"github.com/hookrelay/hookrelay/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

const idempotencyKeyHeader = "Idempotency-Key"

const invalidTimestampMessage = "Invalid timestamp format! Must be ISO 8601."

// searchTimeLayouts are the accepted timestamp bound formats: full RFC 3339
// stamps plus the naive date-time and date forms, which are read as UTC.
var searchTimeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

// WebhookHandler handles webhook ingest, search, and the built-in downstream
// receiver.
type WebhookHandler struct {
	cfg            *config.Config
	webhookService *service.WebhookService
}

// NewWebhookHandler creates a new WebhookHandler
func NewWebhookHandler(cfg *config.Config, webhookService *service.WebhookService) *WebhookHandler {
	return &WebhookHandler{
		cfg:            cfg,
		webhookService: webhookService,
	}
}

// Ingest accepts one webhook, stores it idempotently, and queues it for delivery
// POST /api/v1/webhooks/ingest
func (h *WebhookHandler) Ingest(c *gin.Context) {
	idempotencyKey := strings.TrimSpace(c.GetHeader(idempotencyKeyHeader))
	if idempotencyKey == "" {
		message := "Missing required field 'idempotency_key'."
		response.ErrorWithDetails(c, http.StatusBadRequest, message, map[string]string{"idempotency_key": message})
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		response.BadRequest(c, "Failed to read request body")
		return
	}

	event, err := h.webhookService.Ingest(c.Request.Context(), idempotencyKey, body)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}

	response.Created(c, "Webhook ingested successfully!", gin.H{"id": event.ID.Hex()})
}

// ReceiveDownstream is the built-in delivery target used for local runs and
// load tests. It acknowledges everything; throttling happens in middleware
// POST /api/v1/webhooks/downstream/receive
func (h *WebhookHandler) ReceiveDownstream(c *gin.Context) {
	if body, err := c.GetRawData(); err == nil {
		if eventType := gjson.GetBytes(body, "event_type"); eventType.Exists() {
			slog.Info("downstream_webhook_received", "event_type", eventType.String())
		}
	}

	response.Success(c, "Webhook received successfully!", nil)
}

// Search returns one page of matching events plus aggregates over the whole
// filtered set
// GET /api/v1/webhooks/search
func (h *WebhookHandler) Search(c *gin.Context) {
	filter, page, ok := h.parseSearchQuery(c)
	if !ok {
		return
	}

	result, err := h.webhookService.Search(c.Request.Context(), filter, page)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}

	response.Success(c, "Webhook events retrieved successfully!", dto.SearchPageFromService(result))
}

// parseSearchQuery validates the search query parameters, collecting every
// invalid field into one 400 response before any work is done.
func (h *WebhookHandler) parseSearchQuery(c *gin.Context) (service.EventFilter, service.Pagination, bool) {
	var errs fieldErrors

	filter := service.EventFilter{EventType: c.Query("event_type")}
	if status := c.Query("status"); status != "" {
		if isValidStatus(status) {
			filter.Status = status
		} else {
			errs.add("status", "Invalid value for 'status'.")
		}
	}
	if raw := c.Query("timestamp_from"); raw != "" {
		if ts, ok := parseSearchTime(raw); ok {
			filter.TimestampFrom = &ts
		} else {
			errs.add("timestamp_from", invalidTimestampMessage)
		}
	}
	if raw := c.Query("timestamp_to"); raw != "" {
		if ts, ok := parseSearchTime(raw); ok {
			filter.TimestampTo = &ts
		} else {
			errs.add("timestamp_to", invalidTimestampMessage)
		}
	}

	page := service.Pagination{
		Page:     h.cfg.Pagination.DefaultPage,
		PageSize: h.cfg.Pagination.PageSize,
	}
	if raw := c.Query("page"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 1 {
			page.Page = n
		} else {
			errs.add("page", "Invalid value for 'page'.")
		}
	}
	if raw := c.Query("page_size"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 1 {
			page.PageSize = n
		} else {
			errs.add("page_size", "Invalid value for 'page_size'.")
		}
	}

	if errs.write(c) {
		return service.EventFilter{}, service.Pagination{}, false
	}
	return filter, page, true
}

func isValidStatus(status string) bool {
	switch status {
	case service.StatusReceived, service.StatusFailedTemporarily, service.StatusFailedPermanently, service.StatusDelivered:
		return true
	}
	return false
}

func parseSearchTime(raw string) (time.Time, bool) {
	for _, layout := range searchTimeLayouts {
		if ts, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// fieldErrors collects per-field validation messages in first-seen order.
type fieldErrors struct {
	messages []string
	fields   map[string]string
}

func (f *fieldErrors) add(field, message string) {
	if f.fields == nil {
		f.fields = map[string]string{}
	}
	f.messages = append(f.messages, message)
	f.fields[field] = message
}

// write emits the collected errors as one 400 envelope and reports whether
// anything was written.
func (f *fieldErrors) write(c *gin.Context) bool {
	if len(f.messages) == 0 {
		return false
	}
	response.ErrorWithDetails(c, http.StatusBadRequest, strings.Join(f.messages, " "), f.fields)
	return true
}
