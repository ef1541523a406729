package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"pixelrelay/internal/logger"
	"pixelrelay/internal/metrics"
	"pixelrelay/internal/relay"
	"pixelrelay/internal/tracking"
)

const maxEventBody = 64 << 10

// Publisher hands accepted storefront events to the relay worker.
type Publisher interface {
	Publish(ctx context.Context, events ...relay.StorefrontEvent) error
}

type EventsHandler struct {
	publisher Publisher
	logger    *logger.Logger
	now       func() time.Time
}

func NewEventsHandler(publisher Publisher, logger *logger.Logger) *EventsHandler {
	return &EventsHandler{publisher: publisher, logger: logger, now: time.Now}
}

// Produce accepts one storefront event or a JSON array of them.
func (h *EventsHandler) Produce(c *gin.Context) {
	if isBot(c.Request.UserAgent()) {
		metrics.IngressEvents.WithLabelValues("bot").Inc()
		c.JSON(http.StatusAccepted, gin.H{"status": "ignored", "path": "/produce"})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if len(raw) > maxEventBody {
		metrics.IngressEvents.WithLabelValues("invalid").Inc()
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
		return
	}

	events, err := decodeEvents(raw)
	if err != nil {
		metrics.IngressEvents.WithLabelValues("invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	for i := range events {
		e := &events[i]
		shop, ok := tracking.ShopDomain(e.TrackingID)
		if !ok || e.Name == "" {
			metrics.IngressEvents.WithLabelValues("invalid").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "each event needs a name and a valid tid"})
			return
		}
		if e.Shop == "" {
			e.Shop = shop
		}
		if e.OccurredAt.IsZero() {
			e.OccurredAt = h.now()
		}
	}

	if err := h.publisher.Publish(c.Request.Context(), events...); err != nil {
		h.logger.Error("Failed to publish %d event(s): %v", len(events), err)
		metrics.IngressEvents.WithLabelValues("error").Add(float64(len(events)))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to queue events"})
		return
	}

	metrics.IngressEvents.WithLabelValues("accepted").Add(float64(len(events)))
	c.JSON(http.StatusOK, gin.H{"status": "ok", "path": "/produce", "accepted": len(events)})
}

// Logs records whatever a storefront script posts, for debugging installs.
func (h *EventsHandler) Logs(c *gin.Context) {
	raw, _ := io.ReadAll(io.LimitReader(c.Request.Body, 4<<10))
	h.logger.Info("[/logs] %s", string(raw))
	c.JSON(http.StatusOK, gin.H{"status": "ok", "path": "/logs"})
}

// Echo answers GETs on the ingress paths.
func (h *EventsHandler) Echo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "path": c.FullPath()})
}

func decodeEvents(raw []byte) ([]relay.StorefrontEvent, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var events []relay.StorefrontEvent
		if err := json.Unmarshal(raw, &events); err != nil {
			return nil, err
		}
		if len(events) == 0 {
			return nil, errEmptyBatch
		}
		return events, nil
	}

	var e relay.StorefrontEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return []relay.StorefrontEvent{e}, nil
}
