package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sms-notification-service/internal/delivery"
	"sms-notification-service/internal/logging"
	"sms-notification-service/internal/models"
	"sms-notification-service/internal/notification"
	"sms-notification-service/internal/stats"
)

// Jobs is the admin surface of the job families.
type Jobs interface {
	Statuses(ctx context.Context) ([]notification.Status, error)
	Status(ctx context.Context, family string) (notification.Status, error)
	TriggerOne(ctx context.Context, family, anchorID string) (notification.RunSummary, error)
	TriggerBatch(ctx context.Context, family string, n int) (notification.RunSummary, error)
	RecoverMissed(ctx context.Context, family string, limit int) (notification.RunSummary, error)
	Preview(ctx context.Context, family string, limit int) (notification.PreviewResult, error)
	RetryFailed(ctx context.Context, id uuid.UUID) (models.NotificationItem, error)
}

type DeliveryHandler interface {
	HandleStatus(ctx context.Context, evt models.DeliveryEvent) error
	HandleInboundReply(ctx context.Context, reply models.InboundReply) (delivery.Action, error)
}

type StatsSource interface {
	GetBreakdown(ctx context.Context) (stats.Breakdown, error)
}

// RunFeed accepts dashboard connections for run summaries.
type RunFeed interface {
	AddConnection(family string, conn *websocket.Conn) bool
	RemoveConnection(family string, conn *websocket.Conn)
}

type Deps struct {
	Jobs     Jobs
	Delivery DeliveryHandler
	Stats    StatsSource
	Feed     RunFeed
}

type Handler struct {
	jobs     Jobs
	delivery DeliveryHandler
	stats    StatsSource
	feed     RunFeed
	logger   *logging.Logger
	upgrader websocket.Upgrader
}

func NewHandler(deps Deps, logger *logging.Logger) *Handler {
	return &Handler{
		jobs:     deps.Jobs,
		delivery: deps.Delivery,
		stats:    deps.Stats,
		feed:     deps.Feed,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// errorStatus maps domain errors to HTTP codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrJobBusy), errors.Is(err, models.ErrDuplicateSchedule):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, what string, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Errorf("%s failed: %v", what, err)
		c.JSON(status, gin.H{"error": "Failed to " + what})
		return
	}
	h.logger.Warnf("%s rejected: %v", what, err)
	c.JSON(status, gin.H{"error": err.Error()})
}

// intQuery parses a positive query parameter, falling back to def.
func intQuery(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + key})
		return 0, false
	}
	return n, true
}

func (h *Handler) ListJobs(c *gin.Context) {
	statuses, err := h.jobs.Statuses(c.Request.Context())
	if err != nil {
		h.fail(c, "list jobs", err)
		return
	}
	c.JSON(http.StatusOK, statuses)
}

func (h *Handler) GetJobStatus(c *gin.Context) {
	st, err := h.jobs.Status(c.Request.Context(), c.Param("family"))
	if err != nil {
		h.fail(c, "get job status", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) TriggerOne(c *gin.Context) {
	family, anchorID := c.Param("family"), c.Param("anchor_id")
	s, err := h.jobs.TriggerOne(c.Request.Context(), family, anchorID)
	if err != nil {
		h.fail(c, "trigger notification", err)
		return
	}
	h.logger.Infof("Manual trigger for %s in %s: sent=%d window_violation=%t", anchorID, family, s.Sent, s.WindowViolation)
	c.JSON(http.StatusOK, s)
}

func (h *Handler) TriggerBatch(c *gin.Context) {
	n, ok := intQuery(c, "n", 50)
	if !ok {
		return
	}
	s, err := h.jobs.TriggerBatch(c.Request.Context(), c.Param("family"), n)
	if err != nil {
		h.fail(c, "trigger batch", err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) RecoverMissed(c *gin.Context) {
	limit, ok := intQuery(c, "limit", 500)
	if !ok {
		return
	}
	s, err := h.jobs.RecoverMissed(c.Request.Context(), c.Param("family"), limit)
	if err != nil {
		h.fail(c, "recover missed notifications", err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) Preview(c *gin.Context) {
	limit, ok := intQuery(c, "limit", 20)
	if !ok {
		return
	}
	p, err := h.jobs.Preview(c.Request.Context(), c.Param("family"), limit)
	if err != nil {
		h.fail(c, "preview", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) RetryItem(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid item id"})
		return
	}
	item, err := h.jobs.RetryFailed(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "retry item", err)
		return
	}
	h.logger.Infof("Retry of %s scheduled as %s", id, item.ID)
	c.JSON(http.StatusCreated, item)
}

func (h *Handler) GetStats(c *gin.Context) {
	b, err := h.stats.GetBreakdown(c.Request.Context())
	if err != nil {
		h.fail(c, "compute stats", err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// RunFeed upgrades to a WebSocket streaming run summaries. ?family=
// narrows the feed to one family.
func (h *Handler) RunFeed(c *gin.Context) {
	family := c.DefaultQuery("family", "*")
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	if !h.feed.AddConnection(family, conn) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"))
		conn.Close()
		return
	}
	defer func() {
		h.feed.RemoveConnection(family, conn)
		conn.Close()
	}()
	// Drain client frames until it goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
