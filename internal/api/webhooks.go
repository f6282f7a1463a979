package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"sms-notification-service/internal/models"
)

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// DeliveryStatus accepts the gateway's form-encoded status callback.
func (h *Handler) DeliveryStatus(c *gin.Context) {
	messageID := c.PostForm("MessageSid")
	status := c.PostForm("MessageStatus")
	if messageID == "" || status == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "MessageSid and MessageStatus are required"})
		return
	}

	detail := c.PostForm("ErrorMessage")
	if code := c.PostForm("ErrorCode"); code != "" {
		detail = strings.TrimSpace(code + " " + detail)
	}
	evt := models.DeliveryEvent{
		MessageID:   messageID,
		Status:      status,
		ErrorDetail: detail,
		ReceivedAt:  time.Now().UTC(),
	}
	if err := h.delivery.HandleStatus(c.Request.Context(), evt); err != nil {
		h.fail(c, "record delivery status", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// InboundReply accepts a customer text. The reply body is empty TwiML so
// the gateway sends nothing back on our behalf.
func (h *Handler) InboundReply(c *gin.Context) {
	from := c.PostForm("From")
	if from == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "From is required"})
		return
	}
	action, err := h.delivery.HandleInboundReply(c.Request.Context(), models.InboundReply{
		From:       from,
		Body:       c.PostForm("Body"),
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		h.fail(c, "handle inbound reply", err)
		return
	}
	h.logger.Debugf("Inbound reply from %s: %s", from, action)
	c.Data(http.StatusOK, "text/xml; charset=utf-8", []byte(emptyTwiML))
}
