package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"complyflow/internal/services"
)

// EventHandler 触发事件入口
type EventHandler struct {
	bus    *services.EventBus
	stream *services.StreamHub
	logger *logrus.Logger
}

func NewEventHandler(bus *services.EventBus, stream *services.StreamHub, logger *logrus.Logger) *EventHandler {
	return &EventHandler{bus: bus, stream: stream, logger: logger}
}

// EmitEvent 接收协作模块发布的触发事件
func (h *EventHandler) EmitEvent(c *gin.Context) {
	var input services.TriggerEventInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error()})
		return
	}

	event, err := h.bus.Emit(c.Request.Context(), &input)
	if err != nil {
		h.logger.Errorf("Failed to emit event: %v", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_event", Message: err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, SuccessResponse{Message: "event accepted", Data: gin.H{"event_id": event.ID}})
}

// Stream 引擎活动实时推送
func (h *EventHandler) Stream(c *gin.Context) {
	h.stream.HandleWebSocket(c)
}

// Health 健康检查
func (h *EventHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"stream_clients": h.stream.ClientCount(),
	})
}
