package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"complyflow/internal/models"
	"complyflow/internal/services"
)

// MonitorHandler SLA / 风险 / KRI 监控只读与触发接口
type MonitorHandler struct {
	tracker *services.SLATracker
	risk    *services.RiskScoringService
	kri     *services.KRIService
	logger  *logrus.Logger
}

func NewMonitorHandler(tracker *services.SLATracker, risk *services.RiskScoringService, kri *services.KRIService, logger *logrus.Logger) *MonitorHandler {
	return &MonitorHandler{tracker: tracker, risk: risk, kri: kri, logger: logger}
}

type slaTrackingView struct {
	models.SLATracking
	Classification string `json:"classification"`
}

// ListSLATrackings 列出未关闭的 SLA 时钟，附带实时分类
func (h *MonitorHandler) ListSLATrackings(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "missing or invalid tenant"})
		return
	}

	trackings, err := h.tracker.ListOpen(c.Request.Context(), tenant, c.Query("status"))
	if err != nil {
		h.logger.Errorf("Failed to list SLA trackings: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: "failed to list SLA trackings"})
		return
	}

	now := time.Now()
	views := make([]slaTrackingView, 0, len(trackings))
	for i := range trackings {
		views = append(views, slaTrackingView{
			SLATracking:    trackings[i],
			Classification: h.tracker.Classify(&trackings[i], now),
		})
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "success", Data: views})
}

// RecalculateRisk 手工触发一次风险评分重算
func (h *MonitorHandler) RecalculateRisk(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "missing or invalid tenant"})
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "invalid risk id"})
		return
	}

	entry, err := h.risk.Recalculate(c.Request.Context(), tenant, id, nil)
	if err != nil {
		if errors.Is(err, services.ErrRiskNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "risk not found"})
			return
		}
		h.logger.Errorf("Failed to recalculate risk %d: %v", id, err)
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "recalculation_failed", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "risk recalculated", Data: entry})
}

// RiskHistory 查询评分历史（追加式审计轨迹）
func (h *MonitorHandler) RiskHistory(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "missing or invalid tenant"})
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "invalid risk id"})
		return
	}

	history, err := h.risk.History(c.Request.Context(), tenant, id)
	if err != nil {
		if errors.Is(err, services.ErrRiskNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "risk not found"})
			return
		}
		h.logger.Errorf("Failed to load risk history %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: "failed to load risk history"})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "success", Data: history})
}

// EvaluateKRI 手工触发一次 KRI 评估
func (h *MonitorHandler) EvaluateKRI(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "missing or invalid tenant"})
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "invalid KRI id"})
		return
	}

	alert, err := h.kri.Evaluate(c.Request.Context(), tenant, id)
	if err != nil {
		if errors.Is(err, services.ErrKRINotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "KRI not found"})
			return
		}
		h.logger.Errorf("Failed to evaluate KRI %d: %v", id, err)
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "evaluation_failed", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "KRI evaluated", Data: alert})
}

// ListKRIAlerts 列出 KRI 告警
func (h *MonitorHandler) ListKRIAlerts(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "missing or invalid tenant"})
		return
	}

	alerts, err := h.kri.ListAlerts(c.Request.Context(), tenant, c.Query("status"))
	if err != nil {
		h.logger.Errorf("Failed to list KRI alerts: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: "failed to list KRI alerts"})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "success", Data: alerts})
}
