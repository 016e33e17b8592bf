package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"complyflow/internal/services"
)

// RuleHandler 工作流规则管理接口
type RuleHandler struct {
	rules  *services.RuleService
	logger *logrus.Logger
}

func NewRuleHandler(rules *services.RuleService, logger *logrus.Logger) *RuleHandler {
	return &RuleHandler{rules: rules, logger: logger}
}

// CreateRule 创建工作流规则
func (h *RuleHandler) CreateRule(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "missing or invalid tenant"})
		return
	}

	var req services.WorkflowRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error()})
		return
	}

	rule, err := h.rules.CreateRule(c.Request.Context(), tenant, &req)
	if err != nil {
		h.writeRuleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, SuccessResponse{Message: "rule created", Data: rule})
}

// UpdateRule 更新工作流规则
func (h *RuleHandler) UpdateRule(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "missing or invalid tenant"})
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "invalid rule id"})
		return
	}

	var req services.WorkflowRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error()})
		return
	}

	rule, err := h.rules.UpdateRule(c.Request.Context(), tenant, id, &req)
	if err != nil {
		h.writeRuleError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "rule updated", Data: rule})
}

// DeactivateRule 停用规则（保留执行历史）
func (h *RuleHandler) DeactivateRule(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "missing or invalid tenant"})
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "invalid rule id"})
		return
	}

	if err := h.rules.DeactivateRule(c.Request.Context(), tenant, id); err != nil {
		h.writeRuleError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "rule deactivated"})
}

// DeleteRule 删除规则，存在执行记录时拒绝
func (h *RuleHandler) DeleteRule(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "missing or invalid tenant"})
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "invalid rule id"})
		return
	}

	if err := h.rules.DeleteRule(c.Request.Context(), tenant, id); err != nil {
		h.writeRuleError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "rule deleted"})
}

// GetRule 查询单条规则
func (h *RuleHandler) GetRule(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "missing or invalid tenant"})
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "invalid rule id"})
		return
	}

	rule, err := h.rules.GetRule(c.Request.Context(), tenant, id)
	if err != nil {
		h.writeRuleError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "success", Data: rule})
}

// ListRules 列出租户规则
func (h *RuleHandler) ListRules(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "missing or invalid tenant"})
		return
	}

	rules, err := h.rules.ListRules(c.Request.Context(), tenant)
	if err != nil {
		h.logger.Errorf("Failed to list rules: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: "failed to list rules"})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "success", Data: rules})
}

// ListExecutions 查询规则执行记录
func (h *RuleHandler) ListExecutions(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "missing or invalid tenant"})
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "invalid rule id"})
		return
	}

	executions, err := h.rules.ListExecutions(c.Request.Context(), tenant, id)
	if err != nil {
		h.writeRuleError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "success", Data: executions})
}

func (h *RuleHandler) writeRuleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrRuleNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "rule not found"})
	case errors.Is(err, services.ErrInvalidRule):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_rule", Message: err.Error()})
	default:
		h.logger.Errorf("Rule operation failed: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: "rule operation failed"})
	}
}
