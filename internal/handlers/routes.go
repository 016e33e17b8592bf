package handlers

import "github.com/gin-gonic/gin"

// RegisterRuleRoutes 注册规则管理路由
func RegisterRuleRoutes(r *gin.RouterGroup, handler *RuleHandler) {
	rules := r.Group("/rules")
	{
		rules.POST("", handler.CreateRule)                    // 创建规则
		rules.GET("", handler.ListRules)                      // 规则列表
		rules.GET("/:id", handler.GetRule)                    // 规则详情
		rules.PUT("/:id", handler.UpdateRule)                 // 更新规则
		rules.POST("/:id/deactivate", handler.DeactivateRule) // 停用规则
		rules.DELETE("/:id", handler.DeleteRule)              // 删除规则
		rules.GET("/:id/executions", handler.ListExecutions)  // 执行记录
	}
}

// RegisterEventRoutes 注册事件入口路由
func RegisterEventRoutes(r *gin.RouterGroup, handler *EventHandler) {
	events := r.Group("/events")
	{
		events.POST("", handler.EmitEvent) // 发布触发事件
	}
}

// RegisterMonitorRoutes 注册监控路由
func RegisterMonitorRoutes(r *gin.RouterGroup, handler *MonitorHandler) {
	sla := r.Group("/sla")
	{
		sla.GET("/trackings", handler.ListSLATrackings) // 未关闭 SLA 时钟
	}

	risks := r.Group("/risks")
	{
		risks.POST("/:id/recalculate", handler.RecalculateRisk) // 手工重算评分
		risks.GET("/:id/history", handler.RiskHistory)          // 评分历史
	}

	kris := r.Group("/kris")
	{
		kris.POST("/:id/evaluate", handler.EvaluateKRI) // 手工评估 KRI
		kris.GET("/alerts", handler.ListKRIAlerts)      // KRI 告警列表
	}
}
