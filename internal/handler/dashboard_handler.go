package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dushixiang/dashrun/internal/metric"
	"github.com/dushixiang/dashrun/internal/protocol"
	"github.com/dushixiang/dashrun/internal/scheduler"
	"github.com/dushixiang/dashrun/internal/service"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// DashboardExecutor 仪表盘执行接口
type DashboardExecutor interface {
	GetDashboard(ctx context.Context, uid string) (*protocol.Dashboard, error)
	ExecuteDashboard(ctx context.Context, req service.ExecuteRequest) (*metric.DashboardResult, error)
	ExecuteSingleQuery(ctx context.Context, req service.SingleQueryRequest) (*metric.DashboardResult, error)
}

// ScheduleLister 调度状态
type ScheduleLister interface {
	GetTaskStatus() []scheduler.ScheduleStatus
}

// DashboardHandler 仪表盘处理器
type DashboardHandler struct {
	logger    *zap.Logger
	service   DashboardExecutor
	scheduler ScheduleLister
	now       func() time.Time
}

// NewDashboardHandler 创建处理器
func NewDashboardHandler(logger *zap.Logger, service DashboardExecutor, scheduler ScheduleLister) *DashboardHandler {
	return &DashboardHandler{
		logger:    logger,
		service:   service,
		scheduler: scheduler,
		now:       time.Now,
	}
}

// Register 注册路由
func (h *DashboardHandler) Register(e *echo.Echo) {
	api := e.Group("/api")
	api.GET("/dashboards/:uid", h.Get)
	api.POST("/dashboards/:uid/execute", h.Execute)
	api.POST("/query", h.Query)
	api.GET("/schedules", h.Schedules)
}

type executeBody struct {
	From      string                     `json:"from"`
	To        string                     `json:"to"`
	PanelIDs  []string                   `json:"panelIds"`
	Variables map[string]protocol.Values `json:"variables"`
}

type queryBody struct {
	From       string                     `json:"from"`
	To         string                     `json:"to"`
	Expression string                     `json:"expression"`
	Datasource protocol.DatasourceRef     `json:"datasource"`
	PanelType  protocol.PanelType         `json:"panelType"`
	Legend     string                     `json:"legend"`
	Variables  map[string]protocol.Values `json:"variables"`
}

// Get 获取仪表盘定义
// GET /api/dashboards/:uid
func (h *DashboardHandler) Get(c echo.Context) error {
	uid := c.Param("uid")
	dashboard, err := h.service.GetDashboard(c.Request().Context(), uid)
	if err != nil {
		return h.fail(c, err, nil)
	}
	return c.JSON(http.StatusOK, dashboard)
}

// Execute 执行仪表盘
// POST /api/dashboards/:uid/execute
func (h *DashboardHandler) Execute(c echo.Context) error {
	var body executeBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "请求参数错误",
		})
	}
	tr, err := protocol.ParseTimeRange(body.From, body.To, h.now())
	if err != nil {
		return h.fail(c, err, nil)
	}

	result, err := h.service.ExecuteDashboard(c.Request().Context(), service.ExecuteRequest{
		DashboardUID: c.Param("uid"),
		TimeRange:    tr,
		PanelIDs:     body.PanelIDs,
		Variables:    body.Variables,
	})
	if err != nil {
		return h.fail(c, err, result)
	}
	return c.JSON(http.StatusOK, result)
}

// Query 执行单条查询
// POST /api/query
func (h *DashboardHandler) Query(c echo.Context) error {
	var body queryBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "请求参数错误",
		})
	}
	tr, err := protocol.ParseTimeRange(body.From, body.To, h.now())
	if err != nil {
		return h.fail(c, err, nil)
	}

	result, err := h.service.ExecuteSingleQuery(c.Request().Context(), service.SingleQueryRequest{
		Expression: body.Expression,
		Datasource: body.Datasource,
		TimeRange:  tr,
		PanelType:  body.PanelType,
		Legend:     body.Legend,
		Variables:  body.Variables,
	})
	if err != nil {
		return h.fail(c, err, result)
	}
	return c.JSON(http.StatusOK, result)
}

// Schedules 调度任务状态
// GET /api/schedules
func (h *DashboardHandler) Schedules(c echo.Context) error {
	if h.scheduler == nil {
		return c.JSON(http.StatusOK, []scheduler.ScheduleStatus{})
	}
	return c.JSON(http.StatusOK, h.scheduler.GetTaskStatus())
}

// fail 按错误类型返回状态码，带上已有的诊断信息
func (h *DashboardHandler) fail(c echo.Context, err error, result *metric.DashboardResult) error {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("请求执行失败", zap.String("path", c.Path()), zap.Error(err))
	} else {
		h.logger.Warn("请求被拒绝", zap.String("path", c.Path()), zap.Error(err))
	}

	resp := map[string]interface{}{
		"error": err.Error(),
	}
	if result != nil {
		resp["runId"] = result.RunID
		resp["diagnostics"] = result.Diagnostics
	}
	return c.JSON(status, resp)
}

// StatusFor 错误到 HTTP 状态码的映射
func StatusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrDashboardNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidTimeRange), errors.Is(err, service.ErrDatasourceUnresolved):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNoQueries):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrBackendBatchFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
