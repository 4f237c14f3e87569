package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dushixiang/dashrun/internal/backend"
	"github.com/dushixiang/dashrun/internal/metric"
	"github.com/dushixiang/dashrun/internal/protocol"
	"github.com/dushixiang/dashrun/internal/store"
	goerrors "github.com/go-errors/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// ExecuteRequest 仪表盘执行请求
type ExecuteRequest struct {
	DashboardUID string                     `json:"dashboardUid"`
	TimeRange    protocol.TimeRange         `json:"timeRange"`
	PanelIDs     []string                   `json:"panelIds,omitempty"`  // 为空时执行全部面板
	Variables    map[string]protocol.Values `json:"variables,omitempty"` // 用户覆盖值
}

// SingleQueryRequest 单条查询请求
type SingleQueryRequest struct {
	Expression string                     `json:"expression"`
	Datasource protocol.DatasourceRef     `json:"datasource"`
	TimeRange  protocol.TimeRange         `json:"timeRange"`
	PanelType  protocol.PanelType         `json:"panelType,omitempty"`
	Legend     string                     `json:"legend,omitempty"`
	Variables  map[string]protocol.Values `json:"variables,omitempty"`
}

// ExecutionOptions 执行参数
type ExecutionOptions struct {
	TargetPoints int           // 每个序列期望的数据点数量
	Timeout      time.Duration // 单次执行的总超时，调用方未设置截止时间时生效
}

// DashboardService 仪表盘执行服务
type DashboardService struct {
	logger     *zap.Logger
	store      store.DashboardStore
	client     backend.Client
	resolver   *VariableResolver
	builder    *QueryBuilder
	normalizer *ResponseNormalizer
	options    ExecutionOptions
}

// NewDashboardService 创建仪表盘执行服务
func NewDashboardService(logger *zap.Logger, dashboardStore store.DashboardStore, client backend.Client,
	resolver *VariableResolver, builder *QueryBuilder, normalizer *ResponseNormalizer, options ExecutionOptions) *DashboardService {
	if options.TargetPoints <= 0 {
		options.TargetPoints = DefaultTargetPoints
	}
	return &DashboardService{
		logger:     logger,
		store:      dashboardStore,
		client:     client,
		resolver:   resolver,
		builder:    builder,
		normalizer: normalizer,
		options:    options,
	}
}

// GetDashboard 读取仪表盘定义
func (s *DashboardService) GetDashboard(ctx context.Context, uid string) (*protocol.Dashboard, error) {
	return s.store.GetDashboard(ctx, uid)
}

// ExecuteDashboard 执行仪表盘：读取定义 -> 计算间隔 -> 解析变量 -> 构建查询 -> 一次批量请求 -> 归一化。
// 单个面板的问题作为诊断返回；构建不出任何查询或批量请求失败时返回错误，此时结果中仍带有已收集的诊断。
func (s *DashboardService) ExecuteDashboard(ctx context.Context, req ExecuteRequest) (*metric.DashboardResult, error) {
	if err := req.TimeRange.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	dashboard, err := s.store.GetDashboard(ctx, req.DashboardUID)
	if err != nil {
		if errors.Is(err, store.ErrDashboardNotFound) {
			s.logger.Warn("仪表盘不存在", zap.String("dashboard", req.DashboardUID))
		} else {
			s.logger.Error("读取仪表盘失败", zap.String("dashboard", req.DashboardUID), zap.Error(err))
		}
		return nil, err
	}

	bucket := ResolveBucketSeconds(req.TimeRange.DurationSeconds(), s.options.TargetPoints)
	rc := NewResolutionContext(dashboard.UID, req.TimeRange, bucket, s.client.Dialect)
	logger := s.logger.With(zap.String("runId", rc.RunID), zap.String("dashboard", dashboard.UID))
	logger.Info("开始执行仪表盘",
		zap.String("title", dashboard.Title),
		zap.Int64("bucketSeconds", bucket),
		zap.Strings("panelIds", req.PanelIDs))

	s.loadDatasources(ctx, rc, logger)
	resolution := s.resolver.Resolve(ctx, rc, dashboard.Variables, req.Variables, s.variableQuery(rc, dashboard))

	result := newDashboardResult(rc, bucket)
	result.DashboardName = dashboard.Title
	result.Diagnostics = append(result.Diagnostics, resolution.Diagnostics...)

	panels := filterPanels(FlattenPanels(dashboard.Panels), req.PanelIDs)
	if len(req.PanelIDs) > 0 && len(panels) < len(lo.Uniq(req.PanelIDs)) {
		logger.Warn("部分面板 ID 不存在", zap.Strings("panelIds", req.PanelIDs), zap.Int("matched", len(panels)))
	}
	return s.run(ctx, rc, logger, dashboard, panels, result)
}

// ExecuteSingleQuery 执行单条查询，结果结构与仪表盘执行一致
func (s *DashboardService) ExecuteSingleQuery(ctx context.Context, req SingleQueryRequest) (*metric.DashboardResult, error) {
	if err := req.TimeRange.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Expression) == "" {
		return nil, fmt.Errorf("%w: expression is empty", ErrNoQueries)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	bucket := ResolveBucketSeconds(req.TimeRange.DurationSeconds(), s.options.TargetPoints)
	rc := NewResolutionContext("", req.TimeRange, bucket, s.client.Dialect)
	logger := s.logger.With(zap.String("runId", rc.RunID))
	s.loadDatasources(ctx, rc, logger)

	rc.Variables = rc.Builtins()
	for name, values := range req.Variables {
		rc.Variables[name] = values
	}
	if _, ok := rc.ResolveDatasource(&req.Datasource); !ok {
		return nil, fmt.Errorf("%w: %+v", ErrDatasourceUnresolved, req.Datasource)
	}

	panelType := req.PanelType
	if panelType == "" {
		panelType = protocol.PanelTypeTimeseries
	}
	datasource := req.Datasource
	panel := protocol.PanelDef{
		ID:         "query",
		Title:      "query",
		Type:       panelType,
		Datasource: &datasource,
		Targets:    []protocol.TargetDef{{RefID: "A", Expr: req.Expression, Legend: req.Legend}},
	}
	dashboard := &protocol.Dashboard{Panels: []protocol.PanelDef{panel}}

	logger.Info("开始执行单条查询", zap.String("expression", req.Expression), zap.Int64("bucketSeconds", bucket))
	return s.run(ctx, rc, logger, dashboard, dashboard.Panels, newDashboardResult(rc, bucket))
}

func (s *DashboardService) run(ctx context.Context, rc *ResolutionContext, logger *zap.Logger,
	dashboard *protocol.Dashboard, panels []protocol.PanelDef, result *metric.DashboardResult) (*metric.DashboardResult, error) {

	result.Variables = make(map[string][]string, len(rc.Variables))
	for name, values := range rc.Variables {
		if !strings.HasPrefix(name, "__") {
			result.Variables[name] = values
		}
	}

	build := s.builder.Build(rc, dashboard, panels)
	result.Diagnostics = append(result.Diagnostics, build.Diagnostics...)
	if len(build.Queries) == 0 {
		logger.Warn("没有可执行的查询", zap.Int("panels", len(panels)), zap.Int("diagnostics", len(result.Diagnostics)))
		return result, fmt.Errorf("%w: %d panels, %d diagnostics", ErrNoQueries, len(panels), len(result.Diagnostics))
	}

	capabilities := s.client.Capabilities()
	batch := backend.Batch{
		TimeRange: rc.TimeRange,
		Bucket:    rc.Bucket,
		Queries:   build.Queries,
	}
	hiddenOperands := make(map[string]struct{})
	if capabilities.ServerSideFormulas {
		batch.Formulas = build.Formulas
	} else {
		batch.Queries, hiddenOperands = enableFormulaOperands(build.Queries, build.Formulas)
	}

	start := time.Now()
	raw, err := s.client.Execute(ctx, batch)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		wrapped := goerrors.WrapPrefix(fmt.Errorf("%w: %w", ErrBackendBatchFailure, err), "dashboard "+dashboard.UID, 0)
		logger.Error("批量查询失败",
			zap.Int("queries", len(batch.Queries)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
			zap.String("stack", wrapped.ErrorStack()))
		return result, wrapped
	}

	// 隐藏的子查询不展示，不参与归一化
	hidden := make(map[string]struct{})
	for _, q := range batch.Queries {
		if q.Disabled {
			hidden[q.RefID] = struct{}{}
		}
	}
	order := lo.Filter(build.Order, func(refID string, _ int) bool {
		_, ok := hidden[refID]
		return !ok
	})
	if !capabilities.ServerSideFormulas {
		// 客户端计算的公式不在响应中
		order = lo.Filter(order, func(refID string, _ int) bool { return !build.RefMap[refID].Formula })
	}
	results, diags := s.normalizer.Normalize(raw, build.RefMap, order)
	if !capabilities.ServerSideFormulas && len(build.Formulas) > 0 {
		formulaResults, formulaDiags := EvaluateFormulas(build.Formulas, results, build.RefMap)
		results = append(results, formulaResults...)
		diags = append(diags, formulaDiags...)
	}
	if len(hiddenOperands) > 0 {
		// 隐藏的操作数只为公式计算，本身不输出
		results = lo.Filter(results, func(r metric.Result, _ int) bool {
			_, ok := hiddenOperands[r.RefID]
			return !ok
		})
		diags = lo.Filter(diags, func(d metric.Diagnostic, _ int) bool {
			_, ok := hiddenOperands[d.RefID]
			return !ok || (d.Code != metric.DiagMissingData && d.Code != metric.DiagEmptyData && d.Code != metric.DiagNoResults)
		})
	}
	position := make(map[string]int, len(build.Order))
	for i, refID := range build.Order {
		position[refID] = i
	}
	sort.SliceStable(results, func(i, j int) bool { return position[results[i].RefID] < position[results[j].RefID] })

	result.Results = results
	result.Diagnostics = append(result.Diagnostics, diags...)
	logger.Info("执行完成",
		zap.Int("queries", len(batch.Queries)),
		zap.Int("results", len(result.Results)),
		zap.Int("panels", result.PanelCount()),
		zap.Int("diagnostics", len(result.Diagnostics)),
		zap.Duration("elapsed", time.Since(start)))
	return result, nil
}

// enableFormulaOperands 客户端计算公式时，被公式引用的隐藏子查询仍需执行。
// 返回下发的查询以及被重新启用的 refId。
func enableFormulaOperands(queries []backend.Query, formulas []backend.Formula) ([]backend.Query, map[string]struct{}) {
	operands := make(map[string]struct{})
	for _, f := range formulas {
		for _, refID := range f.Operands {
			operands[refID] = struct{}{}
		}
	}
	enabled := make(map[string]struct{})
	out := make([]backend.Query, len(queries))
	for i, q := range queries {
		if _, ok := operands[q.RefID]; ok && q.Disabled {
			q.Disabled = false
			enabled[q.RefID] = struct{}{}
		}
		out[i] = q
	}
	return out, enabled
}

// variableQuery 通过后端执行查询型变量的定义查询
func (s *DashboardService) variableQuery(rc *ResolutionContext, dashboard *protocol.Dashboard) VariableQueryFunc {
	return func(ctx context.Context, def protocol.VariableDef, query string) ([]string, error) {
		ds, ok := rc.ResolveDatasource(def.Datasource, dashboard.Datasource)
		if !ok {
			return nil, fmt.Errorf("%w: variable %s", ErrDatasourceUnresolved, def.Name)
		}
		translated := translateVariableQuery(query)
		raw, err := s.client.Execute(ctx, backend.Batch{
			TimeRange: rc.TimeRange,
			Bucket:    rc.Bucket,
			Queries: []backend.Query{{
				RefID:         "A",
				Expression:    translated.Expression,
				Datasource:    ds,
				IntervalMs:    rc.Bucket.Milliseconds(),
				MaxDataPoints: s.options.TargetPoints,
				PanelType:     protocol.PanelTypeTable,
			}},
		})
		if err != nil {
			return nil, err
		}
		return ExtractVariableValues(raw["A"], translated.Label)
	}
}

// loadDatasources 加载数据源名称映射，失败时按原始引用继续
func (s *DashboardService) loadDatasources(ctx context.Context, rc *ResolutionContext, logger *zap.Logger) {
	lister, ok := s.client.(backend.DatasourceLister)
	if !ok {
		return
	}
	datasources, err := lister.ListDatasources(ctx)
	if err != nil {
		logger.Warn("获取数据源列表失败，按原始引用下发", zap.Error(err))
		return
	}
	rc.RegisterDatasources(datasources)
}

func (s *DashboardService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || s.options.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.options.Timeout)
}

func newDashboardResult(rc *ResolutionContext, bucket int64) *metric.DashboardResult {
	return &metric.DashboardResult{
		RunID:         rc.RunID,
		DashboardUID:  rc.DashboardUID,
		From:          rc.TimeRange.From.UnixMilli(),
		To:            rc.TimeRange.To.UnixMilli(),
		BucketSeconds: bucket,
		Results:       []metric.Result{},
	}
}

// filterPanels 按面板 ID 过滤，保持仪表盘中的顺序
func filterPanels(panels []protocol.PanelDef, ids []string) []protocol.PanelDef {
	if len(ids) == 0 {
		return panels
	}
	return lo.Filter(panels, func(p protocol.PanelDef, _ int) bool {
		return lo.Contains(ids, string(p.ID))
	})
}
