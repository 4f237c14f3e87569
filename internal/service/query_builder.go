package service

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dushixiang/dashrun/internal/backend"
	"github.com/dushixiang/dashrun/internal/metric"
	"github.com/dushixiang/dashrun/internal/protocol"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// DefaultRefIDAlphabet 默认 refId 字母表
const DefaultRefIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

var (
	// 数字字面量一并匹配，避免把 2.5E-1 中的 E 当作 refId
	formulaTokenPattern = regexp.MustCompile(`[0-9.]+(?:[eE][+-]?[0-9]+)?|\$?[A-Za-z_][A-Za-z0-9_]*`)
	// refLikePattern 形如 A、B、AA 的标识，视为对子查询的引用
	refLikePattern = regexp.MustCompile(`^[A-Z]{1,2}$`)
)

// BuildResult 构建结果
type BuildResult struct {
	Queries     []backend.Query
	Formulas    []backend.Formula
	RefMap      map[string]metric.PanelInfo // refId -> 面板信息
	Order       []string                    // refId 分配顺序
	Diagnostics []metric.Diagnostic
}

// QueryBuilder 把面板子查询构建为可下发的查询，分配唯一 refId 并组装公式
type QueryBuilder struct {
	logger       *zap.Logger
	alphabet     []string
	targetPoints int
}

// NewQueryBuilder 创建查询构建器，alphabet 为空时使用 A-Z
func NewQueryBuilder(logger *zap.Logger, alphabet string, targetPoints int) *QueryBuilder {
	if alphabet == "" {
		alphabet = DefaultRefIDAlphabet
	}
	if targetPoints <= 0 {
		targetPoints = DefaultTargetPoints
	}
	return &QueryBuilder{
		logger:       logger,
		alphabet:     lo.Uniq(strings.Split(alphabet, "")),
		targetPoints: targetPoints,
	}
}

// refAllocator 按顺序分配 refId，耗尽后失败，不回绕
type refAllocator struct {
	alphabet []string
	next     int
}

func (a *refAllocator) allocate() (string, error) {
	if a.next >= len(a.alphabet) {
		return "", ErrRefIDExhausted
	}
	id := a.alphabet[a.next]
	a.next++
	return id, nil
}

// panelBuild 单个面板的构建中间结果，失败时整体丢弃
type panelBuild struct {
	queries     []backend.Query
	formulas    []backend.Formula
	refs        map[string]metric.PanelInfo
	order       []string
	diagnostics []metric.Diagnostic
}

// Build 按面板、子查询的声明顺序构建查询
func (b *QueryBuilder) Build(rc *ResolutionContext, dashboard *protocol.Dashboard, panels []protocol.PanelDef) *BuildResult {
	result := &BuildResult{RefMap: make(map[string]metric.PanelInfo)}
	alloc := &refAllocator{alphabet: b.alphabet}

	for _, panel := range panels {
		mark := alloc.next
		pb, err := b.buildPanel(rc, dashboard, panel, alloc)
		if err != nil {
			// 归还该面板已占用的 refId，拒绝整个面板
			alloc.next = mark
			info := panelInfo(panel, "")
			result.Diagnostics = append(result.Diagnostics,
				metric.Fail(metric.DiagRefIDExhausted,
					fmt.Sprintf("panel needs more than the %d available refIds", len(b.alphabet))).ForPanel("", info))
			b.logger.Error("refId 已耗尽，面板被拒绝",
				zap.String("runId", rc.RunID),
				zap.String("panelId", string(panel.ID)),
				zap.String("panelTitle", panel.Title),
				zap.Error(err))
			continue
		}
		result.Queries = append(result.Queries, pb.queries...)
		result.Formulas = append(result.Formulas, pb.formulas...)
		result.Order = append(result.Order, pb.order...)
		result.Diagnostics = append(result.Diagnostics, pb.diagnostics...)
		for refID, info := range pb.refs {
			result.RefMap[refID] = info
		}
	}
	return result
}

func (b *QueryBuilder) buildPanel(rc *ResolutionContext, dashboard *protocol.Dashboard, panel protocol.PanelDef, alloc *refAllocator) (*panelBuild, error) {
	pb := &panelBuild{refs: make(map[string]metric.PanelInfo)}
	declared := make(map[string]string) // 面板内声明的 refId -> 分配的 refId
	declaredNames := make(map[string]struct{})

	for i, target := range panel.Targets {
		declaredRef := target.RefID
		if declaredRef == "" {
			declaredRef = fmt.Sprintf("#%d", i)
		}
		declaredNames[declaredRef] = struct{}{}
		info := panelInfo(panel, target.Expr)
		info.Legend = target.Legend

		ds, ok := rc.ResolveDatasource(target.Datasource, panel.Datasource, dashboard.Datasource)
		if !ok {
			pb.diagnostics = append(pb.diagnostics,
				metric.Warn(metric.DiagDatasourceUnresolved,
					fmt.Sprintf("sub-query %s has no resolvable datasource", declaredRef)).ForPanel("", info))
			b.logger.Warn("子查询没有可用的数据源，已跳过",
				zap.String("runId", rc.RunID),
				zap.String("panelId", string(panel.ID)),
				zap.String("refId", declaredRef))
			continue
		}
		if strings.TrimSpace(target.Expr) == "" {
			pb.diagnostics = append(pb.diagnostics,
				metric.Warn(metric.DiagEmptyExpression,
					fmt.Sprintf("sub-query %s has an empty expression", declaredRef)).ForPanel("", info))
			continue
		}

		expr, gaps := rc.Interpolate(target.Expr, ds)
		if len(gaps) > 0 {
			pb.diagnostics = append(pb.diagnostics,
				metric.Warn(metric.DiagResolutionGap,
					fmt.Sprintf("unresolved placeholders replaced with empty string: %s", strings.Join(gaps, ", "))).ForPanel("", info))
			b.logger.Warn("表达式存在未解析的占位符",
				zap.String("runId", rc.RunID),
				zap.String("panelId", string(panel.ID)),
				zap.Strings("placeholders", gaps))
		}

		refID, err := alloc.allocate()
		if err != nil {
			return nil, err
		}
		declared[declaredRef] = refID
		pb.order = append(pb.order, refID)
		pb.refs[refID] = info
		pb.queries = append(pb.queries, backend.Query{
			RefID:         refID,
			Expression:    expr,
			Datasource:    ds,
			Disabled:      target.Hide,
			Legend:        target.Legend,
			IntervalMs:    rc.Bucket.Milliseconds(),
			MaxDataPoints: b.targetPoints,
			PanelType:     panel.Type,
		})
	}

	for _, formula := range panel.Formulas {
		expr, operands, missing := remapFormula(formula.Expression, declared, declaredNames)
		info := panelInfo(panel, formula.Expression)
		info.Legend = formula.Legend
		info.Formula = true
		if len(missing) > 0 || len(operands) == 0 {
			reason := "references no sub-query"
			if len(missing) > 0 {
				reason = "references unassigned refIds " + strings.Join(missing, ", ")
			}
			pb.diagnostics = append(pb.diagnostics,
				metric.Warn(metric.DiagFormulaDropped,
					fmt.Sprintf("formula %q dropped: %s", formula.Expression, reason)).ForPanel("", info))
			b.logger.Warn("公式引用了未分配的 refId，已丢弃",
				zap.String("runId", rc.RunID),
				zap.String("panelId", string(panel.ID)),
				zap.String("formula", formula.Expression),
				zap.Strings("missing", missing))
			continue
		}

		refID, err := alloc.allocate()
		if err != nil {
			return nil, err
		}
		pb.order = append(pb.order, refID)
		pb.refs[refID] = info
		pb.formulas = append(pb.formulas, backend.Formula{
			RefID:      refID,
			Expression: expr,
			Operands:   operands,
			Legend:     formula.Legend,
		})
	}
	return pb, nil
}

// remapFormula 把公式中面板内声明的 refId 替换为本次请求分配的 refId。
// 返回改写后的表达式、操作数以及引用了但未分配的 refId。
func remapFormula(expr string, assigned map[string]string, declared map[string]struct{}) (string, []string, []string) {
	var operands, missing []string
	out := formulaTokenPattern.ReplaceAllStringFunc(expr, func(token string) string {
		if token[0] == '.' || (token[0] >= '0' && token[0] <= '9') {
			return token
		}
		name := strings.TrimPrefix(token, "$")
		if refID, ok := assigned[name]; ok {
			operands = append(operands, refID)
			return refID
		}
		if _, ok := declared[name]; ok || refLikePattern.MatchString(name) {
			missing = append(missing, name)
		}
		return token
	})
	return out, lo.Uniq(operands), lo.Uniq(missing)
}

func panelInfo(panel protocol.PanelDef, expr string) metric.PanelInfo {
	panelType := panel.Type
	if panelType == "" {
		panelType = protocol.PanelTypeTimeseries
	}
	return metric.PanelInfo{
		PanelID:            string(panel.ID),
		PanelTitle:         panel.Title,
		PanelType:          string(panelType),
		OriginalExpression: expr,
	}
}

// FlattenPanels 展开 row 面板，保持声明顺序
func FlattenPanels(panels []protocol.PanelDef) []protocol.PanelDef {
	var out []protocol.PanelDef
	for _, panel := range panels {
		if panel.Type == protocol.PanelTypeRow || len(panel.Panels) > 0 {
			out = append(out, FlattenPanels(panel.Panels)...)
			if panel.Type == protocol.PanelTypeRow {
				continue
			}
		}
		out = append(out, panel)
	}
	return out
}
