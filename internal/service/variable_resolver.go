package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/dushixiang/dashrun/internal/metric"
	"github.com/dushixiang/dashrun/internal/protocol"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// VariableQueryFunc 执行查询型变量的定义查询，返回候选值
type VariableQueryFunc func(ctx context.Context, def protocol.VariableDef, query string) ([]string, error)

// VariableResolution 变量解析结果
type VariableResolution struct {
	Values      Variables
	Errors      map[string]error // 解析失败的变量，值已置空
	Diagnostics []metric.Diagnostic
}

// VariableResolver 模板变量解析器
type VariableResolver struct {
	logger      *zap.Logger
	concurrency int
}

// NewVariableResolver 创建变量解析器，concurrency 为同一层查询型变量的最大并发
func NewVariableResolver(logger *zap.Logger, concurrency int) *VariableResolver {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &VariableResolver{logger: logger, concurrency: concurrency}
}

type variableOutcome struct {
	name   string
	values protocol.Values
	gaps   []string // 定义查询中未解析的占位符
	err    error
}

// Resolve 两阶段解析：先内置与静态变量，再按依赖分层并发执行查询型变量。
// 用户覆盖值始终优先；rc.Variables 与结果共享同一份取值。
func (r *VariableResolver) Resolve(ctx context.Context, rc *ResolutionContext, defs []protocol.VariableDef,
	overrides map[string]protocol.Values, query VariableQueryFunc) *VariableResolution {

	res := &VariableResolution{
		Values: rc.Builtins(),
		Errors: make(map[string]error),
	}
	rc.Variables = res.Values

	declared := make(map[string]protocol.VariableDef, len(defs))
	unique := make([]protocol.VariableDef, 0, len(defs))
	for _, def := range defs {
		if _, dup := declared[def.Name]; dup {
			r.logger.Warn("变量重复定义，使用第一个", zap.String("variable", def.Name))
			continue
		}
		declared[def.Name] = def
		unique = append(unique, def)
	}

	// 第一阶段：内置与静态变量
	for _, def := range unique {
		if def.Kind == protocol.VariableKindQuery {
			continue
		}
		if override, ok := overrides[def.Name]; ok {
			res.Values[def.Name] = override
			continue
		}
		if def.Kind == protocol.VariableKindBuiltin {
			if _, ok := res.Values[def.Name]; ok && len(def.Current) == 0 {
				continue
			}
		}
		if def.Query != "" {
			r.logger.Warn("非查询型变量的定义查询被忽略", zap.String("variable", def.Name))
		}
		res.Values[def.Name] = selectStatic(def)
	}

	// 第二阶段：查询型变量
	pending := make(map[string][]string)
	var order []string
	for _, def := range unique {
		if def.Kind != protocol.VariableKindQuery {
			continue
		}
		if override, ok := overrides[def.Name]; ok {
			res.Values[def.Name] = override
			continue
		}
		if hasSelection(def.Current) {
			res.Values[def.Name] = limitValues(def, def.Current)
			continue
		}
		pending[def.Name] = lo.Filter(ReferencedVariables(def.Query), func(name string, _ int) bool {
			dep, ok := declared[name]
			return ok && dep.Kind == protocol.VariableKindQuery
		})
		order = append(order, def.Name)
	}

	// 未声明的变量也可以通过覆盖值传入
	for name, values := range overrides {
		if _, ok := declared[name]; !ok {
			res.Values[name] = values
		}
	}

	for len(order) > 0 {
		var ready, waiting []string
		for _, name := range order {
			blocked := false
			for _, dep := range pending[name] {
				if _, failed := res.Errors[dep]; failed {
					r.fail(res, name, fmt.Errorf("%w: %s depends on unresolved variable %s", ErrDependencyUnresolved, name, dep))
					blocked = true
					break
				}
				if _, ok := res.Values[dep]; !ok {
					blocked = true
				}
			}
			switch {
			case res.Errors[name] != nil:
			case blocked:
				waiting = append(waiting, name)
			default:
				ready = append(ready, name)
			}
		}

		if len(ready) == 0 {
			if len(waiting) == 0 {
				break
			}
			// 剩余变量相互依赖，无法继续
			for _, name := range waiting {
				r.fail(res, name, fmt.Errorf("%w: %s is part of a dependency cycle", ErrDependencyUnresolved, name))
			}
			break
		}

		for _, outcome := range r.executeLayer(ctx, rc, res.Values, declared, ready, query) {
			if len(outcome.gaps) > 0 {
				res.Diagnostics = append(res.Diagnostics, metric.Diagnostic{
					Code:     metric.DiagResolutionGap,
					Severity: metric.SeverityWarning,
					Variable: outcome.name,
					Message:  "unresolved placeholders replaced with empty string: " + strings.Join(outcome.gaps, ", "),
				})
			}
			if outcome.err != nil {
				r.fail(res, outcome.name, fmt.Errorf("%w: %s: %w", ErrDependencyUnresolved, outcome.name, outcome.err))
				continue
			}
			res.Values[outcome.name] = outcome.values
		}
		order = waiting
	}

	return res
}

// executeLayer 并发执行同一层的查询型变量
func (r *VariableResolver) executeLayer(ctx context.Context, rc *ResolutionContext, resolved Variables,
	declared map[string]protocol.VariableDef, names []string, query VariableQueryFunc) []variableOutcome {

	p := pool.NewWithResults[variableOutcome]().WithMaxGoroutines(r.concurrency)
	for _, name := range names {
		name := name
		def := declared[name]
		var ds protocol.DatasourceRef
		if def.Datasource != nil {
			ds = *def.Datasource
		}
		text, gaps := Interpolate(def.Query, resolved, rc.Dialect(ds))
		if len(gaps) > 0 {
			r.logger.Warn("变量定义查询存在未解析的占位符",
				zap.String("variable", name),
				zap.Strings("placeholders", gaps))
		}
		p.Go(func() variableOutcome {
			outcome := variableOutcome{name: name, gaps: gaps}
			if outcome.err = ctx.Err(); outcome.err != nil {
				return outcome
			}
			values, err := query(ctx, def, text)
			if err != nil {
				outcome.err = err
				return outcome
			}
			values = lo.Uniq(lo.Filter(values, func(v string, _ int) bool { return v != "" }))
			outcome.values = limitValues(def, values)
			return outcome
		})
	}
	return p.Wait()
}

func (r *VariableResolver) fail(res *VariableResolution, name string, err error) {
	if _, exists := res.Errors[name]; exists {
		return
	}
	res.Errors[name] = err
	res.Values[name] = protocol.Values{}
	res.Diagnostics = append(res.Diagnostics, metric.Diagnostic{
		Code:     metric.DiagDependencyUnresolved,
		Severity: metric.SeverityWarning,
		Variable: name,
		Message:  err.Error(),
	})
	r.logger.Warn("变量解析失败，使用空值", zap.String("variable", name), zap.Error(err))
}

// selectStatic 静态变量取值：当前值 -> 默认值 -> 第一个可选值
func selectStatic(def protocol.VariableDef) protocol.Values {
	switch {
	case hasSelection(def.Current):
		return limitValues(def, def.Current)
	case isAll(def.Current) && len(def.Options) > 0:
		return limitValues(def, def.Options)
	case hasSelection(def.Default):
		return limitValues(def, def.Default)
	case len(def.Options) > 0:
		return protocol.Values{def.Options[0]}
	default:
		return protocol.Values{}
	}
}

func hasSelection(values protocol.Values) bool {
	return len(values) > 0 && !isAll(values) && !(len(values) == 1 && values[0] == "")
}

func isAll(values protocol.Values) bool {
	return len(values) == 1 && (values[0] == "$__all" || strings.EqualFold(values[0], "all"))
}

// limitValues 单值变量只保留第一个取值
func limitValues(def protocol.VariableDef, values []string) protocol.Values {
	if !def.Multi && len(values) > 1 {
		return protocol.Values{values[0]}
	}
	return protocol.Values(values)
}
