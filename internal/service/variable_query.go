package service

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dushixiang/dashrun/internal/backend"
	"github.com/samber/lo"
)

var (
	labelValuesPattern = regexp.MustCompile(`^\s*label_values\(\s*(?:(.+),\s*)?([A-Za-z_][A-Za-z0-9_]*)\s*\)\s*$`)
	labelNamesPattern  = regexp.MustCompile(`^\s*label_names\(\s*\)\s*$`)
	queryResultPattern = regexp.MustCompile(`^\s*query_result\(\s*(.+)\s*\)\s*$`)
)

// variableQuery 查询型变量的可执行形式
type variableQuery struct {
	Expression string
	Label      string // 非空时从序列标签中取值
}

// translateVariableQuery 把 Grafana 变量函数转换为可直接执行的表达式：
// label_values(metric, label) -> group by (label) (metric)；query_result(expr) -> expr
func translateVariableQuery(query string) variableQuery {
	if m := labelValuesPattern.FindStringSubmatch(query); m != nil {
		selector := strings.TrimSpace(m[1])
		label := m[2]
		if selector == "" {
			selector = fmt.Sprintf(`{%s!=""}`, label)
		}
		return variableQuery{Expression: fmt.Sprintf("group by (%s) (%s)", label, selector), Label: label}
	}
	if labelNamesPattern.MatchString(query) {
		return variableQuery{Expression: `group by (__name__) ({__name__!=""})`, Label: "__name__"}
	}
	if m := queryResultPattern.FindStringSubmatch(query); m != nil {
		return variableQuery{Expression: m[1]}
	}
	return variableQuery{Expression: query}
}

// ExtractVariableValues 从查询结果中提取变量候选值：
// 指定标签时取序列标签值，否则取文本字段的值，没有文本字段时取数值
func ExtractVariableValues(raw backend.RawResult, label string) ([]string, error) {
	if raw.Error != "" {
		return nil, fmt.Errorf("variable query failed: %s", raw.Error)
	}
	var values []string
	for _, frame := range raw.Frames {
		if label != "" {
			for i, field := range frame.Fields {
				if v, ok := field.Labels[label]; ok {
					values = append(values, v)
					continue
				}
				if field.Name == label && i < len(frame.Columns) {
					values = append(values, lo.Map(frame.Columns[i], func(v any, _ int) string { return stringify(v) })...)
				}
			}
			continue
		}

		picked := -1
		for i, field := range frame.Fields {
			if field.Type == backend.FieldLabel {
				picked = i
				break
			}
		}
		if picked < 0 {
			for i, field := range frame.Fields {
				if field.Type == backend.FieldNumber {
					picked = i
					break
				}
			}
		}
		if picked < 0 || picked >= len(frame.Columns) {
			continue
		}
		for _, v := range frame.Columns[picked] {
			values = append(values, stringify(v))
		}
	}
	return lo.Uniq(lo.Filter(values, func(v string, _ int) bool { return v != "" })), nil
}
