package service

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/dushixiang/dashrun/internal/backend"
	"github.com/dushixiang/dashrun/internal/metric"
	"github.com/samber/lo"
)

// formulaNode 公式语法树节点
type formulaNode struct {
	op    byte // 0 数值，'r' 引用，'n' 取负，其余为二元运算符
	value float64
	ref   string
	left  *formulaNode
	right *formulaNode
}

// parseFormula 解析只包含 + - * /、括号、数字与 refId 的四则运算表达式
func parseFormula(expr string) (*formulaNode, error) {
	p := &formulaParser{input: expr}
	node, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return nil, fmt.Errorf("unexpected %q at position %d", p.input[p.pos], p.pos)
	}
	return node, nil
}

type formulaParser struct {
	input string
	pos   int
}

func (p *formulaParser) skipSpace() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
}

func (p *formulaParser) parseExpr() (*formulaNode, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) || (p.input[p.pos] != '+' && p.input[p.pos] != '-') {
			return left, nil
		}
		op := p.input[p.pos]
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &formulaNode{op: op, left: left, right: right}
	}
}

func (p *formulaParser) parseTerm() (*formulaNode, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) || (p.input[p.pos] != '*' && p.input[p.pos] != '/') {
			return left, nil
		}
		op := p.input[p.pos]
		p.pos++
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = &formulaNode{op: op, left: left, right: right}
	}
}

func (p *formulaParser) parseFactor() (*formulaNode, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("unexpected end of formula")
	}
	c := p.input[p.pos]
	switch {
	case c == '(':
		p.pos++
		node, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return node, nil
	case c == '-':
		p.pos++
		operand, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return &formulaNode{op: 'n', left: operand}, nil
	case c == '$' || c == '_' || unicode.IsLetter(rune(c)):
		if c == '$' {
			p.pos++
		}
		start := p.pos
		for p.pos < len(p.input) && (p.input[p.pos] == '_' || unicode.IsLetter(rune(p.input[p.pos])) || unicode.IsDigit(rune(p.input[p.pos]))) {
			p.pos++
		}
		if start == p.pos {
			return nil, fmt.Errorf("expected identifier at position %d", start)
		}
		return &formulaNode{op: 'r', ref: p.input[start:p.pos]}, nil
	case c == '.' || unicode.IsDigit(rune(c)):
		start := p.pos
		for p.pos < len(p.input) && (p.input[p.pos] == '.' || unicode.IsDigit(rune(p.input[p.pos]))) {
			p.pos++
		}
		p.scanExponent()
		v, err := strconv.ParseFloat(p.input[start:p.pos], 64)
		if err != nil {
			return nil, err
		}
		return &formulaNode{value: v}, nil
	default:
		return nil, fmt.Errorf("unexpected %q at position %d", c, p.pos)
	}
}

// scanExponent 读取 e3、E-1 形式的指数部分，不完整时不消费
func (p *formulaParser) scanExponent() {
	i := p.pos
	if i >= len(p.input) || (p.input[i] != 'e' && p.input[i] != 'E') {
		return
	}
	i++
	if i < len(p.input) && (p.input[i] == '+' || p.input[i] == '-') {
		i++
	}
	digits := i
	for i < len(p.input) && unicode.IsDigit(rune(p.input[i])) {
		i++
	}
	if i > digits {
		p.pos = i
	}
}

// operandValue 运算中间值：标量或一组序列
type operandValue struct {
	scalar   float64
	isScalar bool
	series   []metric.Series
}

func (n *formulaNode) eval(lookup func(ref string) ([]metric.Series, bool)) (operandValue, error) {
	switch n.op {
	case 0:
		return operandValue{scalar: n.value, isScalar: true}, nil
	case 'r':
		series, ok := lookup(n.ref)
		if !ok {
			return operandValue{}, fmt.Errorf("operand %s has no time series", n.ref)
		}
		return operandValue{series: series}, nil
	case 'n':
		v, err := n.left.eval(lookup)
		if err != nil {
			return operandValue{}, err
		}
		return combine(operandValue{scalar: 0, isScalar: true}, v, '-'), nil
	default:
		l, err := n.left.eval(lookup)
		if err != nil {
			return operandValue{}, err
		}
		r, err := n.right.eval(lookup)
		if err != nil {
			return operandValue{}, err
		}
		return combine(l, r, n.op), nil
	}
}

// apply 除数为零或结果溢出时丢弃该点
func apply(a, b float64, op byte) (float64, bool) {
	var v float64
	switch op {
	case '+':
		v = a + b
	case '-':
		v = a - b
	case '*':
		v = a * b
	case '/':
		if b == 0 {
			return 0, false
		}
		v = a / b
	default:
		return 0, false
	}
	return v, !math.IsInf(v, 0) && !math.IsNaN(v)
}

// combine 逐点运算：按标签匹配序列，单序列一侧广播，按时间戳对齐
func combine(l, r operandValue, op byte) operandValue {
	switch {
	case l.isScalar && r.isScalar:
		v, ok := apply(l.scalar, r.scalar, op)
		if !ok {
			return operandValue{series: nil}
		}
		return operandValue{scalar: v, isScalar: true}
	case l.isScalar:
		return operandValue{series: mapSeries(r.series, func(v float64) (float64, bool) { return apply(l.scalar, v, op) })}
	case r.isScalar:
		return operandValue{series: mapSeries(l.series, func(v float64) (float64, bool) { return apply(v, r.scalar, op) })}
	}

	var out []metric.Series
	rightBySig := make(map[string]metric.Series, len(r.series))
	for _, s := range r.series {
		rightBySig[labelSignature(s.Labels)] = s
	}
	for _, ls := range l.series {
		rs, ok := rightBySig[labelSignature(ls.Labels)]
		if !ok {
			if len(r.series) != 1 {
				continue
			}
			rs = r.series[0]
		}
		out = append(out, zipSeries(ls, rs, op))
	}
	if len(out) == 0 && len(l.series) == 1 {
		for _, rs := range r.series {
			s := zipSeries(l.series[0], rs, op)
			s.Labels = rs.Labels
			out = append(out, s)
		}
	}
	return operandValue{series: out}
}

func mapSeries(series []metric.Series, f func(float64) (float64, bool)) []metric.Series {
	out := make([]metric.Series, 0, len(series))
	for _, s := range series {
		mapped := metric.Series{Labels: s.Labels, Data: make([]metric.DataPoint, 0, len(s.Data))}
		for _, p := range s.Data {
			if v, ok := f(p.Value); ok {
				mapped.Data = append(mapped.Data, metric.DataPoint{Timestamp: p.Timestamp, Value: v})
			}
		}
		out = append(out, mapped)
	}
	return out
}

func zipSeries(l, r metric.Series, op byte) metric.Series {
	right := make(map[int64]float64, len(r.Data))
	for _, p := range r.Data {
		right[p.Timestamp] = p.Value
	}
	out := metric.Series{Labels: l.Labels}
	for _, p := range l.Data {
		rv, ok := right[p.Timestamp]
		if !ok {
			continue
		}
		if v, ok := apply(p.Value, rv, op); ok {
			out.Data = append(out.Data, metric.DataPoint{Timestamp: p.Timestamp, Value: v})
		}
	}
	return out
}

func labelSignature(labels []metric.Label) string {
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, l.Name+"="+l.Value)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// EvaluateFormulas 在客户端计算公式，操作数取自已归一化的时间序列结果
func EvaluateFormulas(formulas []backend.Formula, results []metric.Result, refMap map[string]metric.PanelInfo) ([]metric.Result, []metric.Diagnostic) {
	seriesByRef := make(map[string][]metric.Series)
	for _, r := range results {
		if r.Kind == metric.KindTimeSeries && !r.Empty {
			seriesByRef[r.RefID] = append(seriesByRef[r.RefID], r.Series...)
		}
	}
	lookup := func(ref string) ([]metric.Series, bool) {
		s, ok := seriesByRef[ref]
		return s, ok
	}

	var (
		out   []metric.Result
		diags []metric.Diagnostic
	)
	for _, f := range formulas {
		info := refMap[f.RefID]
		node, err := parseFormula(f.Expression)
		if err != nil {
			diags = append(diags, metric.Warn(metric.DiagFormulaDropped,
				fmt.Sprintf("formula %q cannot be parsed: %v", f.Expression, err)).ForPanel(f.RefID, info))
			continue
		}
		value, err := node.eval(lookup)
		if err != nil {
			diags = append(diags, metric.Warn(metric.DiagNoResults,
				fmt.Sprintf("formula %q not evaluated: %v", f.Expression, err)).ForPanel(f.RefID, info))
			out = append(out, metric.Result{RefID: f.RefID, Panel: info, Kind: metric.KindTimeSeries, Empty: true})
			continue
		}
		if value.isScalar {
			// 常量公式展开到所有操作数时间点上没有意义，按空结果处理
			value.series = nil
		}
		series := lo.Filter(value.series, func(s metric.Series, _ int) bool { return len(s.Data) > 0 })
		for i := range series {
			series[i].Name = seriesName(f.Legend, backend.Frame{Name: f.Expression}, series[i].Labels)
		}
		result := metric.Result{RefID: f.RefID, Panel: info, Kind: metric.KindTimeSeries, Series: series}
		if len(series) == 0 {
			result.Empty = true
			diags = append(diags, metric.Warn(metric.DiagNoResults,
				fmt.Sprintf("formula %q produced no points", f.Expression)).ForPanel(f.RefID, info))
		}
		out = append(out, result)
	}
	return out, diags
}
