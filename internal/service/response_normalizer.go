package service

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dushixiang/dashrun/internal/backend"
	"github.com/dushixiang/dashrun/internal/metric"
	"github.com/dushixiang/dashrun/internal/protocol"
	"go.uber.org/zap"
)

var (
	logMessageFields   = []string{"line", "message", "msg", "body", "log", "content"}
	logLevelFields     = []string{"level", "severity", "severity_text", "detected_level", "lvl"}
	logTimestampFields = []string{"timestamp", "time", "ts", "@timestamp"}
)

// ResponseNormalizer 把后端数据帧解析为统一的结果模型
type ResponseNormalizer struct {
	logger *zap.Logger
}

// NewResponseNormalizer 创建响应归一化器
func NewResponseNormalizer(logger *zap.Logger) *ResponseNormalizer {
	return &ResponseNormalizer{logger: logger}
}

// Normalize 按 refId 分配顺序解析响应。缺失与空数据、单个 refId 的错误都作为诊断返回，不影响其他 refId。
func (n *ResponseNormalizer) Normalize(raw map[string]backend.RawResult, refMap map[string]metric.PanelInfo, order []string) ([]metric.Result, []metric.Diagnostic) {
	var (
		results []metric.Result
		diags   []metric.Diagnostic
	)

	for _, refID := range order {
		info, ok := refMap[refID]
		if !ok {
			continue
		}
		item, ok := raw[refID]
		if !ok {
			diags = append(diags, metric.Warn(metric.DiagMissingData, "no result returned for refId").ForPanel(refID, info))
			continue
		}
		r, d := n.normalizeOne(item, info)
		results = append(results, r...)
		diags = append(diags, d...)
	}

	var unknown []string
	for refID := range raw {
		if _, ok := refMap[refID]; !ok {
			unknown = append(unknown, refID)
		}
	}
	sort.Strings(unknown)
	for _, refID := range unknown {
		diags = append(diags, metric.Diagnostic{
			Code:     metric.DiagUnknownRefID,
			Severity: metric.SeverityWarning,
			RefID:    refID,
			Message:  "response contains a refId that was not requested",
		})
	}
	return results, diags
}

func (n *ResponseNormalizer) normalizeOne(item backend.RawResult, info metric.PanelInfo) ([]metric.Result, []metric.Diagnostic) {
	refID := item.RefID
	if item.Error != "" {
		n.logger.Warn("refId 查询失败", zap.String("refId", refID), zap.String("panelId", info.PanelID), zap.String("error", item.Error))
		return nil, []metric.Diagnostic{metric.Fail(metric.DiagBackendError, item.Error).ForPanel(refID, info)}
	}
	if !item.FramesPresent {
		return nil, []metric.Diagnostic{metric.Warn(metric.DiagMissingData, "response has no frames field").ForPanel(refID, info)}
	}
	if len(item.Frames) == 0 {
		return nil, []metric.Diagnostic{metric.Warn(metric.DiagEmptyData, "response has an empty frame list").ForPanel(refID, info)}
	}

	var (
		results []metric.Result
		diags   []metric.Diagnostic
	)
	switch protocol.PanelType(info.PanelType) {
	case protocol.PanelTypeTable:
		for _, frame := range item.Frames {
			table, d := n.toTable(frame)
			diags = append(diags, forPanel(d, refID, info)...)
			if table != nil {
				results = append(results, metric.Result{RefID: refID, Panel: info, Kind: metric.KindTable, Table: table})
			}
		}
	case protocol.PanelTypeStat, protocol.PanelTypeGauge:
		scalar := &metric.Scalar{}
		for _, frame := range item.Frames {
			scalar.Entries = append(scalar.Entries, n.toScalar(frame)...)
		}
		if len(scalar.Entries) > 0 {
			results = append(results, metric.Result{RefID: refID, Panel: info, Kind: metric.KindScalar, Scalar: scalar})
		}
	case protocol.PanelTypeLogs:
		logs := &metric.LogList{}
		for _, frame := range item.Frames {
			logs.Entries = append(logs.Entries, n.toLogs(frame)...)
		}
		if len(logs.Entries) > 0 {
			results = append(results, metric.Result{RefID: refID, Panel: info, Kind: metric.KindLogs, Logs: logs})
		}
	default:
		var series []metric.Series
		for _, frame := range item.Frames {
			s, d := n.toSeries(frame, info.Legend)
			series = append(series, s...)
			diags = append(diags, forPanel(d, refID, info)...)
		}
		if len(series) > 0 {
			results = append(results, metric.Result{RefID: refID, Panel: info, Kind: metric.KindTimeSeries, Series: series})
		}
	}

	if len(results) == 0 {
		diags = append(diags, metric.Warn(metric.DiagNoResults, "frames were returned but produced no results").ForPanel(refID, info))
		results = append(results, metric.Result{RefID: refID, Panel: info, Kind: kindForPanel(info.PanelType), Empty: true})
	}
	return results, diags
}

// toSeries 时间序列：一个时间字段 + 第一个数值字段，其余字段作为标签；按标签分组，时间升序，丢弃空值
func (n *ResponseNormalizer) toSeries(frame backend.Frame, legend string) ([]metric.Series, []metric.Diagnostic) {
	var diags []metric.Diagnostic
	timeIdx, valueIdx := -1, -1
	var labelIdx []int
	timeFields := 0
	for i, field := range frame.Fields {
		switch {
		case field.Type == backend.FieldTime:
			timeFields++
			if timeIdx < 0 {
				timeIdx = i
			}
		case field.Type == backend.FieldNumber && valueIdx < 0:
			valueIdx = i
		default:
			labelIdx = append(labelIdx, i)
		}
	}
	if timeFields != 1 || valueIdx < 0 || timeIdx >= len(frame.Columns) || valueIdx >= len(frame.Columns) {
		diags = append(diags, metric.Warn(metric.DiagFrameSkipped,
			fmt.Sprintf("frame %q needs exactly one time field and a number field (time fields: %d)", frame.Name, timeFields)))
		return nil, diags
	}

	rows, mismatch := frameRows(frame)
	if mismatch {
		diags = append(diags, metric.Warn(metric.DiagColumnMismatch,
			fmt.Sprintf("frame %q has %d fields and %d columns of unequal length, truncated to %d rows", frame.Name, len(frame.Fields), len(frame.Columns), rows)))
	}

	base := sortedLabels(frame.Fields[valueIdx].Labels)
	type group struct {
		labels []metric.Label
		points []metric.DataPoint
	}
	var (
		groups []*group
		index  = make(map[string]*group)
	)
	for row := 0; row < rows; row++ {
		value, ok := toFloat(frame.Columns[valueIdx][row])
		if !ok {
			continue
		}
		ts, ok := toMillis(frame.Columns[timeIdx][row])
		if !ok {
			continue
		}
		labels := append([]metric.Label(nil), base...)
		for _, i := range labelIdx {
			if i >= len(frame.Columns) {
				continue
			}
			labels = append(labels, metric.Label{Name: frame.Fields[i].Name, Value: stringify(frame.Columns[i][row])})
		}
		key := labelKey(labels)
		g, ok := index[key]
		if !ok {
			g = &group{labels: labels}
			index[key] = g
			groups = append(groups, g)
		}
		g.points = append(g.points, metric.DataPoint{Timestamp: ts, Value: value})
	}

	series := make([]metric.Series, 0, len(groups))
	for _, g := range groups {
		sort.SliceStable(g.points, func(i, j int) bool { return g.points[i].Timestamp < g.points[j].Timestamp })
		series = append(series, metric.Series{
			Name:   seriesName(legend, frame, g.labels),
			Labels: g.labels,
			Data:   g.points,
		})
	}
	return series, diags
}

// toTable 表格：字段与列一一对应，数量不一致时截断到较短的一方
func (n *ResponseNormalizer) toTable(frame backend.Frame) (*metric.Table, []metric.Diagnostic) {
	var diags []metric.Diagnostic
	width := len(frame.Fields)
	if len(frame.Columns) != width {
		width = min(len(frame.Fields), len(frame.Columns))
		diags = append(diags, metric.Warn(metric.DiagColumnMismatch,
			fmt.Sprintf("frame %q has %d fields but %d columns, truncated to %d", frame.Name, len(frame.Fields), len(frame.Columns), width)))
		n.logger.Warn("表格字段数与列数不一致，已截断",
			zap.String("frame", frame.Name),
			zap.Int("fields", len(frame.Fields)),
			zap.Int("columns", len(frame.Columns)))
	}
	if width == 0 {
		return nil, diags
	}

	table := &metric.Table{}
	rows := -1
	for i := 0; i < width; i++ {
		table.Columns = append(table.Columns, metric.Column{Name: frame.Fields[i].Name, Type: string(frame.Fields[i].Type)})
		if rows < 0 || len(frame.Columns[i]) < rows {
			rows = len(frame.Columns[i])
		}
	}
	table.Rows = make([][]string, 0, rows)
	for row := 0; row < rows; row++ {
		values := make([]string, width)
		for i := 0; i < width; i++ {
			values[i] = formatCell(frame.Fields[i].Type, frame.Columns[i][row])
		}
		table.Rows = append(table.Rows, values)
	}
	return table, diags
}

// toScalar 单值：每个字段取第一个元素，组成一行
func (n *ResponseNormalizer) toScalar(frame backend.Frame) []metric.ScalarEntry {
	var entries []metric.ScalarEntry
	for i, field := range frame.Fields {
		if i >= len(frame.Columns) || len(frame.Columns[i]) == 0 {
			continue
		}
		name := field.Name
		if len(field.Labels) > 0 {
			name = name + labelSuffix(sortedLabels(field.Labels))
		}
		entries = append(entries, metric.ScalarEntry{Name: name, Value: formatCell(field.Type, frame.Columns[i][0])})
	}
	return entries
}

// toLogs 日志：每行一条，时间与内容缺失时为空字符串，其余字段进入属性
func (n *ResponseNormalizer) toLogs(frame backend.Frame) []metric.LogEntry {
	timeIdx := findField(frame, logTimestampFields, backend.FieldTime)
	messageIdx := findField(frame, logMessageFields, "")
	levelIdx := findField(frame, logLevelFields, "")

	rows, _ := frameRows(frame)
	entries := make([]metric.LogEntry, 0, rows)
	for row := 0; row < rows; row++ {
		entry := metric.LogEntry{Attributes: make(map[string]string)}
		for i, field := range frame.Fields {
			if i >= len(frame.Columns) {
				continue
			}
			value := frame.Columns[i][row]
			switch i {
			case timeIdx:
				entry.Timestamp = formatCell(backend.FieldTime, value)
			case messageIdx:
				entry.Message = stringify(value)
			case levelIdx:
				entry.Level = stringify(value)
			default:
				if m, ok := value.(map[string]any); ok {
					for k, v := range m {
						entry.Attributes[k] = stringify(v)
					}
					continue
				}
				if value != nil {
					entry.Attributes[field.Name] = stringify(value)
				}
			}
		}
		if entry.Level == "" {
			for _, name := range logLevelFields {
				if v, ok := entry.Attributes[name]; ok {
					entry.Level = v
					break
				}
			}
		}
		if len(entry.Attributes) == 0 {
			entry.Attributes = nil
		}
		entries = append(entries, entry)
	}
	return entries
}

// frameRows 各列长度的最小值，长度不一致时返回 mismatch
func frameRows(frame backend.Frame) (int, bool) {
	if len(frame.Columns) == 0 {
		return 0, len(frame.Fields) > 0
	}
	rows := len(frame.Columns[0])
	mismatch := len(frame.Columns) != len(frame.Fields)
	for _, column := range frame.Columns[1:] {
		if len(column) != rows {
			mismatch = true
		}
		rows = min(rows, len(column))
	}
	return rows, mismatch
}

func findField(frame backend.Frame, names []string, fallback backend.FieldType) int {
	for _, name := range names {
		for i, field := range frame.Fields {
			if strings.EqualFold(field.Name, name) {
				return i
			}
		}
	}
	if fallback != "" {
		for i, field := range frame.Fields {
			if field.Type == fallback {
				return i
			}
		}
	}
	return -1
}

func forPanel(diags []metric.Diagnostic, refID string, info metric.PanelInfo) []metric.Diagnostic {
	for i := range diags {
		diags[i] = diags[i].ForPanel(refID, info)
	}
	return diags
}

func kindForPanel(panelType string) metric.ResultKind {
	switch protocol.PanelType(panelType) {
	case protocol.PanelTypeTable:
		return metric.KindTable
	case protocol.PanelTypeStat, protocol.PanelTypeGauge:
		return metric.KindScalar
	case protocol.PanelTypeLogs:
		return metric.KindLogs
	default:
		return metric.KindTimeSeries
	}
}

func sortedLabels(m map[string]string) []metric.Label {
	labels := make([]metric.Label, 0, len(m))
	for k, v := range m {
		labels = append(labels, metric.Label{Name: k, Value: v})
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })
	return labels
}

func labelKey(labels []metric.Label) string {
	var sb strings.Builder
	for _, l := range labels {
		sb.WriteString(l.Name)
		sb.WriteByte(0)
		sb.WriteString(l.Value)
		sb.WriteByte(1)
	}
	return sb.String()
}

func labelSuffix(labels []metric.Label) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, fmt.Sprintf("%s=%q", l.Name, l.Value))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// seriesName 图例：支持 {{label}} 写法，未设置时使用标签组合
func seriesName(legend string, frame backend.Frame, labels []metric.Label) string {
	if legend != "" && legend != "__auto" {
		name := legend
		for _, l := range labels {
			name = strings.ReplaceAll(name, "{{"+l.Name+"}}", l.Value)
			name = strings.ReplaceAll(name, "{{ "+l.Name+" }}", l.Value)
		}
		return name
	}
	if len(labels) > 0 {
		return labelSuffix(labels)
	}
	return frame.Name
}

// toFloat NaN 与 ±Inf 无法编码为 JSON，按空值处理
func toFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	return f, !math.IsNaN(f) && !math.IsInf(f, 0)
}

// toMillis 时间值统一为毫秒：数字按毫秒（秒级自动放大），字符串支持数字与 RFC3339
func toMillis(v any) (int64, bool) {
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UnixMilli(), true
		}
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, false
	}
	ms := int64(f)
	switch {
	case ms > 1e17: // 纳秒
		ms /= 1e6
	case ms > 1e14: // 微秒
		ms /= 1e3
	case ms > 0 && ms < 1e11: // 秒
		ms *= 1000
	}
	return ms, true
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case json.Number:
		return x.String()
	case map[string]any, []any:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	default:
		return fmt.Sprint(x)
	}
}

func formatCell(fieldType backend.FieldType, v any) string {
	if fieldType == backend.FieldTime {
		if ms, ok := toMillis(v); ok {
			return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
		}
	}
	return stringify(v)
}
