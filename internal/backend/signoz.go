package backend

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/dushixiang/dashrun/internal/protocol"
	"github.com/go-resty/resty/v2"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const signozQueryRangeAPI = "/api/v3/query_range"

// SignozConfig SigNoz 连接配置
type SignozConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// SignozClient 通过 query_range 执行 PromQL / ClickHouse SQL 查询
type SignozClient struct {
	logger *zap.Logger
	client *resty.Client
}

// NewSignozClient 创建 SigNoz 客户端
func NewSignozClient(logger *zap.Logger, config SignozConfig) *SignozClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(config.URL, "/")).
		SetHeader("Accept", "application/json")
	if config.APIKey != "" {
		client.SetHeader("SIGNOZ-API-KEY", config.APIKey)
	}
	if config.Timeout > 0 {
		client.SetTimeout(config.Timeout)
	}
	return &SignozClient{logger: logger, client: client}
}

func (c *SignozClient) Capabilities() Capabilities {
	return Capabilities{ServerSideFormulas: false}
}

func (c *SignozClient) Dialect(ds protocol.DatasourceRef) Dialect {
	return dialectForType(signozQueryType(ds))
}

// signozGroup compositeQuery 只能携带一种查询类型与面板类型，按二者分组下发
type signozGroup struct {
	queryType string
	panelType string
}

// Execute 执行批量查询
func (c *SignozClient) Execute(ctx context.Context, batch Batch) (map[string]RawResult, error) {
	groups := lo.GroupBy(batch.Queries, func(q Query) signozGroup {
		return signozGroup{queryType: signozQueryType(q.Datasource), panelType: signozPanelType(q.PanelType)}
	})
	keys := lo.Keys(groups)
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].queryType != keys[j].queryType {
			return keys[i].queryType < keys[j].queryType
		}
		return keys[i].panelType < keys[j].panelType
	})

	results := make(map[string]RawResult)
	for _, key := range keys {
		groupResults, err := c.executeGroup(ctx, batch, key, groups[key])
		if err != nil {
			return nil, err
		}
		for refID, raw := range groupResults {
			results[refID] = raw
		}
	}
	return results, nil
}

func (c *SignozClient) executeGroup(ctx context.Context, batch Batch, group signozGroup, queries []Query) (map[string]RawResult, error) {
	specs := make(map[string]any, len(queries))
	for _, q := range queries {
		specs[q.RefID] = map[string]any{
			"name":     q.RefID,
			"query":    q.Expression,
			"disabled": q.Disabled,
			"legend":   q.Legend,
		}
	}
	composite := map[string]any{
		"queryType": group.queryType,
		"panelType": group.panelType,
	}
	if group.queryType == "clickhouse_sql" {
		composite["chQueries"] = specs
	} else {
		composite["promQueries"] = specs
	}
	payload := map[string]any{
		"start":          batch.TimeRange.From.UnixMilli(),
		"end":            batch.TimeRange.To.UnixMilli(),
		"step":           int64(batch.Bucket / time.Second),
		"compositeQuery": composite,
		"variables":      map[string]any{},
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(signozQueryRangeAPI)
	if err != nil {
		return nil, err
	}
	if err := checkRateLimit(resp.StatusCode(), resp.Header(), time.Now()); err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	root := gjson.ParseBytes(resp.Body())
	if status := root.Get("status").String(); status != "" && status != "success" {
		return nil, fmt.Errorf("signoz query failed: %s", root.Get("error").String())
	}

	results := make(map[string]RawResult)
	for _, node := range root.Get("data.result").Array() {
		refID := node.Get("queryName").String()
		if refID == "" {
			continue
		}
		results[refID] = parseSignozResult(refID, node)
	}
	c.logger.Debug("SigNoz 分组查询完成",
		zap.String("queryType", group.queryType),
		zap.String("panelType", group.panelType),
		zap.Int("queries", len(queries)),
		zap.Int("results", len(results)))
	return results, nil
}

func signozQueryType(ds protocol.DatasourceRef) string {
	switch ds.Type {
	case "clickhouse", "clickhouse_sql":
		return "clickhouse_sql"
	default:
		return "promql"
	}
}

func signozPanelType(t protocol.PanelType) string {
	switch t {
	case protocol.PanelTypeTable:
		return "table"
	case protocol.PanelTypeStat, protocol.PanelTypeGauge:
		return "value"
	case protocol.PanelTypeLogs:
		return "list"
	default:
		return "graph"
	}
}

func parseSignozResult(refID string, node gjson.Result) RawResult {
	raw := RawResult{RefID: refID, Status: http.StatusOK}
	switch {
	case node.Get("series").Exists() && node.Get("series").Type != gjson.Null:
		raw.FramesPresent = true
		raw.Frames = []Frame{}
		for _, series := range node.Get("series").Array() {
			raw.Frames = append(raw.Frames, signozSeriesFrame(series))
		}
	case node.Get("table").Exists() && node.Get("table").Type != gjson.Null:
		raw.FramesPresent = true
		raw.Frames = []Frame{}
		if frame, ok := signozTableFrame(node.Get("table")); ok {
			raw.Frames = append(raw.Frames, frame)
		}
	case node.Get("list").Exists() && node.Get("list").Type != gjson.Null:
		raw.FramesPresent = true
		raw.Frames = []Frame{}
		if frame, ok := signozListFrame(node.Get("list")); ok {
			raw.Frames = append(raw.Frames, frame)
		}
	}
	return raw
}

func signozSeriesFrame(series gjson.Result) Frame {
	labels := make(map[string]string)
	series.Get("labels").ForEach(func(k, v gjson.Result) bool {
		labels[k.String()] = v.String()
		return true
	})
	var times, values []any
	for _, point := range series.Get("values").Array() {
		times = append(times, point.Get("timestamp").Value())
		values = append(values, point.Get("value").Value())
	}
	return Frame{
		Fields: []Field{
			{Name: "time", Type: FieldTime},
			{Name: "value", Type: FieldNumber, Labels: labels},
		},
		Columns: [][]any{times, values},
	}
}

func signozTableFrame(table gjson.Result) (Frame, bool) {
	columns := table.Get("columns").Array()
	rows := table.Get("rows").Array()
	if len(columns) == 0 {
		return Frame{}, false
	}
	frame := Frame{}
	for _, column := range columns {
		fieldType := FieldLabel
		if column.Get("isValueColumn").Bool() {
			fieldType = FieldNumber
		}
		name := column.Get("name").String()
		frame.Fields = append(frame.Fields, Field{Name: name, Type: fieldType})
		values := make([]any, 0, len(rows))
		for _, row := range rows {
			values = append(values, row.Get("data").Get(gjsonEscape(name)).Value())
		}
		frame.Columns = append(frame.Columns, values)
	}
	return frame, true
}

func signozListFrame(list gjson.Result) (Frame, bool) {
	rows := list.Array()
	if len(rows) == 0 {
		return Frame{}, false
	}
	var keys []string
	for _, row := range rows {
		row.Get("data").ForEach(func(k, _ gjson.Result) bool {
			keys = append(keys, k.String())
			return true
		})
	}
	keys = lo.Uniq(keys)
	sort.Strings(keys)

	frame := Frame{Fields: []Field{{Name: "timestamp", Type: FieldTime}}}
	timestamps := make([]any, 0, len(rows))
	for _, row := range rows {
		timestamps = append(timestamps, row.Get("timestamp").Value())
	}
	frame.Columns = append(frame.Columns, timestamps)
	for _, key := range keys {
		frame.Fields = append(frame.Fields, Field{Name: key, Type: FieldLabel})
		values := make([]any, 0, len(rows))
		for _, row := range rows {
			v := row.Get("data").Get(gjsonEscape(key))
			if v.IsObject() || v.IsArray() {
				values = append(values, v.Raw)
			} else {
				values = append(values, v.Value())
			}
		}
		frame.Columns = append(frame.Columns, values)
	}
	return frame, true
}

// gjsonEscape 转义 gjson 路径中的特殊字符
func gjsonEscape(key string) string {
	replacer := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)
	return replacer.Replace(key)
}
