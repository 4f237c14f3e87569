package backend

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/dushixiang/dashrun/internal/protocol"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	grafanaQueryAPI       = "/api/ds/query"
	grafanaDatasourcesAPI = "/api/datasources"
	grafanaExprType       = "__expr__"
)

// GrafanaConfig Grafana 连接配置
type GrafanaConfig struct {
	URL      string
	Token    string // Service Account Token / API Key
	Username string
	Password string
	OrgID    int64
	Timeout  time.Duration
}

// GrafanaClient 通过 /api/ds/query 批量执行查询
type GrafanaClient struct {
	logger     *zap.Logger
	config     GrafanaConfig
	httpClient *http.Client
}

// NewGrafanaClient 创建 Grafana 客户端
func NewGrafanaClient(logger *zap.Logger, config GrafanaConfig) *GrafanaClient {
	config.URL = strings.TrimRight(config.URL, "/")
	httpClient := &http.Client{}
	if config.Token != "" {
		httpClient = oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: config.Token,
			TokenType:   "Bearer",
		}))
	}
	if config.Timeout > 0 {
		httpClient.Timeout = config.Timeout
	}
	return &GrafanaClient{
		logger:     logger,
		config:     config,
		httpClient: httpClient,
	}
}

// HTTPClient 供同一 Grafana 实例上的其他组件复用认证
func (c *GrafanaClient) HTTPClient() *http.Client {
	return c.httpClient
}

// Request 构造带认证的请求
func (c *GrafanaClient) Request(path string) *requests.Builder {
	rb := requests.URL(c.config.URL + path).
		Client(c.httpClient).
		Accept("application/json")
	if c.config.Username != "" && c.config.Password != "" {
		rb = rb.BasicAuth(c.config.Username, c.config.Password)
	}
	if c.config.OrgID > 0 {
		rb = rb.Header("X-Grafana-Org-Id", strconv.FormatInt(c.config.OrgID, 10))
	}
	return rb
}

func (c *GrafanaClient) Capabilities() Capabilities {
	return Capabilities{ServerSideFormulas: true}
}

func (c *GrafanaClient) Dialect(ds protocol.DatasourceRef) Dialect {
	return dialectForType(ds.Type)
}

// Execute 执行批量查询
func (c *GrafanaClient) Execute(ctx context.Context, batch Batch) (map[string]RawResult, error) {
	payload := map[string]any{
		"from":    strconv.FormatInt(batch.TimeRange.From.UnixMilli(), 10),
		"to":      strconv.FormatInt(batch.TimeRange.To.UnixMilli(), 10),
		"queries": c.buildQueries(batch),
		"debug":   false,
	}

	var (
		body   bytes.Buffer
		status int
	)
	err := c.Request(grafanaQueryAPI).
		BodyJSON(&payload).
		AddValidator(func(res *http.Response) error {
			status = res.StatusCode
			return checkRateLimit(res.StatusCode, res.Header, time.Now())
		}).
		ToBytesBuffer(&body).
		Post().
		Fetch(ctx)
	if err != nil {
		return nil, err
	}

	root := gjson.ParseBytes(body.Bytes())
	resultsNode := root.Get("results")
	if status >= http.StatusMultipleChoices && !resultsNode.Exists() {
		return nil, &StatusError{StatusCode: status, Body: body.String()}
	}
	if !resultsNode.Exists() {
		return nil, fmt.Errorf("grafana response has no results field")
	}

	results := make(map[string]RawResult)
	resultsNode.ForEach(func(key, value gjson.Result) bool {
		refID := key.String()
		results[refID] = parseGrafanaResult(refID, value)
		return true
	})

	c.logger.Debug("Grafana 批量查询完成",
		zap.Int("queries", len(batch.Queries)),
		zap.Int("formulas", len(batch.Formulas)),
		zap.Int("results", len(results)),
		zap.Int("status", status))
	return results, nil
}

func (c *GrafanaClient) buildQueries(batch Batch) []map[string]any {
	queries := make([]map[string]any, 0, len(batch.Queries)+len(batch.Formulas))
	for _, q := range batch.Queries {
		item := map[string]any{
			"refId":         q.RefID,
			"datasource":    map[string]string{"uid": q.Datasource.UID, "type": q.Datasource.Type},
			"intervalMs":    q.IntervalMs,
			"maxDataPoints": q.MaxDataPoints,
			"hide":          q.Disabled,
		}
		if q.Legend != "" {
			item["legendFormat"] = q.Legend
		}
		switch {
		case dialectForType(q.Datasource.Type).Name() == "sql":
			item["rawSql"] = q.Expression
			item["rawQuery"] = true
			if q.PanelType == protocol.PanelTypeTimeseries || q.PanelType == "" {
				item["format"] = "time_series"
			} else {
				item["format"] = "table"
			}
		case q.Datasource.Type == "" || q.Datasource.Type == "prometheus" || q.Datasource.Type == "loki":
			item["expr"] = q.Expression
			item["range"] = true
		default:
			item["query"] = q.Expression
			item["expr"] = q.Expression
		}
		queries = append(queries, item)
	}
	for _, f := range batch.Formulas {
		queries = append(queries, map[string]any{
			"refId":      f.RefID,
			"datasource": map[string]string{"uid": grafanaExprType, "type": grafanaExprType},
			"type":       "math",
			"expression": grafanaMathExpression(f),
		})
	}
	return queries
}

// ListDatasources 列出数据源，用于按名称解析 UID
func (c *GrafanaClient) ListDatasources(ctx context.Context) ([]Datasource, error) {
	var datasources []Datasource
	err := c.Request(grafanaDatasourcesAPI).
		ToJSON(&datasources).
		Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return datasources, nil
}

// grafanaMathExpression 把操作数改写为 Grafana 表达式语法：A*100/B -> $A*100/$B
func grafanaMathExpression(f Formula) string {
	expr := f.Expression
	for _, operand := range f.Operands {
		re := regexp.MustCompile(`(^|[^$A-Za-z0-9_])` + regexp.QuoteMeta(operand) + `\b`)
		expr = re.ReplaceAllString(expr, "${1}$$"+operand)
	}
	return expr
}

func parseGrafanaResult(refID string, node gjson.Result) RawResult {
	raw := RawResult{
		RefID:  refID,
		Status: int(node.Get("status").Int()),
		Error:  node.Get("error").String(),
	}
	frames := node.Get("frames")
	if !frames.Exists() || frames.Type == gjson.Null {
		return raw
	}
	raw.FramesPresent = true
	raw.Frames = []Frame{}
	for _, frameNode := range frames.Array() {
		raw.Frames = append(raw.Frames, parseGrafanaFrame(frameNode))
	}
	return raw
}

func parseGrafanaFrame(node gjson.Result) Frame {
	frame := Frame{Name: node.Get("schema.name").String()}
	for _, fieldNode := range node.Get("schema.fields").Array() {
		field := Field{
			Name: fieldNode.Get("name").String(),
			Type: grafanaFieldType(fieldNode.Get("type").String()),
		}
		if displayName := fieldNode.Get("config.displayNameFromDS").String(); displayName != "" {
			field.Name = displayName
		}
		if labels := fieldNode.Get("labels"); labels.IsObject() {
			field.Labels = make(map[string]string)
			labels.ForEach(func(k, v gjson.Result) bool {
				field.Labels[k.String()] = v.String()
				return true
			})
		}
		frame.Fields = append(frame.Fields, field)
	}
	for _, columnNode := range node.Get("data.values").Array() {
		values := columnNode.Array()
		column := make([]any, 0, len(values))
		for _, v := range values {
			column = append(column, v.Value())
		}
		frame.Columns = append(frame.Columns, column)
	}
	return frame
}

func grafanaFieldType(t string) FieldType {
	switch t {
	case "time":
		return FieldTime
	case "number":
		return FieldNumber
	default:
		return FieldLabel
	}
}
