package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/dushixiang/dashrun/internal/protocol"
	"github.com/sourcegraph/conc/pool"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	prometheusQueryRangeAPI = "/api/v1/query_range"
	prometheusQueryAPI      = "/api/v1/query"
)

// PrometheusConfig Prometheus / VictoriaMetrics 连接配置
type PrometheusConfig struct {
	URL         string
	Token       string
	Username    string
	Password    string
	Timeout     time.Duration
	Concurrency int
}

// PrometheusClient 直接查询 Prometheus 兼容接口，每个 refId 一次请求
type PrometheusClient struct {
	logger     *zap.Logger
	config     PrometheusConfig
	httpClient *http.Client
}

// NewPrometheusClient 创建 Prometheus 客户端
func NewPrometheusClient(logger *zap.Logger, config PrometheusConfig) *PrometheusClient {
	config.URL = strings.TrimRight(config.URL, "/")
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	return &PrometheusClient{
		logger:     logger,
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

func (c *PrometheusClient) Capabilities() Capabilities {
	return Capabilities{ServerSideFormulas: false}
}

func (c *PrometheusClient) Dialect(protocol.DatasourceRef) Dialect {
	return PromQLDialect{}
}

type prometheusOutcome struct {
	refID string
	raw   RawResult
	err   error
}

// Execute 并发执行批内查询，任一查询被限流时整批返回限流错误
func (c *PrometheusClient) Execute(ctx context.Context, batch Batch) (map[string]RawResult, error) {
	start, end := alignTimeRangeToBucket(batch.TimeRange.From, batch.TimeRange.To, batch.Bucket)

	p := pool.NewWithResults[prometheusOutcome]().WithMaxGoroutines(c.config.Concurrency)
	for _, q := range batch.Queries {
		q := q
		if q.Disabled {
			continue
		}
		p.Go(func() prometheusOutcome {
			raw, err := c.query(ctx, q, start, end, batch.Bucket)
			return prometheusOutcome{refID: q.RefID, raw: raw, err: err}
		})
	}

	results := make(map[string]RawResult)
	for _, outcome := range p.Wait() {
		if outcome.err != nil {
			var rateLimited *RateLimitError
			if errors.As(outcome.err, &rateLimited) || ctx.Err() != nil {
				return nil, outcome.err
			}
			c.logger.Warn("查询 Prometheus 失败", zap.String("refId", outcome.refID), zap.Error(outcome.err))
			results[outcome.refID] = RawResult{RefID: outcome.refID, Error: outcome.err.Error()}
			continue
		}
		results[outcome.refID] = outcome.raw
	}
	c.logger.Debug("Prometheus 批量查询完成",
		zap.Int("queries", len(batch.Queries)),
		zap.Int("results", len(results)))
	return results, nil
}

// instantPanel 表格与单值面板只需要区间末尾的即时值
func instantPanel(t protocol.PanelType) bool {
	return t == protocol.PanelTypeTable || t == protocol.PanelTypeStat || t == protocol.PanelTypeGauge
}

func (c *PrometheusClient) query(ctx context.Context, q Query, start, end time.Time, step time.Duration) (RawResult, error) {
	params := url.Values{}
	params.Set("query", q.Expression)
	path := prometheusQueryRangeAPI
	if instantPanel(q.PanelType) {
		path = prometheusQueryAPI
		params.Set("time", formatPromTime(end))
	} else {
		params.Set("start", formatPromTime(start))
		params.Set("end", formatPromTime(end))
		if step < time.Second {
			step = time.Second
		}
		params.Set("step", strconv.FormatInt(int64(step/time.Second), 10))
	}

	var (
		body   bytes.Buffer
		status int
	)
	rb := requests.URL(c.config.URL + path).
		Client(c.httpClient).
		BodyForm(params).
		AddValidator(func(res *http.Response) error {
			status = res.StatusCode
			return checkRateLimit(res.StatusCode, res.Header, time.Now())
		}).
		ToBytesBuffer(&body).
		Post()
	switch {
	case c.config.Token != "":
		rb = rb.Bearer(c.config.Token)
	case c.config.Username != "" && c.config.Password != "":
		rb = rb.BasicAuth(c.config.Username, c.config.Password)
	}
	if err := rb.Fetch(ctx); err != nil {
		return RawResult{}, err
	}

	root := gjson.ParseBytes(body.Bytes())
	if root.Get("status").String() != "success" {
		if msg := root.Get("error").String(); msg != "" {
			return RawResult{RefID: q.RefID, Status: status, Error: msg}, nil
		}
		return RawResult{}, &StatusError{StatusCode: status, Body: body.String()}
	}
	return parsePrometheusResult(q.RefID, root.Get("data")), nil
}

// parsePrometheusResult 把 matrix/vector 结果转换为数据帧：每条序列一个帧，时间为毫秒
func parsePrometheusResult(refID string, data gjson.Result) RawResult {
	raw := RawResult{RefID: refID, Status: http.StatusOK, FramesPresent: true, Frames: []Frame{}}
	resultType := data.Get("resultType").String()
	if resultType == "scalar" {
		if pair := data.Get("result").Array(); len(pair) == 2 {
			raw.Frames = append(raw.Frames, Frame{
				Fields:  []Field{{Name: "time", Type: FieldTime}, {Name: "value", Type: FieldNumber}},
				Columns: [][]any{{pair[0].Float() * 1000}, {sampleValue(pair[1])}},
			})
		}
		return raw
	}
	for _, series := range data.Get("result").Array() {
		labels := make(map[string]string)
		name := ""
		series.Get("metric").ForEach(func(k, v gjson.Result) bool {
			if k.String() == "__name__" {
				name = v.String()
			} else {
				labels[k.String()] = v.String()
			}
			return true
		})

		var samples []gjson.Result
		switch resultType {
		case "matrix":
			samples = series.Get("values").Array()
		case "vector":
			samples = []gjson.Result{series.Get("value")}
		}
		times := make([]any, 0, len(samples))
		values := make([]any, 0, len(samples))
		for _, sample := range samples {
			pair := sample.Array()
			if len(pair) != 2 {
				continue
			}
			times = append(times, pair[0].Float()*1000)
			values = append(values, sampleValue(pair[1]))
		}
		raw.Frames = append(raw.Frames, Frame{
			Name: name,
			Fields: []Field{
				{Name: "time", Type: FieldTime},
				{Name: "value", Type: FieldNumber, Labels: labels},
			},
			Columns: [][]any{times, values},
		})
	}
	return raw
}

// sampleValue 样本值为字符串，NaN、±Inf 与无法解析的值转为 nil
func sampleValue(v gjson.Result) any {
	f, err := strconv.ParseFloat(v.String(), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

// alignTimeRangeToBucket 将时间范围对齐到桶边界，保证不同时刻发起的同一查询桶边界一致
func alignTimeRangeToBucket(from, to time.Time, bucket time.Duration) (time.Time, time.Time) {
	if bucket <= 0 {
		return from, to
	}
	start := from.Truncate(bucket)
	end := to.Add(-time.Nanosecond).Truncate(bucket)
	if end.Before(start) {
		end = start
	}
	return start, end
}

func formatPromTime(t time.Time) string {
	return fmt.Sprintf("%.3f", float64(t.UnixMilli())/1000)
}
