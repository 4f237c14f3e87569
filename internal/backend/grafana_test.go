package backend

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dushixiang/dashrun/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const grafanaResponse = `{
  "results": {
    "A": {
      "status": 200,
      "frames": [{
        "schema": {
          "name": "up",
          "fields": [
            {"name": "Time", "type": "time"},
            {"name": "Value", "type": "number", "labels": {"job": "api"}, "config": {"displayNameFromDS": "api up"}}
          ]
        },
        "data": {"values": [[1000, 2000], [1, null]]}
      }]
    },
    "B": {"status": 200, "frames": []},
    "C": {"status": 400, "error": "parse error"},
    "D": {"status": 200, "frames": null}
  }
}`

func testBatch() Batch {
	from := time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)
	return Batch{
		TimeRange: protocol.TimeRange{From: from, To: from.Add(time.Hour)},
		Bucket:    time.Minute,
		Queries: []Query{
			{RefID: "A", Expression: "up", Datasource: protocol.DatasourceRef{UID: "prom", Type: "prometheus"}, IntervalMs: 60000, MaxDataPoints: 70},
			{RefID: "B", Expression: "SELECT 1", Datasource: protocol.DatasourceRef{UID: "ch", Type: "grafana-clickhouse-datasource"}, PanelType: protocol.PanelTypeTable},
			{RefID: "C", Expression: "{app=\"x\"}", Datasource: protocol.DatasourceRef{UID: "es", Type: "elasticsearch"}, Legend: "{{app}}"},
		},
		Formulas: []Formula{{RefID: "D", Expression: "A * 100 / B", Operands: []string{"A", "B"}}},
	}
}

func TestGrafanaClientExecute(t *testing.T) {
	var request gjson.Result
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, grafanaQueryAPI, r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "2", r.Header.Get("X-Grafana-Org-Id"))
		body, _ := io.ReadAll(r.Body)
		request = gjson.ParseBytes(body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, grafanaResponse)
	}))
	defer server.Close()

	client := NewGrafanaClient(zap.NewNop(), GrafanaConfig{URL: server.URL + "/", Token: "secret", OrgID: 2})
	results, err := client.Execute(context.Background(), testBatch())
	require.NoError(t, err)

	t.Run("请求体", func(t *testing.T) {
		assert.Equal(t, "1767265200000", request.Get("from").String())
		assert.Equal(t, "1767268800000", request.Get("to").String())
		queries := request.Get("queries").Array()
		require.Len(t, queries, 4)

		assert.Equal(t, "up", queries[0].Get("expr").String())
		assert.True(t, queries[0].Get("range").Bool())
		assert.Equal(t, "prom", queries[0].Get("datasource.uid").String())
		assert.Equal(t, int64(60000), queries[0].Get("intervalMs").Int())

		assert.Equal(t, "SELECT 1", queries[1].Get("rawSql").String())
		assert.Equal(t, "table", queries[1].Get("format").String())

		assert.Equal(t, `{app="x"}`, queries[2].Get("query").String())
		assert.Equal(t, "{{app}}", queries[2].Get("legendFormat").String())

		assert.Equal(t, "math", queries[3].Get("type").String())
		assert.Equal(t, grafanaExprType, queries[3].Get("datasource.uid").String())
		assert.Equal(t, "$A * 100 / $B", queries[3].Get("expression").String())
	})

	t.Run("数据帧", func(t *testing.T) {
		a := results["A"]
		assert.True(t, a.FramesPresent)
		require.Len(t, a.Frames, 1)
		frame := a.Frames[0]
		assert.Equal(t, "up", frame.Name)
		assert.Equal(t, []Field{
			{Name: "Time", Type: FieldTime},
			{Name: "api up", Type: FieldNumber, Labels: map[string]string{"job": "api"}},
		}, frame.Fields)
		assert.Equal(t, [][]any{{1000.0, 2000.0}, {1.0, nil}}, frame.Columns)
	})

	t.Run("空帧与缺失帧", func(t *testing.T) {
		assert.True(t, results["B"].FramesPresent)
		assert.Empty(t, results["B"].Frames)
		assert.False(t, results["D"].FramesPresent)
		assert.Equal(t, "parse error", results["C"].Error)
		assert.Equal(t, 400, results["C"].Status)
	})
}

func TestGrafanaClientPartialFailureKeepsResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"results": {"A": {"status": 400, "error": "bad query"}}}`)
	}))
	defer server.Close()

	results, err := NewGrafanaClient(zap.NewNop(), GrafanaConfig{URL: server.URL}).Execute(context.Background(), testBatch())
	require.NoError(t, err)
	assert.Equal(t, "bad query", results["A"].Error)
}

func TestGrafanaClientErrors(t *testing.T) {
	t.Run("限流", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		_, err := NewGrafanaClient(zap.NewNop(), GrafanaConfig{URL: server.URL}).Execute(context.Background(), testBatch())
		assert.ErrorIs(t, err, ErrRateLimited)
		var rl *RateLimitError
		require.True(t, errors.As(err, &rl))
		assert.Equal(t, 5*time.Second, rl.RetryAfter)
	})

	t.Run("服务端错误", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"message": "internal"}`)
		}))
		defer server.Close()

		_, err := NewGrafanaClient(zap.NewNop(), GrafanaConfig{URL: server.URL}).Execute(context.Background(), testBatch())
		var statusErr *StatusError
		require.True(t, errors.As(err, &statusErr))
		assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
		assert.Contains(t, statusErr.Body, "internal")
	})
}

func TestGrafanaClientBasicAuthAndDatasources(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "admin", user)
		assert.Equal(t, "pw", pass)
		assert.Equal(t, grafanaDatasourcesAPI, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"uid": "prom", "name": "Prometheus", "type": "prometheus"}]`)
	}))
	defer server.Close()

	client := NewGrafanaClient(zap.NewNop(), GrafanaConfig{URL: server.URL, Username: "admin", Password: "pw"})
	datasources, err := client.ListDatasources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Datasource{{UID: "prom", Name: "Prometheus", Type: "prometheus"}}, datasources)
}

func TestGrafanaMathExpression(t *testing.T) {
	f := Formula{Expression: "AB + A*2 - B", Operands: []string{"A", "B"}}
	assert.Equal(t, "AB + $A*2 - $B", grafanaMathExpression(f))
}
