package service

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/dushixiang/dashrun/internal/backend"
	"github.com/dushixiang/dashrun/internal/metric"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func info(panelType string) metric.PanelInfo {
	return metric.PanelInfo{PanelID: "1", PanelTitle: "panel", PanelType: panelType}
}

func normalize(raw map[string]backend.RawResult, refMap map[string]metric.PanelInfo, order ...string) ([]metric.Result, []metric.Diagnostic) {
	return NewResponseNormalizer(zap.NewNop()).Normalize(raw, refMap, order)
}

func TestNormalizeMissingVersusEmpty(t *testing.T) {
	refMap := map[string]metric.PanelInfo{"A": info("timeseries"), "B": info("timeseries"), "C": info("timeseries")}
	raw := map[string]backend.RawResult{
		"A": {RefID: "A", FramesPresent: false},
		"B": {RefID: "B", FramesPresent: true, Frames: []backend.Frame{}},
	}
	results, diags := normalize(raw, refMap, "A", "B", "C")

	assert.Empty(t, results)
	require.Len(t, diags, 3)
	assert.Equal(t, metric.DiagMissingData, diags[0].Code)
	assert.Equal(t, "A", diags[0].RefID)
	assert.Equal(t, metric.DiagEmptyData, diags[1].Code)
	assert.Equal(t, "B", diags[1].RefID)
	assert.Equal(t, metric.DiagMissingData, diags[2].Code)
	assert.Equal(t, "C", diags[2].RefID)
	assert.Equal(t, "1", diags[2].PanelID)
}

func TestNormalizeBackendErrorAndUnknownRefID(t *testing.T) {
	refMap := map[string]metric.PanelInfo{"A": info("timeseries")}
	raw := map[string]backend.RawResult{
		"A":   {RefID: "A", Error: "parse error at char 3"},
		"ZZ":  {RefID: "ZZ", FramesPresent: true},
		"ZZZ": {RefID: "ZZZ", FramesPresent: true},
	}
	results, diags := normalize(raw, refMap, "A")

	assert.Empty(t, results)
	require.Len(t, diags, 3)
	assert.Equal(t, metric.DiagBackendError, diags[0].Code)
	assert.Equal(t, metric.SeverityError, diags[0].Severity)
	assert.Equal(t, "parse error at char 3", diags[0].Message)
	assert.Equal(t, metric.DiagUnknownRefID, diags[1].Code)
	assert.Equal(t, "ZZ", diags[1].RefID)
	assert.Equal(t, "ZZZ", diags[2].RefID)
}

func TestNormalizeTimeSeries(t *testing.T) {
	frame := backend.Frame{
		Name: "http",
		Fields: []backend.Field{
			{Name: "time", Type: backend.FieldTime},
			{Name: "value", Type: backend.FieldNumber, Labels: map[string]string{"job": "api"}},
			{Name: "instance", Type: backend.FieldLabel},
		},
		Columns: [][]any{
			{2000.0, 1000.0, 1000.0, 3000.0},
			{2.0, 1.0, 5.0, nil},
			{"a", "a", "b", "a"},
		},
	}
	refMap := map[string]metric.PanelInfo{"A": {PanelID: "1", PanelType: "timeseries", Legend: "{{instance}}"}}
	raw := map[string]backend.RawResult{"A": {RefID: "A", FramesPresent: true, Frames: []backend.Frame{frame}}}
	results, diags := normalize(raw, refMap, "A")

	assert.Empty(t, diags)
	require.Len(t, results, 1)
	r := results[0]
	assert.Equal(t, metric.KindTimeSeries, r.Kind)
	require.Len(t, r.Series, 2)

	a := r.Series[0]
	assert.Equal(t, "a", a.Name)
	assert.Equal(t, []metric.Label{{Name: "job", Value: "api"}, {Name: "instance", Value: "a"}}, a.Labels)
	assert.Equal(t, []metric.DataPoint{{Timestamp: 1000000, Value: 1}, {Timestamp: 2000000, Value: 2}}, a.Data)

	b := r.Series[1]
	assert.Equal(t, "b", b.Name)
	assert.Equal(t, []metric.DataPoint{{Timestamp: 1000000, Value: 5}}, b.Data)
}

func TestNormalizeDropsNonFiniteValues(t *testing.T) {
	frame := backend.Frame{
		Fields: []backend.Field{
			{Name: "time", Type: backend.FieldTime},
			{Name: "value", Type: backend.FieldNumber},
		},
		Columns: [][]any{
			{1700000000000.0, 1700000060000.0, 1700000120000.0, 1700000180000.0, 1700000240000.0},
			{"+Inf", "1", "-Inf", "NaN", math.Inf(1)},
		},
	}
	raw := map[string]backend.RawResult{"A": {RefID: "A", FramesPresent: true, Frames: []backend.Frame{frame}}}
	results, _ := normalize(raw, map[string]metric.PanelInfo{"A": info("timeseries")}, "A")

	require.Len(t, results, 1)
	require.Len(t, results[0].Series, 1)
	assert.Equal(t, []metric.DataPoint{{Timestamp: 1700000060000, Value: 1}}, results[0].Series[0].Data)

	_, err := json.Marshal(results)
	assert.NoError(t, err)
}

func TestNormalizeTimeSeriesSkipsAmbiguousFrames(t *testing.T) {
	frame := backend.Frame{
		Name: "two-times",
		Fields: []backend.Field{
			{Name: "start", Type: backend.FieldTime},
			{Name: "end", Type: backend.FieldTime},
			{Name: "v", Type: backend.FieldNumber},
		},
		Columns: [][]any{{1.0}, {2.0}, {3.0}},
	}
	raw := map[string]backend.RawResult{"A": {RefID: "A", FramesPresent: true, Frames: []backend.Frame{frame}}}
	results, diags := normalize(raw, map[string]metric.PanelInfo{"A": info("timeseries")}, "A")

	require.Len(t, results, 1)
	assert.True(t, results[0].Empty)
	assert.True(t, metric.HasCode(diags, metric.DiagFrameSkipped))
	assert.True(t, metric.HasCode(diags, metric.DiagNoResults))
}

func TestNormalizeTableColumnMismatch(t *testing.T) {
	frame := backend.Frame{
		Fields: []backend.Field{
			{Name: "host", Type: backend.FieldLabel},
			{Name: "cpu", Type: backend.FieldNumber},
			{Name: "mem", Type: backend.FieldNumber},
		},
		Columns: [][]any{{"h1", "h2"}, {0.5, 0.25}},
	}
	raw := map[string]backend.RawResult{"A": {RefID: "A", FramesPresent: true, Frames: []backend.Frame{frame}}}
	results, diags := normalize(raw, map[string]metric.PanelInfo{"A": info("table")}, "A")

	require.Len(t, results, 1)
	table := results[0].Table
	require.NotNil(t, table)
	assert.Equal(t, metric.KindTable, results[0].Kind)
	assert.Len(t, table.Columns, 2)
	assert.Equal(t, "host", table.Columns[0].Name)
	assert.Equal(t, [][]string{{"h1", "0.5"}, {"h2", "0.25"}}, table.Rows)

	require.Len(t, diags, 1)
	assert.Equal(t, metric.DiagColumnMismatch, diags[0].Code)
	assert.Equal(t, metric.SeverityWarning, diags[0].Severity)
	assert.Equal(t, "A", diags[0].RefID)
}

func TestNormalizeTableFormatsTime(t *testing.T) {
	frame := backend.Frame{
		Fields:  []backend.Field{{Name: "ts", Type: backend.FieldTime}, {Name: "ok", Type: backend.FieldLabel}},
		Columns: [][]any{{1700000000000.0}, {true}},
	}
	raw := map[string]backend.RawResult{"A": {RefID: "A", FramesPresent: true, Frames: []backend.Frame{frame}}}
	results, _ := normalize(raw, map[string]metric.PanelInfo{"A": info("table")}, "A")

	require.Len(t, results, 1)
	assert.Equal(t, [][]string{{"2023-11-14T22:13:20Z", "true"}}, results[0].Table.Rows)
}

func TestNormalizeStat(t *testing.T) {
	frame := backend.Frame{
		Fields: []backend.Field{
			{Name: "time", Type: backend.FieldTime},
			{Name: "value", Type: backend.FieldNumber, Labels: map[string]string{"job": "api"}},
		},
		Columns: [][]any{{1000.0, 2000.0}, {42.0, 43.0}},
	}
	raw := map[string]backend.RawResult{"A": {RefID: "A", FramesPresent: true, Frames: []backend.Frame{frame}}}
	results, diags := normalize(raw, map[string]metric.PanelInfo{"A": info("stat")}, "A")

	assert.Empty(t, diags)
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Scalar)
	assert.Equal(t, metric.KindScalar, results[0].Kind)
	assert.Equal(t, []metric.ScalarEntry{
		{Name: "time", Value: "1970-01-01T00:16:40Z"},
		{Name: `value{job="api"}`, Value: "42"},
	}, results[0].Scalar.Entries)
}

func TestNormalizeLogs(t *testing.T) {
	frame := backend.Frame{
		Fields: []backend.Field{
			{Name: "timestamp", Type: backend.FieldTime},
			{Name: "body", Type: backend.FieldLabel},
			{Name: "labels", Type: backend.FieldLabel},
			{Name: "severity_text", Type: backend.FieldLabel},
		},
		Columns: [][]any{
			{1000.0, nil},
			{"started", nil},
			{map[string]any{"pod": "p1"}, nil},
			{"INFO", nil},
		},
	}
	raw := map[string]backend.RawResult{"A": {RefID: "A", FramesPresent: true, Frames: []backend.Frame{frame}}}
	results, diags := normalize(raw, map[string]metric.PanelInfo{"A": info("logs")}, "A")

	assert.Empty(t, diags)
	require.Len(t, results, 1)
	logs := results[0].Logs
	require.NotNil(t, logs)
	require.Len(t, logs.Entries, 2)
	assert.Equal(t, metric.LogEntry{
		Timestamp:  "1970-01-01T00:16:40Z",
		Level:      "INFO",
		Message:    "started",
		Attributes: map[string]string{"pod": "p1"},
	}, logs.Entries[0])
	assert.Equal(t, "", logs.Entries[1].Timestamp)
	assert.Equal(t, "", logs.Entries[1].Message)
}

func TestNormalizeFollowsOrder(t *testing.T) {
	refMap := map[string]metric.PanelInfo{"A": info("timeseries"), "B": {PanelID: "1", PanelType: "timeseries", Formula: true}}
	_, diags := normalize(map[string]backend.RawResult{}, refMap, "B", "A", "X")
	require.Len(t, diags, 2)
	assert.Equal(t, "B", diags[0].RefID)
	assert.Equal(t, "A", diags[1].RefID)
}

func TestToMillis(t *testing.T) {
	for _, v := range []any{1700000000.0, 1700000000000.0, 1700000000000000.0, 1700000000000000000.0, "2023-11-14T22:13:20Z", "1700000000000"} {
		ms, ok := toMillis(v)
		assert.True(t, ok, "%v", v)
		assert.Equal(t, int64(1700000000000), ms, "%v", v)
	}
	_, ok := toMillis(nil)
	assert.False(t, ok)
}
