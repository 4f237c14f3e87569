package service

import (
	"testing"

	"github.com/dushixiang/dashrun/internal/backend"
	"github.com/dushixiang/dashrun/internal/metric"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func series(labels map[string]string, points ...float64) metric.Series {
	s := metric.Series{Labels: sortedLabels(labels)}
	for i := 0; i+1 < len(points); i += 2 {
		s.Data = append(s.Data, metric.DataPoint{Timestamp: int64(points[i]), Value: points[i+1]})
	}
	return s
}

func tsResult(refID string, s ...metric.Series) metric.Result {
	return metric.Result{RefID: refID, Kind: metric.KindTimeSeries, Series: s}
}

func TestParseFormula(t *testing.T) {
	for _, expr := range []string{"A", "$A + B", "(A - B) / 2", "-A * 3.5", "A*100/B"} {
		_, err := parseFormula(expr)
		assert.NoError(t, err, expr)
	}
	for _, expr := range []string{"", "A +", "(A", "A $", "A ) B", "1e"} {
		_, err := parseFormula(expr)
		assert.Error(t, err, expr)
	}

	t.Run("科学计数法", func(t *testing.T) {
		for expr, want := range map[string]float64{"1e3": 1000, "2.5E-1": 0.25, "4e+2": 400} {
			node, err := parseFormula(expr)
			require.NoError(t, err, expr)
			assert.Equal(t, want, node.value, expr)
		}
		node, err := parseFormula("A * 1e-3")
		require.NoError(t, err)
		assert.Equal(t, "A", node.left.ref)
		assert.Equal(t, 0.001, node.right.value)
	})
}

func TestEvaluateFormulasDropsOverflow(t *testing.T) {
	results := []metric.Result{tsResult("A", series(nil, 1, 1e308, 2, 1))}
	formulas := []backend.Formula{{RefID: "B", Expression: "A * 1e10", Operands: []string{"A"}}}

	out, _ := EvaluateFormulas(formulas, results, map[string]metric.PanelInfo{})
	require.Len(t, out, 1)
	require.Len(t, out[0].Series, 1)
	assert.Equal(t, []metric.DataPoint{{Timestamp: 2, Value: 1e10}}, out[0].Series[0].Data)
}

func TestEvaluateFormulasMatchesByLabels(t *testing.T) {
	results := []metric.Result{
		tsResult("A",
			series(map[string]string{"host": "h1"}, 1, 10, 2, 20),
			series(map[string]string{"host": "h2"}, 1, 30)),
		tsResult("B",
			series(map[string]string{"host": "h2"}, 1, 60),
			series(map[string]string{"host": "h1"}, 1, 40, 2, 0)),
	}
	formulas := []backend.Formula{{RefID: "C", Expression: "A / B * 100", Operands: []string{"A", "B"}, Legend: "{{host}} %"}}
	refMap := map[string]metric.PanelInfo{"C": {PanelID: "1", Formula: true}}

	out, diags := EvaluateFormulas(formulas, results, refMap)
	assert.Empty(t, diags)
	require.Len(t, out, 1)
	require.Len(t, out[0].Series, 2)

	h1 := out[0].Series[0]
	assert.Equal(t, "h1 %", h1.Name)
	// 除以 0 的点被丢弃
	assert.Equal(t, []metric.DataPoint{{Timestamp: 1, Value: 25}}, h1.Data)
	assert.Equal(t, []metric.DataPoint{{Timestamp: 1, Value: 50}}, out[0].Series[1].Data)
	assert.Equal(t, "1", out[0].Panel.PanelID)
}

func TestEvaluateFormulasBroadcastsSingleSeries(t *testing.T) {
	results := []metric.Result{
		tsResult("A",
			series(map[string]string{"host": "h1"}, 1, 10),
			series(map[string]string{"host": "h2"}, 1, 20)),
		tsResult("B", series(map[string]string{"job": "total"}, 1, 100)),
	}
	formulas := []backend.Formula{{RefID: "C", Expression: "A / B", Operands: []string{"A", "B"}}}
	out, _ := EvaluateFormulas(formulas, results, map[string]metric.PanelInfo{})

	require.Len(t, out[0].Series, 2)
	assert.Equal(t, 0.1, out[0].Series[0].Data[0].Value)
	assert.Equal(t, 0.2, out[0].Series[1].Data[0].Value)
}

func TestEvaluateFormulasMissingOperand(t *testing.T) {
	formulas := []backend.Formula{{RefID: "C", Expression: "A + B", Operands: []string{"A", "B"}}}
	out, diags := EvaluateFormulas(formulas, []metric.Result{tsResult("A", series(nil, 1, 1))}, map[string]metric.PanelInfo{})

	require.Len(t, out, 1)
	assert.True(t, out[0].Empty)
	assert.True(t, metric.HasCode(diags, metric.DiagNoResults))
}

func TestEvaluateFormulasInvalidExpression(t *testing.T) {
	formulas := []backend.Formula{{RefID: "C", Expression: "A +", Operands: []string{"A"}}}
	out, diags := EvaluateFormulas(formulas, nil, map[string]metric.PanelInfo{})
	assert.Empty(t, out)
	assert.True(t, metric.HasCode(diags, metric.DiagFormulaDropped))
}
