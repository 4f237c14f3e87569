package service

import (
	"fmt"
	"testing"

	"github.com/dushixiang/dashrun/internal/backend"
	"github.com/dushixiang/dashrun/internal/metric"
	"github.com/dushixiang/dashrun/internal/protocol"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var promDS = &protocol.DatasourceRef{UID: "prom", Type: "prometheus"}

func targets(n int) []protocol.TargetDef {
	out := make([]protocol.TargetDef, n)
	for i := range out {
		out[i] = protocol.TargetDef{RefID: fmt.Sprintf("Q%d", i), Expr: fmt.Sprintf("metric_%d", i)}
	}
	return out
}

func TestBuildRejectsPanelWhenAlphabetExhausted(t *testing.T) {
	rc := testContext(t)
	dashboard := &protocol.Dashboard{
		UID:        "dash",
		Datasource: promDS,
		Panels: []protocol.PanelDef{
			{ID: "1", Title: "first", Targets: targets(1)},
			{ID: "2", Title: "huge", Targets: targets(27)},
			{ID: "3", Title: "after", Targets: targets(2)},
		},
	}
	result := NewQueryBuilder(zap.NewNop(), "", 0).Build(rc, dashboard, dashboard.Panels)

	refIDs := lo.Map(result.Queries, func(q backend.Query, _ int) string { return q.RefID })
	assert.Equal(t, []string{"A", "B", "C"}, refIDs)
	assert.Equal(t, refIDs, result.Order)
	assert.Equal(t, "1", result.RefMap["A"].PanelID)
	assert.Equal(t, "3", result.RefMap["B"].PanelID)
	assert.Equal(t, "metric_1", result.Queries[2].Expression)

	require.Len(t, result.Diagnostics, 1)
	assert.Equal(t, metric.DiagRefIDExhausted, result.Diagnostics[0].Code)
	assert.Equal(t, metric.SeverityError, result.Diagnostics[0].Severity)
	assert.Equal(t, "2", result.Diagnostics[0].PanelID)
}

func TestBuildRefIDsAreUniqueAcrossPanels(t *testing.T) {
	rc := testContext(t)
	dashboard := &protocol.Dashboard{UID: "dash", Datasource: promDS}
	for i := 0; i < 5; i++ {
		dashboard.Panels = append(dashboard.Panels, protocol.PanelDef{
			ID:      protocol.ID(fmt.Sprint(i)),
			Targets: []protocol.TargetDef{{RefID: "A", Expr: "up"}, {RefID: "B", Expr: "down"}},
		})
	}
	result := NewQueryBuilder(zap.NewNop(), "", 0).Build(rc, dashboard, dashboard.Panels)

	refIDs := lo.Map(result.Queries, func(q backend.Query, _ int) string { return q.RefID })
	assert.Len(t, refIDs, 10)
	assert.Len(t, lo.Uniq(refIDs), 10)
}

func TestBuildSmallAlphabet(t *testing.T) {
	rc := testContext(t)
	dashboard := &protocol.Dashboard{UID: "dash", Datasource: promDS, Panels: []protocol.PanelDef{
		{ID: "1", Targets: targets(2)},
		{ID: "2", Targets: targets(1)},
		{ID: "3", Targets: targets(1)},
	}}
	result := NewQueryBuilder(zap.NewNop(), "XYZ", 0).Build(rc, dashboard, dashboard.Panels)

	assert.Equal(t, []string{"X", "Y", "Z"}, result.Order)
	assert.True(t, metric.HasCode(result.Diagnostics, metric.DiagRefIDExhausted))
}

func TestBuildQueryFields(t *testing.T) {
	rc := testContext(t)
	rc.Variables = Variables{"job": {"api"}, "__interval": {"1m"}}
	dashboard := &protocol.Dashboard{UID: "dash", Panels: []protocol.PanelDef{{
		ID:         "7",
		Title:      "Requests",
		Type:       protocol.PanelTypeTimeseries,
		Datasource: promDS,
		Targets: []protocol.TargetDef{
			{RefID: "A", Expr: `rate(http{job="$job"}[$__interval])`, Legend: "{{instance}}"},
			{RefID: "B", Expr: "up", Hide: true, Datasource: &protocol.DatasourceRef{UID: "other", Type: "prometheus"}},
		},
	}}}
	result := NewQueryBuilder(zap.NewNop(), "", 100).Build(rc, dashboard, dashboard.Panels)

	require.Len(t, result.Queries, 2)
	q := result.Queries[0]
	assert.Equal(t, `rate(http{job="api"}[1m])`, q.Expression)
	assert.Equal(t, "prom", q.Datasource.UID)
	assert.Equal(t, int64(60000), q.IntervalMs)
	assert.Equal(t, 100, q.MaxDataPoints)
	assert.Equal(t, "{{instance}}", q.Legend)
	assert.True(t, result.Queries[1].Disabled)
	assert.Equal(t, "other", result.Queries[1].Datasource.UID)

	info := result.RefMap["A"]
	assert.Equal(t, "7", info.PanelID)
	assert.Equal(t, "Requests", info.PanelTitle)
	assert.Equal(t, `rate(http{job="$job"}[$__interval])`, info.OriginalExpression)
	assert.Empty(t, result.Diagnostics)
}

func TestBuildSkipsUnresolvableTargets(t *testing.T) {
	rc := testContext(t)
	rc.RegisterDatasources([]backend.Datasource{{UID: "prom", Name: "Prometheus", Type: "prometheus"}})
	dashboard := &protocol.Dashboard{UID: "dash", Panels: []protocol.PanelDef{{
		ID: "1",
		Targets: []protocol.TargetDef{
			{RefID: "A", Expr: "up"},
			{RefID: "B", Expr: "up", Datasource: &protocol.DatasourceRef{Name: "Prometheus"}},
			{RefID: "C", Expr: "  ", Datasource: promDS},
			{RefID: "D", Expr: `up{x="$nope"}`, Datasource: promDS},
		},
	}}}
	result := NewQueryBuilder(zap.NewNop(), "", 0).Build(rc, dashboard, dashboard.Panels)

	require.Len(t, result.Queries, 2)
	assert.Equal(t, "A", result.Queries[0].RefID)
	assert.Equal(t, "prom", result.Queries[0].Datasource.UID)
	assert.Equal(t, "prometheus", result.Queries[0].Datasource.Type)
	assert.Equal(t, `up{x=""}`, result.Queries[1].Expression)

	assert.True(t, metric.HasCode(result.Diagnostics, metric.DiagDatasourceUnresolved))
	assert.True(t, metric.HasCode(result.Diagnostics, metric.DiagEmptyExpression))
	assert.True(t, metric.HasCode(result.Diagnostics, metric.DiagResolutionGap))
}

func TestBuildFormulas(t *testing.T) {
	rc := testContext(t)
	dashboard := &protocol.Dashboard{UID: "dash", Datasource: promDS, Panels: []protocol.PanelDef{
		{ID: "1", Targets: targets(1)},
		{
			ID:      "2",
			Targets: []protocol.TargetDef{{RefID: "A", Expr: "errors"}, {RefID: "B", Expr: "total"}},
			Formulas: []protocol.FormulaDef{
				{Expression: "A / B * 100", Legend: "ratio"},
				{Expression: "A + Z"},
				{Expression: "42"},
			},
		},
	}}
	result := NewQueryBuilder(zap.NewNop(), "", 0).Build(rc, dashboard, dashboard.Panels)

	require.Len(t, result.Formulas, 1)
	f := result.Formulas[0]
	assert.Equal(t, "D", f.RefID)
	assert.Equal(t, "B / C * 100", f.Expression)
	assert.Equal(t, []string{"B", "C"}, f.Operands)
	assert.Equal(t, []string{"A", "B", "C", "D"}, result.Order)
	assert.True(t, result.RefMap["D"].Formula)
	assert.Equal(t, "ratio", result.RefMap["D"].Legend)

	dropped := lo.Filter(result.Diagnostics, func(d metric.Diagnostic, _ int) bool { return d.Code == metric.DiagFormulaDropped })
	assert.Len(t, dropped, 2)
}

func TestRemapFormulaKeepsNumericLiterals(t *testing.T) {
	assigned := map[string]string{"A": "F", "E": "G"}
	declared := map[string]struct{}{"A": {}, "E": {}}
	expr, operands, missing := remapFormula("A * 2.5E-1 + E / 1e3", assigned, declared)
	assert.Equal(t, "F * 2.5E-1 + G / 1e3", expr)
	assert.Equal(t, []string{"F", "G"}, operands)
	assert.Empty(t, missing)
}

func TestFlattenPanels(t *testing.T) {
	panels := []protocol.PanelDef{
		{ID: "1"},
		{ID: "row", Type: protocol.PanelTypeRow, Panels: []protocol.PanelDef{{ID: "2"}, {ID: "3"}}},
		{ID: "4"},
	}
	ids := lo.Map(FlattenPanels(panels), func(p protocol.PanelDef, _ int) string { return string(p.ID) })
	assert.Equal(t, []string{"1", "2", "3", "4"}, ids)
}
