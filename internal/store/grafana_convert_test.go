package store

import (
	"testing"

	"github.com/dushixiang/dashrun/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const grafanaModel = `{
  "uid": "node",
  "title": "Node",
  "schemaVersion": 39,
  "templating": {"list": [
    {"name": "job", "type": "custom", "query": "node, api", "multi": true, "current": {"value": ["node"]}},
    {"name": "host", "type": "query", "datasource": {"uid": "prom", "type": "prometheus"},
     "query": {"query": "label_values(up{job=\"$job\"}, instance)"}, "current": {"value": "$__all"}},
    {"name": "ds", "type": "datasource"},
    {"name": "filters", "type": "adhoc"},
    {"name": "threshold", "type": "constant", "query": "80"}
  ]},
  "panels": [
    {"id": 1, "type": "timeseries", "title": "CPU", "datasource": "$ds",
     "targets": [
       {"refId": "A", "expr": "cpu{instance=~\"$host\"}", "legendFormat": "{{instance}}"},
       {"refId": "B", "expr": "cpu_total", "hide": true},
       {"refId": "C", "datasource": {"type": "__expr__", "uid": "__expr__"}, "type": "math", "expression": "$A / $B"}
     ]},
    {"id": 2, "type": "row", "title": "Disks", "panels": [
      {"id": 3, "type": "bargauge", "datasource": {"uid": "-- Mixed --"},
       "targets": [{"refId": "A", "datasource": {"uid": "ch", "type": "grafana-clickhouse-datasource"}, "rawSql": "SELECT 1"}]}
    ]}
  ]
}`

func TestConvertGrafanaDashboard(t *testing.T) {
	require.True(t, IsGrafanaModel([]byte(grafanaModel)))
	dashboard, err := ConvertGrafanaDashboard([]byte(grafanaModel))
	require.NoError(t, err)

	assert.Equal(t, "node", dashboard.UID)
	require.Len(t, dashboard.Variables, 4)

	job := dashboard.Variables[0]
	assert.Equal(t, protocol.VariableKindStatic, job.Kind)
	assert.Equal(t, []string{"node", "api"}, job.Options)
	assert.Equal(t, protocol.Values{"node"}, job.Current)
	assert.True(t, job.Multi)

	host := dashboard.Variables[1]
	assert.Equal(t, protocol.VariableKindQuery, host.Kind)
	assert.Equal(t, `label_values(up{job="$job"}, instance)`, host.Query)
	assert.Equal(t, "prom", host.Datasource.UID)

	assert.Equal(t, "ds", dashboard.Variables[2].Name)
	assert.Equal(t, protocol.Values{"80"}, dashboard.Variables[3].Current)

	cpu := dashboard.Panels[0]
	assert.Equal(t, protocol.ID("1"), cpu.ID)
	assert.Equal(t, &protocol.DatasourceRef{UID: "$ds"}, cpu.Datasource)
	require.Len(t, cpu.Targets, 2)
	assert.Equal(t, "{{instance}}", cpu.Targets[0].Legend)
	assert.True(t, cpu.Targets[1].Hide)
	assert.Equal(t, []protocol.FormulaDef{{Expression: "$A / $B"}}, cpu.Formulas)

	row := dashboard.Panels[1]
	assert.Equal(t, protocol.PanelTypeRow, row.Type)
	require.Len(t, row.Panels, 1)
	child := row.Panels[0]
	assert.Equal(t, protocol.PanelTypeStat, child.Type)
	assert.Nil(t, child.Datasource)
	assert.Equal(t, "SELECT 1", child.Targets[0].Expr)
	assert.Equal(t, "ch", child.Targets[0].Datasource.UID)
}

func TestIsGrafanaModel(t *testing.T) {
	assert.False(t, IsGrafanaModel([]byte(`{"uid": "x", "panels": []}`)))
	assert.True(t, IsGrafanaModel([]byte(`{"dashboard": {"uid": "x"}, "meta": {}}`)))
}

func TestConvertGrafanaDashboardInvalid(t *testing.T) {
	_, err := ConvertGrafanaDashboard([]byte(`{"dashboard": `))
	assert.Error(t, err)
}
