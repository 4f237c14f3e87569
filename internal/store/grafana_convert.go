package store

import (
	"fmt"
	"strings"

	"github.com/dushixiang/dashrun/internal/protocol"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
)

// IsGrafanaModel 是否为 Grafana 导出的仪表盘 JSON
func IsGrafanaModel(data []byte) bool {
	root := gjson.ParseBytes(data)
	if root.Get("dashboard").IsObject() {
		return true
	}
	return root.Get("schemaVersion").Exists() || root.Get("templating").Exists()
}

// ConvertGrafanaDashboard 把 Grafana 仪表盘模型转换为内部定义，兼容 /api/dashboards/uid 响应外层的 dashboard 字段
func ConvertGrafanaDashboard(data []byte) (*protocol.Dashboard, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid grafana dashboard json")
	}
	root := gjson.ParseBytes(data)
	if inner := root.Get("dashboard"); inner.IsObject() {
		root = inner
	}

	dashboard := &protocol.Dashboard{
		UID:   root.Get("uid").String(),
		Title: root.Get("title").String(),
	}
	for _, v := range root.Get("templating.list").Array() {
		if def, ok := convertGrafanaVariable(v); ok {
			dashboard.Variables = append(dashboard.Variables, def)
		}
	}
	for _, p := range root.Get("panels").Array() {
		dashboard.Panels = append(dashboard.Panels, convertGrafanaPanel(p))
	}
	return dashboard, nil
}

func convertGrafanaVariable(v gjson.Result) (protocol.VariableDef, bool) {
	def := protocol.VariableDef{
		Name:       v.Get("name").String(),
		Multi:      v.Get("multi").Bool(),
		Current:    jsonValues(v.Get("current.value")),
		Datasource: grafanaDatasource(v.Get("datasource")),
	}
	for _, option := range v.Get("options").Array() {
		def.Options = append(def.Options, option.Get("value").String())
	}

	query := v.Get("query")
	queryText := query.String()
	if query.IsObject() {
		queryText = query.Get("query").String()
	}

	switch v.Get("type").String() {
	case "query":
		def.Kind = protocol.VariableKindQuery
		def.Query = queryText
		if def.Query == "" {
			def.Query = v.Get("definition").String()
		}
	case "custom", "interval":
		def.Kind = protocol.VariableKindStatic
		if len(def.Options) == 0 && queryText != "" {
			def.Options = lo.Map(strings.Split(queryText, ","), func(s string, _ int) string { return strings.TrimSpace(s) })
		}
	case "constant":
		def.Kind = protocol.VariableKindStatic
		def.Current = protocol.Values{queryText}
	case "textbox":
		def.Kind = protocol.VariableKindStatic
		if len(def.Current) == 0 {
			def.Default = protocol.Values{queryText}
		}
	case "datasource":
		def.Kind = protocol.VariableKindStatic
	default:
		// adhoc 等过滤器类变量不参与占位符替换
		return def, false
	}
	return def, def.Name != ""
}

func convertGrafanaPanel(p gjson.Result) protocol.PanelDef {
	panel := protocol.PanelDef{
		ID:         protocol.ID(p.Get("id").String()),
		Title:      p.Get("title").String(),
		Type:       grafanaPanelType(p.Get("type").String()),
		Datasource: grafanaDatasource(p.Get("datasource")),
	}
	for _, t := range p.Get("targets").Array() {
		ds := grafanaDatasource(t.Get("datasource"))
		if ds != nil && (ds.Type == "__expr__" || ds.UID == "__expr__") {
			if expr := t.Get("expression").String(); t.Get("type").String() == "math" && expr != "" {
				panel.Formulas = append(panel.Formulas, protocol.FormulaDef{Expression: expr})
			}
			continue
		}
		target := protocol.TargetDef{
			RefID:      t.Get("refId").String(),
			Datasource: ds,
			Hide:       t.Get("hide").Bool(),
			Legend:     t.Get("legendFormat").String(),
		}
		for _, key := range []string{"expr", "rawSql", "query"} {
			if value := t.Get(key); value.Type == gjson.String && value.String() != "" {
				target.Expr = value.String()
				break
			}
		}
		panel.Targets = append(panel.Targets, target)
	}
	for _, child := range p.Get("panels").Array() {
		panel.Panels = append(panel.Panels, convertGrafanaPanel(child))
	}
	return panel
}

func grafanaPanelType(t string) protocol.PanelType {
	switch t {
	case "table", "table-old":
		return protocol.PanelTypeTable
	case "stat", "singlestat", "bargauge":
		return protocol.PanelTypeStat
	case "gauge":
		return protocol.PanelTypeGauge
	case "logs":
		return protocol.PanelTypeLogs
	case "row":
		return protocol.PanelTypeRow
	default:
		return protocol.PanelTypeTimeseries
	}
}

// grafanaDatasource 数据源可能是对象 {uid,type}，也可能是名称或变量字符串
func grafanaDatasource(v gjson.Result) *protocol.DatasourceRef {
	switch {
	case v.IsObject():
		ref := &protocol.DatasourceRef{UID: v.Get("uid").String(), Type: v.Get("type").String()}
		if ref.UID == "-- Mixed --" || ref.UID == "-- Dashboard --" {
			return nil
		}
		return ref
	case v.Type == gjson.String:
		s := v.String()
		switch {
		case s == "" || s == "-- Mixed --" || s == "-- Dashboard --":
			return nil
		case strings.HasPrefix(s, "$"):
			return &protocol.DatasourceRef{UID: s}
		default:
			return &protocol.DatasourceRef{Name: s}
		}
	default:
		return nil
	}
}

func jsonValues(v gjson.Result) protocol.Values {
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	if v.IsArray() {
		return lo.Map(v.Array(), func(item gjson.Result, _ int) string { return item.String() })
	}
	return protocol.Values{v.String()}
}
