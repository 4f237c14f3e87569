package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// VariableKind 模板变量类型
type VariableKind string

const (
	VariableKindBuiltin VariableKind = "builtin" // 内置变量（时间范围、间隔）
	VariableKindStatic  VariableKind = "static"  // 静态变量（常量、自定义、文本框）
	VariableKindQuery   VariableKind = "query"   // 查询型变量，取值来自后端
)

// PanelType 面板类型，决定响应的归一化形态
type PanelType string

const (
	PanelTypeTimeseries PanelType = "timeseries"
	PanelTypeTable      PanelType = "table"
	PanelTypeStat       PanelType = "stat"
	PanelTypeGauge      PanelType = "gauge"
	PanelTypeLogs       PanelType = "logs"
	PanelTypeRow        PanelType = "row"
)

// Dashboard 仪表盘定义
type Dashboard struct {
	UID        string         `json:"uid" yaml:"uid" validate:"required"`
	Title      string         `json:"title" yaml:"title"`
	Datasource *DatasourceRef `json:"datasource,omitempty" yaml:"datasource,omitempty"` // 仪表盘默认数据源
	Variables  []VariableDef  `json:"variables,omitempty" yaml:"variables,omitempty" validate:"dive"`
	Panels     []PanelDef     `json:"panels" yaml:"panels" validate:"dive"`
}

// DatasourceRef 数据源引用，UID 与 Name 至少有一个
type DatasourceRef struct {
	UID  string `json:"uid,omitempty" yaml:"uid,omitempty"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
}

// IsZero 是否为空引用
func (r *DatasourceRef) IsZero() bool {
	return r == nil || (r.UID == "" && r.Name == "")
}

// VariableDef 模板变量定义
type VariableDef struct {
	Name       string         `json:"name" yaml:"name" validate:"required"`
	Kind       VariableKind   `json:"kind" yaml:"kind" validate:"omitempty,oneof=builtin static query"`
	Multi      bool           `json:"multi,omitempty" yaml:"multi,omitempty"`
	Current    Values         `json:"current,omitempty" yaml:"current,omitempty"` // 当前选中值
	Default    Values         `json:"default,omitempty" yaml:"default,omitempty"` // 默认值
	Options    []string       `json:"options,omitempty" yaml:"options,omitempty"` // 静态可选值
	Query      string         `json:"query,omitempty" yaml:"query,omitempty"`     // 仅查询型变量使用
	Datasource *DatasourceRef `json:"datasource,omitempty" yaml:"datasource,omitempty"`
}

// PanelDef 面板定义
type PanelDef struct {
	ID         ID             `json:"id" yaml:"id"`
	Title      string         `json:"title" yaml:"title"`
	Type       PanelType      `json:"type" yaml:"type"`
	Datasource *DatasourceRef `json:"datasource,omitempty" yaml:"datasource,omitempty"`
	Targets    []TargetDef    `json:"targets,omitempty" yaml:"targets,omitempty"`
	Formulas   []FormulaDef   `json:"formulas,omitempty" yaml:"formulas,omitempty"`
	Panels     []PanelDef     `json:"panels,omitempty" yaml:"panels,omitempty"` // row 面板下的子面板
}

// TargetDef 面板子查询
type TargetDef struct {
	RefID      string         `json:"refId,omitempty" yaml:"refId,omitempty"` // 面板内声明的引用名，供公式使用
	Expr       string         `json:"expr" yaml:"expr"`
	Datasource *DatasourceRef `json:"datasource,omitempty" yaml:"datasource,omitempty"`
	Hide       bool           `json:"hide,omitempty" yaml:"hide,omitempty"`
	Legend     string         `json:"legend,omitempty" yaml:"legend,omitempty"`
}

// FormulaDef 基于其他子查询的公式，例如 A*100/B
type FormulaDef struct {
	Expression string `json:"expression" yaml:"expression" validate:"required"`
	Legend     string `json:"legend,omitempty" yaml:"legend,omitempty"`
}

// ID 兼容数字与字符串两种写法的标识
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", data, err)
	}
	*id = ID(n.String())
	return nil
}

func (id *ID) UnmarshalYAML(node *yaml.Node) error {
	*id = ID(node.Value)
	return nil
}

// Values 变量取值，单值与多值统一用列表表示
type Values []string

func (v *Values) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*v = nil
		return nil
	case data[0] == '[':
		var items []any
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		out := make(Values, 0, len(items))
		for _, item := range items {
			out = append(out, scalarString(item))
		}
		*v = out
		return nil
	default:
		var item any
		if err := json.Unmarshal(data, &item); err != nil {
			return err
		}
		*v = Values{scalarString(item)}
		return nil
	}
}

func (v *Values) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		out := make(Values, 0, len(node.Content))
		for _, item := range node.Content {
			out = append(out, item.Value)
		}
		*v = out
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*v = nil
			return nil
		}
		*v = Values{node.Value}
	default:
		return fmt.Errorf("variable value must be a scalar or a list, line %d", node.Line)
	}
	return nil
}

// First 第一个取值，不存在时为空字符串
func (v Values) First() string {
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

func scalarString(item any) string {
	switch x := item.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
