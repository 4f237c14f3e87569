package backend

import (
	"context"
	"time"

	"github.com/dushixiang/dashrun/internal/protocol"
)

// FieldType 数据帧字段类型
type FieldType string

const (
	FieldTime   FieldType = "time"
	FieldNumber FieldType = "number"
	FieldLabel  FieldType = "label"
)

// Field 数据帧字段
type Field struct {
	Name   string            `json:"name"`
	Type   FieldType         `json:"type"`
	Labels map[string]string `json:"labels,omitempty"` // 序列级标签（如 Prometheus 的 series labels）
}

// Frame 列式数据帧，Columns[i] 对应 Fields[i]
type Frame struct {
	Name    string  `json:"name,omitempty"`
	Fields  []Field `json:"fields"`
	Columns [][]any `json:"columns"`
}

// RawResult 后端返回的单个 refId 结果。
// Error 非空表示该 refId 执行失败；FramesPresent 为 false 表示响应中没有 frames 字段，
// 与 frames 为空数组相区分。
type RawResult struct {
	RefID         string  `json:"refId"`
	Status        int     `json:"status,omitempty"`
	Error         string  `json:"error,omitempty"`
	FramesPresent bool    `json:"framesPresent"`
	Frames        []Frame `json:"frames,omitempty"`
}

// Query 下发给后端的数据查询
type Query struct {
	RefID         string                 `json:"refId"`
	Expression    string                 `json:"expression"`
	Datasource    protocol.DatasourceRef `json:"datasource"`
	Disabled      bool                   `json:"disabled,omitempty"`
	Legend        string                 `json:"legend,omitempty"`
	IntervalMs    int64                  `json:"intervalMs"`
	MaxDataPoints int                    `json:"maxDataPoints"`
	PanelType     protocol.PanelType     `json:"panelType,omitempty"`
}

// Formula 基于其他 refId 的公式，表达式中的操作数已替换为本次请求分配的 refId
type Formula struct {
	RefID      string   `json:"refId"`
	Expression string   `json:"expression"`
	Operands   []string `json:"operands"`
	Legend     string   `json:"legend,omitempty"`
}

// Batch 一次批量请求
type Batch struct {
	TimeRange protocol.TimeRange
	Bucket    time.Duration
	Queries   []Query
	Formulas  []Formula // 仅在后端支持服务端公式时下发
}

// Capabilities 后端能力
type Capabilities struct {
	ServerSideFormulas bool
}

// Client 后端客户端，一次调用执行整批查询
type Client interface {
	Execute(ctx context.Context, batch Batch) (map[string]RawResult, error)
	Dialect(ds protocol.DatasourceRef) Dialect
	Capabilities() Capabilities
}

// Datasource 数据源信息
type Datasource struct {
	UID  string `json:"uid"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// DatasourceLister 支持列出数据源的后端
type DatasourceLister interface {
	ListDatasources(ctx context.Context) ([]Datasource, error)
}
