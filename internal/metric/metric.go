package metric

// ResultKind 归一化结果的形态
type ResultKind string

const (
	KindTimeSeries ResultKind = "timeseries"
	KindTable      ResultKind = "table"
	KindScalar     ResultKind = "scalar"
	KindLogs       ResultKind = "logs"
)

// DataPoint 统一的指标数据点结构
type DataPoint struct {
	Timestamp int64   `json:"timestamp"` // 毫秒时间戳
	Value     float64 `json:"value"`
}

// Label 有序标签
type Label struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Series 指标系列，同一标签组合的数据点按时间升序
type Series struct {
	Name   string      `json:"name,omitempty"` // 系列名称（图例）
	Labels []Label     `json:"labels,omitempty"`
	Data   []DataPoint `json:"data"`
}

// Column 表格列
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Table 表格结果，值统一为字符串
type Table struct {
	Columns []Column   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// ScalarEntry 单值面板的一列
type ScalarEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Scalar stat/gauge 面板的单行结果
type Scalar struct {
	Entries []ScalarEntry `json:"entries"`
}

// LogEntry 日志条目，缺失的时间与内容为空字符串
type LogEntry struct {
	Timestamp  string            `json:"timestamp"`
	Level      string            `json:"level,omitempty"`
	Message    string            `json:"message"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// LogList 日志列表
type LogList struct {
	Entries []LogEntry `json:"entries"`
}

// PanelInfo refId 对应的面板信息
type PanelInfo struct {
	PanelID            string `json:"panelId"`
	PanelTitle         string `json:"panelTitle"`
	PanelType          string `json:"panelType"`
	OriginalExpression string `json:"originalExpression"`
	Legend             string `json:"legend,omitempty"`
	Formula            bool   `json:"formula,omitempty"`
}

// Result 单个 refId 的归一化结果，按 Kind 取对应字段
type Result struct {
	RefID  string     `json:"refId"`
	Panel  PanelInfo  `json:"panel"`
	Kind   ResultKind `json:"kind"`
	Empty  bool       `json:"empty,omitempty"` // 有数据帧但没有解析出任何结果
	Series []Series   `json:"series,omitempty"`
	Table  *Table     `json:"table,omitempty"`
	Scalar *Scalar    `json:"scalar,omitempty"`
	Logs   *LogList   `json:"logs,omitempty"`
}

// DashboardResult 一次仪表盘执行的完整结果
type DashboardResult struct {
	RunID         string              `json:"runId"`
	DashboardUID  string              `json:"dashboardUid"`
	DashboardName string              `json:"dashboardName,omitempty"`
	From          int64               `json:"from"` // 毫秒
	To            int64               `json:"to"`   // 毫秒
	BucketSeconds int64               `json:"bucketSeconds"`
	Variables     map[string][]string `json:"variables,omitempty"`
	Results       []Result            `json:"results"`
	Diagnostics   []Diagnostic        `json:"diagnostics,omitempty"`
}

// PanelCount 有结果的面板数量
func (r *DashboardResult) PanelCount() int {
	seen := make(map[string]struct{})
	for _, result := range r.Results {
		seen[result.Panel.PanelID] = struct{}{}
	}
	return len(seen)
}
