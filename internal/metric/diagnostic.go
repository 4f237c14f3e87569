package metric

// DiagnosticCode 诊断类别
type DiagnosticCode string

const (
	DiagMissingData          DiagnosticCode = "MissingData"          // 响应中没有 frames 字段
	DiagEmptyData            DiagnosticCode = "EmptyData"            // frames 为空
	DiagNoResults            DiagnosticCode = "NoResults"            // 有数据帧但没有解析出结果
	DiagColumnMismatch       DiagnosticCode = "ColumnMismatch"       // 字段数与列数不一致
	DiagFrameSkipped         DiagnosticCode = "FrameSkipped"         // 数据帧结构不符合面板类型
	DiagBackendError         DiagnosticCode = "BackendError"         // 单个 refId 的后端错误
	DiagUnknownRefID         DiagnosticCode = "UnknownRefID"         // 响应中出现未下发的 refId
	DiagDatasourceUnresolved DiagnosticCode = "DatasourceUnresolved" // 子查询没有可用数据源
	DiagDependencyUnresolved DiagnosticCode = "DependencyUnresolved" // 查询型变量的依赖未解析
	DiagResolutionGap        DiagnosticCode = "ResolutionGap"        // 表达式中存在未解析的占位符
	DiagRefIDExhausted       DiagnosticCode = "RefIdExhausted"       // refId 字母表耗尽
	DiagFormulaDropped       DiagnosticCode = "FormulaDropped"       // 公式引用了未分配的 refId
	DiagEmptyExpression      DiagnosticCode = "EmptyExpression"      // 子查询表达式为空
)

// Severity 诊断级别
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Diagnostic 非致命问题，随结果一起返回
type Diagnostic struct {
	Code       DiagnosticCode `json:"code"`
	Severity   Severity       `json:"severity"`
	RefID      string         `json:"refId,omitempty"`
	PanelID    string         `json:"panelId,omitempty"`
	PanelTitle string         `json:"panelTitle,omitempty"`
	Variable   string         `json:"variable,omitempty"`
	Message    string         `json:"message"`
}

// Warn 构造告警级诊断
func Warn(code DiagnosticCode, message string) Diagnostic {
	return Diagnostic{Code: code, Severity: SeverityWarning, Message: message}
}

// Fail 构造错误级诊断
func Fail(code DiagnosticCode, message string) Diagnostic {
	return Diagnostic{Code: code, Severity: SeverityError, Message: message}
}

// ForPanel 附加面板信息
func (d Diagnostic) ForPanel(refID string, panel PanelInfo) Diagnostic {
	d.RefID = refID
	d.PanelID = panel.PanelID
	d.PanelTitle = panel.PanelTitle
	return d
}

// HasCode 是否包含指定类别的诊断
func HasCode(diags []Diagnostic, code DiagnosticCode) bool {
	for _, d := range diags {
		if d.Code == code {
			return true
		}
	}
	return false
}
