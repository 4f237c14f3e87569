package service

import (
	"encoding/json"
	"io"
	"regexp"
	"strings"

	"github.com/dushixiang/dashrun/internal/backend"
	"github.com/dushixiang/dashrun/internal/protocol"
	"github.com/samber/lo"
	"github.com/valyala/fasttemplate"
)

// Variables 已解析的变量取值
type Variables map[string]protocol.Values

var (
	referencePattern = regexp.MustCompile(`\$\{([^}:]+)(?::[^}]*)?\}|\$([A-Za-z_][A-Za-z0-9_]*)|\{\{\s*\.([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)
	dollarPattern    = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
	goTmplPattern    = regexp.MustCompile(`\{\{\s*\.([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)
)

// ReferencedVariables 表达式中引用的变量名，去重并保持出现顺序
func ReferencedVariables(expr string) []string {
	var names []string
	for _, m := range referencePattern.FindAllStringSubmatch(expr, -1) {
		for _, name := range m[1:] {
			if name != "" {
				names = append(names, strings.TrimSpace(name))
				break
			}
		}
	}
	return lo.Uniq(names)
}

// Interpolate 替换表达式中的变量占位符。
// 多值变量出现在等值匹配中时先由方言改写为“属于”匹配；未解析的占位符替换为空字符串并作为缺口返回。
func Interpolate(expr string, vars Variables, dialect backend.Dialect) (string, []string) {
	if !strings.Contains(expr, "$") && !strings.Contains(expr, "{{") {
		return expr, nil
	}
	if dialect != nil {
		for _, name := range ReferencedVariables(expr) {
			if len(vars[name]) > 1 {
				expr = dialect.RewriteMultiValue(expr, name)
			}
		}
	}

	normalized := goTmplPattern.ReplaceAllString(expr, "$${$1}")
	normalized = dollarPattern.ReplaceAllString(normalized, "$${$1}")

	// 缺少右括号的占位符及其后的内容原样保留，之前的占位符照常替换
	head, tail := normalized, ""
	if cut := unterminatedPlaceholder(normalized); cut >= 0 {
		head, tail = normalized[:cut], normalized[cut:]
	}
	out, gaps := executeTemplate(head, vars)
	if tail != "" {
		name, _, _ := strings.Cut(strings.TrimPrefix(tail, "${"), ":")
		if name = strings.TrimSpace(name); name != "" {
			gaps = append(gaps, name)
		}
	}
	return out + tail, lo.Uniq(gaps)
}

// unterminatedPlaceholder 最后一个右括号之后的第一个 "${" 的位置，没有时返回 -1
func unterminatedPlaceholder(text string) int {
	last := strings.LastIndex(text, "}")
	i := strings.Index(text[last+1:], "${")
	if i < 0 {
		return -1
	}
	return last + 1 + i
}

func executeTemplate(text string, vars Variables) (string, []string) {
	t, err := fasttemplate.NewTemplate(text, "${", "}")
	if err != nil {
		return text, nil
	}
	var gaps []string
	out := t.ExecuteFuncString(func(w io.Writer, tag string) (int, error) {
		name, format, _ := strings.Cut(tag, ":")
		name = strings.TrimSpace(name)
		values, ok := vars[name]
		if !ok {
			gaps = append(gaps, name)
			return 0, nil
		}
		return w.Write([]byte(FormatValues(values, format)))
	})
	return out, gaps
}

// FormatValues 按 Grafana 的格式化选项输出变量值
func FormatValues(values protocol.Values, format string) string {
	switch format {
	case "csv", "raw":
		return strings.Join(values, ",")
	case "pipe":
		return strings.Join(values, "|")
	case "regex":
		escaped := lo.Map(values, func(v string, _ int) string { return promRegexEscape(v) })
		if len(escaped) == 1 {
			return escaped[0]
		}
		return "(" + strings.Join(escaped, "|") + ")"
	case "json":
		data, _ := json.Marshal([]string(values))
		return string(data)
	case "singlequote", "sqlstring":
		quoted := lo.Map(values, func(v string, _ int) string {
			return "'" + strings.ReplaceAll(v, "'", "''") + "'"
		})
		return strings.Join(quoted, ",")
	case "doublequote":
		quoted := lo.Map(values, func(v string, _ int) string {
			return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
		})
		return strings.Join(quoted, ",")
	case "glob":
		if len(values) == 1 {
			return values[0]
		}
		return "{" + strings.Join(values, ",") + "}"
	case "text":
		return strings.Join(values, " + ")
	default:
		return strings.Join(values, "|")
	}
}

// promRegexEscape 转义正则元字符，并把反斜杠加倍以便放入 PromQL 双引号字符串
func promRegexEscape(v string) string {
	return strings.ReplaceAll(regexp.QuoteMeta(v), `\`, `\\`)
}
