package backend

import (
	"fmt"
	"regexp"
)

// Dialect 查询语言方言，负责把等值匹配上的多值变量改写为“属于”匹配
type Dialect interface {
	Name() string
	// RewriteMultiValue 改写表达式中以等值方式引用 name 的位置，返回的表达式仍包含占位符
	RewriteMultiValue(expr, name string) string
}

// placeholderPattern 匹配变量的各种占位写法：$name、${name}、${name:fmt}、{{ .name }}
func placeholderPattern(name string) string {
	q := regexp.QuoteMeta(name)
	return fmt.Sprintf(`(?:\$\{%s(?::[^}]*)?\}|\$%s\b|\{\{\s*\.%s\s*\}\})`, q, q, q)
}

// PromQLDialect Prometheus/Loki 标签匹配：label="$v" -> label=~"${v:regex}"
type PromQLDialect struct{}

func (PromQLDialect) Name() string { return "promql" }

func (PromQLDialect) RewriteMultiValue(expr, name string) string {
	re := regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s*(!=|=)\s*"` + placeholderPattern(name) + `"`)
	return re.ReplaceAllStringFunc(expr, func(m string) string {
		sub := re.FindStringSubmatch(m)
		op := "=~"
		if sub[2] == "!=" {
			op = "!~"
		}
		return fmt.Sprintf(`%s%s"${%s:regex}"`, sub[1], op, name)
	})
}

// SQLDialect ClickHouse/SQL 比较：col = '$v' -> col IN (${v:sqlstring})
type SQLDialect struct{}

func (SQLDialect) Name() string { return "sql" }

func (SQLDialect) RewriteMultiValue(expr, name string) string {
	ph := placeholderPattern(name)
	re := regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_.]*)\s*(!=|<>|=)\s*(?:'` + ph + `'|` + ph + `)`)
	return re.ReplaceAllStringFunc(expr, func(m string) string {
		sub := re.FindStringSubmatch(m)
		op := "IN"
		if sub[2] != "=" {
			op = "NOT IN"
		}
		return fmt.Sprintf(`%s %s (${%s:sqlstring})`, sub[1], op, name)
	})
}

// dialectForType 根据数据源类型选择方言
func dialectForType(dsType string) Dialect {
	switch dsType {
	case "mysql", "postgres", "grafana-postgresql-datasource", "mssql", "clickhouse",
		"grafana-clickhouse-datasource", "vertamedia-clickhouse-datasource", "clickhouse_sql":
		return SQLDialect{}
	default:
		return PromQLDialect{}
	}
}
