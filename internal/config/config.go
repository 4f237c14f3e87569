package config

import "time"

// AppConfig 应用配置
type AppConfig struct {
	Server    ServerConfig     `json:"Server" mapstructure:"Server"`
	Log       LogConfig        `json:"Log" mapstructure:"Log"`
	Backend   BackendConfig    `json:"Backend" mapstructure:"Backend" validate:"required"`
	Store     StoreConfig      `json:"Store" mapstructure:"Store" validate:"required"`
	Query     QueryConfig      `json:"Query" mapstructure:"Query"`
	RateLimit RateLimitConfig  `json:"RateLimit" mapstructure:"RateLimit"`
	Schedules []ScheduleConfig `json:"Schedules" mapstructure:"Schedules" validate:"dive"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Addr string `json:"Addr" mapstructure:"Addr"` // 监听地址，如 :8080
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `json:"Level" mapstructure:"Level" validate:"omitempty,oneof=debug info warn error"`
	Format     string `json:"Format" mapstructure:"Format" validate:"omitempty,oneof=console json"`
	File       string `json:"File" mapstructure:"File"`             // 为空时输出到标准输出
	MaxSize    int    `json:"MaxSize" mapstructure:"MaxSize"`       // MB
	MaxBackups int    `json:"MaxBackups" mapstructure:"MaxBackups"` // 保留的旧日志文件数
	MaxAge     int    `json:"MaxAge" mapstructure:"MaxAge"`         // 天数
	Compress   bool   `json:"Compress" mapstructure:"Compress"`
}

// BackendConfig 查询后端配置
type BackendConfig struct {
	Type     string        `json:"Type" mapstructure:"Type" validate:"required,oneof=grafana signoz prometheus"`
	URL      string        `json:"URL" mapstructure:"URL" validate:"required,url"`
	Token    string        `json:"Token" mapstructure:"Token"` // Grafana 服务账号 Token 或 SigNoz API Key
	Username string        `json:"Username" mapstructure:"Username"`
	Password string        `json:"Password" mapstructure:"Password"`
	OrgID    int64         `json:"OrgID" mapstructure:"OrgID"`
	Timeout  time.Duration `json:"Timeout" mapstructure:"Timeout"`
	// Concurrency prometheus 后端同一批次的并发请求数
	Concurrency int `json:"Concurrency" mapstructure:"Concurrency" validate:"gte=0"`
}

// StoreConfig 仪表盘定义来源
type StoreConfig struct {
	Type     string        `json:"Type" mapstructure:"Type" validate:"required,oneof=file grafana database"`
	Dir      string        `json:"Dir" mapstructure:"Dir" validate:"required_if=Type file"`
	DSN      string        `json:"DSN" mapstructure:"DSN" validate:"required_if=Type database"` // sqlite 文件路径
	CacheTTL time.Duration `json:"CacheTTL" mapstructure:"CacheTTL"`                            // 0 表示不缓存
	Watch    bool          `json:"Watch" mapstructure:"Watch"`                                  // 监听目录变化，仅 file 类型
}

// QueryConfig 执行参数
type QueryConfig struct {
	TargetPoints        int           `json:"TargetPoints" mapstructure:"TargetPoints" validate:"gte=0"`
	Timeout             time.Duration `json:"Timeout" mapstructure:"Timeout"`
	VariableConcurrency int           `json:"VariableConcurrency" mapstructure:"VariableConcurrency" validate:"gte=0"`
	RefIDAlphabet       string        `json:"RefIDAlphabet" mapstructure:"RefIDAlphabet"`
}

// RateLimitConfig 限流重试配置
type RateLimitConfig struct {
	MaxRetries    int           `json:"MaxRetries" mapstructure:"MaxRetries" validate:"gte=0"`
	FallbackDelay time.Duration `json:"FallbackDelay" mapstructure:"FallbackDelay"` // 未给出 Retry-After 时的等待时间
	MaxDelay      time.Duration `json:"MaxDelay" mapstructure:"MaxDelay"`
}

// ScheduleConfig 定时执行配置
type ScheduleConfig struct {
	Name         string            `json:"Name" mapstructure:"Name" validate:"required"`
	DashboardUID string            `json:"DashboardUID" mapstructure:"DashboardUID" validate:"required"`
	Interval     int               `json:"Interval" mapstructure:"Interval"` // 秒
	Lookback     time.Duration     `json:"Lookback" mapstructure:"Lookback"`
	Variables    map[string]string `json:"Variables" mapstructure:"Variables"` // 多个值用逗号分隔
}
