package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，如 DASHRUN_BACKEND_URL
const EnvPrefix = "DASHRUN"

var validate = validator.New()

// SetDefaults 写入默认值
func SetDefaults(v *viper.Viper) {
	v.SetDefault("Server.Addr", ":8080")
	v.SetDefault("Log.Level", "info")
	v.SetDefault("Log.Format", "console")
	v.SetDefault("Log.MaxSize", 100)
	v.SetDefault("Log.MaxBackups", 5)
	v.SetDefault("Log.MaxAge", 30)
	v.SetDefault("Backend.Type", "grafana")
	v.SetDefault("Backend.Timeout", 30*time.Second)
	v.SetDefault("Backend.Concurrency", 4)
	// 无默认值的键也需要登记，否则 AutomaticEnv 不会在 Unmarshal 时生效
	for _, key := range []string{"Backend.URL", "Backend.Token", "Backend.Username", "Backend.Password", "Store.DSN"} {
		v.SetDefault(key, "")
	}
	v.SetDefault("Store.Type", "file")
	v.SetDefault("Store.Dir", "dashboards")
	v.SetDefault("Store.CacheTTL", time.Minute)
	v.SetDefault("Query.TargetPoints", 70)
	v.SetDefault("Query.Timeout", 60*time.Second)
	v.SetDefault("Query.VariableConcurrency", 4)
	v.SetDefault("Query.RefIDAlphabet", "ABCDEFGHIJKLMNOPQRSTUVWXYZ")
	v.SetDefault("RateLimit.MaxRetries", 3)
	v.SetDefault("RateLimit.FallbackDelay", 60*time.Second)
	v.SetDefault("RateLimit.MaxDelay", 5*time.Minute)
}

// Load 读取配置文件与环境变量。path 为空时按 ./config.yaml 查找，文件不存在不视为错误
func Load(v *viper.Viper, path string) (*AppConfig, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置失败: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return &cfg, nil
}
