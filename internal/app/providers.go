package app

import (
	"fmt"

	"github.com/dushixiang/dashrun/internal/backend"
	"github.com/dushixiang/dashrun/internal/config"
	"github.com/dushixiang/dashrun/internal/handler"
	"github.com/dushixiang/dashrun/internal/logger"
	"github.com/dushixiang/dashrun/internal/migrate"
	"github.com/dushixiang/dashrun/internal/scheduler"
	"github.com/dushixiang/dashrun/internal/service"
	"github.com/dushixiang/dashrun/internal/store"
	"github.com/glebarez/sqlite"
	"github.com/google/wire"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// App 组装完成的运行时组件
type App struct {
	Config    *config.AppConfig
	Logger    *zap.Logger
	Store     store.DashboardStore
	Service   *service.DashboardService
	Scheduler *scheduler.DashboardScheduler
	Handler   *handler.DashboardHandler
}

var ProviderSet = wire.NewSet(
	ProvideLogger,
	ProvideClient,
	ProvideStore,
	ProvideVariableResolver,
	ProvideQueryBuilder,
	ProvideExecutionOptions,
	service.NewResponseNormalizer,
	service.NewDashboardService,
	scheduler.NewDashboardScheduler,
	handler.NewDashboardHandler,
	wire.Bind(new(scheduler.Executor), new(*service.DashboardService)),
	wire.Bind(new(handler.DashboardExecutor), new(*service.DashboardService)),
	wire.Bind(new(handler.ScheduleLister), new(*scheduler.DashboardScheduler)),
	wire.Struct(new(App), "*"),
)

// ProvideLogger 创建日志器
func ProvideLogger(cfg *config.AppConfig) *zap.Logger {
	return logger.New(cfg.Log)
}

// ProvideClient 按配置创建后端客户端，统一包装限流重试
func ProvideClient(logger *zap.Logger, cfg *config.AppConfig) (backend.Client, error) {
	var client backend.Client
	switch cfg.Backend.Type {
	case "grafana":
		client = newGrafanaClient(logger, cfg.Backend)
	case "signoz":
		client = backend.NewSignozClient(logger, backend.SignozConfig{
			URL:     cfg.Backend.URL,
			APIKey:  cfg.Backend.Token,
			Timeout: cfg.Backend.Timeout,
		})
	case "prometheus":
		client = backend.NewPrometheusClient(logger, backend.PrometheusConfig{
			URL:         cfg.Backend.URL,
			Token:       cfg.Backend.Token,
			Username:    cfg.Backend.Username,
			Password:    cfg.Backend.Password,
			Timeout:     cfg.Backend.Timeout,
			Concurrency: cfg.Backend.Concurrency,
		})
	default:
		return nil, fmt.Errorf("不支持的后端类型: %s", cfg.Backend.Type)
	}
	return backend.NewRetryingClient(logger, client, backend.RetryConfig{
		MaxRetries:    cfg.RateLimit.MaxRetries,
		FallbackDelay: cfg.RateLimit.FallbackDelay,
		MaxDelay:      cfg.RateLimit.MaxDelay,
	}), nil
}

func newGrafanaClient(logger *zap.Logger, cfg config.BackendConfig) *backend.GrafanaClient {
	return backend.NewGrafanaClient(logger, backend.GrafanaConfig{
		URL:      cfg.URL,
		Token:    cfg.Token,
		Username: cfg.Username,
		Password: cfg.Password,
		OrgID:    cfg.OrgID,
		Timeout:  cfg.Timeout,
	})
}

// ProvideStore 按配置创建仪表盘存储，CacheTTL 大于 0 时加一层缓存
func ProvideStore(logger *zap.Logger, cfg *config.AppConfig) (store.DashboardStore, func(), error) {
	cleanup := func() {}
	var next store.DashboardStore
	switch cfg.Store.Type {
	case "file":
		next = store.NewFileStore(logger, afero.NewOsFs(), cfg.Store.Dir)
	case "grafana":
		if cfg.Backend.Type != "grafana" {
			return nil, nil, fmt.Errorf("grafana 存储需要 grafana 后端，当前为 %s", cfg.Backend.Type)
		}
		next = store.NewGrafanaStore(logger, newGrafanaClient(logger, cfg.Backend))
	case "database":
		db, closeDB, err := OpenDatabase(logger, cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		next = store.NewRepoStore(logger, db)
		cleanup = closeDB
	default:
		return nil, nil, fmt.Errorf("不支持的存储类型: %s", cfg.Store.Type)
	}

	if cfg.Store.CacheTTL <= 0 {
		return next, cleanup, nil
	}
	return store.NewCachedStore(logger, next, cfg.Store.CacheTTL), cleanup, nil
}

// OpenDatabase 打开 sqlite 数据库并执行迁移
func OpenDatabase(logger *zap.Logger, dsn string) (*gorm.DB, func(), error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	if err := migrate.Migrate(logger, db); err != nil {
		return nil, nil, fmt.Errorf("数据库迁移失败: %w", err)
	}
	closeDB := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return db, closeDB, nil
}

// ProvideVariableResolver 创建变量解析器
func ProvideVariableResolver(logger *zap.Logger, cfg *config.AppConfig) *service.VariableResolver {
	return service.NewVariableResolver(logger, cfg.Query.VariableConcurrency)
}

// ProvideQueryBuilder 创建查询构建器
func ProvideQueryBuilder(logger *zap.Logger, cfg *config.AppConfig) *service.QueryBuilder {
	return service.NewQueryBuilder(logger, cfg.Query.RefIDAlphabet, cfg.Query.TargetPoints)
}

// ProvideExecutionOptions 执行参数
func ProvideExecutionOptions(cfg *config.AppConfig) service.ExecutionOptions {
	return service.ExecutionOptions{
		TargetPoints: cfg.Query.TargetPoints,
		Timeout:      cfg.Query.Timeout,
	}
}
