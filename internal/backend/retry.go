package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dushixiang/dashrun/internal/protocol"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// RetryConfig 限流重试配置
type RetryConfig struct {
	MaxRetries    int           // 最大重试次数
	FallbackDelay time.Duration // 后端未给出重置时间时的等待时长
	MaxDelay      time.Duration // 单次等待上限
}

// RetryingClient 在 429 时按后端给出的重置时间重试，超过次数后返回原始错误
type RetryingClient struct {
	Client
	logger *zap.Logger
	config RetryConfig
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetryingClient 包装后端客户端
func NewRetryingClient(logger *zap.Logger, client Client, config RetryConfig) *RetryingClient {
	if config.FallbackDelay <= 0 {
		config.FallbackDelay = 60 * time.Second
	}
	if config.MaxDelay < config.FallbackDelay {
		config.MaxDelay = config.FallbackDelay
	}
	return &RetryingClient{
		Client: client,
		logger: logger,
		config: config,
		sleep:  sleepContext,
	}
}

// Execute 执行批量查询
func (c *RetryingClient) Execute(ctx context.Context, batch Batch) (map[string]RawResult, error) {
	b := &backoff.Backoff{
		Min:    c.config.FallbackDelay,
		Max:    c.config.MaxDelay,
		Factor: 2,
	}
	for attempt := 0; ; attempt++ {
		results, err := c.Client.Execute(ctx, batch)
		var rateLimited *RateLimitError
		if err == nil || !errors.As(err, &rateLimited) {
			return results, err
		}
		if attempt >= c.config.MaxRetries {
			return nil, fmt.Errorf("giving up after %d retries: %w", attempt, err)
		}

		delay := rateLimited.RetryAfter
		if delay <= 0 {
			delay = b.Duration()
		}
		if delay > c.config.MaxDelay {
			delay = c.config.MaxDelay
		}
		c.logger.Warn("后端限流，等待后重试",
			zap.Int("attempt", attempt+1),
			zap.Int("maxRetries", c.config.MaxRetries),
			zap.Duration("delay", delay))
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// ListDatasources 透传数据源列表能力
func (c *RetryingClient) ListDatasources(ctx context.Context) ([]Datasource, error) {
	lister, ok := c.Client.(DatasourceLister)
	if !ok {
		return nil, nil
	}
	return lister.ListDatasources(ctx)
}

func (c *RetryingClient) Dialect(ds protocol.DatasourceRef) Dialect {
	return c.Client.Dialect(ds)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
