package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dushixiang/dashrun/internal/protocol"
	"github.com/fsnotify/fsnotify"
	"github.com/go-orz/cache"
	"go.uber.org/zap"
)

// CachedStore 缓存仪表盘定义（仅定义，不缓存任何执行结果）。
// 失效通过递增代号实现，旧代号的条目随 TTL 过期。
type CachedStore struct {
	logger     *zap.Logger
	next       DashboardStore
	ttl        time.Duration
	generation atomic.Uint64
	cache      cache.Cache[string, *protocol.Dashboard]
}

// NewCachedStore 创建带缓存的存储
func NewCachedStore(logger *zap.Logger, next DashboardStore, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedStore{
		logger: logger,
		next:   next,
		ttl:    ttl,
		cache:  cache.New[string, *protocol.Dashboard](time.Minute),
	}
}

func (s *CachedStore) key(uid string) string {
	return fmt.Sprintf("%d/%s", s.generation.Load(), uid)
}

// GetDashboard 优先读取缓存
func (s *CachedStore) GetDashboard(ctx context.Context, uid string) (*protocol.Dashboard, error) {
	key := s.key(uid)
	if dashboard, ok := s.cache.Get(key); ok {
		return dashboard, nil
	}
	dashboard, err := s.next.GetDashboard(ctx, uid)
	if err != nil {
		return nil, err
	}
	s.cache.Set(key, dashboard, s.ttl)
	return dashboard, nil
}

// Invalidate 使所有缓存条目失效
func (s *CachedStore) Invalidate() {
	s.generation.Add(1)
}

// Watch 监听目录变化，文件变更时使缓存失效，ctx 结束后退出
func (s *CachedStore) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监控器失败: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("添加目录监控失败: %w", err)
	}
	s.logger.Info("仪表盘目录监控已启动", zap.String("dir", dir))

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					s.Invalidate()
					s.logger.Debug("仪表盘文件变化，缓存已失效", zap.String("file", event.Name), zap.String("op", event.Op.String()))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("文件监控错误", zap.Error(err))
			}
		}
	}()
	return nil
}
