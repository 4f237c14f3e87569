package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dushixiang/dashrun/internal/config"
	"github.com/dushixiang/dashrun/internal/metric"
	"github.com/dushixiang/dashrun/internal/protocol"
	"github.com/dushixiang/dashrun/internal/service"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Executor 执行仪表盘
type Executor interface {
	ExecuteDashboard(ctx context.Context, req service.ExecuteRequest) (*metric.DashboardResult, error)
}

// RunSummary 最近一次执行摘要
type RunSummary struct {
	RunID     string    `json:"runId"`
	StartedAt time.Time `json:"startedAt"`
	Elapsed   string    `json:"elapsed"`
	Panels    int       `json:"panels"`
	Results   int       `json:"results"`
	Warnings  int       `json:"warnings"`
	Errors    int       `json:"errors"`
	Error     string    `json:"error,omitempty"`
}

// ScheduleTask 调度任务
type ScheduleTask struct {
	Config  config.ScheduleConfig
	EntryID cron.EntryID
	Last    *RunSummary
}

// ScheduleStatus 调度任务状态
type ScheduleStatus struct {
	Name         string      `json:"name"`
	DashboardUID string      `json:"dashboardUid"`
	Interval     int         `json:"interval"`
	NextRunTime  string      `json:"nextRunTime,omitempty"`
	Last         *RunSummary `json:"last,omitempty"`
}

// DashboardScheduler 仪表盘定时执行调度器
type DashboardScheduler struct {
	mu       sync.RWMutex
	cron     *cron.Cron
	tasks    map[string]*ScheduleTask // name -> task
	executor Executor
	logger   *zap.Logger
	now      func() time.Time
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewDashboardScheduler 创建调度器
func NewDashboardScheduler(executor Executor, logger *zap.Logger) *DashboardScheduler {
	return &DashboardScheduler{
		cron:     cron.New(cron.WithSeconds()),
		tasks:    make(map[string]*ScheduleTask),
		executor: executor,
		logger:   logger,
		now:      time.Now,
		ctx:      context.Background(),
	}
}

// Start 启动调度器
func (s *DashboardScheduler) Start(ctx context.Context, schedules []config.ScheduleConfig) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("启动仪表盘调度器", zap.Int("schedules", len(schedules)))
	for _, schedule := range schedules {
		if err := s.AddTask(schedule); err != nil {
			s.logger.Error("添加调度任务失败", zap.String("name", schedule.Name), zap.Error(err))
		}
	}
	s.cron.Start()
}

// Stop 停止调度器，等待执行中的任务结束
func (s *DashboardScheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.logger.Info("仪表盘调度器已停止")
}

// AddTask 添加调度任务，同名任务会被替换
func (s *DashboardScheduler) AddTask(schedule config.ScheduleConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task, exists := s.tasks[schedule.Name]; exists {
		s.cron.Remove(task.EntryID)
		delete(s.tasks, schedule.Name)
	}
	if schedule.Interval <= 0 {
		schedule.Interval = 60
	}
	if schedule.Lookback <= 0 {
		schedule.Lookback = time.Hour
	}

	name := schedule.Name
	entryID, err := s.cron.AddFunc(fmt.Sprintf("@every %ds", schedule.Interval), func() {
		s.RunTask(name)
	})
	if err != nil {
		return fmt.Errorf("添加 cron 任务失败: %w", err)
	}
	s.tasks[name] = &ScheduleTask{Config: schedule, EntryID: entryID}

	s.logger.Info("添加调度任务",
		zap.String("name", name),
		zap.String("dashboard", schedule.DashboardUID),
		zap.Int("interval", schedule.Interval),
		zap.Duration("lookback", schedule.Lookback))
	return nil
}

// RemoveTask 删除调度任务
func (s *DashboardScheduler) RemoveTask(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, exists := s.tasks[name]; exists {
		s.cron.Remove(task.EntryID)
		delete(s.tasks, name)
		s.logger.Info("删除调度任务", zap.String("name", name))
	}
}

// RunTask 立即执行一次任务并记录摘要
func (s *DashboardScheduler) RunTask(name string) {
	s.mu.RLock()
	task, exists := s.tasks[name]
	ctx := s.ctx
	s.mu.RUnlock()
	if !exists {
		s.logger.Warn("调度任务不存在", zap.String("name", name))
		return
	}

	schedule := task.Config
	now := s.now()
	req := service.ExecuteRequest{
		DashboardUID: schedule.DashboardUID,
		TimeRange:    protocol.TimeRange{From: now.Add(-schedule.Lookback), To: now},
		Variables:    parseVariables(schedule.Variables),
	}

	summary := &RunSummary{StartedAt: now}
	result, err := s.executor.ExecuteDashboard(ctx, req)
	summary.Elapsed = s.now().Sub(now).String()
	if result != nil {
		summary.RunID = result.RunID
		summary.Panels = result.PanelCount()
		summary.Results = len(result.Results)
		for _, d := range result.Diagnostics {
			if d.Severity == metric.SeverityError {
				summary.Errors++
			} else {
				summary.Warnings++
			}
		}
	}
	if err != nil {
		summary.Error = err.Error()
		s.logger.Error("定时执行仪表盘失败",
			zap.String("name", name),
			zap.String("dashboard", schedule.DashboardUID),
			zap.Error(err))
	} else {
		s.logger.Info("定时执行仪表盘完成",
			zap.String("name", name),
			zap.String("runId", summary.RunID),
			zap.Int("panels", summary.Panels),
			zap.Int("warnings", summary.Warnings),
			zap.Int("errors", summary.Errors))
	}

	s.mu.Lock()
	if current, ok := s.tasks[name]; ok && current == task {
		current.Last = summary
	}
	s.mu.Unlock()
}

// GetTaskCount 获取任务数量
func (s *DashboardScheduler) GetTaskCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// GetTaskStatus 获取任务状态，按名称排序
func (s *DashboardScheduler) GetTaskStatus() []ScheduleStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entryMap := make(map[cron.EntryID]cron.Entry)
	for _, entry := range s.cron.Entries() {
		entryMap[entry.ID] = entry
	}

	statuses := make([]ScheduleStatus, 0, len(s.tasks))
	for _, task := range s.tasks {
		status := ScheduleStatus{
			Name:         task.Config.Name,
			DashboardUID: task.Config.DashboardUID,
			Interval:     task.Config.Interval,
			Last:         task.Last,
		}
		if entry, exists := entryMap[task.EntryID]; exists && !entry.Next.IsZero() {
			status.NextRunTime = entry.Next.Format(time.RFC3339)
		}
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

func parseVariables(raw map[string]string) map[string]protocol.Values {
	if len(raw) == 0 {
		return nil
	}
	vars := make(map[string]protocol.Values, len(raw))
	for name, value := range raw {
		var values protocol.Values
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				values = append(values, v)
			}
		}
		vars[name] = values
	}
	return vars
}
