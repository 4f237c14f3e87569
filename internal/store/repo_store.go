package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dushixiang/dashrun/internal/models"
	"github.com/dushixiang/dashrun/internal/protocol"
	"github.com/dushixiang/dashrun/internal/repo"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RepoStore 数据库中的仪表盘定义
type RepoStore struct {
	logger        *zap.Logger
	dashboardRepo *repo.DashboardRepo
}

// NewRepoStore 创建数据库存储
func NewRepoStore(logger *zap.Logger, db *gorm.DB) *RepoStore {
	return &RepoStore{
		logger:        logger,
		dashboardRepo: repo.NewDashboardRepo(db),
	}
}

// GetDashboard 按 uid 读取
func (s *RepoStore) GetDashboard(ctx context.Context, uid string) (*protocol.Dashboard, error) {
	record, err := s.dashboardRepo.FindByUID(ctx, uid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDashboardNotFound, uid)
		}
		return nil, err
	}
	dashboard := record.Definition.Data()
	if dashboard.UID == "" {
		dashboard.UID = record.UID
	}
	return &dashboard, nil
}

// Import 保存仪表盘定义，uid 相同时覆盖
func (s *RepoStore) Import(ctx context.Context, dashboard *protocol.Dashboard, tags []string) error {
	if err := Validate(dashboard); err != nil {
		return err
	}
	record := &models.Dashboard{
		UID:        dashboard.UID,
		Title:      dashboard.Title,
		Tags:       datatypes.JSONSlice[string](tags),
		Definition: datatypes.NewJSONType(*dashboard),
	}
	if err := s.dashboardRepo.Save(ctx, record); err != nil {
		s.logger.Error("保存仪表盘失败", zap.String("uid", dashboard.UID), zap.Error(err))
		return err
	}
	s.logger.Info("仪表盘已导入", zap.String("uid", dashboard.UID), zap.String("title", dashboard.Title))
	return nil
}

// List 列出已导入的仪表盘
func (s *RepoStore) List(ctx context.Context) ([]models.Dashboard, error) {
	return s.dashboardRepo.List(ctx)
}

// Delete 删除仪表盘
func (s *RepoStore) Delete(ctx context.Context, uid string) error {
	return s.dashboardRepo.DeleteByUID(ctx, uid)
}
