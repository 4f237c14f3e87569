package repo

import (
	"context"

	"github.com/dushixiang/dashrun/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DashboardRepo struct {
	db *gorm.DB
}

func NewDashboardRepo(db *gorm.DB) *DashboardRepo {
	return &DashboardRepo{
		db: db,
	}
}

// Save 保存仪表盘定义（按 uid 覆盖）
func (r *DashboardRepo) Save(ctx context.Context, dashboard *models.Dashboard) error {
	if dashboard.ID == "" {
		dashboard.ID = uuid.NewString()
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "uid"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "tags", "definition", "updated_at"}),
		}).
		Create(dashboard).Error
}

// FindByUID 按 uid 查询，不存在时返回 gorm.ErrRecordNotFound
func (r *DashboardRepo) FindByUID(ctx context.Context, uid string) (*models.Dashboard, error) {
	var dashboard models.Dashboard
	if err := r.db.WithContext(ctx).Where("uid = ?", uid).First(&dashboard).Error; err != nil {
		return nil, err
	}
	return &dashboard, nil
}

// List 按标题排序列出所有仪表盘
func (r *DashboardRepo) List(ctx context.Context) ([]models.Dashboard, error) {
	var dashboards []models.Dashboard
	err := r.db.WithContext(ctx).Order("title ASC").Find(&dashboards).Error
	return dashboards, err
}

// DeleteByUID 删除仪表盘
func (r *DashboardRepo) DeleteByUID(ctx context.Context, uid string) error {
	return r.db.WithContext(ctx).Where("uid = ?", uid).Delete(&models.Dashboard{}).Error
}
