package v0_1_0

import (
	"github.com/dushixiang/dashrun/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Migrate 回填 title 为空的仪表盘，标题取自定义中的 title
func Migrate(logger *zap.Logger, db *gorm.DB) error {
	logger.Info("开始执行 v0.1.0 版本数据迁移")

	migrator := db.Migrator()
	if !migrator.HasTable("dashboards") {
		logger.Info("未检测到 dashboards 表，跳过迁移")
		return nil
	}

	var dashboards []models.Dashboard
	if err := db.Where("title = ? OR title IS NULL", "").
		Order("uid ASC").
		Find(&dashboards).Error; err != nil {
		logger.Error("查询 dashboards 失败", zap.Error(err))
		return err
	}

	if len(dashboards) == 0 {
		logger.Info("没有需要回填标题的仪表盘，跳过迁移")
		return nil
	}

	logger.Info("找到需要回填标题的仪表盘", zap.Int("count", len(dashboards)))

	for _, dashboard := range dashboards {
		title := dashboard.Definition.Data().Title
		if title == "" {
			title = dashboard.UID
		}
		if err := db.Model(&models.Dashboard{}).
			Where("id = ?", dashboard.ID).
			Update("title", title).Error; err != nil {
			logger.Error("回填仪表盘标题失败",
				zap.String("uid", dashboard.UID),
				zap.Error(err))
			return err
		}
		logger.Debug("已回填仪表盘标题", zap.String("uid", dashboard.UID), zap.String("title", title))
	}

	logger.Info("v0.1.0 版本数据迁移完成")
	return nil
}
