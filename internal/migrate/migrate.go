package migrate

import (
	"github.com/dushixiang/dashrun/internal/migrate/v0_1_0"
	"github.com/dushixiang/dashrun/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Migrate 建表并执行版本迁移
func Migrate(logger *zap.Logger, db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Dashboard{}); err != nil {
		logger.Error("自动迁移表结构失败", zap.Error(err))
		return err
	}
	return v0_1_0.Migrate(logger, db)
}
