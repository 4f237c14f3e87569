package models

import (
	"github.com/dushixiang/dashrun/internal/protocol"
	"gorm.io/datatypes"
)

// Dashboard 仪表盘定义（数据库存储）
type Dashboard struct {
	ID         string                                 `gorm:"primaryKey" json:"id"`
	UID        string                                 `gorm:"uniqueIndex:ux_dashboard_uid" json:"uid"` // 仪表盘 UID（唯一约束用于 upsert）
	Title      string                                 `json:"title"`
	Tags       datatypes.JSONSlice[string]            `json:"tags"`
	Definition datatypes.JSONType[protocol.Dashboard] `json:"definition"`
	CreatedAt  int64                                  `gorm:"autoCreateTime:milli" json:"createdAt"`
	UpdatedAt  int64                                  `gorm:"autoUpdateTime:milli" json:"updatedAt"`
}

func (Dashboard) TableName() string {
	return "dashboards"
}
