package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dushixiang/dashrun/internal/protocol"
	"github.com/go-playground/validator/v10"
)

var ErrDashboardNotFound = errors.New("dashboard not found")

var validate = validator.New()

// DashboardStore 仪表盘定义来源
type DashboardStore interface {
	GetDashboard(ctx context.Context, uid string) (*protocol.Dashboard, error)
}

// Validate 校验仪表盘定义
func Validate(dashboard *protocol.Dashboard) error {
	if err := validate.Struct(dashboard); err != nil {
		return fmt.Errorf("invalid dashboard %q: %w", dashboard.UID, err)
	}
	return nil
}
