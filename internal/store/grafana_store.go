package store

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/carlmjohnson/requests"
	"github.com/dushixiang/dashrun/internal/protocol"
	"go.uber.org/zap"
)

// RequestBuilder 提供带认证的 Grafana 请求
type RequestBuilder interface {
	Request(path string) *requests.Builder
}

// GrafanaStore 通过 /api/dashboards/uid/<uid> 获取仪表盘
type GrafanaStore struct {
	logger  *zap.Logger
	grafana RequestBuilder
}

// NewGrafanaStore 创建 Grafana 仪表盘存储
func NewGrafanaStore(logger *zap.Logger, grafana RequestBuilder) *GrafanaStore {
	return &GrafanaStore{logger: logger, grafana: grafana}
}

// GetDashboard 获取并转换仪表盘
func (s *GrafanaStore) GetDashboard(ctx context.Context, uid string) (*protocol.Dashboard, error) {
	var body bytes.Buffer
	err := s.grafana.Request("/api/dashboards/uid/" + url.PathEscape(uid)).
		AddValidator(func(res *http.Response) error {
			if res.StatusCode == http.StatusNotFound {
				return fmt.Errorf("%w: %s", ErrDashboardNotFound, uid)
			}
			return requests.DefaultValidator(res)
		}).
		ToBytesBuffer(&body).
		Fetch(ctx)
	if err != nil {
		return nil, err
	}

	dashboard, err := ConvertGrafanaDashboard(body.Bytes())
	if err != nil {
		return nil, err
	}
	if dashboard.UID == "" {
		dashboard.UID = uid
	}
	if err := Validate(dashboard); err != nil {
		return nil, err
	}
	s.logger.Debug("从 Grafana 加载仪表盘",
		zap.String("uid", uid),
		zap.String("title", dashboard.Title),
		zap.Int("panels", len(dashboard.Panels)))
	return dashboard, nil
}
