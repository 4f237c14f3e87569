package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dushixiang/dashrun/internal/protocol"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var fileExtensions = []string{".json", ".yaml", ".yml"}

// FileStore 从目录读取仪表盘定义：<dir>/<uid>.json|.yaml|.yml
type FileStore struct {
	logger *zap.Logger
	fs     afero.Fs
	dir    string
}

// NewFileStore 创建文件存储
func NewFileStore(logger *zap.Logger, fs afero.Fs, dir string) *FileStore {
	return &FileStore{
		logger: logger,
		fs:     fs,
		dir:    dir,
	}
}

// Dir 仪表盘目录
func (s *FileStore) Dir() string {
	return s.dir
}

// GetDashboard 读取仪表盘定义
func (s *FileStore) GetDashboard(ctx context.Context, uid string) (*protocol.Dashboard, error) {
	if uid == "" || strings.ContainsAny(uid, `/\`) || strings.Contains(uid, "..") {
		return nil, fmt.Errorf("%w: invalid uid %q", ErrDashboardNotFound, uid)
	}
	for _, ext := range fileExtensions {
		path := filepath.Join(s.dir, uid+ext)
		exists, err := afero.Exists(s.fs, path)
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}
		data, err := afero.ReadFile(s.fs, path)
		if err != nil {
			return nil, err
		}
		dashboard, err := DecodeDashboard(data, ext)
		if err != nil {
			s.logger.Error("解析仪表盘文件失败", zap.String("path", path), zap.Error(err))
			return nil, err
		}
		if dashboard.UID == "" {
			dashboard.UID = uid
		}
		if err := Validate(dashboard); err != nil {
			return nil, err
		}
		s.logger.Debug("从文件加载仪表盘", zap.String("uid", uid), zap.String("path", path))
		return dashboard, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrDashboardNotFound, uid)
}

// DecodeDashboard 按扩展名解码仪表盘定义，JSON 同时支持 Grafana 导出格式
func DecodeDashboard(data []byte, ext string) (*protocol.Dashboard, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var dashboard protocol.Dashboard
		if err := yaml.Unmarshal(data, &dashboard); err != nil {
			return nil, fmt.Errorf("decode yaml dashboard: %w", err)
		}
		return &dashboard, nil
	default:
		if IsGrafanaModel(data) {
			return ConvertGrafanaDashboard(data)
		}
		var dashboard protocol.Dashboard
		if err := json.Unmarshal(data, &dashboard); err != nil {
			return nil, fmt.Errorf("decode json dashboard: %w", err)
		}
		return &dashboard, nil
	}
}
