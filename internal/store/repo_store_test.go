package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/dushixiang/dashrun/internal/migrate"
	"github.com/dushixiang/dashrun/internal/protocol"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "dashrun.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(zap.NewNop(), db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestRepoStore(t *testing.T) {
	s := NewRepoStore(zap.NewNop(), openTestDB(t))
	ctx := context.Background()

	dashboard := &protocol.Dashboard{
		UID:   "hosts",
		Title: "Hosts",
		Panels: []protocol.PanelDef{{
			ID:      "1",
			Type:    protocol.PanelTypeTimeseries,
			Targets: []protocol.TargetDef{{Expr: "up"}},
		}},
	}
	require.NoError(t, s.Import(ctx, dashboard, []string{"infra"}))

	loaded, err := s.GetDashboard(ctx, "hosts")
	require.NoError(t, err)
	assert.Equal(t, dashboard, loaded)

	t.Run("同 uid 覆盖", func(t *testing.T) {
		updated := *dashboard
		updated.Title = "Hosts v2"
		require.NoError(t, s.Import(ctx, &updated, nil))

		loaded, err := s.GetDashboard(ctx, "hosts")
		require.NoError(t, err)
		assert.Equal(t, "Hosts v2", loaded.Title)

		list, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "Hosts v2", list[0].Title)
	})

	t.Run("校验失败", func(t *testing.T) {
		assert.Error(t, s.Import(ctx, &protocol.Dashboard{}, nil))
	})

	t.Run("删除", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, "hosts"))
		_, err := s.GetDashboard(ctx, "hosts")
		assert.ErrorIs(t, err, ErrDashboardNotFound)
	})
}
