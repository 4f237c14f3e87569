package service

import (
	"strconv"
	"strings"
	"time"

	"github.com/dushixiang/dashrun/internal/backend"
	"github.com/dushixiang/dashrun/internal/protocol"
	"github.com/google/uuid"
)

// ResolutionContext 单次执行的上下文，执行结束即丢弃，不在请求之间共享
type ResolutionContext struct {
	RunID        string
	DashboardUID string
	TimeRange    protocol.TimeRange
	Bucket       time.Duration
	Variables    Variables
	// Datasources 数据源名称 -> 引用，本次执行内有效
	Datasources map[string]protocol.DatasourceRef

	dialect func(protocol.DatasourceRef) backend.Dialect
}

// NewResolutionContext 创建执行上下文
func NewResolutionContext(dashboardUID string, tr protocol.TimeRange, bucketSeconds int64, dialect func(protocol.DatasourceRef) backend.Dialect) *ResolutionContext {
	if dialect == nil {
		dialect = func(protocol.DatasourceRef) backend.Dialect { return backend.PromQLDialect{} }
	}
	return &ResolutionContext{
		RunID:        uuid.NewString(),
		DashboardUID: dashboardUID,
		TimeRange:    tr,
		Bucket:       time.Duration(bucketSeconds) * time.Second,
		Variables:    make(Variables),
		Datasources:  make(map[string]protocol.DatasourceRef),
		dialect:      dialect,
	}
}

// Builtins 内置变量
func (rc *ResolutionContext) Builtins() Variables {
	bucketSeconds := int64(rc.Bucket / time.Second)
	rangeSeconds := rc.TimeRange.DurationSeconds()
	return Variables{
		"__interval":      {FormatDuration(bucketSeconds)},
		"__interval_ms":   {strconv.FormatInt(rc.Bucket.Milliseconds(), 10)},
		"__rate_interval": {FormatDuration(int64(rateInterval(rc.Bucket) / time.Second))},
		"__range":         {FormatDuration(rangeSeconds)},
		"__range_s":       {strconv.FormatInt(rangeSeconds, 10)},
		"__range_ms":      {strconv.FormatInt(rangeSeconds*1000, 10)},
		"__from":          {strconv.FormatInt(rc.TimeRange.From.UnixMilli(), 10)},
		"__to":            {strconv.FormatInt(rc.TimeRange.To.UnixMilli(), 10)},
		"__dashboard":     {rc.DashboardUID},
	}
}

// Dialect 数据源对应的查询方言
func (rc *ResolutionContext) Dialect(ds protocol.DatasourceRef) backend.Dialect {
	return rc.dialect(ds)
}

// Interpolate 使用本次执行的变量替换占位符
func (rc *ResolutionContext) Interpolate(expr string, ds protocol.DatasourceRef) (string, []string) {
	return Interpolate(expr, rc.Variables, rc.Dialect(ds))
}

// ResolveDatasource 依次尝试子查询、面板、仪表盘默认数据源，支持变量与名称映射
func (rc *ResolutionContext) ResolveDatasource(candidates ...*protocol.DatasourceRef) (protocol.DatasourceRef, bool) {
	for _, candidate := range candidates {
		if candidate.IsZero() {
			continue
		}
		ref := *candidate
		ref.UID, _ = Interpolate(ref.UID, rc.Variables, nil)
		ref.Name, _ = Interpolate(ref.Name, rc.Variables, nil)
		ref.UID = strings.TrimSpace(ref.UID)
		ref.Name = strings.TrimSpace(ref.Name)

		// 变量型数据源的取值可能是名称，也可能是 UID
		for _, key := range []string{ref.UID, ref.Name} {
			if known, ok := rc.Datasources[key]; ok && key != "" {
				if ref.Type == "" {
					ref.Type = known.Type
				}
				ref.UID = known.UID
				ref.Name = known.Name
				return ref, true
			}
		}
		if ref.UID != "" {
			return ref, true
		}
		if ref.Name != "" && len(rc.Datasources) == 0 {
			// 没有数据源列表时按名称直接下发
			ref.UID = ref.Name
			return ref, true
		}
	}
	return protocol.DatasourceRef{}, false
}

// RegisterDatasources 记录本次执行可用的数据源
func (rc *ResolutionContext) RegisterDatasources(datasources []backend.Datasource) {
	for _, ds := range datasources {
		ref := protocol.DatasourceRef{UID: ds.UID, Name: ds.Name, Type: ds.Type}
		if ds.Name != "" {
			rc.Datasources[ds.Name] = ref
		}
		if ds.UID != "" {
			rc.Datasources[ds.UID] = ref
		}
	}
}
