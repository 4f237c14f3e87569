package service

import (
	"fmt"
	"time"
)

const (
	// DefaultTargetPoints 每个序列期望的数据点数量
	DefaultTargetPoints = 70
	// MinBucketSeconds 全局最小聚合间隔
	MinBucketSeconds int64 = 30
)

// durationFloors 时间跨度超过阈值时的最小聚合间隔，按阈值降序匹配
var durationFloors = []struct {
	overSeconds int64
	minBucket   int64
}{
	{30 * 86400, 43200}, // > 30 天：12 小时
	{7 * 86400, 21600},  // > 7 天：6 小时
	{86400, 10800},      // > 1 天：3 小时
	{12 * 3600, 3600},   // > 12 小时：1 小时
	{6 * 3600, 1800},    // > 6 小时：30 分钟
	{3600, 120},         // > 1 小时：2 分钟
	{1800, 60},          // > 30 分钟：1 分钟
}

// StandardBucketSizes 标准聚合间隔（秒），结果总是其中之一
var StandardBucketSizes = []int64{30, 60, 120, 300, 600, 900, 1800, 3600, 10800, 21600, 43200, 86400}

// ResolveBucketSeconds 根据时间跨度计算聚合间隔。
// 取 ceil(跨度/目标点数)、跨度下限与全局最小值中的最大者，再向上取整到标准间隔，超过最大标准间隔时取最大值。
func ResolveBucketSeconds(durationSeconds int64, targetPoints int) int64 {
	if targetPoints <= 0 {
		targetPoints = DefaultTargetPoints
	}
	if durationSeconds <= 0 {
		durationSeconds = MinBucketSeconds
	}

	ideal := (durationSeconds + int64(targetPoints) - 1) / int64(targetPoints)
	candidate := max(MinBucketSeconds, ideal, durationFloor(durationSeconds))

	for _, size := range StandardBucketSizes {
		if size >= candidate {
			return size
		}
	}
	return StandardBucketSizes[len(StandardBucketSizes)-1]
}

func durationFloor(durationSeconds int64) int64 {
	for _, floor := range durationFloors {
		if durationSeconds > floor.overSeconds {
			return floor.minBucket
		}
	}
	return 0
}

// FormatDuration 把秒数格式化为 Grafana 风格的时长，例如 30s、2m、1h、1d
func FormatDuration(seconds int64) string {
	switch {
	case seconds <= 0:
		return "0s"
	case seconds%86400 == 0:
		return fmt.Sprintf("%dd", seconds/86400)
	case seconds%3600 == 0:
		return fmt.Sprintf("%dh", seconds/3600)
	case seconds%60 == 0:
		return fmt.Sprintf("%dm", seconds/60)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// rateInterval $__rate_interval：聚合间隔的 4 倍
func rateInterval(bucket time.Duration) time.Duration {
	return 4 * bucket
}
