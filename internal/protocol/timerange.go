package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

var ErrInvalidTimeRange = errors.New("invalid time range")

// TimeRange 查询时间范围，From 必须早于 To
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Validate 校验时间范围
func (r TimeRange) Validate() error {
	if r.From.IsZero() || r.To.IsZero() {
		return fmt.Errorf("%w: from and to are required", ErrInvalidTimeRange)
	}
	if !r.From.Before(r.To) {
		return fmt.Errorf("%w: from %s must be before to %s", ErrInvalidTimeRange,
			r.From.Format(time.RFC3339), r.To.Format(time.RFC3339))
	}
	return nil
}

// DurationSeconds 时间跨度（秒）
func (r TimeRange) DurationSeconds() int64 {
	return int64(r.To.Sub(r.From) / time.Second)
}

// ParseTimeRange 解析时间范围，支持 now、now-1h、now-7d、RFC3339、秒/毫秒时间戳等
func ParseTimeRange(from, to string, now time.Time) (TimeRange, error) {
	if strings.TrimSpace(to) == "" {
		to = "now"
	}
	start, err := ParseTime(from, now)
	if err != nil {
		return TimeRange{}, fmt.Errorf("%w: from: %v", ErrInvalidTimeRange, err)
	}
	end, err := ParseTime(to, now)
	if err != nil {
		return TimeRange{}, fmt.Errorf("%w: to: %v", ErrInvalidTimeRange, err)
	}
	tr := TimeRange{From: start, To: end}
	return tr, tr.Validate()
}

// ParseTime 解析单个时间点
func ParseTime(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty time")
	}
	if value == "now" {
		return now, nil
	}
	if strings.HasPrefix(value, "now-") {
		d, err := ParseDuration(strings.TrimPrefix(value, "now-"))
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(-d), nil
	}
	return dateparse.ParseAny(value)
}

// ParseDuration 在 time.ParseDuration 基础上支持 d（天）和 w（周）
func ParseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	for suffix, unit := range map[string]time.Duration{"d": 24 * time.Hour, "w": 7 * 24 * time.Hour} {
		if n, ok := strings.CutSuffix(value, suffix); ok {
			count, err := strconv.Atoi(n)
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q", value)
			}
			return time.Duration(count) * unit, nil
		}
	}
	return time.ParseDuration(value)
}
