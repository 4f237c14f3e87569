package backend

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var ErrRateLimited = errors.New("rate limited")

// RateLimitError 后端返回 429，RetryAfter 为后端建议的等待时长（未提供时为 0）
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// StatusError 非 2xx 响应
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, body)
}

// checkRateLimit 从 429 响应头中解析重试时间
func checkRateLimit(statusCode int, header http.Header, now time.Time) error {
	if statusCode != http.StatusTooManyRequests {
		return nil
	}
	return &RateLimitError{RetryAfter: parseRetryAfter(header, now)}
}

// parseRetryAfter 支持 Retry-After（秒或 HTTP 日期）与 X-RateLimit-Reset（剩余秒数或 Unix 时间戳）
func parseRetryAfter(header http.Header, now time.Time) time.Duration {
	if v := strings.TrimSpace(header.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
		if at, err := http.ParseTime(v); err == nil && at.After(now) {
			return at.Sub(now)
		}
	}
	if v := strings.TrimSpace(header.Get("X-RateLimit-Reset")); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs > 0 {
			// 大于一天的值视为 Unix 时间戳
			if secs > 86400 {
				at := time.Unix(secs, 0)
				if at.After(now) {
					return at.Sub(now)
				}
				return 0
			}
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
