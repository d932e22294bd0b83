package retrieval

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RetryPolicy 重试策略：最大尝试次数、首次退避时长、可重试判定
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	IsRetryable func(error) bool
}

// retryWithBackoff 以指数退避执行op。退避间隔从BaseDelay起逐次翻倍
// （0.5s、1s、2s、…），在每次失败后、下一次尝试前等待。
// 等待不响应ctx取消：被放弃的调用方不中断在途的后端操作。
func retryWithBackoff(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 500 * time.Millisecond
	}

	var lastErr error
	delay := policy.BaseDelay
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(delay)
			delay *= 2
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if policy.IsRetryable != nil && !policy.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// isTransportError 判断错误是否来自传输层（可重试）。
// 逻辑错误（already exists、not found等）不属于传输错误。
func isTransportError(err error) bool {
	if err == nil {
		return false
	}

	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
			return true
		case codes.AlreadyExists, codes.NotFound, codes.InvalidArgument, codes.PermissionDenied:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, token := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"connection closed",
		"no route to host",
		"unexpected eof",
		"timeout",
		"timed out",
		"unavailable",
	} {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

// isAlreadyExists 判断集合创建是否撞上并发创建者
func isAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	if s, ok := status.FromError(err); ok && s.Code() == codes.AlreadyExists {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exist") || strings.Contains(msg, "duplicate")
}

// isNotFound 判断是否为集合/文档不存在
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if s, ok := status.FromError(err); ok && s.Code() == codes.NotFound {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "not exist") ||
		strings.Contains(msg, "doesn't exist") ||
		strings.Contains(msg, "can not be found")
}
