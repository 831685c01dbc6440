package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy 描述获取层对瞬时错误的重试方式。MaxRetries 为 0 时只尝试一次。
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
}

// BackOff 基于策略构造绑定 ctx 的指数退避。
func (p RetryPolicy) BackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		exp.InitialInterval = p.InitialBackoff
	}
	exp.MaxElapsedTime = 0
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// Retry 按策略执行 op；op 返回 backoff.Permanent 包装的错误时立即放弃。
func (p RetryPolicy) Retry(ctx context.Context, op func() error) error {
	err := backoff.Retry(op, p.BackOff(ctx))
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}

// StatusError 表示上游返回了非 2xx 状态码。
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// classifyStatus 对 4xx（429 除外）返回 Permanent，其余非 2xx 视为可重试。
func classifyStatus(url string, code int) error {
	if code >= 200 && code < 300 {
		return nil
	}
	err := &StatusError{URL: url, StatusCode: code}
	if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

// CheckStatus 供其它 HTTP 客户端复用相同的状态码分类。
func CheckStatus(url string, code int) error {
	return classifyStatus(url, code)
}
