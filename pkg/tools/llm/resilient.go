package llm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ResilientClient 为底层客户端增加限速与有限次数的指数退避重试
type ResilientClient struct {
	next       Client
	logger     *zap.Logger
	maxRetries int
	limiter    *rate.Limiter
	// 测试中缩短退避间隔
	initialInterval time.Duration
}

// NewResilientClient 包装客户端；rps<=0 表示不限速，maxRetries<0 视为 0
func NewResilientClient(next Client, logger *zap.Logger, maxRetries int, rps float64) *ResilientClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	rc := &ResilientClient{
		next:            next,
		logger:          logger,
		maxRetries:      maxRetries,
		initialInterval: 500 * time.Millisecond,
	}
	if rps > 0 {
		rc.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return rc
}

// Complete 带重试地调用底层客户端，ctx 取消时立即返回
func (c *ResilientClient) Complete(ctx context.Context, system, user string) (*Completion, error) {
	var result *Completion
	attempt := 0

	op := func() error {
		attempt++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		res, err := c.next.Complete(ctx, system, user)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			c.logger.Warn("文本模型调用失败，准备重试", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		result = res
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.initialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.maxRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return result, nil
}
