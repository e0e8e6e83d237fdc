package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter 速率限制器接口
type RateLimiter interface {
	Wait(ctx context.Context) error
	Allow() bool
	GetRemaining() int
	GetResetTime() time.Time
}

// Pacer 固定间隔限制器：每次调用前都先暂停 pause。
// 平台对资料修改类接口（setMyName 等）限流很严，连续调用必须拉开间隔。
type Pacer struct {
	pause time.Duration
	last  time.Time
	mu    sync.Mutex
}

// NewPacer 创建固定间隔限制器
func NewPacer(pause time.Duration) *Pacer {
	return &Pacer{pause: pause}
}

// Wait 无条件暂停 pause，可被 ctx 取消
func (p *Pacer) Wait(ctx context.Context) error {
	if p.pause > 0 {
		t := time.NewTimer(p.pause)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	p.mu.Lock()
	p.last = time.Now()
	p.mu.Unlock()
	return nil
}

// Allow 距上次放行已超过 pause 时返回 true
func (p *Pacer) Allow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if p.last.IsZero() || now.Sub(p.last) >= p.pause {
		p.last = now
		return true
	}
	return false
}

// GetRemaining 获取剩余可立即放行的次数（0 或 1）
func (p *Pacer) GetRemaining() int {
	if time.Now().Before(p.GetResetTime()) {
		return 0
	}
	return 1
}

// GetResetTime 获取下一次可放行的时间
func (p *Pacer) GetResetTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last.IsZero() {
		return time.Now()
	}
	return p.last.Add(p.pause)
}

// TokenBucket 令牌桶速率限制器（基于 x/time/rate）
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket 创建令牌桶：每 interval 补充一个令牌，容量 burst
func NewTokenBucket(interval time.Duration, burst int) *TokenBucket {
	return &TokenBucket{limiter: rate.NewLimiter(rate.Every(interval), burst)}
}

// Wait 等待直到允许请求
func (tb *TokenBucket) Wait(ctx context.Context) error {
	return tb.limiter.Wait(ctx)
}

// Allow 检查是否允许请求
func (tb *TokenBucket) Allow() bool {
	return tb.limiter.Allow()
}

// GetRemaining 获取剩余令牌数
func (tb *TokenBucket) GetRemaining() int {
	n := int(tb.limiter.Tokens())
	if n < 0 {
		return 0
	}
	return n
}

// GetResetTime 获取桶填满的时间
func (tb *TokenBucket) GetResetTime() time.Time {
	missing := float64(tb.limiter.Burst()) - tb.limiter.Tokens()
	if missing <= 0 || tb.limiter.Limit() <= 0 {
		return time.Now()
	}
	return time.Now().Add(time.Duration(missing / float64(tb.limiter.Limit()) * float64(time.Second)))
}

// 平台接口的端点 key
const (
	EndpointGetMe            = "telegram:getMe"
	EndpointGetMyCommands    = "telegram:getMyCommands"
	EndpointGetWebhookInfo   = "telegram:getWebhookInfo"
	EndpointDeleteWebhook    = "telegram:deleteWebhook"
	EndpointSetMyName        = "telegram:setMyName"
	EndpointSetMyDescription = "telegram:setMyDescription"
	EndpointSetMyShortDesc   = "telegram:setMyShortDescription"
	EndpointSetMyCommands    = "telegram:setMyCommands"
	EndpointSetMyPhoto       = "telegram:setMyPhoto"
	endpointGeneral          = "telegram:general"
)

// Options 速率限制参数
type Options struct {
	MutationPause time.Duration // 文本类修改接口调用前的固定暂停
	ReadInterval  time.Duration // 读接口令牌补充间隔
	ReadBurst     int
}

// RateLimitManager 速率限制管理器，端点表在创建后只读
type RateLimitManager struct {
	limiters map[string]RateLimiter
}

// NewRateLimitManager 创建新的速率限制管理器
func NewRateLimitManager(opts Options) *RateLimitManager {
	manager := &RateLimitManager{
		limiters: make(map[string]RateLimiter),
	}
	manager.initDefaultLimiters(opts)
	return manager
}

// initDefaultLimiters 初始化默认的速率限制器
func (rlm *RateLimitManager) initDefaultLimiters(opts Options) {
	if opts.ReadInterval <= 0 {
		opts.ReadInterval = 50 * time.Millisecond
	}
	if opts.ReadBurst <= 0 {
		opts.ReadBurst = 5
	}

	// 四个文本类修改共用一个 pacer
	pacer := NewPacer(opts.MutationPause)
	rlm.limiters[EndpointSetMyName] = pacer
	rlm.limiters[EndpointSetMyDescription] = pacer
	rlm.limiters[EndpointSetMyShortDesc] = pacer
	rlm.limiters[EndpointSetMyCommands] = pacer

	reads := NewTokenBucket(opts.ReadInterval, opts.ReadBurst)
	rlm.limiters[EndpointGetMe] = reads
	rlm.limiters[EndpointGetMyCommands] = reads
	rlm.limiters[EndpointGetWebhookInfo] = reads
	rlm.limiters[endpointGeneral] = reads
}

// GetLimiter 获取指定端点的速率限制器
func (rlm *RateLimitManager) GetLimiter(endpoint string) RateLimiter {
	if limiter, exists := rlm.limiters[endpoint]; exists {
		return limiter
	}
	return rlm.limiters[endpointGeneral]
}

// Wait 等待直到允许请求
func (rlm *RateLimitManager) Wait(ctx context.Context, endpoint string) error {
	return rlm.GetLimiter(endpoint).Wait(ctx)
}
