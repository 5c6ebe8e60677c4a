package queue

import (
	"time"

	"github.com/RecoveryAshes/precotrack/internal/models"
)

// TokenBucket 单域名令牌桶限速器
// 非并发安全: 调用方(Queue)在持锁状态下访问
type TokenBucket struct {
	rate   float64 // 每秒补充令牌数
	burst  float64 // 桶容量
	tokens float64
	last   time.Time
}

// NewTokenBucket 创建令牌桶; state用于从持久化状态恢复
func NewTokenBucket(rate float64, burst int, state models.TokenBucketState, now time.Time) *TokenBucket {
	b := &TokenBucket{
		rate:  rate,
		burst: float64(burst),
	}
	if state.LastRefill.IsZero() {
		// 新桶满额起步
		b.tokens = b.burst
		b.last = now
	} else {
		b.tokens = state.Tokens
		b.last = state.LastRefill
		b.refill(now)
	}
	return b
}

// refill 按流逝时间补充令牌
func (b *TokenBucket) refill(now time.Time) {
	if now.Before(b.last) {
		return
	}
	b.tokens += now.Sub(b.last).Seconds() * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.last = now
}

// TryTake 尝试消耗一个令牌
func (b *TokenBucket) TryTake(now time.Time) bool {
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// NextAvailable 下一个令牌可用的时刻
func (b *TokenBucket) NextAvailable(now time.Time) time.Time {
	b.refill(now)
	if b.tokens >= 1 {
		return now
	}
	missing := 1 - b.tokens
	return now.Add(time.Duration(missing / b.rate * float64(time.Second)))
}

// State 导出状态快照(持久化用)
func (b *TokenBucket) State() models.TokenBucketState {
	return models.TokenBucketState{Tokens: b.tokens, LastRefill: b.last}
}
