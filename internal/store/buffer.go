package store

import (
	"context"
	"sync"

	"github.com/RecoveryAshes/precotrack/internal/models"
	"github.com/rs/zerolog/log"
)

// OutcomeBuffer 存储故障时的内存缓冲
// 存储不可用期间,在途尝试的结果先写入内存,存储恢复后排空
type OutcomeBuffer struct {
	mu       sync.Mutex
	attempts []*models.AttemptResult
	records  []*models.PriceRecord
	limit    int
	dropped  int
}

// NewOutcomeBuffer 创建结果缓冲
func NewOutcomeBuffer(limit int) *OutcomeBuffer {
	if limit <= 0 {
		limit = 1000
	}
	return &OutcomeBuffer{limit: limit}
}

// AddAttempt 缓冲一条尝试日志; 超限时丢弃最旧的
func (b *OutcomeBuffer) AddAttempt(a *models.AttemptResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.attempts) >= b.limit {
		b.attempts = b.attempts[1:]
		b.dropped++
	}
	b.attempts = append(b.attempts, a)
}

// AddRecord 缓冲一条价格记录; 超限时丢弃最旧的
func (b *OutcomeBuffer) AddRecord(r *models.PriceRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) >= b.limit {
		b.records = b.records[1:]
		b.dropped++
	}
	b.records = append(b.records, r)
}

// Len 当前缓冲的条目总数
func (b *OutcomeBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.attempts) + len(b.records)
}

// Drain 将缓冲内容写入存储; 写入失败的条目留在缓冲中
func (b *OutcomeBuffer) Drain(ctx context.Context, s StrategyStore) error {
	b.mu.Lock()
	attempts := b.attempts
	records := b.records
	b.attempts = nil
	b.records = nil
	dropped := b.dropped
	b.dropped = 0
	b.mu.Unlock()

	if dropped > 0 {
		log.Warn().Int("dropped", dropped).Msg("缓冲溢出,部分结果已丢弃")
	}

	for i, r := range records {
		if err := s.InsertPriceRecord(ctx, r); err != nil {
			// 回填未写入的部分
			b.mu.Lock()
			b.records = append(records[i:], b.records...)
			b.attempts = append(attempts, b.attempts...)
			b.mu.Unlock()
			return err
		}
	}
	for i, a := range attempts {
		if err := s.InsertAttemptLog(ctx, a); err != nil {
			b.mu.Lock()
			b.attempts = append(attempts[i:], b.attempts...)
			b.mu.Unlock()
			return err
		}
	}

	if len(attempts)+len(records) > 0 {
		log.Info().Int("attempts", len(attempts)).Int("records", len(records)).
			Msg("存储恢复,缓冲结果已排空")
	}
	return nil
}
