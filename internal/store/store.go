// Package store 实现策略存储能力接口
// MonitoredURL与Strategy由存储层拥有; 进程内状态可在重启后从存储重建
package store

import (
	"context"
	"errors"
	"time"

	"github.com/RecoveryAshes/precotrack/internal/models"
)

// ErrStoreUnavailable 存储不可用 (调度器/学习层跳过本周期)
var ErrStoreUnavailable = errors.New("存储不可用")

// URLFilter URL列表查询过滤条件
type URLFilter struct {
	OnlyActive bool   // 仅active=true
	Domain     string // 限定域名 (空=全部)
}

// StrategyStore 策略存储能力
type StrategyStore interface {
	// ListURLs 按过滤条件列出被监控URL
	ListURLs(ctx context.Context, filter URLFilter) ([]*models.MonitoredURL, error)

	// UpdateLastCheck CAS更新last_check; prev不匹配时返回false
	UpdateLastCheck(ctx context.Context, urlID string, prev, next time.Time) (bool, error)

	// InsertURL 注册被监控URL (url唯一)
	InsertURL(ctx context.Context, u *models.MonitoredURL) error

	// ListStrategies 列出域名的活跃策略 (不含归档)
	ListStrategies(ctx context.Context, domain string) ([]*models.Strategy, error)

	// UpsertStrategies 批量写回域名策略
	UpsertStrategies(ctx context.Context, domain string, strategies []*models.Strategy) error

	// ArchiveStrategy 将策略移入归档表 (归档策略永不删除)
	ArchiveStrategy(ctx context.Context, strategyID string) error

	// InsertPriceRecord 写入价格记录
	InsertPriceRecord(ctx context.Context, record *models.PriceRecord) error

	// InsertAttemptLog 写入尝试日志摘要
	InsertAttemptLog(ctx context.Context, attempt *models.AttemptResult) error

	// SaveDomainState 持久化域名状态 (cooldown_until须跨重启存活)
	SaveDomainState(ctx context.Context, state *models.DomainState) error

	// LoadDomainStates 启动时恢复全部域名状态
	LoadDomainStates(ctx context.Context) ([]*models.DomainState, error)

	// Close 关闭存储连接
	Close() error
}
