// Package scheduler 实现URL监控调度器
// 职责: 为每个活跃URL计算下次检查时刻(带抖动防同步突发),
// 将到期URL派发到并发队列,根据域名成功率自适应调整间隔
package scheduler

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/RecoveryAshes/precotrack/internal/models"
	"github.com/RecoveryAshes/precotrack/internal/queue"
	"github.com/RecoveryAshes/precotrack/internal/store"
	"github.com/rs/zerolog/log"
)

// rateCapMultiplier 自适应间隔放大的上限 (3×)
const rateCapMultiplier = 3.0

// Config 调度器配置
type Config struct {
	TickInterval   time.Duration // 调度周期
	JitterFraction float64       // 抖动比例 (±)
	SuccessFloor   float64       // 24h成功率下限
}

// Scheduler URL监控调度器
type Scheduler struct {
	config   Config
	store    store.StrategyStore
	queue    *queue.Queue
	ledger   *Ledger
	cooldown queue.CooldownFunc

	// ComplexityFor 决定工作项复杂度等级 (默认Normal)
	ComplexityFor func(u *models.MonitoredURL) queue.Complexity

	// 域名自适应间隔倍率 (每周期由台账重算)
	mu       sync.Mutex
	rateMult map[string]float64
}

// New 创建调度器
func New(config Config, st store.StrategyStore, q *queue.Queue, cooldown queue.CooldownFunc) *Scheduler {
	if cooldown == nil {
		cooldown = func(string, time.Time) bool { return false }
	}
	return &Scheduler{
		config:   config,
		store:    st,
		queue:    q,
		ledger:   NewLedger(),
		cooldown: cooldown,
		ComplexityFor: func(*models.MonitoredURL) queue.Complexity {
			return queue.Normal
		},
		rateMult: make(map[string]float64),
	}
}

// dispatch 单次派发候选
type dispatch struct {
	url       *models.MonitoredURL
	scheduled time.Time
	score     float64
}

// Tick 执行一次调度
// 存储瞬时错误只记日志并跳过本周期,调度器永不致命失败
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now()

	urls, err := s.store.ListURLs(ctx, store.URLFilter{OnlyActive: true})
	if err != nil {
		log.Warn().Err(err).Msg("读取URL注册表失败,跳过本周期")
		return
	}

	due := s.collectDue(urls, now)
	if len(due) == 0 {
		s.recalcRateMult(urls, now)
		return
	}

	// 最早到期优先, 同分按显式优先级, 再按url_id保证确定性
	sort.Slice(due, func(i, j int) bool {
		if due[i].score != due[j].score {
			return due[i].score < due[j].score
		}
		if due[i].url.Priority != due[j].url.Priority {
			return due[i].url.Priority < due[j].url.Priority
		}
		return due[i].url.ID < due[j].url.ID
	})

	dispatched := 0
	for _, d := range due {
		if s.dispatchOne(ctx, d, now) {
			dispatched++
		}
	}
	if dispatched > 0 {
		log.Info().Int("due", len(due)).Int("dispatched", dispatched).Msg("调度周期完成")
	}

	// 用本周期台账重算下周期的自适应倍率
	s.recalcRateMult(urls, now)
}

// collectDue 计算到期URL
// 下次检查时刻 = last_check + base_interval × f(priority) × 自适应倍率 ± 抖动
func (s *Scheduler) collectDue(urls []*models.MonitoredURL, now time.Time) []dispatch {
	var due []dispatch
	for _, u := range urls {
		if !u.Active {
			continue
		}
		// 冷却域名跳过; 其URL保持到期,下周期重试
		if s.cooldown(u.Domain, now) {
			continue
		}

		interval := time.Duration(float64(u.BaseInterval) * u.IntervalFactor() * s.multFor(u.Domain))

		var scheduled time.Time
		if u.LastCheck.IsZero() {
			// 从未检查过: 立即到期
			scheduled = now
		} else {
			scheduled = u.LastCheck.Add(interval)
			// 均匀抖动±jitter_fraction,每周期采样一次,避免同步请求突发
			jitter := (rand.Float64()*2 - 1) * s.config.JitterFraction * float64(interval)
			scheduled = scheduled.Add(time.Duration(jitter))
		}

		if now.Add(s.config.TickInterval / 2).Before(scheduled) {
			continue
		}
		due = append(due, dispatch{
			url:       u,
			scheduled: scheduled,
			score:     scheduled.Sub(now).Seconds(),
		})
	}
	return due
}

// dispatchOne 派发单个到期URL
// last_check先乐观写入(CAS),入队被拒时回滚,保证错过的周期不会双重派发
func (s *Scheduler) dispatchOne(ctx context.Context, d dispatch, now time.Time) bool {
	u := d.url

	ok, err := s.store.UpdateLastCheck(ctx, u.ID, u.LastCheck, now)
	if err != nil {
		log.Warn().Err(err).Str("url_id", u.ID).Msg("更新last_check失败,跳过")
		return false
	}
	if !ok {
		// CAS失败: 他处已更新, 过期写入丢弃
		log.Debug().Str("url_id", u.ID).Msg("last_check已被更新,跳过派发")
		return false
	}

	item := &queue.Item{
		URLID:      u.ID,
		URL:        u.URL,
		Domain:     u.Domain,
		Priority:   u.Priority,
		Score:      d.score,
		Complexity: s.ComplexityFor(u),
	}
	if err := s.queue.Enqueue(item); err != nil {
		// 入队被拒: 回滚last_check, 下周期重试
		if _, rbErr := s.store.UpdateLastCheck(ctx, u.ID, now, u.LastCheck); rbErr != nil {
			log.Error().Err(rbErr).Str("url_id", u.ID).Msg("回滚last_check失败")
		}
		log.Warn().Err(err).Str("url_id", u.ID).Msg("入队被拒,last_check已回滚")
		return false
	}
	return true
}

// OnOutcome 接收尝试结果,更新域名成功台账
func (s *Scheduler) OnOutcome(result *models.AttemptResult) {
	if result.Cancelled {
		return
	}
	s.ledger.Record(result.Domain, result.Outcome == models.OutcomeOK, result.FinishedAt)
}

// recalcRateMult 重算域名自适应倍率
// 24h成功率低于下限时, base_interval放大 1+(floor−rate), 上限3×
func (s *Scheduler) recalcRateMult(urls []*models.MonitoredURL, now time.Time) {
	domains := make(map[string]bool)
	for _, u := range urls {
		domains[u.Domain] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for domain := range domains {
		rate := s.ledger.Rate(domain, now)
		if rate >= s.config.SuccessFloor {
			delete(s.rateMult, domain)
			continue
		}
		mult := 1 + (s.config.SuccessFloor - rate)
		if mult > rateCapMultiplier {
			mult = rateCapMultiplier
		}
		s.rateMult[domain] = mult
		log.Info().Str("domain", domain).Float64("rate", rate).Float64("mult", mult).
			Msg("域名成功率过低,放大监控间隔")
	}
}

// multFor 域名当前的间隔倍率
func (s *Scheduler) multFor(domain string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mult, ok := s.rateMult[domain]; ok {
		return mult
	}
	return 1.0
}

// Run 调度主循环, ctx取消时退出
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	log.Info().Dur("tick", s.config.TickInterval).Msg("调度器启动")
	// 启动即执行首个周期
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("调度器退出")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}
