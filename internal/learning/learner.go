// Package learning 实现自适应学习层
// 职责: 维护每个策略的期望效用估计, 按尝试反馈更新置信度,
// 周期性重排序/生成变体/退休弱策略, 批量写回策略存储;
// 同时持有域名状态(冷却/连续拦截), 作为队列与调度器的冷却判据
package learning

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/RecoveryAshes/precotrack/internal/models"
	"github.com/RecoveryAshes/precotrack/internal/store"
	"github.com/rs/zerolog/log"
)

// stripeCount 域名锁条带数 (同域名策略变更串行化)
const stripeCount = 256

// maxSampleURLs 策略保留的样例URL数量上限
const maxSampleURLs = 5

// maxSeenKeys 事件去重集合容量上限
const maxSeenKeys = 10000

// Config 学习层配置
type Config struct {
	ReprioritizeEvery int
	VariantEvery      int
	VariantFanout     int
	RetireConfidence  float64
	RetireMinAttempts int

	// 冷却策略参数 (§错误处理: BlockSignal → 冷却)
	CooldownBase time.Duration
	CooldownMax  time.Duration
	CooldownMult float64
}

// portfolio 单域名的策略组合与计数器
type portfolio struct {
	strategies map[string]*models.Strategy // id -> 域名专属策略 (不含通配)
	attempts   int                         // 自上次重排序以来的尝试数
	total      int                         // 累计尝试数 (variant_every触发用)
	dirty      bool                        // 有未写回的变更
	seeded     bool
}

// Learner 自适应学习层
type Learner struct {
	config  Config
	store   store.StrategyStore
	seeds   map[string][]*models.Strategy // 域名专属种子 (静态配置)
	generic []*models.Strategy            // 通用种子 (只读)

	stripes [stripeCount]sync.Mutex

	mu         sync.Mutex
	portfolios map[string]*portfolio
	states     map[string]*models.DomainState

	// 事件去重 ((url_id, started_at)幂等)
	seen     map[string]bool
	seenList []string
}

// New 创建学习层
func New(config Config, st store.StrategyStore, domainSeeds map[string][]*models.Strategy) *Learner {
	if domainSeeds == nil {
		domainSeeds = make(map[string][]*models.Strategy)
	}
	return &Learner{
		config:     config,
		store:      st,
		seeds:      domainSeeds,
		generic:    GenericSeeds(),
		portfolios: make(map[string]*portfolio),
		states:     make(map[string]*models.DomainState),
		seen:       make(map[string]bool),
	}
}

// LoadStates 启动时从存储恢复域名状态 (cooldown跨重启存活)
func (l *Learner) LoadStates(ctx context.Context) error {
	states, err := l.store.LoadDomainStates(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range states {
		l.states[s.Domain] = s
	}
	if len(states) > 0 {
		log.Info().Int("domains", len(states)).Msg("域名状态已恢复")
	}
	return nil
}

// InCooldown 域名冷却判据 (队列与调度器共用)
func (l *Learner) InCooldown(domain string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.states[domain]
	return ok && s.InCooldown(now)
}

// PortfolioFor 获取域名的完整策略组合(域名专属 + 只读通用兜底)
// 首次遇到的域名会播种: 静态配置的域名种子写入存储
func (l *Learner) PortfolioFor(ctx context.Context, domain string) ([]*models.Strategy, error) {
	l.lockDomain(domain)
	defer l.unlockDomain(domain)

	p, err := l.loadPortfolio(ctx, domain)
	if err != nil {
		return nil, err
	}

	result := make([]*models.Strategy, 0, len(p.strategies)+len(l.generic))
	for _, s := range p.strategies {
		c := *s
		result = append(result, &c)
	}
	for _, s := range l.generic {
		c := *s
		result = append(result, &c)
	}
	return result, nil
}

// loadPortfolio 加载(或播种)域名组合; 须持有域名条带锁
func (l *Learner) loadPortfolio(ctx context.Context, domain string) (*portfolio, error) {
	l.mu.Lock()
	p, ok := l.portfolios[domain]
	if !ok {
		p = &portfolio{strategies: make(map[string]*models.Strategy)}
		l.portfolios[domain] = p
	}
	l.mu.Unlock()

	if p.seeded {
		return p, nil
	}

	stored, err := l.store.ListStrategies(ctx, domain)
	if err != nil {
		return nil, err
	}
	for _, s := range stored {
		p.strategies[s.ID] = s
	}

	// 首次遇到该域名: 写入静态配置的域名种子
	if len(p.strategies) == 0 {
		if seeds := l.seeds[domain]; len(seeds) > 0 {
			for _, seed := range seeds {
				c := *seed
				p.strategies[c.ID] = &c
			}
			if err := l.flushLocked(ctx, domain, p); err != nil {
				log.Warn().Err(err).Str("domain", domain).Msg("写入域名种子失败")
			}
			log.Info().Str("domain", domain).Int("seeds", len(seeds)).Msg("域名种子已播种")
		}
	}
	p.seeded = true
	return p, nil
}

// OnResult 消费一次尝试结果, 更新策略度量与域名状态
// 同一(url_id, started_at)的事件只计分一次; 停机取消的尝试不计分
func (l *Learner) OnResult(ctx context.Context, result *models.AttemptResult) {
	if result.Cancelled {
		return
	}
	if !l.markSeen(result.Key()) {
		log.Debug().Str("key", result.Key()).Msg("重复事件,跳过计分")
		return
	}

	domain := result.Domain
	l.lockDomain(domain)
	defer l.unlockDomain(domain)

	l.updateDomainState(ctx, result)

	if len(result.StrategiesTried) == 0 {
		return
	}

	p, err := l.loadPortfolio(ctx, domain)
	if err != nil {
		log.Warn().Err(err).Str("domain", domain).Msg("加载策略组合失败,跳过计分")
		return
	}

	now := result.FinishedAt
	for _, trial := range result.StrategiesTried {
		l.applyTrial(p, domain, trial, result.Record, now)
	}

	p.attempts++
	p.total++

	l.retireWeak(ctx, p, domain)

	if p.attempts >= l.config.ReprioritizeEvery {
		l.reprioritize(p)
		p.attempts = 0
		if err := l.flushLocked(ctx, domain, p); err != nil {
			log.Warn().Err(err).Str("domain", domain).Msg("批量写回策略失败")
		}
	}

	l.maybeGenerateVariants(p, domain)
}

// applyTrial 应用单条(策略,字段)反馈
// 置信度EMA: 成功 c'=0.9c+0.1; 失败 c'=0.9c (构造上有界[0,1])
func (l *Learner) applyTrial(p *portfolio, domain string, trial models.StrategyTrial, record *models.PriceRecord, now time.Time) {
	s, ok := p.strategies[trial.StrategyID]
	if !ok {
		// 通用策略只读: 首次成功时克隆为域名专属副本
		generic := l.genericByID(trial.StrategyID)
		if generic == nil {
			return
		}
		if !trial.Success {
			return
		}
		clone := generic.Clone()
		clone.Domain = domain
		p.strategies[clone.ID] = clone
		s = clone
		log.Info().Str("domain", domain).Str("generic", generic.ID).Str("clone", clone.ID).
			Msg("通用策略首次命中,克隆为域名专属")
	}

	if trial.Success {
		s.Confidence = 0.9*s.Confidence + 0.1
		s.Successes++
		t := now
		s.LastSuccess = &t
		if record != nil && len(s.SampleURLs) < maxSampleURLs {
			s.SampleURLs = appendUnique(s.SampleURLs, record.URLID)
		}
	} else {
		s.Confidence = 0.9 * s.Confidence
	}
	s.Attempts++
	p.dirty = true
}

// retireWeak 退休弱策略
// 正式条件: confidence<阈值 ∧ attempts>最小次数
// 试用期子策略: attempts≥5 ∧ confidence<0.2 立即退休
func (l *Learner) retireWeak(ctx context.Context, p *portfolio, domain string) {
	for id, s := range p.strategies {
		retire := false
		if s.Confidence < l.config.RetireConfidence && s.Attempts > l.config.RetireMinAttempts {
			retire = true
		}
		if s.ParentID != "" && s.Attempts >= 5 && s.Confidence < 0.2 {
			retire = true
		}
		if !retire {
			continue
		}

		delete(p.strategies, id)
		if err := l.store.ArchiveStrategy(ctx, id); err != nil {
			log.Warn().Err(err).Str("strategy", id).Msg("归档策略失败")
		}
		log.Info().Str("domain", domain).Str("strategy", id).
			Float64("confidence", s.Confidence).Int("attempts", s.Attempts).
			Msg("策略已退休归档")
	}
}

// reprioritize 按期望效用重排序
// score = confidence × success_rate, 降序排名即priority;
// 同分按last_success降序, 再按id
func (l *Learner) reprioritize(p *portfolio) {
	list := make([]*models.Strategy, 0, len(p.strategies))
	for _, s := range p.strategies {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Score() != b.Score() {
			return a.Score() > b.Score()
		}
		at, bt := timeOrZero(a.LastSuccess), timeOrZero(b.LastSuccess)
		if !at.Equal(bt) {
			return at.After(bt)
		}
		return a.ID < b.ID
	})
	for rank, s := range list {
		s.Priority = rank
	}
	p.dirty = true
}

// maybeGenerateVariants 变体生成触发
// 条件1: 任一策略 confidence>0.8 且 attempts≥10 且尚无派生变体
// 条件2: 域名累计尝试数达到variant_every的整数倍 (对最优策略变异)
func (l *Learner) maybeGenerateVariants(p *portfolio, domain string) {
	hasChild := make(map[string]bool)
	for _, s := range p.strategies {
		if s.ParentID != "" {
			hasChild[s.ParentID] = true
		}
	}

	var parents []*models.Strategy
	for _, s := range p.strategies {
		if s.Confidence > 0.8 && s.Attempts >= 10 && !hasChild[s.ID] {
			parents = append(parents, s)
		}
	}
	if len(parents) == 0 && l.config.VariantEvery > 0 && p.total > 0 && p.total%l.config.VariantEvery == 0 {
		if best := bestStrategy(p); best != nil && !hasChild[best.ID] {
			parents = append(parents, best)
		}
	}

	for _, parent := range parents {
		children := generateVariants(parent, l.config.VariantFanout)
		for _, child := range children {
			p.strategies[child.ID] = child
		}
		if len(children) > 0 {
			p.dirty = true
			log.Info().Str("domain", domain).Str("parent", parent.ID).
				Int("children", len(children)).Msg("策略变体已生成")
		}
	}
}

// Flush 强制写回全部脏组合与域名状态 (停机排空用)
func (l *Learner) Flush(ctx context.Context) {
	l.mu.Lock()
	domains := make([]string, 0, len(l.portfolios))
	for domain := range l.portfolios {
		domains = append(domains, domain)
	}
	l.mu.Unlock()

	for _, domain := range domains {
		l.lockDomain(domain)
		l.mu.Lock()
		p := l.portfolios[domain]
		l.mu.Unlock()
		if p != nil && p.dirty {
			if err := l.flushLocked(ctx, domain, p); err != nil {
				log.Warn().Err(err).Str("domain", domain).Msg("停机写回策略失败")
			}
		}
		l.unlockDomain(domain)
	}
}

// flushLocked 写回单域名组合; 须持有域名条带锁
func (l *Learner) flushLocked(ctx context.Context, domain string, p *portfolio) error {
	list := make([]*models.Strategy, 0, len(p.strategies))
	for _, s := range p.strategies {
		list = append(list, s)
	}
	if err := l.store.UpsertStrategies(ctx, domain, list); err != nil {
		return err
	}
	p.dirty = false
	return nil
}

// updateDomainState 按结局更新域名状态并持久化
// 拦截/验证码: 连续计数+1, 冷却单调延长; ok: 计数归零
func (l *Learner) updateDomainState(ctx context.Context, result *models.AttemptResult) {
	// 状态变更与InCooldown读取共用l.mu, 避免跨锁读写竞争
	l.mu.Lock()
	state, ok := l.states[result.Domain]
	if !ok {
		state = &models.DomainState{Domain: result.Domain}
		l.states[result.Domain] = state
	}

	mutated := false
	switch result.Outcome {
	case models.OutcomeBlocked, models.OutcomeCaptcha:
		state.ApplyBlock(result.FinishedAt, l.config.CooldownBase, l.config.CooldownMax, l.config.CooldownMult)
		mutated = true
		log.Warn().Str("domain", result.Domain).
			Int("consecutive_blocks", state.ConsecutiveBlocks).
			Time("cooldown_until", state.CooldownUntil).
			Msg("域名被拦截,进入冷却")
	case models.OutcomeOK:
		if state.ConsecutiveBlocks > 0 {
			state.ApplySuccess()
			mutated = true
		}
	}
	state.LastOutcome = result.Outcome
	snapshot := *state
	l.mu.Unlock()

	if mutated {
		if err := l.store.SaveDomainState(ctx, &snapshot); err != nil {
			log.Warn().Err(err).Str("domain", result.Domain).Msg("持久化域名状态失败")
		}
	}
}

// BucketStates 导出已恢复的令牌桶状态 (启动时回填队列)
func (l *Learner) BucketStates() map[string]models.TokenBucketState {
	l.mu.Lock()
	defer l.mu.Unlock()
	result := make(map[string]models.TokenBucketState, len(l.states))
	for domain, state := range l.states {
		if !state.Bucket.LastRefill.IsZero() {
			result[domain] = state.Bucket
		}
	}
	return result
}

// SaveBuckets 合并令牌桶快照到域名状态并持久化 (停机时由监控器调用)
func (l *Learner) SaveBuckets(ctx context.Context, buckets map[string]models.TokenBucketState) {
	for domain, bucket := range buckets {
		l.mu.Lock()
		state, ok := l.states[domain]
		if !ok {
			state = &models.DomainState{Domain: domain}
			l.states[domain] = state
		}
		state.Bucket = bucket
		snapshot := *state
		l.mu.Unlock()

		if err := l.store.SaveDomainState(ctx, &snapshot); err != nil {
			log.Warn().Err(err).Str("domain", domain).Msg("持久化令牌桶状态失败")
		}
	}
}

// markSeen 事件去重登记; 返回false表示已处理过
func (l *Learner) markSeen(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen[key] {
		return false
	}
	l.seen[key] = true
	l.seenList = append(l.seenList, key)
	if len(l.seenList) > maxSeenKeys {
		oldest := l.seenList[0]
		l.seenList = l.seenList[1:]
		delete(l.seen, oldest)
	}
	return true
}

// genericByID 按ID查找通用种子
func (l *Learner) genericByID(id string) *models.Strategy {
	for _, s := range l.generic {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// lockDomain 获取域名条带锁
func (l *Learner) lockDomain(domain string) {
	l.stripes[stripeFor(domain)].Lock()
}

// unlockDomain 释放域名条带锁
func (l *Learner) unlockDomain(domain string) {
	l.stripes[stripeFor(domain)].Unlock()
}

// stripeFor 域名到锁条带的映射
func stripeFor(domain string) int {
	h := fnv.New32a()
	h.Write([]byte(domain))
	return int(h.Sum32() % stripeCount)
}

// bestStrategy 组合中期望效用最高的策略
func bestStrategy(p *portfolio) *models.Strategy {
	var best *models.Strategy
	for _, s := range p.strategies {
		if best == nil || s.Score() > best.Score() {
			best = s
		}
	}
	return best
}

// timeOrZero 解引用时间指针
func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// appendUnique 去重追加
func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
