// Package queue 实现有界多优先级并发队列
// 职责: 约束全局与单域名并发,应用令牌桶限速与冷却,
// 按调度分派发工作项,瞬时失败按指数退避重排
package queue

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/RecoveryAshes/precotrack/internal/models"
	"github.com/rs/zerolog/log"
)

// Complexity 工作项复杂度等级 (引擎提示)
type Complexity string

const (
	Cheap     Complexity = "cheap"     // 静态HTTP快速路径
	Normal    Complexity = "normal"    // 常规浏览器提取
	Expensive Complexity = "expensive" // 重交互页面 (专用槽位防饥饿)
)

var (
	// ErrQueueFull 待处理数量超过上限
	ErrQueueFull = errors.New("队列已满")

	// ErrDuplicate URL已在队列或在途 (单URL严格串行)
	ErrDuplicate = errors.New("URL已在队列中")

	// ErrQueueClosed 队列已关闭
	ErrQueueClosed = errors.New("队列已关闭")
)

// Item 队列工作项
type Item struct {
	URLID      string
	URL        string
	Domain     string
	Priority   int       // 显式优先级 0-9 (同分决胜用)
	Score      float64   // 调度分 (越小越先, 最早到期优先)
	Deadline   time.Time // 最早可执行时刻 (退避重排用; 零值=立即)
	Complexity Complexity
	Attempt    int // 瞬时失败重试计数
}

// Config 队列配置
type Config struct {
	MaxPending     int
	MaxConcurrency int
	MaxPerDomain   int
	RatePerSecond  float64
	Burst          int
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
}

// CooldownFunc 域名冷却查询 (域名状态由学习层持有)
type CooldownFunc func(domain string, now time.Time) bool

// DomainStats 单域名统计
type DomainStats struct {
	InFlight    int
	SuccessRate float64
}

// Stats 队列统计快照
type Stats struct {
	Depth    int
	InFlight int
	Requeues int
	Paused   bool
	Domains  map[string]DomainStats
}

// Queue 有界多优先级并发队列
type Queue struct {
	config   Config
	cooldown CooldownFunc

	mu     sync.Mutex
	wakeCh chan struct{} // 入队/释放/恢复时广播唤醒

	// 三个复杂度子队列, 各自按调度分排序
	pending map[Complexity][]*Item

	// 在途与排队URL集合 (单URL严格串行)
	queued   map[string]bool
	inflight map[string]*Item

	// 并发计数
	globalInFlight    int
	expensiveInFlight int
	domainInFlight    map[string]int

	// 单域名令牌桶 (惰性创建)
	buckets map[string]*TokenBucket

	// 域名成功率EMA (调度器自适应速率的输入)
	successRate map[string]float64

	requeues int
	paused   bool
	closed   bool
}

// New 创建队列
func New(config Config, cooldown CooldownFunc) *Queue {
	if cooldown == nil {
		cooldown = func(string, time.Time) bool { return false }
	}
	return &Queue{
		config:         config,
		cooldown:       cooldown,
		wakeCh:         make(chan struct{}),
		pending:        make(map[Complexity][]*Item),
		queued:         make(map[string]bool),
		inflight:       make(map[string]*Item),
		domainInFlight: make(map[string]int),
		buckets:        make(map[string]*TokenBucket),
		successRate:    make(map[string]float64),
	}
}

// Enqueue 入队工作项
// 队列满返回ErrQueueFull; URL已排队或在途返回ErrDuplicate (调度器据此回滚last_check)
func (q *Queue) Enqueue(item *Item) error {
	if item.Complexity == "" {
		item.Complexity = Normal
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.depthLocked() >= q.config.MaxPending {
		return ErrQueueFull
	}
	if q.queued[item.URLID] || q.inflight[item.URLID] != nil {
		return ErrDuplicate
	}

	q.pending[item.Complexity] = append(q.pending[item.Complexity], item)
	q.sortSubqueue(item.Complexity)
	q.queued[item.URLID] = true

	q.wakeLocked()
	return nil
}

// Dequeue 取出一个可立即执行的工作项
// 阻塞直到: 某项的域名约束(令牌/冷却/并发)允许执行, 或ctx取消, 或队列关闭
// 完成后必须调用Done释放槽位
func (q *Queue) Dequeue(ctx context.Context) (*Item, error) {
	for {
		now := time.Now()

		q.mu.Lock()
		if q.closed && q.depthLocked() == 0 {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}

		var nextWake time.Time
		if !q.paused {
			item, next := q.pickLocked(now)
			if item != nil {
				q.mu.Unlock()
				return item, nil
			}
			nextWake = next
		}
		wake := q.wakeCh
		depth := q.depthLocked()
		q.mu.Unlock()

		// 休眠至最近的令牌补充时刻/退避截止/新入队
		// 有积压但无明确唤醒时刻时(如域名冷却中)周期性重查
		if nextWake.IsZero() && depth > 0 {
			nextWake = now.Add(500 * time.Millisecond)
		}
		var timer <-chan time.Time
		if !nextWake.IsZero() {
			d := time.Until(nextWake)
			if d < 10*time.Millisecond {
				d = 10 * time.Millisecond
			}
			timer = time.After(d)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-timer:
		}
	}
}

// pickLocked 在锁内挑选可执行项
// 就绪集是三个子队列中域名约束当下允许执行的项的并集,取调度分最小者;
// expensive项只占专用槽位,避免饿死cheap/normal
func (q *Queue) pickLocked(now time.Time) (*Item, time.Time) {
	var best *Item
	var bestClass Complexity
	var bestIdx int
	var nextWake time.Time

	for _, class := range []Complexity{Cheap, Normal, Expensive} {
		list := q.pending[class]
		for idx, item := range list {
			// 全局并发
			if q.globalInFlight >= q.config.MaxConcurrency {
				return nil, nextWake
			}
			// expensive专用槽位
			if class == Expensive {
				if q.expensiveInFlight >= 1 {
					break
				}
			} else if q.globalInFlight >= q.config.MaxConcurrency-1 &&
				q.expensiveInFlight == 0 && len(q.pending[Expensive]) > 0 {
				// 有expensive项等待时为其保留1个槽位
				break
			}
			// 退避截止
			if !item.Deadline.IsZero() && item.Deadline.After(now) {
				updateWake(&nextWake, item.Deadline)
				continue
			}
			// 冷却
			if q.cooldown(item.Domain, now) {
				continue
			}
			// 单域名并发
			if q.domainInFlight[item.Domain] >= q.config.MaxPerDomain {
				continue
			}
			// 令牌可用性 (仅查询,选中后再消耗)
			bucket := q.bucketFor(item.Domain, now)
			if next := bucket.NextAvailable(now); next.After(now) {
				updateWake(&nextWake, next)
				continue
			}

			if best == nil || item.Score < best.Score {
				best = item
				bestClass = class
				bestIdx = idx
			}
			// 子队列有序: 首个可执行项即该队列最优
			break
		}
	}

	if best == nil {
		return nil, nextWake
	}

	// 消耗令牌并登记在途
	if !q.bucketFor(best.Domain, now).TryTake(now) {
		return nil, nextWake
	}
	q.pending[bestClass] = append(q.pending[bestClass][:bestIdx], q.pending[bestClass][bestIdx+1:]...)
	delete(q.queued, best.URLID)
	q.inflight[best.URLID] = best
	q.globalInFlight++
	q.domainInFlight[best.Domain]++
	if bestClass == Expensive {
		q.expensiveInFlight++
	}
	return best, nextWake
}

// Done 完成工作项,释放槽位并更新域名成功率EMA
func (q *Queue) Done(item *Item, success bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inflight[item.URLID] == nil {
		return
	}
	delete(q.inflight, item.URLID)
	q.globalInFlight--
	q.domainInFlight[item.Domain]--
	if q.domainInFlight[item.Domain] <= 0 {
		delete(q.domainInFlight, item.Domain)
	}
	if item.Complexity == Expensive {
		q.expensiveInFlight--
	}

	rate, ok := q.successRate[item.Domain]
	if !ok {
		rate = 1.0
	}
	if success {
		rate = rate*0.9 + 0.1
	} else {
		rate = rate * 0.9
	}
	q.successRate[item.Domain] = rate

	q.wakeLocked()
}

// Requeue 瞬时失败退避重排
// 延迟 = min(cap, base × 2^attempt) × jitter(0.5..1.5)
// 超过max_retries时放弃重排(返回false, 由调度器在下个周期接管)
func (q *Queue) Requeue(item *Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	// 先释放在途槽位
	if q.inflight[item.URLID] != nil {
		delete(q.inflight, item.URLID)
		q.globalInFlight--
		q.domainInFlight[item.Domain]--
		if q.domainInFlight[item.Domain] <= 0 {
			delete(q.domainInFlight, item.Domain)
		}
		if item.Complexity == Expensive {
			q.expensiveInFlight--
		}
	}
	q.requeues++

	if item.Attempt >= q.config.MaxRetries || q.closed {
		q.wakeLocked()
		return false
	}

	item.Attempt++
	backoff := float64(q.config.BackoffBase) * math.Pow(2, float64(item.Attempt))
	if limit := float64(q.config.BackoffCap); backoff > limit {
		backoff = limit
	}
	jitter := 0.5 + rand.Float64()
	item.Deadline = time.Now().Add(time.Duration(backoff * jitter))

	q.pending[item.Complexity] = append(q.pending[item.Complexity], item)
	q.sortSubqueue(item.Complexity)
	q.queued[item.URLID] = true

	log.Debug().Str("url_id", item.URLID).Int("attempt", item.Attempt).
		Dur("delay", time.Until(item.Deadline)).Msg("瞬时失败,退避重排")

	q.wakeLocked()
	return true
}

// Pause 暂停所有出队 (不丢弃工作项)
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
	log.Info().Msg("队列已暂停")
}

// Resume 恢复出队
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	q.wakeLocked()
	log.Info().Msg("队列已恢复")
}

// SuccessRate 域名成功率EMA (无记录时为1.0)
func (q *Queue) SuccessRate(domain string) float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	rate, ok := q.successRate[domain]
	if !ok {
		return 1.0
	}
	return rate
}

// Stats 统计快照
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	domains := make(map[string]DomainStats)
	for domain, n := range q.domainInFlight {
		rate, ok := q.successRate[domain]
		if !ok {
			rate = 1.0
		}
		domains[domain] = DomainStats{InFlight: n, SuccessRate: rate}
	}

	return Stats{
		Depth:    q.depthLocked(),
		InFlight: len(q.inflight),
		Requeues: q.requeues,
		Paused:   q.paused,
		Domains:  domains,
	}
}

// InFlight URL是否在途
func (q *Queue) InFlight(urlID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight[urlID] != nil
}

// Close 关闭队列: 停止接受入队,既有项允许被取完
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.wakeLocked()
	}
}

// BucketStates 导出全部令牌桶状态 (域名状态持久化用)
func (q *Queue) BucketStates() map[string]TokenBucketSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	result := make(map[string]TokenBucketSnapshot, len(q.buckets))
	for domain, bucket := range q.buckets {
		bucket.refill(now)
		result[domain] = TokenBucketSnapshot{Domain: domain, State: bucket.State()}
	}
	return result
}

// RestoreBucket 从持久化状态恢复域名令牌桶
func (q *Queue) RestoreBucket(domain string, snap TokenBucketSnapshot) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buckets[domain] = NewTokenBucket(q.config.RatePerSecond, q.config.Burst, snap.State, time.Now())
}

// bucketFor 惰性创建域名令牌桶 (须持锁调用)
func (q *Queue) bucketFor(domain string, now time.Time) *TokenBucket {
	bucket, ok := q.buckets[domain]
	if !ok {
		bucket = NewTokenBucket(q.config.RatePerSecond, q.config.Burst,
			models.TokenBucketState{}, now)
		q.buckets[domain] = bucket
	}
	return bucket
}

// depthLocked 待处理总数 (须持锁调用)
func (q *Queue) depthLocked() int {
	total := 0
	for _, list := range q.pending {
		total += len(list)
	}
	return total
}

// sortSubqueue 子队列按(调度分, 显式优先级, url_id)排序, 保证确定性
func (q *Queue) sortSubqueue(class Complexity) {
	list := q.pending[class]
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Score != list[j].Score {
			return list[i].Score < list[j].Score
		}
		if list[i].Priority != list[j].Priority {
			return list[i].Priority < list[j].Priority
		}
		return list[i].URLID < list[j].URLID
	})
}

// wakeLocked 广播唤醒所有等待的出队者 (须持锁调用)
func (q *Queue) wakeLocked() {
	close(q.wakeCh)
	q.wakeCh = make(chan struct{})
}

// updateWake 记录更早的唤醒时刻
func updateWake(next *time.Time, t time.Time) {
	if next.IsZero() || t.Before(*next) {
		*next = t
	}
}

// TokenBucketSnapshot 令牌桶持久化快照
type TokenBucketSnapshot struct {
	Domain string
	State  models.TokenBucketState
}

// String 复杂度的显示名
func (c Complexity) String() string {
	return string(c)
}
