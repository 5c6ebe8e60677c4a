package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/RecoveryAshes/precotrack/internal/models"
	"github.com/RecoveryAshes/precotrack/internal/queue"
	"github.com/RecoveryAshes/precotrack/internal/store"
	"github.com/rs/zerolog/log"
)

// Monitor 监控守护: 调度器 + 工作者池 + 学习消费者的装配与生命周期
// 并发模型: N个工作者各自独立执行引擎尝试; 单一调度循环;
// 单一学习消费者通过广播channel接收结果 (同域名策略写入由条带锁串行化)
type Monitor struct {
	rt *Runtime
}

// NewMonitor 创建监控守护
func NewMonitor(rt *Runtime) *Monitor {
	return &Monitor{rt: rt}
}

// Run 启动守护并阻塞运行, ctx取消时优雅停机
// 停机顺序: 队列停止入队 → 在途尝试排空(宽限期60s) → 取消剩余会话 →
// 学习层写回 → 资源释放
func (m *Monitor) Run(ctx context.Context) error {
	rt := m.rt

	rt.Monitor.StartMonitoring(time.Second)

	// 启动时恢复域名状态 (冷却跨重启存活), 并回填令牌桶
	if err := rt.Learner.LoadStates(ctx); err != nil {
		log.Warn().Err(err).Msg("恢复域名状态失败,以空状态启动")
	}
	for domain, state := range rt.Learner.BucketStates() {
		rt.Queue.RestoreBucket(domain, queue.TokenBucketSnapshot{Domain: domain, State: state})
	}

	// 在途尝试的独立context: 停机后保留宽限期排空
	attemptCtx, cancelAttempts := context.WithCancel(context.Background())
	defer cancelAttempts()

	go func() {
		<-ctx.Done()
		log.Info().Msg("收到停机信号,队列停止入队")
		rt.Queue.Close()
		select {
		case <-time.After(GraceWindow):
			log.Warn().Msg("排空宽限期已过,取消剩余会话")
		case <-attemptCtx.Done():
		}
		cancelAttempts()
	}()

	// 调度循环
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		rt.Scheduler.Run(ctx)
	}()

	// 结果广播channel与单一学习消费者
	results := make(chan *models.AttemptResult, rt.Config.Queue.MaxConcurrency*4)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		m.consumeResults(results)
	}()

	// 工作者池
	var wg sync.WaitGroup
	for i := 0; i < rt.Config.Queue.MaxConcurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			m.worker(attemptCtx, workerID, results)
		}(i)
	}

	wg.Wait()
	close(results)
	<-consumerDone
	<-schedDone

	// 停机写回: 脏策略组合与令牌桶状态
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rt.Learner.Flush(flushCtx)
	buckets := make(map[string]models.TokenBucketState)
	for domain, snap := range rt.Queue.BucketStates() {
		buckets[domain] = snap.State
	}
	rt.Learner.SaveBuckets(flushCtx, buckets)

	log.Info().Msg("监控守护已停止")
	return nil
}

// worker 工作者循环: 出队 → 引擎尝试 → 槽位释放/退避重排 → 结果广播
func (m *Monitor) worker(ctx context.Context, workerID int, results chan<- *models.AttemptResult) {
	rt := m.rt
	for {
		item, err := rt.Queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrQueueClosed) && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Int("worker", workerID).Msg("出队失败")
			}
			return
		}

		result := rt.Engine.Attempt(ctx, item)

		if result.Outcome.IsTransient() && !result.Cancelled {
			if !rt.Queue.Requeue(item) {
				log.Warn().Str("url_id", item.URLID).Int("attempt", item.Attempt).
					Msg("重试耗尽,交还调度器")
			}
		} else {
			rt.Queue.Done(item, result.Outcome == models.OutcomeOK)
		}

		results <- result
	}
}

// consumeResults 学习消费者: 唯一的结果订阅者
// 依次: 持久化记录与日志(带故障缓冲) → 学习层计分 → 调度器台账
func (m *Monitor) consumeResults(results <-chan *models.AttemptResult) {
	rt := m.rt
	ctx := context.Background()

	for result := range results {
		m.persistResult(ctx, result)
		rt.Learner.OnResult(ctx, result)
		rt.Scheduler.OnOutcome(result)
	}
}

// persistResult 写入价格记录与尝试日志
// 存储不可用时写入内存缓冲, 下次成功写入前先排空缓冲
func (m *Monitor) persistResult(ctx context.Context, result *models.AttemptResult) {
	rt := m.rt

	// 先尝试排空既有缓冲 (存储恢复检测)
	if rt.Buffer.Len() > 0 {
		if err := rt.Buffer.Drain(ctx, rt.Store); err != nil {
			log.Debug().Err(err).Msg("存储仍不可用,继续缓冲")
		}
	}

	if result.Record != nil {
		if err := rt.Store.InsertPriceRecord(ctx, result.Record); err != nil {
			if errors.Is(err, store.ErrStoreUnavailable) {
				rt.Buffer.AddRecord(result.Record)
			} else {
				log.Error().Err(err).Str("url_id", result.URLID).Msg("写入价格记录失败")
			}
		}
	}
	if err := rt.Store.InsertAttemptLog(ctx, result); err != nil {
		if errors.Is(err, store.ErrStoreUnavailable) {
			rt.Buffer.AddAttempt(result)
		} else {
			log.Error().Err(err).Str("url_id", result.URLID).Msg("写入尝试日志失败")
		}
	}
}
