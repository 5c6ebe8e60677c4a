package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/RecoveryAshes/precotrack/internal/models"
	"github.com/RecoveryAshes/precotrack/internal/queue"
	"github.com/RecoveryAshes/precotrack/internal/store"
)

// fakeStore 内存版StrategyStore, 仅实现调度器用到的部分
type fakeStore struct {
	mu   sync.Mutex
	urls map[string]*models.MonitoredURL
	fail bool // 模拟存储故障
}

func newFakeStore() *fakeStore {
	return &fakeStore{urls: make(map[string]*models.MonitoredURL)}
}

func (f *fakeStore) ListURLs(_ context.Context, filter store.URLFilter) ([]*models.MonitoredURL, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, store.ErrStoreUnavailable
	}
	var result []*models.MonitoredURL
	for _, u := range f.urls {
		if filter.OnlyActive && !u.Active {
			continue
		}
		c := *u
		result = append(result, &c)
	}
	return result, nil
}

func (f *fakeStore) UpdateLastCheck(_ context.Context, urlID string, prev, next time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return false, store.ErrStoreUnavailable
	}
	u, ok := f.urls[urlID]
	if !ok || !u.LastCheck.Equal(prev) {
		return false, nil
	}
	u.LastCheck = next
	return true, nil
}

func (f *fakeStore) InsertURL(_ context.Context, u *models.MonitoredURL) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *u
	f.urls[u.ID] = &c
	return nil
}

func (f *fakeStore) ListStrategies(context.Context, string) ([]*models.Strategy, error) {
	return nil, nil
}
func (f *fakeStore) UpsertStrategies(context.Context, string, []*models.Strategy) error { return nil }
func (f *fakeStore) ArchiveStrategy(context.Context, string) error                      { return nil }
func (f *fakeStore) InsertPriceRecord(context.Context, *models.PriceRecord) error       { return nil }
func (f *fakeStore) InsertAttemptLog(context.Context, *models.AttemptResult) error      { return nil }
func (f *fakeStore) SaveDomainState(context.Context, *models.DomainState) error         { return nil }
func (f *fakeStore) LoadDomainStates(context.Context) ([]*models.DomainState, error)    { return nil, nil }
func (f *fakeStore) Close() error                                                       { return nil }

func (f *fakeStore) lastCheck(urlID string) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.urls[urlID].LastCheck
}

func testQueue(maxPending int) *queue.Queue {
	return queue.New(queue.Config{
		MaxPending:     maxPending,
		MaxConcurrency: 10,
		MaxPerDomain:   10,
		RatePerSecond:  1000,
		Burst:          1000,
		MaxRetries:     3,
		BackoffBase:    time.Millisecond,
		BackoffCap:     time.Second,
	}, nil)
}

func testConfig() Config {
	return Config{
		TickInterval:   time.Minute,
		JitterFraction: 0.083,
		SuccessFloor:   0.5,
	}
}

func addURL(t *testing.T, fs *fakeStore, rawURL string, priority int, interval time.Duration, lastCheck time.Time) *models.MonitoredURL {
	t.Helper()
	u, err := models.NewMonitoredURL(rawURL, priority, interval)
	if err != nil {
		t.Fatal(err)
	}
	u.LastCheck = lastCheck
	fs.InsertURL(context.Background(), u)
	return u
}

// 到期URL被派发且last_check乐观更新
func TestScheduler_DispatchDue(t *testing.T) {
	fs := newFakeStore()
	q := testQueue(100)
	defer q.Close()

	u := addURL(t, fs, "https://a.com/p/1", 5, time.Hour, time.Now().Add(-2*time.Hour))
	s := New(testConfig(), fs, q, nil)

	s.Tick(context.Background())

	if q.Stats().Depth != 1 {
		t.Fatalf("到期URL应入队: depth=%d", q.Stats().Depth)
	}
	if fs.lastCheck(u.ID).Equal(u.LastCheck) {
		t.Error("派发应更新last_check")
	}
}

// 未到期URL不派发
func TestScheduler_NotDue(t *testing.T) {
	fs := newFakeStore()
	q := testQueue(100)
	defer q.Close()

	// 刚检查过, 间隔6小时: 远未到期 (抖动±8.3%不可能提前6小时)
	addURL(t, fs, "https://a.com/p/1", 5, 6*time.Hour, time.Now())
	s := New(testConfig(), fs, q, nil)

	s.Tick(context.Background())

	if q.Stats().Depth != 0 {
		t.Errorf("未到期URL不应入队: depth=%d", q.Stats().Depth)
	}
}

// 从未检查过的URL立即到期
func TestScheduler_NeverCheckedIsDue(t *testing.T) {
	fs := newFakeStore()
	q := testQueue(100)
	defer q.Close()

	addURL(t, fs, "https://a.com/p/1", 0, 6*time.Hour, time.Time{})
	s := New(testConfig(), fs, q, nil)

	s.Tick(context.Background())
	if q.Stats().Depth != 1 {
		t.Errorf("新URL应立即派发: depth=%d", q.Stats().Depth)
	}
}

// 冷却域名的URL被跳过, 保持到期状态
func TestScheduler_CooldownSkipped(t *testing.T) {
	fs := newFakeStore()
	q := testQueue(100)
	defer q.Close()

	u := addURL(t, fs, "https://x.com/p/1", 5, time.Hour, time.Now().Add(-2*time.Hour))

	cooled := true
	s := New(testConfig(), fs, q, func(string, time.Time) bool { return cooled })

	s.Tick(context.Background())
	if q.Stats().Depth != 0 {
		t.Fatal("冷却域名不应派发")
	}
	if !fs.lastCheck(u.ID).Equal(u.LastCheck) {
		t.Error("跳过时不应更新last_check")
	}

	// 解除冷却后的下个周期正常派发
	cooled = false
	s.Tick(context.Background())
	if q.Stats().Depth != 1 {
		t.Error("解除冷却后应派发")
	}
}

// 入队被拒时回滚last_check, 避免错过周期
func TestScheduler_RollbackOnEnqueueReject(t *testing.T) {
	fs := newFakeStore()
	q := testQueue(1) // 容量1: 第二个URL入队被拒
	defer q.Close()

	u1 := addURL(t, fs, "https://a.com/p/1", 5, time.Hour, time.Now().Add(-3*time.Hour))
	u2 := addURL(t, fs, "https://b.com/p/2", 5, time.Hour, time.Now().Add(-2*time.Hour))

	s := New(testConfig(), fs, q, nil)
	s.Tick(context.Background())

	if q.Stats().Depth != 1 {
		t.Fatalf("仅1项应入队: depth=%d", q.Stats().Depth)
	}

	// 入队成功者last_check已更新, 被拒者已回滚
	updated, rolled := 0, 0
	for _, u := range []*models.MonitoredURL{u1, u2} {
		if fs.lastCheck(u.ID).Equal(u.LastCheck) {
			rolled++
		} else {
			updated++
		}
	}
	if updated != 1 || rolled != 1 {
		t.Errorf("updated=%d rolled=%d, want 1/1", updated, rolled)
	}
}

// 存储故障: 跳过周期, 不派发不崩溃
func TestScheduler_StoreErrorSkipsTick(t *testing.T) {
	fs := newFakeStore()
	fs.fail = true
	q := testQueue(100)
	defer q.Close()

	s := New(testConfig(), fs, q, nil)
	s.Tick(context.Background()) // 不应panic

	if q.Stats().Depth != 0 {
		t.Error("存储故障时不应派发")
	}
}

// 自适应速率: 成功率低于下限时间隔放大(上限3×)
func TestScheduler_AdaptiveRate(t *testing.T) {
	fs := newFakeStore()
	q := testQueue(100)
	defer q.Close()

	addURL(t, fs, "https://x.com/p/1", 5, time.Hour, time.Now())
	s := New(testConfig(), fs, q, nil)

	now := time.Now()
	// 25%成功率 → mult = 1+(0.5-0.25) = 1.25
	for i := 0; i < 3; i++ {
		s.OnOutcome(&models.AttemptResult{
			Domain: "x.com", Outcome: models.OutcomeExtractionFailed, FinishedAt: now,
		})
	}
	s.OnOutcome(&models.AttemptResult{
		Domain: "x.com", Outcome: models.OutcomeOK, FinishedAt: now,
	})

	s.Tick(context.Background())

	mult := s.multFor("x.com")
	if mult < 1.24 || mult > 1.26 {
		t.Errorf("倍率 = %f, want 1.25", mult)
	}

	// 成功率1/24 → mult≈1.46 (不超过1+floor=1.5, 远低于3×上限)
	for i := 0; i < 20; i++ {
		s.OnOutcome(&models.AttemptResult{
			Domain: "x.com", Outcome: models.OutcomeBlocked, FinishedAt: now,
		})
	}
	s.Tick(context.Background())
	if mult := s.multFor("x.com"); mult > rateCapMultiplier {
		t.Errorf("倍率不能超过上限: %f", mult)
	}
}

// 场景6: 100个同参URL的派发抖动分散
func TestScheduler_JitterSpread(t *testing.T) {
	fs := newFakeStore()
	q := testQueue(1000)
	defer q.Close()

	// base=360min, 全部在同一时刻最后检查, 当前时刻恰好在到期窗口边缘
	base := 360 * time.Minute
	lastCheck := time.Now().Add(-time.Duration(float64(base) * 1.0))
	for i := 0; i < 100; i++ {
		addURL(t, fs, fmt.Sprintf("https://a.com/p/%03d", i), 4, base, lastCheck)
	}

	s := New(testConfig(), fs, q, nil)

	// 计算到期时刻的分布: 抖动应使到期时刻分散在±8.3%×interval(≈±30min)内
	urls, _ := fs.ListURLs(context.Background(), store.URLFilter{OnlyActive: true})
	due := s.collectDue(urls, time.Now())

	if len(due) == 0 {
		t.Fatal("应有URL到期")
	}
	var min, max time.Time
	for _, d := range due {
		if min.IsZero() || d.scheduled.Before(min) {
			min = d.scheduled
		}
		if d.scheduled.After(max) {
			max = d.scheduled
		}
	}
	// 抖动窗口理论宽度 2×0.083×interval×f(4)≈63min; 超过则抖动计算有误
	factor := 1.5 - 4.0/9.0
	limit := time.Duration(2 * 0.083 * factor * float64(base) * 1.05)
	if spread := max.Sub(min); spread > limit {
		t.Errorf("到期时刻离散超出抖动窗口: %v > %v", spread, limit)
	}
}
