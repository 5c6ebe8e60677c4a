// Package proxy 提供代理端点选择与健康跟踪
// 热路径选择基于只读快照,无锁; 健康状态周期性刷新到新快照
package proxy

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RecoveryAshes/precotrack/internal/models"
	"github.com/RecoveryAshes/precotrack/internal/utils"
	"github.com/rs/zerolog/log"
)

// Endpoint 单个代理端点
type Endpoint struct {
	URL     string  // 代理URL (含认证信息)
	Healthy bool    // 当前健康状态
	Weight  float64 // 健康权重 (随成功/失败调整; 低于0.1时剔除, Select不按权重加权)
}

// snapshot 只读端点快照; 热路径仅读取,刷新时整体替换
type snapshot struct {
	healthy []Endpoint
}

// Pool 代理池
type Pool struct {
	snap atomic.Pointer[snapshot]

	// 健康计分 (仅Report和refresh访问)
	mu     sync.Mutex
	scores map[string]float64 // URL -> 权重 [0,1]
	all    []string

	refreshInterval time.Duration
	stopCh          chan struct{}
	stopOnce        sync.Once
}

// NewPool 创建代理池; endpoints为空时Select返回空端点(直连)
func NewPool(endpoints []string, refreshInterval time.Duration) *Pool {
	if refreshInterval <= 0 {
		refreshInterval = 30 * time.Second
	}
	p := &Pool{
		scores:          make(map[string]float64, len(endpoints)),
		all:             append([]string(nil), endpoints...),
		refreshInterval: refreshInterval,
		stopCh:          make(chan struct{}),
	}
	for _, e := range endpoints {
		p.scores[e] = 1.0
	}
	p.rebuild()

	if len(endpoints) > 0 {
		go p.refreshLoop()
		log.Info().Int("endpoints", len(endpoints)).Msg("代理池已初始化")
	}
	return p
}

// Select 为域名选择一个代理端点 (无锁热路径)
// 代理池为空时返回空字符串(直连)
func (p *Pool) Select(domain string) string {
	snap := p.snap.Load()
	if snap == nil || len(snap.healthy) == 0 {
		return ""
	}
	// 域名不参与选择偏好,仅做随机分散; 指纹轮换由引擎负责
	e := snap.healthy[rand.Intn(len(snap.healthy))]
	return e.URL
}

// Report 上报端点结果,调整健康权重
// 成功: w' = 0.9w + 0.1; 失败: w' = 0.9w; 拦截额外减半
func (p *Pool) Report(endpoint string, outcome models.Outcome) {
	if endpoint == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.scores[endpoint]
	if !ok {
		return
	}
	switch outcome {
	case models.OutcomeOK, models.OutcomePartial, models.OutcomeExtractionFailed:
		// 提取层面的失败不怪代理
		w = 0.9*w + 0.1
	case models.OutcomeBlocked, models.OutcomeCaptcha:
		w = 0.9 * w / 2
	default:
		w = 0.9 * w
	}
	p.scores[endpoint] = w

	if w < 0.2 {
		log.Warn().Str("endpoint", utils.RedactEndpoint(endpoint)).
			Float64("weight", w).Msg("代理端点健康度过低")
	}
}

// refreshLoop 周期性重建快照
func (p *Pool) refreshLoop() {
	ticker := time.NewTicker(p.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.rebuild()
		}
	}
}

// rebuild 从健康计分重建只读快照
// 权重<0.1的端点暂时剔除; 全部不健康时恢复全量(否则无代理可用)
func (p *Pool) rebuild() {
	p.mu.Lock()
	defer p.mu.Unlock()

	healthy := make([]Endpoint, 0, len(p.all))
	for _, u := range p.all {
		w := p.scores[u]
		if w >= 0.1 {
			healthy = append(healthy, Endpoint{URL: u, Healthy: true, Weight: w})
		}
	}
	if len(healthy) == 0 && len(p.all) > 0 {
		for _, u := range p.all {
			// 给被剔除的端点恢复机会
			p.scores[u] = 0.5
			healthy = append(healthy, Endpoint{URL: u, Healthy: true, Weight: 0.5})
		}
		log.Warn().Msg("所有代理端点均不健康,重置全量端点")
	}

	p.snap.Store(&snapshot{healthy: healthy})
}

// Close 停止刷新循环
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}
