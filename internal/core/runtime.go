package core

import (
	"fmt"
	"time"

	"github.com/RecoveryAshes/precotrack/internal/browser"
	configpkg "github.com/RecoveryAshes/precotrack/internal/config"
	"github.com/RecoveryAshes/precotrack/internal/engine"
	"github.com/RecoveryAshes/precotrack/internal/fetch"
	"github.com/RecoveryAshes/precotrack/internal/learning"
	"github.com/RecoveryAshes/precotrack/internal/proxy"
	"github.com/RecoveryAshes/precotrack/internal/queue"
	"github.com/RecoveryAshes/precotrack/internal/scheduler"
	"github.com/RecoveryAshes/precotrack/internal/store"
	"github.com/rs/zerolog/log"
)

// Runtime 进程级组件容器
// 配置与池句柄在启动时显式构造并传递, 不使用环境全局量
type Runtime struct {
	Config *Config

	Store        store.StrategyStore
	Buffer       *store.OutcomeBuffer
	Proxies      *proxy.Pool
	Monitor      *browser.ResourceMonitor
	Browsers     *browser.Pool
	Static       *fetch.StaticFetcher
	Fingerprints *FingerprintManager
	Learner      *learning.Learner
	Queue        *queue.Queue
	Scheduler    *scheduler.Scheduler
	Engine       *engine.Engine
}

// NewRuntime 按配置构造全部组件并完成装配
func NewRuntime(config *Config) (*Runtime, error) {
	// 指纹配置
	fpConfig, err := configpkg.NewFingerprintLoader(config.FingerprintFile).LoadConfig()
	if err != nil {
		return nil, err
	}
	fingerprints := NewFingerprintManager(fpConfig.Profiles, fpConfig.Domains)

	// 域名种子策略
	seeds, err := configpkg.NewSeedLoader(config.SeedFile).LoadSeeds()
	if err != nil {
		return nil, err
	}

	// 存储
	st, err := store.OpenSQLite(config.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("打开策略存储失败: %w", err)
	}

	// 学习层 (域名状态/冷却的持有者)
	learner := learning.New(learning.Config{
		ReprioritizeEvery: config.Learning.ReprioritizeEvery,
		VariantEvery:      config.Learning.VariantEvery,
		VariantFanout:     config.Learning.VariantFanout,
		RetireConfidence:  config.Learning.RetireConfidence,
		RetireMinAttempts: config.Learning.RetireMinAttempts,
		CooldownBase:      config.Engine.CooldownBase,
		CooldownMax:       config.Engine.CooldownMax,
		CooldownMult:      config.Engine.CooldownMult,
	}, st, seeds)

	// 队列 (冷却判据来自学习层)
	q := queue.New(queue.Config{
		MaxPending:     config.Queue.MaxPending,
		MaxConcurrency: config.Queue.MaxConcurrency,
		MaxPerDomain:   config.Queue.MaxPerDomain,
		RatePerSecond:  config.Queue.RatePerSecond,
		Burst:          config.Queue.Burst,
		MaxRetries:     config.Queue.MaxRetries,
		BackoffBase:    config.Queue.BackoffBase,
		BackoffCap:     config.Queue.BackoffCap,
	}, learner.InCooldown)

	// 调度器
	sched := scheduler.New(scheduler.Config{
		TickInterval:   config.Scheduler.TickInterval,
		JitterFraction: config.Scheduler.JitterFraction,
		SuccessFloor:   config.Scheduler.SuccessFloor,
	}, st, q, learner.InCooldown)

	// 资源监控与浏览器池
	monitor := browser.NewResourceMonitor(browser.ResourceMonitorConfig{
		SafetyReserveMemory: int64(config.Resource.SafetyReserveMemory) * 1024 * 1024,
		SafetyThreshold:     int64(config.Resource.SafetyThreshold) * 1024 * 1024,
		CPULoadThreshold:    config.Resource.CPULoadThreshold,
		MaxSessionsLimit:    config.Resource.MaxSessionsLimit,
	})
	browsers := browser.NewPool(browser.PoolConfig{
		MaxBrowsers: config.Browser.MaxBrowsers,
		Headless:    config.Browser.Headless,
	}, monitor)

	// 代理池与静态抓取器
	proxies := proxy.NewPool(config.Proxy.Endpoints, config.Proxy.RefreshInterval)
	static := fetch.NewStaticFetcher(config.Engine.NavigationTimeout)

	// 引擎
	eng := engine.New(engine.Config{
		NavigationTimeout: config.Engine.NavigationTimeout,
		NavigationMax:     config.Engine.NavigationMax,
		AttemptDeadline:   config.Engine.AttemptDeadline,
		ReadyFloor:        config.Engine.ReadyFloor,
	}, browsers, static, proxies, fingerprints, learner)

	return &Runtime{
		Config:       config,
		Store:        st,
		Buffer:       store.NewOutcomeBuffer(config.Store.BufferLimit),
		Proxies:      proxies,
		Monitor:      monitor,
		Browsers:     browsers,
		Static:       static,
		Fingerprints: fingerprints,
		Learner:      learner,
		Queue:        q,
		Scheduler:    sched,
		Engine:       eng,
	}, nil
}

// Close 释放全部资源
func (r *Runtime) Close() {
	r.Monitor.StopMonitoring()
	if err := r.Browsers.Close(); err != nil {
		log.Warn().Err(err).Msg("关闭浏览器池失败")
	}
	r.Proxies.Close()
	if err := r.Store.Close(); err != nil {
		log.Warn().Err(err).Msg("关闭存储失败")
	}
}

// GraceWindow 停机排空宽限期
const GraceWindow = 60 * time.Second
